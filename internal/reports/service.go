package reports

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/citypulse/internal/apperr"
	"github.com/MarcoPoloResearchLab/citypulse/internal/ids"
	"github.com/MarcoPoloResearchLab/citypulse/internal/ledger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew    = "reports.service.new"
	opSubmit        = "reports.submit"
	opGet           = "reports.get"
	opUpdateStatus  = "reports.update_status"
	maxTitleLength  = 200
	maxCategoryLen  = 64
	maxAddressLen   = 500
	defaultCategory = "other"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingLedger     = errors.New("ledger is required")
)

// CreditPoster records ledger entries inside a caller-owned transaction.
type CreditPoster interface {
	PostInTx(tx *gorm.DB, posting ledger.Posting) (ledger.Entry, error)
}

// ServiceConfig describes the report service dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Ledger     CreditPoster
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Service stores reports and applies the submission reward policy.
type Service struct {
	db         *gorm.DB
	ledger     CreditPoster
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

// SubmitResult pairs the stored report with its award entry.
type SubmitResult struct {
	Report Report
	Award  ledger.Entry
}

// NewService validates cfg and constructs the report service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.New(apperr.KindPersistence, opServiceNew+".missing_database", "", errMissingDatabase)
	}
	if cfg.Ledger == nil {
		return nil, apperr.New(apperr.KindPersistence, opServiceNew+".missing_ledger", "", errMissingLedger)
	}
	if cfg.IDProvider == nil {
		return nil, apperr.New(apperr.KindPersistence, opServiceNew+".missing_id_provider", "", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		ledger:     cfg.Ledger,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Submit stores a new report and credits its author in the same transaction.
func (s *Service) Submit(ctx context.Context, authorID string, request SubmitRequest) (SubmitResult, error) {
	authorID = strings.TrimSpace(authorID)
	if authorID == "" {
		return SubmitResult{}, apperr.Unauthenticated(opSubmit + ".missing_user_id")
	}

	report, err := s.buildReport(authorID, request)
	if err != nil {
		return SubmitResult{}, err
	}
	award, err := SubmissionAward(report.PhotoCount)
	if err != nil {
		return SubmitResult{}, apperr.Validation(opSubmit+".too_many_photos", "You can attach up to 5 photos per report.")
	}

	var result SubmitResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&report).Error; err != nil {
			s.logError(opSubmit, "report_insert_failed", err, zap.String("user_id", authorID))
			return apperr.Persistence(opSubmit+".report_insert_failed", err)
		}
		entry, err := s.ledger.PostInTx(tx, ledger.Posting{
			UserID:          authorID,
			Amount:          award,
			Reason:          submissionReason(report.Title, report.PhotoCount),
			Type:            ledger.EntryTypeEarned,
			RelatedReportID: report.ReportID,
		})
		if err != nil {
			return err
		}
		result = SubmitResult{Report: report, Award: entry}
		return nil
	})
	if txErr != nil {
		return SubmitResult{}, persistenceOr(opSubmit, txErr)
	}

	s.logger.Info("report submitted",
		zap.String("report_id", result.Report.ReportID),
		zap.String("user_id", authorID),
		zap.Int64("award", result.Award.Amount))
	return result, nil
}

func (s *Service) buildReport(authorID string, request SubmitRequest) (Report, error) {
	title := strings.TrimSpace(request.Title)
	if title == "" {
		return Report{}, apperr.Validation(opSubmit+".missing_title", "Please give your report a title.")
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return Report{}, apperr.Validation(opSubmit+".title_too_long", "Report titles must be 200 characters or fewer.")
	}
	category := strings.ToLower(strings.TrimSpace(request.Category))
	if category == "" {
		category = defaultCategory
	}
	if len(category) > maxCategoryLen {
		return Report{}, apperr.Validation(opSubmit+".invalid_category", "Unknown report category.")
	}
	priority, ok := parsePriority(strings.ToLower(strings.TrimSpace(request.Priority)))
	if !ok {
		return Report{}, apperr.Validation(opSubmit+".invalid_priority", "Priority must be low, medium, or high.")
	}
	address := strings.TrimSpace(request.Address)
	if utf8.RuneCountInString(address) > maxAddressLen {
		return Report{}, apperr.Validation(opSubmit+".address_too_long", "Address is too long.")
	}
	if len(request.PhotoURLs) > MaxPhotosPerReport {
		return Report{}, apperr.Validation(opSubmit+".too_many_photos", "You can attach up to 5 photos per report.")
	}
	photos := make([]string, 0, len(request.PhotoURLs))
	for _, raw := range request.PhotoURLs {
		url := strings.TrimSpace(raw)
		if url == "" {
			return Report{}, apperr.Validation(opSubmit+".invalid_photo", "Photo links must not be empty.")
		}
		photos = append(photos, url)
	}
	photosJSON, err := json.Marshal(photos)
	if err != nil {
		return Report{}, apperr.Validation(opSubmit+".invalid_photo", "Photo links could not be read.")
	}

	reportID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSubmit, "id_generation_failed", err, zap.String("user_id", authorID))
		return Report{}, apperr.Persistence(opSubmit+".id_generation_failed", err)
	}
	now := s.clock().UTC()
	return Report{
		ReportID:      reportID,
		AuthorID:      authorID,
		Title:         title,
		Description:   strings.TrimSpace(request.Description),
		Category:      category,
		Priority:      priority,
		Latitude:      request.Latitude,
		Longitude:     request.Longitude,
		Address:       address,
		PhotoURLsJSON: string(photosJSON),
		PhotoCount:    len(photos),
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Get loads a report by id.
func (s *Service) Get(ctx context.Context, reportID string) (Report, error) {
	reportID = strings.TrimSpace(reportID)
	if reportID == "" {
		return Report{}, apperr.Validation(opGet+".missing_report_id", "A report is required.")
	}
	var report Report
	err := s.db.WithContext(ctx).Where("report_id = ?", reportID).Take(&report).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Report{}, apperr.NotFound(opGet+".not_found", "That report no longer exists.")
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("report_id", reportID))
		return Report{}, apperr.Persistence(opGet+".query_failed", err)
	}
	return report, nil
}

// UpdateStatus moves a report through triage. Credits are not touched.
func (s *Service) UpdateStatus(ctx context.Context, reportID string, status Status, notes string) (Report, error) {
	if _, ok := ParseStatus(string(status)); !ok {
		return Report{}, apperr.Validation(opUpdateStatus+".invalid_status", "Unknown report status.")
	}
	reportID = strings.TrimSpace(reportID)
	if reportID == "" {
		return Report{}, apperr.Validation(opUpdateStatus+".missing_report_id", "A report is required.")
	}

	updates := map[string]interface{}{
		"status":     status,
		"updated_at": s.clock().UTC(),
	}
	if trimmed := strings.TrimSpace(notes); trimmed != "" {
		updates["admin_notes"] = trimmed
	}
	result := s.db.WithContext(ctx).Model(&Report{}).Where("report_id = ?", reportID).Updates(updates)
	if result.Error != nil {
		s.logError(opUpdateStatus, "update_failed", result.Error, zap.String("report_id", reportID))
		return Report{}, apperr.Persistence(opUpdateStatus+".update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return Report{}, apperr.NotFound(opUpdateStatus+".not_found", "That report no longer exists.")
	}
	return s.Get(ctx, reportID)
}

func persistenceOr(operation string, err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.Persistence(operation+".transaction_failed", err)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("reports service error", attrs...)
}
