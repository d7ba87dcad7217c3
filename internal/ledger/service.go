package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/citypulse/internal/apperr"
	"github.com/MarcoPoloResearchLab/citypulse/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew  = "ledger.service.new"
	opPost        = "ledger.post"
	opLockAccount = "ledger.lock_account"
	opBalance     = "ledger.balance"
	opHistory     = "ledger.history"
	opAdjust      = "ledger.adjust"

	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceConfig describes the ledger dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Service appends credit entries and derives balances from them.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

// NewService validates cfg and constructs the ledger.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.New(apperr.KindPersistence, opServiceNew+".missing_database", "", errMissingDatabase)
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
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Post durably appends one entry. A returned error means the entry was not recorded.
func (s *Service) Post(ctx context.Context, posting Posting) (Entry, error) {
	var entry Entry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		posted, err := s.PostInTx(tx, posting)
		if err != nil {
			return err
		}
		entry = posted
		return nil
	})
	if err != nil {
		return Entry{}, s.wrapPersistence(opPost, "transaction_failed", err)
	}
	return entry, nil
}

// PostInTx appends an entry inside a caller-owned transaction. The caller's
// commit decides whether the entry exists.
func (s *Service) PostInTx(tx *gorm.DB, posting Posting) (Entry, error) {
	userID := strings.TrimSpace(posting.UserID)
	if !validIdentifier(userID) {
		return Entry{}, apperr.Validation(opPost+".invalid_user_id", "A valid user is required to record credits.")
	}
	if !posting.Type.Valid() {
		return Entry{}, apperr.Validation(opPost+".invalid_type", "Unknown credit entry type.")
	}
	if !posting.Type.acceptsAmount(posting.Amount) {
		return Entry{}, apperr.Validation(opPost+".invalid_amount", "Credit amount does not match the entry type.")
	}
	reason := normalizeReason(posting.Reason)
	if reason == "" {
		return Entry{}, apperr.Validation(opPost+".missing_reason", "A reason is required for every credit entry.")
	}

	account, err := s.LockAccount(tx, userID)
	if err != nil {
		return Entry{}, err
	}

	entryID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opPost, "id_generation_failed", err, zap.String("user_id", userID))
		return Entry{}, apperr.Persistence(opPost+".id_generation_failed", err)
	}

	createdAt := s.clock().UTC()
	if account.LastEntryAt.After(createdAt) {
		createdAt = account.LastEntryAt
	}

	entry := Entry{
		EntryID:   entryID,
		UserID:    userID,
		Amount:    posting.Amount,
		Reason:    reason,
		Type:      posting.Type,
		CreatedAt: createdAt,
	}
	if related := strings.TrimSpace(posting.RelatedReportID); related != "" {
		entry.RelatedReportID = &related
	}

	if err := tx.Create(&entry).Error; err != nil {
		s.logError(opPost, "insert_failed", err, zap.String("user_id", userID))
		return Entry{}, apperr.Persistence(opPost+".insert_failed", err)
	}
	if err := tx.Model(&Account{}).
		Where("user_id = ?", userID).
		Update("last_entry_at", createdAt).Error; err != nil {
		s.logError(opPost, "account_touch_failed", err, zap.String("user_id", userID))
		return Entry{}, apperr.Persistence(opPost+".account_touch_failed", err)
	}

	s.logger.Debug("ledger entry posted",
		zap.String("entry_id", entry.EntryID),
		zap.String("user_id", userID),
		zap.Int64("amount", entry.Amount),
		zap.String("type", string(entry.Type)))
	return entry, nil
}

// LockAccount creates the user's account row when missing and locks it for
// the remainder of tx. Every guarded read-decide-write on a user's credits
// must hold this lock.
func (s *Service) LockAccount(tx *gorm.DB, userID string) (Account, error) {
	userID = strings.TrimSpace(userID)
	if !validIdentifier(userID) {
		return Account{}, apperr.Validation(opLockAccount+".invalid_user_id", "A valid user is required.")
	}

	seed := Account{UserID: userID, CreatedAt: s.clock().UTC()}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		s.logError(opLockAccount, "account_create_failed", err, zap.String("user_id", userID))
		return Account{}, apperr.Persistence(opLockAccount+".account_create_failed", err)
	}

	var account Account
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&account).Error; err != nil {
		s.logError(opLockAccount, "account_lock_failed", err, zap.String("user_id", userID))
		return Account{}, apperr.Persistence(opLockAccount+".account_lock_failed", err)
	}
	return account, nil
}

// Balance returns the user's current balance.
func (s *Service) Balance(ctx context.Context, userID string) (Balance, error) {
	return s.sum(s.db.WithContext(ctx), userID)
}

// BalanceInTx returns the unclamped balance after locking the user's
// account, so the value stays authoritative until tx ends.
func (s *Service) BalanceInTx(tx *gorm.DB, userID string) (Balance, error) {
	if _, err := s.LockAccount(tx, userID); err != nil {
		return Balance{}, err
	}
	return s.sum(tx, userID)
}

func (s *Service) sum(db *gorm.DB, userID string) (Balance, error) {
	userID = strings.TrimSpace(userID)
	if !validIdentifier(userID) {
		return Balance{}, apperr.Validation(opBalance+".invalid_user_id", "A valid user is required.")
	}
	var total int64
	if err := db.Model(&Entry{}).
		Where("user_id = ?", userID).
		Select("CAST(COALESCE(SUM(amount), 0) AS BIGINT)").
		Scan(&total).Error; err != nil {
		s.logError(opBalance, "query_failed", err, zap.String("user_id", userID))
		return Balance{}, apperr.Persistence(opBalance+".query_failed", err)
	}
	return Balance{UserID: userID, Raw: total}, nil
}

// History returns the user's entries, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]Entry, error) {
	userID = strings.TrimSpace(userID)
	if !validIdentifier(userID) {
		return nil, apperr.Validation(opHistory+".invalid_user_id", "A valid user is required.")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	var entries []Entry
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("entry_id DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		s.logError(opHistory, "query_failed", err, zap.String("user_id", userID))
		return nil, apperr.Persistence(opHistory+".query_failed", err)
	}
	return entries, nil
}

// Adjust posts an offsetting correction. Entries are never edited in place.
func (s *Service) Adjust(ctx context.Context, userID string, amount int64, reason string) (Entry, error) {
	if amount == 0 {
		return Entry{}, apperr.Validation(opAdjust+".zero_amount", "An adjustment must change the balance.")
	}
	return s.Post(ctx, Posting{
		UserID: userID,
		Amount: amount,
		Reason: reason,
		Type:   EntryTypeAdjustment,
	})
}

func (s *Service) wrapPersistence(operation, reason string, err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	s.logError(operation, reason, err)
	return apperr.Persistence(operation+"."+reason, err)
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
	s.logger.Error("ledger service error", attrs...)
}
