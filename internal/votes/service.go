package votes

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/citypulse/internal/apperr"
	"github.com/MarcoPoloResearchLab/citypulse/internal/ids"
	"github.com/MarcoPoloResearchLab/citypulse/internal/ledger"
	"github.com/MarcoPoloResearchLab/citypulse/internal/reports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew    = "votes.service.new"
	opCast          = "votes.cast"
	opState         = "votes.state"
	opReconcile     = "votes.reconcile"
	opReconcileAll  = "votes.reconcile_all"
	queryReportID   = "report_id = ?"
	queryUserReport = "user_id = ? AND report_id = ?"

	// FirstVoteBonus is credited once per user, on their first vote ever.
	FirstVoteBonus int64 = 2
	FirstVoteReason      = "Voted on community report"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingLedger     = errors.New("ledger is required")
	errMissingIDProvider = errors.New("id provider is required")

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "citypulse_vote_transitions_total",
		Help: "Applied vote transitions, labeled by action",
	}, []string{"action"})
)

// AccountLedger is the slice of the ledger the vote engine needs inside its transaction.
type AccountLedger interface {
	LockAccount(tx *gorm.DB, userID string) (ledger.Account, error)
	PostInTx(tx *gorm.DB, posting ledger.Posting) (ledger.Entry, error)
}

// ServiceConfig describes the vote engine dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Ledger     AccountLedger
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Service is the vote engine. Counters are only ever changed through Cast
// and Reconcile.
type Service struct {
	db         *gorm.DB
	ledger     AccountLedger
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

// NewService validates cfg and constructs the vote engine.
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

// Cast applies a vote request against the caller's current vote on the
// report. The report row is locked for the whole transition, so concurrent
// requests on the same report are applied one after another.
func (s *Service) Cast(ctx context.Context, userID, reportID string, voteType VoteType) (Outcome, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Outcome{}, apperr.Unauthenticated(opCast + ".missing_user_id")
	}
	reportID = strings.TrimSpace(reportID)
	if reportID == "" {
		return Outcome{}, apperr.Validation(opCast+".missing_report_id", "A report is required.")
	}
	if _, err := ParseVoteType(string(voteType)); err != nil {
		return Outcome{}, apperr.Validation(opCast+".invalid_vote_type", "Vote must be upvote or downvote.")
	}

	var outcome Outcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var report reports.Report
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("report_id").
			Where(queryReportID, reportID).
			Take(&report).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound(opCast+".report_not_found", "That report no longer exists.")
		}
		if err != nil {
			s.logError(opCast, "report_lock_failed", err, zap.String("report_id", reportID))
			return apperr.Persistence(opCast+".report_lock_failed", err)
		}

		current, existing, err := s.loadState(tx, userID, reportID)
		if err != nil {
			return err
		}
		step, err := resolveVote(current, voteType)
		if err != nil {
			return apperr.Validation(opCast+".invalid_transition", "That vote could not be applied.")
		}

		now := s.clock().UTC()
		if err := s.applyRow(tx, step, existing, userID, reportID, voteType, now); err != nil {
			return err
		}
		if err := tx.Model(&reports.Report{}).
			Where(queryReportID, reportID).
			UpdateColumns(map[string]interface{}{
				"upvotes":   gorm.Expr("upvotes + ?", step.upDelta),
				"downvotes": gorm.Expr("downvotes + ?", step.downDelta),
			}).Error; err != nil {
			s.logError(opCast, "counter_update_failed", err, zap.String("report_id", reportID))
			return apperr.Persistence(opCast+".counter_update_failed", err)
		}

		bonus := false
		if step.action == ActionCast {
			bonus, err = s.isFirstVote(tx, userID)
			if err != nil {
				return err
			}
		}
		if err := s.appendEvent(tx, userID, reportID, step.action, voteType, now); err != nil {
			return err
		}
		if bonus {
			if _, err := s.ledger.PostInTx(tx, ledger.Posting{
				UserID:          userID,
				Amount:          FirstVoteBonus,
				Reason:          FirstVoteReason,
				Type:            ledger.EntryTypeEarned,
				RelatedReportID: reportID,
			}); err != nil {
				return err
			}
		}

		var counters reports.Report
		if err := tx.Select("upvotes", "downvotes").Where(queryReportID, reportID).Take(&counters).Error; err != nil {
			s.logError(opCast, "counter_read_failed", err, zap.String("report_id", reportID))
			return apperr.Persistence(opCast+".counter_read_failed", err)
		}

		outcome = Outcome{
			ReportID:     reportID,
			State:        step.next,
			Action:       step.action,
			Upvotes:      counters.Upvotes,
			Downvotes:    counters.Downvotes,
			BonusAwarded: bonus,
		}
		return nil
	})
	if txErr != nil {
		return Outcome{}, persistenceOr(opCast, txErr)
	}

	transitionsTotal.WithLabelValues(string(outcome.Action)).Inc()
	return outcome, nil
}

func (s *Service) loadState(tx *gorm.DB, userID, reportID string) (State, *Vote, error) {
	var existing Vote
	err := tx.Where(queryUserReport, userID, reportID).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StateNone, nil, nil
	}
	if err != nil {
		s.logError(opCast, "vote_select_failed", err, zap.String("user_id", userID), zap.String("report_id", reportID))
		return "", nil, apperr.Persistence(opCast+".vote_select_failed", err)
	}
	return stateFor(existing.VoteType), &existing, nil
}

func (s *Service) applyRow(tx *gorm.DB, step transition, existing *Vote, userID, reportID string, voteType VoteType, now time.Time) error {
	var err error
	switch step.action {
	case ActionCast:
		err = tx.Create(&Vote{
			UserID:    userID,
			ReportID:  reportID,
			VoteType:  voteType,
			CreatedAt: now,
			UpdatedAt: now,
		}).Error
	case ActionSwitch:
		err = tx.Model(&Vote{}).
			Where(queryUserReport, userID, reportID).
			UpdateColumns(map[string]interface{}{"vote_type": voteType, "updated_at": now}).Error
	case ActionRetract:
		err = tx.Where(queryUserReport, existing.UserID, existing.ReportID).Delete(&Vote{}).Error
	}
	if err != nil {
		reason := "vote_" + string(step.action) + "_failed"
		s.logError(opCast, reason, err, zap.String("user_id", userID), zap.String("report_id", reportID))
		return apperr.Persistence(opCast+"."+reason, err)
	}
	return nil
}

// isFirstVote consults the vote history under the user's account lock, so
// deleting and recreating votes can never earn the bonus twice.
func (s *Service) isFirstVote(tx *gorm.DB, userID string) (bool, error) {
	if _, err := s.ledger.LockAccount(tx, userID); err != nil {
		return false, err
	}
	var prior int64
	if err := tx.Model(&Event{}).
		Where("user_id = ? AND action = ?", userID, ActionCast).
		Count(&prior).Error; err != nil {
		s.logError(opCast, "history_query_failed", err, zap.String("user_id", userID))
		return false, apperr.Persistence(opCast+".history_query_failed", err)
	}
	return prior == 0, nil
}

func (s *Service) appendEvent(tx *gorm.DB, userID, reportID string, action Action, voteType VoteType, now time.Time) error {
	eventID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCast, "id_generation_failed", err, zap.String("user_id", userID))
		return apperr.Persistence(opCast+".id_generation_failed", err)
	}
	if err := tx.Create(&Event{
		EventID:   eventID,
		UserID:    userID,
		ReportID:  reportID,
		Action:    action,
		VoteType:  voteType,
		AppliedAt: now,
	}).Error; err != nil {
		s.logError(opCast, "event_insert_failed", err, zap.String("user_id", userID), zap.String("report_id", reportID))
		return apperr.Persistence(opCast+".event_insert_failed", err)
	}
	return nil
}

// State returns the caller's current vote on the report.
func (s *Service) State(ctx context.Context, userID, reportID string) (State, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", apperr.Unauthenticated(opState + ".missing_user_id")
	}
	var existing Vote
	err := s.db.WithContext(ctx).Where(queryUserReport, userID, strings.TrimSpace(reportID)).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StateNone, nil
	}
	if err != nil {
		s.logError(opState, "query_failed", err, zap.String("user_id", userID))
		return "", apperr.Persistence(opState+".query_failed", err)
	}
	return stateFor(existing.VoteType), nil
}

// Reconcile recounts the vote rows of a report and repairs its counters
// when they drifted.
func (s *Service) Reconcile(ctx context.Context, reportID string) (ReconcileResult, error) {
	reportID = strings.TrimSpace(reportID)
	if reportID == "" {
		return ReconcileResult{}, apperr.Validation(opReconcile+".missing_report_id", "A report is required.")
	}

	var result ReconcileResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var report reports.Report
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("report_id", "upvotes", "downvotes").
			Where(queryReportID, reportID).
			Take(&report).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound(opReconcile+".report_not_found", "That report no longer exists.")
		}
		if err != nil {
			s.logError(opReconcile, "report_lock_failed", err, zap.String("report_id", reportID))
			return apperr.Persistence(opReconcile+".report_lock_failed", err)
		}

		var upvotes, downvotes int64
		if err := tx.Model(&Vote{}).Where("report_id = ? AND vote_type = ?", reportID, VoteTypeUpvote).Count(&upvotes).Error; err != nil {
			s.logError(opReconcile, "count_failed", err, zap.String("report_id", reportID))
			return apperr.Persistence(opReconcile+".count_failed", err)
		}
		if err := tx.Model(&Vote{}).Where("report_id = ? AND vote_type = ?", reportID, VoteTypeDownvote).Count(&downvotes).Error; err != nil {
			s.logError(opReconcile, "count_failed", err, zap.String("report_id", reportID))
			return apperr.Persistence(opReconcile+".count_failed", err)
		}

		result = ReconcileResult{ReportID: reportID, Upvotes: upvotes, Downvotes: downvotes}
		if report.Upvotes == upvotes && report.Downvotes == downvotes {
			return nil
		}
		if err := tx.Model(&reports.Report{}).
			Where(queryReportID, reportID).
			UpdateColumns(map[string]interface{}{"upvotes": upvotes, "downvotes": downvotes}).Error; err != nil {
			s.logError(opReconcile, "repair_failed", err, zap.String("report_id", reportID))
			return apperr.Persistence(opReconcile+".repair_failed", err)
		}
		result.Repaired = true
		s.logger.Warn("vote counters repaired",
			zap.String("report_id", reportID),
			zap.Int64("stored_upvotes", report.Upvotes),
			zap.Int64("stored_downvotes", report.Downvotes),
			zap.Int64("upvotes", upvotes),
			zap.Int64("downvotes", downvotes))
		return nil
	})
	if txErr != nil {
		return ReconcileResult{}, persistenceOr(opReconcile, txErr)
	}
	return result, nil
}

// ReconcileAll runs Reconcile over every report and returns the repaired ones.
func (s *Service) ReconcileAll(ctx context.Context) ([]ReconcileResult, error) {
	var reportIDs []string
	if err := s.db.WithContext(ctx).Model(&reports.Report{}).Order("report_id").Pluck("report_id", &reportIDs).Error; err != nil {
		s.logError(opReconcileAll, "list_failed", err)
		return nil, apperr.Persistence(opReconcileAll+".list_failed", err)
	}
	repaired := make([]ReconcileResult, 0)
	for _, reportID := range reportIDs {
		result, err := s.Reconcile(ctx, reportID)
		if apperr.Is(err, apperr.KindNotFound) {
			continue
		}
		if err != nil {
			return repaired, err
		}
		if result.Repaired {
			repaired = append(repaired, result)
		}
	}
	return repaired, nil
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
	s.logger.Error("votes service error", attrs...)
}
