package rewards

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/citypulse/internal/apperr"
	"github.com/MarcoPoloResearchLab/citypulse/internal/ids"
	"github.com/MarcoPoloResearchLab/citypulse/internal/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew       = "rewards.service.new"
	opRedeem           = "rewards.redeem"
	opListActive       = "rewards.list_active"
	opListRedemptions  = "rewards.list_redemptions"
	opCreateReward     = "rewards.create"
	opRestock          = "rewards.restock"
	opSetStatus        = "rewards.set_redemption_status"
	queryRewardID      = "reward_id = ?"
	queryRedemptionID  = "redemption_id = ?"
	maxIdempotencyKey  = 128
	maxTitleLength     = 200
	codeAttempts       = 3
	defaultCategory    = "general"
	redeemReasonPrefix = "Redeemed: "
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingLedger     = errors.New("ledger is required")
	errMissingIDProvider = errors.New("id provider is required")
	errCodeSpaceExceeded = errors.New("redemption code attempts exhausted")

	redemptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "citypulse_redemptions_total",
		Help: "Redemption attempts, labeled by outcome",
	}, []string{"outcome"})
)

// AccountLedger is the slice of the ledger the redemption workflow needs.
type AccountLedger interface {
	LockAccount(tx *gorm.DB, userID string) (ledger.Account, error)
	BalanceInTx(tx *gorm.DB, userID string) (ledger.Balance, error)
	PostInTx(tx *gorm.DB, posting ledger.Posting) (ledger.Entry, error)
}

// ServiceConfig describes the rewards service dependencies.
type ServiceConfig struct {
	Database      *gorm.DB
	Ledger        AccountLedger
	Clock         func() time.Time
	IDProvider    ids.Provider
	CodeGenerator CodeGenerator
	Logger        *zap.Logger
}

// Service owns the reward catalog and the redemption workflow.
type Service struct {
	db         *gorm.DB
	ledger     AccountLedger
	clock      func() time.Time
	idProvider ids.Provider
	codes      CodeGenerator
	logger     *zap.Logger
}

// NewService validates cfg and constructs the rewards service.
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
	codes := cfg.CodeGenerator
	if codes == nil {
		codes = NewRandomCodeGenerator()
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
		codes:      codes,
		logger:     logger,
	}, nil
}

// Redeem spends credits on a reward. The balance check, stock decrement,
// debit and redemption record commit together or not at all.
func (s *Service) Redeem(ctx context.Context, request RedeemRequest) (RedeemResult, error) {
	userID := strings.TrimSpace(request.UserID)
	if userID == "" {
		return RedeemResult{}, apperr.Unauthenticated(opRedeem + ".missing_user_id")
	}
	rewardID := strings.TrimSpace(request.RewardID)
	if rewardID == "" {
		return RedeemResult{}, apperr.Validation(opRedeem+".missing_reward_id", "Please choose a reward.")
	}
	idempotencyKey := strings.TrimSpace(request.IdempotencyKey)
	if len(idempotencyKey) > maxIdempotencyKey {
		return RedeemResult{}, apperr.Validation(opRedeem+".invalid_idempotency_key", "Idempotency key is too long.")
	}

	var result RedeemResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ledger.LockAccount(tx, userID); err != nil {
			return err
		}

		if idempotencyKey != "" {
			replayed, found, err := s.findReplay(tx, userID, rewardID, idempotencyKey)
			if err != nil {
				return err
			}
			if found {
				balance, err := s.ledger.BalanceInTx(tx, userID)
				if err != nil {
					return err
				}
				result = RedeemResult{Redemption: replayed, Balance: balance.Raw, Replayed: true}
				return nil
			}
		}

		var reward Reward
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where(queryRewardID, rewardID).Take(&reward).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound(opRedeem+".reward_not_found", "That reward is no longer available.")
		}
		if err != nil {
			s.logError(opRedeem, "reward_lock_failed", err, zap.String("reward_id", rewardID))
			return apperr.Persistence(opRedeem+".reward_lock_failed", err)
		}
		if !reward.IsActive {
			return apperr.NotFound(opRedeem+".reward_inactive", "That reward is no longer available.")
		}
		if reward.StockQuantity <= 0 {
			return apperr.New(apperr.KindOutOfStock, opRedeem+".out_of_stock", "This reward is out of stock.", nil)
		}

		balance, err := s.ledger.BalanceInTx(tx, userID)
		if err != nil {
			return err
		}
		if balance.Raw < reward.Cost {
			return apperr.New(apperr.KindInsufficientCredits, opRedeem+".insufficient_credits",
				fmt.Sprintf("You need %d credits but have %d.", reward.Cost, balance.Display()), nil)
		}

		now := s.clock().UTC()
		decrement := tx.Model(&Reward{}).
			Where("reward_id = ? AND stock_quantity > 0", rewardID).
			UpdateColumns(map[string]interface{}{
				"stock_quantity": gorm.Expr("stock_quantity - ?", 1),
				"updated_at":     now,
			})
		if decrement.Error != nil {
			s.logError(opRedeem, "stock_update_failed", decrement.Error, zap.String("reward_id", rewardID))
			return apperr.Persistence(opRedeem+".stock_update_failed", decrement.Error)
		}
		if decrement.RowsAffected == 0 {
			return apperr.New(apperr.KindOutOfStock, opRedeem+".out_of_stock", "This reward is out of stock.", nil)
		}

		entry, err := s.ledger.PostInTx(tx, ledger.Posting{
			UserID: userID,
			Amount: -reward.Cost,
			Reason: redeemReasonPrefix + reward.Title,
			Type:   ledger.EntryTypeRedeemed,
		})
		if err != nil {
			return err
		}

		redemption, err := s.newRedemption(tx, userID, reward, entry.EntryID, idempotencyKey, now)
		if err != nil {
			return err
		}
		if err := tx.Create(&redemption).Error; err != nil {
			s.logError(opRedeem, "redemption_insert_failed", err, zap.String("user_id", userID), zap.String("reward_id", rewardID))
			return apperr.Persistence(opRedeem+".redemption_insert_failed", err)
		}

		result = RedeemResult{Redemption: redemption, Balance: balance.Raw - reward.Cost}
		return nil
	})
	if txErr != nil {
		redemptionsTotal.WithLabelValues(string(apperr.KindOf(txErr))).Inc()
		return RedeemResult{}, persistenceOr(opRedeem, txErr)
	}

	if result.Replayed {
		redemptionsTotal.WithLabelValues("replayed").Inc()
		return result, nil
	}
	redemptionsTotal.WithLabelValues("redeemed").Inc()
	s.logger.Info("reward redeemed",
		zap.String("user_id", userID),
		zap.String("reward_id", rewardID),
		zap.String("redemption_id", result.Redemption.RedemptionID),
		zap.Int64("credits_spent", result.Redemption.CreditsSpent))
	return result, nil
}

func (s *Service) findReplay(tx *gorm.DB, userID, rewardID, idempotencyKey string) (Redemption, bool, error) {
	var existing Redemption
	err := tx.Where("user_id = ? AND idempotency_key = ?", userID, idempotencyKey).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Redemption{}, false, nil
	}
	if err != nil {
		s.logError(opRedeem, "idempotency_lookup_failed", err, zap.String("user_id", userID))
		return Redemption{}, false, apperr.Persistence(opRedeem+".idempotency_lookup_failed", err)
	}
	if existing.RewardID != rewardID {
		return Redemption{}, false, apperr.Validation(opRedeem+".idempotency_key_reused", "That request key was already used for a different reward.")
	}
	return existing, true, nil
}

func (s *Service) newRedemption(tx *gorm.DB, userID string, reward Reward, entryID, idempotencyKey string, now time.Time) (Redemption, error) {
	redemptionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opRedeem, "id_generation_failed", err, zap.String("user_id", userID))
		return Redemption{}, apperr.Persistence(opRedeem+".id_generation_failed", err)
	}
	code, err := s.uniqueCode(tx)
	if err != nil {
		return Redemption{}, err
	}
	redemption := Redemption{
		RedemptionID:   redemptionID,
		UserID:         userID,
		RewardID:       reward.RewardID,
		RewardTitle:    reward.Title,
		CreditsSpent:   reward.Cost,
		Status:         RedemptionStatusPending,
		RedemptionCode: code,
		LedgerEntryID:  entryID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if idempotencyKey != "" {
		redemption.IdempotencyKey = &idempotencyKey
	}
	return redemption, nil
}

// uniqueCode probes before inserting: a failed insert would abort the
// surrounding Postgres transaction.
func (s *Service) uniqueCode(tx *gorm.DB) (string, error) {
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := s.codes.NewCode()
		if err != nil {
			s.logError(opRedeem, "code_generation_failed", err)
			return "", apperr.Persistence(opRedeem+".code_generation_failed", err)
		}
		var taken int64
		if err := tx.Model(&Redemption{}).Where("redemption_code = ?", code).Count(&taken).Error; err != nil {
			s.logError(opRedeem, "code_lookup_failed", err)
			return "", apperr.Persistence(opRedeem+".code_lookup_failed", err)
		}
		if taken == 0 {
			return code, nil
		}
	}
	s.logError(opRedeem, "code_collision", errCodeSpaceExceeded)
	return "", apperr.Persistence(opRedeem+".code_collision", errCodeSpaceExceeded)
}

// ListActive returns the purchasable catalog ordered by cost.
func (s *Service) ListActive(ctx context.Context) ([]Reward, error) {
	var rewards []Reward
	if err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("cost ASC").
		Order("title ASC").
		Find(&rewards).Error; err != nil {
		s.logError(opListActive, "query_failed", err)
		return nil, apperr.Persistence(opListActive+".query_failed", err)
	}
	return rewards, nil
}

// ListRedemptions returns the user's redemptions, newest first.
func (s *Service) ListRedemptions(ctx context.Context, userID string) ([]Redemption, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperr.Unauthenticated(opListRedemptions + ".missing_user_id")
	}
	var redemptions []Redemption
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("redemption_id DESC").
		Find(&redemptions).Error; err != nil {
		s.logError(opListRedemptions, "query_failed", err, zap.String("user_id", userID))
		return nil, apperr.Persistence(opListRedemptions+".query_failed", err)
	}
	return redemptions, nil
}

// CreateReward adds an active item to the catalog.
func (s *Service) CreateReward(ctx context.Context, input NewReward) (Reward, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" || utf8.RuneCountInString(title) > maxTitleLength {
		return Reward{}, apperr.Validation(opCreateReward+".invalid_title", "Reward titles must be between 1 and 200 characters.")
	}
	if input.Cost <= 0 {
		return Reward{}, apperr.Validation(opCreateReward+".invalid_cost", "Reward cost must be positive.")
	}
	if input.StockQuantity < 0 {
		return Reward{}, apperr.Validation(opCreateReward+".invalid_stock", "Stock cannot be negative.")
	}
	category := strings.ToLower(strings.TrimSpace(input.Category))
	if category == "" {
		category = defaultCategory
	}
	rewardID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateReward, "id_generation_failed", err)
		return Reward{}, apperr.Persistence(opCreateReward+".id_generation_failed", err)
	}
	now := s.clock().UTC()
	reward := Reward{
		RewardID:      rewardID,
		Title:         title,
		Description:   strings.TrimSpace(input.Description),
		Category:      category,
		Cost:          input.Cost,
		StockQuantity: input.StockQuantity,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.db.WithContext(ctx).Create(&reward).Error; err != nil {
		s.logError(opCreateReward, "insert_failed", err)
		return Reward{}, apperr.Persistence(opCreateReward+".insert_failed", err)
	}
	return reward, nil
}

// Restock atomically adds quantity to a reward's stock.
func (s *Service) Restock(ctx context.Context, rewardID string, quantity int64) (Reward, error) {
	rewardID = strings.TrimSpace(rewardID)
	if quantity <= 0 {
		return Reward{}, apperr.Validation(opRestock+".invalid_quantity", "Restock quantity must be positive.")
	}
	result := s.db.WithContext(ctx).Model(&Reward{}).
		Where(queryRewardID, rewardID).
		UpdateColumns(map[string]interface{}{
			"stock_quantity": gorm.Expr("stock_quantity + ?", quantity),
			"updated_at":     s.clock().UTC(),
		})
	if result.Error != nil {
		s.logError(opRestock, "update_failed", result.Error, zap.String("reward_id", rewardID))
		return Reward{}, apperr.Persistence(opRestock+".update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return Reward{}, apperr.NotFound(opRestock+".not_found", "That reward does not exist.")
	}
	var reward Reward
	if err := s.db.WithContext(ctx).Where(queryRewardID, rewardID).Take(&reward).Error; err != nil {
		s.logError(opRestock, "reload_failed", err, zap.String("reward_id", rewardID))
		return Reward{}, apperr.Persistence(opRestock+".reload_failed", err)
	}
	return reward, nil
}

// SetRedemptionStatus fulfils or rejects a pending redemption. Rejection does
// not refund; refunds are issued as ledger adjustments.
func (s *Service) SetRedemptionStatus(ctx context.Context, redemptionID string, status RedemptionStatus) (Redemption, error) {
	if status != RedemptionStatusFulfilled && status != RedemptionStatusRejected {
		return Redemption{}, apperr.Validation(opSetStatus+".invalid_status", "Status must be fulfilled or rejected.")
	}
	redemptionID = strings.TrimSpace(redemptionID)

	var updated Redemption
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where(queryRedemptionID, redemptionID).Take(&updated).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound(opSetStatus+".not_found", "That redemption does not exist.")
		}
		if err != nil {
			s.logError(opSetStatus, "lock_failed", err, zap.String("redemption_id", redemptionID))
			return apperr.Persistence(opSetStatus+".lock_failed", err)
		}
		if updated.Status != RedemptionStatusPending {
			return apperr.New(apperr.KindValidation, opSetStatus+".not_pending", "Only pending redemptions can be updated.", nil)
		}
		now := s.clock().UTC()
		if err := tx.Model(&Redemption{}).
			Where(queryRedemptionID, redemptionID).
			UpdateColumns(map[string]interface{}{"status": status, "updated_at": now}).Error; err != nil {
			s.logError(opSetStatus, "update_failed", err, zap.String("redemption_id", redemptionID))
			return apperr.Persistence(opSetStatus+".update_failed", err)
		}
		updated.Status = status
		updated.UpdatedAt = now
		return nil
	})
	if txErr != nil {
		return Redemption{}, persistenceOr(opSetStatus, txErr)
	}
	return updated, nil
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
	s.logger.Error("rewards service error", attrs...)
}
