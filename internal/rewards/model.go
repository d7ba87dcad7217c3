package rewards

import "time"

// RedemptionStatus tracks fulfilment of a redemption.
type RedemptionStatus string

const (
	RedemptionStatusPending   RedemptionStatus = "pending"
	RedemptionStatusFulfilled RedemptionStatus = "fulfilled"
	RedemptionStatusRejected  RedemptionStatus = "rejected"
)

// ParseRedemptionStatus validates a raw status value.
func ParseRedemptionStatus(value string) (RedemptionStatus, bool) {
	switch RedemptionStatus(value) {
	case RedemptionStatusPending, RedemptionStatusFulfilled, RedemptionStatusRejected:
		return RedemptionStatus(value), true
	default:
		return "", false
	}
}

// Reward is a catalog item purchasable with credits.
type Reward struct {
	RewardID      string    `gorm:"column:reward_id;primaryKey;size:64;not null" json:"id"`
	Title         string    `gorm:"column:title;size:200;not null" json:"title"`
	Description   string    `gorm:"column:description;type:text;not null" json:"description"`
	Category      string    `gorm:"column:category;size:64;not null" json:"category"`
	Cost          int64     `gorm:"column:cost;not null" json:"cost"`
	StockQuantity int64     `gorm:"column:stock_quantity;not null" json:"stock_quantity"`
	IsActive      bool      `gorm:"column:is_active;not null;index" json:"is_active"`
	CreatedAt     time.Time `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Reward) TableName() string {
	return "rewards"
}

// Redemption records a spent reward. Title and cost are frozen at redemption time.
type Redemption struct {
	RedemptionID   string           `gorm:"column:redemption_id;primaryKey;size:64;not null" json:"id"`
	UserID         string           `gorm:"column:user_id;size:190;not null;index;uniqueIndex:idx_redemptions_user_idempotency,priority:1" json:"user_id"`
	RewardID       string           `gorm:"column:reward_id;size:64;not null;index" json:"reward_id"`
	RewardTitle    string           `gorm:"column:reward_title;size:200;not null" json:"reward_title"`
	CreditsSpent   int64            `gorm:"column:credits_spent;not null" json:"credits_spent"`
	Status         RedemptionStatus `gorm:"column:status;size:16;not null;index" json:"status"`
	RedemptionCode string           `gorm:"column:redemption_code;size:32;not null;uniqueIndex" json:"redemption_code"`
	IdempotencyKey *string          `gorm:"column:idempotency_key;size:128;uniqueIndex:idx_redemptions_user_idempotency,priority:2" json:"-"`
	LedgerEntryID  string           `gorm:"column:ledger_entry_id;size:64;not null" json:"ledger_entry_id"`
	CreatedAt      time.Time        `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt      time.Time        `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Redemption) TableName() string {
	return "reward_redemptions"
}

// RedeemRequest is a user's request to spend credits on a reward.
type RedeemRequest struct {
	UserID         string
	RewardID       string
	IdempotencyKey string
}

// RedeemResult carries the redemption and the balance after the debit.
// Replayed is set when an earlier redemption with the same key was returned.
type RedeemResult struct {
	Redemption Redemption
	Balance    int64
	Replayed   bool
}

// NewReward describes a catalog addition.
type NewReward struct {
	Title         string
	Description   string
	Category      string
	Cost          int64
	StockQuantity int64
}
