package ledger

import (
	"strings"
	"time"
	"unicode/utf8"
)

// EntryType enumerates the business reason for a ledger entry.
type EntryType string

const (
	// EntryTypeEarned credits participation such as reports and votes.
	EntryTypeEarned EntryType = "earned"
	// EntryTypeBonus credits promotional or achievement grants.
	EntryTypeBonus EntryType = "bonus"
	// EntryTypeRedeemed debits a reward redemption.
	EntryTypeRedeemed EntryType = "redeemed"
	// EntryTypeAdjustment corrects earlier entries in either direction.
	EntryTypeAdjustment EntryType = "adjustment"
)

const (
	maxIdentifierLength = 190
	maxReasonLength     = 500
)

// Valid reports whether the type is one of the known entry types.
func (t EntryType) Valid() bool {
	switch t {
	case EntryTypeEarned, EntryTypeBonus, EntryTypeRedeemed, EntryTypeAdjustment:
		return true
	default:
		return false
	}
}

// acceptsAmount enforces the sign convention for each type.
func (t EntryType) acceptsAmount(amount int64) bool {
	switch t {
	case EntryTypeEarned, EntryTypeBonus:
		return amount > 0
	case EntryTypeRedeemed:
		return amount < 0
	case EntryTypeAdjustment:
		return amount != 0
	default:
		return false
	}
}

// Entry is an immutable signed credit transaction.
type Entry struct {
	EntryID         string    `gorm:"column:entry_id;primaryKey;size:64;not null" json:"id"`
	UserID          string    `gorm:"column:user_id;size:190;not null;index:idx_credit_entries_user_created,priority:1" json:"user_id"`
	Amount          int64     `gorm:"column:amount;not null" json:"amount"`
	Reason          string    `gorm:"column:reason;size:500;not null" json:"reason"`
	Type            EntryType `gorm:"column:entry_type;size:32;not null" json:"type"`
	RelatedReportID *string   `gorm:"column:related_report_id;size:190;index" json:"related_report_id,omitempty"`
	CreatedAt       time.Time `gorm:"column:created_at;not null;index:idx_credit_entries_user_created,priority:2" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "credit_entries"
}

// Account anchors per-user serialization of ledger writes and guarded reads.
type Account struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	LastEntryAt time.Time `gorm:"column:last_entry_at"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Account) TableName() string {
	return "credit_accounts"
}

// Posting describes a ledger write.
type Posting struct {
	UserID          string
	Amount          int64
	Reason          string
	Type            EntryType
	RelatedReportID string
}

// Balance is the sum of a user's ledger entries.
type Balance struct {
	UserID string `json:"user_id"`
	Raw    int64  `json:"raw"`
}

// Display clamps the balance for presentation. Guards must use Raw.
func (b Balance) Display() int64 {
	if b.Raw < 0 {
		return 0
	}
	return b.Raw
}

func normalizeReason(reason string) string {
	trimmed := strings.TrimSpace(reason)
	if utf8.RuneCountInString(trimmed) <= maxReasonLength {
		return trimmed
	}
	runes := []rune(trimmed)
	return string(runes[:maxReasonLength])
}

func validIdentifier(value string) bool {
	return value != "" && len(value) <= maxIdentifierLength
}
