package votes

import (
	"fmt"
	"time"
)

// VoteType is the direction of a vote request.
type VoteType string

const (
	VoteTypeUpvote   VoteType = "upvote"
	VoteTypeDownvote VoteType = "downvote"
)

// ParseVoteType validates a raw vote type.
func ParseVoteType(value string) (VoteType, error) {
	switch VoteType(value) {
	case VoteTypeUpvote, VoteTypeDownvote:
		return VoteType(value), nil
	default:
		return "", fmt.Errorf("unknown vote type %q", value)
	}
}

// State is the single active vote a user holds on a report.
type State string

const (
	StateNone      State = "none"
	StateUpvoted   State = "upvoted"
	StateDownvoted State = "downvoted"
)

func stateFor(voteType VoteType) State {
	if voteType == VoteTypeUpvote {
		return StateUpvoted
	}
	return StateDownvoted
}

// Action names the row mutation a transition performs.
type Action string

const (
	ActionCast    Action = "cast"
	ActionSwitch  Action = "switch"
	ActionRetract Action = "retract"
)

// Vote is the active vote row; at most one exists per (user, report).
type Vote struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	ReportID  string    `gorm:"column:report_id;primaryKey;size:64;not null;index"`
	VoteType  VoteType  `gorm:"column:vote_type;size:16;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Vote) TableName() string {
	return "report_votes"
}

// Event is the append-only history of vote transitions.
type Event struct {
	EventID   string    `gorm:"column:event_id;primaryKey;size:64;not null"`
	UserID    string    `gorm:"column:user_id;size:190;not null;index:idx_vote_events_user_action,priority:1"`
	ReportID  string    `gorm:"column:report_id;size:64;not null;index"`
	Action    Action    `gorm:"column:action;size:16;not null;index:idx_vote_events_user_action,priority:2"`
	VoteType  VoteType  `gorm:"column:vote_type;size:16;not null"`
	AppliedAt time.Time `gorm:"column:applied_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "report_vote_events"
}

// Outcome reports the state after a vote request.
type Outcome struct {
	ReportID     string `json:"report_id"`
	State        State  `json:"state"`
	Action       Action `json:"action"`
	Upvotes      int64  `json:"upvotes"`
	Downvotes    int64  `json:"downvotes"`
	BonusAwarded bool   `json:"bonus_awarded"`
}

// ReconcileResult reports counter repair for one report.
type ReconcileResult struct {
	ReportID  string `json:"report_id"`
	Upvotes   int64  `json:"upvotes"`
	Downvotes int64  `json:"downvotes"`
	Repaired  bool   `json:"repaired"`
}
