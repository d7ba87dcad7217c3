package reports

import (
	"encoding/json"
	"time"
)

// Status is the triage state of a report.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusRejected   Status = "rejected"
)

// ParseStatus validates a raw status value.
func ParseStatus(value string) (Status, bool) {
	switch Status(value) {
	case StatusPending, StatusInProgress, StatusResolved, StatusRejected:
		return Status(value), true
	default:
		return "", false
	}
}

// Priority is the reporter-assigned urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func parsePriority(value string) (Priority, bool) {
	switch Priority(value) {
	case "":
		return PriorityMedium, true
	case PriorityLow, PriorityMedium, PriorityHigh:
		return Priority(value), true
	default:
		return "", false
	}
}

// Report is the persisted civic issue. Upvotes and Downvotes are maintained
// exclusively by the vote engine through atomic increments.
type Report struct {
	ReportID      string    `gorm:"column:report_id;primaryKey;size:64;not null" json:"id"`
	AuthorID      string    `gorm:"column:author_id;size:190;not null;index" json:"author_id"`
	Title         string    `gorm:"column:title;size:200;not null" json:"title"`
	Description   string    `gorm:"column:description;type:text;not null" json:"description"`
	Category      string    `gorm:"column:category;size:64;not null" json:"category"`
	Priority      Priority  `gorm:"column:priority;size:16;not null" json:"priority"`
	Latitude      *float64  `gorm:"column:latitude" json:"latitude,omitempty"`
	Longitude     *float64  `gorm:"column:longitude" json:"longitude,omitempty"`
	Address       string    `gorm:"column:address;size:500;not null" json:"address"`
	PhotoURLsJSON string    `gorm:"column:photo_urls;type:text;not null" json:"-"`
	PhotoCount    int       `gorm:"column:photo_count;not null" json:"photo_count"`
	Status        Status    `gorm:"column:status;size:32;not null;index" json:"status"`
	AdminNotes    string    `gorm:"column:admin_notes;type:text;not null" json:"admin_notes,omitempty"`
	Upvotes       int64     `gorm:"column:upvotes;not null" json:"upvotes"`
	Downvotes     int64     `gorm:"column:downvotes;not null" json:"downvotes"`
	CreatedAt     time.Time `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Report) TableName() string {
	return "reports"
}

// PhotoURLs decodes the stored photo list.
func (r Report) PhotoURLs() []string {
	if r.PhotoURLsJSON == "" {
		return nil
	}
	var urls []string
	if err := json.Unmarshal([]byte(r.PhotoURLsJSON), &urls); err != nil {
		return nil
	}
	return urls
}

// SubmitRequest carries the reporter's input.
type SubmitRequest struct {
	Title       string
	Description string
	Category    string
	Priority    string
	Latitude    *float64
	Longitude   *float64
	Address     string
	PhotoURLs   []string
}
