package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/citypulse/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for the profile directory.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service keeps a directory of residents known from their session claims.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the profile directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Observe records the caller's profile and returns their user id. Claims seen
// before with the same email and display name are served from memory.
func (s *Service) Observe(ctx context.Context, claims auth.SessionClaims) (string, error) {
	userID := normalize(claims.UserID)
	if userID == "" {
		return "", ErrInvalidIdentity
	}
	email := normalize(claims.UserEmail)
	displayName := normalize(claims.UserDisplayName)
	fingerprint := email + "\x00" + displayName
	if cached, ok := s.cache.Load(userID); ok {
		if known, ok := cached.(string); ok && known == fingerprint {
			return userID, nil
		}
	}

	profile := Profile{
		UserID:      userID,
		Email:       email,
		DisplayName: displayName,
		LastSeenAt:  s.now().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_email", "user_display_name", "last_seen_at", "updated_at"}),
	}).Create(&profile).Error
	if err != nil {
		return "", err
	}

	s.cache.Store(userID, fingerprint)
	return userID, nil
}

// Exists reports whether the user has been observed.
func (s *Service) Exists(ctx context.Context, userID string) (bool, error) {
	userID = normalize(userID)
	if userID == "" {
		return false, nil
	}
	if _, ok := s.cache.Load(userID); ok {
		return true, nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&Profile{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
