package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/citypulse/internal/apperr"
	"github.com/MarcoPoloResearchLab/citypulse/internal/ids"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type failingIDProvider struct{}

func (failingIDProvider) NewID() (string, error) {
	return "", errors.New("entropy exhausted")
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "ledger.db")), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Entry{}, &Account{}); err != nil {
		t.Fatalf("failed to migrate ledger schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB, clock func() time.Time) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: ids.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build ledger service: %v", err)
	}
	return service
}

func TestPostAndBalance(t *testing.T) {
	db := newTestDatabase(t)
	service := newTestService(t, db, nil)
	ctx := context.Background()

	if _, err := service.Post(ctx, Posting{UserID: "user-1", Amount: 16, Reason: "Report submitted: Pothole", Type: EntryTypeEarned, RelatedReportID: "report-1"}); err != nil {
		t.Fatalf("unexpected post error: %v", err)
	}
	if _, err := service.Post(ctx, Posting{UserID: "user-1", Amount: -10, Reason: "Redeemed: Sticker", Type: EntryTypeRedeemed}); err != nil {
		t.Fatalf("unexpected post error: %v", err)
	}
	if _, err := service.Post(ctx, Posting{UserID: "user-2", Amount: 5, Reason: "Welcome", Type: EntryTypeBonus}); err != nil {
		t.Fatalf("unexpected post error: %v", err)
	}

	balance, err := service.Balance(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected balance error: %v", err)
	}
	if balance.Raw != 6 {
		t.Fatalf("expected balance 6, got %d", balance.Raw)
	}

	var stored Entry
	if err := db.Where("user_id = ? AND amount = ?", "user-1", 16).Take(&stored).Error; err != nil {
		t.Fatalf("failed to load entry: %v", err)
	}
	if stored.RelatedReportID == nil || *stored.RelatedReportID != "report-1" {
		t.Fatalf("expected related report back-reference, got %#v", stored.RelatedReportID)
	}
}

func TestBalanceOfUnknownUserIsZero(t *testing.T) {
	service := newTestService(t, newTestDatabase(t), nil)
	balance, err := service.Balance(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance.Raw != 0 || balance.Display() != 0 {
		t.Fatalf("expected zero balance, got %#v", balance)
	}
}

func TestPostEnforcesSignConventions(t *testing.T) {
	service := newTestService(t, newTestDatabase(t), nil)
	tests := []struct {
		name    string
		posting Posting
	}{
		{name: "negative-earned", posting: Posting{UserID: "u", Amount: -1, Reason: "x", Type: EntryTypeEarned}},
		{name: "negative-bonus", posting: Posting{UserID: "u", Amount: -1, Reason: "x", Type: EntryTypeBonus}},
		{name: "positive-redeemed", posting: Posting{UserID: "u", Amount: 5, Reason: "x", Type: EntryTypeRedeemed}},
		{name: "zero-adjustment", posting: Posting{UserID: "u", Amount: 0, Reason: "x", Type: EntryTypeAdjustment}},
		{name: "unknown-type", posting: Posting{UserID: "u", Amount: 1, Reason: "x", Type: "gift"}},
		{name: "missing-reason", posting: Posting{UserID: "u", Amount: 1, Reason: "   ", Type: EntryTypeEarned}},
		{name: "missing-user", posting: Posting{UserID: "", Amount: 1, Reason: "x", Type: EntryTypeEarned}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.Post(context.Background(), tt.posting)
			if !apperr.Is(err, apperr.KindValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestDisplayClampsButRawStaysHonest(t *testing.T) {
	service := newTestService(t, newTestDatabase(t), nil)
	ctx := context.Background()
	if _, err := service.Post(ctx, Posting{UserID: "u", Amount: 10, Reason: "Report", Type: EntryTypeEarned}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := service.Adjust(ctx, "u", -25, "Duplicate report reversed"); err != nil {
		t.Fatalf("unexpected adjust error: %v", err)
	}

	balance, err := service.Balance(ctx, "u")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance.Raw != -15 {
		t.Fatalf("expected raw balance -15, got %d", balance.Raw)
	}
	if balance.Display() != 0 {
		t.Fatalf("expected display balance clamped to 0, got %d", balance.Display())
	}
}

func TestAdjustRejectsZero(t *testing.T) {
	service := newTestService(t, newTestDatabase(t), nil)
	if _, err := service.Adjust(context.Background(), "u", 0, "noop"); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreatedAtNeverDecreasesPerUser(t *testing.T) {
	db := newTestDatabase(t)
	now := time.Date(2026, 10, 1, 12, 0, 10, 0, time.UTC)
	service := newTestService(t, db, func() time.Time { return now })
	ctx := context.Background()

	first, err := service.Post(ctx, Posting{UserID: "u", Amount: 1, Reason: "a", Type: EntryTypeEarned})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	now = now.Add(-5 * time.Second)
	second, err := service.Post(ctx, Posting{UserID: "u", Amount: 1, Reason: "b", Type: EntryTypeEarned})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.CreatedAt.Before(first.CreatedAt) {
		t.Fatalf("created_at went backwards: %s then %s", first.CreatedAt, second.CreatedAt)
	}

	other, err := service.Post(ctx, Posting{UserID: "someone-else", Amount: 1, Reason: "c", Type: EntryTypeEarned})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !other.CreatedAt.Equal(now) {
		t.Fatalf("ordering is per user; expected %s, got %s", now, other.CreatedAt)
	}
}

func TestHistoryReturnsNewestFirst(t *testing.T) {
	db := newTestDatabase(t)
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	service := newTestService(t, db, func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	})
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if _, err := service.Post(ctx, Posting{UserID: "u", Amount: int64(i), Reason: fmt.Sprintf("entry %d", i), Type: EntryTypeEarned}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	entries, err := service.History(ctx, "u", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected limit to apply, got %d entries", len(entries))
	}
	if entries[0].Amount != 3 || entries[1].Amount != 2 {
		t.Fatalf("expected newest first, got %d then %d", entries[0].Amount, entries[1].Amount)
	}
}

func TestPostFailureRecordsNothing(t *testing.T) {
	db := newTestDatabase(t)
	service, err := NewService(ServiceConfig{Database: db, IDProvider: failingIDProvider{}})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	_, err = service.Post(context.Background(), Posting{UserID: "u", Amount: 10, Reason: "Report", Type: EntryTypeEarned})
	if !apperr.Is(err, apperr.KindPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	var count int64
	if err := db.Model(&Entry{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no entries after failed post, got %d", count)
	}
}

func TestConcurrentPostsAllLand(t *testing.T) {
	service := newTestService(t, newTestDatabase(t), nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := service.Post(ctx, Posting{UserID: "u", Amount: 2, Reason: "Voted", Type: EntryTypeEarned})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected concurrent post error: %v", err)
		}
	}
	balance, err := service.Balance(ctx, "u")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance.Raw != 40 {
		t.Fatalf("expected balance 40, got %d", balance.Raw)
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(ServiceConfig{IDProvider: ids.NewUUIDProvider()}); err == nil {
		t.Fatalf("expected missing database error")
	}
	if _, err := NewService(ServiceConfig{Database: &gorm.DB{}}); err == nil {
		t.Fatalf("expected missing id provider error")
	}
}
