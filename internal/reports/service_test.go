package reports

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/citypulse/internal/apperr"
	"github.com/MarcoPoloResearchLab/citypulse/internal/ids"
	"github.com/MarcoPoloResearchLab/citypulse/internal/ledger"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type failingPoster struct{}

func (failingPoster) PostInTx(*gorm.DB, ledger.Posting) (ledger.Entry, error) {
	return ledger.Entry{}, apperr.Persistence("ledger.post.insert_failed", errors.New("disk full"))
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "reports.db")), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Report{}, &ledger.Entry{}, &ledger.Account{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestServices(t *testing.T, db *gorm.DB) (*Service, *ledger.Service) {
	t.Helper()
	ledgerService, err := ledger.NewService(ledger.ServiceConfig{Database: db, IDProvider: ids.NewUUIDProvider(), Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to build ledger: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db, Ledger: ledgerService, IDProvider: ids.NewUUIDProvider(), Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to build report service: %v", err)
	}
	return service, ledgerService
}

func TestSubmissionAward(t *testing.T) {
	tests := []struct {
		photos  int
		want    int64
		wantErr bool
	}{
		{photos: 0, want: 10},
		{photos: 1, want: 12},
		{photos: 3, want: 16},
		{photos: 5, want: 20},
		{photos: 6, wantErr: true},
		{photos: -1, wantErr: true},
	}
	for _, tt := range tests {
		got, err := SubmissionAward(tt.photos)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("expected error for %d photos", tt.photos)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error for %d photos: %v", tt.photos, err)
		}
		if got != tt.want {
			t.Fatalf("award for %d photos: want %d got %d", tt.photos, tt.want, got)
		}
	}
}

func TestSubmitCreditsAuthorOnce(t *testing.T) {
	db := newTestDatabase(t)
	service, ledgerService := newTestServices(t, db)
	ctx := context.Background()

	result, err := service.Submit(ctx, "citizen-1", SubmitRequest{
		Title:     "Pothole on Elm St",
		Category:  "Roads",
		PhotoURLs: []string{"/uploads/a.jpg", "/uploads/b.jpg", "/uploads/c.jpg"},
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if result.Award.Amount != 16 {
		t.Fatalf("expected award 16, got %d", result.Award.Amount)
	}
	if result.Award.RelatedReportID == nil || *result.Award.RelatedReportID != result.Report.ReportID {
		t.Fatalf("award must reference the new report")
	}
	if !strings.Contains(result.Award.Reason, "Pothole on Elm St") || !strings.Contains(result.Award.Reason, "(+6 photo bonus)") {
		t.Fatalf("unexpected reason %q", result.Award.Reason)
	}
	if result.Report.Status != StatusPending || result.Report.Category != "roads" || result.Report.Priority != PriorityMedium {
		t.Fatalf("unexpected report defaults: %#v", result.Report)
	}
	if len(result.Report.PhotoURLs()) != 3 {
		t.Fatalf("expected photo urls to round trip")
	}

	balance, err := ledgerService.Balance(ctx, "citizen-1")
	if err != nil {
		t.Fatalf("unexpected balance error: %v", err)
	}
	if balance.Raw != 16 {
		t.Fatalf("expected balance 16, got %d", balance.Raw)
	}
	var entries int64
	if err := db.Model(&ledger.Entry{}).Where("user_id = ?", "citizen-1").Count(&entries).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if entries != 1 {
		t.Fatalf("expected exactly one ledger entry, got %d", entries)
	}
}

func TestSubmitWithoutPhotosUsesPlainReason(t *testing.T) {
	service, _ := newTestServices(t, newTestDatabase(t))
	result, err := service.Submit(context.Background(), "citizen-1", SubmitRequest{Title: "Broken streetlight"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Award.Reason != "Report submitted: Broken streetlight" {
		t.Fatalf("unexpected reason %q", result.Award.Reason)
	}
	if result.Award.Amount != 10 {
		t.Fatalf("expected base award, got %d", result.Award.Amount)
	}
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	db := newTestDatabase(t)
	service, _ := newTestServices(t, db)
	tests := []struct {
		name    string
		author  string
		request SubmitRequest
		kind    apperr.Kind
	}{
		{name: "anonymous", author: "", request: SubmitRequest{Title: "x"}, kind: apperr.KindUnauthenticated},
		{name: "missing-title", author: "u", request: SubmitRequest{Title: "  "}, kind: apperr.KindValidation},
		{name: "too-many-photos", author: "u", request: SubmitRequest{Title: "x", PhotoURLs: []string{"1", "2", "3", "4", "5", "6"}}, kind: apperr.KindValidation},
		{name: "blank-photo", author: "u", request: SubmitRequest{Title: "x", PhotoURLs: []string{" "}}, kind: apperr.KindValidation},
		{name: "bad-priority", author: "u", request: SubmitRequest{Title: "x", Priority: "urgent"}, kind: apperr.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.Submit(context.Background(), tt.author, tt.request)
			if !apperr.Is(err, tt.kind) {
				t.Fatalf("expected %s, got %v", tt.kind, err)
			}
		})
	}
	var reports int64
	if err := db.Model(&Report{}).Count(&reports).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if reports != 0 {
		t.Fatalf("rejected submissions must not persist, found %d", reports)
	}
}

func TestSubmitRollsBackReportWhenAwardFails(t *testing.T) {
	db := newTestDatabase(t)
	service, err := NewService(ServiceConfig{Database: db, Ledger: failingPoster{}, IDProvider: ids.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	_, err = service.Submit(context.Background(), "u", SubmitRequest{Title: "Graffiti"})
	if !apperr.Is(err, apperr.KindPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	var reports int64
	if err := db.Model(&Report{}).Count(&reports).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if reports != 0 {
		t.Fatalf("report must not exist without its award, found %d", reports)
	}
}

func TestUpdateStatus(t *testing.T) {
	db := newTestDatabase(t)
	service, ledgerService := newTestServices(t, db)
	ctx := context.Background()
	submitted, err := service.Submit(ctx, "u", SubmitRequest{Title: "Flooded underpass"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	updated, err := service.UpdateStatus(ctx, submitted.Report.ReportID, StatusResolved, "Crew dispatched")
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if updated.Status != StatusResolved || updated.AdminNotes != "Crew dispatched" {
		t.Fatalf("unexpected report after update: %#v", updated)
	}

	if _, err := service.UpdateStatus(ctx, submitted.Report.ReportID, "archived", ""); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for unknown status, got %v", err)
	}
	if _, err := service.UpdateStatus(ctx, "missing", StatusRejected, ""); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	balance, err := ledgerService.Balance(ctx, "u")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance.Raw != 10 {
		t.Fatalf("status changes must not touch credits, balance %d", balance.Raw)
	}
}
