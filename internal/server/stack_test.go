package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/citypulse/internal/auth"
	"github.com/MarcoPoloResearchLab/citypulse/internal/chat"
	"github.com/MarcoPoloResearchLab/citypulse/internal/database"
	"github.com/MarcoPoloResearchLab/citypulse/internal/ids"
	"github.com/MarcoPoloResearchLab/citypulse/internal/ledger"
	"github.com/MarcoPoloResearchLab/citypulse/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/citypulse/internal/reports"
	"github.com/MarcoPoloResearchLab/citypulse/internal/rewards"
	"github.com/MarcoPoloResearchLab/citypulse/internal/uploads"
	"github.com/MarcoPoloResearchLab/citypulse/internal/users"
	"github.com/MarcoPoloResearchLab/citypulse/internal/votes"
	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testIssuer        = "citypulse-auth"
	testCookieName    = "citypulse_session"
)

type stubModel struct {
	reply string
	err   error
}

func (m stubModel) Generate(context.Context, string) (string, error) {
	return m.reply, m.err
}

type testStack struct {
	handler  http.Handler
	db       *gorm.DB
	issuer   *auth.TokenIssuer
	ledger   *ledger.Service
	rewards  *rewards.Service
	realtime *RealtimeDispatcher
	files    afero.Fs
}

type stackOptions struct {
	chatLimit   int
	uploadLimit int
	model       chat.Model
}

func newTestStack(t *testing.T, opts stackOptions) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(database.Options{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "citypulse.db"),
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	idProvider := ids.NewUUIDProvider()

	ledgerService, err := ledger.NewService(ledger.ServiceConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to build ledger: %v", err)
	}
	reportService, err := reports.NewService(reports.ServiceConfig{Database: db, Ledger: ledgerService, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to build reports: %v", err)
	}
	voteService, err := votes.NewService(votes.ServiceConfig{Database: db, Ledger: ledgerService, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to build votes: %v", err)
	}
	rewardService, err := rewards.NewService(rewards.ServiceConfig{Database: db, Ledger: ledgerService, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to build rewards: %v", err)
	}
	profiles, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build profiles: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}

	model := opts.model
	if model == nil {
		model = stubModel{reply: "Report potholes with a photo."}
	}
	chatService, err := chat.NewService(chat.ServiceConfig{Model: model, Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to build chat: %v", err)
	}
	files := afero.NewMemMapFs()
	store, err := uploads.NewDirectoryStore(files, "/data/uploads", "/uploads")
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	uploadService, err := uploads.NewService(uploads.ServiceConfig{Store: store, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("failed to build uploads: %v", err)
	}

	chatLimit, uploadLimit := opts.chatLimit, opts.uploadLimit
	if chatLimit == 0 {
		chatLimit = 10
	}
	if uploadLimit == 0 {
		uploadLimit = 5
	}
	chatLimiter, err := ratelimit.NewFixedWindow(ratelimit.Config{Name: "chat", Limit: chatLimit, Window: time.Minute})
	if err != nil {
		t.Fatalf("failed to build chat limiter: %v", err)
	}
	uploadLimiter, err := ratelimit.NewFixedWindow(ratelimit.Config{Name: "upload", Limit: uploadLimit, Window: time.Minute})
	if err != nil {
		t.Fatalf("failed to build upload limiter: %v", err)
	}

	realtime := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		Sessions:      validator,
		Profiles:      profiles,
		Ledger:        ledgerService,
		Reports:       reportService,
		Votes:         voteService,
		Rewards:       rewardService,
		Chat:          chatService,
		Uploads:       uploadService,
		ChatLimiter:   chatLimiter,
		UploadLimiter: uploadLimiter,
		Realtime:      realtime,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &testStack{
		handler:  handler,
		db:       db,
		issuer:   issuer,
		ledger:   ledgerService,
		rewards:  rewardService,
		realtime: realtime,
		files:    files,
	}
}

func (s *testStack) token(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	token, _, err := s.issuer.IssueSessionToken(context.Background(), auth.Identity{
		UserID: userID,
		Email:  userID + "@example.com",
		Roles:  roles,
	})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testStack) do(t *testing.T, method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		request.Header.Set(headers[i], headers[i+1])
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return value
}
