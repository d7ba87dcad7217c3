package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/MarcoPoloResearchLab/citypulse/internal/auth"
	"github.com/MarcoPoloResearchLab/citypulse/internal/chat"
	"github.com/MarcoPoloResearchLab/citypulse/internal/ledger"
	"github.com/MarcoPoloResearchLab/citypulse/internal/reports"
	"github.com/MarcoPoloResearchLab/citypulse/internal/rewards"
	"github.com/MarcoPoloResearchLab/citypulse/internal/uploads"
	"github.com/MarcoPoloResearchLab/citypulse/internal/votes"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "citypulse_user_id"
	claimsContextKey = "citypulse_claims"

	chatLimitMessage   = "Too many requests. Please wait a moment before trying again."
	uploadLimitMessage = "Upload limit exceeded. Please try again later."
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingProfiles         = errors.New("profile directory dependency required")
	errMissingLedger           = errors.New("credit ledger dependency required")
	errMissingReports          = errors.New("report service dependency required")
	errMissingVotes            = errors.New("vote engine dependency required")
	errMissingRewards          = errors.New("reward catalog dependency required")
	errMissingChat             = errors.New("chat responder dependency required")
	errMissingUploader         = errors.New("photo uploader dependency required")
	errMissingLimiters         = errors.New("chat and upload limiters required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type ProfileDirectory interface {
	Observe(ctx context.Context, claims auth.SessionClaims) (string, error)
	Exists(ctx context.Context, userID string) (bool, error)
}

type CreditLedger interface {
	Balance(ctx context.Context, userID string) (ledger.Balance, error)
	History(ctx context.Context, userID string, limit int) ([]ledger.Entry, error)
	Adjust(ctx context.Context, userID string, amount int64, reason string) (ledger.Entry, error)
}

type ReportService interface {
	Submit(ctx context.Context, authorID string, request reports.SubmitRequest) (reports.SubmitResult, error)
	UpdateStatus(ctx context.Context, reportID string, status reports.Status, notes string) (reports.Report, error)
}

type VoteEngine interface {
	Cast(ctx context.Context, userID, reportID string, voteType votes.VoteType) (votes.Outcome, error)
	State(ctx context.Context, userID, reportID string) (votes.State, error)
	Reconcile(ctx context.Context, reportID string) (votes.ReconcileResult, error)
}

type RewardCatalog interface {
	ListActive(ctx context.Context) ([]rewards.Reward, error)
	Redeem(ctx context.Context, request rewards.RedeemRequest) (rewards.RedeemResult, error)
	ListRedemptions(ctx context.Context, userID string) ([]rewards.Redemption, error)
	SetRedemptionStatus(ctx context.Context, redemptionID string, status rewards.RedemptionStatus) (rewards.Redemption, error)
}

type ChatResponder interface {
	Reply(ctx context.Context, request chat.Request) (string, error)
}

type PhotoUploader interface {
	Upload(ctx context.Context, file uploads.File) (uploads.Result, error)
}

// RequestLimiter gates a route per client identity.
type RequestLimiter interface {
	Name() string
	Allow(identity string) bool
	RetryAfter(identity string) time.Duration
}

type Dependencies struct {
	Sessions       SessionValidator
	Profiles       ProfileDirectory
	Ledger         CreditLedger
	Reports        ReportService
	Votes          VoteEngine
	Rewards        RewardCatalog
	Chat           ChatResponder
	Uploads        PhotoUploader
	ChatLimiter    RequestLimiter
	UploadLimiter  RequestLimiter
	Realtime       *RealtimeDispatcher
	AllowedOrigins []string
	TrustedProxies []string
	// UploadDirectory is served under UploadPublicURL when set.
	UploadDirectory string
	UploadPublicURL string
	Logger          *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errMissingSessionValidator
	case deps.Profiles == nil:
		return nil, errMissingProfiles
	case deps.Ledger == nil:
		return nil, errMissingLedger
	case deps.Reports == nil:
		return nil, errMissingReports
	case deps.Votes == nil:
		return nil, errMissingVotes
	case deps.Rewards == nil:
		return nil, errMissingRewards
	case deps.Chat == nil:
		return nil, errMissingChat
	case deps.Uploads == nil:
		return nil, errMissingUploader
	case deps.ChatLimiter == nil || deps.UploadLimiter == nil:
		return nil, errMissingLimiters
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	if err := router.SetTrustedProxies(deps.TrustedProxies); err != nil {
		return nil, err
	}
	router.Use(gin.Recovery())
	router.Use(metricsMiddleware())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions: deps.Sessions,
		profiles: deps.Profiles,
		ledger:   deps.Ledger,
		reports:  deps.Reports,
		votes:    deps.Votes,
		rewards:  deps.Rewards,
		chat:     deps.Chat,
		uploads:  deps.Uploads,
		realtime: realtime,
		logger:   logger,
		clock:    time.Now,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if deps.UploadDirectory != "" {
		publicURL := deps.UploadPublicURL
		if publicURL == "" {
			publicURL = "/uploads"
		}
		router.Static(publicURL, deps.UploadDirectory)
	}

	api := router.Group("/api")
	api.POST("/chat", handler.rateLimit(deps.ChatLimiter, chatLimitMessage), handler.handleChat)
	api.POST("/upload", handler.rateLimit(deps.UploadLimiter, uploadLimitMessage), handler.handleUpload)

	protected := api.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/credits", handler.handleCredits)
	protected.GET("/credits/stream", handler.handleCreditStream)
	protected.POST("/reports", handler.handleSubmitReport)
	protected.POST("/reports/:id/votes", handler.handleCastVote)
	protected.GET("/reports/:id/votes/me", handler.handleVoteState)
	protected.GET("/rewards", handler.handleListRewards)
	protected.POST("/rewards/:id/redeem", handler.handleRedeem)
	protected.GET("/redemptions", handler.handleListRedemptions)

	admin := protected.Group("/admin")
	admin.Use(handler.requireAdmin)
	admin.POST("/adjustments", handler.handleAdjustment)
	admin.PATCH("/redemptions/:id", handler.handleRedemptionStatus)
	admin.PATCH("/reports/:id", handler.handleReportStatus)
	admin.POST("/reports/:id/reconcile", handler.handleReconcile)

	return router, nil
}

type httpHandler struct {
	sessions SessionValidator
	profiles ProfileDirectory
	ledger   CreditLedger
	reports  ReportService
	votes    VoteEngine
	rewards  RewardCatalog
	chat     ChatResponder
	uploads  PhotoUploader
	realtime *RealtimeDispatcher
	logger   *zap.Logger
	clock    func() time.Time
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Idempotency-Key"},
		ExposeHeaders:    []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	// Credentialed requests need the caller's origin echoed back, never "*".
	if len(origins) == 0 || slices.Contains(origins, "*") {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
