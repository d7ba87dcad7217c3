// Package chat forwards assistant questions to a language model under a
// bounded timeout and classifies upstream failures.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/citypulse/internal/apperr"
	"github.com/MarcoPoloResearchLab/citypulse/internal/retry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const (
	opServiceNew      = "chat.service.new"
	opReply           = "chat.reply"
	maxMessageLength  = 1000
	defaultTimeout    = 30 * time.Second
	defaultRetryDelay = 500 * time.Millisecond

	timeoutMessage     = "Request timed out. Please try a shorter message."
	capacityMessage    = "AI service is currently at capacity. Please try again in a few minutes."
	unavailableMessage = "AI service temporarily unavailable. Please contact support."
)

var (
	// ErrNotConfigured is returned by model clients that have no credentials.
	ErrNotConfigured = errors.New("model credentials are not configured")

	errMissingModel = errors.New("model is required")
	errEmptyReply   = errors.New("empty reply from model")

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "citypulse_chat_requests_total",
		Help: "Assistant chat requests, labeled by outcome",
	}, []string{"outcome"})
)

// Model produces a reply for an assembled prompt.
type Model interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// UpstreamError is a non-success response from the model provider.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("model returned status %d: %s", e.StatusCode, e.Message)
}

// Request is a user question with optional earlier turns.
type Request struct {
	Message string
	History []HistoryEntry
}

// ServiceConfig describes the chat service dependencies.
type ServiceConfig struct {
	Model      Model
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Service validates chat requests and calls the model.
type Service struct {
	model  Model
	policy retry.Policy
	logger *zap.Logger
}

// NewService validates cfg and constructs the chat service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Model == nil {
		return nil, apperr.Internal(opServiceNew+".missing_model", errMissingModel)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		model: cfg.Model,
		policy: retry.Policy{
			Retries:        retries,
			InitialDelay:   delay,
			MaxDelay:       8 * delay,
			AttemptTimeout: timeout,
		},
		logger: logger,
	}, nil
}

// Reply validates the request, calls the model and returns its answer.
func (s *Service) Reply(ctx context.Context, request Request) (string, error) {
	message := strings.TrimSpace(request.Message)
	if message == "" {
		return "", apperr.Validation(opReply+".missing_message", "Message is required and must be a string")
	}
	if utf8.RuneCountInString(request.Message) > maxMessageLength {
		return "", apperr.Validation(opReply+".message_too_long", "Message too long. Please keep messages under 1000 characters.")
	}
	history := request.History
	if len(history) > maxHistoryEntries {
		history = history[len(history)-maxHistoryEntries:]
	}
	prompt := buildPrompt(message, history)

	var reply string
	attempts, err := retry.Do(ctx, s.policy, isRetryable, func(attemptCtx context.Context) error {
		text, genErr := s.model.Generate(attemptCtx, prompt)
		if genErr != nil {
			return classify(genErr)
		}
		if strings.TrimSpace(text) == "" {
			return apperr.Internal(opReply+".empty_reply", errEmptyReply)
		}
		reply = text
		return nil
	})
	if err != nil {
		kind := apperr.KindOf(err)
		requestsTotal.WithLabelValues(string(kind)).Inc()
		s.logger.Error("chat service error",
			zap.String("operation", opReply),
			zap.String("reason", string(kind)),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return "", err
	}
	requestsTotal.WithLabelValues("ok").Inc()
	return reply, nil
}

func isRetryable(err error) bool {
	if errors.Is(err, ErrNotConfigured) {
		return false
	}
	return apperr.Is(err, apperr.KindTimeout) || apperr.Is(err, apperr.KindUpstreamUnavailable)
}

func classify(err error) error {
	if errors.Is(err, ErrNotConfigured) {
		return apperr.New(apperr.KindUpstreamUnavailable, opReply+".not_configured", unavailableMessage, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.New(apperr.KindTimeout, opReply+".timeout", timeoutMessage, err)
	}
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		lowered := strings.ToLower(upstream.Message)
		if upstream.StatusCode == 429 || upstream.StatusCode >= 500 ||
			strings.Contains(lowered, "quota") || strings.Contains(lowered, "limit") {
			return apperr.New(apperr.KindUpstreamUnavailable, opReply+".upstream_capacity", capacityMessage, err)
		}
	}
	return apperr.Internal(opReply+".upstream_failed", err)
}
