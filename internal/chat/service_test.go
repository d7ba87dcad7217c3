package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/citypulse/internal/apperr"
)

type stubModel struct {
	calls    atomic.Int32
	generate func(ctx context.Context, prompt string) (string, error)
}

func (m *stubModel) Generate(ctx context.Context, prompt string) (string, error) {
	m.calls.Add(1)
	return m.generate(ctx, prompt)
}

func newTestService(t *testing.T, model Model, cfg ServiceConfig) *Service {
	t.Helper()
	cfg.Model = model
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to build chat service: %v", err)
	}
	return service
}

func TestReplyIncludesHistoryAndMessage(t *testing.T) {
	var captured string
	model := &stubModel{generate: func(_ context.Context, prompt string) (string, error) {
		captured = prompt
		return "Tap Report to start.", nil
	}}
	service := newTestService(t, model, ServiceConfig{})

	reply, err := service.Reply(context.Background(), Request{
		Message: "How do I report a pothole?",
		History: []HistoryEntry{{Sender: "user", Content: "hi"}, {Sender: "assistant", Content: "Hello!"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "Tap Report to start." {
		t.Fatalf("unexpected reply %q", reply)
	}
	for _, want := range []string{"CityPulse", "User: hi", "Assistant: Hello!", "User: How do I report a pothole?"} {
		if !strings.Contains(captured, want) {
			t.Fatalf("prompt missing %q:\n%s", want, captured)
		}
	}
}

func TestReplyValidatesMessage(t *testing.T) {
	model := &stubModel{generate: func(context.Context, string) (string, error) { return "ok", nil }}
	service := newTestService(t, model, ServiceConfig{})

	if _, err := service.Reply(context.Background(), Request{Message: "   "}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for blank message, got %v", err)
	}
	if _, err := service.Reply(context.Background(), Request{Message: strings.Repeat("a", 1001)}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for long message, got %v", err)
	}
	if _, err := service.Reply(context.Background(), Request{Message: strings.Repeat("é", 1000)}); err != nil {
		t.Fatalf("1000 characters must be accepted: %v", err)
	}
	if model.calls.Load() != 1 {
		t.Fatalf("invalid requests must not reach the model, calls %d", model.calls.Load())
	}
}

func TestReplyTimeoutMapsToTimeoutKind(t *testing.T) {
	model := &stubModel{generate: func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	service := newTestService(t, model, ServiceConfig{Timeout: 20 * time.Millisecond})

	_, err := service.Reply(context.Background(), Request{Message: "hello"})
	if !apperr.Is(err, apperr.KindTimeout) {
		t.Fatalf("expected timeout kind, got %v", err)
	}
	if apperr.MessageOf(err) != timeoutMessage {
		t.Fatalf("unexpected message %q", apperr.MessageOf(err))
	}
	if model.calls.Load() != 1 {
		t.Fatalf("default policy must not retry, calls %d", model.calls.Load())
	}
}

func TestReplyClassifiesUpstreamFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind apperr.Kind
	}{
		{name: "quota", err: &UpstreamError{StatusCode: 400, Message: "Quota exceeded for project"}, kind: apperr.KindUpstreamUnavailable},
		{name: "too-many-requests", err: &UpstreamError{StatusCode: 429, Message: "slow down"}, kind: apperr.KindUpstreamUnavailable},
		{name: "server-error", err: &UpstreamError{StatusCode: 503, Message: "overloaded"}, kind: apperr.KindUpstreamUnavailable},
		{name: "not-configured", err: ErrNotConfigured, kind: apperr.KindUpstreamUnavailable},
		{name: "bad-request", err: &UpstreamError{StatusCode: 400, Message: "invalid argument"}, kind: apperr.KindInternal},
		{name: "unknown", err: errors.New("boom"), kind: apperr.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &stubModel{generate: func(context.Context, string) (string, error) { return "", tt.err }}
			service := newTestService(t, model, ServiceConfig{})
			_, err := service.Reply(context.Background(), Request{Message: "hello"})
			if !apperr.Is(err, tt.kind) {
				t.Fatalf("expected %s, got %v", tt.kind, err)
			}
		})
	}
}

func TestReplyRejectsEmptyAnswer(t *testing.T) {
	model := &stubModel{generate: func(context.Context, string) (string, error) { return "  ", nil }}
	service := newTestService(t, model, ServiceConfig{})
	_, err := service.Reply(context.Background(), Request{Message: "hello"})
	if !apperr.Is(err, apperr.KindInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}
	if apperr.MessageOf(err) != apperr.SupportMessage {
		t.Fatalf("expected support message, got %q", apperr.MessageOf(err))
	}
}

func TestReplyRetriesOnlyTransientFailures(t *testing.T) {
	transient := &stubModel{}
	transient.generate = func(context.Context, string) (string, error) {
		if transient.calls.Load() < 3 {
			return "", &UpstreamError{StatusCode: 503, Message: "overloaded"}
		}
		return "recovered", nil
	}
	service := newTestService(t, transient, ServiceConfig{Retries: 2})
	reply, err := service.Reply(context.Background(), Request{Message: "hello"})
	if err != nil || reply != "recovered" {
		t.Fatalf("expected recovery on third attempt, got %q and %v", reply, err)
	}

	missingKey := &stubModel{generate: func(context.Context, string) (string, error) { return "", ErrNotConfigured }}
	service = newTestService(t, missingKey, ServiceConfig{Retries: 2})
	if _, err := service.Reply(context.Background(), Request{Message: "hello"}); err == nil {
		t.Fatalf("expected error")
	}
	if missingKey.calls.Load() != 1 {
		t.Fatalf("missing credentials must not be retried, calls %d", missingKey.calls.Load())
	}
}

func TestParseHistoryFiltersAndTrims(t *testing.T) {
	raw := []json.RawMessage{
		json.RawMessage(`{"sender":"user","content":"first"}`),
		json.RawMessage(`null`),
		json.RawMessage(`{"sender":"user","content":42}`),
		json.RawMessage(`"just text"`),
		json.RawMessage(`{"content":"no sender"}`),
	}
	for i := 0; i < 12; i++ {
		raw = append(raw, json.RawMessage(`{"sender":"assistant","content":"turn"}`))
	}
	history := ParseHistory(raw)
	if len(history) != maxHistoryEntries {
		t.Fatalf("expected %d entries, got %d", maxHistoryEntries, len(history))
	}
	for _, entry := range history {
		if entry.Content != "turn" {
			t.Fatalf("expected only the most recent valid entries, got %#v", entry)
		}
	}

	short := ParseHistory(raw[:5])
	if len(short) != 1 || short[0].Content != "first" {
		t.Fatalf("unexpected filtered history: %#v", short)
	}
}
