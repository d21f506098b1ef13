package throttle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaymsg/chat-limiter/pkg/limiter"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []Message
}

func (s *recordingSender) Send(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestGate_HandleReject(t *testing.T) {
	g := activeGuard(t, Config{OnLimit: OnLimitReject}, limiter.NewMemoryLimiter())
	gate := NewGate(g, zap.NewNop())

	var handled int
	handler := gate.Handle(func(ctx context.Context, msg Message) error {
		handled++
		return nil
	})

	msg := Message{ConversationID: "c1", Text: "hi"}
	ctx := context.Background()

	// Chat capacity is 2 in testScopes.
	require.NoError(t, handler(ctx, msg))
	require.NoError(t, handler(ctx, msg))

	err := handler(ctx, msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "retry in", "denial must tell the user how long to wait")
	assert.Equal(t, 2, handled, "denied messages must not reach the handler")
}

func TestGate_HandleDelayBounded(t *testing.T) {
	g := activeGuard(t, Config{OnLimit: OnLimitDelay, QueueTimeout: 20 * time.Millisecond}, limiter.NewMemoryLimiter())
	gate := NewGate(g, zap.NewNop())

	var handled int
	handler := gate.Handle(func(ctx context.Context, msg Message) error {
		handled++
		return nil
	})

	msg := Message{ConversationID: "c1"}
	ctx := context.Background()
	handler(ctx, msg)
	handler(ctx, msg)

	// The third message is over budget: it pauses for at most QueueTimeout
	// and then proceeds anyway.
	start := time.Now()
	err := handler(ctx, msg)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 3, handled)
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
	assert.Less(t, elapsed, time.Second, "pause must be bounded by QueueTimeout, not RetryAfter")
}

func TestGate_DelayCancellable(t *testing.T) {
	g := activeGuard(t, Config{OnLimit: OnLimitDelay, QueueTimeout: 10 * time.Second}, limiter.NewMemoryLimiter())
	gate := NewGate(g, zap.NewNop())

	var handled int
	handler := gate.Handle(func(ctx context.Context, msg Message) error {
		handled++
		return nil
	})

	msg := Message{ConversationID: "c1"}
	handler(context.Background(), msg)
	handler(context.Background(), msg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := handler(ctx, msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second, "cancellation must cut the pause short")
	assert.Equal(t, 2, handled)
}

// The queue policy has no queue behind it and degrades to delay semantics.
func TestGate_QueueFallsBackToDelay(t *testing.T) {
	g := activeGuard(t, Config{OnLimit: OnLimitQueue, QueueTimeout: 10 * time.Millisecond}, limiter.NewMemoryLimiter())
	gate := NewGate(g, zap.NewNop())

	handler := gate.Handle(func(ctx context.Context, msg Message) error { return nil })
	msg := Message{ConversationID: "c1"}
	ctx := context.Background()
	handler(ctx, msg)
	handler(ctx, msg)

	require.NoError(t, handler(ctx, msg))
}

func TestGate_SendGatesOutbound(t *testing.T) {
	g := activeGuard(t, Config{OnLimit: OnLimitReject}, limiter.NewMemoryLimiter())
	gate := NewGate(g, zap.NewNop())
	sender := &recordingSender{}

	msg := Message{ConversationID: "c1", Text: "reply"}
	ctx := context.Background()

	require.NoError(t, gate.Send(ctx, sender, msg))
	require.NoError(t, gate.Send(ctx, sender, msg))

	err := gate.Send(ctx, sender, msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 2, sender.count(), "denied sends must not reach the transport")
}

func TestGate_BroadcastBudget(t *testing.T) {
	g := activeGuard(t, Config{OnLimit: OnLimitReject}, limiter.NewMemoryLimiter())
	gate := NewGate(g, zap.NewNop())
	sender := &recordingSender{}

	msg := Message{BotID: "bot1", Text: "announcement"}
	ctx := context.Background()

	// Broadcast capacity is 1 in testScopes.
	require.NoError(t, gate.Broadcast(ctx, sender, msg))
	err := gate.Broadcast(ctx, sender, msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1, sender.count())
}

func TestGate_VerdictInContext(t *testing.T) {
	g := activeGuard(t, Config{OnLimit: OnLimitReject}, limiter.NewMemoryLimiter())
	gate := NewGate(g, zap.NewNop())

	var seen Verdict
	handler := gate.Handle(func(ctx context.Context, msg Message) error {
		v, ok := VerdictFromContext(ctx)
		require.True(t, ok)
		seen = v
		return nil
	})

	require.NoError(t, handler(context.Background(), Message{ConversationID: "c1"}))
	assert.Equal(t, KindAllowed, seen.Kind)
	assert.Positive(t, seen.Remaining)
}

func TestGate_UnavailableError(t *testing.T) {
	g := activeGuard(t, Config{OnStoreError: OnErrorReject}, failingEngine{})
	gate := NewGate(g, zap.NewNop())

	handler := gate.Handle(func(ctx context.Context, msg Message) error { return nil })
	err := handler(context.Background(), Message{ConversationID: "c1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrRateLimited)
	assert.Contains(t, err.Error(), "temporarily unavailable")
}

func TestGate_Middleware(t *testing.T) {
	g := activeGuard(t, Config{OnLimit: OnLimitReject}, limiter.NewMemoryLimiter())
	gate := NewGate(g, zap.NewNop())

	srv := gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(conversation string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
		if conversation != "" {
			req.Header.Set("X-Conversation-ID", conversation)
		}
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do("c1").Code)
	assert.Equal(t, http.StatusOK, do("c1").Code)

	rec := do("c1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// No conversation header: context-free events pass untouched.
	assert.Equal(t, http.StatusOK, do("").Code)
}

func TestGate_MiddlewareUnavailable(t *testing.T) {
	g := activeGuard(t, Config{OnStoreError: OnErrorReject}, failingEngine{})
	gate := NewGate(g, zap.NewNop())

	srv := gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
	req.Header.Set("X-Conversation-ID", "c1")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, rec.Header().Get("Retry-After"))
}
