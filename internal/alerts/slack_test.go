package alerts

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/papertrader/internal/audit"
)

type webhook struct {
	mu       sync.Mutex
	messages []SlackMessage
	failures atomic.Int32 // respond 500 this many times first
	srv      *httptest.Server
}

func newWebhook(t *testing.T) *webhook {
	w := &webhook{}
	w.srv = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if w.failures.Add(-1) >= 0 {
			rw.WriteHeader(http.StatusInternalServerError)
			return
		}
		var msg SlackMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			return
		}
		w.mu.Lock()
		w.messages = append(w.messages, msg)
		w.mu.Unlock()
	}))
	t.Cleanup(w.srv.Close)
	return w
}

func (w *webhook) received() []SlackMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]SlackMessage(nil), w.messages...)
}

func newSink(t *testing.T, cfg SlackConfig) *SlackSink {
	s := NewSlackSink(cfg)
	t.Cleanup(s.Close)
	return s
}

func breakerEvent(reason string) audit.Event {
	return audit.Event{
		ID:        reason,
		Type:      audit.EventCircuitBreaker,
		Timestamp: time.Now().UTC(),
		Reason:    reason,
		Data:      map[string]any{"drawdown_pct": -4.5, "liquidated": true},
	}
}

func TestSlackSinkPostsSelectedEvents(t *testing.T) {
	hook := newWebhook(t)
	sink := newSink(t, SlackConfig{WebhookURL: hook.srv.URL, Channel: "#paper"})

	require.NoError(t, sink.Record(audit.Event{Type: audit.EventSignalTransition}))
	require.NoError(t, sink.Record(breakerEvent("drawdown limit breached")))

	require.Eventually(t, func() bool { return len(hook.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	msg := hook.received()[0]
	assert.Equal(t, "#paper", msg.Channel)
	assert.Contains(t, msg.Text, audit.EventCircuitBreaker)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "danger", msg.Attachments[0].Color)

	titles := map[string]string{}
	for _, f := range msg.Attachments[0].Fields {
		titles[f.Title] = f.Value
	}
	assert.Equal(t, "drawdown limit breached", titles["Reason"])
	assert.Equal(t, "-4.5", titles["drawdown_pct"])
}

func TestSlackSinkDedupesWithinWindow(t *testing.T) {
	hook := newWebhook(t)
	sink := newSink(t, SlackConfig{WebhookURL: hook.srv.URL})

	require.NoError(t, sink.Record(breakerEvent("same")))
	require.NoError(t, sink.Record(breakerEvent("same")))

	require.Eventually(t, func() bool { return sink.Stats().Sent == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), sink.Stats().Deduped)
	assert.Len(t, hook.received(), 1)
}

func TestSlackSinkRateLimits(t *testing.T) {
	hook := newWebhook(t)
	sink := newSink(t, SlackConfig{WebhookURL: hook.srv.URL, RatePerMinute: 1})

	require.NoError(t, sink.Record(breakerEvent("first")))
	require.NoError(t, sink.Record(breakerEvent("second")))

	require.Eventually(t, func() bool { return sink.Stats().Sent == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), sink.Stats().RateLimited)
}

func TestSlackSinkRetriesFailedWebhook(t *testing.T) {
	hook := newWebhook(t)
	hook.failures.Store(2)
	sink := newSink(t, SlackConfig{WebhookURL: hook.srv.URL, RetryBackoff: 5 * time.Millisecond})

	require.NoError(t, sink.Record(breakerEvent("flaky")))

	require.Eventually(t, func() bool { return sink.Stats().Sent == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, sink.Stats().Failed)
}

func TestSlackSinkGivesUpAfterMaxAttempts(t *testing.T) {
	hook := newWebhook(t)
	hook.failures.Store(100)
	sink := newSink(t, SlackConfig{WebhookURL: hook.srv.URL, MaxAttempts: 2, RetryBackoff: time.Millisecond})

	require.NoError(t, sink.Record(breakerEvent("down")))

	require.Eventually(t, func() bool { return sink.Stats().Failed == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, sink.Stats().Sent)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdefgh", 5))
}
