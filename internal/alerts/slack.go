// Package alerts forwards operator-relevant activity events to Slack.
package alerts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/papertrader/internal/audit"
	"github.com/Rajchodisetti/papertrader/internal/observ"
)

// ErrQueueFull is returned by Record when the send queue is saturated.
var ErrQueueFull = errors.New("alerts: slack queue full")

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type SlackAttachment struct {
	Color  string       `json:"color"`
	Fields []SlackField `json:"fields"`
}

type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// DefaultEvents are the event types worth paging someone about.
var DefaultEvents = []string{
	audit.EventCircuitBreaker,
	audit.EventLiquidation,
	audit.EventSimulationPaused,
	audit.EventTradeFailed,
}

type SlackConfig struct {
	WebhookURL    string
	Channel       string
	Events        []string
	RatePerMinute int
	DedupeWindow  time.Duration
	QueueSize     int
	MaxAttempts   int
	RetryBackoff  time.Duration // doubled per attempt, plus up to 10% jitter
	Timeout       time.Duration
}

func (c *SlackConfig) applyDefaults() {
	if len(c.Events) == 0 {
		c.Events = DefaultEvents
	}
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 10
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = time.Minute
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// Stats counts what happened to recorded events.
type Stats struct {
	Sent        int64 `json:"sent"`
	Failed      int64 `json:"failed"`
	Deduped     int64 `json:"deduped"`
	RateLimited int64 `json:"rate_limited"`
	Dropped     int64 `json:"dropped"`
}

// SlackSink is an audit.Sink that posts selected events to an incoming
// webhook from a single background worker.
type SlackSink struct {
	cfg        SlackConfig
	events     map[string]bool
	httpClient *http.Client
	limiter    *rate.Limiter
	queue      chan audit.Event

	mu     sync.Mutex
	dedupe map[string]time.Time
	stats  Stats

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSlackSink(cfg SlackConfig) *SlackSink {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &SlackSink{
		cfg:        cfg,
		events:     make(map[string]bool, len(cfg.Events)),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), cfg.RatePerMinute),
		queue:      make(chan audit.Event, cfg.QueueSize),
		dedupe:     make(map[string]time.Time),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, t := range cfg.Events {
		s.events[t] = true
	}
	go s.worker()
	return s
}

// Record queues ev if its type is selected. Duplicates inside the dedupe
// window and events over the rate limit are dropped silently.
func (s *SlackSink) Record(ev audit.Event) error {
	if !s.events[ev.Type] {
		return nil
	}

	hash := eventHash(ev)
	now := time.Now()
	s.mu.Lock()
	if last, ok := s.dedupe[hash]; ok && now.Sub(last) < s.cfg.DedupeWindow {
		s.stats.Deduped++
		s.mu.Unlock()
		return nil
	}
	s.dedupe[hash] = now
	s.pruneLocked(now)
	s.mu.Unlock()

	if !s.limiter.Allow() {
		s.count(func(st *Stats) { st.RateLimited++ })
		observ.IncCounter("slack_alerts_rate_limited_total", nil)
		return nil
	}

	select {
	case s.queue <- ev:
		observ.SetGauge("slack_alert_queue_depth", float64(len(s.queue)), nil)
		return nil
	default:
		s.count(func(st *Stats) { st.Dropped++ })
		observ.IncCounter("slack_alerts_dropped_total", nil)
		return ErrQueueFull
	}
}

// Close stops the worker. Queued alerts not yet sent are discarded.
func (s *SlackSink) Close() {
	s.cancel()
	<-s.done
}

func (s *SlackSink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *SlackSink) count(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

func (s *SlackSink) pruneLocked(now time.Time) {
	for h, t := range s.dedupe {
		if now.Sub(t) >= s.cfg.DedupeWindow {
			delete(s.dedupe, h)
		}
	}
}

func (s *SlackSink) worker() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.queue:
			if s.deliver(ev) {
				s.count(func(st *Stats) { st.Sent++ })
				observ.IncCounter("slack_alerts_sent_total", map[string]string{"event_type": ev.Type})
			} else {
				s.count(func(st *Stats) { st.Failed++ })
				observ.IncCounter("slack_webhook_errors_total", nil)
			}
		}
	}
}

// deliver retries with exponential backoff until MaxAttempts or Close.
func (s *SlackSink) deliver(ev audit.Event) bool {
	msg := s.formatMessage(ev)
	for attempt := 1; ; attempt++ {
		err := s.sendWebhook(msg)
		if err == nil {
			return true
		}
		observ.Warn("slack_webhook_failed", map[string]any{"attempt": attempt, "event_type": ev.Type, "error": err})
		if attempt >= s.cfg.MaxAttempts {
			return false
		}

		backoff := s.cfg.RetryBackoff << (attempt - 1)
		backoff += time.Duration(rand.Float64() * float64(backoff) * 0.1)
		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(backoff):
		}
	}
}

func (s *SlackSink) sendWebhook(msg SlackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal slack message: %w", err)
	}
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook status %d", resp.StatusCode)
	}
	return nil
}

func (s *SlackSink) formatMessage(ev audit.Event) SlackMessage {
	emoji, color := "⚠️", "warning"
	switch ev.Type {
	case audit.EventCircuitBreaker, audit.EventLiquidation:
		emoji, color = "🛑", "danger"
	case audit.EventSimulationPaused:
		emoji = "⏸️"
	}

	fields := []SlackField{
		{Title: "Event", Value: ev.Type, Short: true},
		{Title: "Time", Value: ev.Timestamp.Format("15:04:05 MST"), Short: true},
	}
	if ev.Reason != "" {
		fields = append(fields, SlackField{Title: "Reason", Value: truncate(ev.Reason, 300)})
	}

	keys := make([]string, 0, len(ev.Data))
	for k := range ev.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 6 {
		keys = keys[:6]
	}
	for _, k := range keys {
		fields = append(fields, SlackField{Title: k, Value: truncate(fmt.Sprint(ev.Data[k]), 120), Short: true})
	}

	return SlackMessage{
		Channel:     s.cfg.Channel,
		Text:        fmt.Sprintf("%s papertrader %s", emoji, ev.Type),
		Attachments: []SlackAttachment{{Color: color, Fields: fields}},
	}
}

func eventHash(ev audit.Event) string {
	sum := sha256.Sum256([]byte(ev.Type + ":" + ev.Reason + ":" + ev.CorrelationID))
	return fmt.Sprintf("%x", sum)[:16]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
