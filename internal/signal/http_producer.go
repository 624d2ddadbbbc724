package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/Rajchodisetti/papertrader/internal/domain"
	"github.com/Rajchodisetti/papertrader/internal/observ"
)

// HTTPProducer polls an external signal service. Each call sends the
// strategy and a portfolio summary plus the cursor returned by the previous
// call, so the service only hands out new signals.
//
//	GET <url>?strategy=balanced&portfolio_value=10000&open_positions=1&cursor=abc
//	200 {"signals": [...], "cursor": "abd"}
//	204 no signals
type HTTPProducer struct {
	url    string
	client *http.Client

	mu     sync.Mutex
	cursor string
}

func NewHTTPProducer(rawURL string, timeout time.Duration) *HTTPProducer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProducer{url: rawURL, client: &http.Client{Timeout: timeout}}
}

// Cursor returns the last cursor acknowledged by the service.
func (p *HTTPProducer) Cursor() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

func (p *HTTPProducer) Produce(ctx context.Context, pc PortfolioContext) ([]domain.Signal, error) {
	u, err := url.Parse(p.url)
	if err != nil || p.url == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: signal url %q", ErrConfigInvalid, p.url)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	q := u.Query()
	q.Set("strategy", pc.Strategy)
	q.Set("portfolio_value", strconv.FormatFloat(pc.State.CurrentPortfolioValue, 'f', 2, 64))
	q.Set("open_positions", strconv.Itoa(len(pc.State.OpenPositions)))
	if p.cursor != "" {
		q.Set("cursor", p.cursor)
	}
	u.RawQuery = q.Encode()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		observ.IncCounter("signal_poll_errors_total", map[string]string{"kind": "network"})
		return nil, fmt.Errorf("poll signals: %w", err)
	}
	defer resp.Body.Close()
	observ.RecordDuration("signal_poll", time.Since(start), nil)

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: signal endpoint not found", ErrConfigInvalid)
	case resp.StatusCode != http.StatusOK:
		observ.IncCounter("signal_poll_errors_total", map[string]string{"kind": "status"})
		return nil, fmt.Errorf("poll signals: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	var payload struct {
		Signals []domain.Signal `json:"signals"`
		Cursor  string          `json:"cursor"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		observ.IncCounter("signal_poll_errors_total", map[string]string{"kind": "malformed"})
		return nil, fmt.Errorf("parse signals: %w", err)
	}

	valid := make([]domain.Signal, 0, len(payload.Signals))
	for i, sig := range payload.Signals {
		if err := Validate(sig); err != nil {
			observ.Warn("signal_payload_skipped", map[string]any{"index": i, "error": err})
			continue
		}
		valid = append(valid, sig)
	}
	if payload.Cursor != "" {
		p.cursor = payload.Cursor
	}
	observ.IncCounterBy("signals_received_total", map[string]string{"source": "http"}, float64(len(valid)))
	return valid, nil
}
