package adapters

import (
	"context"
	"sync"
	"time"

	"github.com/Rajchodisetti/papertrader/internal/observ"
)

// GatewayStatus is the health state of the market-data gateway.
type GatewayStatus string

const (
	GatewayStatusHealthy  GatewayStatus = "healthy"
	GatewayStatusDegraded GatewayStatus = "degraded"
	GatewayStatusFailed   GatewayStatus = "failed"
)

// GatewayHealth tracks gateway reliability from call outcomes.
type GatewayHealth struct {
	mu                sync.RWMutex
	name              string
	status            GatewayStatus
	lastSuccessful    time.Time
	lastError         time.Time
	errorCount        int64
	successCount      int64
	consecutiveErrors int
	latencyP95        time.Duration

	degradedErrorRate    float64 // 0.01 = 1%
	failedErrorRate      float64
	maxConsecutiveErrors int
	recoveryWindow       time.Duration

	now func() time.Time
}

func NewGatewayHealth(name string) *GatewayHealth {
	return &GatewayHealth{
		name:                 name,
		status:               GatewayStatusHealthy,
		degradedErrorRate:    0.01,
		failedErrorRate:      0.10,
		maxConsecutiveErrors: 5,
		recoveryWindow:       5 * time.Minute,
		now:                  time.Now,
	}
}

// RecordSuccess records a successful call and recovers the status once no
// error has been seen for the recovery window.
func (h *GatewayHealth) RecordSuccess(latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastSuccessful = h.now()
	h.successCount++
	h.consecutiveErrors = 0
	h.updateLatency(latency)

	if h.status != GatewayStatusHealthy && h.shouldRecover() {
		old := h.status
		h.status = GatewayStatusHealthy
		h.statusChanged(old)
	}

	observ.IncCounter("gateway_operations_total", map[string]string{"gateway": h.name, "result": "success"})
	observ.SetGauge("gateway_health", h.statusToFloat(), map[string]string{"gateway": h.name})
}

// RecordError records a failed call.
func (h *GatewayHealth) RecordError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastError = h.now()
	h.errorCount++
	h.consecutiveErrors++

	old := h.status
	h.updateStatus()
	if old != h.status {
		h.statusChanged(old)
	}

	observ.IncCounter("gateway_operations_total", map[string]string{"gateway": h.name, "result": "error"})
	observ.SetGauge("gateway_health", h.statusToFloat(), map[string]string{"gateway": h.name})
	observ.Log("gateway_call_failed", map[string]any{
		"gateway":            h.name,
		"consecutive_errors": h.consecutiveErrors,
		"error":              err,
	})
}

func (h *GatewayHealth) Status() GatewayStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Metrics returns the current counters for the health endpoint.
func (h *GatewayHealth) Metrics() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := h.successCount + h.errorCount
	errorRate := 0.0
	if total > 0 {
		errorRate = float64(h.errorCount) / float64(total)
	}
	return map[string]any{
		"status":             string(h.status),
		"error_rate":         errorRate,
		"consecutive_errors": h.consecutiveErrors,
		"last_successful":    h.lastSuccessful,
		"last_error":         h.lastError,
		"latency_p95_ms":     h.latencyP95.Milliseconds(),
		"success_count":      h.successCount,
		"error_count":        h.errorCount,
	}
}

func (h *GatewayHealth) statusChanged(old GatewayStatus) {
	observ.IncCounter("gateway_status_change_total", map[string]string{
		"gateway": h.name,
		"from":    string(old),
		"to":      string(h.status),
	})
	observ.Warn("gateway_status_changed", map[string]any{
		"gateway":            h.name,
		"from":               string(old),
		"to":                 string(h.status),
		"consecutive_errors": h.consecutiveErrors,
	})
}

func (h *GatewayHealth) updateStatus() {
	total := h.successCount + h.errorCount
	if total == 0 {
		return
	}
	if h.consecutiveErrors >= h.maxConsecutiveErrors {
		h.status = GatewayStatusFailed
		return
	}
	errorRate := float64(h.errorCount) / float64(total)
	if errorRate >= h.failedErrorRate {
		h.status = GatewayStatusFailed
	} else if errorRate >= h.degradedErrorRate {
		h.status = GatewayStatusDegraded
	}
}

func (h *GatewayHealth) shouldRecover() bool {
	now := h.now()
	if now.Sub(h.lastSuccessful) > h.recoveryWindow {
		return false
	}
	if now.Sub(h.lastError) < h.recoveryWindow {
		return false
	}
	return h.consecutiveErrors == 0
}

// updateLatency keeps an exponential moving average as a cheap p95 stand-in.
func (h *GatewayHealth) updateLatency(latency time.Duration) {
	if h.latencyP95 == 0 {
		h.latencyP95 = latency
	} else {
		const alpha = 0.1
		h.latencyP95 = time.Duration(float64(h.latencyP95)*(1-alpha) + float64(latency)*alpha)
	}
	observ.RecordDuration("gateway_latency", latency, map[string]string{"gateway": h.name})
}

func (h *GatewayHealth) statusToFloat() float64 {
	switch h.status {
	case GatewayStatusHealthy:
		return 1.0
	case GatewayStatusDegraded:
		return 0.5
	default:
		return 0.0
	}
}

// HealthTrackedGateway feeds every call outcome into a GatewayHealth. An
// unknown symbol is the caller's mistake and counts as a success.
type HealthTrackedGateway struct {
	inner  MarketDataGateway
	health *GatewayHealth
}

func NewHealthTrackedGateway(inner MarketDataGateway, health *GatewayHealth) *HealthTrackedGateway {
	return &HealthTrackedGateway{inner: inner, health: health}
}

func (g *HealthTrackedGateway) record(start time.Time, err error) {
	if err == nil || ErrorType(err) == ErrTypeBadSymbol {
		g.health.RecordSuccess(time.Since(start))
		return
	}
	g.health.RecordError(err)
}

func (g *HealthTrackedGateway) GetBestBidAsk(ctx context.Context, symbol string) (*BookTicker, error) {
	start := time.Now()
	t, err := g.inner.GetBestBidAsk(ctx, symbol)
	g.record(start, err)
	return t, err
}

func (g *HealthTrackedGateway) GetInstrumentIncrements(ctx context.Context, symbol string) (*Increments, error) {
	start := time.Now()
	inc, err := g.inner.GetInstrumentIncrements(ctx, symbol)
	g.record(start, err)
	return inc, err
}

var _ MarketDataGateway = (*HealthTrackedGateway)(nil)
