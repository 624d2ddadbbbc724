package adapters

import (
	"fmt"
	"strings"
	"time"

	"github.com/Rajchodisetti/papertrader/internal/config"
	"github.com/Rajchodisetti/papertrader/internal/observ"
)

// NewGateway builds the configured gateway stack without exposing its health.
func NewGateway(cfg config.Gateway) (MarketDataGateway, error) {
	gw, _, err := NewTrackedGateway(cfg)
	return gw, err
}

// NewTrackedGateway builds the base gateway, optional fault injection, health
// tracking, a client-side rate limit and finally the book cache on top. The
// returned GatewayHealth sees only calls that reach the base gateway.
func NewTrackedGateway(cfg config.Gateway) (MarketDataGateway, *GatewayHealth, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))

	var base MarketDataGateway
	switch kind {
	case "mock":
		base = NewMockGateway()
	case "sim", "":
		base = NewSimGateway(cfg.Seed)
	default:
		return nil, nil, fmt.Errorf("unknown gateway kind: %s (supported: mock, sim)", kind)
	}

	chaos := ChaosConfig{
		NetworkRate:   cfg.ChaosNetworkRate,
		RateLimitRate: cfg.ChaosRateLimitRate,
		MalformedRate: cfg.ChaosMalformedRate,
		Seed:          cfg.Seed,
	}
	if chaos.Enabled() {
		base = NewChaosGateway(base, chaos)
	}

	health := NewGatewayHealth(kind)
	gw := MarketDataGateway(NewHealthTrackedGateway(base, health))
	gw = NewRateLimitedGateway(gw, cfg.RatePerSecond, cfg.Burst)
	gw = NewCachedGateway(gw, time.Duration(cfg.CacheTTLMs)*time.Millisecond)

	observ.Log("gateway_created", map[string]any{
		"kind":            kind,
		"rate_per_second": cfg.RatePerSecond,
		"burst":           cfg.Burst,
		"cache_ttl_ms":    cfg.CacheTTLMs,
		"chaos":           chaos.Enabled(),
	})
	return gw, health, nil
}
