package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	c := Default()
	assert.Equal(t, "balanced", c.Simulation.Strategy)
	assert.Equal(t, 10000.0, c.Simulation.StartingUSDT)
	assert.Equal(t, 0.001, c.Simulation.FeeRate)
	assert.Equal(t, 30*time.Second, c.Scheduler.BaseInterval())
	assert.Equal(t, 3, c.Scheduler.MaxMultiplier)
	assert.Equal(t, 5*time.Second, c.Gateway.Timeout())
	assert.Equal(t, "file", c.Store.Kind)
	assert.Equal(t, "file", c.Signals.Source)
	assert.Equal(t, 10*time.Second, c.Signals.Timeout())
	assert.Empty(t, c.Alerts.SlackWebhookURL)
	assert.NoError(t, c.Validate())
}

func TestLoadFileKeepsExplicitValues(t *testing.T) {
	path := writeConfig(t, `
simulation:
  strategy: aggressive
  starting_usdt: 2500
  auto_mode: true
  min_confidence: 0.7
scheduler:
  base_interval_seconds: 5
gateway:
  kind: mock
store:
  kind: memory
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "aggressive", c.Simulation.Strategy)
	assert.Equal(t, 2500.0, c.Simulation.StartingUSDT)
	assert.True(t, c.Simulation.AutoMode)
	assert.Equal(t, 0.7, c.Simulation.MinConfidence)
	assert.Equal(t, 5*time.Second, c.Scheduler.BaseInterval())
	assert.Equal(t, 10, c.Scheduler.WindowSize, "unset fields still defaulted")
	assert.Equal(t, "mock", c.Gateway.Kind)
	assert.NoError(t, c.Validate())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "simulation: [not, a, map"))
	assert.ErrorContains(t, err, "parse")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PAPERTRADER_STRATEGY", "conservative")
	t.Setenv("PAPERTRADER_STARTING_USDT", "1234.5")
	t.Setenv("PAPERTRADER_AUTO_MODE", "true")
	t.Setenv("PAPERTRADER_REDIS_DB", "4")
	t.Setenv("PAPERTRADER_REDIS_KEY_PREFIX", "staging:")
	t.Setenv("PAPERTRADER_GATEWAY_TIMEOUT_MS", "not-a-number")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "conservative", c.Simulation.Strategy)
	assert.Equal(t, 1234.5, c.Simulation.StartingUSDT)
	assert.True(t, c.Simulation.AutoMode)
	assert.Equal(t, 4, c.Redis.DB)
	assert.Equal(t, "staging:", c.Redis.KeyPrefix)
	assert.Equal(t, 5000, c.Gateway.TimeoutMs, "unparseable override ignored")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Root)
		want   string
	}{
		{"strategy", func(c *Root) { c.Simulation.Strategy = "yolo" }, "simulation.strategy"},
		{"fee", func(c *Root) { c.Simulation.FeeRate = 0.2 }, "simulation.fee_rate"},
		{"confidence", func(c *Root) { c.Simulation.MinConfidence = 1.5 }, "simulation.min_confidence"},
		{"store", func(c *Root) { c.Store.Kind = "s3" }, "store.kind"},
		{"gateway", func(c *Root) { c.Gateway.Kind = "binance" }, "gateway.kind"},
		{"signal source", func(c *Root) { c.Signals.Source = "kafka" }, "signals.source"},
		{"signal url", func(c *Root) { c.Signals.Source = "http" }, "signals.url"},
		{"chaos", func(c *Root) { c.Gateway.ChaosNetworkRate = 2 }, "gateway.chaos"},
		{"multiplier", func(c *Root) { c.Scheduler.MaxMultiplier = 0 }, "scheduler.max_multiplier"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			assert.ErrorContains(t, c.Validate(), tt.want)
		})
	}
}
