package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Simulation struct {
	Strategy      string  `yaml:"strategy"`       // conservative | balanced | aggressive
	StartingUSDT  float64 `yaml:"starting_usdt"`  // seed cash when no live snapshot is supplied
	FeeRate       float64 `yaml:"fee_rate"`       // taker fee as a fraction of notional
	AutoMode      bool    `yaml:"auto_mode"`      // execute accepted signals without a user accept
	MinConfidence float64 `yaml:"min_confidence"` // signals below this are ignored
	QuoteCurrency string  `yaml:"quote_currency"` // always USDT today
}

type Scheduler struct {
	BaseIntervalSecs int `yaml:"base_interval_seconds"`
	MaxMultiplier    int `yaml:"max_multiplier"`
	SlowCycleSecs    int `yaml:"slow_cycle_seconds"`
	WindowSize       int `yaml:"window_size"`
}

type Signals struct {
	GeneratedTimeoutSecs  int    `yaml:"generated_timeout_seconds"`
	ProcessingTimeoutSecs int    `yaml:"processing_timeout_seconds"`
	ExecutedClearMs       int    `yaml:"executed_clear_ms"`
	ExecutedIdleMs        int    `yaml:"executed_idle_ms"`
	FailedClearMs         int    `yaml:"failed_clear_ms"`
	FailedIdleMs          int    `yaml:"failed_idle_ms"`
	Source                string `yaml:"source"`       // file | http
	FixturePath           string `yaml:"fixture_path"` // JSON file read by the file producer
	URL                   string `yaml:"url"`          // endpoint polled by the http producer
	TimeoutMs             int    `yaml:"timeout_ms"`
}

type Risk struct {
	DebounceSecs int `yaml:"debounce_seconds"`
}

type Gateway struct {
	Kind               string  `yaml:"kind"` // mock | sim
	TimeoutMs          int     `yaml:"timeout_ms"`
	RatePerSecond      float64 `yaml:"rate_per_second"`
	Burst              int     `yaml:"burst"`
	CacheTTLMs         int     `yaml:"cache_ttl_ms"`
	Seed               int64   `yaml:"seed"` // sim random walk seed; 0 uses the clock
	ChaosNetworkRate   float64 `yaml:"chaos_network_rate"`
	ChaosRateLimitRate float64 `yaml:"chaos_rate_limit_rate"`
	ChaosMalformedRate float64 `yaml:"chaos_malformed_rate"`
}

type Store struct {
	Kind     string `yaml:"kind"` // file | redis | memory
	Dir      string `yaml:"dir"`
	StateKey string `yaml:"state_key"`
}

type Redis struct {
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	PoolSize   int    `yaml:"pool_size"`
	MaxRetries int    `yaml:"max_retries"`
	TLSEnabled bool   `yaml:"tls_enabled"`
	KeyPrefix  string `yaml:"key_prefix"` // namespaces store keys when a Redis DB is shared
}

type Audit struct {
	JournalPath string `yaml:"journal_path"`
	RedisStream string `yaml:"redis_stream"` // empty disables the stream sink
	SSEBacklog  int    `yaml:"sse_backlog"`  // events kept for /events resume
}

type Alerts struct {
	SlackWebhookURL string   `yaml:"slack_webhook_url"` // empty disables Slack alerts
	SlackChannel    string   `yaml:"slack_channel"`
	Events          []string `yaml:"events"`
	RatePerMinute   int      `yaml:"rate_per_minute"`
	DedupeSecs      int      `yaml:"dedupe_seconds"`
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

type Root struct {
	Simulation Simulation `yaml:"simulation"`
	Scheduler  Scheduler  `yaml:"scheduler"`
	Signals    Signals    `yaml:"signals"`
	Risk       Risk       `yaml:"risk"`
	Gateway    Gateway    `yaml:"gateway"`
	Store      Store      `yaml:"store"`
	Redis      Redis      `yaml:"redis"`
	Audit      Audit      `yaml:"audit"`
	Alerts     Alerts     `yaml:"alerts"`
	Metrics    Metrics    `yaml:"metrics"`
}

// Load reads the YAML file at path, fills defaults, then applies .env and
// PAPERTRADER_* environment overrides. An empty path yields pure defaults.
func Load(path string) (Root, error) {
	var c Root
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyDefaults(&c)

	// .env is optional
	_ = godotenv.Load()
	applyEnvOverrides(&c)

	return c, nil
}

// Default returns the configuration used when no file is supplied.
func Default() Root {
	var c Root
	applyDefaults(&c)
	return c
}

func applyDefaults(c *Root) {
	if c.Simulation.Strategy == "" {
		c.Simulation.Strategy = "balanced"
	}
	if c.Simulation.StartingUSDT == 0 {
		c.Simulation.StartingUSDT = 10000
	}
	if c.Simulation.FeeRate == 0 {
		c.Simulation.FeeRate = 0.001
	}
	if c.Simulation.QuoteCurrency == "" {
		c.Simulation.QuoteCurrency = "USDT"
	}

	// Scheduler defaults
	if c.Scheduler.BaseIntervalSecs == 0 {
		c.Scheduler.BaseIntervalSecs = 30
	}
	if c.Scheduler.MaxMultiplier == 0 {
		c.Scheduler.MaxMultiplier = 3
	}
	if c.Scheduler.SlowCycleSecs == 0 {
		c.Scheduler.SlowCycleSecs = 10
	}
	if c.Scheduler.WindowSize == 0 {
		c.Scheduler.WindowSize = 10
	}

	// Signal lifecycle defaults
	if c.Signals.GeneratedTimeoutSecs == 0 {
		c.Signals.GeneratedTimeoutSecs = 60
	}
	if c.Signals.ProcessingTimeoutSecs == 0 {
		c.Signals.ProcessingTimeoutSecs = 30
	}
	if c.Signals.ExecutedClearMs == 0 {
		c.Signals.ExecutedClearMs = 2000
	}
	if c.Signals.ExecutedIdleMs == 0 {
		c.Signals.ExecutedIdleMs = 1000
	}
	if c.Signals.FailedClearMs == 0 {
		c.Signals.FailedClearMs = 5000
	}
	if c.Signals.FailedIdleMs == 0 {
		c.Signals.FailedIdleMs = 3000
	}

	if c.Signals.Source == "" {
		c.Signals.Source = "file"
	}
	if c.Signals.TimeoutMs == 0 {
		c.Signals.TimeoutMs = 10000
	}

	if c.Risk.DebounceSecs == 0 {
		c.Risk.DebounceSecs = 60
	}

	// Gateway defaults
	if c.Gateway.Kind == "" {
		c.Gateway.Kind = "sim"
	}
	if c.Gateway.TimeoutMs == 0 {
		c.Gateway.TimeoutMs = 5000
	}
	if c.Gateway.RatePerSecond == 0 {
		c.Gateway.RatePerSecond = 10
	}
	if c.Gateway.Burst == 0 {
		c.Gateway.Burst = 5
	}
	if c.Gateway.CacheTTLMs == 0 {
		c.Gateway.CacheTTLMs = 1000
	}

	// Store defaults
	if c.Store.Kind == "" {
		c.Store.Kind = "file"
	}
	if c.Store.Dir == "" {
		c.Store.Dir = "data/store"
	}
	if c.Store.StateKey == "" {
		c.Store.StateKey = "papertrader:simulation_state"
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
	if c.Redis.MaxRetries == 0 {
		c.Redis.MaxRetries = 3
	}

	if c.Audit.JournalPath == "" {
		c.Audit.JournalPath = "data/activity.jsonl"
	}
	if c.Audit.SSEBacklog == 0 {
		c.Audit.SSEBacklog = 500
	}
	if c.Alerts.RatePerMinute == 0 {
		c.Alerts.RatePerMinute = 10
	}
	if c.Alerts.DedupeSecs == 0 {
		c.Alerts.DedupeSecs = 60
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9102"
	}
}

// applyEnvOverrides lets operators inject secrets and switches at deploy time
// without editing the YAML file.
func applyEnvOverrides(c *Root) {
	setStr(&c.Simulation.Strategy, "PAPERTRADER_STRATEGY")
	setFloat64(&c.Simulation.StartingUSDT, "PAPERTRADER_STARTING_USDT")
	setBool(&c.Simulation.AutoMode, "PAPERTRADER_AUTO_MODE")

	setStr(&c.Signals.Source, "PAPERTRADER_SIGNALS_SOURCE")
	setStr(&c.Signals.URL, "PAPERTRADER_SIGNALS_URL")

	setStr(&c.Gateway.Kind, "PAPERTRADER_GATEWAY_KIND")
	setInt(&c.Gateway.TimeoutMs, "PAPERTRADER_GATEWAY_TIMEOUT_MS")

	setStr(&c.Store.Kind, "PAPERTRADER_STORE_KIND")
	setStr(&c.Store.Dir, "PAPERTRADER_STORE_DIR")

	setStr(&c.Redis.Addr, "PAPERTRADER_REDIS_ADDR")
	setStr(&c.Redis.Password, "PAPERTRADER_REDIS_PASSWORD")
	setInt(&c.Redis.DB, "PAPERTRADER_REDIS_DB")
	setBool(&c.Redis.TLSEnabled, "PAPERTRADER_REDIS_TLS_ENABLED")
	setStr(&c.Redis.KeyPrefix, "PAPERTRADER_REDIS_KEY_PREFIX")

	setStr(&c.Audit.RedisStream, "PAPERTRADER_AUDIT_REDIS_STREAM")
	setStr(&c.Alerts.SlackWebhookURL, "PAPERTRADER_SLACK_WEBHOOK_URL")
	setStr(&c.Metrics.Addr, "PAPERTRADER_METRICS_ADDR")
}

// Validate returns the first configuration problem found.
func (c Root) Validate() error {
	switch c.Simulation.Strategy {
	case "conservative", "balanced", "aggressive":
	default:
		return fmt.Errorf("simulation.strategy: unknown strategy %q", c.Simulation.Strategy)
	}
	if c.Simulation.FeeRate < 0 || c.Simulation.FeeRate >= 0.05 {
		return fmt.Errorf("simulation.fee_rate: %.4f out of range [0, 0.05)", c.Simulation.FeeRate)
	}
	if c.Simulation.MinConfidence < 0 || c.Simulation.MinConfidence > 1 {
		return fmt.Errorf("simulation.min_confidence: %.2f out of range [0, 1]", c.Simulation.MinConfidence)
	}
	switch c.Store.Kind {
	case "file", "redis", "memory":
	default:
		return fmt.Errorf("store.kind: unknown store %q", c.Store.Kind)
	}
	switch c.Gateway.Kind {
	case "mock", "sim":
	default:
		return fmt.Errorf("gateway.kind: unknown gateway %q", c.Gateway.Kind)
	}
	switch c.Signals.Source {
	case "file":
	case "http":
		if c.Signals.URL == "" {
			return fmt.Errorf("signals.url: required when signals.source is http")
		}
	default:
		return fmt.Errorf("signals.source: unknown source %q", c.Signals.Source)
	}
	for _, r := range []float64{c.Gateway.ChaosNetworkRate, c.Gateway.ChaosRateLimitRate, c.Gateway.ChaosMalformedRate} {
		if r < 0 || r > 1 {
			return fmt.Errorf("gateway.chaos_*_rate: %.2f out of range [0, 1]", r)
		}
	}
	if c.Scheduler.MaxMultiplier < 1 {
		return fmt.Errorf("scheduler.max_multiplier: must be >= 1")
	}
	return nil
}

func (s Scheduler) BaseInterval() time.Duration {
	return time.Duration(s.BaseIntervalSecs) * time.Second
}

func (s Signals) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

func (g Gateway) Timeout() time.Duration {
	return time.Duration(g.TimeoutMs) * time.Millisecond
}

func setStr(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
