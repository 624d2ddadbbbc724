package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/Rajchodisetti/papertrader/internal/adapters"
	"github.com/Rajchodisetti/papertrader/internal/alerts"
	"github.com/Rajchodisetti/papertrader/internal/audit"
	"github.com/Rajchodisetti/papertrader/internal/config"
	"github.com/Rajchodisetti/papertrader/internal/engine"
	"github.com/Rajchodisetti/papertrader/internal/observ"
	signals "github.com/Rajchodisetti/papertrader/internal/signal"
	"github.com/Rajchodisetti/papertrader/internal/store"
)

func main() {
	var cfgPath string
	var cycles int
	var durationSeconds int
	var stopOnExit bool
	var serve bool
	flag.StringVar(&cfgPath, "config", "", "config path (defaults only when empty)")
	flag.IntVar(&cycles, "cycles", 0, "force this many cycles back to back, then exit (for CI)")
	flag.IntVar(&durationSeconds, "duration-seconds", 0, "stop after duration (0 runs until interrupted)")
	flag.BoolVar(&stopOnExit, "stop-on-exit", false, "stop the simulation and clear its state on exit")
	flag.BoolVar(&serve, "serve", true, "serve /metrics, /healthz and the /events stream")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if durationSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(durationSeconds)*time.Second)
		defer cancel()
	}

	st, rdb, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	recorder, err := openRecorder(cfg, rdb)
	if err != nil {
		log.Fatalf("open activity log: %v", err)
	}
	broadcaster := audit.NewBroadcaster(cfg.Audit.SSEBacklog)
	recorder.AddSink(broadcaster)
	if cfg.Alerts.SlackWebhookURL != "" {
		slack := alerts.NewSlackSink(alerts.SlackConfig{
			WebhookURL:    cfg.Alerts.SlackWebhookURL,
			Channel:       cfg.Alerts.SlackChannel,
			Events:        cfg.Alerts.Events,
			RatePerMinute: cfg.Alerts.RatePerMinute,
			DedupeWindow:  time.Duration(cfg.Alerts.DedupeSecs) * time.Second,
		})
		defer slack.Close()
		recorder.AddSink(slack)
	}

	gw, gwHealth, err := adapters.NewTrackedGateway(cfg.Gateway)
	if err != nil {
		log.Fatalf("gateway: %v", err)
	}

	var producer signals.Producer = signals.NewFileProducer(cfg.Signals.FixturePath)
	if cfg.Signals.Source == "http" {
		producer = signals.NewHTTPProducer(cfg.Signals.URL, cfg.Signals.Timeout())
	}
	eng := engine.New(engine.OptionsFromConfig(cfg), gw, st, cfg.Store.StateKey, producer, recorder)
	defer eng.Close()

	observ.Log("startup", map[string]any{
		"strategy":     cfg.Simulation.Strategy,
		"auto_mode":    cfg.Simulation.AutoMode,
		"gateway":      cfg.Gateway.Kind,
		"store":        cfg.Store.Kind,
		"journal":      cfg.Audit.JournalPath,
		"stream":       cfg.Audit.RedisStream,
		"signals":      cfg.Signals.Source,
		"slack_alerts": cfg.Alerts.SlackWebhookURL != "",
		"cycles":       cycles,
		"serve":        serve,
		"stop_on_exit": stopOnExit,
	})

	restored, err := eng.Restore(ctx)
	if err != nil {
		log.Fatalf("restore simulation: %v", err)
	}
	if !restored {
		if _, err := eng.StartSimulation(ctx, 0, nil); err != nil {
			log.Fatalf("start simulation: %v", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if serve {
		srv := &http.Server{
			Addr:    cfg.Metrics.Addr,
			Handler: newMux(eng, gwHealth, broadcaster),
			// /events streams end with the run instead of holding Shutdown open
			BaseContext: func(net.Listener) context.Context { return gctx },
		}
		g.Go(func() error {
			observ.Log("metrics_listen", map[string]any{"addr": cfg.Metrics.Addr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if cycles > 0 {
		g.Go(func() error {
			defer stop()
			for i := 0; i < cycles; i++ {
				if err := eng.Scheduler().ForceExecution(gctx); err != nil {
					observ.Warn("forced_cycle_failed", map[string]any{"cycle": i + 1, "error": err})
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		observ.Warn("shutdown_error", map[string]any{"error": err})
	}

	// ctx is done here; the final steps need their own deadline
	endCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	eng.Scheduler().Stop()
	if stopOnExit {
		final, err := eng.StopSimulation(endCtx)
		if err != nil {
			log.Fatalf("stop simulation: %v", err)
		}
		printSummary(final.CurrentPortfolioValue, final.StartPortfolioValue, final.RealizedPnL, len(final.OpenPositions), final.AutoTradeCount)
		return
	}
	if status, err := eng.Status(endCtx); err == nil && status.State != nil {
		s := status.State
		printSummary(s.CurrentPortfolioValue, s.StartPortfolioValue, s.RealizedPnL, len(s.OpenPositions), s.AutoTradeCount)
	}
}

func openStore(ctx context.Context, cfg config.Root) (store.Store, *redis.Client, error) {
	switch cfg.Store.Kind {
	case "memory":
		return store.NewMemoryStore(), nil, nil
	case "redis":
		rs, err := store.NewRedisStore(ctx, store.RedisConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Prefix:     cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return rs, rs.Client(), nil
	default:
		fs, err := store.NewFileStore(cfg.Store.Dir)
		if err != nil {
			return nil, nil, err
		}
		return fs, nil, nil
	}
}

// openRecorder always journals to disk; the Redis stream is added when
// configured, reusing the store's client when there is one.
func openRecorder(cfg config.Root, rdb *redis.Client) (*audit.Recorder, error) {
	journal, err := audit.NewJournal(cfg.Audit.JournalPath)
	if err != nil {
		return nil, err
	}
	recorder := audit.NewRecorder(journal)
	if cfg.Audit.RedisStream == "" {
		return recorder, nil
	}
	if rdb == nil {
		opts := &redis.Options{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			MaxRetries: cfg.Redis.MaxRetries,
		}
		if cfg.Redis.TLSEnabled {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		rdb = redis.NewClient(opts)
	}
	recorder.AddSink(audit.NewRedisStreamSink(rdb, cfg.Audit.RedisStream))
	return recorder, nil
}

func printSummary(value, start, realized float64, open, autoTrades int) {
	pct := 0.0
	if start > 0 {
		pct = (value - start) / start * 100
	}
	b, _ := json.Marshal(map[string]any{
		"portfolio_value": value,
		"start_value":     start,
		"pnl_pct":         pct,
		"realized_pnl":    realized,
		"open_positions":  open,
		"auto_trades":     autoTrades,
	})
	fmt.Println(string(b))
}
