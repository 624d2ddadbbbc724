package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Rajchodisetti/papertrader/internal/audit"
	"github.com/Rajchodisetti/papertrader/internal/config"
)

// replay prints the activity log: either the JSONL journal on disk or the
// Redis stream, filtered by type and age, with a per-type tally at the end.
func main() {
	log.SetFlags(0)
	var cfgPath, types, source string
	var sinceMinutes, limit int
	flag.StringVar(&cfgPath, "config", "", "config path")
	flag.StringVar(&source, "source", "journal", "journal | stream")
	flag.StringVar(&types, "types", "", "comma separated event types (empty for all)")
	flag.IntVar(&sinceMinutes, "since-minutes", 0, "only events from the last N minutes")
	flag.IntVar(&limit, "limit", 0, "only the last N matching events")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	filter := audit.Filter{Limit: limit}
	if types != "" {
		for _, t := range strings.Split(types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.Types = append(filter.Types, t)
			}
		}
	}
	if sinceMinutes > 0 {
		filter.Since = time.Now().Add(-time.Duration(sinceMinutes) * time.Minute)
	}

	var events []audit.Event
	switch source {
	case "journal":
		events, err = audit.ReadJournal(cfg.Audit.JournalPath, filter)
	case "stream":
		events, err = readStream(cfg, filter)
	default:
		log.Fatalf("unknown source %q", source)
	}
	if err != nil {
		log.Fatalf("read %s: %v", source, err)
	}

	enc := json.NewEncoder(os.Stdout)
	tally := map[string]int{}
	for _, ev := range events {
		tally[ev.Type]++
		if err := enc.Encode(ev); err != nil {
			log.Fatalf("encode: %v", err)
		}
	}

	keys := make([]string, 0, len(tally))
	for k := range tally {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(os.Stderr, "%-20s %d\n", k, tally[k])
	}
}

func readStream(cfg config.Root, filter audit.Filter) ([]audit.Event, error) {
	if cfg.Audit.RedisStream == "" {
		return nil, fmt.Errorf("audit.redis_stream is not configured")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out []audit.Event
	lastID := "0"
	for {
		batch, next, err := audit.ReadStream(ctx, rdb, cfg.Audit.RedisStream, lastID, 500)
		if err != nil {
			return nil, err
		}
		out = append(out, audit.Apply(batch, filter)...)
		if next == lastID {
			break
		}
		lastID = next
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}
