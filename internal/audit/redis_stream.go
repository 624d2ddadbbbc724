package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// streamMaxLen is the approximate cap on the activity stream, enforced via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// RedisStreamSink appends events to a Redis stream so other processes (a
// dashboard, another tab) can follow the activity log.
type RedisStreamSink struct {
	rdb     *redis.Client
	stream  string
	timeout time.Duration
}

func NewRedisStreamSink(rdb *redis.Client, stream string) *RedisStreamSink {
	return &RedisStreamSink{rdb: rdb, stream: stream, timeout: 2 * time.Second}
}

func (s *RedisStreamSink) Record(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// Record is called from synchronous paths without a context.
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	args := &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":    ev.Type,
			"payload": payload,
		},
	}
	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", s.stream, err)
	}
	return nil
}

// ReadStream reads up to count events after lastID ("0" reads from the start).
func ReadStream(ctx context.Context, rdb *redis.Client, stream, lastID string, count int) ([]Event, string, error) {
	results, err := rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   int64(count),
		Block:   -1,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, lastID, nil
		}
		return nil, lastID, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}

	var events []Event
	cursor := lastID
	for _, st := range results {
		for _, msg := range st.Messages {
			cursor = msg.ID
			raw, ok := msg.Values["payload"]
			if !ok {
				continue
			}
			var data []byte
			switch v := raw.(type) {
			case string:
				data = []byte(v)
			case []byte:
				data = v
			default:
				continue
			}
			var ev Event
			if json.Unmarshal(data, &ev) == nil {
				events = append(events, ev)
			}
		}
	}
	return events, cursor, nil
}
