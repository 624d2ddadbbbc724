package observ

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var (
	outMu sync.Mutex
	out   io.Writer = os.Stdout
)

// SetOutput redirects structured logs. Tests use it to capture events.
func SetOutput(w io.Writer) {
	outMu.Lock()
	defer outMu.Unlock()
	if w == nil {
		w = os.Stdout
	}
	out = w
}

// Log writes a single JSON line with the event name and timestamp merged into kv.
func Log(event string, kv map[string]any) {
	line := make(map[string]any, len(kv)+2)
	for k, v := range kv {
		if err, ok := v.(error); ok {
			line[k] = err.Error()
			continue
		}
		line[k] = v
	}
	line["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	line["event"] = event
	b, err := json.Marshal(line)
	if err != nil {
		b, _ = json.Marshal(map[string]any{"event": event, "marshal_error": err.Error()})
	}

	outMu.Lock()
	defer outMu.Unlock()
	fmt.Fprintln(out, string(b))
}

// Warn logs with level=warn
func Warn(event string, kv map[string]any) {
	Log(event, withLevel(kv, "warn"))
}

// Critical logs with level=critical. Used for consistency failures that discard state.
func Critical(event string, kv map[string]any) {
	Log(event, withLevel(kv, "critical"))
}

func withLevel(kv map[string]any, level string) map[string]any {
	m := make(map[string]any, len(kv)+1)
	for k, v := range kv {
		m[k] = v
	}
	m["level"] = level
	return m
}
