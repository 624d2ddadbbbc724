package observ

import (
	"encoding/json"
	"net/http"
	"time"
)

var startTime = time.Now()

// HealthReport is the body served by HealthHandler.
type HealthReport struct {
	Status    string         `json:"status"` // ok | degraded | failed
	Timestamp string         `json:"timestamp"`
	Uptime    string         `json:"uptime"`
	Details   map[string]any `json:"details,omitempty"`
}

// HealthFunc reports component status and details.
type HealthFunc func(r *http.Request) (status string, details map[string]any)

// HealthHandler serves fn's report as JSON. degraded maps to 206 and failed
// to 503 so load balancers can act on the status code alone.
func HealthHandler(fn HealthFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status, details := fn(r)
		if status == "" {
			status = "ok"
		}
		health := HealthReport{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			Details:   details,
		}

		code := http.StatusOK
		switch status {
		case "degraded":
			code = http.StatusPartialContent
		case "failed":
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(health)
	})
}
