package observ

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(nil) })
	return &buf
}

func TestLogWritesOneJSONLine(t *testing.T) {
	buf := captureLog(t)
	Log("trade_executed", map[string]any{"qty": 0.5, "error": errors.New("boom")})

	line := strings.TrimSpace(buf.String())
	require.NotContains(t, line, "\n")
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &got))
	assert.Equal(t, "trade_executed", got["event"])
	assert.Equal(t, 0.5, got["qty"])
	assert.Equal(t, "boom", got["error"], "errors are logged by message")
	_, err := time.Parse(time.RFC3339Nano, got["ts"].(string))
	assert.NoError(t, err)
}

func TestWarnAndCriticalAddLevel(t *testing.T) {
	buf := captureLog(t)
	kv := map[string]any{"reason": "x"}
	Warn("w", kv)
	Critical("c", nil)
	assert.NotContains(t, kv, "level", "caller map untouched")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var w, c map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &w))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &c))
	assert.Equal(t, "warn", w["level"])
	assert.Equal(t, "critical", c["level"])
}

func findMetric(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	families, err := Gatherer().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func TestCounterAndGauge(t *testing.T) {
	IncCounter("observ_test_events_total", map[string]string{"kind": "a"})
	IncCounterBy("observ_test_events_total", map[string]string{"kind": "a"}, 2)
	SetGauge("observ_test_value", 7.5, nil)

	f := findMetric(t, "papertrader_observ_test_events_total")
	require.NotNil(t, f)
	require.Len(t, f.GetMetric(), 1)
	assert.Equal(t, 3.0, f.GetMetric()[0].GetCounter().GetValue())

	g := findMetric(t, "papertrader_observ_test_value")
	require.NotNil(t, g)
	assert.Equal(t, 7.5, g.GetMetric()[0].GetGauge().GetValue())
}

func TestLabelMismatchIsDropped(t *testing.T) {
	IncCounter("observ_test_mismatch_total", map[string]string{"a": "1"})
	assert.NotPanics(t, func() {
		IncCounter("observ_test_mismatch_total", map[string]string{"b": "1"})
	})
	f := findMetric(t, "papertrader_observ_label_mismatch_total")
	require.NotNil(t, f)
	assert.GreaterOrEqual(t, f.GetMetric()[0].GetCounter().GetValue(), 1.0)
}

func TestRecordDurationObservesMilliseconds(t *testing.T) {
	RecordDuration("observ_test_op", 250*time.Millisecond, nil)
	f := findMetric(t, "papertrader_observ_test_op_ms")
	require.NotNil(t, f)
	h := f.GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(1), h.GetSampleCount())
	assert.Equal(t, 250.0, h.GetSampleSum())
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	tests := []struct {
		status string
		code   int
	}{
		{"", http.StatusOK},
		{"ok", http.StatusOK},
		{"degraded", http.StatusPartialContent},
		{"failed", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			h := HealthHandler(func(r *http.Request) (string, map[string]any) {
				return tt.status, map[string]any{"active": true}
			})
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tt.code, rec.Code)
			var body HealthReport
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			if tt.status == "" {
				assert.Equal(t, "ok", body.Status)
			} else {
				assert.Equal(t, tt.status, body.Status)
			}
			assert.Equal(t, true, body.Details["active"])
		})
	}
}

func TestMetricsHandlerServesText(t *testing.T) {
	IncCounter("observ_test_scrape_total", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "papertrader_observ_test_scrape_total")
}
