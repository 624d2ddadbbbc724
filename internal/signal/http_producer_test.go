package signal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/papertrader/internal/domain"
)

func portfolioContext() PortfolioContext {
	return PortfolioContext{
		State:    domain.SimulationState{CurrentPortfolioValue: 10000},
		Strategy: "balanced",
	}
}

func TestHTTPProducerFollowsCursor(t *testing.T) {
	var (
		mu      sync.Mutex
		queries []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.RawQuery)
		mu.Unlock()
		assert.Equal(t, "balanced", r.URL.Query().Get("strategy"))
		assert.Equal(t, "10000.00", r.URL.Query().Get("portfolio_value"))
		if r.URL.Query().Get("cursor") == "c1" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"cursor":"c1","signals":[
			{"assetPair":"BTC/USDT","direction":"BUY","confidence":0.8},
			{"assetPair":"","direction":"BUY"}
		]}`))
	}))
	defer srv.Close()

	p := NewHTTPProducer(srv.URL, time.Second)
	sigs, err := p.Produce(context.Background(), portfolioContext())
	require.NoError(t, err)
	require.Len(t, sigs, 1, "invalid entries skipped")
	assert.Equal(t, "BTC/USDT", sigs[0].AssetPair)
	assert.Equal(t, "c1", p.Cursor())

	sigs, err = p.Produce(context.Background(), portfolioContext())
	require.NoError(t, err)
	assert.Empty(t, sigs)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, queries, 2)
	assert.Contains(t, queries[1], "cursor=c1")
}

func TestHTTPProducerErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantConfig bool
	}{
		{"not found", http.StatusNotFound, "", true},
		{"server error", http.StatusBadGateway, "", false},
		{"malformed", http.StatusOK, "{", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPProducer(srv.URL, time.Second).Produce(context.Background(), portfolioContext())
			require.Error(t, err)
			assert.Equal(t, tt.wantConfig, errors.Is(err, ErrConfigInvalid))
		})
	}
}

func TestHTTPProducerWithoutURL(t *testing.T) {
	_, err := NewHTTPProducer("", 0).Produce(context.Background(), portfolioContext())
	assert.ErrorIs(t, err, ErrConfigInvalid)
}
