package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/papertrader/internal/adapters"
	"github.com/Rajchodisetti/papertrader/internal/audit"
	"github.com/Rajchodisetti/papertrader/internal/config"
	"github.com/Rajchodisetti/papertrader/internal/domain"
	"github.com/Rajchodisetti/papertrader/internal/engine"
	signals "github.com/Rajchodisetti/papertrader/internal/signal"
	"github.com/Rajchodisetti/papertrader/internal/store"
)

const stateKey = "test:simulation_state"

func newTestServer(t *testing.T) (*engine.Engine, *store.MemoryStore, *httptest.Server) {
	t.Helper()
	opts := engine.OptionsFromConfig(config.Default())
	opts.AutoMode = false
	producer := signals.StaticProducer{Signals: []domain.Signal{{
		AssetPair:           "BTC/USDT",
		Direction:           domain.DirectionBuy,
		SuggestedEntryPrice: domain.MarketPrice,
		Confidence:          0.9,
		Reasoning:           "breakout",
	}}}
	st := store.NewMemoryStore()
	eng := engine.New(opts, adapters.NewMockGateway(), st, stateKey, producer, nil)
	t.Cleanup(eng.Close)

	srv := httptest.NewServer(newMux(eng, adapters.NewGatewayHealth("mock"), audit.NewBroadcaster(10)))
	t.Cleanup(srv.Close)
	return eng, st, srv
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestAcceptEndpointExecutesPendingSignal(t *testing.T) {
	eng, st, srv := newTestServer(t)
	ctx := context.Background()
	_, err := eng.StartSimulation(ctx, 0, nil)
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/signals/accept", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "nothing pending yet")
	resp.Body.Close()

	require.NoError(t, eng.RunCycle(ctx))
	require.Equal(t, signals.StateGenerated, eng.StateMachine().State())

	resp, err = http.Post(srv.URL+"/signals/accept", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, string(signals.StateExecuted), body["state"])
	outcome := body["outcome"].(map[string]any)
	assert.Equal(t, true, outcome["executed"])

	data, err := st.Get(ctx, stateKey)
	require.NoError(t, err)
	var s domain.SimulationState
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Len(t, s.OpenPositions, 1)

	resp, err = http.Get(srv.URL + "/signals/accept")
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthzReportsStateDrift(t *testing.T) {
	eng, st, srv := newTestServer(t)
	ctx := context.Background()
	s, err := eng.StartSimulation(ctx, 0, nil)
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	details := body["details"].(map[string]any)
	assert.Empty(t, details["consistency"])

	// another writer replaces the record
	s.RealizedPnL = 99
	data, err := json.Marshal(s)
	require.NoError(t, err)
	require.NoError(t, st.Set(ctx, stateKey, data))

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	body = decode(t, resp)
	details = body["details"].(map[string]any)
	assert.Contains(t, details["consistency"], "checksum_drift")
}
