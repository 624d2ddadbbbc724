package audit

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{ calls int }

func (f *failingSink) Record(Event) error {
	f.calls++
	return errors.New("sink down")
}

func TestRecorderFansOutAndSurvivesSinkErrors(t *testing.T) {
	bad := &failingSink{}
	mem := NewMemorySink()
	r := NewRecorder(bad, mem)

	ev := r.Emit(EventTradeExecuted, "corr-1", "momentum", map[string]any{"qty": 1.5})
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, 1, bad.calls)

	got := mem.Events()
	require.Len(t, got, 1)
	assert.Equal(t, ev.ID, got[0].ID)
	assert.Equal(t, "corr-1", got[0].CorrelationID)
}

func TestNilRecorderDropsEvents(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		ev := r.Emit(EventCycleCompleted, "", "no_signal", nil)
		assert.Equal(t, EventCycleCompleted, ev.Type)
	})
}

func TestAddSinkAndOfType(t *testing.T) {
	r := NewRecorder()
	mem := NewMemorySink()
	r.Emit(EventSignalTransition, "", "", nil)
	r.AddSink(mem)
	r.Emit(EventSignalTransition, "", "", nil)
	r.Emit(EventTradeFailed, "", "pricing", nil)

	assert.Len(t, mem.Events(), 2)
	assert.Len(t, mem.OfType(EventTradeFailed), 1)
	assert.Empty(t, mem.OfType(EventLiquidation))
}

func TestJournalRoundTripWithFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "activity.jsonl")
	j, err := NewJournal(path)
	require.NoError(t, err)
	r := NewRecorder(j)

	r.Emit(EventSimulationStarted, "", "", nil)
	for i := 0; i < 3; i++ {
		r.Emit(EventTradeExecuted, "", "", map[string]any{"n": i})
	}
	r.Emit(EventTradeFailed, "", "pricing", nil)

	all, err := ReadJournal(path, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 5)

	trades, err := ReadJournal(path, Filter{Types: []string{EventTradeExecuted}, Limit: 2})
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, 1.0, trades[0].Data["n"], "limit keeps the most recent")
	assert.Equal(t, 2.0, trades[1].Data["n"])

	future, err := ReadJournal(path, Filter{Since: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, future)
}

func TestReadJournalSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.jsonl")
	body := `{"id":"a","type":"trade_executed","timestamp":"2026-01-02T03:04:05Z"}
not json

{"id":"b","type":"trade_failed","timestamp":"2026-01-02T03:04:06Z"}
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	events, err := ReadJournal(path, Filter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].ID)
	assert.Equal(t, "b", events[1].ID)
}

func TestReadJournalMissingFile(t *testing.T) {
	events, err := ReadJournal(filepath.Join(t.TempDir(), "none.jsonl"), Filter{})
	assert.NoError(t, err)
	assert.Nil(t, events)
}

func TestApply(t *testing.T) {
	now := time.Now()
	events := []Event{
		{ID: "1", Type: EventTradeExecuted, Timestamp: now.Add(-2 * time.Hour)},
		{ID: "2", Type: EventTradeExecuted, Timestamp: now},
		{ID: "3", Type: EventLiquidation, Timestamp: now},
	}
	got := Apply(events, Filter{Types: []string{EventTradeExecuted}, Since: now.Add(-time.Hour)})
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].ID)
	assert.Len(t, Apply(events, Filter{}), 3)
}
