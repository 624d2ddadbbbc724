package signal

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/papertrader/internal/domain"
)

func fastTimings() Timings {
	return Timings{
		GeneratedTimeout:  60 * time.Millisecond,
		ProcessingTimeout: 40 * time.Millisecond,
		ExecutedClear:     20 * time.Millisecond,
		ExecutedIdle:      10 * time.Millisecond,
		FailedClear:       25 * time.Millisecond,
		FailedIdle:        15 * time.Millisecond,
	}
}

func slowTimings() Timings {
	return Timings{
		GeneratedTimeout:  time.Hour,
		ProcessingTimeout: time.Hour,
		ExecutedClear:     time.Hour,
		ExecutedIdle:      time.Hour,
		FailedClear:       time.Hour,
		FailedIdle:        time.Hour,
	}
}

var btcBuy = domain.Signal{AssetPair: "BTC/USDT", Direction: domain.DirectionBuy, SuggestedEntryPrice: domain.MarketPrice, Confidence: 0.7}

type recorder struct {
	mu sync.Mutex
	ts []Transition
}

func (r *recorder) observe(t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ts = append(r.ts, t)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.ts))
	for i, t := range r.ts {
		out[i] = t.To
	}
	return out
}

func TestAtMostOneSignalInFlight(t *testing.T) {
	m := NewStateMachine(slowTimings())
	defer m.Stop()

	assert.True(t, m.GenerateSignal(btcBuy))
	assert.False(t, m.GenerateSignal(btcBuy), "second generate without processing must be rejected")
	assert.Equal(t, StateGenerated, m.State())

	require.True(t, m.StartProcessing())
	assert.False(t, m.GenerateSignal(btcBuy), "rejected while processing")
	assert.True(t, m.Snapshot().ProcessingLock)
}

func TestIllegalTransitions(t *testing.T) {
	m := NewStateMachine(slowTimings())
	defer m.Stop()

	assert.False(t, m.StartProcessing(), "nothing generated")
	assert.False(t, m.MarkExecuted())
	assert.False(t, m.MarkFailed("x"))

	require.True(t, m.GenerateSignal(btcBuy))
	assert.False(t, m.MarkExecuted(), "must process first")
	assert.False(t, m.MarkFailed("x"), "manual failure only from PROCESSING")

	require.True(t, m.StartProcessing())
	assert.False(t, m.StartProcessing())
	require.True(t, m.MarkExecuted())
	assert.False(t, m.MarkFailed("late"))
	assert.False(t, m.GenerateSignal(btcBuy), "EXECUTED is not ready")
}

func TestExecutedAutoClearsThenIdles(t *testing.T) {
	m := NewStateMachine(fastTimings())
	defer m.Stop()
	rec := &recorder{}
	m.Observe(rec.observe)

	require.True(t, m.GenerateSignal(btcBuy))
	require.True(t, m.StartProcessing())
	require.True(t, m.MarkExecuted())
	assert.False(t, m.Snapshot().ProcessingLock)

	require.Eventually(t, func() bool { return m.State() == StateIdle }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []State{StateGenerated, StateProcessing, StateExecuted, StateCleared, StateIdle}, rec.states())
	assert.Nil(t, m.Snapshot().Signal)
}

func TestFailedAutoClearsThenIdles(t *testing.T) {
	m := NewStateMachine(fastTimings())
	defer m.Stop()
	rec := &recorder{}
	m.Observe(rec.observe)

	require.True(t, m.GenerateSignal(btcBuy))
	require.True(t, m.StartProcessing())
	require.True(t, m.MarkFailed("pricing"))

	snap := m.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, "pricing", snap.FailureReason)
	assert.False(t, snap.ProcessingLock)

	require.Eventually(t, func() bool { return m.State() == StateIdle }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []State{StateGenerated, StateProcessing, StateFailed, StateCleared, StateIdle}, rec.states())
}

func TestProcessingTimeoutFails(t *testing.T) {
	m := NewStateMachine(fastTimings())
	defer m.Stop()
	rec := &recorder{}
	m.Observe(rec.observe)

	require.True(t, m.GenerateSignal(btcBuy))
	require.True(t, m.StartProcessing())

	failedReason := func() string {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		for _, tr := range rec.ts {
			if tr.To == StateFailed {
				return tr.Reason
			}
		}
		return ""
	}
	require.Eventually(t, func() bool { return failedReason() != "" }, time.Second, 2*time.Millisecond)
	reason := failedReason()
	assert.Equal(t, ReasonProcessingTimeout, reason)
	assert.False(t, m.Snapshot().ProcessingLock)
}

func TestGeneratedTimeoutFails(t *testing.T) {
	m := NewStateMachine(fastTimings())
	defer m.Stop()

	require.True(t, m.GenerateSignal(btcBuy))
	require.Eventually(t, func() bool { return m.Snapshot().FailureReason == ReasonGeneratedTimeout }, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return m.State() == StateIdle }, time.Second, 5*time.Millisecond)
}

func TestManualTransitionCancelsPendingTimer(t *testing.T) {
	tm := fastTimings()
	tm.GeneratedTimeout = 20 * time.Millisecond
	tm.ProcessingTimeout = time.Hour
	m := NewStateMachine(tm)
	defer m.Stop()

	require.True(t, m.GenerateSignal(btcBuy))
	require.True(t, m.StartProcessing())

	// the generated timeout would have fired by now if it were still armed
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateProcessing, m.State())
	require.True(t, m.MarkExecuted())
}

func TestForceClear(t *testing.T) {
	m := NewStateMachine(slowTimings())
	defer m.Stop()

	require.True(t, m.GenerateSignal(btcBuy))
	require.True(t, m.StartProcessing())

	m.ForceClear()
	snap := m.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.False(t, snap.ProcessingLock)
	assert.Nil(t, snap.Signal)
	assert.True(t, m.CanAccept())
	assert.True(t, m.GenerateSignal(btcBuy))
}

func TestClearedAcceptsNewSignal(t *testing.T) {
	tm := fastTimings()
	tm.ExecutedIdle = time.Hour
	m := NewStateMachine(tm)
	defer m.Stop()

	require.True(t, m.GenerateSignal(btcBuy))
	require.True(t, m.StartProcessing())
	require.True(t, m.MarkExecuted())
	require.Eventually(t, func() bool { return m.State() == StateCleared }, time.Second, 2*time.Millisecond)

	assert.True(t, m.GenerateSignal(btcBuy))
	assert.Equal(t, StateGenerated, m.State())
}

func TestCommitExecutionAfterTimeoutSkipsCommit(t *testing.T) {
	m := NewStateMachine(fastTimings())
	defer m.Stop()

	require.True(t, m.GenerateSignal(btcBuy))
	require.True(t, m.StartProcessing())
	require.Eventually(t, func() bool { return m.State() != StateProcessing }, time.Second, 2*time.Millisecond)

	called := false
	err := m.CommitExecution(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrNotProcessing)
	assert.False(t, called)
	assert.Equal(t, ReasonProcessingTimeout, m.Snapshot().FailureReason)
}

func TestCommitExecutionHoldsOffTimeout(t *testing.T) {
	m := NewStateMachine(fastTimings())
	defer m.Stop()
	rec := &recorder{}
	m.Observe(rec.observe)

	require.True(t, m.GenerateSignal(btcBuy))
	require.True(t, m.StartProcessing())

	// the commit outlasts the 40ms processing timeout
	err := m.CommitExecution(func() error {
		time.Sleep(80 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []State{StateGenerated, StateProcessing, StateExecuted}, rec.states()[:3])
	assert.Empty(t, m.Snapshot().FailureReason)
}

func TestCommitExecutionErrorKeepsProcessing(t *testing.T) {
	m := NewStateMachine(slowTimings())
	defer m.Stop()

	require.True(t, m.GenerateSignal(btcBuy))
	require.True(t, m.StartProcessing())

	boom := errors.New("store down")
	assert.ErrorIs(t, m.CommitExecution(func() error { return boom }), boom)
	assert.Equal(t, StateProcessing, m.State())
	require.True(t, m.MarkFailed("persist_failed"))
}
