package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flags struct {
	mu     sync.Mutex
	active bool
	paused bool
}

func (f *flags) set(active, paused bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active, f.paused = active, paused
}

func (f *flags) status(ctx context.Context) (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, f.paused, nil
}

func fastConfig() Config {
	return Config{BaseInterval: 10 * time.Millisecond, MaxMultiplier: 3, SlowThreshold: time.Second, WindowSize: 10}
}

func TestSchedulerRunsWhileActive(t *testing.T) {
	f := &flags{active: true}
	var runs atomic.Int32
	s := New(fastConfig(), func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, f.status)
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, s.Stats().Running)
}

func TestSchedulerSelfCancelsWhenPaused(t *testing.T) {
	f := &flags{active: true}
	var runs atomic.Int32
	s := New(fastConfig(), func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, f.status)
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, 5*time.Millisecond)
	f.set(true, true)
	require.Eventually(t, func() bool { return !s.Stats().Running }, time.Second, 5*time.Millisecond)

	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no cycles after self-cancel")
}

func TestSchedulerSelfCancelsWhenInactive(t *testing.T) {
	f := &flags{active: false}
	var runs atomic.Int32
	s := New(fastConfig(), func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, f.status)
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return !s.Stats().Running }, time.Second, 5*time.Millisecond)
	assert.Zero(t, runs.Load())
}

func TestForceExecutionSkipsWhileBusy(t *testing.T) {
	f := &flags{active: true}
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	s := New(Config{BaseInterval: time.Hour}, func(ctx context.Context) error {
		entered <- struct{}{}
		<-release
		return nil
	}, f.status)

	done := make(chan error, 1)
	go func() { done <- s.ForceExecution(context.Background()) }()
	<-entered

	err := s.ForceExecution(context.Background())
	assert.ErrorIs(t, err, ErrBusy)
	assert.True(t, s.Stats().Executing)

	close(release)
	require.NoError(t, <-done)
	stats := s.Stats()
	assert.Equal(t, 1, stats.Runs)
	assert.Equal(t, 1, stats.Skips)
	assert.False(t, stats.Executing)
}

func TestForceExecutionReturnsTaskError(t *testing.T) {
	boom := errors.New("boom")
	s := New(Config{BaseInterval: time.Hour}, func(ctx context.Context) error { return boom }, (&flags{}).status)
	assert.ErrorIs(t, s.ForceExecution(context.Background()), boom)
	assert.Equal(t, 1, s.Stats().Runs)
}

func TestStopReleasesLock(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	s := New(Config{BaseInterval: time.Hour}, func(ctx context.Context) error {
		entered <- struct{}{}
		<-release
		return nil
	}, (&flags{active: true}).status)

	go func() { _ = s.ForceExecution(context.Background()) }()
	<-entered
	s.Stop()
	assert.False(t, s.Stats().Executing)
	close(release)
}

func TestAdaptiveInterval(t *testing.T) {
	tests := []struct {
		name      string
		durations []time.Duration
		want      time.Duration
	}{
		{"no samples", nil, 30 * time.Second},
		{"fast cycles", []time.Duration{time.Second, 2 * time.Second}, 30 * time.Second},
		{"exactly at threshold", []time.Duration{10 * time.Second}, 30 * time.Second},
		{"1.5x slow", []time.Duration{15 * time.Second}, 45 * time.Second},
		{"capped", []time.Duration{60 * time.Second}, 90 * time.Second},
		{"averaged", []time.Duration{10 * time.Second, 30 * time.Second}, 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(DefaultConfig(), func(ctx context.Context) error { return nil }, (&flags{}).status)
			s.durations = tt.durations
			assert.Equal(t, tt.want, s.Interval())
		})
	}
}

func TestDurationWindowIsBounded(t *testing.T) {
	cfg := fastConfig()
	cfg.WindowSize = 3
	s := New(cfg, func(ctx context.Context) error { return nil }, (&flags{}).status)
	for i := 0; i < 7; i++ {
		require.NoError(t, s.ForceExecution(context.Background()))
	}
	assert.Len(t, s.durations, 3)
	assert.Equal(t, 7, s.Stats().Runs)
}

func TestStartIsIdempotent(t *testing.T) {
	f := &flags{active: true}
	s := New(Config{BaseInterval: time.Hour}, func(ctx context.Context) error { return nil }, f.status)
	s.Start(context.Background())
	gen := s.gen
	s.Start(context.Background())
	assert.Equal(t, gen, s.gen, "second start must not re-arm")
	s.Stop()
	assert.False(t, s.Stats().Running)
}
