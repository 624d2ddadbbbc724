// Package scheduler runs the trading cycle on an adaptive timer.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Rajchodisetti/papertrader/internal/observ"
)

// ErrBusy is returned by ForceExecution while a cycle is running.
var ErrBusy = errors.New("scheduler: cycle already running")

// Task is one cycle.
type Task func(ctx context.Context) error

// StatusFunc reads the persisted activity flags.
type StatusFunc func(ctx context.Context) (active, paused bool, err error)

// Config controls the adaptive interval.
type Config struct {
	BaseInterval  time.Duration
	MaxMultiplier float64       // interval never exceeds BaseInterval * MaxMultiplier
	SlowThreshold time.Duration // average cycle time above this stretches the interval
	WindowSize    int           // cycle durations kept for the average
}

// DefaultConfig is 30s base, 3x cap, 10s slow threshold, 10 samples.
func DefaultConfig() Config {
	return Config{
		BaseInterval:  30 * time.Second,
		MaxMultiplier: 3,
		SlowThreshold: 10 * time.Second,
		WindowSize:    10,
	}
}

// Stats is a read-only view of the scheduler.
type Stats struct {
	Running     bool          `json:"running"`
	Executing   bool          `json:"executing"`
	Interval    time.Duration `json:"interval"`
	AvgDuration time.Duration `json:"avg_duration"`
	Runs        int           `json:"runs"`
	Skips       int           `json:"skips"`
	LastRun     time.Time     `json:"last_run"`
}

// Scheduler runs Task periodically while the simulation is active and not
// paused. At most one cycle runs at a time; overlapping ticks are skipped.
type Scheduler struct {
	cfg    Config
	task   Task
	status StatusFunc

	executing atomic.Bool

	mu        sync.Mutex
	running   bool
	ctx       context.Context
	timer     *time.Timer
	gen       uint64
	durations []time.Duration
	runs      int
	skips     int
	lastRun   time.Time
}

func New(cfg Config, task Task, status StatusFunc) *Scheduler {
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = DefaultConfig().BaseInterval
	}
	if cfg.MaxMultiplier < 1 {
		cfg.MaxMultiplier = 1
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	return &Scheduler{cfg: cfg, task: task, status: status}
}

// Start arms the first tick one interval from now. Starting a running
// scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.ctx = ctx
	s.scheduleLocked()
	observ.Log("scheduler_started", map[string]any{"interval_ms": s.intervalLocked().Milliseconds()})
}

// Stop clears the timer and releases the execution lock unconditionally.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.cancelLocked()
	s.mu.Unlock()

	s.executing.Store(false)
	if wasRunning {
		observ.Log("scheduler_stopped", nil)
	}
}

// ForceExecution runs the task now through the same lock as scheduled ticks.
func (s *Scheduler) ForceExecution(ctx context.Context) error {
	return s.execute(ctx, "forced")
}

// Interval returns the current adaptive interval.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intervalLocked()
}

// Stats returns counters for display.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Running:     s.running,
		Executing:   s.executing.Load(),
		Interval:    s.intervalLocked(),
		AvgDuration: s.averageLocked(),
		Runs:        s.runs,
		Skips:       s.skips,
		LastRun:     s.lastRun,
	}
}

func (s *Scheduler) scheduleLocked() {
	s.cancelLocked()
	gen := s.gen
	s.timer = time.AfterFunc(s.intervalLocked(), func() { s.tick(gen) })
}

func (s *Scheduler) cancelLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) tick(gen uint64) {
	s.mu.Lock()
	if !s.running || s.gen != gen {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	if ctx.Err() != nil {
		s.Stop()
		return
	}

	// flags may have changed since this tick was scheduled
	active, paused, err := s.status(ctx)
	if err != nil {
		observ.Warn("scheduler_status_failed", map[string]any{"error": err})
	} else if !active || paused {
		s.mu.Lock()
		if s.gen == gen {
			s.running = false
			s.cancelLocked()
		}
		s.mu.Unlock()
		observ.Log("scheduler_self_cancelled", map[string]any{"active": active, "paused": paused})
		return
	} else if err := s.execute(ctx, "scheduled"); err != nil && !errors.Is(err, ErrBusy) {
		observ.Warn("scheduler_cycle_failed", map[string]any{"error": err})
	}

	s.mu.Lock()
	if s.running && s.gen == gen {
		s.scheduleLocked()
	}
	s.mu.Unlock()
}

func (s *Scheduler) execute(ctx context.Context, trigger string) error {
	if !s.executing.CompareAndSwap(false, true) {
		s.mu.Lock()
		s.skips++
		s.mu.Unlock()
		observ.IncCounter("scheduler_ticks_skipped_total", map[string]string{"trigger": trigger})
		return ErrBusy
	}
	defer s.executing.Store(false)

	start := time.Now()
	err := s.task(ctx)
	d := time.Since(start)

	s.mu.Lock()
	s.durations = append(s.durations, d)
	if len(s.durations) > s.cfg.WindowSize {
		s.durations = s.durations[len(s.durations)-s.cfg.WindowSize:]
	}
	s.runs++
	s.lastRun = start
	interval := s.intervalLocked()
	s.mu.Unlock()

	observ.RecordDuration("scheduler_cycle", d, map[string]string{"trigger": trigger})
	observ.SetGauge("scheduler_interval_seconds", interval.Seconds(), nil)
	return err
}

func (s *Scheduler) averageLocked() time.Duration {
	if len(s.durations) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range s.durations {
		total += d
	}
	return total / time.Duration(len(s.durations))
}

// intervalLocked stretches the base interval linearly with how far the
// average cycle exceeds the slow threshold, capped at MaxMultiplier.
func (s *Scheduler) intervalLocked() time.Duration {
	avg := s.averageLocked()
	if s.cfg.SlowThreshold <= 0 || avg <= s.cfg.SlowThreshold {
		return s.cfg.BaseInterval
	}
	mult := float64(avg) / float64(s.cfg.SlowThreshold)
	if mult > s.cfg.MaxMultiplier {
		mult = s.cfg.MaxMultiplier
	}
	return time.Duration(float64(s.cfg.BaseInterval) * mult)
}
