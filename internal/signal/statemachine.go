// Package signal governs the lifecycle of the single in-flight trading signal.
package signal

import (
	"errors"
	"sync"
	"time"

	"github.com/Rajchodisetti/papertrader/internal/domain"
	"github.com/Rajchodisetti/papertrader/internal/observ"
)

// State is a lifecycle state. CLEARED and IDLE both accept a new signal.
type State string

const (
	StateIdle       State = "IDLE"
	StateGenerated  State = "GENERATED"
	StateProcessing State = "PROCESSING"
	StateExecuted   State = "EXECUTED"
	StateFailed     State = "FAILED"
	StateCleared    State = "CLEARED"
)

// Timeout reasons passed to observers on automatic failures.
const (
	ReasonGeneratedTimeout  = "generated_timeout"
	ReasonProcessingTimeout = "processing_timeout"
	ReasonForceClear        = "force_clear"
)

// ErrNotProcessing is returned by CommitExecution when the signal already left
// PROCESSING, usually through the processing timeout.
var ErrNotProcessing = errors.New("signal: no signal is processing")

// Timings are the automatic transition delays.
type Timings struct {
	GeneratedTimeout  time.Duration
	ProcessingTimeout time.Duration
	ExecutedClear     time.Duration // EXECUTED -> CLEARED
	ExecutedIdle      time.Duration // CLEARED -> IDLE after an execution
	FailedClear       time.Duration // FAILED -> CLEARED
	FailedIdle        time.Duration // CLEARED -> IDLE after a failure
}

// DefaultTimings returns the production delays.
func DefaultTimings() Timings {
	return Timings{
		GeneratedTimeout:  60 * time.Second,
		ProcessingTimeout: 30 * time.Second,
		ExecutedClear:     2 * time.Second,
		ExecutedIdle:      1 * time.Second,
		FailedClear:       5 * time.Second,
		FailedIdle:        3 * time.Second,
	}
}

// Transition is reported to observers after every state change.
type Transition struct {
	From   State          `json:"from"`
	To     State          `json:"to"`
	Signal *domain.Signal `json:"signal,omitempty"`
	Reason string         `json:"reason,omitempty"`
	At     time.Time      `json:"at"`
}

// TransitionObserver is called outside the machine's lock.
type TransitionObserver func(Transition)

// Snapshot is a read-only view for display.
type Snapshot struct {
	State           State          `json:"state"`
	Signal          *domain.Signal `json:"signal,omitempty"`
	ProcessingLock  bool           `json:"processing_lock"`
	LastStateChange time.Time      `json:"last_state_change"`
	FailureReason   string         `json:"failure_reason,omitempty"`
}

// StateMachine admits at most one signal at a time. It owns a single delayed
// task slot: arming a new task or any manual transition invalidates the
// pending one, so a stale timer never fires a transition.
type StateMachine struct {
	mu sync.Mutex

	state         State
	signal        *domain.Signal
	lock          bool
	lastChange    time.Time
	failureReason string

	timings Timings
	timer   *time.Timer
	gen     uint64

	observers []TransitionObserver
	now       func() time.Time
}

// NewStateMachine starts in IDLE.
func NewStateMachine(timings Timings) *StateMachine {
	return &StateMachine{
		state:      StateIdle,
		timings:    timings,
		lastChange: time.Now(),
		now:        time.Now,
	}
}

// Observe registers fn for every subsequent transition.
func (m *StateMachine) Observe(fn TransitionObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// GenerateSignal stores sig and moves to GENERATED. It returns false without
// side effects when a signal is already in flight.
func (m *StateMachine) GenerateSignal(sig domain.Signal) bool {
	m.mu.Lock()
	if m.lock || (m.state != StateIdle && m.state != StateCleared) {
		state := m.state
		m.mu.Unlock()
		observ.IncCounter("signal_rejections_total", map[string]string{"state": string(state)})
		return false
	}
	s := sig
	m.signal = &s
	m.failureReason = ""
	t := m.transition(StateGenerated, "")
	m.arm(m.timings.GeneratedTimeout, func() []Transition {
		if m.state != StateGenerated {
			return nil
		}
		return m.fail(ReasonGeneratedTimeout)
	})
	obs := m.observers
	m.mu.Unlock()

	notify(obs, t)
	return true
}

// StartProcessing takes the processing lock. Legal only from GENERATED.
func (m *StateMachine) StartProcessing() bool {
	m.mu.Lock()
	if m.state != StateGenerated {
		m.mu.Unlock()
		return false
	}
	m.lock = true
	t := m.transition(StateProcessing, "")
	m.arm(m.timings.ProcessingTimeout, func() []Transition {
		if m.state != StateProcessing {
			return nil
		}
		return m.fail(ReasonProcessingTimeout)
	})
	obs := m.observers
	m.mu.Unlock()

	notify(obs, t)
	return true
}

// MarkExecuted releases the lock and schedules CLEARED then IDLE.
func (m *StateMachine) MarkExecuted() bool {
	return m.CommitExecution(nil) == nil
}

// CommitExecution runs commit while holding the machine and moves to EXECUTED
// when it succeeds. No timeout can fire while commit runs. It returns
// ErrNotProcessing without calling commit when the signal is no longer
// PROCESSING. A commit error leaves the state unchanged for MarkFailed.
func (m *StateMachine) CommitExecution(commit func() error) error {
	m.mu.Lock()
	if m.state != StateProcessing {
		m.mu.Unlock()
		return ErrNotProcessing
	}
	if commit != nil {
		if err := commit(); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	m.lock = false
	t := m.transition(StateExecuted, "")
	m.scheduleClear(StateExecuted, m.timings.ExecutedClear, m.timings.ExecutedIdle)
	obs := m.observers
	m.mu.Unlock()

	observ.IncCounter("signals_executed_total", nil)
	notify(obs, t)
	return nil
}

// MarkFailed releases the lock and schedules CLEARED then IDLE. Legal only
// from PROCESSING; timeouts reach FAILED from GENERATED as well.
func (m *StateMachine) MarkFailed(reason string) bool {
	m.mu.Lock()
	if m.state != StateProcessing {
		m.mu.Unlock()
		return false
	}
	ts := m.fail(reason)
	obs := m.observers
	m.mu.Unlock()

	notify(obs, ts...)
	return true
}

// ForceClear resets to IDLE from any state and cancels any pending task.
func (m *StateMachine) ForceClear() {
	m.mu.Lock()
	m.cancel()
	m.lock = false
	m.signal = nil
	from := m.state
	t := m.transition(StateIdle, ReasonForceClear)
	obs := m.observers
	m.mu.Unlock()

	observ.Log("signal_force_cleared", map[string]any{"from": string(from)})
	notify(obs, t)
}

// Stop cancels any pending task without changing state.
func (m *StateMachine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancel()
}

// Snapshot returns the current state.
func (m *StateMachine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sig *domain.Signal
	if m.signal != nil {
		s := *m.signal
		sig = &s
	}
	return Snapshot{
		State:           m.state,
		Signal:          sig,
		ProcessingLock:  m.lock,
		LastStateChange: m.lastChange,
		FailureReason:   m.failureReason,
	}
}

// State returns the current state.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CanAccept reports whether GenerateSignal would succeed right now.
func (m *StateMachine) CanAccept() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.lock && (m.state == StateIdle || m.state == StateCleared)
}

// fail moves to FAILED and schedules the clear. Caller holds mu.
func (m *StateMachine) fail(reason string) []Transition {
	m.lock = false
	m.failureReason = reason
	t := m.transition(StateFailed, reason)
	m.scheduleClear(StateFailed, m.timings.FailedClear, m.timings.FailedIdle)
	observ.IncCounter("signals_failed_total", map[string]string{"reason": failureLabel(reason)})
	return []Transition{t}
}

// scheduleClear arms from -> CLEARED after clearAfter, then CLEARED -> IDLE
// after idleAfter. Caller holds mu.
func (m *StateMachine) scheduleClear(from State, clearAfter, idleAfter time.Duration) {
	m.arm(clearAfter, func() []Transition {
		if m.state != from {
			return nil
		}
		t := m.transition(StateCleared, "")
		m.arm(idleAfter, func() []Transition {
			if m.state != StateCleared {
				return nil
			}
			m.signal = nil
			return []Transition{m.transition(StateIdle, "")}
		})
		return []Transition{t}
	})
}

// arm replaces the pending task. The task runs with mu held and returns the
// transitions to report. Caller holds mu.
func (m *StateMachine) arm(d time.Duration, task func() []Transition) {
	m.cancel()
	gen := m.gen
	m.timer = time.AfterFunc(d, func() {
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.timer = nil
		ts := task()
		obs := m.observers
		m.mu.Unlock()
		notify(obs, ts...)
	})
}

// cancel invalidates the pending task. Caller holds mu.
func (m *StateMachine) cancel() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// transition records a state change. Caller holds mu.
func (m *StateMachine) transition(to State, reason string) Transition {
	t := Transition{From: m.state, To: to, Reason: reason, At: m.now().UTC()}
	if m.signal != nil {
		s := *m.signal
		t.Signal = &s
	}
	m.state = to
	m.lastChange = t.At
	observ.IncCounter("signal_transitions_total", map[string]string{"to": string(to)})
	return t
}

func notify(obs []TransitionObserver, ts ...Transition) {
	for _, t := range ts {
		for _, fn := range obs {
			fn(t)
		}
	}
}

// failureLabel keeps metric cardinality bounded.
func failureLabel(reason string) string {
	switch reason {
	case ReasonGeneratedTimeout, ReasonProcessingTimeout:
		return reason
	default:
		return "error"
	}
}
