// Package audit records the activity log: every signal transition, trade,
// risk rejection and liquidation. Recording is one-way; a failing sink never
// changes control flow.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/papertrader/internal/observ"
)

// Event types
const (
	EventSignalTransition  = "signal_transition"
	EventSignalRejected    = "signal_rejected"
	EventTradeExecuted     = "trade_executed"
	EventTradeFailed       = "trade_failed"
	EventRiskRejection     = "risk_rejection"
	EventPositionClosed    = "position_closed"
	EventLiquidation       = "liquidation"
	EventCircuitBreaker    = "circuit_breaker"
	EventSimulationStarted = "simulation_started"
	EventSimulationStopped = "simulation_stopped"
	EventSimulationPaused  = "simulation_paused"
	EventSimulationResumed = "simulation_resumed"
	EventStateRepaired     = "state_repaired"
	EventCycleCompleted    = "cycle_completed"
)

// Event is one activity log entry.
type Event struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Type          string         `json:"type"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// Sink receives events. Implementations must not block for long.
type Sink interface {
	Record(Event) error
}

// Recorder stamps events and fans them out to every sink.
type Recorder struct {
	mu    sync.RWMutex
	sinks []Sink
}

func NewRecorder(sinks ...Sink) *Recorder {
	return &Recorder{sinks: sinks}
}

// AddSink attaches another sink at runtime.
func (r *Recorder) AddSink(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
}

// Emit builds and records an event. A nil Recorder drops events, which keeps
// components usable in tests without wiring an activity log.
func (r *Recorder) Emit(eventType, correlationID, reason string, data map[string]any) Event {
	ev := Event{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Type:          eventType,
		CorrelationID: correlationID,
		Reason:        reason,
		Data:          data,
	}
	if r == nil {
		return ev
	}

	r.mu.RLock()
	sinks := r.sinks
	r.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Record(ev); err != nil {
			observ.IncCounter("audit_sink_errors_total", map[string]string{"event_type": eventType})
		}
	}
	observ.IncCounter("audit_events_total", map[string]string{"event_type": eventType})
	return ev
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Record(ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of everything recorded so far.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// OfType filters recorded events by type.
func (m *MemorySink) OfType(eventType string) []Event {
	var out []Event
	for _, ev := range m.Events() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
