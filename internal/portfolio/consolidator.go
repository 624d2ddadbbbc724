package portfolio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Rajchodisetti/papertrader/internal/audit"
	"github.com/Rajchodisetti/papertrader/internal/domain"
	"github.com/Rajchodisetti/papertrader/internal/observ"
	"github.com/Rajchodisetti/papertrader/internal/store"
)

var (
	// ErrUpdateInFlight is returned when another AtomicUpdate has not finished.
	// Updates are rejected rather than queued; callers retry on their next cycle.
	ErrUpdateInFlight = errors.New("portfolio: another state update is in progress")
	// ErrInvalidState is returned when an update produces a structurally invalid state.
	ErrInvalidState = errors.New("portfolio: state failed consistency validation")
	// ErrStaleState is returned when the state an update was computed from is
	// no longer the persisted one. Callers reload and retry.
	ErrStaleState = errors.New("portfolio: update is based on a stale state")
	// ErrStateMissing is returned when there is no persisted state to update.
	ErrStateMissing = errors.New("portfolio: no persisted state to update")
)

// UpdateFunc derives the next state from the persisted one. It receives a
// private clone and may mutate it.
type UpdateFunc func(domain.SimulationState) (domain.SimulationState, error)

// UpdateResult reports the outcome of AtomicUpdate. On failure NewState is nil
// and the persisted record is untouched.
type UpdateResult struct {
	Success  bool
	NewState *domain.SimulationState
	Checksum string
	Err      error
}

// ConsistencyReport compares the last state this process wrote with what is
// currently persisted, to detect writers outside this consolidator.
type ConsistencyReport struct {
	Consistent        bool      `json:"consistent"`
	HasPersisted      bool      `json:"has_persisted"`
	HasLastKnownGood  bool      `json:"has_last_known_good"`
	LastKnownChecksum string    `json:"last_known_checksum"`
	PersistedChecksum string    `json:"persisted_checksum"`
	StoredChecksum    string    `json:"stored_checksum"`
	PersistedValid    bool      `json:"persisted_valid"`
	LastUpdate        time.Time `json:"last_update"`
	LastDescription   string    `json:"last_description"`
	Issues            []string  `json:"issues"`
}

// Consolidator is the only writer of the persisted SimulationState.
type Consolidator struct {
	store    store.Store
	key      string
	recorder *audit.Recorder

	// syncing is the sync lock: one update in flight at a time
	syncing atomic.Bool

	mu              sync.RWMutex
	lastKnownGood   *domain.SimulationState
	lastChecksum    string
	lastUpdate      time.Time
	lastDescription string
}

// NewConsolidator persists under key in st.
func NewConsolidator(st store.Store, key string) *Consolidator {
	return &Consolidator{store: st, key: key}
}

// SetRecorder sends repairs and discards to the activity log.
func (c *Consolidator) SetRecorder(r *audit.Recorder) {
	c.recorder = r
}

func (c *Consolidator) checksumKey() string {
	return c.key + ":checksum"
}

// AtomicUpdate applies fn to a clone of current, validates, checksums and
// persists the result. It rejects immediately when another update is running,
// and with ErrStaleState when current is not the persisted record.
func (c *Consolidator) AtomicUpdate(ctx context.Context, current domain.SimulationState, fn UpdateFunc, description string) UpdateResult {
	return c.update(ctx, current, fn, description, true)
}

func (c *Consolidator) update(ctx context.Context, current domain.SimulationState, fn UpdateFunc, description string, checkBase bool) UpdateResult {
	if !c.syncing.CompareAndSwap(false, true) {
		observ.IncCounter("state_updates_total", map[string]string{"result": "rejected_in_flight"})
		observ.Warn("state_update_rejected", map[string]any{
			"description": description,
			"reason":      "in_flight",
		})
		return UpdateResult{Err: ErrUpdateInFlight}
	}
	defer c.syncing.Store(false)

	if checkBase {
		if err := c.checkBase(ctx, current); err != nil {
			result := "stale"
			if errors.Is(err, ErrStateMissing) {
				result = "missing"
			}
			observ.IncCounter("state_updates_total", map[string]string{"result": result})
			observ.Warn("state_update_rejected", map[string]any{
				"description": description,
				"reason":      result,
				"error":       err,
			})
			return UpdateResult{Err: fmt.Errorf("%s: %w", description, err)}
		}
	}

	start := time.Now()
	next, err := fn(current.Clone())
	if err != nil {
		observ.IncCounter("state_updates_total", map[string]string{"result": "update_fn_error"})
		observ.Log("state_update_failed", map[string]any{
			"description": description,
			"error":       err,
		})
		return UpdateResult{Err: fmt.Errorf("%s: %w", description, err)}
	}
	if next.Version == 0 {
		next.Version = domain.SchemaVersion
	}

	if problem := validationProblem(&next); problem != "" {
		observ.IncCounter("state_updates_total", map[string]string{"result": "invalid"})
		observ.Warn("state_update_invalid", map[string]any{
			"description": description,
			"problem":     problem,
		})
		return UpdateResult{Err: fmt.Errorf("%w: %s", ErrInvalidState, problem)}
	}

	sum, err := c.write(ctx, next)
	if err != nil {
		observ.IncCounter("state_updates_total", map[string]string{"result": "storage_error"})
		observ.Log("state_update_storage_error", map[string]any{
			"description": description,
			"error":       err,
		})
		return UpdateResult{Err: err}
	}

	c.remember(next, sum, description)

	observ.IncCounter("state_updates_total", map[string]string{"result": "success"})
	observ.RecordDuration("state_update_duration", time.Since(start), nil)
	observ.Log("state_updated", map[string]any{
		"description":     description,
		"checksum":        sum[:12],
		"open_positions":  len(next.OpenPositions),
		"portfolio_value": next.CurrentPortfolioValue,
	})

	out := next.Clone()
	return UpdateResult{Success: true, NewState: &out, Checksum: sum}
}

// Persist validates and writes s as-is, replacing whatever is stored. Used to
// seed a new simulation; it shares the sync lock with AtomicUpdate.
func (c *Consolidator) Persist(ctx context.Context, s domain.SimulationState, description string) UpdateResult {
	return c.update(ctx, s, func(st domain.SimulationState) (domain.SimulationState, error) {
		return st, nil
	}, description, false)
}

// checkBase compares current with the persisted record. Both sides are
// decoded and re-encoded so the comparison does not depend on byte layout.
func (c *Consolidator) checkBase(ctx context.Context, current domain.SimulationState) error {
	data, err := c.store.Get(ctx, c.key)
	if errors.Is(err, store.ErrNotFound) {
		return ErrStateMissing
	}
	if err != nil {
		return fmt.Errorf("failed to read persisted state: %w", err)
	}
	var persisted domain.SimulationState
	if err := json.Unmarshal(data, &persisted); err != nil {
		return fmt.Errorf("%w: persisted record is unreadable", ErrStaleState)
	}

	have, err := Checksum(normalized(persisted))
	if err != nil {
		return err
	}
	want, err := Checksum(normalized(current))
	if err != nil {
		return err
	}
	if have != want {
		c.mu.RLock()
		external := c.lastChecksum != "" && c.lastChecksum != checksumBytes(data)
		c.mu.RUnlock()
		if external {
			observ.Warn("state_external_write_detected", map[string]any{"key": c.key})
		}
		return ErrStaleState
	}
	return nil
}

func normalized(s domain.SimulationState) domain.SimulationState {
	if s.Version == 0 {
		s.Version = domain.SchemaVersion
	}
	return s
}

// write marshals once so the checksum covers exactly the persisted bytes.
func (c *Consolidator) write(ctx context.Context, s domain.SimulationState) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal simulation state: %w", err)
	}
	sum := checksumBytes(data)

	if err := c.store.Set(ctx, c.key, data); err != nil {
		return "", fmt.Errorf("failed to persist simulation state: %w", err)
	}
	// The checksum key is advisory; the state record alone is authoritative.
	if err := c.store.Set(ctx, c.checksumKey(), []byte(sum)); err != nil {
		observ.Warn("state_checksum_write_failed", map[string]any{"error": err})
	}
	return sum, nil
}

func (c *Consolidator) remember(s domain.SimulationState, sum, description string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := s.Clone()
	c.lastKnownGood = &snap
	c.lastChecksum = sum
	c.lastUpdate = time.Now()
	c.lastDescription = description
}

// LastKnownGood returns a copy of the last state this consolidator persisted.
func (c *Consolidator) LastKnownGood() (domain.SimulationState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastKnownGood == nil {
		return domain.SimulationState{}, false
	}
	return c.lastKnownGood.Clone(), true
}

// Load reads the persisted state without repair. Returns store.ErrNotFound when absent.
func (c *Consolidator) Load(ctx context.Context) (domain.SimulationState, error) {
	data, err := c.store.Get(ctx, c.key)
	if err != nil {
		return domain.SimulationState{}, err
	}
	var s domain.SimulationState
	if err := json.Unmarshal(data, &s); err != nil {
		return domain.SimulationState{}, fmt.Errorf("failed to unmarshal simulation state: %w", err)
	}
	return s, nil
}

// LoadStateWithRepair loads the persisted state, repairing it when structural
// validation fails. A record that cannot be repaired is discarded and
// (nil, nil) is returned, the same as when nothing was persisted.
func (c *Consolidator) LoadStateWithRepair(ctx context.Context, currentValueHint *float64) (*domain.SimulationState, error) {
	data, err := c.store.Get(ctx, c.key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load simulation state: %w", err)
	}

	s, strict, err := decodeState(data)
	if err != nil {
		c.discard(ctx, "undecodable", err)
		return nil, nil
	}
	if s.Version > domain.SchemaVersion {
		// A newer writer may have added fields this build would silently drop.
		c.discard(ctx, fmt.Sprintf("schema_version_%d_unsupported", s.Version), nil)
		return nil, nil
	}

	if strict && ValidateStateConsistency(&s) {
		if s.Version == 0 {
			s.Version = domain.SchemaVersion
		}
		c.remember(s, checksumBytes(data), "load")
		return &s, nil
	}

	problem := validationProblem(&s)
	repaired, fixes := repairState(s, currentValueHint)
	if !ValidateStateConsistency(&repaired) {
		c.discard(ctx, validationProblem(&repaired), nil)
		return nil, nil
	}

	sum, err := c.write(ctx, repaired)
	if err != nil {
		return nil, err
	}
	c.remember(repaired, sum, "repair")
	observ.IncCounter("state_repairs_total", map[string]string{"result": "repaired"})
	observ.Warn("state_repaired", map[string]any{
		"problem":      problem,
		"strict_parse": strict,
		"fixes":        fixes,
	})
	c.recorder.Emit(audit.EventStateRepaired, "", problem, map[string]any{
		"result": "repaired",
		"fixes":  fixes,
	})
	return &repaired, nil
}

func (c *Consolidator) discard(ctx context.Context, reason string, cause error) {
	observ.IncCounter("state_repairs_total", map[string]string{"result": "discarded"})
	kv := map[string]any{"reason": reason, "key": c.key}
	if cause != nil {
		kv["error"] = cause
	}
	observ.Critical("state_discarded", kv)
	c.recorder.Emit(audit.EventStateRepaired, "", reason, map[string]any{"result": "discarded"})

	if err := c.store.Remove(ctx, c.key); err != nil {
		observ.Warn("state_discard_remove_failed", map[string]any{"error": err})
	}
	_ = c.store.Remove(ctx, c.checksumKey())

	c.mu.Lock()
	c.lastKnownGood = nil
	c.lastChecksum = ""
	c.mu.Unlock()
}

// Clear removes the persisted state. Called when a simulation stops.
func (c *Consolidator) Clear(ctx context.Context) error {
	if !c.syncing.CompareAndSwap(false, true) {
		return ErrUpdateInFlight
	}
	defer c.syncing.Store(false)

	if err := c.store.Remove(ctx, c.key); err != nil {
		return fmt.Errorf("failed to clear simulation state: %w", err)
	}
	_ = c.store.Remove(ctx, c.checksumKey())

	c.mu.Lock()
	c.lastKnownGood = nil
	c.lastChecksum = ""
	c.lastDescription = "clear"
	c.lastUpdate = time.Now()
	c.mu.Unlock()

	observ.Log("state_cleared", map[string]any{"key": c.key})
	return nil
}

// ConsistencyReport detects drift between what this process last wrote and
// the persisted record (for example another writer on the same store).
func (c *Consolidator) ConsistencyReport(ctx context.Context) (ConsistencyReport, error) {
	c.mu.RLock()
	report := ConsistencyReport{
		HasLastKnownGood:  c.lastKnownGood != nil,
		LastKnownChecksum: c.lastChecksum,
		LastUpdate:        c.lastUpdate,
		LastDescription:   c.lastDescription,
		Issues:            []string{},
	}
	c.mu.RUnlock()

	data, err := c.store.Get(ctx, c.key)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return report, fmt.Errorf("failed to read persisted state: %w", err)
	default:
		report.HasPersisted = true
		report.PersistedChecksum = checksumBytes(data)
		var s domain.SimulationState
		if json.Unmarshal(data, &s) == nil {
			report.PersistedValid = ValidateStateConsistency(&s)
		}
	}

	if stored, err := c.store.Get(ctx, c.checksumKey()); err == nil {
		report.StoredChecksum = string(stored)
	}

	if report.HasPersisted && !report.PersistedValid {
		report.Issues = append(report.Issues, "persisted_state_invalid")
	}
	if report.HasPersisted != report.HasLastKnownGood {
		report.Issues = append(report.Issues, "presence_mismatch")
	}
	if report.HasPersisted && report.HasLastKnownGood && report.PersistedChecksum != report.LastKnownChecksum {
		report.Issues = append(report.Issues, "checksum_drift")
	}
	if report.HasPersisted && report.StoredChecksum != "" && report.StoredChecksum != report.PersistedChecksum {
		report.Issues = append(report.Issues, "stored_checksum_mismatch")
	}
	report.Consistent = len(report.Issues) == 0

	if !report.Consistent {
		observ.Warn("state_consistency_drift", map[string]any{"issues": report.Issues})
	}
	return report, nil
}

// Busy reports whether an update currently holds the sync lock.
func (c *Consolidator) Busy() bool {
	return c.syncing.Load()
}
