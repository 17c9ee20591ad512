package flow

import (
	"time"

	"authflow/internal/domain"
)

// Default budgets. Overridable via TrackerConfig; tuned against real
// provider login UIs, where a full credential form runs 3-5 actions.
const (
	DefaultMaxActionsPerPhase = 10
	DefaultMaxRetries         = 3
)

// TrackerConfig bounds a tracker's per-phase budgets.
type TrackerConfig struct {
	MaxActionsPerPhase int
	MaxRetries         int
}

// Tracker is the phase state machine for one provider attempt. It holds the
// ordered phase sequence, the current index, and phase-local action/retry
// counters. It is mutated only by the controller loop and is not safe for
// concurrent use; each attempt owns its own tracker.
type Tracker struct {
	phases     []domain.PhaseSpec
	index      int
	actions    int
	retries    int
	maxActions int
	maxRetries int
	history    []domain.PhaseEvent
	now        func() time.Time // for testing
}

// NewTracker creates a tracker over the given phase sequence.
func NewTracker(phases []domain.PhaseSpec, cfg TrackerConfig) *Tracker {
	if cfg.MaxActionsPerPhase <= 0 {
		cfg.MaxActionsPerPhase = DefaultMaxActionsPerPhase
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Tracker{
		phases:     phases,
		maxActions: cfg.MaxActionsPerPhase,
		maxRetries: cfg.MaxRetries,
		now:        time.Now,
	}
}

// Current returns the phase the attempt is sitting on. ok is false once the
// attempt is complete.
func (t *Tracker) Current() (domain.PhaseSpec, bool) {
	if t.index >= len(t.phases) {
		return domain.PhaseSpec{}, false
	}
	return t.phases[t.index], true
}

// Next is a non-mutating lookahead at the phase after the current one.
func (t *Tracker) Next() (domain.PhaseSpec, bool) {
	if t.index+1 >= len(t.phases) {
		return domain.PhaseSpec{}, false
	}
	return t.phases[t.index+1], true
}

// RecordAction increments the current phase's action counter and returns the
// new count. The caller checks it against MaxActions and treats reaching the
// cap as a fatal abort, not a retry.
func (t *Tracker) RecordAction() int {
	t.actions++
	return t.actions
}

// ActionsInPhase returns the number of actions executed in the current phase.
func (t *Tracker) ActionsInPhase() int { return t.actions }

// MaxActions returns the per-phase action ceiling.
func (t *Tracker) MaxActions() int { return t.maxActions }

// Retries returns the current phase's retry count.
func (t *Tracker) Retries() int { return t.retries }

// Advance records a success history entry for the current phase, moves to
// the next phase, and resets the phase-local counters. Returns false if the
// attempt is already complete.
func (t *Tracker) Advance() bool {
	if t.index >= len(t.phases) {
		return false
	}
	t.history = append(t.history, domain.PhaseEvent{
		Phase:            t.phases[t.index].Name,
		Timestamp:        t.now(),
		Success:          true,
		ActionsPerformed: t.actions,
	})
	t.index++
	t.actions = 0
	t.retries = 0
	return true
}

// Retry consumes one unit of the current phase's retry budget. It returns
// false exactly when the budget is exhausted, after recording a failure
// history entry; the caller must then abort the attempt.
func (t *Tracker) Retry(reason string) bool {
	t.retries++
	if t.retries >= t.maxRetries {
		phase := domain.Phase("")
		if t.index < len(t.phases) {
			phase = t.phases[t.index].Name
		}
		t.history = append(t.history, domain.PhaseEvent{
			Phase:            phase,
			Timestamp:        t.now(),
			Success:          false,
			ActionsPerformed: t.actions,
			Reason:           reason,
		})
		return false
	}
	return true
}

// IsComplete reports whether the attempt has advanced past the last phase.
// The loop exits after the final phase's own exit condition is verified and
// advanced past, not while sitting on it.
func (t *Tracker) IsComplete() bool { return t.index >= len(t.phases) }

// Reset restarts the whole attempt from the first phase, clearing counters
// and history. Used when a remediation was applied and the flow replays.
func (t *Tracker) Reset() {
	t.index = 0
	t.actions = 0
	t.retries = 0
	t.history = nil
}

// History returns a copy of the append-only phase event log. Reporting only;
// control logic never reads it.
func (t *Tracker) History() []domain.PhaseEvent {
	out := make([]domain.PhaseEvent, len(t.history))
	copy(out, t.history)
	return out
}
