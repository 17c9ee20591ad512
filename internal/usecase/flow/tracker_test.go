package flow

import (
	"testing"
	"time"

	"authflow/internal/domain"
)

func testPhases() []domain.PhaseSpec {
	return []domain.PhaseSpec{
		{Name: domain.PhaseLanding},
		{Name: domain.PhaseProviderAuth, MinActions: 3},
		{Name: domain.PhaseCallback},
		{Name: domain.PhaseDashboard},
	}
}

func TestTrackerAdvanceIsMonotonic(t *testing.T) {
	tr := NewTracker(testPhases(), TrackerConfig{})

	seen := []domain.Phase{}
	for {
		spec, ok := tr.Current()
		if !ok {
			break
		}
		seen = append(seen, spec.Name)
		tr.Advance()
	}

	want := []domain.Phase{domain.PhaseLanding, domain.PhaseProviderAuth, domain.PhaseCallback, domain.PhaseDashboard}
	if len(seen) != len(want) {
		t.Fatalf("visited %d phases, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("phase %d: got %s, want %s", i, seen[i], want[i])
		}
	}
	if !tr.IsComplete() {
		t.Error("expected complete after advancing past the last phase")
	}
}

func TestTrackerNotCompleteOnLastPhase(t *testing.T) {
	tr := NewTracker(testPhases(), TrackerConfig{})
	for i := 0; i < len(testPhases())-1; i++ {
		tr.Advance()
	}
	// Sitting on the final phase is not completion; only advancing past it is.
	if tr.IsComplete() {
		t.Fatal("complete while still on the last phase")
	}
	tr.Advance()
	if !tr.IsComplete() {
		t.Fatal("not complete after advancing past the last phase")
	}
	if tr.Advance() {
		t.Error("Advance past completion should return false")
	}
}

func TestTrackerAdvanceResetsCounters(t *testing.T) {
	tr := NewTracker(testPhases(), TrackerConfig{})
	tr.RecordAction()
	tr.RecordAction()
	tr.Retry("transient")

	if tr.ActionsInPhase() != 2 || tr.Retries() != 1 {
		t.Fatalf("precondition: actions=%d retries=%d", tr.ActionsInPhase(), tr.Retries())
	}
	tr.Advance()
	if tr.ActionsInPhase() != 0 {
		t.Errorf("actions not reset on advance: %d", tr.ActionsInPhase())
	}
	if tr.Retries() != 0 {
		t.Errorf("retries not reset on advance: %d", tr.Retries())
	}
}

func TestTrackerRetryExhaustionBoundary(t *testing.T) {
	tr := NewTracker(testPhases(), TrackerConfig{MaxRetries: 3})

	if !tr.Retry("one") {
		t.Fatal("retry 1 should succeed")
	}
	if !tr.Retry("two") {
		t.Fatal("retry 2 should succeed")
	}
	// Third consumption hits the budget exactly.
	if tr.Retry("three") {
		t.Fatal("retry 3 should exhaust the budget")
	}

	h := tr.History()
	if len(h) != 1 {
		t.Fatalf("expected exactly one failure history entry, got %d", len(h))
	}
	if h[0].Success {
		t.Error("exhaustion entry should record failure")
	}
	if h[0].Reason != "three" {
		t.Errorf("exhaustion entry reason = %q, want %q", h[0].Reason, "three")
	}
}

func TestTrackerHistoryRecordsAdvance(t *testing.T) {
	tr := NewTracker(testPhases(), TrackerConfig{})
	fixed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return fixed }

	tr.RecordAction()
	tr.RecordAction()
	tr.Advance()

	h := tr.History()
	if len(h) != 1 {
		t.Fatalf("expected one history entry, got %d", len(h))
	}
	e := h[0]
	if e.Phase != domain.PhaseLanding || !e.Success || e.ActionsPerformed != 2 || !e.Timestamp.Equal(fixed) {
		t.Errorf("unexpected entry: %+v", e)
	}
}

func TestTrackerReset(t *testing.T) {
	tr := NewTracker(testPhases(), TrackerConfig{})
	tr.RecordAction()
	tr.Advance()
	tr.RecordAction()

	tr.Reset()

	spec, ok := tr.Current()
	if !ok || spec.Name != domain.PhaseLanding {
		t.Errorf("expected reset to first phase, at %v", spec.Name)
	}
	if tr.ActionsInPhase() != 0 || tr.Retries() != 0 || len(tr.History()) != 0 {
		t.Error("expected all counters and history cleared")
	}
}

func TestTrackerNextLookahead(t *testing.T) {
	tr := NewTracker(testPhases(), TrackerConfig{})
	next, ok := tr.Next()
	if !ok || next.Name != domain.PhaseProviderAuth {
		t.Errorf("Next = %v, want provider_auth", next.Name)
	}
	// Lookahead must not move the tracker.
	cur, _ := tr.Current()
	if cur.Name != domain.PhaseLanding {
		t.Errorf("Next moved the tracker to %s", cur.Name)
	}

	for range testPhases() {
		tr.Advance()
	}
	if _, ok := tr.Next(); ok {
		t.Error("Next should report no phase after completion")
	}
}

func TestTrackerDefaultBudgets(t *testing.T) {
	tr := NewTracker(testPhases(), TrackerConfig{})
	if tr.MaxActions() != DefaultMaxActionsPerPhase {
		t.Errorf("MaxActions = %d, want %d", tr.MaxActions(), DefaultMaxActionsPerPhase)
	}
}
