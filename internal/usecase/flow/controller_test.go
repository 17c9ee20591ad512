package flow

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authflow/internal/domain"
)

// fakeExecutor replays a scripted URL sequence: after the Nth successful or
// failed action the page URL becomes urls[N-1] (clamped to the last entry).
type fakeExecutor struct {
	urls     []string
	step     int
	failAt   map[int]string
	executed []domain.Action
	closed   bool
}

func (f *fakeExecutor) current() string {
	if f.step == 0 {
		return "about:blank"
	}
	i := f.step - 1
	if i >= len(f.urls) {
		i = len(f.urls) - 1
	}
	return f.urls[i]
}

func (f *fakeExecutor) CaptureState(context.Context) (*domain.BrowserState, error) {
	return &domain.BrowserState{Screenshot: []byte{0xff, 0xd8}, URL: f.current()}, nil
}

func (f *fakeExecutor) Execute(_ context.Context, a domain.Action) domain.ExecutionResult {
	f.step++
	f.executed = append(f.executed, a)
	if msg, ok := f.failAt[f.step]; ok {
		return domain.ExecutionResult{Success: false, ActionName: string(a.Kind()), Error: msg}
	}
	return domain.ExecutionResult{Success: true, ActionName: string(a.Kind())}
}

func (f *fakeExecutor) CurrentURL(context.Context) (string, error) { return f.current(), nil }

func (f *fakeExecutor) Close() error {
	f.closed = true
	return nil
}

type fakeProposer struct {
	action   domain.Action // nil = undecided on every call
	calls    int
	outcomes []string
	resets   int
}

func (p *fakeProposer) Propose(context.Context, []byte, string, domain.ProposalContext) (domain.Action, error) {
	p.calls++
	return p.action, nil
}

func (p *fakeProposer) ReportOutcome(_ domain.ExecutionResult, url string) {
	p.outcomes = append(p.outcomes, url)
}

func (p *fakeProposer) ResetMemory() { p.resets++ }

type fakeRemediator struct {
	applied int
	refuse  bool
}

func (r *fakeRemediator) Diagnose(context.Context, domain.RemediationContext) (*domain.Diagnostic, error) {
	return &domain.Diagnostic{RootCause: "redirect URI mismatch", Confidence: 0.9}, nil
}

func (r *fakeRemediator) ProposeFix(context.Context, *domain.Diagnostic) (*domain.FixPlan, error) {
	if r.refuse {
		return &domain.FixPlan{}, nil
	}
	return &domain.FixPlan{
		Changes: []domain.FixChange{{Path: "auth/config.ts", Content: "..."}},
		Summary: "register missing redirect URI",
	}, nil
}

func (r *fakeRemediator) ApplyFix(_ context.Context, plan *domain.FixPlan, approved bool) (*domain.FixOutcome, error) {
	if !approved {
		return nil, domain.ErrFixRejected
	}
	r.applied++
	return &domain.FixOutcome{Applied: []string{plan.Changes[0].Path}}, nil
}

type fakeStore struct {
	saved []domain.AttemptResult
}

func (s *fakeStore) Save(_ context.Context, r domain.AttemptResult) error {
	s.saved = append(s.saved, r)
	return nil
}

func (s *fakeStore) Get(context.Context, string) (*domain.AttemptResult, error) {
	return nil, domain.ErrResultNotFound
}

func (s *fakeStore) List(context.Context, int) ([]domain.AttemptResult, error) { return nil, nil }

func testDeps(exec *fakeExecutor, prop *fakeProposer) ControllerDeps {
	return ControllerDeps{
		Executor: exec,
		Proposer: prop,
		Verifier: NewVerifier(VerifierConfig{
			HomeDomain:     "app.example.com",
			ProviderDomain: "accounts.provider.com",
		}),
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		CaptureRetryDelay: time.Millisecond,
	}
}

func fullPhases() []domain.PhaseSpec {
	return []domain.PhaseSpec{
		{Name: domain.PhaseLanding},
		{Name: domain.PhaseProviderAuth, MinActions: 3},
		{Name: domain.PhaseCallback},
		{Name: domain.PhaseDashboard},
	}
}

func TestControllerHappyPath(t *testing.T) {
	exec := &fakeExecutor{urls: []string{
		"https://accounts.provider.com/signin",                       // landing: provider redirect started
		"https://accounts.provider.com/signin/identifier",            // provider_auth 1
		"https://accounts.provider.com/signin/challenge",             // provider_auth 2
		"https://app.example.com/api/auth/callback?code=4%2FwA&st=x", // provider_auth 3: back home
		"https://app.example.com/dashboard",                          // callback done
		"https://app.example.com/api-keys",                           // dashboard reached
	}}
	prop := &fakeProposer{action: domain.ClickAt{X: 500, Y: 500}}
	store := &fakeStore{}

	deps := testDeps(exec, prop)
	deps.Store = store
	result := NewController(deps).Run(context.Background(), ProviderSpec{
		Name:   "provider",
		Phases: fullPhases(),
	})

	assert.Equal(t, domain.AttemptPassed, result.Status)
	assert.Equal(t, domain.PhaseDashboard, result.FinalPhase)
	assert.NotEmpty(t, result.ID)

	require.Len(t, result.History, 4)
	for _, e := range result.History {
		assert.True(t, e.Success, "phase %s", e.Phase)
	}
	assert.Equal(t, 1, result.History[0].ActionsPerformed)
	assert.Equal(t, 3, result.History[1].ActionsPerformed)

	assert.True(t, exec.closed, "browser session must be released")
	require.Len(t, store.saved, 1)
	assert.Equal(t, result.ID, store.saved[0].ID)
	// Every executed action's outcome was fed back to the proposer.
	assert.Len(t, prop.outcomes, len(exec.executed))
}

func TestControllerBlockerShortCircuits(t *testing.T) {
	exec := &fakeExecutor{urls: []string{
		"https://accounts.provider.com/signin",
		"https://accounts.provider.com/signin/identifier",
		"https://accounts.provider.com/signin/challenge",
		"https://app.example.com/api/auth/callback",
		// Callback lands with a server-side linking error.
		"https://app.example.com/signin?error=OAuthAccountNotLinked",
	}}
	prop := &fakeProposer{action: domain.ClickAt{X: 500, Y: 500}}

	result := NewController(testDeps(exec, prop)).Run(context.Background(), ProviderSpec{
		Name:   "provider",
		Phases: fullPhases(),
	})

	assert.Equal(t, domain.AttemptBlocked, result.Status)
	assert.Equal(t, domain.PhaseCallback, result.FinalPhase)
	assert.Contains(t, result.Reason, "manual intervention")
	assert.Contains(t, result.Reason, "account linking")

	// The blocker terminated immediately: no retry-exhaustion entries, only
	// the two successful phases before it.
	require.Len(t, result.History, 2)
	assert.True(t, result.History[0].Success)
	assert.True(t, result.History[1].Success)
	assert.True(t, exec.closed)
}

func TestControllerActionBudgetGuard(t *testing.T) {
	// The URL never leaves the provider domain, so provider_auth can never
	// advance and the proposer keeps acting until the ceiling.
	exec := &fakeExecutor{urls: []string{"https://accounts.provider.com/signin/loop"}}
	prop := &fakeProposer{action: domain.ClickAt{X: 500, Y: 500}}

	deps := testDeps(exec, prop)
	deps.Tracker = TrackerConfig{MaxActionsPerPhase: 10}
	result := NewController(deps).Run(context.Background(), ProviderSpec{
		Name:   "provider",
		Phases: []domain.PhaseSpec{{Name: domain.PhaseProviderAuth, MinActions: 3}},
	})

	assert.Equal(t, domain.AttemptFailed, result.Status)
	assert.Contains(t, result.Reason, "exceeded max actions")
	assert.Equal(t, 10, result.ActionsInFinalPhase)
	assert.Len(t, exec.executed, 10)
	assert.True(t, exec.closed)
}

func TestControllerProposerUndecidedExhaustsRetries(t *testing.T) {
	exec := &fakeExecutor{urls: []string{"https://app.example.com/"}}
	prop := &fakeProposer{action: nil}

	deps := testDeps(exec, prop)
	deps.Tracker = TrackerConfig{MaxRetries: 3}
	result := NewController(deps).Run(context.Background(), ProviderSpec{
		Name:   "provider",
		Phases: fullPhases(),
	})

	assert.Equal(t, domain.AttemptFailed, result.Status)
	assert.Equal(t, domain.PhaseLanding, result.FinalPhase)
	// Undecided proposals never count as actions and never reach the browser.
	assert.Equal(t, 0, result.ActionsInFinalPhase)
	assert.Empty(t, exec.executed)
	assert.Equal(t, 3, prop.calls)
	assert.True(t, exec.closed)
}

func TestControllerRemediationRestarts(t *testing.T) {
	exec := &fakeExecutor{urls: []string{
		// First pass hits the blocker; after the fix the replayed callback
		// lands clean.
		"https://app.example.com/api/auth/callback?error=OAuthAccountNotLinked",
		"https://app.example.com/dashboard",
	}}
	prop := &fakeProposer{action: domain.ClickAt{X: 500, Y: 500}}
	rem := &fakeRemediator{}

	deps := testDeps(exec, prop)
	deps.Remediator = rem
	deps.AutoFix = true
	result := NewController(deps).Run(context.Background(), ProviderSpec{
		Name:   "provider",
		Phases: []domain.PhaseSpec{{Name: domain.PhaseCallback}},
	})

	assert.Equal(t, domain.AttemptPassed, result.Status)
	assert.Equal(t, 1, rem.applied)
	// The restart replays with clean proposer memory and tracker history.
	assert.Equal(t, 1, prop.resets)
	require.Len(t, result.History, 1)
	assert.True(t, result.History[0].Success)
}

func TestControllerRemediationWithoutAutoFixBlocks(t *testing.T) {
	exec := &fakeExecutor{urls: []string{
		"https://app.example.com/api/auth/callback?error=OAuthAccountNotLinked",
	}}
	prop := &fakeProposer{action: domain.ClickAt{X: 500, Y: 500}}
	rem := &fakeRemediator{}

	deps := testDeps(exec, prop)
	deps.Remediator = rem
	// AutoFix off: the remediator must never be invoked.
	result := NewController(deps).Run(context.Background(), ProviderSpec{
		Name:   "provider",
		Phases: []domain.PhaseSpec{{Name: domain.PhaseCallback}},
	})

	assert.Equal(t, domain.AttemptBlocked, result.Status)
	assert.Equal(t, 0, rem.applied)
}

func TestControllerRestartCap(t *testing.T) {
	// Every pass hits the blocker and every fix "applies", so only the
	// restart cap can stop the loop.
	exec := &fakeExecutor{urls: []string{
		"https://app.example.com/api/auth/callback?error=OAuthAccountNotLinked",
	}}
	prop := &fakeProposer{action: domain.ClickAt{X: 500, Y: 500}}
	rem := &fakeRemediator{}

	deps := testDeps(exec, prop)
	deps.Remediator = rem
	deps.AutoFix = true
	deps.MaxRestarts = 2
	result := NewController(deps).Run(context.Background(), ProviderSpec{
		Name:   "provider",
		Phases: []domain.PhaseSpec{{Name: domain.PhaseCallback}},
	})

	assert.Equal(t, domain.AttemptAborted, result.Status)
	assert.Contains(t, result.Reason, "restart")
	assert.Equal(t, 3, rem.applied) // initial pass + 2 restarts
}

func TestControllerFailedActionRetries(t *testing.T) {
	exec := &fakeExecutor{
		urls:   []string{"https://accounts.provider.com/signin"},
		failAt: map[int]string{1: "element not interactable"},
	}
	prop := &fakeProposer{action: domain.ClickAt{X: 500, Y: 500}}

	result := NewController(testDeps(exec, prop)).Run(context.Background(), ProviderSpec{
		Name:   "provider",
		Phases: []domain.PhaseSpec{{Name: domain.PhaseLanding}},
	})

	// First action fails and consumes a retry; the second lands on the
	// provider domain and the phase advances.
	assert.Equal(t, domain.AttemptPassed, result.Status)
	assert.Len(t, exec.executed, 2)
	require.Len(t, result.History, 1)
	assert.Equal(t, 1, result.History[0].ActionsPerformed)
}

func TestControllerCancelledContextAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := &fakeExecutor{urls: []string{"https://app.example.com/"}}
	prop := &fakeProposer{action: domain.ClickAt{X: 500, Y: 500}}

	result := NewController(testDeps(exec, prop)).Run(ctx, ProviderSpec{
		Name:   "provider",
		Phases: fullPhases(),
	})

	assert.Equal(t, domain.AttemptAborted, result.Status)
	assert.True(t, exec.closed)
}
