package domain

import "context"

// ActionExecutor performs typed actions against a live browser page.
type ActionExecutor interface {
	// CaptureState returns a screenshot plus the current URL and title.
	// It may return ErrNavigating while the page is mid-transition; callers
	// retry once after a short delay.
	CaptureState(ctx context.Context) (*BrowserState, error)
	// Execute performs one action. Action-level failures are reported in
	// the result, not as errors.
	Execute(ctx context.Context, action Action) ExecutionResult
	// CurrentURL returns the active page URL without a screenshot.
	CurrentURL(ctx context.Context) (string, error)
	// Close releases the underlying browser session.
	Close() error
}

// ActionProposer inspects a screenshot and proposes one action toward the
// given goal. It keeps its own multi-turn memory across calls.
type ActionProposer interface {
	// Propose returns one action, or nil when the proposer cannot decide.
	// Errors are true transport/API failures only.
	Propose(ctx context.Context, screenshot []byte, goal string, pctx ProposalContext) (Action, error)
	// ReportOutcome feeds the executed action's ground-truth result and the
	// resulting URL back into the proposer's memory. Fire-and-forget.
	ReportOutcome(result ExecutionResult, currentURL string)
	// ResetMemory clears multi-turn memory between independent attempts.
	ResetMemory()
}

// RemediationContext carries the evidence handed to the remediator.
type RemediationContext struct {
	Screenshot  []byte
	ErrorInfo   string
	PageURL     string
	NetworkLogs []string
}

// Diagnostic is the remediator's root-cause analysis.
type Diagnostic struct {
	RootCause      string   `json:"root_cause"`
	Confidence     float64  `json:"confidence"`
	Evidence       []string `json:"evidence,omitempty"`
	FixSuggestions []string `json:"fix_suggestions,omitempty"`
}

// FixChange is one proposed file modification.
type FixChange struct {
	Path        string `json:"path"`
	Content     string `json:"content"`
	Description string `json:"description,omitempty"`
}

// FixPlan is a concrete set of changes proposed to resolve a diagnostic.
type FixPlan struct {
	Changes          []FixChange `json:"changes"`
	Risk             string      `json:"risk"`
	RequiresApproval bool        `json:"requires_approval"`
	Summary          string      `json:"summary"`
}

// FixOutcome reports which proposed changes were applied.
type FixOutcome struct {
	Applied []string `json:"applied"`
	Failed  []string `json:"failed"`
}

// Remediator diagnoses blocker conditions and proposes/applies fixes.
type Remediator interface {
	Diagnose(ctx context.Context, rc RemediationContext) (*Diagnostic, error)
	ProposeFix(ctx context.Context, d *Diagnostic) (*FixPlan, error)
	// ApplyFix applies the plan only when approved is true; otherwise it
	// returns ErrFixRejected so the caller can surface the plan.
	ApplyFix(ctx context.Context, plan *FixPlan, approved bool) (*FixOutcome, error)
}

// ResultStore persists per-attempt results for downstream reporting.
type ResultStore interface {
	Save(ctx context.Context, result AttemptResult) error
	Get(ctx context.Context, id string) (*AttemptResult, error)
	List(ctx context.Context, limit int) ([]AttemptResult, error)
}
