package domain

import "time"

// Phase is a symbolic name for one step of a provider's expected sign-in
// progression. A provider's full sequence is fixed configuration; no phase
// repeats within one sequence.
type Phase string

// Well-known phases. The verifier applies a phase-specific exit policy to
// each; an unrecognized phase fails open with a warning.
const (
	PhaseLanding      Phase = "landing"
	PhaseEmailLogin   Phase = "email_login"
	PhaseProviderAuth Phase = "provider_auth"
	PhaseCallback     Phase = "callback"
	PhaseDashboard    Phase = "dashboard"
	PhaseSignout      Phase = "signout"
)

// PhaseSpec is the declarative definition of one phase in a provider's flow.
type PhaseSpec struct {
	Name Phase
	// MinActions gates URL-based advancement: the verifier returns WAIT
	// until at least this many actions have been executed in the phase.
	// Zero means no gate.
	MinActions int
	// SettleDelay is how long the controller waits after each executed
	// action before verifying, so redirects triggered by the action can
	// land. Phases known to trigger navigation set a longer delay.
	SettleDelay time.Duration
}

// VerifyStatus is the verifier's judgment of the current phase.
type VerifyStatus string

const (
	// StatusAdvance means the phase's exit condition is satisfied.
	StatusAdvance VerifyStatus = "advance"
	// StatusWait means expected mid-phase progress; loop again without
	// consuming the retry budget.
	StatusWait VerifyStatus = "wait"
	// StatusBlocker means a condition that ordinary retries can never
	// resolve: either fixable server-side (account linking) or requiring
	// out-of-band action (email verification).
	StatusBlocker VerifyStatus = "blocker_error"
	// StatusFail consumes one unit of the phase's retry budget.
	StatusFail VerifyStatus = "fail"
)

// Verdict is the verifier's result for one check.
type Verdict struct {
	Status VerifyStatus
	Reason string
}

// PhaseEvent is one entry of the tracker's append-only history, recorded on
// each terminal phase event (advance or exhausted-retries failure). It is
// reporting data only; control logic never reads it.
type PhaseEvent struct {
	Phase            Phase     `json:"phase"`
	Timestamp        time.Time `json:"timestamp"`
	Success          bool      `json:"success"`
	ActionsPerformed int       `json:"actions_performed"`
	Reason           string    `json:"reason,omitempty"`
}

// AttemptStatus is the terminal status of one provider attempt.
type AttemptStatus string

const (
	AttemptPassed  AttemptStatus = "passed"
	AttemptFailed  AttemptStatus = "failed"
	AttemptBlocked AttemptStatus = "blocked"
	AttemptAborted AttemptStatus = "aborted"
)

// AttemptResult is the structured per-attempt record produced at the
// controller's boundary and persisted for reporting.
type AttemptResult struct {
	ID                  string        `json:"id"`
	Provider            string        `json:"provider"`
	Status              AttemptStatus `json:"status"`
	FinalPhase          Phase         `json:"final_phase"`
	ActionsInFinalPhase int           `json:"actions_in_final_phase"`
	Reason              string        `json:"reason,omitempty"`
	History             []PhaseEvent  `json:"history"`
	StartedAt           time.Time     `json:"started_at"`
	FinishedAt          time.Time     `json:"finished_at"`
}

// Credentials holds the test account for one provider.
type Credentials struct {
	Username string
	Password string
}

// BrowserState is one observation of the live page.
type BrowserState struct {
	Screenshot []byte // JPEG
	URL        string
	Title      string
}

// ExecutionResult is the executor's report for one action. Action-level
// failures (unknown action, out-of-range coordinates, element not
// interactable) set Success false with a descriptive Error; they are never
// surfaced as Go errors.
type ExecutionResult struct {
	Success    bool   `json:"success"`
	ActionName string `json:"action_name"`
	Error      string `json:"error,omitempty"`
}

// ProposalContext is the non-visual context handed to the proposer along
// with each screenshot.
type ProposalContext struct {
	Phase       Phase
	URL         string
	Provider    string
	Credentials Credentials
}
