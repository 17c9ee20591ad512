package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"authflow/internal/domain"
	"authflow/internal/infra/tracer"
)

// DefaultMaxRestarts bounds how many times a remediation may reset and
// replay the whole attempt, so fix-retry cycles cannot loop forever.
const DefaultMaxRestarts = 2

const defaultCaptureRetryDelay = 2 * time.Second

// ProviderSpec is the fixed configuration of one provider's flow test.
type ProviderSpec struct {
	Name        string
	StartURL    string
	Phases      []domain.PhaseSpec
	Credentials domain.Credentials
}

// ControllerDeps holds injected dependencies for the controller.
type ControllerDeps struct {
	Executor   domain.ActionExecutor
	Proposer   domain.ActionProposer
	Remediator domain.Remediator  // optional, nil = no remediation
	Store      domain.ResultStore // optional, nil = no persistence
	Verifier   *Verifier
	Logger     *slog.Logger

	Tracker TrackerConfig
	// MaxRestarts caps full reset-and-replay cycles after applied fixes.
	MaxRestarts int
	// AutoFix enables applying remediation fixes without manual approval.
	AutoFix bool
	// CaptureRetryDelay is the pause before the single retry of a capture
	// that failed with a transient navigation error.
	CaptureRetryDelay time.Duration
}

// Controller runs one complete attempt for one provider: capture state,
// request an action, execute it, verify the transition, and advance, retry,
// or fail. One action is in flight at a time; the loop is not reentrant.
type Controller struct {
	deps ControllerDeps
}

// NewController creates a controller with the given dependencies.
func NewController(deps ControllerDeps) *Controller {
	if deps.MaxRestarts <= 0 {
		deps.MaxRestarts = DefaultMaxRestarts
	}
	if deps.CaptureRetryDelay <= 0 {
		deps.CaptureRetryDelay = defaultCaptureRetryDelay
	}
	return &Controller{deps: deps}
}

// Run executes the attempt to completion or terminal failure and returns a
// structured result. It never returns an error for flow-level failures;
// those are encoded in the result status so one provider's failure cannot
// abort a batch. The browser session is released on every exit path.
func (c *Controller) Run(ctx context.Context, provider ProviderSpec) *domain.AttemptResult {
	ctx, span := tracer.StartSpan(ctx, "flow.run",
		trace.WithAttributes(tracer.StringAttr("provider", provider.Name)),
	)
	defer span.End()

	result := &domain.AttemptResult{
		ID:        ulid.Make().String(),
		Provider:  provider.Name,
		StartedAt: time.Now(),
	}

	defer func() {
		if err := c.deps.Executor.Close(); err != nil {
			c.deps.Logger.Warn("browser close failed", "provider", provider.Name, "error", err)
		}
	}()

	tracker := NewTracker(provider.Phases, c.deps.Tracker)

	var status domain.AttemptStatus
	var reason string
	for restart := 0; ; restart++ {
		var restartWanted bool
		status, reason, restartWanted = c.runAttempt(ctx, tracker, provider)
		if !restartWanted {
			break
		}
		if restart >= c.deps.MaxRestarts {
			status = domain.AttemptAborted
			reason = fmt.Sprintf("%v after %d restarts", domain.ErrRestartCap, restart)
			break
		}
		// A fix was applied: replay the whole flow with clean state so
		// stale proposer memory from the failed attempt cannot leak in.
		c.deps.Logger.Info("fix applied, restarting attempt",
			"provider", provider.Name, "restart", restart+1)
		tracker.Reset()
		c.deps.Proposer.ResetMemory()
	}

	c.finish(result, tracker, status, reason)
	if status == domain.AttemptPassed {
		tracer.SetOK(span)
	} else {
		tracer.RecordError(span, fmt.Errorf("%s: %s", status, reason))
	}
	c.deps.Logger.Info("attempt finished",
		"provider", provider.Name,
		"status", result.Status,
		"final_phase", result.FinalPhase,
		"actions_in_final_phase", result.ActionsInFinalPhase,
		"reason", result.Reason,
	)

	if c.deps.Store != nil {
		if err := c.deps.Store.Save(ctx, *result); err != nil {
			c.deps.Logger.Warn("result save failed", "id", result.ID, "error", err)
		}
	}
	return result
}

// runAttempt drives a single attempt over the tracker's phases. It returns
// the terminal status and reason, and whether the caller should reset and
// replay after an applied fix.
func (c *Controller) runAttempt(ctx context.Context, tracker *Tracker, provider ProviderSpec) (domain.AttemptStatus, string, bool) {
	if provider.StartURL != "" {
		res := c.deps.Executor.Execute(ctx, domain.Navigate{URL: provider.StartURL})
		if !res.Success {
			return domain.AttemptAborted, fmt.Sprintf("open %s: %s", provider.StartURL, res.Error), false
		}
	}

	for !tracker.IsComplete() {
		if err := ctx.Err(); err != nil {
			return domain.AttemptAborted, err.Error(), false
		}

		spec, _ := tracker.Current()

		state, err := c.captureState(ctx)
		if err != nil {
			if !tracker.Retry("capture failed: " + err.Error()) {
				return domain.AttemptFailed, fmt.Sprintf("phase %s: repeated capture failures: %v", spec.Name, err), false
			}
			continue
		}

		pctx := domain.ProposalContext{
			Phase:       spec.Name,
			URL:         state.URL,
			Provider:    provider.Name,
			Credentials: provider.Credentials,
		}
		action, err := c.deps.Proposer.Propose(ctx, state.Screenshot, phaseGoal(spec.Name, provider), pctx)
		if err != nil || action == nil {
			detail := domain.ErrProposerNoAction.Error()
			if err != nil {
				detail = "proposer error: " + err.Error()
			}
			c.deps.Logger.Warn("no action proposed", "provider", provider.Name, "phase", spec.Name, "detail", detail)
			if !tracker.Retry(detail) {
				return domain.AttemptFailed, fmt.Sprintf("phase %s: %s", spec.Name, detail), false
			}
			continue
		}

		res := c.deps.Executor.Execute(ctx, action)

		// Re-read the URL after the action so the proposer's memory and the
		// verifier both see ground truth, not the pre-action page.
		url := c.currentURL(ctx, state.URL)
		c.deps.Proposer.ReportOutcome(res, url)

		if !res.Success {
			c.deps.Logger.Warn("action failed",
				"provider", provider.Name, "phase", spec.Name,
				"action", res.ActionName, "error", res.Error)
			if c.remediate(ctx, state, "action failed: "+res.Error, url) {
				return "", "", true
			}
			if !tracker.Retry("action failed: " + res.Error) {
				return domain.AttemptFailed, fmt.Sprintf("phase %s: retries exhausted: %s", spec.Name, res.Error), false
			}
			continue
		}

		if n := tracker.RecordAction(); n >= tracker.MaxActions() {
			// Runaway-loop guard: the proposer is not converging. Fatal,
			// never retried.
			return domain.AttemptFailed,
				fmt.Sprintf("phase %s: %v (%d)", spec.Name, domain.ErrActionBudget, tracker.MaxActions()),
				false
		}

		if spec.SettleDelay > 0 {
			select {
			case <-time.After(spec.SettleDelay):
			case <-ctx.Done():
				return domain.AttemptAborted, ctx.Err().Error(), false
			}
		}

		verdict := c.deps.Verifier.Verify(spec, url, tracker.ActionsInPhase(), tracker.MaxActions())
		c.deps.Logger.Debug("phase verified",
			"provider", provider.Name, "phase", spec.Name,
			"status", verdict.Status, "reason", verdict.Reason, "url", url)

		switch verdict.Status {
		case domain.StatusAdvance:
			tracker.Advance()
			c.deps.Logger.Info("phase complete", "provider", provider.Name, "phase", spec.Name)

		case domain.StatusWait:
			// Expected mid-phase progress; no retry-budget cost.

		case domain.StatusBlocker:
			// Retrying an unfixable condition wastes the retry budget with
			// no possibility of success, so blockers never consume it.
			if c.remediate(ctx, state, verdict.Reason, url) {
				return "", "", true
			}
			return domain.AttemptBlocked,
				fmt.Sprintf("phase %s: %s (manual intervention required)", spec.Name, verdict.Reason),
				false

		case domain.StatusFail:
			if !tracker.Retry(verdict.Reason) {
				return domain.AttemptFailed,
					fmt.Sprintf("phase %s: %v: %s", spec.Name, domain.ErrRetriesExhausted, verdict.Reason),
					false
			}
		}
	}

	return domain.AttemptPassed, "", false
}

// captureState captures the browser state, retrying once after a short delay
// when the page is mid-navigation.
func (c *Controller) captureState(ctx context.Context) (*domain.BrowserState, error) {
	state, err := c.deps.Executor.CaptureState(ctx)
	if err == nil {
		return state, nil
	}
	select {
	case <-time.After(c.deps.CaptureRetryDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.deps.Executor.CaptureState(ctx)
}

// currentURL reads the page URL, falling back to the last known URL when the
// page is still navigating.
func (c *Controller) currentURL(ctx context.Context, fallback string) string {
	url, err := c.deps.Executor.CurrentURL(ctx)
	if err == nil && url != "" {
		return url
	}
	select {
	case <-time.After(c.deps.CaptureRetryDelay):
	case <-ctx.Done():
		return fallback
	}
	if url, err = c.deps.Executor.CurrentURL(ctx); err == nil && url != "" {
		return url
	}
	return fallback
}

// remediate runs the diagnose/propose/apply cycle. It returns true only when
// a fix was actually applied and the attempt should reset and replay.
func (c *Controller) remediate(ctx context.Context, state *domain.BrowserState, errorInfo, url string) bool {
	if !c.deps.AutoFix || c.deps.Remediator == nil {
		return false
	}

	diag, err := c.deps.Remediator.Diagnose(ctx, domain.RemediationContext{
		Screenshot: state.Screenshot,
		ErrorInfo:  errorInfo,
		PageURL:    url,
	})
	if err != nil {
		c.deps.Logger.Warn("diagnosis failed", "error", err)
		return false
	}
	c.deps.Logger.Info("diagnosed", "root_cause", diag.RootCause, "confidence", diag.Confidence)

	plan, err := c.deps.Remediator.ProposeFix(ctx, diag)
	if err != nil || plan == nil || len(plan.Changes) == 0 {
		c.deps.Logger.Warn("no applicable fix", "error", err)
		return false
	}
	if plan.RequiresApproval {
		c.deps.Logger.Warn("fix requires manual approval, not applying", "summary", plan.Summary)
		return false
	}

	outcome, err := c.deps.Remediator.ApplyFix(ctx, plan, true)
	if err != nil {
		c.deps.Logger.Warn("fix apply failed", "error", err)
		return false
	}
	if len(outcome.Applied) == 0 {
		c.deps.Logger.Warn("fix applied no changes", "failed", outcome.Failed)
		return false
	}
	c.deps.Logger.Info("fix applied", "summary", plan.Summary, "changes", len(outcome.Applied))
	return true
}

// finish fills the terminal fields of the result from the tracker state.
func (c *Controller) finish(result *domain.AttemptResult, tracker *Tracker, status domain.AttemptStatus, reason string) {
	result.Status = status
	result.Reason = reason
	result.History = tracker.History()
	result.FinishedAt = time.Now()

	if spec, ok := tracker.Current(); ok {
		result.FinalPhase = spec.Name
		result.ActionsInFinalPhase = tracker.ActionsInPhase()
		return
	}
	// Complete: report the last phase and the actions it took.
	if h := result.History; len(h) > 0 {
		result.FinalPhase = h[len(h)-1].Phase
		result.ActionsInFinalPhase = h[len(h)-1].ActionsPerformed
	}
}
