package flow

import (
	"fmt"
	"net/url"
	"strings"

	"authflow/internal/domain"
)

// DefaultMinAuthActions is the minimum number of executed actions in
// provider_auth before a home-domain URL is trusted as completion. A single
// click on the provider's login page does not change the URL away from the
// provider domain, so a naive "URL changed" check advances before
// credentials are even entered; username + password + submit is three.
const DefaultMinAuthActions = 3

// Default URL policy fragments. All overridable per provider.
var (
	defaultBlockerMarkers = []string{
		"error=OAuthAccountNotLinked",
		"error=OAuthCallback",
		"error=OAuthSignin",
		"error=Callback",
		"account_not_linked",
		"callback_error",
		"signin_error",
	}
	defaultAuthedPaths = []string{
		"/dashboard", "/api-keys", "/keys", "/settings", "/profile",
	}
	defaultSigninPaths = []string{
		"/signin", "/login", "/auth/signin",
	}
	defaultVerificationPaths = []string{
		"/verify-request", "/check-email", "verify_email",
	}
)

// VerifierConfig is the URL policy for one provider's flow.
type VerifierConfig struct {
	// HomeDomain is the relying application's domain (host, or host:port).
	HomeDomain string
	// ProviderDomain is the identity provider's domain token
	// (e.g. "accounts.google.com").
	ProviderDomain string
	// MinAuthActions gates provider_auth advancement; see DefaultMinAuthActions.
	MinAuthActions int
	// BlockerMarkers are URL fragments that mark a server-side OAuth error
	// on the callback (account linking rejected after the provider
	// authenticated the user).
	BlockerMarkers []string
	// AuthedPaths are path fragments of the authenticated area.
	AuthedPaths []string
	// SigninPaths are path fragments of the sign-in pages.
	SigninPaths []string
	// VerificationPaths are path fragments of "check your email" pages.
	VerificationPaths []string
}

// Verifier decides, from the page URL alone, whether a phase's goal was
// actually achieved. The URL is the only agent-independent signal of real
// progress: screenshots can lie about focus state and the proposer's
// self-report of "done" is unverified.
//
// Verify is a pure function of its inputs and the fixed config; it never
// touches the tracker's counters.
type Verifier struct {
	cfg VerifierConfig
}

// NewVerifier creates a verifier, filling policy defaults.
func NewVerifier(cfg VerifierConfig) *Verifier {
	if cfg.MinAuthActions <= 0 {
		cfg.MinAuthActions = DefaultMinAuthActions
	}
	if len(cfg.BlockerMarkers) == 0 {
		cfg.BlockerMarkers = defaultBlockerMarkers
	}
	if len(cfg.AuthedPaths) == 0 {
		cfg.AuthedPaths = defaultAuthedPaths
	}
	if len(cfg.SigninPaths) == 0 {
		cfg.SigninPaths = defaultSigninPaths
	}
	if len(cfg.VerificationPaths) == 0 {
		cfg.VerificationPaths = defaultVerificationPaths
	}
	return &Verifier{cfg: cfg}
}

// Verify applies the phase-specific exit policy to the current URL.
func (v *Verifier) Verify(spec domain.PhaseSpec, currentURL string, actions, maxActions int) domain.Verdict {
	switch spec.Name {
	case domain.PhaseLanding:
		return v.verifyLanding(currentURL)
	case domain.PhaseEmailLogin:
		return v.verifyEmailLogin(currentURL)
	case domain.PhaseProviderAuth:
		min := spec.MinActions
		if min <= 0 {
			min = v.cfg.MinAuthActions
		}
		return v.verifyProviderAuth(currentURL, actions, min, maxActions)
	case domain.PhaseCallback:
		return v.verifyCallback(currentURL)
	case domain.PhaseDashboard:
		return v.verifyDashboard(currentURL)
	case domain.PhaseSignout:
		return v.verifySignout(currentURL)
	default:
		// Fail open: an unrecognized phase must never silently block a
		// human-authored flow, but it should be visible for config review.
		return domain.Verdict{
			Status: domain.StatusAdvance,
			Reason: fmt.Sprintf("unrecognized phase %q: advancing without verification, review flow config", spec.Name),
		}
	}
}

func (v *Verifier) verifyLanding(u string) domain.Verdict {
	// Still on the home app means the provider button was clicked and a
	// redirect is pending; already on the provider domain also counts.
	if v.onHome(u) || v.onProvider(u) {
		return domain.Verdict{Status: domain.StatusAdvance, Reason: "left landing page or provider redirect started"}
	}
	return domain.Verdict{
		Status: domain.StatusWait,
		Reason: fmt.Sprintf("expected %s or %s, still at %s", v.cfg.HomeDomain, v.cfg.ProviderDomain, u),
	}
}

func (v *Verifier) verifyEmailLogin(u string) domain.Verdict {
	if containsAny(u, v.cfg.VerificationPaths) {
		// Cannot resolve without a human opening the email; retrying here
		// burns the budget with no possibility of success.
		return domain.Verdict{
			Status: domain.StatusBlocker,
			Reason: "email verification pending: a human must open the link sent to the test inbox",
		}
	}
	if v.onHome(u) {
		return domain.Verdict{Status: domain.StatusAdvance, Reason: "email login submitted on home domain"}
	}
	return domain.Verdict{Status: domain.StatusWait, Reason: "waiting for home domain during email login"}
}

func (v *Verifier) verifyProviderAuth(u string, actions, min, maxActions int) domain.Verdict {
	if actions < min {
		// Below the threshold the URL is not trusted at all: a stray
		// redirect can make it look home-domain before the form is filled.
		return domain.Verdict{
			Status: domain.StatusWait,
			Reason: fmt.Sprintf("provider form in progress (%d/%d actions)", actions, min),
		}
	}
	if v.onHome(u) {
		return domain.Verdict{Status: domain.StatusAdvance, Reason: "returned to home domain after provider auth"}
	}
	reason := fmt.Sprintf("authenticated actions done, still on %s", u)
	if maxActions > 0 && actions >= maxActions-2 {
		reason = fmt.Sprintf("still on provider domain after %d actions: the OAuth exchange may have silently failed", actions)
	}
	return domain.Verdict{Status: domain.StatusWait, Reason: reason}
}

func (v *Verifier) verifyCallback(u string) domain.Verdict {
	if !v.onHome(u) {
		return domain.Verdict{
			Status: domain.StatusWait,
			Reason: fmt.Sprintf("callback not reached: expected %s, at %s", v.cfg.HomeDomain, u),
		}
	}
	// Blocker markers take precedence over everything else on the home
	// domain: the provider authenticated the user but the app's account
	// linking rejected it, a server-side condition no amount of browser
	// retrying can fix.
	if containsAny(u, v.cfg.BlockerMarkers) {
		return domain.Verdict{
			Status: domain.StatusBlocker,
			Reason: fmt.Sprintf("OAuth callback rejected by the application (account linking failed): %s", u),
		}
	}
	// An authorization code in the query means the provider completed the
	// exchange, even when the redirect chain has not settled on a final path.
	if hasAuthCode(u) {
		return domain.Verdict{Status: domain.StatusAdvance, Reason: "authorization code present on callback"}
	}
	if containsAny(u, v.cfg.VerificationPaths) {
		return domain.Verdict{Status: domain.StatusFail, Reason: "callback diverted to email verification"}
	}
	if containsAny(u, v.cfg.SigninPaths) {
		return domain.Verdict{Status: domain.StatusFail, Reason: "callback returned to the sign-in page, session not established"}
	}
	return domain.Verdict{Status: domain.StatusAdvance, Reason: "callback completed on home domain"}
}

func (v *Verifier) verifyDashboard(u string) domain.Verdict {
	onHome := v.onHome(u)
	authed := containsAny(u, v.cfg.AuthedPaths)
	clean := !containsAny(u, v.cfg.SigninPaths) && !containsAny(u, v.cfg.VerificationPaths)

	if onHome && authed && clean {
		return domain.Verdict{Status: domain.StatusAdvance, Reason: "authenticated area reached"}
	}
	if onHome && !clean {
		return domain.Verdict{
			Status: domain.StatusFail,
			Reason: fmt.Sprintf("expected authenticated area (%s), bounced to %s", strings.Join(v.cfg.AuthedPaths, ", "), u),
		}
	}
	return domain.Verdict{
		Status: domain.StatusWait,
		Reason: fmt.Sprintf("expected one of %s on %s, observed %s", strings.Join(v.cfg.AuthedPaths, ", "), v.cfg.HomeDomain, u),
	}
}

func (v *Verifier) verifySignout(u string) domain.Verdict {
	if v.onHome(u) && (containsAny(u, v.cfg.SigninPaths) || isRootPath(u)) {
		return domain.Verdict{Status: domain.StatusAdvance, Reason: "signed out to landing page"}
	}
	return domain.Verdict{Status: domain.StatusWait, Reason: fmt.Sprintf("waiting for sign-in/landing page, at %s", u)}
}

func (v *Verifier) onHome(u string) bool {
	return v.cfg.HomeDomain != "" && strings.Contains(u, v.cfg.HomeDomain)
}

func (v *Verifier) onProvider(u string) bool {
	return v.cfg.ProviderDomain != "" && strings.Contains(u, v.cfg.ProviderDomain)
}

func containsAny(s string, fragments []string) bool {
	for _, f := range fragments {
		if f != "" && strings.Contains(s, f) {
			return true
		}
	}
	return false
}

func hasAuthCode(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return parsed.Query().Get("code") != ""
}

func isRootPath(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return parsed.Path == "" || parsed.Path == "/"
}
