package flow

import (
	"fmt"

	"authflow/internal/domain"
)

// phaseGoal builds the instruction given to the proposer for one phase. The
// text names concrete UI targets so the proposer does not have to guess the
// intent from the screenshot alone. Credentials are referenced, never
// inlined; the proposer receives them separately.
func phaseGoal(phase domain.Phase, provider ProviderSpec) string {
	switch phase {
	case domain.PhaseLanding:
		return fmt.Sprintf(
			"You are on the application's landing or sign-in page. "+
				"Find and click the button or link that starts sign-in with %s "+
				"(it usually shows the provider's logo or name). "+
				"If a cookie or consent banner covers the page, dismiss it first.",
			provider.Name,
		)

	case domain.PhaseEmailLogin:
		return "You are on the application's email sign-in form. " +
			"Type the provided test email into the email field, " +
			"then the provided password into the password field, then submit the form."

	case domain.PhaseProviderAuth:
		return fmt.Sprintf(
			"You are on the %s login page. Complete it in order: "+
				"1) click the username/email field and type the provided test email; "+
				"2) press Enter or click Next/Continue if the form is multi-step; "+
				"3) click the password field and type the provided password; "+
				"4) submit with Enter or the Sign in button; "+
				"5) if a consent or authorize screen appears, click Allow/Authorize/Continue. "+
				"Do not click links like 'Forgot password' or 'Create account'.",
			provider.Name,
		)

	case domain.PhaseCallback:
		return "The provider has accepted the credentials and the browser is " +
			"returning to the application. Usually no action is needed; wait for the " +
			"redirect. Only act if an explicit Continue button blocks the handoff."

	case domain.PhaseDashboard:
		return "You should now be signed in to the application. Navigate to the " +
			"authenticated area: open the dashboard, API keys, or settings page, " +
			"via the navigation menu or the account avatar dropdown."

	case domain.PhaseSignout:
		return "Sign out of the application: open the account or avatar menu and " +
			"click Sign out / Log out. You are done when the public landing or " +
			"sign-in page is shown."

	default:
		return fmt.Sprintf("Complete the %q step of the sign-in flow shown in the screenshot.", phase)
	}
}
