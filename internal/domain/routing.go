package domain

import "strings"

// Application paths the guard redirects to.
const (
	PathLanding             = "/"
	PathAuth                = "/auth"
	PathOnboarding          = "/onboarding"
	PathVerificationPending = "/verification-pending"
	PathDashboard           = "/dashboard"
	PathAdmin               = "/admin"
	PathAdminDashboard      = "/admin/dashboard"
)

// RouteInput is everything the guard decides on. Onboarding is nil when the
// user has no progress record yet.
type RouteInput struct {
	Authenticated   bool
	IsAdmin         bool
	Onboarding      *OnboardingSnapshot
	OrgVerification VerificationStatus
	Path            string
}

// OnboardingSnapshot is the part of the progress record the guard reads.
type OnboardingSnapshot struct {
	Status OnboardingStatus `json:"status"`
	Role   Role             `json:"role"`
}

// RouteDecision is the guard outcome. Redirect is false when the requested
// content should be rendered.
type RouteDecision struct {
	Redirect bool   `json:"redirect"`
	Target   string `json:"target,omitempty"`
}

func redirectTo(target string) RouteDecision { return RouteDecision{Redirect: true, Target: target} }

var render = RouteDecision{}

// ResolveRoute decides where a navigation to in.Path should land. It is total
// over its inputs and has no side effects.
func ResolveRoute(in RouteInput) RouteDecision {
	path := cleanPath(in.Path)

	if !in.Authenticated {
		if under(path, PathAuth) {
			return render
		}
		return redirectTo(PathAuth)
	}

	if in.IsAdmin {
		if under(path, PathAdmin) {
			return render
		}
		return redirectTo(PathAdminDashboard)
	}

	if in.Onboarding == nil ||
		in.Onboarding.Status == OnboardingInProgress ||
		in.Onboarding.Status == OnboardingPending ||
		in.Onboarding.Status == "" {
		if under(path, PathOnboarding) {
			return render
		}
		return redirectTo(PathOnboarding)
	}

	if in.Onboarding.Status == OnboardingCompleted && in.OrgVerification != VerificationVerified {
		if under(path, PathVerificationPending) {
			return render
		}
		return redirectTo(PathVerificationPending)
	}

	if in.Onboarding.Status == OnboardingCompleted && in.OrgVerification == VerificationVerified {
		if path == PathLanding || path == PathDashboard ||
			under(path, PathAuth) ||
			under(path, PathOnboarding) ||
			under(path, PathVerificationPending) ||
			under(path, PathAdmin) {
			return redirectTo(RoleDashboard(in.Onboarding.Role))
		}
	}

	return render
}

// RoleDashboard is the landing page of a verified user.
func RoleDashboard(role Role) string {
	if role == "" {
		return PathDashboard
	}
	return PathDashboard + "/" + string(role)
}

func under(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func cleanPath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return PathLanding
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = PathLanding
		}
	}
	return p
}
