// Package guard decides whether a screen may be shown for the current
// AppState or where the user should be sent instead.
package guard

import (
	"net/url"
	"path"
	"strings"

	"github.com/hkdinner/dinner/internal/invite"
	"github.com/hkdinner/dinner/internal/state"
)

// Action is the outcome of evaluating a route.
type Action string

const (
	Allow              Action = "allow"
	RedirectLogin      Action = "redirect_login"
	RedirectOnboarding Action = "redirect_onboarding"
)

const (
	LoginPath      = "/login"
	OnboardingPath = "/onboarding"
	TodayPath      = "/app/today"
)

// Decision is what to do with a request for a path.
type Decision struct {
	Action   Action `json:"action"`
	Location string `json:"location,omitempty"`
}

// Evaluate applies the routing policy to path:
//
//   - invite links (/j/<code>) are always allowed; the invite screen sends
//     signed-out users to login itself so they come back to the invite
//   - /app/... requires login and a family
//   - /onboarding/... requires login only
//   - everything else is public
func Evaluate(st state.AppState, p string) Decision {
	p = clean(p)
	switch {
	case IsInvite(p):
		return Decision{Action: Allow}
	case under(p, "/app"):
		if !st.LoggedIn {
			return Decision{Action: RedirectLogin, Location: LoginPath}
		}
		if !st.HasFamily() {
			return Decision{Action: RedirectOnboarding, Location: OnboardingPath}
		}
	case under(p, OnboardingPath):
		if !st.LoggedIn {
			return Decision{Action: RedirectLogin, Location: LoginPath}
		}
	}
	return Decision{Action: Allow}
}

// InviteDecision is the invite screen's own check: signed-out users go to
// login with a next parameter pointing back at the invite.
func InviteDecision(st state.AppState, code string) Decision {
	if !st.LoggedIn {
		return Decision{Action: RedirectLogin, Location: LoginWithNext(invite.Path(code))}
	}
	return Decision{Action: Allow}
}

// LoginWithNext builds /login?next=<next>.
func LoginWithNext(next string) string {
	return LoginPath + "?" + url.Values{"next": {next}}.Encode()
}

// IsInvite reports whether p is an invite link.
func IsInvite(p string) bool {
	p = clean(p)
	return strings.HasPrefix(p, "/j/") && len(p) > len("/j/")
}

// SafeNext returns next when it is a same-site invite or app path, and ""
// otherwise.
func SafeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.Contains(next, `\`) {
		return ""
	}
	u, err := url.Parse(next)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return ""
	}
	p := clean(u.Path)
	if IsInvite(p) || under(p, "/app") {
		return p
	}
	return ""
}

// PostLogin picks where to go after signing in: a safe next destination,
// then today's screen when the user has a family, else onboarding.
func PostLogin(st state.AppState, next string) string {
	if n := SafeNext(next); n != "" {
		if IsInvite(n) || st.HasFamily() {
			return n
		}
	}
	if st.HasFamily() {
		return TodayPath
	}
	return OnboardingPath
}

func clean(p string) string {
	if p == "" {
		return "/"
	}
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func under(p, prefix string) bool {
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}
