package guard

import (
	"testing"

	"github.com/hkdinner/dinner/internal/state"
)

func s(v string) *string { return &v }

var (
	signedOut = state.AppState{}
	noFamily  = state.AppState{LoggedIn: true, Phone: s("91234567")}
	inFamily  = state.AppState{
		LoggedIn: true, FamilyID: s("fam_1"), FamilyName: s("陳家"),
		MemberID: s("mem_1"), DisplayName: s("媽咪"), IsOwner: true,
	}
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name string
		st   state.AppState
		path string
		want Decision
	}{
		{"signed out app", signedOut, "/app/today", Decision{RedirectLogin, LoginPath}},
		{"signed out app root", signedOut, "/app", Decision{RedirectLogin, LoginPath}},
		{"signed out onboarding", signedOut, "/onboarding/create", Decision{RedirectLogin, LoginPath}},
		{"signed out invite", signedOut, "/j/ABCD23", Decision{Action: Allow}},
		{"signed out landing", signedOut, "/", Decision{Action: Allow}},
		{"signed out login", signedOut, "/login?next=/j/ABCD23", Decision{Action: Allow}},
		{"no family app", noFamily, "/app/history", Decision{RedirectOnboarding, OnboardingPath}},
		{"no family invite", noFamily, "/j/abcd23", Decision{Action: Allow}},
		{"no family onboarding", noFamily, "/onboarding/join", Decision{Action: Allow}},
		{"family app", inFamily, "/app/members", Decision{Action: Allow}},
		{"dot segments", signedOut, "/j/../app/today", Decision{RedirectLogin, LoginPath}},
		{"lookalike prefix", signedOut, "/application", Decision{Action: Allow}},
		{"bare invite prefix", noFamily, "/j/", Decision{Action: Allow}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(tt.st, tt.path); got != tt.want {
				t.Errorf("Evaluate(%q) = %+v, want %+v", tt.path, got, tt.want)
			}
		})
	}
}

func TestInviteDecision(t *testing.T) {
	got := InviteDecision(signedOut, "abcd23")
	if got.Action != RedirectLogin || got.Location != "/login?next=%2Fj%2FABCD23" {
		t.Errorf("InviteDecision = %+v", got)
	}
	if got := InviteDecision(noFamily, "abcd23"); got.Action != Allow {
		t.Errorf("signed-in InviteDecision = %+v, want allow", got)
	}
}

func TestSafeNext(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/j/ABCD23", "/j/ABCD23"},
		{"/app/today", "/app/today"},
		{"/app/today?x=1", "/app/today"},
		{"", ""},
		{"/", ""},
		{"/login", ""},
		{"//evil.example/j/ABCD23", ""},
		{"https://evil.example/app/today", ""},
		{`/\evil.example`, ""},
		{"/j/../login", ""},
		{"app/today", ""},
	}
	for _, tt := range tests {
		if got := SafeNext(tt.in); got != tt.want {
			t.Errorf("SafeNext(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPostLogin(t *testing.T) {
	tests := []struct {
		name string
		st   state.AppState
		next string
		want string
	}{
		{"invite wins without family", noFamily, "/j/ABCD23", "/j/ABCD23"},
		{"invite wins with family", inFamily, "/j/ABCD23", "/j/ABCD23"},
		{"app next with family", inFamily, "/app/history", "/app/history"},
		{"app next without family", noFamily, "/app/history", OnboardingPath},
		{"no next with family", inFamily, "", TodayPath},
		{"no next without family", noFamily, "", OnboardingPath},
		{"unsafe next", inFamily, "https://evil.example", TodayPath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PostLogin(tt.st, tt.next); got != tt.want {
				t.Errorf("PostLogin = %q, want %q", got, tt.want)
			}
		})
	}
}
