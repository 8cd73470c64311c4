package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hkdinner/dinner/internal/directory"
	"github.com/hkdinner/dinner/internal/family"
	"github.com/hkdinner/dinner/internal/models"
	"github.com/hkdinner/dinner/internal/reminder"
	"github.com/hkdinner/dinner/internal/remote"
	"github.com/hkdinner/dinner/internal/state"
	"github.com/hkdinner/dinner/internal/storage"
)

const testToken = "test-token-12345"

func setupAppHandler(t *testing.T) (http.Handler, AppDeps) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	st := state.NewStore(store)
	dir := directory.New(store, directory.Config{})
	svc := family.NewService(st, dir, nil, family.Config{AppURL: "https://dinner.hk", Location: time.UTC})

	deps := AppDeps{
		Service:   svc,
		State:     st,
		Directory: dir,
		Store:     store,
		Token:     testToken,
	}
	return NewAppHandler(deps), deps
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

// do serves one authenticated request and decodes a JSON response into out.
func do(t *testing.T, h http.Handler, method, url, body string, wantCode int, out any) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(method, url, body, testToken))
	if rr.Code != wantCode {
		t.Fatalf("%s %s: status = %d, want %d; body = %s", method, url, rr.Code, wantCode, rr.Body.String())
	}
	if out != nil {
		if err := json.Unmarshal(rr.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: decoding %s: %v", method, url, rr.Body.String(), err)
		}
	}
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func signIn(t *testing.T, h http.Handler) {
	t.Helper()
	do(t, h, http.MethodPost, "/auth/signin", `{"email":"mum@example.com","password":"secret1"}`, http.StatusOK, nil)
}

func TestHealth_NoAuth(t *testing.T) {
	h, deps := setupAppHandler(t)
	if _, _, err := deps.Directory.CreateFamily(context.Background(), "陳家", "媽咪", "", ""); err != nil {
		t.Fatalf("CreateFamily: %v", err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body struct {
		Status        string `json:"status"`
		LocalFamilies int    `json:"local_families"`
	}
	json.Unmarshal(rr.Body.Bytes(), &body)
	if body.Status != "ok" || body.LocalFamilies != 1 {
		t.Errorf("health = %+v", body)
	}
}

func TestAuth_Required(t *testing.T) {
	h, _ := setupAppHandler(t)

	for _, token := range []string{"", "wrong-token"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodGet, "/state", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
	}
}

func TestBearerAuth_EventStreamQueryToken(t *testing.T) {
	h := BearerAuth(testToken)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		method string
		accept string
		query  string
		want   int
	}{
		{"event stream with token", http.MethodGet, "text/event-stream", "?token=" + testToken, http.StatusNoContent},
		{"event stream wrong token", http.MethodGet, "text/event-stream", "?token=nope", http.StatusUnauthorized},
		{"json with query token", http.MethodGet, "application/json", "?token=" + testToken, http.StatusUnauthorized},
		{"post with query token", http.MethodPost, "text/event-stream", "?token=" + testToken, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/events"+tt.query, nil)
			req.Header.Set("Accept", tt.accept)
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}

	// A header always wins over the query.
	req := httptest.NewRequest(http.MethodGet, "/events?token="+testToken, nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Basic abc")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("malformed header: status = %d, want 401", rr.Code)
	}
}

func TestSignIn_ReturnsNext(t *testing.T) {
	h, _ := setupAppHandler(t)

	var resp AuthResponse
	do(t, h, http.MethodPost, "/auth/signin",
		`{"email":"mum@example.com","password":"secret1","next":"/j/ABCD23"}`, http.StatusOK, &resp)
	if !resp.State.LoggedIn || state.Str(resp.State.Email) != "mum@example.com" {
		t.Errorf("state = %+v", resp.State)
	}
	if resp.Next != "/j/ABCD23" {
		t.Errorf("next = %q, want /j/ABCD23", resp.Next)
	}

	do(t, h, http.MethodPost, "/auth/signin",
		`{"email":"mum@example.com","password":"secret1","next":"https://evil.example"}`, http.StatusOK, &resp)
	if resp.Next != "/onboarding" {
		t.Errorf("unsafe next = %q, want /onboarding", resp.Next)
	}
}

func TestSignIn_Validation(t *testing.T) {
	h, _ := setupAppHandler(t)

	var e errorBody
	do(t, h, http.MethodPost, "/auth/signin", `{"email":"not-an-email","password":"secret1"}`, http.StatusBadRequest, &e)
	if e.Error.Type != "invalid_request_error" {
		t.Errorf("type = %q", e.Error.Type)
	}
	do(t, h, http.MethodPost, "/auth/signin", `{`, http.StatusBadRequest, nil)
}

func TestOTPFlow(t *testing.T) {
	h, _ := setupAppHandler(t)

	do(t, h, http.MethodPost, "/auth/otp", `{"phone":"9123 4567"}`, http.StatusOK, nil)
	do(t, h, http.MethodPost, "/auth/otp", `{"phone":"12345"}`, http.StatusBadRequest, nil)

	var resp AuthResponse
	do(t, h, http.MethodPost, "/auth/verify", `{"phone":"91234567","code":"123456"}`, http.StatusOK, &resp)
	if !resp.State.LoggedIn || state.Str(resp.State.Phone) != "91234567" {
		t.Errorf("state = %+v", resp.State)
	}
	do(t, h, http.MethodPost, "/auth/verify", `{"phone":"91234567","code":"12"}`, http.StatusBadRequest, nil)
}

func TestFamilyFlow(t *testing.T) {
	h, deps := setupAppHandler(t)

	var e errorBody
	do(t, h, http.MethodPost, "/families", `{"name":"陳家","displayName":"媽咪"}`, http.StatusUnauthorized, &e)
	if e.Error.Type != "login_required" {
		t.Errorf("type = %q, want login_required", e.Error.Type)
	}

	signIn(t, h)
	do(t, h, http.MethodGet, "/family/today", "", http.StatusConflict, &e)
	if e.Error.Type != "no_family" {
		t.Errorf("type = %q, want no_family", e.Error.Type)
	}

	var st state.AppState
	do(t, h, http.MethodPost, "/families", `{"name":"陳家","displayName":"媽咪","role":"媽媽"}`, http.StatusOK, &st)
	if !st.HasFamily() || !st.IsOwner || state.Str(st.FamilyName) != "陳家" || state.Str(st.Role) != "媽媽" {
		t.Fatalf("state = %+v", st)
	}
	do(t, h, http.MethodPost, "/families", `{"name":"李家","displayName":"媽咪"}`, http.StatusConflict, nil)

	var inv family.Invitation
	do(t, h, http.MethodGet, "/family/invite", "", http.StatusOK, &inv)
	if inv.Code == "" || inv.Link != "https://dinner.hk/j/"+inv.Code {
		t.Errorf("invitation = %+v", inv)
	}

	var v models.Verification
	do(t, h, http.MethodGet, "/invites/"+strings.ToLower(inv.Code), "", http.StatusOK, &v)
	if !v.Valid || v.FamilyName != "陳家" {
		t.Errorf("verification = %+v", v)
	}

	var row models.HistoryRow
	do(t, h, http.MethodPost, "/family/responses", `{"status":"yes"}`, http.StatusOK, &row)
	if row.Yes != 1 || row.Total() != 1 {
		t.Errorf("row = %+v", row)
	}
	do(t, h, http.MethodPost, "/family/responses", `{"status":"maybe"}`, http.StatusBadRequest, nil)

	var today family.Today
	do(t, h, http.MethodGet, "/family/today", "", http.StatusOK, &today)
	if today.Date != deps.Service.Date() || today.Mine != models.StatusYes || today.Yes != 1 || len(today.Members) != 1 {
		t.Errorf("today = %+v", today)
	}

	var members []models.FamilyMember
	do(t, h, http.MethodGet, "/family/members", "", http.StatusOK, &members)
	if len(members) != 1 || !members[0].IsOwner {
		t.Errorf("members = %+v", members)
	}

	var history []models.HistoryRow
	do(t, h, http.MethodGet, "/family/history", "", http.StatusOK, &history)
	if len(history) != 1 || history[0].Date != deps.Service.Date() {
		t.Errorf("history = %+v", history)
	}
}

func TestJoinFamily(t *testing.T) {
	h, deps := setupAppHandler(t)
	fam, _, err := deps.Directory.CreateFamily(context.Background(), "陳家", "媽咪", "", "")
	if err != nil {
		t.Fatalf("CreateFamily: %v", err)
	}
	signIn(t, h)

	var e errorBody
	do(t, h, http.MethodPost, "/families/join", `{"code":"ZZZZZZ","displayName":"阿仔"}`, http.StatusNotFound, &e)
	if e.Error.Type != "not_found" {
		t.Errorf("type = %q, want not_found", e.Error.Type)
	}

	var st state.AppState
	do(t, h, http.MethodPost, "/families/join",
		`{"code":"`+strings.ToLower(fam.InviteCode)+`","displayName":"阿仔"}`, http.StatusOK, &st)
	if state.Str(st.FamilyID) != fam.ID || st.IsOwner || state.Str(st.Role) != models.DefaultRole {
		t.Errorf("state = %+v", st)
	}

	do(t, h, http.MethodPost, "/family/reminders", "", http.StatusForbidden, &e)
	if e.Error.Type != "permission_error" {
		t.Errorf("type = %q, want permission_error", e.Error.Type)
	}
}

func TestReminders(t *testing.T) {
	h, deps := setupAppHandler(t)
	signIn(t, h)
	do(t, h, http.MethodPost, "/families", `{"name":"陳家","displayName":"媽咪"}`, http.StatusOK, nil)

	var queued map[string]string
	do(t, h, http.MethodPost, "/family/reminders", "", http.StatusAccepted, &queued)
	if queued["status"] != "queued" || queued["id"] == "" {
		t.Fatalf("response = %v", queued)
	}

	w := reminder.NewWorker(deps.Store, deps.Service, 0)
	if didWork, err := w.RunOnce(context.Background()); err != nil || !didWork {
		t.Fatalf("RunOnce = %v, %v", didWork, err)
	}

	var notes []storage.Notification
	do(t, h, http.MethodGet, "/notifications", "", http.StatusOK, &notes)
	if len(notes) != 1 {
		t.Fatalf("notifications = %+v", notes)
	}
	if !strings.Contains(notes[0].Message, "媽咪") {
		t.Errorf("message = %q, want the unanswered owner named", notes[0].Message)
	}
}

func TestRoute(t *testing.T) {
	h, _ := setupAppHandler(t)

	var d struct {
		Action   string `json:"action"`
		Location string `json:"location"`
	}
	do(t, h, http.MethodGet, "/route?path=/app/today", "", http.StatusOK, &d)
	if d.Action != "redirect_login" || d.Location != "/login" {
		t.Errorf("decision = %+v", d)
	}
	do(t, h, http.MethodGet, "/route", "", http.StatusBadRequest, nil)

	var landing InviteLanding
	do(t, h, http.MethodGet, "/j/abcd23", "", http.StatusOK, &landing)
	if landing.Action != "redirect_login" || landing.Location != "/login?next=%2Fj%2FABCD23" || landing.Invite != nil {
		t.Errorf("landing = %+v", landing)
	}

	signIn(t, h)
	do(t, h, http.MethodGet, "/j/abcd23", "", http.StatusOK, &landing)
	if landing.Action != "allow" || landing.Invite == nil || landing.Invite.Valid {
		t.Errorf("signed-in landing = %+v", landing)
	}
}

func TestClearState(t *testing.T) {
	h, _ := setupAppHandler(t)
	signIn(t, h)

	var st state.AppState
	do(t, h, http.MethodDelete, "/state", "", http.StatusOK, &st)
	if st.LoggedIn {
		t.Errorf("state after clear = %+v", st)
	}
	do(t, h, http.MethodGet, "/state", "", http.StatusOK, &st)
	if st.LoggedIn {
		t.Errorf("reloaded state = %+v", st)
	}
}

func TestEvents_StreamsChanges(t *testing.T) {
	h, deps := setupAppHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	lines := bufio.NewScanner(resp.Body)
	next := func() state.AppState {
		t.Helper()
		for lines.Scan() {
			if data, ok := strings.CutPrefix(lines.Text(), "data: "); ok {
				var st state.AppState
				if err := json.Unmarshal([]byte(data), &st); err != nil {
					t.Fatalf("decoding event %q: %v", data, err)
				}
				return st
			}
		}
		t.Fatalf("stream ended: %v", lines.Err())
		return state.AppState{}
	}

	if first := next(); first.LoggedIn {
		t.Errorf("initial event = %+v", first)
	}
	if _, err := deps.State.Save(state.Patch{LoggedIn: state.Bool(true), Email: state.String("mum@example.com")}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if second := next(); !second.LoggedIn || state.Str(second.Email) != "mum@example.com" {
		t.Errorf("change event = %+v", second)
	}
}

func TestServiceError_Mapping(t *testing.T) {
	tests := []struct {
		err      error
		wantCode int
		wantType string
	}{
		{fmt.Errorf("creating family: %w", remote.ErrNoSession), http.StatusUnauthorized, "login_required"},
		{family.ErrNotLoggedIn, http.StatusUnauthorized, "login_required"},
		{family.ErrInviteExpired, http.StatusGone, "invite_expired"},
		{fmt.Errorf("%w: connection refused", remote.ErrUnavailable), http.StatusBadGateway, "api_error"},
		{errors.New("boom"), http.StatusInternalServerError, "api_error"},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			rr := httptest.NewRecorder()
			serviceError(rr, tt.err)
			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			var e errorBody
			if err := json.Unmarshal(rr.Body.Bytes(), &e); err != nil {
				t.Fatalf("decoding %s: %v", rr.Body.String(), err)
			}
			if e.Error.Type != tt.wantType {
				t.Errorf("type = %q, want %q", e.Error.Type, tt.wantType)
			}
		})
	}
}
