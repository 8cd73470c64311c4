package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hkdinner/dinner/internal/directory"
	"github.com/hkdinner/dinner/internal/family"
	"github.com/hkdinner/dinner/internal/guard"
	"github.com/hkdinner/dinner/internal/models"
	"github.com/hkdinner/dinner/internal/reminder"
	"github.com/hkdinner/dinner/internal/remote"
	"github.com/hkdinner/dinner/internal/state"
	"github.com/hkdinner/dinner/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// AppDeps holds everything the local API serves from.
type AppDeps struct {
	Service   *family.Service
	State     *state.Store
	Directory *directory.Directory
	Store     *storage.Store
	Token     string
	Remote    bool // a remote backend is configured
}

// NewAppHandler returns the local screens API. Everything but /health
// requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/state", handleGetState(deps))
		r.Delete("/state", handleClearState(deps))
		r.Get("/events", handleEvents(deps))
		r.Get("/route", handleRoute(deps))

		r.Post("/auth/signin", handleSignIn(deps))
		r.Post("/auth/signup", handleSignUp(deps))
		r.Post("/auth/otp", handleRequestOTP(deps))
		r.Post("/auth/verify", handleVerifyOTP(deps))
		r.Post("/auth/signout", handleSignOut(deps))

		r.Post("/families", handleCreateFamily(deps))
		r.Post("/families/join", handleJoinFamily(deps))
		r.Get("/invites/{code}", handleVerifyInvite(deps))
		r.Get("/j/{code}", handleInviteLanding(deps))

		r.Get("/family/members", handleMembers(deps))
		r.Get("/family/today", handleToday(deps))
		r.Get("/family/history", handleHistory(deps))
		r.Get("/family/invite", handleInvite(deps))
		r.Post("/family/responses", handleReply(deps))
		r.Post("/family/reminders", handleRemind(deps))

		r.Get("/notifications", handleNotifications(deps))
	})

	return r
}

// AuthResponse is returned by the sign-in style endpoints.
type AuthResponse struct {
	State state.AppState `json:"state"`
	Next  string         `json:"next"`
}

type credentialsRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
	Next        string `json:"next"`
}

type otpRequest struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
	Next  string `json:"next"`
}

type familyRequest struct {
	Name        string `json:"name"`
	Code        string `json:"code"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

type replyRequest struct {
	Status string `json:"status"`
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fams, err := deps.Directory.Families(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read local families: %v", err)
			return
		}
		writeJSON(w, map[string]any{
			"status":         "ok",
			"remote":         deps.Remote,
			"local_families": len(fams),
		})
	}
}

func handleGetState(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, deps.State.Load())
	}
}

func handleClearState(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.State.Clear(); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to clear state: %v", err)
			return
		}
		writeJSON(w, deps.State.Load())
	}
}

func handleRoute(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Query().Get("path")
		if p == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "path is required")
			return
		}
		writeJSON(w, guard.Evaluate(deps.State.Load(), p))
	}
}

func handleSignIn(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req credentialsRequest
		if !decode(w, r, &req) {
			return
		}
		st, err := deps.Service.SignIn(r.Context(), req.Email, req.Password)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeAuth(w, deps, r, st, req.Next)
	}
}

func handleSignUp(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req credentialsRequest
		if !decode(w, r, &req) {
			return
		}
		st, err := deps.Service.SignUp(r.Context(), req.Email, req.Password, req.DisplayName)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeAuth(w, deps, r, st, req.Next)
	}
}

func handleRequestOTP(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req otpRequest
		if !decode(w, r, &req) {
			return
		}
		if err := deps.Service.RequestOTP(r.Context(), req.Phone); err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "sent"})
	}
}

func handleVerifyOTP(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req otpRequest
		if !decode(w, r, &req) {
			return
		}
		st, err := deps.Service.VerifyOTP(r.Context(), req.Phone, req.Code)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeAuth(w, deps, r, st, req.Next)
	}
}

func handleSignOut(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Service.SignOut(r.Context()); err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "signed_out"})
	}
}

func handleCreateFamily(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req familyRequest
		if !decode(w, r, &req) {
			return
		}
		st, err := deps.Service.CreateFamily(r.Context(), req.Name, req.DisplayName, req.Role)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, st)
	}
}

func handleJoinFamily(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req familyRequest
		if !decode(w, r, &req) {
			return
		}
		st, err := deps.Service.JoinByCode(r.Context(), req.Code, req.DisplayName, req.Role)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, st)
	}
}

func handleVerifyInvite(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := deps.Service.VerifyInvite(r.Context(), chi.URLParam(r, "code"))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, v)
	}
}

// InviteLanding is what the invite link screen shows.
type InviteLanding struct {
	guard.Decision
	Invite *models.Verification `json:"invite,omitempty"`
}

func handleInviteLanding(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		d := guard.InviteDecision(deps.State.Load(), code)
		if d.Action != guard.Allow {
			writeJSON(w, InviteLanding{Decision: d})
			return
		}
		v, err := deps.Service.VerifyInvite(r.Context(), code)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, InviteLanding{Decision: d, Invite: &v})
	}
}

func handleMembers(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		members, err := deps.Service.Members(r.Context())
		if err != nil {
			serviceError(w, err)
			return
		}
		if members == nil {
			members = []models.FamilyMember{}
		}
		writeJSON(w, members)
	}
}

func handleToday(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := deps.Service.Today(r.Context())
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, t)
	}
}

func handleHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := deps.Service.History(r.Context())
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, rows)
	}
}

func handleInvite(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inv, err := deps.Service.InviteLink(r.Context())
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, inv)
	}
}

func handleReply(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req replyRequest
		if !decode(w, r, &req) {
			return
		}
		status, err := models.ParseStatus(req.Status)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		row, err := deps.Service.Reply(r.Context(), status)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, row)
	}
}

func handleRemind(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := deps.State.Load()
		if !st.LoggedIn {
			serviceError(w, family.ErrNotLoggedIn)
			return
		}
		if !st.HasFamily() {
			serviceError(w, family.ErrNoFamily)
			return
		}
		if !st.IsOwner {
			httpError(w, http.StatusForbidden, "permission_error", "only the family owner can send reminders")
			return
		}

		id, err := reminder.Enqueue(deps.Store, reminder.Payload{
			FamilyID:    state.Str(st.FamilyID),
			Date:        deps.Service.Date(),
			RequestedBy: state.Str(st.MemberID),
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue reminder: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"id": id, "status": "queued"})
	}
}

func handleNotifications(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := deps.State.Load()
		if !st.HasFamily() {
			serviceError(w, family.ErrNoFamily)
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)
		notes, err := deps.Store.ListNotifications(state.Str(st.FamilyID), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list notifications: %v", err)
			return
		}
		if notes == nil {
			notes = []storage.Notification{}
		}
		writeJSON(w, notes)
	}
}

func writeAuth(w http.ResponseWriter, deps AppDeps, r *http.Request, st state.AppState, next string) {
	// A returning user may already belong to a remote family.
	if !st.HasFamily() {
		restored, err := deps.Service.Restore(r.Context())
		if err != nil {
			serviceError(w, err)
			return
		}
		st = restored
	}
	writeJSON(w, AuthResponse{State: st, Next: guard.PostLogin(st, next)})
}

// serviceError maps family and remote errors onto HTTP statuses.
func serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, family.ErrValidation):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, family.ErrNotLoggedIn), errors.Is(err, family.ErrNoSession):
		httpError(w, http.StatusUnauthorized, "login_required", "%v", err)
	case errors.Is(err, family.ErrInvalidCredentials):
		httpError(w, http.StatusUnauthorized, "invalid_credentials", "%v", err)
	case errors.Is(err, family.ErrNoFamily):
		httpError(w, http.StatusConflict, "no_family", "%v", err)
	case errors.Is(err, family.ErrHasFamily), errors.Is(err, family.ErrAlreadyMember):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	case errors.Is(err, family.ErrInviteInvalid), errors.Is(err, family.ErrNoInvite):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, family.ErrInviteExpired):
		httpError(w, http.StatusGone, "invite_expired", "%v", err)
	case remote.IsUnavailable(err):
		httpError(w, http.StatusBadGateway, "api_error", "backend unavailable: %v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
