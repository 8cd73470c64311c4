// Package family combines the local state store, the local directory and the
// remote backend behind the operations the screens call.
//
// When a remote backend is configured and the user has a remote identity the
// remote is asked first. Transport failures and server errors fall back to
// the local directory; rejections such as bad credentials or an unknown
// invite code are returned to the caller. Remote successes are mirrored
// locally so the fallback has something to serve.
package family

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hkdinner/dinner/internal/directory"
	"github.com/hkdinner/dinner/internal/invite"
	"github.com/hkdinner/dinner/internal/models"
	"github.com/hkdinner/dinner/internal/remote"
	"github.com/hkdinner/dinner/internal/state"
)

var (
	ErrNotLoggedIn   = errors.New("not logged in")
	ErrNoFamily      = errors.New("not in a family yet")
	ErrHasFamily     = errors.New("already in a family")
	ErrInviteExpired = errors.New("邀請碼已過期")
	ErrNoInvite      = errors.New("family has no invite code")

	ErrInvalidCredentials = remote.ErrInvalidCredentials
	ErrInviteInvalid      = remote.ErrInviteInvalid
	ErrAlreadyMember      = remote.ErrAlreadyMember
	ErrNoSession          = remote.ErrNoSession
)

// DefaultHistoryDays is how far back History reaches.
const DefaultHistoryDays = 30

// Remote is the backend the Service prefers when reachable.
// Implemented by *remote.Client.
type Remote interface {
	SignIn(ctx context.Context, email, password string) (remote.User, error)
	SignUp(ctx context.Context, email, password, displayName string) (remote.User, error)
	SendOTP(ctx context.Context, phone string) error
	VerifyOTP(ctx context.Context, phone, code string) (remote.User, error)
	SignOut(ctx context.Context) error
	CreateFamily(ctx context.Context, userID, name, displayName, role string) (models.Family, models.FamilyMember, error)
	JoinFamilyByCode(ctx context.Context, userID, code, displayName, role string) (models.Family, models.FamilyMember, error)
	GetUserFamily(ctx context.Context, userID string) (models.Family, models.FamilyMember, error)
	GetFamilyMembers(ctx context.Context, familyID string) ([]models.FamilyMember, error)
	GetResponses(ctx context.Context, familyID, date string) (map[string]models.Status, error)
	SubmitResponse(ctx context.Context, familyID, memberID, date string, status models.Status) error
	VerifyInviteCode(ctx context.Context, code string) (models.Verification, error)
	GetInviteCode(ctx context.Context, familyID string) (string, error)
}

// Config holds the Service settings.
type Config struct {
	AppURL      string
	Location    *time.Location
	HistoryDays int
}

// Today is the day's roster with each member's answer.
type Today struct {
	Date    string                `json:"date"`
	Label   string                `json:"label"`
	Members []models.MemberStatus `json:"members"`
	Mine    models.Status         `json:"mine"`
	Yes     int                   `json:"yes"`
	No      int                   `json:"no"`
	Unknown int                   `json:"unknown"`
}

// Invitation is a family's invite code and its shareable link.
type Invitation struct {
	Code string `json:"code"`
	Link string `json:"link"`
}

type Service struct {
	state  *state.Store
	dir    *directory.Directory
	remote Remote
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// NewService wires the service. rem may be nil to run purely locally.
func NewService(st *state.Store, dir *directory.Directory, rem Remote, cfg Config) *Service {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.HistoryDays <= 0 {
		cfg.HistoryDays = DefaultHistoryDays
	}
	return &Service{
		state:  st,
		dir:    dir,
		remote: rem,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
}

// State returns the current AppState.
func (s *Service) State() state.AppState {
	return s.state.Load()
}

// SignIn authenticates with email and password. With the remote unreachable
// the user is signed in locally and keeps the stored family if the email
// matches the previous sign-in.
func (s *Service) SignIn(ctx context.Context, email, password string) (state.AppState, error) {
	email = strings.TrimSpace(email)
	if err := validateEmail(email); err != nil {
		return state.AppState{}, err
	}
	if err := validatePassword(password); err != nil {
		return state.AppState{}, err
	}

	if s.remote != nil {
		u, err := s.remote.SignIn(ctx, email, password)
		if err == nil {
			return s.signedIn(ctx, u, state.Patch{Email: state.String(email)})
		}
		if !s.fallback("signin", err) {
			return state.AppState{}, err
		}
	}
	return s.offlineSignIn(state.Patch{Email: state.String(email)})
}

// SignUp registers a new account and signs it in.
func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (state.AppState, error) {
	email = strings.TrimSpace(email)
	if err := validateEmail(email); err != nil {
		return state.AppState{}, err
	}
	if err := validatePassword(password); err != nil {
		return state.AppState{}, err
	}
	displayName = strings.TrimSpace(displayName)
	if displayName != "" {
		var err error
		if displayName, err = cleanName(displayName, "你的稱呼"); err != nil {
			return state.AppState{}, err
		}
	}

	if s.remote != nil {
		u, err := s.remote.SignUp(ctx, email, password, displayName)
		if err == nil {
			return s.signedIn(ctx, u, state.Patch{Email: state.String(email)})
		}
		if !s.fallback("signup", err) {
			return state.AppState{}, err
		}
	}
	return s.offlineSignIn(state.Patch{Email: state.String(email)})
}

// RequestOTP texts a one-time code to an 8-digit Hong Kong number. Without
// a reachable remote any well-formed code is accepted by VerifyOTP.
func (s *Service) RequestOTP(ctx context.Context, phone string) error {
	p, err := NormalizePhone(phone)
	if err != nil {
		return err
	}
	if s.remote == nil {
		return nil
	}
	if err := s.remote.SendOTP(ctx, E164(p)); err != nil && !s.fallback("send_otp", err) {
		return err
	}
	return nil
}

// VerifyOTP signs in with the code sent by RequestOTP.
func (s *Service) VerifyOTP(ctx context.Context, phone, code string) (state.AppState, error) {
	p, err := NormalizePhone(phone)
	if err != nil {
		return state.AppState{}, err
	}
	if err := validateOTP(code); err != nil {
		return state.AppState{}, err
	}

	if s.remote != nil {
		u, err := s.remote.VerifyOTP(ctx, E164(p), strings.TrimSpace(code))
		if err == nil {
			return s.signedIn(ctx, u, state.Patch{Phone: state.String(p)})
		}
		if !s.fallback("verify_otp", err) {
			return state.AppState{}, err
		}
	}
	return s.offlineSignIn(state.Patch{Phone: state.String(p)})
}

// SignOut ends the remote session and resets the local state.
func (s *Service) SignOut(ctx context.Context) error {
	if s.remote != nil {
		if err := s.remote.SignOut(ctx); err != nil {
			s.logger.Warn("remote sign-out failed", "error", err)
		}
	}
	return s.state.Clear()
}

// Restore looks up the signed-in user's remote family and adopts it.
func (s *Service) Restore(ctx context.Context) (state.AppState, error) {
	st := s.state.Load()
	if !s.remoteUser(st) {
		return st, nil
	}
	fam, m, err := s.remote.GetUserFamily(ctx, state.Str(st.UserID))
	if errors.Is(err, remote.ErrNotFound) || errors.Is(err, remote.ErrNoSession) {
		return st, nil
	}
	if err != nil {
		if s.fallback("restore", err) {
			return st, nil
		}
		return st, err
	}
	s.mirror(ctx, fam, nil)
	return s.state.Save(identity(fam, m))
}

// CreateFamily creates a family owned by the signed-in user.
func (s *Service) CreateFamily(ctx context.Context, name, displayName, role string) (state.AppState, error) {
	st, err := s.requireLogin()
	if err != nil {
		return state.AppState{}, err
	}
	if st.HasFamily() {
		return state.AppState{}, ErrHasFamily
	}
	if name, err = cleanName(name, "家庭名稱"); err != nil {
		return state.AppState{}, err
	}
	if displayName, err = cleanName(displayName, "你的稱呼"); err != nil {
		return state.AppState{}, err
	}
	role = cleanRole(role)

	if s.remoteUser(st) {
		fam, m, err := s.remote.CreateFamily(ctx, state.Str(st.UserID), name, displayName, role)
		if err == nil {
			s.mirror(ctx, fam, []models.FamilyMember{m})
			return s.state.Save(identity(fam, m))
		}
		if !s.fallback("create_family", err) {
			return state.AppState{}, err
		}
	}

	fam, m, err := s.dir.CreateFamily(ctx, name, displayName, role, state.Str(st.UserID))
	if err != nil {
		return state.AppState{}, err
	}
	return s.state.Save(identity(fam, m))
}

// VerifyInvite resolves an invite code. Codes the remote does not know are
// checked against the local directory, which holds families created offline.
func (s *Service) VerifyInvite(ctx context.Context, code string) (models.Verification, error) {
	c, err := cleanCode(code)
	if err != nil {
		return models.Verification{}, err
	}
	if s.remote != nil {
		v, err := s.remote.VerifyInviteCode(ctx, c)
		if err == nil && v.Valid {
			return v, nil
		}
		if err != nil && !s.fallback("verify_invite", err) {
			return models.Verification{}, err
		}
	}
	return s.dir.VerifyInviteCode(ctx, c)
}

// JoinByCode joins the family owning code as a non-owner member.
func (s *Service) JoinByCode(ctx context.Context, code, displayName, role string) (state.AppState, error) {
	st, err := s.requireLogin()
	if err != nil {
		return state.AppState{}, err
	}
	if st.HasFamily() {
		return state.AppState{}, ErrHasFamily
	}
	c, err := cleanCode(code)
	if err != nil {
		return state.AppState{}, err
	}
	if displayName, err = cleanName(displayName, "你的稱呼"); err != nil {
		return state.AppState{}, err
	}
	role = cleanRole(role)

	if s.remoteUser(st) {
		fam, m, err := s.remote.JoinFamilyByCode(ctx, state.Str(st.UserID), c, displayName, role)
		switch {
		case err == nil:
			s.mirror(ctx, fam, nil)
			return s.state.Save(identity(fam, m))
		case errors.Is(err, remote.ErrInviteInvalid):
			// May still be a family created offline on this device.
		case !s.fallback("join_family", err):
			return state.AppState{}, err
		}
	}

	v, err := s.dir.VerifyInviteCode(ctx, c)
	if err != nil {
		return state.AppState{}, err
	}
	if v.Expired {
		return state.AppState{}, ErrInviteExpired
	}
	if !v.Valid {
		return state.AppState{}, ErrInviteInvalid
	}
	m, err := s.dir.JoinFamily(ctx, v.FamilyID, v.FamilyName, displayName, role, state.Str(st.UserID))
	if errors.Is(err, directory.ErrAlreadyMember) {
		return state.AppState{}, ErrAlreadyMember
	}
	if err != nil {
		return state.AppState{}, err
	}
	return s.state.Save(identity(models.Family{ID: v.FamilyID, Name: v.FamilyName}, m))
}

// Members lists the current family's roster, owner first.
func (s *Service) Members(ctx context.Context) ([]models.FamilyMember, error) {
	st, err := s.requireFamily()
	if err != nil {
		return nil, err
	}
	return s.members(ctx, st, state.Str(st.FamilyID))
}

// Today returns today's roster and answers for the current family.
func (s *Service) Today(ctx context.Context) (Today, error) {
	st, err := s.requireFamily()
	if err != nil {
		return Today{}, err
	}
	t, err := s.snapshot(ctx, st, state.Str(st.FamilyID), s.today())
	if err != nil {
		return Today{}, err
	}
	t.Mine = models.StatusUnknown
	for _, m := range t.Members {
		if m.ID == state.Str(st.MemberID) {
			t.Mine = m.Status
		}
	}
	return t, nil
}

// Pending lists members of familyID who have not answered yes or no for date.
func (s *Service) Pending(ctx context.Context, familyID, date string) ([]models.FamilyMember, error) {
	t, err := s.snapshot(ctx, s.state.Load(), familyID, date)
	if err != nil {
		return nil, err
	}
	var out []models.FamilyMember
	for _, m := range t.Members {
		if m.Status == models.StatusUnknown {
			out = append(out, m.FamilyMember)
		}
	}
	return out, nil
}

// Reply records the signed-in member's answer for today and returns the
// day's updated history row.
func (s *Service) Reply(ctx context.Context, status models.Status) (models.HistoryRow, error) {
	st, err := s.requireFamily()
	if err != nil {
		return models.HistoryRow{}, err
	}
	if _, err := models.ParseStatus(string(status)); err != nil {
		return models.HistoryRow{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	fid, mid, date := state.Str(st.FamilyID), state.Str(st.MemberID), s.today()

	if s.remoteFamily(st, fid) {
		if err := s.remote.SubmitResponse(ctx, fid, mid, date, status); err != nil && !s.fallback("reply", err) {
			return models.HistoryRow{}, err
		}
	}
	return s.dir.SubmitResponse(ctx, fid, mid, date, status)
}

// History returns the current family's daily tallies, newest first.
func (s *Service) History(ctx context.Context) ([]models.HistoryRow, error) {
	st, err := s.requireFamily()
	if err != nil {
		return nil, err
	}
	since := s.now().In(s.cfg.Location).AddDate(0, 0, -s.cfg.HistoryDays)
	return s.dir.History(ctx, state.Str(st.FamilyID), since)
}

// InviteLink returns the current family's invite code and link.
func (s *Service) InviteLink(ctx context.Context) (Invitation, error) {
	st, err := s.requireFamily()
	if err != nil {
		return Invitation{}, err
	}
	fid := state.Str(st.FamilyID)

	code := ""
	if s.remoteFamily(st, fid) {
		c, err := s.remote.GetInviteCode(ctx, fid)
		switch {
		case err == nil:
			code = c
		case errors.Is(err, remote.ErrNotFound):
		case !s.fallback("invite_code", err):
			return Invitation{}, err
		}
	}
	if code == "" {
		c, ok, err := s.dir.InviteCode(ctx, fid)
		if err != nil {
			return Invitation{}, err
		}
		if !ok {
			return Invitation{}, ErrNoInvite
		}
		code = c
	}

	link, err := invite.Link(s.cfg.AppURL, code)
	if err != nil {
		return Invitation{}, err
	}
	return Invitation{Code: code, Link: link}, nil
}

// Date returns today's date in the configured time zone.
func (s *Service) Date() string {
	return s.today()
}

func (s *Service) today() string {
	return s.now().In(s.cfg.Location).Format(models.DateLayout)
}

func (s *Service) snapshot(ctx context.Context, st state.AppState, familyID, date string) (Today, error) {
	day, err := time.Parse(models.DateLayout, date)
	if err != nil {
		return Today{}, fmt.Errorf("%w: invalid date %q", ErrValidation, date)
	}

	var (
		members   []models.FamilyMember
		responses map[string]models.Status
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		members, err = s.members(gctx, st, familyID)
		return err
	})
	g.Go(func() error {
		var err error
		responses, err = s.responses(gctx, st, familyID, date)
		return err
	})
	if err := g.Wait(); err != nil {
		return Today{}, err
	}

	t := Today{Date: date, Label: models.DateLabel(day), Members: make([]models.MemberStatus, 0, len(members))}
	for _, m := range members {
		status, ok := responses[m.ID]
		if !ok {
			status = models.StatusUnknown
		}
		switch status {
		case models.StatusYes:
			t.Yes++
		case models.StatusNo:
			t.No++
		default:
			t.Unknown++
		}
		t.Members = append(t.Members, models.MemberStatus{FamilyMember: m, Status: status})
	}
	return t, nil
}

func (s *Service) members(ctx context.Context, st state.AppState, familyID string) ([]models.FamilyMember, error) {
	if s.remoteFamily(st, familyID) {
		ms, err := s.remote.GetFamilyMembers(ctx, familyID)
		if err == nil {
			if cerr := s.dir.CacheMembers(ctx, familyID, ms); cerr != nil {
				s.logger.Warn("caching members failed", "family_id", familyID, "error", cerr)
			}
			return ms, nil
		}
		if !s.fallback("members", err) {
			return nil, err
		}
	}
	return s.dir.FamilyMembers(ctx, familyID)
}

func (s *Service) responses(ctx context.Context, st state.AppState, familyID, date string) (map[string]models.Status, error) {
	if s.remoteFamily(st, familyID) {
		rs, err := s.remote.GetResponses(ctx, familyID, date)
		if err == nil {
			return rs, nil
		}
		if !s.fallback("responses", err) {
			return nil, err
		}
	}
	return s.dir.Responses(ctx, familyID, date)
}

// signedIn records a remote sign-in and adopts the user's remote family.
// Signing in as a different user drops the previous user's family. An account
// without a session is signed in locally only, so family calls stay on the
// local directory until a later sign-in issues a session.
func (s *Service) signedIn(ctx context.Context, u remote.User, p state.Patch) (state.AppState, error) {
	cur := s.state.Load()
	if prev := state.Str(cur.UserID); prev != "" && prev != u.ID {
		leaveFamily(&p)
	}
	p.LoggedIn = state.Bool(true)
	p.UserID = state.String(u.ID)
	if u.NoSession {
		s.logger.Info("account has no session yet, signing in locally", "user_id", u.ID)
		p.UserID = state.Null
	}
	if u.Email != "" && !p.Email.Set {
		p.Email = state.String(u.Email)
	}
	if _, err := s.state.Save(p); err != nil {
		return state.AppState{}, err
	}
	return s.Restore(ctx)
}

// offlineSignIn signs in without the remote. A different email or phone from
// the stored one is another account: its remote identity and family are dropped.
func (s *Service) offlineSignIn(p state.Patch) (state.AppState, error) {
	cur := s.state.Load()
	if switchedAccount(cur, p) {
		leaveFamily(&p)
		p.UserID = state.Null
		if p.Email.Set {
			p.Phone = state.Null
		} else {
			p.Email = state.Null
		}
	}
	p.LoggedIn = state.Bool(true)
	return s.state.Save(p)
}

func switchedAccount(cur state.AppState, p state.Patch) bool {
	if cur.Email == nil && cur.Phone == nil {
		return false
	}
	if p.Email.Set {
		return state.Str(cur.Email) != state.Str(p.Email.V)
	}
	if p.Phone.Set {
		return state.Str(cur.Phone) != state.Str(p.Phone.V)
	}
	return false
}

func leaveFamily(p *state.Patch) {
	leave := state.LeaveFamily()
	p.FamilyID, p.FamilyName, p.MemberID = leave.FamilyID, leave.FamilyName, leave.MemberID
	p.DisplayName, p.IsOwner, p.Role = leave.DisplayName, leave.IsOwner, leave.Role
}

func (s *Service) mirror(ctx context.Context, fam models.Family, members []models.FamilyMember) {
	if err := s.dir.CacheFamily(ctx, fam, members); err != nil {
		s.logger.Warn("mirroring family locally failed", "family_id", fam.ID, "error", err)
	}
}

// fallback reports whether a remote error allows serving the local copy.
func (s *Service) fallback(op string, err error) bool {
	if !remote.IsUnavailable(err) {
		return false
	}
	s.logger.Warn("remote unavailable, using local directory", "op", op, "error", err)
	return true
}

func (s *Service) remoteUser(st state.AppState) bool {
	return s.remote != nil && state.Str(st.UserID) != ""
}

func (s *Service) remoteFamily(st state.AppState, familyID string) bool {
	return s.remoteUser(st) && !directory.IsLocalID(familyID)
}

func (s *Service) requireLogin() (state.AppState, error) {
	st := s.state.Load()
	if !st.LoggedIn {
		return st, ErrNotLoggedIn
	}
	return st, nil
}

func (s *Service) requireFamily() (state.AppState, error) {
	st, err := s.requireLogin()
	if err != nil {
		return st, err
	}
	if !st.HasFamily() {
		return st, ErrNoFamily
	}
	return st, nil
}

func identity(fam models.Family, m models.FamilyMember) state.Patch {
	return state.Patch{
		FamilyID:    state.String(fam.ID),
		FamilyName:  state.String(fam.Name),
		MemberID:    state.String(m.ID),
		DisplayName: state.String(m.DisplayName),
		IsOwner:     state.Bool(m.IsOwner),
		Role:        state.String(m.Role),
	}
}

func cleanRole(role string) string {
	role = strings.TrimSpace(role)
	if role == "" {
		return models.DefaultRole
	}
	return role
}
