// Package directory is the local fallback copy of families, rosters,
// invite codes, daily responses and history. Records are JSON blobs in the
// kv table keyed by family id; invite codes resolve through a direct index.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hkdinner/dinner/internal/invite"
	"github.com/hkdinner/dinner/internal/models"
	"github.com/hkdinner/dinner/internal/storage"
)

var (
	ErrAlreadyMember  = errors.New("already a member of this family")
	ErrFamilyNotFound = errors.New("family not found")
	ErrMemberNotFound = errors.New("member not found")
)

const (
	familyPrefix    = "dinner_family_"
	membersPrefix   = "dinner_members_"
	invitePrefix    = "dinner_invite_"
	responsesPrefix = "dinner_responses_"
	historyPrefix   = "dinner_history_"
)

// Store is the persistence the Directory needs.
// Implemented by storage.Store.
type Store interface {
	GetValue(key string) (string, error)
	SetValue(key, value string) error
	DeleteValue(key string) error
	KeysWithPrefix(prefix string) ([]string, error)
	PutInviteCode(rec storage.InviteRecord) error
	LookupInviteCode(code string) (storage.InviteRecord, error)
	InviteCodeExists(code string) (bool, error)
}

// Config tunes invite generation and expiry.
type Config struct {
	InviteTTL        time.Duration // zero means invites never expire
	InviteMaxRetries int
	Now              func() time.Time
}

// Directory reads and writes the per-family records.
type Directory struct {
	store  Store
	cfg    Config
	logger *slog.Logger

	// mu serialises read-modify-write cycles over the stored arrays.
	mu sync.Mutex
}

// New creates a Directory over store.
func New(store Store, cfg Config) *Directory {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.InviteMaxRetries <= 0 {
		cfg.InviteMaxRetries = invite.DefaultMaxRetries
	}
	return &Directory{store: store, cfg: cfg, logger: slog.Default()}
}

// CreateFamily stores a new family whose only member is its owner, plus an
// invite code for it.
func (d *Directory) CreateFamily(ctx context.Context, name, displayName, role, userID string) (models.Family, models.FamilyMember, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.cfg.Now().UTC()
	if role == "" {
		role = models.DefaultRole
	}

	code, err := invite.Generate(ctx, func(_ context.Context, c string) (bool, error) {
		return d.store.InviteCodeExists(c)
	}, d.cfg.InviteMaxRetries)
	if err != nil {
		return models.Family{}, models.FamilyMember{}, fmt.Errorf("generating invite code: %w", err)
	}

	fam := models.Family{
		ID:         "fam_" + uuid.New().String(),
		Name:       name,
		InviteCode: code,
		CreatedBy:  userID,
		CreatedAt:  now,
	}
	owner := models.FamilyMember{
		ID:          "mem_" + uuid.New().String(),
		FamilyID:    fam.ID,
		UserID:      userID,
		DisplayName: displayName,
		Role:        role,
		IsOwner:     true,
		JoinedAt:    now,
	}
	if fam.CreatedBy == "" {
		fam.CreatedBy = owner.ID
	}

	if err := d.putJSON(familyPrefix+fam.ID, fam); err != nil {
		return models.Family{}, models.FamilyMember{}, err
	}
	if err := d.putJSON(membersPrefix+fam.ID, []models.FamilyMember{owner}); err != nil {
		return models.Family{}, models.FamilyMember{}, err
	}
	if err := d.putInvite(fam, now); err != nil {
		return models.Family{}, models.FamilyMember{}, err
	}
	return fam, owner, nil
}

// JoinFamily appends a non-owner member to a family's roster. Existing
// members are never modified.
func (d *Directory) JoinFamily(ctx context.Context, familyID, familyName, displayName, role, userID string) (models.FamilyMember, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.family(familyID); errors.Is(err, ErrFamilyNotFound) {
		// Joining a family this profile only knows by its invite.
		fam := models.Family{ID: familyID, Name: familyName, CreatedAt: d.cfg.Now().UTC()}
		if err := d.putJSON(familyPrefix+familyID, fam); err != nil {
			return models.FamilyMember{}, err
		}
	} else if err != nil {
		return models.FamilyMember{}, err
	}

	members, err := d.members(familyID)
	if err != nil {
		return models.FamilyMember{}, err
	}
	if userID != "" {
		for _, m := range members {
			if m.UserID == userID {
				return models.FamilyMember{}, ErrAlreadyMember
			}
		}
	}
	if role == "" {
		role = models.DefaultRole
	}

	m := models.FamilyMember{
		ID:          "mem_" + uuid.New().String(),
		FamilyID:    familyID,
		UserID:      userID,
		DisplayName: displayName,
		Role:        role,
		IsOwner:     false,
		JoinedAt:    d.cfg.Now().UTC(),
	}
	members = append(members, m)
	if err := d.putJSON(membersPrefix+familyID, members); err != nil {
		return models.FamilyMember{}, err
	}
	return m, nil
}

// VerifyInviteCode resolves code case-insensitively through the invite index.
func (d *Directory) VerifyInviteCode(_ context.Context, code string) (models.Verification, error) {
	code = invite.Normalize(code)
	if code == "" {
		return models.Verification{Valid: false}, nil
	}
	rec, err := d.store.LookupInviteCode(code)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Verification{Valid: false}, nil
	}
	if err != nil {
		return models.Verification{}, fmt.Errorf("looking up invite code: %w", err)
	}
	if rec.ExpiresAt != nil && !d.cfg.Now().Before(*rec.ExpiresAt) {
		return models.Verification{Valid: false, Expired: true, Code: rec.Code, FamilyName: rec.FamilyName}, nil
	}
	return models.Verification{
		Valid:      true,
		Code:       rec.Code,
		FamilyID:   rec.FamilyID,
		FamilyName: rec.FamilyName,
	}, nil
}

// Family returns the stored family record.
func (d *Directory) Family(_ context.Context, familyID string) (models.Family, error) {
	return d.family(familyID)
}

// Families lists every family record held on this device, oldest first.
func (d *Directory) Families(_ context.Context) ([]models.Family, error) {
	keys, err := d.store.KeysWithPrefix(familyPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing families: %w", err)
	}
	out := make([]models.Family, 0, len(keys))
	for _, k := range keys {
		fam, err := d.family(strings.TrimPrefix(k, familyPrefix))
		if errors.Is(err, ErrFamilyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, fam)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// FamilyMembers lists the roster, owner first then by join time.
func (d *Directory) FamilyMembers(_ context.Context, familyID string) ([]models.FamilyMember, error) {
	members, err := d.members(familyID)
	if err != nil {
		return nil, err
	}
	SortMembers(members)
	return members, nil
}

// InviteCode returns the family's invite code; ok is false when none is stored.
func (d *Directory) InviteCode(_ context.Context, familyID string) (code string, ok bool, err error) {
	var inv models.Invite
	found, err := d.getJSON(invitePrefix+familyID, &inv)
	if err != nil || !found {
		return "", false, err
	}
	return inv.Code, inv.Code != "", nil
}

// Responses returns member id → status for one date.
func (d *Directory) Responses(_ context.Context, familyID, date string) (map[string]models.Status, error) {
	all, err := d.responses(familyID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.Status, len(all[date]))
	for k, v := range all[date] {
		out[k] = v
	}
	return out, nil
}

// SubmitResponse records a member's status for date and updates that
// date's history row: the member's previous bucket is decremented, the new
// one incremented, and every bucket clamped at zero.
func (d *Directory) SubmitResponse(_ context.Context, familyID, memberID, date string, status models.Status) (models.HistoryRow, error) {
	day, err := time.Parse(models.DateLayout, date)
	if err != nil {
		return models.HistoryRow{}, fmt.Errorf("invalid date %q: %w", date, err)
	}
	if _, err := models.ParseStatus(string(status)); err != nil {
		return models.HistoryRow{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Local rosters are authoritative; remote ones may lag behind a join.
	if IsLocalID(familyID) {
		members, err := d.members(familyID)
		if err != nil {
			return models.HistoryRow{}, err
		}
		if len(members) > 0 && !hasMember(members, memberID) {
			return models.HistoryRow{}, fmt.Errorf("%w: %s", ErrMemberNotFound, memberID)
		}
	}

	all, err := d.responses(familyID)
	if err != nil {
		return models.HistoryRow{}, err
	}
	byMember := all[date]
	if byMember == nil {
		byMember = make(map[string]models.Status)
		all[date] = byMember
	}
	prev, hadPrev := byMember[memberID]
	byMember[memberID] = status

	var history []models.HistoryRow
	if _, err := d.getJSON(historyPrefix+familyID, &history); err != nil {
		return models.HistoryRow{}, err
	}
	idx := -1
	for i := range history {
		if history[i].Date == date {
			idx = i
			break
		}
	}
	if idx < 0 {
		history = append(history, models.HistoryRow{ID: date, Date: date, Label: models.DateLabel(day)})
		idx = len(history) - 1
	}
	row := &history[idx]
	if hadPrev {
		bump(row, prev, -1)
	}
	bump(row, status, 1)

	if err := d.putJSON(responsesPrefix+familyID, all); err != nil {
		return models.HistoryRow{}, err
	}
	if err := d.putJSON(historyPrefix+familyID, history); err != nil {
		return models.HistoryRow{}, err
	}
	return *row, nil
}

func bump(row *models.HistoryRow, s models.Status, delta int) {
	var p *int
	switch s {
	case models.StatusYes:
		p = &row.Yes
	case models.StatusNo:
		p = &row.No
	default:
		p = &row.Unknown
	}
	*p += delta
	if *p < 0 {
		*p = 0
	}
}

// History returns rows dated on or after since, newest first. A zero since
// returns every row.
func (d *Directory) History(_ context.Context, familyID string, since time.Time) ([]models.HistoryRow, error) {
	var rows []models.HistoryRow
	if _, err := d.getJSON(historyPrefix+familyID, &rows); err != nil {
		return nil, err
	}
	cutoff := ""
	if !since.IsZero() {
		cutoff = since.Format(models.DateLayout)
	}
	out := rows[:0]
	for _, r := range rows {
		if cutoff != "" && r.Date < cutoff {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	if out == nil {
		out = []models.HistoryRow{}
	}
	return out, nil
}

// CacheFamily mirrors a family and roster fetched from the remote backend.
// The local copy is overwritten; there is no merge.
func (d *Directory) CacheFamily(_ context.Context, fam models.Family, members []models.FamilyMember) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.putJSON(familyPrefix+fam.ID, fam); err != nil {
		return err
	}
	if members != nil {
		if err := d.putJSON(membersPrefix+fam.ID, members); err != nil {
			return err
		}
	}
	if fam.InviteCode != "" {
		created := fam.CreatedAt
		if created.IsZero() {
			created = d.cfg.Now().UTC()
		}
		if err := d.putInvite(fam, created); err != nil {
			return err
		}
	}
	return nil
}

// CacheMembers replaces the stored roster with one fetched remotely.
func (d *Directory) CacheMembers(_ context.Context, familyID string, members []models.FamilyMember) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.putJSON(membersPrefix+familyID, members)
}

// IsLocalID reports whether a family id was minted by this directory rather
// than by the remote backend.
func IsLocalID(familyID string) bool {
	return strings.HasPrefix(familyID, "fam_")
}

// SortMembers orders owners first, then by join time.
func SortMembers(members []models.FamilyMember) {
	sort.SliceStable(members, func(i, j int) bool {
		if members[i].IsOwner != members[j].IsOwner {
			return members[i].IsOwner
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
}

func (d *Directory) putInvite(fam models.Family, createdAt time.Time) error {
	inv := models.Invite{
		Code:      invite.Normalize(fam.InviteCode),
		FamilyID:  fam.ID,
		CreatedBy: fam.CreatedBy,
		CreatedAt: createdAt,
	}
	if d.cfg.InviteTTL > 0 {
		exp := createdAt.Add(d.cfg.InviteTTL)
		inv.ExpiresAt = &exp
	}
	if err := d.putJSON(invitePrefix+fam.ID, inv); err != nil {
		return err
	}
	if err := d.store.PutInviteCode(storage.InviteRecord{
		Code:       inv.Code,
		FamilyID:   fam.ID,
		FamilyName: fam.Name,
		CreatedBy:  inv.CreatedBy,
		CreatedAt:  inv.CreatedAt,
		ExpiresAt:  inv.ExpiresAt,
	}); err != nil {
		return fmt.Errorf("indexing invite code: %w", err)
	}
	return nil
}

func (d *Directory) family(familyID string) (models.Family, error) {
	var fam models.Family
	found, err := d.getJSON(familyPrefix+familyID, &fam)
	if err != nil {
		return models.Family{}, err
	}
	if !found {
		return models.Family{}, ErrFamilyNotFound
	}
	return fam, nil
}

func (d *Directory) members(familyID string) ([]models.FamilyMember, error) {
	var members []models.FamilyMember
	if _, err := d.getJSON(membersPrefix+familyID, &members); err != nil {
		return nil, err
	}
	if members == nil {
		members = []models.FamilyMember{}
	}
	return members, nil
}

func hasMember(members []models.FamilyMember, memberID string) bool {
	for _, m := range members {
		if m.ID == memberID {
			return true
		}
	}
	return false
}

func (d *Directory) responses(familyID string) (map[string]map[string]models.Status, error) {
	all := make(map[string]map[string]models.Status)
	if _, err := d.getJSON(responsesPrefix+familyID, &all); err != nil {
		return nil, err
	}
	return all, nil
}

// getJSON decodes the value under key into v. found is false for a missing
// key. A malformed value is logged and treated as missing.
func (d *Directory) getJSON(key string, v any) (found bool, err error) {
	raw, err := d.store.GetValue(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		d.logger.Warn("malformed local record, ignoring", "key", key, "error", err)
		return false, nil
	}
	return true, nil
}

func (d *Directory) putJSON(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling %s: %w", key, err)
	}
	if err := d.store.SetValue(key, string(b)); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}
