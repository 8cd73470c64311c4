package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hkdinner/dinner/internal/invite"
	"github.com/hkdinner/dinner/internal/models"
)

type familyRow struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	InviteCode string    `json:"invite_code"`
	CreatedBy  string    `json:"created_by"`
	CreatedAt  time.Time `json:"created_at"`
}

func (r familyRow) model() models.Family {
	return models.Family{
		ID:         r.ID,
		Name:       r.Name,
		InviteCode: r.InviteCode,
		CreatedBy:  r.CreatedBy,
		CreatedAt:  r.CreatedAt,
	}
}

type memberRow struct {
	ID          string    `json:"id"`
	FamilyID    string    `json:"family_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	IsOwner     bool      `json:"is_owner"`
	JoinedAt    time.Time `json:"joined_at"`
}

func (r memberRow) model() models.FamilyMember {
	return models.FamilyMember{
		ID:          r.ID,
		FamilyID:    r.FamilyID,
		UserID:      r.UserID,
		DisplayName: r.DisplayName,
		Role:        r.Role,
		IsOwner:     r.IsOwner,
		JoinedAt:    r.JoinedAt,
	}
}

// CreateFamily inserts a family with a fresh invite code and its owner.
func (c *Client) CreateFamily(ctx context.Context, userID, name, displayName, role string) (models.Family, models.FamilyMember, error) {
	code, err := invite.Generate(ctx, c.inviteCodeTaken, c.inviteRetries)
	if err != nil {
		return models.Family{}, models.FamilyMember{}, err
	}

	var fams []familyRow
	err = c.do(ctx, request{
		method: http.MethodPost,
		path:   "/rest/v1/families",
		body:   map[string]string{"name": name, "invite_code": code, "created_by": userID},
		prefer: "return=representation",
		authed: true,
	}, &fams)
	if err != nil {
		return models.Family{}, models.FamilyMember{}, fmt.Errorf("creating family: %w", err)
	}
	if len(fams) == 0 {
		return models.Family{}, models.FamilyMember{}, errors.New("creating family: empty response")
	}
	fam := fams[0]

	m, err := c.insertMember(ctx, fam.ID, userID, displayName, role, true)
	if err != nil {
		return models.Family{}, models.FamilyMember{}, err
	}
	return fam.model(), m, nil
}

// JoinFamilyByCode adds userID to the family owning code.
func (c *Client) JoinFamilyByCode(ctx context.Context, userID, code, displayName, role string) (models.Family, models.FamilyMember, error) {
	fam, err := c.familyByCode(ctx, code, "*")
	if err != nil {
		return models.Family{}, models.FamilyMember{}, err
	}

	var existing []memberRow
	err = c.do(ctx, request{
		method: http.MethodGet,
		path:   "/rest/v1/family_members",
		query: url.Values{
			"family_id": {eq(fam.ID)},
			"user_id":   {eq(userID)},
			"select":    {"id"},
			"limit":     {"1"},
		},
		authed: true,
	}, &existing)
	if err != nil {
		return models.Family{}, models.FamilyMember{}, err
	}
	if len(existing) > 0 {
		return models.Family{}, models.FamilyMember{}, ErrAlreadyMember
	}

	m, err := c.insertMember(ctx, fam.ID, userID, displayName, role, false)
	if err != nil {
		return models.Family{}, models.FamilyMember{}, err
	}
	return fam.model(), m, nil
}

// GetUserFamily returns the family userID belongs to, or ErrNotFound.
func (c *Client) GetUserFamily(ctx context.Context, userID string) (models.Family, models.FamilyMember, error) {
	var members []memberRow
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/rest/v1/family_members",
		query:  url.Values{"user_id": {eq(userID)}, "select": {"*"}, "limit": {"1"}},
		authed: true,
	}, &members)
	if err != nil {
		return models.Family{}, models.FamilyMember{}, err
	}
	if len(members) == 0 {
		return models.Family{}, models.FamilyMember{}, ErrNotFound
	}

	var fams []familyRow
	err = c.do(ctx, request{
		method: http.MethodGet,
		path:   "/rest/v1/families",
		query:  url.Values{"id": {eq(members[0].FamilyID)}, "select": {"*"}, "limit": {"1"}},
		authed: true,
	}, &fams)
	if err != nil {
		return models.Family{}, models.FamilyMember{}, err
	}
	if len(fams) == 0 {
		return models.Family{}, models.FamilyMember{}, ErrNotFound
	}
	return fams[0].model(), members[0].model(), nil
}

// GetFamilyMembers lists the roster, owner first then by join time.
func (c *Client) GetFamilyMembers(ctx context.Context, familyID string) ([]models.FamilyMember, error) {
	var rows []memberRow
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/rest/v1/family_members",
		query: url.Values{
			"family_id": {eq(familyID)},
			"select":    {"*"},
			"order":     {"is_owner.desc,joined_at.asc"},
		},
		authed: true,
	}, &rows)
	if err != nil {
		return nil, err
	}
	out := make([]models.FamilyMember, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// GetResponses returns member id → status for one date.
func (c *Client) GetResponses(ctx context.Context, familyID, date string) (map[string]models.Status, error) {
	var rows []struct {
		Status        models.Status `json:"status"`
		FamilyMembers *struct {
			ID string `json:"id"`
		} `json:"family_members"`
	}
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/rest/v1/daily_responses",
		query: url.Values{
			"family_id": {eq(familyID)},
			"date":      {eq(date)},
			"select":    {"status,family_members!inner(id)"},
		},
		authed: true,
	}, &rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.Status, len(rows))
	for _, r := range rows {
		if r.FamilyMembers != nil && r.FamilyMembers.ID != "" {
			out[r.FamilyMembers.ID] = r.Status
		}
	}
	return out, nil
}

// SubmitResponse upserts a member's status for date. Repeating it is
// idempotent per family, user and date.
func (c *Client) SubmitResponse(ctx context.Context, familyID, memberID, date string, status models.Status) error {
	var members []memberRow
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/rest/v1/family_members",
		query:  url.Values{"id": {eq(memberID)}, "select": {"user_id"}, "limit": {"1"}},
		authed: true,
	}, &members)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return fmt.Errorf("member %s: %w", memberID, ErrNotFound)
	}

	return c.do(ctx, request{
		method: http.MethodPost,
		path:   "/rest/v1/daily_responses",
		query:  url.Values{"on_conflict": {"family_id,user_id,date"}},
		body: map[string]string{
			"family_id":  familyID,
			"user_id":    members[0].UserID,
			"date":       date,
			"status":     string(status),
			"updated_at": c.now().UTC().Format(time.RFC3339),
		},
		prefer: "resolution=merge-duplicates,return=minimal",
		authed: true,
	}, nil)
}

// VerifyInviteCode looks a code up case-insensitively. An unknown code is
// reported as invalid, not as an error.
func (c *Client) VerifyInviteCode(ctx context.Context, code string) (models.Verification, error) {
	fam, err := c.familyByCode(ctx, code, "id,name,invite_code")
	if errors.Is(err, ErrInviteInvalid) {
		return models.Verification{Valid: false}, nil
	}
	if err != nil {
		return models.Verification{}, err
	}
	return models.Verification{Valid: true, Code: fam.InviteCode, FamilyID: fam.ID, FamilyName: fam.Name}, nil
}

// GetInviteCode returns the family's invite code or ErrNotFound.
func (c *Client) GetInviteCode(ctx context.Context, familyID string) (string, error) {
	var fams []familyRow
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/rest/v1/families",
		query:  url.Values{"id": {eq(familyID)}, "select": {"invite_code"}, "limit": {"1"}},
		authed: true,
	}, &fams)
	if err != nil {
		return "", err
	}
	if len(fams) == 0 || fams[0].InviteCode == "" {
		return "", ErrNotFound
	}
	return fams[0].InviteCode, nil
}

func (c *Client) familyByCode(ctx context.Context, code, sel string) (familyRow, error) {
	code = invite.Normalize(code)
	if code == "" {
		return familyRow{}, ErrInviteInvalid
	}
	var fams []familyRow
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/rest/v1/families",
		query:  url.Values{"invite_code": {eq(code)}, "select": {sel}, "limit": {"1"}},
	}, &fams)
	if err != nil {
		return familyRow{}, err
	}
	if len(fams) == 0 {
		return familyRow{}, ErrInviteInvalid
	}
	return fams[0], nil
}

func (c *Client) inviteCodeTaken(ctx context.Context, code string) (bool, error) {
	_, err := c.familyByCode(ctx, code, "id")
	if errors.Is(err, ErrInviteInvalid) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) insertMember(ctx context.Context, familyID, userID, displayName, role string, owner bool) (models.FamilyMember, error) {
	if strings.TrimSpace(role) == "" {
		role = models.DefaultRole
	}
	var rows []memberRow
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/rest/v1/family_members",
		body: map[string]any{
			"family_id":    familyID,
			"user_id":      userID,
			"display_name": displayName,
			"role":         role,
			"is_owner":     owner,
		},
		prefer: "return=representation",
		authed: true,
	}, &rows)
	if err != nil {
		return models.FamilyMember{}, fmt.Errorf("adding member: %w", err)
	}
	if len(rows) == 0 {
		return models.FamilyMember{}, errors.New("adding member: empty response")
	}
	return rows[0].model(), nil
}
