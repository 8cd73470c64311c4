package models

import (
	"fmt"
	"time"
)

// Status is a member's dinner attendance mark for one date.
type Status string

const (
	StatusYes     Status = "yes"
	StatusNo      Status = "no"
	StatusUnknown Status = "unknown"
)

// DefaultRole is assigned when a member does not pick a role.
const DefaultRole = "成員"

// DateLayout is the calendar date format used for response keys.
const DateLayout = "2006-01-02"

// ParseStatus validates s.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusYes, StatusNo, StatusUnknown:
		return Status(s), nil
	}
	return "", fmt.Errorf("invalid status %q (want yes, no or unknown)", s)
}

// Label is the Cantonese label shown next to a status.
func (s Status) Label() string {
	switch s {
	case StatusYes:
		return "會"
	case StatusNo:
		return "唔會"
	}
	return "未知"
}

// Token is the emoji shown for a status.
func (s Status) Token() string {
	switch s {
	case StatusYes:
		return "✅"
	case StatusNo:
		return "❌"
	}
	return "⏰"
}

type Family struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	InviteCode string    `json:"inviteCode"`
	CreatedBy  string    `json:"createdBy"`
	CreatedAt  time.Time `json:"createdAt"`
}

type FamilyMember struct {
	ID          string    `json:"id"`
	FamilyID    string    `json:"familyId"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Role        string    `json:"role"`
	IsOwner     bool      `json:"isOwner"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// HistoryRow aggregates one family's responses for one date.
type HistoryRow struct {
	ID      string `json:"id"`
	Date    string `json:"date"`
	Label   string `json:"label"`
	Yes     int    `json:"yes"`
	No      int    `json:"no"`
	Unknown int    `json:"unknown"`
}

// Total is the number of counted responses.
func (r HistoryRow) Total() int {
	return r.Yes + r.No + r.Unknown
}

// Verification is the result of looking up an invite code.
type Verification struct {
	Valid      bool   `json:"valid"`
	Expired    bool   `json:"expired,omitempty"`
	Code       string `json:"code,omitempty"`
	FamilyID   string `json:"familyId,omitempty"`
	FamilyName string `json:"familyName,omitempty"`
}

// MemberStatus is a roster entry joined with today's response.
type MemberStatus struct {
	FamilyMember
	Status Status `json:"status"`
}

var weekdays = [...]string{"日", "一", "二", "三", "四", "五", "六"}

// DateLabel renders a date as M/D（週）, e.g. 2/20（五）.
func DateLabel(t time.Time) string {
	return fmt.Sprintf("%d/%d（%s）", int(t.Month()), t.Day(), weekdays[t.Weekday()])
}

// Invite is the local invite record kept alongside a family.
type Invite struct {
	Code      string     `json:"code"`
	FamilyID  string     `json:"familyId"`
	CreatedBy string     `json:"createdBy"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

