package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// InviteRecord is one row of the invite code index.
type InviteRecord struct {
	Code       string
	FamilyID   string
	FamilyName string
	CreatedBy  string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

type Notification struct {
	ID        string    `json:"id"`
	FamilyID  string    `json:"family_id"`
	Date      string    `json:"date"`
	Message   string    `json:"message"`
	Pending   string    `json:"pending"` // JSON array of display names
	CreatedAt time.Time `json:"created_at"`
}
