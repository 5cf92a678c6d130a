package auth

import (
	"time"

	"github.com/ledgerdesk/ledgerdesk/internal/shared"
)

// User is an account able to sign in.
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Identity projects the user onto the request-scoped identity.
func (u *User) Identity() *shared.Identity {
	if u == nil {
		return nil
	}
	return &shared.Identity{UserID: u.ID, Email: u.Email, Name: u.Name}
}

// EventKind names a session change.
type EventKind string

const (
	EventSignedIn  EventKind = "signed_in"
	EventSignedOut EventKind = "signed_out"
)

// Event is broadcast whenever a browser session signs in or out.
type Event struct {
	Kind      EventKind        `json:"kind"`
	SessionID string           `json:"session_id"`
	Identity  *shared.Identity `json:"identity,omitempty"`
	At        time.Time        `json:"at"`
}
