package session

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrAuth is the single user-visible authentication failure.
	ErrAuth = errors.New("session: authentication failed")
	// ErrNoSession indicates an operation that needs a session ran without one.
	ErrNoSession = errors.New("session: no active session")
)

// User is the authenticated identity returned by the profile endpoint.
type User struct {
	Username string `json:"username"`
	FullName string `json:"full_name,omitempty"`
}

// DisplayName prefers the full name when the hub provides one.
func (u User) DisplayName() string {
	if name := strings.TrimSpace(u.FullName); name != "" {
		return name
	}
	return u.Username
}

// Session is the authenticated context required by protected hub calls.
// A Session value is only ever observed fully populated.
type Session struct {
	Token     string    `json:"-"`
	User      User      `json:"user"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Valid reports whether both halves of the session are present.
func (s Session) Valid() bool {
	return s.Token != "" && s.User.Username != ""
}

// Expired reports whether the token carries a known expiry that has passed.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// End reasons carried by Ended.
const (
	EndReasonLogout       = "logout"
	EndReasonUnauthorized = "unauthorized"
	EndReasonReplaced     = "replaced"
)

// Started is published when a session becomes available.
type Started struct {
	Session Session
}

// Ended is published when a session is torn down.
type Ended struct {
	Username string
	Reason   string
}
