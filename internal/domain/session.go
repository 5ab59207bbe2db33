package domain

import (
	"strings"
	"time"
)

// Role identifies the authorization level carried by a user profile.
type Role string

const (
	// RoleUser is the least-privileged role. Sessions synthesized without
	// backend confirmation always carry it.
	RoleUser Role = "user"
	// RoleAdmin marks administrative accounts.
	RoleAdmin Role = "admin"
)

// StatusActive is the default account status for freshly established identities.
const StatusActive = "active"

// Trust records which party confirmed the session's identity.
type Trust string

const (
	// TrustVerified means the membership backend confirmed the identity.
	TrustVerified Trust = "verified"
	// TrustDegraded means only the third-party provider confirmed it. Callers
	// performing sensitive account actions must require TrustVerified.
	TrustDegraded Trust = "degraded"
)

// User is the profile attached to an authenticated session.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	Status    string    `json:"status"`
	Phone     string    `json:"phone,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is the persisted {token, user} pair representing the identity
// currently active in this profile. Token and user travel together as one
// record; a session with an empty token is never stored.
type Session struct {
	Token     string    `json:"token"`
	User      User      `json:"user"`
	Trust     Trust     `json:"trust"`
	WriterID  string    `json:"writer_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Valid reports whether the session holds a complete token/user pair.
func (s *Session) Valid() bool {
	if s == nil {
		return false
	}
	return strings.TrimSpace(s.Token) != "" && strings.TrimSpace(s.User.ID) != ""
}
