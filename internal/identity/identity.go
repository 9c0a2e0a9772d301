// Package identity is the client side of the hosted identity provider: the
// session it issues, the events it emits and the operations the session core
// needs from it.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType names a provider auth-state change.
type EventType string

const (
	EventSignedIn         EventType = "SIGNED_IN"
	EventSignedOut        EventType = "SIGNED_OUT"
	EventTokenRefreshed   EventType = "TOKEN_REFRESHED"
	EventUserUpdated      EventType = "USER_UPDATED"
	EventPasswordRecovery EventType = "PASSWORD_RECOVERY"
)

// Event is pushed to subscribers on every session change.
type Event struct {
	Type    EventType
	Session *Session
}

// User is the provider's view of an account.
type User struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at,omitempty"`
	CreatedAt        *time.Time     `json:"created_at,omitempty"`
	UpdatedAt        *time.Time     `json:"updated_at,omitempty"`
	UserMetadata     map[string]any `json:"user_metadata,omitempty"`
}

// EmailConfirmed reports whether the address has been verified.
func (u *User) EmailConfirmed() bool {
	return u != nil && u.EmailConfirmedAt != nil && !u.EmailConfirmedAt.IsZero()
}

// MetadataString returns a string field of user_metadata, or "".
func (u *User) MetadataString(key string) string {
	if u == nil {
		return ""
	}
	s, _ := u.UserMetadata[key].(string)
	return s
}

// Session is the credential bundle issued by the provider.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         *User     `json:"user,omitempty"`
}

// UserID returns the owning user's id, or "".
func (s *Session) UserID() string {
	if s == nil || s.User == nil {
		return ""
	}
	return s.User.ID
}

// Expired reports whether the access token is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return s == nil || s.ExpiresAt.IsZero() || !now.Before(s.ExpiresAt)
}

// UserAttributes are the fields UpdateUser may change.
type UserAttributes struct {
	Password string `json:"password,omitempty"`
	Email    string `json:"email,omitempty"`
}

// ResendParams selects which confirmation message is re-sent.
type ResendParams struct {
	Type  string `json:"type"`
	Email string `json:"email"`
}

// Provider is the identity-provider collaborator. GetSession returns (nil,
// nil) when no session exists.
type Provider interface {
	GetSession(ctx context.Context) (*Session, error)
	SetSession(ctx context.Context, accessToken, refreshToken string) (*Session, error)
	// SetRecoverySession installs the pair carried by a password-reset link.
	// expiresIn is the lifetime the link advertises.
	SetRecoverySession(ctx context.Context, accessToken, refreshToken string, expiresIn time.Duration) (*Session, error)
	RefreshSession(ctx context.Context) (*Session, error)
	SignOut(ctx context.Context) error
	UpdateUser(ctx context.Context, attrs UserAttributes) (*User, error)
	Resend(ctx context.Context, params ResendParams) error
	Subscribe() (<-chan Event, func())
}

// ErrNoSession is returned by operations that need a session when none is
// stored.
var ErrNoSession = errors.New("auth session missing")

// Error is a failure reported by the identity provider. Message is the raw
// provider text: it is for diagnostics and message-table lookup, never for
// display.
type Error struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("identity provider: %s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("identity provider (%d): %s", e.Status, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Contains reports whether the lower-cased provider message contains substr.
func (e *Error) Contains(substr string) bool {
	return strings.Contains(strings.ToLower(e.Message), strings.ToLower(substr))
}

// AsError extracts the provider error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
