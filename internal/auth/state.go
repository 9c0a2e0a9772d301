// Package auth holds the session state machine: a pure reducer over auth
// actions and a Manager that feeds it from user operations, identity
// provider events and cross-context sign-out broadcasts.
package auth

import "time"

// ActionType names a state transition.
type ActionType string

const (
	ActionAuthStart      ActionType = "AUTH_START"
	ActionAuthSuccess    ActionType = "AUTH_SUCCESS"
	ActionAuthError      ActionType = "AUTH_ERROR"
	ActionAuthInfo       ActionType = "AUTH_INFO"
	ActionAuthSignOut    ActionType = "AUTH_SIGNOUT"
	ActionSetLoading     ActionType = "SET_LOADING"
	ActionClearError     ActionType = "CLEAR_ERROR"
	ActionSetInitialized ActionType = "SET_INITIALIZED"
)

// Action is one input to Reduce. Only the fields its Type uses are read.
type Action struct {
	Type           ActionType
	User           *User
	EmailConfirmed bool
	Message        string
	Loading        bool
}

// User is the provider account merged with the backend profile.
type User struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	EmailVerified    bool           `json:"email_verified"`
	Metadata         map[string]any `json:"user_metadata,omitempty"`
	CreatedAt        *time.Time     `json:"created_at,omitempty"`
	UpdatedAt        *time.Time     `json:"updated_at,omitempty"`
	FullName         string         `json:"full_name,omitempty"`
	Username         string         `json:"username,omitempty"`
	AvatarURL        string         `json:"avatar_url,omitempty"`
	Role             string         `json:"user_role"`
	SubscriptionTier string         `json:"subscription_tier"`
	Plan             string         `json:"plan"`
}

// DisplayName returns the best available human-readable name.
func (u *User) DisplayName() string {
	switch {
	case u == nil:
		return ""
	case u.Username != "":
		return u.Username
	case u.FullName != "":
		return u.FullName
	}
	return u.Email
}

// State is the auth snapshot consumers render. IsAuthenticated is true
// exactly when User is non-nil. Error holds a user-facing message, either a
// failure or an informational notice.
type State struct {
	User             *User
	IsAuthenticated  bool
	IsEmailConfirmed bool
	IsLoading        bool
	Error            string
}

// InitialState is the state before the stored session has been read.
func InitialState() State {
	return State{IsLoading: true}
}

// Reduce returns the state that follows s after a. Unknown actions leave s
// unchanged.
func Reduce(s State, a Action) State {
	switch a.Type {
	case ActionAuthStart:
		s.IsLoading = true
		s.Error = ""
	case ActionAuthSuccess:
		if a.User == nil {
			return s
		}
		s.User = a.User
		s.IsAuthenticated = true
		s.IsEmailConfirmed = a.EmailConfirmed
		s.IsLoading = false
		s.Error = ""
	case ActionAuthInfo:
		s.IsLoading = false
		s.Error = a.Message
	case ActionAuthError:
		s = State{Error: a.Message}
	case ActionAuthSignOut:
		s = State{}
	case ActionSetLoading:
		s.IsLoading = a.Loading
	case ActionClearError:
		s.Error = ""
	case ActionSetInitialized:
		s.IsLoading = false
	}
	return s
}
