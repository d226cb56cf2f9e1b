package auth

import (
	"time"

	"realmkey.org/internal/identity"
)

// LoginRequest carries credentials for a realm-scoped client login.
type LoginRequest struct {
	RealmID  string
	ClientID string
	Email    string
	Password string
	// GroupKey selects an explicit resource group; empty means the default.
	GroupKey string
	Session  identity.SessionInfo
}

// LoginResult is returned on a successful login.
type LoginResult struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token,omitempty"`
	SessionID    string        `json:"session_id"`
	RealmID      string        `json:"realm_id"`
	ClientID     string        `json:"client_id"`
	User         identity.User `json:"user"`
	ExpiresAt    time.Time     `json:"expires_at"`
}

// RefreshRequest presents a refresh token for rotation.
type RefreshRequest struct {
	RealmID      string
	ClientID     string
	RefreshToken string
	GroupKey     string
	Session      identity.SessionInfo
}

// RefreshResult is returned on a successful refresh.
type RefreshResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	// ExpiresIn is the number of seconds until the new access token expires.
	ExpiresIn int64  `json:"expires_in"`
	SessionID string `json:"session_id"`
	// Rotated reports whether the refresh token was replaced by a new id.
	Rotated bool `json:"-"`
}

// IntrospectRequest asks for the state behind an access token. ClientID,
// when set, must match the client the token was issued for.
type IntrospectRequest struct {
	ClientID    string
	AccessToken string
}

// Introspection is a snapshot of an access token and its live session.
type Introspection struct {
	Active      bool              `json:"active"`
	TokenType   string            `json:"token_type,omitempty"`
	Subject     string            `json:"sub,omitempty"`
	SessionID   string            `json:"sid,omitempty"`
	ClientID    string            `json:"client_id,omitempty"`
	ClientName  string            `json:"client_name,omitempty"`
	GroupName   string            `json:"resource_group,omitempty"`
	Resources   []string          `json:"resources,omitempty"`
	Identifiers map[string]string `json:"identifiers,omitempty"`
	FirstName   string            `json:"first_name,omitempty"`
	LastName    string            `json:"last_name,omitempty"`
	Email       string            `json:"email,omitempty"`
	Issuer      string            `json:"iss,omitempty"`
	IssuedAt    int64             `json:"iat,omitempty"`
	ExpiresAt   int64             `json:"exp,omitempty"`
}

// RegisterRequest creates a user together with its first resource group.
type RegisterRequest struct {
	RealmID     string
	ClientID    string
	Email       string
	Password    string
	FirstName   string
	LastName    string
	Phone       string
	GroupName   string
	Identifiers map[string]string
}

// GroupInput creates a resource group for a (user, client) pair.
type GroupInput struct {
	UserID      string
	ClientID    string
	Name        string
	Description string
	// IsDefault nil leaves the decision to the default invariant.
	IsDefault   *bool
	Identifiers map[string]string
}

// GroupUpdate changes a resource group. Nil fields are left untouched.
type GroupUpdate struct {
	Name        *string
	Description *string
	IsDefault   *bool
}

// Registration is the outcome of RegisterUser.
type Registration struct {
	User  identity.User          `json:"user"`
	Group identity.ResourceGroup `json:"group"`
}
