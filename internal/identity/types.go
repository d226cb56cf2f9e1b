package identity

import "time"

// Realm is the tenant boundary that owns clients and users.
type Realm struct {
	ID                     string
	Name                   string
	Slug                   string
	SessionLifetime        time.Duration
	RefreshTokenLifetime   time.Duration
	RefreshTokenReuseLimit int
	LockedAt               *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Client is an application registered within a realm.
type Client struct {
	ID                     string
	RealmID                string
	Name                   string
	MaxConcurrentSessions  int
	UseRefreshToken        bool
	SessionLifetime        time.Duration
	RefreshTokenLifetime   time.Duration
	RefreshTokenReuseLimit int
	LockedAt               *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// User is a principal within a realm.
type User struct {
	ID              string     `json:"id"`
	RealmID         string     `json:"realm_id"`
	Email           string     `json:"email"`
	PasswordHash    string     `json:"-"`
	FirstName       string     `json:"first_name"`
	LastName        string     `json:"last_name,omitempty"`
	Phone           string     `json:"phone,omitempty"`
	LockedAt        *time.Time `json:"locked_at,omitempty"`
	EmailVerifiedAt *time.Time `json:"email_verified_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ResourceGroup is a named bundle of resources scoped to a (user, client) pair.
type ResourceGroup struct {
	GroupKey    string
	RealmID     string
	UserID      string
	ClientID    string
	Name        string
	Description string
	IsDefault   bool
	LockedAt    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Resource is one name/value authorization claim inside a group.
type Resource struct {
	ID          string
	UserID      string
	ClientID    string
	GroupKey    string
	Name        string
	Value       string
	Description string
	IsDefault   bool
	LockedAt    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SessionInfo is the request metadata denormalized onto a session row.
type SessionInfo struct {
	IPAddress       string
	UserAgent       string
	Browser         string
	BrowserVersion  string
	OperatingSystem string
	DeviceType      string
	CountryCode     string
}

// Session is a live login.
type Session struct {
	ID              string
	UserID          string
	ClientID        string
	IPAddress       string
	UserAgent       string
	Browser         string
	BrowserVersion  string
	OperatingSystem string
	DeviceType      string
	CountryCode     string
	RefreshTokenID  *string
	Expires         time.Time
	CreatedAt       time.Time
}

// Live reports whether the session has not yet expired at now.
func (s Session) Live(now time.Time) bool {
	return s.Expires.After(now)
}

// RefreshToken is a rotation handle bound to a (user, client, realm).
type RefreshToken struct {
	ID          string
	UserID      string
	ClientID    string
	RealmID     string
	ReUsedCount int
	LockedAt    *time.Time
	CreatedAt   time.Time
}

func (r Realm) LockTimestamp() *time.Time         { return r.LockedAt }
func (c Client) LockTimestamp() *time.Time        { return c.LockedAt }
func (u User) LockTimestamp() *time.Time          { return u.LockedAt }
func (g ResourceGroup) LockTimestamp() *time.Time { return g.LockedAt }
func (r Resource) LockTimestamp() *time.Time      { return r.LockedAt }
func (t RefreshToken) LockTimestamp() *time.Time  { return t.LockedAt }
