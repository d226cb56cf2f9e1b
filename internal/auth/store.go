package auth

import (
	"context"
	"time"

	"realmkey.org/internal/identity"
)

// Store describes persistence operations required by the auth subsystem.
// Every multi-step invariant runs inside WithTx.
type Store interface {
	Queries
	// WithTx runs fn in one serializable transaction. Any error returned by
	// fn, or a cancelled ctx, rolls the transaction back.
	WithTx(ctx context.Context, fn func(Queries) error) error
	Ping(ctx context.Context) error
}

// Queries is the storage contract available both inside and outside a transaction.
type Queries interface {
	Realm(ctx context.Context, id string) (identity.Realm, error)
	Client(ctx context.Context, id string) (identity.Client, error)

	// FindUser looks a user up by email or id within a realm.
	FindUser(ctx context.Context, realmID string, who identity.UserIdentifier) (identity.User, error)
	InsertUser(ctx context.Context, u identity.User) error
	// LockUserClient takes the row lock that serialises admission and group
	// writes for one (user, client) pair.
	LockUserClient(ctx context.Context, userID, clientID string) error

	// ResourceGroup returns the group with groupKey, or the default group
	// of the pair when groupKey is empty.
	ResourceGroup(ctx context.Context, userID, clientID, groupKey string) (identity.ResourceGroup, error)
	ResourceGroupByKey(ctx context.Context, groupKey string) (identity.ResourceGroup, error)
	ListResourceGroups(ctx context.Context, userID, clientID string) ([]identity.ResourceGroup, error)
	InsertResourceGroup(ctx context.Context, g identity.ResourceGroup) error
	// UpdateResourceGroup writes name, description and is_default, and
	// mirrors is_default onto the group's resources.
	UpdateResourceGroup(ctx context.Context, g identity.ResourceGroup) error
	DeleteResourceGroup(ctx context.Context, groupKey string) error
	// DemoteDefaults clears is_default on every group (and resource) of the
	// pair except exceptKey.
	DemoteDefaults(ctx context.Context, userID, clientID, exceptKey string) error

	InsertResource(ctx context.Context, r identity.Resource) error
	ActiveResources(ctx context.Context, userID, clientID, groupKey string, now time.Time) ([]identity.Resource, error)

	Session(ctx context.Context, id string) (identity.Session, error)
	LiveSessions(ctx context.Context, userID, clientID string, now time.Time) ([]identity.Session, error)
	CountLiveSessions(ctx context.Context, userID, clientID string, now time.Time) (int, error)
	InsertSession(ctx context.Context, s identity.Session) error
	DeleteSession(ctx context.Context, id string) (bool, error)
	DeleteSessions(ctx context.Context, userID, clientID string) (int64, error)

	// RefreshTokenForUpdate reads and row-locks a refresh token.
	RefreshTokenForUpdate(ctx context.Context, id string) (identity.RefreshToken, error)
	InsertRefreshToken(ctx context.Context, t identity.RefreshToken) error
	UpdateRefreshToken(ctx context.Context, t identity.RefreshToken) error
	DeleteRefreshToken(ctx context.Context, id string) error
	DeleteRefreshTokens(ctx context.Context, userID, clientID string) (int64, error)

	// SetLock writes locked_at on the target row and reports whether it existed.
	SetLock(ctx context.Context, target identity.LockTarget, at *time.Time) (bool, error)
}
