package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"realmkey.org/internal/identity"
	"realmkey.org/internal/ids"
	"realmkey.org/internal/obs"
	"realmkey.org/internal/password"
	"realmkey.org/internal/token"
)

const (
	defaultSessionTTL = time.Hour
	defaultRefreshTTL = 24 * time.Hour * 14
)

// PasswordHasher hashes and checks user passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, hash string) bool
}

// Service orchestrates logins, refresh rotation, logout and the resource
// group lifecycle on top of a transactional Store.
type Service struct {
	store  Store
	tokens *token.Issuer
	hasher PasswordHasher
	now    func() time.Time
	newID  func() string
	log    *log.Entry

	decoyOnce sync.Once
	decoy     string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithHasher replaces the default argon2id password hasher.
func WithHasher(h PasswordHasher) ServiceOption {
	return func(s *Service) error {
		if h == nil {
			return errors.New("auth: hasher must not be nil")
		}
		s.hasher = h
		return nil
	}
}

// WithIDGenerator overrides how entity ids are minted.
func WithIDGenerator(fn func() string) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.newID = fn
		}
		return nil
	}
}

// WithLogger sets the logger used for infrastructure failures.
func WithLogger(l *log.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.log = l.WithField("component", "auth")
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, tokens *token.Issuer, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if tokens == nil {
		return nil, errors.New("auth: token issuer is required")
	}
	svc := &Service{
		store:  store,
		tokens: tokens,
		hasher: password.New(password.DefaultParams),
		now:    time.Now,
		newID:  ids.New,
		log:    obs.Logger().WithField("component", "auth"),
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// decoyHash is verified against when the login email is unknown. It is
// produced by the configured hasher so both paths cost the same.
func (s *Service) decoyHash() string {
	s.decoyOnce.Do(func() {
		s.decoy, _ = s.hasher.Hash(s.newID())
	})
	return s.decoy
}

// Tokens exposes the issuer so transports can verify bearer tokens.
func (s *Service) Tokens() *token.Issuer { return s.tokens }

// Ready reports whether the backing store answers.
func (s *Service) Ready(ctx context.Context) error { return s.store.Ping(ctx) }

// realmClient loads the realm and client of a request, checks that they
// belong together and that neither is locked. Lifetimes the client leaves
// unset are inherited from the realm.
func (s *Service) realmClient(ctx context.Context, q Queries, realmID, clientID string, now time.Time) (identity.Realm, identity.Client, error) {
	realmID = strings.TrimSpace(realmID)
	clientID = strings.TrimSpace(clientID)
	if realmID == "" || clientID == "" {
		return identity.Realm{}, identity.Client{}, fmt.Errorf("%w: realm and client are required", identity.ErrInvalidInput)
	}
	realm, err := q.Realm(ctx, realmID)
	if err != nil {
		return identity.Realm{}, identity.Client{}, err
	}
	client, err := q.Client(ctx, clientID)
	if err != nil {
		return identity.Realm{}, identity.Client{}, err
	}
	if client.RealmID != realm.ID {
		return identity.Realm{}, identity.Client{}, identity.ErrBadRealmClientCombo
	}
	if err := identity.CheckLocks(now, realm, client); err != nil {
		return identity.Realm{}, identity.Client{}, err
	}
	return realm, inheritLifetimes(realm, client), nil
}

func inheritLifetimes(realm identity.Realm, c identity.Client) identity.Client {
	if c.SessionLifetime <= 0 {
		c.SessionLifetime = realm.SessionLifetime
	}
	if c.SessionLifetime <= 0 {
		c.SessionLifetime = defaultSessionTTL
	}
	if c.RefreshTokenLifetime <= 0 {
		c.RefreshTokenLifetime = realm.RefreshTokenLifetime
	}
	if c.RefreshTokenLifetime <= 0 {
		c.RefreshTokenLifetime = defaultRefreshTTL
	}
	if c.RefreshTokenReuseLimit < 0 {
		c.RefreshTokenReuseLimit = 0
	}
	return c
}

// admit takes the (user, client) lock, enforces the session ceiling and
// resolves the group's active resources. Must run inside WithTx.
func (s *Service) admit(ctx context.Context, q Queries, client identity.Client, user identity.User, group identity.ResourceGroup, now time.Time) ([]identity.Resource, error) {
	if err := q.LockUserClient(ctx, user.ID, client.ID); err != nil {
		return nil, err
	}
	live, err := q.CountLiveSessions(ctx, user.ID, client.ID, now)
	if err != nil {
		return nil, err
	}
	if err := identity.Admit(client, live); err != nil {
		obs.ObserveSessionRejected()
		return nil, err
	}
	resources, err := q.ActiveResources(ctx, user.ID, client.ID, group.GroupKey, now)
	if err != nil {
		return nil, err
	}
	if len(resources) == 0 {
		return nil, fmt.Errorf("%w: group %s has no active resources", identity.ErrLocked, group.GroupKey)
	}
	return resources, nil
}

// openSession persists a session and signs the access token bound to it.
func (s *Service) openSession(ctx context.Context, q Queries, client identity.Client, user identity.User, group identity.ResourceGroup, resources []identity.Resource, info identity.SessionInfo, refreshTokenID *string, now time.Time) (identity.Session, string, error) {
	sess := identity.NewSession(s.newID(), client, user, info, refreshTokenID, now)
	if err := q.InsertSession(ctx, sess); err != nil {
		return identity.Session{}, "", err
	}
	access, err := s.tokens.IssueAccess(token.AccessInput{
		User:      user,
		Client:    client,
		Group:     &group,
		Resources: resources,
		Session:   sess,
	})
	if err != nil {
		return identity.Session{}, "", err
	}
	return sess, access, nil
}

// userGroup resolves the group a login or refresh runs against. A user
// without any group for the client has nothing to authorize.
func userGroup(ctx context.Context, q Queries, userID, clientID, groupKey string) (identity.ResourceGroup, error) {
	groupKey = strings.TrimSpace(groupKey)
	group, err := q.ResourceGroup(ctx, userID, clientID, groupKey)
	if err != nil {
		if groupKey == "" && errors.Is(err, identity.ErrGroupNotFound) {
			return identity.ResourceGroup{}, identity.ErrNoResource
		}
		return identity.ResourceGroup{}, err
	}
	return group, nil
}

// resultCode labels a metric with the typed error code, "ok" or "error".
func resultCode(err error) string {
	if err == nil {
		return "ok"
	}
	if e, ok := identity.AsError(err); ok {
		return e.Code
	}
	return "error"
}

// logFailure keeps business rejections at debug and surfaces storage faults.
func (s *Service) logFailure(op string, err error, fields log.Fields) {
	entry := s.log.WithFields(fields).WithField("op", op).WithError(err)
	if _, typed := identity.AsError(err); typed {
		entry.Debug("request rejected")
		return
	}
	entry.Error("request failed")
}
