// Package memory provides an in-memory implementation of auth.Store.
// It is suitable for development and tests: transactions are serialised by
// one mutex and rolled back by restoring a snapshot.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"realmkey.org/internal/auth"
	"realmkey.org/internal/identity"
)

var _ auth.Store = (*Store)(nil)

type state struct {
	realms    map[string]identity.Realm
	clients   map[string]identity.Client
	users     map[string]identity.User
	groups    map[string]identity.ResourceGroup
	resources map[string]identity.Resource
	sessions  map[string]identity.Session
	refresh   map[string]identity.RefreshToken
}

func newState() *state {
	return &state{
		realms:    make(map[string]identity.Realm),
		clients:   make(map[string]identity.Client),
		users:     make(map[string]identity.User),
		groups:    make(map[string]identity.ResourceGroup),
		resources: make(map[string]identity.Resource),
		sessions:  make(map[string]identity.Session),
		refresh:   make(map[string]identity.RefreshToken),
	}
}

func cloneMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *state) clone() *state {
	return &state{
		realms:    cloneMap(s.realms),
		clients:   cloneMap(s.clients),
		users:     cloneMap(s.users),
		groups:    cloneMap(s.groups),
		resources: cloneMap(s.resources),
		sessions:  cloneMap(s.sessions),
		refresh:   cloneMap(s.refresh),
	}
}

// Store is the in-memory store.
type Store struct {
	mu sync.Mutex
	st *state
	queries
}

// New creates an empty store.
func New() *Store {
	s := &Store{st: newState()}
	s.queries = queries{store: s}
	return s
}

// WithTx runs fn with exclusive access to the store. Any error returned by
// fn, or a context cancelled meanwhile, discards every write fn made.
func (s *Store) WithTx(ctx context.Context, fn func(auth.Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	err := fn(queries{store: s, inTx: true})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// AddRealm seeds a realm.
func (s *Store) AddRealm(r identity.Realm) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.realms[r.ID] = r
}

// AddClient seeds a client.
func (s *Store) AddClient(c identity.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.clients[c.ID] = c
}

// queries implements auth.Queries. Outside a transaction every call takes
// the store mutex itself.
type queries struct {
	store *Store
	inTx  bool
}

func (q queries) guard() func() {
	if q.inTx {
		return func() {}
	}
	q.store.mu.Lock()
	return q.store.mu.Unlock
}

func (q queries) Realm(_ context.Context, id string) (identity.Realm, error) {
	defer q.guard()()
	r, ok := q.store.st.realms[id]
	if !ok {
		return identity.Realm{}, identity.ErrRealmNotFound
	}
	return r, nil
}

func (q queries) Client(_ context.Context, id string) (identity.Client, error) {
	defer q.guard()()
	c, ok := q.store.st.clients[id]
	if !ok {
		return identity.Client{}, identity.ErrClientNotFound
	}
	return c, nil
}

func (q queries) FindUser(_ context.Context, realmID string, who identity.UserIdentifier) (identity.User, error) {
	defer q.guard()()
	if id, ok := who.ID(); ok {
		u, found := q.store.st.users[id]
		if !found || u.RealmID != realmID {
			return identity.User{}, identity.ErrUserNotFound
		}
		return u, nil
	}
	email, _ := who.Email()
	for _, u := range q.store.st.users {
		if u.RealmID == realmID && u.Email == email {
			return u, nil
		}
	}
	return identity.User{}, identity.ErrUserNotFound
}

func (q queries) InsertUser(_ context.Context, u identity.User) error {
	defer q.guard()()
	st := q.store.st
	if _, ok := st.realms[u.RealmID]; !ok {
		return identity.ErrRealmNotFound
	}
	if _, ok := st.users[u.ID]; ok {
		return fmt.Errorf("%w: user %s", identity.ErrAlreadyExists, u.ID)
	}
	for _, existing := range st.users {
		if existing.RealmID == u.RealmID && existing.Email == u.Email {
			return fmt.Errorf("%w: email %s", identity.ErrAlreadyExists, u.Email)
		}
	}
	st.users[u.ID] = u
	return nil
}

// LockUserClient only checks existence; the transaction already holds the
// store mutex.
func (q queries) LockUserClient(_ context.Context, userID, _ string) error {
	defer q.guard()()
	if _, ok := q.store.st.users[userID]; !ok {
		return identity.ErrUserNotFound
	}
	return nil
}

func (q queries) ResourceGroup(_ context.Context, userID, clientID, groupKey string) (identity.ResourceGroup, error) {
	defer q.guard()()
	for _, g := range q.store.st.groups {
		if g.UserID != userID || g.ClientID != clientID {
			continue
		}
		if (groupKey == "" && g.IsDefault) || (groupKey != "" && g.GroupKey == groupKey) {
			return g, nil
		}
	}
	return identity.ResourceGroup{}, identity.ErrGroupNotFound
}

func (q queries) ResourceGroupByKey(_ context.Context, groupKey string) (identity.ResourceGroup, error) {
	defer q.guard()()
	g, ok := q.store.st.groups[groupKey]
	if !ok {
		return identity.ResourceGroup{}, identity.ErrGroupNotFound
	}
	return g, nil
}

func (q queries) ListResourceGroups(_ context.Context, userID, clientID string) ([]identity.ResourceGroup, error) {
	defer q.guard()()
	var out []identity.ResourceGroup
	for _, g := range q.store.st.groups {
		if g.UserID == userID && g.ClientID == clientID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].GroupKey < out[j].GroupKey
	})
	return out, nil
}

func (q queries) InsertResourceGroup(_ context.Context, g identity.ResourceGroup) error {
	defer q.guard()()
	st := q.store.st
	if _, ok := st.groups[g.GroupKey]; ok {
		return fmt.Errorf("%w: group %s", identity.ErrAlreadyExists, g.GroupKey)
	}
	if _, ok := st.users[g.UserID]; !ok {
		return identity.ErrUserNotFound
	}
	if _, ok := st.clients[g.ClientID]; !ok {
		return identity.ErrClientNotFound
	}
	st.groups[g.GroupKey] = g
	return nil
}

func (q queries) UpdateResourceGroup(_ context.Context, g identity.ResourceGroup) error {
	defer q.guard()()
	st := q.store.st
	current, ok := st.groups[g.GroupKey]
	if !ok {
		return identity.ErrGroupNotFound
	}
	current.Name = g.Name
	current.Description = g.Description
	current.IsDefault = g.IsDefault
	current.UpdatedAt = g.UpdatedAt
	st.groups[g.GroupKey] = current
	for id, r := range st.resources {
		if r.GroupKey == g.GroupKey {
			r.IsDefault = g.IsDefault
			st.resources[id] = r
		}
	}
	return nil
}

func (q queries) DeleteResourceGroup(_ context.Context, groupKey string) error {
	defer q.guard()()
	st := q.store.st
	if _, ok := st.groups[groupKey]; !ok {
		return identity.ErrGroupNotFound
	}
	delete(st.groups, groupKey)
	for id, r := range st.resources {
		if r.GroupKey == groupKey {
			delete(st.resources, id)
		}
	}
	return nil
}

func (q queries) DemoteDefaults(_ context.Context, userID, clientID, exceptKey string) error {
	defer q.guard()()
	st := q.store.st
	for key, g := range st.groups {
		if g.UserID == userID && g.ClientID == clientID && key != exceptKey && g.IsDefault {
			g.IsDefault = false
			st.groups[key] = g
		}
	}
	for id, r := range st.resources {
		if r.UserID == userID && r.ClientID == clientID && r.GroupKey != exceptKey && r.IsDefault {
			r.IsDefault = false
			st.resources[id] = r
		}
	}
	return nil
}

func (q queries) InsertResource(_ context.Context, r identity.Resource) error {
	defer q.guard()()
	st := q.store.st
	if _, ok := st.groups[r.GroupKey]; !ok {
		return identity.ErrGroupNotFound
	}
	if _, ok := st.resources[r.ID]; ok {
		return fmt.Errorf("%w: resource %s", identity.ErrAlreadyExists, r.ID)
	}
	for _, other := range st.resources {
		if other.Name == r.Name && other.UserID == r.UserID && other.ClientID == r.ClientID {
			return fmt.Errorf("%w: resource %q", identity.ErrAlreadyExists, r.Name)
		}
	}
	st.resources[r.ID] = r
	return nil
}

func (q queries) ActiveResources(_ context.Context, userID, clientID, groupKey string, now time.Time) ([]identity.Resource, error) {
	defer q.guard()()
	var out []identity.Resource
	for _, r := range q.store.st.resources {
		if r.UserID == userID && r.ClientID == clientID && r.GroupKey == groupKey && !identity.IsLocked(r.LockedAt, now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (q queries) Session(_ context.Context, id string) (identity.Session, error) {
	defer q.guard()()
	s, ok := q.store.st.sessions[id]
	if !ok {
		return identity.Session{}, identity.ErrSessionNotFound
	}
	return s, nil
}

func (q queries) LiveSessions(_ context.Context, userID, clientID string, now time.Time) ([]identity.Session, error) {
	defer q.guard()()
	out := q.liveSessions(userID, clientID, now)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (q queries) CountLiveSessions(_ context.Context, userID, clientID string, now time.Time) (int, error) {
	defer q.guard()()
	return len(q.liveSessions(userID, clientID, now)), nil
}

func (q queries) liveSessions(userID, clientID string, now time.Time) []identity.Session {
	var out []identity.Session
	for _, s := range q.store.st.sessions {
		if s.UserID == userID && s.ClientID == clientID && s.Live(now) {
			out = append(out, s)
		}
	}
	return out
}

func (q queries) InsertSession(_ context.Context, s identity.Session) error {
	defer q.guard()()
	st := q.store.st
	if _, ok := st.sessions[s.ID]; ok {
		return fmt.Errorf("%w: session %s", identity.ErrAlreadyExists, s.ID)
	}
	if _, ok := st.users[s.UserID]; !ok {
		return identity.ErrUserNotFound
	}
	st.sessions[s.ID] = s
	return nil
}

func (q queries) DeleteSession(_ context.Context, id string) (bool, error) {
	defer q.guard()()
	if _, ok := q.store.st.sessions[id]; !ok {
		return false, nil
	}
	delete(q.store.st.sessions, id)
	return true, nil
}

func (q queries) DeleteSessions(_ context.Context, userID, clientID string) (int64, error) {
	defer q.guard()()
	var n int64
	for id, s := range q.store.st.sessions {
		if s.UserID == userID && s.ClientID == clientID {
			delete(q.store.st.sessions, id)
			n++
		}
	}
	return n, nil
}

func (q queries) RefreshTokenForUpdate(_ context.Context, id string) (identity.RefreshToken, error) {
	defer q.guard()()
	t, ok := q.store.st.refresh[id]
	if !ok {
		return identity.RefreshToken{}, identity.ErrResourceNotFound
	}
	return t, nil
}

func (q queries) InsertRefreshToken(_ context.Context, t identity.RefreshToken) error {
	defer q.guard()()
	if _, ok := q.store.st.refresh[t.ID]; ok {
		return fmt.Errorf("%w: refresh token %s", identity.ErrAlreadyExists, t.ID)
	}
	q.store.st.refresh[t.ID] = t
	return nil
}

func (q queries) UpdateRefreshToken(_ context.Context, t identity.RefreshToken) error {
	defer q.guard()()
	if _, ok := q.store.st.refresh[t.ID]; !ok {
		return identity.ErrResourceNotFound
	}
	q.store.st.refresh[t.ID] = t
	return nil
}

func (q queries) DeleteRefreshToken(_ context.Context, id string) error {
	defer q.guard()()
	delete(q.store.st.refresh, id)
	q.detachSessions(func(tokenID string) bool { return tokenID == id })
	return nil
}

func (q queries) DeleteRefreshTokens(_ context.Context, userID, clientID string) (int64, error) {
	defer q.guard()()
	removed := make(map[string]struct{})
	for id, t := range q.store.st.refresh {
		if t.UserID == userID && t.ClientID == clientID {
			delete(q.store.st.refresh, id)
			removed[id] = struct{}{}
		}
	}
	q.detachSessions(func(tokenID string) bool {
		_, ok := removed[tokenID]
		return ok
	})
	return int64(len(removed)), nil
}

// detachSessions mirrors "on delete set null" on session.refresh_token_id.
func (q queries) detachSessions(match func(string) bool) {
	for id, s := range q.store.st.sessions {
		if s.RefreshTokenID != nil && match(*s.RefreshTokenID) {
			s.RefreshTokenID = nil
			q.store.st.sessions[id] = s
		}
	}
}

func (q queries) SetLock(_ context.Context, target identity.LockTarget, at *time.Time) (bool, error) {
	defer q.guard()()
	st := q.store.st
	switch target.Kind {
	case identity.LockRealm:
		return setLock(st.realms, target.ID, func(v *identity.Realm) { v.LockedAt = at }), nil
	case identity.LockClient:
		return setLock(st.clients, target.ID, func(v *identity.Client) { v.LockedAt = at }), nil
	case identity.LockUser:
		return setLock(st.users, target.ID, func(v *identity.User) { v.LockedAt = at }), nil
	case identity.LockResourceGroup:
		return setLock(st.groups, target.ID, func(v *identity.ResourceGroup) { v.LockedAt = at }), nil
	case identity.LockResource:
		return setLock(st.resources, target.ID, func(v *identity.Resource) { v.LockedAt = at }), nil
	case identity.LockRefreshToken:
		return setLock(st.refresh, target.ID, func(v *identity.RefreshToken) { v.LockedAt = at }), nil
	}
	return false, fmt.Errorf("%w: lock kind %q", identity.ErrInvalidInput, target.Kind)
}

func setLock[V any](m map[string]V, id string, apply func(*V)) bool {
	v, ok := m[id]
	if !ok {
		return false
	}
	apply(&v)
	m[id] = v
	return true
}
