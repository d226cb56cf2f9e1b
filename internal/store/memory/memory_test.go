package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"realmkey.org/internal/auth"
	"realmkey.org/internal/identity"
)

func seeded(t *testing.T) *Store {
	t.Helper()
	s := New()
	s.AddRealm(identity.Realm{ID: "realm-1", Name: "acme"})
	s.AddClient(identity.Client{ID: "client-1", RealmID: "realm-1", MaxConcurrentSessions: 2})
	if err := s.InsertUser(context.Background(), identity.User{ID: "user-1", RealmID: "realm-1", Email: "a@example.com"}); err != nil {
		t.Fatalf("InsertUser: %v", err)
	}
	return s
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(q auth.Queries) error {
		if err := q.InsertSession(ctx, identity.Session{ID: "s1", UserID: "user-1", ClientID: "client-1", Expires: time.Now().Add(time.Hour)}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := s.Session(ctx, "s1"); !errors.Is(err, identity.ErrSessionNotFound) {
		t.Fatalf("session survived rollback: %v", err)
	}
}

func TestWithTxRollsBackOnCancel(t *testing.T) {
	s := seeded(t)
	ctx, cancel := context.WithCancel(context.Background())

	err := s.WithTx(ctx, func(q auth.Queries) error {
		cancel()
		return q.InsertRefreshToken(ctx, identity.RefreshToken{ID: "rt-1", UserID: "user-1", ClientID: "client-1"})
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := s.RefreshTokenForUpdate(context.Background(), "rt-1"); !errors.Is(err, identity.ErrResourceNotFound) {
		t.Fatalf("refresh token survived cancelled tx: %v", err)
	}
}

func TestDuplicateEmailRejected(t *testing.T) {
	s := seeded(t)
	err := s.InsertUser(context.Background(), identity.User{ID: "user-2", RealmID: "realm-1", Email: "a@example.com"})
	if !errors.Is(err, identity.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestLiveSessionsFiltersExpired(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	now := time.Now()
	for id, exp := range map[string]time.Time{"live": now.Add(time.Minute), "dead": now.Add(-time.Minute)} {
		if err := s.InsertSession(ctx, identity.Session{ID: id, UserID: "user-1", ClientID: "client-1", Expires: exp}); err != nil {
			t.Fatalf("InsertSession: %v", err)
		}
	}
	n, err := s.CountLiveSessions(ctx, "user-1", "client-1", now)
	if err != nil || n != 1 {
		t.Fatalf("expected one live session, got %d (%v)", n, err)
	}
}

func TestDeleteRefreshTokenDetachesSessions(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	rt := "rt-1"
	if err := s.InsertRefreshToken(ctx, identity.RefreshToken{ID: rt, UserID: "user-1", ClientID: "client-1"}); err != nil {
		t.Fatalf("InsertRefreshToken: %v", err)
	}
	if err := s.InsertSession(ctx, identity.Session{ID: "s1", UserID: "user-1", ClientID: "client-1", RefreshTokenID: &rt, Expires: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}
	if err := s.DeleteRefreshToken(ctx, rt); err != nil {
		t.Fatalf("DeleteRefreshToken: %v", err)
	}
	sess, err := s.Session(ctx, "s1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if sess.RefreshTokenID != nil {
		t.Fatalf("session still references deleted token")
	}
}

func TestSetLockUnknownRow(t *testing.T) {
	s := seeded(t)
	at := time.Now()
	ok, err := s.SetLock(context.Background(), identity.LockTarget{Kind: identity.LockUser, ID: "missing"}, &at)
	if err != nil || ok {
		t.Fatalf("expected (false, nil), got (%v, %v)", ok, err)
	}
	ok, err = s.SetLock(context.Background(), identity.LockTarget{Kind: identity.LockUser, ID: "user-1"}, &at)
	if err != nil || !ok {
		t.Fatalf("expected lock to apply, got (%v, %v)", ok, err)
	}
	u, _ := s.FindUser(context.Background(), "realm-1", identity.ByID("user-1"))
	if u.LockedAt == nil || !u.LockedAt.Equal(at) {
		t.Fatalf("lock not stored: %+v", u.LockedAt)
	}
}
