package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"realmkey.org/internal/auth"
	"realmkey.org/internal/identity"
)

func newMock(t *testing.T, opts ...Option) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, opts...), mock
}

func TestWithTxAdmission(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`select id from "user" where id = \$1 for update`).WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("user-1"))
	mock.ExpectQuery("select count").WithArgs("user-1", "client-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectCommit()

	var live int
	err := store.WithTx(context.Background(), func(q auth.Queries) error {
		if err := q.LockUserClient(context.Background(), "user-1", "client-1"); err != nil {
			return err
		}
		n, err := q.CountLiveSessions(context.Background(), "user-1", "client-1", now)
		live = n
		return err
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if live != 2 {
		t.Fatalf("expected 2 live sessions, got %d", live)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithTxRetriesSerializationFailure(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("delete from session").WithArgs("s1").WillReturnError(&pgconn.PgError{Code: pgErrSerializationFail})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec("delete from session").WithArgs("s1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	calls := 0
	err := store.WithTx(context.Background(), func(q auth.Queries) error {
		calls++
		_, err := q.DeleteSession(context.Background(), "s1")
		return err
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected one replay, got %d calls", calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithTxRetryIsBounded(t *testing.T) {
	store, mock := newMock(t, WithTxRetries(1))
	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectExec("delete from session").WillReturnError(&pgconn.PgError{Code: pgErrDeadlockDetected})
		mock.ExpectRollback()
	}

	calls := 0
	err := store.WithTx(context.Background(), func(q auth.Queries) error {
		calls++
		_, err := q.DeleteSession(context.Background(), "s1")
		return err
	})
	if !retryable(err) {
		t.Fatalf("expected the deadlock to surface, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestWithTxDoesNotRetryBusinessErrors(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	calls := 0
	err := store.WithTx(context.Background(), func(auth.Queries) error {
		calls++
		return identity.ErrMaxConcurrentSessions
	})
	if !errors.Is(err, identity.ErrMaxConcurrentSessions) || calls != 1 {
		t.Fatalf("expected a single failed attempt, got %d (%v)", calls, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsertUserDuplicateEmail(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec(`insert into "user"`).WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "user_realm_email_key"})

	err := store.InsertUser(context.Background(), identity.User{ID: "u1", RealmID: "r1", Email: "a@example.com"})
	if !errors.Is(err, identity.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestInsertResourceDuplicateName(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec(`insert into resource`).WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "resource_name_user_id_client_id_key"})

	err := store.InsertResource(context.Background(), identity.Resource{ID: "res-2", UserID: "u1", ClientID: "c1", GroupKey: "g2", Name: "role", Value: "viewer"})
	if !errors.Is(err, identity.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestFindUserByEmail(t *testing.T) {
	store, mock := newMock(t)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cols := []string{"id", "realm_id", "email", "password_hash", "first_name", "last_name", "phone",
		"locked_at", "email_verified_at", "created_at", "updated_at"}

	mock.ExpectQuery(`from "user" where realm_id = \$1 and lower\(email\) = \$2`).WithArgs("r1", "ada@example.com").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("u1", "r1", "ada@example.com", "hash", "Ada", "", "", nil, nil, created, created))
	mock.ExpectQuery(`from "user" where realm_id = \$1 and lower\(email\) = \$2`).WithArgs("r1", "bob@example.com").
		WillReturnError(sql.ErrNoRows)

	u, err := store.FindUser(context.Background(), "r1", identity.ByEmail(" Ada@Example.com "))
	if err != nil {
		t.Fatalf("FindUser: %v", err)
	}
	if u.ID != "u1" || u.LockedAt != nil {
		t.Fatalf("unexpected user: %+v", u)
	}
	if _, err := store.FindUser(context.Background(), "r1", identity.ByEmail("bob@example.com")); !errors.Is(err, identity.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestClientLifetimes(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()
	cols := []string{"id", "realm_id", "name", "max_concurrent_sessions", "use_refresh_token", "session_lifetime",
		"refresh_token_lifetime", "refresh_token_reuse_limit", "locked_at", "created_at", "updated_at"}
	mock.ExpectQuery("from client where id").WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("c1", "r1", "portal", 3, true, 3600, 86400, 2, now, now, now))

	c, err := store.Client(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	if c.SessionLifetime != time.Hour || c.RefreshTokenLifetime != 24*time.Hour || c.RefreshTokenReuseLimit != 2 {
		t.Fatalf("unexpected lifetimes: %+v", c)
	}
	if c.LockedAt == nil || !identity.IsLocked(c.LockedAt, now.Add(time.Second)) {
		t.Fatalf("lock stamp lost: %+v", c.LockedAt)
	}
}

func TestUpdateResourceGroupMirrorsResources(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("update resource_group").WithArgs("g1", "ops", sqlmock.AnyArg(), true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update resource set is_default").WithArgs("g1", true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := store.UpdateResourceGroup(context.Background(), identity.ResourceGroup{GroupKey: "g1", Name: "ops", IsDefault: true, UpdatedAt: time.Now()})
	if err != nil {
		t.Fatalf("UpdateResourceGroup: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSetLock(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec(`update resource_group set locked_at = \$2 where group_key = \$1`).WithArgs("g1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`update "user" set locked_at`).WithArgs("missing", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	at := time.Now()
	ok, err := store.SetLock(context.Background(), identity.LockTarget{Kind: identity.LockResourceGroup, ID: "g1"}, &at)
	if err != nil || !ok {
		t.Fatalf("expected lock to apply, got (%v, %v)", ok, err)
	}
	ok, err = store.SetLock(context.Background(), identity.LockTarget{Kind: identity.LockUser, ID: "missing"}, nil)
	if err != nil || ok {
		t.Fatalf("expected (false, nil), got (%v, %v)", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRefreshTokenMissing(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("from refresh_token where id = .* for update").WithArgs("rt-1").WillReturnError(sql.ErrNoRows)
	if _, err := store.RefreshTokenForUpdate(context.Background(), "rt-1"); !errors.Is(err, identity.ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound, got %v", err)
	}
}
