package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"realmkey.org/internal/identity"
)

const realmColumns = `id, name, slug, session_lifetime, refresh_token_lifetime, refresh_token_reuse_limit, locked_at, created_at, updated_at`

func (q queries) Realm(ctx context.Context, id string) (identity.Realm, error) {
	var (
		r                identity.Realm
		session, refresh int64
		locked           sql.NullTime
	)
	err := q.q.QueryRowContext(ctx, `select `+realmColumns+` from realm where id = $1`, id).
		Scan(&r.ID, &r.Name, &r.Slug, &session, &refresh, &r.RefreshTokenReuseLimit, &locked, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Realm{}, identity.ErrRealmNotFound
	}
	if err != nil {
		return identity.Realm{}, fmt.Errorf("load realm: %w", err)
	}
	r.SessionLifetime = seconds(session)
	r.RefreshTokenLifetime = seconds(refresh)
	r.LockedAt = timePtr(locked)
	return r, nil
}

const clientColumns = `id, realm_id, name, max_concurrent_sessions, use_refresh_token, session_lifetime, refresh_token_lifetime, refresh_token_reuse_limit, locked_at, created_at, updated_at`

func (q queries) Client(ctx context.Context, id string) (identity.Client, error) {
	var (
		c                identity.Client
		session, refresh int64
		locked           sql.NullTime
	)
	err := q.q.QueryRowContext(ctx, `select `+clientColumns+` from client where id = $1`, id).
		Scan(&c.ID, &c.RealmID, &c.Name, &c.MaxConcurrentSessions, &c.UseRefreshToken, &session, &refresh,
			&c.RefreshTokenReuseLimit, &locked, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Client{}, identity.ErrClientNotFound
	}
	if err != nil {
		return identity.Client{}, fmt.Errorf("load client: %w", err)
	}
	c.SessionLifetime = seconds(session)
	c.RefreshTokenLifetime = seconds(refresh)
	c.LockedAt = timePtr(locked)
	return c, nil
}

const userColumns = `id, realm_id, email, password_hash, first_name, coalesce(last_name, ''), coalesce(phone, ''), locked_at, email_verified_at, created_at, updated_at`

func scanUser(row scanner) (identity.User, error) {
	var (
		u                identity.User
		locked, verified sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.RealmID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.Phone,
		&locked, &verified, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return identity.User{}, err
	}
	u.LockedAt = timePtr(locked)
	u.EmailVerifiedAt = timePtr(verified)
	return u, nil
}

func (q queries) FindUser(ctx context.Context, realmID string, who identity.UserIdentifier) (identity.User, error) {
	var row *sql.Row
	if id, ok := who.ID(); ok {
		row = q.q.QueryRowContext(ctx, `select `+userColumns+` from "user" where realm_id = $1 and id = $2`, realmID, id)
	} else {
		email, _ := who.Email()
		row = q.q.QueryRowContext(ctx, `select `+userColumns+` from "user" where realm_id = $1 and lower(email) = $2`, realmID, email)
	}
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.User{}, identity.ErrUserNotFound
	}
	if err != nil {
		return identity.User{}, fmt.Errorf("load user %s: %w", who, err)
	}
	return u, nil
}

func (q queries) InsertUser(ctx context.Context, u identity.User) error {
	_, err := q.q.ExecContext(ctx, `
		insert into "user" (id, realm_id, email, password_hash, first_name, last_name, phone, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, u.ID, u.RealmID, u.Email, u.PasswordHash, u.FirstName, nullIfEmpty(u.LastName), nullIfEmpty(u.Phone), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return writeErr("user", err)
	}
	return nil
}

// LockUserClient row-locks the user. Admission and group writes for every
// client of that user therefore serialise on one row.
func (q queries) LockUserClient(ctx context.Context, userID, _ string) error {
	var id string
	err := q.q.QueryRowContext(ctx, `select id from "user" where id = $1 for update`, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("lock user: %w", err)
	}
	return nil
}
