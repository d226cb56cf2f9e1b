package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"realmkey.org/internal/identity"
)

const sessionColumns = `id, user_id, client_id, coalesce(ip_address, ''), coalesce(user_agent, ''), coalesce(browser, ''),
	coalesce(browser_version, ''), coalesce(operating_system, ''), coalesce(device_type, ''), coalesce(country_code, ''),
	refresh_token_id, expires, created_at`

func scanSession(row scanner) (identity.Session, error) {
	var (
		s       identity.Session
		refresh sql.NullString
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.ClientID, &s.IPAddress, &s.UserAgent, &s.Browser, &s.BrowserVersion,
		&s.OperatingSystem, &s.DeviceType, &s.CountryCode, &refresh, &s.Expires, &s.CreatedAt); err != nil {
		return identity.Session{}, err
	}
	if refresh.Valid {
		s.RefreshTokenID = &refresh.String
	}
	return s, nil
}

func (q queries) Session(ctx context.Context, id string) (identity.Session, error) {
	s, err := scanSession(q.q.QueryRowContext(ctx, `select `+sessionColumns+` from session where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Session{}, identity.ErrSessionNotFound
	}
	if err != nil {
		return identity.Session{}, fmt.Errorf("load session: %w", err)
	}
	return s, nil
}

func (q queries) LiveSessions(ctx context.Context, userID, clientID string, now time.Time) ([]identity.Session, error) {
	rows, err := q.q.QueryContext(ctx, `
		select `+sessionColumns+` from session
		where user_id = $1 and client_id = $2 and expires > $3
		order by created_at
	`, userID, clientID, now)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var result []identity.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func (q queries) CountLiveSessions(ctx context.Context, userID, clientID string, now time.Time) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `
		select count(*) from session where user_id = $1 and client_id = $2 and expires > $3
	`, userID, clientID, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

func (q queries) InsertSession(ctx context.Context, s identity.Session) error {
	_, err := q.q.ExecContext(ctx, `
		insert into session (id, user_id, client_id, ip_address, user_agent, browser, browser_version,
			operating_system, device_type, country_code, refresh_token_id, expires, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, s.ID, s.UserID, s.ClientID, nullIfEmpty(s.IPAddress), nullIfEmpty(s.UserAgent), nullIfEmpty(s.Browser),
		nullIfEmpty(s.BrowserVersion), nullIfEmpty(s.OperatingSystem), nullIfEmpty(s.DeviceType),
		nullIfEmpty(s.CountryCode), nullString(s.RefreshTokenID), s.Expires, s.CreatedAt)
	if err != nil {
		return writeErr("session", err)
	}
	return nil
}

func (q queries) DeleteSession(ctx context.Context, id string) (bool, error) {
	res, err := q.q.ExecContext(ctx, `delete from session where id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (q queries) DeleteSessions(ctx context.Context, userID, clientID string) (int64, error) {
	res, err := q.q.ExecContext(ctx, `delete from session where user_id = $1 and client_id = $2`, userID, clientID)
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	return res.RowsAffected()
}

const refreshColumns = `id, user_id, client_id, realm_id, re_used_count, locked_at, created_at`

func (q queries) RefreshTokenForUpdate(ctx context.Context, id string) (identity.RefreshToken, error) {
	var (
		t      identity.RefreshToken
		locked sql.NullTime
	)
	err := q.q.QueryRowContext(ctx, `select `+refreshColumns+` from refresh_token where id = $1 for update`, id).
		Scan(&t.ID, &t.UserID, &t.ClientID, &t.RealmID, &t.ReUsedCount, &locked, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.RefreshToken{}, identity.ErrResourceNotFound
	}
	if err != nil {
		return identity.RefreshToken{}, fmt.Errorf("load refresh token: %w", err)
	}
	t.LockedAt = timePtr(locked)
	return t, nil
}

func (q queries) InsertRefreshToken(ctx context.Context, t identity.RefreshToken) error {
	_, err := q.q.ExecContext(ctx, `
		insert into refresh_token (id, user_id, client_id, realm_id, re_used_count, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, t.ID, t.UserID, t.ClientID, t.RealmID, t.ReUsedCount, t.CreatedAt)
	if err != nil {
		return writeErr("refresh token", err)
	}
	return nil
}

func (q queries) UpdateRefreshToken(ctx context.Context, t identity.RefreshToken) error {
	res, err := q.q.ExecContext(ctx, `
		update refresh_token set re_used_count = $2, locked_at = $3 where id = $1
	`, t.ID, t.ReUsedCount, nullTime(t.LockedAt))
	if err != nil {
		return fmt.Errorf("update refresh token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return identity.ErrResourceNotFound
	}
	return nil
}

// DeleteRefreshToken relies on session.refresh_token_id being "on delete set null".
func (q queries) DeleteRefreshToken(ctx context.Context, id string) error {
	if _, err := q.q.ExecContext(ctx, `delete from refresh_token where id = $1`, id); err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	return nil
}

func (q queries) DeleteRefreshTokens(ctx context.Context, userID, clientID string) (int64, error) {
	res, err := q.q.ExecContext(ctx, `delete from refresh_token where user_id = $1 and client_id = $2`, userID, clientID)
	if err != nil {
		return 0, fmt.Errorf("delete refresh tokens: %w", err)
	}
	return res.RowsAffected()
}

// lockTables maps a lock target onto its table and primary key column.
var lockTables = map[identity.LockKind]struct{ table, key string }{
	identity.LockRealm:         {"realm", "id"},
	identity.LockClient:        {"client", "id"},
	identity.LockUser:          {`"user"`, "id"},
	identity.LockResourceGroup: {"resource_group", "group_key"},
	identity.LockResource:      {"resource", "id"},
	identity.LockRefreshToken:  {"refresh_token", "id"},
}

func (q queries) SetLock(ctx context.Context, target identity.LockTarget, at *time.Time) (bool, error) {
	t, ok := lockTables[target.Kind]
	if !ok {
		return false, fmt.Errorf("%w: lock kind %q", identity.ErrInvalidInput, target.Kind)
	}
	res, err := q.q.ExecContext(ctx, `update `+t.table+` set locked_at = $2 where `+t.key+` = $1`, target.ID, nullTime(at))
	if err != nil {
		return false, fmt.Errorf("set lock on %s: %w", target.Kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
