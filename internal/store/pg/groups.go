package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"realmkey.org/internal/identity"
)

const groupColumns = `group_key, realm_id, user_id, client_id, name, coalesce(description, ''), is_default, locked_at, created_at, updated_at`

func scanGroup(row scanner) (identity.ResourceGroup, error) {
	var (
		g      identity.ResourceGroup
		locked sql.NullTime
	)
	if err := row.Scan(&g.GroupKey, &g.RealmID, &g.UserID, &g.ClientID, &g.Name, &g.Description, &g.IsDefault,
		&locked, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return identity.ResourceGroup{}, err
	}
	g.LockedAt = timePtr(locked)
	return g, nil
}

func (q queries) ResourceGroup(ctx context.Context, userID, clientID, groupKey string) (identity.ResourceGroup, error) {
	var row *sql.Row
	if groupKey == "" {
		row = q.q.QueryRowContext(ctx, `
			select `+groupColumns+` from resource_group
			where user_id = $1 and client_id = $2 and is_default
		`, userID, clientID)
	} else {
		row = q.q.QueryRowContext(ctx, `
			select `+groupColumns+` from resource_group
			where user_id = $1 and client_id = $2 and group_key = $3
		`, userID, clientID, groupKey)
	}
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.ResourceGroup{}, identity.ErrGroupNotFound
	}
	if err != nil {
		return identity.ResourceGroup{}, fmt.Errorf("load resource group: %w", err)
	}
	return g, nil
}

func (q queries) ResourceGroupByKey(ctx context.Context, groupKey string) (identity.ResourceGroup, error) {
	g, err := scanGroup(q.q.QueryRowContext(ctx, `select `+groupColumns+` from resource_group where group_key = $1`, groupKey))
	if errors.Is(err, sql.ErrNoRows) {
		return identity.ResourceGroup{}, identity.ErrGroupNotFound
	}
	if err != nil {
		return identity.ResourceGroup{}, fmt.Errorf("load resource group: %w", err)
	}
	return g, nil
}

func (q queries) ListResourceGroups(ctx context.Context, userID, clientID string) ([]identity.ResourceGroup, error) {
	rows, err := q.q.QueryContext(ctx, `
		select `+groupColumns+` from resource_group
		where user_id = $1 and client_id = $2
		order by created_at, group_key
	`, userID, clientID)
	if err != nil {
		return nil, fmt.Errorf("list resource groups: %w", err)
	}
	defer rows.Close()

	var result []identity.ResourceGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, g)
	}
	return result, rows.Err()
}

func (q queries) InsertResourceGroup(ctx context.Context, g identity.ResourceGroup) error {
	_, err := q.q.ExecContext(ctx, `
		insert into resource_group (group_key, realm_id, user_id, client_id, name, description, is_default, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, g.GroupKey, g.RealmID, g.UserID, g.ClientID, g.Name, nullIfEmpty(g.Description), g.IsDefault, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return writeErr("resource group", err)
	}
	return nil
}

func (q queries) UpdateResourceGroup(ctx context.Context, g identity.ResourceGroup) error {
	res, err := q.q.ExecContext(ctx, `
		update resource_group
		set name = $2, description = $3, is_default = $4, updated_at = $5
		where group_key = $1
	`, g.GroupKey, g.Name, nullIfEmpty(g.Description), g.IsDefault, g.UpdatedAt)
	if err != nil {
		return writeErr("resource group", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return identity.ErrGroupNotFound
	}
	if _, err := q.q.ExecContext(ctx, `
		update resource set is_default = $2, updated_at = $3 where group_key = $1
	`, g.GroupKey, g.IsDefault, g.UpdatedAt); err != nil {
		return fmt.Errorf("mirror default flag: %w", err)
	}
	return nil
}

// DeleteResourceGroup relies on resource.group_key cascading.
func (q queries) DeleteResourceGroup(ctx context.Context, groupKey string) error {
	res, err := q.q.ExecContext(ctx, `delete from resource_group where group_key = $1`, groupKey)
	if err != nil {
		return fmt.Errorf("delete resource group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return identity.ErrGroupNotFound
	}
	return nil
}

func (q queries) DemoteDefaults(ctx context.Context, userID, clientID, exceptKey string) error {
	if _, err := q.q.ExecContext(ctx, `
		update resource_group set is_default = false, updated_at = now()
		where user_id = $1 and client_id = $2 and group_key <> $3 and is_default
	`, userID, clientID, exceptKey); err != nil {
		return fmt.Errorf("demote groups: %w", err)
	}
	if _, err := q.q.ExecContext(ctx, `
		update resource set is_default = false, updated_at = now()
		where user_id = $1 and client_id = $2 and group_key <> $3 and is_default
	`, userID, clientID, exceptKey); err != nil {
		return fmt.Errorf("demote resources: %w", err)
	}
	return nil
}

const resourceColumns = `id, user_id, client_id, group_key, name, value, coalesce(description, ''), is_default, locked_at, created_at, updated_at`

func (q queries) InsertResource(ctx context.Context, r identity.Resource) error {
	_, err := q.q.ExecContext(ctx, `
		insert into resource (id, user_id, client_id, group_key, name, value, description, is_default, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, r.ID, r.UserID, r.ClientID, r.GroupKey, r.Name, r.Value, nullIfEmpty(r.Description), r.IsDefault, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return writeErr("resource", err)
	}
	return nil
}

func (q queries) ActiveResources(ctx context.Context, userID, clientID, groupKey string, now time.Time) ([]identity.Resource, error) {
	rows, err := q.q.QueryContext(ctx, `
		select `+resourceColumns+` from resource
		where user_id = $1 and client_id = $2 and group_key = $3
		  and (locked_at is null or locked_at > $4)
		order by name
	`, userID, clientID, groupKey, now)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()

	var result []identity.Resource
	for rows.Next() {
		var (
			r      identity.Resource
			locked sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.ClientID, &r.GroupKey, &r.Name, &r.Value, &r.Description,
			&r.IsDefault, &locked, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.LockedAt = timePtr(locked)
		result = append(result, r)
	}
	return result, rows.Err()
}
