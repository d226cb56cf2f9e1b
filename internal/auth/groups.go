package auth

import (
	"context"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"realmkey.org/internal/identity"
)

// RegisterUser creates a user in a realm together with its first resource
// group on client. The first group always becomes the default.
func (s *Service) RegisterUser(ctx context.Context, req RegisterRequest) (Registration, error) {
	who := identity.ByEmail(req.Email)
	email, _ := who.Email()
	if _, err := mail.ParseAddress(email); err != nil {
		return Registration{}, fmt.Errorf("%w: email is invalid", identity.ErrInvalidInput)
	}
	if strings.TrimSpace(req.FirstName) == "" {
		return Registration{}, fmt.Errorf("%w: first name is required", identity.ErrInvalidInput)
	}
	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return Registration{}, fmt.Errorf("%w: %v", identity.ErrInvalidInput, err)
	}
	now := s.now().UTC()

	var out Registration
	err = s.store.WithTx(ctx, func(q Queries) error {
		realm, client, err := s.realmClient(ctx, q, req.RealmID, req.ClientID, now)
		if err != nil {
			return err
		}
		user := identity.User{
			ID:           s.newID(),
			RealmID:      realm.ID,
			Email:        email,
			PasswordHash: hash,
			FirstName:    strings.TrimSpace(req.FirstName),
			LastName:     strings.TrimSpace(req.LastName),
			Phone:        strings.TrimSpace(req.Phone),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := q.InsertUser(ctx, user); err != nil {
			return err
		}
		name := strings.TrimSpace(req.GroupName)
		if name == "" {
			name = "default"
		}
		group, err := s.insertGroup(ctx, q, realm.ID, GroupInput{
			UserID:      user.ID,
			ClientID:    client.ID,
			Name:        name,
			Identifiers: req.Identifiers,
		}, now)
		if err != nil {
			return err
		}
		out = Registration{User: user, Group: group}
		return nil
	})
	if err != nil {
		s.logFailure("register", err, log.Fields{"realm_id": req.RealmID, "client_id": req.ClientID})
		return Registration{}, err
	}
	return out, nil
}

// CreateResourceGroup adds a group to a (user, client) pair. Asking for
// is_default demotes the current default; a pair's first group is forced
// to default.
func (s *Service) CreateResourceGroup(ctx context.Context, in GroupInput) (identity.ResourceGroup, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	in.ClientID = strings.TrimSpace(in.ClientID)
	if in.UserID == "" || in.ClientID == "" || strings.TrimSpace(in.Name) == "" {
		return identity.ResourceGroup{}, fmt.Errorf("%w: user, client and name are required", identity.ErrInvalidInput)
	}
	now := s.now().UTC()

	var out identity.ResourceGroup
	err := s.store.WithTx(ctx, func(q Queries) error {
		client, err := q.Client(ctx, in.ClientID)
		if err != nil {
			return err
		}
		// scopes the user to the client's realm
		if _, err := q.FindUser(ctx, client.RealmID, identity.ByID(in.UserID)); err != nil {
			return err
		}
		if err := q.LockUserClient(ctx, in.UserID, in.ClientID); err != nil {
			return err
		}
		g, err := s.insertGroup(ctx, q, client.RealmID, in, now)
		if err != nil {
			return err
		}
		out = g
		return nil
	})
	if err != nil {
		s.logFailure("create_group", err, log.Fields{"user_id": in.UserID, "client_id": in.ClientID})
		return identity.ResourceGroup{}, err
	}
	return out, nil
}

func (s *Service) insertGroup(ctx context.Context, q Queries, realmID string, in GroupInput, now time.Time) (identity.ResourceGroup, error) {
	if len(in.Identifiers) == 0 {
		return identity.ResourceGroup{}, fmt.Errorf("%w: at least one resource identifier is required", identity.ErrInvalidInput)
	}
	existing, err := q.ListResourceGroups(ctx, in.UserID, in.ClientID)
	if err != nil {
		return identity.ResourceGroup{}, err
	}
	decision, err := identity.ResolveDefault(identity.GroupWrite{
		Requested:     in.IsDefault,
		Insert:        true,
		OtherDefaults: countDefaults(existing, ""),
	})
	if err != nil {
		return identity.ResourceGroup{}, err
	}

	g := identity.ResourceGroup{
		GroupKey:    s.newID(),
		RealmID:     realmID,
		UserID:      in.UserID,
		ClientID:    in.ClientID,
		Name:        strings.TrimSpace(in.Name),
		Description: strings.TrimSpace(in.Description),
		IsDefault:   decision.IsDefault,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if decision.DemoteOthers {
		if err := q.DemoteDefaults(ctx, in.UserID, in.ClientID, g.GroupKey); err != nil {
			return identity.ResourceGroup{}, err
		}
	}
	if err := q.InsertResourceGroup(ctx, g); err != nil {
		return identity.ResourceGroup{}, err
	}

	names := make([]string, 0, len(in.Identifiers))
	for name := range in.Identifiers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			return identity.ResourceGroup{}, fmt.Errorf("%w: resource name is empty", identity.ErrInvalidInput)
		}
		r := identity.Resource{
			ID:        s.newID(),
			UserID:    in.UserID,
			ClientID:  in.ClientID,
			GroupKey:  g.GroupKey,
			Name:      strings.TrimSpace(name),
			Value:     in.Identifiers[name],
			IsDefault: g.IsDefault,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := q.InsertResource(ctx, r); err != nil {
			return identity.ResourceGroup{}, err
		}
	}
	return g, nil
}

// UpdateResourceGroup renames a group or changes its default flag. Clearing
// the flag on the only default group fails with ErrCannotRemoveOnlyDefault.
func (s *Service) UpdateResourceGroup(ctx context.Context, groupKey string, upd GroupUpdate) (identity.ResourceGroup, error) {
	groupKey = strings.TrimSpace(groupKey)
	if groupKey == "" {
		return identity.ResourceGroup{}, fmt.Errorf("%w: group key is required", identity.ErrInvalidInput)
	}
	now := s.now().UTC()

	var out identity.ResourceGroup
	err := s.store.WithTx(ctx, func(q Queries) error {
		g, err := q.ResourceGroupByKey(ctx, groupKey)
		if err != nil {
			return err
		}
		if err := q.LockUserClient(ctx, g.UserID, g.ClientID); err != nil {
			return err
		}
		if upd.IsDefault != nil {
			siblings, err := q.ListResourceGroups(ctx, g.UserID, g.ClientID)
			if err != nil {
				return err
			}
			decision, err := identity.ResolveDefault(identity.GroupWrite{
				Requested:     upd.IsDefault,
				OtherDefaults: countDefaults(siblings, g.GroupKey),
			})
			if err != nil {
				return err
			}
			if decision.DemoteOthers {
				if err := q.DemoteDefaults(ctx, g.UserID, g.ClientID, g.GroupKey); err != nil {
					return err
				}
			}
			g.IsDefault = decision.IsDefault
		}
		if upd.Name != nil {
			name := strings.TrimSpace(*upd.Name)
			if name == "" {
				return fmt.Errorf("%w: name must not be empty", identity.ErrInvalidInput)
			}
			g.Name = name
		}
		if upd.Description != nil {
			g.Description = strings.TrimSpace(*upd.Description)
		}
		g.UpdatedAt = now
		if err := q.UpdateResourceGroup(ctx, g); err != nil {
			return err
		}
		out = g
		return nil
	})
	if err != nil {
		s.logFailure("update_group", err, log.Fields{"group_key": groupKey})
		return identity.ResourceGroup{}, err
	}
	return out, nil
}

// DeleteResourceGroup removes a group and its resources. Deleting the
// default group promotes the oldest remaining one.
func (s *Service) DeleteResourceGroup(ctx context.Context, groupKey string) error {
	groupKey = strings.TrimSpace(groupKey)
	if groupKey == "" {
		return fmt.Errorf("%w: group key is required", identity.ErrInvalidInput)
	}
	now := s.now().UTC()

	err := s.store.WithTx(ctx, func(q Queries) error {
		g, err := q.ResourceGroupByKey(ctx, groupKey)
		if err != nil {
			return err
		}
		if err := q.LockUserClient(ctx, g.UserID, g.ClientID); err != nil {
			return err
		}
		if err := q.DeleteResourceGroup(ctx, g.GroupKey); err != nil {
			return err
		}
		if !g.IsDefault {
			return nil
		}
		remaining, err := q.ListResourceGroups(ctx, g.UserID, g.ClientID)
		if err != nil {
			return err
		}
		next, ok := identity.PickSuccessor(remaining)
		if !ok {
			return nil
		}
		next.IsDefault = true
		next.UpdatedAt = now
		return q.UpdateResourceGroup(ctx, next)
	})
	if err != nil {
		s.logFailure("delete_group", err, log.Fields{"group_key": groupKey})
		return err
	}
	return nil
}

// SetLock stamps (or with at == nil clears) locked_at on one entity.
// Stamps in the future are rejected.
func (s *Service) SetLock(ctx context.Context, target identity.LockTarget, at *time.Time) error {
	if !target.Kind.Valid() || strings.TrimSpace(target.ID) == "" {
		return fmt.Errorf("%w: unknown lock target %q", identity.ErrInvalidInput, target.Kind)
	}
	if err := identity.ValidateLockTimestamp(s.now(), at); err != nil {
		return err
	}
	if at != nil {
		utc := at.UTC()
		at = &utc
	}
	ok, err := s.store.SetLock(ctx, target, at)
	if err != nil {
		s.logFailure("set_lock", err, log.Fields{"kind": target.Kind, "id": target.ID})
		return err
	}
	if !ok {
		return notFoundFor(target.Kind)
	}
	return nil
}

func notFoundFor(kind identity.LockKind) error {
	switch kind {
	case identity.LockRealm:
		return identity.ErrRealmNotFound
	case identity.LockClient:
		return identity.ErrClientNotFound
	case identity.LockUser:
		return identity.ErrUserNotFound
	case identity.LockResourceGroup:
		return identity.ErrGroupNotFound
	default:
		return identity.ErrResourceNotFound
	}
}

func countDefaults(groups []identity.ResourceGroup, exceptKey string) int {
	n := 0
	for _, g := range groups {
		if g.IsDefault && g.GroupKey != exceptKey {
			n++
		}
	}
	return n
}
