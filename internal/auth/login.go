package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"realmkey.org/internal/identity"
	"realmkey.org/internal/obs"
)

// Login authenticates email and password against a realm-scoped client and
// opens a session. When the client uses refresh tokens a fresh rotation
// chain is started in the same transaction.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	res, err := s.login(ctx, req)
	obs.ObserveLogin(resultCode(err))
	if err != nil {
		s.logFailure("login", err, log.Fields{"realm_id": req.RealmID, "client_id": req.ClientID})
		return LoginResult{}, err
	}
	return res, nil
}

func (s *Service) login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	who := identity.ByEmail(req.Email)
	if email, _ := who.Email(); email == "" || req.Password == "" {
		return LoginResult{}, fmt.Errorf("%w: email and password are required", identity.ErrInvalidInput)
	}
	now := s.now().UTC()

	realm, client, err := s.realmClient(ctx, s.store, req.RealmID, req.ClientID, now)
	if err != nil {
		return LoginResult{}, err
	}
	user, err := s.store.FindUser(ctx, realm.ID, who)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			// Unknown accounts pay the same hashing cost as known ones.
			s.hasher.Verify(req.Password, s.decoyHash())
		}
		return LoginResult{}, err
	}
	// Groups and locks are only consulted once the password matches.
	if !s.hasher.Verify(req.Password, user.PasswordHash) {
		return LoginResult{}, identity.ErrWrongCredentials
	}
	group, err := userGroup(ctx, s.store, user.ID, client.ID, req.GroupKey)
	if err != nil {
		return LoginResult{}, err
	}
	if err := identity.CheckLocks(now, user, group, client); err != nil {
		return LoginResult{}, err
	}

	var out LoginResult
	err = s.store.WithTx(ctx, func(q Queries) error {
		resources, err := s.admit(ctx, q, client, user, group, now)
		if err != nil {
			return err
		}

		var refreshID *string
		if client.UseRefreshToken {
			rt := identity.NewRefreshToken(s.newID(), user, client, now)
			if err := q.InsertRefreshToken(ctx, rt); err != nil {
				return err
			}
			refresh, err := s.tokens.IssueRefresh(rt, client.RefreshTokenLifetime)
			if err != nil {
				return err
			}
			refreshID = &rt.ID
			out.RefreshToken = refresh
		}

		sess, access, err := s.openSession(ctx, q, client, user, group, resources, req.Session, refreshID, now)
		if err != nil {
			return err
		}
		out.AccessToken = access
		out.SessionID = sess.ID
		out.ExpiresAt = sess.Expires
		return nil
	})
	if err != nil {
		return LoginResult{}, err
	}
	out.RealmID = realm.ID
	out.ClientID = client.ID
	out.User = user
	return out, nil
}

// Refresh presents a refresh token, applies the bounded-reuse rotation and
// opens a new session with a new access token.
func (s *Service) Refresh(ctx context.Context, req RefreshRequest) (RefreshResult, error) {
	res, err := s.refresh(ctx, req)
	obs.ObserveRefresh(resultCode(err))
	if err != nil {
		s.logFailure("refresh", err, log.Fields{"realm_id": req.RealmID, "client_id": req.ClientID})
		return RefreshResult{}, err
	}
	obs.ObserveRotation(res.Rotated)
	return res, nil
}

func (s *Service) refresh(ctx context.Context, req RefreshRequest) (RefreshResult, error) {
	claims, err := s.tokens.VerifyRefresh(req.RefreshToken)
	if err != nil {
		return RefreshResult{}, err
	}
	if claims.RealmID != strings.TrimSpace(req.RealmID) || claims.ClientID != strings.TrimSpace(req.ClientID) {
		return RefreshResult{}, fmt.Errorf("%w: token was issued for another client", identity.ErrInvalidToken)
	}
	now := s.now().UTC()

	realm, client, err := s.realmClient(ctx, s.store, req.RealmID, req.ClientID, now)
	if err != nil {
		return RefreshResult{}, err
	}
	if !client.UseRefreshToken {
		return RefreshResult{}, fmt.Errorf("%w: client does not use refresh tokens", identity.ErrActionForbidden)
	}

	var out RefreshResult
	err = s.store.WithTx(ctx, func(q Queries) error {
		current, err := q.RefreshTokenForUpdate(ctx, claims.Subject)
		if err != nil {
			if errors.Is(err, identity.ErrResourceNotFound) {
				return fmt.Errorf("%w: refresh token revoked or rotated", identity.ErrInvalidToken)
			}
			return err
		}
		if current.ClientID != client.ID || current.RealmID != realm.ID {
			return identity.ErrInvalidToken
		}
		if err := identity.CheckLock(now, current); err != nil {
			return err
		}
		user, err := q.FindUser(ctx, realm.ID, identity.ByID(current.UserID))
		if err != nil {
			return err
		}
		group, err := userGroup(ctx, q, user.ID, client.ID, req.GroupKey)
		if err != nil {
			return err
		}
		if err := identity.CheckLocks(now, user, group); err != nil {
			return err
		}

		plan := identity.Rotate(current, client, s.newID(), now)
		if plan.Replace {
			if err := q.DeleteRefreshToken(ctx, current.ID); err != nil {
				return err
			}
			if err := q.InsertRefreshToken(ctx, plan.Next); err != nil {
				return err
			}
		} else if err := q.UpdateRefreshToken(ctx, plan.Next); err != nil {
			return err
		}

		resources, err := s.admit(ctx, q, client, user, group, now)
		if err != nil {
			return err
		}
		nextID := plan.Next.ID
		sess, access, err := s.openSession(ctx, q, client, user, group, resources, req.Session, &nextID, now)
		if err != nil {
			return err
		}
		refresh, err := s.tokens.IssueRefresh(plan.Next, client.RefreshTokenLifetime)
		if err != nil {
			return err
		}
		out = RefreshResult{
			AccessToken:  access,
			RefreshToken: refresh,
			ExpiresIn:    int64(sess.Expires.Sub(now).Seconds()),
			SessionID:    sess.ID,
			Rotated:      plan.Replace,
		}
		return nil
	})
	if err != nil {
		return RefreshResult{}, err
	}
	return out, nil
}
