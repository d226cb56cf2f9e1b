package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"realmkey.org/internal/identity"
	"realmkey.org/internal/token"
)

// Logout ends one session.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", identity.ErrInvalidInput)
	}
	ok, err := s.store.DeleteSession(ctx, sessionID)
	if err != nil {
		s.logFailure("logout", err, log.Fields{"session_id": sessionID})
		return err
	}
	if !ok {
		return identity.ErrSessionNotFound
	}
	return nil
}

// LogoutToken ends the session an access token belongs to.
func (s *Service) LogoutToken(ctx context.Context, accessToken string) error {
	claims, err := s.tokens.VerifyAccess(accessToken)
	if err != nil {
		return err
	}
	return s.Logout(ctx, claims.SessionID)
}

// LogoutAll ends every session of a user on a client and revokes the
// pair's refresh tokens. It returns the number of sessions removed.
func (s *Service) LogoutAll(ctx context.Context, userID, clientID string) (int64, error) {
	userID = strings.TrimSpace(userID)
	clientID = strings.TrimSpace(clientID)
	if userID == "" || clientID == "" {
		return 0, fmt.Errorf("%w: user and client are required", identity.ErrInvalidInput)
	}
	var removed int64
	err := s.store.WithTx(ctx, func(q Queries) error {
		n, err := q.DeleteSessions(ctx, userID, clientID)
		if err != nil {
			return err
		}
		if _, err := q.DeleteRefreshTokens(ctx, userID, clientID); err != nil {
			return err
		}
		removed = n
		return nil
	})
	if err != nil {
		s.logFailure("logout_all", err, log.Fields{"user_id": userID, "client_id": clientID})
		return 0, err
	}
	return removed, nil
}

// Introspect reports the state behind an access token. A well-signed token
// whose session is gone, expired, or whose user or client got locked is
// reported inactive. A token minted for another client fails with
// ErrNoResource.
func (s *Service) Introspect(ctx context.Context, req IntrospectRequest) (Introspection, error) {
	claims, err := s.tokens.VerifyAccess(req.AccessToken)
	if err != nil {
		return Introspection{}, err
	}
	clientID := strings.TrimSpace(req.ClientID)
	if clientID != "" && (claims.Resource == nil || claims.Resource.ClientID != clientID) {
		return Introspection{}, identity.ErrNoResource
	}
	active, err := s.active(ctx, claims)
	if err != nil || !active {
		return Introspection{}, err
	}

	out := Introspection{
		Active:    true,
		TokenType: "bearer",
		Subject:   claims.Subject,
		SessionID: claims.SessionID,
		FirstName: claims.FirstName,
		LastName:  claims.LastName,
		Email:     claims.Email,
		Issuer:    claims.Issuer,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Unix()
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Unix()
	}
	if rc := claims.Resource; rc != nil {
		out.ClientID = rc.ClientID
		out.ClientName = rc.ClientName
		out.GroupName = rc.GroupName
		out.Identifiers = rc.Identifiers
		for name := range rc.Identifiers {
			out.Resources = append(out.Resources, name)
		}
		sort.Strings(out.Resources)
	}
	return out, nil
}

// Authenticate admits a bearer token to the session routes of clientID.
// The token must verify, belong to clientID and still be active in the
// sense of Introspect; a logged out or locked session fails with
// ErrInvalidToken.
func (s *Service) Authenticate(ctx context.Context, accessToken, clientID string) (*token.AccessClaims, error) {
	claims, err := s.tokens.VerifyAccess(accessToken)
	if err != nil {
		return nil, err
	}
	if claims.Resource == nil || claims.Resource.ClientID != strings.TrimSpace(clientID) {
		return nil, identity.ErrNoResource
	}
	active, err := s.active(ctx, claims)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, fmt.Errorf("%w: session is no longer active", identity.ErrInvalidToken)
	}
	return claims, nil
}

// active reports whether the session behind claims is live and nothing
// above it is locked.
func (s *Service) active(ctx context.Context, claims *token.AccessClaims) (bool, error) {
	now := s.now().UTC()
	sess, err := s.store.Session(ctx, claims.SessionID)
	switch {
	case errors.Is(err, identity.ErrSessionNotFound):
		return false, nil
	case err != nil:
		return false, err
	case !sess.Live(now) || sess.UserID != claims.Subject:
		return false, nil
	}

	client, err := s.store.Client(ctx, sess.ClientID)
	if err != nil {
		return false, err
	}
	realm, err := s.store.Realm(ctx, client.RealmID)
	if err != nil {
		return false, err
	}
	user, err := s.store.FindUser(ctx, realm.ID, identity.ByID(sess.UserID))
	if errors.Is(err, identity.ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return identity.CheckLocks(now, realm, client, user) == nil, nil
}

// Sessions lists the live sessions of a user on a client.
func (s *Service) Sessions(ctx context.Context, userID, clientID string) ([]identity.Session, error) {
	userID = strings.TrimSpace(userID)
	clientID = strings.TrimSpace(clientID)
	if userID == "" || clientID == "" {
		return nil, fmt.Errorf("%w: user and client are required", identity.ErrInvalidInput)
	}
	return s.store.LiveSessions(ctx, userID, clientID, s.now().UTC())
}
