// Package token mints and verifies the HS256 access and refresh tokens
// handed out by the authentication service.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"realmkey.org/internal/identity"
)

const (
	typeAccess  = "access"
	typeRefresh = "refresh"
)

var errMissingKey = errors.New("token: signing key is not configured")

// ResourceClaim is the authorization snapshot embedded in an access token.
type ResourceClaim struct {
	ClientID    string            `json:"client_id"`
	ClientName  string            `json:"client_name"`
	GroupName   string            `json:"group_name,omitempty"`
	Identifiers map[string]string `json:"identifiers,omitempty"`
}

// AccessClaims are carried by access tokens.
type AccessClaims struct {
	SessionID string         `json:"sid"`
	TokenType string         `json:"typ"`
	FirstName string         `json:"first_name"`
	LastName  string         `json:"last_name"`
	Email     string         `json:"email"`
	Phone     string         `json:"phone"`
	Resource  *ResourceClaim `json:"resource,omitempty"`
	jwt.RegisteredClaims
}

// RefreshClaims are carried by refresh tokens. Subject is the refresh token id.
type RefreshClaims struct {
	RealmID   string `json:"rli"`
	ClientID  string `json:"cli"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// AccessInput is everything an access token is built from.
type AccessInput struct {
	User      identity.User
	Client    identity.Client
	Group     *identity.ResourceGroup
	Resources []identity.Resource
	Session   identity.Session
}

// Issuer signs and verifies tokens with a per-deployment secret.
type Issuer struct {
	key    []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// WithLeeway tolerates clock skew when validating exp/iat.
func WithLeeway(d time.Duration) Option {
	return func(i *Issuer) {
		if d > 0 {
			i.leeway = d
		}
	}
}

// NewIssuer builds an Issuer. issuer is written to and required in the iss claim.
func NewIssuer(signingKey, issuer string, opts ...Option) (*Issuer, error) {
	signingKey = strings.TrimSpace(signingKey)
	if signingKey == "" {
		return nil, errMissingKey
	}
	i := &Issuer{
		key:    []byte(signingKey),
		issuer: strings.TrimSpace(issuer),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// IssueAccess signs an access token that expires with the session.
func (i *Issuer) IssueAccess(in AccessInput) (string, error) {
	if strings.TrimSpace(in.User.ID) == "" || strings.TrimSpace(in.Session.ID) == "" {
		return "", errors.New("token: user and session are required")
	}
	now := i.now().UTC()
	claims := AccessClaims{
		SessionID: in.Session.ID,
		TokenType: typeAccess,
		FirstName: in.User.FirstName,
		LastName:  in.User.LastName,
		Email:     in.User.Email,
		Phone:     in.User.Phone,
		Resource:  BuildResourceClaim(in.Client, in.Group, in.Resources, now),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.issuer,
			Subject:   in.User.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(in.Session.Expires),
		},
	}
	return i.sign(claims)
}

// IssueRefresh signs a refresh token handle for rt valid for lifetime.
func (i *Issuer) IssueRefresh(rt identity.RefreshToken, lifetime time.Duration) (string, error) {
	if strings.TrimSpace(rt.ID) == "" {
		return "", errors.New("token: refresh token id is required")
	}
	if lifetime <= 0 {
		return "", errors.New("token: refresh lifetime must be greater than zero")
	}
	now := i.now().UTC()
	claims := RefreshClaims{
		RealmID:   rt.RealmID,
		ClientID:  rt.ClientID,
		TokenType: typeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.issuer,
			Subject:   rt.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
	}
	return i.sign(claims)
}

// VerifyAccess validates signature, issuer and expiry of an access token.
// Expired tokens fail with identity.ErrExpired, everything else with
// identity.ErrInvalidToken.
func (i *Issuer) VerifyAccess(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := i.parse(raw, claims); err != nil {
		return nil, err
	}
	if claims.TokenType != typeAccess || claims.Subject == "" || claims.SessionID == "" {
		return nil, identity.ErrInvalidToken
	}
	return claims, nil
}

// VerifyRefresh validates a refresh token and returns its claims.
func (i *Issuer) VerifyRefresh(raw string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := i.parse(raw, claims); err != nil {
		return nil, err
	}
	if claims.TokenType != typeRefresh || claims.Subject == "" || claims.RealmID == "" || claims.ClientID == "" {
		return nil, identity.ErrInvalidToken
	}
	return claims, nil
}

func (i *Issuer) sign(claims jwt.Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (i *Issuer) parse(raw string, claims jwt.Claims) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return identity.ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.now),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}
	if i.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(i.leeway))
	}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return i.key, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return identity.ErrExpired
		}
		return identity.ErrInvalidToken
	}
	if !parsed.Valid {
		return identity.ErrInvalidToken
	}
	return nil
}

// BuildResourceClaim flattens the active resources of a group into the
// name→value identifier map. Locked resources are skipped.
func BuildResourceClaim(client identity.Client, group *identity.ResourceGroup, resources []identity.Resource, now time.Time) *ResourceClaim {
	rc := &ResourceClaim{
		ClientID:    client.ID,
		ClientName:  client.Name,
		Identifiers: make(map[string]string, len(resources)),
	}
	if group != nil {
		rc.GroupName = group.Name
	}
	for _, r := range resources {
		if identity.IsLocked(r.LockedAt, now) {
			continue
		}
		rc.Identifiers[r.Name] = r.Value
	}
	return rc
}
