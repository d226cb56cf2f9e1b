package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	"realmkey.org/internal/identity"
)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func sampleInput(now time.Time) AccessInput {
	locked := now.Add(-time.Minute)
	return AccessInput{
		User:   identity.User{ID: "user-1", Email: "a@example.com", FirstName: "Ada", LastName: "Lovelace"},
		Client: identity.Client{ID: "client-1", Name: "portal"},
		Group:  &identity.ResourceGroup{GroupKey: "g1", Name: "default"},
		Resources: []identity.Resource{
			{Name: "tenant", Value: "acme"},
			{Name: "role", Value: "admin"},
			{Name: "legacy", Value: "x", LockedAt: &locked},
		},
		Session: identity.Session{ID: "session-1", Expires: now.Add(30 * time.Minute).Truncate(time.Second)},
	}
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	iss, err := NewIssuer("test-secret", "auth.example.com", WithClock(fixedClock(now)))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	in := sampleInput(now)
	raw, err := iss.IssueAccess(in)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if parts := strings.Split(raw, "."); len(parts) != 3 {
		t.Fatalf("expected compact token with three segments, got %d", len(parts))
	}
	claims, err := iss.VerifyAccess(raw)
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if claims.Subject != "user-1" || claims.SessionID != "session-1" || claims.Issuer != "auth.example.com" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !claims.ExpiresAt.Time.Equal(in.Session.Expires) {
		t.Fatalf("expiry %v does not match session %v", claims.ExpiresAt.Time, in.Session.Expires)
	}
	want := map[string]string{"tenant": "acme", "role": "admin"}
	if claims.Resource == nil || len(claims.Resource.Identifiers) != len(want) {
		t.Fatalf("unexpected resource claim: %+v", claims.Resource)
	}
	for k, v := range want {
		if claims.Resource.Identifiers[k] != v {
			t.Fatalf("identifier %s = %q, want %q", k, claims.Resource.Identifiers[k], v)
		}
	}
	if claims.Resource.ClientID != "client-1" || claims.Resource.GroupName != "default" {
		t.Fatalf("unexpected resource claim: %+v", claims.Resource)
	}
}

func TestVerifyExpiredDistinctFromTampered(t *testing.T) {
	issuedAt := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)
	iss, err := NewIssuer("test-secret", "auth.example.com", WithClock(fixedClock(issuedAt)))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	raw, err := iss.IssueAccess(sampleInput(issuedAt))
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}

	later, _ := NewIssuer("test-secret", "auth.example.com", WithClock(fixedClock(issuedAt.Add(time.Hour))))
	if _, err := later.VerifyAccess(raw); !errors.Is(err, identity.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}

	parts := strings.Split(raw, ".")
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)
	if _, err := iss.VerifyAccess(tampered); !errors.Is(err, identity.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for tampered token, got %v", err)
	}

	other, _ := NewIssuer("other-secret", "auth.example.com", WithClock(fixedClock(issuedAt)))
	if _, err := other.VerifyAccess(raw); !errors.Is(err, identity.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign key, got %v", err)
	}
}

func TestRefreshTokenCannotBeUsedAsAccess(t *testing.T) {
	iss, _ := NewIssuer("test-secret", "auth.example.com")
	raw, err := iss.IssueRefresh(identity.RefreshToken{ID: "rt-1", RealmID: "realm-1", ClientID: "client-1"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}
	claims, err := iss.VerifyRefresh(raw)
	if err != nil {
		t.Fatalf("VerifyRefresh: %v", err)
	}
	if claims.Subject != "rt-1" || claims.RealmID != "realm-1" || claims.ClientID != "client-1" {
		t.Fatalf("unexpected refresh claims: %+v", claims)
	}
	if _, err := iss.VerifyAccess(raw); !errors.Is(err, identity.ErrInvalidToken) {
		t.Fatalf("refresh token accepted as access token: %v", err)
	}
}

func TestIssuerRequiresKey(t *testing.T) {
	if _, err := NewIssuer("  ", "host"); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	a, _ := NewIssuer("k", "a.example.com")
	b, _ := NewIssuer("k", "b.example.com")
	raw, err := a.IssueAccess(sampleInput(time.Now().UTC()))
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if _, err := b.VerifyAccess(raw); !errors.Is(err, identity.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestTokensCarryUniqueID(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	iss, err := NewIssuer("test-secret", "auth.example.com", WithClock(fixedClock(now)))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	in := sampleInput(now)
	first, err := iss.IssueAccess(in)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	second, err := iss.IssueAccess(in)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if first == second {
		t.Fatalf("identical input produced identical tokens")
	}
	a, err := iss.VerifyAccess(first)
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	b, err := iss.VerifyAccess(second)
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("access jti must be set and unique: %q vs %q", a.ID, b.ID)
	}

	// in-place rotation re-signs the same refresh row
	rt := identity.RefreshToken{ID: "rt-1", RealmID: "realm-1", ClientID: "client-1"}
	r1, err := iss.IssueRefresh(rt, time.Hour)
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}
	r2, err := iss.IssueRefresh(rt, time.Hour)
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}
	c1, err := iss.VerifyRefresh(r1)
	if err != nil {
		t.Fatalf("VerifyRefresh: %v", err)
	}
	c2, err := iss.VerifyRefresh(r2)
	if err != nil {
		t.Fatalf("VerifyRefresh: %v", err)
	}
	if c1.ID == "" || c1.ID == c2.ID || c1.Subject != c2.Subject {
		t.Fatalf("refresh jti must be set and unique per issue: %+v vs %+v", c1, c2)
	}
}
