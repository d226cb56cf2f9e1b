package identity

import "time"

// RotationPlan is what the store must do with a presented refresh token.
type RotationPlan struct {
	// Replace means delete Current and insert Next under a new id.
	// Otherwise Next is Current with its reuse counter advanced.
	Replace bool
	Current RefreshToken
	Next    RefreshToken
}

// Rotate applies the bounded-reuse rule. A token used reuse_limit times is
// swapped for a fresh one; reuse_limit 0 therefore rotates on every use.
func Rotate(current RefreshToken, client Client, newID string, now time.Time) RotationPlan {
	if current.ReUsedCount >= client.RefreshTokenReuseLimit {
		return RotationPlan{
			Replace: true,
			Current: current,
			Next: RefreshToken{
				ID:        newID,
				UserID:    current.UserID,
				ClientID:  client.ID,
				RealmID:   client.RealmID,
				CreatedAt: now.UTC(),
			},
		}
	}
	next := current
	next.ReUsedCount++
	next.LockedAt = nil
	return RotationPlan{Current: current, Next: next}
}

// NewRefreshToken is the first token of a rotation chain.
func NewRefreshToken(id string, user User, client Client, now time.Time) RefreshToken {
	return RefreshToken{
		ID:        id,
		UserID:    user.ID,
		ClientID:  client.ID,
		RealmID:   client.RealmID,
		CreatedAt: now.UTC(),
	}
}
