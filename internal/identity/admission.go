package identity

import (
	"fmt"
	"time"
)

// Admit decides whether one more session fits under the client's
// concurrency ceiling. live is the number of non-expired sessions for the
// (user, client) pair, counted inside the admitting transaction.
func Admit(client Client, live int) error {
	if live >= client.MaxConcurrentSessions {
		return fmt.Errorf("%w: %d of %d in use", ErrMaxConcurrentSessions, live, client.MaxConcurrentSessions)
	}
	return nil
}

// NewSession builds the session row admitted for user on client.
func NewSession(id string, client Client, user User, info SessionInfo, refreshTokenID *string, now time.Time) Session {
	return Session{
		ID:              id,
		UserID:          user.ID,
		ClientID:        client.ID,
		IPAddress:       info.IPAddress,
		UserAgent:       info.UserAgent,
		Browser:         info.Browser,
		BrowserVersion:  info.BrowserVersion,
		OperatingSystem: info.OperatingSystem,
		DeviceType:      info.DeviceType,
		CountryCode:     info.CountryCode,
		RefreshTokenID:  refreshTokenID,
		Expires:         now.Add(client.SessionLifetime).UTC(),
		CreatedAt:       now.UTC(),
	}
}
