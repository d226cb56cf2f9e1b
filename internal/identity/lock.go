package identity

import (
	"fmt"
	"time"
)

// Lockable is implemented by every entity that carries a locked_at stamp.
type Lockable interface {
	LockTimestamp() *time.Time
}

// IsLocked reports whether at marks a lock that is in effect at now.
func IsLocked(at *time.Time, now time.Time) bool {
	return at != nil && !at.After(now)
}

// CheckLock fails with ErrLocked when e is locked at now.
func CheckLock(now time.Time, e Lockable) error {
	if e == nil {
		return nil
	}
	if IsLocked(e.LockTimestamp(), now) {
		return ErrLocked
	}
	return nil
}

// CheckLocks runs CheckLock over every entity and stops at the first lock.
func CheckLocks(now time.Time, entities ...Lockable) error {
	for _, e := range entities {
		if err := CheckLock(now, e); err != nil {
			return err
		}
	}
	return nil
}

// ValidateLockTimestamp rejects lock stamps in the future. A nil stamp
// (unlock) is always valid.
func ValidateLockTimestamp(now time.Time, at *time.Time) error {
	if at == nil {
		return nil
	}
	if at.After(now) {
		return fmt.Errorf("%w: %s", ErrInvalidLockTimestamp, at.UTC().Format(time.RFC3339))
	}
	return nil
}

// LockKind names the table a lock is applied to.
type LockKind string

const (
	LockRealm         LockKind = "realm"
	LockClient        LockKind = "client"
	LockUser          LockKind = "user"
	LockResourceGroup LockKind = "resource_group"
	LockResource      LockKind = "resource"
	LockRefreshToken  LockKind = "refresh_token"
)

// Valid reports whether k is a known lock target.
func (k LockKind) Valid() bool {
	switch k {
	case LockRealm, LockClient, LockUser, LockResourceGroup, LockResource, LockRefreshToken:
		return true
	}
	return false
}

// LockTarget identifies the row a lock is written to.
type LockTarget struct {
	Kind LockKind
	ID   string
}
