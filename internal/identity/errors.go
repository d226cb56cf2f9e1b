package identity

import "errors"

// Category groups errors by how a caller should react to them.
type Category string

const (
	CategoryAuthenticate Category = "authenticate"
	CategoryNotFound     Category = "not_found"
	CategoryConflict     Category = "conflict"
	CategoryValidation   Category = "validation"
)

// Error is a typed business failure. Values are compared by identity, so
// wrap them with fmt.Errorf("...: %w", err) to add context.
type Error struct {
	Category Category
	Code     string
	Message  string
}

func (e *Error) Error() string { return e.Message }

func newError(c Category, code, msg string) *Error {
	return &Error{Category: c, Code: code, Message: msg}
}

var (
	ErrWrongCredentials      = newError(CategoryAuthenticate, "wrong_credentials", "wrong credentials")
	ErrLocked                = newError(CategoryAuthenticate, "locked", "entity is locked")
	ErrInvalidToken          = newError(CategoryAuthenticate, "invalid_token", "invalid token")
	ErrExpired               = newError(CategoryAuthenticate, "expired", "token expired")
	ErrMaxConcurrentSessions = newError(CategoryAuthenticate, "max_concurrent_sessions", "maximum concurrent sessions reached")
	ErrActionForbidden       = newError(CategoryAuthenticate, "action_forbidden", "action forbidden")
	ErrNoResource            = newError(CategoryAuthenticate, "no_resource", "no resource for this client")

	ErrUserNotFound     = newError(CategoryNotFound, "user_not_found", "user not found")
	ErrGroupNotFound    = newError(CategoryNotFound, "group_not_found", "resource group not found")
	ErrResourceNotFound = newError(CategoryNotFound, "resource_not_found", "resource not found")
	ErrSessionNotFound  = newError(CategoryNotFound, "session_not_found", "session not found")
	ErrClientNotFound   = newError(CategoryNotFound, "client_not_found", "client not found")
	ErrRealmNotFound    = newError(CategoryNotFound, "realm_not_found", "realm not found")

	ErrCannotRemoveOnlyDefault = newError(CategoryConflict, "cannot_remove_only_default", "cannot remove default status from the only default group")
	ErrAlreadyExists           = newError(CategoryConflict, "already_exists", "already exists")

	ErrInvalidLockTimestamp = newError(CategoryValidation, "invalid_lock_timestamp", "lock timestamp must not be in the future")
	ErrBadRealmClientCombo  = newError(CategoryValidation, "bad_realm_client_combo", "client does not belong to realm")
	ErrInvalidInput         = newError(CategoryValidation, "invalid_input", "invalid input")
)

// AsError extracts the typed failure from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CategoryOf returns the category of a typed failure. Untyped errors are
// infrastructure failures and report ok=false.
func CategoryOf(err error) (Category, bool) {
	e, ok := AsError(err)
	if !ok {
		return "", false
	}
	return e.Category, true
}

// PublicMessage is the message safe to show to an unauthenticated caller.
// Unknown users and wrong passwords are indistinguishable.
func PublicMessage(err error) string {
	switch {
	case errors.Is(err, ErrUserNotFound), errors.Is(err, ErrWrongCredentials):
		return "invalid credentials"
	}
	if e, ok := AsError(err); ok {
		return e.Message
	}
	return "internal error"
}
