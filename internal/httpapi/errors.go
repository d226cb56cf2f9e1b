package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"realmkey.org/internal/audit"
	"realmkey.org/internal/identity"
)

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleError maps typed service failures onto HTTP statuses.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := identity.AsError(err)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeError(w, r, statusFor(e), e.Code, e.Message)
}

// handleAuthError is handleError for unauthenticated callers: an unknown
// user and a wrong password produce the same response.
func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, identity.ErrUserNotFound) || errors.Is(err, identity.ErrWrongCredentials) {
		writeError(w, r, http.StatusUnauthorized, identity.ErrWrongCredentials.Code, identity.PublicMessage(err))
		return
	}
	handleError(w, r, err)
}

func statusFor(e *identity.Error) int {
	switch e {
	case identity.ErrLocked, identity.ErrActionForbidden, identity.ErrNoResource, identity.ErrMaxConcurrentSessions:
		return http.StatusForbidden
	}
	switch e.Category {
	case identity.CategoryAuthenticate:
		return http.StatusUnauthorized
	case identity.CategoryNotFound:
		return http.StatusNotFound
	case identity.CategoryConflict:
		return http.StatusConflict
	case identity.CategoryValidation:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	payload := map[string]any{
		"error": msg,
		"code":  code,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeError(w, r, http.StatusBadRequest, identity.ErrInvalidInput.Code, msg)
}
