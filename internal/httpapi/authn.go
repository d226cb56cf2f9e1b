package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"realmkey.org/internal/auth"
	"realmkey.org/internal/identity"
)

const (
	authHeader  = "Authorization"
	adminHeader = "X-Admin-Token"
	bearer      = "Bearer "
)

// withBearer requires an access token bound to the client named in the
// path whose session is still active.
func (a *API) withBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, identity.ErrInvalidToken.Code, err.Error())
			return
		}
		claims, err := a.svc.Authenticate(r.Context(), token, r.PathValue("client"))
		if err != nil {
			handleError(w, r, err)
			return
		}

		ctx := auth.ContextWithClaims(r.Context(), claims)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withAdmin guards management routes. They are disabled when no admin
// token is configured.
func (a *API) withAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.adminToken == "" {
			http.NotFound(w, r)
			return
		}
		got := r.Header.Get(adminHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(a.adminToken)) != 1 {
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
