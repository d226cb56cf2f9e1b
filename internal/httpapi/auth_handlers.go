package httpapi

import (
	"net/http"
	"strings"
	"time"

	"realmkey.org/internal/audit"
	"realmkey.org/internal/auth"
	"realmkey.org/internal/identity"
)

type loginRequest struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	ResourceGroup string `json:"resource_group,omitempty"`
}

type refreshRequest struct {
	RefreshToken  string `json:"refresh_token"`
	ResourceGroup string `json:"resource_group,omitempty"`
}

type introspectRequest struct {
	Token string `json:"token"`
}

type sessionResponse struct {
	ID              string    `json:"id"`
	IPAddress       string    `json:"ip_address,omitempty"`
	UserAgent       string    `json:"user_agent,omitempty"`
	Browser         string    `json:"browser,omitempty"`
	BrowserVersion  string    `json:"browser_version,omitempty"`
	OperatingSystem string    `json:"operating_system,omitempty"`
	DeviceType      string    `json:"device_type,omitempty"`
	CountryCode     string    `json:"country_code,omitempty"`
	Expires         time.Time `json:"expires"`
	CreatedAt       time.Time `json:"created_at"`
	Current         bool      `json:"current"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}

	res, err := a.svc.Login(r.Context(), auth.LoginRequest{
		RealmID:  r.PathValue("realm"),
		ClientID: r.PathValue("client"),
		Email:    req.Email,
		Password: req.Password,
		GroupKey: req.ResourceGroup,
		Session:  sessionInfo(r),
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	ctx := auth.ContextWithUser(r.Context(), res.User.ID)
	_ = audit.LogEvent(ctx, "auth.login", map[string]any{
		"realm_id":   res.RealmID,
		"client_id":  res.ClientID,
		"session_id": res.SessionID,
	})
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		badRequest(w, r, "refresh_token is required")
		return
	}

	res, err := a.svc.Refresh(r.Context(), auth.RefreshRequest{
		RealmID:      r.PathValue("realm"),
		ClientID:     r.PathValue("client"),
		RefreshToken: req.RefreshToken,
		GroupKey:     req.ResourceGroup,
		Session:      sessionInfo(r),
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.refresh", map[string]any{
		"client_id":  r.PathValue("client"),
		"session_id": res.SessionID,
		"rotated":    res.Rotated,
	})
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, _ := auth.TokenFromContext(r.Context())
	if err := a.svc.LogoutToken(r.Context(), token); err != nil {
		handleError(w, r, err)
		return
	}
	fields := map[string]any{"client_id": r.PathValue("client")}
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		fields["session_id"] = claims.SessionID
	}
	_ = audit.LogEvent(r.Context(), "auth.logout", fields)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		handleError(w, r, identity.ErrInvalidToken)
		return
	}
	clientID := r.PathValue("client")
	removed, err := a.svc.LogoutAll(r.Context(), userID, clientID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.logout_all", map[string]any{
		"client_id":        clientID,
		"sessions_removed": removed,
	})
	writeJSON(w, http.StatusOK, map[string]any{"sessions_removed": removed})
}

func (a *API) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	var req introspectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		badRequest(w, r, "token is required")
		return
	}
	out, err := a.svc.Introspect(r.Context(), auth.IntrospectRequest{
		ClientID:    r.PathValue("client"),
		AccessToken: req.Token,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		handleError(w, r, identity.ErrInvalidToken)
		return
	}
	sessions, err := a.svc.Sessions(r.Context(), claims.Subject, r.PathValue("client"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionResponse{
			ID:              s.ID,
			IPAddress:       s.IPAddress,
			UserAgent:       s.UserAgent,
			Browser:         s.Browser,
			BrowserVersion:  s.BrowserVersion,
			OperatingSystem: s.OperatingSystem,
			DeviceType:      s.DeviceType,
			CountryCode:     s.CountryCode,
			Expires:         s.Expires,
			CreatedAt:       s.CreatedAt,
			Current:         s.ID == claims.SessionID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}
