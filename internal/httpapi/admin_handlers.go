package httpapi

import (
	"net/http"
	"strings"
	"time"

	"realmkey.org/internal/audit"
	"realmkey.org/internal/auth"
	"realmkey.org/internal/identity"
)

type registerRequest struct {
	Email         string            `json:"email"`
	Password      string            `json:"password"`
	FirstName     string            `json:"first_name"`
	LastName      string            `json:"last_name,omitempty"`
	Phone         string            `json:"phone,omitempty"`
	ResourceGroup string            `json:"resource_group,omitempty"`
	Identifiers   map[string]string `json:"identifiers"`
}

type createGroupRequest struct {
	UserID      string            `json:"user_id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	IsDefault   *bool             `json:"is_default,omitempty"`
	Identifiers map[string]string `json:"identifiers"`
}

type updateGroupRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	IsDefault   *bool   `json:"is_default,omitempty"`
}

type lockRequest struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	// LockedAt nil clears the lock.
	LockedAt *time.Time `json:"locked_at"`
}

type groupResponse struct {
	Key         string     `json:"key"`
	RealmID     string     `json:"realm_id"`
	UserID      string     `json:"user_id"`
	ClientID    string     `json:"client_id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	IsDefault   bool       `json:"is_default"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func toGroupResponse(g identity.ResourceGroup) groupResponse {
	return groupResponse{
		Key:         g.GroupKey,
		RealmID:     g.RealmID,
		UserID:      g.UserID,
		ClientID:    g.ClientID,
		Name:        g.Name,
		Description: g.Description,
		IsDefault:   g.IsDefault,
		LockedAt:    g.LockedAt,
		CreatedAt:   g.CreatedAt,
		UpdatedAt:   g.UpdatedAt,
	}
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	reg, err := a.svc.RegisterUser(r.Context(), auth.RegisterRequest{
		RealmID:     r.PathValue("realm"),
		ClientID:    r.PathValue("client"),
		Email:       req.Email,
		Password:    req.Password,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		Phone:       req.Phone,
		GroupName:   req.ResourceGroup,
		Identifiers: req.Identifiers,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	ctx := auth.ContextWithUser(r.Context(), reg.User.ID)
	_ = audit.LogEvent(ctx, "user.registered", map[string]any{
		"realm_id":  reg.User.RealmID,
		"client_id": reg.Group.ClientID,
		"group":     reg.Group.GroupKey,
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"user":  reg.User,
		"group": toGroupResponse(reg.Group),
	})
}

func (a *API) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	g, err := a.svc.CreateResourceGroup(r.Context(), auth.GroupInput{
		UserID:      req.UserID,
		ClientID:    r.PathValue("client"),
		Name:        req.Name,
		Description: req.Description,
		IsDefault:   req.IsDefault,
		Identifiers: req.Identifiers,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "group.created", map[string]any{
		"group":      g.GroupKey,
		"user_id":    g.UserID,
		"is_default": g.IsDefault,
	})
	writeJSON(w, http.StatusCreated, toGroupResponse(g))
}

func (a *API) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	var req updateGroupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	g, err := a.svc.UpdateResourceGroup(r.Context(), r.PathValue("key"), auth.GroupUpdate{
		Name:        req.Name,
		Description: req.Description,
		IsDefault:   req.IsDefault,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "group.updated", map[string]any{
		"group":      g.GroupKey,
		"is_default": g.IsDefault,
	})
	writeJSON(w, http.StatusOK, toGroupResponse(g))
}

func (a *API) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := a.svc.DeleteResourceGroup(r.Context(), key); err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "group.deleted", map[string]any{"group": key})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSetLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	target := identity.LockTarget{
		Kind: identity.LockKind(strings.TrimSpace(req.Kind)),
		ID:   strings.TrimSpace(req.ID),
	}
	if err := a.svc.SetLock(r.Context(), target, req.LockedAt); err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "lock.set", map[string]any{
		"kind":   target.Kind,
		"id":     target.ID,
		"locked": req.LockedAt != nil,
	})
	w.WriteHeader(http.StatusNoContent)
}
