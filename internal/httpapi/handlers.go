package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/netip"
	"time"

	"realmkey.org/internal/auth"
	"realmkey.org/internal/obs"
)

const serviceName = "realmkey"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe проверяет готовность через ping хранилища сервиса.
type ReadyProbe struct {
	Service *auth.Service
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Service == nil {
		return nil
	}
	return rp.Service.Ready(ctx)
}

// API is the HTTP layer over auth.Service.
type API struct {
	mux        *http.ServeMux
	svc        *auth.Service
	readyProbe readinessChecker
	version    string
	adminToken string
	ratePerSec float64
	rateBurst  int
	proxies    []netip.Prefix
}

// Option configures API.
type Option func(*API)

// WithAdminToken enables the management routes behind the X-Admin-Token header.
func WithAdminToken(token string) Option {
	return func(a *API) { a.adminToken = token }
}

// WithRateLimit sets the per-IP token bucket on login and refresh.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.ratePerSec = perSecond
			a.rateBurst = burst
		}
	}
}

// WithTrustedProxies names the peers whose X-Forwarded-For is believed.
// Without it every request is keyed by its connecting address.
func WithTrustedProxies(prefixes ...netip.Prefix) Option {
	return func(a *API) { a.proxies = append(a.proxies, prefixes...) }
}

// WithReadiness overrides the readiness probe.
func WithReadiness(rc readinessChecker) Option {
	return func(a *API) {
		if rc != nil {
			a.readyProbe = rc
		}
	}
}

func New(svc *auth.Service, version string, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		readyProbe: ReadyProbe{Service: svc},
		version:    version,
		ratePerSec: 5,
		rateBurst:  10,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("GET /metrics", obs.Handler())

	limiter := newIPLimiter(a.ratePerSec, a.rateBurst)
	const clientScope = "/v1/realms/{realm}/clients/{client}"
	a.mux.Handle("POST "+clientScope+"/auth/login", limiter.wrap(http.HandlerFunc(a.handleLogin)))
	a.mux.Handle("POST "+clientScope+"/auth/refresh", limiter.wrap(http.HandlerFunc(a.handleRefresh)))
	a.mux.Handle("POST "+clientScope+"/auth/logout", a.withBearer(http.HandlerFunc(a.handleLogout)))
	a.mux.Handle("POST "+clientScope+"/auth/logout-all", a.withBearer(http.HandlerFunc(a.handleLogoutAll)))
	a.mux.HandleFunc("POST "+clientScope+"/auth/introspect", a.handleIntrospect)
	a.mux.Handle("GET "+clientScope+"/auth/sessions", a.withBearer(http.HandlerFunc(a.handleSessions)))

	// management
	a.mux.Handle("POST "+clientScope+"/users", a.withAdmin(http.HandlerFunc(a.handleRegister)))
	a.mux.Handle("POST "+clientScope+"/groups", a.withAdmin(http.HandlerFunc(a.handleCreateGroup)))
	a.mux.Handle("PATCH /v1/groups/{key}", a.withAdmin(http.HandlerFunc(a.handleUpdateGroup)))
	a.mux.Handle("DELETE /v1/groups/{key}", a.withAdmin(http.HandlerFunc(a.handleDeleteGroup)))
	a.mux.Handle("PUT /v1/locks", a.withAdmin(http.HandlerFunc(a.handleSetLock)))

	return a
}

// Handler возвращает http.Handler для сервера (без доп. аргументов).
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = SecurityHeaders(h)
	h = Logging(h)
	h = ClientIP(h, a.proxies)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
