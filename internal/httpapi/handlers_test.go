package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"realmkey.org/internal/auth"
	"realmkey.org/internal/identity"
	"realmkey.org/internal/password"
	"realmkey.org/internal/store/memory"
	"realmkey.org/internal/token"
)

const (
	testRealm  = "realm-1"
	testClient = "client-1"
	testAdmin  = "admin-secret"
	scope      = "/v1/realms/" + testRealm + "/clients/" + testClient
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	store := memory.New()
	store.AddRealm(identity.Realm{ID: testRealm, Name: "acme", RefreshTokenReuseLimit: 1})
	store.AddClient(identity.Client{
		ID:                     testClient,
		RealmID:                testRealm,
		Name:                   "portal",
		MaxConcurrentSessions:  5,
		UseRefreshToken:        true,
		RefreshTokenReuseLimit: 1,
	})
	issuer, err := token.NewIssuer("http-test-key", "auth.test")
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	svc, err := auth.NewService(store, issuer,
		auth.WithHasher(password.New(password.Params{Memory: 1024, Iterations: 1})))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	api := New(svc, "test", WithAdminToken(testAdmin), WithRateLimit(100, 100))
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	c.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (c *apiClient) register(email string) map[string]any {
	c.t.Helper()
	resp := c.do(http.MethodPost, scope+"/users", map[string]any{
		"email":       email,
		"password":    "pa55word",
		"first_name":  "Ada",
		"identifiers": map[string]string{"tenant": "acme"},
	}, map[string]string{adminHeader: testAdmin})
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("register status %d", resp.StatusCode)
	}
	return decode[map[string]any](c.t, resp)
}

func (c *apiClient) login(email string) auth.LoginResult {
	c.t.Helper()
	resp := c.do(http.MethodPost, scope+"/auth/login", map[string]string{
		"email":    email,
		"password": "pa55word",
	}, map[string]string{"User-Agent": "Mozilla/5.0 (X11; Linux x86_64; rv:120.0) Gecko/20100101 Firefox/120.0"})
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("login status %d", resp.StatusCode)
	}
	return decode[auth.LoginResult](c.t, resp)
}

func bearerHeader(tok string) map[string]string {
	return map[string]string{authHeader: "Bearer " + tok}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(r.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestAPILoginRefreshLogoutFlow(t *testing.T) {
	c := newTestAPI(t)
	c.register("ada@example.com")

	res := c.login("ada@example.com")
	if res.AccessToken == "" || res.RefreshToken == "" || res.SessionID == "" {
		t.Fatalf("incomplete login result: %+v", res)
	}

	resp := c.do(http.MethodGet, scope+"/auth/sessions", nil, bearerHeader(res.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sessions status %d", resp.StatusCode)
	}
	list := decode[struct {
		Sessions []sessionResponse `json:"sessions"`
	}](t, resp)
	if len(list.Sessions) != 1 || !list.Sessions[0].Current || list.Sessions[0].Browser != "Firefox" {
		t.Fatalf("unexpected sessions: %+v", list.Sessions)
	}

	resp = c.do(http.MethodPost, scope+"/auth/refresh", map[string]string{"refresh_token": res.RefreshToken}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status %d", resp.StatusCode)
	}
	refreshed := decode[auth.RefreshResult](t, resp)
	if refreshed.AccessToken == "" || refreshed.ExpiresIn <= 0 {
		t.Fatalf("unexpected refresh result: %+v", refreshed)
	}

	resp = c.do(http.MethodPost, scope+"/auth/introspect", map[string]string{"token": refreshed.AccessToken}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("introspect status %d", resp.StatusCode)
	}
	info := decode[auth.Introspection](t, resp)
	if !info.Active || info.ClientID != testClient || len(info.Resources) != 1 || info.Resources[0] != "tenant" {
		t.Fatalf("unexpected introspection: %+v", info)
	}

	resp = c.do(http.MethodPost, scope+"/auth/logout", nil, bearerHeader(refreshed.AccessToken))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status %d", resp.StatusCode)
	}
	resp = c.do(http.MethodPost, scope+"/auth/introspect", map[string]string{"token": refreshed.AccessToken}, nil)
	if info := decode[auth.Introspection](t, resp); info.Active {
		t.Fatalf("introspection after logout must be inactive: %+v", info)
	}

	resp = c.do(http.MethodPost, scope+"/auth/logout-all", nil, bearerHeader(res.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout-all status %d", resp.StatusCode)
	}
	if body := decode[map[string]any](t, resp); body["sessions_removed"] != float64(1) {
		t.Fatalf("unexpected logout-all body: %v", body)
	}
}

func TestAPILoginHidesUnknownUsers(t *testing.T) {
	c := newTestAPI(t)
	c.register("ada@example.com")

	wrong := c.do(http.MethodPost, scope+"/auth/login", map[string]string{"email": "ada@example.com", "password": "nope"}, nil)
	unknown := c.do(http.MethodPost, scope+"/auth/login", map[string]string{"email": "bob@example.com", "password": "nope"}, nil)
	if wrong.StatusCode != http.StatusUnauthorized || unknown.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401/401, got %d/%d", wrong.StatusCode, unknown.StatusCode)
	}
	a := decode[map[string]any](t, wrong)
	b := decode[map[string]any](t, unknown)
	if a["error"] != b["error"] || a["code"] != b["code"] {
		t.Fatalf("responses differ: %v vs %v", a, b)
	}
	if a["request_id"] == "" || a["request_id"] == nil {
		t.Fatalf("expected request_id in error body: %v", a)
	}
}

func TestAPIRejectsForeignClientToken(t *testing.T) {
	c := newTestAPI(t)
	c.register("ada@example.com")
	res := c.login("ada@example.com")

	other := "/v1/realms/" + testRealm + "/clients/other-client"
	resp := c.do(http.MethodPost, other+"/auth/introspect", map[string]string{"token": res.AccessToken}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("introspect on foreign client: expected 403, got %d", resp.StatusCode)
	}
	resp = c.do(http.MethodGet, other+"/auth/sessions", nil, bearerHeader(res.AccessToken))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("sessions on foreign client: expected 403, got %d", resp.StatusCode)
	}
	resp = c.do(http.MethodGet, scope+"/auth/sessions", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing bearer: expected 401, got %d", resp.StatusCode)
	}
}

func TestAPIAdminRoutesRequireToken(t *testing.T) {
	c := newTestAPI(t)
	resp := c.do(http.MethodPost, scope+"/users", map[string]any{"email": "x@example.com"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without admin token, got %d", resp.StatusCode)
	}
	resp = c.do(http.MethodPut, "/v1/locks", map[string]any{"kind": "user", "id": "x"}, map[string]string{adminHeader: "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong admin token, got %d", resp.StatusCode)
	}
}

func TestAPIGroupLifecycleAndLocks(t *testing.T) {
	c := newTestAPI(t)
	reg := c.register("ada@example.com")
	user := reg["user"].(map[string]any)
	first := reg["group"].(map[string]any)
	admin := map[string]string{adminHeader: testAdmin}

	resp := c.do(http.MethodPost, scope+"/groups", map[string]any{
		"user_id":     user["id"],
		"name":        "ops",
		"is_default":  true,
		"identifiers": map[string]string{"team": "ops"},
	}, admin)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create group status %d", resp.StatusCode)
	}
	ops := decode[groupResponse](t, resp)
	if !ops.IsDefault {
		t.Fatalf("new group should be default: %+v", ops)
	}

	resp = c.do(http.MethodPatch, "/v1/groups/"+ops.Key, map[string]any{"is_default": false}, admin)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("clearing the only default: expected 409, got %d", resp.StatusCode)
	}

	resp = c.do(http.MethodDelete, "/v1/groups/"+ops.Key, nil, admin)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete group status %d", resp.StatusCode)
	}

	// the first group was promoted back, so login works again
	c.login("ada@example.com")

	resp = c.do(http.MethodPut, "/v1/locks", map[string]any{
		"kind":      "resource_group",
		"id":        first["key"],
		"locked_at": time.Now().Add(-time.Minute),
	}, admin)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("lock status %d", resp.StatusCode)
	}
	resp = c.do(http.MethodPost, scope+"/auth/login", map[string]string{"email": "ada@example.com", "password": "pa55word"}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("login on locked group: expected 403, got %d", resp.StatusCode)
	}
	if body := decode[map[string]any](t, resp); body["code"] != identity.ErrLocked.Code {
		t.Fatalf("unexpected body: %v", body)
	}

	resp = c.do(http.MethodPut, "/v1/locks", map[string]any{
		"kind":      "user",
		"id":        user["id"],
		"locked_at": time.Now().Add(time.Hour),
	}, admin)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("future lock: expected 400, got %d", resp.StatusCode)
	}
}

func TestHealthAndReady(t *testing.T) {
	c := newTestAPI(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		resp := c.do(http.MethodGet, path, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status %d", path, resp.StatusCode)
		}
		if resp.Header.Get(headerRequestID) == "" {
			t.Fatalf("%s: expected %s header", path, headerRequestID)
		}
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer  abc ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if (err == nil) != tc.ok || got != tc.want {
			t.Fatalf("extractBearerToken(%q) = %q, %v", tc.header, got, err)
		}
	}
}

func TestSessionInfoParsesUserAgent(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("User-Agent", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1")
	req.Header.Set(headerForwardedFor, "203.0.113.7")
	req.Header.Set(headerCountry, "kz")

	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("ParseTrustedProxies: %v", err)
	}
	var info identity.SessionInfo
	ClientIP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info = sessionInfo(r)
	}), trusted).ServeHTTP(httptest.NewRecorder(), req)

	if info.IPAddress != "203.0.113.7" || info.CountryCode != "KZ" {
		t.Fatalf("unexpected address data: %+v", info)
	}
	if info.DeviceType != "mobile" || info.Browser == "" {
		t.Fatalf("unexpected device data: %+v", info)
	}

	// without a trusted peer the header is ignored
	if got := sessionInfo(req).IPAddress; got != "10.0.0.1" {
		t.Fatalf("untrusted forwarded address used: %q", got)
	}
}

func TestReadyReportsProbeFailure(t *testing.T) {
	api := New(nil, "test", WithReadiness(&stubReadiness{err: errors.New("db down")}))
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte("not_ready")) {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func (c *apiClient) loginStatus(t *testing.T, body map[string]string) (int, map[string]any) {
	t.Helper()
	resp := c.do(http.MethodPost, scope+"/auth/login", body, nil)
	return resp.StatusCode, decode[map[string]any](t, resp)
}

func TestAPILoginFailuresDoNotRevealAccountState(t *testing.T) {
	c := newTestAPI(t)
	reg := c.register("ada@example.com")
	user := reg["user"].(map[string]any)

	wantStatus, want := c.loginStatus(t, map[string]string{"email": "bob@example.com", "password": "WRONG", "resource_group": "nope"})
	if wantStatus != http.StatusUnauthorized || want["code"] != identity.ErrWrongCredentials.Code {
		t.Fatalf("unknown email: got %d %v", wantStatus, want)
	}

	same := func(label string, body map[string]string) {
		t.Helper()
		status, got := c.loginStatus(t, body)
		if status != wantStatus || got["code"] != want["code"] || got["error"] != want["error"] {
			t.Fatalf("%s: got %d %v, unknown email got %d %v", label, status, got, wantStatus, want)
		}
	}
	same("wrong password with unknown group", map[string]string{"email": "ada@example.com", "password": "WRONG", "resource_group": "nope"})

	resp := c.do(http.MethodPut, "/v1/locks", map[string]any{
		"kind":      "user",
		"id":        user["id"],
		"locked_at": time.Now().Add(-time.Minute),
	}, map[string]string{adminHeader: testAdmin})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("lock status %d", resp.StatusCode)
	}
	same("wrong password on locked user", map[string]string{"email": "ada@example.com", "password": "WRONG"})

	// the right password still learns about the lock
	status, body := c.loginStatus(t, map[string]string{"email": "ada@example.com", "password": "pa55word"})
	if status != http.StatusForbidden || body["code"] != identity.ErrLocked.Code {
		t.Fatalf("locked user with right password: got %d %v", status, body)
	}
}

func TestAPIBearerRoutesRejectLoggedOutToken(t *testing.T) {
	c := newTestAPI(t)
	c.register("ada@example.com")
	res := c.login("ada@example.com")
	keep := c.login("ada@example.com")

	resp := c.do(http.MethodPost, scope+"/auth/logout", nil, bearerHeader(res.AccessToken))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status %d", resp.StatusCode)
	}
	for _, route := range []struct{ method, path string }{
		{http.MethodGet, scope + "/auth/sessions"},
		{http.MethodPost, scope + "/auth/logout"},
		{http.MethodPost, scope + "/auth/logout-all"},
	} {
		resp := c.do(route.method, route.path, nil, bearerHeader(res.AccessToken))
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s %s with logged out token: expected 401, got %d", route.method, route.path, resp.StatusCode)
		}
		if body := decode[map[string]any](t, resp); body["code"] != identity.ErrInvalidToken.Code {
			t.Fatalf("unexpected body: %v", body)
		}
	}

	// the other session was left alone
	resp = c.do(http.MethodGet, scope+"/auth/sessions", nil, bearerHeader(keep.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sessions with live token: status %d", resp.StatusCode)
	}
	list := decode[struct {
		Sessions []sessionResponse `json:"sessions"`
	}](t, resp)
	if len(list.Sessions) != 1 || list.Sessions[0].ID != keep.SessionID {
		t.Fatalf("unexpected sessions: %+v", list.Sessions)
	}
}
