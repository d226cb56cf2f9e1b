package obs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                          "/",
		"/metrics":                                  "/metrics",
		"/healthz":                                  "/healthz",
		"/v1/realms/r1/clients/c1/auth/login":       "/v1/realms/:realm/clients/:client/auth/login",
		"/v1/realms/r1/clients/c1/auth/refresh?x=1": "/v1/realms/:realm/clients/:client/auth/refresh",
		"/v1/realms/r1/clients/c1/users":            "/v1/realms/:realm/clients/:client/users",
		"/v1/groups/g1":                             "/v1/groups/:id",
		"/v1/locks":                                 "/v1/locks",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentPassesStatus(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/realms/a/clients/b/auth/login", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestLoggerEmitsJSON(t *testing.T) {
	l := Logger()
	original := l.Out
	var buf bytes.Buffer
	l.SetOutput(&buf)
	defer l.SetOutput(original)

	LogRequest(map[string]any{"path": "/healthz", "status": 200})

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v (%q)", err, buf.String())
	}
	if entry["path"] != "/healthz" || entry["msg"] != "http request" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatalf("missing ts field: %v", entry)
	}
}

func TestSetLevel(t *testing.T) {
	level := Logger().GetLevel()
	defer Logger().SetLevel(level)
	if err := SetLevel("debug"); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	if err := SetLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
