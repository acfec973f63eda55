package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notibridge/internal/bridge"
	"notibridge/internal/consumer/consumertest"
	"notibridge/internal/metrics"
	"notibridge/internal/storage"
	logx "notibridge/pkg/logx"
)

type fixture struct {
	env *consumertest.Env
	srv *httptest.Server
	reg *prometheus.Registry
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	env := consumertest.Start(t, bridge.Policy{Listening: true})
	reg := prometheus.NewRegistry()
	d := Deps{
		Dispatcher: env.Dispatcher,
		State:      env.Bridge,
		Gatherer:   reg,
		Metrics:    metrics.New(reg),
		Log:        logx.Nop(),
	}
	if mutate != nil {
		mutate(&d)
	}
	srv := httptest.NewServer(NewRouter(d))
	t.Cleanup(srv.Close)
	return &fixture{env: env, srv: srv, reg: reg}
}

func (f *fixture) do(t *testing.T, method, path, body string, hdr map[string]string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestHealthzAndPolicy(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["attached"])
	assert.Equal(t, true, body["listening"])

	code, body = f.do(t, http.MethodGet, "/api/v1/policy", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"listening": true, "retractOnForward": false}, body)
}

func TestCommandRoundTrip(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.do(t, http.MethodPost, "/api/v1/commands/setListening", `{"enabled":false}`, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "result")
	assert.False(t, f.env.Bridge.Policy().Listening)

	code, body = f.do(t, http.MethodPost, "/api/v1/commands/isPermissionGranted", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["result"])
}

func TestCommandErrorsMapToStatus(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.do(t, http.MethodPost, "/api/v1/commands/removeNotification", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_KEY", body["error"].(map[string]any)["code"])

	code, body = f.do(t, http.MethodPost, "/api/v1/commands/doesNotExist", `{}`, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_IMPLEMENTED", body["error"].(map[string]any)["code"])

	f.env.Bridge.Detach()
	code, body = f.do(t, http.MethodPost, "/api/v1/commands/clearAllNotifications", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "SOURCE_UNAVAILABLE", body["error"].(map[string]any)["code"])
}

func TestBearerAuth(t *testing.T) {
	const secret = "s3cret"
	f := newFixture(t, func(d *Deps) { d.JWTSecret = secret })

	code, _ := f.do(t, http.MethodGet, "/api/v1/policy", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	code, _ = f.do(t, http.MethodGet, "/api/v1/policy", "", map[string]string{"Authorization": "Bearer " + tok})
	assert.Equal(t, http.StatusOK, code)

	// Health stays open.
	code, _ = f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestAuditEndpoint(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "audit")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	for i, m := range []string{"setListening", "clearAllNotifications"} {
		require.NoError(t, st.AppendAudit(context.Background(), storage.AuditEntry{
			At: time.Unix(int64(100+i), 0), Transport: "ws", Method: m,
		}))
	}

	f := newFixture(t, func(d *Deps) { d.Store = st })
	code, body := f.do(t, http.MethodGet, "/api/v1/audit?limit=1", "", nil)
	assert.Equal(t, http.StatusOK, code)
	entries := body["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "clearAllNotifications", entries[0].(map[string]any)["method"])

	code, _ = f.do(t, http.MethodGet, "/api/v1/audit?limit=zero", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAuditDisabled(t *testing.T) {
	f := newFixture(t, nil)
	code, _ := f.do(t, http.MethodGet, "/api/v1/audit", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMetricsEndpointRecordsRoutes(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodPost, "/api/v1/commands/getPolicy", "", nil)

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `notibridge_http_requests_total{method="POST",path="/api/v1/commands/{method}",status="200"} 1`)
}

func TestProfilerMountedOnlyWhenEnabled(t *testing.T) {
	off := newFixture(t, nil)
	code, _ := off.do(t, http.MethodGet, "/debug/pprof/", "", nil)
	assert.Equal(t, http.StatusNotFound, code)

	on := newFixture(t, func(d *Deps) { d.Pprof = true })
	code, _ = on.do(t, http.MethodGet, "/debug/pprof/", "", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestProfilerRequiresBearer(t *testing.T) {
	const secret = "s3cret"
	f := newFixture(t, func(d *Deps) {
		d.Pprof = true
		d.JWTSecret = secret
	})

	code, _ := f.do(t, http.MethodGet, "/debug/pprof/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	code, _ = f.do(t, http.MethodGet, "/debug/pprof/", "", map[string]string{"Authorization": "Bearer " + tok})
	assert.Equal(t, http.StatusOK, code)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.AllowedOrigins = []string{"https://app.example"} })
	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/api/v1/commands/getPolicy", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestServerLifecycle(t *testing.T) {
	s := NewServer(ServerConfig{Addr: "127.0.0.1:0"}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), logx.Nop())
	s.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	addr, err := s.Addr(ctx)
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.NoError(t, s.Stop(ctx))
	_, err = http.Get("http://" + addr + "/")
	assert.Error(t, err)
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:8765"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:80"))
	assert.False(t, isLoopbackAddr(":8765"))
	assert.False(t, isLoopbackAddr("0.0.0.0:8765"))
}
