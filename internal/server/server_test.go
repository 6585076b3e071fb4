package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mind-engage/mindengage-lti/internal/config"
	"github.com/mind-engage/mindengage-lti/internal/ltitest/harness"
	"github.com/mind-engage/mindengage-lti/pkg/tool/clientcred"
	"github.com/mind-engage/mindengage-lti/pkg/tool/keys"
	"github.com/mind-engage/mindengage-lti/pkg/tool/lti"
)

func testConfig() config.Config {
	return config.Config{
		StoreBackend:           config.StoreMemory,
		SigningKeyID:           harness.KeyID,
		StateTTL:               time.Hour,
		CookieSecure:           true,
		LoginPathSegment:       "login",
		LaunchPathSegment:      "launch",
		ClientCredentialScopes: clientcred.DefaultScopes,
		CORSAllowedOrigins:     []string{"https://app.example"},
		AdminUser:              "admin",
	}
}

func newServer(t *testing.T, cfg config.Config) (*Server, *harness.Tool) {
	t.Helper()
	h := harness.New(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(t.Context(), cfg, log, h.KV, h.Oracle, h.Platform.Server.Client())
	require.NoError(t, err)
	return s, h
}

func do(s http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, r)
	return rec
}

func withCookies(r *http.Request, cookies []*http.Cookie) *http.Request {
	for _, c := range cookies {
		r.AddCookie(c)
	}
	return r
}

func TestFullLaunchThroughRouter(t *testing.T) {
	s, h := newServer(t, testConfig())
	p := h.Platform

	q := url.Values{
		"iss":               {p.Issuer()},
		"client_id":         {p.ClientID},
		"login_hint":        {"hint"},
		"lti_deployment_id": {p.DeploymentID},
	}
	rec := do(s, httptest.NewRequest(http.MethodGet, "https://tool.example/lti/login?"+q.Encode(), nil))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "https://tool.example/lti/launch", loc.Query().Get("redirect_uri"))
	stateID, nonce := loc.Query().Get("state"), loc.Query().Get("nonce")

	form := url.Values{"state": {stateID}, "id_token": {p.IDToken(t, nonce)}}
	req := httptest.NewRequest(http.MethodPost, "https://tool.example/lti/launch", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = do(s, req)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	assert.Equal(t, harness.ToolURL, rec.Header().Get("Location"))
	cookies := rec.Result().Cookies()

	aq := url.Values{"redirect_uri": {"https://tool.example/app/cb"}, "state": {"s1"}}
	rec = do(s, withCookies(httptest.NewRequest(http.MethodGet, "https://tool.example/lti/authorize?"+aq.Encode(), nil), cookies))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	cb, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)

	tf := url.Values{"code": {cb.Query().Get("code")}}
	req = httptest.NewRequest(http.MethodPost, "https://tool.example/lti/token", strings.NewReader(tf.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Origin", "https://app.example")
	rec = do(s, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	var tok lti.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
	assert.Equal(t, "Bearer", tok.TokenType)

	rec = do(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	for _, step := range []string{"login", "launch", "authorize", "token"} {
		assert.Contains(t, body, `lti_protocol_steps_total{outcome="ok",step="`+step+`"} 1`)
	}
	assert.Contains(t, body, `route="/lti/launch"`)
}

func TestTokenPreflight(t *testing.T) {
	s, _ := newServer(t, testConfig())
	req := httptest.NewRequest(http.MethodOptions, "/lti/token", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := do(s, req)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/lti/token", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = do(s, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestJWKSAndHealth(t *testing.T) {
	s, _ := newServer(t, testConfig())

	rec := do(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var set keys.JWKSet
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &set))
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "RS256", set.Keys[0].Alg)
}

func TestAdminRoutes(t *testing.T) {
	s, _ := newServer(t, testConfig())
	rec := do(s, httptest.NewRequest(http.MethodGet, "/admin/platforms", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "admin is off without a password hash")

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg := testConfig()
	cfg.AdminPassHash = string(hash)
	s, h := newServer(t, cfg)

	rec = do(s, httptest.NewRequest(http.MethodGet, "/admin/platforms", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/platforms", nil)
	req.SetBasicAuth("admin", "s3cret")
	rec = do(s, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), h.Platform.Issuer())
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	handler := RequestLogger(log)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	do(handler, httptest.NewRequest(http.MethodGet, "/lti/authorize?state=secret", nil))

	line := buf.String()
	for _, marker := range []string{"method=GET", "path=/lti/authorize", "status=200", "bytes=2", "latency="} {
		assert.Contains(t, line, marker)
	}
	assert.NotContains(t, line, "secret")
}

func launchCookies(t *testing.T, s *Server, h *harness.Tool) []*http.Cookie {
	t.Helper()
	p := h.Platform
	q := url.Values{
		"iss":               {p.Issuer()},
		"client_id":         {p.ClientID},
		"login_hint":        {"hint"},
		"lti_deployment_id": {p.DeploymentID},
	}
	rec := do(s, httptest.NewRequest(http.MethodGet, "https://tool.example/lti/login?"+q.Encode(), nil))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)

	form := url.Values{"state": {loc.Query().Get("state")}, "id_token": {p.IDToken(t, loc.Query().Get("nonce"))}}
	req := httptest.NewRequest(http.MethodPost, "https://tool.example/lti/launch", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = do(s, req)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	return rec.Result().Cookies()
}

func TestAuthorizeRedirectOriginsFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.AuthorizeRedirectOrigins = []string{"https://spa.example"}
	cfg.PublicBaseURL = "https://lti.example"
	s, h := newServer(t, cfg)
	cookies := launchCookies(t, s, h)

	authorize := func(target string) *httptest.ResponseRecorder {
		q := url.Values{"redirect_uri": {target}, "state": {"s1"}}
		return do(s, withCookies(httptest.NewRequest(http.MethodGet, "https://lti.example/lti/authorize?"+q.Encode(), nil), cookies))
	}

	rec := authorize("https://evil.example/cb")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))

	rec = authorize("https://spa.example/cb")
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "https://spa.example/cb?"))

	assert.Equal(t, []string{"https://spa.example", "https://lti.example"}, redirectOrigins(cfg))
}
