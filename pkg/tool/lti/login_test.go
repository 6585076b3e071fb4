package lti

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginRedirectsToPlatform(t *testing.T) {
	e := newEnv(t)
	q := url.Values{
		"iss":               {e.Platform.Issuer()},
		"client_id":         {e.Platform.ClientID},
		"login_hint":        {"hint-1"},
		"lti_deployment_id": {e.Platform.DeploymentID},
		"lti_message_hint":  {"msg-hint"},
	}
	rec := serve(e.login, httptest.NewRequest(http.MethodGet, "https://tool.example/lti/login?"+q.Encode(), nil))
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, e.Platform.Record().AuthLoginURL, loc.Scheme+"://"+loc.Host+loc.Path)

	got := loc.Query()
	assert.Equal(t, "openid", got.Get("scope"))
	assert.Equal(t, "id_token", got.Get("response_type"))
	assert.Equal(t, "form_post", got.Get("response_mode"))
	assert.Equal(t, "none", got.Get("prompt"))
	assert.Equal(t, e.Platform.ClientID, got.Get("client_id"))
	assert.Equal(t, "hint-1", got.Get("login_hint"))
	assert.Equal(t, "msg-hint", got.Get("lti_message_hint"))
	assert.Equal(t, "https://tool.example/lti/launch", got.Get("redirect_uri"))

	st, err := e.States.Load(t.Context(), got.Get("state"), "")
	require.NoError(t, err)
	assert.Equal(t, got.Get("nonce"), st.Nonce)
	assert.Zero(t, st.NonceCount)

	c := cookie(rec, CookieState)
	require.NotNil(t, c)
	assert.Equal(t, st.ID, c.Value)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, 1, e.steps["login"])
}

func TestLoginAcceptsFormPost(t *testing.T) {
	e := newEnv(t)
	rec := serve(e.login, postForm("https://tool.example/lti/login", url.Values{
		"iss":               {e.Platform.Issuer()},
		"client_id":         {e.Platform.ClientID},
		"login_hint":        {"h"},
		"lti_deployment_id": {e.Platform.DeploymentID},
	}))
	assert.Equal(t, http.StatusFound, rec.Code)
}

func TestLoginWithoutDeploymentID(t *testing.T) {
	e := newEnv(t)
	q := url.Values{
		"iss":        {e.Platform.Issuer()},
		"client_id":  {e.Platform.ClientID},
		"login_hint": {"h"},
	}
	target := "https://tool.example/lti/login?" + q.Encode()

	rec := serve(e.login, httptest.NewRequest(http.MethodGet, target, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "only the deployment-specific record exists")

	agnostic := e.Platform.Record()
	agnostic.DeploymentID = ""
	agnostic.AuthLoginURL = e.Platform.Issuer() + "/auth-any"
	_, err := e.Platforms.Save(t.Context(), agnostic)
	require.NoError(t, err)

	rec = serve(e.login, httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/auth-any", loc.Path)
}

func TestLoginRejects(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name   string
		target string
		query  url.Values
	}{
		{"missing login_hint", "https://tool.example/lti/login", url.Values{"iss": {e.Platform.Issuer()}, "client_id": {e.Platform.ClientID}}},
		{"missing iss", "https://tool.example/lti/login", url.Values{"client_id": {e.Platform.ClientID}, "login_hint": {"h"}}},
		{"unknown platform", "https://tool.example/lti/login", url.Values{"iss": {"https://unknown.example"}, "client_id": {"x"}, "login_hint": {"h"}}},
		{"no login segment", "https://tool.example/lti/start", url.Values{"iss": {e.Platform.Issuer()}, "client_id": {e.Platform.ClientID}, "login_hint": {"h"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(e.login, httptest.NewRequest(http.MethodGet, tt.target+"?"+tt.query.Encode(), nil))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Nil(t, cookie(rec, CookieState))
		})
	}
}

func TestRedirectURI(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://internal:8080/tenant/login/lti/login", nil)
	r.Header.Set("X-Forwarded-Proto", "https, http")
	r.Header.Set("X-Forwarded-Host", "tool.example")

	got, err := Paths{}.RedirectURI(r)
	require.NoError(t, err)
	assert.Equal(t, "https://tool.example/tenant/login/lti/launch", got)

	got, err = Paths{PublicBaseURL: "https://public.example/base/"}.RedirectURI(r)
	require.NoError(t, err)
	assert.Equal(t, "https://public.example/base/tenant/login/lti/launch", got)

	got, err = Paths{Login: "init", Launch: "go"}.RedirectURI(httptest.NewRequest(http.MethodGet, "http://tool.example/lti/init", nil))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(got, "/lti/go"))
}
