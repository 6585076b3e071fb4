package lti

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti/internal/ltitest/harness"
	"github.com/mind-engage/mindengage-lti/pkg/tool/lti/deeplinking"
)

type env struct {
	*harness.Tool
	login     *Login
	launch    *Launch
	authorize *Authorizer
	token     *Token

	mu    sync.Mutex
	steps map[string]int
}

func newEnv(t *testing.T) *env {
	t.Helper()
	h := harness.New(t)
	e := &env{Tool: h, steps: map[string]int{}}
	observe := Observer(func(step string, err error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if err == nil {
			e.steps[step]++
		}
	})
	e.login = &Login{Platforms: h.Platforms, States: h.States, Observe: observe}
	e.launch = &Launch{
		Auth: &Authenticator{
			Validator: h.Validator,
			States:    h.States,
			Tools:     h.Tools,
			Keys:      h.Keys,
			KeyID:     harness.KeyID,
			Grants:    h.Grants,
		},
		States:    h.States,
		DeepLinks: &deeplinking.Builder{Signer: h.Signer},
		Cookies:   Cookies{Secure: true},
		Observe:   observe,
	}
	e.authorize = &Authorizer{States: h.States, Tools: h.Tools, Observe: observe}
	e.token = &Token{States: h.States, Observe: observe}
	return e
}

func postForm(target string, form url.Values) *http.Request {
	r := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func cookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// startLogin runs the OIDC login step and returns the state id and nonce the
// platform would echo back.
func (e *env) startLogin(t *testing.T) (string, string) {
	t.Helper()
	q := url.Values{
		"iss":               {e.Platform.Issuer()},
		"client_id":         {e.Platform.ClientID},
		"login_hint":        {"hint-1"},
		"lti_deployment_id": {e.Platform.DeploymentID},
	}
	rec := serve(e.login, httptest.NewRequest(http.MethodGet, "https://tool.example/lti/login?"+q.Encode(), nil))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	return loc.Query().Get("state"), loc.Query().Get("nonce")
}

func (e *env) launchWith(form url.Values) *httptest.ResponseRecorder {
	return serve(e.launch, postForm("https://tool.example/lti/launch", form))
}
