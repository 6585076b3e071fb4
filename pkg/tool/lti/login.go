package lti

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/mind-engage/mindengage-lti/pkg/tool/ltierr"
	"github.com/mind-engage/mindengage-lti/pkg/tool/state"
)

// LoginRequest is the platform's third-party login initiation.
type LoginRequest struct {
	Issuer        string
	ClientID      string
	LoginHint     string
	DeploymentID  string
	MessageHint   string
	TargetLinkURI string
}

// ParseLoginRequest reads the initiation from the query (GET) or form (POST).
func ParseLoginRequest(r *http.Request) (LoginRequest, error) {
	if err := r.ParseForm(); err != nil {
		return LoginRequest{}, fmt.Errorf("%w: bad form", ltierr.ErrInvalidValue)
	}
	req := LoginRequest{
		Issuer:        formValue(r, "iss"),
		ClientID:      formValue(r, "client_id"),
		LoginHint:     formValue(r, "login_hint"),
		DeploymentID:  formValue(r, "lti_deployment_id"),
		MessageHint:   formValue(r, "lti_message_hint"),
		TargetLinkURI: formValue(r, "target_link_uri"),
	}
	var missing []string
	for _, f := range []struct{ name, val string }{
		{"client_id", req.ClientID},
		{"iss", req.Issuer},
		{"login_hint", req.LoginHint},
	} {
		if f.val == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return LoginRequest{}, fmt.Errorf("%w: missing %s", ltierr.ErrInvalidValue, strings.Join(missing, ", "))
	}
	return req, nil
}

// Login starts the OIDC handshake: it creates a session and sends the browser
// to the platform's authorization endpoint.
type Login struct {
	Platforms PlatformResolver
	States    *state.Store
	Paths     Paths
	Cookies   Cookies
	Log       *slog.Logger
	Observe   Observer
}

// AuthRedirect resolves the platform, persists a new session and returns the
// authorization URL the browser must visit.
func (l *Login) AuthRedirect(ctx context.Context, r *http.Request, req LoginRequest) (string, *state.Record, error) {
	platform, err := l.Platforms.Load(ctx, req.ClientID, req.Issuer, req.DeploymentID)
	if err != nil {
		return "", nil, err
	}
	redirectURI, err := l.Paths.RedirectURI(r)
	if err != nil {
		return "", nil, err
	}
	auth, err := url.Parse(platform.AuthLoginURL)
	if err != nil {
		return "", nil, fmt.Errorf("%w: auth login url", ltierr.ErrInvalidValue)
	}
	st, err := l.States.Save(ctx, nil)
	if err != nil {
		return "", nil, err
	}

	q := auth.Query()
	q.Set("scope", "openid")
	q.Set("response_type", "id_token")
	q.Set("response_mode", "form_post")
	q.Set("prompt", "none")
	q.Set("client_id", req.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("state", st.ID)
	q.Set("nonce", st.Nonce)
	q.Set("login_hint", req.LoginHint)
	if req.MessageHint != "" {
		q.Set("lti_message_hint", req.MessageHint)
	}
	auth.RawQuery = q.Encode()
	return auth.String(), st, nil
}

func (l *Login) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, st, err := l.handle(r)
	l.Observe.observe("login", err)
	if err != nil {
		ltierr.Write(w, r, l.Log, err)
		return
	}
	l.Cookies.Set(w, CookieState, st.ID)
	http.Redirect(w, r, target, http.StatusFound)
}

func (l *Login) handle(r *http.Request) (string, *state.Record, error) {
	req, err := ParseLoginRequest(r)
	if err != nil {
		return "", nil, err
	}
	return l.AuthRedirect(r.Context(), r, req)
}
