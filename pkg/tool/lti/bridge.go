package lti

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mind-engage/mindengage-lti/pkg/tool/ltierr"
	"github.com/mind-engage/mindengage-lti/pkg/tool/state"
)

// CodeTTLSeconds is the expires_in reported for a bridged platform token.
const CodeTTLSeconds = 30

// Authorizer is the authorization step of the session bridge. The browser
// arrives with the state/nonce cookies from the launch handoff; the session is
// redeemed once and re-saved under a new id that serves as the code.
//
// The code is only ever sent to an allowed origin: one listed in
// RedirectOrigins, or the origin of the tool record the session launched.
type Authorizer struct {
	States          *state.Store
	Tools           ToolResolver
	RedirectOrigins []string
	Log             *slog.Logger
	Observe         Observer
}

func (a *Authorizer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, err := a.authorize(r)
	a.Observe.observe("authorize", err)
	if err != nil {
		ltierr.Write(w, r, a.Log, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *Authorizer) authorize(r *http.Request) (string, error) {
	q := r.URL.Query()
	redirectURI, reqState := q.Get("redirect_uri"), q.Get("state")
	if redirectURI == "" || reqState == "" {
		return "", fmt.Errorf("%w: redirect_uri and state are required", ltierr.ErrInvalidValue)
	}
	target, err := url.Parse(redirectURI)
	if err != nil || !isHTTPURL(redirectURI) {
		return "", fmt.Errorf("%w: redirect_uri must be an http(s) URL", ltierr.ErrInvalidValue)
	}

	id, nonce := cookieValue(r, CookieState), cookieValue(r, CookieNonce)
	if id == "" || nonce == "" {
		return "", fmt.Errorf("%w: state and nonce cookies are required", ltierr.ErrSessionNotFound)
	}
	// Checked before redemption so a rejected redirect leaves the session usable.
	peek, err := a.States.Load(r.Context(), id, "")
	if err != nil {
		return "", err
	}
	if !a.allowed(r.Context(), target, peek) {
		return "", fmt.Errorf("%w: redirect_uri origin %s is not allowed", ltierr.ErrInvalidValue, origin(target))
	}

	rec, err := a.States.Load(r.Context(), id, nonce)
	if err != nil {
		return "", err
	}
	code, err := a.States.Clone(r.Context(), rec)
	if err != nil {
		return "", err
	}

	tq := target.Query()
	tq.Set("code", code.ID)
	tq.Set("state", reqState)
	target.RawQuery = tq.Encode()
	return target.String(), nil
}

func (a *Authorizer) allowed(ctx context.Context, target *url.URL, rec *state.Record) bool {
	want := origin(target)
	for _, o := range a.RedirectOrigins {
		if u, err := url.Parse(o); err == nil && origin(u) == want {
			return true
		}
	}
	if a.Tools == nil || rec.IDToken == "" {
		return false
	}
	// The id_token was verified at launch; only its routing claims are read here.
	var claims jwt.MapClaims
	if _, _, err := jwt.NewParser().ParseUnverified(rec.IDToken, &claims); err != nil {
		return false
	}
	iss, _ := claims.GetIssuer()
	clientID, _ := claims["azp"].(string)
	if aud, _ := claims.GetAudience(); clientID == "" && len(aud) > 0 {
		clientID = aud[0]
	}
	tool, err := a.Tools.Load(ctx, clientID, iss)
	if err != nil {
		return false
	}
	for _, raw := range []string{tool.URL, tool.LaunchURL()} {
		if u, err := url.Parse(raw); err == nil && origin(u) == want {
			return true
		}
	}
	return false
}

func origin(u *url.URL) string {
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

// TokenResponse is the body of a successful code exchange.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Token is the token step of the session bridge. A code is good for one
// exchange.
type Token struct {
	States  *state.Store
	Log     *slog.Logger
	Observe Observer
}

func (t *Token) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp, err := t.exchange(r)
	t.Observe.observe("token", err)
	if err != nil {
		ltierr.Write(w, r, t.Log, err)
		return
	}
	w.Header().Set("Pragma", "no-cache")
	ltierr.WriteJSON(w, http.StatusOK, resp)
}

func (t *Token) exchange(r *http.Request) (*TokenResponse, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("%w: bad form", ltierr.ErrInvalidValue)
	}
	code := r.PostFormValue("code")
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", ltierr.ErrSessionNotFound)
	}
	ctx := r.Context()
	rec, err := t.States.Load(ctx, code, "")
	if err != nil {
		return nil, err
	}
	// Redeeming the clone's own nonce picks a single winner among concurrent
	// exchanges of the same code.
	if rec, err = t.States.Load(ctx, code, rec.Nonce); err != nil {
		if errors.Is(err, ltierr.ErrInvalidState) {
			return nil, fmt.Errorf("%w: code already exchanged", ltierr.ErrSessionNotFound)
		}
		return nil, err
	}
	if err := t.States.Delete(ctx, code); err != nil {
		return nil, err
	}
	return &TokenResponse{
		AccessToken: rec.PlatformLTIToken,
		IDToken:     rec.IDToken,
		TokenType:   "Bearer",
		ExpiresIn:   CodeTTLSeconds,
	}, nil
}
