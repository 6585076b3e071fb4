package lti

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mind-engage/mindengage-lti/pkg/tool/idtoken"
	"github.com/mind-engage/mindengage-lti/pkg/tool/lti/deeplinking"
	"github.com/mind-engage/mindengage-lti/pkg/tool/ltierr"
	"github.com/mind-engage/mindengage-lti/pkg/tool/registry"
	"github.com/mind-engage/mindengage-lti/pkg/tool/state"
)

// LaunchContext is everything a launch handler needs once the id_token has
// been validated and bound to its session.
type LaunchContext struct {
	Platform registry.PlatformRecord
	State    *state.Record
	Tool     registry.ToolRecord
	Payload  *idtoken.Payload
	// Kid is the tool's current JWKS key id, for anything signed next.
	Kid string
}

// Authenticator validates a launch POST and binds it to the session started
// at login.
type Authenticator struct {
	Validator TokenValidator
	States    *state.Store
	Tools     ToolResolver
	Keys      KidSource
	KeyID     string
	Grants    TokenRequester
}

type launchForm struct {
	state, idToken, authenticityToken string
}

func parseLaunchForm(r *http.Request) (launchForm, error) {
	if err := r.ParseForm(); err != nil {
		return launchForm{}, fmt.Errorf("%w: bad form", ltierr.ErrInvalidValue)
	}
	f := launchForm{
		state:             r.PostFormValue("state"),
		idToken:           r.PostFormValue("id_token"),
		authenticityToken: r.PostFormValue("authenticity_token"),
	}
	switch {
	case f.state == "":
		return launchForm{}, fmt.Errorf("%w: state is required", ltierr.ErrInvalidValue)
	case f.idToken == "":
		return launchForm{}, fmt.Errorf("%w: id_token is required", ltierr.ErrInvalidValue)
	}
	return f, nil
}

// Authenticate runs the launch checks in order: token validation, single-use
// redemption of the session nonce, tool lookup, then platform access token.
func (a *Authenticator) Authenticate(r *http.Request) (*LaunchContext, error) {
	f, err := parseLaunchForm(r)
	if err != nil {
		return nil, err
	}
	return a.authenticate(r.Context(), f)
}

func (a *Authenticator) authenticate(ctx context.Context, f launchForm) (*LaunchContext, error) {
	payload, err := a.Validator.Load(ctx, f.idToken, true)
	if err != nil {
		return nil, err
	}
	rec, err := a.States.Load(ctx, f.state, payload.Nonce())
	if err != nil {
		return nil, err
	}
	rec.IDToken = payload.Raw

	platform := payload.Platform
	tool, err := a.Tools.Load(ctx, platform.ClientID, platform.Issuer)
	if err != nil {
		return nil, err
	}
	kid, err := a.Keys.Kid(ctx)
	if err != nil {
		return nil, err
	}

	access := f.authenticityToken
	if access == "" {
		if access, err = a.Grants.Request(ctx, platform, kid, a.KeyID); err != nil {
			return nil, err
		}
	}
	rec.PlatformLTIToken = access
	if rec, err = a.States.Save(ctx, rec); err != nil {
		return nil, err
	}

	return &LaunchContext{
		Platform: platform,
		State:    rec,
		Tool:     tool,
		Payload:  payload,
		Kid:      kid,
	}, nil
}

// Launch is the /launch endpoint. Resource-link launches are handed to the
// tool's client code through cookies; deep-linking requests get a signed
// response form when the tool has resource links configured.
type Launch struct {
	Auth      *Authenticator
	States    *state.Store
	DeepLinks *deeplinking.Builder
	Cookies   Cookies
	Log       *slog.Logger
	Observe   Observer
}

func (l *Launch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	lc, err := l.Auth.Authenticate(r)
	l.Observe.observe("launch", err)
	if err != nil {
		ltierr.Write(w, r, l.Log, err)
		return
	}

	switch mt := lc.Payload.MessageType(); mt {
	case idtoken.MessageResourceLink:
		err = l.handoff(w, r, lc)
	case idtoken.MessageDeepLinking:
		if lc.Tool.DeepLinking == nil || len(lc.Tool.DeepLinking.ResourceLinks) == 0 {
			err = l.handoff(w, r, lc)
			break
		}
		err = l.deepLinkResponse(w, r, lc)
	default:
		err = fmt.Errorf("%w: unsupported message type %q", ltierr.ErrInvalidClaims, mt)
	}
	switch {
	case err == nil:
	case errors.Is(err, deeplinking.ErrResponseStarted):
		if l.Log != nil {
			l.Log.WarnContext(r.Context(), "deep linking form write failed", "path", r.URL.Path, "error", err)
		}
	default:
		ltierr.Write(w, r, l.Log, err)
	}
}

// handoff gives the session a fresh nonce for the bridge step and sends the
// browser to the tool.
func (l *Launch) handoff(w http.ResponseWriter, r *http.Request, lc *LaunchContext) error {
	rec, err := l.States.RotateNonce(r.Context(), lc.State)
	if err != nil {
		return err
	}
	l.Cookies.Set(w, CookieState, rec.ID)
	l.Cookies.Set(w, CookieNonce, rec.Nonce)
	http.Redirect(w, r, lc.Tool.LaunchURL(), http.StatusFound)
	return nil
}

func (l *Launch) deepLinkResponse(w http.ResponseWriter, r *http.Request, lc *LaunchContext) error {
	recv, err := deeplinking.ReceivedFrom(lc.Payload)
	if err != nil {
		return err
	}
	items := deeplinking.ContentItems(lc.Tool.DeepLinking.ResourceLinks, lc.Tool.LaunchURL())
	msg := fmt.Sprintf("%d item(s) added", len(items))
	tok, err := l.DeepLinks.Build(r.Context(), recv, items, msg, l.Auth.KeyID, lc.Kid)
	l.Observe.observe("deep_link_response", err)
	if err != nil {
		return err
	}
	return deeplinking.WriteForm(w, recv.ReturnURL, tok)
}
