package deeplinking

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"

	"github.com/mind-engage/mindengage-lti/pkg/tool/ltierr"
)

// ErrResponseStarted marks a failure that happened after the status line was
// sent. Callers can only log it.
var ErrResponseStarted = errors.New("deeplinking: response already started")

var formTemplate = template.Must(template.New("dl").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>Returning to your course</title></head>
<body>
<form method="post" action="{{.Action}}">
  <input type="hidden" name="JWT" value="{{.JWT}}">
  <noscript><button type="submit">Continue</button></noscript>
</form>
<script nonce="{{.Nonce}}">document.forms[0].submit();</script>
</body></html>`))

// WriteForm renders a page that posts jwt to action as soon as it loads.
// The only script allowed to run is the one carrying this response's nonce.
func WriteForm(w http.ResponseWriter, action, jwt string) error {
	u, err := url.Parse(action)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: deep_link_return_url must be an http(s) URL", ltierr.ErrInvalidClaims)
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return err
	}
	nonce := base64.RawURLEncoding.EncodeToString(b)

	var page bytes.Buffer
	if err := formTemplate.Execute(&page, map[string]string{
		"Action": action,
		"JWT":    jwt,
		"Nonce":  nonce,
	}); err != nil {
		return fmt.Errorf("render deep linking form: %w", err)
	}

	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Set("Content-Security-Policy", fmt.Sprintf(
		"default-src 'none'; script-src 'nonce-%s'; form-action %s://%s; base-uri 'none'; frame-ancestors *",
		nonce, u.Scheme, u.Host))
	w.WriteHeader(http.StatusOK)
	if _, err := page.WriteTo(w); err != nil {
		return fmt.Errorf("%w: %w", ErrResponseStarted, err)
	}
	return nil
}
