package lti

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/mind-engage/mindengage-lti/pkg/tool/ltierr"
)

// schemeFromRequest returns "https" when behind a proxy that sets X-Forwarded-Proto,
// otherwise falls back to r.URL.Scheme or "http".
func schemeFromRequest(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		// may be "https,http"; take first
		if i := strings.IndexByte(xf, ','); i >= 0 {
			return strings.TrimSpace(xf[:i])
		}
		return strings.TrimSpace(xf)
	}
	if r.URL != nil && r.URL.Scheme != "" {
		return r.URL.Scheme
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func hostFromRequest(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-Host"); xf != "" {
		if i := strings.IndexByte(xf, ','); i >= 0 {
			return strings.TrimSpace(xf[:i])
		}
		return strings.TrimSpace(xf)
	}
	return r.Host
}

// Paths names the path segments that distinguish the login endpoint from the
// launch endpoint, e.g. /lti/login and /lti/launch.
type Paths struct {
	Login  string
	Launch string
	// PublicBaseURL, when set, replaces the scheme and host seen on the request.
	PublicBaseURL string
}

func (p Paths) withDefaults() Paths {
	if p.Login == "" {
		p.Login = "login"
	}
	if p.Launch == "" {
		p.Launch = "launch"
	}
	return p
}

// RedirectURI derives the launch URL from the login request by swapping the
// last login segment of its path for the launch segment.
func (p Paths) RedirectURI(r *http.Request) (string, error) {
	p = p.withDefaults()
	segs := strings.Split(r.URL.Path, "/")
	swapped := false
	for i := len(segs) - 1; i >= 0; i-- {
		if segs[i] == p.Login {
			segs[i] = p.Launch
			swapped = true
			break
		}
	}
	if !swapped {
		return "", fmt.Errorf("%w: cannot derive launch path from %q", ltierr.ErrInvalidValue, r.URL.Path)
	}
	path := strings.Join(segs, "/")

	if p.PublicBaseURL != "" {
		base, err := url.Parse(p.PublicBaseURL)
		if err != nil || base.Host == "" {
			return "", fmt.Errorf("%w: public base url %q", ltierr.ErrInvalidValue, p.PublicBaseURL)
		}
		return base.Scheme + "://" + base.Host + strings.TrimRight(base.Path, "/") + path, nil
	}
	host := hostFromRequest(r)
	if host == "" {
		return "", fmt.Errorf("%w: request has no host", ltierr.ErrInvalidValue)
	}
	return schemeFromRequest(r) + "://" + host + path, nil
}

// Cookies sets the session cookies the launch and bridge steps exchange.
type Cookies struct {
	Secure bool
	Path   string
}

const (
	CookieState = "state"
	CookieNonce = "nonce"
)

func (c Cookies) Set(w http.ResponseWriter, name, value string) {
	path := c.Path
	if path == "" {
		path = "/"
	}
	// SameSite=None because the platform posts the launch cross-site.
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteNoneMode,
	})
}

func formValue(r *http.Request, name string) string {
	return strings.TrimSpace(r.FormValue(name))
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
