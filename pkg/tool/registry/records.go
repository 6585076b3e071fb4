// Package registry resolves the platform and tool registrations the launch
// flow depends on. Records are plain structs; lookups and validation are free
// of hidden defaults so the deployment-id fallback stays visible in one place.
package registry

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/mind-engage/mindengage-lti/pkg/tool/ltierr"
)

// PlatformRecord identifies one LMS registration.
type PlatformRecord struct {
	Issuer         string `json:"issuer"`
	ClientID       string `json:"client_id"`
	DeploymentID   string `json:"deployment_id,omitempty"`
	AuthLoginURL   string `json:"auth_login_url"`
	AuthTokenURL   string `json:"auth_token_url"`
	AccessTokenURL string `json:"access_token_url"`
	KeySetURL      string `json:"key_set_url"`
}

// Key is the composite store key. An empty deployment id is part of the key,
// so a registration without one is a distinct record.
func (p PlatformRecord) Key() string {
	return PlatformKey(p.ClientID, p.Issuer, p.DeploymentID)
}

func PlatformKey(clientID, issuer, deploymentID string) string {
	return clientID + "|" + issuer + "|" + deploymentID
}

// Normalize trims whitespace from every field.
func (p PlatformRecord) Normalize() PlatformRecord {
	p.Issuer = strings.TrimSpace(p.Issuer)
	p.ClientID = strings.TrimSpace(p.ClientID)
	p.DeploymentID = strings.TrimSpace(p.DeploymentID)
	p.AuthLoginURL = strings.TrimSpace(p.AuthLoginURL)
	p.AuthTokenURL = strings.TrimSpace(p.AuthTokenURL)
	p.AccessTokenURL = strings.TrimSpace(p.AccessTokenURL)
	p.KeySetURL = strings.TrimSpace(p.KeySetURL)
	return p
}

// Validate reports the first missing or malformed required field.
func (p PlatformRecord) Validate() error {
	required := []struct{ name, val string }{
		{"issuer", p.Issuer},
		{"client_id", p.ClientID},
		{"auth_login_url", p.AuthLoginURL},
		{"auth_token_url", p.AuthTokenURL},
		{"access_token_url", p.AccessTokenURL},
		{"key_set_url", p.KeySetURL},
	}
	for _, f := range required {
		if f.val == "" {
			return fmt.Errorf("%w: %s is required", ltierr.ErrInvalidValue, f.name)
		}
	}
	for _, f := range required[2:] {
		if !isHTTPURL(f.val) {
			return fmt.Errorf("%w: %s must be an http(s) URL", ltierr.ErrInvalidValue, f.name)
		}
	}
	return nil
}

// ToolRecord is the tool's own configuration for one platform issuer.
type ToolRecord struct {
	ID          string               `json:"id"`
	Issuer      string               `json:"issuer"`
	URL         string               `json:"url"`
	OIDC        *OIDCRelay           `json:"oidc,omitempty"`
	DeepLinking *DeepLinkingSettings `json:"deep_linking,omitempty"`
	Features    []string             `json:"features,omitempty"`
}

// OIDCRelay describes where the browser goes once a launch is bound to state.
type OIDCRelay struct {
	RedirectURL string `json:"redirect_url,omitempty"`
}

type DeepLinkingSettings struct {
	ResourceLinks []ResourceLinkTemplate `json:"resource_links,omitempty"`
}

// ResourceLinkTemplate becomes one ltiResourceLink content item.
type ResourceLinkTemplate struct {
	Title    string            `json:"title"`
	Text     string            `json:"text,omitempty"`
	URL      string            `json:"url,omitempty"`
	Custom   map[string]string `json:"custom,omitempty"`
	LineItem *LineItemTemplate `json:"line_item,omitempty"`
}

type LineItemTemplate struct {
	ScoreMaximum float64 `json:"score_maximum"`
	Label        string  `json:"label,omitempty"`
	ResourceID   string  `json:"resource_id,omitempty"`
	Tag          string  `json:"tag,omitempty"`
}

func ToolKey(id, issuer string) string {
	return id + "|" + issuer
}

func (t ToolRecord) Key() string { return ToolKey(t.ID, t.Issuer) }

// LaunchURL is where resource-link launches are handed off to.
func (t ToolRecord) LaunchURL() string {
	if t.OIDC != nil && t.OIDC.RedirectURL != "" {
		return t.OIDC.RedirectURL
	}
	return t.URL
}

func (t ToolRecord) Validate() error {
	switch {
	case strings.TrimSpace(t.ID) == "":
		return fmt.Errorf("%w: id is required", ltierr.ErrInvalidValue)
	case strings.TrimSpace(t.Issuer) == "":
		return fmt.Errorf("%w: issuer is required", ltierr.ErrInvalidValue)
	case strings.TrimSpace(t.URL) == "":
		return fmt.Errorf("%w: url is required", ltierr.ErrInvalidValue)
	case !isHTTPURL(t.URL):
		return fmt.Errorf("%w: url must be an http(s) URL", ltierr.ErrInvalidValue)
	}
	if t.OIDC != nil && t.OIDC.RedirectURL != "" && !isHTTPURL(t.OIDC.RedirectURL) {
		return fmt.Errorf("%w: oidc.redirect_url must be an http(s) URL", ltierr.ErrInvalidValue)
	}
	if t.DeepLinking != nil {
		for i, rl := range t.DeepLinking.ResourceLinks {
			if strings.TrimSpace(rl.Title) == "" {
				return fmt.Errorf("%w: deep_linking.resource_links[%d].title is required", ltierr.ErrInvalidValue, i)
			}
			if rl.LineItem != nil && rl.LineItem.ScoreMaximum <= 0 {
				return fmt.Errorf("%w: deep_linking.resource_links[%d].line_item.score_maximum must be positive", ltierr.ErrInvalidValue, i)
			}
		}
	}
	return nil
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
