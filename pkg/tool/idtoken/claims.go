package idtoken

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mind-engage/mindengage-lti/pkg/tool/ltierr"
	"github.com/mind-engage/mindengage-lti/pkg/tool/registry"
)

// IMS claim names.
const (
	NSLTI  = "https://purl.imsglobal.org/spec/lti/claim/"
	NSAGS  = "https://purl.imsglobal.org/spec/lti-ags/claim/"
	NSNRPS = "https://purl.imsglobal.org/spec/lti-nrps/claim/"
	NSDL   = "https://purl.imsglobal.org/spec/lti-dl/claim/"

	ClaimMessageType  = NSLTI + "message_type"
	ClaimVersion      = NSLTI + "version"
	ClaimDeploymentID = NSLTI + "deployment_id"
	ClaimTargetLink   = NSLTI + "target_link_uri"
	ClaimResourceLink = NSLTI + "resource_link"
	ClaimContext      = NSLTI + "context"
	ClaimRoles        = NSLTI + "roles"
	ClaimCustom       = NSLTI + "custom"
	ClaimAGSEndpoint  = NSAGS + "endpoint"
	ClaimNRPS         = NSNRPS + "namesroleservice"
	ClaimDLSettings   = NSDL + "deep_linking_settings"

	MessageResourceLink = "LtiResourceLinkRequest"
	MessageDeepLinking  = "LtiDeepLinkingRequest"
)

// Payload is a validated ID token together with the platform it was
// validated against. Only Validator.Load constructs one.
type Payload struct {
	Claims   jwt.MapClaims
	Platform registry.PlatformRecord
	Raw      string
}

// Claim resolves name and then walks path through nested JSON objects.
// ok is false when any step is absent.
func (p *Payload) Claim(name string, path ...string) (any, bool) {
	v, ok := p.Claims[name]
	for _, seg := range path {
		if !ok {
			break
		}
		obj, isObj := v.(map[string]any)
		if !isObj {
			return nil, false
		}
		v, ok = obj[seg]
	}
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Require is Claim for claims the caller cannot proceed without.
func (p *Payload) Require(name string, path ...string) (any, error) {
	v, ok := p.Claim(name, path...)
	if !ok {
		return nil, fmt.Errorf("%w: missing claim %s%s", ltierr.ErrInvalidClaims, name, dotted(path))
	}
	return v, nil
}

// String returns the claim as a string, or "" when absent or not a string.
func (p *Payload) String(name string, path ...string) string {
	v, _ := p.Claim(name, path...)
	s, _ := v.(string)
	return s
}

// RequireString is Require for string claims.
func (p *Payload) RequireString(name string, path ...string) (string, error) {
	v, err := p.Require(name, path...)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: claim %s%s is not a string", ltierr.ErrInvalidClaims, name, dotted(path))
	}
	return s, nil
}

func (p *Payload) Issuer() string       { return p.String("iss") }
func (p *Payload) Subject() string      { return p.String("sub") }
func (p *Payload) Nonce() string        { return p.String("nonce") }
func (p *Payload) MessageType() string  { return p.String(ClaimMessageType) }
func (p *Payload) DeploymentID() string { return p.String(ClaimDeploymentID) }

// Audience returns aud as a list whether it was sent as a string or array.
func (p *Payload) Audience() []string {
	aud, _ := p.Claims.GetAudience()
	return aud
}

func dotted(path []string) string {
	s := ""
	for _, seg := range path {
		s += "." + seg
	}
	return s
}
