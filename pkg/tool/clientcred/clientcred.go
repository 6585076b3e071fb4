// Package clientcred obtains platform access tokens with the LTI Advantage
// client-credentials grant, authenticating with a signed JWT assertion
// (RFC 7523) instead of a client secret.
package clientcred

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/mind-engage/mindengage-lti/pkg/tool/keys"
	"github.com/mind-engage/mindengage-lti/pkg/tool/ltierr"
	"github.com/mind-engage/mindengage-lti/pkg/tool/registry"
)

const AssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

const (
	ScopeMemberships      = "https://purl.imsglobal.org/spec/lti-nrps/scope/contextmembership.readonly"
	ScopeLineItem         = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem"
	ScopeLineItemReadOnly = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem.readonly"
	ScopeScore            = "https://purl.imsglobal.org/spec/lti-ags/scope/score"
)

// DefaultScopes is requested on every grant.
var DefaultScopes = []string{ScopeMemberships, ScopeLineItem, ScopeLineItemReadOnly, ScopeScore}

const assertionLifetime = 5 * time.Minute

// Requester performs the grant. One Requester is shared by every handler;
// it holds no per-request state.
type Requester struct {
	Signer *keys.Signer
	HTTP   *http.Client
	Scopes []string
	Now    func() time.Time
}

func New(signer *keys.Signer, hc *http.Client, scopes []string) *Requester {
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return &Requester{Signer: signer, HTTP: hc, Scopes: scopes, Now: time.Now}
}

// Assertion builds and signs the client assertion for platform.
func (r *Requester) Assertion(ctx context.Context, platform registry.PlatformRecord, kid, keyID string) (string, error) {
	now := r.now()
	claims := jwt.RegisteredClaims{
		Issuer:    platform.ClientID,
		Subject:   platform.ClientID,
		Audience:  jwt.ClaimStrings{platform.AccessTokenURL},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
		ID:        uuid.NewString(),
	}
	return r.Signer.Sign(ctx, claims, keyID, kid)
}

// Request returns an access token for platform. The assertion is signed with
// the oracle key keyID and advertises kid from the tool's JWKS.
func (r *Requester) Request(ctx context.Context, platform registry.PlatformRecord, kid, keyID string) (string, error) {
	assertion, err := r.Assertion(ctx, platform, kid, keyID)
	if err != nil {
		return "", err
	}

	cfg := clientcredentials.Config{
		ClientID:  platform.ClientID,
		TokenURL:  platform.AuthTokenURL,
		Scopes:    r.Scopes,
		AuthStyle: oauth2.AuthStyleInParams,
		EndpointParams: url.Values{
			"client_assertion_type": {AssertionType},
			"client_assertion":      {assertion},
		},
	}
	if r.HTTP != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.HTTP)
	}
	tok, err := cfg.Token(ctx)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return "", fmt.Errorf("%w: token endpoint returned %s", ltierr.ErrPlatformCall, re.Response.Status)
		}
		return "", fmt.Errorf("%w: token request: %v", ltierr.ErrPlatformCall, err)
	}
	return tok.AccessToken, nil
}

func (r *Requester) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
