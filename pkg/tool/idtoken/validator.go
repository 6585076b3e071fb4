// Package idtoken validates inbound LTI ID tokens: unverified decode to find
// the platform, signature check against the platform's JWKS, then the
// iss/aud/azp/nonce rules of the IMS Security Framework.
package idtoken

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/mind-engage/mindengage-lti/pkg/tool/ltierr"
	"github.com/mind-engage/mindengage-lti/pkg/tool/registry"
)

// PlatformResolver is satisfied by *registry.PlatformConfig.
type PlatformResolver interface {
	Load(ctx context.Context, clientID, issuer, deploymentID string) (registry.PlatformRecord, error)
}

// KeySets returns the JWKS published at a URL.
type KeySets interface {
	Lookup(ctx context.Context, url string) (jwk.Set, error)
}

var validMethods = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512"}

var (
	errKeyNotFound = errors.New("signing key not in platform key set")
	errKeySet      = errors.New("platform key set unavailable")
)

type Validator struct {
	Platforms PlatformResolver
	KeySets   KeySets
	// Leeway absorbs clock skew on exp/iat/nbf.
	Leeway time.Duration
	Now    func() time.Time
}

func NewValidator(platforms PlatformResolver, keySets KeySets) *Validator {
	return &Validator{Platforms: platforms, KeySets: keySets, Leeway: 30 * time.Second, Now: time.Now}
}

// Load validates token and returns its payload. checkNonce requires a nonce
// claim; callers that already matched the nonce against state pass false.
func (v *Validator) Load(ctx context.Context, token string, checkNonce bool) (*Payload, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: id_token is required", ltierr.ErrInvalidValue)
	}

	unverified := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, unverified); err != nil {
		return nil, fmt.Errorf("%w: malformed id_token", ltierr.ErrInvalidValue)
	}
	iss, _ := unverified.GetIssuer()
	aud, _ := unverified.GetAudience()
	if iss == "" || len(aud) == 0 || aud[0] == "" {
		return nil, fmt.Errorf("%w: iss and aud are required", ltierr.ErrInvalidClaims)
	}
	deploymentID, _ := unverified[ClaimDeploymentID].(string)

	platform, err := v.Platforms.Load(ctx, aud[0], iss, deploymentID)
	if err != nil {
		return nil, err
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) { return v.key(ctx, platform, t) },
		jwt.WithValidMethods(validMethods),
		jwt.WithIssuer(platform.Issuer),
		jwt.WithAudience(platform.ClientID),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.Leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, classify(err)
	}

	verifiedAud, _ := claims.GetAudience()
	azp, hasAzp := claims["azp"].(string)
	if len(verifiedAud) > 1 && !hasAzp {
		return nil, fmt.Errorf("%w: azp is required with multiple audiences", ltierr.ErrInvalidClaims)
	}
	if hasAzp && azp != platform.ClientID {
		return nil, fmt.Errorf("%w: azp does not match client id", ltierr.ErrInvalidClaims)
	}
	if checkNonce {
		if n, _ := claims["nonce"].(string); n == "" {
			return nil, ltierr.ErrMissingNonce
		}
	}

	return &Payload{Claims: claims, Platform: platform, Raw: token}, nil
}

func (v *Validator) key(ctx context.Context, platform registry.PlatformRecord, t *jwt.Token) (any, error) {
	set, err := v.KeySets.Lookup(ctx, platform.KeySetURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errKeySet, err)
	}
	kid, _ := t.Header["kid"].(string)
	key, ok := pick(set, kid)
	if !ok && kid != "" {
		if rf, canRefresh := v.KeySets.(refresher); canRefresh {
			if set, err = rf.Refresh(ctx, platform.KeySetURL); err == nil {
				key, ok = pick(set, kid)
			}
		}
	}
	if !ok {
		return nil, errKeyNotFound
	}
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", errKeyNotFound, err)
	}
	return raw, nil
}

type refresher interface {
	Refresh(ctx context.Context, url string) (jwk.Set, error)
}

// pick finds kid in set. Tokens without a kid are accepted only against a
// single-key set.
func pick(set jwk.Set, kid string) (jwk.Key, bool) {
	if kid != "" {
		return set.LookupKeyID(kid)
	}
	if set.Len() == 1 {
		return set.Key(0)
	}
	return nil, false
}

func (v *Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func classify(err error) error {
	switch {
	case errors.Is(err, errKeySet):
		return fmt.Errorf("%w: %v", ltierr.ErrPlatformCall, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: malformed id_token", ltierr.ErrInvalidValue)
	case errors.Is(err, errKeyNotFound),
		errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ltierr.ErrSignature, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenExpired),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing),
		errors.Is(err, jwt.ErrTokenInvalidClaims):
		return fmt.Errorf("%w: %v", ltierr.ErrInvalidClaims, err)
	}
	return fmt.Errorf("%w: %v", ltierr.ErrSignature, err)
}
