package idtoken

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti/internal/ltitest"
	"github.com/mind-engage/mindengage-lti/pkg/tool/kv"
	"github.com/mind-engage/mindengage-lti/pkg/tool/ltierr"
	"github.com/mind-engage/mindengage-lti/pkg/tool/registry"
)

func setup(t *testing.T) (*ltitest.Platform, *Validator) {
	t.Helper()
	p := ltitest.NewPlatform(t)
	platforms := registry.NewPlatformConfig(kv.NewMemory(), "")
	_, err := platforms.Save(t.Context(), p.Record())
	require.NoError(t, err)
	keySets, err := NewRemoteKeySets(t.Context(), p.Server.Client())
	require.NoError(t, err)
	return p, NewValidator(platforms, keySets)
}

func TestLoadValidLaunch(t *testing.T) {
	p, v := setup(t)
	payload, err := v.Load(t.Context(), p.IDToken(t, "n-1"), true)
	require.NoError(t, err)

	assert.Equal(t, p.ClientID, payload.Platform.ClientID)
	assert.Equal(t, "user-123", payload.Subject())
	assert.Equal(t, "n-1", payload.Nonce())
	assert.Equal(t, MessageResourceLink, payload.MessageType())
	assert.Equal(t, p.DeploymentID, payload.DeploymentID())
	assert.Equal(t, []string{p.ClientID}, payload.Audience())

	lineitem, err := payload.RequireString(ClaimAGSEndpoint, "lineitem")
	require.NoError(t, err)
	assert.Equal(t, p.LineItemURL(), lineitem)
	_, err = payload.Require(ClaimDLSettings)
	assert.ErrorIs(t, err, ltierr.ErrInvalidClaims)
}

func TestLoadFallsBackToDeploymentAgnosticRecord(t *testing.T) {
	p := ltitest.NewPlatform(t)
	platforms := registry.NewPlatformConfig(kv.NewMemory(), "")
	rec := p.Record()
	rec.DeploymentID = ""
	_, err := platforms.Save(t.Context(), rec)
	require.NoError(t, err)
	keySets, err := NewRemoteKeySets(t.Context(), p.Server.Client())
	require.NoError(t, err)

	payload, err := NewValidator(platforms, keySets).Load(t.Context(), p.IDToken(t, "n"), true)
	require.NoError(t, err)
	assert.Empty(t, payload.Platform.DeploymentID)
}

func TestLoadUnknownPlatform(t *testing.T) {
	p, v := setup(t)
	claims := p.Claims("n")
	claims["aud"] = "someone-else"
	_, err := v.Load(t.Context(), p.Sign(t, claims), true)
	assert.ErrorIs(t, err, ltierr.ErrRecordNotFound)
}

func TestLoadAudienceAndAzp(t *testing.T) {
	p, v := setup(t)

	tests := []struct {
		name    string
		aud     any
		azp     string
		wantErr error
	}{
		{"single aud without azp", p.ClientID, "", nil},
		{"multiple aud without azp", []string{p.ClientID, "other"}, "", ltierr.ErrInvalidClaims},
		{"multiple aud with matching azp", []string{p.ClientID, "other"}, p.ClientID, nil},
		{"azp for another client", p.ClientID, "other", ltierr.ErrInvalidClaims},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := p.Claims("n")
			claims["aud"] = tt.aud
			if tt.azp != "" {
				claims["azp"] = tt.azp
			}
			_, err := v.Load(t.Context(), p.Sign(t, claims), true)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoadNonce(t *testing.T) {
	p, v := setup(t)
	claims := p.Claims("")
	delete(claims, "nonce")
	tok := p.Sign(t, claims)

	_, err := v.Load(t.Context(), tok, true)
	assert.ErrorIs(t, err, ltierr.ErrMissingNonce)
	assert.Equal(t, 401, ltierr.Status(err))

	_, err = v.Load(t.Context(), tok, false)
	assert.NoError(t, err)
}

func TestLoadRejectsForeignSignature(t *testing.T) {
	p, v := setup(t)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, p.Claims("n"))
	tok.Header["kid"] = p.Kid
	signed, err := tok.SignedString(other)
	require.NoError(t, err)

	_, err = v.Load(t.Context(), signed, true)
	assert.ErrorIs(t, err, ltierr.ErrSignature)
}

func TestLoadUnknownKid(t *testing.T) {
	p, v := setup(t)
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, p.Claims("n"))
	tok.Header["kid"] = "rotated-away"
	signed, err := tok.SignedString(p.Key)
	require.NoError(t, err)

	_, err = v.Load(t.Context(), signed, true)
	assert.ErrorIs(t, err, ltierr.ErrSignature)
}

func TestLoadExpired(t *testing.T) {
	p, v := setup(t)
	claims := p.Claims("n")
	claims["iat"] = time.Now().Add(-2 * time.Hour).Unix()
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	_, err := v.Load(t.Context(), p.Sign(t, claims), true)
	assert.ErrorIs(t, err, ltierr.ErrInvalidClaims)
	assert.Equal(t, 400, ltierr.Status(err))
}

func TestLoadMalformed(t *testing.T) {
	_, v := setup(t)
	for _, tok := range []string{"", "abc", "a.b.c"} {
		_, err := v.Load(t.Context(), tok, true)
		assert.ErrorIs(t, err, ltierr.ErrInvalidValue, tok)
	}
}

type staticPlatforms registry.PlatformRecord

func (s staticPlatforms) Load(context.Context, string, string, string) (registry.PlatformRecord, error) {
	return registry.PlatformRecord(s), nil
}

func TestLoadIssuerMismatch(t *testing.T) {
	p, v := setup(t)
	rec := p.Record()
	rec.Issuer = "https://elsewhere.example"
	v.Platforms = staticPlatforms(rec)

	_, err := v.Load(t.Context(), p.IDToken(t, "n"), true)
	assert.ErrorIs(t, err, ltierr.ErrInvalidClaims)
}

type brokenKeySets struct{}

func (brokenKeySets) Lookup(context.Context, string) (jwk.Set, error) {
	return nil, errors.New("connection refused")
}

func TestLoadKeySetUnavailable(t *testing.T) {
	p, v := setup(t)
	v.KeySets = brokenKeySets{}
	_, err := v.Load(t.Context(), p.IDToken(t, "n"), true)
	assert.ErrorIs(t, err, ltierr.ErrPlatformCall)
}

func TestLoadRecoversAfterKeySetOutage(t *testing.T) {
	p, v := setup(t)
	p.SetKeySetDown(true)
	for range 2 {
		_, err := v.Load(t.Context(), p.IDToken(t, "n"), true)
		assert.ErrorIs(t, err, ltierr.ErrPlatformCall)
	}

	p.SetKeySetDown(false)
	payload, err := v.Load(t.Context(), p.IDToken(t, "n"), true)
	require.NoError(t, err)
	assert.Equal(t, p.ClientID, payload.Platform.ClientID)
}

func TestRemoteKeySetsFetchesUnreadySetOnLookup(t *testing.T) {
	p := ltitest.NewPlatform(t)
	ks, err := NewRemoteKeySets(t.Context(), p.Server.Client())
	require.NoError(t, err)
	url := p.Record().KeySetURL

	p.SetKeySetDown(true)
	_, err = ks.Lookup(t.Context(), url)
	require.Error(t, err)
	_, err = ks.Refresh(t.Context(), url)
	require.Error(t, err)

	p.SetKeySetDown(false)
	set, err := ks.Lookup(t.Context(), url)
	require.NoError(t, err)
	_, ok := set.LookupKeyID(p.Kid)
	assert.True(t, ok)
}
