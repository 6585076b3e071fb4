package keys

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti/pkg/tool/kv"
	"github.com/mind-engage/mindengage-lti/pkg/tool/ltierr"
)

const testKeyID = "tool-signing-key"

func newOracle(t *testing.T) *LocalOracle {
	t.Helper()
	o := NewLocalOracle()
	o.Bits = 1024
	require.NoError(t, o.Generate(testKeyID))
	return o
}

func TestRegistryCreatesRecordOnFirstUse(t *testing.T) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)
	reg := NewRegistry(kv.NewMemory(), "", newOracle(t), testKeyID)
	reg.Now = func() time.Time { return now }

	set, err := reg.All(ctx)
	require.NoError(t, err)
	require.Len(t, set.Keys, 1)
	k := set.Keys[0]
	assert.Equal(t, "RSA", k.Kty)
	assert.Equal(t, "RS256", k.Alg)
	assert.Equal(t, "sig", k.Use)
	assert.NotEmpty(t, k.Kid)
	assert.Equal(t, "AQAB", k.E)
	require.Len(t, k.X5c, 1)

	der, err := base64.StdEncoding.DecodeString(k.X5c[0])
	require.NoError(t, err)
	pub, err := x509.ParsePKIXPublicKey(der)
	require.NoError(t, err)
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	require.NoError(t, err)
	assert.Equal(t, 0, new(big.Int).SetBytes(n).Cmp(pub.(*rsa.PublicKey).N))

	rec, err := reg.Load(ctx, testKeyID)
	require.NoError(t, err)
	assert.Equal(t, now.Add(RecordTTL).Unix(), rec.TTL)
	assert.Equal(t, testKeyID, rec.KMSKeyID)
}

func TestRegistryRefreshThreshold(t *testing.T) {
	ctx := context.Background()
	start := time.Now().Truncate(time.Second)
	clock := start
	reg := NewRegistry(kv.NewMemory(), "", newOracle(t), testKeyID)
	reg.Now = func() time.Time { return clock }

	first, err := reg.Kid(ctx)
	require.NoError(t, err)

	// 19 days in: 11 days left, record is kept.
	clock = start.Add(19 * 24 * time.Hour)
	kid, err := reg.Kid(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, kid)

	// 21 days in: 9 days left, record is replaced.
	clock = start.Add(21 * 24 * time.Hour)
	kid, err = reg.Kid(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first, kid)

	rec, err := reg.Load(ctx, testKeyID)
	require.NoError(t, err)
	assert.Equal(t, clock.Add(RecordTTL).Unix(), rec.TTL)
}

type droppingStore struct{ kv.Store }

// Create drops the write so the registry never observes a fresh record.
func (droppingStore) Create(context.Context, string, string, kv.Item) error { return nil }

func TestRegistryRecursesAtMostOnce(t *testing.T) {
	reg := NewRegistry(droppingStore{kv.NewMemory()}, "", newOracle(t), testKeyID)
	_, err := reg.All(context.Background())
	require.ErrorIs(t, err, ltierr.ErrSigning)
}

func TestRegistryLoadMissing(t *testing.T) {
	reg := NewRegistry(kv.NewMemory(), "", newOracle(t), testKeyID)
	_, err := reg.Load(context.Background(), "other")
	assert.ErrorIs(t, err, ltierr.ErrRecordNotFound)
}

func TestRegistryOracleFailure(t *testing.T) {
	reg := NewRegistry(kv.NewMemory(), "", NewLocalOracle(), testKeyID)
	_, err := reg.All(context.Background())
	assert.ErrorIs(t, err, ltierr.ErrSigning)
}

func TestSignerProducesVerifiableRS256(t *testing.T) {
	ctx := context.Background()
	o := newOracle(t)
	s := &Signer{Oracle: o}

	tok, err := s.Sign(ctx, jwt.MapClaims{"iss": "client-1", "n": 1}, testKeyID, "kid-1")
	require.NoError(t, err)
	parts := strings.Split(tok, ".")
	require.Len(t, parts, 3)

	pemStr, err := o.PublicKey(ctx, testKeyID)
	require.NoError(t, err)
	pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pemStr))
	require.NoError(t, err)

	parsed, err := jwt.Parse(tok, func(*jwt.Token) (any, error) { return pub, nil },
		jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)
	assert.Equal(t, "kid-1", parsed.Header["kid"])
	assert.Equal(t, "JWT", parsed.Header["typ"])
	assert.Equal(t, "client-1", parsed.Claims.(jwt.MapClaims)["iss"])

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	require.NoError(t, err)
	digest := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	ok, err := o.Verify(ctx, testKeyID, digest[:], sig)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig))
}

type failingOracle struct{ Oracle }

func (failingOracle) Sign(context.Context, string, []byte) ([]byte, error) {
	return nil, errors.New("kms throttled")
}

func TestSignerWrapsOracleFailure(t *testing.T) {
	s := &Signer{Oracle: failingOracle{}}
	_, err := s.Sign(context.Background(), jwt.MapClaims{}, testKeyID, "kid")
	assert.ErrorIs(t, err, ltierr.ErrSigning)
}

func TestParsePrivateKeyPEMRejectsGarbage(t *testing.T) {
	_, err := ParsePrivateKeyPEM([]byte("not pem"))
	assert.Error(t, err)
}

func TestJWKSHandler(t *testing.T) {
	reg := NewRegistry(kv.NewMemory(), "", newOracle(t), testKeyID)
	h := &JWKSHandler{Registry: reg}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/jwk-set+json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"kty":"RSA"`)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotModified, rec.Code)
}
