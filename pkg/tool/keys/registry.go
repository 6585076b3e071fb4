package keys

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mind-engage/mindengage-lti/pkg/tool/kv"
	"github.com/mind-engage/mindengage-lti/pkg/tool/ltierr"
)

const (
	JWKTable = "jwks"

	// RefreshBefore is how close to expiry a record may get before All
	// replaces it.
	RefreshBefore = 10 * 24 * time.Hour
	RecordTTL     = 30 * 24 * time.Hour
)

// JWKRecord is the public half of the oracle key the tool signs with.
type JWKRecord struct {
	Kid          string `json:"kid"`
	KMSKeyID     string `json:"kms_key_id"`
	PublicKeyPEM string `json:"public_key_pem"`
	TTL          int64  `json:"ttl"`
}

type JWK struct {
	Kty string   `json:"kty"`
	Kid string   `json:"kid"`
	Alg string   `json:"alg"`
	Use string   `json:"use"`
	N   string   `json:"n"`
	E   string   `json:"e"`
	X5c []string `json:"x5c,omitempty"`
}

type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// Registry publishes the oracle key under KeyID as a one-key JWK set and
// rotates its kid before the stored record ages out.
type Registry struct {
	KV     kv.Store
	Table  string
	Oracle Oracle
	KeyID  string
	Now    func() time.Time
}

func NewRegistry(store kv.Store, tablePrefix string, oracle Oracle, keyID string) *Registry {
	return &Registry{
		KV:     store,
		Table:  kv.TableName(tablePrefix, JWKTable),
		Oracle: oracle,
		KeyID:  keyID,
		Now:    time.Now,
	}
}

// All returns the current key set, refreshing the record first when it is
// missing or within RefreshBefore of expiry.
func (r *Registry) All(ctx context.Context) (JWKSet, error) {
	return r.all(ctx, 1)
}

func (r *Registry) all(ctx context.Context, refreshes int) (JWKSet, error) {
	rec, err := r.Load(ctx, r.KeyID)
	missing := errors.Is(err, ltierr.ErrRecordNotFound)
	if err != nil && !missing {
		return JWKSet{}, err
	}
	if missing || time.Unix(rec.TTL, 0).Sub(r.Now()) < RefreshBefore {
		if refreshes == 0 {
			return JWKSet{}, fmt.Errorf("%w: key record for %s did not refresh", ltierr.ErrSigning, r.KeyID)
		}
		var prev *JWKRecord
		if !missing {
			prev = &rec
		}
		if err := r.refresh(ctx, prev); err != nil {
			return JWKSet{}, err
		}
		return r.all(ctx, refreshes-1)
	}
	k, err := ToJWK(rec)
	if err != nil {
		return JWKSet{}, err
	}
	return JWKSet{Keys: []JWK{k}}, nil
}

// Kid returns the kid of the current key.
func (r *Registry) Kid(ctx context.Context) (string, error) {
	set, err := r.All(ctx)
	if err != nil {
		return "", err
	}
	return set.Keys[0].Kid, nil
}

// Load fetches the record stored for keyID.
func (r *Registry) Load(ctx context.Context, keyID string) (JWKRecord, error) {
	it, err := r.KV.Get(ctx, r.Table, keyID)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return JWKRecord{}, fmt.Errorf("%w: jwk %s", ltierr.ErrRecordNotFound, keyID)
		}
		return JWKRecord{}, fmt.Errorf("%w: load jwk: %v", ltierr.ErrStoreAccess, err)
	}
	var rec JWKRecord
	if err := kv.Decode(it, &rec); err != nil {
		return JWKRecord{}, fmt.Errorf("%w: decode jwk: %v", ltierr.ErrStoreAccess, err)
	}
	return rec, nil
}

// refresh writes a new record. Concurrent refreshers race on a conditional
// write; losing that race is fine because the winner's record is current.
func (r *Registry) refresh(ctx context.Context, prev *JWKRecord) error {
	pemStr, err := r.Oracle.PublicKey(ctx, r.KeyID)
	if err != nil {
		if errors.Is(err, ltierr.ErrSigning) {
			return err
		}
		return fmt.Errorf("%w: public key: %v", ltierr.ErrSigning, err)
	}
	next := JWKRecord{
		Kid:          ulid.Make().String(),
		KMSKeyID:     r.KeyID,
		PublicKeyPEM: pemStr,
		TTL:          r.Now().Add(RecordTTL).Unix(),
	}
	it, err := kv.Encode(next)
	if err != nil {
		return fmt.Errorf("%w: encode jwk: %v", ltierr.ErrStoreAccess, err)
	}

	if prev != nil {
		err = r.KV.ConditionalUpdate(ctx, r.Table, r.KeyID, kv.Item{"kid": prev.Kid}, it)
		if !errors.Is(err, kv.ErrNotFound) {
			return writeErr(err)
		}
	}
	return writeErr(r.KV.Create(ctx, r.Table, r.KeyID, it))
}

func writeErr(err error) error {
	if err == nil || errors.Is(err, kv.ErrConditionFailed) {
		return nil
	}
	return fmt.Errorf("%w: save jwk: %v", ltierr.ErrStoreAccess, err)
}

// ToJWK converts a stored record into its public JWK. x5c carries the DER
// public key.
func ToJWK(rec JWKRecord) (JWK, error) {
	block, _ := pem.Decode([]byte(rec.PublicKeyPEM))
	if block == nil {
		return JWK{}, fmt.Errorf("%w: jwk %s has no PEM block", ltierr.ErrSigning, rec.Kid)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return JWK{}, fmt.Errorf("%w: jwk %s: %v", ltierr.ErrSigning, rec.Kid, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return JWK{}, fmt.Errorf("%w: jwk %s is %T, want RSA", ltierr.ErrSigning, rec.Kid, pub)
	}
	return JWK{
		Kty: "RSA",
		Kid: rec.Kid,
		Alg: "RS256",
		Use: "sig",
		N:   b64url(rsaPub.N.Bytes()),
		E:   b64url(big.NewInt(int64(rsaPub.E)).Bytes()),
		X5c: []string{base64.StdEncoding.EncodeToString(block.Bytes)},
	}, nil
}

func b64url(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }
