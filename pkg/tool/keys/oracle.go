// Package keys holds the tool's signing side: the signing oracle, the public
// JWK registry platforms fetch, and the compact-JWS signer built on both.
package keys

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/mind-engage/mindengage-lti/pkg/tool/ltierr"
)

// Oracle signs with private keys it never hands out. Sign and Verify take a
// SHA-256 digest and use RSASSA-PKCS1-v1_5, which is what RS256 needs.
type Oracle interface {
	PublicKey(ctx context.Context, keyID string) (string, error)
	Sign(ctx context.Context, keyID string, digest []byte) ([]byte, error)
	Verify(ctx context.Context, keyID string, digest, sig []byte) (bool, error)
}

var ErrUnknownKey = errors.New("keys: unknown signing key")

// LocalOracle keeps RSA private keys in process memory. It stands in for a
// KMS/HSM in single-instance deployments and tests.
type LocalOracle struct {
	mu   sync.RWMutex
	keys map[string]*rsa.PrivateKey
	Bits int
}

func NewLocalOracle() *LocalOracle {
	return &LocalOracle{keys: map[string]*rsa.PrivateKey{}, Bits: 2048}
}

var _ Oracle = (*LocalOracle)(nil)

func (o *LocalOracle) Add(keyID string, priv *rsa.PrivateKey) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.keys[keyID] = priv
}

// Generate creates a new RSA key under keyID, replacing any existing one.
func (o *LocalOracle) Generate(keyID string) error {
	bits := o.Bits
	if bits <= 0 {
		bits = 2048
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return fmt.Errorf("rsa generate: %w", err)
	}
	o.Add(keyID, priv)
	return nil
}

// LoadPEMFile reads a PKCS#1 or PKCS#8 RSA private key from path.
func (o *LocalOracle) LoadPEMFile(keyID, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	priv, err := ParsePrivateKeyPEM(b)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	o.Add(keyID, priv)
	return nil
}

func ParsePrivateKeyPEM(b []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("PKCS#8 key is %T, want RSA", k)
		}
		return rk, nil
	}
	return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
}

func (o *LocalOracle) key(keyID string) (*rsa.PrivateKey, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	k, ok := o.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s: %s", ltierr.ErrSigning, ErrUnknownKey, keyID)
	}
	return k, nil
}

// PublicKey returns the PKIX "PUBLIC KEY" PEM for keyID.
func (o *LocalOracle) PublicKey(_ context.Context, keyID string) (string, error) {
	k, err := o.key(keyID)
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKIXPublicKey(&k.PublicKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ltierr.ErrSigning, err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func (o *LocalOracle) Sign(_ context.Context, keyID string, digest []byte) ([]byte, error) {
	k, err := o.key(keyID)
	if err != nil {
		return nil, err
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, k, crypto.SHA256, digest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ltierr.ErrSigning, err)
	}
	return sig, nil
}

func (o *LocalOracle) Verify(_ context.Context, keyID string, digest, sig []byte) (bool, error) {
	k, err := o.key(keyID)
	if err != nil {
		return false, err
	}
	return rsa.VerifyPKCS1v15(&k.PublicKey, crypto.SHA256, digest, sig) == nil, nil
}
