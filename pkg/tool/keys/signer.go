package keys

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mind-engage/mindengage-lti/pkg/tool/ltierr"
)

// Signer produces RS256 compact JWS values through an Oracle.
type Signer struct {
	Oracle Oracle
}

// Sign encodes claims under the header {alg: RS256, typ: JWT, kid} and has
// the oracle sign the SHA-256 digest of the signing input with keyID.
func (s *Signer) Sign(ctx context.Context, claims jwt.Claims, keyID, kid string) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	input, err := tok.SigningString()
	if err != nil {
		return "", fmt.Errorf("%w: encode jwt: %v", ltierr.ErrSigning, err)
	}
	digest := sha256.Sum256([]byte(input))
	sig, err := s.Oracle.Sign(ctx, keyID, digest[:])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ltierr.ErrSigning, err)
	}
	return input + "." + b64url(sig), nil
}
