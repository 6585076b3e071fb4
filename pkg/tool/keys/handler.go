package keys

import (
	"crypto/sha256"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mind-engage/mindengage-lti/pkg/tool/ltierr"
)

// JWKSHandler serves the tool's public key set at /.well-known/jwks.json so
// platforms can verify deep-linking responses and client assertions.
type JWKSHandler struct {
	Registry *Registry
	Log      *slog.Logger

	// CacheMaxAge defaults to 10 minutes; platforms re-fetch on unknown kid.
	CacheMaxAge time.Duration
}

func (h *JWKSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	set, err := h.Registry.All(r.Context())
	if err != nil {
		ltierr.Write(w, r, h.Log, err)
		return
	}
	payload, err := json.Marshal(set)
	if err != nil {
		ltierr.Write(w, r, h.Log, err)
		return
	}

	maxAge := h.CacheMaxAge
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	sum := sha256.Sum256(payload)
	etag := `W/"` + b64url(sum[:]) + `"`
	w.Header().Set("Content-Type", "application/jwk-set+json")
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(maxAge.Seconds())))
	w.Header().Set("ETag", etag)

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(payload)
}
