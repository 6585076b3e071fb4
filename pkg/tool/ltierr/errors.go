// Package ltierr defines the error kinds shared by the LTI security core and
// their HTTP mapping.
//
// Components wrap a kind with context:
//
//	return fmt.Errorf("%w: platform %s/%s", ltierr.ErrRecordNotFound, iss, clientID)
//
// and handlers call Write, which picks the status and a public message from the
// kind alone so that store keys and raw tokens never reach the response body.
package ltierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

var (
	ErrInvalidValue    = errors.New("invalid value")
	ErrRecordNotFound  = errors.New("record not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidState    = errors.New("invalid state")
	ErrStoreAccess     = errors.New("store access error")
	ErrJwtValidation   = errors.New("jwt validation failure")
	ErrPlatformCall    = errors.New("platform call failure")
	ErrSigning         = errors.New("signing failure")
)

// JWT validation sub-kinds. Each one also matches ErrJwtValidation.
var (
	ErrInvalidClaims = fmt.Errorf("%w: invalid claims", ErrJwtValidation)
	ErrSignature     = fmt.Errorf("%w: signature verification failed", ErrJwtValidation)
	ErrMissingNonce  = fmt.Errorf("%w: missing nonce", ErrJwtValidation)
)

type kind struct {
	err    error
	status int
	public string
}

// Order matters: sub-kinds before the kind they wrap.
var kinds = []kind{
	{ErrInvalidValue, http.StatusBadRequest, "invalid request"},
	{ErrRecordNotFound, http.StatusBadRequest, "unknown registration"},
	{ErrInvalidClaims, http.StatusBadRequest, "invalid token claims"},
	{ErrSignature, http.StatusUnauthorized, "invalid token signature"},
	{ErrMissingNonce, http.StatusUnauthorized, "missing nonce"},
	{ErrJwtValidation, http.StatusUnauthorized, "invalid token"},
	{ErrSessionNotFound, http.StatusUnauthorized, "session not found"},
	{ErrInvalidState, http.StatusUnauthorized, "invalid state"},
	{ErrStoreAccess, http.StatusInternalServerError, "storage unavailable"},
	{ErrPlatformCall, http.StatusInternalServerError, "platform call failed"},
	{ErrSigning, http.StatusInternalServerError, "signing failed"},
}

func lookup(err error) kind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k
		}
	}
	return kind{status: http.StatusInternalServerError, public: "internal error"}
}

// Status returns the HTTP status suggested for err. Unclassified errors are 500.
func Status(err error) int {
	return lookup(err).status
}

// Message returns the client-safe text for err.
func Message(err error) string {
	return lookup(err).public
}

// Write logs err and writes a JSON error body with the mapped status.
func Write(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	k := lookup(err)
	if log != nil {
		lvl := slog.LevelWarn
		if k.status >= http.StatusInternalServerError {
			lvl = slog.LevelError
		}
		log.Log(r.Context(), lvl, "request failed", "path", r.URL.Path, "status", k.status, "error", err)
	}
	WriteJSON(w, k.status, map[string]string{"error": k.public})
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
