package registry

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/mind-engage/mindengage-lti/pkg/tool/ltierr"
)

/*
Routes exposes administrative registration:

	POST /platforms                                  upsert a PlatformRecord
	GET  /platforms                                  list
	GET  /platforms/lookup?client_id=&iss=&deployment_id=
	POST /tools                                      upsert a ToolRecord
	GET  /tools                                      list
	GET  /tools/lookup?id=&iss=

Mount under /admin behind BasicAuth.
*/
func Routes(platforms *PlatformConfig, tools *ToolConfig, log *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Post("/platforms", savePlatform(platforms, log))
	r.Get("/platforms", listPlatforms(platforms, log))
	r.Get("/platforms/lookup", lookupPlatform(platforms, log))
	r.Post("/tools", saveTool(tools, log))
	r.Get("/tools", listTools(tools, log))
	r.Get("/tools/lookup", lookupTool(tools, log))
	return r
}

func savePlatform(c *PlatformConfig, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PlatformRecord
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			ltierr.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
			return
		}
		rec, err := c.Save(r.Context(), req)
		if err != nil {
			ltierr.Write(w, r, log, err)
			return
		}
		log.Info("platform registered", "issuer", rec.Issuer, "client_id", rec.ClientID, "deployment_id", rec.DeploymentID)
		ltierr.WriteJSON(w, http.StatusCreated, rec)
	}
}

func listPlatforms(c *PlatformConfig, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := c.List(r.Context())
		if err != nil {
			ltierr.Write(w, r, log, err)
			return
		}
		ltierr.WriteJSON(w, http.StatusOK, recs)
	}
}

func lookupPlatform(c *PlatformConfig, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		rec, err := c.Load(r.Context(), q.Get("client_id"), q.Get("iss"), q.Get("deployment_id"))
		if err != nil {
			ltierr.Write(w, r, log, err)
			return
		}
		ltierr.WriteJSON(w, http.StatusOK, rec)
	}
}

func saveTool(c *ToolConfig, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ToolRecord
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			ltierr.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
			return
		}
		rec, err := c.Save(r.Context(), req)
		if err != nil {
			ltierr.Write(w, r, log, err)
			return
		}
		log.Info("tool registered", "id", rec.ID, "issuer", rec.Issuer)
		ltierr.WriteJSON(w, http.StatusCreated, rec)
	}
}

func listTools(c *ToolConfig, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := c.List(r.Context())
		if err != nil {
			ltierr.Write(w, r, log, err)
			return
		}
		ltierr.WriteJSON(w, http.StatusOK, recs)
	}
}

func lookupTool(c *ToolConfig, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		rec, err := c.Load(r.Context(), q.Get("id"), q.Get("iss"))
		if err != nil {
			ltierr.Write(w, r, log, err)
			return
		}
		ltierr.WriteJSON(w, http.StatusOK, rec)
	}
}

// BasicAuth guards next with a single admin account whose password is stored
// as a bcrypt hash. An empty user disables the admin surface entirely.
func BasicAuth(user, passHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if user == "" || !ok ||
				subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
				bcrypt.CompareHashAndPassword([]byte(passHash), []byte(p)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="lti-admin"`)
				ltierr.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
