// Package server assembles the tool's HTTP surface from its stores, keys and
// protocol handlers.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mind-engage/mindengage-lti/internal/config"
	"github.com/mind-engage/mindengage-lti/internal/obs"
	"github.com/mind-engage/mindengage-lti/pkg/tool/clientcred"
	"github.com/mind-engage/mindengage-lti/pkg/tool/idtoken"
	"github.com/mind-engage/mindengage-lti/pkg/tool/keys"
	"github.com/mind-engage/mindengage-lti/pkg/tool/kv"
	"github.com/mind-engage/mindengage-lti/pkg/tool/lti"
	"github.com/mind-engage/mindengage-lti/pkg/tool/lti/ags"
	"github.com/mind-engage/mindengage-lti/pkg/tool/lti/deeplinking"
	"github.com/mind-engage/mindengage-lti/pkg/tool/lti/nrps"
	"github.com/mind-engage/mindengage-lti/pkg/tool/ltierr"
	"github.com/mind-engage/mindengage-lti/pkg/tool/registry"
	"github.com/mind-engage/mindengage-lti/pkg/tool/state"
)

const requestTimeout = 30 * time.Second

// Server holds the wired components so the CLI can reach the registries
// without going through HTTP.
type Server struct {
	Platforms *registry.PlatformConfig
	Tools     *registry.ToolConfig
	States    *state.Store
	Keys      *keys.Registry
	Metrics   *obs.Metrics

	router chi.Router
}

// New wires every component against store and oracle. hc is the client used
// for platform key sets, token grants and service calls.
func New(ctx context.Context, cfg config.Config, log *slog.Logger, store kv.Store, oracle keys.Oracle, hc *http.Client) (*Server, error) {
	keySets, err := idtoken.NewRemoteKeySets(ctx, hc)
	if err != nil {
		return nil, fmt.Errorf("jwks cache: %w", err)
	}

	s := &Server{
		Platforms: registry.NewPlatformConfig(store, cfg.TablePrefix),
		Tools:     registry.NewToolConfig(store, cfg.TablePrefix),
		States:    state.New(store, cfg.TablePrefix, cfg.StateTTL),
		Keys:      keys.NewRegistry(store, cfg.TablePrefix, oracle, cfg.SigningKeyID),
		Metrics:   obs.New(),
	}
	signer := &keys.Signer{Oracle: oracle}
	validator := idtoken.NewValidator(s.Platforms, keySets)
	grants := clientcred.New(signer, hc, cfg.ClientCredentialScopes)
	observe := lti.Observer(s.Metrics.ObserveStep)
	cookies := lti.Cookies{Secure: cfg.CookieSecure}

	login := &lti.Login{
		Platforms: s.Platforms,
		States:    s.States,
		Paths: lti.Paths{
			Login:         cfg.LoginPathSegment,
			Launch:        cfg.LaunchPathSegment,
			PublicBaseURL: cfg.PublicBaseURL,
		},
		Cookies: cookies,
		Log:     log,
		Observe: observe,
	}
	launch := &lti.Launch{
		Auth: &lti.Authenticator{
			Validator: validator,
			States:    s.States,
			Tools:     s.Tools,
			Keys:      s.Keys,
			KeyID:     cfg.SigningKeyID,
			Grants:    grants,
		},
		States:    s.States,
		DeepLinks: &deeplinking.Builder{Signer: signer},
		Cookies:   cookies,
		Log:       log,
		Observe:   observe,
	}
	serviceAuth := &lti.ServiceAuth{
		Platforms: s.Platforms,
		Validator: validator,
		Keys:      s.Keys,
		KeyID:     cfg.SigningKeyID,
		Grants:    grants,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP)
	r.Use(RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(s.Metrics.Instrument)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		ltierr.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	r.Method(http.MethodGet, "/.well-known/jwks.json", &keys.JWKSHandler{Registry: s.Keys, Log: log})

	r.Route("/lti", func(r chi.Router) {
		r.Method(http.MethodGet, "/"+cfg.LoginPathSegment, login)
		r.Method(http.MethodPost, "/"+cfg.LoginPathSegment, login)
		r.Method(http.MethodPost, "/"+cfg.LaunchPathSegment, launch)
		r.Method(http.MethodGet, "/authorize", &lti.Authorizer{
			States:          s.States,
			Tools:           s.Tools,
			RedirectOrigins: redirectOrigins(cfg),
			Log:             log,
			Observe:         observe,
		})

		// The token proxy is called from the tool's browser code, which may
		// live on another origin.
		r.Route("/token", func(r chi.Router) {
			if len(cfg.CORSAllowedOrigins) > 0 {
				r.Use(cors.Handler(cors.Options{
					AllowedOrigins:   cfg.CORSAllowedOrigins,
					AllowedMethods:   []string{http.MethodPost, http.MethodOptions},
					AllowedHeaders:   []string{"Content-Type"},
					AllowCredentials: true,
					MaxAge:           300,
				}))
			}
			r.Method(http.MethodPost, "/", &lti.Token{States: s.States, Log: log, Observe: observe})
		})

		r.Method(http.MethodPost, "/ags/scores", &ags.Handler{
			Auth:    serviceAuth,
			Client:  &ags.Client{HTTP: hc},
			Log:     log,
			Observe: observe,
		})
		r.Method(http.MethodPost, "/nrps/memberships", &nrps.Handler{
			Auth:    serviceAuth,
			Client:  &nrps.Client{HTTP: hc},
			Log:     log,
			Observe: observe,
		})
	})

	if cfg.AdminPassHash != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(registry.BasicAuth(cfg.AdminUser, cfg.AdminPassHash))
			r.Mount("/", registry.Routes(s.Platforms, s.Tools, log))
		})
	} else {
		log.Info("admin routes disabled; ADMIN_PASS_HASH is empty")
	}

	s.router = r
	return s, nil
}

func redirectOrigins(cfg config.Config) []string {
	origins := slices.Clone(cfg.AuthorizeRedirectOrigins)
	if cfg.PublicBaseURL != "" {
		origins = append(origins, cfg.PublicBaseURL)
	}
	return origins
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
