// Package ltitest runs a fake LMS for package tests: it publishes a JWKS,
// mints ID tokens, answers the client-credentials grant and records AGS/NRPS
// calls.
package ltitest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/mind-engage/mindengage-lti/pkg/tool/registry"
)

const (
	ClaimMessageType  = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion      = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeploymentID = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	ClaimCustom       = "https://purl.imsglobal.org/spec/lti/claim/custom"
	ClaimAGSEndpoint  = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"
	ClaimNRPS         = "https://purl.imsglobal.org/spec/lti-nrps/claim/namesroleservice"
	ClaimDLSettings   = "https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings"

	AccessToken = "platform-access-token"
)

// Request is one recorded call to the fake platform.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Form   url.Values
	Body   []byte
}

type Platform struct {
	Server       *httptest.Server
	Key          *rsa.PrivateKey
	Kid          string
	ClientID     string
	DeploymentID string

	// TokenStatus and ScoreStatus default to 200.
	TokenStatus int
	ScoreStatus int
	Members     string

	keySetDown atomic.Bool

	mu       sync.Mutex
	requests []Request
}

// SetKeySetDown makes the JWKS endpoint answer 503 until called with false.
func (p *Platform) SetKeySetDown(down bool) { p.keySetDown.Store(down) }

func NewPlatform(t *testing.T) *Platform {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa: %v", err)
	}
	p := &Platform{
		Key:          key,
		Kid:          "platform-kid-1",
		ClientID:     "tool-client-id",
		DeploymentID: "deployment-1",
		TokenStatus:  http.StatusOK,
		ScoreStatus:  http.StatusOK,
		Members:      `{"id":"ctx","members":[{"user_id":"u1","roles":["Learner"]}]}`,
	}

	jwks, err := p.jwks()
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}

	r := chi.NewRouter()
	r.Get("/jwks", func(w http.ResponseWriter, r *http.Request) {
		if p.keySetDown.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwks)
	})
	r.Post("/token", func(w http.ResponseWriter, r *http.Request) {
		p.record(r)
		if p.TokenStatus != http.StatusOK {
			http.Error(w, `{"error":"invalid_client"}`, p.TokenStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": AccessToken,
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	r.Post("/lineitems/{id}/scores", func(w http.ResponseWriter, r *http.Request) {
		p.record(r)
		w.WriteHeader(p.ScoreStatus)
	})
	r.Get("/memberships", func(w http.ResponseWriter, r *http.Request) {
		p.record(r)
		w.Header().Set("Content-Type", "application/vnd.ims.lti-nrps.v2.membershipcontainer+json")
		_, _ = io.WriteString(w, p.Members)
	})
	p.Server = httptest.NewServer(r)
	t.Cleanup(p.Server.Close)
	return p
}

func (p *Platform) jwks() ([]byte, error) {
	k, err := jwk.Import(&p.Key.PublicKey)
	if err != nil {
		return nil, err
	}
	if err := k.Set(jwk.KeyIDKey, p.Kid); err != nil {
		return nil, err
	}
	if err := k.Set(jwk.AlgorithmKey, "RS256"); err != nil {
		return nil, err
	}
	if err := k.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, err
	}
	set := jwk.NewSet()
	if err := set.AddKey(k); err != nil {
		return nil, err
	}
	return json.Marshal(set)
}

func (p *Platform) record(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	form, _ := url.ParseQuery(string(body))
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
		Form:   form,
		Body:   body,
	})
}

// Requests returns the recorded calls whose path equals path.
func (p *Platform) Requests(path string) []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Request
	for _, r := range p.requests {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func (p *Platform) Issuer() string { return p.Server.URL }

// Record is the registration a tool would hold for this platform.
func (p *Platform) Record() registry.PlatformRecord {
	return registry.PlatformRecord{
		Issuer:         p.Issuer(),
		ClientID:       p.ClientID,
		DeploymentID:   p.DeploymentID,
		AuthLoginURL:   p.Server.URL + "/auth",
		AuthTokenURL:   p.Server.URL + "/token",
		AccessTokenURL: p.Server.URL + "/token",
		KeySetURL:      p.Server.URL + "/jwks",
	}
}

// LineItemURL is a line item the fake platform accepts scores for.
func (p *Platform) LineItemURL() string { return p.Server.URL + "/lineitems/1" }

// MembershipsURL is the fake NRPS endpoint.
func (p *Platform) MembershipsURL() string { return p.Server.URL + "/memberships" }

// Claims returns a valid resource-link launch claim set.
func (p *Platform) Claims(nonce string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":             p.Issuer(),
		"aud":             p.ClientID,
		"sub":             "user-123",
		"iat":             now.Unix(),
		"exp":             now.Add(5 * time.Minute).Unix(),
		"nonce":           nonce,
		ClaimMessageType:  "LtiResourceLinkRequest",
		ClaimVersion:      "1.3.0",
		ClaimDeploymentID: p.DeploymentID,
		ClaimCustom:       map[string]any{"lineitem": p.LineItemURL()},
		ClaimAGSEndpoint: map[string]any{
			"lineitem": p.LineItemURL(),
			"scope":    []string{"https://purl.imsglobal.org/spec/lti-ags/scope/score"},
		},
		ClaimNRPS: map[string]any{
			"context_memberships_url": p.MembershipsURL(),
			"service_versions":        []string{"2.0"},
		},
	}
}

// Sign signs claims with the platform key.
func (p *Platform) Sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = p.Kid
	s, err := tok.SignedString(p.Key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

// IDToken mints a launch token carrying nonce.
func (p *Platform) IDToken(t *testing.T, nonce string) string {
	t.Helper()
	return p.Sign(t, p.Claims(nonce))
}
