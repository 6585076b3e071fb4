// Package nrps reads course rosters from a platform (LTI Names and Role
// Provisioning Services 2.0).
package nrps

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/mind-engage/mindengage-lti/pkg/tool/idtoken"
	"github.com/mind-engage/mindengage-lti/pkg/tool/lti"
	"github.com/mind-engage/mindengage-lti/pkg/tool/ltierr"
)

const MembershipMediaType = "application/vnd.ims.lti-nrps.v2.membershipcontainer+json"

const maxResponse = 4 << 20

type Client struct {
	HTTP *http.Client
}

// Memberships is a platform membership container, relayed unparsed.
type Memberships struct {
	ContentType string
	Body        []byte
}

// Get fetches the membership container at membershipsURL.
func (c *Client) Get(ctx context.Context, membershipsURL, accessToken string) (*Memberships, error) {
	u, err := url.Parse(membershipsURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: context_memberships_url must be an http(s) URL", ltierr.ErrInvalidValue)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ltierr.ErrInvalidValue, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", MembershipMediaType)

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: get memberships: %v", ltierr.ErrPlatformCall, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: get memberships: platform returned %s", ltierr.ErrPlatformCall, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return nil, fmt.Errorf("%w: read memberships: %v", ltierr.ErrPlatformCall, err)
	}
	return &Memberships{ContentType: resp.Header.Get("Content-Type"), Body: body}, nil
}

// MembershipsRequest is the body of POST /lti/nrps/memberships.
type MembershipsRequest struct {
	lti.ServiceParams
	ContextMembershipsURL string `json:"context_memberships_url,omitempty"`
}

// Handler returns the roster of the context named by the id_token's NRPS
// claim, or by the body when no id_token is sent.
type Handler struct {
	Auth    *lti.ServiceAuth
	Client  *Client
	Log     *slog.Logger
	Observe lti.Observer
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m, err := h.fetch(w, r)
	if h.Observe != nil {
		h.Observe("nrps_memberships", err)
	}
	if err != nil {
		ltierr.Write(w, r, h.Log, err)
		return
	}
	ct := m.ContentType
	if ct == "" {
		ct = MembershipMediaType
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(m.Body)
}

func (h *Handler) fetch(w http.ResponseWriter, r *http.Request) (*Memberships, error) {
	var req MembershipsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: bad json body", ltierr.ErrInvalidValue)
	}
	ctx := r.Context()
	target, err := h.Auth.Resolve(ctx, req.ServiceParams)
	if err != nil {
		return nil, err
	}
	membershipsURL := req.ContextMembershipsURL
	if p := target.Payload; p != nil {
		if membershipsURL, err = p.RequireString(idtoken.ClaimNRPS, "context_memberships_url"); err != nil {
			return nil, err
		}
	}
	if membershipsURL == "" {
		return nil, fmt.Errorf("%w: context_memberships_url is required", ltierr.ErrInvalidValue)
	}

	token, err := h.Auth.AccessToken(ctx, target.Platform)
	if err != nil {
		return nil, err
	}
	return h.Client.Get(ctx, membershipsURL, token)
}
