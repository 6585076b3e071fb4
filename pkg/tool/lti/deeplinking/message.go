// Package deeplinking builds the tool's signed LtiDeepLinkingResponse and the
// self-submitting form that carries it back to the platform.
package deeplinking

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mind-engage/mindengage-lti/pkg/tool/idtoken"
	"github.com/mind-engage/mindengage-lti/pkg/tool/keys"
	"github.com/mind-engage/mindengage-lti/pkg/tool/ltierr"
	"github.com/mind-engage/mindengage-lti/pkg/tool/registry"
)

const (
	MessageType = "LtiDeepLinkingResponse"
	Version     = "1.3.0"

	ClaimContentItems = idtoken.NSDL + "content_items"
	ClaimMsg          = idtoken.NSDL + "msg"
	ClaimData         = idtoken.NSDL + "data"

	lifetime = 24 * time.Hour
)

// Received is what the response needs from the platform's deep-linking
// request.
type Received struct {
	Issuer       string
	Audience     string
	DeploymentID string
	ReturnURL    string
	// Data is round-tripped to the platform untouched.
	Data string
}

// ReceivedFrom extracts the request fields from a validated deep-linking
// launch. The return URL is required.
func ReceivedFrom(p *idtoken.Payload) (Received, error) {
	ret, err := p.RequireString(idtoken.ClaimDLSettings, "deep_link_return_url")
	if err != nil {
		return Received{}, err
	}
	aud := p.Audience()
	if len(aud) == 0 {
		return Received{}, fmt.Errorf("%w: aud is required", ltierr.ErrInvalidClaims)
	}
	return Received{
		Issuer:       p.Issuer(),
		Audience:     aud[0],
		DeploymentID: p.DeploymentID(),
		ReturnURL:    ret,
		Data:         p.String(idtoken.ClaimDLSettings, "data"),
	}, nil
}

type ContentItem struct {
	Type     string            `json:"type"`
	Title    string            `json:"title,omitempty"`
	Text     string            `json:"text,omitempty"`
	URL      string            `json:"url,omitempty"`
	Custom   map[string]string `json:"custom,omitempty"`
	LineItem *LineItem         `json:"lineItem,omitempty"`
}

type LineItem struct {
	ScoreMaximum float64 `json:"scoreMaximum"`
	Label        string  `json:"label,omitempty"`
	ResourceID   string  `json:"resourceId,omitempty"`
	Tag          string  `json:"tag,omitempty"`
}

// ContentItems turns configured templates into ltiResourceLink items. A
// template without its own URL launches defaultURL.
func ContentItems(templates []registry.ResourceLinkTemplate, defaultURL string) []ContentItem {
	out := make([]ContentItem, 0, len(templates))
	for _, t := range templates {
		it := ContentItem{
			Type:   "ltiResourceLink",
			Title:  t.Title,
			Text:   t.Text,
			URL:    t.URL,
			Custom: t.Custom,
		}
		if it.URL == "" {
			it.URL = defaultURL
		}
		if li := t.LineItem; li != nil {
			label := li.Label
			if label == "" {
				label = t.Title
			}
			it.LineItem = &LineItem{
				ScoreMaximum: li.ScoreMaximum,
				Label:        label,
				ResourceID:   li.ResourceID,
				Tag:          li.Tag,
			}
		}
		out = append(out, it)
	}
	return out
}

type Builder struct {
	Signer *keys.Signer
	Now    func() time.Time
}

// Build signs a deep-linking response to recv. The tool answers as the
// client it was addressed as, so iss and aud are swapped relative to the
// request.
func (b *Builder) Build(ctx context.Context, recv Received, items []ContentItem, msg, keyID, kid string) (string, error) {
	now := time.Now()
	if b.Now != nil {
		now = b.Now()
	}
	if items == nil {
		items = []ContentItem{}
	}
	claims := jwt.MapClaims{
		"iss":                     recv.Audience,
		"aud":                     recv.Issuer,
		"iat":                     now.Unix(),
		"exp":                     now.Add(lifetime).Unix(),
		"nonce":                   uuid.NewString(),
		idtoken.ClaimMessageType:  MessageType,
		idtoken.ClaimVersion:      Version,
		idtoken.ClaimDeploymentID: recv.DeploymentID,
		ClaimContentItems:         items,
	}
	if msg != "" {
		claims[ClaimMsg] = msg
	}
	if recv.Data != "" {
		claims[ClaimData] = recv.Data
	}
	return b.Signer.Sign(ctx, claims, keyID, kid)
}
