package lti

import (
	"context"
	"fmt"

	"github.com/mind-engage/mindengage-lti/pkg/tool/idtoken"
	"github.com/mind-engage/mindengage-lti/pkg/tool/ltierr"
	"github.com/mind-engage/mindengage-lti/pkg/tool/registry"
)

// ServiceTarget is the platform a service call goes to. Payload is set only
// when the caller proved the target with an id_token.
type ServiceTarget struct {
	Platform registry.PlatformRecord
	Payload  *idtoken.Payload
}

// ServiceParams are the platform coordinates a service request may carry in
// its body instead of an id_token.
type ServiceParams struct {
	IDToken      string `json:"id_token,omitempty"`
	Issuer       string `json:"iss,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	DeploymentID string `json:"deployment_id,omitempty"`
}

// ServiceAuth resolves the target platform of an AGS/NRPS call and obtains an
// access token for it.
type ServiceAuth struct {
	Platforms PlatformResolver
	Validator TokenValidator
	Keys      KidSource
	KeyID     string
	Grants    TokenRequester
}

// Resolve picks the platform. An id_token, when present, wins over the body
// coordinates and the two are not compared.
func (s *ServiceAuth) Resolve(ctx context.Context, p ServiceParams) (ServiceTarget, error) {
	if p.IDToken != "" {
		payload, err := s.Validator.Load(ctx, p.IDToken, false)
		if err != nil {
			return ServiceTarget{}, err
		}
		return ServiceTarget{Platform: payload.Platform, Payload: payload}, nil
	}
	if p.Issuer == "" || p.ClientID == "" {
		return ServiceTarget{}, fmt.Errorf("%w: id_token or iss and client_id are required", ltierr.ErrInvalidValue)
	}
	platform, err := s.Platforms.Load(ctx, p.ClientID, p.Issuer, p.DeploymentID)
	if err != nil {
		return ServiceTarget{}, err
	}
	return ServiceTarget{Platform: platform}, nil
}

// AccessToken runs the client-credentials grant for platform.
func (s *ServiceAuth) AccessToken(ctx context.Context, platform registry.PlatformRecord) (string, error) {
	kid, err := s.Keys.Kid(ctx)
	if err != nil {
		return "", err
	}
	return s.Grants.Request(ctx, platform, kid, s.KeyID)
}
