// Package lti implements the tool side of the LTI 1.3 handshake: OIDC login
// initiation, launch authentication, the session bridge that hands a bound
// launch to the tool's client code, and the service-call plumbing shared by
// the AGS and NRPS clients.
package lti

import (
	"context"

	"github.com/mind-engage/mindengage-lti/pkg/tool/idtoken"
	"github.com/mind-engage/mindengage-lti/pkg/tool/registry"
)

// PlatformResolver is satisfied by *registry.PlatformConfig.
type PlatformResolver interface {
	Load(ctx context.Context, clientID, issuer, deploymentID string) (registry.PlatformRecord, error)
}

// ToolResolver is satisfied by *registry.ToolConfig.
type ToolResolver interface {
	Load(ctx context.Context, id, issuer string) (registry.ToolRecord, error)
}

// TokenValidator is satisfied by *idtoken.Validator.
type TokenValidator interface {
	Load(ctx context.Context, token string, checkNonce bool) (*idtoken.Payload, error)
}

// KidSource is satisfied by *keys.Registry.
type KidSource interface {
	Kid(ctx context.Context) (string, error)
}

// TokenRequester is satisfied by *clientcred.Requester.
type TokenRequester interface {
	Request(ctx context.Context, platform registry.PlatformRecord, kid, keyID string) (string, error)
}

// Observer is told the outcome of every protocol step. err is nil on success.
type Observer func(step string, err error)

func (o Observer) observe(step string, err error) {
	if o != nil {
		o(step, err)
	}
}
