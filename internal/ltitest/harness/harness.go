// Package harness wires the tool's stores, keys, validator and grant client
// against a fake platform so handler tests can assemble real endpoints.
package harness

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti/internal/ltitest"
	"github.com/mind-engage/mindengage-lti/pkg/tool/clientcred"
	"github.com/mind-engage/mindengage-lti/pkg/tool/idtoken"
	"github.com/mind-engage/mindengage-lti/pkg/tool/keys"
	"github.com/mind-engage/mindengage-lti/pkg/tool/kv"
	"github.com/mind-engage/mindengage-lti/pkg/tool/registry"
	"github.com/mind-engage/mindengage-lti/pkg/tool/state"
)

const KeyID = "tool-signing-key"

type Tool struct {
	Platform  *ltitest.Platform
	KV        *kv.Memory
	Platforms *registry.PlatformConfig
	Tools     *registry.ToolConfig
	States    *state.Store
	Oracle    *keys.LocalOracle
	Keys      *keys.Registry
	Signer    *keys.Signer
	Validator *idtoken.Validator
	Grants    *clientcred.Requester
}

// ToolURL is where the registered tool record hands resource-link launches.
const ToolURL = "https://tool.example/app"

// New registers the fake platform and a tool record for it.
func New(t *testing.T) *Tool {
	t.Helper()
	ctx := t.Context()
	p := ltitest.NewPlatform(t)
	store := kv.NewMemory()

	oracle := keys.NewLocalOracle()
	oracle.Bits = 1024
	require.NoError(t, oracle.Generate(KeyID))

	h := &Tool{
		Platform:  p,
		KV:        store,
		Platforms: registry.NewPlatformConfig(store, ""),
		Tools:     registry.NewToolConfig(store, ""),
		States:    state.New(store, "", 0),
		Oracle:    oracle,
		Keys:      keys.NewRegistry(store, "", oracle, KeyID),
		Signer:    &keys.Signer{Oracle: oracle},
	}
	_, err := h.Platforms.Save(ctx, p.Record())
	require.NoError(t, err)
	_, err = h.Tools.Save(ctx, registry.ToolRecord{ID: p.ClientID, Issuer: p.Issuer(), URL: ToolURL})
	require.NoError(t, err)

	keySets, err := idtoken.NewRemoteKeySets(ctx, p.Server.Client())
	require.NoError(t, err)
	h.Validator = idtoken.NewValidator(h.Platforms, keySets)
	h.Grants = clientcred.New(h.Signer, p.Server.Client(), nil)
	return h
}
