package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mind-engage/mindengage-lti/pkg/tool/kv"
	"github.com/mind-engage/mindengage-lti/pkg/tool/ltierr"
)

func samplePlatform() PlatformRecord {
	return PlatformRecord{
		Issuer:         "https://lms.example.edu",
		ClientID:       "client-1",
		DeploymentID:   "dep-1",
		AuthLoginURL:   "https://lms.example.edu/auth",
		AuthTokenURL:   "https://lms.example.edu/token",
		AccessTokenURL: "https://lms.example.edu/token/aud",
		KeySetURL:      "https://lms.example.edu/jwks",
	}
}

func TestPlatformSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	pc := NewPlatformConfig(kv.NewMemory(), "")

	saved, err := pc.Save(ctx, samplePlatform())
	require.NoError(t, err)

	got, err := pc.Load(ctx, "client-1", "https://lms.example.edu", "dep-1")
	require.NoError(t, err)
	assert.Equal(t, saved, got)
}

func TestPlatformSaveRejectsAnyEmptyRequiredField(t *testing.T) {
	ctx := context.Background()
	pc := NewPlatformConfig(kv.NewMemory(), "")
	blank := []func(*PlatformRecord){
		func(p *PlatformRecord) { p.Issuer = "" },
		func(p *PlatformRecord) { p.ClientID = " " },
		func(p *PlatformRecord) { p.AuthLoginURL = "" },
		func(p *PlatformRecord) { p.AuthTokenURL = "" },
		func(p *PlatformRecord) { p.AccessTokenURL = "" },
		func(p *PlatformRecord) { p.KeySetURL = "" },
	}
	for i, mutate := range blank {
		rec := samplePlatform()
		mutate(&rec)
		_, err := pc.Save(ctx, rec)
		assert.ErrorIs(t, err, ltierr.ErrInvalidValue, "case %d", i)
	}

	rec := samplePlatform()
	rec.KeySetURL = "not a url"
	_, err := pc.Save(ctx, rec)
	assert.ErrorIs(t, err, ltierr.ErrInvalidValue)
}

func TestPlatformLoadFallsBackWithoutDeploymentID(t *testing.T) {
	ctx := context.Background()
	pc := NewPlatformConfig(kv.NewMemory(), "")
	rec := samplePlatform()
	rec.DeploymentID = ""
	_, err := pc.Save(ctx, rec)
	require.NoError(t, err)

	got, err := pc.Load(ctx, rec.ClientID, rec.Issuer, "dep-from-launch")
	require.NoError(t, err)
	assert.Equal(t, "", got.DeploymentID)

	_, err = pc.Load(ctx, "other-client", rec.Issuer, "dep-from-launch")
	assert.ErrorIs(t, err, ltierr.ErrRecordNotFound)
}

func TestPlatformLoadDoesNotFallBackTheOtherWay(t *testing.T) {
	ctx := context.Background()
	pc := NewPlatformConfig(kv.NewMemory(), "")
	_, err := pc.Save(ctx, samplePlatform())
	require.NoError(t, err)

	_, err = pc.Load(ctx, "client-1", "https://lms.example.edu", "")
	assert.ErrorIs(t, err, ltierr.ErrRecordNotFound)
}

type failingStore struct{ kv.Store }

func (failingStore) Get(context.Context, string, string) (kv.Item, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func TestStoreFailureIsStoreAccess(t *testing.T) {
	pc := NewPlatformConfig(failingStore{kv.NewMemory()}, "")
	_, err := pc.Load(context.Background(), "c", "i", "d")
	assert.ErrorIs(t, err, ltierr.ErrStoreAccess)
	assert.NotErrorIs(t, err, ltierr.ErrRecordNotFound)
}

func TestToolSaveLoad(t *testing.T) {
	ctx := context.Background()
	tc := NewToolConfig(kv.NewMemory(), "dev_")

	_, err := tc.Save(ctx, ToolRecord{ID: "client-1", Issuer: "https://lms.example.edu"})
	assert.ErrorIs(t, err, ltierr.ErrInvalidValue)

	rec := ToolRecord{
		ID:     "client-1",
		Issuer: "https://lms.example.edu",
		URL:    "https://tool.example.com/app",
		DeepLinking: &DeepLinkingSettings{ResourceLinks: []ResourceLinkTemplate{
			{Title: "Quiz 1", URL: "https://tool.example.com/quiz/1", LineItem: &LineItemTemplate{ScoreMaximum: 10}},
		}},
		Features: []string{"grades"},
	}
	_, err = tc.Save(ctx, rec)
	require.NoError(t, err)

	got, err := tc.Load(ctx, "client-1", "https://lms.example.edu")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
	assert.Equal(t, rec.URL, got.LaunchURL())

	_, err = tc.Load(ctx, "client-1", "https://elsewhere")
	assert.ErrorIs(t, err, ltierr.ErrRecordNotFound)
}

func TestAdminRoutes(t *testing.T) {
	store := kv.NewMemory()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := BasicAuth("admin", string(hash))(Routes(NewPlatformConfig(store, ""), NewToolConfig(store, ""), log))

	body := `{"issuer":"https://lms.example.edu","client_id":"client-1","auth_login_url":"https://lms.example.edu/auth",
		"auth_token_url":"https://lms.example.edu/token","access_token_url":"https://lms.example.edu/token","key_set_url":"https://lms.example.edu/jwks"}`

	req := httptest.NewRequest(http.MethodPost, "/platforms", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/platforms", strings.NewReader(body))
	req.SetBasicAuth("admin", "s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/platforms/lookup?client_id=client-1&iss=https://lms.example.edu&deployment_id=d9", nil)
	req.SetBasicAuth("admin", "s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"client_id":"client-1"`)

	req = httptest.NewRequest(http.MethodPost, "/tools", strings.NewReader(`{"id":"client-1"}`))
	req.SetBasicAuth("admin", "s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
