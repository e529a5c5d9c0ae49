package httpapi_test

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagramflow/core/internal/authn"
	"github.com/diagramflow/core/internal/config"
	"github.com/diagramflow/core/internal/domain"
	"github.com/diagramflow/core/internal/httpapi"
	"github.com/diagramflow/core/internal/llmfacade"
	"github.com/diagramflow/core/internal/palette"
	"github.com/diagramflow/core/internal/ratelimit"
	"github.com/diagramflow/core/internal/smscode"
)

type fakeOneShot struct {
	content string
	err     error
}

func (f *fakeOneShot) Call(ctx context.Context, prompt string, opts llmfacade.Options) (llmfacade.Result, error) {
	if f.err != nil {
		return llmfacade.Result{}, f.err
	}
	return llmfacade.Result{Content: f.content, Usage: llmfacade.Usage{PromptTokens: 5, CompletionTokens: 5}}, nil
}

type fakeUsageRecorder struct{}

func (fakeUsageRecorder) Enqueue(ctx context.Context, record domain.TokenUsageRecord) error { return nil }

type fakeApiKeyLookup struct {
	key domain.ApiKey
}

func (f fakeApiKeyLookup) FindBySecretHash(ctx context.Context, hash []byte) (domain.ApiKey, error) {
	return f.key, nil
}

func newTestAuthenticator() *authn.Authenticator {
	return authn.NewAuthenticator(authn.AuthenticatorConfig{
		Validator: authn.NewValidator(authn.ValidatorConfig{
			KeyStore: authn.NewPublicKeyStore(&rsa.PublicKey{}, "test-key"),
			Issuer:   "diagramflow",
			Audience: "diagramflow-clients",
			Clock:    domain.RealClock{},
		}),
		ApiKeys: fakeApiKeyLookup{key: domain.ApiKey{
			ID:     domain.GenerateApiKeyID(),
			Active: true,
		}},
		Clock: domain.RealClock{},
	})
}

func newTestFacade(t *testing.T, providerID string, oneShot *fakeOneShot) *llmfacade.Facade {
	t.Helper()
	registry, err := ratelimit.NewRegistry(map[string]ratelimit.ProviderConfig{
		providerID: {QPMLimit: 1000, ConcurrentLimit: 100, Scope: domain.ScopeProcess},
	}, nil, domain.RealClock{})
	require.NoError(t, err)

	return llmfacade.New(llmfacade.Config{
		Providers: []llmfacade.Provider{{ID: providerID, OneShot: oneShot}},
		Limiters:  registry,
		Usage:     fakeUsageRecorder{},
		Logger:    testLogger(),
		Clock:     domain.RealClock{},
	})
}

func testDeps(t *testing.T, providerID string, oneShot *fakeOneShot) httpapi.Deps {
	t.Helper()
	facade := newTestFacade(t, providerID, oneShot)

	cfg := &config.Config{}
	cfg.Gateway.DiagramProviderID = providerID
	cfg.Gateway.PaletteProviderIDs = providerID

	smsStore := newFakeSMSStore()
	sms := smscode.New(smscode.Config{
		Store:   smsStore,
		Gateway: &fakeGateway{},
		Pepper:  []byte("test-pepper"),
		Clock:   domain.RealClock{},
		Logger:  testLogger(),
	})

	return httpapi.Deps{
		Facade:        facade,
		PaletteEngine: palette.NewEngine(facade),
		PaletteMgr:    palette.NewManager(domain.RealClock{}, time.Minute),
		SMS:           sms,
		Auth:          newTestAuthenticator(),
		Config:        cfg,
		Logger:        testLogger(),
		Clock:         domain.RealClock{},
	}
}

func newServer(t *testing.T, deps httpapi.Deps) *httptest.Server {
	mux := http.NewServeMux()
	httpapi.Mount(mux, deps)
	return httptest.NewServer(mux)
}

func TestHealth(t *testing.T) {
	deps := testDeps(t, "openai", &fakeOneShot{content: `{"type":"x","spec":{}}`})
	srv := newServer(t, deps)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGenerateDiagram_RequiresAuth(t *testing.T) {
	deps := testDeps(t, "openai", &fakeOneShot{content: `{"type":"flowchart","spec":{}}`})
	srv := newServer(t, deps)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/generate_diagram", "application/json", bytes.NewBufferString(`{"topic":"x"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGenerateDiagram_Success(t *testing.T) {
	deps := testDeps(t, "openai", &fakeOneShot{content: `{"type":"flowchart","spec":{"nodes":["a"]}}`})
	srv := newServer(t, deps)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/generate_diagram", bytes.NewBufferString(`{"topic":"checkout","kind":"flowchart"}`))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "sk-test")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "flowchart", body["type"])
}

func TestPaletteStart_Success(t *testing.T) {
	deps := testDeps(t, "openai", &fakeOneShot{content: "alpha\nbeta\n"})
	srv := newServer(t, deps)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/node_palette/start", bytes.NewBufferString(`{"diagram_topic":"checkout","diagram_kind":"flowchart"}`))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "sk-test")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body["session_id"])
}

func TestSMSSendAndVerify(t *testing.T) {
	deps := testDeps(t, "openai", &fakeOneShot{})
	srv := newServer(t, deps)
	defer srv.Close()

	sendResp, err := http.Post(srv.URL+"/sms/send", "application/json",
		bytes.NewBufferString(`{"phone":"+13900001111","purpose":"login"}`))
	require.NoError(t, err)
	defer sendResp.Body.Close()
	require.Equal(t, http.StatusOK, sendResp.StatusCode)

	verifyResp, err := http.Post(srv.URL+"/sms/verify", "application/json",
		bytes.NewBufferString(`{"phone":"+13900001111","purpose":"login","code":"000000"}`))
	require.NoError(t, err)
	defer verifyResp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, verifyResp.StatusCode)
}
