package keyrelay

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/keyrelay/internal/credpool"
	"github.com/relayforge/keyrelay/internal/modelrouter"
)

func validRouterConfig() modelrouter.Config {
	return modelrouter.Config{
		Classifier: modelrouter.ClassifierThresholds{LightMaxTokensLt: 1},
		Tiers: map[modelrouter.Tier]modelrouter.TierConfig{
			modelrouter.TierMedium: {Models: []string{"model-a"}, Strategy: modelrouter.StrategyQuality},
		},
	}
}

func TestNew_RequiresCredentials(t *testing.T) {
	_, err := New(
		WithAuthInjector(AnthropicAuthInjector),
		WithTargetResolver(func(string) (string, map[string]string) { return "http://x", nil }),
		WithModelRouterConfig(validRouterConfig(), nil),
	)
	assert.Error(t, err)
}

func TestNew_RequiresAuthInjector(t *testing.T) {
	_, err := New(
		WithCredentials(credpool.Credential{ID: "k", Token: "t"}),
		WithTargetResolver(func(string) (string, map[string]string) { return "http://x", nil }),
		WithModelRouterConfig(validRouterConfig(), nil),
	)
	assert.Error(t, err)
}

func TestNew_RequiresTargetResolver(t *testing.T) {
	_, err := New(
		WithCredentials(credpool.Credential{ID: "k", Token: "t"}),
		WithAuthInjector(func(token string) (string, string) { return "x-api-key", token }),
		WithModelRouterConfig(validRouterConfig(), nil),
	)
	assert.Error(t, err)
}

func TestNew_RequiresModelRouterTiers(t *testing.T) {
	_, err := New(
		WithCredentials(credpool.Credential{ID: "k", Token: "t"}),
		WithAuthInjector(func(token string) (string, string) { return "x-api-key", token }),
		WithTargetResolver(func(string) (string, map[string]string) { return "http://x", nil }),
	)
	assert.Error(t, err)
}

func TestNew_ValidOptionsBuildProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"msg_ok"}`))
	}))
	defer upstream.Close()

	p, err := New(
		WithCredentials(credpool.Credential{ID: "k", Token: "t"}),
		WithAuthInjector(func(token string) (string, string) { return "x-api-key", token }),
		WithTargetResolver(func(string) (string, map[string]string) { return upstream.URL, nil }),
		WithModelRouterConfig(validRouterConfig(), nil),
		WithProvider("anthropic"),
	)
	require.NoError(t, err)
	require.NotNil(t, p)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(
		`{"model":"model-a","max_tokens":16,"messages":[{"role":"user","content":"hi"}]}`))
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	b, _ := io.ReadAll(w.Body)
	assert.Contains(t, string(b), "msg_ok")

	snaps := p.AllResilienceStats()
	assert.Len(t, snaps, 1)
}

func TestNew_InvalidModelRouterConfigRejected(t *testing.T) {
	badCfg := modelrouter.Config{
		Tiers: map[modelrouter.Tier]modelrouter.TierConfig{
			modelrouter.TierMedium: {Models: []string{"model-a"}, Strategy: ""},
		},
	}
	_, err := New(
		WithCredentials(credpool.Credential{ID: "k", Token: "t"}),
		WithAuthInjector(func(token string) (string, string) { return "x-api-key", token }),
		WithTargetResolver(func(string) (string, map[string]string) { return "http://x", nil }),
		WithModelRouterConfig(badCfg, nil),
	)
	assert.Error(t, err)
}
