package httpapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/keyrelay/internal/config"
	"github.com/relayforge/keyrelay/internal/connhealth"
	"github.com/relayforge/keyrelay/internal/credpool"
	"github.com/relayforge/keyrelay/internal/modelrouter"
	"github.com/relayforge/keyrelay/internal/pacing"
	"github.com/relayforge/keyrelay/internal/reqqueue"
	"github.com/relayforge/keyrelay/internal/trace"
)

// newTestHandler wires a Handler against upstreamURL with one tier
// ("medium") containing a single model, classifier thresholds that place
// every test body in that tier, a two-credential pool, and the
// request-handling config's defaults (fast retries for test speed).
func newTestHandler(t *testing.T, upstreamURL string, cfgOverride func(*config.Config)) *Handler {
	t.Helper()

	cfg := config.Default()
	cfg.MaxRetries = 2
	cfg.Retry.BaseDelayMs = 1
	cfg.Retry.MaxDelayMs = 5
	cfg.RequestTimeout = 5 * time.Second
	if cfgOverride != nil {
		cfgOverride(&cfg)
	}

	routerCfg := modelrouter.Config{
		Classifier: modelrouter.ClassifierThresholds{LightMaxTokensLt: 1},
		Tiers: map[modelrouter.Tier]modelrouter.TierConfig{
			modelrouter.TierMedium: {Models: []string{"model-a"}, Strategy: modelrouter.StrategyQuality},
		},
	}
	router := modelrouter.New(routerCfg, nil)

	pool := credpool.New(credpool.DefaultConfig(), []credpool.Credential{
		{ID: "key-1", Token: "secret-1"},
		{ID: "key-2", Token: "secret-2"},
	})

	conn := connhealth.New(connhealth.DefaultConfig(), func() *http.Transport { return &http.Transport{} })

	return New(Deps{
		Config:     cfg,
		Pool:       pool,
		Router:     router,
		Queue:      reqqueue.New(cfg.QueueSize),
		Gate:       pacing.New(cfg.MaxConcurrentUpstream, 0),
		ConnHealth: conn,
		Traces:     trace.NewStore(16),
		Hub:        trace.NewHub(),
		Client:     &http.Client{Transport: conn.Transport()},
		ResolveTarget: func(model string) (string, map[string]string) {
			return upstreamURL, nil
		},
		AuthInjector: func(token string) (string, string) { return "x-api-key", token },
		Provider:     "anthropic",
	})
}

func postChat(h *Handler) *httptest.ResponseRecorder {
	body := strings.NewReader(`{"model":"model-a","max_tokens":128,"messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", body)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServeHTTP_SuccessOnFirstAttempt(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"msg_1"}`))
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL, nil)
	w := postChat(h)

	assert.Equal(t, http.StatusOK, w.Code)
	b, _ := io.ReadAll(w.Body)
	assert.Contains(t, string(b), "msg_1")
}

func TestServeHTTP_RetriesThenSucceeds(t *testing.T) {
	var calls int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"msg_2"}`))
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL, nil)
	w := postChat(h)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestServeHTTP_RateLimitedRotatesKeyThenGivesUp(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL, func(c *config.Config) { c.MaxRetries = 6 })
	// Keep the pool-wide cooldown gate (it runs every attempt once a pool
	// hit lands) from dominating this test's wall-clock: a tiny base/cap
	// still exercises the gate without piling up multi-second sleeps.
	h.pool = credpool.New(func() credpool.Config {
		cfg := credpool.DefaultConfig()
		cfg.Cooldown.BaseMs = 1
		cfg.Cooldown.CapMs = 5
		cfg.Cooldown.RetryJitterMs = 0
		return cfg
	}(), []credpool.Credential{
		{ID: "key-1", Token: "secret-1"},
		{ID: "key-2", Token: "secret-2"},
	})
	w := postChat(h)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestServeHTTP_ModelExhaustedWhenNoTierMatches(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL, nil)
	// Leave the router with no tier to select from so ComputeDecision fails
	// immediately; no admission hold is configured to rescue it.
	body := strings.NewReader(`{"model":"model-a","max_tokens":999999,"messages":[]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", body)
	w := httptest.NewRecorder()

	// Force every tier lookup to miss by using a router with zero tiers.
	h.router = modelrouter.New(modelrouter.Config{}, nil)
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestServeHTTP_BackpressureRejectsOverCapacity(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL, func(c *config.Config) { c.MaxTotalConcurrency = 1 })
	atomic.AddInt64(&h.inFlight, 1)

	w := postChat(h)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServeHTTP_QueueFullReturnsBackpressure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL, func(c *config.Config) { c.QueueSize = 0 })
	h.queue = reqqueue.New(0)
	// The queue is only ever consulted as a fallback when credential
	// acquisition fails on attempt 0 (spec §4.1 step 7) — hold every
	// credential's single slot open so the request's own Acquire has
	// nothing left to hand out.
	h.pool = credpool.New(credpool.DefaultConfig(), []credpool.Credential{
		{ID: "key-1", Token: "secret-1", MaxConcurrency: 1},
		{ID: "key-2", Token: "secret-2", MaxConcurrency: 1},
	})
	lease, err := h.pool.Acquire(context.Background(), h.provider, nil)
	require.NoError(t, err)
	lease2, err := h.pool.Acquire(context.Background(), h.provider, nil)
	require.NoError(t, err)
	defer lease.Release()
	defer lease2.Release()

	w := postChat(h)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestTryAdmissionHold_DisabledReturnsFalse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL, nil)
	tr := trace.New("req-1")
	held := h.tryAdmissionHold(t.Context(), modelrouter.TierMedium, &attemptState{}, tr)
	assert.False(t, held)
}

func TestTryAdmissionHold_WaitsOutShortCooldown(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL, func(c *config.Config) {
		c.AdmissionHold = config.AdmissionHoldConfig{
			Enabled:             true,
			Tiers:               []string{"medium"},
			MinCooldownToHoldMs: 1,
			MaxHoldMs:           200,
			JitterMs:            0,
			MaxConcurrentHolds:  2,
		}
	})
	h.router.RecordModelRateLimit("model-a", 20*time.Millisecond)

	tr := trace.New("req-2")
	held := h.tryAdmissionHold(t.Context(), modelrouter.TierMedium, &attemptState{}, tr)
	assert.True(t, held)
}
