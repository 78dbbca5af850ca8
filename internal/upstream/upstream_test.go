package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrategyFor_KnownAndUnknown(t *testing.T) {
	s := StrategyFor(ErrSocketHangup)
	assert.True(t, s.ShouldRetry)
	assert.True(t, s.UseFreshConnection)

	unknown := StrategyFor(ErrorType("nonsense"))
	assert.Equal(t, strategyTable[ErrOther], unknown)
}

func TestClassifyError_Status(t *testing.T) {
	assert.Equal(t, ErrRateLimited, ClassifyError(nil, http.StatusTooManyRequests))
	assert.Equal(t, ErrAuthError, ClassifyError(nil, http.StatusUnauthorized))
	assert.Equal(t, ErrServerError, ClassifyError(nil, http.StatusBadGateway))
	assert.Equal(t, ErrOther, ClassifyError(nil, http.StatusOK))
}

func TestClassifyError_ContextDeadline(t *testing.T) {
	assert.Equal(t, ErrTimeout, ClassifyError(context.DeadlineExceeded, -1))
	assert.Equal(t, ErrAborted, ClassifyError(context.Canceled, -1))
}

func TestClassifyError_StringHeuristics(t *testing.T) {
	assert.Equal(t, ErrBrokenPipe, ClassifyError(errors.New("write: broken pipe"), -1))
	assert.Equal(t, ErrConnectionAborted, ClassifyError(errors.New("read: connection reset by peer"), -1))
	assert.Equal(t, ErrConnectionRefused, ClassifyError(errors.New("dial tcp: connection refused"), -1))
}

func TestBuildUpstreamHeaders_StripsAndInjects(t *testing.T) {
	client := http.Header{}
	client.Set("Authorization", "Bearer client-token")
	client.Set("Cookie", "session=abc")
	client.Set("X-Proxy-Debug", "1")
	client.Set("X-Admin-Token", "super-secret-admin")
	client.Set("Connection", "X-Custom-Drop")
	client.Set("X-Custom-Drop", "should-be-stripped")
	client.Set("Content-Type", "application/json")

	out := BuildUpstreamHeaders(client, "secret-token", "req-123", func(token string) (string, string) {
		return "x-api-key", token
	}, map[string]string{"anthropic-version": "2023-06-01"})

	assert.Equal(t, "secret-token", out.Get("x-api-key"))
	assert.Equal(t, "", out.Get("Authorization"))
	assert.Equal(t, "", out.Get("Cookie"))
	assert.Equal(t, "", out.Get("X-Proxy-Debug"))
	assert.Equal(t, "", out.Get("X-Admin-Token"))
	assert.Equal(t, "", out.Get("X-Custom-Drop"))
	assert.Equal(t, "keep-alive", out.Get("Connection"))
	assert.Equal(t, "req-123", out.Get("X-Request-Id"))
	assert.Equal(t, "application/json", out.Get("Content-Type"))
	assert.Equal(t, "2023-06-01", out.Get("anthropic-version"))
}

func TestComputeAdaptiveTimeout_UsesInitialUnderMinSamples(t *testing.T) {
	cfg := AdaptiveTimeoutConfig{Enabled: true, InitialMs: 5000, MinMs: 1000, MaxMs: 30000, MinSamples: 5, LatencyMultiplier: 2, RetryMultiplier: 1.5}
	d := ComputeAdaptiveTimeout(cfg, 100, 100, 2, 0)
	assert.Equal(t, 5000*time.Millisecond, d)
}

func TestComputeAdaptiveTimeout_ScalesWithLatencyAndRetry(t *testing.T) {
	cfg := AdaptiveTimeoutConfig{Enabled: true, InitialMs: 5000, MinMs: 1000, MaxMs: 60000, MinSamples: 1, LatencyMultiplier: 2, RetryMultiplier: 2}
	d0 := ComputeAdaptiveTimeout(cfg, 1000, 500, 10, 0)
	assert.Equal(t, 2000*time.Millisecond, d0)

	d1 := ComputeAdaptiveTimeout(cfg, 1000, 500, 10, 1)
	assert.Equal(t, 4000*time.Millisecond, d1)
}

func TestComputeAdaptiveTimeout_ClampsToMax(t *testing.T) {
	cfg := AdaptiveTimeoutConfig{Enabled: true, InitialMs: 5000, MinMs: 1000, MaxMs: 10000, MinSamples: 1, LatencyMultiplier: 5, RetryMultiplier: 1}
	d := ComputeAdaptiveTimeout(cfg, 10000, 5000, 10, 0)
	assert.Equal(t, 10000*time.Millisecond, d)
}

func TestForwarder_ForwardsAndCapturesTail(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Body.Grow(1024)
	body := io.NopCloser(strings.NewReader("data: {\"a\":1}\n\ndata: [DONE]\n\n"))

	f, err := NewForwarder(body, rec, context.Background())
	require.NoError(t, err)
	require.NoError(t, f.Forward())

	assert.Contains(t, rec.Body.String(), "{\"a\":1}")
	data := LastEventData(f.Tail())
	assert.Equal(t, []byte(`{"a":1}`), data)
}
