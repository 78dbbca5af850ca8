package httpapi

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relayforge/keyrelay/internal/config"
	"github.com/relayforge/keyrelay/internal/connhealth"
	"github.com/relayforge/keyrelay/internal/credpool"
	"github.com/relayforge/keyrelay/internal/metrics"
	"github.com/relayforge/keyrelay/internal/modelrouter"
	"github.com/relayforge/keyrelay/internal/pacing"
	"github.com/relayforge/keyrelay/internal/reqqueue"
	"github.com/relayforge/keyrelay/internal/trace"
	"github.com/relayforge/keyrelay/internal/upstream"
	proxyerrors "github.com/relayforge/keyrelay/pkg/errors"
)

const maxBodyBytes = 10 * 1024 * 1024

// FallbackReporter observes a request in which a retry changed the
// selected model. It is called once, when the request finishes, with the
// most recent switch and the request's outcome (spec.md's SPEC_FULL §12
// supplemented feature).
type FallbackReporter func(ctx context.Context, originalModel, fallbackModel string, err error, success bool)

// TargetResolver maps a model id to the upstream URL to POST the request
// body to; it encapsulates provider/base-path selection (spec §4.2 step
// 1), which this package treats as injected rather than owned.
type TargetResolver func(model string) (url string, extraHeaders map[string]string)

// Handler is the Request Handler state machine (spec §4.1).
type Handler struct {
	cfg config.Config

	pool   *credpool.Pool
	router *modelrouter.Router
	queue  *reqqueue.Queue
	gate   *pacing.Gate
	conn   *connhealth.Monitor
	traces *trace.Store
	hub    *trace.Hub
	emitter *trace.SpanEmitter

	client                *http.Client
	freshTransportFactory func() *http.Transport
	resolveTarget         TargetResolver
	authInjector          upstream.AuthInjector
	provider              string

	logger           *slog.Logger
	fallbackReporter FallbackReporter

	inFlight int64

	holdSem chan struct{}

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Deps bundles Handler's collaborators.
type Deps struct {
	Config           config.Config
	Pool             *credpool.Pool
	Router           *modelrouter.Router
	Queue            *reqqueue.Queue
	Gate             *pacing.Gate
	ConnHealth       *connhealth.Monitor
	Traces           *trace.Store
	Hub              *trace.Hub
	Emitter          *trace.SpanEmitter
	Client           *http.Client
	FreshTransport   func() *http.Transport
	ResolveTarget    TargetResolver
	AuthInjector     upstream.AuthInjector
	Provider         string
	Logger           *slog.Logger
	FallbackReporter FallbackReporter
}

// New builds a Handler from its collaborators.
func New(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	holdCap := d.Config.AdmissionHold.MaxConcurrentHolds
	if holdCap <= 0 {
		holdCap = 1
	}
	h := &Handler{
		cfg:                   d.Config,
		pool:                  d.Pool,
		router:                d.Router,
		queue:                 d.Queue,
		gate:                  d.Gate,
		conn:                  d.ConnHealth,
		traces:                d.Traces,
		hub:                   d.Hub,
		emitter:               d.Emitter,
		client:                d.Client,
		freshTransportFactory: d.FreshTransport,
		resolveTarget:         d.ResolveTarget,
		authInjector:          d.AuthInjector,
		provider:              d.Provider,
		logger:                d.Logger,
		fallbackReporter:      d.FallbackReporter,
		holdSem:               make(chan struct{}, holdCap),
		rng:                   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if d.Pool != nil && d.Queue != nil {
		d.Pool.OnRelease(func() {
			h.queue.WakeNext()
			metrics.QueueDepth.Set(float64(h.queue.Len()))
		})
	}
	return h
}

// attemptState is the retry loop's mutable bookkeeping (spec §4.1).
type attemptState struct {
	excludedKeys    map[string]bool
	attemptedModels map[string]bool
	lastErrType     upstream.ErrorType
	// errorSpecificRetries counts consecutive attempts against lastErrType,
	// checked against that error type's own strategy-table MaxRetries
	// (spec §4.4) independent of the global attempt loop bound.
	errorSpecificRetries int
	useFreshConn         bool
	llm429Retries        int
	// retryLoopStartAt anchors the max429RetryWindowMs check (spec §4.1);
	// admission holds shift it forward so they don't consume the window.
	retryLoopStartAt time.Time
	modelSwitchCount int
	prevMappedModel  string
	// fallbackFrom/fallbackTo record the most recent model switch so its
	// eventual outcome (success or final give-up) can be reported through
	// fallbackReporter, instead of firing at switch time with a meaningless
	// fixed outcome.
	fallbackFrom   string
	fallbackTo     string
	giveUpReason   string
	nextRetryDelay time.Duration
}

// ServeHTTP implements the Request Handler's entry + retry loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = trace.NewID()
	}
	h.logger.Debug("request received", "request_id", requestID, "path", r.URL.Path)

	cur := atomic.AddInt64(&h.inFlight, 1)
	metrics.InFlight.Set(float64(cur))
	defer func() {
		metrics.InFlight.Set(float64(atomic.AddInt64(&h.inFlight, -1)))
	}()
	if h.cfg.MaxTotalConcurrency > 0 && cur > int64(h.cfg.MaxTotalConcurrency) {
		e := proxyerrors.New(http.StatusServiceUnavailable, proxyerrors.TypeBackpressure, "too many in-flight requests").
			WithRequestID(requestID).WithRetryAfter(time.Second)
		writeProxyError(w, e)
		metrics.RequestsTotal.WithLabelValues("error", string(e.Type)).Inc()
		return
	}

	reqStarted := time.Now()
	tr := trace.New(requestID)
	defer func() {
		if h.traces != nil {
			h.traces.Put(tr)
		}
		if h.hub != nil {
			h.hub.Publish(tr.Snapshot())
		}
	}()

	overallBudget := h.cfg.RequestTimeout + time.Duration(h.cfg.MaxRetries)*time.Duration(h.cfg.Retry.MaxDelayMs)*time.Millisecond + 2*time.Second
	ctx, cancel := context.WithTimeout(r.Context(), overallBudget)
	defer cancel()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeProxyError(w, proxyerrors.New(http.StatusBadRequest, proxyerrors.TypeOther, "failed to read request body").WithRequestID(requestID))
		tr.Finish("error", http.StatusBadRequest)
		metrics.RequestsTotal.WithLabelValues("error", "bad_request").Inc()
		metrics.RequestDurationSeconds.WithLabelValues("error").Observe(time.Since(reqStarted).Seconds())
		return
	}
	shape := ClassifyBody(body)

	st := &attemptState{excludedKeys: map[string]bool{}, attemptedModels: map[string]bool{}, retryLoopStartAt: time.Now()}

	for attempt := 0; attempt <= h.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if !h.sleepBackoff(ctx, st, attempt) {
				st.giveUpReason = "timeout"
				break
			}
		}

		if h.poolCooldownGate(ctx, w, requestID, attempt, st, tr, reqStarted) {
			if st.giveUpReason == "timeout" {
				break
			}
			return
		}

		resp, proxyErr := h.runAttempt(ctx, r, requestID, body, shape, attempt, st, tr)
		metrics.AttemptsTotal.WithLabelValues(attemptErrorLabel(proxyErr), decisionModelLabel(st)).Inc()
		if proxyErr == nil && resp != nil {
			h.forwardResponse(w, resp)
			tr.Finish("success", resp.StatusCode)
			metrics.RequestsTotal.WithLabelValues("success", "200").Inc()
			metrics.RequestDurationSeconds.WithLabelValues("success").Observe(time.Since(reqStarted).Seconds())
			h.logger.Debug("request succeeded", "request_id", requestID, "model", st.prevMappedModel, "attempt", attempt, "latency_ms", time.Since(reqStarted).Milliseconds())
			if h.fallbackReporter != nil && st.fallbackTo != "" {
				h.fallbackReporter(ctx, st.fallbackFrom, st.fallbackTo, nil, true)
			}
			return
		}
		if proxyErr != nil && !proxyErr.Retryable {
			writeProxyError(w, proxyErr)
			metrics.RequestsTotal.WithLabelValues("error", string(proxyErr.Type)).Inc()
			metrics.RequestDurationSeconds.WithLabelValues("error").Observe(time.Since(reqStarted).Seconds())
			tr.Finish("error", proxyErr.HTTPStatusCode())
			h.logger.Warn("request failed", "request_id", requestID, "error_type", proxyErr.Type, "status", proxyErr.HTTPStatusCode(), "attempt", attempt)
			if h.fallbackReporter != nil && st.fallbackTo != "" {
				h.fallbackReporter(ctx, st.fallbackFrom, st.fallbackTo, proxyErr, false)
			}
			return
		}
		if proxyErr != nil {
			h.logger.Debug("attempt retrying", "request_id", requestID, "error_type", proxyErr.Type, "attempt", attempt)
		}
		if st.giveUpReason != "" {
			break
		}
	}

	h.writeGiveUp(w, requestID, st, tr)
	metrics.RequestDurationSeconds.WithLabelValues("error").Observe(time.Since(reqStarted).Seconds())
	h.logger.Warn("request gave up", "request_id", requestID, "reason", st.giveUpReason, "attempts", len(st.attemptedModels))
	if h.fallbackReporter != nil && st.fallbackTo != "" {
		h.fallbackReporter(ctx, st.fallbackFrom, st.fallbackTo, nil, false)
	}
}

// poolCooldownGate implements spec §4.1 step 3: before dispatching another
// attempt, check the pool-wide 429 cooldown. On the first attempt, a
// cooldown longer than SleepThresholdMs answers with an immediate local
// 429 rather than spending an attempt; any other active cooldown (or a
// longer one encountered on a later attempt, once the request is already
// committed to retrying) is slept out instead, capped at MaxCooldownMs.
// Returns true if it already wrote the final response (caller must
// return) or if the context expired while sleeping (caller should break
// to writeGiveUp, signaled via st.giveUpReason == "timeout").
func (h *Handler) poolCooldownGate(ctx context.Context, w http.ResponseWriter, requestID string, attempt int, st *attemptState, tr *trace.Trace, reqStarted time.Time) bool {
	if h.pool == nil {
		return false
	}
	remaining := h.pool.PoolCooldownRemaining()
	if remaining <= 0 {
		return false
	}

	if attempt == 0 && remaining > time.Duration(h.cfg.PoolCooldown.SleepThresholdMs)*time.Millisecond {
		e := proxyerrors.New(http.StatusTooManyRequests, proxyerrors.TypeRateLimited, "pool-wide rate limit cooldown active").
			WithRequestID(requestID).
			WithRetryAfter(h.poolCooldownRetryAfter(remaining)).
			WithHeader("x-rate-limit-scope", "pool")
		writeProxyError(w, e)
		metrics.RequestsTotal.WithLabelValues("error", string(e.Type)).Inc()
		metrics.RequestDurationSeconds.WithLabelValues("error").Observe(time.Since(reqStarted).Seconds())
		tr.Finish("error", e.HTTPStatusCode())
		h.logger.Warn("request rejected on pool cooldown", "request_id", requestID, "cooldown_ms", remaining.Milliseconds())
		return true
	}

	sleepFor := remaining
	if max := time.Duration(h.cfg.PoolCooldown.MaxCooldownMs) * time.Millisecond; sleepFor > max {
		sleepFor = max
	}
	select {
	case <-time.After(sleepFor):
		return false
	case <-ctx.Done():
		st.giveUpReason = "timeout"
		return true
	}
}

// poolCooldownRetryAfter adds jitter to remaining per spec §6's
// poolCooldown.retryJitterMs, mirroring the teacher's jittered backoff.
func (h *Handler) poolCooldownRetryAfter(remaining time.Duration) time.Duration {
	jitterMs := h.cfg.PoolCooldown.RetryJitterMs
	if jitterMs <= 0 {
		return remaining
	}
	h.rngMu.Lock()
	jitter := time.Duration(h.rng.Int63n(jitterMs)) * time.Millisecond
	h.rngMu.Unlock()
	return remaining + jitter
}

// attemptErrorLabel turns a runAttempt outcome into the upstream_attempts_total
// error_type label, "" for success.
func attemptErrorLabel(proxyErr *proxyerrors.ProxyError) string {
	if proxyErr == nil {
		return ""
	}
	return string(proxyErr.Type)
}

// decisionModelLabel reports the model the most recent attempt targeted, or
// "" if none was committed yet (e.g. the give-up-before-dispatch paths).
func decisionModelLabel(st *attemptState) string {
	return st.prevMappedModel
}

// sleepBackoff sleeps the inter-attempt delay, honoring a Retry-After
// override and the request's overall deadline. Returns false if the
// context expired first.
func (h *Handler) sleepBackoff(ctx context.Context, st *attemptState, attempt int) bool {
	delay := st.nextRetryDelay
	st.nextRetryDelay = 0
	if delay == 0 {
		mult := upstream.StrategyFor(st.lastErrType).BackoffMultiplier
		h.rngMu.Lock()
		delay = computeBackoff(h.cfg.Retry, attempt, mult, h.rng)
		h.rngMu.Unlock()
	}

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// writeGiveUp renders the final client-facing error once the retry loop
// exhausts its budget without success.
func (h *Handler) writeGiveUp(w http.ResponseWriter, requestID string, st *attemptState, tr *trace.Trace) {
	reason := st.giveUpReason
	if reason == "" {
		reason = "retries_exhausted"
	}

	var e *proxyerrors.ProxyError
	switch reason {
	case "model_exhausted":
		e = proxyerrors.New(http.StatusTooManyRequests, proxyerrors.TypeModelExhausted, "no model in tier remains eligible").
			WithRetryAfter(5 * time.Second).
			WithHeader("x-proxy-rate-limit", "model_exhausted").
			WithHeader("x-proxy-give-up-reason", reason)
	case "timeout":
		e = proxyerrors.New(http.StatusGatewayTimeout, proxyerrors.TypeTimeout, "request deadline exceeded during retries").
			WithRetryAfter(10 * time.Second)
	case "context_overflow":
		e = proxyerrors.New(http.StatusBadRequest, proxyerrors.TypeContextOverflow, "request exceeds the chosen model's context window").
			WithHeader("x-proxy-give-up-reason", reason)
	default:
		if st.lastErrType == upstream.ErrContextOverflowTransient {
			e = proxyerrors.New(http.StatusBadRequest, proxyerrors.TypeContextOverflowSoft, "request exceeds this model's context window; no larger model remained to retry against").
				WithRetryAfter(5 * time.Second)
			break
		}
		e = proxyerrors.New(http.StatusBadGateway, proxyerrors.TypeOther, "upstream attempts exhausted").
			WithRetryAfter(5 * time.Second)
	}
	e = e.WithRequestID(requestID)
	writeProxyError(w, e)
	tr.Finish("error", e.HTTPStatusCode())
}

// forwardResponse copies an upstream response verbatim to the client,
// piping the body through internal/upstream.Forwarder when it looks like
// an SSE stream, else copying it directly.
func (h *Handler) forwardResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()
	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if resp.Header.Get("Content-Type") == "text/event-stream" {
		if fw, err := upstream.NewForwarder(resp.Body, w, resp.Request.Context()); err == nil {
			_ = fw.Forward()
			return
		}
	}
	_, _ = io.Copy(w, resp.Body)
}
