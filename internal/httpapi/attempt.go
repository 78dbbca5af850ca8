package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/relayforge/keyrelay/internal/credpool"
	"github.com/relayforge/keyrelay/internal/metrics"
	"github.com/relayforge/keyrelay/internal/modelrouter"
	"github.com/relayforge/keyrelay/internal/trace"
	"github.com/relayforge/keyrelay/internal/upstream"
	proxyerrors "github.com/relayforge/keyrelay/pkg/errors"
)

// runAttempt performs one full attempt of the retry loop: model decision,
// cooldown gating, credential acquisition, pacing admission, dispatch,
// and outcome classification (spec §4.1-§4.4). A nil *proxyerrors.ProxyError
// with a non-nil *http.Response means success; a non-nil ProxyError with
// Retryable=true tells the caller to loop again; Retryable=false (or
// st.giveUpReason set) ends the request.
func (h *Handler) runAttempt(ctx context.Context, r *http.Request, requestID string, body []byte, shape modelrouter.RequestShape, attempt int, st *attemptState, tr *trace.Trace) (*http.Response, *proxyerrors.ProxyError) {
	routeCtx := modelrouter.Context{Shape: shape, AttemptedModels: st.attemptedModels}
	decision, err := h.router.ComputeDecision(routeCtx)
	if err != nil {
		if h.tryAdmissionHold(ctx, decision.Tier, st, tr) {
			decision, err = h.router.ComputeDecision(routeCtx)
		}
	}
	if err != nil {
		st.giveUpReason = "model_exhausted"
		return nil, proxyerrors.New(http.StatusTooManyRequests, proxyerrors.TypeModelExhausted, "no eligible model remains").WithRequestID(requestID)
	}

	if decision.Overflow != nil {
		return h.handleContextOverflow(requestID, decision, st)
	}

	if st.prevMappedModel != "" && st.prevMappedModel != decision.Model {
		st.modelSwitchCount++
		if h.router != nil && h.cfg.ModelRouting.MaxModelSwitchesPerRequest > 0 && st.modelSwitchCount > h.cfg.ModelRouting.MaxModelSwitchesPerRequest {
			st.giveUpReason = "model_exhausted"
			return nil, proxyerrors.New(http.StatusTooManyRequests, proxyerrors.TypeModelExhausted, "max model switches exceeded").WithRequestID(requestID)
		}
	}

	if remaining := h.modelCooldownRemaining(decision.Model); remaining > 0 {
		st.attemptedModels[decision.Model] = true
		st.nextRetryDelay = remaining
		return nil, proxyerrors.New(http.StatusTooManyRequests, proxyerrors.TypeRateLimited, "model cooling down").
			WithRequestID(requestID).AsRetryable()
	}

	if err := h.router.CommitDecision(&decision); err != nil {
		st.giveUpReason = "model_exhausted"
		return nil, proxyerrors.New(http.StatusTooManyRequests, proxyerrors.TypeModelExhausted, "commit failed").WithRequestID(requestID)
	}
	defer h.router.ReleaseModel(decision.Model)

	if st.prevMappedModel != "" && st.prevMappedModel != decision.Model {
		st.fallbackFrom = st.prevMappedModel
		st.fallbackTo = decision.Model
	}
	st.prevMappedModel = decision.Model

	lease, err := h.pool.Acquire(ctx, h.provider, st.excludedKeys)
	if err != nil {
		if attempt == 0 && h.queue != nil {
			var waitErr *proxyerrors.ProxyError
			lease, waitErr = h.waitForCredential(ctx, requestID, st)
			if waitErr != nil {
				st.giveUpReason = "keys_exhausted"
				return nil, waitErr
			}
		} else {
			st.giveUpReason = "keys_exhausted"
			return nil, proxyerrors.New(http.StatusServiceUnavailable, proxyerrors.TypeKeysExhausted, "no credential available").
				WithRequestID(requestID).WithRetryAfter(2 * time.Second)
		}
	}
	releaseKey := true
	defer func() {
		if releaseKey {
			lease.Release()
		}
	}()

	tr.StartAttempt(attempt, lease.Credential.ID, decision.Model, rationale(attempt))
	tr.Mark(trace.SpanKeyAcquired)
	if h.emitter != nil {
		_, span := h.emitter.StartAttemptSpan(ctx, requestID, attempt, decision.Model, lease.Credential.ID)
		defer span.End()
	}

	if !h.pool.AcquireModelSlot(decision.Model) {
		st.attemptedModels[decision.Model] = true
		retryable := st.recordErrorAttempt(upstream.ErrModelAtCapacity)
		e := proxyerrors.New(http.StatusTooManyRequests, proxyerrors.TypeModelAtCapacity, "model is at its configured concurrency capacity").WithRequestID(requestID)
		if retryable {
			e = e.AsRetryable()
		}
		return nil, e
	}
	defer h.pool.ReleaseModelSlot(decision.Model)

	if err := h.gate.Acquire(ctx); err != nil {
		st.giveUpReason = "timeout"
		return nil, proxyerrors.New(http.StatusGatewayTimeout, proxyerrors.TypeTimeout, "pacing gate wait cancelled").WithRequestID(requestID)
	}
	defer h.gate.Release()

	snap, _ := h.pool.Snapshot(lease.Credential.ID)
	timeout := upstream.ComputeAdaptiveTimeout(upstream.AdaptiveTimeoutConfig{
		Enabled:           h.cfg.AdaptiveTimeout.Enabled,
		InitialMs:         h.cfg.AdaptiveTimeout.InitialMs,
		MinMs:             h.cfg.AdaptiveTimeout.MinMs,
		MaxMs:             h.cfg.AdaptiveTimeout.MaxMs,
		MinSamples:        h.cfg.AdaptiveTimeout.MinSamples,
		LatencyMultiplier: h.cfg.AdaptiveTimeout.LatencyMultiplier,
		RetryMultiplier:   h.cfg.AdaptiveTimeout.RetryMultiplier,
	}, snap.LatencyP95Ms, snap.LatencyP95Ms, snap.LatencySamples, attempt)

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	targetURL, extraHeaders := "", map[string]string(nil)
	if h.resolveTarget != nil {
		targetURL, extraHeaders = h.resolveTarget(decision.Model)
	}

	tr.Mark(trace.SpanUpstreamStart)
	started := time.Now()
	useFresh := st.useFreshConn
	st.useFreshConn = false
	resp, dispatchErr := h.dispatch(attemptCtx, targetURL, decision.Model, lease.Credential.Token, requestID, r.Header, body, extraHeaders, useFresh)
	latency := time.Since(started)

	if dispatchErr != nil {
		errType := upstream.ClassifyError(dispatchErr, 0)
		tr.MarkError(dispatchErr)
		return h.handleFailure(requestID, decision.Model, lease, st, errType, 0, nil)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		h.pool.RecordSuccess(lease.Credential.ID, latency)
		tr.Mark(trace.SpanFirstByte)
		return resp, nil
	}

	errType := upstream.ClassifyError(nil, resp.StatusCode)
	var retryAfterMs *int64
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, ok := parseRetryAfterSeconds(ra); ok {
			ms := secs * 1000
			retryAfterMs = &ms
		}
	}
	resp.Body.Close()
	return h.handleFailure(requestID, decision.Model, lease, st, errType, resp.StatusCode, retryAfterMs)
}

// waitForCredential implements spec §4.1 step 7's credential-wait queue
// fallback: enqueue exactly once (only ever called for attempt 0), block
// until woken by a released Lease or the configured queue timeout elapses,
// then retry acquisition once. Queue-full, queue-timeout, and a second
// acquisition miss all give up with a 503 per spec §4.1 step 7.
func (h *Handler) waitForCredential(ctx context.Context, requestID string, st *attemptState) (*credpool.Lease, *proxyerrors.ProxyError) {
	entry, err := h.queue.Enqueue(requestID)
	if err != nil {
		return nil, proxyerrors.New(http.StatusServiceUnavailable, proxyerrors.TypeQueueFull, "request queue is full").
			WithRequestID(requestID).WithRetryAfter(5 * time.Second)
	}
	metrics.QueueDepth.Set(float64(h.queue.Len()))

	waitCtx, cancel := context.WithTimeout(ctx, h.cfg.QueueTimeout)
	defer cancel()
	waitErr := h.queue.Wait(waitCtx, entry)
	metrics.QueueDepth.Set(float64(h.queue.Len()))
	if waitErr != nil {
		return nil, proxyerrors.New(http.StatusServiceUnavailable, proxyerrors.TypeQueueTimeout, "timed out waiting in request queue").
			WithRequestID(requestID).WithRetryAfter(2 * time.Second)
	}

	lease, err := h.pool.Acquire(ctx, h.provider, st.excludedKeys)
	if err != nil {
		return nil, proxyerrors.New(http.StatusServiceUnavailable, proxyerrors.TypeKeysExhausted, "no credential available after wake").
			WithRequestID(requestID)
	}
	return lease, nil
}

// handleContextOverflow answers spec §3's context-overflow diagnostic and
// §4.1 step 6: a request estimated to overflow its chosen model's context
// window never reaches upstream. A genuine overflow (no configured model
// in the tier could ever fit it), or any overflow when transient-overflow
// retry is disabled, ends the request immediately. A transient_unavailable
// overflow is retried — excluding the too-small model from future
// ComputeDecision calls this request — until the retry budget runs out.
func (h *Handler) handleContextOverflow(requestID string, decision modelrouter.Decision, st *attemptState) (*http.Response, *proxyerrors.ProxyError) {
	ov := decision.Overflow
	st.attemptedModels[decision.Model] = true

	if ov.Cause == modelrouter.OverflowGenuine || !h.cfg.ModelRouting.TransientOverflowRetry.Enabled {
		st.lastErrType = upstream.ErrContextOverflow
		st.giveUpReason = "context_overflow"
		return nil, proxyerrors.New(http.StatusBadRequest, proxyerrors.TypeContextOverflow, "request exceeds the chosen model's context window").
			WithRequestID(requestID).
			WithHeader("x-proxy-overflow-cause", string(ov.Cause)).
			WithHeader("x-proxy-overflow-tokens", strconv.Itoa(ov.EstimatedTokens))
	}

	st.lastErrType = upstream.ErrContextOverflowTransient
	return nil, proxyerrors.New(http.StatusBadRequest, proxyerrors.TypeContextOverflowSoft, "request exceeds this model's context window, retrying against a larger one").
		WithRequestID(requestID).
		WithHeader("x-proxy-overflow-cause", string(ov.Cause)).
		WithHeader("x-proxy-overflow-tokens", strconv.Itoa(ov.EstimatedTokens)).
		AsRetryable()
}

// recordErrorAttempt updates st's consecutive per-error-type retry count
// and reports whether the static strategy table's MaxRetries (spec §4.4)
// still permits another attempt of errType, on top of its ShouldRetry bit.
// This bounds the upstream attempt count by the lesser of the global
// cfg.MaxRetries loop bound and the error type's own max (spec §4.1's
// E2E scenario 5).
func (st *attemptState) recordErrorAttempt(errType upstream.ErrorType) bool {
	if st.lastErrType == errType {
		st.errorSpecificRetries++
	} else {
		st.errorSpecificRetries = 1
	}
	st.lastErrType = errType

	strat := upstream.StrategyFor(errType)
	if !strat.ShouldRetry {
		return false
	}
	if strat.MaxRetries > 0 && st.errorSpecificRetries > strat.MaxRetries {
		return false
	}
	return true
}

// tryAdmissionHold sleeps a bounded, jittered duration when every model in
// tier is cooled but the shortest cooldown is short enough to be worth
// waiting out instead of giving up (spec §4.1, §4.7). Returns true if the
// hold ran to completion and the caller should re-run ComputeDecision. On
// success it shifts st.retryLoopStartAt forward by the hold duration so
// the hold doesn't consume the request's 429 retry-window budget.
func (h *Handler) tryAdmissionHold(ctx context.Context, tier modelrouter.Tier, st *attemptState, tr *trace.Trace) bool {
	cfg := h.cfg.AdmissionHold
	if !cfg.Enabled || h.router == nil {
		return false
	}
	eligible := false
	for _, t := range cfg.Tiers {
		if t == string(tier) {
			eligible = true
			break
		}
	}
	if !eligible {
		return false
	}

	remaining, ok := h.router.MinCooldownRemaining(tier)
	if !ok || remaining.Milliseconds() < cfg.MinCooldownToHoldMs {
		return false
	}

	select {
	case h.holdSem <- struct{}{}:
	default:
		return false
	}
	defer func() { <-h.holdSem }()

	hold := remaining
	if max := time.Duration(cfg.MaxHoldMs) * time.Millisecond; hold > max {
		hold = max
	}
	if cfg.JitterMs > 0 {
		h.rngMu.Lock()
		jitter := time.Duration(h.rng.Int63n(cfg.JitterMs)) * time.Millisecond
		h.rngMu.Unlock()
		hold += jitter
	}

	select {
	case <-time.After(hold):
		tr.SetHold(trace.AdmissionHold{Tier: string(tier), Duration: hold, TimedOut: false})
		metrics.AdmissionHoldsTotal.WithLabelValues("success").Inc()
		if st != nil && !st.retryLoopStartAt.IsZero() {
			st.retryLoopStartAt = st.retryLoopStartAt.Add(hold)
		}
		return true
	case <-ctx.Done():
		tr.SetHold(trace.AdmissionHold{Tier: string(tier), Duration: hold, TimedOut: true})
		metrics.AdmissionHoldsTotal.WithLabelValues("timeout").Inc()
		return false
	}
}

func rationale(attempt int) string {
	if attempt == 0 {
		return "initial"
	}
	return "retry"
}

func (h *Handler) modelCooldownRemaining(model string) time.Duration {
	if h.pool == nil {
		return 0
	}
	return h.pool.ModelCooldownRemaining(model)
}

// handleFailure applies the static error-strategy table plus the
// rate_limited dynamic override (spec §4.3.5) and updates pool/router
// bookkeeping, returning a ProxyError whose Retryable bit tells the
// caller whether to loop again.
func (h *Handler) handleFailure(requestID, model string, lease *credpool.Lease, st *attemptState, errType upstream.ErrorType, statusCode int, retryAfterMs *int64) (*http.Response, *proxyerrors.ProxyError) {
	if errType == upstream.ErrRateLimited {
		_, accountScope := h.pool.RecordRateLimit(lease.Credential.ID, retryAfterMs)
		hit := h.pool.RecordPoolRateLimitHit(model, retryAfterMs)
		h.router.RecordModelRateLimit(model, time.Duration(hit.CooldownMs)*time.Millisecond)
		// shouldExcludeKey is the negation of routerActive (spec §4.3 step 5):
		// with a router in play the model switch (or per-model cooldown) is
		// the mechanism that steers future attempts away from a bad combo, so
		// the credential itself stays eligible for rotation rather than being
		// permanently excluded for the rest of this request.
		if h.router == nil {
			st.excludedKeys[lease.Credential.ID] = true
		}
		st.llm429Retries++
		st.lastErrType = errType

		scope := "credential"
		if accountScope {
			scope = "account"
		}

		maxAttempts := h.cfg.Max429AttemptsPerRequest
		if maxAttempts <= 0 {
			maxAttempts = 5
		}
		withinWindow := true
		if h.cfg.Max429RetryWindowMs > 0 && !st.retryLoopStartAt.IsZero() {
			withinWindow = time.Since(st.retryLoopStartAt) <= time.Duration(h.cfg.Max429RetryWindowMs)*time.Millisecond
		}
		dynamicRetry := st.llm429Retries <= maxAttempts && withinWindow

		e := proxyerrors.New(http.StatusTooManyRequests, proxyerrors.TypeRateLimited, "rate limited").
			WithRequestID(requestID).
			WithRetryAfter(time.Duration(hit.CooldownMs) * time.Millisecond).
			WithHeader("x-rate-limit-scope", scope)
		if !dynamicRetry {
			return nil, e
		}
		return nil, e.AsRetryable()
	}

	h.pool.RecordFailure(lease.Credential.ID)

	strat := upstream.StrategyFor(errType)
	if strat.ExcludeKey {
		st.excludedKeys[lease.Credential.ID] = true
	}
	if strat.UseFreshConnection {
		st.useFreshConn = true
	}

	if !st.recordErrorAttempt(errType) {
		return nil, proxyerrors.New(statusToHTTP(statusCode, errType), proxyerrors.Type(errType), "upstream attempt failed").WithRequestID(requestID)
	}
	return nil, proxyerrors.New(statusToHTTP(statusCode, errType), proxyerrors.Type(errType), "upstream attempt failed, retrying").
		WithRequestID(requestID).AsRetryable()
}

func statusToHTTP(statusCode int, errType upstream.ErrorType) int {
	if statusCode >= 400 {
		return statusCode
	}
	switch errType {
	case upstream.ErrTimeout:
		return http.StatusGatewayTimeout
	case upstream.ErrAuthError:
		return http.StatusUnauthorized
	case upstream.ErrContextOverflow, upstream.ErrContextOverflowTransient:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func parseRetryAfterSeconds(s string) (int64, bool) {
	var v int64
	var any bool
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + int64(c-'0')
		any = true
	}
	return v, any
}
