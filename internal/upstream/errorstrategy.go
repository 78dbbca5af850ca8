// Package upstream builds and dispatches the single HTTP call to the
// upstream provider for one attempt (spec §4.2): header stripping and
// injection, adaptive per-attempt timeouts, socket-level error
// classification, and SSE response forwarding with tail capture.
//
// Grounded on internal/streaming/forwarder.go (buffer-pooled SSE
// forwarding with client-disconnect detection) and
// internal/httputil/body.go (bounded body reads), generalized from a
// provider-specific chunk parser to a tail-capture byte cap.
package upstream

// ErrorType classifies the outcome of one upstream attempt (spec §4.2/
// §4.4). It is distinct from pkg/errors.Type, which is the client-facing
// response classification; ErrorType is the internal retry-strategy key.
type ErrorType string

const (
	ErrSocketHangup           ErrorType = "socket_hangup"
	ErrTimeout                ErrorType = "timeout"
	ErrServerError            ErrorType = "server_error"
	ErrRateLimited            ErrorType = "rate_limited"
	ErrModelAtCapacity        ErrorType = "model_at_capacity"
	ErrContextOverflow        ErrorType = "context_overflow"
	ErrContextOverflowTransient ErrorType = "context_overflow_transient"
	ErrConnectionRefused      ErrorType = "connection_refused"
	ErrDNSError               ErrorType = "dns_error"
	ErrTLSError               ErrorType = "tls_error"
	ErrAuthError              ErrorType = "auth_error"
	ErrBrokenPipe             ErrorType = "broken_pipe"
	ErrConnectionAborted      ErrorType = "connection_aborted"
	ErrStreamPrematureClose   ErrorType = "stream_premature_close"
	ErrHTTPParseError         ErrorType = "http_parse_error"
	ErrAborted                ErrorType = "aborted"
	ErrOther                  ErrorType = "other"
)

// Strategy is one row of the static error-strategy table (spec §4.4).
type Strategy struct {
	ShouldRetry       bool
	ExcludeKey        bool
	BackoffMultiplier float64
	MaxRetries        int
	UseFreshConnection bool
}

// strategyTable is the static map from spec §4.4. rate_limited's
// ShouldRetry is statically false here; the request handler overrides it
// dynamically on the LLM route per §4.3.5.
var strategyTable = map[ErrorType]Strategy{
	ErrSocketHangup:             {ShouldRetry: true, ExcludeKey: false, BackoffMultiplier: 1.5, MaxRetries: 3, UseFreshConnection: true},
	ErrTimeout:                  {ShouldRetry: true, ExcludeKey: true, BackoffMultiplier: 2.0, MaxRetries: 2},
	ErrServerError:              {ShouldRetry: true, ExcludeKey: true, BackoffMultiplier: 2.0, MaxRetries: 3},
	ErrRateLimited:              {ShouldRetry: false, ExcludeKey: true, BackoffMultiplier: 1.0, MaxRetries: 0},
	ErrModelAtCapacity:          {ShouldRetry: true, ExcludeKey: false, BackoffMultiplier: 1.5, MaxRetries: 4},
	ErrContextOverflow:          {ShouldRetry: false, ExcludeKey: false, BackoffMultiplier: 1.0, MaxRetries: 0},
	ErrContextOverflowTransient: {ShouldRetry: true, ExcludeKey: false, BackoffMultiplier: 2.0, MaxRetries: 4},
	ErrConnectionRefused:        {ShouldRetry: true, ExcludeKey: true, BackoffMultiplier: 2.0, MaxRetries: 3},
	ErrDNSError:                 {ShouldRetry: true, ExcludeKey: false, BackoffMultiplier: 2.0, MaxRetries: 2},
	ErrTLSError:                 {ShouldRetry: false, ExcludeKey: true, BackoffMultiplier: 1.0, MaxRetries: 0},
	ErrAuthError:                {ShouldRetry: true, ExcludeKey: true, BackoffMultiplier: 1.0, MaxRetries: 2},
	ErrBrokenPipe:               {ShouldRetry: true, ExcludeKey: false, BackoffMultiplier: 1.0, MaxRetries: 3, UseFreshConnection: true},
	ErrConnectionAborted:        {ShouldRetry: true, ExcludeKey: false, BackoffMultiplier: 1.5, MaxRetries: 3, UseFreshConnection: true},
	ErrStreamPrematureClose:     {ShouldRetry: true, ExcludeKey: true, BackoffMultiplier: 2.0, MaxRetries: 2, UseFreshConnection: true},
	ErrHTTPParseError:           {ShouldRetry: true, ExcludeKey: true, BackoffMultiplier: 2.0, MaxRetries: 2, UseFreshConnection: true},
	ErrAborted:                  {ShouldRetry: false, ExcludeKey: false, BackoffMultiplier: 1.0, MaxRetries: 0},
	ErrOther:                    {ShouldRetry: true, ExcludeKey: true, BackoffMultiplier: 2.0, MaxRetries: 3},
}

// StrategyFor returns the static strategy for errType, falling back to
// ErrOther's row for an unrecognized type.
func StrategyFor(errType ErrorType) Strategy {
	if s, ok := strategyTable[errType]; ok {
		return s
	}
	return strategyTable[ErrOther]
}
