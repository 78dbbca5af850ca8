// Package trace implements the Request Trace data model (spec §3, §8):
// a per-client-request record with per-attempt sub-records, wall-clock
// timestamps, OTel span emission, an observer interface for external
// sinks, and an LRU-bounded in-memory store.
//
// Grounded on the teacher's internal/observability/tracing.go (OTel
// tracer wrapping, span attribute conventions) and requestid.go (request
// id generation via crypto/rand), generalized to the proxy's own span
// taxonomy instead of gen_ai.* LLM-response attributes.
package trace

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SpanKind enumerates the per-attempt span markers spec §3 names.
type SpanKind string

const (
	SpanKeyAcquired SpanKind = "KEY_ACQUIRED"
	SpanUpstreamStart SpanKind = "UPSTREAM_START"
	SpanFirstByte    SpanKind = "FIRST_BYTE"
	SpanStreaming    SpanKind = "STREAMING"
	SpanComplete     SpanKind = "COMPLETE"
	SpanRetry        SpanKind = "RETRY"
	SpanError        SpanKind = "ERROR"
	SpanTimeout      SpanKind = "TIMEOUT"
)

// SpanMark is one timestamped span event within an attempt.
type SpanMark struct {
	Kind SpanKind
	At   time.Time
}

// Attempt is one attempt's sub-record within a Trace.
type Attempt struct {
	Index            int
	CredentialID     string
	Model            string
	Reason           string
	Spans            []SpanMark
	Err              error
}

// AdmissionHold records a pre-dispatch sleep while every tier candidate
// was cooled (spec §4.1).
type AdmissionHold struct {
	Tier     string
	Duration time.Duration
	TimedOut bool
}

// Trace is the full per-client-request record.
type Trace struct {
	mu sync.Mutex

	ID        string
	StartedAt time.Time
	EndedAt   time.Time
	Attempts  []Attempt
	Hold      *AdmissionHold
	Outcome   string // "success" | "error" | "timeout" | "disconnected"
	Status    int
}

// NewID generates a unique trace/request id. uuid.NewString falls back to
// crypto/rand internally when the default generator isn't seeded, so no
// additional fallback is needed here.
func NewID() string {
	return uuid.NewString()
}

// New opens a trace for a newly admitted client request.
func New(id string) *Trace {
	return &Trace{ID: id, StartedAt: time.Now()}
}

// StartAttempt appends and returns a pointer to a new attempt record.
func (t *Trace) StartAttempt(index int, credentialID, model, reason string) *Attempt {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Attempts = append(t.Attempts, Attempt{Index: index, CredentialID: credentialID, Model: model, Reason: reason})
	return &t.Attempts[len(t.Attempts)-1]
}

// Mark appends a span event to the most recent attempt.
func (t *Trace) Mark(kind SpanKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.Attempts) == 0 {
		return
	}
	last := &t.Attempts[len(t.Attempts)-1]
	last.Spans = append(last.Spans, SpanMark{Kind: kind, At: time.Now()})
}

// MarkError records the attempt's terminal error.
func (t *Trace) MarkError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.Attempts) == 0 {
		return
	}
	last := &t.Attempts[len(t.Attempts)-1]
	last.Err = err
	last.Spans = append(last.Spans, SpanMark{Kind: SpanError, At: time.Now()})
}

// SetHold records an admission-hold sleep.
func (t *Trace) SetHold(hold AdmissionHold) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Hold = &hold
}

// Finish records the trace's terminal outcome and closes its wall-clock
// window.
func (t *Trace) Finish(outcome string, status int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Outcome = outcome
	t.Status = status
	t.EndedAt = time.Now()
}

// Snapshot returns a value copy safe for concurrent readers (e.g. an
// observer callback or a debug endpoint).
func (t *Trace) Snapshot() Trace {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := *t
	cp.Attempts = append([]Attempt(nil), t.Attempts...)
	return cp
}
