package trace

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrace_StartAttemptAndMark(t *testing.T) {
	tr := New(NewID())
	tr.StartAttempt(0, "cred-a", "haiku", "rule")
	tr.Mark(SpanKeyAcquired)
	tr.Mark(SpanUpstreamStart)
	tr.Finish("success", 200)

	snap := tr.Snapshot()
	require.Len(t, snap.Attempts, 1)
	assert.Len(t, snap.Attempts[0].Spans, 2)
	assert.Equal(t, "success", snap.Outcome)
	assert.Equal(t, 200, snap.Status)
}

func TestTrace_MarkErrorAppendsErrorSpan(t *testing.T) {
	tr := New(NewID())
	tr.StartAttempt(0, "cred-a", "haiku", "rule")
	tr.MarkError(assert.AnError)

	snap := tr.Snapshot()
	require.Len(t, snap.Attempts[0].Spans, 1)
	assert.Equal(t, SpanError, snap.Attempts[0].Spans[0].Kind)
	assert.Equal(t, assert.AnError, snap.Attempts[0].Err)
}

func TestStore_EvictsLeastRecentlyUsed(t *testing.T) {
	s := NewStore(2)
	s.Put(New("a"))
	s.Put(New("b"))
	s.Put(New("c"))

	_, ok := s.Get("a")
	assert.False(t, ok)
	_, ok = s.Get("b")
	assert.True(t, ok)
	_, ok = s.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, s.Len())
}

func TestStore_GetRefreshesRecency(t *testing.T) {
	s := NewStore(2)
	s.Put(New("a"))
	s.Put(New("b"))
	s.Get("a")
	s.Put(New("c"))

	_, ok := s.Get("b")
	assert.False(t, ok)
	_, ok = s.Get("a")
	assert.True(t, ok)
}

func TestHub_PublishesToAllSubscribers(t *testing.T) {
	h := NewHub()
	var got1, got2 Trace
	h.Subscribe(SubscriberFunc(func(tr Trace) { got1 = tr }))
	h.Subscribe(SubscriberFunc(func(tr Trace) { got2 = tr }))

	tr := New("x")
	h.Publish(*tr)

	assert.Equal(t, "x", got1.ID)
	assert.Equal(t, "x", got2.ID)
}

func TestClampPayloadSize_Bounds(t *testing.T) {
	assert.Equal(t, defaultPayloadSize, ClampPayloadSize(0))
	assert.Equal(t, minPayloadSize, ClampPayloadSize(1))
	assert.Equal(t, maxPayloadSizeCap, ClampPayloadSize(10*maxPayloadSizeCap))
	assert.Equal(t, 50_000, ClampPayloadSize(50_000))
}

func TestTruncateMessage_AddsEllipsis(t *testing.T) {
	msg, truncated := TruncateMessage("hello world", 5)
	assert.True(t, truncated)
	assert.Equal(t, "hell…", msg)

	msg, truncated = TruncateMessage("hi", 5)
	assert.False(t, truncated)
	assert.Equal(t, "hi", msg)
}

func TestClampPayload_PreservesCriticalFields(t *testing.T) {
	p := TracePayload{
		RequestID:      "req-1",
		Tier:           "heavy",
		Classification: "rule",
		SelectedModel:  "opus",
		Strategy:       "quality",
		Messages:       make([]string, 20),
		Candidates:     make([]string, 20),
	}
	for i := range p.Messages {
		p.Messages[i] = strings.Repeat("a very long message body that will need truncation eventually ", 20)
	}
	for i := range p.Candidates {
		p.Candidates[i] = "candidate"
	}

	out := ClampPayload(p, 1024)
	assert.True(t, out.Truncated)
	assert.LessOrEqual(t, len(out.Candidates), 5)
	assert.LessOrEqual(t, len(out.Messages), 10)
	assert.Equal(t, "req-1", out.RequestID)
	assert.Equal(t, "heavy", out.Tier)
	assert.Equal(t, "opus", out.SelectedModel)
	assert.Equal(t, "quality", out.Strategy)
}
