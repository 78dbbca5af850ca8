package trace

// Subscriber receives a value copy of a finished trace. External sinks
// (an SSE dashboard, a stats aggregator) implement this to observe
// traffic without the core depending on them (spec §1 Out-of-scope, §9
// "event emission is an observer interface").
type Subscriber interface {
	OnTrace(tr Trace)
}

// SubscriberFunc adapts a plain function to Subscriber.
type SubscriberFunc func(tr Trace)

// OnTrace implements Subscriber.
func (f SubscriberFunc) OnTrace(tr Trace) { f(tr) }

// Hub fans a finished trace out to every registered subscriber.
type Hub struct {
	subscribers []Subscriber
}

// NewHub builds an empty hub.
func NewHub() *Hub { return &Hub{} }

// Subscribe registers sub to receive future traces.
func (h *Hub) Subscribe(sub Subscriber) {
	h.subscribers = append(h.subscribers, sub)
}

// Publish delivers tr to every subscriber in registration order,
// synchronously on the caller's goroutine. The request handler publishes
// as each request finishes, so a subscriber that blocks delays the end of
// that request.
func (h *Hub) Publish(tr Trace) {
	for _, sub := range h.subscribers {
		sub.OnTrace(tr)
	}
}
