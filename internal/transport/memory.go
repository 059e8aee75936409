package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/petrijr/sagaflow/pkg/api"
)

// QueryHandler answers a Query dispatched through the in-memory
// transport.
type QueryHandler func(ctx context.Context, msg any) (any, error)

// SentMessage records one Send dispatch.
type SentMessage struct {
	Msg         any
	Destination string
}

// InMemoryTransport is a process-local Transport used by tests, the
// examples and single-node deployments. Sends and publishes are
// recorded; queries are answered by registered handlers keyed by the
// concrete message type.
//
// Hooks (OnSend, OnPublish) let tests inject failures and latency.
type InMemoryTransport struct {
	mu        sync.Mutex
	sent      []SentMessage
	published []any
	queries   map[string]QueryHandler

	// OnSend, when set, runs instead of recording; a non-nil error is
	// surfaced as the dispatch failure. OnPublish is its Publish
	// counterpart.
	OnSend    func(ctx context.Context, msg any, destination string) error
	OnPublish func(ctx context.Context, msg any) error
}

var _ api.Transport = (*InMemoryTransport)(nil)

// NewInMemoryTransport creates an empty in-memory transport.
func NewInMemoryTransport() *InMemoryTransport {
	return &InMemoryTransport{queries: make(map[string]QueryHandler)}
}

func typeKey(msg any) string {
	return fmt.Sprintf("%T", msg)
}

// HandleQuery registers a query handler for the concrete type of
// prototype.
func (t *InMemoryTransport) HandleQuery(prototype any, h QueryHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queries[typeKey(prototype)] = h
}

func (t *InMemoryTransport) Send(ctx context.Context, msg any, destination string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.OnSend != nil {
		if err := t.OnSend(ctx, msg, destination); err != nil {
			return err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, SentMessage{Msg: msg, Destination: destination})
	return nil
}

func (t *InMemoryTransport) Publish(ctx context.Context, msg any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.OnPublish != nil {
		if err := t.OnPublish(ctx, msg); err != nil {
			return err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.published = append(t.published, msg)
	return nil
}

func (t *InMemoryTransport) Query(ctx context.Context, msg any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	h, ok := t.queries[typeKey(msg)]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no query handler for %s", typeKey(msg))
	}
	return h(ctx, msg)
}

// Sent returns a copy of all recorded sends in dispatch order.
func (t *InMemoryTransport) Sent() []SentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SentMessage, len(t.sent))
	copy(out, t.sent)
	return out
}

// Published returns a copy of all recorded publishes in dispatch order.
func (t *InMemoryTransport) Published() []any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]any, len(t.published))
	copy(out, t.published)
	return out
}

// Reset clears recorded messages but keeps registered handlers.
func (t *InMemoryTransport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = nil
	t.published = nil
}
