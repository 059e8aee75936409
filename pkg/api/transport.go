package api

import (
	"context"
	"errors"
	"fmt"
)

// Transport is the messaging collaborator the interpreter dispatches
// side effects through. Implementations must honor the context's
// deadline and cancellation; the interpreter applies the resolved step
// timeout via the context it passes in.
type Transport interface {
	// Send delivers a command message to a destination. An empty
	// destination lets the transport pick its default route.
	Send(ctx context.Context, msg any, destination string) error

	// Publish broadcasts an event message.
	Publish(ctx context.Context, msg any) error

	// Query sends a request message and returns the reply.
	Query(ctx context.Context, msg any) (any, error)
}

// DispatchError is the typed failure a transport operation (or a
// panicking user callback, which the interpreter treats the same way)
// surfaces to the retry/failure-action machinery.
type DispatchError struct {
	// Op is the operation that failed: "send", "publish", "query",
	// "evaluate", "wait", "join".
	Op string

	// Timeout marks a dispatch that exceeded the resolved step timeout.
	Timeout bool

	Err error
}

func (e *DispatchError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// NewDispatchError wraps err as a dispatch failure of the given op.
func NewDispatchError(op string, err error, timeout bool) *DispatchError {
	return &DispatchError{Op: op, Err: err, Timeout: timeout}
}

// IsDispatchTimeout reports whether err is a dispatch error caused by a
// timeout.
func IsDispatchTimeout(err error) bool {
	var d *DispatchError
	return errors.As(err, &d) && d.Timeout
}
