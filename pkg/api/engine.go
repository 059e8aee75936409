package api

import "context"

// Engine is the high-level entry point: it owns the flow registry, the
// transport, the persistence stores and the interpreter.
type Engine interface {
	// RegisterFlow registers a definition by flow name.
	RegisterFlow(def FlowDefinition) error

	// Start creates a snapshot for state.FlowID() and runs the flow
	// from the beginning until it completes, fails, or suspends.
	Start(ctx context.Context, flowName string, state State) (*Result, error)

	// Resume continues a failed or crashed (stale Running) flow from
	// its persisted position. Waiting flows resume through HandleEvent.
	Resume(ctx context.Context, flowID string) (*Result, error)

	// HandleEvent routes an inbound correlated event to the suspended
	// flow waiting on correlationID, updates aggregate counts, and
	// resumes the flow once its wait condition is satisfied. The
	// returned result reflects the flow after this delivery; for a
	// partially satisfied aggregate wait it is still StatusWaiting.
	HandleEvent(ctx context.Context, correlationID string, payload any) (*Result, error)

	// ExpireWait resumes the flow waiting on correlationID with a
	// TimeoutPayload instead of a real event.
	ExpireWait(ctx context.Context, correlationID string, reason string) (*Result, error)

	// Cancel marks a non-terminal flow as cancelled.
	Cancel(ctx context.Context, flowID string) (*Snapshot, error)

	// GetSnapshot looks up a flow snapshot by id.
	GetSnapshot(ctx context.Context, flowID string) (*Snapshot, error)

	// ListSnapshots returns snapshots matching the filter. Zero-valued
	// filter fields mean "no filter".
	ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]*Snapshot, error)
}

// SnapshotFilter selects snapshots from a store. Empty fields match
// everything.
type SnapshotFilter struct {
	FlowName string
	Status   Status
}
