package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/sagaflow/pkg/api"
)

var (
	// ErrSnapshotNotFound is returned when a flow snapshot is not found.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrWaitNotFound is returned when no wait condition is registered
	// for a correlation id.
	ErrWaitNotFound = errors.New("wait condition not found")

	// ErrVersionConflict is surfaced to callers when an optimistic
	// snapshot update lost against a concurrent writer. The engine does
	// not retry it; the owning scheduler decides whether to re-claim.
	ErrVersionConflict = errors.New("snapshot version conflict")
)

// SnapshotStore persists flow snapshots with optimistic concurrency.
type SnapshotStore interface {
	// CreateSnapshot stores a new snapshot. It returns false (and no
	// error) when a snapshot for the same flow id already exists.
	CreateSnapshot(ctx context.Context, snap *api.Snapshot) (bool, error)

	// UpdateSnapshot overwrites the stored snapshot if its version
	// still equals expectedVersion. It returns false on a version
	// conflict.
	UpdateSnapshot(ctx context.Context, snap *api.Snapshot, expectedVersion int64) (bool, error)

	GetSnapshot(ctx context.Context, flowID string) (*api.Snapshot, error)

	ListSnapshots(ctx context.Context, filter api.SnapshotFilter) ([]*api.Snapshot, error)
}

// WaitEntry associates a persisted wait condition with its flow.
type WaitEntry struct {
	FlowID    string
	Condition api.WaitCondition
}

// WaitStore persists wait conditions keyed by correlation id.
type WaitStore interface {
	// SetWaitCondition stores or overwrites the wait condition for
	// wc.CorrelationID.
	SetWaitCondition(ctx context.Context, flowID string, wc api.WaitCondition) error

	GetWaitCondition(ctx context.Context, correlationID string) (*WaitEntry, error)

	// DeleteWaitCondition removes a wait condition; deleting a missing
	// one is not an error.
	DeleteWaitCondition(ctx context.Context, correlationID string) error

	// ListExpiredWaits returns entries whose ExpiresAt is non-zero and
	// not after now.
	ListExpiredWaits(ctx context.Context, now time.Time) ([]*WaitEntry, error)
}

// ClaimStore grants cluster-wide at-most-one execution of a flow
// instance. A surrounding scheduler uses it; the interpreter never
// touches it.
type ClaimStore interface {
	// TryClaim attempts to claim one resumable flow of the given flow
	// name: a RUNNING snapshot whose claim (or last update, when no
	// claim exists) is older than staleAfter. It returns the claimed
	// flow id, or ok=false when nothing is claimable.
	TryClaim(ctx context.Context, flowName, ownerID string, staleAfter time.Duration) (flowID string, ok bool, err error)

	// Heartbeat refreshes a claim and records the current position. It
	// returns false when the claim is no longer held by ownerID.
	Heartbeat(ctx context.Context, flowID, ownerID string, pos api.Position) (bool, error)

	// Release drops a claim if it is held by ownerID. It is idempotent.
	Release(ctx context.Context, flowID, ownerID string) error
}

// Persistence bundles the stores an engine is wired with.
type Persistence struct {
	Snapshots SnapshotStore
	Waits     WaitStore
	Claims    ClaimStore
}
