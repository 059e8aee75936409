package api

import "time"

// Status represents the lifecycle state of a flow instance.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusWaiting   Status = "WAITING_FOR_EVENT"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Snapshot is the durable form of a flow instance: everything needed to
// observe it and to resume it deterministically. The interpreter
// returns one per invocation; persistence stores write the same shape.
type Snapshot struct {
	FlowID   string
	FlowName string
	Status   Status

	// State is the user state as of the last completed step.
	State State

	// Position names the step that completed or is being awaited;
	// resumption continues at its next sibling. The root position means
	// nothing has run yet.
	Position Position

	// Err records the last unrecovered step error; nil unless the
	// status is Failed or a Continue failure action recorded one.
	Err error

	// WaitCondition is set only while Status is StatusWaiting.
	WaitCondition *WaitCondition

	// Version increases monotonically with every persisted update and
	// drives optimistic-concurrency checks in the stores.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Result is what one interpreter invocation produces. It is the same
// shape as a Snapshot; the names differ only by role.
type Result = Snapshot
