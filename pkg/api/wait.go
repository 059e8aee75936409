package api

import "time"

// WaitMode distinguishes single-event waits from aggregate waits that
// require a number of correlated arrivals before the flow resumes.
type WaitMode string

const (
	WaitSingle WaitMode = "SINGLE"
	WaitAll    WaitMode = "ALL"
)

// WaitCondition describes the external event(s) a suspended flow is
// waiting for. It is persisted next to the snapshot and matched against
// inbound events by correlation id.
type WaitCondition struct {
	// CorrelationID matches an inbound event to this suspended flow.
	CorrelationID string

	// Type names the expected event type.
	Type string

	// Mode defaults to WaitSingle when empty.
	Mode WaitMode

	// ExpectedCount is the number of arrivals required in WaitAll mode.
	ExpectedCount int

	// CompletedCount is maintained by the correlation router, not the
	// interpreter: each invocation of the interpreter already sees
	// fully updated state.
	CompletedCount int

	// ExpiresAt, when non-zero, lets a sweeper expire the wait and
	// resume the flow with a timeout payload.
	ExpiresAt time.Time
}

// Satisfied reports whether enough arrivals have been recorded.
func (w WaitCondition) Satisfied() bool {
	if w.Mode == WaitAll {
		return w.CompletedCount >= w.ExpectedCount
	}
	return w.CompletedCount >= 1
}

// TimeoutPayload is delivered as the event payload when a wait expires
// instead of being satisfied. Wait projections can detect it to branch
// on timeout.
type TimeoutPayload struct {
	Reason string
}
