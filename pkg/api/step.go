package api

import "time"

// StepKind identifies the variant of a Step. The set of kinds is closed;
// the interpreter dispatches on it with an exhaustive switch.
type StepKind string

const (
	KindSend    StepKind = "SEND"
	KindQuery   StepKind = "QUERY"
	KindPublish StepKind = "PUBLISH"
	KindIf      StepKind = "IF"
	KindSwitch  StepKind = "SWITCH"
	KindForEach StepKind = "FOR_EACH"
	KindWhenAll StepKind = "WHEN_ALL"
	KindWhenAny StepKind = "WHEN_ANY"
	KindDelay   StepKind = "DELAY"
	KindWait    StepKind = "WAIT"
)

// State is the user-defined mutable object a flow executes against.
// The interpreter treats it opaquely: it only reads it through the
// predicates and factories stored on steps.
type State interface {
	// FlowID identifies the flow instance this state belongs to.
	FlowID() string
}

// ChangeTracker is optionally implemented by State types that can
// enumerate which fields changed since the last checkpoint. It is
// consumed by persistence implementations, never by the interpreter.
type ChangeTracker interface {
	ChangedFields() []string
	MarkClean()
}

// ItemState wraps the flow state for one ForEach iteration. Step
// factories inside a ForEach body receive an *ItemState and can read
// the current item (and its index) while still reaching the shared
// parent state.
type ItemState struct {
	Parent State
	Item   any
	Index  int
}

// FlowID delegates to the parent state.
func (s *ItemState) FlowID() string { return s.Parent.FlowID() }

// MessageFactory builds the outbound message for a Send / Query /
// Publish step from the current state.
type MessageFactory func(s State) (any, error)

// ResultSetter projects a Query reply back into the state. It runs
// under the interpreter's state lock.
type ResultSetter func(s State, reply any)

// Predicate evaluates a condition against the current state.
type Predicate func(s State) bool

// Selector produces the Switch key for the current state. Keys are
// compared by value equality against the declared cases.
type Selector func(s State) string

// ItemsSelector produces the item sequence a ForEach step iterates.
type ItemsSelector func(s State) []any

// EventFactory builds an event to publish from the current state. A nil
// return suppresses publication.
type EventFactory func(s State) any

// WaitConditionFactory builds the WaitCondition a Wait step registers.
type WaitConditionFactory func(s State) WaitCondition

// EventProjection applies an arrived external event's payload to the
// state before a suspended flow resumes.
type EventProjection func(s State, payload any)

// FailureActionKind selects how a step failure (after the retry budget
// is exhausted) affects the surrounding step list.
type FailureActionKind string

const (
	// FailStop aborts the remainder of the current step list and
	// propagates the failure upward. It is the default.
	FailStop FailureActionKind = "STOP"

	// FailContinue records the error and proceeds to the next sibling.
	FailContinue FailureActionKind = "CONTINUE"

	// FailRetry grants one extra retry budget; if it is exhausted too,
	// Stop semantics apply.
	FailRetry FailureActionKind = "RETRY"
)

// FailureAction is the resolved failure policy of a step. The zero
// value means Stop.
type FailureAction struct {
	Kind FailureActionKind

	// ExtraRetries is the additional budget granted by FailRetry.
	ExtraRetries int
}

// ElseIfBranch is one (condition, body) pair of an If step, in source
// order.
type ElseIfBranch struct {
	Condition Predicate
	Steps     []Step
}

// SwitchCase is one (key, body) pair of a Switch step. Cases keep
// declaration order so their child index in a Position is stable.
type SwitchCase struct {
	Key   string
	Steps []Step
}

// Step is one node of a workflow definition: a tagged union over
// StepKind. Only the fields belonging to the step's Kind are
// meaningful; the rest stay zero and are ignored by the interpreter.
type Step struct {
	Kind StepKind

	// Name is a human-oriented label used in logs and observer
	// callbacks. The builder derives one when not set explicitly.
	Name string

	// Tag links the step to tag-scoped policy (timeout, retries,
	// persist) on the FlowDefinition. Unknown tags fall back to the
	// flow defaults.
	Tag string

	// IsOptional makes an exhausted failure count as a skip instead of
	// entering the failure path.
	IsOptional bool

	// Condition gates the step: when it evaluates false the step is
	// skipped entirely (no dispatch, no callbacks).
	Condition Predicate

	// Timeout overrides the resolved dispatch timeout when non-zero.
	Timeout time.Duration

	// MaxRetries overrides the flow's retry default when non-nil.
	MaxRetries *int

	FailureAction FailureAction

	// FailureCondition forces the failure path even after a nominally
	// successful dispatch.
	FailureCondition Predicate

	// OnCompleted / OnFailed build events published after the step
	// completes or fails, in addition to the flow-level callbacks.
	OnCompleted EventFactory
	OnFailed    EventFactory

	// Send / Query / Publish payload.
	Message      MessageFactory
	Destination  string
	ResultSetter ResultSetter

	// If payload.
	BranchCondition Predicate
	ThenBranch      []Step
	ElseIfBranches  []ElseIfBranch
	ElseBranch      []Step

	// Switch payload.
	SwitchSelector Selector
	Cases          []SwitchCase
	DefaultBranch  []Step

	// ForEach payload.
	ItemsSelector     ItemsSelector
	Body              []Step
	MaxParallelism    int
	BatchSize         int
	ContinueOnFailure bool

	// WhenAll / WhenAny payload. ContinueOnFailure above also governs
	// whether one WhenAll branch failure aborts the rest.
	ParallelBranches [][]Step

	// Delay payload.
	Duration time.Duration

	// Wait payload.
	WaitCondition WaitConditionFactory
	OnEvent       EventProjection
}
