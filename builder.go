package sagaflow

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/petrijr/sagaflow/pkg/api"
)

// FlowBuilder accumulates one flow definition through fluent calls.
// Step calls append to the list currently in scope; If/Switch/ForEach/
// WhenAll/WhenAny open nested scopes that the matching End call closes.
// Scopes close in strict LIFO order; violating that is a programming
// error and panics at build time. A builder is not safe for concurrent
// use; distinct builders share nothing.
type FlowBuilder struct {
	def    api.FlowDefinition
	frames []*scopeFrame
}

type scopeKind int

const (
	scopeRoot scopeKind = iota
	scopeIf
	scopeSwitch
	scopeForEach
	scopeWhen
)

func (k scopeKind) String() string {
	switch k {
	case scopeIf:
		return "If"
	case scopeSwitch:
		return "Switch"
	case scopeForEach:
		return "ForEach"
	case scopeWhen:
		return "WhenAll/WhenAny"
	default:
		return "flow"
	}
}

// scopeFrame is one level of the insertion stack: the composite step
// under construction plus the list steps are currently appended to.
type scopeFrame struct {
	kind scopeKind
	step api.Step

	// list is the open insertion buffer (Then branch, case body, loop
	// body, parallel branch, or the root list).
	list []api.Step

	// slot tracks which If section the buffer belongs to: 0 is Then,
	// 1..n are ElseIfs, api.ElseBranch is Else.
	slot        int
	pendingCond api.Predicate

	// Switch bookkeeping: a body may only be open after Case/Default.
	sectionOpen bool
	caseKey     string
}

// NewFlow starts a builder for a named flow.
func NewFlow(name string) *FlowBuilder {
	if name == "" {
		panic("sagaflow: flow name must not be empty")
	}
	b := &FlowBuilder{
		def: api.FlowDefinition{
			FlowName:       name,
			TaggedTimeouts: make(map[string]time.Duration),
			TaggedRetries:  make(map[string]int),
			TaggedPersist:  make(map[string]struct{}),
		},
	}
	b.frames = []*scopeFrame{{kind: scopeRoot, sectionOpen: true}}
	return b
}

func (b *FlowBuilder) top() *scopeFrame {
	return b.frames[len(b.frames)-1]
}

func (b *FlowBuilder) push(f *scopeFrame) *FlowBuilder {
	b.frames = append(b.frames, f)
	return b
}

// pop closes the top frame; the caller has already folded the open
// buffer into the composite step.
func (b *FlowBuilder) pop(want scopeKind, call string) *scopeFrame {
	f := b.top()
	if f.kind != want {
		panic(fmt.Sprintf("sagaflow: %s closes a %s scope, but the open scope is %s", call, want, f.kind))
	}
	b.frames = b.frames[:len(b.frames)-1]
	return f
}

func (b *FlowBuilder) append(s api.Step) *FlowBuilder {
	f := b.top()
	if !f.sectionOpen {
		panic("sagaflow: steps inside Switch must follow a Case or Default call")
	}
	f.list = append(f.list, s)
	return b
}

// last returns the most recently appended step of the open buffer, for
// the per-step modifier calls.
func (b *FlowBuilder) last(call string) *api.Step {
	f := b.top()
	if len(f.list) == 0 {
		panic(fmt.Sprintf("sagaflow: %s must follow a step call", call))
	}
	return &f.list[len(f.list)-1]
}

// Send appends a step that builds a command from state and sends it to
// the named destination.
func (b *FlowBuilder) Send(destination string, f api.MessageFactory) *FlowBuilder {
	if f == nil {
		panic("sagaflow: Send requires a message factory")
	}
	return b.append(api.Step{Kind: api.KindSend, Destination: destination, Message: f})
}

// Publish appends a step that builds an event from state and publishes
// it to all subscribers.
func (b *FlowBuilder) Publish(f api.MessageFactory) *FlowBuilder {
	if f == nil {
		panic("sagaflow: Publish requires a message factory")
	}
	return b.append(api.Step{Kind: api.KindPublish, Message: f})
}

// Query appends a request/reply step; set receives the reply before
// the next step runs.
func (b *FlowBuilder) Query(f api.MessageFactory, set api.ResultSetter) *FlowBuilder {
	if f == nil {
		panic("sagaflow: Query requires a message factory")
	}
	return b.append(api.Step{Kind: api.KindQuery, Message: f, ResultSetter: set})
}

// Delay appends a cancellable in-process timer step. It produces no
// persisted wait.
func (b *FlowBuilder) Delay(d time.Duration) *FlowBuilder {
	return b.append(api.Step{Kind: api.KindDelay, Duration: d})
}

// WaitFor appends a suspension point: the flow parks until an event
// arrives for the condition's correlation id.
func (b *FlowBuilder) WaitFor(f api.WaitConditionFactory) *FlowBuilder {
	if f == nil {
		panic("sagaflow: WaitFor requires a wait condition factory")
	}
	return b.append(api.Step{Kind: api.KindWait, WaitCondition: f})
}

// WaitForAll appends an aggregate suspension point that resumes only
// after expected correlated events have arrived. The count from the
// factory wins when it sets one.
func (b *FlowBuilder) WaitForAll(expected int, f api.WaitConditionFactory) *FlowBuilder {
	if f == nil {
		panic("sagaflow: WaitForAll requires a wait condition factory")
	}
	if expected <= 0 {
		panic("sagaflow: WaitForAll requires a positive expected count")
	}
	wrapped := func(s api.State) api.WaitCondition {
		wc := f(s)
		wc.Mode = api.WaitAll
		if wc.ExpectedCount == 0 {
			wc.ExpectedCount = expected
		}
		return wc
	}
	return b.append(api.Step{Kind: api.KindWait, WaitCondition: wrapped})
}

// If opens a conditional scope; steps up to the next ElseIf/Else/EndIf
// form the Then branch.
func (b *FlowBuilder) If(p api.Predicate) *FlowBuilder {
	if p == nil {
		panic("sagaflow: If requires a predicate")
	}
	return b.push(&scopeFrame{
		kind:        scopeIf,
		step:        api.Step{Kind: api.KindIf, BranchCondition: p},
		sectionOpen: true,
	})
}

// closeIfSection folds the open buffer into the slot it was filling.
func (f *scopeFrame) closeIfSection() {
	switch {
	case f.slot == 0:
		f.step.ThenBranch = f.list
	case f.slot == api.ElseBranch:
		f.step.ElseBranch = f.list
	default:
		f.step.ElseIfBranches = append(f.step.ElseIfBranches,
			api.ElseIfBranch{Condition: f.pendingCond, Steps: f.list})
	}
	f.list = nil
}

func (b *FlowBuilder) ElseIf(p api.Predicate) *FlowBuilder {
	if p == nil {
		panic("sagaflow: ElseIf requires a predicate")
	}
	f := b.top()
	if f.kind != scopeIf {
		panic("sagaflow: ElseIf outside an If scope")
	}
	if f.slot == api.ElseBranch {
		panic("sagaflow: ElseIf after Else")
	}
	f.closeIfSection()
	f.slot++
	f.pendingCond = p
	return b
}

func (b *FlowBuilder) Else() *FlowBuilder {
	f := b.top()
	if f.kind != scopeIf {
		panic("sagaflow: Else outside an If scope")
	}
	if f.slot == api.ElseBranch {
		panic("sagaflow: duplicate Else")
	}
	f.closeIfSection()
	f.slot = api.ElseBranch
	return b
}

func (b *FlowBuilder) EndIf() *FlowBuilder {
	f := b.pop(scopeIf, "EndIf")
	f.closeIfSection()
	return b.append(f.step)
}

// Switch opens a multi-way scope keyed by the selector's value. Steps
// may only be added after a Case or Default call.
func (b *FlowBuilder) Switch(sel api.Selector) *FlowBuilder {
	if sel == nil {
		panic("sagaflow: Switch requires a selector")
	}
	return b.push(&scopeFrame{
		kind: scopeSwitch,
		step: api.Step{Kind: api.KindSwitch, SwitchSelector: sel},
	})
}

func (f *scopeFrame) closeSwitchSection() {
	if !f.sectionOpen {
		return
	}
	if f.slot == api.ElseBranch {
		f.step.DefaultBranch = f.list
	} else {
		f.step.Cases = append(f.step.Cases, api.SwitchCase{Key: f.caseKey, Steps: f.list})
	}
	f.list = nil
	f.sectionOpen = false
}

func (b *FlowBuilder) Case(key string) *FlowBuilder {
	f := b.top()
	if f.kind != scopeSwitch {
		panic("sagaflow: Case outside a Switch scope")
	}
	if f.slot == api.ElseBranch {
		panic("sagaflow: Case after Default")
	}
	f.closeSwitchSection()
	f.caseKey = key
	f.sectionOpen = true
	return b
}

func (b *FlowBuilder) Default() *FlowBuilder {
	f := b.top()
	if f.kind != scopeSwitch {
		panic("sagaflow: Default outside a Switch scope")
	}
	if f.slot == api.ElseBranch {
		panic("sagaflow: duplicate Default")
	}
	f.closeSwitchSection()
	f.slot = api.ElseBranch
	f.sectionOpen = true
	return b
}

func (b *FlowBuilder) EndSwitch() *FlowBuilder {
	f := b.pop(scopeSwitch, "EndSwitch")
	f.closeSwitchSection()
	return b.append(f.step)
}

// ForEach opens a loop scope over the items the selector yields at
// execution time. Bodies see the current item through *ItemState.
func (b *FlowBuilder) ForEach(items api.ItemsSelector) *FlowBuilder {
	if items == nil {
		panic("sagaflow: ForEach requires an items selector")
	}
	return b.push(&scopeFrame{
		kind:        scopeForEach,
		step:        api.Step{Kind: api.KindForEach, ItemsSelector: items},
		sectionOpen: true,
	})
}

func (b *FlowBuilder) EndForEach() *FlowBuilder {
	f := b.pop(scopeForEach, "EndForEach")
	f.step.Body = f.list
	return b.append(f.step)
}

// WhenAll opens a parallel scope whose branches must all complete.
// Branch starts each subsequent branch; EndWhen closes the scope.
func (b *FlowBuilder) WhenAll() *FlowBuilder {
	return b.push(&scopeFrame{
		kind:        scopeWhen,
		step:        api.Step{Kind: api.KindWhenAll},
		sectionOpen: true,
	})
}

// WhenAny opens a parallel scope that succeeds on the first branch to
// complete, cancelling the rest.
func (b *FlowBuilder) WhenAny() *FlowBuilder {
	return b.push(&scopeFrame{
		kind:        scopeWhen,
		step:        api.Step{Kind: api.KindWhenAny},
		sectionOpen: true,
	})
}

// Branch closes the current parallel branch and starts the next one.
func (b *FlowBuilder) Branch() *FlowBuilder {
	f := b.top()
	if f.kind != scopeWhen {
		panic("sagaflow: Branch outside a WhenAll/WhenAny scope")
	}
	f.step.ParallelBranches = append(f.step.ParallelBranches, f.list)
	f.list = nil
	return b
}

func (b *FlowBuilder) EndWhen() *FlowBuilder {
	f := b.pop(scopeWhen, "EndWhen")
	f.step.ParallelBranches = append(f.step.ParallelBranches, f.list)
	return b.append(f.step)
}

// Named labels the most recent step for logs and observer callbacks.
func (b *FlowBuilder) Named(name string) *FlowBuilder {
	b.last("Named").Name = name
	return b
}

// Tagged links the most recent step to tag-scoped policy.
func (b *FlowBuilder) Tagged(tag string) *FlowBuilder {
	b.last("Tagged").Tag = tag
	return b
}

// Optional makes an exhausted failure of the most recent step count as
// a skip.
func (b *FlowBuilder) Optional() *FlowBuilder {
	b.last("Optional").IsOptional = true
	return b
}

// When gates the most recent step on a predicate; false skips it.
func (b *FlowBuilder) When(p api.Predicate) *FlowBuilder {
	if p == nil {
		panic("sagaflow: When requires a predicate")
	}
	b.last("When").Condition = p
	return b
}

// WithTimeout overrides the dispatch timeout of the most recent step.
func (b *FlowBuilder) WithTimeout(d time.Duration) *FlowBuilder {
	b.last("WithTimeout").Timeout = d
	return b
}

// WithRetries overrides the retry budget of the most recent step.
func (b *FlowBuilder) WithRetries(n int) *FlowBuilder {
	if n < 0 {
		panic("sagaflow: WithRetries requires a non-negative count")
	}
	s := b.last("WithRetries")
	s.MaxRetries = &n
	return b
}

// OnFailure sets the failure action of the most recent step. See
// ContinueOnError, StopOnError and RetryMore.
func (b *FlowBuilder) OnFailure(a api.FailureAction) *FlowBuilder {
	b.last("OnFailure").FailureAction = a
	return b
}

// FailWhen forces the most recent step into the failure path when the
// predicate evaluates true after a successful dispatch.
func (b *FlowBuilder) FailWhen(p api.Predicate) *FlowBuilder {
	if p == nil {
		panic("sagaflow: FailWhen requires a predicate")
	}
	b.last("FailWhen").FailureCondition = p
	return b
}

// OnCompleted publishes the built event after the most recent step
// completes.
func (b *FlowBuilder) OnCompleted(f api.EventFactory) *FlowBuilder {
	b.last("OnCompleted").OnCompleted = f
	return b
}

// OnFailed publishes the built event when the most recent step enters
// the failure path.
func (b *FlowBuilder) OnFailed(f api.EventFactory) *FlowBuilder {
	b.last("OnFailed").OnFailed = f
	return b
}

// OnEvent sets the projection applied to state when the awaited event
// arrives. The most recent step must be a Wait.
func (b *FlowBuilder) OnEvent(p api.EventProjection) *FlowBuilder {
	s := b.last("OnEvent")
	if s.Kind != api.KindWait {
		panic("sagaflow: OnEvent applies to a WaitFor step")
	}
	s.OnEvent = p
	return b
}

// Parallel bounds the number of item bodies the most recent ForEach
// runs concurrently within a wave.
func (b *FlowBuilder) Parallel(n int) *FlowBuilder {
	s := b.last("Parallel")
	if s.Kind != api.KindForEach {
		panic("sagaflow: Parallel applies to a ForEach step")
	}
	if n <= 0 {
		panic("sagaflow: Parallel requires a positive limit")
	}
	s.MaxParallelism = n
	return b
}

// Batch partitions the most recent ForEach into strictly sequential
// waves of n items.
func (b *FlowBuilder) Batch(n int) *FlowBuilder {
	s := b.last("Batch")
	if s.Kind != api.KindForEach {
		panic("sagaflow: Batch applies to a ForEach step")
	}
	if n <= 0 {
		panic("sagaflow: Batch requires a positive size")
	}
	s.BatchSize = n
	return b
}

// ContinueOnFailure records item or branch failures on the snapshot
// instead of aborting the most recent ForEach/WhenAll step.
func (b *FlowBuilder) ContinueOnFailure() *FlowBuilder {
	s := b.last("ContinueOnFailure")
	if s.Kind != api.KindForEach && s.Kind != api.KindWhenAll {
		panic("sagaflow: ContinueOnFailure applies to a ForEach or WhenAll step")
	}
	s.ContinueOnFailure = true
	return b
}

// WithDefaultTimeout sets the flow-wide dispatch timeout fallback.
func (b *FlowBuilder) WithDefaultTimeout(d time.Duration) *FlowBuilder {
	b.def.DefaultTimeout = d
	return b
}

// WithDefaultRetries sets the flow-wide retry budget fallback.
func (b *FlowBuilder) WithDefaultRetries(n int) *FlowBuilder {
	b.def.DefaultRetries = n
	return b
}

// TimeoutTagger binds a timeout to tags; see FlowBuilder.Timeout.
type TimeoutTagger struct {
	b *FlowBuilder
	d time.Duration
}

// Timeout starts a tag-scoped timeout assignment:
// Timeout(30*time.Second).ForTag("payment"). Tag configuration is
// independent of step order.
func (b *FlowBuilder) Timeout(d time.Duration) TimeoutTagger {
	return TimeoutTagger{b: b, d: d}
}

func (t TimeoutTagger) ForTag(tag string) *FlowBuilder {
	t.b.def.TaggedTimeouts[tag] = t.d
	return t.b
}

// RetryTagger binds a retry budget to tags; see FlowBuilder.Retry.
type RetryTagger struct {
	b *FlowBuilder
	n int
}

// Retry starts a tag-scoped retry assignment: Retry(3).ForTag("payment").
func (b *FlowBuilder) Retry(n int) RetryTagger {
	return RetryTagger{b: b, n: n}
}

func (t RetryTagger) ForTag(tag string) *FlowBuilder {
	t.b.def.TaggedRetries[tag] = t.n
	return t.b
}

// PersistTagger binds checkpointing to tags; see FlowBuilder.Persist.
type PersistTagger struct {
	b *FlowBuilder
}

// Persist starts a tag-scoped checkpoint assignment: a snapshot is
// written after every step carrying the tag completes.
func (b *FlowBuilder) Persist() PersistTagger {
	return PersistTagger{b: b}
}

func (t PersistTagger) ForTag(tag string) *FlowBuilder {
	t.b.def.TaggedPersist[tag] = struct{}{}
	return t.b
}

// OnFlowCompleted publishes the built event when the flow completes.
func (b *FlowBuilder) OnFlowCompleted(f api.EventFactory) *FlowBuilder {
	b.def.OnFlowCompleted = f
	return b
}

// OnFlowFailed publishes the built event when the flow fails.
func (b *FlowBuilder) OnFlowFailed(f api.EventFactory) *FlowBuilder {
	b.def.OnFlowFailed = f
	return b
}

// OnEveryStepCompleted publishes the built event after every step
// completion, in addition to any per-step OnCompleted.
func (b *FlowBuilder) OnEveryStepCompleted(f api.EventFactory) *FlowBuilder {
	b.def.OnStepCompleted = f
	return b
}

// OnEveryStepFailed publishes the built event on every step failure,
// in addition to any per-step OnFailed.
func (b *FlowBuilder) OnEveryStepFailed(f api.EventFactory) *FlowBuilder {
	b.def.OnStepFailed = f
	return b
}

// Build returns the accumulated flow definition. Every scope must be
// closed. Build does not consume the builder; the returned definition
// shares nothing mutable with it.
func (b *FlowBuilder) Build() api.FlowDefinition {
	if len(b.frames) != 1 {
		panic(fmt.Sprintf("sagaflow: Build with an unclosed %s scope", b.top().kind))
	}
	def := b.def
	def.Steps = slices.Clone(b.frames[0].list)
	def.TaggedTimeouts = maps.Clone(b.def.TaggedTimeouts)
	def.TaggedRetries = maps.Clone(b.def.TaggedRetries)
	def.TaggedPersist = maps.Clone(b.def.TaggedPersist)
	return def
}

// ContinueOnError resolves an exhausted failure by recording the error
// and proceeding to the next sibling.
func ContinueOnError() api.FailureAction {
	return api.FailureAction{Kind: api.FailContinue}
}

// StopOnError aborts the remainder of the current step list and
// propagates the failure. It is the zero-value default.
func StopOnError() api.FailureAction {
	return api.FailureAction{Kind: api.FailStop}
}

// RetryMore grants one extra retry budget of n attempts after the
// regular budget is exhausted.
func RetryMore(n int) api.FailureAction {
	return api.FailureAction{Kind: api.FailRetry, ExtraRetries: n}
}
