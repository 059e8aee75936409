package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petrijr/sagaflow/internal/persistence"
	"github.com/petrijr/sagaflow/pkg/api"
)

// waitSuspension unwinds the walk when a Wait step registers its
// condition. It is a control signal, not a failure.
type waitSuspension struct {
	pos api.Position
	wc  api.WaitCondition
}

func (w *waitSuspension) Error() string {
	return "waiting for event: " + w.wc.CorrelationID
}

// stepFailure propagates Stop semantics: the remainder of every
// enclosing step list is aborted and the flow fails.
type stepFailure struct {
	pos api.Position
	err error
}

func (f *stepFailure) Error() string {
	return fmt.Sprintf("step %s failed: %v", f.pos, f.err)
}

func (f *stepFailure) Unwrap() error { return f.err }

// isControl reports whether err is a walk-control signal that must not
// enter the retry / failure-action machinery. A version conflict means
// another owner won the snapshot; it is surfaced to the caller, never
// retried and never converted into a step failure.
func isControl(err error) bool {
	var ws *waitSuspension
	var sf *stepFailure
	if errors.As(err, &ws) || errors.As(err, &sf) {
		return true
	}
	if errors.Is(err, persistence.ErrVersionConflict) {
		return true
	}
	// A dispatch failure stays retryable even when it wraps a deadline
	// hit; only bare context errors signal caller cancellation.
	var de *api.DispatchError
	if errors.As(err, &de) {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// parallelScope marks contexts executing inside a concurrent construct,
// where Wait steps are refused.
type parallelScopeKey struct{}

func inParallelScope(ctx context.Context) bool {
	v, _ := ctx.Value(parallelScopeKey{}).(bool)
	return v
}

// executor interprets one flow definition against one snapshot. It is
// single-use: the engine creates a fresh executor per invocation.
type executor struct {
	def       api.FlowDefinition
	transport api.Transport
	snapshots persistence.SnapshotStore
	waits     persistence.WaitStore
	observer  api.Observer
	snap      *api.Snapshot

	// stateMu serializes every state mutation (result setters, event
	// projections) issued by parallel workers. Concurrent
	// unsynchronized writes to the state object are disallowed by
	// contract.
	stateMu sync.Mutex
}

// run walks the root step list, resuming after resumeAt when it is not
// the root position. It returns nil on completion, a *waitSuspension
// when the flow parked on a Wait step, a *stepFailure on an unrecovered
// failure, a context error on cancellation, or a plain error on an
// infrastructure problem (e.g. a persistence conflict).
func (e *executor) run(ctx context.Context, resumeAt api.Position) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.runList(ctx, e.def.Steps, api.RootPosition(), resumeAt, e.snap.State)
}

// runList executes the steps of one list in declaration order. base is
// the absolute position prefix of the list; resume is the absolute
// cursor being resumed (it equals base for a fresh run). The resumed
// step itself is never re-executed: execution continues at its next
// sibling, descending through composite parents along the cursor.
func (e *executor) runList(ctx context.Context, steps []api.Step, base, resume api.Position, st api.State) error {
	if !resume.HasPrefix(base) {
		return fmt.Errorf("resume position %s does not descend from %s", resume, base)
	}

	start := 0
	if resume.Len() > base.Len() {
		idx := resume.At(base.Len())
		if idx < 0 || idx >= len(steps) {
			return fmt.Errorf("resume position %s out of range at %s", resume, base)
		}
		if resume.Len() > base.Len()+1 {
			if err := e.resumeInto(ctx, &steps[idx], base.WithChild(idx), resume, st); err != nil {
				return err
			}
		}
		start = idx + 1
	}

	for i := start; i < len(steps); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.runStep(ctx, &steps[i], base.WithChild(i), st); err != nil {
			return err
		}
	}
	return nil
}

// resumeInto re-enters a composite step the resume cursor descends
// through. Exact re-entry is supported for If, Switch and sequential
// ForEach; concurrent constructs are re-run from their start
// (at-least-once semantics for their branches).
func (e *executor) resumeInto(ctx context.Context, step *api.Step, pos, resume api.Position, st api.State) error {
	switch step.Kind {
	case api.KindIf, api.KindSwitch:
		sel := resume.At(pos.Len())
		branch, err := branchByIndex(step, sel)
		if err != nil {
			return err
		}
		return e.runList(ctx, branch, pos.WithChild(sel), resume, st)

	case api.KindForEach:
		if step.MaxParallelism > 1 {
			return e.runStep(ctx, step, pos, st)
		}
		items, err := safeItems(step.ItemsSelector, st)
		if err != nil {
			return e.resolveFailure(ctx, step, pos, st, err)
		}
		itemIdx := resume.At(pos.Len())
		if itemIdx < 0 || itemIdx >= len(items) {
			return fmt.Errorf("resume position %s names item %d of %d", resume, itemIdx, len(items))
		}
		for i := itemIdx; i < len(items); i++ {
			itemBase := pos.WithChild(i)
			r := itemBase
			if i == itemIdx {
				r = resume
			}
			is := &api.ItemState{Parent: st, Item: items[i], Index: i}
			if err := e.runList(ctx, step.Body, itemBase, r, is); err != nil {
				return err
			}
		}
		return nil

	case api.KindWhenAll, api.KindWhenAny:
		return e.runStep(ctx, step, pos, st)

	default:
		return fmt.Errorf("cannot resume into %s step at %s", step.Kind, pos)
	}
}

// branchByIndex maps a persisted branch-selector index back to a child
// step list: 0 is Then (or the first Case), positive indexes follow
// declaration order, and the ElseBranch sentinel names Else / Default.
func branchByIndex(step *api.Step, sel int) ([]api.Step, error) {
	switch step.Kind {
	case api.KindIf:
		switch {
		case sel == 0:
			return step.ThenBranch, nil
		case sel == api.ElseBranch:
			return step.ElseBranch, nil
		case sel >= 1 && sel <= len(step.ElseIfBranches):
			return step.ElseIfBranches[sel-1].Steps, nil
		}
	case api.KindSwitch:
		switch {
		case sel == api.ElseBranch:
			return step.DefaultBranch, nil
		case sel >= 0 && sel < len(step.Cases):
			return step.Cases[sel].Steps, nil
		}
	}
	return nil, fmt.Errorf("no branch %d on %s step", sel, step.Kind)
}

func stepName(step *api.Step) string {
	if step.Name != "" {
		return step.Name
	}
	return string(step.Kind)
}

// runStep executes a single fresh step: condition gate, dispatch with
// the resolved retry budget, failure-condition forcing, failure-action
// resolution, callbacks and checkpointing.
func (e *executor) runStep(ctx context.Context, step *api.Step, pos api.Position, st api.State) error {
	if step.Condition != nil {
		ok, err := safeBool(step.Condition, st)
		if err != nil {
			// A broken gate is a step failure; observers see the full
			// start/completed lifecycle for it.
			e.observer.OnStepStart(ctx, e.snap, stepName(step), pos)
			e.observer.OnStepCompleted(ctx, e.snap, stepName(step), pos, err, 0)
			return e.resolveFailure(ctx, step, pos, st, err)
		}
		if !ok {
			// Skipped: no dispatch, no callbacks.
			return nil
		}
	}

	e.observer.OnStepStart(ctx, e.snap, stepName(step), pos)
	started := time.Now()

	err := e.dispatchWithRetry(ctx, step, pos, st, e.def.EffectiveRetries(step))

	// FailureCondition forces the failure path even after a nominally
	// successful dispatch.
	if err == nil && step.FailureCondition != nil {
		forced, ferr := safeBool(step.FailureCondition, st)
		switch {
		case ferr != nil:
			err = ferr
		case forced:
			err = api.NewDispatchError("evaluate", errors.New("failure condition met"), false)
		}
	}

	// The FailRetry action grants one extra budget after the first one
	// is exhausted.
	if err != nil && !isControl(err) && !step.IsOptional &&
		step.FailureAction.Kind == api.FailRetry && step.FailureAction.ExtraRetries > 0 {
		err = e.dispatchWithRetry(ctx, step, pos, st, step.FailureAction.ExtraRetries-1)
	}

	var ws *waitSuspension
	if errors.As(err, &ws) {
		// Suspension is not a step completion; the engine records it.
		return err
	}

	e.observer.OnStepCompleted(ctx, e.snap, stepName(step), pos, err, time.Since(started))

	if err != nil {
		if isControl(err) {
			return err
		}
		return e.resolveFailure(ctx, step, pos, st, err)
	}

	e.emitStepEvent(ctx, step.OnCompleted, st)
	e.emitStepEvent(ctx, e.def.OnStepCompleted, st)

	return e.completeStep(ctx, step, pos)
}

// completeStep advances the cursor past a finished step and emits a
// checkpoint when the step's tag demands one.
func (e *executor) completeStep(ctx context.Context, step *api.Step, pos api.Position) error {
	e.stateMu.Lock()
	e.snap.Position = pos
	e.stateMu.Unlock()

	if e.def.PersistAfter(step) {
		return e.persist(ctx)
	}
	return nil
}

// resolveFailure applies IsOptional and the step's FailureAction to an
// exhausted failure.
func (e *executor) resolveFailure(ctx context.Context, step *api.Step, pos api.Position, st api.State, cause error) error {
	if step.IsOptional {
		// Optional failures count as skips.
		return e.completeStep(ctx, step, pos)
	}

	e.emitStepEvent(ctx, step.OnFailed, st)
	e.emitStepEvent(ctx, e.def.OnStepFailed, st)

	if step.FailureAction.Kind == api.FailContinue {
		e.stateMu.Lock()
		e.snap.Err = cause
		e.stateMu.Unlock()
		return e.completeStep(ctx, step, pos)
	}
	return &stepFailure{pos: pos, err: cause}
}

// emitStepEvent evaluates an event factory and publishes the event.
// Publication is best-effort: a broken callback must not change the
// outcome of an already-finished step.
func (e *executor) emitStepEvent(ctx context.Context, factory api.EventFactory, st api.State) {
	if factory == nil {
		return
	}
	e.stateMu.Lock()
	event, err := safeEvent(factory, st)
	e.stateMu.Unlock()
	if err != nil || event == nil {
		return
	}
	_ = e.transport.Publish(ctx, event)
}

// dispatchWithRetry runs one dispatch plus up to retries immediate
// re-attempts. Control signals and caller cancellation are never
// retried.
func (e *executor) dispatchWithRetry(ctx context.Context, step *api.Step, pos api.Position, st api.State, retries int) error {
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := e.dispatch(ctx, step, pos, st)
		if err == nil {
			return nil
		}
		if isControl(err) {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		lastErr = err
	}
	return lastErr
}

// dispatch routes a step to its kind-specific execution. The set of
// kinds is closed.
func (e *executor) dispatch(ctx context.Context, step *api.Step, pos api.Position, st api.State) error {
	switch step.Kind {
	case api.KindSend:
		msg, err := safeMessage(step.Message, st)
		if err != nil {
			return err
		}
		return e.callTransport(ctx, step, "send", func(dctx context.Context) error {
			return e.transport.Send(dctx, msg, step.Destination)
		})

	case api.KindPublish:
		msg, err := safeMessage(step.Message, st)
		if err != nil {
			return err
		}
		return e.callTransport(ctx, step, "publish", func(dctx context.Context) error {
			return e.transport.Publish(dctx, msg)
		})

	case api.KindQuery:
		msg, err := safeMessage(step.Message, st)
		if err != nil {
			return err
		}
		var reply any
		if err := e.callTransport(ctx, step, "query", func(dctx context.Context) error {
			var qerr error
			reply, qerr = e.transport.Query(dctx, msg)
			return qerr
		}); err != nil {
			return err
		}
		if step.ResultSetter != nil {
			e.stateMu.Lock()
			err = safeSetResult(step.ResultSetter, st, reply)
			e.stateMu.Unlock()
			return err
		}
		return nil

	case api.KindDelay:
		return e.dispatchDelay(ctx, step)

	case api.KindWait:
		return e.dispatchWait(ctx, step, pos, st)

	case api.KindIf:
		return e.dispatchIf(ctx, step, pos, st)

	case api.KindSwitch:
		return e.dispatchSwitch(ctx, step, pos, st)

	case api.KindForEach:
		return e.dispatchForEach(ctx, step, pos, st)

	case api.KindWhenAll:
		return e.dispatchWhenAll(ctx, step, pos, st)

	case api.KindWhenAny:
		return e.dispatchWhenAny(ctx, step, pos, st)

	default:
		return fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

// callTransport applies the resolved step timeout around a transport
// operation and classifies the outcome: caller cancellation wins, a
// deadline hit becomes a timeout dispatch error, everything else is
// wrapped as a plain dispatch error.
func (e *executor) callTransport(ctx context.Context, step *api.Step, op string, fn func(ctx context.Context) error) error {
	timeout := e.def.EffectiveTimeout(step)
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(dctx)
	if err == nil {
		return nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	var de *api.DispatchError
	if errors.As(err, &de) {
		return err
	}
	return api.NewDispatchError(op, err, errors.Is(err, context.DeadlineExceeded) || dctx.Err() != nil)
}

func (e *executor) dispatchDelay(ctx context.Context, step *api.Step) error {
	if step.Duration <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(step.Duration):
		return nil
	}
}

// dispatchWait registers the wait condition and unwinds the walk. The
// engine turns the suspension into a StatusWaiting snapshot; a Wait
// never blocks.
func (e *executor) dispatchWait(ctx context.Context, step *api.Step, pos api.Position, st api.State) error {
	if inParallelScope(ctx) {
		return api.NewDispatchError("wait",
			errors.New("wait steps are not supported inside parallel branches"), false)
	}
	if step.WaitCondition == nil {
		return api.NewDispatchError("wait", errors.New("wait step has no condition factory"), false)
	}

	e.stateMu.Lock()
	wc, err := safeWaitCondition(step.WaitCondition, st)
	e.stateMu.Unlock()
	if err != nil {
		return err
	}
	if wc.CorrelationID == "" {
		return api.NewDispatchError("wait", errors.New("wait condition has no correlation id"), false)
	}
	if wc.Mode == "" {
		wc.Mode = api.WaitSingle
	}
	if wc.Mode == api.WaitAll && wc.ExpectedCount <= 0 {
		return api.NewDispatchError("wait", errors.New("aggregate wait requires a positive expected count"), false)
	}
	if step.Timeout > 0 && wc.ExpiresAt.IsZero() {
		wc.ExpiresAt = time.Now().Add(step.Timeout)
	}

	if e.waits != nil {
		if serr := e.waits.SetWaitCondition(ctx, e.snap.FlowID, wc); serr != nil {
			return api.NewDispatchError("wait", serr, false)
		}
	}
	return &waitSuspension{pos: pos, wc: wc}
}

func (e *executor) dispatchIf(ctx context.Context, step *api.Step, pos api.Position, st api.State) error {
	ok, err := safeBool(step.BranchCondition, st)
	if err != nil {
		return err
	}

	sel := api.ElseBranch
	var branch []api.Step
	switch {
	case ok:
		sel, branch = 0, step.ThenBranch
	default:
		for i, alt := range step.ElseIfBranches {
			matched, err := safeBool(alt.Condition, st)
			if err != nil {
				return err
			}
			if matched {
				sel, branch = i+1, alt.Steps
				break
			}
		}
		if sel == api.ElseBranch {
			branch = step.ElseBranch
		}
	}

	child := pos.WithChild(sel)
	return e.runList(ctx, branch, child, child, st)
}

func (e *executor) dispatchSwitch(ctx context.Context, step *api.Step, pos api.Position, st api.State) error {
	key, err := safeSelector(step.SwitchSelector, st)
	if err != nil {
		return err
	}

	sel := api.ElseBranch
	branch := step.DefaultBranch
	for i, c := range step.Cases {
		if c.Key == key {
			sel, branch = i, c.Steps
			break
		}
	}

	child := pos.WithChild(sel)
	return e.runList(ctx, branch, child, child, st)
}

// persist writes the live snapshot with an optimistic version bump.
// A conflict means another owner won; it is surfaced, never retried.
func (e *executor) persist(ctx context.Context) error {
	if e.snapshots == nil {
		return nil
	}
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	expected := e.snap.Version
	e.snap.Version++
	e.snap.UpdatedAt = time.Now()

	ok, err := e.snapshots.UpdateSnapshot(ctx, e.snap, expected)
	if err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	if !ok {
		return persistence.ErrVersionConflict
	}
	return nil
}
