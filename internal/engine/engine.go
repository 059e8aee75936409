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

// ErrFlowAlreadyStarted is returned by Start when a snapshot for the
// flow id already exists.
var ErrFlowAlreadyStarted = errors.New("flow already started")

// ErrFlowActive is returned when an invocation is rejected because the
// same flow instance is already being executed by this engine.
var ErrFlowActive = errors.New("flow is already executing")

// Config carries the collaborators an Engine is wired with. Transport
// and Persistence.Snapshots are required; a nil Observer means no
// observation, a nil WaitStore disables Wait steps.
type Config struct {
	Transport   api.Transport
	Persistence persistence.Persistence
	Observer    api.Observer
}

// Engine interprets registered flow definitions against durable
// snapshots. It is safe for concurrent use; each flow instance is
// additionally guarded against concurrent in-process invocations.
type Engine struct {
	registry  *flowRegistry
	transport api.Transport
	store     persistence.Persistence
	observer  api.Observer

	mu     sync.Mutex
	active map[string]struct{}
}

var _ api.Engine = (*Engine)(nil)

func New(cfg Config) (*Engine, error) {
	if cfg.Transport == nil {
		return nil, errors.New("engine: transport is required")
	}
	if cfg.Persistence.Snapshots == nil {
		return nil, errors.New("engine: snapshot store is required")
	}
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	return &Engine{
		registry:  newFlowRegistry(),
		transport: cfg.Transport,
		store:     cfg.Persistence,
		observer:  obs,
		active:    make(map[string]struct{}),
	}, nil
}

// Stores exposes the persistence the engine was wired with, so a
// surrounding scheduler can share its claim and wait stores.
func (e *Engine) Stores() persistence.Persistence { return e.store }

func (e *Engine) RegisterFlow(def api.FlowDefinition) error {
	if def.FlowName == "" {
		return errors.New("engine: flow definition has no name")
	}
	// An empty step list is legal: starting such a flow completes
	// immediately with the state untouched.
	return e.registry.Register(def)
}

// acquire takes the in-process run guard for flowID.
func (e *Engine) acquire(flowID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.active[flowID]; busy {
		return fmt.Errorf("%w: %s", ErrFlowActive, flowID)
	}
	e.active[flowID] = struct{}{}
	return nil
}

func (e *Engine) release(flowID string) {
	e.mu.Lock()
	delete(e.active, flowID)
	e.mu.Unlock()
}

// Start creates the snapshot for state.FlowID() and runs the flow from
// the beginning. The returned result reflects the flow when this
// invocation ended: completed, failed, waiting, or still running when
// the context was cancelled mid-flight.
func (e *Engine) Start(ctx context.Context, flowName string, state api.State) (*api.Result, error) {
	def, err := e.registry.Get(flowName)
	if err != nil {
		return nil, err
	}
	if state == nil || state.FlowID() == "" {
		return nil, errors.New("engine: state must carry a non-empty flow id")
	}

	now := time.Now()
	snap := &api.Snapshot{
		FlowID:    state.FlowID(),
		FlowName:  flowName,
		Status:    api.StatusRunning,
		State:     state,
		Position:  api.RootPosition(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	created, err := e.store.Snapshots.CreateSnapshot(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}
	if !created {
		return nil, fmt.Errorf("%w: %s", ErrFlowAlreadyStarted, snap.FlowID)
	}

	if err := e.acquire(snap.FlowID); err != nil {
		return nil, err
	}
	defer e.release(snap.FlowID)

	e.observer.OnFlowStart(ctx, snap)
	return e.execute(ctx, def, snap, api.RootPosition())
}

// Resume continues a Failed flow (re-attempting the failed step) or a
// stale Running flow (continuing after the last completed step).
// Waiting flows are resumed through HandleEvent or ExpireWait.
func (e *Engine) Resume(ctx context.Context, flowID string) (*api.Result, error) {
	snap, err := e.loadSnapshot(ctx, flowID)
	if err != nil {
		return nil, err
	}

	var resumeAt api.Position
	switch snap.Status {
	case api.StatusFailed:
		resumeAt = resumeForRetry(snap.Position)
	case api.StatusRunning, api.StatusPending:
		resumeAt = snap.Position
	case api.StatusWaiting:
		return nil, fmt.Errorf("engine: flow %s is waiting for an event; deliver it through HandleEvent", flowID)
	default:
		return nil, fmt.Errorf("engine: flow %s is %s and cannot be resumed", flowID, snap.Status)
	}

	def, err := e.registry.Get(snap.FlowName)
	if err != nil {
		return nil, err
	}
	if err := e.acquire(flowID); err != nil {
		return nil, err
	}
	defer e.release(flowID)

	snap.Status = api.StatusRunning
	snap.Err = nil
	return e.execute(ctx, def, snap, resumeAt)
}

// HandleEvent routes one correlated event to the flow waiting on
// correlationID. For an aggregate wait that is still short of its
// expected count the flow stays suspended and the updated snapshot is
// returned; otherwise the wait is consumed and the flow resumes.
func (e *Engine) HandleEvent(ctx context.Context, correlationID string, payload any) (*api.Result, error) {
	return e.deliver(ctx, correlationID, payload, false)
}

// ExpireWait resumes the flow waiting on correlationID with a
// TimeoutPayload. Aggregate counts are ignored: the wait is over.
func (e *Engine) ExpireWait(ctx context.Context, correlationID string, reason string) (*api.Result, error) {
	return e.deliver(ctx, correlationID, api.TimeoutPayload{Reason: reason}, true)
}

func (e *Engine) deliver(ctx context.Context, correlationID string, payload any, expire bool) (*api.Result, error) {
	if e.store.Waits == nil {
		return nil, errors.New("engine: no wait store configured")
	}
	entry, err := e.store.Waits.GetWaitCondition(ctx, correlationID)
	if err != nil {
		return nil, err
	}

	snap, err := e.loadSnapshot(ctx, entry.FlowID)
	if err != nil {
		return nil, err
	}
	if snap.Status != api.StatusWaiting {
		return nil, fmt.Errorf("engine: flow %s is %s, not waiting", snap.FlowID, snap.Status)
	}

	def, err := e.registry.Get(snap.FlowName)
	if err != nil {
		return nil, err
	}
	if err := e.acquire(snap.FlowID); err != nil {
		return nil, err
	}
	defer e.release(snap.FlowID)

	step, err := stepAt(&def, snap.Position)
	if err != nil {
		return nil, err
	}
	if step.Kind != api.KindWait {
		return nil, fmt.Errorf("engine: position %s of flow %s is not a wait step", snap.Position, snap.FlowID)
	}

	// Project the payload into user state before deciding whether the
	// wait is satisfied, so aggregate waits accumulate every arrival.
	if step.OnEvent != nil {
		if perr := safeProject(step.OnEvent, snap.State, payload); perr != nil {
			return nil, perr
		}
	}

	wc := entry.Condition
	wc.CompletedCount++

	if !expire && !wc.Satisfied() {
		if err := e.store.Waits.SetWaitCondition(ctx, snap.FlowID, wc); err != nil {
			return nil, fmt.Errorf("update wait condition: %w", err)
		}
		snap.WaitCondition = &wc
		if err := e.persistSnapshot(ctx, snap); err != nil {
			return nil, err
		}
		return snap, nil
	}

	if err := e.store.Waits.DeleteWaitCondition(ctx, correlationID); err != nil {
		return nil, fmt.Errorf("delete wait condition: %w", err)
	}
	snap.Status = api.StatusRunning
	snap.WaitCondition = nil
	return e.execute(ctx, def, snap, snap.Position)
}

// Cancel marks a non-terminal flow as cancelled and drops any pending
// wait condition. A cancelled flow cannot be resumed.
func (e *Engine) Cancel(ctx context.Context, flowID string) (*api.Snapshot, error) {
	snap, err := e.loadSnapshot(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if snap.Status.Terminal() {
		return nil, fmt.Errorf("engine: flow %s is already %s", flowID, snap.Status)
	}

	if snap.WaitCondition != nil && e.store.Waits != nil {
		if derr := e.store.Waits.DeleteWaitCondition(ctx, snap.WaitCondition.CorrelationID); derr != nil {
			return nil, fmt.Errorf("delete wait condition: %w", derr)
		}
	}

	snap.Status = api.StatusCancelled
	snap.WaitCondition = nil
	if err := e.persistSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (e *Engine) GetSnapshot(ctx context.Context, flowID string) (*api.Snapshot, error) {
	return e.loadSnapshot(ctx, flowID)
}

func (e *Engine) ListSnapshots(ctx context.Context, filter api.SnapshotFilter) ([]*api.Snapshot, error) {
	return e.store.Snapshots.ListSnapshots(ctx, filter)
}

func (e *Engine) loadSnapshot(ctx context.Context, flowID string) (*api.Snapshot, error) {
	snap, err := e.store.Snapshots.GetSnapshot(ctx, flowID)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// execute runs the interpreter once and finalizes the snapshot
// according to how the walk ended.
func (e *Engine) execute(ctx context.Context, def api.FlowDefinition, snap *api.Snapshot, resumeAt api.Position) (*api.Result, error) {
	ex := &executor{
		def:       def,
		transport: e.transport,
		snapshots: e.store.Snapshots,
		waits:     e.store.Waits,
		observer:  e.observer,
		snap:      snap,
	}

	err := ex.run(ctx, resumeAt)

	var ws *waitSuspension
	var sf *stepFailure
	switch {
	case err == nil:
		// Err is kept as recorded: Continue failure actions and
		// continue-on-failure joins complete the flow with their errors
		// on the ledger.
		snap.Status = api.StatusCompleted
		if perr := ex.persist(ctx); perr != nil {
			return snap, perr
		}
		e.publishFlowEvent(ctx, def.OnFlowCompleted, snap.State)
		e.observer.OnFlowCompleted(ctx, snap)
		return snap, nil

	case errors.As(err, &ws):
		snap.Status = api.StatusWaiting
		snap.Position = ws.pos
		snap.WaitCondition = &ws.wc
		if perr := ex.persist(ctx); perr != nil {
			return snap, perr
		}
		e.observer.OnFlowWaiting(ctx, snap, ws.wc)
		return snap, nil

	case errors.As(err, &sf):
		snap.Status = api.StatusFailed
		snap.Position = sf.pos
		snap.Err = sf.err
		if perr := ex.persist(ctx); perr != nil {
			return snap, perr
		}
		e.publishFlowEvent(ctx, def.OnFlowFailed, snap.State)
		e.observer.OnFlowFailed(ctx, snap, sf.err)
		return snap, nil

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Interrupted mid-flight: the snapshot keeps its last
		// checkpoint; a later Resume picks it up.
		return snap, err

	default:
		return snap, err
	}
}

// publishFlowEvent builds and publishes a flow-level event.
// Best-effort: the flow outcome is already decided.
func (e *Engine) publishFlowEvent(ctx context.Context, factory api.EventFactory, st api.State) {
	if factory == nil {
		return
	}
	event, err := safeEvent(factory, st)
	if err != nil || event == nil {
		return
	}
	_ = e.transport.Publish(ctx, event)
}

func (e *Engine) persistSnapshot(ctx context.Context, snap *api.Snapshot) error {
	expected := snap.Version
	snap.Version++
	snap.UpdatedAt = time.Now()
	ok, err := e.store.Snapshots.UpdateSnapshot(ctx, snap, expected)
	if err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	if !ok {
		return persistence.ErrVersionConflict
	}
	return nil
}

// stepAt resolves a position to the step it names. Composite levels
// consume two path elements: the step's index in its list and the
// branch (or item) selector beneath it.
func stepAt(def *api.FlowDefinition, pos api.Position) (*api.Step, error) {
	steps := def.Steps
	i := 0
	for {
		if i >= pos.Len() {
			return nil, fmt.Errorf("position %s does not name a step", pos)
		}
		idx := pos.At(i)
		if idx < 0 || idx >= len(steps) {
			return nil, fmt.Errorf("position %s out of range at element %d", pos, i)
		}
		step := &steps[idx]
		if i == pos.Len()-1 {
			return step, nil
		}

		sel := pos.At(i + 1)
		switch step.Kind {
		case api.KindIf, api.KindSwitch:
			branch, err := branchByIndex(step, sel)
			if err != nil {
				return nil, err
			}
			steps = branch
		case api.KindForEach:
			if sel < 0 {
				return nil, fmt.Errorf("position %s names item %d", pos, sel)
			}
			steps = step.Body
		case api.KindWhenAll, api.KindWhenAny:
			if sel < 0 || sel >= len(step.ParallelBranches) {
				return nil, fmt.Errorf("position %s names branch %d of %d", pos, sel, len(step.ParallelBranches))
			}
			steps = step.ParallelBranches[sel]
		default:
			return nil, fmt.Errorf("position %s descends into a %s step", pos, step.Kind)
		}
		i += 2
	}
}

// resumeForRetry turns the position of a failed step into a resumption
// cursor that re-executes that step: the cursor names the previous
// sibling when one exists, otherwise the enclosing scope so the list
// restarts at its first step.
func resumeForRetry(pos api.Position) api.Position {
	if pos.IsRoot() {
		return pos
	}
	last := pos.At(pos.Len() - 1)
	if last <= 0 {
		parent, _ := pos.Parent()
		// A branch selector as the new tail re-enters the branch at
		// its first step.
		return parent
	}
	path := make([]int, pos.Len())
	for i := 0; i < pos.Len()-1; i++ {
		path[i] = pos.At(i)
	}
	path[pos.Len()-1] = last - 1
	return api.NewPosition(path...)
}
