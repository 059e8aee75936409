package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/sagaflow/internal/persistence"
	"github.com/petrijr/sagaflow/internal/transport"
	"github.com/petrijr/sagaflow/pkg/api"
)

func confirmationWait(corrID string) api.WaitConditionFactory {
	return func(s api.State) api.WaitCondition {
		return api.WaitCondition{CorrelationID: corrID, Type: "Confirmation"}
	}
}

func TestWaitSuspendsAndEventResumes(t *testing.T) {
	eng, tr, store := newTestEngine(t)
	register(t, eng, api.FlowDefinition{
		FlowName: "confirm",
		Steps: []api.Step{
			sendStep("orders", "create"),
			{
				Kind:          api.KindWait,
				WaitCondition: confirmationWait("c1"),
				OnEvent: func(s api.State, payload any) {
					s.(*orderState).Paid = true
				},
			},
			sendStep("shipping", "ship"),
		},
	})

	ctx := context.Background()
	st := &orderState{FID: "f-1"}

	res := mustStart(t, eng, "confirm", st)
	if res.Status != api.StatusWaiting {
		t.Fatalf("expected %s, got %s", api.StatusWaiting, res.Status)
	}
	if res.WaitCondition == nil || res.WaitCondition.CorrelationID != "c1" || res.WaitCondition.Type != "Confirmation" {
		t.Fatalf("unexpected wait condition: %+v", res.WaitCondition)
	}
	if !res.Position.Equal(api.NewPosition(1)) {
		t.Fatalf("expected position [1], got %s", res.Position)
	}
	if entry, err := store.GetWaitCondition(ctx, "c1"); err != nil || entry.FlowID != "f-1" {
		t.Fatalf("wait not persisted: entry=%+v err=%v", entry, err)
	}

	final, err := eng.HandleEvent(ctx, "c1", "confirmed")
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if final.Status != api.StatusCompleted {
		t.Fatalf("expected completion after the event, got %s (err=%v)", final.Status, final.Err)
	}
	if !st.Paid {
		t.Fatalf("event projection did not run")
	}
	if got := destinations(tr); len(got) != 2 || got[1] != "shipping" {
		t.Fatalf("dispatched %v, want [orders shipping]", got)
	}
	if _, err := store.GetWaitCondition(ctx, "c1"); !errors.Is(err, persistence.ErrWaitNotFound) {
		t.Fatalf("consumed wait should be deleted, got %v", err)
	}
}

func TestAggregateWaitCountsArrivals(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	register(t, eng, api.FlowDefinition{
		FlowName: "agg",
		Steps: []api.Step{
			{
				Kind: api.KindWait,
				WaitCondition: func(s api.State) api.WaitCondition {
					return api.WaitCondition{
						CorrelationID: "shard",
						Type:          "PartDone",
						Mode:          api.WaitAll,
						ExpectedCount: 2,
					}
				},
				OnEvent: func(s api.State, payload any) {
					s.(*orderState).Amount++
				},
			},
		},
	})

	ctx := context.Background()
	st := &orderState{FID: "f-1"}

	res := mustStart(t, eng, "agg", st)
	if res.Status != api.StatusWaiting {
		t.Fatalf("expected waiting, got %s", res.Status)
	}

	partial, err := eng.HandleEvent(ctx, "shard", "one")
	if err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if partial.Status != api.StatusWaiting {
		t.Fatalf("1 of 2 arrivals must stay waiting, got %s", partial.Status)
	}
	if partial.WaitCondition == nil || partial.WaitCondition.CompletedCount != 1 {
		t.Fatalf("partial count not recorded: %+v", partial.WaitCondition)
	}

	final, err := eng.HandleEvent(ctx, "shard", "two")
	if err != nil {
		t.Fatalf("second delivery failed: %v", err)
	}
	if final.Status != api.StatusCompleted {
		t.Fatalf("expected completion after 2 of 2, got %s", final.Status)
	}
	if st.Amount != 2 {
		t.Fatalf("projection must run per arrival, got %d", st.Amount)
	}
}

func TestExpireWaitDeliversTimeoutPayload(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	register(t, eng, api.FlowDefinition{
		FlowName: "timeoutable",
		Steps: []api.Step{
			{
				Kind:          api.KindWait,
				WaitCondition: confirmationWait("c9"),
				OnEvent: func(s api.State, payload any) {
					if tp, ok := payload.(api.TimeoutPayload); ok {
						s.(*orderState).Reason = tp.Reason
					}
				},
			},
		},
	})

	st := &orderState{FID: "f-1"}
	res := mustStart(t, eng, "timeoutable", st)
	if res.Status != api.StatusWaiting {
		t.Fatalf("expected waiting, got %s", res.Status)
	}

	final, err := eng.ExpireWait(context.Background(), "c9", "deadline passed")
	if err != nil {
		t.Fatalf("ExpireWait failed: %v", err)
	}
	if final.Status != api.StatusCompleted {
		t.Fatalf("expired wait should advance the flow, got %s", final.Status)
	}
	if st.Reason != "deadline passed" {
		t.Fatalf("timeout payload not delivered: %q", st.Reason)
	}
}

func TestCheckpointAndResumeAfterFailure(t *testing.T) {
	eng, tr, store := newTestEngine(t)

	broken := true
	tr.OnSend = func(ctx context.Context, msg any, destination string) error {
		if destination == "payments" && broken {
			return errors.New("gateway down")
		}
		return nil
	}

	register(t, eng, api.FlowDefinition{
		FlowName:      "durable",
		TaggedPersist: map[string]struct{}{"cp": {}},
		Steps: []api.Step{
			{Kind: api.KindSend, Destination: "orders", Message: constMsg("create"), Tag: "cp"},
			sendStep("payments", "pay"),
		},
	})

	ctx := context.Background()
	res, err := eng.Start(ctx, "durable", &orderState{FID: "f-1"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if res.Status != api.StatusFailed {
		t.Fatalf("expected failure, got %s", res.Status)
	}
	if !res.Position.Equal(api.NewPosition(1)) {
		t.Fatalf("failure position should name the failed step, got %s", res.Position)
	}

	stored, err := store.GetSnapshot(ctx, "f-1")
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	// One checkpoint after the tagged step plus the failure write.
	if stored.Version < 2 {
		t.Fatalf("expected at least 2 persisted versions, got %d", stored.Version)
	}

	broken = false
	final, err := eng.Resume(ctx, "f-1")
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if final.Status != api.StatusCompleted {
		t.Fatalf("expected completion after resume, got %s (err=%v)", final.Status, final.Err)
	}

	// The checkpointed step must not re-run: one orders send total.
	var orders, payments int
	for _, d := range destinations(tr) {
		switch d {
		case "orders":
			orders++
		case "payments":
			payments++
		}
	}
	if orders != 1 || payments != 1 {
		t.Fatalf("resume re-ran steps: orders=%d payments=%d", orders, payments)
	}
}

// lostUpdateStore reports every snapshot update as lost to another
// writer once armed.
type lostUpdateStore struct {
	*persistence.InMemoryStore
	conflict bool
}

func (s *lostUpdateStore) UpdateSnapshot(ctx context.Context, snap *api.Snapshot, expectedVersion int64) (bool, error) {
	if s.conflict {
		return false, nil
	}
	return s.InMemoryStore.UpdateSnapshot(ctx, snap, expectedVersion)
}

func TestCheckpointConflictInsideBranchIsSurfaced(t *testing.T) {
	tr := transport.NewInMemoryTransport()
	store := &lostUpdateStore{InMemoryStore: persistence.NewInMemoryStore()}
	eng, err := New(Config{
		Transport:   tr,
		Persistence: persistence.Persistence{Snapshots: store, Waits: store.InMemoryStore, Claims: store.InMemoryStore},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	two := 2
	register(t, eng, api.FlowDefinition{
		FlowName:      "conflicted",
		TaggedPersist: map[string]struct{}{"cp": {}},
		Steps: []api.Step{
			{
				Kind:            api.KindIf,
				BranchCondition: func(api.State) bool { return true },
				ThenBranch: []api.Step{
					{Kind: api.KindSend, Destination: "payments", Message: constMsg("charge"), Tag: "cp", MaxRetries: &two},
				},
			},
		},
	})

	store.conflict = true
	res, err := eng.Start(context.Background(), "conflicted", &orderState{FID: "f-1"})
	if !errors.Is(err, persistence.ErrVersionConflict) {
		t.Fatalf("expected a version conflict, got %v", err)
	}
	if res.Status == api.StatusFailed {
		t.Fatalf("a lost checkpoint must not fail the flow, got %s", res.Status)
	}

	// The charge went out exactly once: the conflict is not retried.
	if got := destinations(tr); len(got) != 1 || got[0] != "payments" {
		t.Fatalf("dispatched %v, want exactly one payments send", got)
	}
}

func TestResumeReentersFailedBranch(t *testing.T) {
	eng, tr, _ := newTestEngine(t)

	broken := true
	tr.OnSend = func(ctx context.Context, msg any, destination string) error {
		if destination == "review" && broken {
			return errors.New("review queue full")
		}
		return nil
	}

	register(t, eng, api.FlowDefinition{
		FlowName: "branchy",
		Steps: []api.Step{
			sendStep("orders", "create"),
			{
				Kind:            api.KindIf,
				BranchCondition: func(s api.State) bool { return true },
				ThenBranch:      []api.Step{sendStep("review", "check")},
			},
			sendStep("shipping", "ship"),
		},
	})

	ctx := context.Background()
	res, err := eng.Start(ctx, "branchy", &orderState{FID: "f-1"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if res.Status != api.StatusFailed {
		t.Fatalf("expected failure, got %s", res.Status)
	}
	if !res.Position.Equal(api.NewPosition(1, 0, 0)) {
		t.Fatalf("expected failure at [1.0.0], got %s", res.Position)
	}

	broken = false
	final, err := eng.Resume(ctx, "f-1")
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if final.Status != api.StatusCompleted {
		t.Fatalf("expected completion, got %s (err=%v)", final.Status, final.Err)
	}

	got := destinations(tr)
	want := []string{"orders", "review", "shipping"}
	if len(got) != len(want) {
		t.Fatalf("dispatched %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatched %v, want %v", got, want)
		}
	}
}

func TestStartDuplicateFlowIDFails(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	register(t, eng, api.FlowDefinition{FlowName: "dup", Steps: []api.Step{sendStep("x", "m")}})

	mustStart(t, eng, "dup", &orderState{FID: "f-1"})
	if _, err := eng.Start(context.Background(), "dup", &orderState{FID: "f-1"}); !errors.Is(err, ErrFlowAlreadyStarted) {
		t.Fatalf("expected ErrFlowAlreadyStarted, got %v", err)
	}
}

func TestCancelDropsPendingWait(t *testing.T) {
	eng, _, store := newTestEngine(t)
	register(t, eng, api.FlowDefinition{
		FlowName: "cancellable",
		Steps:    []api.Step{{Kind: api.KindWait, WaitCondition: confirmationWait("c5")}},
	})

	ctx := context.Background()
	res := mustStart(t, eng, "cancellable", &orderState{FID: "f-1"})
	if res.Status != api.StatusWaiting {
		t.Fatalf("expected waiting, got %s", res.Status)
	}

	snap, err := eng.Cancel(ctx, "f-1")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if snap.Status != api.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", snap.Status)
	}
	if _, err := store.GetWaitCondition(ctx, "c5"); !errors.Is(err, persistence.ErrWaitNotFound) {
		t.Fatalf("wait condition should be deleted, got %v", err)
	}
	if _, err := eng.Cancel(ctx, "f-1"); err == nil {
		t.Fatalf("cancelling a terminal flow must fail")
	}
	if _, err := eng.Resume(ctx, "f-1"); err == nil {
		t.Fatalf("resuming a cancelled flow must fail")
	}
}

func TestListSnapshotsFilters(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	register(t, eng, api.FlowDefinition{FlowName: "a", Steps: []api.Step{sendStep("x", "m")}})
	register(t, eng, api.FlowDefinition{
		FlowName: "b",
		Steps:    []api.Step{{Kind: api.KindWait, WaitCondition: confirmationWait("cb")}},
	})

	ctx := context.Background()
	mustStart(t, eng, "a", &orderState{FID: "f-a"})
	mustStart(t, eng, "b", &orderState{FID: "f-b"})

	all, err := eng.ListSnapshots(ctx, api.SnapshotFilter{})
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 snapshots, got %d (err=%v)", len(all), err)
	}

	waiting, err := eng.ListSnapshots(ctx, api.SnapshotFilter{Status: api.StatusWaiting})
	if err != nil || len(waiting) != 1 || waiting[0].FlowID != "f-b" {
		t.Fatalf("status filter broken: %v (err=%v)", waiting, err)
	}

	byName, err := eng.ListSnapshots(ctx, api.SnapshotFilter{FlowName: "a"})
	if err != nil || len(byName) != 1 || byName[0].FlowID != "f-a" {
		t.Fatalf("name filter broken: %v (err=%v)", byName, err)
	}
}

func TestUnknownFlowAndMissingSnapshot(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.Start(ctx, "nope", &orderState{FID: "f-1"}); err == nil {
		t.Fatalf("starting an unregistered flow must fail")
	}
	if _, err := eng.Resume(ctx, "missing"); !errors.Is(err, persistence.ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
	}
	if _, err := eng.HandleEvent(ctx, "unknown", nil); !errors.Is(err, persistence.ErrWaitNotFound) {
		t.Fatalf("expected ErrWaitNotFound, got %v", err)
	}
}

func TestObserverSeesFlowLifecycle(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	obs := &recordingObserver{}
	eng.observer = obs

	register(t, eng, api.FlowDefinition{
		FlowName: "observed",
		Steps: []api.Step{
			sendStep("orders", "create"),
			{Kind: api.KindWait, WaitCondition: confirmationWait("co")},
		},
	})

	mustStart(t, eng, "observed", &orderState{FID: "f-1"})
	if obs.flowStarts != 1 || obs.flowWaits != 1 || obs.stepStarts != 2 {
		t.Fatalf("observer counts: %+v", obs)
	}

	if _, err := eng.HandleEvent(context.Background(), "co", "ok"); err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if obs.flowCompletes != 1 {
		t.Fatalf("observer missed completion: %+v", obs)
	}
}

func TestObserverSeesFailedConditionGate(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	obs := &recordingObserver{}
	eng.observer = obs

	register(t, eng, api.FlowDefinition{
		FlowName: "gated",
		Steps: []api.Step{
			{
				Kind:        api.KindSend,
				Destination: "orders",
				Message:     constMsg("create"),
				Condition:   func(api.State) bool { panic("boom in gate") },
			},
		},
	})

	res, err := eng.Start(context.Background(), "gated", &orderState{FID: "f-1"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if res.Status != api.StatusFailed {
		t.Fatalf("a broken gate must fail the step, got %s", res.Status)
	}

	// The failed gate is still a full step lifecycle to observers.
	if obs.stepStarts != 1 || obs.stepDone != 1 {
		t.Fatalf("observer saw starts=%d completions=%d, want 1 and 1", obs.stepStarts, obs.stepDone)
	}
}

type recordingObserver struct {
	flowStarts    int
	flowCompletes int
	flowFails     int
	flowWaits     int
	stepStarts    int
	stepDone      int
}

func (o *recordingObserver) OnFlowStart(context.Context, *api.Snapshot)     { o.flowStarts++ }
func (o *recordingObserver) OnFlowCompleted(context.Context, *api.Snapshot) { o.flowCompletes++ }
func (o *recordingObserver) OnFlowFailed(context.Context, *api.Snapshot, error) {
	o.flowFails++
}
func (o *recordingObserver) OnFlowWaiting(context.Context, *api.Snapshot, api.WaitCondition) {
	o.flowWaits++
}
func (o *recordingObserver) OnStepStart(context.Context, *api.Snapshot, string, api.Position) {
	o.stepStarts++
}
func (o *recordingObserver) OnStepCompleted(context.Context, *api.Snapshot, string, api.Position, error, time.Duration) {
	o.stepDone++
}

func TestStepAtResolvesNestedPositions(t *testing.T) {
	def := api.FlowDefinition{
		Steps: []api.Step{
			sendStep("a", "0"),
			{
				Kind:            api.KindIf,
				BranchCondition: func(api.State) bool { return true },
				ThenBranch:      []api.Step{sendStep("then", "t")},
				ElseBranch: []api.Step{
					{
						Kind:          api.KindForEach,
						ItemsSelector: func(api.State) []any { return nil },
						Body:          []api.Step{sendStep("item", "i")},
					},
				},
			},
		},
	}

	cases := []struct {
		pos  api.Position
		want string
	}{
		{api.NewPosition(0), "a"},
		{api.NewPosition(1, 0, 0), "then"},
		{api.NewPosition(1, api.ElseBranch, 0), "item"},
		{api.NewPosition(1, api.ElseBranch, 0, 0, 0), "item"},
	}
	for _, tc := range cases {
		step, err := stepAt(&def, tc.pos)
		if err != nil {
			t.Fatalf("stepAt(%s) failed: %v", tc.pos, err)
		}
		got := step.Destination
		if step.Kind == api.KindForEach {
			got = "item"
		}
		if got != tc.want {
			t.Fatalf("stepAt(%s) = %s, want %s", tc.pos, got, tc.want)
		}
	}

	if _, err := stepAt(&def, api.RootPosition()); err == nil {
		t.Fatalf("root position names no step")
	}
	if _, err := stepAt(&def, api.NewPosition(7)); err == nil {
		t.Fatalf("out-of-range position must error")
	}
}

func TestResumeForRetry(t *testing.T) {
	cases := []struct {
		in, want api.Position
	}{
		{api.RootPosition(), api.RootPosition()},
		{api.NewPosition(0), api.RootPosition()},
		{api.NewPosition(3), api.NewPosition(2)},
		{api.NewPosition(1, 0, 0), api.NewPosition(1, 0)},
		{api.NewPosition(1, api.ElseBranch, 2), api.NewPosition(1, api.ElseBranch, 1)},
	}
	for _, tc := range cases {
		if got := resumeForRetry(tc.in); !got.Equal(tc.want) {
			t.Fatalf("resumeForRetry(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
