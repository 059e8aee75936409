package sagaflow

import (
	"testing"
	"time"

	"github.com/petrijr/sagaflow/pkg/api"
)

func noopMsg(s State) (any, error) { return "m", nil }

func TestBuilderFlatSendOrder(t *testing.T) {
	def := NewFlow("flat").
		Send("a", noopMsg).
		Publish(noopMsg).
		Send("b", noopMsg).
		Build()

	if def.FlowName != "flat" {
		t.Fatalf("unexpected name %q", def.FlowName)
	}
	if len(def.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(def.Steps))
	}
	wantKinds := []api.StepKind{api.KindSend, api.KindPublish, api.KindSend}
	for i, k := range wantKinds {
		if def.Steps[i].Kind != k {
			t.Fatalf("step %d: got %s, want %s", i, def.Steps[i].Kind, k)
		}
	}
	if def.Steps[0].Destination != "a" || def.Steps[2].Destination != "b" {
		t.Fatalf("declaration order lost: %s, %s", def.Steps[0].Destination, def.Steps[2].Destination)
	}
}

func TestBuilderIfShapes(t *testing.T) {
	cond := func(s State) bool { return true }

	// Then only: Else stays empty, no ElseIfs.
	def := NewFlow("then-only").
		If(cond).
		Send("then", noopMsg).
		EndIf().
		Build()

	ifStep := def.Steps[0]
	if ifStep.Kind != api.KindIf || len(ifStep.ThenBranch) != 1 {
		t.Fatalf("unexpected If shape: %+v", ifStep)
	}
	if len(ifStep.ElseBranch) != 0 || len(ifStep.ElseIfBranches) != 0 {
		t.Fatalf("Then-only If grew extra branches: %+v", ifStep)
	}

	// k ElseIf calls produce k branches in declaration order.
	def = NewFlow("elseifs").
		If(cond).
		Send("then", noopMsg).
		ElseIf(cond).
		Send("alt-1", noopMsg).
		ElseIf(cond).
		Send("alt-2", noopMsg).
		Else().
		Send("else", noopMsg).
		EndIf().
		Build()

	ifStep = def.Steps[0]
	if len(ifStep.ElseIfBranches) != 2 {
		t.Fatalf("expected 2 ElseIf branches, got %d", len(ifStep.ElseIfBranches))
	}
	if ifStep.ElseIfBranches[0].Steps[0].Destination != "alt-1" ||
		ifStep.ElseIfBranches[1].Steps[0].Destination != "alt-2" {
		t.Fatalf("ElseIf order lost: %+v", ifStep.ElseIfBranches)
	}
	if len(ifStep.ElseBranch) != 1 || ifStep.ElseBranch[0].Destination != "else" {
		t.Fatalf("Else branch lost: %+v", ifStep.ElseBranch)
	}
}

func TestBuilderSwitchShape(t *testing.T) {
	def := NewFlow("sw").
		Switch(func(s State) string { return "x" }).
		Case("card").
		Send("card-gw", noopMsg).
		Case("invoice").
		Send("billing", noopMsg).
		Default().
		Send("support", noopMsg).
		EndSwitch().
		Build()

	sw := def.Steps[0]
	if sw.Kind != api.KindSwitch || len(sw.Cases) != 2 {
		t.Fatalf("unexpected Switch shape: %+v", sw)
	}
	if sw.Cases[0].Key != "card" || sw.Cases[1].Key != "invoice" {
		t.Fatalf("case order lost: %+v", sw.Cases)
	}
	if len(sw.DefaultBranch) != 1 || sw.DefaultBranch[0].Destination != "support" {
		t.Fatalf("default branch lost: %+v", sw.DefaultBranch)
	}
}

func TestBuilderForEachAndWhenModifiers(t *testing.T) {
	def := NewFlow("loop").
		ForEach(func(s State) []any { return nil }).
		Send("item", noopMsg).
		EndForEach().Parallel(4).Batch(10).ContinueOnFailure().
		WhenAll().
		Send("left", noopMsg).
		Branch().
		Send("right", noopMsg).
		EndWhen().
		Build()

	loop := def.Steps[0]
	if loop.MaxParallelism != 4 || loop.BatchSize != 10 || !loop.ContinueOnFailure {
		t.Fatalf("loop modifiers lost: %+v", loop)
	}

	par := def.Steps[1]
	if par.Kind != api.KindWhenAll || len(par.ParallelBranches) != 2 {
		t.Fatalf("unexpected WhenAll shape: %+v", par)
	}
	if par.ParallelBranches[0][0].Destination != "left" || par.ParallelBranches[1][0].Destination != "right" {
		t.Fatalf("branch order lost")
	}
}

func TestBuilderTagMapsAreOrderIndependent(t *testing.T) {
	def := NewFlow("tags").
		Timeout(30*time.Second).ForTag("payment").
		Send("payments", noopMsg).Tagged("payment").
		Retry(3).ForTag("payment").
		Persist().ForTag("payment").
		Build()

	if def.TaggedTimeouts["payment"] != 30*time.Second {
		t.Fatalf("tag timeout lost: %v", def.TaggedTimeouts)
	}
	if def.TaggedRetries["payment"] != 3 {
		t.Fatalf("tag retries lost: %v", def.TaggedRetries)
	}
	if _, ok := def.TaggedPersist["payment"]; !ok {
		t.Fatalf("tag persist lost: %v", def.TaggedPersist)
	}
	if def.Steps[0].Tag != "payment" {
		t.Fatalf("step tag lost")
	}
}

func TestBuilderStepModifiers(t *testing.T) {
	one := func(s State) bool { return true }
	def := NewFlow("mods").
		Send("x", noopMsg).
		Named("create-order").
		Tagged("t").
		Optional().
		When(one).
		WithTimeout(5*time.Second).
		WithRetries(2).
		OnFailure(ContinueOnError()).
		FailWhen(one).
		Build()

	s := def.Steps[0]
	if s.Name != "create-order" || s.Tag != "t" || !s.IsOptional {
		t.Fatalf("modifiers lost: %+v", s)
	}
	if s.Timeout != 5*time.Second || s.MaxRetries == nil || *s.MaxRetries != 2 {
		t.Fatalf("policy modifiers lost: %+v", s)
	}
	if s.FailureAction.Kind != api.FailContinue || s.Condition == nil || s.FailureCondition == nil {
		t.Fatalf("failure modifiers lost: %+v", s)
	}
}

func TestBuildersAreIndependent(t *testing.T) {
	a := NewFlow("a").Send("a1", noopMsg)
	b := NewFlow("b").Send("b1", noopMsg).Send("b2", noopMsg)

	defA := a.Build()
	defB := b.Build()

	if len(defA.Steps) != 1 || len(defB.Steps) != 2 {
		t.Fatalf("builders shared state: a=%d b=%d", len(defA.Steps), len(defB.Steps))
	}

	// Building is repeatable and later calls do not mutate earlier builds.
	a.Send("a2", noopMsg)
	defA2 := a.Build()
	if len(defA.Steps) != 1 || len(defA2.Steps) != 2 {
		t.Fatalf("Build is not a point-in-time snapshot: first=%d second=%d", len(defA.Steps), len(defA2.Steps))
	}

	defA2.TaggedTimeouts["x"] = time.Second
	if _, ok := a.Build().TaggedTimeouts["x"]; ok {
		t.Fatalf("built definition shares tag maps with the builder")
	}
}

func TestBuilderLIFOViolationsPanic(t *testing.T) {
	mustPanic := func(name string, fn func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Fatalf("%s: expected a panic", name)
			}
		}()
		fn()
	}

	mustPanic("EndIf without If", func() {
		NewFlow("x").Send("a", noopMsg).EndIf()
	})
	mustPanic("EndSwitch closes If", func() {
		NewFlow("x").If(func(State) bool { return true }).EndSwitch()
	})
	mustPanic("Build with open scope", func() {
		NewFlow("x").ForEach(func(State) []any { return nil }).Build()
	})
	mustPanic("steps before Case", func() {
		NewFlow("x").Switch(func(State) string { return "" }).Send("a", noopMsg)
	})
	mustPanic("Else after Else", func() {
		NewFlow("x").If(func(State) bool { return true }).Else().Else()
	})
	mustPanic("modifier without step", func() {
		NewFlow("x").Named("nothing")
	})
	mustPanic("nil factory", func() {
		NewFlow("x").Send("a", nil)
	})
}

func TestBuilderNestedScopes(t *testing.T) {
	def := NewFlow("nested").
		If(func(s State) bool { return true }).
		ForEach(func(s State) []any { return nil }).
		Send("inner", noopMsg).
		EndForEach().
		EndIf().
		Build()

	ifStep := def.Steps[0]
	if len(ifStep.ThenBranch) != 1 || ifStep.ThenBranch[0].Kind != api.KindForEach {
		t.Fatalf("nesting lost: %+v", ifStep)
	}
	if ifStep.ThenBranch[0].Body[0].Destination != "inner" {
		t.Fatalf("inner body lost")
	}
}
