package api

import (
	"testing"
	"time"
)

func intp(n int) *int { return &n }

func TestEffectiveTimeoutResolution(t *testing.T) {
	def := FlowDefinition{
		TaggedTimeouts: map[string]time.Duration{"x": 30 * time.Second},
	}

	cases := []struct {
		name string
		step Step
		want time.Duration
	}{
		{"tagged step uses the tag override", Step{Tag: "x"}, 30 * time.Second},
		{"own timeout beats the tag", Step{Tag: "x", Timeout: 5 * time.Second}, 5 * time.Second},
		{"unknown tag falls back to the default", Step{Tag: "y"}, DefaultTimeout},
		{"untagged step uses the default", Step{}, DefaultTimeout},
	}
	for _, tc := range cases {
		if got := def.EffectiveTimeout(&tc.step); got != tc.want {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}

	def.DefaultTimeout = time.Minute
	if got := def.EffectiveTimeout(&Step{}); got != time.Minute {
		t.Fatalf("flow default not honored: got %v", got)
	}
}

func TestEffectiveRetriesResolution(t *testing.T) {
	def := FlowDefinition{
		DefaultRetries: 1,
		TaggedRetries:  map[string]int{"x": 4},
	}

	cases := []struct {
		name string
		step Step
		want int
	}{
		{"tag override wins", Step{Tag: "x", MaxRetries: intp(2)}, 4},
		{"step budget without tag", Step{MaxRetries: intp(2)}, 2},
		{"unknown tag falls through to the step budget", Step{Tag: "y", MaxRetries: intp(2)}, 2},
		{"flow default otherwise", Step{}, 1},
	}
	for _, tc := range cases {
		if got := def.EffectiveRetries(&tc.step); got != tc.want {
			t.Fatalf("%s: got %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestPersistAfter(t *testing.T) {
	def := FlowDefinition{TaggedPersist: map[string]struct{}{"cp": {}}}

	if !def.PersistAfter(&Step{Tag: "cp"}) {
		t.Fatalf("tagged step must checkpoint")
	}
	if def.PersistAfter(&Step{Tag: "other"}) || def.PersistAfter(&Step{}) {
		t.Fatalf("untagged steps must not checkpoint")
	}
}

func TestWaitConditionSatisfied(t *testing.T) {
	single := WaitCondition{CorrelationID: "c", Mode: WaitSingle}
	if single.Satisfied() {
		t.Fatalf("single wait with no arrivals is not satisfied")
	}
	single.CompletedCount = 1
	if !single.Satisfied() {
		t.Fatalf("single wait with one arrival is satisfied")
	}

	agg := WaitCondition{CorrelationID: "c", Mode: WaitAll, ExpectedCount: 3, CompletedCount: 2}
	if agg.Satisfied() {
		t.Fatalf("2 of 3 arrivals is not satisfied")
	}
	agg.CompletedCount = 3
	if !agg.Satisfied() {
		t.Fatalf("3 of 3 arrivals is satisfied")
	}
}
