package api

import "time"

// Default policy values applied when neither a step nor a tag override
// is present.
const (
	DefaultTimeout = 10 * time.Minute
	DefaultRetries = 0
)

// FlowDefinition is one workflow: a named, immutable-after-build step
// tree plus the cross-cutting policy the interpreter resolves lazily.
//
// Definitions are built with the root package's FlowBuilder and are
// read-only afterwards; two builders never share steps or tag maps.
type FlowDefinition struct {
	FlowName string

	// Steps is the root step list.
	Steps []Step

	// DefaultTimeout applies to every dispatch without a step or tag
	// override. Zero means the package-level DefaultTimeout.
	DefaultTimeout time.Duration

	// DefaultRetries applies to every step without a step or tag
	// override.
	DefaultRetries int

	// Tag-scoped overrides, resolved at execution time by tag name.
	TaggedTimeouts map[string]time.Duration
	TaggedRetries  map[string]int

	// TaggedPersist forces a checkpoint after any step carrying one of
	// these tags completes (success or handled failure).
	TaggedPersist map[string]struct{}

	// Flow-level callbacks; built events are published through the
	// transport. Nil callbacks and nil events are skipped.
	OnFlowCompleted EventFactory
	OnFlowFailed    EventFactory
	OnStepCompleted EventFactory
	OnStepFailed    EventFactory
}

// EffectiveTimeout resolves the dispatch timeout for a step: the step's
// own timeout, else the tag override, else the flow default.
func (d *FlowDefinition) EffectiveTimeout(s *Step) time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	if s.Tag != "" {
		if t, ok := d.TaggedTimeouts[s.Tag]; ok {
			return t
		}
	}
	if d.DefaultTimeout > 0 {
		return d.DefaultTimeout
	}
	return DefaultTimeout
}

// EffectiveRetries resolves the retry budget for a step: the tag
// override, else the step's own budget, else the flow default.
func (d *FlowDefinition) EffectiveRetries(s *Step) int {
	if s.Tag != "" {
		if n, ok := d.TaggedRetries[s.Tag]; ok {
			return n
		}
	}
	if s.MaxRetries != nil {
		return *s.MaxRetries
	}
	return d.DefaultRetries
}

// PersistAfter reports whether a checkpoint must be emitted after the
// given step completes.
func (d *FlowDefinition) PersistAfter(s *Step) bool {
	if s.Tag == "" {
		return false
	}
	_, ok := d.TaggedPersist[s.Tag]
	return ok
}
