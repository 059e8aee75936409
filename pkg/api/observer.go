package api

import (
	"context"
	"log/slog"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be
// done asynchronously so as not to delay flow execution.
type Observer interface {
	// OnFlowStart is called once when a flow instance is first started,
	// before the first step executes.
	OnFlowStart(ctx context.Context, snap *Snapshot)

	// OnFlowCompleted is called when a flow reaches StatusCompleted.
	OnFlowCompleted(ctx context.Context, snap *Snapshot)

	// OnFlowFailed is called when a flow transitions to StatusFailed.
	OnFlowFailed(ctx context.Context, snap *Snapshot, err error)

	// OnFlowWaiting is called when a flow suspends on a Wait step.
	OnFlowWaiting(ctx context.Context, snap *Snapshot, wc WaitCondition)

	// OnStepStart is called before a step is dispatched.
	OnStepStart(ctx context.Context, snap *Snapshot, stepName string, pos Position)

	// OnStepCompleted is called after a step finishes, for both
	// successes and failures (err != nil).
	OnStepCompleted(ctx context.Context, snap *Snapshot, stepName string, pos Position, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing. It is the default when
// no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnFlowStart(ctx context.Context, snap *Snapshot)                      {}
func (NoopObserver) OnFlowCompleted(ctx context.Context, snap *Snapshot)                  {}
func (NoopObserver) OnFlowFailed(ctx context.Context, snap *Snapshot, err error)          {}
func (NoopObserver) OnFlowWaiting(ctx context.Context, snap *Snapshot, wc WaitCondition)  {}
func (NoopObserver) OnStepStart(ctx context.Context, snap *Snapshot, name string, pos Position) {
}
func (NoopObserver) OnStepCompleted(ctx context.Context, snap *Snapshot, name string, pos Position, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnFlowStart(ctx context.Context, snap *Snapshot) {
	for _, o := range c.observers {
		o.OnFlowStart(ctx, snap)
	}
}

func (c *CompositeObserver) OnFlowCompleted(ctx context.Context, snap *Snapshot) {
	for _, o := range c.observers {
		o.OnFlowCompleted(ctx, snap)
	}
}

func (c *CompositeObserver) OnFlowFailed(ctx context.Context, snap *Snapshot, err error) {
	for _, o := range c.observers {
		o.OnFlowFailed(ctx, snap, err)
	}
}

func (c *CompositeObserver) OnFlowWaiting(ctx context.Context, snap *Snapshot, wc WaitCondition) {
	for _, o := range c.observers {
		o.OnFlowWaiting(ctx, snap, wc)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, snap *Snapshot, name string, pos Position) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, snap, name, pos)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, snap *Snapshot, name string, pos Position, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, snap, name, pos, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs flow / step
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnFlowStart(ctx context.Context, snap *Snapshot) {
	o.Logger.InfoContext(ctx, "flow_start",
		slog.String("flow", snap.FlowName),
		slog.String("flow_id", snap.FlowID),
	)
}

func (o *LoggingObserver) OnFlowCompleted(ctx context.Context, snap *Snapshot) {
	o.Logger.InfoContext(ctx, "flow_completed",
		slog.String("flow", snap.FlowName),
		slog.String("flow_id", snap.FlowID),
	)
}

func (o *LoggingObserver) OnFlowFailed(ctx context.Context, snap *Snapshot, err error) {
	o.Logger.ErrorContext(ctx, "flow_failed",
		slog.String("flow", snap.FlowName),
		slog.String("flow_id", snap.FlowID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnFlowWaiting(ctx context.Context, snap *Snapshot, wc WaitCondition) {
	o.Logger.InfoContext(ctx, "flow_waiting",
		slog.String("flow", snap.FlowName),
		slog.String("flow_id", snap.FlowID),
		slog.String("correlation_id", wc.CorrelationID),
		slog.String("event_type", wc.Type),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, snap *Snapshot, name string, pos Position) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("flow", snap.FlowName),
		slog.String("flow_id", snap.FlowID),
		slog.String("step", name),
		slog.String("position", pos.Key()),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, snap *Snapshot, name string, pos Position, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("flow", snap.FlowName),
		slog.String("flow_id", snap.FlowID),
		slog.String("step", name),
		slog.String("position", pos.Key()),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}
