// Package scheduler resumes flows across a cluster: a claim loop picks
// up stale running flows through the claim store, and a cron sweep
// expires overdue waits.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/petrijr/sagaflow/internal/persistence"
	"github.com/petrijr/sagaflow/pkg/api"
)

// Config tunes one Runner. Zero values select the defaults below.
type Config struct {
	// OwnerID identifies this node in claims; empty generates one.
	OwnerID string

	// FlowNames are the flows this node is willing to resume.
	FlowNames []string

	// PollInterval is the pause between claim attempts when nothing
	// was claimable.
	PollInterval time.Duration

	// HeartbeatInterval refreshes held claims while a flow runs.
	HeartbeatInterval time.Duration

	// StaleAfter is how old a claim or snapshot update must be before
	// another node may take the flow over.
	StaleAfter time.Duration

	// SweepSpec is the cron spec for the wait-expiry sweep.
	SweepSpec string
}

func (c *Config) fill() {
	if c.OwnerID == "" {
		c.OwnerID = uuid.NewString()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Second
	}
	if c.SweepSpec == "" {
		c.SweepSpec = "@every 15s"
	}
}

// Runner drives crash recovery for one node. Start launches the claim
// loop and the sweep; Stop drains both.
type Runner struct {
	engine api.Engine
	claims persistence.ClaimStore
	waits  persistence.WaitStore
	cfg    Config
	logger *slog.Logger

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(eng api.Engine, stores persistence.Persistence, cfg Config, logger *slog.Logger) (*Runner, error) {
	if eng == nil {
		return nil, errors.New("scheduler: engine is required")
	}
	if stores.Claims == nil {
		return nil, errors.New("scheduler: claim store is required")
	}
	if len(cfg.FlowNames) == 0 {
		return nil, errors.New("scheduler: at least one flow name is required")
	}
	cfg.fill()
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		engine: eng,
		claims: stores.Claims,
		waits:  stores.Waits,
		cfg:    cfg,
		logger: logger.With("component", "scheduler", "owner", cfg.OwnerID),
	}, nil
}

// Start launches the claim loop and, when a wait store is wired, the
// cron-driven wait-expiry sweep. It returns immediately.
func (r *Runner) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.claimLoop(ctx)

	if r.waits != nil {
		r.cron = cron.New()
		if _, err := r.cron.AddFunc(r.cfg.SweepSpec, func() { r.sweepWaits(ctx) }); err != nil {
			r.cancel()
			return err
		}
		r.cron.Start()
	}

	r.logger.Info("scheduler started", "flows", r.cfg.FlowNames)
	return nil
}

// Stop cancels the claim loop and waits for in-flight work to finish.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
	r.wg.Wait()
	r.logger.Info("scheduler stopped")
}

func (r *Runner) claimLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Keep claiming while work is available; sleep only when a full
		// pass over the flow names found nothing.
		claimed := false
		for _, name := range r.cfg.FlowNames {
			if ctx.Err() != nil {
				return
			}
			if r.claimOne(ctx, name) {
				claimed = true
			}
		}
		if claimed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// claimOne attempts to claim and resume a single stale flow of the
// given name. It reports whether a flow was claimed.
func (r *Runner) claimOne(ctx context.Context, flowName string) bool {
	flowID, ok, err := r.claims.TryClaim(ctx, flowName, r.cfg.OwnerID, r.cfg.StaleAfter)
	if err != nil {
		r.logger.Error("claim failed", "flow_name", flowName, "error", err)
		return false
	}
	if !ok {
		return false
	}

	log := r.logger.With("flow_id", flowID, "flow_name", flowName)
	log.Info("claimed flow")

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		r.heartbeat(hbCtx, flowID, log)
	}()

	res, err := r.engine.Resume(ctx, flowID)
	stopHeartbeat()
	hbDone.Wait()

	if rerr := r.claims.Release(ctx, flowID, r.cfg.OwnerID); rerr != nil {
		log.Error("claim release failed", "error", rerr)
	}

	switch {
	case err != nil:
		log.Error("resume failed", "error", err)
	case res.Status == api.StatusWaiting:
		log.Info("flow suspended", "correlation_id", res.WaitCondition.CorrelationID)
	default:
		log.Info("flow resumed", "status", res.Status)
	}
	return true
}

func (r *Runner) heartbeat(ctx context.Context, flowID string, log *slog.Logger) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pos := api.RootPosition()
		if snap, err := r.engine.GetSnapshot(ctx, flowID); err == nil {
			pos = snap.Position
		}
		held, err := r.claims.Heartbeat(ctx, flowID, r.cfg.OwnerID, pos)
		if err != nil {
			log.Error("heartbeat failed", "error", err)
			continue
		}
		if !held {
			log.Warn("claim lost")
			return
		}
	}
}

// sweepWaits resumes every expired wait with a timeout payload.
func (r *Runner) sweepWaits(ctx context.Context) {
	entries, err := r.waits.ListExpiredWaits(ctx, time.Now())
	if err != nil {
		r.logger.Error("wait sweep failed", "error", err)
		return
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		corr := entry.Condition.CorrelationID
		if _, err := r.engine.ExpireWait(ctx, corr, "wait deadline exceeded"); err != nil {
			// Another node may have consumed it between list and expire.
			if errors.Is(err, persistence.ErrWaitNotFound) {
				continue
			}
			r.logger.Error("wait expiry failed", "correlation_id", corr, "error", err)
			continue
		}
		r.logger.Info("expired wait", "correlation_id", corr, "flow_id", entry.FlowID)
	}
}
