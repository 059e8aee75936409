package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/sagaflow/pkg/api"
)

// demoteSuspension converts a wait suspension raised inside a
// concurrent branch into a dispatch error: a flow has exactly one
// resumption cursor, so a Wait cannot park a single branch.
func demoteSuspension(err error) error {
	var ws *waitSuspension
	if errors.As(err, &ws) {
		return api.NewDispatchError("wait",
			errors.New("wait steps are not supported inside parallel branches"), false)
	}
	return err
}

// dispatchForEach partitions the items into waves of BatchSize and
// runs up to MaxParallelism item bodies concurrently within a wave.
// Waves are strictly sequential. Dispatch order follows item order;
// completion order inside a wave does not.
func (e *executor) dispatchForEach(ctx context.Context, step *api.Step, pos api.Position, st api.State) error {
	items, err := safeItems(step.ItemsSelector, st)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	batch := step.BatchSize
	if batch <= 0 {
		batch = len(items)
	}
	parallelism := step.MaxParallelism
	if parallelism <= 0 {
		parallelism = 1
	}

	var itemErrs []error

	runItem := func(ctx context.Context, i int) error {
		is := &api.ItemState{Parent: st, Item: items[i], Index: i}
		base := pos.WithChild(i)
		return e.runList(ctx, step.Body, base, base, is)
	}

	for waveStart := 0; waveStart < len(items); waveStart += batch {
		waveEnd := min(waveStart+batch, len(items))

		if parallelism == 1 {
			for i := waveStart; i < waveEnd; i++ {
				if err := runItem(ctx, i); err != nil {
					if step.ContinueOnFailure && isStepFailure(err) {
						itemErrs = append(itemErrs, err)
						continue
					}
					return err
				}
			}
			continue
		}

		var mu sync.Mutex
		g, gctx := errgroup.WithContext(context.WithValue(ctx, parallelScopeKey{}, true))
		g.SetLimit(parallelism)
		for i := waveStart; i < waveEnd; i++ {
			i := i
			g.Go(func() error {
				err := demoteSuspension(runItem(gctx, i))
				if err == nil {
					return nil
				}
				if step.ContinueOnFailure && isStepFailure(err) {
					mu.Lock()
					itemErrs = append(itemErrs, err)
					mu.Unlock()
					return nil
				}
				return err
			})
		}
		// Wave N+1 never starts before wave N finished.
		if err := g.Wait(); err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			return err
		}
	}

	if len(itemErrs) > 0 {
		// Recorded but not fatal: iteration continued past them.
		e.stateMu.Lock()
		e.snap.Err = errors.Join(itemErrs...)
		e.stateMu.Unlock()
	}
	return nil
}

func isStepFailure(err error) bool {
	var sf *stepFailure
	return errors.As(err, &sf)
}

// joinContext applies a step-level timeout to a parallel join. The
// caller's context stays untouched so cancellation by the caller can be
// told apart from the join running out of time.
func joinContext(ctx context.Context, step *api.Step) (context.Context, context.CancelFunc) {
	if step.Timeout > 0 {
		return context.WithTimeout(ctx, step.Timeout)
	}
	return ctx, func() {}
}

// dispatchWhenAll runs every parallel branch to completion. Without
// ContinueOnFailure the first branch failure cancels the shared
// context, so outstanding siblings stop at their next dispatch and the
// failure propagates; with it, all branches finish and the first error
// is recorded on the snapshot. A step Timeout bounds the whole join.
func (e *executor) dispatchWhenAll(ctx context.Context, step *api.Step, pos api.Position, st api.State) error {
	if len(step.ParallelBranches) == 0 {
		return nil
	}

	joinCtx, cancel := joinContext(ctx, step)
	defer cancel()

	var (
		mu         sync.Mutex
		branchErrs []error
	)
	g, gctx := errgroup.WithContext(context.WithValue(joinCtx, parallelScopeKey{}, true))
	for bi, branch := range step.ParallelBranches {
		bi, branch := bi, branch
		base := pos.WithChild(bi)
		g.Go(func() error {
			err := demoteSuspension(e.runList(gctx, branch, base, base, st))
			if err == nil {
				return nil
			}
			if step.ContinueOnFailure {
				mu.Lock()
				branchErrs = append(branchErrs, err)
				mu.Unlock()
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if joinCtx.Err() != nil {
			return api.NewDispatchError("join", err, true)
		}
		return err
	}

	if len(branchErrs) > 0 {
		e.stateMu.Lock()
		e.snap.Err = errors.Join(branchErrs...)
		e.stateMu.Unlock()
	}
	return nil
}

// dispatchWhenAny runs every branch concurrently and succeeds on the
// first branch that completes, cancelling the rest. It fails only when
// all branches fail or the join's Timeout elapses first.
func (e *executor) dispatchWhenAny(ctx context.Context, step *api.Step, pos api.Position, st api.State) error {
	if len(step.ParallelBranches) == 0 {
		return nil
	}

	joinCtx, timeoutCancel := joinContext(ctx, step)
	defer timeoutCancel()

	gctx, cancel := context.WithCancel(context.WithValue(joinCtx, parallelScopeKey{}, true))
	defer cancel()

	type branchResult struct {
		err error
	}
	results := make(chan branchResult, len(step.ParallelBranches))

	var wg sync.WaitGroup
	for bi, branch := range step.ParallelBranches {
		bi, branch := bi, branch
		base := pos.WithChild(bi)
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- branchResult{err: demoteSuspension(e.runList(gctx, branch, base, base, st))}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var lastErr error
	failures := 0
	for res := range results {
		if res.err == nil {
			// Winner: stop the losers and discard their results.
			cancel()
			// Drain so every goroutine can exit.
			for range results {
			}
			return nil
		}
		failures++
		if !errors.Is(res.err, context.Canceled) || lastErr == nil {
			lastErr = res.err
		}
	}

	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if joinCtx.Err() != nil {
		return api.NewDispatchError("join", lastErr, true)
	}
	if failures == len(step.ParallelBranches) {
		return fmt.Errorf("all %d branches failed: %w", failures, lastErr)
	}
	return lastErr
}
