package conductor

import (
	"context"

	"github.com/canvasmesh/conductor/internal/model"
)

// schedulerLoop is the claim/dispatch loop: refresh settings, claim up to
// the free capacity, fan tasks out to goroutines. Empty passes back off
// exponentially between the idle-poll base and max.
func (c *Conductor) schedulerLoop(ctx context.Context) error {
	idle := c.settings.Current().IdlePollBase

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		settings := c.settings.Refresh(ctx, false)

		if c.maxConcurrency-int(c.active.Load()) <= 0 {
			sleepCtx(ctx, c.capacityBackoff)
			continue
		}

		claimed, err := c.claimPass(ctx, settings)

		// A partial pass can hold leased tasks even when the pass errored;
		// dispatch them first so their leases are settled rather than
		// renewed forever.
		if len(claimed) > 0 {
			idle = settings.IdlePollBase
			c.dispatch(ctx, claimed)
		}

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log(LogLevelError, "claim pass failed error=%v", err)
			sleepCtx(ctx, c.crashCooldown)
			continue
		}

		if len(claimed) == 0 {
			sleepCtx(ctx, idle)
			idle *= 2
			if idle > settings.IdlePollMax {
				idle = settings.IdlePollMax
			}
		}
	}
}

func (c *Conductor) dispatch(ctx context.Context, claimed []claimedTask) {
	for _, ct := range claimed {
		c.active.Add(1)
		c.wg.Add(1)
		go func(ct claimedTask) {
			defer c.wg.Done()
			defer c.active.Add(-1)
			c.handleTask(ctx, ct)
		}(ct)
	}
}

// claimPass pulls one batch of work: the direct local-scope source first
// (when this worker has local capacity), then the brokered queue for the
// remainder, skipping tasks this worker already bounced.
func (c *Conductor) claimPass(ctx context.Context, settings model.RuntimeSettings) ([]claimedTask, error) {
	capacity := c.maxConcurrency - int(c.active.Load())
	batch := c.claimBatch
	if batch > capacity {
		batch = capacity
	}
	if batch <= 0 {
		return nil, nil
	}

	var claimed []claimedTask

	if c.localCapacity > 0 {
		n := batch
		if n > c.localCapacity {
			n = c.localCapacity
		}
		claim, err := c.store.ClaimLocalTasks(ctx, n, settings.LeaseTTL, c.scope)
		if err != nil {
			return nil, err
		}
		for _, task := range claim.Tasks {
			claimed = append(claimed, claimedTask{
				task:    task,
				token:   claim.LeaseToken,
				mode:    model.ClaimModeDirect,
				renewer: startRenewer(ctx, c.store, task.ID, claim.LeaseToken, settings.LeaseTTL, c.log),
			})
		}
	}

	if remaining := batch - len(claimed); remaining > 0 {
		claim, err := c.store.ClaimTasks(ctx, remaining, settings.LeaseTTL, []string{c.skipKey()})
		if err != nil {
			return claimed, err
		}
		for _, task := range claim.Tasks {
			claimed = append(claimed, claimedTask{
				task:    task,
				token:   claim.LeaseToken,
				mode:    model.ClaimModeBrokered,
				renewer: startRenewer(ctx, c.store, task.ID, claim.LeaseToken, settings.LeaseTTL, c.log),
			})
		}
	}

	if len(claimed) > 0 {
		c.log(LogLevelDebug, "claimed batch size=%d", len(claimed))
	}
	return claimed, nil
}

// handleTask routes one claimed task: scope mismatches bounce back to the
// queue, everything else waits for its room-lane slot and executes. The room
// limit is read at acquire time so a hot-reloaded limit applies immediately.
func (c *Conductor) handleTask(ctx context.Context, ct claimedTask) {
	if c.scopeMismatch(ct.task) {
		c.requeueMismatch(ctx, ct)
		ct.renewer.Stop()
		return
	}

	release, err := c.lanes.Acquire(ctx, ct.task.RoomKey, c.settings.Current().RoomConcurrency)
	if err != nil {
		// Shutting down while queued for the lane: stop renewing and let the
		// lease lapse so another worker redelivers.
		ct.renewer.Stop()
		return
	}
	defer release()

	c.execute(ctx, ct)
}
