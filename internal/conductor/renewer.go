package conductor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/canvasmesh/conductor/internal/queue"
)

// leaseRenewer keeps one task's lease alive while it waits for a room slot
// and executes. Renewal runs at 60% of the lease TTL so a single missed
// extension does not lose the lease.
type leaseRenewer struct {
	store  queue.Store
	taskID string
	token  string
	ttl    time.Duration
	logf   logFunc

	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func startRenewer(ctx context.Context, store queue.Store, taskID, token string, ttl time.Duration, logf logFunc) *leaseRenewer {
	r := &leaseRenewer{
		store:  store,
		taskID: taskID,
		token:  token,
		ttl:    ttl,
		logf:   logf,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.loop(ctx)
	return r
}

func (r *leaseRenewer) loop(ctx context.Context) {
	defer close(r.done)

	interval := r.ttl * 3 / 5
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.store.ExtendLease(ctx, r.taskID, r.token, r.ttl)
			if err == nil {
				continue
			}
			if errors.Is(err, queue.ErrLeaseExpired) || errors.Is(err, queue.ErrTaskNotFound) {
				// The lease is gone; the store will redeliver. Nothing left
				// to renew.
				r.logf(LogLevelWarn, "lease lost task=%s error=%v", r.taskID, err)
				return
			}
			r.logf(LogLevelWarn, "lease renewal failed task=%s error=%v", r.taskID, err)
		}
	}
}

// Stop ends renewal. Safe to call more than once; returns after the loop
// exits.
func (r *leaseRenewer) Stop() {
	r.once.Do(func() { close(r.stop) })
	<-r.done
}
