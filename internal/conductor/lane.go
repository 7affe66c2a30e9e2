package conductor

import (
	"context"
	"sync"
)

// RoomLanes bounds concurrent executions per room key. Admission is FIFO:
// waiters queue in arrival order and a released slot goes to the oldest
// waiter. Each Acquire carries the limit in force at claim time, so a raised
// room-concurrency limit lets one release admit several queued tasks.
type RoomLanes struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	active  int
	waiters []*laneWaiter
}

type laneWaiter struct {
	limit int
	ready chan struct{}
}

func NewRoomLanes() *RoomLanes {
	return &RoomLanes{lanes: make(map[string]*lane)}
}

// Acquire blocks until the room has a free slot or ctx is cancelled. The
// returned release is idempotent.
func (r *RoomLanes) Acquire(ctx context.Context, roomKey string, limit int) (func(), error) {
	if limit < 1 {
		limit = 1
	}

	r.mu.Lock()
	ln := r.lanes[roomKey]
	if ln == nil {
		ln = &lane{}
		r.lanes[roomKey] = ln
	}
	if ln.active < limit {
		ln.active++
		r.mu.Unlock()
		return r.releaseFunc(roomKey), nil
	}
	w := &laneWaiter{limit: limit, ready: make(chan struct{})}
	ln.waiters = append(ln.waiters, w)
	r.mu.Unlock()

	select {
	case <-w.ready:
		return r.releaseFunc(roomKey), nil
	case <-ctx.Done():
		r.mu.Lock()
		for i, cand := range ln.waiters {
			if cand == w {
				ln.waiters = append(ln.waiters[:i], ln.waiters[i+1:]...)
				r.deleteIfIdle(roomKey, ln)
				r.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		r.mu.Unlock()
		// Lost the race: a release admitted us before the cancel landed.
		// Give the slot straight back.
		r.releaseFunc(roomKey)()
		return nil, ctx.Err()
	}
}

// Active reports the number of held slots for a room.
func (r *RoomLanes) Active(roomKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ln := r.lanes[roomKey]
	if ln == nil {
		return 0
	}
	return ln.active
}

func (r *RoomLanes) releaseFunc(roomKey string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { r.release(roomKey) })
	}
}

func (r *RoomLanes) release(roomKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ln := r.lanes[roomKey]
	if ln == nil {
		return
	}
	if ln.active > 0 {
		ln.active--
	}
	// Admit from the front while the head waiter's limit allows it. After a
	// limit raise this wakes more than one waiter per release.
	for len(ln.waiters) > 0 && ln.active < ln.waiters[0].limit {
		w := ln.waiters[0]
		ln.waiters = ln.waiters[1:]
		ln.active++
		close(w.ready)
	}
	r.deleteIfIdle(roomKey, ln)
}

// deleteIfIdle drops an empty lane so idle rooms cost nothing. Callers hold r.mu.
func (r *RoomLanes) deleteIfIdle(roomKey string, ln *lane) {
	if ln.active == 0 && len(ln.waiters) == 0 {
		delete(r.lanes, roomKey)
	}
}
