package conductor

import (
	"context"
	"time"

	"github.com/canvasmesh/conductor/internal/telemetry"
)

// heartbeatLoop emits a liveness record on a fixed cadence, plus one
// immediately at startup.
func (c *Conductor) heartbeatLoop(ctx context.Context) error {
	c.emitHeartbeat(ctx)

	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.emitHeartbeat(ctx)
		}
	}
}

func (c *Conductor) emitHeartbeat(ctx context.Context) {
	hb := telemetry.HeartbeatRecord{
		WorkerID:    c.workerID,
		ActiveTasks: int(c.active.Load()),
		At:          c.now(),
	}
	if err := c.sink.Heartbeat(ctx, hb); err != nil {
		c.log(LogLevelWarn, "heartbeat emit failed error=%v", err)
	}
}
