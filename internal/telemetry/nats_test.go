package telemetry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	published map[string][][]byte
	closed    bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.published == nil {
		f.published = make(map[string][][]byte)
	}
	f.published[subject] = append(f.published[subject], data)
	return nil
}

func (f *fakeConn) Close() { f.closed = true }

func TestNATSSinkSubjects(t *testing.T) {
	conn := &fakeConn{}
	sink := newNATSSink(conn, "conductor")

	err := sink.Trace(context.Background(), TraceEvent{
		Stage:  StageCompleted,
		TaskID: "t1",
		At:     time.Now(),
	})
	require.NoError(t, err)

	err = sink.Heartbeat(context.Background(), HeartbeatRecord{WorkerID: "wrk_a", ActiveTasks: 3})
	require.NoError(t, err)

	require.Len(t, conn.published["conductor.trace.completed"], 1)
	require.Len(t, conn.published["conductor.heartbeat"], 1)

	var ev TraceEvent
	require.NoError(t, json.Unmarshal(conn.published["conductor.trace.completed"][0], &ev))
	assert.Equal(t, "t1", ev.TaskID)

	var hb HeartbeatRecord
	require.NoError(t, json.Unmarshal(conn.published["conductor.heartbeat"][0], &hb))
	assert.Equal(t, 3, hb.ActiveTasks)
}

func TestNATSSinkCancelledContext(t *testing.T) {
	conn := &fakeConn{}
	sink := newNATSSink(conn, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sink.Trace(ctx, TraceEvent{Stage: StageExecuting})
	assert.Error(t, err)
	assert.Empty(t, conn.published)
}

func TestNATSSinkClose(t *testing.T) {
	conn := &fakeConn{}
	sink := newNATSSink(conn, "")
	require.NoError(t, sink.Close())
	assert.True(t, conn.closed)
}
