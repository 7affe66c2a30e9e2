// Package telemetry defines the trace/heartbeat sink collaborator and its
// in-memory and NATS implementations.
package telemetry

import (
	"context"
	"time"
)

// Stage tags a trace event with the execution stage it reports.
type Stage string

const (
	StageExecuting             Stage = "executing"
	StageCompleted             Stage = "completed"
	StageFailed                Stage = "failed"
	StageScopeMismatchRequeued Stage = "scope_mismatch_requeued"
)

// TraceEvent is a structured per-task event.
type TraceEvent struct {
	Stage     Stage          `json:"stage"`
	TaskID    string         `json:"task_id"`
	TaskType  string         `json:"task_type"`
	RoomKey   string         `json:"room_key"`
	Attempt   int            `json:"attempt"`
	TraceID   string         `json:"trace_id,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	IntentID  string         `json:"intent_id,omitempty"`
	Deduped   bool           `json:"deduped,omitempty"`
	LatencyMs int64          `json:"latency_ms,omitempty"`
	Error     string         `json:"error,omitempty"`
	Terminal  bool           `json:"terminal,omitempty"`
	RetryAt   *time.Time     `json:"retry_at,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	At        time.Time      `json:"at"`
}

// HeartbeatRecord is a periodic worker liveness signal.
type HeartbeatRecord struct {
	WorkerID    string    `json:"worker_id"`
	ActiveTasks int       `json:"active_tasks"`
	At          time.Time `json:"at"`
}

// Sink accepts trace events and heartbeats. Implementations must be safe
// for concurrent use; emit failures are the caller's to log and ignore.
type Sink interface {
	Trace(ctx context.Context, ev TraceEvent) error
	Heartbeat(ctx context.Context, hb HeartbeatRecord) error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Trace(context.Context, TraceEvent) error          { return nil }
func (NopSink) Heartbeat(context.Context, HeartbeatRecord) error { return nil }
