package telemetry

import (
	"context"
	"sync"
)

// MemorySink records everything it receives; used in tests and by the
// status tooling of single-process deployments.
type MemorySink struct {
	mu         sync.Mutex
	events     []TraceEvent
	heartbeats []HeartbeatRecord
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Trace(ctx context.Context, ev TraceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *MemorySink) Heartbeat(ctx context.Context, hb HeartbeatRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats = append(s.heartbeats, hb)
	return nil
}

// Events returns a copy of the recorded trace events.
func (s *MemorySink) Events() []TraceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TraceEvent, len(s.events))
	copy(out, s.events)
	return out
}

// EventsForStage returns recorded events with the given stage.
func (s *MemorySink) EventsForStage(stage Stage) []TraceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TraceEvent
	for _, ev := range s.events {
		if ev.Stage == stage {
			out = append(out, ev)
		}
	}
	return out
}

// Heartbeats returns a copy of the recorded heartbeats.
func (s *MemorySink) Heartbeats() []HeartbeatRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HeartbeatRecord, len(s.heartbeats))
	copy(out, s.heartbeats)
	return out
}
