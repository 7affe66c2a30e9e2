package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// natsConnection is the slice of the NATS client the sink uses.
type natsConnection interface {
	Publish(subject string, data []byte) error
	Close()
}

// NATSSink publishes trace events to "<prefix>.trace.<stage>" and
// heartbeats to "<prefix>.heartbeat" as JSON.
type NATSSink struct {
	conn   natsConnection
	prefix string
}

// NewNATSSink connects to the given NATS URL. An empty address uses the
// default local server.
func NewNATSSink(address, subjectPrefix string) (*NATSSink, error) {
	if address == "" {
		address = nats.DefaultURL
	}
	conn, err := nats.Connect(address)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return newNATSSink(conn, subjectPrefix), nil
}

func newNATSSink(conn natsConnection, subjectPrefix string) *NATSSink {
	if subjectPrefix == "" {
		subjectPrefix = "conductor"
	}
	return &NATSSink{conn: conn, prefix: subjectPrefix}
}

func (s *NATSSink) Trace(ctx context.Context, ev TraceEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal trace event: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.conn.Publish(fmt.Sprintf("%s.trace.%s", s.prefix, ev.Stage), raw)
}

func (s *NATSSink) Heartbeat(ctx context.Context, hb HeartbeatRecord) error {
	raw, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.conn.Publish(s.prefix+".heartbeat", raw)
}

func (s *NATSSink) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	s.conn.Close()
	return nil
}
