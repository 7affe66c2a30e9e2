// Package arbiter defines the mutation-arbitration collaborator: it
// deduplicates concurrent or repeated executions of the same logical
// mutation so a side effect runs at most once per idempotency window.
package arbiter

import "context"

// Envelope identifies one logical mutation attempt.
type Envelope struct {
	// LockKey is the logical identity of the mutation target; concurrent
	// executions sharing a lock key collapse into one.
	LockKey string
	// IdempotencyKey distinguishes logically-identical retries from
	// logically-new requests.
	IdempotencyKey string
	// ExecutionID is unique per execution attempt.
	ExecutionID string
	Attempt     int
}

// Outcome is the arbitration result. Deduped means an equivalent in-flight
// or recent execution already produced Result and the body was not re-run.
type Outcome struct {
	Result  map[string]any
	Deduped bool
}

// Body is the side-effecting task body handed to the arbiter.
type Body func(ctx context.Context) (map[string]any, error)

// Arbiter executes a mutation at most once per envelope identity.
type Arbiter interface {
	Execute(ctx context.Context, env Envelope, body Body) (Outcome, error)
}
