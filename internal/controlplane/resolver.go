// Package controlplane defines the resolver collaborator that supplies the
// conductor's tunable knobs, plus a YAML file resolver with hot reload.
package controlplane

import (
	"context"
	"time"

	"github.com/canvasmesh/conductor/internal/model"
)

// Knobs is the partial set of tunables a resolution may carry. Zero values
// mean "not set"; the settings cache falls back to the previous snapshot
// for unset fields.
type Knobs struct {
	RoomConcurrency  int     `yaml:"room_concurrency"`
	LeaseTTLMs       int     `yaml:"lease_ttl_ms"`
	IdlePollBaseMs   int     `yaml:"idle_poll_base_ms"`
	IdlePollMaxMs    int     `yaml:"idle_poll_max_ms"`
	MaxRetryAttempts int     `yaml:"max_retry_attempts"`
	RetryBaseDelayMs int     `yaml:"retry_base_delay_ms"`
	RetryMaxDelayMs  int     `yaml:"retry_max_delay_ms"`
	RetryJitterRatio float64 `yaml:"retry_jitter_ratio"`
}

// Apply overlays the set knobs onto a base settings snapshot.
func (k Knobs) Apply(base model.RuntimeSettings) model.RuntimeSettings {
	if k.RoomConcurrency > 0 {
		base.RoomConcurrency = k.RoomConcurrency
	}
	if k.LeaseTTLMs > 0 {
		base.LeaseTTL = time.Duration(k.LeaseTTLMs) * time.Millisecond
	}
	if k.IdlePollBaseMs > 0 {
		base.IdlePollBase = time.Duration(k.IdlePollBaseMs) * time.Millisecond
	}
	if k.IdlePollMaxMs > 0 {
		base.IdlePollMax = time.Duration(k.IdlePollMaxMs) * time.Millisecond
	}
	if k.MaxRetryAttempts > 0 {
		base.MaxRetryAttempts = k.MaxRetryAttempts
	}
	if k.RetryBaseDelayMs > 0 {
		base.RetryBaseDelay = time.Duration(k.RetryBaseDelayMs) * time.Millisecond
	}
	if k.RetryMaxDelayMs > 0 {
		base.RetryMaxDelay = time.Duration(k.RetryMaxDelayMs) * time.Millisecond
	}
	if k.RetryJitterRatio > 0 {
		base.RetryJitterRatio = k.RetryJitterRatio
	}
	return base
}

// Query scopes a resolution request.
type Query struct {
	Task             *model.Task
	IncludeUserScope bool
}

// ResolveOptions tunes a single resolution call.
type ResolveOptions struct {
	SkipCache bool
}

// Resolution is the effective configuration returned by the control plane.
type Resolution struct {
	Knobs         Knobs
	ConfigVersion string
}

// Resolver supplies effective tunables from the control plane.
type Resolver interface {
	Resolve(ctx context.Context, q Query, opts ResolveOptions) (Resolution, error)
}

// StaticResolver returns a fixed resolution; useful for tests and for
// deployments without a control plane.
type StaticResolver struct {
	Resolution Resolution
}

func (s StaticResolver) Resolve(ctx context.Context, q Query, opts ResolveOptions) (Resolution, error) {
	return s.Resolution, nil
}
