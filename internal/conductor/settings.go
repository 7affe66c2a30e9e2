package conductor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/canvasmesh/conductor/internal/controlplane"
	"github.com/canvasmesh/conductor/internal/model"
)

// SettingsCache holds the current runtime-settings snapshot and refreshes it
// from the control plane. Concurrent refreshes collapse into one resolver
// call; a failed refresh keeps the previous snapshot so the conductor never
// runs without settings.
type SettingsCache struct {
	resolver controlplane.Resolver
	interval time.Duration
	logf     logFunc

	flight singleflight.Group

	mu          sync.Mutex
	current     model.RuntimeSettings
	version     string
	lastRefresh time.Time
	now         func() time.Time
}

func NewSettingsCache(resolver controlplane.Resolver, seed model.RuntimeSettings, interval time.Duration, logf logFunc) *SettingsCache {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logf == nil {
		logf = func(LogLevel, string, ...any) {}
	}
	return &SettingsCache{
		resolver: resolver,
		interval: interval,
		logf:     logf,
		current:  seed.Clamp(),
		now:      time.Now,
	}
}

// SetClock overrides the cache clock for tests.
func (s *SettingsCache) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Current returns the active snapshot without touching the control plane.
func (s *SettingsCache) Current() model.RuntimeSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Refresh returns the active snapshot, resolving from the control plane when
// the refresh interval has elapsed (or always, when forced). The returned
// snapshot is always usable: resolver failures are logged and the previous
// snapshot stays in effect until the next interval.
func (s *SettingsCache) Refresh(ctx context.Context, force bool) model.RuntimeSettings {
	s.mu.Lock()
	if s.resolver == nil || (!force && s.now().Sub(s.lastRefresh) < s.interval) {
		current := s.current
		s.mu.Unlock()
		return current
	}
	s.mu.Unlock()

	v, _, _ := s.flight.Do("refresh", func() (any, error) {
		return s.resolve(ctx, force), nil
	})
	settings, _ := v.(model.RuntimeSettings)
	return settings
}

func (s *SettingsCache) resolve(ctx context.Context, force bool) model.RuntimeSettings {
	res, err := s.resolver.Resolve(ctx, controlplane.Query{}, controlplane.ResolveOptions{SkipCache: force})

	s.mu.Lock()
	defer s.mu.Unlock()

	// Failures still advance lastRefresh so a dead control plane is retried
	// once per interval instead of on every claim pass.
	s.lastRefresh = s.now()
	if err != nil {
		s.logf(LogLevelWarn, "settings refresh failed, keeping previous snapshot error=%v", err)
		return s.current
	}

	next := res.Knobs.Apply(s.current).Clamp()
	if next != s.current || res.ConfigVersion != s.version {
		s.logf(LogLevelInfo, "settings updated version=%s room_concurrency=%d lease_ttl=%s max_retry_attempts=%d",
			res.ConfigVersion, next.RoomConcurrency, next.LeaseTTL, next.MaxRetryAttempts)
	}
	s.current = next
	s.version = res.ConfigVersion
	return next
}
