package model

import "time"

// Clamp bounds for runtime settings. Every refreshed value is forced into
// these ranges before the snapshot swap so a bad control-plane push cannot
// stall or overload the worker.
const (
	MinRoomConcurrency = 1
	MaxRoomConcurrency = 64

	MinLeaseTTL = time.Second
	MaxLeaseTTL = 5 * time.Minute

	MinIdlePoll = 50 * time.Millisecond
	MaxIdlePoll = 5 * time.Minute

	MinRetryAttempts = 1
	MaxRetryAttempts = 50

	MinRetryDelay = 100 * time.Millisecond
	MaxRetryDelay = 10 * time.Minute
)

// RuntimeSettings is a snapshot of the conductor's tunables. A snapshot is
// immutable once read by a loop iteration; refreshes replace it wholesale.
type RuntimeSettings struct {
	RoomConcurrency  int
	LeaseTTL         time.Duration
	IdlePollBase     time.Duration
	IdlePollMax      time.Duration
	MaxRetryAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryJitterRatio float64
}

// Clamp forces every field into its safe range and normalizes the
// cross-field invariants (retry max >= retry base, idle max >= idle base).
func (s RuntimeSettings) Clamp() RuntimeSettings {
	s.RoomConcurrency = clampInt(s.RoomConcurrency, MinRoomConcurrency, MaxRoomConcurrency)
	s.LeaseTTL = clampDur(s.LeaseTTL, MinLeaseTTL, MaxLeaseTTL)
	s.IdlePollBase = clampDur(s.IdlePollBase, MinIdlePoll, MaxIdlePoll)
	s.IdlePollMax = clampDur(s.IdlePollMax, MinIdlePoll, MaxIdlePoll)
	s.MaxRetryAttempts = clampInt(s.MaxRetryAttempts, MinRetryAttempts, MaxRetryAttempts)
	s.RetryBaseDelay = clampDur(s.RetryBaseDelay, MinRetryDelay, MaxRetryDelay)
	s.RetryMaxDelay = clampDur(s.RetryMaxDelay, MinRetryDelay, MaxRetryDelay)
	if s.RetryJitterRatio < 0 {
		s.RetryJitterRatio = 0
	}
	if s.RetryJitterRatio > 1 {
		s.RetryJitterRatio = 1
	}
	if s.RetryMaxDelay < s.RetryBaseDelay {
		s.RetryMaxDelay = s.RetryBaseDelay
	}
	if s.IdlePollMax < s.IdlePollBase {
		s.IdlePollMax = s.IdlePollBase
	}
	return s
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDur(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
