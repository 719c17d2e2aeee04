package session

import (
	"errors"
	"math"
	"time"

	"github.com/nhle/reply-optimizer/internal/model"
)

// BackoffPolicy computes restart delays for a session that keeps failing.
// Delays grow exponentially from Floor and are capped at Ceiling. A session
// that stayed Running for at least ResetAfter starts again from Floor.
type BackoffPolicy struct {
	Floor      time.Duration
	Ceiling    time.Duration
	Multiplier float64
	ResetAfter time.Duration
}

// PolicyFromConfig returns the policy configured for the manager.
func PolicyFromConfig(cfg model.ManagerConfig) BackoffPolicy {
	return BackoffPolicy{
		Floor:      cfg.BackoffFloor,
		Ceiling:    cfg.BackoffCeiling,
		Multiplier: cfg.BackoffMultiplier,
		ResetAfter: cfg.BackoffResetAfter,
	}
}

// Delay returns the wait before the restart following the given number of
// consecutive failures (1 for the first failure).
func (p BackoffPolicy) Delay(failures int) time.Duration {
	if failures <= 1 {
		return min(p.Floor, p.Ceiling)
	}

	delay := float64(p.Floor) * math.Pow(p.Multiplier, float64(failures-1))
	if delay >= float64(p.Ceiling) || math.IsInf(delay, 0) {
		return p.Ceiling
	}
	return time.Duration(delay)
}

// Healthy reports whether a run of the given length resets the backoff.
func (p BackoffPolicy) Healthy(ran time.Duration) bool {
	return ran >= p.ResetAfter
}

// Validate checks that the policy is usable.
func (p BackoffPolicy) Validate() error {
	if p.Floor <= 0 {
		return errors.New("backoff floor must be positive")
	}
	if p.Ceiling < p.Floor {
		return errors.New("backoff ceiling cannot be below the floor")
	}
	if p.Multiplier < 1 {
		return errors.New("backoff multiplier must be at least 1")
	}
	return nil
}
