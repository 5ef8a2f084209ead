package watcher

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy governs reconnection after transient faults: exponential
// backoff with jitter, optionally bounded in attempts.
type RetryPolicy struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64

	// MaxRetries bounds consecutive retries. Zero means unbounded, with
	// delays capped at MaxInterval.
	MaxRetries int

	// StableAfter resets the backoff once a subscription has stayed open
	// this long, even if no event arrived.
	StableAfter time.Duration
}

// DefaultRetryPolicy retries forever, backing off from 500ms to 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         30 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.5,
		MaxRetries:          0,
		StableAfter:         30 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultRetryPolicy.
func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.RandomizationFactor < 0 || p.RandomizationFactor > 1 {
		p.RandomizationFactor = d.RandomizationFactor
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.StableAfter <= 0 {
		p.StableAfter = d.StableAfter
	}
	return p
}

// newBackOff builds a fresh backoff. NextBackOff returns backoff.Stop once
// MaxRetries is spent.
func (p RetryPolicy) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = p.RandomizationFactor
	eb.MaxElapsedTime = 0
	eb.Reset()

	if p.MaxRetries > 0 {
		return backoff.WithMaxRetries(eb, uint64(p.MaxRetries))
	}
	return eb
}
