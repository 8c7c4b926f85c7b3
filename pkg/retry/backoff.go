// Package retry provides bounded retries with backoff for calls to the
// generative backend and other remote services.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/exploopio/threatrefine/pkg/errors"
)

// Default retry settings for backend calls.
const (
	DefaultMaxAttempts  = 3
	DefaultBaseInterval = 500 * time.Millisecond
	DefaultMaxInterval  = 10 * time.Second
)

// BackoffStrategy shapes the wait before retry n (1-based) from the base
// interval: base*2^(n-1), base*n or base.
type BackoffStrategy int

const (
	BackoffExponential BackoffStrategy = iota
	BackoffLinear
	BackoffConstant
)

// ParseStrategy maps a configured name to a strategy, defaulting to exponential.
func ParseStrategy(s string) BackoffStrategy {
	switch s {
	case "linear":
		return BackoffLinear
	case "constant":
		return BackoffConstant
	default:
		return BackoffExponential
	}
}

// BackoffConfig is the retry schedule of generation.retry. Zero
// MaxInterval means uncapped. Jitter spreads each wait uniformly over
// ±Jitter of its value and is clamped to 1.
type BackoffConfig struct {
	Strategy     BackoffStrategy
	BaseInterval time.Duration
	MaxInterval  time.Duration
	Jitter       float64
}

// DefaultBackoffConfig is exponential from 500ms, capped at 10s, 10% jitter.
func DefaultBackoffConfig() *BackoffConfig {
	return &BackoffConfig{
		Strategy:     BackoffExponential,
		BaseInterval: DefaultBaseInterval,
		MaxInterval:  DefaultMaxInterval,
		Jitter:       0.1,
	}
}

func (c *BackoffConfig) interval(n int) time.Duration {
	n = max(n, 1)
	wait := c.BaseInterval
	switch c.Strategy {
	case BackoffLinear:
		wait *= time.Duration(n)
	case BackoffConstant:
	default:
		wait = time.Duration(float64(wait) * math.Exp2(float64(n-1)))
	}
	if c.MaxInterval > 0 {
		wait = min(wait, c.MaxInterval)
	}
	if c.Jitter > 0 {
		spread := float64(wait) * min(c.Jitter, 1)
		wait += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	return wait
}

// RetrySchedule returns the backoff before each retry, without jitter.
func (c *BackoffConfig) RetrySchedule(maxAttempts int) []time.Duration {
	if maxAttempts <= 0 {
		return nil
	}

	flat := *c
	flat.Jitter = 0
	schedule := make([]time.Duration, maxAttempts)
	for i := range schedule {
		schedule[i] = flat.interval(i + 1)
	}
	return schedule
}

// NewBackOff returns a backoff.BackOff following the configuration.
func (c *BackoffConfig) NewBackOff() backoff.BackOff {
	base := c.BaseInterval
	if base <= 0 {
		base = DefaultBaseInterval
	}

	switch c.Strategy {
	case BackoffConstant:
		return backoff.NewConstantBackOff(base)

	case BackoffLinear:
		return &scheduleBackOff{cfg: c}

	default:
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = base
		b.Multiplier = 2
		b.RandomizationFactor = c.Jitter
		if c.MaxInterval > 0 {
			b.MaxInterval = c.MaxInterval
		}
		// Attempts, not elapsed time, bound the retries.
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
}

// scheduleBackOff replays interval() for strategies cenkalti/backoff lacks.
type scheduleBackOff struct {
	cfg     *BackoffConfig
	attempt int
}

func (b *scheduleBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.cfg.interval(b.attempt)
}

func (b *scheduleBackOff) Reset() {
	b.attempt = 0
}

// Notify is called before each retry with the failed attempt's error and
// the wait before the next attempt.
type Notify func(err error, wait time.Duration)

// Do runs op until it succeeds, returns a non-retryable error, maxAttempts
// is reached or ctx is done. Retryability follows errors.IsRetryable.
func Do(ctx context.Context, cfg *BackoffConfig, maxAttempts int, op func(ctx context.Context) error, notify Notify) error {
	if cfg == nil {
		cfg = DefaultBackoffConfig()
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	b := backoff.WithContext(backoff.WithMaxRetries(cfg.NewBackOff(), uint64(maxAttempts-1)), ctx)
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !errors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var backoffNotify backoff.Notify
	if notify != nil {
		backoffNotify = backoff.Notify(notify)
	}
	return backoff.RetryNotify(operation, b, backoffNotify)
}
