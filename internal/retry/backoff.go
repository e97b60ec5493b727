package retry

import (
	"math"
	"math/rand"
	"time"
)

// Options defines retry behavior for one operation.
type Options struct {
	// MaxAttempts must be >= 1. Attempt 1 is the initial call.
	MaxAttempts int

	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration

	// Jitter scales each delay by a uniform factor in [0.5, 1.0] to avoid
	// synchronized retry storms.
	Jitter bool

	// Name tags log lines so exhausted retries can be traced to a call site.
	Name string

	// NonRetryable lists SQLSTATE codes that must never be retried even if
	// the classifier would allow it.
	NonRetryable []string

	// IsRetryable overrides the default classifier when set.
	IsRetryable func(error) bool

	// OnRetry fires once per accepted retry, before the backoff sleep.
	// Callers hang counters off it.
	OnRetry func(attempt int, err error)

	// Rand supplies the jitter source. Tests seed it; nil falls back to the
	// package-level source.
	Rand *rand.Rand
}

// DefaultOptions provides sensible defaults for database operations.
var DefaultOptions = Options{
	MaxAttempts:   3,
	InitialDelay:  100 * time.Millisecond,
	BackoffFactor: 2.0,
	MaxDelay:      5 * time.Second,
	Jitter:        true,
}

func (o Options) normalized() Options {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultOptions.InitialDelay
	}
	if o.BackoffFactor < 1 {
		o.BackoffFactor = DefaultOptions.BackoffFactor
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultOptions.MaxDelay
	}
	return o
}

// Delay computes the backoff before the next attempt. attempt is 1-based:
// Delay(1, ...) is the pause after the first failure.
func Delay(attempt int, opts Options) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(opts.InitialDelay) * math.Pow(opts.BackoffFactor, float64(attempt-1))
	if d > float64(opts.MaxDelay) {
		d = float64(opts.MaxDelay)
	}
	if opts.Jitter {
		f := rand.Float64
		if opts.Rand != nil {
			f = opts.Rand.Float64
		}
		d *= 0.5 + 0.5*f()
	}
	return time.Duration(d)
}
