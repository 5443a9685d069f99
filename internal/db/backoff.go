package db

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy controls how recoverable failures are rescheduled.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// JitterFactor adds up to JitterFactor*base of random delay. Values
	// above 1 are treated as 1 so delays stay monotone in the attempt count.
	JitterFactor float64

	jitter func() float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     10 * time.Minute,
		JitterFactor:   0.1,
	}
}

// Delay returns the backoff before the attempt following the given number of
// recorded attempts (attempts >= 1).
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	initial := p.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	ceiling := p.MaxBackoff
	if ceiling < initial {
		ceiling = initial
	}

	base := initial
	for i := 1; i < attempts && base < ceiling; i++ {
		base *= 2
	}
	if base > ceiling {
		base = ceiling
	}

	factor := p.JitterFactor
	if factor < 0 {
		factor = 0
	}
	if factor > 1 {
		factor = 1
	}
	jitter := p.jitter
	if jitter == nil {
		jitter = rand.Float64
	}

	d := base + time.Duration(float64(base)*factor*jitter())
	if d > ceiling {
		d = ceiling
	}
	return d
}

// Exhausted reports whether attempts has reached the ceiling.
func (p RetryPolicy) Exhausted(attempts int) bool {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	return attempts >= max
}
