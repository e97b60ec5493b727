package retry

import (
	"math/rand"
	"testing"
	"time"
)

func TestDelayGrowthAndCap(t *testing.T) {
	opts := Options{
		MaxAttempts:   10,
		InitialDelay:  100 * time.Millisecond,
		BackoffFactor: 2.0,
		MaxDelay:      2 * time.Second,
	}

	var prev time.Duration
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		d := Delay(attempt, opts)
		if d < prev {
			t.Errorf("Delay(%d) = %v, decreased from %v", attempt, d, prev)
		}
		if d > opts.MaxDelay {
			t.Errorf("Delay(%d) = %v exceeds cap %v", attempt, d, opts.MaxDelay)
		}
		prev = d
	}

	if got := Delay(1, opts); got != 100*time.Millisecond {
		t.Errorf("Delay(1) = %v, want 100ms", got)
	}
	if got := Delay(3, opts); got != 400*time.Millisecond {
		t.Errorf("Delay(3) = %v, want 400ms", got)
	}
	if got := Delay(8, opts); got != opts.MaxDelay {
		t.Errorf("Delay(8) = %v, want cap %v", got, opts.MaxDelay)
	}
}

func TestDelayJitterBounds(t *testing.T) {
	opts := Options{
		MaxAttempts:   5,
		InitialDelay:  time.Second,
		BackoffFactor: 1.0,
		MaxDelay:      time.Second,
		Jitter:        true,
		Rand:          rand.New(rand.NewSource(42)),
	}

	for i := 0; i < 100; i++ {
		d := Delay(1, opts)
		if d < 500*time.Millisecond || d > time.Second {
			t.Fatalf("jittered delay %v outside [500ms, 1s]", d)
		}
	}
}

func TestDelayJitterDeterministicWithSeed(t *testing.T) {
	mk := func() Options {
		return Options{
			MaxAttempts:   5,
			InitialDelay:  time.Second,
			BackoffFactor: 2.0,
			MaxDelay:      time.Minute,
			Jitter:        true,
			Rand:          rand.New(rand.NewSource(7)),
		}
	}

	a, b := mk(), mk()
	for attempt := 1; attempt <= 5; attempt++ {
		if da, db := Delay(attempt, a), Delay(attempt, b); da != db {
			t.Errorf("Delay(%d) not deterministic with fixed seed: %v != %v", attempt, da, db)
		}
	}
}
