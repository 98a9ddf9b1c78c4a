package orchestrator

import (
	"testing"
	"time"
)

func TestBackoffDelayWithinJitterBounds(t *testing.T) {
	b := DefaultBackoff()

	// Uncapped exponential values for attempts 1..4: 5s, 10s, 20s, 40s.
	expected := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second}
	for attempt := 1; attempt <= len(expected); attempt++ {
		full := expected[attempt-1]
		for i := 0; i < 50; i++ {
			d := b.Delay(attempt)
			if d < full/2 || d > full {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, full/2, full)
			}
		}
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	b := DefaultBackoff()
	for i := 0; i < 50; i++ {
		d := b.Delay(20)
		if d > b.Cap {
			t.Fatalf("delay %v exceeds cap %v", d, b.Cap)
		}
		if d < b.Cap/2 {
			t.Fatalf("delay %v below half the cap %v", d, b.Cap/2)
		}
	}
}

func TestBackoffDelayClampsAttempt(t *testing.T) {
	b := DefaultBackoff()
	for _, attempt := range []int{-3, 0, 1} {
		d := b.Delay(attempt)
		if d < b.Base/2 || d > b.Base {
			t.Fatalf("attempt %d: delay %v outside first-attempt bounds", attempt, d)
		}
	}
}

func TestBackoffNormalizedDefaults(t *testing.T) {
	var b Backoff
	n := b.normalized()
	if n.Base <= 0 || n.Factor < 1 || n.Cap <= 0 || n.MaxAttempts <= 0 {
		t.Fatalf("normalized zero value = %+v", n)
	}
}
