package cadence

import (
	"testing"
	"time"
)

func TestAdaptiveFactorDoublesOnErrors(t *testing.T) {
	t.Parallel()
	a := newAdaptive(time.Minute, 16)
	now := time.Now()

	if f := a.Factor(); f != 1 {
		t.Fatalf("initial factor = %d", f)
	}
	// Fewer than four samples never adjust.
	for i := 0; i < 3; i++ {
		a.record(now, false)
	}
	if f := a.Factor(); f != 1 {
		t.Fatalf("factor after 3 failures = %d", f)
	}
	a.record(now, false)
	if f := a.Factor(); f != 2 {
		t.Fatalf("factor after 4 failures = %d, want 2", f)
	}

	// Each full window of failures doubles again, up to the cap.
	for i := 0; i < 20; i++ {
		a.record(now, false)
	}
	if f := a.Factor(); f > 16 {
		t.Fatalf("factor %d exceeds max", f)
	}
}

func TestAdaptiveFactorHalvesOnRecovery(t *testing.T) {
	t.Parallel()
	a := newAdaptive(time.Minute, 16)
	now := time.Now()

	for i := 0; i < 4; i++ {
		a.record(now, false)
	}
	for i := 0; i < 4; i++ {
		a.record(now, false)
	}
	if f := a.Factor(); f != 4 {
		t.Fatalf("factor = %d, want 4", f)
	}

	// A clean window halves it back down.
	for i := 0; i < 4; i++ {
		a.record(now, true)
	}
	if f := a.Factor(); f != 2 {
		t.Fatalf("factor after recovery = %d, want 2", f)
	}
}

func TestAdaptiveRelaxesAfterIdleWindow(t *testing.T) {
	t.Parallel()
	a := newAdaptive(50*time.Millisecond, 16)
	now := time.Now()
	for i := 0; i < 4; i++ {
		a.record(now, false)
	}
	if f := a.Factor(); f != 2 {
		t.Fatalf("factor = %d, want 2", f)
	}
	time.Sleep(80 * time.Millisecond)
	if f := a.Factor(); f != 1 {
		t.Fatalf("factor after idle window = %d, want 1", f)
	}
}

func TestAdaptiveMixedRateHolds(t *testing.T) {
	t.Parallel()
	a := newAdaptive(time.Minute, 16)
	now := time.Now()
	for i := 0; i < 4; i++ {
		a.record(now, false)
	}
	// Error rate between 0.2 and 0.5 leaves the factor alone.
	for i := 0; i < 6; i++ {
		a.record(now, i%2 == 0)
	}
	if f := a.Factor(); f != 2 {
		t.Fatalf("factor under mixed outcomes = %d, want 2", f)
	}
}
