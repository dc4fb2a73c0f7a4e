package cadence

import (
	"sync"
	"time"
)

// adaptiveState tracks the trailing send-outcome window for one tenant and
// derives a delay multiplier from its error rate: the factor doubles while
// errors dominate (bounded) and halves back toward 1 as sends recover.
type adaptiveState struct {
	mu      sync.Mutex
	window  time.Duration
	maxF    int
	factor  int
	samples []sample
	lastAt  time.Time // most recent recorded outcome
}

type sample struct {
	at time.Time
	ok bool
}

func newAdaptive(window time.Duration, maxFactor int) *adaptiveState {
	return &adaptiveState{window: window, maxF: maxFactor, factor: 1}
}

func (a *adaptiveState) record(now time.Time, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trim(now)
	a.samples = append(a.samples, sample{at: now, ok: ok})
	a.lastAt = now

	n := len(a.samples)
	if n < 4 {
		return
	}
	fails := 0
	for _, s := range a.samples {
		if !s.ok {
			fails++
		}
	}
	rate := float64(fails) / float64(n)
	switch {
	case rate > 0.5 && a.factor < a.maxF:
		a.factor *= 2
		if a.factor > a.maxF {
			a.factor = a.maxF
		}
		// Reset the window so one burst of errors does not keep doubling.
		a.samples = a.samples[:0]
	case rate < 0.2 && a.factor > 1:
		a.factor /= 2
		a.samples = a.samples[:0]
	}
}

// Factor returns the current delay multiplier (>= 1).
func (a *adaptiveState) Factor() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	a.trim(now)
	// No outcomes for a full window means no recent traffic; relax fully.
	// The sample slice alone can't tell: an adjustment empties it.
	if a.factor > 1 && now.Sub(a.lastAt) > a.window {
		a.factor = 1
	}
	return a.factor
}

func (a *adaptiveState) trim(now time.Time) {
	cutoff := now.Add(-a.window)
	kept := a.samples[:0]
	for _, s := range a.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	a.samples = kept
}
