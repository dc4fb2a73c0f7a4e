package cadence

import (
	"errors"
	"time"
)

// Structural errors: these abort the triggering call before anything is
// sent and are always surfaced to the caller, never swallowed.
var (
	ErrNoActiveSlot      = errors.New("no active slot")
	ErrRecipientNotOwned = errors.New("recipient not owned by tenant")
)

// ErrSendExhausted marks an assignment that failed maxRetries times. It is
// terminal: the assignment is kept with status exhausted and counted in
// totalErrors exactly once.
var ErrSendExhausted = errors.New("send retries exhausted")

// Config tunes the scheduler runtime. Per-tenant pacing policy lives in
// store.CadenceConfig; this struct is engine-wide.
type Config struct {
	// TickInterval drives ticked mode. Default 5s.
	TickInterval time.Duration
	// RetryBackoff is the fixed short delay between per-send retries.
	// Default 500ms.
	RetryBackoff time.Duration
	// ImmediateDelay replaces a longer base delay while a tenant's cadence
	// is in immediate mode. Default 500ms.
	ImmediateDelay time.Duration
	// AdaptiveWindow is the trailing window whose error rate drives the
	// adaptive delay multiplier. Default 1m.
	AdaptiveWindow time.Duration
	// AdaptiveMaxFactor bounds the exponential slowdown. Default 16.
	AdaptiveMaxFactor int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.ImmediateDelay <= 0 {
		c.ImmediateDelay = 500 * time.Millisecond
	}
	if c.AdaptiveWindow <= 0 {
		c.AdaptiveWindow = time.Minute
	}
	if c.AdaptiveMaxFactor <= 0 {
		c.AdaptiveMaxFactor = 16
	}
	return c
}

// Outcome is published on the event bus after every terminal send attempt.
type Outcome struct {
	Recipient string
	Slot      int
	Status    string
	Attempts  int
	Err       string
}
