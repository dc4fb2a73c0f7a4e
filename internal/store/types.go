package store

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("store disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures persistence.
//
// Driver values:
//   - "memory": in-process only (dev, tests)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Priority of a recipient assignment.
type Priority string

const (
	PriorityNormal    Priority = "normal"
	PriorityImmediate Priority = "immediate"
)

// Status of a recipient assignment.
//
// queued and failed are live states (failed means "will be retried");
// sent, exhausted and cancelled are terminal.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusFailed    Status = "failed"
	StatusSent      Status = "sent"
	StatusExhausted Status = "exhausted"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a resting state no scheduler will touch again.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusExhausted || s == StatusCancelled
}

// Assignment binds one recipient to one slot within a tenant.
//
// Slot 0 means "not currently bound": the assignment is queued but its slot
// was disconnected and it awaits reassignment.
type Assignment struct {
	ID        string
	Tenant    string
	Recipient string
	Slot      int
	Priority  Priority
	Status    Status
	Attempts  int
	LastError string
	Payload   []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CadenceConfig is the per-tenant pacing policy.
type CadenceConfig struct {
	BaseDelay     time.Duration
	BatchSize     int
	MaxRetries    int
	AdaptiveMode  bool
	ImmediateMode bool
}

// Normalized applies defaults for zero fields.
func (c CadenceConfig) Normalized() CadenceConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// CadenceRunState is the per-tenant scheduler run state.
type CadenceRunState struct {
	Active      bool
	TotalSent   int64
	TotalErrors int64
	LastTickAt  time.Time
}

// SuccessRate is sent/(sent+errors); 0 when nothing was attempted.
func (s CadenceRunState) SuccessRate() float64 {
	total := s.TotalSent + s.TotalErrors
	if total == 0 {
		return 0
	}
	return float64(s.TotalSent) / float64(total)
}

// Association records that a recipient belongs to a tenant's recipient set.
// Tenant resolution picks the most recently created association when a
// recipient is claimed by more than one tenant.
type Association struct {
	Tenant    string
	Recipient string
	CreatedAt time.Time
}
