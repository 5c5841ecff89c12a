package run

import (
	"math"
	"time"
)

type AttemptStatus string

const (
	AttemptRunFinished      AttemptStatus = "RUN_FINISHED"
	AttemptRetryQueued      AttemptStatus = "RETRY_QUEUED"
	AttemptRetryImmediately AttemptStatus = "RETRY_IMMEDIATELY"
)

// RetryConfig is the effective retry policy for a task, resolved at
// dequeue time from run-level overrides falling back to the task's
// registered configuration.
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts"`
	MinDelay    time.Duration `json:"min_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	Factor      float64       `json:"factor"`
	// OOMMachine, when set, upgrades the run to this preset after an
	// out-of-memory failure instead of crashing it.
	OOMMachine string `json:"oom_machine,omitempty"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 1,
		MinDelay:    time.Second,
		MaxDelay:    time.Hour,
		Factor:      2,
	}
}

// NextRetryDelay returns the backoff before the given attempt number
// (1-based: attempt 1 already happened, the delay gates attempt 2).
func (c RetryConfig) NextRetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := c.Factor
	if factor <= 0 {
		factor = 2
	}
	delay := time.Duration(float64(c.MinDelay) * math.Pow(factor, float64(attempt-1)))
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if delay < 0 {
		delay = c.MaxDelay
	}
	return delay
}
