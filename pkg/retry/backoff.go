// Package retry computes queue retry delays: exponential backoff with a
// jitter derived from the job identity, so a given attempt of a given job
// always waits the same amount.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Params identifies one retry attempt.
type Params struct {
	Queue string
	JobID string
	// Attempt is the number of attempts already made (1 after the first failure).
	Attempt int
}

type Policy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultPolicy mirrors the queue defaults: 3 attempts starting at 5s.
var DefaultPolicy = Policy{
	BaseMs:      5000,
	MaxMs:       5 * 60 * 1000,
	MaxJitterMs: 250,
	MaxAttempts: 3,
}

// Exhausted reports whether attempt has used the whole budget.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Backoff returns the delay before the next attempt: base * 2^(attempt-1),
// capped at MaxMs, plus deterministic jitter.
func Backoff(params Params, policy Policy) time.Duration {
	exp := params.Attempt - 1
	if exp < 0 {
		exp = 0
	}
	if exp > 30 {
		exp = 30
	}

	delay := policy.BaseMs * (int64(1) << exp)
	if policy.MaxMs > 0 && delay > policy.MaxMs {
		delay = policy.MaxMs
	}

	return time.Duration(delay+Jitter(params, policy)) * time.Millisecond
}

// Jitter returns a value in [0, MaxJitterMs) seeded by params.
func Jitter(params Params, policy Policy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}

	seed := fmt.Sprintf("%s:%s:%d", params.Queue, params.JobID, params.Attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])

	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}
