package retry

import (
	"testing"
	"time"
)

func TestBackoffDoubles(t *testing.T) {
	policy := Policy{BaseMs: 100, MaxMs: 30000, MaxAttempts: 5}
	params := Params{Queue: "authorization-request", JobID: "req-1"}

	want := []int64{100, 200, 400, 800}
	for i, w := range want {
		params.Attempt = i + 1
		if got := Backoff(params, policy).Milliseconds(); got != w {
			t.Errorf("attempt %d delay = %d, want %d", params.Attempt, got, w)
		}
	}
}

func TestBackoffCapped(t *testing.T) {
	policy := Policy{BaseMs: 1000, MaxMs: 3000}
	got := Backoff(Params{Attempt: 10}, policy)
	if got != 3*time.Second {
		t.Errorf("delay = %v, want 3s", got)
	}
}

func TestJitterDeterministic(t *testing.T) {
	policy := Policy{MaxJitterMs: 1000}
	params := Params{Queue: "q", JobID: "j", Attempt: 2}

	j1 := Jitter(params, policy)
	j2 := Jitter(params, policy)
	if j1 != j2 {
		t.Errorf("jitter not deterministic: %d vs %d", j1, j2)
	}
	if j1 < 0 || j1 >= 1000 {
		t.Errorf("jitter out of range: %d", j1)
	}

	params.JobID = "other"
	if Jitter(params, Policy{}) != 0 {
		t.Error("zero MaxJitterMs must disable jitter")
	}
}

func TestExhausted(t *testing.T) {
	policy := Policy{BaseMs: 50, MaxMs: 1000, MaxAttempts: 3}
	if !policy.Exhausted(3) || policy.Exhausted(2) {
		t.Error("Exhausted mismatch")
	}
}
