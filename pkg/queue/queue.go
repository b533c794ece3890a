// Package queue is a Redis-backed, at-least-once job queue for processing
// authorization requests.
//
// A job carries only the request id and doubles as its own job id, so
// enqueuing the same request twice yields one job. Layout under
// "armory:queue:<name>:":
//
//	job:<id>  hash {id, attemptsMade, maxAttempts, state, lastError}
//	wait      list of ready ids (LPUSH in, RPOP out)
//	delayed   sorted set of ids scored by ready time in unix ms
//	active    set of ids claimed by a worker
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/narval-xyz/armory-sub000/pkg/retry"
)

const DefaultName = "authorization-request"

// Job states stored in the job hash.
const (
	StateWaiting = "waiting"
	StateActive  = "active"
	StateDelayed = "delayed"
)

// ErrJobNotFound is returned when a job hash does not exist.
var ErrJobNotFound = errors.New("queue: job not found")

// Job is a processing trigger for one authorization request.
type Job struct {
	ID string
	// AttemptsMade counts finished attempts that asked for a retry.
	AttemptsMade int
	MaxAttempts  int
	State        string
	LastError    string
}

// Exhausted reports whether the job has used its whole attempt budget.
func (j Job) Exhausted() bool {
	return retry.Policy{MaxAttempts: j.MaxAttempts}.Exhausted(j.AttemptsMade)
}

// Counts is a snapshot of queue depth.
type Counts struct {
	Waiting int64
	Delayed int64
	Active  int64
}

type keys struct {
	prefix  string
	wait    string
	delayed string
	active  string
}

func newKeys(name string) keys {
	if name == "" {
		name = DefaultName
	}
	prefix := fmt.Sprintf("armory:queue:%s:", name)
	return keys{
		prefix:  prefix,
		wait:    prefix + "wait",
		delayed: prefix + "delayed",
		active:  prefix + "active",
	}
}

func (k keys) jobPrefix() string { return k.prefix + "job:" }

func (k keys) job(id string) string { return k.jobPrefix() + id }

// addScript creates the job hash and pushes it to wait unless it exists.
// KEYS[1] = job key, KEYS[2] = wait list
// ARGV[1] = job id, ARGV[2] = max attempts
var addScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1], "id", ARGV[1], "attemptsMade", 0, "maxAttempts", ARGV[2], "state", "waiting")
redis.call("LPUSH", KEYS[2], ARGV[1])
return 1
`)

// claimScript promotes due delayed jobs, then moves the oldest waiting job
// to active.
// KEYS[1] = wait, KEYS[2] = delayed, KEYS[3] = active
// ARGV[1] = now (unix ms), ARGV[2] = job key prefix
var claimScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
for _, id in ipairs(due) do
    redis.call("ZREM", KEYS[2], id)
    redis.call("LPUSH", KEYS[1], id)
    redis.call("HSET", ARGV[2] .. id, "state", "waiting")
end
local id = redis.call("RPOP", KEYS[1])
if not id then
    return false
end
redis.call("SADD", KEYS[3], id)
redis.call("HSET", ARGV[2] .. id, "state", "active")
return id
`)

func getJob(ctx context.Context, rdb redis.UniversalClient, k keys, id string) (*Job, error) {
	fields, err := rdb.HGetAll(ctx, k.job(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	job := &Job{
		ID:        fields["id"],
		State:     fields["state"],
		LastError: fields["lastError"],
	}
	if job.AttemptsMade, err = strconv.Atoi(fields["attemptsMade"]); err != nil {
		return nil, fmt.Errorf("queue: corrupt attemptsMade on job %s: %w", id, err)
	}
	if job.MaxAttempts, err = strconv.Atoi(fields["maxAttempts"]); err != nil {
		return nil, fmt.Errorf("queue: corrupt maxAttempts on job %s: %w", id, err)
	}
	return job, nil
}
