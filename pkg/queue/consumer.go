package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/narval-xyz/armory-sub000/pkg/observability"
	"github.com/narval-xyz/armory-sub000/pkg/retry"
)

// OutcomeKind tells the consumer what to do with a processed job.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	// OutcomeRetry schedules another attempt with backoff while the budget lasts.
	OutcomeRetry
	// OutcomeTerminal stops retrying; the error is final.
	OutcomeTerminal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeTerminal:
		return "terminal"
	}
	return "unknown"
}

// Outcome is the result of Handler.Process.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

func Success() Outcome           { return Outcome{Kind: OutcomeSuccess} }
func Retry(err error) Outcome    { return Outcome{Kind: OutcomeRetry, Err: err} }
func Terminal(err error) Outcome { return Outcome{Kind: OutcomeTerminal, Err: err} }

// Handler processes jobs.
type Handler interface {
	Process(ctx context.Context, job Job) Outcome
	// OnCompleted runs once the job leaves the queue for good: err is nil on
	// success and the final error on a terminal outcome.
	OnCompleted(ctx context.Context, job Job, err error)
	// OnFailed runs after every retryable failure with AttemptsMade already
	// incremented. When AttemptsMade >= MaxAttempts the job has been dropped.
	OnFailed(ctx context.Context, job Job, err error)
}

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	Name         string
	Concurrency  int
	PollInterval time.Duration
	Policy       retry.Policy
	Clock        func() time.Time
	Observer     *observability.Provider
}

// Consumer claims jobs and drives them through a Handler.
type Consumer struct {
	rdb          redis.UniversalClient
	name         string
	keys         keys
	handler      Handler
	concurrency  int
	pollInterval time.Duration
	policy       retry.Policy
	clock        func() time.Time
	obs          *observability.Provider
	logger       *slog.Logger
}

func NewConsumer(rdb redis.UniversalClient, handler Handler, opts ConsumerOptions) *Consumer {
	c := &Consumer{
		rdb:          rdb,
		name:         opts.Name,
		keys:         newKeys(opts.Name),
		handler:      handler,
		concurrency:  opts.Concurrency,
		pollInterval: opts.PollInterval,
		policy:       opts.Policy,
		clock:        opts.Clock,
		obs:          opts.Observer,
		logger:       slog.Default().With("component", "queue.consumer"),
	}
	if c.name == "" {
		c.name = DefaultName
	}
	if c.concurrency <= 0 {
		c.concurrency = 1
	}
	if c.pollInterval <= 0 {
		c.pollInterval = time.Second
	}
	if c.policy.MaxAttempts <= 0 {
		c.policy = retry.DefaultPolicy
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.obs == nil {
		c.obs = observability.Nop()
	}
	return c
}

// Run processes jobs with Concurrency workers until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "consumer started", "queue", c.name, "concurrency", c.concurrency)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.concurrency; i++ {
		worker := i
		g.Go(func() error {
			for {
				processed, err := c.ProcessNext(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					c.logger.ErrorContext(ctx, "queue poll failed", "worker", worker, "error", err)
				}
				if processed {
					continue
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(c.pollInterval):
				}
			}
		})
	}
	err := g.Wait()
	c.logger.Info("consumer stopped", "queue", c.name)
	return err
}

// ProcessNext claims and processes one job. It reports false when no job
// was ready.
func (c *Consumer) ProcessNext(ctx context.Context) (bool, error) {
	now := c.clock().UnixMilli()
	id, err := claimScript.Run(ctx, c.rdb,
		[]string{c.keys.wait, c.keys.delayed, c.keys.active},
		now, c.keys.jobPrefix(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("queue: claim: %w", err)
	}

	job, err := getJob(ctx, c.rdb, c.keys, id)
	if errors.Is(err, ErrJobNotFound) {
		c.logger.WarnContext(ctx, "claimed job without hash", "job_id", id)
		return true, c.rdb.SRem(ctx, c.keys.active, id).Err()
	}
	if err != nil {
		return true, err
	}

	outcome := c.handler.Process(ctx, *job)
	c.obs.RecordJob(ctx, c.name, outcome.Kind.String())

	switch outcome.Kind {
	case OutcomeRetry:
		return true, c.retry(ctx, job, outcome.Err)
	case OutcomeTerminal:
		c.logger.WarnContext(ctx, "job failed permanently", "job_id", job.ID, "error", outcome.Err)
		if err := c.remove(ctx, job.ID); err != nil {
			return true, err
		}
		c.handler.OnCompleted(ctx, *job, outcome.Err)
	default:
		if err := c.remove(ctx, job.ID); err != nil {
			return true, err
		}
		c.handler.OnCompleted(ctx, *job, nil)
	}
	return true, nil
}

func (c *Consumer) retry(ctx context.Context, job *Job, cause error) error {
	attempts, err := c.rdb.HIncrBy(ctx, c.keys.job(job.ID), "attemptsMade", 1).Result()
	if err != nil {
		return fmt.Errorf("queue: count attempt: %w", err)
	}
	job.AttemptsMade = int(attempts)
	if cause != nil {
		job.LastError = cause.Error()
	}

	if job.Exhausted() {
		c.logger.WarnContext(ctx, "job attempts exhausted", "job_id", job.ID, "attempts", job.AttemptsMade, "error", cause)
		if err := c.remove(ctx, job.ID); err != nil {
			return err
		}
		c.handler.OnFailed(ctx, *job, cause)
		return nil
	}

	delay := retry.Backoff(retry.Params{Queue: c.name, JobID: job.ID, Attempt: job.AttemptsMade}, c.policy)
	readyAt := c.clock().Add(delay).UnixMilli()

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.keys.job(job.ID), "state", StateDelayed, "lastError", job.LastError)
		pipe.SRem(ctx, c.keys.active, job.ID)
		pipe.ZAdd(ctx, c.keys.delayed, redis.Z{Score: float64(readyAt), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: schedule retry: %w", err)
	}

	c.logger.InfoContext(ctx, "job retry scheduled", "job_id", job.ID, "attempt", job.AttemptsMade, "delay", delay, "error", cause)
	c.handler.OnFailed(ctx, *job, cause)
	return nil
}

func (c *Consumer) remove(ctx context.Context, id string) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, c.keys.job(id))
		pipe.SRem(ctx, c.keys.active, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: remove job %s: %w", id, err)
	}
	return nil
}

// RecoverStalled returns jobs left active by a crashed worker to the wait
// list, counting the lost run as an attempt. Call it only while no other
// consumer of the queue is running.
func (c *Consumer) RecoverStalled(ctx context.Context) (int, error) {
	ids, err := c.rdb.SMembers(ctx, c.keys.active).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: list active: %w", err)
	}
	for _, id := range ids {
		_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HIncrBy(ctx, c.keys.job(id), "attemptsMade", 1)
			pipe.HSet(ctx, c.keys.job(id), "state", StateWaiting)
			pipe.SRem(ctx, c.keys.active, id)
			pipe.RPush(ctx, c.keys.wait, id)
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("queue: recover job %s: %w", id, err)
		}
	}
	if len(ids) > 0 {
		c.logger.WarnContext(ctx, "recovered stalled jobs", "count", len(ids))
	}
	return len(ids), nil
}
