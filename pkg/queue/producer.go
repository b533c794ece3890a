package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/narval-xyz/armory-sub000/pkg/contracts"
	"github.com/narval-xyz/armory-sub000/pkg/retry"
)

// Producer enqueues processing jobs.
type Producer struct {
	rdb         redis.UniversalClient
	keys        keys
	maxAttempts int
	logger      *slog.Logger
}

func NewProducer(rdb redis.UniversalClient, name string, policy retry.Policy) *Producer {
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = retry.DefaultPolicy.MaxAttempts
	}
	return &Producer{
		rdb:         rdb,
		keys:        newKeys(name),
		maxAttempts: maxAttempts,
		logger:      slog.Default().With("component", "queue.producer"),
	}
}

// Add enqueues a job for req. It reports false when a job for req.ID is
// already queued or running.
func (p *Producer) Add(ctx context.Context, req *contracts.AuthorizationRequest) (bool, error) {
	n, err := addScript.Run(ctx, p.rdb, []string{p.keys.job(req.ID), p.keys.wait}, req.ID, p.maxAttempts).Int()
	if err != nil {
		return false, fmt.Errorf("queue: add job %s: %w", req.ID, err)
	}
	if n == 0 {
		p.logger.DebugContext(ctx, "job already queued", "job_id", req.ID)
	}
	return n == 1, nil
}

// BulkAdd enqueues jobs for reqs in one round trip and returns how many
// were new.
func (p *Producer) BulkAdd(ctx context.Context, reqs []*contracts.AuthorizationRequest) (int, error) {
	if len(reqs) == 0 {
		return 0, nil
	}

	cmds := make([]*redis.Cmd, len(reqs))
	_, err := p.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, req := range reqs {
			cmds[i] = addScript.Eval(ctx, pipe, []string{p.keys.job(req.ID), p.keys.wait}, req.ID, p.maxAttempts)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("queue: bulk add: %w", err)
	}

	added := 0
	for _, cmd := range cmds {
		if n, _ := cmd.Int(); n == 1 {
			added++
		}
	}
	return added, nil
}

// GetJob returns the job for id or ErrJobNotFound.
func (p *Producer) GetJob(ctx context.Context, id string) (*Job, error) {
	return getJob(ctx, p.rdb, p.keys, id)
}

// Counts reports queue depth.
func (p *Producer) Counts(ctx context.Context) (Counts, error) {
	var waiting, delayed, active *redis.IntCmd
	_, err := p.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.LLen(ctx, p.keys.wait)
		delayed = pipe.ZCard(ctx, p.keys.delayed)
		active = pipe.SCard(ctx, p.keys.active)
		return nil
	})
	if err != nil {
		return Counts{}, fmt.Errorf("queue: counts: %w", err)
	}
	return Counts{Waiting: waiting.Val(), Delayed: delayed.Val(), Active: active.Val()}, nil
}
