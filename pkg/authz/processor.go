package authz

import (
	"context"
	"log/slog"

	"github.com/narval-xyz/armory-sub000/pkg/errs"
	"github.com/narval-xyz/armory-sub000/pkg/queue"
)

// Processor adapts the Service to the queue consumer. Retryable errors
// become queue retries; everything else is final.
type Processor struct {
	svc    *Service
	logger *slog.Logger
}

func NewProcessor(svc *Service) *Processor {
	return &Processor{svc: svc, logger: slog.Default().With("component", "authz.processor")}
}

func (p *Processor) Process(ctx context.Context, job queue.Job) queue.Outcome {
	_, err := p.svc.Process(ctx, job.ID, job.AttemptsMade)
	switch {
	case err == nil:
		return queue.Success()
	case errs.IsRetryable(err):
		return queue.Retry(err)
	default:
		return queue.Terminal(err)
	}
}

// OnCompleted fails the request when the job ended on a final error.
func (p *Processor) OnCompleted(ctx context.Context, job queue.Job, err error) {
	if err == nil {
		return
	}
	p.fail(ctx, job, err)
}

// OnFailed fails the request once the job has no attempts left.
func (p *Processor) OnFailed(ctx context.Context, job queue.Job, err error) {
	if !job.Exhausted() {
		return
	}
	p.fail(ctx, job, err)
}

func (p *Processor) fail(ctx context.Context, job queue.Job, cause error) {
	if _, err := p.svc.Fail(ctx, job.ID, cause); err != nil {
		p.logger.ErrorContext(ctx, "failed to mark request failed", "request_id", job.ID, "error", err, "cause", cause)
	}
}
