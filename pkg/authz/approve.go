package authz

import (
	"context"

	"github.com/narval-xyz/armory-sub000/pkg/contracts"
	"github.com/narval-xyz/armory-sub000/pkg/errs"
)

// Approve records signature and re-evaluates the request.
//
// The approval is persisted before anything else so it survives any later
// failure. A request already PROCESSING keeps the approval for its next
// evaluation and is not evaluated again here. Errors from re-evaluation are appended to the request's error
// log instead of being returned: a retryable one re-enqueues the request,
// a final one fails it. The caller always gets the current stored state.
func (s *Service) Approve(ctx context.Context, id, signature string) (*contracts.AuthorizationRequest, error) {
	if signature == "" {
		return nil, errs.Validation("invalid approval", []errs.Issue{{Path: "signature", Message: "is required"}})
	}

	updated, err := s.requests.Update(ctx, id, contracts.AuthorizationRequestUpdate{
		Approvals: []string{signature},
	})
	if err != nil {
		return nil, err
	}
	if updated.Status.IsTerminal() {
		s.logger.InfoContext(ctx, "approval recorded on final request", "request_id", id, "status", updated.Status)
		return updated, nil
	}
	if updated.Status == contracts.StatusProcessing {
		s.logger.InfoContext(ctx, "approval recorded while request in flight", "request_id", id)
		return updated, nil
	}

	ok, err := s.requests.TransitionStatus(ctx, id, updated.Status, contracts.StatusProcessing)
	if err != nil {
		return s.captureError(ctx, id, err)
	}
	if !ok {
		s.logger.InfoContext(ctx, "approval recorded while request in flight", "request_id", id)
		return s.requests.FindByID(ctx, id)
	}

	if _, err := s.evaluate(ctx, updated); err != nil {
		return s.captureError(ctx, id, err)
	}
	return s.requests.FindByID(ctx, id)
}

func (s *Service) captureError(ctx context.Context, id string, cause error) (*contracts.AuthorizationRequest, error) {
	update := contracts.AuthorizationRequestUpdate{
		Errors: []contracts.RequestError{s.requestError(cause)},
	}
	retryable := errs.IsRetryable(cause)
	if !retryable {
		update.Status = contracts.StatusFailed
	}

	updated, err := s.requests.Update(ctx, id, update)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to record approval error", "request_id", id, "error", err, "cause", cause)
		return s.requests.FindByID(ctx, id)
	}
	s.logger.WarnContext(ctx, "re-evaluation after approval failed", "request_id", id, "retryable", retryable, "error", cause)

	if retryable {
		if _, err := s.queue.Add(ctx, updated); err != nil {
			s.logger.ErrorContext(ctx, "failed to enqueue retry", "request_id", id, "error", err)
		}
	}
	return updated, nil
}
