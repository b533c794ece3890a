// Package authz drives authorization requests through their lifecycle:
// creation, queued processing, cluster evaluation, approvals and terminal
// failure.
//
// Status only moves forward. Once a request is PERMITTED, FORBIDDEN,
// FAILED or CANCELED it is never rewritten; the repository enforces the
// same rule on its side.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/narval-xyz/armory-sub000/pkg/contracts"
	"github.com/narval-xyz/armory-sub000/pkg/errs"
	"github.com/narval-xyz/armory-sub000/pkg/feed"
	"github.com/narval-xyz/armory-sub000/pkg/observability"
	"github.com/narval-xyz/armory-sub000/pkg/retry"
	"github.com/narval-xyz/armory-sub000/pkg/store"
)

// RequestRepository persists authorization requests. Update only accepts
// the mutable fields; see contracts.AuthorizationRequestUpdate.
type RequestRepository interface {
	Create(ctx context.Context, req *contracts.AuthorizationRequest) (*contracts.AuthorizationRequest, error)
	FindByID(ctx context.Context, id string) (*contracts.AuthorizationRequest, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*contracts.AuthorizationRequest, error)
	FindByStatus(ctx context.Context, statuses ...contracts.AuthorizationRequestStatus) ([]*contracts.AuthorizationRequest, error)
	Update(ctx context.Context, id string, update contracts.AuthorizationRequestUpdate) (*contracts.AuthorizationRequest, error)
	// TransitionStatus sets to only if the stored status is still from.
	TransitionStatus(ctx context.Context, id string, from, to contracts.AuthorizationRequestStatus) (bool, error)
}

// Cluster evaluates a request on the client's policy-engine cluster.
// *cluster.Service implements it.
type Cluster interface {
	Evaluate(ctx context.Context, clientID string, req *contracts.EvaluationRequest) (*contracts.EvaluationResponse, error)
}

// JobQueue enqueues processing jobs keyed by request id. *queue.Producer
// implements it.
type JobQueue interface {
	Add(ctx context.Context, req *contracts.AuthorizationRequest) (bool, error)
	BulkAdd(ctx context.Context, reqs []*contracts.AuthorizationRequest) (int, error)
}

// Service is the authorization request state machine.
type Service struct {
	requests    RequestRepository
	cluster     Cluster
	queue       JobQueue
	feeds       feed.Gatherer
	prices      feed.PriceService
	transfers   feed.TransferTracker
	maxAttempts int
	obs         *observability.Provider
	clock       func() time.Time
	newID       func() string
	logger      *slog.Logger
}

type Option func(*Service)

// WithFeeds sets the gatherer whose feeds accompany every evaluation.
func WithFeeds(g feed.Gatherer) Option { return func(s *Service) { s.feeds = g } }

// WithTransferTracking records permitted transfers priced through prices.
func WithTransferTracking(prices feed.PriceService, transfers feed.TransferTracker) Option {
	return func(s *Service) {
		s.prices = prices
		s.transfers = transfers
	}
}

// WithMaxAttempts must match the queue's attempt budget.
func WithMaxAttempts(n int) Option { return func(s *Service) { s.maxAttempts = n } }

func WithObservability(p *observability.Provider) Option { return func(s *Service) { s.obs = p } }

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option { return func(s *Service) { s.clock = clock } }

// WithIDGenerator overrides uuid generation for request, evaluation and
// session ids.
func WithIDGenerator(next func() string) Option { return func(s *Service) { s.newID = next } }

func NewService(requests RequestRepository, cluster Cluster, queue JobQueue, opts ...Option) *Service {
	s := &Service{
		requests:    requests,
		cluster:     cluster,
		queue:       queue,
		maxAttempts: retry.DefaultPolicy.MaxAttempts,
		obs:         observability.Nop(),
		clock:       time.Now,
		newID:       func() string { return uuid.New().String() },
		logger:      slog.Default().With("component", "authz"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create persists input as CREATED and enqueues its processing job. A
// duplicate idempotency key returns the request stored under that key.
// When enqueuing fails the request stays CREATED and Bootstrap picks it up.
func (s *Service) Create(ctx context.Context, input *contracts.AuthorizationRequest) (*contracts.AuthorizationRequest, error) {
	if err := validateCreate(input); err != nil {
		return nil, err
	}

	now := s.clock().UTC()
	req := input.Clone()
	if req.ID == "" {
		req.ID = s.newID()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = req.CreatedAt
	}
	req.Status = contracts.StatusCreated

	created, err := s.requests.Create(ctx, req)
	if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
		existing, findErr := s.requests.FindByIdempotencyKey(ctx, *req.IdempotencyKey)
		if findErr != nil {
			return nil, findErr
		}
		s.logger.InfoContext(ctx, "duplicate submission", "request_id", existing.ID, "idempotency_key", *req.IdempotencyKey)
		return existing, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.queue.Add(ctx, created); err != nil {
		return created, fmt.Errorf("authz: enqueue %s: %w", created.ID, err)
	}
	s.logger.InfoContext(ctx, "authorization request created", "request_id", created.ID, "client_id", created.ClientID, "action", created.Request.Action())
	return created, nil
}

func validateCreate(req *contracts.AuthorizationRequest) error {
	if req == nil {
		return errs.Validation("invalid authorization request", []errs.Issue{{Message: "request is required"}})
	}
	var issues []errs.Issue
	if req.ClientID == "" {
		issues = append(issues, errs.Issue{Path: "clientId", Message: "is required"})
	}
	if req.Request == nil {
		issues = append(issues, errs.Issue{Path: "request", Message: "is required"})
	} else if err := contracts.ValidateRequest(req.Request); err != nil {
		e, ok := errs.As(err)
		if !ok {
			return err
		}
		found, _ := e.Context["issues"].([]errs.Issue)
		if len(found) == 0 {
			found = []errs.Issue{{Message: e.Message}}
		}
		for _, issue := range found {
			issue.Path = "request" + issue.Path
			issues = append(issues, issue)
		}
	}
	if req.Authentication == "" {
		issues = append(issues, errs.Issue{Path: "authentication", Message: "is required"})
	}
	if len(issues) > 0 {
		return errs.Validation("invalid authorization request", issues)
	}
	return nil
}

// GetByID returns the persisted request, errors log included.
func (s *Service) GetByID(ctx context.Context, id string) (*contracts.AuthorizationRequest, error) {
	return s.requests.FindByID(ctx, id)
}

// Bootstrap re-enqueues every request still CREATED, covering jobs lost
// before they reached the queue.
func (s *Service) Bootstrap(ctx context.Context) (int, error) {
	pending, err := s.requests.FindByStatus(ctx, contracts.StatusCreated)
	if err != nil {
		return 0, fmt.Errorf("authz: bootstrap: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	added, err := s.queue.BulkAdd(ctx, pending)
	if err != nil {
		return 0, fmt.Errorf("authz: bootstrap: %w", err)
	}
	s.logger.InfoContext(ctx, "re-enqueued created requests", "found", len(pending), "added", added)
	return added, nil
}

// Fail forces id to FAILED and records cause. A request already in a
// terminal state is returned untouched.
func (s *Service) Fail(ctx context.Context, id string, cause error) (*contracts.AuthorizationRequest, error) {
	current, err := s.requests.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		s.logger.InfoContext(ctx, "fail skipped, request already final", "request_id", id, "status", current.Status, "error", cause)
		return current, nil
	}

	updated, err := s.requests.Update(ctx, id, contracts.AuthorizationRequestUpdate{
		Status: contracts.StatusFailed,
		Errors: []contracts.RequestError{s.requestError(cause)},
	})
	if err != nil {
		return nil, err
	}
	s.logger.WarnContext(ctx, "authorization request failed", "request_id", id, "error", cause)
	return updated, nil
}

// requestError converts err into an entry of the request's error log.
func (s *Service) requestError(err error) contracts.RequestError {
	re := contracts.RequestError{
		ID:        s.newID(),
		Name:      string(errs.KindUnknown),
		CreatedAt: s.clock().UTC(),
	}
	if err == nil {
		re.Message = "unknown error"
		return re
	}
	re.Message = err.Error()
	if e, ok := errs.As(err); ok {
		re.Name = string(e.Kind)
		re.Context = e.Context
	}
	return re
}

func (s *Service) track(ctx context.Context, op string, req *contracts.AuthorizationRequest) (context.Context, func(error)) {
	return s.obs.TrackOperation(ctx, op,
		attribute.String("request_id", req.ID),
		attribute.String("client_id", req.ClientID),
	)
}
