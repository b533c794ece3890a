package authz

import (
	"context"
	"encoding/json"

	"github.com/narval-xyz/armory-sub000/pkg/contracts"
	"github.com/narval-xyz/armory-sub000/pkg/errs"
	"github.com/narval-xyz/armory-sub000/pkg/feed"
)

// Process is the queue entry point for one attempt at request id.
//
// The queue holds at most one job per request, so a request found
// PROCESSING within the attempt budget is this job's own earlier attempt
// and is evaluated again. Once the budget is spent it is treated as owned
// by another worker and fails with AlreadyProcessing. Any other status
// moves to PROCESSING through a compare-and-swap; losing it means another
// worker took the request, so the current state is returned without
// evaluating.
func (s *Service) Process(ctx context.Context, id string, attemptsMade int) (*contracts.AuthorizationRequest, error) {
	req, err := s.requests.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Status == contracts.StatusProcessing && attemptsMade >= s.maxAttempts {
		return nil, errs.New(errs.KindAlreadyProcessing, "request is already being processed", map[string]any{
			"requestId":    id,
			"attemptsMade": attemptsMade,
			"maxAttempts":  s.maxAttempts,
		})
	}
	if req.Status.IsTerminal() {
		s.logger.InfoContext(ctx, "duplicate processing trigger", "request_id", id, "status", req.Status)
		return req, nil
	}
	if req.Status == contracts.StatusProcessing {
		s.logger.InfoContext(ctx, "resuming processing", "request_id", id, "attempts_made", attemptsMade)
		return s.evaluate(ctx, req)
	}

	ok, err := s.requests.TransitionStatus(ctx, id, req.Status, contracts.StatusProcessing)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.InfoContext(ctx, "lost processing race", "request_id", id, "seen_status", req.Status)
		return s.requests.FindByID(ctx, id)
	}

	return s.evaluate(ctx, req)
}

// Evaluate runs one evaluation of req. It refuses a request already
// PROCESSING: evaluations of stored requests go through Process or Approve.
func (s *Service) Evaluate(ctx context.Context, req *contracts.AuthorizationRequest) (*contracts.AuthorizationRequest, error) {
	if req.Status == contracts.StatusProcessing {
		return nil, errs.New(errs.KindAlreadyProcessing, "request is already being processed", map[string]any{"requestId": req.ID})
	}
	return s.evaluate(ctx, req)
}

// evaluate gathers feeds, asks the cluster, records a permitted transfer
// and then persists the decision with its evaluation.
func (s *Service) evaluate(ctx context.Context, req *contracts.AuthorizationRequest) (updated *contracts.AuthorizationRequest, err error) {
	ctx, done := s.track(ctx, "authz.evaluate", req)
	defer func() { done(err) }()

	var feeds []contracts.Feed
	if s.feeds != nil {
		feeds, err = s.feeds.Gather(ctx, req)
		if err != nil {
			if _, ok := errs.As(err); !ok {
				err = errs.Wrap(errs.KindDataFeed, "gather feeds", err, map[string]any{"requestId": req.ID})
			}
			return nil, err
		}
	}

	resp, err := s.cluster.Evaluate(ctx, req.ClientID, &contracts.EvaluationRequest{
		Authentication: req.Authentication,
		Approvals:      req.Approvals,
		Request:        req.Request,
		Feeds:          feeds,
		Metadata:       req.Metadata,
		SessionID:      s.newID(),
	})
	if err != nil {
		return nil, err
	}

	status, err := decisionStatus(resp.Decision)
	if err != nil {
		return nil, err
	}

	// The transfer is stored before PERMITTED is committed so a concurrent
	// evaluation never sees totals that miss it.
	if status == contracts.StatusPermitted && resp.TransactionRequestIntent.MovesValue() {
		if err := s.trackTransfer(ctx, req, resp); err != nil {
			return nil, err
		}
	}

	evaluation := contracts.Evaluation{
		ID:                       s.newID(),
		Decision:                 resp.Decision,
		ApprovalRequirements:     resp.Approvals,
		TransactionRequestIntent: resp.TransactionRequestIntent,
		CreatedAt:                s.clock().UTC(),
	}
	if token := resp.Token(); token != "" {
		evaluation.Signature = &token
	}

	updated, err = s.requests.Update(ctx, req.ID, contracts.AuthorizationRequestUpdate{
		Status:      status,
		Evaluations: []contracts.Evaluation{evaluation},
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "authorization request evaluated",
		"request_id", req.ID,
		"decision", resp.Decision,
		"status", updated.Status,
		"evaluations", len(updated.Evaluations),
	)
	return updated, nil
}

func decisionStatus(d contracts.Decision) (contracts.AuthorizationRequestStatus, error) {
	switch d {
	case contracts.DecisionPermit:
		return contracts.StatusPermitted, nil
	case contracts.DecisionForbid:
		return contracts.StatusForbidden, nil
	case contracts.DecisionConfirm:
		return contracts.StatusApproving, nil
	}
	return "", errs.New(errs.KindDecisionMapping, "unknown decision", map[string]any{"decision": string(d)})
}

func (s *Service) trackTransfer(ctx context.Context, req *contracts.AuthorizationRequest, resp *contracts.EvaluationResponse) error {
	if s.transfers == nil {
		return nil
	}
	intent := resp.TransactionRequestIntent

	var chainID int64
	if tx, ok := req.Request.(contracts.SignTransaction); ok {
		chainID = tx.TransactionRequest.ChainID
	}

	var rates map[contracts.FiatID]float64
	if s.prices != nil {
		asset := feed.TransferAsset(chainID, intent)
		prices, err := s.prices.GetPrices(ctx, feed.PricesRequest{
			From: []contracts.AssetID{asset},
			To:   []contracts.FiatID{contracts.FiatUSD},
		})
		if err != nil {
			return errs.Wrap(errs.KindDataFeed, "price transfer", err, map[string]any{"requestId": req.ID, "asset": string(asset)})
		}
		rates = prices[asset]
	}

	transfer, err := feed.BuildTransfer(req, intent, principalID(resp.Principal), rates, s.clock())
	if err != nil {
		return err
	}
	if err := s.transfers.Track(ctx, transfer); err != nil {
		return errs.Wrap(errs.KindUnknown, "track transfer", err, map[string]any{"requestId": req.ID, "transferId": transfer.ID})
	}
	s.logger.InfoContext(ctx, "transfer tracked", "request_id", req.ID, "transfer_id", transfer.ID, "amount", transfer.Amount)
	return nil
}

// principalID extracts the id of the principal a node authenticated.
func principalID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return ""
	}
	return p.ID
}
