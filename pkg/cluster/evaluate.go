package cluster

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/narval-xyz/armory-sub000/pkg/canonicalize"
	"github.com/narval-xyz/armory-sub000/pkg/contracts"
	"github.com/narval-xyz/armory-sub000/pkg/errs"
)

// nodeResult pairs a response with the node that produced it.
type nodeResult struct {
	node     contracts.PolicyEngineNode
	response *contracts.EvaluationResponse
}

// Evaluate asks every node of clientID's cluster for a decision and
// returns the single agreed outcome.
func (s *Service) Evaluate(ctx context.Context, clientID string, req *contracts.EvaluationRequest) (resp *contracts.EvaluationResponse, err error) {
	ctx, done := s.track(ctx, "cluster.evaluate", clientID)
	defer func() { done(err) }()

	nodes, err := s.clusterNodes(ctx, clientID)
	if err != nil {
		return nil, err
	}

	results, failures, transient := s.fanOutEvaluate(ctx, nodes, req)
	if len(results) == 0 {
		e := errs.New(errs.KindUnreachableCluster, "no node responded", map[string]any{
			"clientId": clientID,
			"nodeIds":  nodeIDs(nodes),
			"failures": failures,
		})
		// Timeouts and refused connections are left to the queue's retry
		// budget; a node rejecting the call outright is not.
		e.Retryable = transient
		return nil, e
	}
	if len(results) < len(nodes) {
		return nil, errs.New(errs.KindTransport, "partial cluster response", map[string]any{
			"clientId":  clientID,
			"responded": len(results),
			"expected":  len(nodes),
			"failures":  failures,
		})
	}

	first := results[0].response
	for _, r := range results[1:] {
		if r.response.Decision != first.Decision {
			responses := make([]*contracts.EvaluationResponse, len(results))
			ids := make([]string, len(results))
			for i, res := range results {
				responses[i] = res.response
				ids[i] = res.node.ID
			}
			return nil, errs.New(errs.KindConsensusNotReached, "nodes disagree on decision", map[string]any{
				"clientId":  clientID,
				"nodeIds":   ids,
				"responses": responses,
			})
		}
	}

	s.obs.RecordDecision(ctx, string(first.Decision))

	if first.Decision != contracts.DecisionPermit {
		return first, nil
	}

	final := first
	if len(nodes) > 1 {
		responses := make([]*contracts.EvaluationResponse, len(results))
		for i, r := range results {
			responses[i] = r.response
		}
		final, err = s.finalizer.Finalize(ctx, req, responses)
		if err != nil {
			if _, ok := errs.As(err); ok {
				return nil, err
			}
			return nil, errs.Wrap(errs.KindFinalization, "finalize cluster signature", err, map[string]any{"clientId": clientID})
		}
	}

	if err := s.verifyAttestation(final, nodes[0], req); err != nil {
		return nil, err
	}
	return final, nil
}

func (s *Service) clusterNodes(ctx context.Context, clientID string) ([]contracts.PolicyEngineNode, error) {
	nodes, err := s.nodes.FindByClientID(ctx, clientID)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnknown, "find cluster nodes", err, map[string]any{"clientId": clientID})
	}
	if len(nodes) == 0 {
		return nil, errs.New(errs.KindClusterNotFound, "no policy engine nodes for client", map[string]any{"clientId": clientID})
	}
	return nodes, nil
}

// fanOutEvaluate sends req to every node concurrently. Failed nodes are
// logged and left out of the returned results, which keep node order.
// transient reports whether every failure was retryable.
func (s *Service) fanOutEvaluate(ctx context.Context, nodes []contracts.PolicyEngineNode, req *contracts.EvaluationRequest) (results []nodeResult, failures map[string]string, transient bool) {
	slots := make([]*contracts.EvaluationResponse, len(nodes))
	failures = make(map[string]string)
	transient = true
	var mu sync.Mutex

	var g errgroup.Group
	for i, node := range nodes {
		g.Go(func() error {
			resp, err := s.engine.Evaluate(ctx, node.URL, node.ClientID, node.ClientSecret, req)
			if err != nil {
				s.logger.WarnContext(ctx, "node evaluation failed", "node_id", node.ID, "url", node.URL, "error", err)
				mu.Lock()
				failures[node.ID] = err.Error()
				if !errs.IsRetryable(err) {
					transient = false
				}
				mu.Unlock()
				return nil
			}
			slots[i] = resp
			return nil
		})
	}
	_ = g.Wait()

	results = make([]nodeResult, 0, len(nodes))
	for i, resp := range slots {
		if resp != nil {
			results = append(results, nodeResult{node: nodes[i], response: resp})
		}
	}
	return results, failures, transient
}

// verifyAttestation checks the PERMIT token against the first node's key
// and the canonical hash of the evaluated request.
func (s *Service) verifyAttestation(resp *contracts.EvaluationResponse, node contracts.PolicyEngineNode, req *contracts.EvaluationRequest) error {
	token := resp.Token()
	hash, err := canonicalize.HashRequest(req.Request)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "hash evaluation request", err, nil)
	}

	if _, err := s.verifier.VerifyRequest(token, node.PublicKey, hash); err != nil {
		return errs.Wrap(errs.KindInvalidAttestationSignature, "attestation verification failed", err, map[string]any{
			"nodeId":    node.ID,
			"token":     token,
			"publicKey": node.PublicKey,
		})
	}
	return nil
}

func nodeIDs(nodes []contracts.PolicyEngineNode) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}
