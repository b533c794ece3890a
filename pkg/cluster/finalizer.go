package cluster

import (
	"context"

	"github.com/narval-xyz/armory-sub000/pkg/attestation"
	"github.com/narval-xyz/armory-sub000/pkg/contracts"
	"github.com/narval-xyz/armory-sub000/pkg/errs"
)

// Finalizer combines the partial access tokens of a multi-node PERMIT into
// one token that verifies against the cluster key.
type Finalizer interface {
	Finalize(ctx context.Context, req *contracts.EvaluationRequest, responses []*contracts.EvaluationResponse) (*contracts.EvaluationResponse, error)
}

// AgreementFinalizer is used when nodes sign with a shared cluster key. It
// requires every node to return a token bound to the same request hash and
// yields the first node's token. Threshold schemes plug in their own
// Finalizer that aggregates partial signatures keyed by the session id.
type AgreementFinalizer struct{}

func (AgreementFinalizer) Finalize(_ context.Context, req *contracts.EvaluationRequest, responses []*contracts.EvaluationResponse) (*contracts.EvaluationResponse, error) {
	if len(responses) == 0 {
		return nil, errs.New(errs.KindFinalization, "no signable tokens", nil)
	}

	var requestHash string
	for i, resp := range responses {
		token := resp.Token()
		if token == "" {
			return nil, errs.New(errs.KindFinalization, "node returned no access token", map[string]any{"index": i})
		}
		claims, err := attestation.ParseUnverified(token)
		if err != nil {
			return nil, errs.Wrap(errs.KindFinalization, "unreadable partial token", err, map[string]any{"index": i})
		}
		if i == 0 {
			requestHash = claims.RequestHash
			continue
		}
		if claims.RequestHash != requestHash {
			return nil, errs.New(errs.KindFinalization, "partial tokens bound to different requests", map[string]any{
				"index":     i,
				"expected":  requestHash,
				"got":       claims.RequestHash,
				"sessionId": req.SessionID,
			})
		}
	}

	final := *responses[0]
	final.AccessToken = &contracts.AccessToken{Value: responses[0].Token()}
	return &final, nil
}
