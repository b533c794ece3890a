package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/narval-xyz/armory-sub000/pkg/attestation"
	"github.com/narval-xyz/armory-sub000/pkg/canonicalize"
	"github.com/narval-xyz/armory-sub000/pkg/contracts"
)

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) Evaluate(ctx context.Context, host, clientID, clientSecret string, req *contracts.EvaluationRequest) (*contracts.EvaluationResponse, error) {
	args := m.Called(ctx, host, clientID, clientSecret, req)
	resp, _ := args.Get(0).(*contracts.EvaluationResponse)
	return resp, args.Error(1)
}

func (m *mockEngine) SyncClient(ctx context.Context, host, clientID, clientSecret string) (*contracts.SyncResponse, error) {
	args := m.Called(ctx, host, clientID, clientSecret)
	resp, _ := args.Get(0).(*contracts.SyncResponse)
	return resp, args.Error(1)
}

func (m *mockEngine) CreateClient(ctx context.Context, host, adminAPIKey string, req *contracts.CreateClientRequest) (*contracts.CreateClientResponse, error) {
	args := m.Called(ctx, host, adminAPIKey, req)
	resp, _ := args.Get(0).(*contracts.CreateClientResponse)
	return resp, args.Error(1)
}

type memNodes struct {
	mu    sync.Mutex
	nodes []contracts.PolicyEngineNode
	err   error
}

func (r *memNodes) FindByClientID(_ context.Context, clientID string) ([]contracts.PolicyEngineNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var out []contracts.PolicyEngineNode
	for _, n := range r.nodes {
		if n.OwnerID == clientID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *memNodes) FindByURL(_ context.Context, url string) ([]contracts.PolicyEngineNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []contracts.PolicyEngineNode
	for _, n := range r.nodes {
		if n.URL == url {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *memNodes) BulkCreate(_ context.Context, nodes []contracts.PolicyEngineNode) ([]contracts.PolicyEngineNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.nodes = append(r.nodes, nodes...)
	return nodes, nil
}

var errBoom = errors.New("connection refused")

// testCluster builds n nodes for clientID sharing one signing key.
func testCluster(t *testing.T, clientID string, n int) ([]contracts.PolicyEngineNode, *attestation.Signer) {
	t.Helper()
	signer, err := attestation.GenerateSigner("cluster-key")
	require.NoError(t, err)

	nodes := make([]contracts.PolicyEngineNode, n)
	for i := range nodes {
		nodes[i] = contracts.PolicyEngineNode{
			ID:           "node-" + string(rune('a'+i)),
			OwnerID:      clientID,
			ClientID:     "engine-" + clientID,
			ClientSecret: "secret",
			PublicKey:    signer.PublicKeyHex(),
			URL:          "http://node-" + string(rune('a'+i)),
			CreatedAt:    time.Date(2026, 1, 30, 10, 0, i, 0, time.UTC),
		}
	}
	return nodes, signer
}

func evalRequest() *contracts.EvaluationRequest {
	return &contracts.EvaluationRequest{
		Authentication: "auth-token",
		Request: contracts.SignMessage{
			Nonce:      "nonce-1",
			ResourceID: "eip155:eoa:0x0301e2724a40e934cce3345928b88956901aa127",
			Message:    "approve payroll",
		},
		SessionID: "session-1",
	}
}

func permitFor(t *testing.T, signer *attestation.Signer, req *contracts.EvaluationRequest) *contracts.EvaluationResponse {
	t.Helper()
	hash, err := canonicalize.HashRequest(req.Request)
	require.NoError(t, err)
	token, err := signer.SignRequest(hash, "principal-1")
	require.NoError(t, err)
	return &contracts.EvaluationResponse{
		Decision:    contracts.DecisionPermit,
		AccessToken: &contracts.AccessToken{Value: token},
	}
}
