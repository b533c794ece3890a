package authz

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/narval-xyz/armory-sub000/pkg/contracts"
	"github.com/narval-xyz/armory-sub000/pkg/store"
)

var testNow = time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)

type mockCluster struct {
	mock.Mock
}

func (m *mockCluster) Evaluate(ctx context.Context, clientID string, req *contracts.EvaluationRequest) (*contracts.EvaluationResponse, error) {
	args := m.Called(ctx, clientID, req)
	resp, _ := args.Get(0).(*contracts.EvaluationResponse)
	return resp, args.Error(1)
}

// clusterFunc adapts a function to the Cluster interface.
type clusterFunc func(ctx context.Context, clientID string, req *contracts.EvaluationRequest) (*contracts.EvaluationResponse, error)

func (f clusterFunc) Evaluate(ctx context.Context, clientID string, req *contracts.EvaluationRequest) (*contracts.EvaluationResponse, error) {
	return f(ctx, clientID, req)
}

type fakeQueue struct {
	mu    sync.Mutex
	added []string
	err   error
}

func (q *fakeQueue) Add(_ context.Context, req *contracts.AuthorizationRequest) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return false, q.err
	}
	for _, id := range q.added {
		if id == req.ID {
			return false, nil
		}
	}
	q.added = append(q.added, req.ID)
	return true, nil
}

func (q *fakeQueue) BulkAdd(ctx context.Context, reqs []*contracts.AuthorizationRequest) (int, error) {
	n := 0
	for _, r := range reqs {
		ok, err := q.Add(ctx, r)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (q *fakeQueue) ids() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.added...)
}

type fixture struct {
	svc      *Service
	requests *store.MemoryRequestStore
	queue    *fakeQueue
}

func newFixture(t *testing.T, cluster Cluster, opts ...Option) *fixture {
	t.Helper()
	clock := func() time.Time { return testNow }
	f := &fixture{
		requests: store.NewMemoryRequestStore().WithClock(clock),
		queue:    &fakeQueue{},
	}
	opts = append([]Option{WithClock(clock)}, opts...)
	f.svc = NewService(f.requests, cluster, f.queue, opts...)
	return f
}

func signTx() contracts.SignTransaction {
	return contracts.SignTransaction{
		Nonce:      "99",
		ResourceID: "eip155:eoa:0x0301e2724a40e934cce3345928b88956901aa127",
		TransactionRequest: contracts.TransactionRequest{
			ChainID: 137,
			From:    "0x0301e2724a40e934cce3345928b88956901aa127",
			To:      "0x76d1b7f9b3f69c435eef76a98a415332084a856f",
			Value:   "0xde0b6b3a7640000",
		},
	}
}

func newInput() *contracts.AuthorizationRequest {
	return &contracts.AuthorizationRequest{
		ClientID:       "client-1",
		Request:        signTx(),
		Authentication: "0xauth",
		Metadata:       map[string]any{"audience": "armory"},
	}
}

func (f *fixture) create(t *testing.T) *contracts.AuthorizationRequest {
	t.Helper()
	req, err := f.svc.Create(context.Background(), newInput())
	require.NoError(t, err)
	return req
}

func permit(token string) *contracts.EvaluationResponse {
	return &contracts.EvaluationResponse{
		Decision:    contracts.DecisionPermit,
		AccessToken: &contracts.AccessToken{Value: token},
	}
}

func decided(d contracts.Decision) *contracts.EvaluationResponse {
	return &contracts.EvaluationResponse{Decision: d}
}
