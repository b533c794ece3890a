package authz

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/narval-xyz/armory-sub000/pkg/contracts"
	"github.com/narval-xyz/armory-sub000/pkg/errs"
	"github.com/narval-xyz/armory-sub000/pkg/feed"
	"github.com/narval-xyz/armory-sub000/pkg/store"
)

func TestCreate_PersistsAndEnqueues(t *testing.T) {
	f := newFixture(t, &mockCluster{})

	req := f.create(t)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, contracts.StatusCreated, req.Status)
	assert.Equal(t, testNow, req.CreatedAt)
	assert.Empty(t, req.Evaluations)
	assert.Equal(t, []string{req.ID}, f.queue.ids())

	stored, err := f.svc.GetByID(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, req, stored)
}

func TestCreate_KeepsCallerID(t *testing.T) {
	f := newFixture(t, &mockCluster{})
	in := newInput()
	in.ID = "fixed-id"
	in.Status = contracts.StatusPermitted

	req, err := f.svc.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", req.ID)
	assert.Equal(t, contracts.StatusCreated, req.Status)
}

func TestCreate_IdempotencyKeyReturnsExisting(t *testing.T) {
	f := newFixture(t, &mockCluster{})
	key := "submit-1"

	in := newInput()
	in.IdempotencyKey = &key
	first, err := f.svc.Create(context.Background(), in)
	require.NoError(t, err)

	again := newInput()
	again.IdempotencyKey = &key
	second, err := f.svc.Create(context.Background(), again)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.queue.ids(), 1)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t, &mockCluster{})

	_, err := f.svc.Create(context.Background(), &contracts.AuthorizationRequest{})
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindValidation, e.Kind)
	assert.Len(t, e.Context["issues"], 3)
	assert.Empty(t, f.queue.ids())
}

func TestCreate_RejectsSchemaInvalidRequest(t *testing.T) {
	f := newFixture(t, &mockCluster{})
	in := newInput()
	tx := signTx()
	tx.TransactionRequest.From = "not-an-address"
	in.Request = tx

	_, err := f.svc.Create(context.Background(), in)
	require.ErrorIs(t, err, errs.ErrValidation)
	e, _ := errs.As(err)
	issues, _ := e.Context["issues"].([]errs.Issue)
	require.NotEmpty(t, issues)
	assert.Contains(t, issues[0].Path, "request/transactionRequest/from")

	pending, err := f.requests.FindByStatus(context.Background(), contracts.StatusCreated)
	require.NoError(t, err)
	assert.Empty(t, pending, "nothing persisted")
	assert.Empty(t, f.queue.ids())
}

func TestBootstrap_SkipsUndecodableRows(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, `
		INSERT INTO authorization_requests (id, client_id, status, action, request, authentication, created_at, updated_at)
		VALUES ('corrupt', 'client-1', 'CREATED', 'signTransaction', $1, '0xauth',
			'2026-01-30T10:00:00.000000000Z', '2026-01-30T10:00:00.000000000Z')`,
		`{"action":"signTransaction","nonce":"1","resourceId":"r","transactionRequest":{"chainId":1,"from":"nope"}}`,
	)
	require.NoError(t, err)

	q := &fakeQueue{}
	svc := NewService(store.NewSQLRequestStore(db), &mockCluster{}, q)
	good, err := svc.Create(ctx, newInput())
	require.NoError(t, err)
	q.added = nil

	n, err := svc.Bootstrap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{good.ID}, q.ids())
}

func TestCreate_EnqueueFailureLeavesRequestCreated(t *testing.T) {
	f := newFixture(t, &mockCluster{})
	f.queue.err = errors.New("redis down")

	req, err := f.svc.Create(context.Background(), newInput())
	require.Error(t, err)
	require.NotNil(t, req)

	f.queue.err = nil
	n, err := f.svc.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{req.ID}, f.queue.ids())
}

// Single-node PERMIT: status PERMITTED, one evaluation carrying the token.
func TestProcess_Permit(t *testing.T) {
	cluster := &mockCluster{}
	f := newFixture(t, cluster)
	req := f.create(t)

	cluster.On("Evaluate", mock.Anything, "client-1", mock.MatchedBy(func(r *contracts.EvaluationRequest) bool {
		return r.Authentication == "0xauth" && r.SessionID != "" && r.Request.Action() == contracts.ActionSignTransaction
	})).Return(permit("signed-token"), nil).Once()

	got, err := f.svc.Process(context.Background(), req.ID, 0)
	require.NoError(t, err)

	assert.Equal(t, contracts.StatusPermitted, got.Status)
	require.Len(t, got.Evaluations, 1)
	assert.Equal(t, contracts.DecisionPermit, got.Evaluations[0].Decision)
	require.NotNil(t, got.Evaluations[0].Signature)
	assert.Equal(t, "signed-token", *got.Evaluations[0].Signature)
	cluster.AssertExpectations(t)
}

func TestProcess_ForbidHasNoSignature(t *testing.T) {
	cluster := &mockCluster{}
	f := newFixture(t, cluster)
	req := f.create(t)
	cluster.On("Evaluate", mock.Anything, "client-1", mock.Anything).Return(decided(contracts.DecisionForbid), nil)

	got, err := f.svc.Process(context.Background(), req.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusForbidden, got.Status)
	assert.Nil(t, got.Evaluations[0].Signature)
}

func TestProcess_FreshSessionPerEvaluation(t *testing.T) {
	var sessions []string
	f := newFixture(t, clusterFunc(func(_ context.Context, _ string, r *contracts.EvaluationRequest) (*contracts.EvaluationResponse, error) {
		sessions = append(sessions, r.SessionID)
		return decided(contracts.DecisionConfirm), nil
	}))
	req := f.create(t)

	_, err := f.svc.Process(context.Background(), req.ID, 0)
	require.NoError(t, err)
	_, err = f.svc.Approve(context.Background(), req.ID, "sig-1")
	require.NoError(t, err)

	require.Len(t, sessions, 2)
	assert.NotEqual(t, sessions[0], sessions[1])
}

// CONFIRM moves to APPROVING; an approval re-evaluates to PERMITTED.
func TestApprove_ConfirmThenPermit(t *testing.T) {
	cluster := &mockCluster{}
	f := newFixture(t, cluster)
	req := f.create(t)

	cluster.On("Evaluate", mock.Anything, "client-1", mock.MatchedBy(func(r *contracts.EvaluationRequest) bool {
		return len(r.Approvals) == 0
	})).Return(decided(contracts.DecisionConfirm), nil).Once()
	cluster.On("Evaluate", mock.Anything, "client-1", mock.MatchedBy(func(r *contracts.EvaluationRequest) bool {
		return len(r.Approvals) == 1 && r.Approvals[0] == "approver-sig"
	})).Return(permit("token"), nil).Once()

	got, err := f.svc.Process(context.Background(), req.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusApproving, got.Status)

	got, err = f.svc.Approve(context.Background(), req.ID, "approver-sig")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPermitted, got.Status)
	assert.Equal(t, []string{"approver-sig"}, got.Approvals)
	require.Len(t, got.Evaluations, 2)
	assert.Equal(t, contracts.DecisionConfirm, got.Evaluations[0].Decision)
	assert.Equal(t, contracts.DecisionPermit, got.Evaluations[1].Decision)
	cluster.AssertExpectations(t)
}

func TestApprove_RetryableErrorIsCapturedAndRequeued(t *testing.T) {
	cluster := &mockCluster{}
	f := newFixture(t, cluster)
	req := f.create(t)

	cluster.On("Evaluate", mock.Anything, "client-1", mock.Anything).Return(decided(contracts.DecisionConfirm), nil).Once()
	cluster.On("Evaluate", mock.Anything, "client-1", mock.Anything).
		Return(nil, errs.New(errs.KindTransport, "node timeout", nil)).Once()

	_, err := f.svc.Process(context.Background(), req.ID, 0)
	require.NoError(t, err)
	f.queue.added = nil

	got, err := f.svc.Approve(context.Background(), req.ID, "approver-sig")
	require.NoError(t, err)
	assert.Equal(t, []string{"approver-sig"}, got.Approvals, "approval survives")
	assert.Equal(t, contracts.StatusProcessing, got.Status)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, string(errs.KindTransport), got.Errors[0].Name)
	assert.Equal(t, []string{req.ID}, f.queue.ids())
}

func TestApprove_FinalErrorFailsRequest(t *testing.T) {
	cluster := &mockCluster{}
	f := newFixture(t, cluster)
	req := f.create(t)

	cluster.On("Evaluate", mock.Anything, "client-1", mock.Anything).Return(decided(contracts.DecisionConfirm), nil).Once()
	cluster.On("Evaluate", mock.Anything, "client-1", mock.Anything).
		Return(nil, errs.New(errs.KindConsensusNotReached, "nodes disagree", map[string]any{"clientId": "client-1"})).Once()

	_, err := f.svc.Process(context.Background(), req.ID, 0)
	require.NoError(t, err)

	got, err := f.svc.Approve(context.Background(), req.ID, "approver-sig")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, got.Status)
	assert.Equal(t, []string{"approver-sig"}, got.Approvals)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, string(errs.KindConsensusNotReached), got.Errors[0].Name)
	assert.Equal(t, "client-1", got.Errors[0].Context["clientId"])
}

func TestApprove_OnFinalRequestOnlyRecordsApproval(t *testing.T) {
	cluster := &mockCluster{}
	f := newFixture(t, cluster)
	req := f.create(t)
	cluster.On("Evaluate", mock.Anything, "client-1", mock.Anything).Return(decided(contracts.DecisionForbid), nil).Once()

	_, err := f.svc.Process(context.Background(), req.ID, 0)
	require.NoError(t, err)

	got, err := f.svc.Approve(context.Background(), req.ID, "late-sig")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusForbidden, got.Status)
	assert.Equal(t, []string{"late-sig"}, got.Approvals)
	assert.Len(t, got.Evaluations, 1)
	cluster.AssertExpectations(t)
}

func TestApprove_WhileProcessingOnlyRecordsApproval(t *testing.T) {
	cluster := &mockCluster{}
	f := newFixture(t, cluster)
	req := f.create(t)

	ok, err := f.requests.TransitionStatus(context.Background(), req.ID, contracts.StatusCreated, contracts.StatusProcessing)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := f.svc.Approve(context.Background(), req.ID, "approver-sig")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusProcessing, got.Status)
	assert.Equal(t, []string{"approver-sig"}, got.Approvals)
	assert.Empty(t, got.Evaluations)
	assert.Empty(t, f.queue.ids()[1:], "no extra job")
	cluster.AssertNotCalled(t, "Evaluate", mock.Anything, mock.Anything, mock.Anything)
}

func TestApprove_RejectsEmptySignature(t *testing.T) {
	f := newFixture(t, &mockCluster{})
	_, err := f.svc.Approve(context.Background(), "any", "")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestProcess_AlreadyProcessingPastBudget(t *testing.T) {
	cluster := &mockCluster{}
	f := newFixture(t, cluster, WithMaxAttempts(3))
	req := f.create(t)

	ok, err := f.requests.TransitionStatus(context.Background(), req.ID, contracts.StatusCreated, contracts.StatusProcessing)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.Process(context.Background(), req.ID, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrAlreadyProcessing)
	assert.False(t, errs.IsRetryable(err))
	cluster.AssertNotCalled(t, "Evaluate", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcess_RetryWhileProcessingWithinBudget(t *testing.T) {
	cluster := &mockCluster{}
	f := newFixture(t, cluster, WithMaxAttempts(3))
	req := f.create(t)
	_, _ = f.requests.TransitionStatus(context.Background(), req.ID, contracts.StatusCreated, contracts.StatusProcessing)
	cluster.On("Evaluate", mock.Anything, "client-1", mock.Anything).Return(decided(contracts.DecisionForbid), nil).Once()

	got, err := f.svc.Process(context.Background(), req.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusForbidden, got.Status)
}

func TestProcess_DuplicateTriggerOnFinalRequest(t *testing.T) {
	cluster := &mockCluster{}
	f := newFixture(t, cluster)
	req := f.create(t)
	cluster.On("Evaluate", mock.Anything, "client-1", mock.Anything).Return(permit("t"), nil).Once()

	first, err := f.svc.Process(context.Background(), req.ID, 0)
	require.NoError(t, err)
	second, err := f.svc.Process(context.Background(), req.ID, 0)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	cluster.AssertNumberOfCalls(t, "Evaluate", 1)
}

// racingStore lets another worker win the PROCESSING transition.
type racingStore struct {
	*store.MemoryRequestStore
}

func (r racingStore) TransitionStatus(ctx context.Context, id string, from, _ contracts.AuthorizationRequestStatus) (bool, error) {
	_, _ = r.MemoryRequestStore.TransitionStatus(ctx, id, from, contracts.StatusProcessing)
	return false, nil
}

func TestProcess_LostTransitionSkipsEvaluation(t *testing.T) {
	cluster := &mockCluster{}
	requests := store.NewMemoryRequestStore()
	svc := NewService(racingStore{requests}, cluster, &fakeQueue{})

	req, err := svc.Create(context.Background(), newInput())
	require.NoError(t, err)

	got, err := svc.Process(context.Background(), req.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusProcessing, got.Status)
	assert.Empty(t, got.Evaluations)
	cluster.AssertNotCalled(t, "Evaluate", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcess_NotFound(t *testing.T) {
	f := newFixture(t, &mockCluster{})
	_, err := f.svc.Process(context.Background(), "missing", 0)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.False(t, errs.IsRetryable(err))
}

func TestEvaluate_RejectsInFlightRequest(t *testing.T) {
	cluster := &mockCluster{}
	f := newFixture(t, cluster)
	req := f.create(t)
	req.Status = contracts.StatusProcessing

	_, err := f.svc.Evaluate(context.Background(), req)
	assert.ErrorIs(t, err, errs.ErrAlreadyProcessing)
	cluster.AssertNotCalled(t, "Evaluate", mock.Anything, mock.Anything, mock.Anything)
}

func TestEvaluate_UnknownDecisionIsFinal(t *testing.T) {
	cluster := &mockCluster{}
	f := newFixture(t, cluster)
	req := f.create(t)
	cluster.On("Evaluate", mock.Anything, "client-1", mock.Anything).Return(decided("Maybe"), nil)

	_, err := f.svc.Evaluate(context.Background(), req)
	assert.ErrorIs(t, err, errs.ErrDecisionMapping)
	assert.False(t, errs.IsRetryable(err))

	stored, _ := f.svc.GetByID(context.Background(), req.ID)
	assert.Empty(t, stored.Evaluations)
}

func TestEvaluate_AttachesFeeds(t *testing.T) {
	cluster := &mockCluster{}
	prices := feed.NewStaticPriceService(contracts.Prices{contracts.NativeAsset(137): {contracts.FiatUSD: 0.7}})
	transfers := store.NewMemoryTransferStore()
	f := newFixture(t, cluster, WithFeeds(feed.NewSignedGatherer(prices, transfers, nil)))
	req := f.create(t)

	cluster.On("Evaluate", mock.Anything, "client-1", mock.MatchedBy(func(r *contracts.EvaluationRequest) bool {
		return len(r.Feeds) == 2 && r.Feeds[0].Source == contracts.FeedSourcePrice
	})).Return(decided(contracts.DecisionForbid), nil).Once()

	_, err := f.svc.Evaluate(context.Background(), req)
	require.NoError(t, err)
	cluster.AssertExpectations(t)
}

type failingGatherer struct{}

func (failingGatherer) Gather(context.Context, *contracts.AuthorizationRequest) ([]contracts.Feed, error) {
	return nil, errors.New("price api down")
}

func TestEvaluate_FeedFailureIsRetryable(t *testing.T) {
	cluster := &mockCluster{}
	f := newFixture(t, cluster, WithFeeds(failingGatherer{}))
	req := f.create(t)

	_, err := f.svc.Evaluate(context.Background(), req)
	assert.ErrorIs(t, err, errs.ErrDataFeed)
	assert.True(t, errs.IsRetryable(err))
	cluster.AssertNotCalled(t, "Evaluate", mock.Anything, mock.Anything, mock.Anything)
}

// orderCheckingTracker asserts the transfer lands before PERMITTED does.
type orderCheckingTracker struct {
	*store.MemoryTransferStore
	t        *testing.T
	requests *store.MemoryRequestStore
}

func (o orderCheckingTracker) Track(ctx context.Context, tr contracts.Transfer) error {
	req, err := o.requests.FindByID(ctx, tr.RequestID)
	require.NoError(o.t, err)
	assert.NotEqual(o.t, contracts.StatusPermitted, req.Status)
	return o.MemoryTransferStore.Track(ctx, tr)
}

func TestEvaluate_TracksPermittedTransferFirst(t *testing.T) {
	cluster := &mockCluster{}
	prices := feed.NewStaticPriceService(contracts.Prices{contracts.NativeAsset(137): {contracts.FiatUSD: 0.7}})
	requests := store.NewMemoryRequestStore()
	transfers := store.NewMemoryTransferStore()
	tracker := orderCheckingTracker{MemoryTransferStore: transfers, t: t, requests: requests}
	svc := NewService(requests, cluster, &fakeQueue{}, WithTransferTracking(prices, tracker))

	req, err := svc.Create(context.Background(), newInput())
	require.NoError(t, err)

	resp := permit("t")
	resp.TransactionRequestIntent = &contracts.Intent{
		Type:   contracts.IntentTransferNative,
		To:     "0x76d1b7f9b3f69c435eef76a98a415332084a856f",
		Amount: "1000000000000000000",
	}
	resp.Principal = json.RawMessage(`{"id":"principal-1"}`)
	cluster.On("Evaluate", mock.Anything, "client-1", mock.Anything).Return(resp, nil).Once()

	got, err := svc.Process(context.Background(), req.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPermitted, got.Status)

	tracked, err := transfers.FindByClientID(context.Background(), "client-1")
	require.NoError(t, err)
	require.Len(t, tracked, 1)
	assert.Equal(t, req.ID, tracked[0].RequestID)
	assert.Equal(t, int64(137), tracked[0].ChainID)
	assert.Equal(t, "principal-1", tracked[0].InitiatedBy)
	assert.Equal(t, "1000000000000000000", tracked[0].Amount)
	assert.Equal(t, map[contracts.FiatID]float64{contracts.FiatUSD: 0.7}, tracked[0].Rates)
}

func TestEvaluate_ForbiddenTransferIsNotTracked(t *testing.T) {
	cluster := &mockCluster{}
	transfers := store.NewMemoryTransferStore()
	f := newFixture(t, cluster, WithTransferTracking(feed.NewStaticPriceService(nil), transfers))
	req := f.create(t)

	resp := decided(contracts.DecisionForbid)
	resp.TransactionRequestIntent = &contracts.Intent{Type: contracts.IntentTransferNative, Amount: "1"}
	cluster.On("Evaluate", mock.Anything, "client-1", mock.Anything).Return(resp, nil)

	_, err := f.svc.Process(context.Background(), req.ID, 0)
	require.NoError(t, err)
	tracked, _ := transfers.FindByClientID(context.Background(), "client-1")
	assert.Empty(t, tracked)
}

func TestFail_NeverOverwritesFinalStatus(t *testing.T) {
	cluster := &mockCluster{}
	f := newFixture(t, cluster)
	req := f.create(t)
	cluster.On("Evaluate", mock.Anything, "client-1", mock.Anything).Return(permit("t"), nil)

	_, err := f.svc.Process(context.Background(), req.ID, 0)
	require.NoError(t, err)

	got, err := f.svc.Fail(context.Background(), req.ID, errors.New("late failure"))
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPermitted, got.Status)
	assert.Empty(t, got.Errors)
}

func TestFail_RecordsStructuredError(t *testing.T) {
	f := newFixture(t, &mockCluster{})
	req := f.create(t)

	got, err := f.svc.Fail(context.Background(), req.ID, errs.New(errs.KindClusterNotFound, "no nodes", map[string]any{"clientId": "client-1"}))
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, got.Status)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "CLUSTER_NOT_FOUND", got.Errors[0].Name)
	assert.Equal(t, map[string]any{"clientId": "client-1"}, got.Errors[0].Context)

	plain, err := f.svc.Fail(context.Background(), f.create(t).ID, errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, "UNKNOWN", plain.Errors[0].Name)
	assert.Equal(t, "boom", plain.Errors[0].Message)
}

func TestRequestAndAuthenticationAreImmutable(t *testing.T) {
	cluster := &mockCluster{}
	f := newFixture(t, cluster)
	req := f.create(t)
	before, err := json.Marshal(struct {
		R contracts.Request
		A string
	}{req.Request, req.Authentication})
	require.NoError(t, err)

	cluster.On("Evaluate", mock.Anything, "client-1", mock.Anything).Return(decided(contracts.DecisionConfirm), nil).Times(3)
	_, err = f.svc.Process(context.Background(), req.ID, 0)
	require.NoError(t, err)
	_, err = f.svc.Approve(context.Background(), req.ID, "sig-1")
	require.NoError(t, err)
	got, err := f.svc.Approve(context.Background(), req.ID, "sig-2")
	require.NoError(t, err)

	after, err := json.Marshal(struct {
		R contracts.Request
		A string
	}{got.Request, got.Authentication})
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
	assert.Equal(t, []string{"sig-1", "sig-2"}, got.Approvals)
	assert.Len(t, got.Evaluations, 3)
}

func TestBootstrap_RequeuesCreatedOnly(t *testing.T) {
	cluster := &mockCluster{}
	f := newFixture(t, cluster)
	a := f.create(t)
	b := f.create(t)
	c := f.create(t)
	cluster.On("Evaluate", mock.Anything, "client-1", mock.Anything).Return(decided(contracts.DecisionForbid), nil)
	_, err := f.svc.Process(context.Background(), c.ID, 0)
	require.NoError(t, err)

	f.queue.added = nil
	n, err := f.svc.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, f.queue.ids())
}
