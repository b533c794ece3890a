package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/narval-xyz/armory-sub000/pkg/contracts"
	"github.com/narval-xyz/armory-sub000/pkg/errs"
)

// MemoryRequestStore is an in-process request store with the same contract
// as SQLRequestStore. It hands out clones.
type MemoryRequestStore struct {
	mu       sync.Mutex
	requests map[string]*contracts.AuthorizationRequest
	idemKeys map[string]string
	clock    func() time.Time
}

func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{
		requests: make(map[string]*contracts.AuthorizationRequest),
		idemKeys: make(map[string]string),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryRequestStore) WithClock(clock func() time.Time) *MemoryRequestStore {
	s.clock = clock
	return s
}

func (s *MemoryRequestStore) Create(_ context.Context, req *contracts.AuthorizationRequest) (*contracts.AuthorizationRequest, error) {
	if req.Request == nil {
		return nil, errs.Validation("request is required", []errs.Issue{{Path: "/request", Message: "required"}})
	}
	if err := contracts.ValidateRequest(req.Request); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.IdempotencyKey != nil {
		if _, ok := s.idemKeys[*req.IdempotencyKey]; ok {
			return nil, ErrDuplicateIdempotencyKey
		}
	}
	if _, ok := s.requests[req.ID]; ok {
		return nil, errs.New(errs.KindConflict, "authorization request already exists", map[string]any{"id": req.ID})
	}

	stored := req.Clone()
	stored.CreatedAt = stored.CreatedAt.UTC()
	stored.UpdatedAt = stored.UpdatedAt.UTC()
	normalizeLogs(stored)
	s.requests[req.ID] = stored
	if req.IdempotencyKey != nil {
		s.idemKeys[*req.IdempotencyKey] = req.ID
	}
	return stored.Clone(), nil
}

func (s *MemoryRequestStore) FindByID(_ context.Context, id string) (*contracts.AuthorizationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, notFound("authorization request", id)
	}
	return req.Clone(), nil
}

func (s *MemoryRequestStore) FindByIdempotencyKey(ctx context.Context, key string) (*contracts.AuthorizationRequest, error) {
	s.mu.Lock()
	id, ok := s.idemKeys[key]
	s.mu.Unlock()
	if !ok {
		return nil, notFound("authorization request", key)
	}
	return s.FindByID(ctx, id)
}

func (s *MemoryRequestStore) FindByStatus(_ context.Context, statuses ...contracts.AuthorizationRequestStatus) ([]*contracts.AuthorizationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[contracts.AuthorizationRequestStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*contracts.AuthorizationRequest
	for _, req := range s.requests {
		if want[req.Status] {
			out = append(out, req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryRequestStore) Update(_ context.Context, id string, update contracts.AuthorizationRequestUpdate) (*contracts.AuthorizationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, notFound("authorization request", id)
	}
	now := s.clock().UTC()

	next := req.Clone()
	if update.Status != "" && !next.Status.IsTerminal() {
		next.Status = update.Status
	}
	next.Approvals = append(next.Approvals, update.Approvals...)
	for i, ev := range update.Evaluations {
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = now.Add(time.Duration(i))
		}
		next.Evaluations = append(next.Evaluations, ev)
	}
	for i, e := range update.Errors {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now.Add(time.Duration(i))
		}
		next.Errors = append(next.Errors, e)
	}
	next.UpdatedAt = now

	s.requests[id] = next
	return next.Clone(), nil
}

func (s *MemoryRequestStore) TransitionStatus(_ context.Context, id string, from, to contracts.AuthorizationRequestStatus) (bool, error) {
	if from.IsTerminal() || from == to {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok || req.Status != from {
		return false, nil
	}
	next := req.Clone()
	next.Status = to
	next.UpdatedAt = s.clock().UTC()
	s.requests[id] = next
	return true, nil
}

func normalizeLogs(req *contracts.AuthorizationRequest) {
	if req.Approvals == nil {
		req.Approvals = []string{}
	}
	if req.Evaluations == nil {
		req.Evaluations = []contracts.Evaluation{}
	}
	if req.Errors == nil {
		req.Errors = []contracts.RequestError{}
	}
}

// MemoryNodeStore is an in-process node registry.
type MemoryNodeStore struct {
	mu    sync.RWMutex
	nodes []contracts.PolicyEngineNode
}

func NewMemoryNodeStore(nodes ...contracts.PolicyEngineNode) *MemoryNodeStore {
	return &MemoryNodeStore{nodes: append([]contracts.PolicyEngineNode(nil), nodes...)}
}

func (s *MemoryNodeStore) FindByClientID(_ context.Context, clientID string) ([]contracts.PolicyEngineNode, error) {
	return s.filter(func(n contracts.PolicyEngineNode) bool { return n.OwnerID == clientID }), nil
}

func (s *MemoryNodeStore) FindByURL(_ context.Context, url string) ([]contracts.PolicyEngineNode, error) {
	return s.filter(func(n contracts.PolicyEngineNode) bool { return n.URL == url }), nil
}

func (s *MemoryNodeStore) BulkCreate(_ context.Context, nodes []contracts.PolicyEngineNode) ([]contracts.PolicyEngineNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range nodes {
		for _, existing := range s.nodes {
			if existing.ID == n.ID {
				return nil, errs.New(errs.KindConflict, "policy engine node already exists", map[string]any{"id": n.ID})
			}
		}
	}
	s.nodes = append(s.nodes, nodes...)
	return nodes, nil
}

func (s *MemoryNodeStore) filter(keep func(contracts.PolicyEngineNode) bool) []contracts.PolicyEngineNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.PolicyEngineNode
	for _, n := range s.nodes {
		if keep(n) {
			out = append(out, n)
		}
	}
	return out
}

// MemoryTransferStore is an in-process transfer log.
type MemoryTransferStore struct {
	mu        sync.RWMutex
	transfers []contracts.Transfer
	seen      map[string]bool
}

func NewMemoryTransferStore() *MemoryTransferStore {
	return &MemoryTransferStore{seen: make(map[string]bool)}
}

func (s *MemoryTransferStore) Track(_ context.Context, t contracts.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[t.ID] {
		return nil
	}
	s.seen[t.ID] = true
	s.transfers = append(s.transfers, t)
	return nil
}

func (s *MemoryTransferStore) FindByClientID(_ context.Context, clientID string) ([]contracts.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.Transfer
	for _, t := range s.transfers {
		if t.ClientID == clientID {
			out = append(out, t)
		}
	}
	return out, nil
}
