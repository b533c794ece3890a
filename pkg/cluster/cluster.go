// Package cluster turns a client's set of policy-decision nodes into one
// logical decision.
//
// Evaluation fans out to every node, requires unanimous agreement on the
// decision, finalizes multi-node signatures and verifies the resulting
// attestation before a PERMIT leaves this package. Any disagreement is a
// hard failure, never a majority vote.
package cluster

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/narval-xyz/armory-sub000/pkg/attestation"
	"github.com/narval-xyz/armory-sub000/pkg/contracts"
	"github.com/narval-xyz/armory-sub000/pkg/observability"
)

// NodeRepository is the node registry the cluster reads from.
type NodeRepository interface {
	// FindByClientID returns the nodes whose OwnerID is clientID, oldest first.
	FindByClientID(ctx context.Context, clientID string) ([]contracts.PolicyEngineNode, error)
	FindByURL(ctx context.Context, url string) ([]contracts.PolicyEngineNode, error)
	BulkCreate(ctx context.Context, nodes []contracts.PolicyEngineNode) ([]contracts.PolicyEngineNode, error)
}

// Engine is the per-node transport. *policyengine.Client implements it.
type Engine interface {
	Evaluate(ctx context.Context, host, clientID, clientSecret string, req *contracts.EvaluationRequest) (*contracts.EvaluationResponse, error)
	SyncClient(ctx context.Context, host, clientID, clientSecret string) (*contracts.SyncResponse, error)
	CreateClient(ctx context.Context, host, adminAPIKey string, req *contracts.CreateClientRequest) (*contracts.CreateClientResponse, error)
}

// AdminKeyLookup resolves the admin API key of a node by its URL.
type AdminKeyLookup interface {
	AdminAPIKey(url string) (string, bool)
}

// Service coordinates the nodes of a cluster.
type Service struct {
	nodes     NodeRepository
	engine    Engine
	finalizer Finalizer
	verifier  *attestation.Verifier
	adminKeys AdminKeyLookup
	obs       *observability.Provider
	clock     func() time.Time
	logger    *slog.Logger
}

type Option func(*Service)

func WithFinalizer(f Finalizer) Option { return func(s *Service) { s.finalizer = f } }

func WithVerifier(v *attestation.Verifier) Option { return func(s *Service) { s.verifier = v } }

func WithAdminKeys(k AdminKeyLookup) Option { return func(s *Service) { s.adminKeys = k } }

func WithObservability(p *observability.Provider) Option { return func(s *Service) { s.obs = p } }

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option { return func(s *Service) { s.clock = clock } }

func NewService(nodes NodeRepository, engine Engine, opts ...Option) *Service {
	s := &Service{
		nodes:     nodes,
		engine:    engine,
		finalizer: AgreementFinalizer{},
		verifier:  attestation.NewVerifier(),
		adminKeys: StaticAdminKeys{},
		obs:       observability.Nop(),
		clock:     time.Now,
		logger:    slog.Default().With("component", "cluster"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) track(ctx context.Context, op, clientID string) (context.Context, func(error)) {
	return s.obs.TrackOperation(ctx, op, attribute.String("client_id", clientID))
}
