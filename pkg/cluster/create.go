package cluster

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/narval-xyz/armory-sub000/pkg/contracts"
	"github.com/narval-xyz/armory-sub000/pkg/errs"
)

// StaticAdminKeys maps node URL to admin API key.
type StaticAdminKeys map[string]string

func (k StaticAdminKeys) AdminAPIKey(url string) (string, bool) {
	if key, ok := k[url]; ok {
		return key, true
	}
	key, ok := k[strings.TrimRight(url, "/")]
	return key, ok
}

// Create registers input.ClientID on every listed node, one node at a time,
// and persists the resulting node records as the client's cluster.
//
// Nodes registered before a failure are not rolled back; the returned error
// carries their ids under "registered" for reconciliation.
func (s *Service) Create(ctx context.Context, input contracts.CreateClusterInput) (nodes []contracts.PolicyEngineNode, err error) {
	ctx, done := s.track(ctx, "cluster.create", input.ClientID)
	defer func() { done(err) }()

	if err := validateCreate(input); err != nil {
		return nil, err
	}

	registered := make([]string, 0, len(input.NodeURLs))
	for _, url := range input.NodeURLs {
		node, err := s.registerNode(ctx, input, url)
		if err != nil {
			if e, ok := errs.As(err); ok {
				return nil, e.With("registered", registered)
			}
			return nil, errs.Wrap(errs.KindUnknown, "register node", err, map[string]any{"url": url, "registered": registered})
		}
		nodes = append(nodes, node)
		registered = append(registered, node.ClientID+"@"+url)
	}

	created, err := s.nodes.BulkCreate(ctx, nodes)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnknown, "persist cluster nodes", err, map[string]any{
			"clientId":   input.ClientID,
			"registered": registered,
		})
	}

	s.logger.InfoContext(ctx, "cluster created", "client_id", input.ClientID, "nodes", len(created))
	return created, nil
}

func (s *Service) registerNode(ctx context.Context, input contracts.CreateClusterInput, url string) (contracts.PolicyEngineNode, error) {
	existing, err := s.nodes.FindByURL(ctx, url)
	if err != nil {
		return contracts.PolicyEngineNode{}, errs.Wrap(errs.KindUnknown, "find node by url", err, map[string]any{"url": url})
	}
	for _, n := range existing {
		if n.OwnerID == input.ClientID {
			return contracts.PolicyEngineNode{}, errs.New(errs.KindConflict, "client already registered on node", map[string]any{
				"url":      url,
				"clientId": input.ClientID,
				"nodeId":   n.ID,
			})
		}
	}

	apiKey, ok := s.adminKeys.AdminAPIKey(url)
	if !ok {
		return contracts.PolicyEngineNode{}, errs.New(errs.KindNotFound, "no admin api key for node", map[string]any{"url": url})
	}

	resp, err := s.engine.CreateClient(ctx, url, apiKey, &contracts.CreateClientRequest{
		ClientID:  input.ClientID,
		KeyID:     input.KeyID,
		DataStore: input.DataStores,
	})
	if err != nil {
		return contracts.PolicyEngineNode{}, err
	}

	createdAt := resp.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock().UTC()
	}

	return contracts.PolicyEngineNode{
		ID:           uuid.NewString(),
		OwnerID:      input.ClientID,
		ClientID:     resp.ClientID,
		ClientSecret: resp.ClientSecret,
		PublicKey:    resp.PublicKey,
		URL:          url,
		CreatedAt:    createdAt,
	}, nil
}

func validateCreate(input contracts.CreateClusterInput) error {
	var issues []errs.Issue
	if input.ClientID == "" {
		issues = append(issues, errs.Issue{Path: "/clientId", Message: "required"})
	}
	if len(input.NodeURLs) == 0 {
		issues = append(issues, errs.Issue{Path: "/nodes", Message: "at least one node is required"})
	}
	seen := make(map[string]bool, len(input.NodeURLs))
	for _, u := range input.NodeURLs {
		if seen[u] {
			issues = append(issues, errs.Issue{Path: "/nodes", Message: "duplicate node " + u})
		}
		seen[u] = true
	}
	if len(issues) > 0 {
		return errs.Validation("invalid cluster", issues)
	}
	return nil
}
