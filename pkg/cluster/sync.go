package cluster

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/narval-xyz/armory-sub000/pkg/errs"
)

// Sync asks every node to pull the latest data stores. It reports true only
// when every node confirms; a node that fails or reports false makes the
// whole sync false.
func (s *Service) Sync(ctx context.Context, clientID string) (ok bool, err error) {
	ctx, done := s.track(ctx, "cluster.sync", clientID)
	defer func() { done(err) }()

	nodes, err := s.clusterNodes(ctx, clientID)
	if err != nil {
		return false, err
	}

	var (
		mu        sync.Mutex
		responded int
		succeeded int
	)

	var g errgroup.Group
	for _, node := range nodes {
		g.Go(func() error {
			resp, err := s.engine.SyncClient(ctx, node.URL, node.ClientID, node.ClientSecret)
			if err != nil {
				s.logger.WarnContext(ctx, "node sync failed", "node_id", node.ID, "url", node.URL, "error", err)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			responded++
			if resp.Success {
				succeeded++
			}
			return nil
		})
	}
	_ = g.Wait()

	if responded == 0 {
		return false, errs.New(errs.KindUnreachableCluster, "no node responded to sync", map[string]any{
			"clientId": clientID,
			"nodeIds":  nodeIDs(nodes),
		})
	}

	ok = succeeded == len(nodes)
	if !ok {
		s.logger.WarnContext(ctx, "cluster sync incomplete", "client_id", clientID, "succeeded", succeeded, "nodes", len(nodes))
	}
	return ok, nil
}
