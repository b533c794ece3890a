package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/narval-xyz/armory-sub000/pkg/attestation"
	"github.com/narval-xyz/armory-sub000/pkg/authz"
	"github.com/narval-xyz/armory-sub000/pkg/cluster"
	"github.com/narval-xyz/armory-sub000/pkg/config"
	"github.com/narval-xyz/armory-sub000/pkg/feed"
	"github.com/narval-xyz/armory-sub000/pkg/observability"
	"github.com/narval-xyz/armory-sub000/pkg/policyengine"
	"github.com/narval-xyz/armory-sub000/pkg/queue"
	"github.com/narval-xyz/armory-sub000/pkg/store"
)

// app holds the wired services shared by every command.
type app struct {
	cfg       *config.Config
	db        *sql.DB
	rdb       *redis.Client
	obs       *observability.Provider
	cluster   *cluster.Service
	authz     *authz.Service
	processor *authz.Processor
}

func newApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*app, error) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTelEndpoint
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}

	db, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		_ = obs.Shutdown(ctx)
		return nil, err
	}
	log.Printf("[armory] store: %s", cfg.DatabaseDriver)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	var signer *attestation.Signer
	if cfg.FeedSigningKey != "" {
		signer, err = attestation.NewSignerFromSeedHex(cfg.FeedSigningKey, "armory-feed")
		if err != nil {
			_ = db.Close()
			_ = rdb.Close()
			_ = obs.Shutdown(ctx)
			return nil, fmt.Errorf("FEED_SIGNING_KEY: %w", err)
		}
		log.Printf("[armory] feeds: signing with %s", signer.PublicKeyHex())
	}

	engine := policyengine.NewClient(policyengine.Config{Timeout: cfg.NodeTimeout, RPS: cfg.NodeRPS})
	clusters := cluster.NewService(store.NewSQLNodeStore(db), engine,
		cluster.WithAdminKeys(cluster.StaticAdminKeys(cfg.AdminAPIKeys)),
		cluster.WithObservability(obs),
	)

	policy := cfg.RetryPolicy()
	producer := queue.NewProducer(rdb, cfg.QueueName, policy)
	transfers := store.NewSQLTransferStore(db)
	prices := feed.NewStaticPriceService(nil)

	svc := authz.NewService(store.NewSQLRequestStore(db), clusters, producer,
		authz.WithFeeds(feed.NewSignedGatherer(prices, transfers, signer)),
		authz.WithTransferTracking(prices, transfers),
		authz.WithMaxAttempts(policy.MaxAttempts),
		authz.WithObservability(obs),
	)

	return &app{
		cfg:       cfg,
		db:        db,
		rdb:       rdb,
		obs:       obs,
		cluster:   clusters,
		authz:     svc,
		processor: authz.NewProcessor(svc),
	}, nil
}

func (a *app) Close() {
	if err := a.rdb.Close(); err != nil {
		log.Printf("[armory] redis close: %v", err)
	}
	if err := a.db.Close(); err != nil {
		log.Printf("[armory] db close: %v", err)
	}
	if err := a.obs.Shutdown(context.Background()); err != nil {
		log.Printf("[armory] observability shutdown: %v", err)
	}
}
