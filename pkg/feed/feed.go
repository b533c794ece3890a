// Package feed gathers the signed auxiliary data bundles (prices and
// historical transfers) attached to every evaluation request.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/narval-xyz/armory-sub000/pkg/attestation"
	"github.com/narval-xyz/armory-sub000/pkg/canonicalize"
	"github.com/narval-xyz/armory-sub000/pkg/contracts"
	"github.com/narval-xyz/armory-sub000/pkg/errs"
)

// erc20TransferSelector is the 4-byte selector of transfer(address,uint256).
const erc20TransferSelector = "0xa9059cbb"

// Gatherer builds the feeds for one evaluation.
type Gatherer interface {
	Gather(ctx context.Context, req *contracts.AuthorizationRequest) ([]contracts.Feed, error)
}

// SignedGatherer produces the price and historical-transfer feeds. Each
// feed is signed with a token whose dataHash claim is the canonical hash of
// the feed data; with no signer the sig is null.
type SignedGatherer struct {
	prices    PriceService
	transfers TransferTracker
	signer    *attestation.Signer
	fiat      []contracts.FiatID
	clock     func() time.Time
	logger    *slog.Logger
}

func NewSignedGatherer(prices PriceService, transfers TransferTracker, signer *attestation.Signer) *SignedGatherer {
	return &SignedGatherer{
		prices:    prices,
		transfers: transfers,
		signer:    signer,
		fiat:      []contracts.FiatID{contracts.FiatUSD},
		clock:     time.Now,
		logger:    slog.Default().With("component", "feed"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *SignedGatherer) WithClock(clock func() time.Time) *SignedGatherer {
	g.clock = clock
	return g
}

func (g *SignedGatherer) Gather(ctx context.Context, req *contracts.AuthorizationRequest) ([]contracts.Feed, error) {
	prices, err := g.prices.GetPrices(ctx, PricesRequest{From: RequestAssets(req.Request), To: g.fiat})
	if err != nil {
		return nil, errs.Wrap(errs.KindDataFeed, "price feed", err, map[string]any{"requestId": req.ID})
	}
	priceFeed, err := g.build(contracts.FeedSourcePrice, prices)
	if err != nil {
		return nil, err
	}

	history, err := g.transfers.FindByClientID(ctx, req.ClientID)
	if err != nil {
		return nil, errs.Wrap(errs.KindDataFeed, "historical transfer feed", err, map[string]any{"clientId": req.ClientID})
	}
	if history == nil {
		history = []contracts.Transfer{}
	}
	transferFeed, err := g.build(contracts.FeedSourceHistoricalTransfer, history)
	if err != nil {
		return nil, err
	}

	g.logger.DebugContext(ctx, "feeds gathered", "request_id", req.ID, "assets", len(prices), "transfers", len(history))
	return []contracts.Feed{priceFeed, transferFeed}, nil
}

func (g *SignedGatherer) build(source string, data any) (contracts.Feed, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return contracts.Feed{}, errs.Wrap(errs.KindDataFeed, "encode "+source, err, nil)
	}
	feed := contracts.Feed{Source: source, Data: raw}
	if g.signer == nil {
		return feed, nil
	}

	hash, err := canonicalize.HashRequest(data)
	if err != nil {
		return contracts.Feed{}, errs.Wrap(errs.KindDataFeed, "hash "+source, err, nil)
	}
	sig, err := g.signer.Sign(attestation.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   source,
			IssuedAt: jwt.NewNumericDate(g.clock()),
		},
		DataHash: hash,
	})
	if err != nil {
		return contracts.Feed{}, errs.Wrap(errs.KindDataFeed, "sign "+source, err, nil)
	}
	feed.Sig = &sig
	return feed, nil
}

// RequestAssets lists the assets a request may move, for pricing.
func RequestAssets(req contracts.Request) []contracts.AssetID {
	tx, ok := req.(contracts.SignTransaction)
	if !ok {
		return nil
	}
	t := tx.TransactionRequest
	assets := []contracts.AssetID{contracts.NativeAsset(t.ChainID)}
	if t.To != "" && strings.HasPrefix(strings.ToLower(t.Data), erc20TransferSelector) {
		assets = append(assets, contracts.TokenAsset(t.ChainID, strings.ToLower(t.To)))
	}
	return assets
}
