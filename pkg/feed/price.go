package feed

import (
	"context"
	"sync"

	"github.com/narval-xyz/armory-sub000/pkg/contracts"
)

// PricesRequest asks for the rate of every From asset in every To currency.
type PricesRequest struct {
	From []contracts.AssetID
	To   []contracts.FiatID
}

// PriceService resolves asset prices.
type PriceService interface {
	GetPrices(ctx context.Context, req PricesRequest) (contracts.Prices, error)
}

// StaticPriceService serves prices from a fixed table. Unknown pairs are
// left out of the result rather than reported as zero.
type StaticPriceService struct {
	mu     sync.RWMutex
	prices contracts.Prices
}

func NewStaticPriceService(prices contracts.Prices) *StaticPriceService {
	s := &StaticPriceService{prices: contracts.Prices{}}
	for asset, rates := range prices {
		for fiat, rate := range rates {
			s.Set(asset, fiat, rate)
		}
	}
	return s
}

// Set records one rate.
func (s *StaticPriceService) Set(asset contracts.AssetID, fiat contracts.FiatID, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prices[asset] == nil {
		s.prices[asset] = map[contracts.FiatID]float64{}
	}
	s.prices[asset][fiat] = rate
}

func (s *StaticPriceService) GetPrices(_ context.Context, req PricesRequest) (contracts.Prices, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := contracts.Prices{}
	for _, asset := range req.From {
		rates, ok := s.prices[asset]
		if !ok {
			continue
		}
		for _, fiat := range req.To {
			rate, ok := rates[fiat]
			if !ok {
				continue
			}
			if out[asset] == nil {
				out[asset] = map[contracts.FiatID]float64{}
			}
			out[asset][fiat] = rate
		}
	}
	return out, nil
}
