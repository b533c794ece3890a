package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// Feed is a signed, timestamped bundle of auxiliary data attached to an
// evaluation request.
type Feed struct {
	Source string          `json:"source"`
	Sig    *string         `json:"sig"`
	Data   json.RawMessage `json:"data"`
}

const (
	FeedSourcePrice              = "armory/price-feed"
	FeedSourceHistoricalTransfer = "armory/historical-transfer-feed"
)

// AssetID is a CAIP-19 asset identifier, e.g. "eip155:1/slip44:60".
type AssetID string

// FiatID identifies a fiat currency, e.g. "fiat:usd".
type FiatID string

const FiatUSD FiatID = "fiat:usd"

// NativeAsset returns the CAIP-19 id of an EVM chain's native coin.
func NativeAsset(chainID int64) AssetID {
	return AssetID(fmt.Sprintf("eip155:%d/slip44:60", chainID))
}

// TokenAsset returns the CAIP-19 id of an ERC-20 token.
func TokenAsset(chainID int64, address string) AssetID {
	return AssetID(fmt.Sprintf("eip155:%d/erc20:%s", chainID, address))
}

// Prices maps asset to fiat rates.
type Prices map[AssetID]map[FiatID]float64

// Transfer is a permitted value movement, recorded so later evaluations can
// reason about spending over time.
type Transfer struct {
	ID          string             `json:"id"`
	ClientID    string             `json:"clientId"`
	RequestID   string             `json:"requestId"`
	ChainID     int64              `json:"chainId"`
	From        string             `json:"from"`
	To          string             `json:"to"`
	Token       string             `json:"token"`
	Amount      string             `json:"amount"`
	Rates       map[FiatID]float64 `json:"rates"`
	InitiatedBy string             `json:"initiatedBy"`
	CreatedAt   time.Time          `json:"createdAt"`
}
