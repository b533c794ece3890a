package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/narval-xyz/armory-sub000/pkg/contracts"
)

// TransferTracker records permitted transfers and serves them back as
// spending history.
type TransferTracker interface {
	Track(ctx context.Context, t contracts.Transfer) error
	FindByClientID(ctx context.Context, clientID string) ([]contracts.Transfer, error)
}

var transferNamespace = uuid.MustParse("6ba7b812-9dad-11d1-80b4-00c04fd430c8")

// TransferID derives the id of the transfer recorded by the given
// evaluation round of a request, so a retried round tracks the same row.
func TransferID(requestID string, round int) string {
	return uuid.NewSHA1(transferNamespace, []byte(fmt.Sprintf("%s:%d", requestID, round))).String()
}

// TransferAsset is the asset an intent moves on chainID.
func TransferAsset(chainID int64, intent *contracts.Intent) contracts.AssetID {
	if intent.Type == contracts.IntentTransferNative || intent.Token == "" {
		return contracts.NativeAsset(chainID)
	}
	if strings.Contains(intent.Token, "/") {
		return contracts.AssetID(strings.ToLower(intent.Token))
	}
	return contracts.TokenAsset(chainID, strings.ToLower(intent.Token))
}

// BuildTransfer turns a permitted value-moving intent into a transfer
// record priced with rates. initiatedBy is the principal the nodes
// authenticated.
func BuildTransfer(req *contracts.AuthorizationRequest, intent *contracts.Intent, initiatedBy string, rates map[contracts.FiatID]float64, now time.Time) (contracts.Transfer, error) {
	if !intent.MovesValue() {
		return contracts.Transfer{}, fmt.Errorf("feed: intent %q does not move value", intentType(intent))
	}

	t := contracts.Transfer{
		ID:          TransferID(req.ID, len(req.Evaluations)),
		ClientID:    req.ClientID,
		RequestID:   req.ID,
		From:        intent.From,
		To:          intent.To,
		Token:       intent.Token,
		Amount:      intent.Amount,
		Rates:       rates,
		InitiatedBy: initiatedBy,
		CreatedAt:   now.UTC(),
	}
	if tx, ok := req.Request.(contracts.SignTransaction); ok {
		t.ChainID = tx.TransactionRequest.ChainID
		if t.From == "" {
			t.From = tx.TransactionRequest.From
		}
	}
	if t.Rates == nil {
		t.Rates = map[contracts.FiatID]float64{}
	}
	return t, nil
}

func intentType(i *contracts.Intent) string {
	if i == nil {
		return ""
	}
	return i.Type
}
