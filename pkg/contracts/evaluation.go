package contracts

import (
	"encoding/json"
	"time"
)

// Decision is the outcome returned by policy-decision nodes.
type Decision string

const (
	DecisionPermit  Decision = "Permit"
	DecisionForbid  Decision = "Forbid"
	DecisionConfirm Decision = "Confirm"
)

// Evaluation is one decision cycle appended to an authorization request.
type Evaluation struct {
	ID                       string                `json:"id"`
	Decision                 Decision              `json:"decision"`
	Signature                *string               `json:"signature"`
	ApprovalRequirements     *ApprovalRequirements `json:"approvalRequirements,omitempty"`
	TransactionRequestIntent *Intent               `json:"transactionRequestIntent,omitempty"`
	CreatedAt                time.Time             `json:"createdAt"`
}

// ApprovalRequirements splits the policy approval rules into what the
// request still needs and what it already has.
type ApprovalRequirements struct {
	Required  []ApprovalRequirement `json:"required"`
	Missing   []ApprovalRequirement `json:"missing"`
	Satisfied []ApprovalRequirement `json:"satisfied"`
}

type ApprovalRequirement struct {
	ApprovalCount      int      `json:"approvalCount"`
	ApprovalEntityType string   `json:"approvalEntityType"`
	EntityIDs          []string `json:"entityIds"`
	CountPrincipal     bool     `json:"countPrincipal"`
}

// IntentType values that move value between accounts.
const (
	IntentTransferNative  = "transferNative"
	IntentTransferERC20   = "transferErc20"
	IntentTransferERC721  = "transferErc721"
	IntentTransferERC1155 = "transferErc1155"
)

// Intent is the semantic meaning a node decoded from a transaction.
type Intent struct {
	Type     string `json:"type"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	Token    string `json:"token,omitempty"`
	Contract string `json:"contract,omitempty"`
	Amount   string `json:"amount,omitempty"`
}

// MovesValue reports whether the intent transfers assets.
func (i *Intent) MovesValue() bool {
	if i == nil {
		return false
	}
	switch i.Type {
	case IntentTransferNative, IntentTransferERC20, IntentTransferERC721, IntentTransferERC1155:
		return true
	}
	return false
}

// EvaluationRequest is the body of POST /evaluations on a node.
type EvaluationRequest struct {
	Authentication string         `json:"authentication"`
	Approvals      []string       `json:"approvals,omitempty"`
	Request        Request        `json:"request"`
	Feeds          []Feed         `json:"feeds,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	SessionID      string         `json:"sessionId,omitempty"`
}

// AccessToken wraps the attestation JWT issued for a PERMIT.
type AccessToken struct {
	Value string `json:"value"`
}

// EvaluationResponse is a node's reply to POST /evaluations.
type EvaluationResponse struct {
	Decision                 Decision              `json:"decision"`
	Request                  json.RawMessage       `json:"request,omitempty"`
	Approvals                *ApprovalRequirements `json:"approvals,omitempty"`
	AccessToken              *AccessToken          `json:"accessToken,omitempty"`
	TransactionRequestIntent *Intent               `json:"transactionRequestIntent,omitempty"`
	Principal                json.RawMessage       `json:"principal,omitempty"`
}

// Token returns the access token value or "".
func (r *EvaluationResponse) Token() string {
	if r == nil || r.AccessToken == nil {
		return ""
	}
	return r.AccessToken.Value
}
