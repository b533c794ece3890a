package contracts

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/narval-xyz/armory-sub000/pkg/errs"
)

// Action tags the request union.
type Action string

const (
	ActionSignTransaction   Action = "signTransaction"
	ActionSignMessage       Action = "signMessage"
	ActionSignRaw           Action = "signRaw"
	ActionSignTypedData     Action = "signTypedData"
	ActionSignUserOperation Action = "signUserOperation"
	ActionGrantPermission   Action = "grantPermission"
)

// Request is the tagged union of everything a client can ask to authorize.
// The concrete types are SignTransaction, SignMessage, SignRaw,
// SignTypedData, SignUserOperation and GrantPermission.
type Request interface {
	Action() Action
	GetNonce() string
	GetResourceID() string
}

// SignTransaction asks to sign an EVM transaction.
type SignTransaction struct {
	Nonce              string             `json:"nonce"`
	ResourceID         string             `json:"resourceId"`
	TransactionRequest TransactionRequest `json:"transactionRequest"`
}

// TransactionRequest numeric fields travel as strings (decimal or 0x hex) so
// that 256-bit values survive JSON without float rounding.
type TransactionRequest struct {
	ChainID              int64             `json:"chainId"`
	From                 string            `json:"from"`
	To                   string            `json:"to,omitempty"`
	Data                 string            `json:"data,omitempty"`
	Nonce                *int64            `json:"nonce,omitempty"`
	Value                string            `json:"value,omitempty"`
	Gas                  string            `json:"gas,omitempty"`
	GasPrice             string            `json:"gasPrice,omitempty"`
	MaxFeePerGas         string            `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string            `json:"maxPriorityFeePerGas,omitempty"`
	Type                 string            `json:"type,omitempty"`
	AccessList           []AccessListEntry `json:"accessList,omitempty"`
}

type AccessListEntry struct {
	Address     string   `json:"address"`
	StorageKeys []string `json:"storageKeys"`
}

// BigValue parses Value. An empty value is zero.
func (t TransactionRequest) BigValue() (*big.Int, error) {
	return ParseQuantity(t.Value)
}

// SignMessage asks to sign an EIP-191 personal message.
type SignMessage struct {
	Nonce      string `json:"nonce"`
	ResourceID string `json:"resourceId"`
	Message    string `json:"message"`
}

// SignRaw asks to sign an arbitrary hex payload.
type SignRaw struct {
	Nonce      string `json:"nonce"`
	ResourceID string `json:"resourceId"`
	RawMessage string `json:"rawMessage"`
}

// SignTypedData asks to sign EIP-712 typed data.
type SignTypedData struct {
	Nonce      string          `json:"nonce"`
	ResourceID string          `json:"resourceId"`
	TypedData  json.RawMessage `json:"typedData"`
}

// SignUserOperation asks to sign an ERC-4337 user operation.
type SignUserOperation struct {
	Nonce         string          `json:"nonce"`
	ResourceID    string          `json:"resourceId"`
	UserOperation json.RawMessage `json:"userOperation"`
}

// GrantPermission asks to grant permissions on a resource.
type GrantPermission struct {
	Nonce       string   `json:"nonce"`
	ResourceID  string   `json:"resourceId"`
	Permissions []string `json:"permissions"`
}

func (SignTransaction) Action() Action   { return ActionSignTransaction }
func (SignMessage) Action() Action       { return ActionSignMessage }
func (SignRaw) Action() Action           { return ActionSignRaw }
func (SignTypedData) Action() Action     { return ActionSignTypedData }
func (SignUserOperation) Action() Action { return ActionSignUserOperation }
func (GrantPermission) Action() Action   { return ActionGrantPermission }

func (r SignTransaction) GetNonce() string   { return r.Nonce }
func (r SignMessage) GetNonce() string       { return r.Nonce }
func (r SignRaw) GetNonce() string           { return r.Nonce }
func (r SignTypedData) GetNonce() string     { return r.Nonce }
func (r SignUserOperation) GetNonce() string { return r.Nonce }
func (r GrantPermission) GetNonce() string   { return r.Nonce }

func (r SignTransaction) GetResourceID() string   { return r.ResourceID }
func (r SignMessage) GetResourceID() string       { return r.ResourceID }
func (r SignRaw) GetResourceID() string           { return r.ResourceID }
func (r SignTypedData) GetResourceID() string     { return r.ResourceID }
func (r SignUserOperation) GetResourceID() string { return r.ResourceID }
func (r GrantPermission) GetResourceID() string   { return r.ResourceID }

// The MarshalJSON methods put the action tag on the wire next to the
// variant fields.

func (r SignTransaction) MarshalJSON() ([]byte, error) {
	type alias SignTransaction
	return json.Marshal(struct {
		Action Action `json:"action"`
		alias
	}{r.Action(), alias(r)})
}

func (r SignMessage) MarshalJSON() ([]byte, error) {
	type alias SignMessage
	return json.Marshal(struct {
		Action Action `json:"action"`
		alias
	}{r.Action(), alias(r)})
}

func (r SignRaw) MarshalJSON() ([]byte, error) {
	type alias SignRaw
	return json.Marshal(struct {
		Action Action `json:"action"`
		alias
	}{r.Action(), alias(r)})
}

func (r SignTypedData) MarshalJSON() ([]byte, error) {
	type alias SignTypedData
	return json.Marshal(struct {
		Action Action `json:"action"`
		alias
	}{r.Action(), alias(r)})
}

func (r SignUserOperation) MarshalJSON() ([]byte, error) {
	type alias SignUserOperation
	return json.Marshal(struct {
		Action Action `json:"action"`
		alias
	}{r.Action(), alias(r)})
}

func (r GrantPermission) MarshalJSON() ([]byte, error) {
	type alias GrantPermission
	return json.Marshal(struct {
		Action Action `json:"action"`
		alias
	}{r.Action(), alias(r)})
}

type requestDecoder func(data []byte) (Request, error)

func decodeInto[T Request](data []byte) (Request, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// decoders is the decode table keyed by action tag.
var decoders = map[Action]requestDecoder{
	ActionSignTransaction:   decodeInto[SignTransaction],
	ActionSignMessage:       decodeInto[SignMessage],
	ActionSignRaw:           decodeInto[SignRaw],
	ActionSignTypedData:     decodeInto[SignTypedData],
	ActionSignUserOperation: decodeInto[SignUserOperation],
	ActionGrantPermission:   decodeInto[GrantPermission],
}

// DecodeRequest validates data against the schema for its action tag and
// decodes it into the matching variant. Failures are non-retryable
// validation errors listing every issue found.
func DecodeRequest(data []byte) (Request, error) {
	var head struct {
		Action Action `json:"action"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, errs.Validation("malformed request payload", []errs.Issue{{Message: err.Error()}})
	}

	decode, ok := decoders[head.Action]
	if !ok {
		return nil, errs.Validation("unsupported request action", []errs.Issue{{
			Path:    "/action",
			Message: fmt.Sprintf("unknown action %q", head.Action),
		}})
	}

	if issues := validateRequest(head.Action, data); len(issues) > 0 {
		return nil, errs.Validation(fmt.Sprintf("invalid %s request", head.Action), issues)
	}

	req, err := decode(data)
	if err != nil {
		return nil, errs.Validation(fmt.Sprintf("invalid %s request", head.Action), []errs.Issue{{Message: err.Error()}})
	}
	return req, nil
}

// ValidateRequest runs r through the same schema check DecodeRequest applies
// to stored payloads, so anything that passes can be read back.
func ValidateRequest(r Request) error {
	data, err := json.Marshal(r)
	if err != nil {
		return errs.Validation("malformed request payload", []errs.Issue{{Message: err.Error()}})
	}
	_, err = DecodeRequest(data)
	return err
}

// ParseQuantity parses a decimal or 0x-prefixed hex quantity.
func ParseQuantity(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(s, 0)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid quantity %q", s)
	}
	return n, nil
}
