package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// AuthorizationRequestStatus is the lifecycle state of an authorization request.
type AuthorizationRequestStatus string

const (
	StatusCreated    AuthorizationRequestStatus = "CREATED"
	StatusProcessing AuthorizationRequestStatus = "PROCESSING"
	StatusApproving  AuthorizationRequestStatus = "APPROVING"
	StatusPermitted  AuthorizationRequestStatus = "PERMITTED"
	StatusForbidden  AuthorizationRequestStatus = "FORBIDDEN"
	StatusFailed     AuthorizationRequestStatus = "FAILED"
	StatusCanceled   AuthorizationRequestStatus = "CANCELED"
)

// TerminalStatuses never transition again once reached.
var TerminalStatuses = []AuthorizationRequestStatus{
	StatusPermitted,
	StatusForbidden,
	StatusFailed,
	StatusCanceled,
}

// IsTerminal reports whether s is a final state.
func (s AuthorizationRequestStatus) IsTerminal() bool {
	for _, t := range TerminalStatuses {
		if s == t {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s AuthorizationRequestStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusProcessing, StatusApproving,
		StatusPermitted, StatusForbidden, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// AuthorizationRequest is the unit of work driven through evaluation.
//
// Only Status, Approvals, Evaluations, Errors and UpdatedAt change after
// creation. Request, Authentication and Metadata are the requester's original
// intent and are never rewritten.
type AuthorizationRequest struct {
	ID             string                     `json:"id"`
	ClientID       string                     `json:"clientId"`
	Status         AuthorizationRequestStatus `json:"status"`
	Request        Request                    `json:"request"`
	Authentication string                     `json:"authentication"`
	Approvals      []string                   `json:"approvals"`
	Evaluations    []Evaluation               `json:"evaluations"`
	Errors         []RequestError             `json:"errors"`
	Metadata       map[string]any             `json:"metadata,omitempty"`
	IdempotencyKey *string                    `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time                  `json:"createdAt"`
	UpdatedAt      time.Time                  `json:"updatedAt"`
}

// UnmarshalJSON decodes the request union through the action decode table.
func (r *AuthorizationRequest) UnmarshalJSON(data []byte) error {
	type alias AuthorizationRequest
	aux := struct {
		*alias
		Request json.RawMessage `json:"request"`
	}{alias: (*alias)(r)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Request) == 0 || string(aux.Request) == "null" {
		r.Request = nil
		return nil
	}
	req, err := DecodeRequest(aux.Request)
	if err != nil {
		return err
	}
	r.Request = req
	return nil
}

// LastEvaluation returns the most recent evaluation, if any.
func (r *AuthorizationRequest) LastEvaluation() *Evaluation {
	if len(r.Evaluations) == 0 {
		return nil
	}
	return &r.Evaluations[len(r.Evaluations)-1]
}

// Clone returns a deep copy. Stores hand out clones so callers cannot
// mutate persisted state through shared slices.
func (r *AuthorizationRequest) Clone() *AuthorizationRequest {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Approvals = append([]string(nil), r.Approvals...)
	cp.Evaluations = append([]Evaluation(nil), r.Evaluations...)
	cp.Errors = append([]RequestError(nil), r.Errors...)
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	if r.IdempotencyKey != nil {
		k := *r.IdempotencyKey
		cp.IdempotencyKey = &k
	}
	return &cp
}

// AuthorizationRequestUpdate is the restricted update contract: a status
// change plus appends to the approval, evaluation and error logs. There is
// no way to express a rewrite of the original request through it.
type AuthorizationRequestUpdate struct {
	// Status is applied unless empty or the stored status is terminal.
	Status      AuthorizationRequestStatus
	Approvals   []string
	Evaluations []Evaluation
	Errors      []RequestError
}

// IsEmpty reports whether the update carries no change.
func (u AuthorizationRequestUpdate) IsEmpty() bool {
	return u.Status == "" && len(u.Approvals) == 0 && len(u.Evaluations) == 0 && len(u.Errors) == 0
}

// RequestError is one entry of the append-only error log.
type RequestError struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

func (e RequestError) String() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}
