// Package errs defines the error taxonomy shared by the orchestration and
// cluster coordination layers.
//
// Every error carries a Kind and an explicit Retryable classification. The
// queue consumer decides between retrying and failing a request from that
// flag alone, never from the concrete Go type of the error.
package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind identifies a class of failure.
type Kind string

const (
	KindClusterNotFound             Kind = "CLUSTER_NOT_FOUND"
	KindConsensusNotReached         Kind = "CONSENSUS_NOT_REACHED"
	KindUnreachableCluster          Kind = "UNREACHABLE_CLUSTER"
	KindInvalidAttestationSignature Kind = "INVALID_ATTESTATION_SIGNATURE"
	KindAlreadyProcessing           Kind = "ALREADY_PROCESSING"
	KindFinalization                Kind = "FINALIZATION_FAILED"
	KindDecisionMapping             Kind = "DECISION_MAPPING"
	KindValidation                  Kind = "VALIDATION"
	KindNotFound                    Kind = "NOT_FOUND"
	KindConflict                    Kind = "CONFLICT"
	KindDataFeed                    Kind = "DATA_FEED"
	KindTransport                   Kind = "TRANSPORT"
	KindUnknown                     Kind = "UNKNOWN"
)

// retryable is the classification table. Kinds not listed are retryable.
var retryable = map[Kind]bool{
	KindClusterNotFound:             false,
	KindConsensusNotReached:         false,
	KindUnreachableCluster:          false,
	KindInvalidAttestationSignature: false,
	KindAlreadyProcessing:           false,
	KindFinalization:                false,
	KindDecisionMapping:             false,
	KindValidation:                  false,
	KindNotFound:                    false,
	KindConflict:                    false,
	KindDataFeed:                    true,
	KindTransport:                   true,
	KindUnknown:                     true,
}

// Retryable reports the default classification of a kind.
func (k Kind) Retryable() bool {
	r, ok := retryable[k]
	if !ok {
		return true
	}
	return r
}

// Error is a classified failure with structured context for observability.
type Error struct {
	Kind      Kind
	Message   string
	Context   map[string]any
	Retryable bool
	Cause     error
}

// New creates an error of the given kind using the kind's default
// retry classification.
func New(kind Kind, message string, context map[string]any) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Context:   context,
		Retryable: kind.Retryable(),
	}
}

// Wrap classifies cause under kind.
func Wrap(kind Kind, message string, cause error, context map[string]any) *Error {
	e := New(kind, message, context)
	e.Cause = cause
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is regardless of message or context.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// With returns a copy of e with key set in its context.
func (e *Error) With(key string, value any) *Error {
	cp := *e
	cp.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	cp.Context[key] = value
	return &cp
}

// Sentinels for errors.Is.
var (
	ErrClusterNotFound             = &Error{Kind: KindClusterNotFound}
	ErrConsensusNotReached         = &Error{Kind: KindConsensusNotReached}
	ErrUnreachableCluster          = &Error{Kind: KindUnreachableCluster}
	ErrInvalidAttestationSignature = &Error{Kind: KindInvalidAttestationSignature}
	ErrAlreadyProcessing           = &Error{Kind: KindAlreadyProcessing}
	ErrFinalization                = &Error{Kind: KindFinalization}
	ErrDecisionMapping             = &Error{Kind: KindDecisionMapping}
	ErrValidation                  = &Error{Kind: KindValidation}
	ErrNotFound                    = &Error{Kind: KindNotFound}
	ErrConflict                    = &Error{Kind: KindConflict}
	ErrDataFeed                    = &Error{Kind: KindDataFeed}
	ErrTransport                   = &Error{Kind: KindTransport}
)

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable reports whether err may succeed on a later attempt.
// Unclassified errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := As(err); ok {
		return e.Retryable
	}
	return true
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindUnknown
}

// Issue is one validation problem.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return fmt.Sprintf("%s: %s", i.Path, i.Message)
}

// Validation builds a non-retryable validation error carrying every issue.
func Validation(message string, issues []Issue) *Error {
	sorted := make([]Issue, len(issues))
	copy(sorted, issues)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	return New(KindValidation, message, map[string]any{"issues": sorted})
}
