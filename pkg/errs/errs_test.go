package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassification(t *testing.T) {
	unrecoverable := []Kind{
		KindClusterNotFound,
		KindConsensusNotReached,
		KindUnreachableCluster,
		KindInvalidAttestationSignature,
		KindAlreadyProcessing,
		KindValidation,
	}
	for _, k := range unrecoverable {
		assert.False(t, IsRetryable(New(k, "x", nil)), "kind %s", k)
	}

	assert.True(t, IsRetryable(New(KindTransport, "timeout", nil)))
	assert.True(t, IsRetryable(New(KindDataFeed, "prices down", nil)))
	assert.True(t, IsRetryable(errors.New("connection reset")), "unclassified errors are transient")
	assert.False(t, IsRetryable(nil))
}

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	base := New(KindConsensusNotReached, "nodes disagree", map[string]any{"responses": 2})
	wrapped := fmt.Errorf("evaluate: %w", base)

	assert.True(t, errors.Is(wrapped, ErrConsensusNotReached))
	assert.False(t, errors.Is(wrapped, ErrClusterNotFound))
	assert.Equal(t, KindConsensusNotReached, KindOf(wrapped))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))

	e, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, 2, e.Context["responses"])
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(KindTransport, "node call failed", cause, nil)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "TRANSPORT: node call failed: dial tcp: refused")
}

func TestWithDoesNotMutateOriginal(t *testing.T) {
	orig := New(KindFinalization, "no tokens", map[string]any{"a": 1})
	next := orig.With("b", 2)

	assert.NotContains(t, orig.Context, "b")
	assert.Equal(t, 2, next.Context["b"])
	assert.Equal(t, 1, next.Context["a"])
}

func TestValidationSortsIssues(t *testing.T) {
	err := Validation("bad payload", []Issue{
		{Path: "/transactionRequest/to", Message: "required"},
		{Path: "/nonce", Message: "required"},
	})

	issues := err.Context["issues"].([]Issue)
	require.Len(t, issues, 2)
	assert.Equal(t, "/nonce", issues[0].Path)
	assert.False(t, err.Retryable)
}
