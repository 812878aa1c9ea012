package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	err := NewKind(KindTimeout, "execution exceeded %ds budget", 30)
	wrapped := Wrap(err, "run failed")
	wrapped = WithDetail(wrapped, "Execution ID: abc")

	assert.Equal(t, KindTimeout, KindOf(wrapped))
	assert.True(t, HasKind(wrapped, KindTimeout))
	assert.False(t, HasKind(wrapped, KindCancelled))
}

func TestKindOfUnclassifiedFailsClosed(t *testing.T) {
	err := New("queue plumbing broke")
	assert.Equal(t, KindInternal, KindOf(err))
}

func TestKindOfNestedKindsReturnsInnermost(t *testing.T) {
	inner := NewKind(KindExtraction, "browser crashed")
	outer := WithKind(Wrap(inner, "run attempt 2"), KindTimeout)

	// As finds the shallowest match walking outward-in; the outermost
	// classification wins, matching how the runner reclassifies outcomes.
	assert.Equal(t, KindTimeout, KindOf(outer))
}

func TestRetryableKinds(t *testing.T) {
	assert.True(t, KindTimeout.Retryable())
	assert.True(t, KindExtraction.Retryable())
	assert.False(t, KindInvalidPayload.Retryable())
	assert.False(t, KindMalformedResult.Retryable())
	assert.False(t, KindCancelled.Retryable())
	assert.False(t, KindNotFound.Retryable())
	assert.False(t, KindInternal.Retryable())
}

func TestWithKindNil(t *testing.T) {
	assert.Nil(t, WithKind(nil, KindTimeout))
}
