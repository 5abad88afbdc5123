package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_timeout(t *testing.T) {
	pe := Classify(context.DeadlineExceeded)
	assert.Equal(t, KindTimeout, pe.Kind)
	assert.True(t, IsRetryable(context.DeadlineExceeded))
}

func TestClassify_badRequest(t *testing.T) {
	err := &StatusError{StatusCode: 400, Body: "bad input"}
	pe := Classify(err)
	assert.Equal(t, KindBadRequest, pe.Kind)
	assert.False(t, IsRetryable(err))
}

func TestClassify_transient5xxRetryable(t *testing.T) {
	err := &StatusError{StatusCode: 503, Body: "unavailable"}
	pe := Classify(err)
	assert.Equal(t, KindResponseError, pe.Kind)
	assert.True(t, IsRetryable(err))
}

func TestClassify_4xxNeverRetried(t *testing.T) {
	err := &StatusError{StatusCode: 422, Body: "nope"}
	assert.False(t, IsRetryable(err))
}

func TestError_UnwrapAndAs(t *testing.T) {
	inner := errors.New("boom")
	pe := NewTimeoutError(inner)
	assert.ErrorIs(t, pe, inner)

	var target *Error
	assert.True(t, errors.As(pe, &target))
	assert.Equal(t, KindTimeout, target.Kind)
}

func TestNewDisabledError(t *testing.T) {
	pe := NewDisabledError("lmstudio")
	assert.Equal(t, KindDisabled, pe.Kind)
	assert.Contains(t, pe.Error(), "lmstudio")
}
