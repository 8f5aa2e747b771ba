package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Severity
	}{
		{name: "rate limit", err: New(ErrRateLimit, "slow down"), want: Retryable},
		{name: "timeout", err: New(ErrTimeout, "deadline"), want: Retryable},
		{name: "database", err: New(ErrDatabase, "locked"), want: Retryable},
		{name: "io", err: New(ErrIO, "disk"), want: Retryable},
		{name: "api 429", err: NewAPI(429, "too many"), want: Retryable},
		{name: "api 502", err: NewAPI(502, "bad gateway"), want: Retryable},
		{name: "api 503", err: NewAPI(503, "unavailable"), want: Retryable},
		{name: "api 400", err: NewAPI(400, "bad request"), want: Fatal},
		{name: "api 401", err: NewAPI(401, "unauthorized"), want: Fatal},
		{name: "api 500", err: NewAPI(500, "boom"), want: Retryable},
		{name: "validation", err: New(ErrValidation, "illegal"), want: Fatal},
		{name: "config", err: New(ErrConfig, "missing"), want: Fatal},
		{name: "quarantined", err: New(ErrQuarantined, "done"), want: Fatal},
		{name: "serialization", err: New(ErrSerialization, "json"), want: Recoverable},
		{name: "cache", err: New(ErrCache, "shape"), want: Recoverable},
		{name: "wrapped", err: fmt.Errorf("outer: %w", New(ErrValidation, "x")), want: Fatal},
		{name: "cancelled", err: context.Canceled, want: Fatal},
		{name: "plain", err: errors.New("something"), want: Retryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestError_MessageIncludesContextAndCause(t *testing.T) {
	err := WrapError(errors.New("disk full"), ErrDatabase, "save entry").
		WithContext("key", "stage1_abc").
		WithContext("batch", "b-1")

	msg := err.Error()
	assert.Contains(t, msg, "[Database] save entry")
	assert.Contains(t, msg, "context: batch=b-1, key=stage1_abc")
	assert.Contains(t, msg, "cause: disk full")
	assert.True(t, IsErrorType(err, ErrDatabase))
	assert.False(t, IsErrorType(err, ErrAPI))
}

func TestSafeExecute_RecoversPanic(t *testing.T) {
	err := SafeExecute(func() error {
		panic("boom")
	})
	require.Error(t, err)
	assert.True(t, IsErrorType(err, ErrUnknown))
	assert.Contains(t, err.Error(), "boom")
}

func TestDefaultErrorHandler_Advice(t *testing.T) {
	h := NewDefaultErrorHandler()
	assert.Contains(t, h.GetAdvice(NewAPI(401, "nope")), "LLM_API_KEY")
	assert.True(t, h.Handle(New(ErrQuarantined, "x")))
	assert.False(t, h.Handle(errors.New("plain")))
}
