package faults

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindOfUnwrapsClassifiedErrors(t *testing.T) {
	base := New(KindTerminal, "provider.auth", "invalid credentials")
	wrapped := errors.Wrap(base, "syncing account")
	assert.Equal(t, KindTerminal, KindOf(wrapped))

	doubly := Wrap(KindTransient, "outer", wrapped)
	// The outermost classification wins.
	assert.Equal(t, KindTransient, KindOf(doubly))
}

func TestKindOfDeadlineIsTransient(t *testing.T) {
	assert.Equal(t, KindTransient, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindTransient, KindOf(errors.Wrap(context.DeadlineExceeded, "calling provider")))
}

func TestKindOfMessageFallback(t *testing.T) {
	cases := []struct {
		msg  string
		want Kind
	}{
		{"dial tcp 10.0.0.1:443: connection refused", KindTransient},
		{"read tcp: connection reset by peer", KindTransient},
		{"upstream timed out waiting for response", KindTransient},
		{"429 too many requests", KindCapacity},
		{"provider quota exceeded for this key", KindCapacity},
		{"401 unauthorized", KindTerminal},
		{"invalid token supplied", KindTerminal},
		{"malformed payload", KindTerminal},
		// Terminal patterns win even when a transient word also appears.
		{"invalid token: connection will not be retried", KindTerminal},
		{"something inexplicable happened", KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.msg, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(errors.New(tc.msg)))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(New(KindTerminal, "op", "bad credentials")))
	assert.False(t, Retryable(New(KindPartial, "op", "3 of 10 failed")))
	assert.True(t, Retryable(New(KindTransient, "op", "flaky")))
	assert.True(t, Retryable(New(KindCapacity, "op", "limit hit")))
	// Unknown errors retry: handlers are idempotent by contract.
	assert.True(t, Retryable(errors.New("something inexplicable")))
}

func TestRetryAfterOf(t *testing.T) {
	reset := time.Now().Add(30 * time.Second).Truncate(time.Second)
	err := Capacity("provider.accounts", reset, "rate limit exceeded")
	assert.Equal(t, reset, RetryAfterOf(err))
	assert.Equal(t, reset, RetryAfterOf(errors.Wrap(err, "outer")))
	assert.True(t, RetryAfterOf(errors.New("plain")).IsZero())
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(KindTransient, "op", nil))
}
