package common

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindNone},
		{"classified", NewError(KindAuth, "x", "op", -2015, "bad key"), KindAuth},
		{"wrapped classified", fmt.Errorf("outer: %w", NewError(KindRateLimit, "x", "op", 0, "")), KindRateLimit},
		{"deadline", context.DeadlineExceeded, KindNetwork},
		{"canceled", context.Canceled, KindUnknown},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), KindNetwork},
		{"net timeout", timeoutErr{}, KindNetwork},
		{"plain", errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestKindPredicates(t *testing.T) {
	for _, k := range []ErrorKind{KindNetwork, KindRateLimit, KindNonceWindow} {
		assert.True(t, k.Retryable(), k)
	}
	for _, k := range []ErrorKind{KindAuth, KindPermission, KindInsufficientFunds, KindInvalidSymbol, KindRejected, KindUnknown} {
		assert.False(t, k.Retryable(), k)
	}
	assert.False(t, KindNonceWindow.Transient())
	assert.True(t, KindAuth.DisablesAccount())
	assert.True(t, KindPermission.DisablesAccount())
	assert.False(t, KindInsufficientFunds.DisablesAccount())
}

func TestKindFromHTTPStatus(t *testing.T) {
	assert.Equal(t, KindRateLimit, KindFromHTTPStatus(429))
	assert.Equal(t, KindRateLimit, KindFromHTTPStatus(503))
	assert.Equal(t, KindRateLimit, KindFromHTTPStatus(504))
	assert.Equal(t, KindNetwork, KindFromHTTPStatus(502))
	assert.Equal(t, KindAuth, KindFromHTTPStatus(401))
	assert.Equal(t, KindRejected, KindFromHTTPStatus(400))
	assert.Equal(t, KindNone, KindFromHTTPStatus(200))
}

func TestWrapKeepsClassification(t *testing.T) {
	orig := NewError(KindInsufficientFunds, "spot", "place_order", -2010, "insufficient balance")
	assert.Same(t, orig, Wrap("other", "op", orig))
	assert.Nil(t, Wrap("x", "op", nil))

	w := Wrap("spot", "get_balance", context.DeadlineExceeded)
	assert.Equal(t, KindNetwork, KindOf(w))
	assert.ErrorIs(t, w, context.DeadlineExceeded)
}

func TestShortfall(t *testing.T) {
	r := OrderResult{RequestedQuantity: 10, FilledQuantity: 9.95}
	assert.InDelta(t, 0.005, r.Shortfall(SizeBase), 1e-12)

	q := OrderResult{RequestedQuantity: 100, FilledQuantity: 0.5, AvgFillPrice: 180}
	assert.InDelta(t, 0.1, q.Shortfall(SizeQuote), 1e-12)

	over := OrderResult{RequestedQuantity: 1, FilledQuantity: 1.2}
	assert.Zero(t, over.Shortfall(SizeBase))
}

func TestStatus(t *testing.T) {
	assert.Equal(t, StatusPartial, MapStatus("PARTIALLY_FILLED"))
	assert.Equal(t, StatusUnknown, MapStatus("weird"))
	assert.True(t, StatusFilled.Terminal())
	assert.False(t, StatusNew.Terminal())
}
