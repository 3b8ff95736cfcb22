package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyMapsReasonText(t *testing.T) {
	cases := []struct {
		raw  string
		want Code
	}{
		{"execution reverted: Price change too large", CircuitBreakerRejected},
		{"nonce too low: next nonce 12, tx nonce 11", NonceConflict},
		{"replacement transaction underpriced", NonceConflict},
		{"execution reverted: Slippage too high", SlippageExceeded},
		{"insufficient funds for gas * price + value", InsufficientFunds},
		{"execution reverted: System paused", SystemPaused},
		{"execution reverted: Order already executed", NotFound},
		{"dial tcp 127.0.0.1:8545: connect: connection refused", TransientConnectivity},
		{"429 Too Many Requests", TransientConnectivity},
		{"502 Bad Gateway: upstream unavailable", TransientConnectivity},
		{"execution reverted: token 0x5029503504aa not allowed", Unclassified},
		{"execution reverted: Unauthorized at block 4295030", Unclassified},
		{"execution reverted: Unauthorized", Unclassified},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			le := Classify("op", errors.New(tc.raw), "")
			require.NotNil(t, le)
			assert.Equal(t, tc.want, le.Code)
		})
	}
}

func TestClassifyPrefersDecodedReason(t *testing.T) {
	le := Classify(OpUpdatePrice, errors.New("execution reverted"), "Price change too large")
	assert.Equal(t, CircuitBreakerRejected, le.Code)
	assert.Equal(t, "Price change too large", le.Reason)
}

func TestClassifyKeepsExistingClassification(t *testing.T) {
	orig := newError(OpExecuteOrder, SystemPaused, "paused")
	wrapped := fmt.Errorf("submit: %w", orig)

	le := Classify("other", wrapped, "")
	assert.Same(t, orig, le)
	assert.True(t, IsCode(wrapped, SystemPaused))
}

func TestClassifyDeadlineIsTransient(t *testing.T) {
	le := Classify(OpGetOrder, fmt.Errorf("call: %w", context.DeadlineExceeded), "")
	assert.Equal(t, TransientConnectivity, le.Code)
	assert.ErrorIs(t, le, context.DeadlineExceeded)
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, Unclassified, CodeOf(errors.New("boom")))
	assert.Equal(t, Unclassified, CodeOf(nil))
	assert.False(t, IsCode(nil, Unclassified))
	assert.Nil(t, Classify("op", nil, ""))
}

func TestClassifyUsesTransportErrors(t *testing.T) {
	assert.Equal(t, TransientConnectivity, Classify(OpGetPrice, fmt.Errorf("read: %w", io.EOF), "").Code)
	assert.Equal(t, TransientConnectivity, Classify(OpGetPrice, rpc.HTTPError{StatusCode: 503, Status: "503 Service Unavailable"}, "").Code)
	assert.Equal(t, Unclassified, Classify(OpGetPrice, rpc.HTTPError{StatusCode: 401, Status: "401 Unauthorized"}, "").Code)
}
