package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// Code is the closed set of failure classes the loops act on.
type Code int

const (
	Unclassified Code = iota
	TransientConnectivity
	NonceConflict
	SlippageExceeded
	CircuitBreakerRejected
	InsufficientFunds
	SystemPaused
	NotFound
)

func (c Code) String() string {
	switch c {
	case TransientConnectivity:
		return "transient_connectivity"
	case NonceConflict:
		return "nonce_conflict"
	case SlippageExceeded:
		return "slippage_exceeded"
	case CircuitBreakerRejected:
		return "circuit_breaker_rejected"
	case InsufficientFunds:
		return "insufficient_funds"
	case SystemPaused:
		return "system_paused"
	case NotFound:
		return "not_found"
	default:
		return "unclassified"
	}
}

// Error is the only error shape that leaves this package for ledger failures.
type Error struct {
	Code   Code
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the classification of err; nil yields Unclassified.
func CodeOf(err error) Code {
	var le *Error
	if errors.As(err, &le) {
		return le.Code
	}
	return Unclassified
}

// IsCode reports whether err carries the given classification.
func IsCode(err error, c Code) bool {
	return err != nil && CodeOf(err) == c
}

// newError builds a classified error directly, for backends that know the class.
func newError(op string, code Code, reason string) *Error {
	return &Error{Code: code, Op: op, Reason: reason}
}

// reason fragments emitted by the router / oracle / node, matched once here so nothing
// else in the agent looks at human-readable text.
var patterns = []struct {
	code    Code
	needles []string
}{
	{NonceConflict, []string{"nonce too low", "nonce too high", "replacement transaction underpriced", "already known", "invalid nonce", "nonce has already been used"}},
	{CircuitBreakerRejected, []string{"price change too large"}},
	{SlippageExceeded, []string{"slippage too high", "slippage", "insufficient output amount"}},
	{InsufficientFunds, []string{"insufficient funds", "insufficient liquidity", "insufficient balance", "transfer amount exceeds balance"}},
	{SystemPaused, []string{"system paused", "emergency stop", "pausable: paused"}},
	{NotFound, []string{"order not found", "position not found", "order already executed", "position not open", "order cancelled", "invalid order"}},
	{TransientConnectivity, []string{"connection refused", "connection reset", "other side closed", "connection error", "unexpected eof", "i/o timeout", "timeout", "too many requests", "502 bad gateway", "503 service unavailable", "504 gateway timeout", "no such host", "broken pipe"}},
}

// Classify maps a raw backend error to a classified *Error. Already-classified errors pass
// through with their code; reason carries the revert text when one was decoded.
func Classify(op string, err error, reason string) *Error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return le
	}
	if reason == "" {
		reason = err.Error()
	}
	return &Error{Code: classifyText(err, reason), Op: op, Reason: reason, Err: err}
}

func classifyText(err error, text string) Code {
	if errors.Is(err, context.DeadlineExceeded) {
		return TransientConnectivity
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return TransientConnectivity
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && (httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= http.StatusInternalServerError) {
		return TransientConnectivity
	}
	lower := strings.ToLower(text)
	for _, p := range patterns {
		for _, n := range p.needles {
			if strings.Contains(lower, n) {
				return p.code
			}
		}
	}
	return Unclassified
}
