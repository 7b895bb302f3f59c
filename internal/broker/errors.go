package broker

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the broker link. Callers classify with errors.Is.
var (
	// ErrConnectionRefused means the gateway endpoint did not accept the dial.
	ErrConnectionRefused = errors.New("broker: connection refused")
	// ErrAuthFailed means the gateway rejected the session credentials.
	ErrAuthFailed = errors.New("broker: authentication failed")
	// ErrLinkLost means the gateway session dropped; in-flight calls fail with
	// this and the supervisor takes over reconnection.
	ErrLinkLost = errors.New("broker: link lost")
	// ErrSymbolUnknown means the ticker did not qualify to a contract.
	ErrSymbolUnknown = errors.New("broker: symbol unknown")
	// ErrQuoteUnavailable means no usable price could be obtained.
	ErrQuoteUnavailable = errors.New("broker: quote unavailable")
	// ErrPlacementRejected means the broker refused the order placement.
	ErrPlacementRejected = errors.New("broker: placement rejected")
	// ErrUnknownOrder means a cancel referenced an order the broker no longer knows.
	ErrUnknownOrder = errors.New("broker: unknown order")
)

// Gateway error codes, following the TWS numbering for the classes we act on.
const (
	codeSymbolUnknown    = 200 // no security definition found
	codeOrderRejected    = 201
	codeNoQuote          = 354 // market data not available
	codeUnknownOrderID   = 135
	codeConnLostLow      = 1100
	codeConnRestored     = 1101
	codeConnRestoredLost = 1102
)

// isSessionLossCode reports whether an asynchronous error code indicates the
// broker session itself was interrupted.
func isSessionLossCode(code int) bool {
	return code >= codeConnLostLow && code <= codeConnRestoredLost
}

// wireError is the error payload of a gateway response frame.
type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *wireError) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}

// sentinel maps a wire error onto the package sentinel it represents, keeping
// the gateway detail in the wrapped chain.
func (e *wireError) sentinel() error {
	switch e.Code {
	case codeSymbolUnknown:
		return fmt.Errorf("%w: %s", ErrSymbolUnknown, e.Message)
	case codeOrderRejected:
		return fmt.Errorf("%w: %s", ErrPlacementRejected, e.Message)
	case codeNoQuote:
		return fmt.Errorf("%w: %s", ErrQuoteUnavailable, e.Message)
	case codeUnknownOrderID:
		return fmt.Errorf("%w: %s", ErrUnknownOrder, e.Message)
	default:
		return e
	}
}
