// Package trade admits, executes and terminates virtual positions. The
// validator is a pure pre-trade check; the executor performs every trade
// mutation (open, add, flip, close, partial close, liquidation, takeover,
// reconcile) of the position book and the durable store.
package trade

import (
	"errors"
	"fmt"
)

// Code identifies a domain failure the boundary layers can map to a client
// response.
type Code string

const (
	CodeAccountNotFound     Code = "ACCOUNT_NOT_FOUND"
	CodeAccountFrozen       Code = "ACCOUNT_FROZEN"
	CodePositionNotFound    Code = "POSITION_NOT_FOUND"
	CodePositionClosed      Code = "POSITION_CLOSED"
	CodeMaxLeverage         Code = "MAX_LEVERAGE"
	CodeMaxNotional         Code = "MAX_NOTIONAL"
	CodeMaxExposure         Code = "MAX_EXPOSURE"
	CodeInsufficientMargin  Code = "INSUFFICIENT_MARGIN"
	CodeMarginRatioExceeded Code = "MARGIN_RATIO_EXCEEDED"
	CodeNoPrice             Code = "NO_PRICE"
	CodeNoFillPrice         Code = "NO_FILL_PRICE"
	CodeDesyncCloseFailed   Code = "DESYNC_CLOSE_FAILED"
	CodeCircuitBreakerOpen  Code = "CIRCUIT_BREAKER_OPEN"
	CodeSchemaViolation     Code = "SCHEMA_VIOLATION"
)

// Error is a structured domain failure.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// E builds a domain error.
func E(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsCode reports whether err carries the given domain code.
func IsCode(err error, code Code) bool {
	var domain *Error
	if errors.As(err, &domain) {
		return domain.Code == code
	}
	return false
}

// IsTerminal reports whether err describes an expected terminal state that
// idempotent paths (babysitter retries, reconcile) treat as success.
func IsTerminal(err error) bool {
	return IsCode(err, CodePositionNotFound) || IsCode(err, CodePositionClosed)
}
