// Package events ingests engine events from the durable log, validates them
// against per-type schemas, deduplicates redeliveries and routes them to the
// fill, position and rejection handlers.
package events

import (
	"fmt"
	"strconv"
	"strings"
)

// Event types the core handles. Unknown types pass through undispatched.
const (
	TypeOrderUpdate       = "order_update"
	TypeTradeExecution    = "trade_execution"
	TypePositionUpdate    = "position_update"
	TypeError             = "error"
	TypeRiskSnapshot      = "risk_snapshot"
	TypeMarginSnapshot    = "margin_snapshot"
	TypePositionsSnapshot = "positions_snapshot"
)

// Order statuses dispatched from order_update events.
const (
	StatusFilled          = "FILLED"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusCanceled        = "CANCELED"
	StatusRejected        = "REJECTED"
	StatusExpired         = "EXPIRED"
	StatusAck             = "ACK"
	StatusAccepted        = "ACCEPTED"
	StatusNew             = "NEW"
)

// Event is one entry from the durable log. ID is the log's stable id, used
// for dedup; Fields is the flat payload.
type Event struct {
	ID     string
	Type   string
	Fields map[string]string
}

// Get returns a field value, empty when absent.
func (e Event) Get(key string) string { return e.Fields[key] }

// Float parses a numeric field, zero when absent or malformed.
func (e Event) Float(key string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(e.Fields[key]), 64)
	if err != nil {
		return 0
	}
	return v
}

// Int parses an integer field, zero when absent or malformed.
func (e Event) Int(key string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(e.Fields[key]), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// DedupKey returns the log id, or the (request, client order, internal
// order) id tuple when the log id is missing.
func (e Event) DedupKey() string {
	if e.ID != "" {
		return e.ID
	}
	return e.Get("request_id") + "|" + e.Get("client_order_id") + "|" + e.Get("internal_order_id")
}

// requiredFields is the schema: the minimum field set per event type.
var requiredFields = map[string][]string{
	TypeOrderUpdate:    {"request_id", "internal_order_id", "client_order_id", "symbol", "side", "status", "qty", "ts"},
	TypeTradeExecution: {"request_id", "trade_id", "internal_order_id", "client_order_id", "symbol", "side", "fill_qty", "fill_price", "ts"},
	TypePositionUpdate: {"request_id", "position_id", "sub_account_id", "symbol", "side", "entry_price", "quantity", "status"},
	TypeError:          {"request_id", "op", "reason"},
	TypeRiskSnapshot:   {"request_id", "sub_account_id", "balance", "equity", "margin_ratio"},
	TypeMarginSnapshot: {"request_id", "sub_account_id", "balance", "margin_used", "margin_ratio"},
}

// Validate checks the event against its type schema. Types without a schema
// pass. The error lists every missing field.
func Validate(e Event) error {
	required, ok := requiredFields[e.Type]
	if !ok {
		return nil
	}
	var missing []string
	for _, field := range required {
		if strings.TrimSpace(e.Fields[field]) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("event %s missing required fields: %s", e.Type, strings.Join(missing, ", "))
	}
	return nil
}
