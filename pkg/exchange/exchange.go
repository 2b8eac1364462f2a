// Package exchange defines the contract the risk engine expects from the
// venue it shadows. Implementations normalise venue payloads into these
// structures so the core stays exchange-agnostic.
package exchange

import (
	"context"

	"pms-api/pkg/riskmath"
)

// Tick is a single mark-price update pushed from the venue stream.
type Tick struct {
	Symbol string
	Mark   float64
	Ts     int64
}

// OrderRequest describes a market order the engine wants executed.
type OrderRequest struct {
	Symbol        string
	Side          riskmath.Side // direction of the order, not the position
	Quantity      float64
	ReduceOnly    bool
	ClientOrderID string
	// FastAck accepts an ACK-only response; the caller re-fetches the fill.
	FastAck bool
	// FallbackPrice is used when FastAck returns no average price.
	FallbackPrice float64
}

// Fill is the normalised result of an executed order.
type Fill struct {
	OrderID  string
	Symbol   string
	Price    float64
	Quantity float64
	Fee      float64
	// Acked is true when the venue only acknowledged the order and Price may
	// be zero pending a fill fetch.
	Acked bool
}

// RemotePosition is the venue's view of an open position.
type RemotePosition struct {
	Symbol     string
	Side       riskmath.Side
	Quantity   float64
	EntryPrice float64
}

// TickHandler consumes mark-price updates.
type TickHandler func(Tick)

// Provider exposes the venue capabilities the engine needs. Order placement
// and position fetches are REST-shaped calls with per-call timeouts; the
// tick stream is push-based through SetTickHandler.
type Provider interface {
	// Order execution.
	SetLeverage(ctx context.Context, symbol string, leverage float64) error
	MarketOrder(ctx context.Context, req OrderRequest) (*Fill, error)
	FetchFill(ctx context.Context, symbol, orderID string) (*Fill, error)

	// Venue state.
	FetchPositions(ctx context.Context) ([]RemotePosition, error)
	FetchMarkPrice(ctx context.Context, symbol string) (float64, error)

	// Tick stream control.
	Subscribe(symbols ...string)
	Subscribed(symbol string) bool
	Reconnect(symbol string)
	SetTickHandler(h TickHandler)
}
