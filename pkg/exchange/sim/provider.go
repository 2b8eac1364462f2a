// Package sim is a paper-trading exchange used by tests and dry-run mode. It
// keeps venue positions and mark prices in memory and fills market orders at
// the current mark.
package sim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"pms-api/pkg/exchange"
	"pms-api/pkg/riskmath"
)

// Provider is an in-memory exchange.Provider.
type Provider struct {
	mu sync.Mutex

	nextOrderID int64
	marks       map[string]float64
	positions   map[string]*positionState // symbol -> net venue position
	leverage    map[string]float64
	subscribed  map[string]bool
	reconnects  map[string]int
	fills       map[string]*exchange.Fill

	feeRate float64
	handler exchange.TickHandler

	// FailNextOrder makes the next MarketOrder return this error once.
	FailNextOrder error
	// AckOnly makes MarketOrder return an ACK without an average price.
	AckOnly bool
}

type positionState struct {
	Qty   float64 // positive long, negative short
	Entry float64
}

// New constructs an empty simulator.
func New() *Provider {
	return &Provider{
		nextOrderID: 1,
		marks:       make(map[string]float64),
		positions:   make(map[string]*positionState),
		leverage:    make(map[string]float64),
		subscribed:  make(map[string]bool),
		reconnects:  make(map[string]int),
		fills:       make(map[string]*exchange.Fill),
	}
}

// SetFeeRate configures the taker fee applied to fills, as a fraction of
// notional.
func (p *Provider) SetFeeRate(rate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.feeRate = rate
}

// SetMark stores a mark price and pushes a tick through the registered
// handler, if any.
func (p *Provider) SetMark(symbol string, price float64) {
	p.mu.Lock()
	p.marks[symbol] = price
	h := p.handler
	p.mu.Unlock()
	if h != nil {
		h(exchange.Tick{Symbol: symbol, Mark: price, Ts: time.Now().UnixMilli()})
	}
}

// SeedPosition places a venue-side position directly, bypassing orders.
func (p *Provider) SeedPosition(symbol string, side riskmath.Side, qty, entry float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	signed := qty
	if side == riskmath.Short {
		signed = -qty
	}
	p.positions[symbol] = &positionState{Qty: signed, Entry: entry}
}

// RemovePosition drops the venue-side position, simulating an out-of-band
// close.
func (p *Provider) RemovePosition(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, symbol)
}

// SetLeverage records the leverage for a symbol.
func (p *Provider) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	if leverage <= 0 {
		return fmt.Errorf("sim: leverage must be positive")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leverage[symbol] = leverage
	return nil
}

// MarketOrder fills at the current mark. Reduce-only orders against a flat
// book return a ghost-shaped error like a real venue would.
func (p *Provider) MarketOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailNextOrder != nil {
		err := p.FailNextOrder
		p.FailNextOrder = nil
		return nil, err
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("sim: invalid quantity %v", req.Quantity)
	}
	mark, ok := p.marks[req.Symbol]
	if !ok || mark <= 0 {
		return nil, fmt.Errorf("sim: no mark price for %s", req.Symbol)
	}

	pos := p.positions[req.Symbol]
	delta := req.Quantity
	if req.Side == riskmath.Short {
		delta = -req.Quantity
	}
	if req.ReduceOnly {
		if pos == nil || pos.Qty == 0 || sameSign(pos.Qty, delta) {
			return nil, fmt.Errorf("sim: reduceOnly order rejected, no opposing position")
		}
		if math.Abs(delta) > math.Abs(pos.Qty) {
			delta = -pos.Qty
		}
	}
	p.applyLocked(req.Symbol, delta, mark)

	orderID := fmt.Sprintf("sim-%d", p.nextOrderID)
	p.nextOrderID++
	fill := &exchange.Fill{
		OrderID:  orderID,
		Symbol:   req.Symbol,
		Price:    mark,
		Quantity: math.Abs(delta),
		Fee:      math.Abs(delta) * mark * p.feeRate,
	}
	p.fills[orderID] = fill

	if p.AckOnly {
		ack := *fill
		ack.Price = 0
		ack.Acked = true
		return &ack, nil
	}
	return fill, nil
}

// FetchFill returns the recorded fill for an order id.
func (p *Provider) FetchFill(ctx context.Context, symbol, orderID string) (*exchange.Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fill, ok := p.fills[orderID]
	if !ok {
		return nil, fmt.Errorf("sim: unknown order %s", orderID)
	}
	return fill, nil
}

// FetchPositions reports the venue's open positions.
func (p *Provider) FetchPositions(ctx context.Context) ([]exchange.RemotePosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]exchange.RemotePosition, 0, len(p.positions))
	for sym, pos := range p.positions {
		if pos.Qty == 0 {
			continue
		}
		side := riskmath.Long
		if pos.Qty < 0 {
			side = riskmath.Short
		}
		out = append(out, exchange.RemotePosition{
			Symbol:     sym,
			Side:       side,
			Quantity:   math.Abs(pos.Qty),
			EntryPrice: pos.Entry,
		})
	}
	return out, nil
}

// FetchMarkPrice returns the latest mark, REST-style.
func (p *Provider) FetchMarkPrice(ctx context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mark, ok := p.marks[symbol]
	if !ok {
		return 0, fmt.Errorf("sim: no mark price for %s", symbol)
	}
	return mark, nil
}

// Subscribe marks symbols as streamed.
func (p *Provider) Subscribe(symbols ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range symbols {
		p.subscribed[s] = true
	}
}

// Subscribed reports whether a symbol is streamed.
func (p *Provider) Subscribed(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribed[symbol]
}

// Reconnect counts reconnect requests per symbol.
func (p *Provider) Reconnect(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconnects[symbol]++
}

// Reconnects returns how many times a symbol was asked to reconnect.
func (p *Provider) Reconnects(symbol string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reconnects[symbol]
}

// SetTickHandler registers the tick consumer.
func (p *Provider) SetTickHandler(h exchange.TickHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

func (p *Provider) applyLocked(symbol string, delta, price float64) {
	pos := p.positions[symbol]
	if pos == nil {
		p.positions[symbol] = &positionState{Qty: delta, Entry: price}
		return
	}
	newQty := pos.Qty + delta
	switch {
	case newQty == 0:
		delete(p.positions, symbol)
	case sameSign(pos.Qty, newQty) && math.Abs(newQty) > math.Abs(pos.Qty):
		// Adding: weighted-average entry.
		pos.Entry = (pos.Entry*math.Abs(pos.Qty) + price*math.Abs(delta)) / math.Abs(newQty)
		pos.Qty = newQty
	case sameSign(pos.Qty, newQty):
		// Reducing keeps the entry.
		pos.Qty = newQty
	default:
		// Flip: the remainder opens at the fill price.
		pos.Qty = newQty
		pos.Entry = price
	}
}

func sameSign(a, b float64) bool { return (a > 0) == (b > 0) }

var _ exchange.Provider = (*Provider)(nil)
