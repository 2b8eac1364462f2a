package sim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pms-api/pkg/exchange"
	"pms-api/pkg/riskmath"
)

func TestSimProvider_OpenAndClose(t *testing.T) {
	p := New()
	ctx := context.Background()
	p.SetMark("BTC/USDT", 50000)

	require.NoError(t, p.SetLeverage(ctx, "BTC/USDT", 10), "SetLeverage should not error")

	fill, err := p.MarketOrder(ctx, exchange.OrderRequest{Symbol: "BTC/USDT", Side: riskmath.Long, Quantity: 0.01})
	require.NoError(t, err, "MarketOrder should not error")
	assert.InDelta(t, 50000, fill.Price, 1e-9, "fill should land on the mark")

	positions, err := p.FetchPositions(ctx)
	require.NoError(t, err, "FetchPositions should not error")
	require.Len(t, positions, 1, "should have one venue position")
	assert.Equal(t, riskmath.Long, positions[0].Side, "side should be long")

	_, err = p.MarketOrder(ctx, exchange.OrderRequest{Symbol: "BTC/USDT", Side: riskmath.Short, Quantity: 0.01, ReduceOnly: true})
	require.NoError(t, err, "reduce-only close should not error")
	positions, err = p.FetchPositions(ctx)
	require.NoError(t, err, "FetchPositions should not error")
	assert.Len(t, positions, 0, "venue book should be flat after close")
}

func TestSimProvider_ReduceOnlyGhost(t *testing.T) {
	p := New()
	p.SetMark("ETH/USDT", 3000)

	_, err := p.MarketOrder(context.Background(), exchange.OrderRequest{Symbol: "ETH/USDT", Side: riskmath.Short, Quantity: 1, ReduceOnly: true})
	require.Error(t, err, "reduce-only against a flat book should fail")
	assert.True(t, exchange.IsGhost(err), "rejection should classify as ghost")
}

func TestSimProvider_AckOnlyAndFetchFill(t *testing.T) {
	p := New()
	ctx := context.Background()
	p.SetMark("BTC/USDT", 40000)
	p.AckOnly = true

	ack, err := p.MarketOrder(ctx, exchange.OrderRequest{Symbol: "BTC/USDT", Side: riskmath.Long, Quantity: 1, FastAck: true})
	require.NoError(t, err, "ack order should not error")
	assert.True(t, ack.Acked, "response should be an ACK")
	assert.Zero(t, ack.Price, "ack carries no price")

	fill, err := p.FetchFill(ctx, "BTC/USDT", ack.OrderID)
	require.NoError(t, err, "fetching the fill should not error")
	assert.InDelta(t, 40000, fill.Price, 1e-9, "fetched fill carries the real price")
}

func TestSimProvider_TickHandler(t *testing.T) {
	p := New()
	var got []exchange.Tick
	p.SetTickHandler(func(tk exchange.Tick) { got = append(got, tk) })

	p.SetMark("BTC/USDT", 100)
	p.SetMark("BTC/USDT", 101)
	require.Len(t, got, 2, "each mark update should push one tick")
	assert.InDelta(t, 101, got[1].Mark, 1e-9, "latest tick carries the latest mark")
}

func TestSimProvider_FlipOpensAtFillPrice(t *testing.T) {
	p := New()
	ctx := context.Background()
	p.SetMark("BTC/USDT", 100)
	p.SeedPosition("BTC/USDT", riskmath.Short, 1, 110)

	_, err := p.MarketOrder(ctx, exchange.OrderRequest{Symbol: "BTC/USDT", Side: riskmath.Long, Quantity: 2})
	require.NoError(t, err, "flip order should not error")

	positions, err := p.FetchPositions(ctx)
	require.NoError(t, err, "FetchPositions should not error")
	require.Len(t, positions, 1, "flip should leave one net position")
	assert.Equal(t, riskmath.Long, positions[0].Side, "net position should be long")
	assert.InDelta(t, 1, positions[0].Quantity, 1e-9, "remainder should be 1")
	assert.InDelta(t, 100, positions[0].EntryPrice, 1e-9, "remainder opens at fill price")
}
