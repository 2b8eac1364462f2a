package trade

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pms-api/internal/book"
	"pms-api/internal/broadcast"
	"pms-api/internal/price"
	"pms-api/internal/store"
	"pms-api/internal/types"
	"pms-api/pkg/exchange"
	"pms-api/pkg/exchange/sim"
	"pms-api/pkg/riskmath"
)

type fixture struct {
	store    *store.MemStore
	book     *book.Book
	prices   *price.Service
	provider *sim.Provider
	rec      *broadcast.Recorder
	exec     *Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemStore()
	provider := sim.New()
	prices := price.New(nil, provider, 10*time.Second)
	bk := book.New()
	rec := broadcast.NewRecorder()
	exec := NewExecutor(st, bk, prices, provider,
		exchange.NewCircuitBreaker(5, time.Minute), rec, store.NewMemoryLocker())
	return &fixture{store: st, book: bk, prices: prices, provider: provider, rec: rec, exec: exec}
}

func (f *fixture) seedAccount(id string, balance float64) {
	f.store.SeedAccount(types.SubAccount{
		ID: id, UserID: "u-" + id, CurrentBalance: balance,
		MaintenanceRate: 0.005, LiquidationMode: types.ModeADL30, Status: types.AccountActive,
	})
	f.store.SeedRules("", types.Rules{
		MaxLeverage: 10, MaxNotionalPerTrade: 200, MaxTotalExposure: 500, LiquidationThreshold: 0.9,
	})
}

func (f *fixture) loadBook(t *testing.T) {
	t.Helper()
	accounts, positions, err := f.store.LoadOpenBook(context.Background())
	require.NoError(t, err, "load open book")
	f.book.Load(accounts, positions, nil)
}

func balanceOf(t *testing.T, f *fixture, sub string) float64 {
	t.Helper()
	acct, err := f.store.GetAccount(context.Background(), sub)
	require.NoError(t, err, "get account")
	return acct.CurrentBalance
}

// Open then close in a flat market: balance round-trips exactly, with two
// executions and two balance logs summing to zero.
func TestExecutor_OpenCloseFlatMarket(t *testing.T) {
	f := newFixture(t)
	f.seedAccount("s1", 100)
	f.provider.SetMark("BTC/USDT", 100)
	f.prices.SetPrice("BTC/USDT", 100)

	ctx := context.Background()
	outcome, err := f.exec.ExecuteTrade(ctx, Request{
		SubAccountID: "s1", Symbol: "BTC/USDT", Side: riskmath.Long, Quantity: 1, Leverage: 5,
	}, Options{})
	require.NoError(t, err, "open should succeed")
	require.NotNil(t, outcome.Position, "open should return the position")
	assert.InDelta(t, 100, outcome.Position.EntryPrice, 1e-9, "entry at mark")
	assert.InDelta(t, 20, outcome.Position.Margin, 1e-9, "margin is notional/leverage")
	assert.True(t, f.provider.Subscribed("BTC/USDT"), "post-trade should subscribe the symbol")

	closed, err := f.exec.ClosePosition(ctx, outcome.Position.ID, types.ActionClose)
	require.NoError(t, err, "close should succeed")
	assert.Equal(t, "exchange", closed.Source, "close should go through the venue")
	assert.InDelta(t, 0, closed.RealizedPnl, 1e-9, "flat market yields zero pnl")

	assert.InDelta(t, 100, balanceOf(t, f, "s1"), 1e-9, "balance should round-trip to 100")

	execs := f.store.Executions()
	require.Len(t, execs, 2, "open and close each record one execution")

	logs := f.store.BalanceLogs()
	require.Len(t, logs, 2, "open and close each record one balance log")
	var sum float64
	for _, l := range logs {
		assert.InDelta(t, l.BalanceAfter, l.BalanceBefore+l.Delta, 1e-9, "balance log must be internally consistent")
		sum += l.Delta
	}
	assert.InDelta(t, 0, sum, 1e-9, "deltas should sum to zero in a flat round trip")

	stored, err := f.store.GetPosition(ctx, outcome.Position.ID)
	require.NoError(t, err, "closed position should still load")
	assert.Equal(t, types.PositionClosed, stored.Status, "position should be CLOSED")
}

// Flip: the short's realized PnL lands on the balance before the new long's
// liquidation price is computed.
func TestExecutor_FlipBooksCloseLegFirst(t *testing.T) {
	f := newFixture(t)
	f.seedAccount("s1", 100)

	short := types.Position{
		ID: "short-1", SubAccountID: "s1", Symbol: "BTC/USDT", Side: riskmath.Short,
		EntryPrice: 110, Quantity: 1, Notional: 110, Leverage: 5, Margin: 22,
		Status: types.PositionOpen, OpenedAt: time.Now(),
	}
	f.store.SeedPosition(short)
	f.loadBook(t)
	f.provider.SeedPosition("BTC/USDT", riskmath.Short, 1, 110)
	f.provider.SetMark("BTC/USDT", 100)
	f.prices.SetPrice("BTC/USDT", 100)

	ctx := context.Background()
	outcome, err := f.exec.ExecuteTrade(ctx, Request{
		SubAccountID: "s1", Symbol: "BTC/USDT", Side: riskmath.Long, Quantity: 1, Leverage: 5,
	}, Options{})
	require.NoError(t, err, "flip should succeed")
	require.True(t, outcome.Flipped, "outcome should be a flip")
	require.NotNil(t, outcome.ClosedPosition, "flip should report the closed leg")
	assert.InDelta(t, 10, outcome.ClosedPosition.RealizedPnl, 1e-9, "short from 110 closed at 100 realizes +10")

	assert.InDelta(t, 110, balanceOf(t, f, "s1"), 1e-9, "balance should include the realized pnl")

	// The new long's liq price must be computed against balance 110.
	wantLiq := riskmath.LiqPrice(riskmath.Long, 100, 110, 100, 0.005, 0.9)
	assert.InDelta(t, wantLiq, outcome.Position.LiquidationPrice, 1e-9, "liq price should see the post-pnl balance")

	closedStored, err := f.store.GetPosition(ctx, "short-1")
	require.NoError(t, err, "old short should still load")
	assert.Equal(t, types.PositionClosed, closedStored.Status, "old short should be CLOSED")

	newPos, ok := f.book.GetPosition("s1", "BTC/USDT", riskmath.Long)
	require.True(t, ok, "book should hold the new long")
	assert.InDelta(t, 100, newPos.EntryPrice, 1e-9, "new long entry at fill price")
}

// Exchange desync: the venue shows the opposite side, so the close must be
// virtual-only with no market order placed.
func TestExecutor_CloseDesyncSideMismatch(t *testing.T) {
	f := newFixture(t)
	f.seedAccount("s1", 100)

	long := types.Position{
		ID: "long-1", SubAccountID: "s1", Symbol: "BTC/USDT", Side: riskmath.Long,
		EntryPrice: 100, Quantity: 1, Notional: 100, Leverage: 5, Margin: 20,
		Status: types.PositionOpen, OpenedAt: time.Now(),
	}
	f.store.SeedPosition(long)
	f.loadBook(t)
	// Venue disagrees: it holds a SHORT.
	f.provider.SeedPosition("BTC/USDT", riskmath.Short, 1, 100)
	f.provider.SetMark("BTC/USDT", 105)
	f.prices.SetPrice("BTC/USDT", 105)

	closed, err := f.exec.ClosePosition(context.Background(), "long-1", types.ActionClose)
	require.NoError(t, err, "desync close should succeed virtually")
	assert.Equal(t, "virtual_only", closed.Source, "close must not touch the venue")
	assert.Equal(t, "side_mismatch", closed.Reason, "reason should name the mismatch")

	remote, err := f.provider.FetchPositions(context.Background())
	require.NoError(t, err, "fetch venue positions")
	require.Len(t, remote, 1, "venue short must be untouched")
	assert.Equal(t, riskmath.Short, remote[0].Side, "venue side unchanged")
}

func TestExecutor_CloseNotOnExchangeIsVirtual(t *testing.T) {
	f := newFixture(t)
	f.seedAccount("s1", 100)
	long := types.Position{
		ID: "long-1", SubAccountID: "s1", Symbol: "BTC/USDT", Side: riskmath.Long,
		EntryPrice: 100, Quantity: 1, Notional: 100, Leverage: 5, Margin: 20,
		Status: types.PositionOpen, OpenedAt: time.Now(),
	}
	f.store.SeedPosition(long)
	f.loadBook(t)
	f.provider.SetMark("BTC/USDT", 90)
	f.prices.SetPrice("BTC/USDT", 90)

	closed, err := f.exec.ClosePosition(context.Background(), "long-1", types.ActionClose)
	require.NoError(t, err, "virtual close should succeed")
	assert.Equal(t, "virtual_only", closed.Source, "no venue position means virtual close")
	assert.Equal(t, "not_on_exchange", closed.Reason, "reason should say the venue is flat")
	assert.InDelta(t, -10, closed.RealizedPnl, 1e-9, "virtual close settles at best known mark")
}

func TestExecutor_CloseIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedAccount("s1", 100)
	long := types.Position{
		ID: "long-1", SubAccountID: "s1", Symbol: "BTC/USDT", Side: riskmath.Long,
		EntryPrice: 100, Quantity: 1, Notional: 100, Leverage: 5, Margin: 20,
		Status: types.PositionOpen, OpenedAt: time.Now(),
	}
	f.store.SeedPosition(long)
	f.loadBook(t)
	f.provider.SeedPosition("BTC/USDT", riskmath.Long, 1, 100)
	f.provider.SetMark("BTC/USDT", 100)
	f.prices.SetPrice("BTC/USDT", 100)

	ctx := context.Background()
	_, err := f.exec.ClosePosition(ctx, "long-1", types.ActionClose)
	require.NoError(t, err, "first close should succeed")

	_, err = f.exec.ClosePosition(ctx, "long-1", types.ActionClose)
	assert.True(t, IsCode(err, CodePositionClosed), "second close should report POSITION_CLOSED")
	assert.Len(t, f.store.Executions(), 1, "only one execution should exist")
}

func TestExecutor_PartialCloseLeavesResidual(t *testing.T) {
	f := newFixture(t)
	f.seedAccount("s1", 100)
	long := types.Position{
		ID: "long-1", SubAccountID: "s1", Symbol: "BTC/USDT", Side: riskmath.Long,
		EntryPrice: 100, Quantity: 1, Notional: 100, Leverage: 5, Margin: 20,
		Status: types.PositionOpen, OpenedAt: time.Now(),
	}
	f.store.SeedPosition(long)
	f.loadBook(t)
	f.provider.SeedPosition("BTC/USDT", riskmath.Long, 1, 100)
	f.provider.SetMark("BTC/USDT", 110)
	f.prices.SetPrice("BTC/USDT", 110)

	out, err := f.exec.PartialClose(context.Background(), "long-1", 0.3, types.ActionADLTier2)
	require.NoError(t, err, "partial close should succeed")
	assert.InDelta(t, 3, out.RealizedPnl, 1e-9, "0.3 qty closed 10 above entry realizes +3")

	stored, err := f.store.GetPosition(context.Background(), "long-1")
	require.NoError(t, err, "residual should load")
	assert.Equal(t, types.PositionOpen, stored.Status, "residual stays OPEN")
	assert.InDelta(t, 0.7, stored.Quantity, 1e-9, "residual keeps 70% of qty")
	assert.InDelta(t, 70, stored.Notional, 1e-9, "residual notional at entry")
	assert.InDelta(t, 14, stored.Margin, 1e-9, "residual margin scales")

	assert.Equal(t, 1, f.rec.Count(broadcast.EventPositionReduced), "position_reduced should fan out once")
}

func TestExecutor_TakeoverNeverTouchesVenue(t *testing.T) {
	f := newFixture(t)
	f.seedAccount("s1", 100)
	long := types.Position{
		ID: "long-1", SubAccountID: "s1", Symbol: "BTC/USDT", Side: riskmath.Long,
		EntryPrice: 100, Quantity: 1, Notional: 100, Leverage: 5, Margin: 20,
		Status: types.PositionOpen, OpenedAt: time.Now(),
	}
	f.store.SeedPosition(long)
	f.loadBook(t)
	f.provider.SeedPosition("BTC/USDT", riskmath.Long, 1, 100)
	f.provider.SetMark("BTC/USDT", 80)
	f.prices.SetPrice("BTC/USDT", 80)

	out, err := f.exec.TakeoverPosition(context.Background(), "long-1", "admin-1")
	require.NoError(t, err, "takeover should succeed")
	assert.Equal(t, "virtual_only", out.Source, "takeover is virtual only")
	assert.InDelta(t, -20, out.RealizedPnl, 1e-9, "takeover realizes the unrealized pnl")

	stored, err := f.store.GetPosition(context.Background(), "long-1")
	require.NoError(t, err, "taken-over position should load")
	assert.Equal(t, types.PositionTakenOver, stored.Status, "status should be TAKEN_OVER")
	assert.Equal(t, "admin-1", stored.TakenOverBy, "admin should be recorded")

	remote, err := f.provider.FetchPositions(context.Background())
	require.NoError(t, err, "fetch venue positions")
	assert.Len(t, remote, 1, "venue position must remain")
}

func TestExecutor_ReconcileClosesEachOnce(t *testing.T) {
	f := newFixture(t)
	f.seedAccount("s1", 100)
	f.seedAccount("s2", 100)
	f.store.SeedPosition(types.Position{
		ID: "p1", SubAccountID: "s1", Symbol: "BTC/USDT", Side: riskmath.Long,
		EntryPrice: 100, Quantity: 1, Notional: 100, Margin: 20, Status: types.PositionOpen, OpenedAt: time.Now(),
	})
	f.store.SeedPosition(types.Position{
		ID: "p2", SubAccountID: "s2", Symbol: "BTC/USDT", Side: riskmath.Short,
		EntryPrice: 100, Quantity: 2, Notional: 200, Margin: 40, Status: types.PositionOpen, OpenedAt: time.Now(),
	})
	f.loadBook(t)

	ctx := context.Background()
	require.NoError(t, f.exec.ReconcilePositions(ctx, "BTC/USDT", 95), "first reconcile should succeed")
	require.NoError(t, f.exec.ReconcilePositions(ctx, "BTC/USDT", 95), "second reconcile should be a no-op")

	assert.Len(t, f.store.Executions(), 2, "each position closes exactly once across both reconciles")
	for _, id := range []string{"p1", "p2"} {
		stored, err := f.store.GetPosition(ctx, id)
		require.NoError(t, err, "position should load")
		assert.Equal(t, types.PositionClosed, stored.Status, "position should be CLOSED")
	}
}

func TestExecutor_GhostErrorFallsBackToVirtual(t *testing.T) {
	f := newFixture(t)
	f.seedAccount("s1", 100)
	long := types.Position{
		ID: "long-1", SubAccountID: "s1", Symbol: "BTC/USDT", Side: riskmath.Long,
		EntryPrice: 100, Quantity: 1, Notional: 100, Margin: 20, Status: types.PositionOpen, OpenedAt: time.Now(),
	}
	f.store.SeedPosition(long)
	f.loadBook(t)
	f.provider.SeedPosition("BTC/USDT", riskmath.Long, 1, 100)
	f.provider.SetMark("BTC/USDT", 100)
	f.prices.SetPrice("BTC/USDT", 100)
	f.provider.FailNextOrder = errors.New("code=-2022, ReduceOnly Order is rejected")

	closed, err := f.exec.ClosePosition(context.Background(), "long-1", types.ActionClose)
	require.NoError(t, err, "ghost rejection should fall back to virtual close")
	assert.Equal(t, "virtual_only", closed.Source, "source should be virtual")
	assert.Equal(t, "ghost_error", closed.Reason, "reason should record the ghost")
}

func TestExecutor_LiquidateSurvivesVenueFailure(t *testing.T) {
	f := newFixture(t)
	f.seedAccount("s1", 100)
	long := types.Position{
		ID: "long-1", SubAccountID: "s1", Symbol: "BTC/USDT", Side: riskmath.Long,
		EntryPrice: 100, Quantity: 1, Notional: 100, Margin: 20, Status: types.PositionOpen, OpenedAt: time.Now(),
	}
	f.store.SeedPosition(long)
	f.loadBook(t)
	f.prices.SetPrice("BTC/USDT", 60)
	f.provider.FailNextOrder = errors.New("504 gateway timeout")

	out, err := f.exec.LiquidatePosition(context.Background(), "long-1")
	require.NoError(t, err, "liquidation must not fail on venue errors")
	assert.InDelta(t, 60, out.ClosePrice, 1e-9, "liquidation settles at the cached mark")

	stored, err := f.store.GetPosition(context.Background(), "long-1")
	require.NoError(t, err, "position should load")
	assert.Equal(t, types.PositionLiquidated, stored.Status, "status should be LIQUIDATED")
}
