package events

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pms-api/internal/book"
	"pms-api/internal/broadcast"
	"pms-api/internal/price"
	"pms-api/internal/store"
	"pms-api/internal/trade"
	"pms-api/internal/types"
	"pms-api/pkg/exchange"
	"pms-api/pkg/exchange/sim"
	"pms-api/pkg/riskmath"
)

type fixture struct {
	store    *store.MemStore
	book     *book.Book
	provider *sim.Provider
	rec      *broadcast.Recorder
	exec     *trade.Executor
	router   *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemStore()
	provider := sim.New()
	prices := price.New(nil, provider, 10*time.Second)
	bk := book.New()
	rec := broadcast.NewRecorder()
	exec := trade.NewExecutor(st, bk, prices, provider,
		exchange.NewCircuitBreaker(5, time.Minute), rec, store.NewMemoryLocker())
	router := NewRouter(st, bk, exec, rec)
	router.Fills().SetSynchronous()

	st.SeedAccount(types.SubAccount{
		ID: "s1", CurrentBalance: 100, MaintenanceRate: 0.005,
		LiquidationMode: types.ModeADL30, Status: types.AccountActive,
	})
	return &fixture{store: st, book: bk, provider: provider, rec: rec, exec: exec, router: router}
}

func fillEvent(id, clientOrderID string, ts time.Time) Event {
	return Event{
		ID:   id,
		Type: TypeOrderUpdate,
		Fields: map[string]string{
			"request_id":        "req-" + id,
			"internal_order_id": "io-" + id,
			"client_order_id":   clientOrderID,
			"sub_account_id":    "s1",
			"symbol":            "BTC/USDT",
			"side":              "LONG",
			"status":            StatusFilled,
			"qty":               "1",
			"price":             "100",
			"ts":                strconv.FormatInt(ts.UnixMilli(), 10),
		},
	}
}

func TestRouter_SchemaViolationDropped(t *testing.T) {
	f := newFixture(t)
	ev := Event{ID: "1-0", Type: TypeOrderUpdate, Fields: map[string]string{"symbol": "BTC/USDT"}}

	assert.True(t, f.router.Route(context.Background(), ev), "schema violations ack and drop")
	errs := f.rec.ByType(broadcast.EventEngineError)
	require.Len(t, errs, 1, "a SCHEMA_VIOLATION event should fan out")
	payload := errs[0].Payload.(map[string]any)
	assert.Equal(t, "SCHEMA_VIOLATION", payload["code"], "error code should be SCHEMA_VIOLATION")
}

func TestRouter_UnknownTypePassesThrough(t *testing.T) {
	f := newFixture(t)
	ev := Event{ID: "1-0", Type: "funding_update", Fields: map[string]string{"symbol": "BTC/USDT"}}
	assert.True(t, f.router.Route(context.Background(), ev), "unknown types ack without dispatch")
	assert.Empty(t, f.rec.Events(), "nothing should fan out for unknown types")
}

func TestFillHandler_CreatesPosition(t *testing.T) {
	f := newFixture(t)
	ok := f.router.Route(context.Background(), fillEvent("1-0", trade.EngineOrderPrefix+"abc", time.Now()))
	require.True(t, ok, "fill should ack")

	pos, found := f.book.GetPosition("s1", "BTC/USDT", riskmath.Long)
	require.True(t, found, "fill should create the book position")
	assert.InDelta(t, 100, pos.EntryPrice, 1e-9, "entry at fill price")

	execs := f.store.Executions()
	require.Len(t, execs, 1, "durable write should record one execution")
	assert.Equal(t, types.ActionOpen, execs[0].Action, "action should be OPEN")
}

func TestFillHandler_DuplicateIsNoOp(t *testing.T) {
	f := newFixture(t)
	ev := fillEvent("1-0", trade.EngineOrderPrefix+"abc", time.Now())

	require.True(t, f.router.Route(context.Background(), ev), "first delivery should ack")
	require.True(t, f.router.Route(context.Background(), ev), "second delivery should ack")

	pos, found := f.book.GetPosition("s1", "BTC/USDT", riskmath.Long)
	require.True(t, found, "position should exist")
	assert.InDelta(t, 1, pos.Quantity, 1e-9, "duplicate fill must not double the quantity")
	assert.Len(t, f.store.Executions(), 1, "exactly one execution row across redeliveries")
}

func TestFillHandler_WeightedAdd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.router.Route(ctx, fillEvent("1-0", trade.EngineOrderPrefix+"a", time.Now())), "first fill")

	second := fillEvent("2-0", trade.EngineOrderPrefix+"b", time.Now())
	second.Fields["price"] = "200"
	require.True(t, f.router.Route(ctx, second), "second fill")

	pos, found := f.book.GetPosition("s1", "BTC/USDT", riskmath.Long)
	require.True(t, found, "position should exist")
	assert.InDelta(t, 2, pos.Quantity, 1e-9, "quantities accumulate")
	assert.InDelta(t, 150, pos.EntryPrice, 1e-9, "entry is the weighted average")
}

// Ghost fill: symbol just closed locally, foreign client order id, no book
// position. The fill must be skipped entirely.
func TestFillHandler_GhostSkipAfterLocalClose(t *testing.T) {
	f := newFixture(t)
	f.exec.MarkRecentlyClosed("BTC/USDT")

	ok := f.router.Route(context.Background(), fillEvent("1-0", "venue-originated-id", time.Now()))
	require.True(t, ok, "ghost fill acks")

	_, found := f.book.GetPosition("s1", "BTC/USDT", riskmath.Long)
	assert.False(t, found, "no position should be created from a ghost fill")
	assert.Empty(t, f.store.Executions(), "no execution should be recorded")
}

// An engine-originated order id bypasses the ghost guard even inside the
// recently-closed window.
func TestFillHandler_EngineOrderBypassesGhostGuard(t *testing.T) {
	f := newFixture(t)
	f.exec.MarkRecentlyClosed("BTC/USDT")

	ok := f.router.Route(context.Background(), fillEvent("1-0", trade.EngineOrderPrefix+"mine", time.Now()))
	require.True(t, ok, "engine fill acks")

	_, found := f.book.GetPosition("s1", "BTC/USDT", riskmath.Long)
	assert.True(t, found, "engine-originated fills apply normally")
}

func TestFillHandler_StaleFillSkipped(t *testing.T) {
	f := newFixture(t)
	old := time.Now().Add(-2 * time.Minute)

	ok := f.router.Route(context.Background(), fillEvent("1-0", "venue-id", old))
	require.True(t, ok, "stale fill acks")
	_, found := f.book.GetPosition("s1", "BTC/USDT", riskmath.Long)
	assert.False(t, found, "fills older than the stale window are dropped")
}

func TestPositionHandler_ClosedEventClosesPosition(t *testing.T) {
	f := newFixture(t)
	f.store.SeedPosition(types.Position{
		ID: "p1", SubAccountID: "s1", Symbol: "BTC/USDT", Side: riskmath.Long,
		EntryPrice: 100, Quantity: 1, Notional: 100, Margin: 20,
		Status: types.PositionOpen, OpenedAt: time.Now(),
	})
	accounts, positions, err := f.store.LoadOpenBook(context.Background())
	require.NoError(t, err, "load book")
	f.book.Load(accounts, positions, nil)

	ev := Event{
		ID:   "5-0",
		Type: TypePositionUpdate,
		Fields: map[string]string{
			"request_id": "req-5", "position_id": "p1", "sub_account_id": "s1",
			"symbol": "BTC/USDT", "side": "LONG", "entry_price": "100",
			"quantity": "1", "status": "CLOSED", "close_price": "110",
		},
	}
	require.True(t, f.router.Route(context.Background(), ev), "close event should ack")

	stored, err := f.store.GetPosition(context.Background(), "p1")
	require.NoError(t, err, "position should load")
	assert.Equal(t, types.PositionClosed, stored.Status, "position should close")

	acct, err := f.store.GetAccount(context.Background(), "s1")
	require.NoError(t, err, "account should load")
	assert.InDelta(t, 110, acct.CurrentBalance, 1e-9, "realized pnl should land on the balance")

	_, found := f.book.GetPosition("s1", "BTC/USDT", riskmath.Long)
	assert.False(t, found, "book should drop the closed position")

	// Redelivery is a no-op.
	require.True(t, f.router.Route(context.Background(), ev), "redelivery should ack")
	assert.Len(t, f.store.Executions(), 1, "close should be recorded once")
}

func TestPositionHandler_NonCloseDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	ev := Event{
		ID:   "6-0",
		Type: TypePositionUpdate,
		Fields: map[string]string{
			"request_id": "req-6", "position_id": "p9", "sub_account_id": "s1",
			"symbol": "BTC/USDT", "side": "LONG", "entry_price": "100",
			"quantity": "1", "status": "OPEN",
		},
	}
	require.True(t, f.router.Route(context.Background(), ev), "non-close should ack")
	assert.Empty(t, f.store.Executions(), "non-close position updates must not mutate state")
	assert.Equal(t, 1, f.rec.Count(broadcast.EventPositionUpdated), "it relays to the fan-out only")
}

func TestRouter_OrderStatusFanout(t *testing.T) {
	f := newFixture(t)
	base := fillEvent("7-0", "x", time.Now())

	for _, tc := range []struct {
		status string
		event  string
	}{
		{StatusAck, broadcast.EventOrderAcked},
		{StatusCanceled, broadcast.EventOrderCancelled},
		{StatusRejected, broadcast.EventOrderRejected},
	} {
		ev := base
		ev.ID = "7-" + tc.status
		fields := make(map[string]string, len(base.Fields))
		for k, v := range base.Fields {
			fields[k] = v
		}
		fields["status"] = tc.status
		ev.Fields = fields
		require.True(t, f.router.Route(context.Background(), ev), "status %s should ack", tc.status)
		assert.Equal(t, 1, f.rec.Count(tc.event), "status %s should fan out %s", tc.status, tc.event)
	}
}
