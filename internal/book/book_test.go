package book

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pms-api/internal/types"
	"pms-api/pkg/riskmath"
)

func acct(id string, balance float64) types.SubAccount {
	return types.SubAccount{ID: id, CurrentBalance: balance, MaintenanceRate: 0.005, Status: types.AccountActive}
}

func pos(id, sub, symbol string, side riskmath.Side) *types.Position {
	return &types.Position{
		ID: id, SubAccountID: sub, Symbol: symbol, Side: side,
		EntryPrice: 100, Quantity: 1, Notional: 100, Status: types.PositionOpen,
	}
}

func TestBook_AddIndexesSymbol(t *testing.T) {
	b := New()
	b.Add(pos("p1", "s1", "BTC/USDT", riskmath.Long), acct("s1", 100))

	assert.ElementsMatch(t, []string{"s1"}, b.GetAccountsForSymbol("BTC/USDT"), "reverse index should contain the account")

	got, ok := b.GetPosition("s1", "BTC/USDT", riskmath.Long)
	require.True(t, ok, "open position should resolve by (account, symbol, side)")
	assert.Equal(t, "p1", got.ID, "resolved position should be the inserted one")

	_, ok = b.GetPosition("s1", "BTC/USDT", riskmath.Short)
	assert.False(t, ok, "opposite side should not resolve")
}

func TestBook_RemoveCleansIndexAndEntry(t *testing.T) {
	b := New()
	b.Add(pos("p1", "s1", "BTC/USDT", riskmath.Long), acct("s1", 100))
	b.Add(pos("p2", "s1", "BTC/USDT", riskmath.Short), acct("s1", 100))

	b.Remove("p1", "s1")
	assert.ElementsMatch(t, []string{"s1"}, b.GetAccountsForSymbol("BTC/USDT"), "index survives while another position shares the symbol")

	b.Remove("p2", "s1")
	assert.Empty(t, b.GetAccountsForSymbol("BTC/USDT"), "last removal should drop the index entry")

	_, ok := b.GetEntry("s1")
	assert.False(t, ok, "empty entry should be deleted")
}

func TestBook_UpdatePositionAndBalance(t *testing.T) {
	b := New()
	b.Add(pos("p1", "s1", "BTC/USDT", riskmath.Long), acct("s1", 100))

	qty := 2.0
	liq := 80.0
	ok := b.UpdatePosition("p1", "s1", Patch{Quantity: &qty, LiquidationPrice: &liq})
	require.True(t, ok, "patch should find the position")

	got, _ := b.GetPositionByID("p1", "s1")
	assert.InDelta(t, 2.0, got.Quantity, 1e-9, "quantity should be patched")
	assert.InDelta(t, 80.0, got.LiquidationPrice, 1e-9, "liq price should be patched")
	assert.InDelta(t, 100.0, got.EntryPrice, 1e-9, "untouched fields should survive")

	b.UpdateBalance("s1", 150)
	entry, _ := b.GetEntry("s1")
	assert.InDelta(t, 150.0, entry.Account.CurrentBalance, 1e-9, "balance should be updated")
}

func TestBook_LoadReplacesState(t *testing.T) {
	b := New()
	b.Add(pos("old", "gone", "ETH/USDT", riskmath.Long), acct("gone", 1))

	accounts := []types.SubAccount{acct("s1", 100), acct("s2", 200)}
	positions := []*types.Position{
		pos("p1", "s1", "BTC/USDT", riskmath.Long),
		pos("p2", "s2", "BTC/USDT", riskmath.Short),
	}
	b.Load(accounts, positions, map[string]*types.Rules{"s1": {MaxLeverage: 10}})

	assert.Empty(t, b.GetAccountsForSymbol("ETH/USDT"), "previous state should be gone")
	assert.ElementsMatch(t, []string{"s1", "s2"}, b.GetAccountsForSymbol("BTC/USDT"), "both loaded accounts should be indexed")

	entry, ok := b.GetEntry("s1")
	require.True(t, ok, "loaded entry should exist")
	require.NotNil(t, entry.Rules, "rules should be attached")
	assert.InDelta(t, 10.0, entry.Rules.MaxLeverage, 1e-9, "rules should round-trip")
}

func TestBook_EntriesReturnsCopies(t *testing.T) {
	b := New()
	b.Add(pos("p1", "s1", "BTC/USDT", riskmath.Long), acct("s1", 100))

	entries := b.Entries()
	entries["s1"].Positions["p1"].Quantity = 999

	got, _ := b.GetPositionByID("p1", "s1")
	assert.InDelta(t, 1.0, got.Quantity, 1e-9, "mutating a returned copy must not leak into the book")
}
