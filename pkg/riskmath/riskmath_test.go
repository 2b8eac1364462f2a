package riskmath

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPnL(t *testing.T) {
	assert.InDelta(t, 10.0, PnL(Long, 100, 110, 1), 1e-9, "long gains when price rises")
	assert.InDelta(t, -10.0, PnL(Long, 100, 90, 1), 1e-9, "long loses when price falls")
	assert.InDelta(t, 10.0, PnL(Short, 110, 100, 1), 1e-9, "short gains when price falls")
	assert.InDelta(t, -20.0, PnL(Short, 100, 110, 2), 1e-9, "short loss scales with qty")
}

func TestAvailableMargin_FlipExcludesOppositeLeg(t *testing.T) {
	got := AvailableMargin(MarginInput{
		Balance:          100,
		MaintenanceRate:  0.01,
		TotalUpnl:        -5,
		TotalNotional:    300,
		OppositeNotional: 100,
		OppositePnl:      10,
	})
	// equity = 100 - 5 + 10 = 105; maint = (300-100)*0.01 = 2
	assert.InDelta(t, 103, got, 1e-9, "opposite leg should drop out of maintenance and book its pnl")
}

func TestMarginUsageRatio_InsolventSentinel(t *testing.T) {
	assert.Equal(t, float64(InsolventRatio), MarginUsageRatio(0, 10, 5), "zero equity maps to sentinel")
	assert.Equal(t, float64(InsolventRatio), MarginUsageRatio(-1, 10, 5), "negative equity maps to sentinel")
	assert.InDelta(t, 0.3, MarginUsageRatio(100, 20, 10), 1e-9, "usage is (used+new)/equity")
}

func TestLiqPrice_LongShortSymmetry(t *testing.T) {
	// balance 100, notional 500 at entry 100 (qty 5), mr 0.005, T 0.9
	// maint = 2.5, floor = 2.7778, availForLoss = 97.2222, move = 19.4444
	long := LiqPrice(Long, 100, 100, 500, 0.005, 0.9)
	short := LiqPrice(Short, 100, 100, 500, 0.005, 0.9)
	assert.InDelta(t, 80.5556, long, 1e-3, "long liq sits below entry")
	assert.InDelta(t, 119.4444, short, 1e-3, "short liq sits above entry")

	// Deep leverage cannot push a long liq below zero.
	assert.Equal(t, 0.0, LiqPrice(Long, 1, 1000, 10, 0.005, 0.9), "long liq clamps at zero")
}

func TestDynamicLiqPrices_CrossMarginConsistency(t *testing.T) {
	balance := 100.0
	mr := 0.005
	threshold := 0.9
	positions := []PositionInput{
		{ID: "p1", Symbol: "BTC/USDT", Side: Long, Entry: 100, Quantity: 2, Notional: 200},
		{ID: "p2", Symbol: "ETH/USDT", Side: Short, Entry: 50, Quantity: 4, Notional: 200},
	}
	marks := map[string]float64{"BTC/USDT": 100, "ETH/USDT": 50}

	liq := DynamicLiqPrices(balance, mr, positions, marks, threshold)
	assert.Len(t, liq, 2, "every position should get a price")

	// Replaying with the solved price as the mark for p1 alone, while the
	// others stay at their current marks, should land equity exactly on the
	// maintenance floor.
	replay := map[string]float64{"BTC/USDT": liq["p1"], "ETH/USDT": 50}
	totalMaint := (200.0 + 200.0) * mr
	floor := totalMaint / threshold
	equity := balance +
		PnL(Long, 100, replay["BTC/USDT"], 2) +
		PnL(Short, 50, replay["ETH/USDT"], 4)
	assert.InDelta(t, floor, equity, 1e-6, "liq price should place equity on the floor")
}

func TestDynamicLiqPrices_OtherPnlShiftsPrice(t *testing.T) {
	positions := []PositionInput{
		{ID: "p1", Symbol: "BTC/USDT", Side: Long, Entry: 100, Quantity: 1, Notional: 100},
		{ID: "p2", Symbol: "ETH/USDT", Side: Long, Entry: 50, Quantity: 2, Notional: 100},
	}
	flat := DynamicLiqPrices(100, 0.005, positions, map[string]float64{"BTC/USDT": 100, "ETH/USDT": 50}, 0.9)
	losing := DynamicLiqPrices(100, 0.005, positions, map[string]float64{"BTC/USDT": 100, "ETH/USDT": 25}, 0.9)
	assert.Greater(t, losing["p1"], flat["p1"], "a losing sibling position should raise the long liq price")
}

func TestAccountLiqPrice_PicksLargestNotional(t *testing.T) {
	positions := []PositionInput{
		{ID: "small", Notional: 100},
		{ID: "big", Notional: 300},
	}
	liq := map[string]float64{"small": 90, "big": 70}
	assert.Equal(t, 70.0, AccountLiqPrice(positions, liq), "account liq follows the largest position")
	assert.Equal(t, 0.0, AccountLiqPrice(nil, nil), "no positions means no account liq")
}

func TestRoundToStep(t *testing.T) {
	assert.InDelta(t, 0.12, RoundToStep(0.1234, 0.01), 1e-9, "rounds down to step")
	assert.InDelta(t, 5, RoundToStep(5, 0), 1e-9, "zero step is identity")
	assert.InDelta(t, 0.1, RoundToStep(0.1, 0.1), 1e-9, "exact multiples survive")
}

func TestSignature_Deterministic(t *testing.T) {
	a := Signature("sub1", "close", "pos1", "1700000000", "nonce")
	b := Signature("sub1", "close", "pos1", "1700000000", "nonce")
	c := Signature("sub1", "close", "pos1", "1700000001", "nonce")
	assert.Equal(t, a, b, "same inputs produce the same signature")
	assert.NotEqual(t, a, c, "different ts produces a different signature")
	assert.Len(t, a, 64, "sha-256 hex is 64 chars")
}
