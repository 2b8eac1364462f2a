// Package riskmath holds the pure pricing and margin kernels shared by the
// validator, the executor and the liquidation engine. Every function is
// deterministic and allocation-light; none of them touch I/O.
package riskmath

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"
)

// Side is a position direction.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Opposite returns the other direction.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// InsolventRatio is the sentinel margin ratio reported when equity is not
// positive. Any threshold comparison treats it as hard insolvency.
const InsolventRatio = 999

// PnL returns the mark-to-market profit for a position leg.
func PnL(side Side, entry, close, qty float64) float64 {
	if side == Long {
		return (close - entry) * qty
	}
	return (entry - close) * qty
}

// MarginInput carries the account aggregates needed to price a new trade.
// OppositeNotional/OppositePnl describe an opposite-side position on the same
// symbol that a flip would close; both are zero when no flip is involved.
type MarginInput struct {
	Balance          float64
	MaintenanceRate  float64
	TotalUpnl        float64
	TotalNotional    float64
	OppositeNotional float64
	OppositePnl      float64
}

// AvailableMargin computes the equity left after maintenance requirements.
// The opposite leg's notional is excluded from maintenance and its PnL is
// treated as realized, matching the flip accounting in the executor.
func AvailableMargin(in MarginInput) float64 {
	equity := in.Balance + in.TotalUpnl + in.OppositePnl
	maintMargin := (in.TotalNotional - in.OppositeNotional) * in.MaintenanceRate
	return equity - maintMargin
}

// MarginUsageRatio returns the post-trade margin usage. Non-positive equity
// maps to InsolventRatio so callers can compare against thresholds without a
// division guard.
func MarginUsageRatio(equity, currentMarginUsed, newMargin float64) float64 {
	if equity <= 0 {
		return InsolventRatio
	}
	return (currentMarginUsed + newMargin) / equity
}

// LiqPrice computes the isolated liquidation price of a single position given
// the account balance backing it. threshold is the margin-ratio level at
// which liquidation fires, in (0, 1].
func LiqPrice(side Side, entry, balance, notional, maintenanceRate, threshold float64) float64 {
	if entry <= 0 || notional <= 0 {
		return 0
	}
	t := normalizeThreshold(threshold)
	qty := notional / entry
	maintMargin := notional * maintenanceRate
	equityFloor := maintMargin / t
	availForLoss := balance - equityFloor
	if side == Long {
		return math.Max(0, entry-availForLoss/qty)
	}
	return entry + availForLoss/qty
}

// PositionInput is the per-position slice of state consumed by
// DynamicLiqPrices.
type PositionInput struct {
	ID       string
	Symbol   string
	Side     Side
	Entry    float64
	Quantity float64
	Notional float64
}

// DynamicLiqPrices computes cross-margin liquidation prices. For each
// position the price is the level at which, holding every other position's
// mark-to-market PnL fixed, the account margin ratio reaches threshold.
// Positions whose symbol has no mark keep a zero uPnL contribution.
func DynamicLiqPrices(balance, maintenanceRate float64, positions []PositionInput, marks map[string]float64, threshold float64) map[string]float64 {
	t := normalizeThreshold(threshold)
	out := make(map[string]float64, len(positions))
	if len(positions) == 0 {
		return out
	}

	upnl := make([]float64, len(positions))
	totalUpnl := 0.0
	totalMaint := 0.0
	for i, p := range positions {
		if mark, ok := marks[p.Symbol]; ok && mark > 0 {
			upnl[i] = PnL(p.Side, p.Entry, mark, p.Quantity)
		}
		totalUpnl += upnl[i]
		totalMaint += p.Notional * maintenanceRate
	}
	equityFloor := totalMaint / t

	for i, p := range positions {
		if p.Quantity <= 0 {
			out[p.ID] = 0
			continue
		}
		otherUpnl := totalUpnl - upnl[i]
		requiredMove := (equityFloor - (balance + otherUpnl)) / p.Quantity
		var liq float64
		if p.Side == Long {
			liq = p.Entry + requiredMove
		} else {
			liq = p.Entry - requiredMove
		}
		out[p.ID] = math.Max(0, liq)
	}
	return out
}

// AccountLiqPrice returns the dynamic liquidation price of the
// largest-notional position, the single number surfaced on snapshots.
func AccountLiqPrice(positions []PositionInput, dynamicLiq map[string]float64) float64 {
	var largest *PositionInput
	for i := range positions {
		if largest == nil || positions[i].Notional > largest.Notional {
			largest = &positions[i]
		}
	}
	if largest == nil {
		return 0
	}
	return dynamicLiq[largest.ID]
}

// RoundToStep rounds value down to the nearest multiple of step. A
// non-positive step returns value unchanged.
func RoundToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	return math.Floor(value/step+1e-9) * step
}

// Signature builds the deterministic idempotency token for a durable write:
// SHA-256 hex over the joined inputs plus timestamp and nonce.
func Signature(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func normalizeThreshold(t float64) float64 {
	if t <= 0 || t > 1 || math.IsNaN(t) {
		return 0.9
	}
	return t
}
