package trade

import (
	"context"

	"pms-api/internal/book"
	"pms-api/internal/price"
	"pms-api/internal/store"
	"pms-api/internal/types"
	"pms-api/pkg/riskmath"
)

// maxMarginUsage is the post-trade usage ratio above which trades are
// rejected outright.
const maxMarginUsage = 0.98

// Request is a candidate trade.
type Request struct {
	SubAccountID string
	Symbol       string
	Side         riskmath.Side
	Quantity     float64
	Leverage     float64
}

// Computed carries the intermediate values the executor reuses so it does
// not recompute them after validation.
type Computed struct {
	Price            float64
	Notional         float64
	RequiredMargin   float64
	AvailableMargin  float64
	MarginUsage      float64
	Rules            types.Rules
	Account          types.SubAccount
	OppositePosition *types.Position
}

// Result is the validator verdict. Deterministic given inputs.
type Result struct {
	Valid    bool
	Errors   []*Error
	Computed Computed
}

// Validator runs the pre-trade checks against rules and live state.
type Validator struct {
	store  store.Store
	book   *book.Book
	prices *price.Service
}

// NewValidator wires the validator's collaborators.
func NewValidator(st store.Store, bk *book.Book, prices *price.Service) *Validator {
	return &Validator{store: st, book: bk, prices: prices}
}

// Validate checks the request. All rule failures are collected; state
// failures (missing account, no price) short-circuit.
func (v *Validator) Validate(ctx context.Context, req Request) (*Result, error) {
	result := &Result{}

	account, err := v.store.GetAccount(ctx, req.SubAccountID)
	if err != nil {
		if err == store.ErrNotFound {
			result.Errors = append(result.Errors, E(CodeAccountNotFound, "sub-account %s not found", req.SubAccountID))
			return result, nil
		}
		return nil, err
	}
	if account.Status != types.AccountActive {
		result.Errors = append(result.Errors, E(CodeAccountFrozen, "sub-account %s is %s", req.SubAccountID, account.Status))
		return result, nil
	}
	result.Computed.Account = *account

	rules, err := v.store.GetRules(ctx, req.SubAccountID)
	if err != nil {
		if err != store.ErrNotFound {
			return nil, err
		}
		rules = &types.Rules{}
	}
	result.Computed.Rules = *rules

	// Reference price: in-memory WS first, then the shared KV, then REST —
	// the price service walks those tiers.
	mark, ok := v.prices.FreshPrice(ctx, req.Symbol)
	if !ok {
		result.Errors = append(result.Errors, E(CodeNoPrice, "no reference price for %s", req.Symbol))
		return result, nil
	}
	result.Computed.Price = mark

	notional := req.Quantity * mark
	requiredMargin := notional / req.Leverage
	result.Computed.Notional = notional
	result.Computed.RequiredMargin = requiredMargin

	if rules.MaxLeverage > 0 && req.Leverage > rules.MaxLeverage {
		result.Errors = append(result.Errors, E(CodeMaxLeverage, "leverage %.0fx exceeds max %.0fx", req.Leverage, rules.MaxLeverage))
	}
	if rules.MaxNotionalPerTrade > 0 && notional > rules.MaxNotionalPerTrade {
		result.Errors = append(result.Errors, E(CodeMaxNotional, "notional %.2f exceeds per-trade max %.2f", notional, rules.MaxNotionalPerTrade))
	}

	// Position-aware aggregates from the in-memory book. Prices here come
	// from the synchronous cache; this path never blocks on REST.
	var (
		totalNotional    float64
		totalMarginUsed  float64
		totalUpnl        float64
		oppositeNotional float64
		oppositePnl      float64
		oppositeMargin   float64
	)
	if entry, found := v.book.GetEntry(req.SubAccountID); found {
		for _, pos := range entry.Positions {
			if !pos.IsOpen() {
				continue
			}
			posMark, hasMark := v.prices.GetPrice(pos.Symbol)
			if !hasMark {
				posMark = pos.EntryPrice
			}
			upnl := riskmath.PnL(pos.Side, pos.EntryPrice, posMark, pos.Quantity)
			totalNotional += pos.Notional
			totalMarginUsed += pos.Margin
			totalUpnl += upnl
			if pos.Symbol == req.Symbol && pos.Side == req.Side.Opposite() {
				p := *pos
				result.Computed.OppositePosition = &p
				oppositeNotional = pos.Notional
				oppositePnl = upnl
				oppositeMargin = pos.Margin
			}
		}
	}

	if rules.MaxTotalExposure > 0 {
		exposure := totalNotional - oppositeNotional + notional
		if exposure > rules.MaxTotalExposure {
			result.Errors = append(result.Errors, E(CodeMaxExposure, "exposure %.2f exceeds max %.2f", exposure, rules.MaxTotalExposure))
		}
	}

	available := riskmath.AvailableMargin(riskmath.MarginInput{
		Balance:          account.CurrentBalance,
		MaintenanceRate:  account.MaintenanceRate,
		TotalUpnl:        totalUpnl,
		TotalNotional:    totalNotional + notional,
		OppositeNotional: oppositeNotional,
		OppositePnl:      oppositePnl,
	})
	result.Computed.AvailableMargin = available
	if requiredMargin > available {
		result.Errors = append(result.Errors, E(CodeInsufficientMargin, "required margin %.2f exceeds available %.2f", requiredMargin, available))
	}

	// Margin usage excludes the opposite leg being flipped away.
	equity := account.CurrentBalance + totalUpnl + oppositePnl
	usage := riskmath.MarginUsageRatio(equity, totalMarginUsed-oppositeMargin, requiredMargin)
	result.Computed.MarginUsage = usage
	if usage >= maxMarginUsage {
		result.Errors = append(result.Errors, E(CodeMarginRatioExceeded, "margin usage %.2f exceeds cap %.2f", usage, maxMarginUsage))
	}

	result.Valid = len(result.Errors) == 0
	return result, nil
}
