package store

import (
	"database/sql"
	"time"

	"pms-api/internal/types"
	"pms-api/pkg/riskmath"
)

// Row structs mirror the Postgres tables with nullable-safe fields, in the
// same shape the rest of the repo layer uses.

type positionRow struct {
	ID                 string          `db:"id"`
	SubAccountID       string          `db:"sub_account_id"`
	Symbol             string          `db:"symbol"`
	Side               string          `db:"side"`
	EntryPrice         float64         `db:"entry_price"`
	Quantity           float64         `db:"quantity"`
	Notional           float64         `db:"notional"`
	Leverage           float64         `db:"leverage"`
	Margin             float64         `db:"margin"`
	LiquidationPrice   float64         `db:"liquidation_price"`
	BabysitterExcluded bool            `db:"babysitter_excluded"`
	Status             string          `db:"status"`
	RealizedPnl        sql.NullFloat64 `db:"realized_pnl"`
	TakenOverBy        sql.NullString  `db:"taken_over_by"`
	OpenedAt           time.Time       `db:"opened_at"`
	ClosedAt           sql.NullTime    `db:"closed_at"`
	TakenOverAt        sql.NullTime    `db:"taken_over_at"`
}

func (r *positionRow) toPosition() *types.Position {
	p := &types.Position{
		ID:                 r.ID,
		SubAccountID:       r.SubAccountID,
		Symbol:             r.Symbol,
		Side:               riskmath.Side(r.Side),
		EntryPrice:         r.EntryPrice,
		Quantity:           r.Quantity,
		Notional:           r.Notional,
		Leverage:           r.Leverage,
		Margin:             r.Margin,
		LiquidationPrice:   r.LiquidationPrice,
		BabysitterExcluded: r.BabysitterExcluded,
		Status:             types.PositionStatus(r.Status),
		OpenedAt:           r.OpenedAt,
	}
	if r.RealizedPnl.Valid {
		p.RealizedPnl = r.RealizedPnl.Float64
	}
	if r.TakenOverBy.Valid {
		p.TakenOverBy = r.TakenOverBy.String
	}
	if r.ClosedAt.Valid {
		value := r.ClosedAt.Time
		p.ClosedAt = &value
	}
	if r.TakenOverAt.Valid {
		value := r.TakenOverAt.Time
		p.TakenOverAt = &value
	}
	return p
}

type subAccountRow struct {
	ID              string  `db:"id"`
	UserID          string  `db:"user_id"`
	Name            string  `db:"name"`
	CurrentBalance  float64 `db:"current_balance"`
	MaintenanceRate float64 `db:"maintenance_rate"`
	LiquidationMode string  `db:"liquidation_mode"`
	Status          string  `db:"status"`
}

func (r *subAccountRow) toAccount() types.SubAccount {
	return types.SubAccount{
		ID:              r.ID,
		UserID:          r.UserID,
		Name:            r.Name,
		CurrentBalance:  r.CurrentBalance,
		MaintenanceRate: r.MaintenanceRate,
		LiquidationMode: types.LiquidationMode(r.LiquidationMode),
		Status:          types.AccountStatus(r.Status),
	}
}

type rulesRow struct {
	SubAccountID         sql.NullString `db:"sub_account_id"`
	MaxLeverage          float64        `db:"max_leverage"`
	MaxNotionalPerTrade  float64        `db:"max_notional_per_trade"`
	MaxTotalExposure     float64        `db:"max_total_exposure"`
	LiquidationThreshold float64        `db:"liquidation_threshold"`
}

func (r *rulesRow) toRules() *types.Rules {
	return &types.Rules{
		MaxLeverage:          r.MaxLeverage,
		MaxNotionalPerTrade:  r.MaxNotionalPerTrade,
		MaxTotalExposure:     r.MaxTotalExposure,
		LiquidationThreshold: r.LiquidationThreshold,
	}
}

const positionColumns = `
    id,
    sub_account_id,
    symbol,
    side,
    entry_price,
    quantity,
    notional,
    leverage,
    margin,
    liquidation_price,
    babysitter_excluded,
    status,
    realized_pnl,
    taken_over_by,
    opened_at,
    closed_at,
    taken_over_at`
