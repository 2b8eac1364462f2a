// Package types defines the core entities owned by the risk engine. The
// position book holds the in-memory authoritative view of these; the durable
// store is the eventual authority across restarts.
package types

import (
	"time"

	"pms-api/pkg/riskmath"
)

// PositionStatus enumerates the lifecycle of a virtual position.
type PositionStatus string

const (
	PositionOpen       PositionStatus = "OPEN"
	PositionClosed     PositionStatus = "CLOSED"
	PositionLiquidated PositionStatus = "LIQUIDATED"
	PositionTakenOver  PositionStatus = "TAKEN_OVER"
)

// AccountStatus enumerates sub-account states.
type AccountStatus string

const (
	AccountActive     AccountStatus = "ACTIVE"
	AccountFrozen     AccountStatus = "FROZEN"
	AccountLiquidated AccountStatus = "LIQUIDATED"
)

// LiquidationMode selects how the engine unwinds an account under duress.
type LiquidationMode string

const (
	ModeADL30        LiquidationMode = "ADL_30"
	ModeInstantClose LiquidationMode = "INSTANT_CLOSE"
	ModeTakeover     LiquidationMode = "TAKEOVER"
)

// Position is a virtual perp position. A (SubAccountID, Symbol, Side) tuple
// has at most one OPEN position at any time.
type Position struct {
	ID                 string
	SubAccountID       string
	Symbol             string
	Side               riskmath.Side
	EntryPrice         float64
	Quantity           float64
	Notional           float64
	Leverage           float64
	Margin             float64
	LiquidationPrice   float64
	BabysitterExcluded bool
	Status             PositionStatus
	RealizedPnl        float64
	TakenOverBy        string
	OpenedAt           time.Time
	ClosedAt           *time.Time
	TakenOverAt        *time.Time
}

// IsOpen reports whether the position is still live.
func (p *Position) IsOpen() bool { return p.Status == PositionOpen }

// SubAccount is the per-user trading account the engine manages.
type SubAccount struct {
	ID              string
	UserID          string
	Name            string
	CurrentBalance  float64
	MaintenanceRate float64
	LiquidationMode LiquidationMode
	Status          AccountStatus
}

// Rules bound what an account may trade. A zero cap disables that check; a
// LiquidationThreshold outside (0, 1] falls back to DefaultLiquidationThreshold.
type Rules struct {
	MaxLeverage          float64
	MaxNotionalPerTrade  float64
	MaxTotalExposure     float64
	LiquidationThreshold float64
}

// DefaultLiquidationThreshold is used whenever rules carry no usable value.
const DefaultLiquidationThreshold = 0.90

// EffectiveThreshold returns the liquidation threshold, falling back to the
// default when the configured value is outside (0, 1].
func (r Rules) EffectiveThreshold() float64 {
	if r.LiquidationThreshold > 0 && r.LiquidationThreshold <= 1 {
		return r.LiquidationThreshold
	}
	return DefaultLiquidationThreshold
}

// TradeExecution is the append-only record of a fill or close, keyed by a
// deterministic signature so event redelivery cannot duplicate it.
type TradeExecution struct {
	ID           string
	SubAccountID string
	PositionID   string
	Symbol       string
	Side         riskmath.Side
	Action       string
	Quantity     float64
	Price        float64
	Fee          float64
	RealizedPnl  float64
	Signature    string
	ExecutedAt   time.Time
}

// Trade actions recorded on executions.
const (
	ActionOpen         = "OPEN"
	ActionAdd          = "ADD"
	ActionFlipClose    = "FLIP_CLOSE"
	ActionClose        = "CLOSE"
	ActionPartialClose = "PARTIAL_CLOSE"
	ActionLiquidation  = "LIQUIDATION"
	ActionADLTier2     = "ADL_TIER2"
	ActionADLTier3     = "ADL_TIER3"
	ActionTakeover     = "TAKEOVER"
	ActionReconcile    = "RECONCILE"
)

// BalanceLog records a single balance mutation. BalanceAfter is always
// BalanceBefore + Delta.
type BalanceLog struct {
	ID            string
	SubAccountID  string
	BalanceBefore float64
	BalanceAfter  float64
	Delta         float64
	Reason        string
	TradeID       string
	CreatedAt     time.Time
}

// PositionView is a position enriched with its current mark, embedded in
// snapshots.
type PositionView struct {
	ID               string        `json:"id" msgpack:"id"`
	Symbol           string        `json:"symbol" msgpack:"symbol"`
	Side             riskmath.Side `json:"side" msgpack:"side"`
	EntryPrice       float64       `json:"entryPrice" msgpack:"entryPrice"`
	MarkPrice        float64       `json:"markPrice" msgpack:"markPrice"`
	Quantity         float64       `json:"quantity" msgpack:"quantity"`
	Notional         float64       `json:"notional" msgpack:"notional"`
	Leverage         float64       `json:"leverage" msgpack:"leverage"`
	Margin           float64       `json:"margin" msgpack:"margin"`
	UnrealizedPnl    float64       `json:"unrealizedPnl" msgpack:"unrealizedPnl"`
	LiquidationPrice float64       `json:"liquidationPrice" msgpack:"liquidationPrice"`
}

// RiskSnapshot is the transient per-account full risk view published to the
// KV store and the broadcaster. EquityRaw may be negative; Equity is clamped
// at zero.
type RiskSnapshot struct {
	SubAccountID      string         `json:"subAccountId" msgpack:"subAccountId"`
	Balance           float64        `json:"balance" msgpack:"balance"`
	Equity            float64        `json:"equity" msgpack:"equity"`
	EquityRaw         float64        `json:"equityRaw" msgpack:"equityRaw"`
	UnrealizedPnl     float64        `json:"unrealizedPnl" msgpack:"unrealizedPnl"`
	MarginUsed        float64        `json:"marginUsed" msgpack:"marginUsed"`
	AvailableMargin   float64        `json:"availableMargin" msgpack:"availableMargin"`
	TotalExposure     float64        `json:"totalExposure" msgpack:"totalExposure"`
	MaintenanceMargin float64        `json:"maintenanceMargin" msgpack:"maintenanceMargin"`
	MarginRatio       float64        `json:"marginRatio" msgpack:"marginRatio"`
	AccountLiqPrice   float64        `json:"accountLiqPrice" msgpack:"accountLiqPrice"`
	Positions         []PositionView `json:"positions" msgpack:"positions"`
	Ts                int64          `json:"ts" msgpack:"ts"`
}
