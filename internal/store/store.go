// Package store is the durable side of the engine: positions, accounts,
// rules, trade executions and balance logs in Postgres, written through
// go-zero sqlx transactions. The in-memory book is authoritative at runtime;
// this layer is the eventual authority across restarts.
package store

import (
	"context"
	"errors"

	"pms-api/internal/types"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// OpenParams creates a new position together with its fill record and the
// fee balance log, atomically.
type OpenParams struct {
	Position  *types.Position
	Execution *types.TradeExecution
	// FeeDelta is applied to the account balance (usually -fee).
	FeeDelta float64
	Reason   string
}

// UpdateParams records an add to an existing position (weighted entry).
type UpdateParams struct {
	Position  *types.Position // fully updated copy
	Execution *types.TradeExecution
	FeeDelta  float64
	Reason    string
}

// CloseParams terminates a position. The transaction re-reads the row and
// skips when it is no longer OPEN, making closes idempotent across paths.
type CloseParams struct {
	PositionID string
	Status     types.PositionStatus
	ClosePrice float64
	// RealizedPnl is net of fees and becomes the balance delta.
	RealizedPnl float64
	Execution   *types.TradeExecution
	Reason      string
	// ResidualQuantity, when positive, shrinks the position instead of
	// terminating it (partial close); Residual* carry the new sizing.
	ResidualQuantity float64
	ResidualNotional float64
	ResidualMargin   float64
	// TakenOverBy marks takeover closes.
	TakenOverBy string
}

// CloseResult reports what the close transaction did.
type CloseResult struct {
	// Skipped is true when the position was already terminated.
	Skipped      bool
	BalanceAfter float64
}

// FlipParams closes an opposite-side position and opens a new one in a
// single transaction. NewLiqPrice is evaluated against the post-close
// balance so the fresh position prices off realized PnL.
type FlipParams struct {
	Close        CloseParams
	NewPosition  *types.Position
	NewExecution *types.TradeExecution
	NewFeeDelta  float64
	NewLiqPrice  func(balanceAfter float64) float64
}

// FlipResult reports both legs.
type FlipResult struct {
	BalanceAfter float64
	LiqPrice     float64
}

// Store is the durable contract consumed by the executor, the liquidation
// engine, the event handlers and the risk facade.
type Store interface {
	// Startup / sync reads.
	LoadOpenBook(ctx context.Context) ([]types.SubAccount, []*types.Position, error)
	GetAccount(ctx context.Context, subAccountID string) (*types.SubAccount, error)
	// GetRules resolves account-specific rules with the global fallback.
	GetRules(ctx context.Context, subAccountID string) (*types.Rules, error)
	GetPosition(ctx context.Context, positionID string) (*types.Position, error)
	GetOpenPositionsBySymbol(ctx context.Context, symbol string) ([]*types.Position, error)

	// Trade mutations, each a single transaction.
	OpenPosition(ctx context.Context, p OpenParams) (*CloseResult, error)
	UpdatePosition(ctx context.Context, p UpdateParams) error
	ClosePosition(ctx context.Context, p CloseParams) (*CloseResult, error)
	FlipPosition(ctx context.Context, p FlipParams) (*FlipResult, error)

	// Out-of-band updates.
	UpdateLiquidationPrices(ctx context.Context, liq map[string]float64) error
	UpdateAccountStatus(ctx context.Context, subAccountID string, status types.AccountStatus) error
	InsertEquitySnapshot(ctx context.Context, snap *types.RiskSnapshot) error

	// HasExecutionSignature reports whether a trade execution with the given
	// signature already exists, the DB-level dedup behind event redelivery.
	HasExecutionSignature(ctx context.Context, signature string) (bool, error)
}

// AdvisoryLocker is the fail-closed non-blocking lock two processes use to
// coordinate reconciles on the same symbol. A false return means skip, not
// retry.
type AdvisoryLocker interface {
	// TryLock acquires the named lock; release frees it. When ok is false
	// the caller must skip the guarded work.
	TryLock(ctx context.Context, key string) (release func(), ok bool, err error)
}
