package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"pms-api/internal/types"
)

// SQLStore implements Store over Postgres through go-zero sqlx.
type SQLStore struct {
	conn sqlx.SqlConn
}

// NewSQLStore wraps an existing connection.
func NewSQLStore(conn sqlx.SqlConn) *SQLStore {
	return &SQLStore{conn: conn}
}

var _ Store = (*SQLStore)(nil)

func (s *SQLStore) LoadOpenBook(ctx context.Context) ([]types.SubAccount, []*types.Position, error) {
	const accountsQuery = `
SELECT id, user_id, name, current_balance, maintenance_rate, liquidation_mode, status
FROM sub_accounts
WHERE status != 'LIQUIDATED'`

	var acctRows []subAccountRow
	if err := s.conn.QueryRowsCtx(ctx, &acctRows, accountsQuery); err != nil {
		return nil, nil, fmt.Errorf("store.LoadOpenBook accounts: %w", err)
	}

	positionsQuery := fmt.Sprintf(`SELECT %s FROM positions WHERE status = 'OPEN'`, positionColumns)
	var posRows []positionRow
	if err := s.conn.QueryRowsCtx(ctx, &posRows, positionsQuery); err != nil {
		return nil, nil, fmt.Errorf("store.LoadOpenBook positions: %w", err)
	}

	accounts := make([]types.SubAccount, 0, len(acctRows))
	for i := range acctRows {
		accounts = append(accounts, acctRows[i].toAccount())
	}
	positions := make([]*types.Position, 0, len(posRows))
	for i := range posRows {
		positions = append(positions, posRows[i].toPosition())
	}
	return accounts, positions, nil
}

func (s *SQLStore) GetAccount(ctx context.Context, subAccountID string) (*types.SubAccount, error) {
	const query = `
SELECT id, user_id, name, current_balance, maintenance_rate, liquidation_mode, status
FROM sub_accounts WHERE id = $1 LIMIT 1`
	var row subAccountRow
	if err := s.conn.QueryRowCtx(ctx, &row, query, subAccountID); err != nil {
		if errors.Is(err, sqlx.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store.GetAccount: %w", err)
	}
	acct := row.toAccount()
	return &acct, nil
}

func (s *SQLStore) GetRules(ctx context.Context, subAccountID string) (*types.Rules, error) {
	// Account-specific rules win; the sub_account_id IS NULL row is the
	// global fallback.
	const query = `
SELECT sub_account_id, max_leverage, max_notional_per_trade, max_total_exposure, liquidation_threshold
FROM rules
WHERE sub_account_id = $1 OR sub_account_id IS NULL
ORDER BY sub_account_id NULLS LAST
LIMIT 1`
	var row rulesRow
	if err := s.conn.QueryRowCtx(ctx, &row, query, subAccountID); err != nil {
		if errors.Is(err, sqlx.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store.GetRules: %w", err)
	}
	return row.toRules(), nil
}

func (s *SQLStore) GetPosition(ctx context.Context, positionID string) (*types.Position, error) {
	query := fmt.Sprintf(`SELECT %s FROM positions WHERE id = $1 LIMIT 1`, positionColumns)
	var row positionRow
	if err := s.conn.QueryRowCtx(ctx, &row, query, positionID); err != nil {
		if errors.Is(err, sqlx.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store.GetPosition: %w", err)
	}
	return row.toPosition(), nil
}

func (s *SQLStore) GetOpenPositionsBySymbol(ctx context.Context, symbol string) ([]*types.Position, error) {
	query := fmt.Sprintf(`SELECT %s FROM positions WHERE symbol = $1 AND status = 'OPEN'`, positionColumns)
	var rows []positionRow
	if err := s.conn.QueryRowsCtx(ctx, &rows, query, symbol); err != nil {
		return nil, fmt.Errorf("store.GetOpenPositionsBySymbol: %w", err)
	}
	out := make([]*types.Position, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toPosition())
	}
	return out, nil
}

func (s *SQLStore) OpenPosition(ctx context.Context, p OpenParams) (*CloseResult, error) {
	var result CloseResult
	err := s.conn.TransactCtx(ctx, func(ctx context.Context, session sqlx.Session) error {
		if err := insertPosition(ctx, session, p.Position); err != nil {
			return err
		}
		if err := insertExecution(ctx, session, p.Execution); err != nil {
			return err
		}
		after, err := applyBalanceDelta(ctx, session, p.Position.SubAccountID, p.FeeDelta, p.Reason, p.Execution.ID)
		if err != nil {
			return err
		}
		result.BalanceAfter = after
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store.OpenPosition: %w", err)
	}
	return &result, nil
}

func (s *SQLStore) UpdatePosition(ctx context.Context, p UpdateParams) error {
	err := s.conn.TransactCtx(ctx, func(ctx context.Context, session sqlx.Session) error {
		const update = `
UPDATE positions
SET entry_price = $2, quantity = $3, notional = $4, margin = $5, leverage = $6, liquidation_price = $7
WHERE id = $1 AND status = 'OPEN'`
		if _, err := session.ExecCtx(ctx, update,
			p.Position.ID, p.Position.EntryPrice, p.Position.Quantity, p.Position.Notional,
			p.Position.Margin, p.Position.Leverage, p.Position.LiquidationPrice); err != nil {
			return err
		}
		if err := insertExecution(ctx, session, p.Execution); err != nil {
			return err
		}
		_, err := applyBalanceDelta(ctx, session, p.Position.SubAccountID, p.FeeDelta, p.Reason, p.Execution.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("store.UpdatePosition: %w", err)
	}
	return nil
}

func (s *SQLStore) ClosePosition(ctx context.Context, p CloseParams) (*CloseResult, error) {
	var result CloseResult
	err := s.conn.TransactCtx(ctx, func(ctx context.Context, session sqlx.Session) error {
		return closeInTx(ctx, session, p, &result)
	})
	if err != nil {
		return nil, fmt.Errorf("store.ClosePosition: %w", err)
	}
	return &result, nil
}

func (s *SQLStore) FlipPosition(ctx context.Context, p FlipParams) (*FlipResult, error) {
	var result FlipResult
	err := s.conn.TransactCtx(ctx, func(ctx context.Context, session sqlx.Session) error {
		var closeResult CloseResult
		if err := closeInTx(ctx, session, p.Close, &closeResult); err != nil {
			return err
		}
		// The close leg's PnL is booked before the new position exists, so
		// its liquidation price sees the post-PnL balance.
		result.BalanceAfter = closeResult.BalanceAfter
		if p.NewLiqPrice != nil {
			result.LiqPrice = p.NewLiqPrice(closeResult.BalanceAfter)
			p.NewPosition.LiquidationPrice = result.LiqPrice
		}
		if err := insertPosition(ctx, session, p.NewPosition); err != nil {
			return err
		}
		if err := insertExecution(ctx, session, p.NewExecution); err != nil {
			return err
		}
		after, err := applyBalanceDelta(ctx, session, p.NewPosition.SubAccountID, p.NewFeeDelta, "OPEN_FEE", p.NewExecution.ID)
		if err != nil {
			return err
		}
		result.BalanceAfter = after
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store.FlipPosition: %w", err)
	}
	return &result, nil
}

func (s *SQLStore) UpdateLiquidationPrices(ctx context.Context, liq map[string]float64) error {
	err := s.conn.TransactCtx(ctx, func(ctx context.Context, session sqlx.Session) error {
		for id, price := range liq {
			if _, err := session.ExecCtx(ctx,
				`UPDATE positions SET liquidation_price = $2 WHERE id = $1 AND status = 'OPEN'`, id, price); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store.UpdateLiquidationPrices: %w", err)
	}
	return nil
}

func (s *SQLStore) UpdateAccountStatus(ctx context.Context, subAccountID string, status types.AccountStatus) error {
	if _, err := s.conn.ExecCtx(ctx,
		`UPDATE sub_accounts SET status = $2 WHERE id = $1`, subAccountID, string(status)); err != nil {
		return fmt.Errorf("store.UpdateAccountStatus: %w", err)
	}
	return nil
}

func (s *SQLStore) InsertEquitySnapshot(ctx context.Context, snap *types.RiskSnapshot) error {
	const query = `
INSERT INTO account_equity_snapshots
    (id, sub_account_id, ts_ms, balance, equity, unrealized_pnl, margin_used, margin_ratio)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := s.conn.ExecCtx(ctx, query,
		uuid.NewString(), snap.SubAccountID, snap.Ts, snap.Balance, snap.Equity,
		snap.UnrealizedPnl, snap.MarginUsed, snap.MarginRatio); err != nil {
		return fmt.Errorf("store.InsertEquitySnapshot: %w", err)
	}
	return nil
}

func (s *SQLStore) HasExecutionSignature(ctx context.Context, signature string) (bool, error) {
	var count int
	if err := s.conn.QueryRowCtx(ctx, &count,
		`SELECT COUNT(1) FROM trade_executions WHERE signature = $1`, signature); err != nil {
		return false, fmt.Errorf("store.HasExecutionSignature: %w", err)
	}
	return count > 0, nil
}

// closeInTx terminates or shrinks a position inside an open transaction. A
// transactional re-read makes redundant closes no-ops.
func closeInTx(ctx context.Context, session sqlx.Session, p CloseParams, result *CloseResult) error {
	query := fmt.Sprintf(`SELECT %s FROM positions WHERE id = $1 FOR UPDATE`, positionColumns)
	var row positionRow
	if err := session.QueryRowCtx(ctx, &row, query, p.PositionID); err != nil {
		if errors.Is(err, sqlx.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if types.PositionStatus(row.Status) != types.PositionOpen {
		result.Skipped = true
		return nil
	}

	now := time.Now()
	if p.ResidualQuantity > 0 {
		const shrink = `
UPDATE positions SET quantity = $2, notional = $3, margin = $4 WHERE id = $1`
		if _, err := session.ExecCtx(ctx, shrink,
			p.PositionID, p.ResidualQuantity, p.ResidualNotional, p.ResidualMargin); err != nil {
			return err
		}
	} else {
		const terminate = `
UPDATE positions
SET status = $2, realized_pnl = $3, closed_at = $4, taken_over_by = NULLIF($5, ''), taken_over_at = CASE WHEN $5 != '' THEN $4 ELSE NULL END
WHERE id = $1`
		if _, err := session.ExecCtx(ctx, terminate,
			p.PositionID, string(p.Status), p.RealizedPnl, now, p.TakenOverBy); err != nil {
			return err
		}
	}
	if err := insertExecution(ctx, session, p.Execution); err != nil {
		return err
	}
	after, err := applyBalanceDelta(ctx, session, row.SubAccountID, p.RealizedPnl, p.Reason, p.Execution.ID)
	if err != nil {
		return err
	}
	result.BalanceAfter = after
	return nil
}

func insertPosition(ctx context.Context, session sqlx.Session, p *types.Position) error {
	const query = `
INSERT INTO positions
    (id, sub_account_id, symbol, side, entry_price, quantity, notional, leverage, margin,
     liquidation_price, babysitter_excluded, status, opened_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := session.ExecCtx(ctx, query,
		p.ID, p.SubAccountID, p.Symbol, string(p.Side), p.EntryPrice, p.Quantity, p.Notional,
		p.Leverage, p.Margin, p.LiquidationPrice, p.BabysitterExcluded, string(p.Status), p.OpenedAt)
	return err
}

func insertExecution(ctx context.Context, session sqlx.Session, e *types.TradeExecution) error {
	if e == nil {
		return nil
	}
	// ON CONFLICT keeps redelivered events from duplicating the row; the
	// signature is the idempotency key.
	const query = `
INSERT INTO trade_executions
    (id, sub_account_id, position_id, symbol, side, action, quantity, price, fee, realized_pnl, signature, executed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (signature) DO NOTHING`
	_, err := session.ExecCtx(ctx, query,
		e.ID, e.SubAccountID, e.PositionID, e.Symbol, string(e.Side), e.Action,
		e.Quantity, e.Price, e.Fee, e.RealizedPnl, e.Signature, e.ExecutedAt)
	return err
}

// applyBalanceDelta mutates the account balance and writes the paired
// balance log inside the caller's transaction.
func applyBalanceDelta(ctx context.Context, session sqlx.Session, subAccountID string, delta float64, reason, tradeID string) (float64, error) {
	var before float64
	if err := session.QueryRowCtx(ctx, &before,
		`SELECT current_balance FROM sub_accounts WHERE id = $1 FOR UPDATE`, subAccountID); err != nil {
		if errors.Is(err, sqlx.ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	after := before + delta
	if _, err := session.ExecCtx(ctx,
		`UPDATE sub_accounts SET current_balance = $2 WHERE id = $1`, subAccountID, after); err != nil {
		return 0, err
	}
	const logQuery = `
INSERT INTO balance_logs (id, sub_account_id, balance_before, balance_after, delta, reason, trade_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`
	if _, err := session.ExecCtx(ctx, logQuery,
		uuid.NewString(), subAccountID, before, after, delta, reason, tradeID, time.Now()); err != nil {
		return 0, err
	}
	return after, nil
}

// PgAdvisoryLocker implements AdvisoryLocker with pg_try_advisory_lock. The
// lock is session-scoped and auto-released when the connection drops, which
// is exactly the fail-closed behaviour the reconcile path wants.
type PgAdvisoryLocker struct {
	db *sql.DB
}

// NewPgAdvisoryLocker wraps a database handle.
func NewPgAdvisoryLocker(db *sql.DB) *PgAdvisoryLocker {
	return &PgAdvisoryLocker{db: db}
}

// TryLock attempts the advisory lock without blocking. The returned release
// frees the lock on the same connection.
func (l *PgAdvisoryLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("advisory lock conn: %w", err)
	}
	id := lockID(key)
	var got bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&got); err != nil {
		_ = conn.Close()
		return nil, false, fmt.Errorf("advisory lock acquire: %w", err)
	}
	if !got {
		_ = conn.Close()
		return nil, false, nil
	}
	release := func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, id)
		_ = conn.Close()
	}
	return release, true, nil
}

var _ AdvisoryLocker = (*PgAdvisoryLocker)(nil)
