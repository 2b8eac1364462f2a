package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"pms-api/internal/types"
)

// MemStore is an in-process Store used by tests and dry-run mode. It mirrors
// the transactional semantics of the SQL implementation: idempotent closes
// via a status re-read, balance deltas paired with balance logs, and
// signature-level execution dedup.
type MemStore struct {
	mu          sync.Mutex
	accounts    map[string]*types.SubAccount
	positions   map[string]*types.Position
	rules       map[string]*types.Rules // "" key is the global fallback
	executions  []types.TradeExecution
	balanceLogs []types.BalanceLog
	snapshots   []types.RiskSnapshot
	signatures  map[string]bool
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		accounts:   make(map[string]*types.SubAccount),
		positions:  make(map[string]*types.Position),
		rules:      make(map[string]*types.Rules),
		signatures: make(map[string]bool),
	}
}

var _ Store = (*MemStore)(nil)

// SeedAccount inserts an account.
func (m *MemStore) SeedAccount(acct types.SubAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := acct
	m.accounts[acct.ID] = &a
}

// SeedRules inserts rules; an empty subAccountID seeds the global fallback.
func (m *MemStore) SeedRules(subAccountID string, rules types.Rules) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := rules
	m.rules[subAccountID] = &r
}

// SeedPosition inserts a position.
func (m *MemStore) SeedPosition(pos types.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := pos
	m.positions[pos.ID] = &p
}

func (m *MemStore) LoadOpenBook(ctx context.Context) ([]types.SubAccount, []*types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	accounts := make([]types.SubAccount, 0, len(m.accounts))
	for _, acct := range m.accounts {
		if acct.Status != types.AccountLiquidated {
			accounts = append(accounts, *acct)
		}
	}
	positions := make([]*types.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		if pos.Status == types.PositionOpen {
			p := *pos
			positions = append(positions, &p)
		}
	}
	return accounts, positions, nil
}

func (m *MemStore) GetAccount(ctx context.Context, subAccountID string) (*types.SubAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[subAccountID]
	if !ok {
		return nil, ErrNotFound
	}
	a := *acct
	return &a, nil
}

func (m *MemStore) GetRules(ctx context.Context, subAccountID string) (*types.Rules, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rules[subAccountID]; ok {
		rr := *r
		return &rr, nil
	}
	if r, ok := m.rules[""]; ok {
		rr := *r
		return &rr, nil
	}
	return nil, ErrNotFound
}

func (m *MemStore) GetPosition(ctx context.Context, positionID string) (*types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[positionID]
	if !ok {
		return nil, ErrNotFound
	}
	p := *pos
	return &p, nil
}

func (m *MemStore) GetOpenPositionsBySymbol(ctx context.Context, symbol string) ([]*types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Position
	for _, pos := range m.positions {
		if pos.Symbol == symbol && pos.Status == types.PositionOpen {
			p := *pos
			out = append(out, &p)
		}
	}
	return out, nil
}

func (m *MemStore) OpenPosition(ctx context.Context, p OpenParams) (*CloseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos := *p.Position
	m.positions[pos.ID] = &pos
	m.recordExecutionLocked(p.Execution)
	after, err := m.applyDeltaLocked(pos.SubAccountID, p.FeeDelta, p.Reason, executionID(p.Execution))
	if err != nil {
		return nil, err
	}
	return &CloseResult{BalanceAfter: after}, nil
}

func (m *MemStore) UpdatePosition(ctx context.Context, p UpdateParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.positions[p.Position.ID]; ok && existing.Status == types.PositionOpen {
		existing.EntryPrice = p.Position.EntryPrice
		existing.Quantity = p.Position.Quantity
		existing.Notional = p.Position.Notional
		existing.Margin = p.Position.Margin
		existing.Leverage = p.Position.Leverage
		existing.LiquidationPrice = p.Position.LiquidationPrice
	}
	m.recordExecutionLocked(p.Execution)
	_, err := m.applyDeltaLocked(p.Position.SubAccountID, p.FeeDelta, p.Reason, executionID(p.Execution))
	return err
}

func (m *MemStore) ClosePosition(ctx context.Context, p CloseParams) (*CloseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result CloseResult
	if err := m.closeLocked(p, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (m *MemStore) FlipPosition(ctx context.Context, p FlipParams) (*FlipResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var closeResult CloseResult
	if err := m.closeLocked(p.Close, &closeResult); err != nil {
		return nil, err
	}
	result := FlipResult{BalanceAfter: closeResult.BalanceAfter}
	if p.NewLiqPrice != nil {
		result.LiqPrice = p.NewLiqPrice(closeResult.BalanceAfter)
		p.NewPosition.LiquidationPrice = result.LiqPrice
	}
	pos := *p.NewPosition
	m.positions[pos.ID] = &pos
	m.recordExecutionLocked(p.NewExecution)
	after, err := m.applyDeltaLocked(pos.SubAccountID, p.NewFeeDelta, "OPEN_FEE", executionID(p.NewExecution))
	if err != nil {
		return nil, err
	}
	result.BalanceAfter = after
	return &result, nil
}

func (m *MemStore) UpdateLiquidationPrices(ctx context.Context, liq map[string]float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, price := range liq {
		if pos, ok := m.positions[id]; ok && pos.Status == types.PositionOpen {
			pos.LiquidationPrice = price
		}
	}
	return nil
}

func (m *MemStore) UpdateAccountStatus(ctx context.Context, subAccountID string, status types.AccountStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct, ok := m.accounts[subAccountID]; ok {
		acct.Status = status
	}
	return nil
}

func (m *MemStore) InsertEquitySnapshot(ctx context.Context, snap *types.RiskSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, *snap)
	return nil
}

func (m *MemStore) HasExecutionSignature(ctx context.Context, signature string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signatures[signature], nil
}

// Executions returns a copy of every recorded trade execution.
func (m *MemStore) Executions() []types.TradeExecution {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.TradeExecution, len(m.executions))
	copy(out, m.executions)
	return out
}

// BalanceLogs returns a copy of every recorded balance log.
func (m *MemStore) BalanceLogs() []types.BalanceLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.BalanceLog, len(m.balanceLogs))
	copy(out, m.balanceLogs)
	return out
}

// Snapshots returns a copy of every persisted equity snapshot.
func (m *MemStore) Snapshots() []types.RiskSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.RiskSnapshot, len(m.snapshots))
	copy(out, m.snapshots)
	return out
}

func (m *MemStore) closeLocked(p CloseParams, result *CloseResult) error {
	pos, ok := m.positions[p.PositionID]
	if !ok {
		return ErrNotFound
	}
	if pos.Status != types.PositionOpen {
		result.Skipped = true
		return nil
	}
	now := time.Now()
	if p.ResidualQuantity > 0 {
		pos.Quantity = p.ResidualQuantity
		pos.Notional = p.ResidualNotional
		pos.Margin = p.ResidualMargin
	} else {
		pos.Status = p.Status
		pos.RealizedPnl = p.RealizedPnl
		pos.ClosedAt = &now
		if p.TakenOverBy != "" {
			pos.TakenOverBy = p.TakenOverBy
			pos.TakenOverAt = &now
		}
	}
	m.recordExecutionLocked(p.Execution)
	after, err := m.applyDeltaLocked(pos.SubAccountID, p.RealizedPnl, p.Reason, executionID(p.Execution))
	if err != nil {
		return err
	}
	result.BalanceAfter = after
	return nil
}

func (m *MemStore) recordExecutionLocked(e *types.TradeExecution) {
	if e == nil {
		return
	}
	if e.Signature != "" && m.signatures[e.Signature] {
		return
	}
	m.signatures[e.Signature] = true
	m.executions = append(m.executions, *e)
}

func (m *MemStore) applyDeltaLocked(subAccountID string, delta float64, reason, tradeID string) (float64, error) {
	acct, ok := m.accounts[subAccountID]
	if !ok {
		return 0, ErrNotFound
	}
	before := acct.CurrentBalance
	after := before + delta
	acct.CurrentBalance = after
	m.balanceLogs = append(m.balanceLogs, types.BalanceLog{
		ID:            uuid.NewString(),
		SubAccountID:  subAccountID,
		BalanceBefore: before,
		BalanceAfter:  after,
		Delta:         delta,
		Reason:        reason,
		TradeID:       tradeID,
		CreatedAt:     time.Now(),
	})
	return after, nil
}

func executionID(e *types.TradeExecution) string {
	if e == nil {
		return ""
	}
	return e.ID
}
