// Package book holds the in-memory authoritative view of every loaded
// account and its open positions, plus the symbol -> accounts reverse index
// the tick hot path fans out through. The book performs no I/O. Its writers
// are the trade executor, the fill and position-update handlers, the
// book-sync task, and the liquidation engine (liquidation prices and account
// status).
package book

import (
	"sync"
	"sync/atomic"

	"pms-api/internal/types"
	"pms-api/pkg/riskmath"
)

// Entry is the per-account slice of the book.
type Entry struct {
	Account   types.SubAccount
	Positions map[string]*types.Position // position id -> position
	Rules     *types.Rules
}

// Book is the process-wide position book.
type Book struct {
	mu       sync.RWMutex
	entries  map[string]*Entry              // subAccountID -> entry
	bySymbol map[string]map[string]struct{} // symbol -> set of subAccountID
	version  atomic.Int64
}

// Version returns a counter advanced by every mutation; the book-sync task
// uses it as its dirty flag.
func (b *Book) Version() int64 { return b.version.Load() }

// New returns an empty book.
func New() *Book {
	return &Book{
		entries:  make(map[string]*Entry),
		bySymbol: make(map[string]map[string]struct{}),
	}
}

// Load bulk-initialises the book from a startup snapshot, replacing any
// existing state.
func (b *Book) Load(accounts []types.SubAccount, positions []*types.Position, rules map[string]*types.Rules) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.version.Add(1)
	b.entries = make(map[string]*Entry, len(accounts))
	b.bySymbol = make(map[string]map[string]struct{})
	for _, acct := range accounts {
		b.entries[acct.ID] = &Entry{
			Account:   acct,
			Positions: make(map[string]*types.Position),
			Rules:     rules[acct.ID],
		}
	}
	for _, pos := range positions {
		entry, ok := b.entries[pos.SubAccountID]
		if !ok {
			continue
		}
		p := *pos
		entry.Positions[p.ID] = &p
		b.indexLocked(p.Symbol, p.SubAccountID)
	}
}

// Add inserts a position, creating the account entry when absent, and keeps
// the cached balance in sync with the supplied account.
func (b *Book) Add(pos *types.Position, account types.SubAccount) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.version.Add(1)
	entry, ok := b.entries[pos.SubAccountID]
	if !ok {
		entry = &Entry{Account: account, Positions: make(map[string]*types.Position)}
		b.entries[pos.SubAccountID] = entry
	} else {
		entry.Account = account
	}
	p := *pos
	entry.Positions[p.ID] = &p
	b.indexLocked(p.Symbol, p.SubAccountID)
}

// Remove deletes a position. The account leaves the reverse index when its
// last position on that symbol goes, and the whole entry is dropped when its
// position map empties.
func (b *Book) Remove(positionID, subAccountID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.version.Add(1)
	entry, ok := b.entries[subAccountID]
	if !ok {
		return
	}
	pos, ok := entry.Positions[positionID]
	if !ok {
		return
	}
	delete(entry.Positions, positionID)

	stillOnSymbol := false
	for _, p := range entry.Positions {
		if p.Symbol == pos.Symbol {
			stillOnSymbol = true
			break
		}
	}
	if !stillOnSymbol {
		b.unindexLocked(pos.Symbol, subAccountID)
	}
	if len(entry.Positions) == 0 {
		delete(b.entries, subAccountID)
	}
}

// Patch is a field-level position update. Nil fields are left untouched.
type Patch struct {
	EntryPrice       *float64
	Quantity         *float64
	Notional         *float64
	Margin           *float64
	Leverage         *float64
	LiquidationPrice *float64
	Status           *types.PositionStatus
}

// UpdatePosition applies a patch to a stored position.
func (b *Book) UpdatePosition(positionID, subAccountID string, patch Patch) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.version.Add(1)
	entry, ok := b.entries[subAccountID]
	if !ok {
		return false
	}
	pos, ok := entry.Positions[positionID]
	if !ok {
		return false
	}
	if patch.EntryPrice != nil {
		pos.EntryPrice = *patch.EntryPrice
	}
	if patch.Quantity != nil {
		pos.Quantity = *patch.Quantity
	}
	if patch.Notional != nil {
		pos.Notional = *patch.Notional
	}
	if patch.Margin != nil {
		pos.Margin = *patch.Margin
	}
	if patch.Leverage != nil {
		pos.Leverage = *patch.Leverage
	}
	if patch.LiquidationPrice != nil {
		pos.LiquidationPrice = *patch.LiquidationPrice
	}
	if patch.Status != nil {
		pos.Status = *patch.Status
	}
	return true
}

// UpdateBalance replaces the cached balance for an account.
func (b *Book) UpdateBalance(subAccountID string, newBalance float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.version.Add(1)
	if entry, ok := b.entries[subAccountID]; ok {
		entry.Account.CurrentBalance = newBalance
	}
}

// UpdateAccountStatus replaces the cached status for an account.
func (b *Book) UpdateAccountStatus(subAccountID string, status types.AccountStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.version.Add(1)
	if entry, ok := b.entries[subAccountID]; ok {
		entry.Account.Status = status
	}
}

// SetRules replaces the cached rules for an account.
func (b *Book) SetRules(subAccountID string, rules *types.Rules) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.version.Add(1)
	if entry, ok := b.entries[subAccountID]; ok {
		entry.Rules = rules
	}
}

// GetPosition finds the OPEN position for (account, symbol, side).
func (b *Book) GetPosition(subAccountID, symbol string, side riskmath.Side) (types.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.entries[subAccountID]
	if !ok {
		return types.Position{}, false
	}
	for _, pos := range entry.Positions {
		if pos.Symbol == symbol && pos.Side == side && pos.IsOpen() {
			return *pos, true
		}
	}
	return types.Position{}, false
}

// GetPositionByID returns a copy of the position with the given id.
func (b *Book) GetPositionByID(positionID, subAccountID string) (types.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.entries[subAccountID]
	if !ok {
		return types.Position{}, false
	}
	pos, ok := entry.Positions[positionID]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// GetEntry returns a deep copy of an account entry.
func (b *Book) GetEntry(subAccountID string) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.entries[subAccountID]
	if !ok {
		return Entry{}, false
	}
	return copyEntry(entry), true
}

// GetAccountsForSymbol returns the sub-accounts holding positions on symbol.
func (b *Book) GetAccountsForSymbol(symbol string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	set, ok := b.bySymbol[symbol]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Entries returns a deep copy of every entry, keyed by sub-account id.
func (b *Book) Entries() map[string]Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]Entry, len(b.entries))
	for id, entry := range b.entries {
		out[id] = copyEntry(entry)
	}
	return out
}

// Symbols returns every symbol with at least one indexed account.
func (b *Book) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.bySymbol))
	for sym := range b.bySymbol {
		out = append(out, sym)
	}
	return out
}

func (b *Book) indexLocked(symbol, subAccountID string) {
	set, ok := b.bySymbol[symbol]
	if !ok {
		set = make(map[string]struct{})
		b.bySymbol[symbol] = set
	}
	set[subAccountID] = struct{}{}
}

func (b *Book) unindexLocked(symbol, subAccountID string) {
	set, ok := b.bySymbol[symbol]
	if !ok {
		return
	}
	delete(set, subAccountID)
	if len(set) == 0 {
		delete(b.bySymbol, symbol)
	}
}

func copyEntry(entry *Entry) Entry {
	out := Entry{Account: entry.Account, Positions: make(map[string]*types.Position, len(entry.Positions))}
	for id, pos := range entry.Positions {
		p := *pos
		out.Positions[id] = &p
	}
	if entry.Rules != nil {
		r := *entry.Rules
		out.Rules = &r
	}
	return out
}
