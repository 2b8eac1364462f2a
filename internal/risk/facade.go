// Package risk is the lifecycle facade: it loads the book at startup, drives
// the tick hot path into the liquidation engine, and runs the periodic
// safety sweep and book sync.
package risk

import (
	"context"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"

	"pms-api/internal/book"
	"pms-api/internal/liquidation"
	"pms-api/internal/price"
	"pms-api/internal/store"
	"pms-api/internal/trade"
	"pms-api/internal/types"
	"pms-api/pkg/exchange"
	"pms-api/pkg/orderedmap"
)

// Facade cadences.
const (
	evalCooldown       = 100 * time.Millisecond
	safetySweepPeriod  = 60 * time.Second
	bookSyncPeriod     = 10 * time.Second
	tickStaleThreshold = 5 * time.Second
)

// Facade owns the process lifecycle of the risk engine.
type Facade struct {
	store    store.Store
	book     *book.Book
	prices   *price.Service
	provider exchange.Provider
	engine   *liquidation.Engine
	executor *trade.Executor

	mu         sync.Mutex
	lastEval   *orderedmap.Bounded[string, time.Time]
	evaluating map[string]struct{}

	syncedVersion int64
	stop          chan struct{}
	stopOnce      sync.Once
	now           func() time.Time
}

// New wires the facade.
func New(st store.Store, bk *book.Book, prices *price.Service, provider exchange.Provider,
	engine *liquidation.Engine, executor *trade.Executor) *Facade {
	return &Facade{
		store:      st,
		book:       bk,
		prices:     prices,
		provider:   provider,
		engine:     engine,
		executor:   executor,
		lastEval:   orderedmap.New[string, time.Time](8192),
		evaluating: make(map[string]struct{}),
		stop:       make(chan struct{}),
		now:        time.Now,
	}
}

// Start loads every open position into the book, preloads rules, subscribes
// the exchange and starts the periodic tasks.
func (f *Facade) Start(ctx context.Context) error {
	accounts, positions, err := f.store.LoadOpenBook(ctx)
	if err != nil {
		return err
	}

	// Preload rules per account in parallel.
	rules := make(map[string]*types.Rules, len(accounts))
	var rulesMu sync.Mutex
	var wg sync.WaitGroup
	for _, acct := range accounts {
		acct := acct
		wg.Add(1)
		threading.GoSafe(func() {
			defer wg.Done()
			r, err := f.store.GetRules(ctx, acct.ID)
			if err != nil {
				return
			}
			rulesMu.Lock()
			rules[acct.ID] = r
			rulesMu.Unlock()
		})
	}
	wg.Wait()

	f.book.Load(accounts, positions, rules)
	f.mu.Lock()
	f.syncedVersion = f.book.Version()
	f.mu.Unlock()

	symbols := f.book.Symbols()
	if len(symbols) > 0 {
		f.provider.Subscribe(symbols...)
	}
	f.provider.SetTickHandler(f.OnPriceTick)

	f.startTimer(safetySweepPeriod, f.safetySweep)
	f.startTimer(bookSyncPeriod, f.bookSync)

	logx.Infof("risk facade started: %d accounts, %d positions, %d symbols",
		len(accounts), len(positions), len(symbols))
	return nil
}

// Stop cancels the periodic tasks.
func (f *Facade) Stop() {
	f.stopOnce.Do(func() { close(f.stop) })
}

// OnPriceTick is the hot path: cache the mark, fan out to every account
// holding the symbol, and evaluate each at most once per cooldown window.
func (f *Facade) OnPriceTick(tick exchange.Tick) {
	f.prices.SetPrice(tick.Symbol, tick.Mark)
	for _, subAccountID := range f.book.GetAccountsForSymbol(tick.Symbol) {
		if !f.tryClaim(subAccountID) {
			continue
		}
		subAccountID := subAccountID
		threading.GoSafe(func() {
			defer f.release(subAccountID)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			f.engine.EvaluateAccount(ctx, subAccountID)
		})
	}
}

// tryClaim gates an account behind the evaluating set and the per-account
// cooldown.
func (f *Facade) tryClaim(subAccountID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.evaluating[subAccountID]; busy {
		return false
	}
	now := f.now()
	if last, ok := f.lastEval.Get(subAccountID); ok && now.Sub(last) < evalCooldown {
		return false
	}
	f.evaluating[subAccountID] = struct{}{}
	f.lastEval.Set(subAccountID, now)
	return true
}

func (f *Facade) release(subAccountID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.evaluating, subAccountID)
}

// safetySweep force-evaluates every account and reconnects stale symbols.
func (f *Facade) safetySweep() {
	ctx, cancel := context.WithTimeout(context.Background(), safetySweepPeriod)
	defer cancel()

	for subAccountID := range f.book.Entries() {
		f.engine.EvaluateAccount(ctx, subAccountID)
	}
	now := f.now()
	for _, symbol := range f.book.Symbols() {
		last, ok := f.prices.LastTick(symbol)
		if !ok || now.Sub(last) > tickStaleThreshold {
			logx.Infof("symbol %s stale (last tick %v), reconnecting", symbol, last)
			f.provider.Reconnect(symbol)
		}
	}
}

// bookSync reconciles the in-memory book against the store: orphans out,
// missing positions in, balances refreshed. Skipped while the book version
// has not advanced.
func (f *Facade) bookSync() {
	version := f.book.Version()
	f.mu.Lock()
	if version == f.syncedVersion {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), bookSyncPeriod)
	defer cancel()

	accounts, positions, err := f.store.LoadOpenBook(ctx)
	if err != nil {
		logx.Errorf("book sync load: %v", err)
		return
	}

	storedPositions := make(map[string]*types.Position, len(positions))
	for _, pos := range positions {
		storedPositions[pos.ID] = pos
	}
	storedAccounts := make(map[string]types.SubAccount, len(accounts))
	for _, acct := range accounts {
		storedAccounts[acct.ID] = acct
	}

	for subAccountID, entry := range f.book.Entries() {
		unlock := f.executor.LockAccount(subAccountID)
		for id := range entry.Positions {
			if _, ok := storedPositions[id]; !ok {
				logx.Infof("book sync: removing orphan position %s", id)
				f.book.Remove(id, subAccountID)
			}
		}
		if acct, ok := storedAccounts[subAccountID]; ok {
			f.book.UpdateBalance(subAccountID, acct.CurrentBalance)
			f.book.UpdateAccountStatus(subAccountID, acct.Status)
		}
		unlock()
	}
	for _, pos := range positions {
		if _, ok := f.book.GetPositionByID(pos.ID, pos.SubAccountID); ok {
			continue
		}
		acct, ok := storedAccounts[pos.SubAccountID]
		if !ok {
			continue
		}
		unlock := f.executor.LockAccount(pos.SubAccountID)
		logx.Infof("book sync: adding missing position %s", pos.ID)
		f.book.Add(pos, acct)
		unlock()
	}

	f.mu.Lock()
	f.syncedVersion = f.book.Version()
	f.mu.Unlock()
}

func (f *Facade) startTimer(period time.Duration, task func()) {
	threading.GoSafe(func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-f.stop:
				return
			case <-ticker.C:
				task()
			}
		}
	})
}

// SweepNow runs the safety sweep synchronously, for tests.
func (f *Facade) SweepNow() { f.safetySweep() }

// SyncNow runs the book sync synchronously, for tests.
func (f *Facade) SyncNow() { f.bookSync() }

// SetClock overrides the clock, for tests.
func (f *Facade) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}
