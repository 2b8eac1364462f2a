package trade

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"

	"pms-api/internal/book"
	"pms-api/internal/broadcast"
	"pms-api/internal/price"
	"pms-api/internal/store"
	"pms-api/internal/types"
	"pms-api/pkg/exchange"
	"pms-api/pkg/orderedmap"
	"pms-api/pkg/riskmath"
)

// EngineOrderPrefix marks client order ids originating from this engine; the
// fill handler uses it to tell engine fills from ghosts.
const EngineOrderPrefix = "pms-"

// recentlyClosedWindow suppresses duplicate reconciles from async venue
// events right after a local close.
const recentlyClosedWindow = 5 * time.Second

// RiskHooks is the slice of the liquidation engine the executor calls after
// a trade. It is wired at startup to break the trade<->liquidation cycle.
type RiskHooks interface {
	// PublishSnapshot recomputes and publishes a fresh risk snapshot.
	PublishSnapshot(ctx context.Context, subAccountID string)
	// ScheduleLiqRecompute queues an out-of-band dynamic liquidation price
	// recomputation for the account, deduplicated per account.
	ScheduleLiqRecompute(subAccountID string)
}

// Options tweak a single ExecuteTrade call.
type Options struct {
	SkipValidation bool
	FastAck        bool
	// FallbackPrice is used when a FastAck response carries no average price.
	FallbackPrice float64
}

// Outcome is the terminal result of ExecuteTrade.
type Outcome struct {
	Position       *types.Position
	Execution      *types.TradeExecution
	Flipped        bool
	ClosedPosition *types.Position
}

// CloseOutcome is the terminal result of a close-shaped operation.
type CloseOutcome struct {
	Position     *types.Position
	ClosePrice   float64
	RealizedPnl  float64
	BalanceAfter float64
	// Source is "exchange" when a venue order filled the close and
	// "virtual_only" when the book was closed without touching the venue.
	Source string
	Reason string
	// Skipped means another path already terminated the position.
	Skipped bool
}

// Executor runs all trade mutations. Per-account operations are serialized
// through a per-account mutex; operations across accounts run in parallel.
type Executor struct {
	store       store.Store
	book        *book.Book
	prices      *price.Service
	provider    exchange.Provider
	breaker     *exchange.CircuitBreaker
	broadcaster broadcast.Broadcaster
	validator   *Validator
	locker      store.AdvisoryLocker

	hooks RiskHooks

	accountLocks sync.Map // subAccountID -> *sync.Mutex

	rcMu           sync.Mutex
	recentlyClosed *orderedmap.Bounded[string, time.Time]

	now func() time.Time
}

// NewExecutor wires the executor. RiskHooks are attached later via
// SetRiskHooks once the liquidation engine exists.
func NewExecutor(st store.Store, bk *book.Book, prices *price.Service, provider exchange.Provider,
	breaker *exchange.CircuitBreaker, broadcaster broadcast.Broadcaster, locker store.AdvisoryLocker) *Executor {
	return &Executor{
		store:          st,
		book:           bk,
		prices:         prices,
		provider:       provider,
		breaker:        breaker,
		broadcaster:    broadcaster,
		validator:      NewValidator(st, bk, prices),
		locker:         locker,
		recentlyClosed: orderedmap.New[string, time.Time](1024),
		now:            time.Now,
	}
}

// SetRiskHooks attaches the liquidation engine callbacks.
func (e *Executor) SetRiskHooks(hooks RiskHooks) { e.hooks = hooks }

// Validator exposes the pre-trade validator for read-only checks.
func (e *Executor) Validator() *Validator { return e.validator }

// MarkRecentlyClosed opens the suppression window for a symbol.
func (e *Executor) MarkRecentlyClosed(symbol string) {
	e.rcMu.Lock()
	defer e.rcMu.Unlock()
	e.recentlyClosed.Set(symbol, e.now())
}

// RecentlyClosed reports whether the symbol is inside its suppression window.
func (e *Executor) RecentlyClosed(symbol string) bool {
	e.rcMu.Lock()
	defer e.rcMu.Unlock()
	ts, ok := e.recentlyClosed.Get(symbol)
	return ok && e.now().Sub(ts) < recentlyClosedWindow
}

// LockAccount serializes mutations for one account and returns the unlock.
// The fill handler and the book-sync task share this lock with the executor.
func (e *Executor) LockAccount(subAccountID string) func() {
	mu, _ := e.accountLocks.LoadOrStore(subAccountID, &sync.Mutex{})
	lock := mu.(*sync.Mutex)
	lock.Lock()
	return lock.Unlock
}

// ExecuteTrade opens, adds to, or flips a position. The durable write is one
// transaction; the in-memory book mirrors it before returning.
func (e *Executor) ExecuteTrade(ctx context.Context, req Request, opts Options) (*Outcome, error) {
	unlock := e.LockAccount(req.SubAccountID)
	defer unlock()

	if !opts.SkipValidation {
		result, err := e.validator.Validate(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("trade validate: %w", err)
		}
		if !result.Valid {
			return nil, result.Errors[0]
		}
	}

	account, err := e.store.GetAccount(ctx, req.SubAccountID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, E(CodeAccountNotFound, "sub-account %s not found", req.SubAccountID)
		}
		return nil, err
	}
	rules, err := e.store.GetRules(ctx, req.SubAccountID)
	if err != nil {
		rules = &types.Rules{}
	}

	opposite, hasOpposite := e.book.GetPosition(req.SubAccountID, req.Symbol, req.Side.Opposite())

	orderQty := req.Quantity
	if hasOpposite {
		// A flip is a single order closing the opposite leg and opening the
		// new one.
		orderQty += opposite.Quantity
	}

	if err := e.breaker.Allow(); err != nil {
		return nil, E(CodeCircuitBreakerOpen, "orders suspended: %v", err)
	}
	if err := e.provider.SetLeverage(ctx, req.Symbol, req.Leverage); err != nil {
		logx.WithContext(ctx).Errorf("set leverage %s %vx: %v", req.Symbol, req.Leverage, err)
	}

	fill, err := e.provider.MarketOrder(ctx, exchange.OrderRequest{
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      orderQty,
		ClientOrderID: EngineOrderPrefix + uuid.NewString(),
		FastAck:       opts.FastAck,
		FallbackPrice: opts.FallbackPrice,
	})
	e.breaker.Record(err)
	if err != nil {
		return nil, fmt.Errorf("exchange order %s %s: %w", req.Symbol, req.Side, err)
	}

	fillPrice, fee := fill.Price, fill.Fee
	if fillPrice <= 0 {
		// FastAck path: settle on the fallback now and let the fill fetch
		// correct the entry out of band.
		switch {
		case opts.FallbackPrice > 0:
			fillPrice = opts.FallbackPrice
		default:
			if mark, ok := e.prices.GetPrice(req.Symbol); ok {
				fillPrice = mark
			}
		}
		if fillPrice <= 0 {
			return nil, E(CodeNoFillPrice, "no fill price for %s order %s", req.Symbol, fill.OrderID)
		}
		if fill.Acked {
			e.refetchFillAsync(req.SubAccountID, req.Symbol, fill.OrderID)
		}
	}

	var outcome *Outcome
	if hasOpposite {
		outcome, err = e.flip(ctx, req, *account, *rules, opposite, fillPrice, fee)
	} else if existing, ok := e.book.GetPosition(req.SubAccountID, req.Symbol, req.Side); ok {
		outcome, err = e.addToPosition(ctx, req, *account, *rules, existing, fillPrice, fee)
	} else {
		outcome, err = e.open(ctx, req, *account, *rules, fillPrice, fee)
	}
	if err != nil {
		return nil, err
	}

	e.postTrade(ctx, req.SubAccountID, req.Symbol)
	e.broadcaster.Broadcast(broadcast.EventPositionUpdated, map[string]any{
		"subAccountId": req.SubAccountID,
		"positionId":   outcome.Position.ID,
		"symbol":       req.Symbol,
		"side":         string(req.Side),
		"entryPrice":   outcome.Position.EntryPrice,
		"quantity":     outcome.Position.Quantity,
		"flipped":      outcome.Flipped,
	})
	return outcome, nil
}

func (e *Executor) open(ctx context.Context, req Request, account types.SubAccount, rules types.Rules, fillPrice, fee float64) (*Outcome, error) {
	notional := req.Quantity * fillPrice
	pos := &types.Position{
		ID:           uuid.NewString(),
		SubAccountID: req.SubAccountID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		EntryPrice:   fillPrice,
		Quantity:     req.Quantity,
		Notional:     notional,
		Leverage:     req.Leverage,
		Margin:       notional / req.Leverage,
		Status:       types.PositionOpen,
		OpenedAt:     e.now(),
	}
	pos.LiquidationPrice = riskmath.LiqPrice(req.Side, fillPrice, account.CurrentBalance-fee, notional,
		account.MaintenanceRate, rules.EffectiveThreshold())

	exec := e.execution(req.SubAccountID, pos.ID, req.Symbol, req.Side, types.ActionOpen, req.Quantity, fillPrice, fee, 0)
	res, err := e.store.OpenPosition(ctx, store.OpenParams{
		Position: pos, Execution: exec, FeeDelta: -fee, Reason: "OPEN_FEE",
	})
	if err != nil {
		return nil, fmt.Errorf("open position: %w", err)
	}
	account.CurrentBalance = res.BalanceAfter
	e.book.Add(pos, account)
	return &Outcome{Position: pos, Execution: exec}, nil
}

func (e *Executor) addToPosition(ctx context.Context, req Request, account types.SubAccount, rules types.Rules, existing types.Position, fillPrice, fee float64) (*Outcome, error) {
	addNotional := req.Quantity * fillPrice
	newQty := existing.Quantity + req.Quantity
	updated := existing
	updated.EntryPrice = (existing.EntryPrice*existing.Quantity + fillPrice*req.Quantity) / newQty
	updated.Quantity = newQty
	updated.Notional = existing.Notional + addNotional
	updated.Margin = existing.Margin + addNotional/req.Leverage
	updated.LiquidationPrice = riskmath.LiqPrice(updated.Side, updated.EntryPrice, account.CurrentBalance-fee,
		updated.Notional, account.MaintenanceRate, rules.EffectiveThreshold())

	exec := e.execution(req.SubAccountID, updated.ID, req.Symbol, req.Side, types.ActionAdd, req.Quantity, fillPrice, fee, 0)
	if err := e.store.UpdatePosition(ctx, store.UpdateParams{
		Position: &updated, Execution: exec, FeeDelta: -fee, Reason: "ADD_FEE",
	}); err != nil {
		return nil, fmt.Errorf("add to position: %w", err)
	}
	e.book.UpdatePosition(updated.ID, req.SubAccountID, book.Patch{
		EntryPrice: &updated.EntryPrice, Quantity: &updated.Quantity, Notional: &updated.Notional,
		Margin: &updated.Margin, LiquidationPrice: &updated.LiquidationPrice,
	})
	e.book.UpdateBalance(req.SubAccountID, account.CurrentBalance-fee)
	return &Outcome{Position: &updated, Execution: exec}, nil
}

func (e *Executor) flip(ctx context.Context, req Request, account types.SubAccount, rules types.Rules, opposite types.Position, fillPrice, fee float64) (*Outcome, error) {
	realized := riskmath.PnL(opposite.Side, opposite.EntryPrice, fillPrice, opposite.Quantity) - fee
	closeExec := e.execution(req.SubAccountID, opposite.ID, req.Symbol, opposite.Side,
		types.ActionFlipClose, opposite.Quantity, fillPrice, fee, realized)

	notional := req.Quantity * fillPrice
	newPos := &types.Position{
		ID:           uuid.NewString(),
		SubAccountID: req.SubAccountID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		EntryPrice:   fillPrice,
		Quantity:     req.Quantity,
		Notional:     notional,
		Leverage:     req.Leverage,
		Margin:       notional / req.Leverage,
		Status:       types.PositionOpen,
		OpenedAt:     e.now(),
	}
	openExec := e.execution(req.SubAccountID, newPos.ID, req.Symbol, req.Side, types.ActionOpen, req.Quantity, fillPrice, 0, 0)

	// The close leg books its PnL first, so the new liquidation price sees
	// the post-PnL balance.
	res, err := e.store.FlipPosition(ctx, store.FlipParams{
		Close: store.CloseParams{
			PositionID:  opposite.ID,
			Status:      types.PositionClosed,
			ClosePrice:  fillPrice,
			RealizedPnl: realized,
			Execution:   closeExec,
			Reason:      "FLIP_CLOSE",
		},
		NewPosition:  newPos,
		NewExecution: openExec,
		NewLiqPrice: func(balanceAfter float64) float64 {
			return riskmath.LiqPrice(req.Side, fillPrice, balanceAfter, notional,
				account.MaintenanceRate, rules.EffectiveThreshold())
		},
	})
	if err != nil {
		return nil, fmt.Errorf("flip position: %w", err)
	}

	e.book.Remove(opposite.ID, req.SubAccountID)
	account.CurrentBalance = res.BalanceAfter
	e.book.Add(newPos, account)

	closed := opposite
	closed.Status = types.PositionClosed
	closed.RealizedPnl = realized
	return &Outcome{Position: newPos, Execution: openExec, Flipped: true, ClosedPosition: &closed}, nil
}

// ClosePosition fully closes a position against the venue, guarding against
// a desynced book before placing any order.
func (e *Executor) ClosePosition(ctx context.Context, positionID, action string) (*CloseOutcome, error) {
	pos, err := e.loadOpen(ctx, positionID)
	if err != nil {
		return nil, err
	}
	unlock := e.LockAccount(pos.SubAccountID)
	defer unlock()

	virtual, reason := e.desyncCheck(ctx, pos)

	var fillPrice, fee float64
	if !virtual {
		e.MarkRecentlyClosed(pos.Symbol)
		fill, orderErr := e.provider.MarketOrder(ctx, exchange.OrderRequest{
			Symbol:        pos.Symbol,
			Side:          pos.Side.Opposite(),
			Quantity:      pos.Quantity,
			ReduceOnly:    true,
			ClientOrderID: EngineOrderPrefix + uuid.NewString(),
		})
		e.breaker.Record(orderErr)
		if orderErr != nil {
			if !exchange.IsGhost(orderErr) {
				return nil, fmt.Errorf("close order %s: %w", pos.Symbol, orderErr)
			}
			virtual, reason = true, "ghost_error"
			logx.WithContext(ctx).Infof("close %s fell back to virtual: %v", positionID, orderErr)
		} else {
			fillPrice, fee = fill.Price, fill.Fee
		}
	}
	if virtual {
		fillPrice = e.bestKnownMark(ctx, pos)
	}

	return e.settleClose(ctx, pos, fillPrice, fee, action, statusForAction(action), "", virtual, reason)
}

// LiquidatePosition is the resilient close used by the liquidation engine:
// the venue order is attempted but its failure never aborts the internal
// close, which settles at the cached mark.
func (e *Executor) LiquidatePosition(ctx context.Context, positionID string) (*CloseOutcome, error) {
	pos, err := e.loadOpen(ctx, positionID)
	if err != nil {
		return nil, err
	}
	unlock := e.LockAccount(pos.SubAccountID)
	defer unlock()

	e.MarkRecentlyClosed(pos.Symbol)
	var fee float64
	fillPrice, _ := e.prices.GetPrice(pos.Symbol)
	fill, orderErr := e.provider.MarketOrder(ctx, exchange.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          pos.Side.Opposite(),
		Quantity:      pos.Quantity,
		ReduceOnly:    true,
		ClientOrderID: EngineOrderPrefix + uuid.NewString(),
	})
	e.breaker.Record(orderErr)
	virtual := orderErr != nil
	if orderErr != nil {
		logx.WithContext(ctx).Errorf("liquidation order %s: %v (closing virtually)", positionID, orderErr)
	} else if fill.Price > 0 {
		fillPrice, fee = fill.Price, fill.Fee
	}
	if fillPrice <= 0 {
		fillPrice = pos.EntryPrice
	}
	return e.settleClose(ctx, pos, fillPrice, fee, types.ActionLiquidation, types.PositionLiquidated, "", virtual, "liquidation")
}

// PartialClose closes a fraction of a position, leaving a residual OPEN
// position with reduced sizing.
func (e *Executor) PartialClose(ctx context.Context, positionID string, fraction float64, action string) (*CloseOutcome, error) {
	if fraction <= 0 || fraction >= 1 {
		return nil, fmt.Errorf("partial close fraction %v out of range", fraction)
	}
	pos, err := e.loadOpen(ctx, positionID)
	if err != nil {
		return nil, err
	}
	unlock := e.LockAccount(pos.SubAccountID)
	defer unlock()

	closeQty := pos.Quantity * fraction
	var fillPrice, fee float64
	virtual := false
	fill, orderErr := e.provider.MarketOrder(ctx, exchange.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          pos.Side.Opposite(),
		Quantity:      closeQty,
		ReduceOnly:    true,
		ClientOrderID: EngineOrderPrefix + uuid.NewString(),
	})
	e.breaker.Record(orderErr)
	if orderErr != nil {
		if !exchange.IsGhost(orderErr) {
			return nil, fmt.Errorf("partial close order %s: %w", pos.Symbol, orderErr)
		}
		virtual = true
	} else {
		fillPrice, fee = fill.Price, fill.Fee
	}
	if virtual || fillPrice <= 0 {
		fillPrice = e.bestKnownMark(ctx, pos)
	}

	realized := riskmath.PnL(pos.Side, pos.EntryPrice, fillPrice, closeQty) - fee
	residualQty := pos.Quantity - closeQty
	exec := e.execution(pos.SubAccountID, pos.ID, pos.Symbol, pos.Side, action, closeQty, fillPrice, fee, realized)
	res, err := e.store.ClosePosition(ctx, store.CloseParams{
		PositionID:       pos.ID,
		Status:           types.PositionOpen,
		ClosePrice:       fillPrice,
		RealizedPnl:      realized,
		Execution:        exec,
		Reason:           action,
		ResidualQuantity: residualQty,
		ResidualNotional: residualQty * pos.EntryPrice,
		ResidualMargin:   pos.Margin * residualQty / pos.Quantity,
	})
	if err != nil {
		return nil, fmt.Errorf("partial close: %w", err)
	}
	if res.Skipped {
		return &CloseOutcome{Position: pos, Skipped: true}, nil
	}

	newNotional := residualQty * pos.EntryPrice
	newMargin := pos.Margin * residualQty / pos.Quantity
	e.book.UpdatePosition(pos.ID, pos.SubAccountID, book.Patch{
		Quantity: &residualQty, Notional: &newNotional, Margin: &newMargin,
	})
	e.book.UpdateBalance(pos.SubAccountID, res.BalanceAfter)
	if e.hooks != nil {
		e.hooks.ScheduleLiqRecompute(pos.SubAccountID)
	}
	e.broadcaster.Broadcast(broadcast.EventPositionReduced, map[string]any{
		"subAccountId": pos.SubAccountID,
		"positionId":   pos.ID,
		"symbol":       pos.Symbol,
		"closedQty":    closeQty,
		"remainingQty": residualQty,
		"realizedPnl":  realized,
		"action":       action,
	})
	return &CloseOutcome{
		Position: pos, ClosePrice: fillPrice, RealizedPnl: realized,
		BalanceAfter: res.BalanceAfter, Source: closeSource(virtual), Reason: action,
	}, nil
}

// TakeoverPosition closes the virtual position only; the venue position
// stays and is absorbed by the house. Realized PnL is the unrealized PnL at
// the current mark.
func (e *Executor) TakeoverPosition(ctx context.Context, positionID, adminUserID string) (*CloseOutcome, error) {
	pos, err := e.loadOpen(ctx, positionID)
	if err != nil {
		return nil, err
	}
	unlock := e.LockAccount(pos.SubAccountID)
	defer unlock()

	mark := e.bestKnownMark(ctx, pos)
	return e.settleClose(ctx, pos, mark, 0, types.ActionTakeover, types.PositionTakenOver, adminUserID, true, "takeover")
}

// ReconcilePositions closes every OPEN virtual position on symbol at
// closePrice after the venue reported a flat book there. The advisory lock
// is fail-closed: losing the race skips the reconcile entirely.
func (e *Executor) ReconcilePositions(ctx context.Context, symbol string, closePrice float64) error {
	release, ok, err := e.locker.TryLock(ctx, "reconcile:"+symbol)
	if err != nil {
		return fmt.Errorf("reconcile lock %s: %w", symbol, err)
	}
	if !ok {
		logx.WithContext(ctx).Infof("reconcile %s skipped, lock held elsewhere", symbol)
		return nil
	}
	defer release()

	positions, err := e.store.GetOpenPositionsBySymbol(ctx, symbol)
	if err != nil {
		return fmt.Errorf("reconcile load %s: %w", symbol, err)
	}
	for _, pos := range positions {
		unlock := e.LockAccount(pos.SubAccountID)
		_, err := e.settleClose(ctx, pos, closePrice, 0, types.ActionReconcile, types.PositionClosed, "", true, "reconcile")
		unlock()
		if err != nil && !IsTerminal(err) {
			logx.WithContext(ctx).Errorf("reconcile close %s: %v", pos.ID, err)
		}
	}
	return nil
}

// settleClose books a terminal (or takeover) close: durable transaction,
// book mirror, snapshot refresh, fan-out.
func (e *Executor) settleClose(ctx context.Context, pos *types.Position, fillPrice, fee float64,
	action string, status types.PositionStatus, takenOverBy string, virtual bool, reason string) (*CloseOutcome, error) {

	realized := riskmath.PnL(pos.Side, pos.EntryPrice, fillPrice, pos.Quantity) - fee
	exec := e.execution(pos.SubAccountID, pos.ID, pos.Symbol, pos.Side, action, pos.Quantity, fillPrice, fee, realized)
	res, err := e.store.ClosePosition(ctx, store.CloseParams{
		PositionID:  pos.ID,
		Status:      status,
		ClosePrice:  fillPrice,
		RealizedPnl: realized,
		Execution:   exec,
		Reason:      action,
		TakenOverBy: takenOverBy,
	})
	if err != nil {
		if err == store.ErrNotFound {
			return nil, E(CodePositionNotFound, "position %s not found", pos.ID)
		}
		return nil, fmt.Errorf("close settle: %w", err)
	}
	if res.Skipped {
		// Another path won the race; nothing to mirror.
		return &CloseOutcome{Position: pos, Skipped: true}, nil
	}

	e.book.Remove(pos.ID, pos.SubAccountID)
	e.book.UpdateBalance(pos.SubAccountID, res.BalanceAfter)
	if e.hooks != nil {
		e.hooks.PublishSnapshot(ctx, pos.SubAccountID)
	}

	eventType := broadcast.EventPositionClosed
	if status == types.PositionTakenOver {
		eventType = broadcast.EventPositionTakeover
	}
	e.broadcaster.Broadcast(eventType, map[string]any{
		"subAccountId": pos.SubAccountID,
		"positionId":   pos.ID,
		"symbol":       pos.Symbol,
		"closePrice":   fillPrice,
		"realizedPnl":  realized,
		"newBalance":   res.BalanceAfter,
		"source":       closeSource(virtual),
		"reason":       reason,
		"action":       action,
	})
	return &CloseOutcome{
		Position: pos, ClosePrice: fillPrice, RealizedPnl: realized,
		BalanceAfter: res.BalanceAfter, Source: closeSource(virtual), Reason: reason,
	}, nil
}

// desyncCheck queries the venue before a close. A missing or opposite-side
// venue position forces a virtual-only close; placing the order anyway would
// open a fresh position in the wrong direction.
func (e *Executor) desyncCheck(ctx context.Context, pos *types.Position) (virtual bool, reason string) {
	remote, err := e.provider.FetchPositions(ctx)
	if err != nil {
		logx.WithContext(ctx).Errorf("desync check %s: %v", pos.Symbol, err)
		return false, ""
	}
	for _, r := range remote {
		if r.Symbol != pos.Symbol {
			continue
		}
		if r.Side != pos.Side {
			return true, "side_mismatch"
		}
		return false, ""
	}
	return true, "not_on_exchange"
}

func (e *Executor) loadOpen(ctx context.Context, positionID string) (*types.Position, error) {
	pos, err := e.store.GetPosition(ctx, positionID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, E(CodePositionNotFound, "position %s not found", positionID)
		}
		return nil, err
	}
	if !pos.IsOpen() {
		return nil, E(CodePositionClosed, "position %s is %s", positionID, pos.Status)
	}
	return pos, nil
}

func (e *Executor) bestKnownMark(ctx context.Context, pos *types.Position) float64 {
	if mark, ok := e.prices.FreshPrice(ctx, pos.Symbol); ok {
		return mark
	}
	if mark, ok := e.prices.GetPrice(pos.Symbol); ok {
		return mark
	}
	return pos.EntryPrice
}

func (e *Executor) postTrade(ctx context.Context, subAccountID, symbol string) {
	if !e.provider.Subscribed(symbol) {
		e.provider.Subscribe(symbol)
	}
	if e.hooks != nil {
		e.hooks.PublishSnapshot(ctx, subAccountID)
		e.hooks.ScheduleLiqRecompute(subAccountID)
	}
}

func (e *Executor) refetchFillAsync(subAccountID, symbol, orderID string) {
	threading.GoSafe(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		fill, err := e.provider.FetchFill(ctx, symbol, orderID)
		if err != nil || fill.Price <= 0 {
			logx.Errorf("fill refetch %s: %v", orderID, err)
			return
		}
		unlock := e.LockAccount(subAccountID)
		defer unlock()
		if entry, ok := e.book.GetEntry(subAccountID); ok {
			for _, pos := range entry.Positions {
				if pos.Symbol == symbol && pos.IsOpen() {
					e.book.UpdatePosition(pos.ID, subAccountID, book.Patch{EntryPrice: &fill.Price})
					break
				}
			}
		}
	})
}

func (e *Executor) execution(subAccountID, positionID, symbol string, side riskmath.Side,
	action string, qty, priceVal, fee, realized float64) *types.TradeExecution {
	ts := e.now()
	return &types.TradeExecution{
		ID:           uuid.NewString(),
		SubAccountID: subAccountID,
		PositionID:   positionID,
		Symbol:       symbol,
		Side:         side,
		Action:       action,
		Quantity:     qty,
		Price:        priceVal,
		Fee:          fee,
		RealizedPnl:  realized,
		Signature: riskmath.Signature(subAccountID, action, positionID,
			strconv.FormatInt(ts.UnixMilli(), 10), uuid.NewString()),
		ExecutedAt: ts,
	}
}

func statusForAction(action string) types.PositionStatus {
	switch action {
	case types.ActionLiquidation, types.ActionADLTier2, types.ActionADLTier3:
		return types.PositionLiquidated
	default:
		return types.PositionClosed
	}
}

func closeSource(virtual bool) string {
	if virtual {
		return "virtual_only"
	}
	return "exchange"
}
