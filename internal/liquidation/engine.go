// Package liquidation evaluates account risk on every relevant price tick
// and unwinds accounts under duress: tiered ADL for the default mode, full
// real closes for INSTANT_CLOSE, and virtual takeovers for TAKEOVER.
package liquidation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"

	"pms-api/internal/book"
	"pms-api/internal/broadcast"
	"pms-api/internal/price"
	"pms-api/internal/store"
	"pms-api/internal/trade"
	"pms-api/internal/types"
	"pms-api/pkg/orderedmap"
	"pms-api/pkg/riskmath"
)

// Emit cadences and the rules cache TTL. PnL and margin bursts inside a
// window coalesce to the newest payload; snapshots inside the window are
// dropped.
const (
	pnlEmitInterval    = 50 * time.Millisecond
	marginEmitInterval = 80 * time.Millisecond
	snapshotInterval   = time.Second
	rulesCacheTTL      = 60 * time.Second
)

// ADL band widths around the liquidation threshold T.
const (
	warningBand = 0.10
	tier3Band   = 0.05
	adlFraction = 0.3
)

// Actions is the slice of the trade executor the engine drives. Both sides
// are constructed at startup and wired through this interface.
type Actions interface {
	ClosePosition(ctx context.Context, positionID, action string) (*trade.CloseOutcome, error)
	PartialClose(ctx context.Context, positionID string, fraction float64, action string) (*trade.CloseOutcome, error)
	LiquidatePosition(ctx context.Context, positionID string) (*trade.CloseOutcome, error)
	TakeoverPosition(ctx context.Context, positionID, adminUserID string) (*trade.CloseOutcome, error)
}

// SnapshotSink publishes the full risk snapshot to the shared KV store.
type SnapshotSink interface {
	Publish(ctx context.Context, snap *types.RiskSnapshot) error
}

type cachedRules struct {
	rules     types.Rules
	fetchedAt time.Time
}

// Engine is the per-tick risk evaluator.
type Engine struct {
	store       store.Store
	book        *book.Book
	prices      *price.Service
	broadcaster broadcast.Broadcaster
	snapshots   SnapshotSink
	actions     Actions

	pnlEmitter    *broadcast.ThrottledEmitter
	marginEmitter *broadcast.ThrottledEmitter

	mu            sync.Mutex
	rulesCache    *orderedmap.Bounded[string, cachedRules]
	snapshotTimes *orderedmap.Bounded[string, time.Time]
	evaluating    map[string]struct{}
	liquidating   map[string]struct{}
	recomputing   map[string]struct{}

	now func() time.Time
}

// New wires the engine. Actions are attached afterwards via SetActions.
func New(st store.Store, bk *book.Book, prices *price.Service, broadcaster broadcast.Broadcaster, snapshots SnapshotSink) *Engine {
	return &Engine{
		store:         st,
		book:          bk,
		prices:        prices,
		broadcaster:   broadcaster,
		snapshots:     snapshots,
		pnlEmitter:    broadcast.NewThrottledEmitter(broadcaster, pnlEmitInterval, 8192),
		marginEmitter: broadcast.NewThrottledEmitter(broadcaster, marginEmitInterval, 4096),
		rulesCache:    orderedmap.New[string, cachedRules](4096),
		snapshotTimes: orderedmap.New[string, time.Time](4096),
		evaluating:    make(map[string]struct{}),
		liquidating:   make(map[string]struct{}),
		recomputing:   make(map[string]struct{}),
		now:           time.Now,
	}
}

// SetActions attaches the trade executor.
func (e *Engine) SetActions(a Actions) { e.actions = a }

// SetClock overrides the clock, for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// EvaluateAccount runs one full risk pass for an account. Re-entrant calls
// and calls during an active liquidation sequence are skipped.
func (e *Engine) EvaluateAccount(ctx context.Context, subAccountID string) {
	e.mu.Lock()
	if _, busy := e.evaluating[subAccountID]; busy {
		e.mu.Unlock()
		return
	}
	if _, busy := e.liquidating[subAccountID]; busy {
		e.mu.Unlock()
		return
	}
	e.evaluating[subAccountID] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.evaluating, subAccountID)
		e.mu.Unlock()
	}()

	entry, ok := e.book.GetEntry(subAccountID)
	if !ok || len(entry.Positions) == 0 {
		return
	}
	if entry.Account.Status == types.AccountLiquidated || entry.Account.Status == types.AccountFrozen {
		return
	}

	threshold := e.thresholdFor(ctx, subAccountID)
	snap, inputs, _ := e.computeSnapshot(entry, e.prices.Marks(), threshold)

	for _, view := range snap.Positions {
		e.pnlEmitter.Emit("pnl:"+view.ID, broadcast.EventPnlUpdate, map[string]any{
			"subAccountId":  subAccountID,
			"positionId":    view.ID,
			"symbol":        view.Symbol,
			"markPrice":     view.MarkPrice,
			"unrealizedPnl": view.UnrealizedPnl,
		})
	}
	e.marginEmitter.Emit("margin:"+subAccountID, broadcast.EventMarginUpdate, map[string]any{
		"subAccountId": subAccountID,
		"equity":       snap.Equity,
		"marginRatio":  snap.MarginRatio,
		"marginUsed":   snap.MarginUsed,
	})

	e.publishThrottled(ctx, snap)

	// Hard insolvency preempts the mode dispatch.
	if snap.EquityRaw <= 0 || snap.MarginRatio >= 1.0 {
		e.runLiquidation(ctx, entry, "insolvent")
		return
	}

	mr := snap.MarginRatio
	switch entry.Account.LiquidationMode {
	case types.ModeTakeover:
		if mr >= threshold {
			e.runLiquidation(ctx, entry, "threshold")
		}
	case types.ModeInstantClose:
		if mr >= threshold {
			e.runLiquidation(ctx, entry, "threshold")
		}
	default: // ADL_30
		switch {
		case mr >= threshold+tier3Band:
			e.runADL(ctx, entry, inputs, threshold, 3)
		case mr >= threshold:
			e.runADL(ctx, entry, inputs, threshold, 2)
		case mr >= threshold-warningBand:
			e.marginEmitter.Emit("warn:"+subAccountID, broadcast.EventMarginWarning, map[string]any{
				"subAccountId": subAccountID,
				"marginRatio":  mr,
				"threshold":    threshold,
			})
		}
	}
}

// PublishSnapshot recomputes and publishes a snapshot immediately, bypassing
// the 1/s throttle. Used by the executor right after trades.
func (e *Engine) PublishSnapshot(ctx context.Context, subAccountID string) {
	entry, ok := e.book.GetEntry(subAccountID)
	if !ok {
		return
	}
	threshold := e.thresholdFor(ctx, subAccountID)
	snap, _, _ := e.computeSnapshot(entry, e.prices.Marks(), threshold)
	e.publish(ctx, snap)
}

// ScheduleLiqRecompute queues an out-of-band recomputation of every dynamic
// liquidation price for the account, deduplicated while one is pending.
func (e *Engine) ScheduleLiqRecompute(subAccountID string) {
	e.mu.Lock()
	if _, pending := e.recomputing[subAccountID]; pending {
		e.mu.Unlock()
		return
	}
	e.recomputing[subAccountID] = struct{}{}
	e.mu.Unlock()

	threading.GoSafe(func() {
		defer func() {
			e.mu.Lock()
			delete(e.recomputing, subAccountID)
			e.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		e.RecomputeLiqPrices(ctx, subAccountID)
	})
}

// RecomputeLiqPrices refreshes the dynamic liquidation prices for every open
// position of the account, in the book and the store.
func (e *Engine) RecomputeLiqPrices(ctx context.Context, subAccountID string) {
	entry, ok := e.book.GetEntry(subAccountID)
	if !ok || len(entry.Positions) == 0 {
		return
	}
	threshold := e.thresholdFor(ctx, subAccountID)
	inputs := positionInputs(entry)
	liq := riskmath.DynamicLiqPrices(entry.Account.CurrentBalance, entry.Account.MaintenanceRate,
		inputs, e.prices.Marks(), threshold)
	for id, priceVal := range liq {
		p := priceVal
		e.book.UpdatePosition(id, subAccountID, book.Patch{LiquidationPrice: &p})
	}
	if err := e.store.UpdateLiquidationPrices(ctx, liq); err != nil {
		logx.WithContext(ctx).Errorf("persist liq prices %s: %v", subAccountID, err)
	}
}

// runADL partial-closes the largest-notional position. Tier 3 rechecks with
// fresh prices and escalates to full liquidation when the account is still
// above threshold.
func (e *Engine) runADL(ctx context.Context, entry book.Entry, inputs []riskmath.PositionInput, threshold float64, tier int) {
	largest := largestPosition(inputs)
	if largest == "" {
		return
	}
	action := types.ActionADLTier2
	if tier == 3 {
		action = types.ActionADLTier3
	}
	e.broadcaster.Broadcast(broadcast.EventADLTriggered, map[string]any{
		"subAccountId": entry.Account.ID,
		"positionId":   largest,
		"tier":         tier,
		"fraction":     adlFraction,
	})
	if _, err := e.actions.PartialClose(ctx, largest, adlFraction, action); err != nil {
		if !trade.IsTerminal(err) {
			logx.WithContext(ctx).Errorf("adl tier %d partial close %s: %v", tier, largest, err)
		}
	}
	if tier < 3 {
		return
	}

	// Escalation recheck with fresh prices; stale marks over-escalate.
	fresh, ok := e.book.GetEntry(entry.Account.ID)
	if !ok || len(fresh.Positions) == 0 {
		return
	}
	symbols := make([]string, 0, len(fresh.Positions))
	for _, pos := range fresh.Positions {
		symbols = append(symbols, pos.Symbol)
	}
	marks := e.prices.FreshPrices(ctx, symbols)
	for sym, mark := range e.prices.Marks() {
		if _, have := marks[sym]; !have {
			marks[sym] = mark
		}
	}
	snap, _, _ := e.computeSnapshot(fresh, marks, threshold)
	if snap.MarginRatio >= threshold {
		e.runLiquidation(ctx, fresh, "adl_exhausted")
	}
}

// runLiquidation unwinds every position. TAKEOVER accounts are absorbed
// virtually; everything else is closed for real. Individual close failures
// do not abort the sequence.
func (e *Engine) runLiquidation(ctx context.Context, entry book.Entry, reason string) {
	subAccountID := entry.Account.ID
	e.mu.Lock()
	if _, busy := e.liquidating[subAccountID]; busy {
		e.mu.Unlock()
		return
	}
	e.liquidating[subAccountID] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.liquidating, subAccountID)
		e.mu.Unlock()
	}()

	takeover := entry.Account.LiquidationMode == types.ModeTakeover
	logx.WithContext(ctx).Infof("liquidating account %s (%s, takeover=%v)", subAccountID, reason, takeover)

	ids := make([]string, 0, len(entry.Positions))
	for id := range entry.Positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		var err error
		if takeover {
			_, err = e.actions.TakeoverPosition(ctx, id, "system")
		} else {
			_, err = e.actions.LiquidatePosition(ctx, id)
		}
		if err != nil && !trade.IsTerminal(err) {
			logx.WithContext(ctx).Errorf("liquidation close %s: %v", id, err)
		}
	}

	if err := e.store.UpdateAccountStatus(ctx, subAccountID, types.AccountLiquidated); err != nil {
		logx.WithContext(ctx).Errorf("mark account %s liquidated: %v", subAccountID, err)
	}
	e.book.UpdateAccountStatus(subAccountID, types.AccountLiquidated)
	e.broadcaster.Broadcast(broadcast.EventFullLiquidation, map[string]any{
		"subAccountId": subAccountID,
		"reason":       reason,
		"takeover":     takeover,
	})
}

// thresholdFor resolves the liquidation threshold through a 60 s rules
// cache, defaulting when rules are missing or invalid.
func (e *Engine) thresholdFor(ctx context.Context, subAccountID string) float64 {
	e.mu.Lock()
	cached, ok := e.rulesCache.Get(subAccountID)
	now := e.now()
	e.mu.Unlock()
	if ok && now.Sub(cached.fetchedAt) < rulesCacheTTL {
		return cached.rules.EffectiveThreshold()
	}

	rules, err := e.store.GetRules(ctx, subAccountID)
	if err != nil {
		if err != store.ErrNotFound {
			logx.WithContext(ctx).Errorf("rules fetch %s: %v", subAccountID, err)
		}
		rules = &types.Rules{}
	}
	e.mu.Lock()
	e.rulesCache.Set(subAccountID, cachedRules{rules: *rules, fetchedAt: now})
	e.mu.Unlock()
	return rules.EffectiveThreshold()
}

func (e *Engine) publishThrottled(ctx context.Context, snap *types.RiskSnapshot) {
	e.mu.Lock()
	last, _ := e.snapshotTimes.Get(snap.SubAccountID)
	now := e.now()
	if now.Sub(last) < snapshotInterval {
		e.mu.Unlock()
		return
	}
	e.snapshotTimes.Set(snap.SubAccountID, now)
	e.mu.Unlock()
	e.publish(ctx, snap)
}

func (e *Engine) publish(ctx context.Context, snap *types.RiskSnapshot) {
	if e.snapshots != nil {
		if err := e.snapshots.Publish(ctx, snap); err != nil {
			logx.WithContext(ctx).Errorf("snapshot publish %s: %v", snap.SubAccountID, err)
		}
	}
	e.broadcaster.Broadcast(broadcast.EventRiskSnapshot, snap)
	snapCopy := *snap
	threading.GoSafe(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.store.InsertEquitySnapshot(ctx, &snapCopy); err != nil {
			logx.Errorf("equity snapshot persist %s: %v", snapCopy.SubAccountID, err)
		}
	})
}

// computeSnapshot builds the full risk view for an account at the given
// marks. Positions without a mark fall back to their entry price.
func (e *Engine) computeSnapshot(entry book.Entry, marks map[string]float64, threshold float64) (*types.RiskSnapshot, []riskmath.PositionInput, map[string]float64) {
	inputs := positionInputs(entry)
	balance := entry.Account.CurrentBalance

	fullMarks := make(map[string]float64, len(inputs))
	for _, in := range inputs {
		if mark, ok := marks[in.Symbol]; ok && mark > 0 {
			fullMarks[in.Symbol] = mark
		} else {
			fullMarks[in.Symbol] = in.Entry
		}
	}

	dynamicLiq := riskmath.DynamicLiqPrices(balance, entry.Account.MaintenanceRate, inputs, fullMarks, threshold)

	var totalUpnl, totalNotional, totalMargin float64
	views := make([]types.PositionView, 0, len(inputs))
	for _, in := range inputs {
		pos := entry.Positions[in.ID]
		mark := fullMarks[in.Symbol]
		upnl := riskmath.PnL(in.Side, in.Entry, mark, in.Quantity)
		totalUpnl += upnl
		totalNotional += in.Notional
		totalMargin += pos.Margin
		views = append(views, types.PositionView{
			ID:               in.ID,
			Symbol:           in.Symbol,
			Side:             in.Side,
			EntryPrice:       in.Entry,
			MarkPrice:        mark,
			Quantity:         in.Quantity,
			Notional:         in.Notional,
			Leverage:         pos.Leverage,
			Margin:           pos.Margin,
			UnrealizedPnl:    upnl,
			LiquidationPrice: dynamicLiq[in.ID],
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })

	equityRaw := balance + totalUpnl
	equity := equityRaw
	if equity < 0 {
		equity = 0
	}
	maintMargin := totalNotional * entry.Account.MaintenanceRate
	marginRatio := float64(riskmath.InsolventRatio)
	if equityRaw > 0 {
		marginRatio = maintMargin / equityRaw
	}

	snap := &types.RiskSnapshot{
		SubAccountID:      entry.Account.ID,
		Balance:           balance,
		Equity:            equity,
		EquityRaw:         equityRaw,
		UnrealizedPnl:     totalUpnl,
		MarginUsed:        totalMargin,
		AvailableMargin:   equity - maintMargin,
		TotalExposure:     totalNotional,
		MaintenanceMargin: maintMargin,
		MarginRatio:       marginRatio,
		AccountLiqPrice:   riskmath.AccountLiqPrice(inputs, dynamicLiq),
		Positions:         views,
		Ts:                e.now().UnixMilli(),
	}
	return snap, inputs, dynamicLiq
}

func positionInputs(entry book.Entry) []riskmath.PositionInput {
	inputs := make([]riskmath.PositionInput, 0, len(entry.Positions))
	for _, pos := range entry.Positions {
		if !pos.IsOpen() {
			continue
		}
		inputs = append(inputs, riskmath.PositionInput{
			ID:       pos.ID,
			Symbol:   pos.Symbol,
			Side:     pos.Side,
			Entry:    pos.EntryPrice,
			Quantity: pos.Quantity,
			Notional: pos.Notional,
		})
	}
	return inputs
}

func largestPosition(inputs []riskmath.PositionInput) string {
	var largest string
	var largestNotional float64
	for _, in := range inputs {
		if in.Notional > largestNotional {
			largest, largestNotional = in.ID, in.Notional
		}
	}
	return largest
}

var _ trade.RiskHooks = (*Engine)(nil)
