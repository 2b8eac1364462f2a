package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"

	"pms-api/internal/book"
	"pms-api/internal/broadcast"
	"pms-api/internal/store"
	"pms-api/internal/trade"
	"pms-api/internal/types"
	"pms-api/pkg/orderedmap"
	"pms-api/pkg/riskmath"
)

// staleFillWindow is the DB-level ghost guard: fills this much older than
// their delivery are dropped when no live position matches them.
const staleFillWindow = 60 * time.Second

// dedupCapacity bounds every handler's seen-set; oldest keys evict first.
const dedupCapacity = 8192

// FillHandler applies FILLED / PARTIALLY_FILLED order updates to the book.
// It is the authority for opens and adds; the book is updated before the
// durable write, which is fire-and-forget.
type FillHandler struct {
	store       store.Store
	book        *book.Book
	executor    *trade.Executor
	broadcaster broadcast.Broadcaster

	mu         sync.Mutex
	seen       *orderedmap.Set[string]
	now        func() time.Time
	syncWrites bool // when true the durable write blocks, for tests
}

// NewFillHandler wires the handler.
func NewFillHandler(st store.Store, bk *book.Book, executor *trade.Executor, broadcaster broadcast.Broadcaster) *FillHandler {
	return &FillHandler{
		store:       st,
		book:        bk,
		executor:    executor,
		broadcaster: broadcaster,
		seen:        orderedmap.NewSet[string](dedupCapacity),
		now:         time.Now,
	}
}

// SetSynchronous makes durable writes block, for deterministic tests.
func (h *FillHandler) SetSynchronous() { h.syncWrites = true }

// Handle processes one fill event. The returned bool is the ack decision.
func (h *FillHandler) Handle(ctx context.Context, ev Event) bool {
	h.mu.Lock()
	duplicate := h.seen.Add(ev.DedupKey())
	h.mu.Unlock()
	if duplicate {
		return true
	}

	subAccountID := ev.Get("sub_account_id")
	symbol := ev.Get("symbol")
	side := riskmath.Side(strings.ToUpper(ev.Get("side")))
	qty := ev.Float("qty")
	fillPrice := ev.Float("price")
	if fillPrice <= 0 {
		fillPrice = ev.Float("fill_price")
	}
	clientOrderID := ev.Get("client_order_id")
	if subAccountID == "" || qty <= 0 || fillPrice <= 0 {
		logx.WithContext(ctx).Errorf("fill %s unusable payload (sub=%q qty=%v price=%v)", ev.ID, subAccountID, qty, fillPrice)
		return true
	}

	unlock := h.executor.LockAccount(subAccountID)
	defer unlock()

	existing, hasPosition := h.book.GetPosition(subAccountID, symbol, side)

	// Ghost guard: a fill for a symbol we just closed, from an order this
	// engine did not place, is the venue echoing a dead position.
	if !hasPosition && h.executor.RecentlyClosed(symbol) &&
		!strings.HasPrefix(clientOrderID, trade.EngineOrderPrefix) {
		logx.WithContext(ctx).Infof("GHOST_SKIP fill %s %s %s (recently closed)", ev.ID, symbol, side)
		return true
	}
	// Stale-fill guard: an old fill with nothing live behind it.
	if !hasPosition && ev.Int("ts") > 0 {
		age := h.now().Sub(time.UnixMilli(ev.Int("ts")))
		if age > staleFillWindow {
			logx.WithContext(ctx).Infof("GHOST_SKIP fill %s %s aged %s", ev.ID, symbol, age)
			return true
		}
	}

	account, err := h.store.GetAccount(ctx, subAccountID)
	if err != nil {
		logx.WithContext(ctx).Errorf("fill %s account load: %v", ev.ID, err)
		return true
	}

	var pos *types.Position
	if hasPosition {
		newQty := existing.Quantity + qty
		updated := existing
		updated.EntryPrice = (existing.EntryPrice*existing.Quantity + fillPrice*qty) / newQty
		updated.Quantity = newQty
		updated.Notional = existing.Notional + qty*fillPrice
		if updated.Leverage > 0 {
			updated.Margin = updated.Notional / updated.Leverage
		}
		h.book.UpdatePosition(updated.ID, subAccountID, book.Patch{
			EntryPrice: &updated.EntryPrice, Quantity: &updated.Quantity,
			Notional: &updated.Notional, Margin: &updated.Margin,
		})
		pos = &updated
		h.persist(func(ctx context.Context) error {
			return h.store.UpdatePosition(ctx, store.UpdateParams{
				Position:  pos,
				Execution: h.execution(ev, pos, types.ActionAdd, qty, fillPrice),
				Reason:    "FILL_ADD",
			})
		})
	} else {
		created := &types.Position{
			ID:           uuid.NewString(),
			SubAccountID: subAccountID,
			Symbol:       symbol,
			Side:         side,
			EntryPrice:   fillPrice,
			Quantity:     qty,
			Notional:     qty * fillPrice,
			Status:       types.PositionOpen,
			OpenedAt:     h.now(),
		}
		h.book.Add(created, *account)
		pos = created
		h.persist(func(ctx context.Context) error {
			_, err := h.store.OpenPosition(ctx, store.OpenParams{
				Position:  pos,
				Execution: h.execution(ev, pos, types.ActionOpen, qty, fillPrice),
				Reason:    "FILL_OPEN",
			})
			return err
		})
	}

	h.broadcaster.Broadcast(broadcast.EventPositionUpdated, map[string]any{
		"subAccountId": subAccountID,
		"positionId":   pos.ID,
		"symbol":       symbol,
		"side":         string(side),
		"entryPrice":   pos.EntryPrice,
		"quantity":     pos.Quantity,
		"source":       "fill",
	})
	return true
}

// persist runs the durable write. The book is already updated; a failure
// here leaves the 10 s book sync to repair the divergence.
func (h *FillHandler) persist(write func(ctx context.Context) error) {
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := write(ctx); err != nil {
			logx.Errorf("DB_PERSIST_FAILED fill write: %v", err)
		}
	}
	if h.syncWrites {
		run()
		return
	}
	threading.GoSafe(run)
}

func (h *FillHandler) execution(ev Event, pos *types.Position, action string, qty, priceVal float64) *types.TradeExecution {
	ts := h.now()
	return &types.TradeExecution{
		ID:           uuid.NewString(),
		SubAccountID: pos.SubAccountID,
		PositionID:   pos.ID,
		Symbol:       pos.Symbol,
		Side:         pos.Side,
		Action:       action,
		Quantity:     qty,
		Price:        priceVal,
		Fee:          ev.Float("fee"),
		Signature:    riskmath.Signature(pos.SubAccountID, action, pos.ID, ev.DedupKey()),
		ExecutedAt:   ts,
	}
}

// PositionHandler consumes position_update events. Only CLOSED mutates
// state; the fill handler is authoritative for opens and adds.
type PositionHandler struct {
	store       store.Store
	book        *book.Book
	executor    *trade.Executor
	broadcaster broadcast.Broadcaster

	mu   sync.Mutex
	seen *orderedmap.Set[string]
}

// NewPositionHandler wires the handler.
func NewPositionHandler(st store.Store, bk *book.Book, executor *trade.Executor, broadcaster broadcast.Broadcaster) *PositionHandler {
	return &PositionHandler{
		store:       st,
		book:        bk,
		executor:    executor,
		broadcaster: broadcaster,
		seen:        orderedmap.NewSet[string](dedupCapacity),
	}
}

// Handle processes one position update. The returned bool is the ack
// decision; a failed close stays pending for redelivery.
func (h *PositionHandler) Handle(ctx context.Context, ev Event) bool {
	h.mu.Lock()
	duplicate := h.seen.Add(ev.DedupKey())
	h.mu.Unlock()
	if duplicate {
		return true
	}

	if !strings.EqualFold(ev.Get("status"), string(types.PositionClosed)) {
		h.broadcaster.Broadcast(broadcast.EventPositionUpdated, map[string]any{
			"subAccountId": ev.Get("sub_account_id"),
			"positionId":   ev.Get("position_id"),
			"symbol":       ev.Get("symbol"),
			"source":       "engine",
		})
		return true
	}

	positionID := ev.Get("position_id")
	subAccountID := ev.Get("sub_account_id")
	closePrice := ev.Float("close_price")
	if closePrice <= 0 {
		closePrice = ev.Float("entry_price")
	}

	pos, err := h.store.GetPosition(ctx, positionID)
	if err != nil {
		if err == store.ErrNotFound {
			return true
		}
		logx.WithContext(ctx).Errorf("position close %s load: %v", positionID, err)
		return false
	}
	if !pos.IsOpen() {
		return true
	}

	unlock := h.executor.LockAccount(subAccountID)
	defer unlock()

	realized := riskmath.PnL(pos.Side, pos.EntryPrice, closePrice, pos.Quantity)
	res, err := h.store.ClosePosition(ctx, store.CloseParams{
		PositionID:  positionID,
		Status:      types.PositionClosed,
		ClosePrice:  closePrice,
		RealizedPnl: realized,
		Execution: &types.TradeExecution{
			ID:           uuid.NewString(),
			SubAccountID: subAccountID,
			PositionID:   positionID,
			Symbol:       pos.Symbol,
			Side:         pos.Side,
			Action:       types.ActionClose,
			Quantity:     pos.Quantity,
			Price:        closePrice,
			RealizedPnl:  realized,
			Signature:    riskmath.Signature(subAccountID, types.ActionClose, positionID, ev.DedupKey()),
			ExecutedAt:   time.Now(),
		},
		Reason: "ENGINE_CLOSE",
	})
	if err != nil {
		logx.WithContext(ctx).Errorf("position close %s: %v", positionID, err)
		return false
	}
	if !res.Skipped {
		h.book.Remove(positionID, subAccountID)
		h.book.UpdateBalance(subAccountID, res.BalanceAfter)
		h.broadcaster.Broadcast(broadcast.EventPositionClosed, map[string]any{
			"subAccountId": subAccountID,
			"positionId":   positionID,
			"symbol":       pos.Symbol,
			"closePrice":   closePrice,
			"realizedPnl":  realized,
			"newBalance":   res.BalanceAfter,
			"source":       "engine",
		})
	}
	return true
}
