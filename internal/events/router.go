package events

import (
	"context"
	"strings"
	"sync"

	"github.com/zeromicro/go-zero/core/logx"

	"pms-api/internal/book"
	"pms-api/internal/broadcast"
	"pms-api/internal/store"
	"pms-api/internal/trade"
	"pms-api/pkg/orderedmap"
)

// Router validates incoming engine events and dispatches them to the
// handlers. Unknown event types pass through without dispatch.
type Router struct {
	fills       *FillHandler
	positions   *PositionHandler
	broadcaster broadcast.Broadcaster

	mu   sync.Mutex
	seen *orderedmap.Set[string] // order-level dedup for cancel/reject/ack
}

// NewRouter wires the router and its handlers.
func NewRouter(st store.Store, bk *book.Book, executor *trade.Executor, broadcaster broadcast.Broadcaster) *Router {
	return &Router{
		fills:       NewFillHandler(st, bk, executor, broadcaster),
		positions:   NewPositionHandler(st, bk, executor, broadcaster),
		broadcaster: broadcaster,
		seen:        orderedmap.NewSet[string](dedupCapacity),
	}
}

// Fills exposes the fill handler, for test configuration.
func (r *Router) Fills() *FillHandler { return r.fills }

// Route processes one event. The returned bool is the ack decision: true
// acks the log entry, false leaves it pending for redelivery.
func (r *Router) Route(ctx context.Context, ev Event) bool {
	if err := Validate(ev); err != nil {
		logx.WithContext(ctx).Errorf("SCHEMA_VIOLATION %s: %v (payload %v)", ev.Type, err, ev.Fields)
		r.broadcaster.Broadcast(broadcast.EventEngineError, map[string]any{
			"code":    string(trade.CodeSchemaViolation),
			"type":    ev.Type,
			"message": err.Error(),
		})
		return true
	}

	switch ev.Type {
	case TypeOrderUpdate:
		return r.routeOrderUpdate(ctx, ev)
	case TypePositionUpdate:
		return r.positions.Handle(ctx, ev)
	case TypeTradeExecution:
		r.broadcaster.Broadcast(broadcast.EventTradeExecution, ev.Fields)
		return true
	case TypeRiskSnapshot:
		r.broadcaster.Broadcast(broadcast.EventRiskSnapshot, ev.Fields)
		return true
	case TypeMarginSnapshot:
		r.broadcaster.Broadcast(broadcast.EventMarginSnapshot, ev.Fields)
		return true
	case TypePositionsSnapshot:
		r.broadcaster.Broadcast(broadcast.EventPositionsSnapshot, ev.Fields)
		return true
	case TypeError:
		r.broadcaster.Broadcast(broadcast.EventEngineError, ev.Fields)
		return true
	default:
		// Unknown types pass through undispatched.
		return true
	}
}

func (r *Router) routeOrderUpdate(ctx context.Context, ev Event) bool {
	status := strings.ToUpper(ev.Get("status"))
	switch status {
	case StatusFilled, StatusPartiallyFilled:
		return r.fills.Handle(ctx, ev)
	case StatusCanceled:
		if r.dedup(ev) {
			return true
		}
		r.broadcaster.Broadcast(broadcast.EventOrderCancelled, ev.Fields)
		return true
	case StatusRejected, StatusExpired:
		if r.dedup(ev) {
			return true
		}
		r.broadcaster.Broadcast(broadcast.EventOrderRejected, ev.Fields)
		return true
	case StatusAck, StatusAccepted, StatusNew:
		r.broadcaster.Broadcast(broadcast.EventOrderAcked, ev.Fields)
		return true
	default:
		logx.WithContext(ctx).Infof("order_update with unhandled status %q ignored", status)
		return true
	}
}

func (r *Router) dedup(ev Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen.Add(ev.DedupKey())
}
