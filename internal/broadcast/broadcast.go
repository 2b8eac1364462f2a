// Package broadcast defines the push-only fan-out contract the engine emits
// through, plus the throttled emitter that keeps tick-driven bursts from
// flooding it.
package broadcast

import "sync"

// Event types pushed to the fan-out collaborator.
const (
	EventPositionUpdated   = "position_updated"
	EventPositionClosed    = "position_closed"
	EventPositionReduced   = "position_reduced"
	EventPositionTakeover  = "position_takeover"
	EventPnlUpdate         = "pnl_update"
	EventMarginUpdate      = "margin_update"
	EventMarginWarning     = "margin_warning"
	EventADLTriggered      = "adl_triggered"
	EventFullLiquidation   = "full_liquidation"
	EventOrderAcked        = "order_acked"
	EventOrderRejected     = "order_rejected"
	EventOrderCancelled    = "order_cancelled"
	EventEngineError       = "engine_error"
	EventTradeExecution    = "trade_execution"
	EventRiskSnapshot      = "risk_snapshot"
	EventMarginSnapshot    = "margin_snapshot"
	EventPositionsSnapshot = "positions_snapshot"
	EventPositionsResync   = "positions_resync"
)

// Broadcaster pushes events to the client fan-out. Implementations must not
// block the caller.
type Broadcaster interface {
	Broadcast(eventType string, payload any)
}

// Func adapts a function to the Broadcaster interface.
type Func func(eventType string, payload any)

// Broadcast implements Broadcaster.
func (f Func) Broadcast(eventType string, payload any) { f(eventType, payload) }

// Nop discards every event.
var Nop Broadcaster = Func(func(string, any) {})

// Recorded is one captured broadcast.
type Recorded struct {
	Type    string
	Payload any
}

// Recorder is an in-memory Broadcaster for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Broadcast implements Broadcaster.
func (r *Recorder) Broadcast(eventType string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{Type: eventType, Payload: payload})
}

// Events returns a snapshot of captured events.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Recorded, len(r.events))
	copy(out, r.events)
	return out
}

// ByType returns the captured events of one type.
func (r *Recorder) ByType(eventType string) []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Recorded
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events of one type were captured.
func (r *Recorder) Count(eventType string) int {
	return len(r.ByType(eventType))
}
