package stream

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"pms-api/internal/trade"
)

// Babysitter retry bound: after maxRetries republishes the intent is dropped.
const maxRetries = 3

// ActionClosePosition is the only intent the babysitter executes; everything
// else is ack-and-dropped.
const ActionClosePosition = "close_position"

// IntentPayload is the close intent carried on the babysitter stream.
type IntentPayload struct {
	PositionID string  `json:"positionId"`
	ClosePrice float64 `json:"closePrice,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Retry      int     `json:"retry"`
	RetriedAt  int64   `json:"retriedAt,omitempty"`
}

// CloseFunc closes a position through the execution engine.
type CloseFunc func(ctx context.Context, positionID, reason string) error

// Babysitter consumes close intents with at-least-once semantics and a
// bounded republish retry.
type Babysitter struct {
	log    Log
	stream string
	closer CloseFunc
	now    func() time.Time
}

// NewBabysitter builds the handler; attach it to a Consumer over the intent
// stream.
func NewBabysitter(log Log, streamName string, closer CloseFunc) *Babysitter {
	return &Babysitter{log: log, stream: streamName, closer: closer, now: time.Now}
}

// Handle processes one intent message. The returned bool is the ack
// decision: everything acks except a failed republish, which stays pending
// for auto-claim.
func (b *Babysitter) Handle(ctx context.Context, msg Message) bool {
	action := msg.Values["action"]
	if action != ActionClosePosition {
		logx.WithContext(ctx).Infof("babysitter: unknown action %q dropped", action)
		return true
	}

	var payload IntentPayload
	if raw := msg.Values["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			logx.WithContext(ctx).Errorf("babysitter: bad payload %q: %v", raw, err)
			return true
		}
	}
	if payload.PositionID == "" {
		logx.WithContext(ctx).Errorf("babysitter: intent without positionId dropped")
		return true
	}

	err := b.closer(ctx, payload.PositionID, payload.Reason)
	if err == nil {
		return true
	}
	if isTerminalClose(err) {
		// Already closed elsewhere: idempotent success.
		return true
	}

	if payload.Retry >= maxRetries {
		logx.WithContext(ctx).Errorf("babysitter: close %s dropped after %d retries: %v",
			payload.PositionID, payload.Retry, err)
		return true
	}

	payload.Retry++
	payload.RetriedAt = b.now().UnixMilli()
	raw, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		logx.WithContext(ctx).Errorf("babysitter: marshal retry payload: %v", marshalErr)
		return true
	}
	if _, pubErr := b.log.Publish(ctx, b.stream, map[string]string{
		"action":  ActionClosePosition,
		"payload": string(raw),
	}); pubErr != nil {
		// Publisher offline: leave the original pending so auto-claim
		// retries it.
		logx.WithContext(ctx).Errorf("babysitter: republish %s failed: %v", payload.PositionID, pubErr)
		return false
	}
	return true
}

func isTerminalClose(err error) bool {
	if trade.IsTerminal(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already closed") || strings.Contains(msg, "not found")
}
