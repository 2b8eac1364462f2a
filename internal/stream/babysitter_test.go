package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pms-api/internal/trade"
)

func intentMessage(t *testing.T, payload IntentPayload) Message {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err, "marshal intent payload")
	return Message{ID: "1-0", Values: map[string]string{
		"action":  ActionClosePosition,
		"payload": string(raw),
	}}
}

func TestBabysitter_SuccessAcks(t *testing.T) {
	log := NewMemoryLog()
	calls := 0
	b := NewBabysitter(log, "intents", func(ctx context.Context, positionID, reason string) error {
		calls++
		return nil
	})

	ack := b.Handle(context.Background(), intentMessage(t, IntentPayload{PositionID: "p1", Reason: "babysit"}))
	assert.True(t, ack, "successful close acks")
	assert.Equal(t, 1, calls, "closer invoked once")
	assert.Zero(t, log.Len("intents"), "no republish on success")
}

func TestBabysitter_UnknownActionDropped(t *testing.T) {
	log := NewMemoryLog()
	b := NewBabysitter(log, "intents", func(ctx context.Context, positionID, reason string) error {
		t.Fatal("closer must not run for unknown actions")
		return nil
	})

	ack := b.Handle(context.Background(), Message{ID: "1-0", Values: map[string]string{"action": "do_something_else"}})
	assert.True(t, ack, "unknown actions ack-and-drop")
}

func TestBabysitter_TerminalErrorsAck(t *testing.T) {
	log := NewMemoryLog()
	for _, err := range []error{
		trade.E(trade.CodePositionClosed, "position p1 is CLOSED"),
		trade.E(trade.CodePositionNotFound, "position p1 not found"),
		errors.New("position already closed"),
	} {
		b := NewBabysitter(log, "intents", func(ctx context.Context, positionID, reason string) error {
			return err
		})
		ack := b.Handle(context.Background(), intentMessage(t, IntentPayload{PositionID: "p1"}))
		assert.True(t, ack, "terminal state %v should ack", err)
	}
	assert.Zero(t, log.Len("intents"), "terminal states never republish")
}

// Transient failures republish with an incremented retry, ack every
// delivery, and drop after the retry budget without ever closing anything.
func TestBabysitter_RetryExhaustion(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	transient := errors.New("store timeout")
	closes := 0
	b := NewBabysitter(log, "intents", func(ctx context.Context, positionID, reason string) error {
		closes++
		return transient
	})

	acks := 0
	msg := intentMessage(t, IntentPayload{PositionID: "p1", Retry: 0})
	for i := 0; i < 4; i++ {
		if b.Handle(ctx, msg) {
			acks++
		}
		// Simulate the next consumption from the republished message.
		if n := log.Len("intents"); n > 0 {
			var payload IntentPayload
			last := lastMessage(t, log, "intents")
			require.NoError(t, json.Unmarshal([]byte(last.Values["payload"]), &payload), "unmarshal republished payload")
			assert.Equal(t, i+1, payload.Retry, "retry should increment on republish %d", i+1)
			msg = last
		}
	}

	assert.Equal(t, 4, acks, "every delivery acks")
	assert.Equal(t, 4, closes, "closer invoked on every delivery")
	assert.Equal(t, 3, log.Len("intents"), "exactly three republishes before the drop")
}

func TestBabysitter_PublisherOfflineLeavesPending(t *testing.T) {
	log := NewMemoryLog()
	log.FailPublish = true
	b := NewBabysitter(log, "intents", func(ctx context.Context, positionID, reason string) error {
		return errors.New("transient failure")
	})

	ack := b.Handle(context.Background(), intentMessage(t, IntentPayload{PositionID: "p1"}))
	assert.False(t, ack, "a failed republish must leave the message pending")
}

func lastMessage(t *testing.T, log *MemoryLog, stream string) Message {
	t.Helper()
	log.mu.Lock()
	defer log.mu.Unlock()
	entries := log.streams[stream]
	require.NotEmpty(t, entries, "stream should have entries")
	return entries[len(entries)-1]
}
