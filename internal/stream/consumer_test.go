package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publish(t *testing.T, log *MemoryLog, stream string, values map[string]string) {
	t.Helper()
	_, err := log.Publish(context.Background(), stream, values)
	require.NoError(t, err, "publish should succeed")
}

func TestConsumer_ReadsAndAcks(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	publish(t, log, "s", map[string]string{"k": "1"})
	publish(t, log, "s", map[string]string{"k": "2"})

	var mu sync.Mutex
	var got []string
	c := NewConsumer(log, "s", "g", func(ctx context.Context, msg Message) bool {
		mu.Lock()
		got = append(got, msg.Values["k"])
		mu.Unlock()
		return true
	}, Options{})
	require.NoError(t, log.EnsureGroup(ctx, "s", "g"), "ensure group")

	c.RunOnce(ctx)
	assert.ElementsMatch(t, []string{"1", "2"}, got, "both messages should be handled")
	assert.Zero(t, log.Pending("s", "g"), "acked messages leave the pending list")
}

func TestConsumer_NackStaysPendingAndIsClaimed(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	publish(t, log, "s", map[string]string{"k": "1"})

	attempts := 0
	c := NewConsumer(log, "s", "g", func(ctx context.Context, msg Message) bool {
		attempts++
		return attempts > 1 // fail the first delivery
	}, Options{ClaimIdle: time.Nanosecond})
	require.NoError(t, log.EnsureGroup(ctx, "s", "g"), "ensure group")

	c.RunOnce(ctx)
	assert.Equal(t, 1, log.Pending("s", "g"), "nacked message stays pending")

	time.Sleep(time.Millisecond) // exceed the claim idle threshold
	c.RunOnce(ctx)
	assert.Equal(t, 2, attempts, "auto-claim should redeliver the pending message")
	assert.Zero(t, log.Pending("s", "g"), "second delivery acks it")
}

func TestConsumer_StartStopCooperative(t *testing.T) {
	log := NewMemoryLog()
	c := NewConsumer(log, "s", "g", func(ctx context.Context, msg Message) bool { return true },
		Options{Block: time.Millisecond})
	c.sleep = func(time.Duration) {}

	require.NoError(t, c.Start(context.Background()), "start should succeed")
	c.Stop()
	// Stop again is a no-op.
	c.Stop()
}

func TestConsumer_UniqueNames(t *testing.T) {
	log := NewMemoryLog()
	h := func(ctx context.Context, msg Message) bool { return true }
	a := NewConsumer(log, "s", "g", h, Options{})
	b := NewConsumer(log, "s", "g", h, Options{})
	assert.NotEqual(t, a.Name(), b.Name(), "consumer names must be unique within the group")
}
