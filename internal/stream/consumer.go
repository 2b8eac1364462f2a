package stream

import (
	"context"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"
)

// Consumer defaults.
const (
	DefaultCount     = 16
	DefaultBlock     = 2 * time.Second
	DefaultClaimIdle = 30 * time.Second
	readRetryDelay   = time.Second
	idleDelay        = 50 * time.Millisecond
)

// Handler processes one message and returns the ack decision. Returning
// false leaves the message pending; auto-claim redelivers it later.
type Handler func(ctx context.Context, msg Message) bool

// Options tune a consumer.
type Options struct {
	Count     int64
	Block     time.Duration
	ClaimIdle time.Duration
}

func (o Options) withDefaults() Options {
	if o.Count <= 0 {
		o.Count = DefaultCount
	}
	if o.Block <= 0 {
		o.Block = DefaultBlock
	}
	if o.ClaimIdle <= 0 {
		o.ClaimIdle = DefaultClaimIdle
	}
	return o
}

// Consumer is a consumer-group reader over a durable log. Ordering across
// messages is not guaranteed; handlers must be idempotent.
type Consumer struct {
	log     Log
	stream  string
	group   string
	name    string
	opts    Options
	handler Handler

	running   atomic.Bool
	stopped   chan struct{}
	autoclaim atomic.Bool

	// sleep is swapped in tests to avoid real delays.
	sleep func(time.Duration)
}

// NewConsumer builds a consumer. The consumer name is derived from process
// identity so parallel processes never collide inside the group.
func NewConsumer(log Log, stream, group string, handler Handler, opts Options) *Consumer {
	host, _ := os.Hostname()
	if host == "" {
		host = "pms"
	}
	c := &Consumer{
		log:     log,
		stream:  stream,
		group:   group,
		name:    host + "-" + strconv.Itoa(os.Getpid()) + "-" + uuid.NewString()[:8],
		opts:    opts.withDefaults(),
		handler: handler,
		stopped: make(chan struct{}),
		sleep:   time.Sleep,
	}
	c.autoclaim.Store(true)
	return c
}

// Name returns the group-unique consumer name.
func (c *Consumer) Name() string { return c.name }

// Start runs the consume loop in the background until Stop.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.log.EnsureGroup(ctx, c.stream, c.group); err != nil {
		return err
	}
	c.running.Store(true)
	threading.GoSafe(func() {
		defer close(c.stopped)
		c.loop(ctx)
	})
	return nil
}

// Stop requests a cooperative shutdown and waits for the loop to exit.
func (c *Consumer) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	<-c.stopped
}

// RunOnce performs a single claim+read pass and returns how many messages
// it handled. Exposed for tests and for callers driving their own loop.
func (c *Consumer) RunOnce(ctx context.Context) int {
	handled := c.claimPending(ctx)
	msgs, err := c.log.ReadGroup(ctx, c.stream, c.group, c.name, c.opts.Count, c.opts.Block)
	if err != nil {
		logx.WithContext(ctx).Errorf("stream %s read: %v", c.stream, err)
		c.sleep(readRetryDelay)
		return handled
	}
	c.dispatch(ctx, msgs)
	return handled + len(msgs)
}

func (c *Consumer) loop(ctx context.Context) {
	for c.running.Load() {
		if ctx.Err() != nil {
			return
		}
		if c.RunOnce(ctx) == 0 {
			// Backends without server-side blocking return immediately;
			// don't spin on an empty log.
			c.sleep(idleDelay)
		}
	}
}

// claimPending recovers messages left pending by crashed consumers and
// returns how many it handled. A backend that reports the command
// unsupported is never asked again.
func (c *Consumer) claimPending(ctx context.Context) int {
	if !c.autoclaim.Load() {
		return 0
	}
	msgs, supported, err := c.log.AutoClaim(ctx, c.stream, c.group, c.name, c.opts.ClaimIdle, c.opts.Count)
	if !supported {
		c.autoclaim.Store(false)
		logx.WithContext(ctx).Infof("stream %s: auto-claim unsupported, disabled", c.stream)
		return 0
	}
	if err != nil {
		logx.WithContext(ctx).Errorf("stream %s auto-claim: %v", c.stream, err)
		return 0
	}
	c.dispatch(ctx, msgs)
	return len(msgs)
}

func (c *Consumer) dispatch(ctx context.Context, msgs []Message) {
	for _, msg := range msgs {
		shouldAck := c.handler(ctx, msg)
		if !shouldAck {
			continue
		}
		if err := c.log.Ack(ctx, c.stream, c.group, msg.ID); err != nil {
			logx.WithContext(ctx).Errorf("stream %s ack %s: %v", c.stream, msg.ID, err)
		}
	}
}
