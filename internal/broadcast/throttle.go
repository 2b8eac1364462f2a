package broadcast

import (
	"sync"
	"time"

	"pms-api/pkg/orderedmap"
)

// throttleState tracks the cooldown window for one key.
type throttleState struct {
	lastEmit time.Time
	pending  any
	timerSet bool
}

// ThrottledEmitter rate-limits broadcasts per key. The first message in a
// cooldown window goes out immediately; later messages overwrite a single
// pending payload which is flushed when the window elapses, so bursts
// coalesce to the newest value instead of queueing.
type ThrottledEmitter struct {
	mu       sync.Mutex
	sink     Broadcaster
	interval time.Duration
	states   *orderedmap.Bounded[string, *throttleState]
	now      func() time.Time
	// afterFunc is swapped in tests to run flushes synchronously.
	afterFunc func(d time.Duration, f func())
}

// NewThrottledEmitter wraps sink with a per-key cooldown. maxKeys bounds the
// tracked key set; oldest keys fall out first.
func NewThrottledEmitter(sink Broadcaster, interval time.Duration, maxKeys int) *ThrottledEmitter {
	return &ThrottledEmitter{
		sink:      sink,
		interval:  interval,
		states:    orderedmap.New[string, *throttleState](maxKeys),
		now:       time.Now,
		afterFunc: func(d time.Duration, f func()) { time.AfterFunc(d, f) },
	}
}

// Emit sends payload for key through the sink, or parks it as the pending
// payload when the key is inside its cooldown window.
func (t *ThrottledEmitter) Emit(key, eventType string, payload any) {
	t.mu.Lock()
	st, ok := t.states.Get(key)
	if !ok {
		st = &throttleState{}
		t.states.Set(key, st)
	}
	now := t.now()
	if now.Sub(st.lastEmit) >= t.interval {
		st.lastEmit = now
		st.pending = nil
		t.mu.Unlock()
		t.sink.Broadcast(eventType, payload)
		return
	}

	st.pending = payload
	if !st.timerSet {
		st.timerSet = true
		wait := t.interval - now.Sub(st.lastEmit)
		t.afterFunc(wait, func() { t.flush(key, eventType) })
	}
	t.mu.Unlock()
}

func (t *ThrottledEmitter) flush(key, eventType string) {
	t.mu.Lock()
	st, ok := t.states.Get(key)
	if !ok || st.pending == nil {
		if ok {
			st.timerSet = false
		}
		t.mu.Unlock()
		return
	}
	payload := st.pending
	st.pending = nil
	st.timerSet = false
	st.lastEmit = t.now()
	t.mu.Unlock()
	t.sink.Broadcast(eventType, payload)
}

// SetClock overrides the clock, for tests.
func (t *ThrottledEmitter) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// SetScheduler overrides the deferred-flush scheduler, for tests.
func (t *ThrottledEmitter) SetScheduler(after func(d time.Duration, f func())) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.afterFunc = after
}
