package exchange

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects an order without
// calling the venue.
var ErrCircuitOpen = errors.New("exchange: circuit breaker open")

// ErrorKind buckets venue failures by how the engine should react.
type ErrorKind int

const (
	// KindTransient covers timeouts and 5xx-class failures worth retrying.
	KindTransient ErrorKind = iota
	// KindGhost means the venue no longer has the position the order
	// references; the engine falls back to a virtual-only close.
	KindGhost
	// KindRejected covers deterministic rejections (bad params, filters).
	KindRejected
)

// ghostPatterns is the centralised match list for "position is gone" venue
// errors: venue error codes (-2022) and message fragments, all matched as
// case-insensitive substrings of the error text.
var ghostPatterns = []string{
	"reduceonly",
	"reduce-only",
	"invalid quantity",
	"-2022",
}

// ClassifyError buckets a venue error. Unknown errors default to transient
// so the breaker and retry layers get a chance to recover them.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindTransient
	}
	msg := strings.ToLower(err.Error())
	for _, pat := range ghostPatterns {
		if strings.Contains(msg, pat) {
			return KindGhost
		}
	}
	if strings.Contains(msg, "rejected") || strings.Contains(msg, "filter") {
		return KindRejected
	}
	return KindTransient
}

// IsGhost reports whether err indicates the venue position is already gone.
func IsGhost(err error) bool { return err != nil && ClassifyError(err) == KindGhost }

// CircuitBreaker trips after a run of transient venue failures and fails
// orders fast until the cooldown elapses. Ghost and rejection errors do not
// count toward the trip threshold.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	cooldown  time.Duration
	openUntil time.Time
	now       func() time.Time
}

// NewCircuitBreaker builds a breaker tripping after threshold consecutive
// transient failures, staying open for cooldown.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow returns ErrCircuitOpen while the breaker is open.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.now().Before(cb.openUntil) {
		return fmt.Errorf("%w until %s", ErrCircuitOpen, cb.openUntil.Format(time.RFC3339))
	}
	return nil
}

// Record feeds an order outcome into the breaker.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil || ClassifyError(err) != KindTransient {
		cb.failures = 0
		return
	}
	cb.failures++
	if cb.failures >= cb.threshold {
		cb.openUntil = cb.now().Add(cb.cooldown)
		cb.failures = 0
	}
}

// SetClock overrides the clock, for tests.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}
