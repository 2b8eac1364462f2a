// Package price caches the latest mark per symbol. The in-process map is the
// hot-path source; off-tick callers go through FreshPrice which falls back to
// the shared Redis cache and then a REST fetch when the local value is stale.
package price

import (
	"context"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeromicro/go-zero/core/logx"

	"pms-api/internal/cache"
	"pms-api/pkg/exchange"
)

// DefaultStaleness is the age beyond which a cached mark stops being
// trusted for off-tick decisions.
const DefaultStaleness = 10 * time.Second

// Entry is the KV payload written under price:<symbol>.
type Entry struct {
	Mark   float64 `msgpack:"mark"`
	Ts     int64   `msgpack:"ts"` // unix millis
	Source string  `msgpack:"source"`
}

// Service is the per-symbol mark cache.
type Service struct {
	mu       sync.RWMutex
	marks    map[string]Entry
	kvWrites map[string]time.Time

	kv        cache.KV
	provider  exchange.Provider
	staleness time.Duration
	now       func() time.Time
}

// New builds a price service. kv and provider may be nil; the corresponding
// fallback tiers are then skipped.
func New(kv cache.KV, provider exchange.Provider, staleness time.Duration) *Service {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &Service{
		marks:     make(map[string]Entry),
		kvWrites:  make(map[string]time.Time),
		kv:        kv,
		provider:  provider,
		staleness: staleness,
		now:       time.Now,
	}
}

// SetPrice stores the latest mark. Called on every tick. The shared KV copy
// is refreshed at most once per second per symbol, fire-and-forget.
func (s *Service) SetPrice(symbol string, mark float64) {
	now := s.now()
	s.mu.Lock()
	s.marks[symbol] = Entry{Mark: mark, Ts: now.UnixMilli(), Source: "ws"}
	shouldWrite := s.kv != nil && now.Sub(s.kvWrites[symbol]) >= time.Second
	if shouldWrite {
		s.kvWrites[symbol] = now
	}
	s.mu.Unlock()

	if shouldWrite {
		go s.writeKV(symbol, Entry{Mark: mark, Ts: now.UnixMilli(), Source: "ws"})
	}
}

// GetPrice returns the cached mark synchronously; it may be stale. The bool
// is false when the symbol has never ticked.
func (s *Service) GetPrice(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.marks[symbol]
	if !ok {
		return 0, false
	}
	return entry.Mark, true
}

// LastTick returns when the symbol last ticked locally.
func (s *Service) LastTick(symbol string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.marks[symbol]
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(entry.Ts), true
}

// FreshPrice resolves a mark no older than the staleness window: local cache
// first, then the shared KV, then a REST fetch. Returns false when every
// tier fails.
func (s *Service) FreshPrice(ctx context.Context, symbol string) (float64, bool) {
	now := s.now()

	s.mu.RLock()
	entry, ok := s.marks[symbol]
	s.mu.RUnlock()
	if ok && now.Sub(time.UnixMilli(entry.Ts)) <= s.staleness {
		return entry.Mark, true
	}

	if s.kv != nil {
		if raw, found, err := s.kv.GetBytes(ctx, cache.PriceKey(symbol)); err == nil && found {
			var kvEntry Entry
			if err := msgpack.Unmarshal(raw, &kvEntry); err == nil &&
				now.Sub(time.UnixMilli(kvEntry.Ts)) <= s.staleness && kvEntry.Mark > 0 {
				return kvEntry.Mark, true
			}
		} else if err != nil {
			logx.WithContext(ctx).Errorf("price kv read %s: %v", symbol, err)
		}
	}

	if s.provider != nil {
		mark, err := s.provider.FetchMarkPrice(ctx, symbol)
		if err == nil && mark > 0 {
			fresh := Entry{Mark: mark, Ts: now.UnixMilli(), Source: "rest"}
			s.mu.Lock()
			s.marks[symbol] = fresh
			s.mu.Unlock()
			if s.kv != nil {
				go s.writeKV(symbol, fresh)
			}
			return mark, true
		}
		if err != nil {
			logx.WithContext(ctx).Errorf("price rest fallback %s: %v", symbol, err)
		}
	}
	return 0, false
}

// FreshPrices resolves marks for a symbol set, deduplicated and queried
// concurrently. Missing symbols are absent from the result.
func (s *Service) FreshPrices(ctx context.Context, symbols []string) map[string]float64 {
	seen := make(map[string]struct{}, len(symbols))
	unique := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		unique = append(unique, sym)
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]float64, len(unique))
	)
	for _, sym := range unique {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			if mark, ok := s.FreshPrice(ctx, sym); ok {
				mu.Lock()
				out[sym] = mark
				mu.Unlock()
			}
		}(sym)
	}
	wg.Wait()
	return out
}

// Marks returns a copy of the current in-process marks.
func (s *Service) Marks() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.marks))
	for sym, entry := range s.marks {
		out[sym] = entry.Mark
	}
	return out
}

// SetClock overrides the clock, for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Service) writeKV(symbol string, entry Entry) {
	raw, err := msgpack.Marshal(entry)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.kv.SetBytes(ctx, cache.PriceKey(symbol), raw, cache.PriceTTL); err != nil {
		logx.Errorf("price kv write %s: %v", symbol, err)
	}
}
