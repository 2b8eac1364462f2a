package liquidation

import (
	"context"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"pms-api/internal/cache"
	"pms-api/internal/types"
)

// KVSnapshotSink publishes snapshots to the shared KV store under
// risk:<subAccountId> with a TTL, msgpack-encoded.
type KVSnapshotSink struct {
	kv cache.KV
}

// NewKVSnapshotSink wraps a KV client.
func NewKVSnapshotSink(kv cache.KV) *KVSnapshotSink {
	return &KVSnapshotSink{kv: kv}
}

// Publish implements SnapshotSink.
func (s *KVSnapshotSink) Publish(ctx context.Context, snap *types.RiskSnapshot) error {
	raw, err := msgpack.Marshal(snap)
	if err != nil {
		return err
	}
	return s.kv.SetBytes(ctx, cache.RiskSnapshotKey(snap.SubAccountID), raw, cache.SnapshotTTL)
}

var _ SnapshotSink = (*KVSnapshotSink)(nil)

// MemorySink records published snapshots, for tests.
type MemorySink struct {
	mu    sync.Mutex
	snaps []types.RiskSnapshot
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

// Publish implements SnapshotSink.
func (s *MemorySink) Publish(ctx context.Context, snap *types.RiskSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, *snap)
	return nil
}

// Snapshots returns a copy of everything published.
func (s *MemorySink) Snapshots() []types.RiskSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.RiskSnapshot, len(s.snaps))
	copy(out, s.snaps)
	return out
}
