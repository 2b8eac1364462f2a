package orderedmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBounded_EvictsOldestFirst(t *testing.T) {
	b := New[string, int](3)
	b.Set("a", 1)
	b.Set("b", 2)
	b.Set("c", 3)

	evicted, ok := b.Set("d", 4)
	assert.True(t, ok, "insert into a full map should evict")
	assert.Equal(t, "a", evicted, "oldest key should go first")
	assert.Equal(t, []string{"b", "c", "d"}, b.Keys(), "insertion order should be preserved")
	assert.Equal(t, 3, b.Len(), "size should stay capped")
}

func TestBounded_UpdateKeepsPosition(t *testing.T) {
	b := New[string, int](2)
	b.Set("a", 1)
	b.Set("b", 2)

	_, ok := b.Set("a", 10)
	assert.False(t, ok, "update should not evict")
	assert.Equal(t, []string{"a", "b"}, b.Keys(), "update should keep insertion position")

	v, found := b.Get("a")
	assert.True(t, found, "updated key should resolve")
	assert.Equal(t, 10, v, "update should replace the value")
}

func TestBounded_Delete(t *testing.T) {
	b := New[string, int](2)
	b.Set("a", 1)
	b.Delete("a")
	assert.False(t, b.Has("a"), "deleted key should be gone")
	assert.Equal(t, 0, b.Len(), "length should shrink on delete")

	// Deleting an absent key is a no-op.
	b.Delete("missing")
}

func TestSet_DedupSemantics(t *testing.T) {
	s := NewSet[string](2)
	assert.False(t, s.Add("x"), "first add should report not seen")
	assert.True(t, s.Add("x"), "second add should report seen")

	s.Add("y")
	s.Add("z") // evicts x
	assert.False(t, s.Has("x"), "oldest key should be evicted at capacity")
	assert.True(t, s.Has("y"), "younger keys should survive")
}
