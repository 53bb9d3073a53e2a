package sinkinput

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorushall/chorus/pkg/memblock"
	"github.com/chorushall/chorus/pkg/sample"
)

func stereoSpec() sample.Spec {
	return sample.Spec{Format: sample.FormatS16LE, Rate: 44100, Channels: 2}
}

func chunkOf(t *testing.T, pool *memblock.Pool, data []byte) memblock.Chunk {
	t.Helper()
	b, err := pool.NewBlock(len(data))
	require.NoError(t, err)
	copy(b.Bytes(), data)
	return memblock.Chunk{Block: b, Length: len(data)}
}

func TestPushPeekDrop(t *testing.T) {
	pool := memblock.NewPool(0)
	q := NewMemBlockQueue(64)

	require.NoError(t, q.PushTail(chunkOf(t, pool, []byte{1, 2, 3, 4})))
	require.NoError(t, q.PushTail(chunkOf(t, pool, []byte{5, 6})))
	assert.Equal(t, 6, q.Len())

	head, ok := q.PeekHead()
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4}, head.Bytes())

	// Partial drop moves the window within the head chunk.
	q.Drop(2)
	head, ok = q.PeekHead()
	require.True(t, ok)
	assert.Equal(t, []byte{3, 4}, head.Bytes())
	assert.Equal(t, 4, q.Len())

	// Dropping across a chunk boundary releases the exhausted block.
	q.Drop(3)
	head, ok = q.PeekHead()
	require.True(t, ok)
	assert.Equal(t, []byte{6}, head.Bytes())
	assert.Equal(t, 1, q.Len())

	q.Drop(1)
	_, ok = q.PeekHead()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, pool.Allocated())
}

func TestPushTailRespectsBudget(t *testing.T) {
	pool := memblock.NewPool(0)
	q := NewMemBlockQueue(4)

	require.NoError(t, q.PushTail(chunkOf(t, pool, []byte{1, 2, 3})))

	over := chunkOf(t, pool, []byte{4, 5})
	assert.ErrorIs(t, q.PushTail(over), ErrQueueFull)
	// The rejected reference stayed with the caller.
	over.Unref()

	assert.Equal(t, 3, q.Len())
	q.Flush()
	assert.Equal(t, 0, pool.Allocated())
}

func TestSpliceTransfersEverything(t *testing.T) {
	pool := memblock.NewPool(0)
	q := NewMemBlockQueue(8)
	tail := NewMemBlockQueue(8)

	require.NoError(t, q.PushTail(chunkOf(t, pool, []byte{1, 2})))
	require.NoError(t, tail.PushTail(chunkOf(t, pool, []byte{3, 4})))
	require.NoError(t, tail.PushTail(chunkOf(t, pool, []byte{5})))

	q.Splice(tail)
	assert.Equal(t, 5, q.Len())
	assert.Equal(t, 0, tail.Len())

	var got []byte
	for {
		head, ok := q.PeekHead()
		if !ok {
			break
		}
		got = append(got, head.Bytes()...)
		q.Drop(head.Length)
	}
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, got)
	assert.Equal(t, 0, pool.Allocated())
}

func TestGhostDrainsItsQueueAtUnity(t *testing.T) {
	pool := memblock.NewPool(0)

	orig := New(7, "stream", stereoSpec())
	g := NewGhost(8, orig)

	drained := false
	g.OnDrained = func(*Ghost) { drained = true }

	// No buffer installed yet: the ghost has nothing to give.
	_, _, err := g.Input.Peek(16)
	assert.Error(t, err)

	q := NewMemBlockQueue(64)
	require.NoError(t, q.PushTail(chunkOf(t, pool, []byte{1, 2, 3, 4})))
	g.InstallQueue(q)

	chunk, vol, err := g.Input.Peek(16)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, chunk.Bytes())
	assert.True(t, vol.IsNorm())
	chunk.Unref()

	g.Input.Drop(4)
	_, _, err = g.Input.Peek(16)
	assert.Error(t, err)
	assert.True(t, drained)
	assert.Equal(t, 0, pool.Allocated())
}
