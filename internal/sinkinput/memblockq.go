package sinkinput

import (
	"errors"

	"github.com/chorushall/chorus/pkg/memblock"
)

var (
	// ErrQueueFull is returned by PushTail when the chunk would exceed
	// the queue's byte budget.
	ErrQueueFull = errors.New("memblockq is full")
)

// A MemBlockQueue is a FIFO of PCM chunks with a byte budget, used to
// buffer in-flight audio: a stream's render-side backlog, or the
// prerecorded material a ghost input drains during a move.
//
// The queue owns one block reference per stored chunk. It is not safe
// for concurrent use; a queue always belongs to exactly one thread at a
// time (ownership moves with the messages that carry it).
type MemBlockQueue struct {
	maxLength int
	length    int
	chunks    []memblock.Chunk
}

// NewMemBlockQueue creates a queue holding at most maxLength bytes.
func NewMemBlockQueue(maxLength int) *MemBlockQueue {
	return &MemBlockQueue{maxLength: maxLength}
}

// Len is the number of buffered bytes.
func (q *MemBlockQueue) Len() int {
	return q.length
}

// MaxLength is the queue's byte budget.
func (q *MemBlockQueue) MaxLength() int {
	return q.maxLength
}

// PushTail appends a chunk, taking over the caller's block reference.
// On ErrQueueFull the reference stays with the caller.
func (q *MemBlockQueue) PushTail(c memblock.Chunk) error {
	if c.Length <= 0 {
		return nil
	}
	if q.length+c.Length > q.maxLength {
		return ErrQueueFull
	}
	q.chunks = append(q.chunks, c)
	q.length += c.Length
	return nil
}

// PeekHead returns a view of the oldest buffered chunk without moving
// the read pointer. The view stays valid until the next Drop; callers
// wanting to keep it longer must Ref it.
func (q *MemBlockQueue) PeekHead() (memblock.Chunk, bool) {
	if len(q.chunks) == 0 {
		return memblock.Chunk{}, false
	}
	return q.chunks[0], true
}

// Drop discards n bytes from the head, releasing exhausted blocks.
func (q *MemBlockQueue) Drop(n int) {
	for n > 0 && len(q.chunks) > 0 {
		head := &q.chunks[0]
		if n < head.Length {
			head.Offset += n
			head.Length -= n
			q.length -= n
			return
		}
		n -= head.Length
		q.length -= head.Length
		head.Unref()
		q.chunks = q.chunks[1:]
	}
}

// Splice moves every chunk of other onto this queue's tail, references
// included, growing past the byte budget if it must: spliced audio is
// already in flight and dropping it would glitch.
func (q *MemBlockQueue) Splice(other *MemBlockQueue) {
	q.chunks = append(q.chunks, other.chunks...)
	q.length += other.length
	other.chunks = nil
	other.length = 0
}

// Flush releases everything buffered.
func (q *MemBlockQueue) Flush() {
	for _, c := range q.chunks {
		c.Unref()
	}
	q.chunks = nil
	q.length = 0
}
