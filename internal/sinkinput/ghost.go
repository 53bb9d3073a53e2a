package sinkinput

import (
	"fmt"

	"github.com/chorushall/chorus/pkg/memblock"
	"github.com/chorushall/chorus/pkg/proplist"
	"github.com/chorushall/chorus/pkg/volume"
)

// A Ghost is the placeholder stream left behind on a sink when a real
// stream moves away. It plays back the buffered, already-volume-scaled
// audio from a MemBlockQueue at unity gain and reports drained once the
// queue runs dry.
//
// The ghost's queue is installed by the departing sink's IO thread as
// part of the move message, after that thread has finished filling it.
type Ghost struct {
	Input *SinkInput

	queue *MemBlockQueue

	// OnDrained, if set, runs on the IO thread the first time the ghost
	// underruns after its queue was installed. The usual reaction is to
	// kill the ghost from the control thread.
	OnDrained func(g *Ghost)

	drained bool
}

// NewGhost builds the ghost twin of a departing input. It mirrors the
// original's identity so enumeration stays coherent while the buffered
// tail drains.
func NewGhost(index uint32, orig *SinkInput) *Ghost {
	g := &Ghost{}

	in := New(index, fmt.Sprintf("%s (draining)", orig.Name), orig.Spec)
	in.Client = orig.Client
	in.Props = orig.Props.Clone()
	in.Props.Set(proplist.MediaName, fmt.Sprintf("Ghost of %s", orig.Name))

	in.PeekFn = g.peek
	in.DropFn = g.drop
	in.ProcessRewindFn = g.processRewind
	g.Input = in
	return g
}

// InstallQueue hands the ghost its buffered audio. IO thread only.
func (g *Ghost) InstallQueue(q *MemBlockQueue) {
	g.queue = q
	g.drained = false
}

// Queue returns the installed queue, if any.
func (g *Ghost) Queue() *MemBlockQueue {
	return g.queue
}

func (g *Ghost) peek(in *SinkInput, length int) (memblock.Chunk, volume.CVolume, error) {
	if g.queue == nil {
		return memblock.Chunk{}, volume.CVolume{}, fmt.Errorf("ghost %q has no buffer yet", in.Name)
	}
	head, ok := g.queue.PeekHead()
	if !ok {
		if !g.drained {
			g.drained = true
			if g.OnDrained != nil {
				g.OnDrained(g)
			}
		}
		return memblock.Chunk{}, volume.CVolume{}, fmt.Errorf("ghost %q is drained", in.Name)
	}
	if head.Length > length {
		head.Length = length
	}
	// Per-input volume was applied while buffering; unity from here on.
	return head.Ref(), volume.Reset(in.Spec.Channels), nil
}

func (g *Ghost) drop(in *SinkInput, n int) {
	if g.queue != nil {
		g.queue.Drop(n)
	}
}

func (g *Ghost) processRewind(in *SinkInput, n int) {
	// Prerecorded audio cannot be re-rendered; the buffered bytes are
	// all the history there is.
}
