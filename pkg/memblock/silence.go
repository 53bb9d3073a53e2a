package memblock

import (
	"sync"

	"github.com/chorushall/chorus/pkg/sample"
)

// A SilenceCache hands out shared all-zero blocks keyed by sample spec.
// Both supported formats encode silence as zero bytes, so one zeroed
// block per frame size suffices; the cache still keys on the full spec
// so a future format with a nonzero silence encoding slots in without
// changing callers.
type SilenceCache struct {
	pool *Pool

	mu     sync.Mutex
	blocks map[sample.Spec]*Block
}

func NewSilenceCache(pool *Pool) *SilenceCache {
	return &SilenceCache{
		pool:   pool,
		blocks: make(map[sample.Spec]*Block),
	}
}

// Get returns a chunk of silence for the spec, one pool-maximum block
// long, frame aligned. The caller owns the returned reference.
func (sc *SilenceCache) Get(spec sample.Spec) Chunk {
	sc.mu.Lock()
	b, ok := sc.blocks[spec]
	if !ok {
		length := spec.FrameAlignDown(sc.pool.BlockSizeMax())
		b = sc.pool.NewBlockFixed(make([]byte, length), true)
		b.MarkSilence()
		sc.blocks[spec] = b
	}
	sc.mu.Unlock()
	return Chunk{Block: b.Ref(), Length: b.Len()}
}

// Release drops the cache's own references. Blocks still referenced by
// live sinks stay alive until those references are gone.
func (sc *SilenceCache) Release() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for spec, b := range sc.blocks {
		b.Unref()
		delete(sc.blocks, spec)
	}
}
