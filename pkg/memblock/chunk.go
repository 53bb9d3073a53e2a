package memblock

// A Chunk is a window into a Block: the (block, offset, length) triple
// the rendering pipeline passes around. Chunks are values; copying a
// Chunk does not touch the block's reference count, so whoever stores a
// copy long-term must Ref it.
type Chunk struct {
	Block  *Block
	Offset int
	Length int
}

// Bytes is the chunk's view of its block.
func (c Chunk) Bytes() []byte {
	return c.Block.Bytes()[c.Offset : c.Offset+c.Length]
}

// Valid reports whether the chunk points at a live region of its block.
func (c Chunk) Valid() bool {
	return c.Block != nil && c.Offset >= 0 && c.Length >= 0 &&
		c.Offset+c.Length <= c.Block.Len()
}

// Ref acquires a reference on the underlying block and returns the chunk.
func (c Chunk) Ref() Chunk {
	c.Block.Ref()
	return c
}

// Unref drops the chunk's reference on the underlying block.
func (c Chunk) Unref() {
	c.Block.Unref()
}

// MakeWritable returns a chunk whose bytes may be modified in place.
// If this chunk is the sole reference to a writable block it is returned
// unchanged; otherwise the window is copied into a fresh block from pool
// and the original reference is dropped.
func (c Chunk) MakeWritable(pool *Pool) (Chunk, error) {
	if !c.Block.ReadOnly() && c.Block.Refs() == 1 {
		return c, nil
	}
	b, err := pool.NewBlock(c.Length)
	if err != nil {
		return Chunk{}, err
	}
	copy(b.Bytes(), c.Bytes())
	c.Unref()
	return Chunk{Block: b, Offset: 0, Length: c.Length}, nil
}
