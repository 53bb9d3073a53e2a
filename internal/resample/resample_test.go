package resample

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorushall/chorus/pkg/memblock"
	"github.com/chorushall/chorus/pkg/sample"
	"github.com/chorushall/chorus/pkg/volume"
)

func s16(rate, channels int) sample.Spec {
	return sample.Spec{Format: sample.FormatS16LE, Rate: rate, Channels: channels}
}

func pcm16(samples ...int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

func TestMonoToStereoDuplication(t *testing.T) {
	pool := memblock.NewPool(0)
	r, err := New(pool, 1, "upmix", s16(44100, 1), s16(44100, 2), 4096)
	require.NoError(t, err)

	n, err := r.Write(pcm16(1000, -2000))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	chunk, vol, err := r.SinkInput().Peek(64)
	require.NoError(t, err)
	defer chunk.Unref()
	assert.True(t, vol.IsNorm())

	data := chunk.Bytes()
	require.Equal(t, 8, len(data))
	// Left and right carry the same sample; the float round trip may be
	// off by one.
	for i, want := range []int{1000, 1000, -2000, -2000} {
		got := int16(binary.LittleEndian.Uint16(data[2*i:]))
		assert.InDelta(t, want, int(got), 1)
	}
}

func TestStereoToMonoAverages(t *testing.T) {
	pool := memblock.NewPool(0)
	r, err := New(pool, 1, "downmix", s16(44100, 2), s16(44100, 1), 4096)
	require.NoError(t, err)

	_, err = r.Write(pcm16(1000, 3000))
	require.NoError(t, err)

	chunk, _, err := r.SinkInput().Peek(64)
	require.NoError(t, err)
	defer chunk.Unref()

	require.Equal(t, 2, len(chunk.Bytes()))
	got := int16(binary.LittleEndian.Uint16(chunk.Bytes()))
	assert.InDelta(t, 2000, int(got), 2)
}

func TestRateConversionProducesOutput(t *testing.T) {
	pool := memblock.NewPool(0)
	r, err := New(pool, 1, "resample", s16(48000, 1), s16(44100, 1), 1<<20)
	require.NoError(t, err)

	// Push enough audio through to flush the resampler's own latency.
	buf := make([]int16, 4800)
	for i := range buf {
		buf[i] = 8000
	}
	for i := 0; i < 10; i++ {
		_, err = r.Write(pcm16(buf...))
		require.NoError(t, err)
	}

	assert.Greater(t, r.Buffered(), 0)
	assert.True(t, s16(44100, 1).IsFrameAligned(r.Buffered()))
}

func TestDropAdvancesTheQueue(t *testing.T) {
	pool := memblock.NewPool(0)
	r, err := New(pool, 1, "drop", s16(44100, 2), s16(44100, 2), 4096)
	require.NoError(t, err)

	_, err = r.Write(pcm16(1, 2, 3, 4))
	require.NoError(t, err)
	require.Equal(t, 8, r.Buffered())

	in := r.SinkInput()
	chunk, _, err := in.Peek(4)
	require.NoError(t, err)
	assert.Equal(t, 4, chunk.Length)
	chunk.Unref()

	in.Drop(4)
	assert.Equal(t, 4, r.Buffered())

	// Volume changes surface on the next peek.
	r.SetVolume(volume.New(2, 0.5))
	chunk, vol, err := in.Peek(4)
	require.NoError(t, err)
	assert.False(t, vol.IsNorm())
	chunk.Unref()
}

func TestUnderrunReportsNoData(t *testing.T) {
	pool := memblock.NewPool(0)
	r, err := New(pool, 1, "dry", s16(44100, 2), s16(44100, 2), 4096)
	require.NoError(t, err)

	_, _, err = r.SinkInput().Peek(64)
	assert.Error(t, err)
}

func TestWriteRejectsRaggedInput(t *testing.T) {
	pool := memblock.NewPool(0)
	r, err := New(pool, 1, "ragged", s16(44100, 2), s16(44100, 2), 4096)
	require.NoError(t, err)

	_, err = r.Write([]byte{1, 2, 3})
	assert.Error(t, err)
}
