package sample

import (
	"fmt"
	"time"
)

// Format is the on-the-wire encoding of a single sample.
type Format int

const (
	// FormatS16LE is signed 16 bit little endian PCM.
	FormatS16LE Format = iota
	// FormatF32LE is IEEE 754 32 bit float little endian PCM, nominal range [-1.0, 1.0].
	FormatF32LE
)

// Size of a single sample of this format, in bytes.
func (f Format) Size() int {
	switch f {
	case FormatS16LE:
		return 2
	case FormatF32LE:
		return 4
	}
	return 0
}

func (f Format) String() string {
	switch f {
	case FormatS16LE:
		return "s16le"
	case FormatF32LE:
		return "f32le"
	}
	return fmt.Sprintf("invalid(%d)", int(f))
}

// ParseFormat converts a config-file format name into a Format.
func ParseFormat(name string) (Format, error) {
	switch name {
	case "s16le", "s16":
		return FormatS16LE, nil
	case "f32le", "f32", "float32":
		return FormatF32LE, nil
	}
	return 0, fmt.Errorf("unknown sample format %q", name)
}

const (
	// RateMax is the highest sample rate accepted by Spec.Valid.
	RateMax = 192000
	// ChannelsMax is the highest channel count accepted by Spec.Valid.
	ChannelsMax = 32
)

// A Spec fully describes a raw PCM stream: how samples are encoded,
// how many arrive per second, and how many interleaved channels there are.
//
// Specs are small value types and are immutable once an object carrying
// one has been created. Compare them with Equal, not ==, so that future
// fields do not silently break comparisons.
type Spec struct {
	Format   Format
	Rate     int
	Channels int
}

// Whether this spec describes a stream that can actually exist.
func (s Spec) Valid() bool {
	return s.Format.Size() > 0 &&
		s.Rate > 0 && s.Rate <= RateMax &&
		s.Channels > 0 && s.Channels <= ChannelsMax
}

func (s Spec) Equal(o Spec) bool {
	return s.Format == o.Format && s.Rate == o.Rate && s.Channels == o.Channels
}

// FrameSize is the size of one frame (one sample per channel), in bytes.
// Every buffer length handed to the rendering pipeline must be a multiple
// of this.
func (s Spec) FrameSize() int {
	return s.Format.Size() * s.Channels
}

// BytesPerSecond for a stream of this spec.
func (s Spec) BytesPerSecond() int {
	return s.FrameSize() * s.Rate
}

// FrameAlignDown rounds nbytes down to a whole number of frames.
func (s Spec) FrameAlignDown(nbytes int) int {
	fs := s.FrameSize()
	if fs == 0 {
		return 0
	}
	return nbytes - (nbytes % fs)
}

// IsFrameAligned reports whether nbytes is a whole number of frames.
func (s Spec) IsFrameAligned(nbytes int) bool {
	fs := s.FrameSize()
	return fs > 0 && nbytes%fs == 0
}

// BytesToDuration converts a byte count into the wall-clock time it
// represents at this spec.
func (s Spec) BytesToDuration(nbytes int) time.Duration {
	bps := s.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(nbytes) * int64(time.Second) / int64(bps))
}

// DurationToBytes converts a duration into a frame-aligned byte count at
// this spec.
func (s Spec) DurationToBytes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	n := int(int64(d) * int64(s.BytesPerSecond()) / int64(time.Second))
	return s.FrameAlignDown(n)
}

func (s Spec) String() string {
	return fmt.Sprintf("%s %dch %dHz", s.Format, s.Channels, s.Rate)
}
