package sample

import "fmt"

// ChannelPosition names the speaker a channel is routed to.
type ChannelPosition int

const (
	PositionMono ChannelPosition = iota
	PositionFrontLeft
	PositionFrontRight
	PositionFrontCenter
	PositionRearLeft
	PositionRearRight
	PositionLFE
	PositionSideLeft
	PositionSideRight
	PositionAux
)

func (p ChannelPosition) String() string {
	switch p {
	case PositionMono:
		return "mono"
	case PositionFrontLeft:
		return "front-left"
	case PositionFrontRight:
		return "front-right"
	case PositionFrontCenter:
		return "front-center"
	case PositionRearLeft:
		return "rear-left"
	case PositionRearRight:
		return "rear-right"
	case PositionLFE:
		return "lfe"
	case PositionSideLeft:
		return "side-left"
	case PositionSideRight:
		return "side-right"
	case PositionAux:
		return "aux"
	}
	return fmt.Sprintf("invalid(%d)", int(p))
}

// A ChannelMap assigns a speaker position to every channel of a stream.
// Its channel count must always agree with the Spec of the stream it
// describes.
type ChannelMap struct {
	Positions []ChannelPosition
}

// DefaultChannelMap derives the conventional map for a channel count:
// mono, stereo, quad, 5.0, 5.1 and 7.1 get their usual layouts, anything
// else is padded out with aux channels.
func DefaultChannelMap(channels int) (ChannelMap, error) {
	if channels <= 0 || channels > ChannelsMax {
		return ChannelMap{}, fmt.Errorf("cannot derive a channel map for %d channels", channels)
	}
	var pos []ChannelPosition
	switch channels {
	case 1:
		pos = []ChannelPosition{PositionMono}
	case 2:
		pos = []ChannelPosition{PositionFrontLeft, PositionFrontRight}
	case 4:
		pos = []ChannelPosition{PositionFrontLeft, PositionFrontRight, PositionRearLeft, PositionRearRight}
	case 5:
		pos = []ChannelPosition{PositionFrontLeft, PositionFrontRight, PositionFrontCenter, PositionRearLeft, PositionRearRight}
	case 6:
		pos = []ChannelPosition{PositionFrontLeft, PositionFrontRight, PositionFrontCenter, PositionLFE, PositionRearLeft, PositionRearRight}
	case 8:
		pos = []ChannelPosition{PositionFrontLeft, PositionFrontRight, PositionFrontCenter, PositionLFE, PositionRearLeft, PositionRearRight, PositionSideLeft, PositionSideRight}
	default:
		pos = make([]ChannelPosition, channels)
		pos[0] = PositionFrontLeft
		if channels > 1 {
			pos[1] = PositionFrontRight
		}
		for i := 2; i < channels; i++ {
			pos[i] = PositionAux
		}
	}
	return ChannelMap{Positions: pos}, nil
}

// Channels in this map.
func (m ChannelMap) Channels() int {
	return len(m.Positions)
}

func (m ChannelMap) Valid() bool {
	return len(m.Positions) > 0 && len(m.Positions) <= ChannelsMax
}

// Compatible reports whether this map can describe a stream of the given
// spec, i.e. the channel counts agree.
func (m ChannelMap) Compatible(s Spec) bool {
	return m.Channels() == s.Channels
}

func (m ChannelMap) Equal(o ChannelMap) bool {
	if len(m.Positions) != len(o.Positions) {
		return false
	}
	for i, p := range m.Positions {
		if o.Positions[i] != p {
			return false
		}
	}
	return true
}
