package sink

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/chorushall/chorus/internal/idxset"
	"github.com/chorushall/chorus/internal/namereg"
	"github.com/chorushall/chorus/internal/rtpoll"
	"github.com/chorushall/chorus/internal/sinkinput"
	"github.com/chorushall/chorus/internal/source"
	"github.com/chorushall/chorus/internal/subscribe"
	"github.com/chorushall/chorus/pkg/memblock"
	"github.com/chorushall/chorus/pkg/proplist"
	"github.com/chorushall/chorus/pkg/sample"
	"github.com/chorushall/chorus/pkg/volume"
)

var (
	// ErrVetoed is returned from New when a hook refuses the sink.
	ErrVetoed = errors.New("sink construction vetoed")
)

// State is a sink's lifecycle state.
type State int

const (
	// StateInit is the only legal state before Put.
	StateInit State = iota
	// StateIdle means open but no stream demands playback.
	StateIdle
	// StateRunning means streams are being pulled.
	StateRunning
	// StateSuspended means open, but the driver has released the device.
	StateSuspended
	// StateUnlinked is terminal.
	StateUnlinked
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateSuspended:
		return "SUSPENDED"
	case StateUnlinked:
		return "UNLINKED"
	}
	return fmt.Sprintf("invalid(%d)", int(s))
}

// IsOpened reports whether buffers are live in this state.
func (s State) IsOpened() bool {
	return s == StateIdle || s == StateRunning || s == StateSuspended
}

// Flags are a sink's capability bits, fixed at Put time.
type Flags uint

const (
	// FlagHWVolumeCtrl means the driver applies volume in hardware.
	FlagHWVolumeCtrl Flags = 1 << iota
	// FlagDecibelVolume means the reported volume curve is dB-linear.
	// Set automatically when volume is handled in software.
	FlagDecibelVolume
	// FlagHardware marks sinks backed by an actual device.
	FlagHardware
	// FlagNetwork marks sinks whose "device" is a network peer.
	FlagNetwork
)

// DriverOps are the behavior hooks a driver may install after
// construction. Every field is optional; a nil hook selects the sink's
// software path for that operation. Hooks run on the control thread
// except IOLatency, RequestRewind and UpdateRequestedLatency, which run
// on the IO thread.
type DriverOps struct {
	// SetState is consulted before a state transition; a non-nil error
	// aborts it with the state unchanged.
	SetState func(s *Sink, st State) error
	// GetVolume refreshes s.Volume from the hardware.
	GetVolume func(s *Sink) error
	// SetVolume pushes s.Volume to the hardware.
	SetVolume func(s *Sink) error
	// GetMute refreshes s.Muted from the hardware.
	GetMute func(s *Sink) error
	// SetMute pushes s.Muted to the hardware.
	SetMute func(s *Sink) error
	// GetLatency reports the playback latency in the card's time domain.
	GetLatency func(s *Sink) (time.Duration, error)
	// IOLatency answers latency queries on the IO thread for drivers
	// whose clock lives there. Consulted by the GET_LATENCY message when
	// GetLatency is absent.
	IOLatency func(s *Sink) time.Duration
	// RequestRewind lets the driver surface a pending rewind on its next
	// cycle.
	RequestRewind func(s *Sink)
	// UpdateRequestedLatency reacts to a change in the streams' latency
	// wishes.
	UpdateRequestedLatency func(s *Sink)
}

// Core is the server surface a sink consumes: index allocation, the sink
// namespace, the registry, hook firing and the subscription feed.
// *core.Core implements it.
type Core interface {
	Pool() *memblock.Pool
	SilenceCache() *memblock.SilenceCache
	NextIndex() uint32

	RegisterSinkName(name string, s *Sink, policy namereg.FailPolicy) (string, error)
	UnregisterSinkName(name string)
	AddSink(s *Sink)
	RemoveSink(s *Sink)

	// FireSinkNew and FireSinkFixate run the construction hooks; a false
	// return is a veto.
	FireSinkNew(d *NewData) bool
	FireSinkFixate(d *NewData) bool
	FireSinkPut(s *Sink)
	FireSinkUnlink(s *Sink)
	FireSinkUnlinkPost(s *Sink)
	FireSinkStateChanged(s *Sink)
	FireSinkProplistChanged(s *Sink)

	EmitSinkEvent(t subscribe.EventType, index uint32)
}

// NewData is the builder a driver fills before calling New. The Fixate
// hook gets a last chance to mutate it; afterwards everything here is
// frozen into the sink.
type NewData struct {
	Name   string
	Driver string
	// Module is the opaque handle of the owning driver module.
	Module any
	Props  proplist.Proplist

	Spec sample.Spec
	// ChannelMap is optional; nil derives the default map for the
	// spec's channel count.
	ChannelMap *sample.ChannelMap
	// Volume is optional; nil resets to unity.
	Volume *volume.CVolume
	// Muted is optional; nil means unmuted.
	Muted *bool

	// NameregFail selects the collision policy for the sink's name.
	NameregFail namereg.FailPolicy
}

// A Sink is a logical playback endpoint: it aggregates client streams,
// mixes them under software volume control, hands the result to a driver
// and mirrors it to a monitor source.
//
// A sink's data lives in two worlds. The exported identity and the
// control-side fields below belong to the control thread; ti belongs to
// the one goroutine running the sink's IO loop. The two sides only meet
// through the message queue.
type Sink struct {
	logger *slog.Logger
	core   Core

	Index  uint32
	Module any
	Driver string

	name       string
	spec       sample.Spec
	channelMap sample.ChannelMap
	flags      Flags

	// Control-side mutable state.
	props     proplist.Proplist
	state     State
	volume    volume.CVolume
	muted     bool
	inputs    *idxset.Set[*sinkinput.SinkInput]
	nCorked   int
	monitor   *source.Source
	silence   memblock.Chunk
	minLatency, maxLatency time.Duration

	// Ops are the driver's behavior hooks, installed between New and
	// Put. The sink nulls a volume/mute hook permanently the first time
	// it fails.
	Ops DriverOps

	queue *rtpoll.Loop // nil until the driver installs one

	refs atomic.Int32

	ti threadInfo
}

// threadInfo is the IO-side world, touched only by the sink's IO thread.
type threadInfo struct {
	inputs map[uint32]*sinkinput.SinkInput

	softVolume volume.CVolume
	softMuted  bool
	state      State

	rewindNBytes int
	maxRewind    int

	requestedLatencyValid bool
	requestedLatency      time.Duration
}

// DefaultMinLatency is the lower latency bound a sink starts with.
const DefaultMinLatency = 4 * time.Millisecond

// New builds a sink from data and registers it with the core. It returns
// a sink in INIT; the driver installs its hooks and IO loop and then
// calls Put. On any error nothing is left registered.
func New(c Core, data *NewData, flags Flags) (*Sink, error) {
	if data.Name == "" || !utf8.ValidString(data.Name) {
		return nil, fmt.Errorf("invalid sink name %q", data.Name)
	}
	if !utf8.ValidString(data.Driver) {
		return nil, fmt.Errorf("invalid driver tag for sink %q", data.Name)
	}
	if !data.Spec.Valid() {
		return nil, fmt.Errorf("invalid sample spec for sink %q: %s", data.Name, data.Spec)
	}

	name, err := c.RegisterSinkName(data.Name, nil, data.NameregFail)
	if err != nil {
		return nil, fmt.Errorf("registering sink name: %w", err)
	}
	data.Name = name

	if !c.FireSinkNew(data) {
		c.UnregisterSinkName(name)
		return nil, fmt.Errorf("%w: %q", ErrVetoed, name)
	}
	if !c.FireSinkFixate(data) {
		c.UnregisterSinkName(data.Name)
		return nil, fmt.Errorf("%w: %q", ErrVetoed, data.Name)
	}

	channelMap := sample.ChannelMap{}
	if data.ChannelMap != nil {
		channelMap = *data.ChannelMap
	} else {
		channelMap, err = sample.DefaultChannelMap(data.Spec.Channels)
		if err != nil {
			c.UnregisterSinkName(data.Name)
			return nil, err
		}
	}
	if !channelMap.Compatible(data.Spec) {
		c.UnregisterSinkName(data.Name)
		return nil, fmt.Errorf("channel map (%d channels) does not match sample spec (%d channels) for sink %q",
			channelMap.Channels(), data.Spec.Channels, data.Name)
	}

	vol := volume.Reset(data.Spec.Channels)
	if data.Volume != nil {
		vol = data.Volume.Clone()
	}
	if vol.Channels() != data.Spec.Channels || !vol.Valid() {
		c.UnregisterSinkName(data.Name)
		return nil, fmt.Errorf("volume (%d channels) does not match sample spec (%d channels) for sink %q",
			vol.Channels(), data.Spec.Channels, data.Name)
	}

	muted := false
	if data.Muted != nil {
		muted = *data.Muted
	}

	props := proplist.New()
	if data.Props != nil {
		props = data.Props.Clone()
	}

	index := c.NextIndex()
	s := &Sink{
		logger: slog.Default().With(
			"sink", data.Name,
			"index", index,
		),
		core:       c,
		Index:      index,
		Module:     data.Module,
		Driver:     data.Driver,
		name:       data.Name,
		spec:       data.Spec,
		channelMap: channelMap,
		flags:      flags,
		props:      props,
		state:      StateInit,
		volume:     vol,
		muted:      muted,
		inputs:     idxset.New[*sinkinput.SinkInput](),
		minLatency: DefaultMinLatency,
		maxLatency: DefaultMinLatency,
		silence:    c.SilenceCache().Get(data.Spec),
	}
	s.refs.Store(1)
	s.ti = threadInfo{
		inputs:     make(map[uint32]*sinkinput.SinkInput),
		softVolume: volume.Reset(data.Spec.Channels),
		state:      StateInit,
	}

	monitor, err := source.New(c.NextIndex(), s.name+".monitor", data.Driver, s.spec, s.channelMap)
	if err != nil {
		s.Unlink()
		s.Unref()
		return nil, fmt.Errorf("creating monitor source: %w", err)
	}
	monitor.SetProperty(proplist.DeviceClass, "monitor")
	monitor.SetProperty(proplist.DeviceDescription, "Monitor of "+s.Description())
	s.monitor = monitor

	c.AddSink(s)
	s.logger.Info("sink created", "spec", s.spec.String())
	return s, nil
}

// Name is the sink's registered, namespace-unique name.
func (s *Sink) Name() string {
	return s.name
}

// Spec is the sink's immutable sample spec.
func (s *Sink) Spec() sample.Spec {
	return s.spec
}

// ChannelMap is the sink's immutable channel map.
func (s *Sink) ChannelMap() sample.ChannelMap {
	return s.channelMap
}

// Flags are the sink's capability bits.
func (s *Sink) Flags() Flags {
	return s.flags
}

// State is the control-side view of the sink's state.
func (s *Sink) State() State {
	return s.state
}

// Monitor is the capture source mirroring this sink's output.
func (s *Sink) Monitor() *source.Source {
	return s.monitor
}

// Pool is the allocator render operations draw from.
func (s *Sink) Pool() *memblock.Pool {
	return s.core.Pool()
}

// Description is the human-facing description, falling back to the name.
func (s *Sink) Description() string {
	if d := s.props.Get(proplist.DeviceDescription); d != "" {
		return d
	}
	return s.name
}

// SetDescription updates the description, keeps the monitor's in sync
// and publishes the change.
func (s *Sink) SetDescription(desc string) {
	if !s.props.Set(proplist.DeviceDescription, desc) {
		return
	}
	if s.monitor != nil {
		s.monitor.SetProperty(proplist.DeviceDescription, "Monitor of "+desc)
	}
	if s.state != StateInit && s.state != StateUnlinked {
		s.core.FireSinkProplistChanged(s)
		s.core.EmitSinkEvent(subscribe.EventChange, s.Index)
	}
}

// Property reads from the sink's property bag.
func (s *Sink) Property(key string) string {
	return s.props.Get(key)
}

// SetIOLoop installs the IO loop (and with it the message queue) the
// driver will run this sink on. Must happen before Put.
func (s *Sink) SetIOLoop(l *rtpoll.Loop) {
	s.queue = l
}

// IOLoop returns the installed IO loop.
func (s *Sink) IOLoop() *rtpoll.Loop {
	return s.queue
}

// SetLatencyRange adjusts the sink's latency bounds. Drivers call this
// before Put once they know the hardware buffer geometry.
func (s *Sink) SetLatencyRange(min, max time.Duration) {
	if min <= 0 {
		min = DefaultMinLatency
	}
	if max < min {
		panic(fmt.Sprintf("sink %q: latency range %v > %v", s.name, min, max))
	}
	s.minLatency = min
	s.maxLatency = max
}

// LatencyRange returns the sink's latency bounds.
func (s *Sink) LatencyRange() (min, max time.Duration) {
	return s.minLatency, s.maxLatency
}

// Put publishes the sink: INIT becomes IDLE, the monitor goes live, the
// PUT hook and the NEW event fire. Calling Put in any other state, or
// without an IO loop installed, is a programmer error.
func (s *Sink) Put() {
	if s.state != StateInit {
		panic(fmt.Sprintf("put on sink %q in state %s", s.name, s.state))
	}
	if s.queue == nil {
		panic(fmt.Sprintf("put on sink %q without an IO loop", s.name))
	}
	if s.minLatency > s.maxLatency {
		panic(fmt.Sprintf("put on sink %q with inverted latency range", s.name))
	}

	// A sink mixing in software has a perfectly dB-linear curve whether
	// or not the driver says so.
	if s.flags&FlagHWVolumeCtrl == 0 {
		s.flags |= FlagDecibelVolume
	}

	if err := s.setState(StateIdle); err != nil {
		panic(fmt.Sprintf("put on sink %q: initial state change failed: %v", s.name, err))
	}

	s.monitor.Put()

	s.core.EmitSinkEvent(subscribe.EventNew, s.Index)
	s.core.FireSinkPut(s)
	s.logger.Info("sink published")
}

// Unlink detaches the sink from the server: kills every attached stream,
// unlinks the monitor and goes to UNLINKED. Idempotent; the second and
// later calls do nothing.
func (s *Sink) Unlink() {
	linked := s.state != StateInit && s.state != StateUnlinked

	if s.state == StateUnlinked {
		return
	}

	if linked {
		s.core.FireSinkUnlink(s)
	}

	s.core.UnregisterSinkName(s.name)
	s.core.RemoveSink(s)

	// Killing an input must remove it from our container; a kill that
	// leaves the same input at the head twice in a row would loop here
	// forever, so treat it as a programmer error.
	var prev *sinkinput.SinkInput
	for {
		_, in, ok := s.inputs.First()
		if !ok {
			break
		}
		if in == prev {
			panic(fmt.Sprintf("sink %q: kill did not remove input %q", s.name, in.Name))
		}
		prev = in
		in.Kill()
	}

	if s.state == StateInit {
		s.state = StateUnlinked
	} else if err := s.setState(StateUnlinked); err != nil {
		// The IO loop is already gone; the control side still must not
		// stay linked.
		s.logger.Warn("state change to UNLINKED failed, forcing", "err", err)
		s.state = StateUnlinked
	}

	s.Ops = DriverOps{}

	if s.monitor != nil {
		s.monitor.Unlink()
	}

	if linked {
		s.core.EmitSinkEvent(subscribe.EventRemove, s.Index)
		s.core.FireSinkUnlinkPost(s)
	}
	s.logger.Info("sink unlinked")
}

// Ref acquires a reference.
func (s *Sink) Ref() *Sink {
	if s.refs.Add(1) <= 1 {
		panic("ref on a dead sink")
	}
	return s
}

// Unref drops a reference; the last one frees the sink. Freeing a sink
// that still has attached inputs is a programmer error.
func (s *Sink) Unref() {
	n := s.refs.Add(-1)
	if n < 0 {
		panic("sink reference underflow")
	}
	if n > 0 {
		return
	}
	if s.inputs.Len() != 0 {
		panic(fmt.Sprintf("freeing sink %q with %d attached inputs", s.name, s.inputs.Len()))
	}
	if s.silence.Block != nil {
		s.silence.Unref()
		s.silence = memblock.Chunk{}
	}
	s.monitor = nil
	s.props = nil
	s.logger.Debug("sink freed")
}

// setState runs the full state transition protocol: driver veto, IO-side
// update, control-side write, suspend notifications, hook.
func (s *Sink) setState(st State) error {
	if st == s.state {
		return nil
	}

	suspendChange := (s.state == StateSuspended && st.IsOpened() && st != StateSuspended) ||
		(s.state.IsOpened() && s.state != StateSuspended && st == StateSuspended)

	if s.Ops.SetState != nil {
		if err := s.Ops.SetState(s, st); err != nil {
			return fmt.Errorf("driver refused state %s: %w", st, err)
		}
	}

	if err := s.queue.Queue().Send(msgSetState{state: st}); err != nil {
		return fmt.Errorf("IO thread rejected state %s: %w", st, err)
	}

	s.state = st

	// The monitor's buffers live and die with the sink's. Until its own
	// Put it stays in INIT.
	if st != StateInit && st != StateUnlinked && s.monitor.State() != source.StateInit {
		s.monitor.SetState(source.State(st))
	}

	if suspendChange {
		suspended := st == StateSuspended
		s.inputs.Each(func(_ uint32, in *sinkinput.SinkInput) bool {
			in.Suspend(suspended)
			return true
		})
	}

	if st != StateUnlinked {
		s.core.FireSinkStateChanged(s)
	}
	return nil
}

// UpdateStatus moves the sink between IDLE and RUNNING according to
// stream demand. SUSPENDED is left alone.
func (s *Sink) UpdateStatus() {
	switch s.state {
	case StateIdle:
		if s.UsedBy() > 0 {
			_ = s.setState(StateRunning)
		}
	case StateRunning:
		if s.UsedBy() == 0 {
			_ = s.setState(StateIdle)
		}
	}
}

// Suspend pauses or resumes the sink. Resuming lands in RUNNING or IDLE
// depending on stream demand.
func (s *Sink) Suspend(suspend bool) error {
	if s.state == StateInit || s.state == StateUnlinked {
		return fmt.Errorf("cannot suspend sink %q in state %s", s.name, s.state)
	}
	if suspend {
		return s.setState(StateSuspended)
	}
	if s.state != StateSuspended {
		return nil
	}
	if s.UsedBy() > 0 {
		return s.setState(StateRunning)
	}
	return s.setState(StateIdle)
}

// LinkedBy counts everything that ties the sink down: attached streams
// plus the monitor's capture clients.
func (s *Sink) LinkedBy() int {
	n := s.inputs.Len()
	if s.monitor != nil {
		n += s.monitor.LinkedBy()
	}
	return n
}

// UsedBy counts actual playback demand: non-corked streams. Monitor
// clients deliberately do not count — tapping the mix is not a reason
// to keep the device running.
func (s *Sink) UsedBy() int {
	return s.inputs.Len() - s.nCorked
}

// InputCount is the number of attached streams.
func (s *Sink) InputCount() int {
	return s.inputs.Len()
}

// SetVolume stores the new software volume and pushes it towards
// whoever applies it: the driver when it controls volume in hardware,
// the IO-side mixer otherwise.
func (s *Sink) SetVolume(v volume.CVolume) error {
	if v.Channels() != s.spec.Channels || !v.Valid() {
		return fmt.Errorf("volume (%d channels) does not match sink %q (%d channels)",
			v.Channels(), s.name, s.spec.Channels)
	}

	changed := !v.Equal(s.volume)
	s.volume = v.Clone()

	if s.Ops.SetVolume != nil {
		if err := s.Ops.SetVolume(s); err != nil {
			s.logger.Warn("driver volume hook failed, falling back to software volume forever", "err", err)
			s.Ops.SetVolume = nil
		}
	}
	if s.Ops.SetVolume == nil {
		// The IO side owns the copy we post; Clone so later control-side
		// writes cannot race the mixer.
		if err := s.queue.Queue().Post(msgSetVolume{volume: s.volume.Clone()}, nil); err != nil {
			return err
		}
	}

	if changed {
		s.core.EmitSinkEvent(subscribe.EventChange, s.Index)
	}
	return nil
}

// GetVolume returns the current volume, optionally refreshing it from
// the driver or the IO side first.
func (s *Sink) GetVolume(refresh bool) volume.CVolume {
	if refresh {
		old := s.volume.Clone()
		if s.Ops.GetVolume != nil {
			if err := s.Ops.GetVolume(s); err != nil {
				s.logger.Warn("driver volume refresh failed, disabling hook", "err", err)
				s.Ops.GetVolume = nil
			}
		}
		if s.Ops.GetVolume == nil {
			var v volume.CVolume
			if err := s.queue.Queue().Send(msgGetVolume{out: &v}); err == nil {
				s.volume = v
			}
		}
		if !old.Equal(s.volume) {
			s.core.EmitSinkEvent(subscribe.EventChange, s.Index)
		}
	}
	return s.volume.Clone()
}

// SetMute stores the new mute state and pushes it the same way volume
// goes.
func (s *Sink) SetMute(muted bool) error {
	changed := muted != s.muted
	s.muted = muted

	if s.Ops.SetMute != nil {
		if err := s.Ops.SetMute(s); err != nil {
			s.logger.Warn("driver mute hook failed, falling back to software mute forever", "err", err)
			s.Ops.SetMute = nil
		}
	}
	if s.Ops.SetMute == nil {
		if err := s.queue.Queue().Post(msgSetMute{muted: muted}, nil); err != nil {
			return err
		}
	}

	if changed {
		s.core.EmitSinkEvent(subscribe.EventChange, s.Index)
	}
	return nil
}

// GetMute returns the current mute state, optionally refreshing first.
func (s *Sink) GetMute(refresh bool) bool {
	if refresh {
		old := s.muted
		if s.Ops.GetMute != nil {
			if err := s.Ops.GetMute(s); err != nil {
				s.logger.Warn("driver mute refresh failed, disabling hook", "err", err)
				s.Ops.GetMute = nil
			}
		}
		if s.Ops.GetMute == nil {
			var m bool
			if err := s.queue.Queue().Send(msgGetMute{out: &m}); err == nil {
				s.muted = m
			}
		}
		if old != s.muted {
			s.core.EmitSinkEvent(subscribe.EventChange, s.Index)
		}
	}
	return s.muted
}

// Volume is the control-side volume without refresh.
func (s *Sink) Volume() volume.CVolume {
	return s.volume.Clone()
}

// Muted is the control-side mute state without refresh.
func (s *Sink) Muted() bool {
	return s.muted
}

// GetLatency reports the playback latency in the card's time domain,
// asking the driver directly when it knows, the IO thread otherwise.
// Returns 0 when neither can say.
func (s *Sink) GetLatency() time.Duration {
	if s.Ops.GetLatency != nil {
		if d, err := s.Ops.GetLatency(s); err == nil {
			return d
		}
		return 0
	}
	var d time.Duration
	if err := s.queue.Queue().Send(msgGetLatency{out: &d}); err != nil {
		return 0
	}
	return d
}

// GetRequestedLatency is the clamped minimum of the attached streams'
// latency wishes, or sinkinput.LatencyUnset when no stream cares.
// Synchronous IO-thread query.
func (s *Sink) GetRequestedLatency() time.Duration {
	d := sinkinput.LatencyUnset
	if err := s.queue.Queue().Send(msgGetRequestedLatency{out: &d}); err != nil {
		return sinkinput.LatencyUnset
	}
	return d
}
