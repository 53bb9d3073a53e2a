package source

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/chorushall/chorus/internal/idxset"
	"github.com/chorushall/chorus/pkg/memblock"
	"github.com/chorushall/chorus/pkg/proplist"
	"github.com/chorushall/chorus/pkg/sample"
)

// State is a capture endpoint's lifecycle state, the mirror image of the
// sink's.
type State int

const (
	StateInit State = iota
	StateIdle
	StateRunning
	StateSuspended
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

// An Output is one capture client tapping a source. Like sink inputs,
// outputs supply behavior through callback fields; absent callbacks are
// skipped.
type Output struct {
	Index uint32

	// PushFn receives each posted chunk. The chunk view is only valid
	// for the duration of the call; keep it by taking a reference.
	PushFn            func(o *Output, c memblock.Chunk)
	ProcessRewindFn   func(o *Output, n int)
	UpdateMaxRewindFn func(o *Output, n int)
	AttachFn          func(o *Output)
	DetachFn          func(o *Output)
}

// A Source is a capture endpoint. The only sources this core builds are
// sink monitors: the sink posts every mixed chunk here and the source
// fans it out to capture clients.
//
// A monitor's lifecycle nests strictly inside its sink's: created during
// sink construction, put after the sink enters IDLE, unlinked during
// sink unlink. Posting happens on the sink's IO thread while linkage
// changes come from the control thread, so the small amount of shared
// state is guarded by a mutex rather than a second message queue.
type Source struct {
	logger *slog.Logger

	Index      uint32
	Driver     string
	spec       sample.Spec
	channelMap sample.ChannelMap

	mu        sync.Mutex
	name      string
	props     proplist.Proplist
	state     State
	maxRewind int
	outputs   *idxset.Set[*Output]
}

// New creates a source in INIT.
func New(index uint32, name, driver string, spec sample.Spec, channelMap sample.ChannelMap) (*Source, error) {
	if !spec.Valid() {
		return nil, fmt.Errorf("invalid sample spec for source %q", name)
	}
	if !channelMap.Compatible(spec) {
		return nil, fmt.Errorf("channel map does not match sample spec for source %q", name)
	}
	return &Source{
		logger: slog.Default().With(
			"source", name,
			"index", index,
		),
		Index:      index,
		Driver:     driver,
		spec:       spec,
		channelMap: channelMap,
		name:       name,
		props:      proplist.New(),
		state:      StateInit,
		outputs:    idxset.New[*Output](),
	}, nil
}

func (s *Source) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Source) Spec() sample.Spec {
	return s.spec
}

func (s *Source) ChannelMap() sample.ChannelMap {
	return s.channelMap
}

func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetProperty updates the property bag.
func (s *Source) SetProperty(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.props.Set(key, value)
}

func (s *Source) Property(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.props.Get(key)
}

// Put publishes the source: INIT becomes IDLE.
func (s *Source) Put() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInit {
		panic(fmt.Sprintf("put on source %q in state %s", s.name, s.state))
	}
	s.state = StateIdle
	s.logger.Debug("source published")
}

// SetState follows the owning sink's state. Unlinked sources ignore it.
func (s *Source) SetState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateUnlinked {
		return
	}
	s.state = st
}

// Unlink detaches the source from the server. Idempotent.
func (s *Source) Unlink() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateUnlinked {
		return
	}
	s.state = StateUnlinked
	s.outputs = idxset.New[*Output]()
	s.logger.Debug("source unlinked")
}

// AddOutput attaches a capture client.
func (s *Source) AddOutput(o *Output) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs.Put(o.Index, o)
	if o.UpdateMaxRewindFn != nil {
		o.UpdateMaxRewindFn(o, s.maxRewind)
	}
}

// RemoveOutput detaches a capture client.
func (s *Source) RemoveOutput(o *Output) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs.Delete(o.Index)
}

// LinkedBy counts attached capture clients. Monitor clients gate
// teardown but deliberately do not count as playback demand.
func (s *Source) LinkedBy() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputs.Len()
}

// IsOpened reports whether the source is in an opened state.
func (s *Source) IsOpened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.IsOpened()
}

// Post fans a mixed chunk out to every capture client. Called from the
// owning sink's IO thread for each rendered chunk.
func (s *Source) Post(c memblock.Chunk) {
	s.mu.Lock()
	outputs := s.outputs.Values()
	s.mu.Unlock()
	for _, o := range outputs {
		if o.PushFn != nil {
			o.PushFn(o, c)
		}
	}
}

// ProcessRewind mirrors the owning sink's rewind to capture clients.
func (s *Source) ProcessRewind(n int) {
	s.mu.Lock()
	outputs := s.outputs.Values()
	s.mu.Unlock()
	for _, o := range outputs {
		if o.ProcessRewindFn != nil {
			o.ProcessRewindFn(o, n)
		}
	}
}

// SetMaxRewind propagates the owning sink's rewind window.
func (s *Source) SetMaxRewind(n int) {
	s.mu.Lock()
	s.maxRewind = n
	outputs := s.outputs.Values()
	s.mu.Unlock()
	for _, o := range outputs {
		if o.UpdateMaxRewindFn != nil {
			o.UpdateMaxRewindFn(o, n)
		}
	}
}

// Attach notifies every output that the source's IO machinery is back.
func (s *Source) Attach() {
	s.mu.Lock()
	outputs := s.outputs.Values()
	s.mu.Unlock()
	for _, o := range outputs {
		if o.AttachFn != nil {
			o.AttachFn(o)
		}
	}
}

// Detach notifies every output that the source's IO machinery is going
// away (queue or poll loop swap).
func (s *Source) Detach() {
	s.mu.Lock()
	outputs := s.outputs.Values()
	s.mu.Unlock()
	for _, o := range outputs {
		if o.DetachFn != nil {
			o.DetachFn(o)
		}
	}
}
