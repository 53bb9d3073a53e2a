package core

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/chorushall/chorus/internal/hook"
	"github.com/chorushall/chorus/internal/idxset"
	"github.com/chorushall/chorus/internal/namereg"
	"github.com/chorushall/chorus/internal/sink"
	"github.com/chorushall/chorus/internal/subscribe"
	"github.com/chorushall/chorus/pkg/memblock"
)

// Core is the server spine the playback objects hang off: the block
// allocator, the silence cache, the sink registry and namespace, the
// extension hooks and the subscription feed. It implements sink.Core.
//
// All registry mutation happens on the control thread; the registries
// still lock internally so status queries can come from anywhere.
type Core struct {
	logger *slog.Logger

	pool    *memblock.Pool
	silence *memblock.SilenceCache

	nextIndex atomic.Uint32

	sinksMu   sync.Mutex
	sinks     *idxset.Set[*sink.Sink]
	sinkNames *namereg.Registry

	subscriptions *subscribe.Broadcaster

	// Sink lifecycle hooks. SinkNew and SinkFixate may veto or mutate
	// the builder; the rest observe.
	SinkNew             hook.Hook[*sink.NewData]
	SinkFixate          hook.Hook[*sink.NewData]
	SinkPut             hook.Hook[*sink.Sink]
	SinkUnlink          hook.Hook[*sink.Sink]
	SinkUnlinkPost      hook.Hook[*sink.Sink]
	SinkStateChanged    hook.Hook[*sink.Sink]
	SinkProplistChanged hook.Hook[*sink.Sink]
}

var _ sink.Core = (*Core)(nil)

// New assembles a core with the given maximum block size (zero selects
// the allocator default).
func New(blockSizeMax int) *Core {
	pool := memblock.NewPool(blockSizeMax)
	return &Core{
		logger:        slog.Default().With("component", "core"),
		pool:          pool,
		silence:       memblock.NewSilenceCache(pool),
		sinks:         idxset.New[*sink.Sink](),
		sinkNames:     namereg.New(),
		subscriptions: subscribe.NewBroadcaster(),
	}
}

// Pool is the server-wide block allocator.
func (c *Core) Pool() *memblock.Pool {
	return c.pool
}

// SilenceCache hands out shared silence blocks.
func (c *Core) SilenceCache() *memblock.SilenceCache {
	return c.silence
}

// NextIndex allocates the next server-wide object index.
func (c *Core) NextIndex() uint32 {
	return c.nextIndex.Add(1) - 1
}

// RegisterSinkName claims a name in the sink namespace.
func (c *Core) RegisterSinkName(name string, s *sink.Sink, policy namereg.FailPolicy) (string, error) {
	return c.sinkNames.Register(name, s, policy)
}

// UnregisterSinkName releases a sink name.
func (c *Core) UnregisterSinkName(name string) {
	c.sinkNames.Unregister(name)
}

// LookupSink resolves a sink by registered name.
func (c *Core) LookupSink(name string) (*sink.Sink, bool) {
	obj, ok := c.sinkNames.Lookup(name)
	if !ok {
		return nil, false
	}
	s, ok := obj.(*sink.Sink)
	return s, ok
}

// AddSink inserts a finished sink into the index and binds its name.
func (c *Core) AddSink(s *sink.Sink) {
	c.sinksMu.Lock()
	defer c.sinksMu.Unlock()
	c.sinks.Put(s.Index, s)
	c.sinkNames.Bind(s.Name(), s)
}

// RemoveSink drops a sink from the index. Safe to call for sinks that
// never made it in.
func (c *Core) RemoveSink(s *sink.Sink) {
	c.sinksMu.Lock()
	defer c.sinksMu.Unlock()
	c.sinks.Delete(s.Index)
}

// GetSink returns the sink registered under index.
func (c *Core) GetSink(index uint32) (*sink.Sink, bool) {
	c.sinksMu.Lock()
	defer c.sinksMu.Unlock()
	return c.sinks.Get(index)
}

// Sinks returns the registered sinks in creation order.
func (c *Core) Sinks() []*sink.Sink {
	c.sinksMu.Lock()
	defer c.sinksMu.Unlock()
	return c.sinks.Values()
}

// Subscriptions is the server's change feed.
func (c *Core) Subscriptions() *subscribe.Broadcaster {
	return c.subscriptions
}

// EmitSinkEvent publishes a sink change to subscribers.
func (c *Core) EmitSinkEvent(t subscribe.EventType, index uint32) {
	c.subscriptions.Emit(subscribe.Event{
		Facility: subscribe.FacilitySink,
		Type:     t,
		Index:    index,
	})
}

// FireSinkNew runs the vetoable construction hook.
func (c *Core) FireSinkNew(d *sink.NewData) bool {
	return c.SinkNew.Fire(d) != hook.Veto
}

// FireSinkFixate runs the last-chance builder mutation hook.
func (c *Core) FireSinkFixate(d *sink.NewData) bool {
	return c.SinkFixate.Fire(d) != hook.Veto
}

func (c *Core) FireSinkPut(s *sink.Sink) {
	c.SinkPut.Fire(s)
}

func (c *Core) FireSinkUnlink(s *sink.Sink) {
	c.SinkUnlink.Fire(s)
}

func (c *Core) FireSinkUnlinkPost(s *sink.Sink) {
	c.SinkUnlinkPost.Fire(s)
}

func (c *Core) FireSinkStateChanged(s *sink.Sink) {
	c.SinkStateChanged.Fire(s)
}

func (c *Core) FireSinkProplistChanged(s *sink.Sink) {
	c.SinkProplistChanged.Fire(s)
}

// Free releases server-wide caches. Call after every sink is unlinked.
func (c *Core) Free() {
	c.silence.Release()
}
