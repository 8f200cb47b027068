// Package coordinator implements the single-writer serialized actor
// described in §4.1 and §5: every external API call, inbound frame, timer
// firing, and transport-exit notification is folded into one logical FIFO
// queue, processed by exactly one goroutine. The Coordinator owns the
// ViewSet, MessageIdMap, Partitions, and OutLinks exclusively; nothing else
// mutates them.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"peersvc/internal/broadcasttree"
	"peersvc/internal/config"
	"peersvc/internal/epoch"
	"peersvc/internal/frame"
	"peersvc/internal/logging"
	"peersvc/internal/membership"
	"peersvc/internal/metrics"
	"peersvc/internal/msgid"
	"peersvc/internal/partition"
	"peersvc/internal/protocol"
	"peersvc/internal/transport"
	"peersvc/internal/treeforward"
)

// randomPromotionInterval is the fixed period for the §4.5 random_promotion
// timer; unlike the shuffle and tree-refresh periods it is not exposed as a
// configuration key.
const randomPromotionInterval = 5 * time.Second

// queueDepth bounds the job queue; a full queue applies natural backpressure
// to callers rather than growing without bound.
const queueDepth = 256

var (
	// ErrNotImplemented is returned by the operations the design notes
	// (§9, open question a/b) deliberately stub out.
	ErrNotImplemented = errors.New("coordinator: not implemented")
	// ErrClosed is returned by any operation issued after Close.
	ErrClosed = errors.New("coordinator: closed")
)

// Deliver is invoked when a message addressed to this node arrives,
// whether via a direct forward_message or a tree-forwarded RELAY_MESSAGE.
// transitive reports whether the message arrived over a relay fan-out
// rather than a direct connection.
type Deliver func(target membership.PeerSpec, msg []byte, transitive bool)

// Coordinator is the actor. Construct with New, call Start to begin
// processing, and Close to drain and stop.
type Coordinator struct {
	self membership.PeerSpec
	cfg  config.Config

	views      *membership.ViewSet
	ids        *msgid.Store
	epochStore *epoch.Store
	transport  transport.Adapter
	handlers   *protocol.Handlers
	partitions *partition.Injector
	forwarder  *treeforward.Forwarder
	metrics    *metrics.Collectors
	deliver    Deliver

	jobs      chan func()
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New wires up a Coordinator from its collaborators. selfEpoch is the
// value returned by epoch.Store.Next() at process startup.
func New(
	self membership.PeerSpec,
	cfg config.Config,
	views *membership.ViewSet,
	ids *msgid.Store,
	ep *epoch.Store,
	selfEpoch uint64,
	tr transport.Adapter,
	tree broadcasttree.Tree,
	m *metrics.Collectors,
	deliver Deliver,
) *Coordinator {
	h := protocol.New(self, membership.Tag(cfg.Tag), selfEpoch, views, ids, ep, tr, m, cfg)
	c := &Coordinator{
		self:       self,
		cfg:        cfg,
		views:      views,
		ids:        ids,
		epochStore: ep,
		transport:  tr,
		handlers:   h,
		partitions: partition.New(self, views, tr),
		forwarder:  treeforward.New(self, tree, tr),
		metrics:    m,
		deliver:    deliver,
		jobs:       make(chan func(), queueDepth),
		closed:     make(chan struct{}),
	}
	tr.SetHandler(c.receiveFrame)
	return c
}

// Start begins the actor loop, the timer scheduler, and the transport-exit
// watcher, each as an independent cooperative goroutine feeding the same
// queue.
func (c *Coordinator) Start() {
	c.wg.Add(3)
	go func() { defer c.wg.Done(); c.run() }()
	go func() { defer c.wg.Done(); c.runTimers() }()
	go func() { defer c.wg.Done(); c.watchExits() }()
}

// Close stops the actor loop and all cooperative tasks. It does not wait
// for in-flight jobs beyond the current one.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
	c.wg.Wait()
}

func (c *Coordinator) run() {
	for {
		select {
		case job := <-c.jobs:
			job()
		case <-c.closed:
			return
		}
	}
}

// enqueue posts fn onto the actor queue and blocks until it is run,
// returning whatever error fn produces. This is the "synchronous to the
// Coordinator with an infinite wait" behaviour §5 specifies for external
// API calls.
func (c *Coordinator) enqueue(fn func() error) error {
	result := make(chan error, 1)
	job := func() { result <- fn() }
	select {
	case c.jobs <- job:
	case <-c.closed:
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-c.closed:
		return ErrClosed
	}
}

// enqueueAsync posts fn without waiting for it to run, used by timers and
// transport-exit notifications which have no caller waiting on a result.
func (c *Coordinator) enqueueAsync(fn func(ctx context.Context)) {
	job := func() { fn(context.Background()) }
	select {
	case c.jobs <- job:
	case <-c.closed:
	}
}

// Join implements join(PeerSpec): always succeeds at the API level,
// triggering a connection attempt and an asynchronous JOIN send.
func (c *Coordinator) Join(p membership.PeerSpec) error {
	return c.enqueue(func() error {
		ctx := context.Background()
		if err := c.transport.MaybeConnect(ctx, p); err != nil {
			logging.Warn("coordinator: connect to %s: %v", p.Name, err)
		}
		c.handlers.SendJoin(ctx, p)
		return nil
	})
}

// Leave is stubbed per design note (a): deliberate, not implemented.
func (c *Coordinator) Leave(membership.PeerSpec) error { return ErrNotImplemented }

// SyncJoin is stubbed alongside Leave per §7's not_implemented error kind.
func (c *Coordinator) SyncJoin(membership.PeerSpec) error { return ErrNotImplemented }

// OnUp is stubbed per design note (b).
func (c *Coordinator) OnUp(func(membership.PeerSpec)) error { return ErrNotImplemented }

// OnDown is stubbed per design note (b).
func (c *Coordinator) OnDown(func(membership.PeerSpec)) error { return ErrNotImplemented }

// UpdateMembers is stubbed per §7's not_implemented error kind.
func (c *Coordinator) UpdateMembers([]membership.PeerSpec) error { return ErrNotImplemented }

// Reserve implements reserve(tag).
func (c *Coordinator) Reserve(tag membership.Tag) error {
	return c.enqueue(func() error {
		return c.views.Reserve(tag)
	})
}

// Members implements members(): a snapshot of active-view peer names.
func (c *Coordinator) Members() []string {
	resultCh := make(chan []string, 1)
	job := func() {
		active := c.views.ActiveMembers()
		names := make([]string, len(active))
		for i, p := range active {
			names[i] = p.Name
		}
		resultCh <- names
	}
	select {
	case c.jobs <- job:
	case <-c.closed:
		return nil
	}
	select {
	case names := <-resultCh:
		return names
	case <-c.closed:
		return nil
	}
}

// SendMessage implements send_message(name, msg): a direct send via
// transport to a peer known in either the active or the passive view.
func (c *Coordinator) SendMessage(name string, msg []byte) error {
	return c.enqueue(func() error {
		peer, ok := c.views.Lookup(name)
		if !ok {
			return transport.ErrNotYetConnected
		}
		f := frame.Frame{
			Kind: frame.KindForwardMessage,
			ForwardMessage: &frame.ForwardMessagePayload{
				TargetName: name,
				Inner:      msg,
			},
		}
		return c.transport.Dispatch(context.Background(), peer, f)
	})
}

// ForwardMessage implements forward_message(node, target, msg, opts): a
// partition check, then a fast-path direct dispatch outside the actor
// queue, falling back to the queue (and possibly tree-forwarding) only on
// failure.
func (c *Coordinator) ForwardMessage(node, target string, msg []byte, opts map[string]string) error {
	peer, ok := c.views.Lookup(node)
	if !ok {
		peer = membership.PeerSpec{Name: node}
	}
	if c.partitions.Partitioned(peer) {
		return partition.ErrPartitioned
	}

	f := frame.Frame{
		Kind: frame.KindForwardMessage,
		ForwardMessage: &frame.ForwardMessagePayload{
			TargetName: node,
			ServerRef:  target,
			Inner:      msg,
			Options:    opts,
		},
	}

	ctx := context.Background()
	if err := c.transport.Dispatch(ctx, peer, f); err == nil {
		return nil
	}

	return c.enqueue(func() error {
		if !c.cfg.Broadcast {
			return transport.ErrDisconnected
		}
		c.forwarder.Forward(ctx, peer, msg, c.cfg.RelayTTL)
		return nil
	})
}

// InjectPartition implements inject_partition(origin, ttl), §4.7.
func (c *Coordinator) InjectPartition(origin membership.PeerSpec, ttl int) error {
	return c.enqueue(func() error {
		err := c.partitions.Inject(context.Background(), origin, ttl)
		c.metrics.Partitions.Set(float64(c.partitions.Count()))
		return err
	})
}

// ResolvePartition implements resolve_partition(ref), §4.7.
func (c *Coordinator) ResolvePartition(ref string) error {
	return c.enqueue(func() error {
		c.partitions.Resolve(context.Background(), ref)
		c.metrics.Partitions.Set(float64(c.partitions.Count()))
		return nil
	})
}

// receiveFrame is registered as the transport's inbound Handler. A
// forward_message frame bypasses the actor queue entirely when
// disable_fast_receive is configured off, per §6; everything else is
// folded into the serialized queue for tagged-variant dispatch.
func (c *Coordinator) receiveFrame(ctx context.Context, from membership.PeerSpec, f frame.Frame) error {
	c.metrics.ObserveReceived(f.Kind)

	if f.Kind == frame.KindForwardMessage && !c.cfg.DisableFastReceive && f.ForwardMessage != nil {
		if c.deliver != nil {
			c.deliver(membership.PeerSpec{Name: f.ForwardMessage.TargetName}, f.ForwardMessage.Inner, false)
		}
		return nil
	}

	job := func() { c.dispatchFrame(context.Background(), f) }
	select {
	case c.jobs <- job:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

// dispatchFrame is the tagged-variant match the design notes require: an
// unrecognized kind is logged and discarded, never crashes the actor.
func (c *Coordinator) dispatchFrame(ctx context.Context, f frame.Frame) {
	switch f.Kind {
	case frame.KindJoin:
		if f.Join != nil {
			c.handlers.HandleJoin(ctx, *f.Join)
		}
	case frame.KindForwardJoin:
		if f.ForwardJoin != nil {
			c.handlers.HandleForwardJoin(ctx, *f.ForwardJoin)
		}
	case frame.KindNeighbor:
		if f.Neighbor != nil {
			c.handlers.HandleNeighbor(ctx, *f.Neighbor)
		}
	case frame.KindNeighborRequest:
		if f.NeighborRequest != nil {
			c.handlers.HandleNeighborRequest(ctx, *f.NeighborRequest)
		}
	case frame.KindNeighborAccepted:
		if f.NeighborAccepted != nil {
			c.handlers.HandleNeighborAccepted(ctx, *f.NeighborAccepted)
		}
	case frame.KindNeighborRejected:
		if f.NeighborRejected != nil {
			c.handlers.HandleNeighborRejected(ctx, *f.NeighborRejected)
		}
	case frame.KindDisconnect:
		if f.Disconnect != nil {
			c.handlers.HandleDisconnect(ctx, *f.Disconnect)
		}
	case frame.KindShuffle:
		if f.Shuffle != nil {
			c.handlers.HandleShuffle(ctx, *f.Shuffle)
		}
	case frame.KindShuffleReply:
		if f.ShuffleReply != nil {
			c.handlers.HandleShuffleReply(ctx, *f.ShuffleReply)
		}
	case frame.KindRelayMessage:
		if f.RelayMessage != nil {
			c.handleRelayMessage(ctx, *f.RelayMessage)
		}
	case frame.KindInjectPartition:
		if f.InjectPartition != nil {
			c.partitions.HandleInjectPartition(ctx, *f.InjectPartition)
			c.metrics.Partitions.Set(float64(c.partitions.Count()))
		}
	case frame.KindResolvePartition:
		if f.ResolvePartition != nil {
			c.partitions.HandleResolvePartition(ctx, *f.ResolvePartition)
			c.metrics.Partitions.Set(float64(c.partitions.Count()))
		}
	case frame.KindForwardMessage:
		if f.ForwardMessage != nil {
			c.handleForwardMessageFrame(f.ForwardMessage)
		}
	default:
		logging.Warn("coordinator: unrecognized frame kind %q", f.Kind)
	}
}

// handleRelayMessage implements RELAY_MESSAGE(target, msg, ttl), §4.2 and
// §4.8: direct delivery if the target is in the active view, otherwise a
// tree-forward while ttl permits.
func (c *Coordinator) handleRelayMessage(ctx context.Context, p frame.RelayMessagePayload) {
	if c.views.InActive(p.Target) {
		if c.deliver != nil {
			c.deliver(p.Target, p.Inner, true)
		}
		return
	}
	if p.TTL > 0 {
		c.forwarder.Forward(ctx, p.Target, p.Inner, p.TTL)
	}
}

func (c *Coordinator) handleForwardMessageFrame(p *frame.ForwardMessagePayload) {
	if c.deliver != nil {
		c.deliver(membership.PeerSpec{Name: p.TargetName}, p.Inner, false)
	}
}

// runTimers drives the §4.5 timer scheduler: shuffle, random-promotion
// (when enabled), and tree-refresh (when broadcast is enabled). Each
// firing is folded into the actor queue like any other event.
func (c *Coordinator) runTimers() {
	shuffle := time.NewTicker(c.cfg.PassiveViewShufflePeriod)
	defer shuffle.Stop()

	var promotion *time.Ticker
	var promotionCh <-chan time.Time
	if c.cfg.RandomPromotion {
		promotion = time.NewTicker(randomPromotionInterval)
		defer promotion.Stop()
		promotionCh = promotion.C
	}

	var treeRefresh *time.Ticker
	var treeRefreshCh <-chan time.Time
	if c.cfg.Broadcast {
		treeRefresh = time.NewTicker(c.cfg.TreeRefresh)
		defer treeRefresh.Stop()
		treeRefreshCh = treeRefresh.C
	}

	for {
		select {
		case <-shuffle.C:
			c.enqueueAsync(func(ctx context.Context) {
				c.metrics.ShuffleTicks.Inc()
				c.handlers.TriggerShuffle(ctx)
			})
		case <-promotionCh:
			c.enqueueAsync(func(ctx context.Context) {
				c.metrics.PromotionTicks.Inc()
				c.handlers.TriggerRandomPromotion(ctx)
			})
		case <-treeRefreshCh:
			c.enqueueAsync(func(ctx context.Context) {
				c.metrics.TreeRefreshTicks.Inc()
				c.forwarder.Refresh(ctx)
			})
		case <-c.closed:
			return
		}
	}
}

// watchExits folds transport driver exits into the actor queue, per §4.6's
// "transport exit as message" handling.
func (c *Coordinator) watchExits() {
	for {
		select {
		case ev, ok := <-c.transport.Exits():
			if !ok {
				return
			}
			c.enqueueAsync(func(ctx context.Context) {
				c.handlers.HandleDriverExit(ctx, ev.Peer)
			})
		case <-c.closed:
			return
		}
	}
}

// ViewSnapshot exposes a consistent point-in-time read of the views for
// introspection endpoints, bypassing the actor queue since ViewSet already
// guards its own state.
func (c *Coordinator) ViewSnapshot() membership.Snapshot {
	return c.views.Snapshot()
}
