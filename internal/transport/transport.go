// Package transport is the thin interface this component consumes from the
// out-of-scope PeerConnections registry (§4.6): connect, dispatch, prune,
// is_connected. It is implemented here by a small grpc-backed adapter so
// the rest of the protocol has something real to drive in tests and in the
// demo daemon.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"peersvc/internal/frame"
	"peersvc/internal/membership"
)

// DriverID stands in for the Erlang-original's "driver pid": an opaque
// handle identifying one connection attempt/lifetime for a peer.
type DriverID uint64

// DispatchStatus is the result of asking the registry whether a peer has a
// live dispatcher without actually sending anything.
type DispatchStatus int

const (
	StatusOK DispatchStatus = iota
	StatusNotYetConnected
	StatusDisconnected
	StatusError
)

var (
	ErrNotYetConnected = errors.New("transport: peer not yet connected")
	ErrDisconnected    = errors.New("transport: peer disconnected")
	ErrUnknownDriver   = errors.New("transport: unknown driver")
)

// Exit is posted when a driver's connection tears down asynchronously.
// Cooperative watchers push these into a channel rather than raising,
// per the design notes' "transport exit as message" guidance.
type Exit struct {
	ID     DriverID
	Peer   membership.PeerSpec
	Reason error
}

// Handler processes one inbound frame. An error it returns reaches the
// sending peer only as a failed RPC; the adapter does not log it.
type Handler func(ctx context.Context, from membership.PeerSpec, f frame.Frame) error

// Adapter is the observable surface the protocol consumes from a peer
// connection registry, per §4.6.
type Adapter interface {
	// MaybeConnect is an idempotent connect attempt. On failure nothing
	// observable changes.
	MaybeConnect(ctx context.Context, p membership.PeerSpec) error
	// Dispatch is the fast path: it only succeeds if a cached connection
	// already exists.
	Dispatch(ctx context.Context, p membership.PeerSpec, f frame.Frame) error
	// DispatchID reports whether a peer currently has a live dispatcher.
	DispatchID(name string) (DriverID, DispatchStatus)
	IsConnected(p membership.PeerSpec) bool
	// Prune is called after a driver exit; it returns the peer it was
	// representing and the number of connections still remaining for
	// that peer.
	Prune(id DriverID) (membership.PeerSpec, int, error)
	Processes(name string) []DriverID
	Foreach(fn func(membership.PeerSpec))
	Disconnect(p membership.PeerSpec)
	// Exits streams driver_exited notifications for the Coordinator to
	// fold back into its serialized queue.
	Exits() <-chan Exit
	// SetHandler registers the callback invoked for every inbound frame.
	SetHandler(h Handler)
	Close() error
}

type driver struct {
	id   DriverID
	peer membership.PeerSpec
}

// nextDriverID is shared process-wide so DriverIDs never collide across
// adapter instances within one test binary.
var nextDriverID uint64

func newDriverID() DriverID {
	return DriverID(atomic.AddUint64(&nextDriverID, 1))
}

// registry is the bookkeeping shared by transport implementations: which
// driver(s) represent each peer, keyed both ways for O(1) lookup on the
// operations §4.6 requires.
type registry struct {
	mu     sync.RWMutex
	byPeer map[string][]*driver
	byID   map[DriverID]*driver
}

func newRegistry() *registry {
	return &registry{
		byPeer: make(map[string][]*driver),
		byID:   make(map[DriverID]*driver),
	}
}

func (r *registry) add(peer membership.PeerSpec) *driver {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := &driver{id: newDriverID(), peer: peer}
	r.byPeer[peer.Name] = append(r.byPeer[peer.Name], d)
	r.byID[d.id] = d
	return d
}

func (r *registry) has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPeer[name]) > 0
}

func (r *registry) first(name string) (*driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ds := r.byPeer[name]
	if len(ds) == 0 {
		return nil, false
	}
	return ds[0], true
}

func (r *registry) processes(name string) []DriverID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ds := r.byPeer[name]
	out := make([]DriverID, len(ds))
	for i, d := range ds {
		out[i] = d.id
	}
	return out
}

func (r *registry) prune(id DriverID) (membership.PeerSpec, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byID[id]
	if !ok {
		return membership.PeerSpec{}, 0, fmt.Errorf("%w: %d", ErrUnknownDriver, id)
	}
	delete(r.byID, id)
	remaining := r.byPeer[d.peer.Name]
	for i, dd := range remaining {
		if dd.id == id {
			remaining = append(remaining[:i], remaining[i+1:]...)
			break
		}
	}
	if len(remaining) == 0 {
		delete(r.byPeer, d.peer.Name)
	} else {
		r.byPeer[d.peer.Name] = remaining
	}
	return d.peer, len(remaining), nil
}

func (r *registry) removeAll(name string) []*driver {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds := r.byPeer[name]
	delete(r.byPeer, name)
	for _, d := range ds {
		delete(r.byID, d.id)
	}
	return ds
}

func (r *registry) foreachPeer(fn func(membership.PeerSpec)) {
	r.mu.RLock()
	peers := make([]membership.PeerSpec, 0, len(r.byPeer))
	for _, ds := range r.byPeer {
		if len(ds) > 0 {
			peers = append(peers, ds[0].peer)
		}
	}
	r.mu.RUnlock()
	for _, p := range peers {
		fn(p)
	}
}

func (r *registry) all() []*driver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*driver, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	return out
}
