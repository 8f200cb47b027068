package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"peersvc/internal/frame"
	"peersvc/internal/logging"
	"peersvc/internal/membership"
)

// peerLinkServer is the handler-side interface the hand-rolled PeerLink
// grpc service dispatches onto. A single unary method carries an opaque
// JSON-encoded frame.Frame inside a wrapperspb.BytesValue, which avoids
// needing a protoc-generated stub for a one-message service.
type peerLinkServer interface {
	DeliverFrame(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

const peerLinkServiceName = "peersvc.PeerLink"
const peerLinkDeliverMethod = "/peersvc.PeerLink/DeliverFrame"

var peerLinkServiceDesc = grpc.ServiceDesc{
	ServiceName: peerLinkServiceName,
	HandlerType: (*peerLinkServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "DeliverFrame", Handler: deliverFrameHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/transport/peerlink.go",
}

func deliverFrameHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(peerLinkServer).DeliverFrame(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: peerLinkDeliverMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(peerLinkServer).DeliverFrame(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCAdapter implements Adapter over plain, insecure grpc client
// connections. It is deliberately simple: one connection per peer, lazily
// established, watched for transitions into TransientFailure/Shutdown and
// reported as Exit events.
type GRPCAdapter struct {
	self membership.PeerSpec
	reg  *registry
	conn *connRegistry

	handlerMu sync.RWMutex
	handler   Handler

	server   *grpc.Server
	listener net.Listener

	exits  chan Exit
	closed chan struct{}
	once   sync.Once
}

// connRegistry keeps the live *grpc.ClientConn for each driver, separate
// from the peer-indexed bookkeeping in registry so the two can evolve
// independently (a driver can exist in the registry an instant before its
// conn is dialed).
type connRegistry struct {
	mu   sync.Mutex
	byID map[DriverID]*grpc.ClientConn
}

func newConnRegistry() *connRegistry {
	return &connRegistry{byID: make(map[DriverID]*grpc.ClientConn)}
}

func (c *connRegistry) set(id DriverID, conn *grpc.ClientConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[id] = conn
}

func (c *connRegistry) get(id DriverID) (*grpc.ClientConn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.byID[id]
	return conn, ok
}

func (c *connRegistry) delete(id DriverID) (*grpc.ClientConn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.byID[id]
	delete(c.byID, id)
	return conn, ok
}

// NewGRPCAdapter constructs an adapter representing self. Inbound frames
// that arrive while no Handler is set are acknowledged and discarded.
func NewGRPCAdapter(self membership.PeerSpec) *GRPCAdapter {
	return &GRPCAdapter{
		self:   self,
		reg:    newRegistry(),
		conn:   newConnRegistry(),
		exits:  make(chan Exit, 64),
		closed: make(chan struct{}),
	}
}

// SetHandler registers the callback driven by inbound DeliverFrame calls.
func (a *GRPCAdapter) SetHandler(h Handler) {
	a.handlerMu.Lock()
	defer a.handlerMu.Unlock()
	a.handler = h
}

// Listen starts the PeerLink grpc server on addr.
func (a *GRPCAdapter) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	a.listener = lis
	a.server = grpc.NewServer()
	a.server.RegisterService(&peerLinkServiceDesc, a)
	go func() {
		if err := a.server.Serve(lis); err != nil {
			logging.Warn("transport: grpc server stopped: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address, valid after a successful Listen.
func (a *GRPCAdapter) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// DeliverFrame implements peerLinkServer: it decodes the JSON envelope and
// invokes the registered Handler.
func (a *GRPCAdapter) DeliverFrame(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var f frame.Frame
	if err := json.Unmarshal(in.GetValue(), &f); err != nil {
		return nil, fmt.Errorf("transport: decoding frame: %w", err)
	}
	a.handlerMu.RLock()
	h := a.handler
	a.handlerMu.RUnlock()
	if h != nil {
		from := senderOf(f)
		if err := h(ctx, from, f); err != nil {
			return nil, err
		}
	}
	return wrapperspb.Bytes(nil), nil
}

// senderOf extracts a best-effort source PeerSpec from a frame, used only
// for logging/diagnostics; handlers derive the authoritative sender from
// each payload's own fields.
func senderOf(f frame.Frame) membership.PeerSpec {
	switch f.Kind {
	case frame.KindJoin:
		if f.Join != nil {
			return f.Join.Peer
		}
	case frame.KindForwardJoin:
		if f.ForwardJoin != nil {
			return f.ForwardJoin.Sender
		}
	case frame.KindNeighbor:
		if f.Neighbor != nil {
			return f.Neighbor.Peer
		}
	case frame.KindNeighborRequest:
		if f.NeighborRequest != nil {
			return f.NeighborRequest.Peer
		}
	case frame.KindNeighborAccepted:
		if f.NeighborAccepted != nil {
			return f.NeighborAccepted.Peer
		}
	case frame.KindNeighborRejected:
		if f.NeighborRejected != nil {
			return f.NeighborRejected.Peer
		}
	case frame.KindDisconnect:
		if f.Disconnect != nil {
			return f.Disconnect.Peer
		}
	case frame.KindShuffle:
		if f.Shuffle != nil {
			return f.Shuffle.Sender
		}
	case frame.KindShuffleReply:
		if f.ShuffleReply != nil {
			return f.ShuffleReply.Sender
		}
	}
	return membership.PeerSpec{}
}

// MaybeConnect dials p if no driver currently exists for it. Dialing is
// non-blocking (grpc lazily connects on first RPC); the driver is
// registered immediately and watched in the background for its conn
// reaching a terminal state.
func (a *GRPCAdapter) MaybeConnect(ctx context.Context, p membership.PeerSpec) error {
	if a.reg.has(p.Name) {
		return nil
	}
	if p.Endpoint == "" {
		return fmt.Errorf("transport: peer %s has no endpoint", p.Name)
	}
	conn, err := grpc.DialContext(ctx, p.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.WaitForReady(false)),
	)
	if err != nil {
		return fmt.Errorf("transport: dial %s (%s): %w", p.Name, p.Endpoint, err)
	}
	d := a.reg.add(p)
	a.conn.set(d.id, conn)
	go a.watch(d.id, conn)
	return nil
}

// watch blocks on conn state transitions and emits an Exit once the
// connection reaches Shutdown or TransientFailure, pruning it from the
// registry first so later lookups don't see a dead driver.
func (a *GRPCAdapter) watch(id DriverID, conn *grpc.ClientConn) {
	state := conn.GetState()
	for conn.WaitForStateChange(context.Background(), state) {
		state = conn.GetState()
		if state == connectivity.Shutdown || state == connectivity.TransientFailure {
			peer, _, err := a.reg.prune(id)
			if err != nil {
				return
			}
			a.conn.delete(id)
			_ = conn.Close()
			select {
			case a.exits <- Exit{ID: id, Peer: peer, Reason: fmt.Errorf("connection state %s", state)}:
			case <-a.closed:
			}
			return
		}
	}
}

// Dispatch is the fast path: it requires an already-cached driver.
func (a *GRPCAdapter) Dispatch(ctx context.Context, p membership.PeerSpec, f frame.Frame) error {
	d, ok := a.reg.first(p.Name)
	if !ok {
		return ErrNotYetConnected
	}
	conn, ok := a.conn.get(d.id)
	if !ok {
		return ErrNotYetConnected
	}
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("transport: encoding frame: %w", err)
	}
	in := wrapperspb.Bytes(payload)
	out := new(wrapperspb.BytesValue)
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Invoke(callCtx, peerLinkDeliverMethod, in, out); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

func (a *GRPCAdapter) DispatchID(name string) (DriverID, DispatchStatus) {
	d, ok := a.reg.first(name)
	if !ok {
		return 0, StatusNotYetConnected
	}
	return d.id, StatusOK
}

func (a *GRPCAdapter) IsConnected(p membership.PeerSpec) bool {
	return a.reg.has(p.Name)
}

func (a *GRPCAdapter) Prune(id DriverID) (membership.PeerSpec, int, error) {
	peer, n, err := a.reg.prune(id)
	if err != nil {
		return peer, n, err
	}
	if conn, ok := a.conn.delete(id); ok {
		_ = conn.Close()
	}
	return peer, n, nil
}

func (a *GRPCAdapter) Processes(name string) []DriverID {
	return a.reg.processes(name)
}

func (a *GRPCAdapter) Foreach(fn func(membership.PeerSpec)) {
	a.reg.foreachPeer(fn)
}

func (a *GRPCAdapter) Disconnect(p membership.PeerSpec) {
	for _, d := range a.reg.removeAll(p.Name) {
		if conn, ok := a.conn.delete(d.id); ok {
			_ = conn.Close()
		}
	}
}

func (a *GRPCAdapter) Exits() <-chan Exit {
	return a.exits
}

// Close tears down every live connection and stops the grpc server.
func (a *GRPCAdapter) Close() error {
	a.once.Do(func() {
		close(a.closed)
	})
	if a.server != nil {
		a.server.GracefulStop()
	}
	for _, d := range a.reg.all() {
		if conn, ok := a.conn.delete(d.id); ok {
			_ = conn.Close()
		}
	}
	return nil
}
