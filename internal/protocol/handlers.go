// Package protocol implements the HyParView message handlers (§4.2): the
// reaction to each inbound frame kind, view mutation, and the outbound
// frames those reactions trigger. Handlers are named after the frame kind
// they react to and operate on the Coordinator's state under its single
// serialized actor; nothing here takes its own lock beyond what ViewSet
// and msgid.Store already provide internally.
package protocol

import (
	"context"
	"time"

	"peersvc/internal/config"
	"peersvc/internal/epoch"
	"peersvc/internal/frame"
	"peersvc/internal/logging"
	"peersvc/internal/membership"
	"peersvc/internal/metrics"
	"peersvc/internal/msgid"
	"peersvc/internal/transport"
)

// Sample sizes used whenever a node composes a fresh exchange, fixed by
// §4.2's "Exchange merge" note.
const (
	kActive  = 3
	kPassive = 4
)

const sendTimeout = 5 * time.Second

// Handlers bundles everything the protocol reactions need: the views, the
// disconnect-id bookkeeping, the persisted epoch, the transport adapter,
// and the metrics to update alongside each mutation.
type Handlers struct {
	Self      membership.PeerSpec
	SelfTag   membership.Tag
	SelfEpoch uint64

	Views     *membership.ViewSet
	IDs       *msgid.Store
	Epoch     *epoch.Store
	Transport transport.Adapter
	Metrics   *metrics.Collectors
	Config    config.Config
}

// New builds a Handlers set. selfEpoch is the value returned by
// epoch.Store.Next() at startup and stays fixed for the process lifetime.
func New(self membership.PeerSpec, tag membership.Tag, selfEpoch uint64, views *membership.ViewSet, ids *msgid.Store, ep *epoch.Store, tr transport.Adapter, m *metrics.Collectors, cfg config.Config) *Handlers {
	return &Handlers{
		Self:      self,
		SelfTag:   tag,
		SelfEpoch: selfEpoch,
		Views:     views,
		IDs:       ids,
		Epoch:     ep,
		Transport: tr,
		Metrics:   m,
		Config:    cfg,
	}
}

// send dispatches f to to, opportunistically connecting first. Failures
// are logged and counted but never returned to the caller's caller: §7
// requires handlers never to crash the Coordinator over a failed send.
func (h *Handlers) send(ctx context.Context, to membership.PeerSpec, f frame.Frame) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := h.Transport.MaybeConnect(ctx, to); err != nil {
		logging.Warn("protocol: connect to %s: %v", to.Name, err)
	}
	if err := h.Transport.Dispatch(ctx, to, f); err != nil {
		h.Metrics.ObserveDropped(f.Kind, "dispatch_error")
		logging.Warn("protocol: dispatch %s to %s: %v", f.Kind, to.Name, err)
		return
	}
	h.Metrics.ObserveSent(f.Kind)
}

func (h *Handlers) refreshGauges() {
	snap := h.Views.Snapshot()
	h.Metrics.ActiveViewSize.Set(float64(h.Views.ActiveEffectiveSize()))
	h.Metrics.PassiveViewSize.Set(float64(len(snap.Passive)))
	filled := 0
	for _, p := range snap.Reserved {
		if p != nil {
			filled++
		}
	}
	h.Metrics.ReservedFilled.Set(float64(filled))
}

// admit implements the shared "add to active view and handle the fallout"
// sequence used by JOIN, FORWARD_JOIN termination, NEIGHBOR, and
// NEIGHBOR_REQUEST acceptance: §4.3 steps 3-6.
func (h *Handlers) admit(ctx context.Context, p membership.PeerSpec, tag membership.Tag) {
	outcome := h.Views.AddToActive(p, tag)
	if outcome.Dropped != nil {
		dropped := *outcome.Dropped
		id := h.IDs.BumpSent(dropped.Name, h.SelfEpoch)
		h.send(ctx, dropped, frame.Frame{
			Kind: frame.KindDisconnect,
			Disconnect: &frame.DisconnectPayload{
				Peer:         h.Self,
				DisconnectID: id,
			},
		})
		h.Transport.Disconnect(dropped)
		h.Metrics.ActiveViewEvictions.Inc()
	}
	if outcome.Added {
		h.Epoch.Touch(h.SelfEpoch)
	}
	h.refreshGauges()
}

func (h *Handlers) sendNeighbor(ctx context.Context, to membership.PeerSpec) {
	h.send(ctx, to, frame.Frame{
		Kind: frame.KindNeighbor,
		Neighbor: &frame.NeighborPayload{
			Peer:             h.Self,
			Tag:              h.SelfTag,
			LastDisconnectID: h.IDs.LastRecv(to.Name),
			Target:           to,
		},
	})
}

func (h *Handlers) sendForwardJoin(ctx context.Context, to, peer membership.PeerSpec, tag membership.Tag, peerEpoch uint64, ttl int, sender membership.PeerSpec) {
	h.send(ctx, to, frame.Frame{
		Kind: frame.KindForwardJoin,
		ForwardJoin: &frame.ForwardJoinPayload{
			Peer:   peer,
			Tag:    tag,
			Epoch:  peerEpoch,
			TTL:    ttl,
			Sender: sender,
		},
	})
}

func (h *Handlers) sendNeighborRequest(ctx context.Context, to membership.PeerSpec, priority frame.Priority) {
	h.send(ctx, to, frame.Frame{
		Kind: frame.KindNeighborRequest,
		NeighborRequest: &frame.NeighborRequestPayload{
			Peer:         h.Self,
			Priority:     priority,
			Tag:          h.SelfTag,
			DisconnectID: h.IDs.LastSent(to.Name),
			Exchange:     h.composeExchange(),
		},
	})
}

// composeExchange builds [self] ++ sample(Active,3) ++ sample(Passive,4),
// deduplicated, per §4.2's exchange-merge note.
func (h *Handlers) composeExchange() []membership.PeerSpec {
	out := make([]membership.PeerSpec, 0, 1+kActive+kPassive)
	out = append(out, h.Self)
	out = append(out, h.Views.SampleActive(kActive)...)
	out = append(out, h.Views.SamplePassive(kPassive)...)
	return dedupe(out)
}

// mergeExchange implements merge_exchange(E): E - ({self} u Active), each
// remaining peer offered to the passive view subject to its fullness rule.
func (h *Handlers) mergeExchange(exchange []membership.PeerSpec) {
	active := h.Views.ActiveMembers()
	activeSet := make(map[string]struct{}, len(active))
	for _, a := range active {
		activeSet[a.Name] = struct{}{}
	}
	for _, p := range exchange {
		if p.Equal(h.Self) {
			continue
		}
		if _, ok := activeSet[p.Name]; ok {
			continue
		}
		h.Views.AddToPassive(p)
	}
	h.refreshGauges()
}

func dedupe(in []membership.PeerSpec) []membership.PeerSpec {
	seen := make(map[string]struct{}, len(in))
	out := make([]membership.PeerSpec, 0, len(in))
	for _, p := range in {
		if _, ok := seen[p.Name]; ok {
			continue
		}
		seen[p.Name] = struct{}{}
		out = append(out, p)
	}
	return out
}

// promoteExcluding attempts to fill the active view with a random passive
// peer outside excl, issuing a high-priority NEIGHBOR_REQUEST. A no-op
// when no candidate exists.
func (h *Handlers) promoteExcluding(ctx context.Context, excl ...membership.PeerSpec) {
	cand, ok := h.Views.RandomPassiveExcluding(excl...)
	if !ok {
		return
	}
	h.sendNeighborRequest(ctx, cand, frame.PriorityHigh)
}

// SendJoin emits this node's own JOIN(self, self_tag, self_epoch) to a
// newly configured peer, per the Coordinator's join(PeerSpec) operation.
func (h *Handlers) SendJoin(ctx context.Context, to membership.PeerSpec) {
	h.send(ctx, to, frame.Frame{
		Kind: frame.KindJoin,
		Join: &frame.JoinPayload{
			Peer:  h.Self,
			Tag:   h.SelfTag,
			Epoch: h.SelfEpoch,
		},
	})
}

// HandleJoin implements the JOIN(peer, tag, peer_epoch) reaction.
func (h *Handlers) HandleJoin(ctx context.Context, p frame.JoinPayload) {
	if !h.IDs.IsAddableEpoch(p.Peer.Name, p.Epoch) {
		h.Metrics.ObserveDropped(frame.KindJoin, "stale_epoch")
		return
	}
	if h.Views.InActive(p.Peer) {
		return
	}
	if !h.Transport.IsConnected(p.Peer) {
		logging.Warn("protocol: join from %s but transport not connected", p.Peer.Name)
		return
	}
	h.admit(ctx, p.Peer, p.Tag)
	h.sendNeighbor(ctx, p.Peer)
	for _, other := range h.Views.ActiveMembers() {
		if other.Equal(p.Peer) {
			continue
		}
		h.sendForwardJoin(ctx, other, p.Peer, p.Tag, p.Epoch, h.Config.ARWL, h.Self)
	}
}

// HandleForwardJoin implements FORWARD_JOIN(peer, tag, peer_epoch, ttl, sender).
func (h *Handlers) HandleForwardJoin(ctx context.Context, p frame.ForwardJoinPayload) {
	active := h.Views.ActiveMembers()
	if p.TTL == 0 || len(active) == 0 {
		h.terminalAdmit(ctx, p.Peer, p.Tag, p.Epoch)
		return
	}
	if p.TTL == h.Config.PRWL {
		h.Views.AddToPassive(p.Peer)
	}
	r, ok := h.Views.RandomActiveExcluding(p.Sender, h.Self, p.Peer)
	if !ok {
		h.terminalAdmit(ctx, p.Peer, p.Tag, p.Epoch)
		return
	}
	h.sendForwardJoin(ctx, r, p.Peer, p.Tag, p.Epoch, p.TTL-1, h.Self)
}

// terminalAdmit admits peer as a JOIN terminus would: §4.2's "treat as
// terminal" behaviour shared by FORWARD_JOIN's two terminal cases.
func (h *Handlers) terminalAdmit(ctx context.Context, peer membership.PeerSpec, tag membership.Tag, peerEpoch uint64) {
	if !h.IDs.IsAddableEpoch(peer.Name, peerEpoch) {
		return
	}
	if h.Views.InActive(peer) {
		return
	}
	if err := h.Transport.MaybeConnect(ctx, peer); err != nil {
		logging.Warn("protocol: connect to %s: %v", peer.Name, err)
	}
	h.admit(ctx, peer, tag)
	h.sendNeighbor(ctx, peer)
}

// HandleNeighbor implements NEIGHBOR(peer, tag, disconnect_id, _sender).
func (h *Handlers) HandleNeighbor(ctx context.Context, p frame.NeighborPayload) {
	if !h.IDs.IsAddableID(p.Peer.Name, p.LastDisconnectID) {
		return
	}
	if err := h.Transport.MaybeConnect(ctx, p.Peer); err != nil {
		logging.Warn("protocol: connect to %s: %v", p.Peer.Name, err)
		return
	}
	if !h.Transport.IsConnected(p.Peer) {
		return
	}
	h.admit(ctx, p.Peer, p.Tag)
}

// HandleNeighborRequest implements NEIGHBOR_REQUEST and its acceptance
// predicate neighbor_acceptable.
func (h *Handlers) HandleNeighborRequest(ctx context.Context, p frame.NeighborRequestPayload) {
	acceptable := p.Priority == frame.PriorityHigh ||
		h.Views.TagAcceptable(p.Tag) ||
		!h.Views.IsActiveFull()

	if acceptable && h.IDs.IsAddableID(p.Peer.Name, p.DisconnectID) && h.Transport.IsConnected(p.Peer) {
		h.admit(ctx, p.Peer, p.Tag)
		h.send(ctx, p.Peer, frame.Frame{
			Kind: frame.KindNeighborAccepted,
			NeighborAccepted: &frame.NeighborAcceptedPayload{
				Peer:             h.Self,
				Tag:              h.SelfTag,
				LastDisconnectID: h.IDs.LastRecv(p.Peer.Name),
				Exchange:         h.composeExchange(),
			},
		})
	} else {
		h.send(ctx, p.Peer, frame.Frame{
			Kind: frame.KindNeighborRejected,
			NeighborRejected: &frame.NeighborRejectedPayload{
				Peer:     h.Self,
				Exchange: h.composeExchange(),
			},
		})
	}
	h.mergeExchange(p.Exchange)
}

// HandleNeighborAccepted implements NEIGHBOR_ACCEPTED(peer, tag, disconnect_id, exchange).
func (h *Handlers) HandleNeighborAccepted(ctx context.Context, p frame.NeighborAcceptedPayload) {
	if h.IDs.IsAddableID(p.Peer.Name, p.LastDisconnectID) {
		h.admit(ctx, p.Peer, p.Tag)
	}
	h.mergeExchange(p.Exchange)
}

// HandleNeighborRejected implements NEIGHBOR_REJECTED(peer, exchange).
func (h *Handlers) HandleNeighborRejected(ctx context.Context, p frame.NeighborRejectedPayload) {
	h.Transport.Disconnect(p.Peer)
	h.mergeExchange(p.Exchange)
}

// HandleDisconnect implements DISCONNECT(peer, disconnect_id).
func (h *Handlers) HandleDisconnect(ctx context.Context, p frame.DisconnectPayload) {
	if !h.IDs.IsValidDisconnect(p.Peer.Name, p.DisconnectID) {
		h.Metrics.ObserveDropped(frame.KindDisconnect, "stale")
		return
	}
	h.IDs.SetRecv(p.Peer.Name, p.DisconnectID)
	wasActive := h.Views.RemoveFromActive(p.Peer)
	h.Views.AddToPassive(p.Peer)
	h.Transport.Disconnect(p.Peer)
	if wasActive && len(h.Views.ActiveMembers()) == 0 {
		h.promoteExcluding(ctx, h.Self, p.Peer)
	}
	h.refreshGauges()
}

// HandleShuffle implements SHUFFLE(exchange, ttl, sender).
func (h *Handlers) HandleShuffle(ctx context.Context, p frame.ShufflePayload) {
	active := h.Views.ActiveMembers()
	if p.TTL > 0 && len(active) > 1 {
		if r, ok := h.Views.RandomActiveExcluding(p.Sender, h.Self); ok {
			h.send(ctx, r, frame.Frame{
				Kind: frame.KindShuffle,
				Shuffle: &frame.ShufflePayload{
					Exchange: p.Exchange,
					TTL:      p.TTL - 1,
					Sender:   p.Sender,
				},
			})
			return
		}
	}
	reply := h.Views.SamplePassive(len(p.Exchange))
	h.send(ctx, p.Sender, frame.Frame{
		Kind: frame.KindShuffleReply,
		ShuffleReply: &frame.ShuffleReplyPayload{
			Exchange: reply,
			Sender:   h.Self,
		},
	})
	h.mergeExchange(p.Exchange)
}

// HandleShuffleReply implements SHUFFLE_REPLY(exchange, _sender).
func (h *Handlers) HandleShuffleReply(ctx context.Context, p frame.ShuffleReplyPayload) {
	h.mergeExchange(p.Exchange)
}

// TriggerShuffle composes and sends this node's own passive_view_maintenance
// SHUFFLE, per the §4.5 timer. Returns false if there was no active peer to
// send to, meaning the cycle was skipped.
func (h *Handlers) TriggerShuffle(ctx context.Context) bool {
	to, ok := h.Views.RandomActiveExcluding(h.Self)
	if !ok {
		return false
	}
	h.send(ctx, to, frame.Frame{
		Kind: frame.KindShuffle,
		Shuffle: &frame.ShufflePayload{
			Exchange: h.composeExchange(),
			TTL:      h.Config.ARWL,
			Sender:   h.Self,
		},
	})
	return true
}

// TriggerRandomPromotion implements the §4.5 random_promotion timer body.
func (h *Handlers) TriggerRandomPromotion(ctx context.Context) {
	if !h.Views.IsActiveBelowMin() {
		return
	}
	h.promoteExcluding(ctx, h.Self)
}

// HandleDriverExit implements §4.6's "driver exits asynchronously"
// reaction: repair whichever view held the peer. It does not touch the
// transport registry; the adapter prunes the driver before it reports the
// exit.
func (h *Handlers) HandleDriverExit(ctx context.Context, peer membership.PeerSpec) {
	wasActive := h.Views.RemoveFromActive(peer)
	h.Views.RemoveFromPassive(peer)
	if wasActive {
		h.promoteExcluding(ctx, h.Self, peer)
	}
	h.refreshGauges()
}
