// Package frame defines the wire frames exchanged between HyParView peer
// managers, modeled as a tagged-variant type exhaustively matched at
// dispatch. An unknown Kind is logged and discarded, never crashes the
// Coordinator.
package frame

import (
	"peersvc/internal/membership"
	"peersvc/internal/msgid"
)

// Kind names a frame the way §6's wire table does, symbolic names fixed.
type Kind string

const (
	KindJoin             Kind = "join"
	KindForwardJoin      Kind = "forward_join"
	KindNeighbor         Kind = "neighbor"
	KindNeighborRequest  Kind = "neighbor_request"
	KindNeighborAccepted Kind = "neighbor_accepted"
	KindNeighborRejected Kind = "neighbor_rejected"
	KindDisconnect       Kind = "disconnect"
	KindShuffle          Kind = "shuffle"
	KindShuffleReply     Kind = "shuffle_reply"
	KindRelayMessage     Kind = "relay_message"
	KindInjectPartition  Kind = "inject_partition"
	KindResolvePartition Kind = "resolve_partition"
	KindForwardMessage   Kind = "forward_message"
)

// Priority distinguishes a high-priority (eager replacement) NEIGHBOR_REQUEST
// from a regular one.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

type JoinPayload struct {
	Peer  membership.PeerSpec `json:"peer"`
	Tag   membership.Tag      `json:"tag,omitempty"`
	Epoch uint64              `json:"epoch"`
}

type ForwardJoinPayload struct {
	Peer   membership.PeerSpec `json:"peer"`
	Tag    membership.Tag      `json:"tag,omitempty"`
	Epoch  uint64              `json:"epoch"`
	TTL    int                 `json:"ttl"`
	Sender membership.PeerSpec `json:"sender"`
}

type NeighborPayload struct {
	Peer             membership.PeerSpec `json:"peer"`
	Tag              membership.Tag      `json:"tag,omitempty"`
	LastDisconnectID msgid.DisconnectID  `json:"last_disconnect_id"`
	Target           membership.PeerSpec `json:"target"`
}

type NeighborRequestPayload struct {
	Peer         membership.PeerSpec  `json:"peer"`
	Priority     Priority              `json:"priority"`
	Tag          membership.Tag        `json:"tag,omitempty"`
	DisconnectID msgid.DisconnectID    `json:"disconnect_id"`
	Exchange     []membership.PeerSpec `json:"exchange,omitempty"`
}

type NeighborAcceptedPayload struct {
	Peer             membership.PeerSpec  `json:"peer"`
	Tag              membership.Tag       `json:"tag,omitempty"`
	LastDisconnectID msgid.DisconnectID   `json:"last_disconnect_id"`
	Exchange         []membership.PeerSpec `json:"exchange,omitempty"`
}

type NeighborRejectedPayload struct {
	Peer     membership.PeerSpec   `json:"peer"`
	Exchange []membership.PeerSpec `json:"exchange,omitempty"`
}

type DisconnectPayload struct {
	Peer         membership.PeerSpec `json:"peer"`
	DisconnectID msgid.DisconnectID  `json:"disconnect_id"`
}

type ShufflePayload struct {
	Exchange []membership.PeerSpec `json:"exchange"`
	TTL      int                   `json:"ttl"`
	Sender   membership.PeerSpec   `json:"sender"`
}

type ShuffleReplyPayload struct {
	Exchange []membership.PeerSpec `json:"exchange"`
	Sender   membership.PeerSpec   `json:"sender"`
}

type RelayMessagePayload struct {
	Target membership.PeerSpec `json:"target"`
	Inner  []byte              `json:"inner_msg,omitempty"`
	TTL    int                 `json:"ttl"`
}

type InjectPartitionPayload struct {
	Ref    string              `json:"ref"`
	Origin membership.PeerSpec `json:"origin"`
	TTL    int                 `json:"ttl"`
}

type ResolvePartitionPayload struct {
	Ref string `json:"ref"`
}

type ForwardMessagePayload struct {
	TargetName string            `json:"target_name"`
	ServerRef  string            `json:"server_ref,omitempty"`
	Inner      []byte            `json:"inner_msg,omitempty"`
	Options    map[string]string `json:"options,omitempty"`
}

// Frame is a tagged union: exactly one of the payload fields matching Kind
// is populated. JSON is used as the wire encoding for the envelope (see
// internal/transport), carried as an opaque byte payload over the grpc
// PeerLink service.
type Frame struct {
	Kind Kind `json:"kind"`

	Join             *JoinPayload             `json:"join,omitempty"`
	ForwardJoin      *ForwardJoinPayload      `json:"forward_join,omitempty"`
	Neighbor         *NeighborPayload         `json:"neighbor,omitempty"`
	NeighborRequest  *NeighborRequestPayload  `json:"neighbor_request,omitempty"`
	NeighborAccepted *NeighborAcceptedPayload `json:"neighbor_accepted,omitempty"`
	NeighborRejected *NeighborRejectedPayload `json:"neighbor_rejected,omitempty"`
	Disconnect       *DisconnectPayload       `json:"disconnect,omitempty"`
	Shuffle          *ShufflePayload          `json:"shuffle,omitempty"`
	ShuffleReply     *ShuffleReplyPayload     `json:"shuffle_reply,omitempty"`
	RelayMessage     *RelayMessagePayload     `json:"relay_message,omitempty"`
	InjectPartition  *InjectPartitionPayload  `json:"inject_partition,omitempty"`
	ResolvePartition *ResolvePartitionPayload `json:"resolve_partition,omitempty"`
	ForwardMessage   *ForwardMessagePayload   `json:"forward_message,omitempty"`
}
