// Package msgid tracks per-peer disconnect-id bookkeeping: the last
// DisconnectId we sent to a peer and the last one we accepted from it. This
// is the defence against stale JOIN/NEIGHBOR/DISCONNECT frames overtaking
// newer ones after a reconnect.
package msgid

import "sync"

// DisconnectID is the (epoch, counter) pair, ordered lexicographically.
type DisconnectID struct {
	Epoch   uint64
	Counter uint64
}

// Less reports whether d sorts strictly before o.
func (d DisconnectID) Less(o DisconnectID) bool {
	if d.Epoch != o.Epoch {
		return d.Epoch < o.Epoch
	}
	return d.Counter < o.Counter
}

// Store holds SentMessageMap and RecvMessageMap for one local node.
type Store struct {
	mu   sync.RWMutex
	sent map[string]DisconnectID
	recv map[string]DisconnectID
}

func NewStore() *Store {
	return &Store{
		sent: make(map[string]DisconnectID),
		recv: make(map[string]DisconnectID),
	}
}

// LastSent returns the last DisconnectID we sent to peerName, or the zero
// value if none is recorded.
func (s *Store) LastSent(peerName string) DisconnectID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sent[peerName]
}

// LastRecv returns the last DisconnectID we accepted from peerName, or the
// zero value if none is recorded. This is the "last_recv_id_for(peer)"
// value carried in NEIGHBOR and NEIGHBOR_ACCEPTED replies.
func (s *Store) LastRecv(peerName string) DisconnectID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recv[peerName]
}

func (s *Store) SetRecv(peerName string, id DisconnectID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recv[peerName] = id
}

func (s *Store) SetSent(peerName string, id DisconnectID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[peerName] = id
}

// BumpSent computes the next DisconnectID to use when emitting a
// DISCONNECT to peerName under selfEpoch (counter resets to 1 whenever the
// epoch advances) and records it as the new "last sent" value.
func (s *Store) BumpSent(peerName string, selfEpoch uint64) DisconnectID {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter := uint64(1)
	if cur, ok := s.sent[peerName]; ok && cur.Epoch == selfEpoch {
		counter = cur.Counter + 1
	}
	next := DisconnectID{Epoch: selfEpoch, Counter: counter}
	s.sent[peerName] = next
	return next
}

// IsAddableEpoch implements is_addable for a bare peer epoch (used by
// JOIN/FORWARD_JOIN, which only carry the peer's restart epoch, not a full
// DisconnectID): true iff there is no record for peer, or peerEpoch is >=
// the epoch half of the stored DisconnectID.
func (s *Store) IsAddableEpoch(peerName string, peerEpoch uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.sent[peerName]
	if !ok {
		return true
	}
	return peerEpoch >= cur.Epoch
}

// IsAddableID implements is_addable for a full DisconnectID (used by
// NEIGHBOR/NEIGHBOR_REQUEST/NEIGHBOR_ACCEPTED): true iff there is no
// record for peer, or id is >= the stored id under lexicographic order.
func (s *Store) IsAddableID(peerName string, id DisconnectID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.sent[peerName]
	if !ok {
		return true
	}
	return !id.Less(cur)
}

// IsValidDisconnect implements is_valid_disconnect: true iff there is no
// record for peer, or id is strictly greater than the stored id. Ties are
// duplicates and are discarded.
func (s *Store) IsValidDisconnect(peerName string, id DisconnectID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.recv[peerName]
	if !ok {
		return true
	}
	return cur.Less(id)
}
