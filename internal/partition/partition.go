// Package partition implements PartitionInjector (§4.7): test-only fault
// injection that makes forward_message fail against specific peers without
// actually tearing down the transport connection.
package partition

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"

	"peersvc/internal/frame"
	"peersvc/internal/logging"
	"peersvc/internal/membership"
	"peersvc/internal/transport"
)

// ErrPartitioned is returned by forward_message when its target peer is
// currently behind an injected partition.
var ErrPartitioned = errors.New("partition: peer is partitioned")

// entry is one (ref, peer) partition record.
type entry struct {
	ref  string
	peer string
}

// Injector tracks the currently injected partitions and exposes the two
// operations §4.7 names.
type Injector struct {
	mu      sync.RWMutex
	entries []entry

	self      membership.PeerSpec
	views     *membership.ViewSet
	transport transport.Adapter
}

// New builds an Injector for self.
func New(self membership.PeerSpec, views *membership.ViewSet, tr transport.Adapter) *Injector {
	return &Injector{self: self, views: views, transport: tr}
}

// Count reports the number of currently active (ref, peer) entries, for
// the metrics gauge.
func (inj *Injector) Count() int {
	inj.mu.RLock()
	defer inj.mu.RUnlock()
	return len(inj.entries)
}

// Partitioned reports whether peer is currently behind any injected
// partition, the condition forward_message checks before attempting
// delivery.
func (inj *Injector) Partitioned(peer membership.PeerSpec) bool {
	inj.mu.RLock()
	defer inj.mu.RUnlock()
	for _, e := range inj.entries {
		if e.peer == peer.Name {
			return true
		}
	}
	return false
}

// Inject implements inject_partition(origin, ttl). If origin is not self,
// the request is forwarded so origin initiates its own partition locally;
// otherwise a fresh ref is minted, every active peer is marked partitioned,
// and INJECT_PARTITION is propagated with ttl-1 to those same peers.
func (inj *Injector) Inject(ctx context.Context, origin membership.PeerSpec, ttl int) error {
	if !origin.Equal(inj.self) {
		inj.send(ctx, origin, frame.Frame{
			Kind: frame.KindInjectPartition,
			InjectPartition: &frame.InjectPartitionPayload{
				Ref:    "",
				Origin: origin,
				TTL:    ttl,
			},
		})
		return nil
	}
	ref, err := newRef()
	if err != nil {
		return err
	}
	inj.handleLocal(ctx, ref, ttl)
	return nil
}

// HandleInjectPartition processes an inbound INJECT_PARTITION frame. A
// propagated frame carries the ref minted by the originator; a frame with
// an empty ref (a request forwarded by Inject to a remote origin) gets a
// fresh ref minted here.
func (inj *Injector) HandleInjectPartition(ctx context.Context, p frame.InjectPartitionPayload) {
	ref := p.Ref
	if ref == "" {
		var err error
		ref, err = newRef()
		if err != nil {
			logging.Warn("partition: minting ref: %v", err)
			return
		}
	}
	inj.handleLocal(ctx, ref, p.TTL)
}

func (inj *Injector) handleLocal(ctx context.Context, ref string, ttl int) {
	active := inj.views.ActiveMembers()

	inj.mu.Lock()
	for _, p := range active {
		inj.entries = append(inj.entries, entry{ref: ref, peer: p.Name})
	}
	inj.mu.Unlock()

	if ttl > 0 {
		for _, p := range active {
			inj.send(ctx, p, frame.Frame{
				Kind: frame.KindInjectPartition,
				InjectPartition: &frame.InjectPartitionPayload{
					Ref:    ref,
					Origin: inj.self,
					TTL:    ttl - 1,
				},
			})
		}
	}
}

// Resolve implements resolve_partition(ref): entries with that ref are
// cleared, and if anything changed, RESOLVE_PARTITION is fanned out to all
// currently active peers.
func (inj *Injector) Resolve(ctx context.Context, ref string) {
	inj.mu.Lock()
	kept := inj.entries[:0]
	changed := false
	for _, e := range inj.entries {
		if e.ref == ref {
			changed = true
			continue
		}
		kept = append(kept, e)
	}
	inj.entries = kept
	inj.mu.Unlock()

	if !changed {
		return
	}
	for _, p := range inj.views.ActiveMembers() {
		inj.send(ctx, p, frame.Frame{
			Kind:             frame.KindResolvePartition,
			ResolvePartition: &frame.ResolvePartitionPayload{Ref: ref},
		})
	}
}

// HandleResolvePartition processes an inbound RESOLVE_PARTITION frame.
func (inj *Injector) HandleResolvePartition(ctx context.Context, p frame.ResolvePartitionPayload) {
	inj.mu.Lock()
	kept := inj.entries[:0]
	for _, e := range inj.entries {
		if e.ref != p.Ref {
			kept = append(kept, e)
		}
	}
	inj.entries = kept
	inj.mu.Unlock()
}

func (inj *Injector) send(ctx context.Context, to membership.PeerSpec, f frame.Frame) {
	if err := inj.transport.MaybeConnect(ctx, to); err != nil {
		logging.Warn("partition: connect to %s: %v", to.Name, err)
	}
	if err := inj.transport.Dispatch(ctx, to, f); err != nil {
		logging.Warn("partition: dispatch %s to %s: %v", f.Kind, to.Name, err)
	}
}

func newRef() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
