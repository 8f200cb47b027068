// Package treeforward implements the TreeForwarder (§4.8): transitive
// relay of a message via cached broadcast-tree out-links when a direct
// transport dispatch to the target has failed.
package treeforward

import (
	"context"
	"sync"
	"time"

	"peersvc/internal/broadcasttree"
	"peersvc/internal/frame"
	"peersvc/internal/logging"
	"peersvc/internal/membership"
	"peersvc/internal/transport"
)

// outLinkTimeout bounds how long the Coordinator's tree_refresh timer
// waits on the broadcast-tree collaborator before treating the query as
// "no out-links", per §5's cancellation rules.
const outLinkTimeout = 1 * time.Second

// Forwarder caches this node's current eager out-links and fans
// RELAY_MESSAGE frames out to them.
type Forwarder struct {
	self      membership.PeerSpec
	tree      broadcasttree.Tree
	transport transport.Adapter

	mu       sync.RWMutex
	outLinks []membership.PeerSpec
}

// New builds a Forwarder backed by tree for out-link discovery.
func New(self membership.PeerSpec, tree broadcasttree.Tree, tr transport.Adapter) *Forwarder {
	return &Forwarder{self: self, tree: tree, transport: tr}
}

// Refresh implements the §4.5 tree_refresh timer body: query the
// broadcast-tree collaborator and cache the result, excluding self. A
// timeout or error is treated as "no out-links" for this cycle.
func (f *Forwarder) Refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, outLinkTimeout)
	defer cancel()

	links, err := f.tree.EagerOutLinks(ctx)
	if err != nil {
		logging.Warn("treeforward: out-link query failed: %v", err)
		links = nil
	}

	filtered := make([]membership.PeerSpec, 0, len(links))
	for _, p := range links {
		if !p.Equal(f.self) {
			filtered = append(filtered, p)
		}
	}

	f.mu.Lock()
	f.outLinks = filtered
	f.mu.Unlock()
}

func (f *Forwarder) cachedOutLinks() []membership.PeerSpec {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]membership.PeerSpec, len(f.outLinks))
	copy(out, f.outLinks)
	return out
}

// Forward fans RELAY_MESSAGE(target, msg, ttl-1) out to every cached
// out-link excluding self; with ttl <= 0 it sends nothing. Called both for a direct forward_message
// fallback and when re-forwarding an inbound RELAY_MESSAGE whose target
// isn't locally active.
func (f *Forwarder) Forward(ctx context.Context, target membership.PeerSpec, inner []byte, ttl int) {
	if ttl <= 0 {
		return
	}
	for _, out := range f.cachedOutLinks() {
		fr := frame.Frame{
			Kind: frame.KindRelayMessage,
			RelayMessage: &frame.RelayMessagePayload{
				Target: target,
				Inner:  inner,
				TTL:    ttl - 1,
			},
		}
		if err := f.transport.MaybeConnect(ctx, out); err != nil {
			logging.Warn("treeforward: connect to %s: %v", out.Name, err)
			continue
		}
		if err := f.transport.Dispatch(ctx, out, fr); err != nil {
			logging.Warn("treeforward: dispatch relay to %s: %v", out.Name, err)
		}
	}
}
