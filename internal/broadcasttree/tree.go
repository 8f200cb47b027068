// Package broadcasttree supplies eager-peer out-links for tree-forward
// relay (§4.8). The full spanning-tree maintenance protocol is out of
// scope; this package exposes the narrow interface the Coordinator polls
// on its tree_refresh timer and a default implementation that derives
// out-links from the current active view, which is sufficient for the
// fanout behaviour the TreeForwarder needs.
package broadcasttree

import (
	"context"

	"peersvc/internal/membership"
)

// Tree supplies this node's current eager broadcast out-links.
type Tree interface {
	// EagerOutLinks returns the peers this node should fan a RELAY_MESSAGE
	// out to, excluding self. Implementations should respect ctx's
	// deadline; the Coordinator applies its own timeout regardless.
	EagerOutLinks(ctx context.Context) ([]membership.PeerSpec, error)
}

// ActiveViewTree is the default Tree: it treats the current active view as
// the eager out-link set, which degenerates the broadcast tree to
// "everyone I'm directly peered with" absent a dedicated spanning-tree
// collaborator.
type ActiveViewTree struct {
	views func() []membership.PeerSpec
}

// NewActiveViewTree builds a Tree backed by a snapshot function, typically
// the Coordinator's current ViewSet.ActiveMembers.
func NewActiveViewTree(views func() []membership.PeerSpec) *ActiveViewTree {
	return &ActiveViewTree{views: views}
}

func (t *ActiveViewTree) EagerOutLinks(ctx context.Context) ([]membership.PeerSpec, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return t.views(), nil
}
