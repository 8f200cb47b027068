package transport

import (
	"testing"

	"peersvc/internal/membership"
)

func TestRegistryAddAndHas(t *testing.T) {
	r := newRegistry()
	p := membership.PeerSpec{Name: "b"}
	if r.has(p.Name) {
		t.Fatalf("expected no driver before add")
	}
	d := r.add(p)
	if !r.has(p.Name) {
		t.Fatalf("expected driver to be registered")
	}
	if got, ok := r.first(p.Name); !ok || got.id != d.id {
		t.Fatalf("first() did not return the added driver")
	}
}

func TestRegistryMultipleDriversPerPeer(t *testing.T) {
	r := newRegistry()
	p := membership.PeerSpec{Name: "b"}
	d1 := r.add(p)
	d2 := r.add(p)
	if d1.id == d2.id {
		t.Fatalf("expected distinct driver ids")
	}
	ids := r.processes(p.Name)
	if len(ids) != 2 {
		t.Fatalf("expected 2 processes, got %d", len(ids))
	}
}

func TestRegistryPruneRemovesOnlyThatDriver(t *testing.T) {
	r := newRegistry()
	p := membership.PeerSpec{Name: "b"}
	d1 := r.add(p)
	d2 := r.add(p)

	peer, remaining, err := r.prune(d1.id)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if peer.Name != "b" {
		t.Fatalf("expected pruned peer b, got %s", peer.Name)
	}
	if remaining != 1 {
		t.Fatalf("expected 1 remaining driver, got %d", remaining)
	}
	if got, ok := r.first(p.Name); !ok || got.id != d2.id {
		t.Fatalf("expected surviving driver to be d2")
	}
}

func TestRegistryPruneLastDriverClearsPeer(t *testing.T) {
	r := newRegistry()
	p := membership.PeerSpec{Name: "b"}
	d := r.add(p)

	_, remaining, err := r.prune(d.id)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected 0 remaining drivers, got %d", remaining)
	}
	if r.has(p.Name) {
		t.Fatalf("expected peer entry to be cleared once its last driver is pruned")
	}
}

func TestRegistryPruneUnknownDriverErrors(t *testing.T) {
	r := newRegistry()
	if _, _, err := r.prune(DriverID(9999)); err == nil {
		t.Fatalf("expected an error pruning an unknown driver id")
	}
}

func TestRegistryRemoveAll(t *testing.T) {
	r := newRegistry()
	p := membership.PeerSpec{Name: "b"}
	r.add(p)
	r.add(p)

	ds := r.removeAll(p.Name)
	if len(ds) != 2 {
		t.Fatalf("expected removeAll to return 2 drivers, got %d", len(ds))
	}
	if r.has(p.Name) {
		t.Fatalf("expected peer to be gone after removeAll")
	}
}

func TestRegistryForeachPeerVisitsEachNameOnce(t *testing.T) {
	r := newRegistry()
	b := membership.PeerSpec{Name: "b"}
	c := membership.PeerSpec{Name: "c"}
	r.add(b)
	r.add(b)
	r.add(c)

	seen := map[string]int{}
	r.foreachPeer(func(p membership.PeerSpec) {
		seen[p.Name]++
	})
	if seen["b"] != 1 || seen["c"] != 1 {
		t.Fatalf("expected each peer visited exactly once, got %v", seen)
	}
}

func TestNewDriverIDsAreUnique(t *testing.T) {
	seen := map[DriverID]bool{}
	for i := 0; i < 100; i++ {
		id := newDriverID()
		if seen[id] {
			t.Fatalf("duplicate driver id %d", id)
		}
		seen[id] = true
	}
}
