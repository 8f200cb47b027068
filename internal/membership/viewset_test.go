package membership

import (
	"math/rand"
	"testing"
)

func newTestViewSet(t *testing.T, maxActive, minActive, maxPassive int, tags []Tag) *ViewSet {
	t.Helper()
	v, err := New(PeerSpec{Name: "self"}, maxActive, minActive, maxPassive, tags, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestAddToActiveNoOpForSelf(t *testing.T) {
	v := newTestViewSet(t, 2, 1, 4, nil)
	outcome := v.AddToActive(PeerSpec{Name: "self"}, "")
	if outcome.Added {
		t.Fatalf("expected no-op adding self, got Added=true")
	}
}

func TestAddToActiveRemovesFromPassiveFirst(t *testing.T) {
	v := newTestViewSet(t, 2, 1, 4, nil)
	p := PeerSpec{Name: "b"}
	v.AddToPassive(p)
	outcome := v.AddToActive(p, "")
	if !outcome.Added {
		t.Fatalf("expected p to be added")
	}
	if v.InPassive(p) {
		t.Fatalf("p should have been removed from passive on active admission")
	}
	if !v.InActive(p) {
		t.Fatalf("p should be in active")
	}
}

func TestAddToActiveEvictsOnFullView(t *testing.T) {
	v := newTestViewSet(t, 2, 1, 4, nil)
	b := PeerSpec{Name: "b"}
	c := PeerSpec{Name: "c"}
	d := PeerSpec{Name: "d"}

	v.AddToActive(b, "")
	v.AddToActive(c, "")
	if v.ActiveEffectiveSize() != 2 {
		t.Fatalf("expected active size 2, got %d", v.ActiveEffectiveSize())
	}

	outcome := v.AddToActive(d, "")
	if !outcome.Added {
		t.Fatalf("expected d to be added")
	}
	if outcome.Dropped == nil {
		t.Fatalf("expected a peer to be dropped on full active view")
	}
	if v.ActiveEffectiveSize() != 2 {
		t.Fatalf("active size should remain at capacity, got %d", v.ActiveEffectiveSize())
	}
	if !v.InPassive(*outcome.Dropped) {
		t.Fatalf("dropped peer %s should have moved to passive", outcome.Dropped.Name)
	}
}

func TestAddToActiveNeverEvictsReservedFilledSlot(t *testing.T) {
	v := newTestViewSet(t, 1, 1, 4, []Tag{"storage"})
	b := PeerSpec{Name: "b"}
	v.AddToActive(b, "storage")

	c := PeerSpec{Name: "c"}
	outcome := v.AddToActive(c, "")
	// Active is full (1) and the only occupant holds the reserved slot, so
	// no eviction candidate exists: admission proceeds without a drop.
	if !outcome.Added {
		t.Fatalf("expected c to be admitted despite full view")
	}
	if outcome.Dropped != nil {
		t.Fatalf("expected no eviction since the sole occupant is reserved-filled")
	}
	if !v.InActive(b) {
		t.Fatalf("reserved peer b should remain active")
	}
}

func TestAddToPassiveRejectsActiveMember(t *testing.T) {
	v := newTestViewSet(t, 2, 1, 4, nil)
	b := PeerSpec{Name: "b"}
	v.AddToActive(b, "")
	if v.AddToPassive(b) {
		t.Fatalf("expected AddToPassive to reject an active member")
	}
}

func TestAddToPassiveEvictsWhenFull(t *testing.T) {
	v := newTestViewSet(t, 2, 1, 2, nil)
	v.AddToPassive(PeerSpec{Name: "b"})
	v.AddToPassive(PeerSpec{Name: "c"})
	v.AddToPassive(PeerSpec{Name: "d"})
	if len(v.PassiveMembers()) != 2 {
		t.Fatalf("expected passive view capped at 2, got %d", len(v.PassiveMembers()))
	}
}

func TestRandomExcludingNeverPanicsOnEmpty(t *testing.T) {
	v := newTestViewSet(t, 2, 1, 4, nil)
	if _, ok := v.RandomActiveExcluding(); ok {
		t.Fatalf("expected no candidate from an empty active view")
	}
	if _, ok := v.RandomPassiveExcluding(); ok {
		t.Fatalf("expected no candidate from an empty passive view")
	}
}

func TestTagAcceptableOnlyWhenUnfilled(t *testing.T) {
	v := newTestViewSet(t, 2, 1, 4, []Tag{"storage"})
	if !v.TagAcceptable("storage") {
		t.Fatalf("expected unfilled reserved tag to be acceptable")
	}
	v.AddToActive(PeerSpec{Name: "b"}, "storage")
	if v.TagAcceptable("storage") {
		t.Fatalf("expected filled reserved tag to no longer be acceptable")
	}
	if v.TagAcceptable("unknown") {
		t.Fatalf("expected an unreserved tag to never be acceptable")
	}
}

func TestReserveIsIdempotentAndBounded(t *testing.T) {
	v := newTestViewSet(t, 1, 1, 4, []Tag{"storage"})
	if err := v.Reserve("storage"); err != nil {
		t.Fatalf("re-reserving an existing tag should be a no-op: %v", err)
	}
	if err := v.Reserve("router"); err != ErrNoAvailableSlots {
		t.Fatalf("expected ErrNoAvailableSlots, got %v", err)
	}
}

func TestNewRejectsOversizedReservations(t *testing.T) {
	_, err := New(PeerSpec{Name: "self"}, 1, 1, 4, []Tag{"a", "b"}, rand.New(rand.NewSource(1)))
	if err != ErrReservationLimitExceeded {
		t.Fatalf("expected ErrReservationLimitExceeded, got %v", err)
	}
}

func TestActiveEffectiveSizeCountsUnfilledReservations(t *testing.T) {
	v := newTestViewSet(t, 2, 1, 4, []Tag{"storage"})
	if got := v.ActiveEffectiveSize(); got != 1 {
		t.Fatalf("expected one unfilled reserved slot to count toward the effective active size, got %d", got)
	}
}

func TestRemoveFromActiveClearsReservedSlot(t *testing.T) {
	v := newTestViewSet(t, 2, 1, 4, []Tag{"storage"})
	b := PeerSpec{Name: "b"}
	v.AddToActive(b, "storage")
	v.RemoveFromActive(b)
	if !v.TagAcceptable("storage") {
		t.Fatalf("expected reserved slot to be unfilled again after removal")
	}
}
