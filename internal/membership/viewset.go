package membership

import (
	"errors"
	"math/rand"
	"sync"
)

// ErrReservationLimitExceeded is returned at init when more tags are
// reserved than max_active_size allows. Per spec this is a fatal
// startup condition for the embedding process.
var ErrReservationLimitExceeded = errors.New("membership: reservation count exceeds max_active_size")

// ErrNoAvailableSlots is returned by Reserve when the reserved-slot table
// is already at max_active_size for a tag that doesn't already exist.
var ErrNoAvailableSlots = errors.New("membership: no available reserved slots")

// ViewSet holds the bounded active and passive views plus the reserved-tag
// table for one local node. It is safe for concurrent reads and writes,
// though in normal operation all writes originate from the Coordinator's
// single serialized actor; the mutex exists so debug/introspection callers
// (e.g. the demo daemon's HTTP surface) can take a consistent snapshot
// without going through the actor queue.
type ViewSet struct {
	mu sync.RWMutex

	self PeerSpec

	maxActive  int
	minActive  int
	maxPassive int

	active   map[string]PeerSpec
	passive  map[string]PeerSpec
	reserved map[Tag]*PeerSpec // nil value means the slot is unfilled

	rng *rand.Rand
}

// New builds a ViewSet for self. tags are the reservations to carve out of
// the active view at startup; len(tags) must not exceed maxActive.
func New(self PeerSpec, maxActive, minActive, maxPassive int, tags []Tag, rng *rand.Rand) (*ViewSet, error) {
	if len(tags) > maxActive {
		return nil, ErrReservationLimitExceeded
	}
	reserved := make(map[Tag]*PeerSpec, len(tags))
	for _, t := range tags {
		reserved[t] = nil
	}
	return &ViewSet{
		self:       self,
		maxActive:  maxActive,
		minActive:  minActive,
		maxPassive: maxPassive,
		active:     make(map[string]PeerSpec),
		passive:    make(map[string]PeerSpec),
		reserved:   reserved,
		rng:        rng,
	}, nil
}

func (v *ViewSet) Self() PeerSpec { return v.self }

func (v *ViewSet) reservedUnfilledLocked() int {
	n := 0
	for _, p := range v.reserved {
		if p == nil {
			n++
		}
	}
	return n
}

// reservedFilledNamesLocked returns the set of active peer names that are
// currently occupying a reserved slot.
func (v *ViewSet) reservedFilledNamesLocked() map[string]struct{} {
	out := make(map[string]struct{})
	for _, p := range v.reserved {
		if p != nil {
			out[p.Name] = struct{}{}
		}
	}
	return out
}

// activeEffectiveSizeLocked counts filled active-view slots plus unfilled
// reserved slots, per the §3 invariant that unfilled reservations still
// occupy capacity.
func (v *ViewSet) activeEffectiveSizeLocked() int {
	return len(v.active) + v.reservedUnfilledLocked()
}

func (v *ViewSet) ActiveEffectiveSize() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.activeEffectiveSizeLocked()
}

func (v *ViewSet) IsActiveFull() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.activeEffectiveSizeLocked() >= v.maxActive
}

func (v *ViewSet) IsActiveBelowMin() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.activeEffectiveSizeLocked() < v.minActive
}

func (v *ViewSet) InActive(p PeerSpec) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.active[p.Name]
	return ok
}

func (v *ViewSet) InPassive(p PeerSpec) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.passive[p.Name]
	return ok
}

// Lookup finds a peer by name in either view.
func (v *ViewSet) Lookup(name string) (PeerSpec, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if p, ok := v.active[name]; ok {
		return p, true
	}
	if p, ok := v.passive[name]; ok {
		return p, true
	}
	return PeerSpec{}, false
}

func (v *ViewSet) ActiveMembers() []PeerSpec {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]PeerSpec, 0, len(v.active))
	for _, p := range v.active {
		out = append(out, p)
	}
	return out
}

func (v *ViewSet) PassiveMembers() []PeerSpec {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]PeerSpec, 0, len(v.passive))
	for _, p := range v.passive {
		out = append(out, p)
	}
	return out
}

func excluded(p PeerSpec, exclude []PeerSpec) bool {
	for _, e := range exclude {
		if p.Equal(e) {
			return true
		}
	}
	return false
}

func (v *ViewSet) sampleLocked(src map[string]PeerSpec, k int, exclude []PeerSpec) []PeerSpec {
	candidates := make([]PeerSpec, 0, len(src))
	for _, p := range src {
		if excluded(p, exclude) {
			continue
		}
		candidates = append(candidates, p)
	}
	v.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if k >= 0 && k < len(candidates) {
		candidates = candidates[:k]
	}
	return candidates
}

// RandomActiveExcluding draws a uniform random active peer not in exclude,
// returning ok=false when no candidate remains (never panics on an empty
// draw, per the design notes).
func (v *ViewSet) RandomActiveExcluding(exclude ...PeerSpec) (PeerSpec, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	cands := v.sampleLocked(v.active, 1, exclude)
	if len(cands) == 0 {
		return PeerSpec{}, false
	}
	return cands[0], true
}

// RandomPassiveExcluding draws a uniform random passive peer not in exclude.
func (v *ViewSet) RandomPassiveExcluding(exclude ...PeerSpec) (PeerSpec, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	cands := v.sampleLocked(v.passive, 1, exclude)
	if len(cands) == 0 {
		return PeerSpec{}, false
	}
	return cands[0], true
}

// SampleActive draws up to k distinct active peers, excluding any given.
func (v *ViewSet) SampleActive(k int, exclude ...PeerSpec) []PeerSpec {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.sampleLocked(v.active, k, exclude)
}

// SamplePassive draws up to k distinct passive peers, excluding any given.
func (v *ViewSet) SamplePassive(k int, exclude ...PeerSpec) []PeerSpec {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.sampleLocked(v.passive, k, exclude)
}

// TagAcceptable reports whether tag names a reserved slot that is currently
// unfilled, used by the NEIGHBOR_REQUEST acceptance predicate.
func (v *ViewSet) TagAcceptable(tag Tag) bool {
	if tag == "" {
		return false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	slot, ok := v.reserved[tag]
	return ok && slot == nil
}

// Reserve adds tag to the reserved-slot table. Idempotent for an existing
// tag; fails with ErrNoAvailableSlots if the table is already at capacity.
func (v *ViewSet) Reserve(tag Tag) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.reserved[tag]; ok {
		return nil
	}
	if len(v.reserved) >= v.maxActive {
		return ErrNoAvailableSlots
	}
	v.reserved[tag] = nil
	return nil
}

// AddActiveOutcome reports the result of AddToActive: whether the peer was
// actually inserted, and which peer (if any) was evicted to make room.
type AddActiveOutcome struct {
	Added   bool
	Dropped *PeerSpec
}

// AddToActive implements §4.3: insert p into the active view under tag,
// evicting a random incumbent if the view is already full. The caller
// (the protocol handlers, which own the disconnect-id bookkeeping and the
// transport) is responsible for emitting DISCONNECT to any dropped peer
// and for persisting the epoch afterward.
func (v *ViewSet) AddToActive(p PeerSpec, tag Tag) AddActiveOutcome {
	v.mu.Lock()
	defer v.mu.Unlock()

	if p.Equal(v.self) {
		return AddActiveOutcome{Added: false}
	}
	if _, ok := v.active[p.Name]; ok {
		return AddActiveOutcome{Added: false}
	}

	// Race guard: a concurrent passive-add may have landed p in passive
	// already; active membership always wins.
	delete(v.passive, p.Name)

	var dropped *PeerSpec
	if v.activeEffectiveSizeLocked() >= v.maxActive {
		filled := v.reservedFilledNamesLocked()
		candidates := make([]PeerSpec, 0, len(v.active))
		for _, a := range v.active {
			if a.Equal(v.self) {
				continue
			}
			if _, reserved := filled[a.Name]; reserved {
				continue
			}
			candidates = append(candidates, a)
		}
		if len(candidates) > 0 {
			victim := candidates[v.rng.Intn(len(candidates))]
			delete(v.active, victim.Name)
			v.addPassiveLocked(victim)
			dropped = &victim
		}
		// If no droppable candidate exists (e.g. every active peer holds
		// a reserved slot), admission proceeds anyway rather than
		// blocking the new peer out entirely.
	}

	v.active[p.Name] = p
	if tag != "" {
		if cur, ok := v.reserved[tag]; ok && cur == nil {
			pc := p
			v.reserved[tag] = &pc
		}
	}

	return AddActiveOutcome{Added: true, Dropped: dropped}
}

func (v *ViewSet) addPassiveLocked(p PeerSpec) {
	if p.Equal(v.self) {
		return
	}
	if _, ok := v.active[p.Name]; ok {
		return
	}
	if _, ok := v.passive[p.Name]; ok {
		return
	}
	if len(v.passive) >= v.maxPassive {
		cands := make([]PeerSpec, 0, len(v.passive))
		for _, q := range v.passive {
			cands = append(cands, q)
		}
		if len(cands) > 0 {
			evict := cands[v.rng.Intn(len(cands))]
			delete(v.passive, evict.Name)
		}
	}
	v.passive[p.Name] = p
}

// AddToPassive implements §4.4.
func (v *ViewSet) AddToPassive(p PeerSpec) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if p.Equal(v.self) {
		return false
	}
	if _, ok := v.active[p.Name]; ok {
		return false
	}
	if _, ok := v.passive[p.Name]; ok {
		return false
	}
	v.addPassiveLocked(p)
	return true
}

// RemoveFromActive removes p from the active view, clearing any reserved
// slot it held. Returns whether it was present.
func (v *ViewSet) RemoveFromActive(p PeerSpec) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.active[p.Name]; !ok {
		return false
	}
	delete(v.active, p.Name)
	for tag, slot := range v.reserved {
		if slot != nil && slot.Name == p.Name {
			v.reserved[tag] = nil
		}
	}
	return true
}

// RemoveFromPassive removes p from the passive view. Returns whether it
// was present.
func (v *ViewSet) RemoveFromPassive(p PeerSpec) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.passive[p.Name]; !ok {
		return false
	}
	delete(v.passive, p.Name)
	return true
}

// Snapshot is a point-in-time, debug-friendly view of the state for
// introspection endpoints and tests.
type Snapshot struct {
	Self     PeerSpec
	Active   []PeerSpec
	Passive  []PeerSpec
	Reserved map[Tag]*PeerSpec
}

func (v *ViewSet) Snapshot() Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s := Snapshot{
		Self:     v.self,
		Active:   make([]PeerSpec, 0, len(v.active)),
		Passive:  make([]PeerSpec, 0, len(v.passive)),
		Reserved: make(map[Tag]*PeerSpec, len(v.reserved)),
	}
	for _, p := range v.active {
		s.Active = append(s.Active, p)
	}
	for _, p := range v.passive {
		s.Passive = append(s.Passive, p)
	}
	for t, p := range v.reserved {
		if p == nil {
			s.Reserved[t] = nil
			continue
		}
		pc := *p
		s.Reserved[t] = &pc
	}
	return s
}
