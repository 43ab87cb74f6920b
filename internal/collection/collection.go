// Package collection implements CollectionManager: a set of virtual
// context elements indexed over a dense N-dimensional range, placed by
// a caller-supplied index-map function, with owned-element broadcast
// and typed reduction. It layers on internal/vcontext the same way a
// CollectionManager layers on a virtual context manager. A
// migrate-on-rebalance extensibility point is carried as
// Manager.Rebalance, the hook a load-balancing policy would call; no
// policy ships here.
package collection

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vtrt-project/vtrt/internal/location"
	"github.com/vtrt-project/vtrt/internal/log"
	"github.com/vtrt-project/vtrt/internal/vcontext"
)

// Index is a CollectionIndex: an N-tuple of integers with a
// lexicographic total order.
type Index []int64

func (i Index) key() string {
	var b strings.Builder
	for n, v := range i {
		if n > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d", v)
	}
	return b.String()
}

// Less implements the total order Index needs for deterministic
// iteration and comparison.
func (i Index) Less(o Index) bool {
	n := len(i)
	if len(o) < n {
		n = len(o)
	}
	for k := 0; k < n; k++ {
		if i[k] != o[k] {
			return i[k] < o[k]
		}
	}
	return len(i) < len(o)
}

// Range is a dense rectangular index range: every Index with
// Lo[d] <= idx[d] < Hi[d] for every dimension d.
type Range struct {
	Lo, Hi Index
}

// Each visits every Index in r in row-major (lexicographic) order.
func (r Range) Each(fn func(idx Index)) {
	if len(r.Lo) != len(r.Hi) || len(r.Lo) == 0 {
		return
	}
	cur := make(Index, len(r.Lo))
	copy(cur, r.Lo)
	for {
		out := make(Index, len(cur))
		copy(out, cur)
		fn(out)

		d := len(cur) - 1
		for d >= 0 {
			cur[d]++
			if cur[d] < r.Hi[d] {
				break
			}
			cur[d] = r.Lo[d]
			d--
		}
		if d < 0 {
			return
		}
	}
}

// MapFunc resolves an Index to the node that owns it: a
// (seed, num_ranks) -> rank mapping generalized to an N-tuple seed.
type MapFunc func(idx Index, numNodes int) location.NodeID

// Op combines two reduction values; plus/max/min/union reductions are
// just instances a caller supplies.
type Op func(a, b uint64) uint64

func Plus(a, b uint64) uint64 {
	return a + b
}

func Max(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func Min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

type element struct {
	idx   Index
	proxy vcontext.Proxy
	node  location.NodeID
}

// Manager is the per-rank CollectionManager for one constructed
// collection. A program with several collections constructs one
// Manager per collection, mirroring how each vt CollectionProxy is
// independent.
type Manager struct {
	vc   *vcontext.Manager
	self location.NodeID
	log  log.Logger

	ctor  vcontext.ConstructorID
	mapFn MapFunc

	// owned holds this rank's locally-placed elements; all holds every
	// element's placement, known identically on every rank because
	// MapFunc is a pure function of (idx, numNodes) evaluated locally.
	owned map[string]*element
	all   map[string]*element
}

// New builds a Manager that will place elements using ctor (registered
// with vc beforehand) and mapFn.
func New(vc *vcontext.Manager, self location.NodeID, ctor vcontext.ConstructorID, mapFn MapFunc, logger log.Logger) *Manager {
	return &Manager{
		vc:    vc,
		self:  self,
		log:   logger.WithPrefix("collection"),
		ctor:  ctor,
		mapFn: mapFn,
		owned: make(map[string]*element),
		all:   make(map[string]*element),
	}
}

// Construct builds one element per Index in r, each homed on
// mapFn(idx, numNodes). It must be called identically (same r) on every
// rank: placement is computed locally and deterministically, with no
// coordination message exchanged for it, so a divergent r across ranks
// silently desyncs the collection. argsFor may be nil, meaning every
// element is constructed with no arguments.
func (m *Manager) Construct(r Range, numNodes int, argsFor func(idx Index) []byte) error {
	var firstErr error
	r.Each(func(idx Index) {
		if firstErr != nil {
			return
		}
		node := m.mapFn(idx, numNodes)
		var args []byte
		if argsFor != nil {
			args = argsFor(idx)
		}

		idxCopy := idx
		el := &element{idx: idxCopy, node: node}
		m.all[idx.key()] = el

		err := m.vc.MakeVirtualNodeCollectionElement(m.ctor, node, args, func(p vcontext.Proxy) {
			el.proxy = p
			if node == m.self {
				m.owned[idxCopy.key()] = el
			}
		})
		if err != nil {
			firstErr = fmt.Errorf("collection: constructing element %v: %w", idx, err)
		}
	})
	return firstErr
}

// Lookup resolves idx's proxy, if this rank knows about it (it always
// does once Construct has run, since placement is computed locally).
func (m *Manager) Lookup(idx Index) (vcontext.Proxy, bool) {
	el, ok := m.all[idx.key()]
	if !ok || el.proxy == vcontext.NoProxy {
		return vcontext.NoProxy, false
	}
	return el.proxy, true
}

// OwnedIndices returns the indices this rank owns, in ascending order,
// the set Broadcast/Reduce iterate over.
func (m *Manager) OwnedIndices() []Index {
	out := make([]Index, 0, len(m.owned))
	for _, el := range m.owned {
		out = append(out, el.idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Broadcast invokes sub on every element this rank owns — no messages
// cross ranks, since a broadcast over a collection means every element
// runs, not every rank is notified.
func (m *Manager) Broadcast(sub vcontext.SubHandlerID, payload []byte) {
	for _, idx := range m.OwnedIndices() {
		el := m.owned[idx.key()]
		m.vc.SendMsg(el.proxy, sub, payload)
	}
}

// LocalReduce folds fn over every value of extract(idx) across this
// rank's owned elements, starting from zero. Combining across ranks is
// the caller's job via internal/epoch/internal/transport's Reduce
// allreduce; CollectionManager's own part is producing each rank's
// local partial.
func (m *Manager) LocalReduce(zero uint64, op Op, extract func(idx Index) uint64) uint64 {
	acc := zero
	for _, idx := range m.OwnedIndices() {
		acc = op(acc, extract(idx))
	}
	return acc
}

// Rebalance is the extensibility point a load-balancer policy would
// call to move idx's element to newNode, performing the
// serialize/emigrate/send/immigrate sequence a migration requires. No
// policy is built here; this only exposes the mechanism. It updates
// only this rank's own view of idx's placement — a real policy is
// responsible for telling every other rank the new owner; Manager
// itself tracks no such broadcast.
func (m *Manager) Rebalance(idx Index, newNode location.NodeID, serialize func(inst any) []byte) error {
	el, ok := m.all[idx.key()]
	if !ok {
		return fmt.Errorf("collection: rebalance: unknown index %v", idx)
	}
	if el.node != m.self {
		return fmt.Errorf("collection: rebalance: index %v not owned by this rank", idx)
	}
	if err := m.vc.Migrate(el.proxy, newNode, serialize); err != nil {
		return err
	}
	delete(m.owned, idx.key())
	el.node = newNode
	return nil
}
