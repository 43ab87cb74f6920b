// Package epoch implements the collective four-counter wave detector
// and the rooted Dijkstra-Scholten detector, sharing one nested-epoch
// parent/child graph and one termination-action list.
//
// The DS engagement-tree bookkeeping (msgSent/msgProcessed/gotAck/
// tryAck/tryLast) follows the classic engagement-list algorithm,
// extended with self-message lC/lD counters so a rank sending to or
// processing from itself doesn't engage the tree.
package epoch

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/vtrt-project/vtrt/internal/log"
	"github.com/vtrt-project/vtrt/internal/metrics"
	"github.com/vtrt-project/vtrt/internal/transport"
)

// Epoch is an opaque 64-bit id: bit 63 distinguishes rooted (DS) from
// collective (four-counter wave); bits 32-61 hold a sequence number;
// bits 0-31 hold the root rank for rooted epochs.
type Epoch uint64

const (
	NoEpoch  Epoch = 0
	AnyEpoch Epoch = ^Epoch(0)
)

const (
	rootedBit = uint64(1) << 63
	seqShift  = 32
	seqBits   = 30
	seqMask   = (uint64(1)<<seqBits - 1) << seqShift
)

func makeEpoch(rooted bool, seq uint64, root int32) Epoch {
	v := (seq << seqShift) & seqMask
	v |= uint64(uint32(root))
	if rooted {
		v |= rootedBit
	}
	return Epoch(v)
}

// IsRooted reports whether e uses the Dijkstra-Scholten detector
// (true) or the four-counter wave (false).
func (e Epoch) IsRooted() bool { return uint64(e)&rootedBit != 0 }

// Root returns the rank that created a rooted epoch. Meaningless for
// collective epochs.
func (e Epoch) Root() int { return int(int32(uint32(e))) }

// Sequence returns the monotonic sequence number assigned by the
// creating rank, unique per (rank, kind) but not globally.
func (e Epoch) Sequence() uint64 { return (uint64(e) & seqMask) >> seqShift }

const noParent = -1

type waveState struct {
	produced int64
	consumed int64
}

type outstandingEntry struct {
	pred  int
	count int64
}

type dsState struct {
	parent                         int
	C, D                           int64
	ackedParent, ackedArbitrary    int64
	reqedParent                    int64
	engagementMsgCount, processedSum int64
	lC, lD                         int64
	outstanding                    []outstandingEntry
}

// Detector is the per-rank termination detector for every collective
// and rooted epoch live on this rank. It is not safe for concurrent use
// without its own lock, matching the comm-thread-only access rule the
// rest of the runtime follows; the lock exists because actions can fire
// from a transport callback running on a goroutine the caller doesn't
// control the timing of.
type Detector struct {
	self int
	t    transport.Transport
	log  log.Logger
	met  *metrics.Metrics

	mu            sync.Mutex
	seq           uint64
	wave          map[Epoch]*waveState
	ds            map[Epoch]*dsState
	actions       map[Epoch][]func()
	uniqueActions map[Epoch]map[string]struct{}
	terminated    map[Epoch]bool
	parentOf      map[Epoch]Epoch
	outstanding   int
}

// SetMetrics wires m in so epoch creation/termination and each
// reduction wave are observed. Safe to call at most once, before the
// Detector is used from more than one goroutine; nil disables metrics,
// which is also the default.
func (d *Detector) SetMetrics(m *metrics.Metrics) {
	d.met = m
}

// NewDetector builds a Detector bound to t, installing the handler for
// Dijkstra-Scholten acknowledge traffic.
func NewDetector(self int, t transport.Transport, logger log.Logger) *Detector {
	d := &Detector{
		self:          self,
		t:             t,
		log:           logger.WithPrefix("epoch"),
		wave:          make(map[Epoch]*waveState),
		ds:            make(map[Epoch]*dsState),
		actions:       make(map[Epoch][]func()),
		uniqueActions: make(map[Epoch]map[string]struct{}),
		terminated:    make(map[Epoch]bool),
		parentOf:      make(map[Epoch]Epoch),
	}
	t.SetHandler(transport.TagTermination, d.onTerminationMsg)
	return d
}

// MakeEpochCollective allocates a new four-counter-wave epoch.
func (d *Detector) MakeEpochCollective() Epoch {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	e := makeEpoch(false, d.seq, 0)
	d.wave[e] = &waveState{}
	d.outstanding++
	d.met.SetEpochsOutstanding(d.outstanding)
	return e
}

// MakeEpochRooted allocates a new Dijkstra-Scholten epoch rooted at
// this rank.
func (d *Detector) MakeEpochRooted() Epoch {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	e := makeEpoch(true, d.seq, int32(d.self))
	d.dsStateLocked(e)
	d.outstanding++
	d.met.SetEpochsOutstanding(d.outstanding)
	return e
}

// ParentEpochCapture declares child as nested under parent: parent
// holds an artificial produce for the duration of child's lifetime
// (genProd), released (genCons) when child terminates. Only meaningful
// for collective (wave) parents; a rooted parent's own engagement-tree
// bookkeeping has no slot for child epochs, so nesting a DS epoch is
// unsupported and this is a no-op in that case.
func (d *Detector) ParentEpochCapture(parent, child Epoch) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parentOf[child] = parent
	if ws, ok := d.wave[parent]; ok {
		ws.produced++
	}
}

// Produce records that count messages were sent in epoch e, to dst
// (the rooted detector's successor; ignored by the wave detector).
func (d *Detector) Produce(e Epoch, dst int, count int64) {
	if e == NoEpoch {
		return
	}
	if e.IsRooted() {
		d.msgSent(e, dst, count)
		return
	}
	d.mu.Lock()
	d.waveStateLocked(e).produced += count
	d.mu.Unlock()
}

// Consume records that count messages sent by src were processed
// (handler dispatched) on this rank, in epoch e.
func (d *Detector) Consume(e Epoch, src int, count int64) {
	if e == NoEpoch {
		return
	}
	if e.IsRooted() {
		d.msgProcessed(e, src, count)
		return
	}
	d.mu.Lock()
	d.waveStateLocked(e).consumed += count
	d.mu.Unlock()
}

func (d *Detector) waveStateLocked(e Epoch) *waveState {
	ws, ok := d.wave[e]
	if !ok {
		ws = &waveState{}
		d.wave[e] = ws
	}
	return ws
}

func (d *Detector) dsStateLocked(e Epoch) *dsState {
	st, ok := d.ds[e]
	if !ok {
		st = &dsState{parent: noParent}
		if e.Root() == d.self {
			st.outstanding = append(st.outstanding, outstandingEntry{pred: d.self, count: 0})
		}
		d.ds[e] = st
	}
	return st
}

func (d *Detector) msgSent(e Epoch, successor int, count int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.dsStateLocked(e)
	if successor == d.self {
		st.lD += count
	} else {
		st.D += count
	}
}

func (d *Detector) msgProcessed(e Epoch, pred int, count int64) {
	d.mu.Lock()
	st := d.dsStateLocked(e)
	if pred == d.self {
		st.lC += count
		d.mu.Unlock()
		return
	}
	st.C += count
	st.processedSum += count

	if len(st.outstanding) == 0 {
		st.parent = pred
		st.engagementMsgCount = count
		st.outstanding = append([]outstandingEntry{{pred: pred, count: count}}, st.outstanding...)
	} else {
		found := false
		for i := 1; i < len(st.outstanding); i++ {
			if st.outstanding[i].pred == pred {
				st.outstanding[i].count += count
				found = true
				break
			}
		}
		if !found {
			st.outstanding = append(st.outstanding, outstandingEntry{pred: pred, count: count})
		}
	}
	if pred == st.parent {
		st.reqedParent += count
	}
	d.mu.Unlock()

	d.tryAck(e)
	d.tryLast(e)
}

func (d *Detector) gotAck(e Epoch, count int64) {
	d.mu.Lock()
	st := d.dsStateLocked(e)
	st.D -= count
	d.mu.Unlock()
	d.tryLast(e)
}

// tryAck pops at most one outstanding entry from the tail per call —
// the one the rank has already processed enough messages to cover —
// acknowledging it back to its predecessor. A caller that wants every
// eligible tail entry drained calls tryAck again; each msgProcessed
// call already does so after appending, so multiple eligible entries
// drain across successive msgProcessed calls, not within one tryAck.
func (d *Detector) tryAck(e Epoch) {
	d.mu.Lock()
	st := d.dsStateLocked(e)
	if len(st.outstanding) <= 1 {
		d.mu.Unlock()
		return
	}
	tail := st.outstanding[len(st.outstanding)-1]
	if tail.count > st.C {
		d.mu.Unlock()
		return
	}
	st.C -= tail.count
	if st.parent != noParent && tail.pred == st.parent {
		st.ackedParent += tail.count
	} else {
		st.ackedArbitrary += tail.count
	}
	st.outstanding = st.outstanding[:len(st.outstanding)-1]
	d.mu.Unlock()
	d.sendAcknowledge(e, tail.pred, tail.count)
}

// tryLast checks whether the sole remaining engagement entry can be
// retired: every message sent (D) has been acked, every message
// processed (C) matches the original engagement count, and the
// parent's own retransmissions (reqedParent) have all been acked back.
// If the entry refers to this rank itself, the epoch's root has
// terminated; otherwise the engagement is acknowledged up to the true
// parent. State is reset in place rather than removed, since a later
// message can re-engage the same epoch id before any cleanup runs.
func (d *Detector) tryLast(e Epoch) {
	d.mu.Lock()
	st := d.dsStateLocked(e)
	if len(st.outstanding) != 1 {
		d.mu.Unlock()
		return
	}
	engageEq := st.reqedParent-st.ackedParent == st.engagementMsgCount
	if !(engageEq && st.lC == st.lD && st.D == 0 && st.C == st.engagementMsgCount) {
		d.mu.Unlock()
		return
	}
	head := st.outstanding[0]
	st.outstanding = nil
	st.parent = noParent
	st.C, st.D = 0, 0
	st.ackedParent, st.ackedArbitrary, st.reqedParent = 0, 0, 0
	st.engagementMsgCount, st.processedSum = 0, 0
	st.lC, st.lD = 0, 0
	d.mu.Unlock()

	if head.pred == d.self {
		d.fireTerminated(e)
	} else {
		d.sendAcknowledge(e, head.pred, head.count)
	}
}

func (d *Detector) sendAcknowledge(e Epoch, to int, count int64) {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(e))
	binary.BigEndian.PutUint64(buf[8:16], uint64(count))
	if _, err := d.t.SendBytes(to, transport.TagTermination, buf); err != nil {
		d.log.Errorf("acknowledge to rank %d failed: %v", to, err)
	}
}

func (d *Detector) onTerminationMsg(_ int, _ uint32, payload []byte) {
	e := Epoch(binary.BigEndian.Uint64(payload[0:8]))
	count := int64(binary.BigEndian.Uint64(payload[8:16]))
	d.gotAck(e, count)
}

// FinishedEpoch marks this rank done enqueueing work into e and drives
// termination detection: for a collective epoch it runs the two-wave
// reduction protocol to convergence (blocking on ctx); for a rooted
// epoch it simply re-checks whether the engagement tree has already
// drained, since further progress there is driven by incoming
// acknowledge messages rather than by this call.
func (d *Detector) FinishedEpoch(ctx context.Context, e Epoch) error {
	if e.IsRooted() {
		d.tryAck(e)
		d.tryLast(e)
		return nil
	}
	return d.finishedWave(ctx, e)
}

// finishedWave implements the two-reduction-wave protocol: a wave
// where produced != consumed means the epoch is plainly still active,
// so it retries from scratch; a wave where produced == consumed is
// provisional until an immediately following second wave reports the
// identical totals, proving nothing new was produced or consumed while
// the first wave's result was in flight.
func (d *Detector) finishedWave(ctx context.Context, e Epoch) error {
	sum := func(a, b uint64) uint64 { return a + b }
	for {
		p1, c1, err := d.reduceCounts(ctx, e, sum)
		if err != nil {
			return err
		}
		if p1 != c1 {
			continue
		}
		p2, c2, err := d.reduceCounts(ctx, e, sum)
		if err != nil {
			return err
		}
		if p2 == c2 && p2 == p1 && c2 == c1 {
			d.fireTerminated(e)
			return nil
		}
	}
}

func (d *Detector) reduceCounts(ctx context.Context, e Epoch, sum func(a, b uint64) uint64) (uint64, uint64, error) {
	d.mu.Lock()
	ws := d.waveStateLocked(e)
	p, c := uint64(ws.produced), uint64(ws.consumed)
	d.mu.Unlock()

	tp, err := d.t.Reduce(ctx, p, sum)
	if err != nil {
		return 0, 0, err
	}
	tc, err := d.t.Reduce(ctx, c, sum)
	if err != nil {
		return 0, 0, err
	}
	d.met.IncEpochWave("collective")
	return tp, tc, nil
}

func (d *Detector) fireTerminated(e Epoch) {
	d.mu.Lock()
	if d.terminated[e] {
		d.mu.Unlock()
		return
	}
	d.terminated[e] = true
	acts := d.actions[e]
	delete(d.actions, e)
	delete(d.uniqueActions, e)
	parent, hasParent := d.parentOf[e]
	delete(d.parentOf, e)
	d.outstanding--
	d.met.SetEpochsOutstanding(d.outstanding)
	if e.IsRooted() {
		d.met.IncEpochWave("rooted")
	}
	d.mu.Unlock()

	for _, fn := range acts {
		fn()
	}
	if hasParent {
		d.genCons(parent)
	}
}

// genCons releases the artificial produce ParentEpochCapture placed on
// parent when child was created.
func (d *Detector) genCons(parent Epoch) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ws, ok := d.wave[parent]; ok {
		ws.produced--
	}
}

// AddAction registers fn to run, in registration order, when e
// terminates. If e has already terminated, fn runs immediately.
func (d *Detector) AddAction(e Epoch, fn func()) {
	d.mu.Lock()
	if d.terminated[e] {
		d.mu.Unlock()
		fn()
		return
	}
	d.actions[e] = append(d.actions[e], fn)
	d.mu.Unlock()
}

// AddActionEpoch is equivalent to AddAction.
func (d *Detector) AddActionEpoch(e Epoch, fn func()) { d.AddAction(e, fn) }

// AddActionUnique registers fn under label, idempotently: a second
// call with the same (e, label) is a no-op. If e has already
// terminated, fn runs immediately regardless of whether label was seen
// before, since there is no later firing it could instead ride along
// with.
func (d *Detector) AddActionUnique(e Epoch, label string, fn func()) {
	d.mu.Lock()
	if d.terminated[e] {
		d.mu.Unlock()
		fn()
		return
	}
	if d.uniqueActions[e] == nil {
		d.uniqueActions[e] = make(map[string]struct{})
	}
	if _, seen := d.uniqueActions[e][label]; seen {
		d.mu.Unlock()
		return
	}
	d.uniqueActions[e][label] = struct{}{}
	d.actions[e] = append(d.actions[e], fn)
	d.mu.Unlock()
}

// IsTerminated reports whether e has terminated.
func (d *Detector) IsTerminated(e Epoch) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.terminated[e]
}
