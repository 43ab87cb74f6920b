// Package scheduler implements a single-threaded cooperative loop per
// rank that drives transport receive progress, component progress
// functions, and a priority work queue, with idle/idle-minus-term
// triggers and epoch-gated deferred enqueueing.
//
// User-level-thread suspension is realized as a goroutine parked on a
// channel keyed by thread id: Suspend stores the runnable and blocks
// that goroutine; Resume re-enqueues the runnable as a work unit and
// releases the channel.
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/vtrt-project/vtrt/internal/epoch"
	"github.com/vtrt-project/vtrt/internal/log"
	"github.com/vtrt-project/vtrt/internal/metrics"
	"github.com/vtrt-project/vtrt/internal/transport"
)

// ThreadID identifies a suspendable user-level thread.
type ThreadID uint64

// WorkUnit is the unit of scheduling: an action plus whether it
// participates in the idle-minus-term criterion and its priority (lower
// runs first; units of equal priority run in FIFO order).
type WorkUnit struct {
	IsTerm   bool
	Priority int
	Action   func()
}

type queuedUnit struct {
	unit WorkUnit
	seq  uint64
}

// unitHeap orders by (Priority, seq): lower priority value first, ties
// broken by insertion order so equal-priority units stay FIFO.
type unitHeap []queuedUnit

func (h unitHeap) Len() int { return len(h) }
func (h unitHeap) Less(i, j int) bool {
	if h[i].unit.Priority != h[j].unit.Priority {
		return h[i].unit.Priority < h[j].unit.Priority
	}
	return h[i].seq < h[j].seq
}
func (h unitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *unitHeap) Push(x any)        { *h = append(*h, x.(queuedUnit)) }
func (h *unitHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Scheduler is the per-rank cooperative loop. It is not safe for
// concurrent Run* calls by more than one goroutine — only the comm
// thread drives it — but Enqueue/Suspend/Resume may be called from any
// goroutine (e.g. a handler running on a worker), matching the rest of
// the runtime's single-comm-thread discipline.
type Scheduler struct {
	t   transport.Transport
	log log.Logger
	met *metrics.Metrics

	mu             sync.Mutex
	queue          unitHeap
	seq            uint64
	termCount      int
	pending        map[epoch.Epoch][]WorkUnit
	progressFns    []func() bool
	beginIdle      []func()
	endIdle        []func()
	beginIdleTerm  []func()
	endIdleTerm    []func()
	wasEmpty       bool
	wasEmptyTerm   bool
	depth          int
	suspended      map[ThreadID]*suspendedThread
}

type suspendedThread struct {
	runnable WorkUnit
	done     chan struct{}
}

// New builds a Scheduler whose receive poll is driven from t.
func New(t transport.Transport, logger log.Logger) *Scheduler {
	return &Scheduler{
		t:            t,
		log:          logger.WithPrefix("scheduler"),
		pending:      make(map[epoch.Epoch][]WorkUnit),
		wasEmpty:     true,
		wasEmptyTerm: true,
		suspended:    make(map[ThreadID]*suspendedThread),
	}
}

// SetMetrics wires m in so queue depth, idle transitions and work unit
// durations are observed; nil (the default) disables metrics.
func (s *Scheduler) SetMetrics(m *metrics.Metrics) {
	s.met = m
}

// RegisterProgress adds a component progress function, driven at most
// once per runSchedulerOnceImpl call. It returns whether it made
// progress.
func (s *Scheduler) RegisterProgress(fn func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progressFns = append(s.progressFns, fn)
}

// OnBeginIdle registers fn to run whenever the queue transitions from
// non-empty to empty.
func (s *Scheduler) OnBeginIdle(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beginIdle = append(s.beginIdle, fn)
}

// OnEndIdle registers fn to run whenever the queue transitions from
// empty to non-empty.
func (s *Scheduler) OnEndIdle(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endIdle = append(s.endIdle, fn)
}

// OnBeginIdleMinusTerm registers fn to run whenever the queue
// transitions to holding nothing but IsTerm units (or nothing at all) —
// the idle-minus-term criterion, which lets a termination detector's own
// epoch-release work units keep a rank from falsely looking busy.
func (s *Scheduler) OnBeginIdleMinusTerm(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beginIdleTerm = append(s.beginIdleTerm, fn)
}

// OnEndIdleMinusTerm registers fn to run whenever the queue transitions
// from holding nothing but IsTerm units to holding at least one
// non-IsTerm unit.
func (s *Scheduler) OnEndIdleMinusTerm(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endIdleTerm = append(s.endIdleTerm, fn)
}

// Enqueue appends unit to the ready queue directly.
func (s *Scheduler) Enqueue(unit WorkUnit) {
	s.mu.Lock()
	s.pushLocked(unit)
	s.mu.Unlock()
}

func (s *Scheduler) pushLocked(unit WorkUnit) {
	s.seq++
	heap.Push(&s.queue, queuedUnit{unit: unit, seq: s.seq})
	if unit.IsTerm {
		s.termCount++
	}
	s.met.SetSchedulerQueueDepth(s.queue.Len())
}

// EnqueueAfterEpoch defers unit until det reports e terminated, rather
// than making it immediately ready — the dependency-ordered-epoch
// case. If e has already terminated (or det/e is nil/NoEpoch) the
// unit is made ready immediately.
func (s *Scheduler) EnqueueAfterEpoch(det *epoch.Detector, e epoch.Epoch, unit WorkUnit) {
	if det == nil || e == epoch.NoEpoch || det.IsTerminated(e) {
		s.Enqueue(unit)
		return
	}
	s.mu.Lock()
	s.pending[e] = append(s.pending[e], unit)
	first := len(s.pending[e]) == 1
	s.mu.Unlock()
	if first {
		det.AddActionUnique(e, "scheduler-release", func() { s.releasePending(e) })
	}
}

func (s *Scheduler) releasePending(e epoch.Epoch) {
	s.mu.Lock()
	units := s.pending[e]
	delete(s.pending, e)
	s.mu.Unlock()
	for _, u := range units {
		s.Enqueue(u)
	}
}

func (s *Scheduler) popLocked() (WorkUnit, bool) {
	if s.queue.Len() == 0 {
		return WorkUnit{}, false
	}
	item := heap.Pop(&s.queue).(queuedUnit)
	if item.unit.IsTerm {
		s.termCount--
	}
	s.met.SetSchedulerQueueDepth(s.queue.Len())
	return item.unit, true
}

// RunOnce implements runSchedulerOnceImpl: one round of transport
// receive progress, one round of every registered component progress
// function, at most one popped work unit (skipped when msgOnly is
// true), then idle-trigger bookkeeping. It returns whether any progress
// was made.
func (s *Scheduler) RunOnce(msgOnly bool) bool {
	s.mu.Lock()
	s.depth++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.depth--
		s.mu.Unlock()
	}()

	progressed := s.t.Poll()

	s.mu.Lock()
	fns := append([]func() bool(nil), s.progressFns...)
	s.mu.Unlock()
	for _, fn := range fns {
		if fn() {
			progressed = true
		}
	}

	// Idle transitions are measured against the queue state as the turn
	// begins, not after this turn's own pop drains it — otherwise a
	// single-unit queue would never observably "end idle" before going
	// straight back to idle within the same call.
	s.updateIdle()

	ranUnit := false
	if !msgOnly {
		s.mu.Lock()
		unit, ok := s.popLocked()
		s.mu.Unlock()
		if ok {
			s.runUnit(unit)
			ranUnit = true
		}
	}

	return progressed || ranUnit
}

// runUnit executes unit's action in an exception-safe scope: a panic is
// recovered and logged rather than unwinding the whole scheduler loop,
// so one misbehaving handler cannot wedge every other unit's progress.
func (s *Scheduler) runUnit(unit WorkUnit) {
	start := time.Now()
	defer func() {
		s.met.ObserveSchedulerWorkUnitDuration(time.Since(start).Seconds())
		if r := recover(); r != nil {
			s.log.Errorf("work unit panicked: %v", errors.Errorf("%v", r))
		}
	}()
	unit.Action()
}

func (s *Scheduler) updateIdle() {
	s.mu.Lock()
	empty := s.queue.Len() == 0
	wasEmpty := s.wasEmpty
	s.wasEmpty = empty

	emptyTerm := s.queue.Len()-s.termCount == 0
	wasEmptyTerm := s.wasEmptyTerm
	s.wasEmptyTerm = emptyTerm

	var begin, end, beginTerm, endTerm []func()
	if empty && !wasEmpty {
		begin = append([]func()(nil), s.beginIdle...)
		s.met.IncSchedulerIdleTransition()
	} else if !empty && wasEmpty {
		end = append([]func()(nil), s.endIdle...)
	}
	if emptyTerm && !wasEmptyTerm {
		beginTerm = append([]func()(nil), s.beginIdleTerm...)
	} else if !emptyTerm && wasEmptyTerm {
		endTerm = append([]func()(nil), s.endIdleTerm...)
	}
	s.mu.Unlock()

	for _, fn := range begin {
		fn()
	}
	for _, fn := range end {
		fn()
	}
	for _, fn := range beginTerm {
		fn()
	}
	for _, fn := range endTerm {
		fn()
	}
}

// RunWhile implements runSchedulerWhile: the only correct way to nest
// scheduler loops, since a bare `for cond() { runOnce() }` at a call
// site would bypass this type's depth/idle bookkeeping.
func (s *Scheduler) RunWhile(cond func() bool) {
	for cond() {
		s.RunOnce(false)
	}
}

// Depth returns the current scheduler nesting depth (number of RunOnce
// calls currently on the stack, including nested ones driven by a work
// unit's own action calling back into RunWhile).
func (s *Scheduler) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depth
}

// Suspend stores runnable (to be re-enqueued as a priority-tagged work
// unit once Resume(tid) is called) and parks the calling goroutine,
// realizing the fcontext/ucontext stack-switch back to the main
// scheduler stack. Calling Suspend twice for the same tid without an
// intervening Resume is a precondition violation — the caller owns
// ensuring single-flight use of a tid.
func (s *Scheduler) Suspend(tid ThreadID, runnable func(), priority int) {
	s.mu.Lock()
	if _, exists := s.suspended[tid]; exists {
		s.mu.Unlock()
		panic(errors.Errorf("scheduler: thread %d already suspended", tid))
	}
	st := &suspendedThread{
		runnable: WorkUnit{Priority: priority, Action: runnable},
		done:     make(chan struct{}),
	}
	s.suspended[tid] = st
	s.mu.Unlock()

	<-st.done
}

// Resume re-enqueues tid's stored runnable as a normal work unit (it
// runs on a later scheduler turn, not directly on Resume's caller) and
// releases the goroutine blocked in Suspend(tid).
func (s *Scheduler) Resume(tid ThreadID) {
	s.mu.Lock()
	st, ok := s.suspended[tid]
	delete(s.suspended, tid)
	s.mu.Unlock()
	if !ok {
		s.log.Errorf("scheduler: resume of unknown thread %d ignored", tid)
		return
	}
	s.Enqueue(st.runnable)
	close(st.done)
}
