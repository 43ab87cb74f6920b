package transport

import (
	"context"
	"fmt"
	"sync"
)

type localMessage struct {
	src     int
	tag     uint32
	payload []byte
}

// Local is an in-process Transport connecting every rank created from
// the same NewLocalFleet call via buffered Go channels. It is used by
// tests and single-box demos that want many ranks without real sockets.
type Local struct {
	rank  int
	size  int
	inbox chan localMessage

	peers []*Local // index by rank; shared across the fleet

	mu       sync.Mutex
	handlers map[uint32]Handler

	barrier *localBarrier
	reduce  *localReduce
}

// NewLocalFleet creates size Local transports that can all address one
// another, sharing one barrier and one reduction tree.
func NewLocalFleet(size int) []*Local {
	fleet := make([]*Local, size)
	b := newLocalBarrier(size)
	r := newLocalReduce(size)
	for i := range fleet {
		fleet[i] = &Local{
			rank:     i,
			size:     size,
			inbox:    make(chan localMessage, 1024),
			handlers: make(map[uint32]Handler),
			barrier:  b,
			reduce:   r,
		}
	}
	for _, l := range fleet {
		l.peers = fleet
	}
	return fleet
}

func (l *Local) Rank() int { return l.rank }
func (l *Local) Size() int { return l.size }

type localRequest struct{ done bool }

func (r *localRequest) Test() bool { return r.done }

// SendBytes is synchronous under the hood (the channel send itself may
// block briefly if the peer's inbox is full) but reports completion
// immediately, modeling a reliable FIFO link with effectively unbounded
// buffering for the message sizes this runtime deals in.
func (l *Local) SendBytes(dst int, tag uint32, payload []byte) (Request, error) {
	if dst < 0 || dst >= l.size {
		return nil, fmt.Errorf("transport: dst rank %d out of range", dst)
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	l.peers[dst].inbox <- localMessage{src: l.rank, tag: tag, payload: cp}
	return &localRequest{done: true}, nil
}

func (l *Local) SetHandler(tag uint32, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[tag] = h
}

// Poll drains every message currently queued in the inbox (non-blocking)
// and dispatches each to its registered handler.
func (l *Local) Poll() bool {
	progressed := false
	for {
		select {
		case m := <-l.inbox:
			l.mu.Lock()
			h := l.handlers[m.tag]
			l.mu.Unlock()
			if h != nil {
				h(m.src, m.tag, m.payload)
			}
			progressed = true
		default:
			return progressed
		}
	}
}

func (l *Local) Barrier(ctx context.Context) error {
	return l.barrier.wait(ctx)
}

func (l *Local) Reduce(ctx context.Context, local uint64, op func(a, b uint64) uint64) (uint64, error) {
	return l.reduce.allreduce(ctx, l.rank, local, op)
}

func (l *Local) Close() error { return nil }

// localBarrier rendezvous-es size participants per generation.
type localBarrier struct {
	size int

	mu      sync.Mutex
	gen     int
	arrived int
	waiters []chan struct{}
}

func newLocalBarrier(size int) *localBarrier { return &localBarrier{size: size} }

func (b *localBarrier) wait(ctx context.Context) error {
	b.mu.Lock()
	myGen := b.gen
	b.arrived++
	ch := make(chan struct{})
	b.waiters = append(b.waiters, ch)
	release := b.arrived == b.size
	var toRelease []chan struct{}
	if release {
		toRelease = b.waiters
		b.waiters = nil
		b.arrived = 0
		b.gen++
	}
	b.mu.Unlock()

	if release {
		for _, w := range toRelease {
			close(w)
		}
		return nil
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("transport: barrier (gen %d) canceled: %w", myGen, ctx.Err())
	}
}

// localReduce implements an allreduce by simple central aggregation: the
// transport is in-process so there is no latency benefit to a real tree,
// but the operator contract (associative, commutative, applied once per
// contribution) matches what a real spanning-tree reduction would give
// the termination detector.
type localReduce struct {
	size int

	mu      sync.Mutex
	gen     int
	values  map[int]uint64
	results []chan uint64
}

func newLocalReduce(size int) *localReduce {
	return &localReduce{size: size, values: make(map[int]uint64)}
}

func (r *localReduce) allreduce(ctx context.Context, rank int, local uint64, op func(a, b uint64) uint64) (uint64, error) {
	r.mu.Lock()
	r.values[rank] = local
	ch := make(chan uint64, 1)
	r.results = append(r.results, ch)
	ready := len(r.values) == r.size
	var chans []chan uint64
	var combined uint64
	if ready {
		first := true
		for _, v := range r.values {
			if first {
				combined = v
				first = false
				continue
			}
			combined = op(combined, v)
		}
		chans = r.results
		r.results = nil
		r.values = make(map[int]uint64)
		r.gen++
	}
	r.mu.Unlock()

	if ready {
		for _, c := range chans {
			c <- combined
		}
		return combined, nil
	}

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
