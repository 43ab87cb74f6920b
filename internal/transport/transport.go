// Package transport implements the external interface the runtime
// core needs: a reliable, ordered, point-to-point byte-sending channel
// between ranks plus a barrier. Two implementations are provided: an
// in-process Local transport for tests and single-box demos, and a
// Websocket transport for real multi-process deployment.
package transport

import "context"

// Request is a handle to a non-blocking send: a send_bytes(...) call
// returns one in place of blocking on completion.
type Request interface {
	// Test reports whether the send has completed.
	Test() bool
}

// Handler is invoked with the bytes of a message that arrived for tag,
// from src.
type Handler func(src int, tag uint32, payload []byte)

// Transport is the substrate ActiveMessenger is built on.
// Implementations need not be safe for concurrent use by more than one
// goroutine; only the comm thread calls these methods.
type Transport interface {
	// Rank returns this process's rank id.
	Rank() int
	// Size returns the total number of ranks.
	Size() int

	// SendBytes posts a non-blocking, reliable, FIFO-per-(src,dst,tag)
	// send and returns a Request to poll for completion.
	SendBytes(dst int, tag uint32, payload []byte) (Request, error)

	// SetHandler installs the callback invoked when bytes for tag
	// arrive from any source. Handlers must be installed before Run.
	SetHandler(tag uint32, h Handler)

	// Poll drives one round of receive progress: it delivers any
	// buffered inbound messages to their registered Handler and
	// reports whether any progress was made.
	Poll() bool

	// Barrier blocks until every rank has called Barrier with the same
	// generation (the Nth call on every rank rendezvous together).
	Barrier(ctx context.Context) error

	// Reduce combines a local value across all ranks along the
	// transport's default spanning tree using op, an associative and
	// commutative operator, and returns the combined result on every
	// rank (an "allreduce"). This is the primitive the four-counter
	// wave's two reduction passes are built from.
	Reduce(ctx context.Context, local uint64, op func(a, b uint64) uint64) (uint64, error)

	// Close releases any resources (sockets, goroutines) the transport
	// holds.
	Close() error
}

// Standard active-message tags reserved by the runtime. Application tags
// must be >= TagUserBase.
const (
	TagActiveMessage uint32 = iota
	TagLocationRequest
	TagLocationReply
	TagLocationRoute
	TagPut
	TagReduce
	TagBarrier
	TagTermination
	TagVirtualConstruct
	TagVirtualConstructReply
	TagVirtualConstructImmediate
	TagVirtualMigrate

	TagUserBase uint32 = 1 << 16
)
