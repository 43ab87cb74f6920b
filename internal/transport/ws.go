// Websocket transport: a full mesh of gorilla/websocket connections
// between rank processes, realizing a reliable, ordered, point-to-point
// byte primitive over a real network. Framing is
// trivial (each websocket message already has a length, so no further
// length-prefixing is needed) which is exactly the framing win a
// message-oriented protocol like websocket buys over a raw TCP byte
// stream.
package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vtrt-project/vtrt/internal/log"
)

// Websocket connects size ranks addressed by peers[rank] = "host:port".
// Rank i listens on peers[i] and dials every peer j < i; this yields
// exactly one connection per unordered pair, avoiding double-dial races.
type Websocket struct {
	rank  int
	size  int
	peers []string
	log   log.Logger

	upgrader websocket.Upgrader
	listener net.Listener

	mu       sync.Mutex
	conns    map[int]*websocket.Conn
	handlers map[uint32]Handler

	inbox chan localMessage

	barrierMu   sync.Mutex
	barrierGen  int
	barrierWait map[int]chan struct{}
	barrierAck  map[int]int

	reduceMu   sync.Mutex
	reduceGen  int
	reduceAcc  map[int]uint64
	reduceSeen map[int]int
	reduceOp   map[int]func(a, b uint64) uint64
	reduceOut  map[int]chan uint64
}

// controlMsg is the wire shape of barrier/reduce coordination traffic,
// which rank 0 mediates the way a real spanning-tree reduction would
// mediate it at the root.
type controlMsg struct {
	gen   uint32
	value uint64
}

func encodeControl(c controlMsg) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], c.gen)
	binary.BigEndian.PutUint64(buf[4:12], c.value)
	return buf
}

func decodeControl(b []byte) controlMsg {
	return controlMsg{
		gen:   binary.BigEndian.Uint32(b[0:4]),
		value: binary.BigEndian.Uint64(b[4:12]),
	}
}

// NewWebsocket dials/listens the full mesh and blocks until every
// connection in the mesh is established.
func NewWebsocket(ctx context.Context, rank int, peers []string, logger log.Logger) (*Websocket, error) {
	size := len(peers)
	w := &Websocket{
		rank:        rank,
		size:        size,
		peers:       peers,
		log:         logger,
		conns:       make(map[int]*websocket.Conn),
		handlers:    make(map[uint32]Handler),
		inbox:       make(chan localMessage, 4096),
		barrierWait: make(map[int]chan struct{}),
		barrierAck:  make(map[int]int),
		reduceAcc:   make(map[int]uint64),
		reduceSeen:  make(map[int]int),
		reduceOp:    make(map[int]func(a, b uint64) uint64),
		reduceOut:   make(map[int]chan uint64),
	}

	ln, err := net.Listen("tcp", peers[rank])
	if err != nil {
		return nil, fmt.Errorf("transport(ws): listen on %s: %w", peers[rank], err)
	}
	w.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/vtrt", w.acceptHandler)
	go func() { _ = http.Serve(ln, mux) }() //nolint:errcheck

	var wg sync.WaitGroup
	errCh := make(chan error, size)
	for j := 0; j < rank; j++ {
		wg.Add(1)
		go func(j int) {
			defer wg.Done()
			if err := w.dial(ctx, j); err != nil {
				errCh <- err
			}
		}(j)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return nil, err
		}
	}

	// Wait for the lower-ranked peers to have dialed us.
	deadline := time.Now().Add(30 * time.Second)
	for {
		w.mu.Lock()
		n := len(w.conns)
		w.mu.Unlock()
		if n == size-1 {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("transport(ws): mesh did not converge, have %d/%d peers", n, size-1)
		}
		time.Sleep(10 * time.Millisecond)
	}

	return w, nil
}

func (w *Websocket) dial(ctx context.Context, peer int) error {
	url := "ws://" + w.peers[peer] + "/vtrt"
	var conn *websocket.Conn
	var err error
	deadline := time.Now().Add(30 * time.Second)
	for {
		conn, _, err = websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("transport(ws): dial %s: %w", url, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err := w.handshakeOutbound(conn, peer); err != nil {
		return err
	}
	w.mu.Lock()
	w.conns[peer] = conn
	w.mu.Unlock()
	go w.readLoop(peer, conn)
	return nil
}

func (w *Websocket) handshakeOutbound(conn *websocket.Conn, peer int) error {
	if err := conn.WriteMessage(websocket.BinaryMessage, encodeRank(w.rank)); err != nil {
		return fmt.Errorf("transport(ws): handshake with rank %d: %w", peer, err)
	}
	return nil
}

func (w *Websocket) acceptHandler(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.log.Errorf("transport(ws): upgrade failed: %v", err)
		return
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		w.log.Errorf("transport(ws): handshake read failed: %v", err)
		return
	}
	peer := decodeRank(data)
	w.mu.Lock()
	w.conns[peer] = conn
	w.mu.Unlock()
	go w.readLoop(peer, conn)
}

func encodeRank(r int) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(r))
	return buf
}

func decodeRank(b []byte) int { return int(binary.BigEndian.Uint32(b)) }

func (w *Websocket) readLoop(peer int, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if len(data) < 4 {
			continue
		}
		tag := binary.BigEndian.Uint32(data[0:4])
		payload := data[4:]
		switch tag {
		case tagBarrierControl:
			w.onBarrierControl(peer, decodeControl(payload))
		case tagReduceControl:
			w.onReduceControl(peer, decodeControl(payload))
		default:
			w.inbox <- localMessage{src: peer, tag: tag, payload: payload}
		}
	}
}

func (w *Websocket) Rank() int { return w.rank }
func (w *Websocket) Size() int { return w.size }

type wsRequest struct{ done bool }

func (r *wsRequest) Test() bool { return r.done }

func (w *Websocket) send(dst int, tag uint32, payload []byte) error {
	w.mu.Lock()
	conn := w.conns[dst]
	w.mu.Unlock()
	if dst == w.rank {
		w.inbox <- localMessage{src: w.rank, tag: tag, payload: payload}
		return nil
	}
	if conn == nil {
		return fmt.Errorf("transport(ws): no connection to rank %d", dst)
	}
	framed := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(framed[0:4], tag)
	copy(framed[4:], payload)
	return conn.WriteMessage(websocket.BinaryMessage, framed)
}

func (w *Websocket) SendBytes(dst int, tag uint32, payload []byte) (Request, error) {
	if err := w.send(dst, tag, payload); err != nil {
		return nil, err
	}
	return &wsRequest{done: true}, nil
}

func (w *Websocket) SetHandler(tag uint32, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[tag] = h
}

func (w *Websocket) Poll() bool {
	progressed := false
	for {
		select {
		case m := <-w.inbox:
			w.mu.Lock()
			h := w.handlers[m.tag]
			w.mu.Unlock()
			if h != nil {
				h(m.src, m.tag, m.payload)
			}
			progressed = true
		default:
			return progressed
		}
	}
}

const (
	tagBarrierControl uint32 = 1<<32 - 1 - iota
	tagReduceControl
)

// Barrier and Reduce are mediated by rank 0, the way a real
// spanning-tree collective would use a root for the final combine step;
// every rank sends its contribution to rank 0 and waits for the
// broadcast reply.
func (w *Websocket) Barrier(ctx context.Context) error {
	w.barrierMu.Lock()
	gen := w.barrierGen
	w.barrierGen++
	ch := make(chan struct{})
	w.barrierWait[gen] = ch
	w.barrierMu.Unlock()

	if w.rank == 0 {
		w.onBarrierControl(0, controlMsg{gen: uint32(gen)})
	} else if err := w.send(0, tagBarrierControl, encodeControl(controlMsg{gen: uint32(gen)})); err != nil {
		return err
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Websocket) onBarrierControl(_ int, c controlMsg) {
	if w.rank != 0 {
		// Non-root ranks only ever receive the release broadcast.
		w.barrierMu.Lock()
		ch := w.barrierWait[int(c.gen)]
		w.barrierMu.Unlock()
		if ch != nil {
			close(ch)
		}
		return
	}
	w.barrierMu.Lock()
	w.barrierAck[int(c.gen)]++
	n := w.barrierAck[int(c.gen)]
	w.barrierMu.Unlock()
	if n == w.size {
		for r := 1; r < w.size; r++ {
			_ = w.send(r, tagBarrierControl, encodeControl(c))
		}
		w.barrierMu.Lock()
		ch := w.barrierWait[int(c.gen)]
		w.barrierMu.Unlock()
		if ch != nil {
			close(ch)
		}
	}
}

// Reduce assumes every rank calls Reduce the same number of times in the
// same relative order (true of the four-counter wave's usage: all ranks
// contribute exactly once per wave), so a simple per-rank call-order
// counter serves as the generation number every rank agrees on without
// an extra coordination round-trip.
func (w *Websocket) Reduce(ctx context.Context, local uint64, op func(a, b uint64) uint64) (uint64, error) {
	w.reduceMu.Lock()
	gen := w.reduceGen
	w.reduceGen++
	out := make(chan uint64, 1)
	w.reduceOut[gen] = out
	if w.rank == 0 {
		w.reduceOp[gen] = op
	}
	w.reduceMu.Unlock()

	if w.rank == 0 {
		w.foldContribution(gen, local)
	} else if err := w.send(0, tagReduceControl, encodeControl(controlMsg{gen: uint32(gen), value: local})); err != nil {
		return 0, err
	}

	select {
	case v := <-out:
		return v, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (w *Websocket) onReduceControl(_ int, c controlMsg) {
	if w.rank == 0 {
		w.foldContribution(int(c.gen), c.value)
		return
	}
	w.reduceMu.Lock()
	out := w.reduceOut[int(c.gen)]
	w.reduceMu.Unlock()
	if out != nil {
		out <- c.value
	}
}

// foldContribution runs on rank 0 only: it combines one rank's
// contribution into generation gen's accumulator and, once every rank
// has contributed, broadcasts the combined result.
func (w *Websocket) foldContribution(gen int, value uint64) {
	w.reduceMu.Lock()
	op := w.reduceOp[gen]
	if v, ok := w.reduceAcc[gen]; ok {
		w.reduceAcc[gen] = op(v, value)
	} else {
		w.reduceAcc[gen] = value
	}
	w.reduceSeen[gen]++
	done := w.reduceSeen[gen] == w.size
	var combined uint64
	var out chan uint64
	if done {
		combined = w.reduceAcc[gen]
		out = w.reduceOut[gen]
		delete(w.reduceAcc, gen)
		delete(w.reduceSeen, gen)
		delete(w.reduceOp, gen)
		delete(w.reduceOut, gen)
	}
	w.reduceMu.Unlock()

	if !done {
		return
	}
	for r := 1; r < w.size; r++ {
		_ = w.send(r, tagReduceControl, encodeControl(controlMsg{gen: uint32(gen), value: combined}))
	}
	if out != nil {
		out <- combined
	}
}

func (w *Websocket) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range w.conns {
		_ = c.Close()
	}
	return w.listener.Close()
}
