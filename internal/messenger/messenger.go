// Package messenger implements ActiveMessenger: stamping and sending
// typed messages to a rank or the whole fleet, the binomial broadcast
// tree, the two-message Put payload protocol, and the receive-side
// dispatch that ties envelope, registry, event and epoch together. It
// is the one component every send in the runtime passes through.
package messenger

import (
	"encoding/binary"
	"sync"

	"github.com/vtrt-project/vtrt/internal/envelope"
	"github.com/vtrt-project/vtrt/internal/epoch"
	"github.com/vtrt-project/vtrt/internal/event"
	"github.com/vtrt-project/vtrt/internal/log"
	"github.com/vtrt-project/vtrt/internal/metrics"
	"github.com/vtrt-project/vtrt/internal/registry"
	"github.com/vtrt-project/vtrt/internal/transport"
)

// Messenger is the per-rank ActiveMessenger. Send-side methods may be
// called from any goroutine; the receive-side handlers it installs run
// on whatever goroutine drives transport.Poll (normally the scheduler's
// comm thread), matching the rest of the runtime's single-comm-thread
// discipline for dispatch.
type Messenger struct {
	self     int
	numNodes int
	t        transport.Transport
	reg      *registry.Registry
	ev       *event.Manager
	det      *epoch.Detector
	log      log.Logger
	met      *metrics.Metrics

	mu           sync.Mutex
	epochStack   []epoch.Epoch
	dataSeq      uint64
	dataPending  map[uint64]func([]byte)
	dataBuffered map[uint64][]byte
}

// New builds a Messenger bound to t, installing the active-message and
// put-data receive handlers. det may be nil for tests that don't care
// about termination tracking; Produce/Consume calls are then skipped.
func New(self, numNodes int, t transport.Transport, reg *registry.Registry, ev *event.Manager, det *epoch.Detector, logger log.Logger) *Messenger {
	m := &Messenger{
		self:         self,
		numNodes:     numNodes,
		t:            t,
		reg:          reg,
		ev:           ev,
		det:          det,
		log:          logger.WithPrefix("messenger"),
		dataPending:  make(map[uint64]func([]byte)),
		dataBuffered: make(map[uint64][]byte),
	}
	t.SetHandler(transport.TagActiveMessage, m.onActiveMsg)
	t.SetHandler(transport.TagPut, m.onPutData)
	return m
}

// SetMetrics wires m in so sends, broadcast fan-out, put transfers and
// deliveries are observed; nil (the default) disables metrics.
func (m *Messenger) SetMetrics(met *metrics.Metrics) {
	m.met = met
}

// PushEpoch makes e the epoch newly stamped sends are tagged with,
// until PopEpoch is called — the substrate `runInEpoch{Rooted,Collective}`
// pushes onto before running a handler's enclosed sends.
func (m *Messenger) PushEpoch(e epoch.Epoch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epochStack = append(m.epochStack, e)
}

// PopEpoch pops the epoch pushed by the matching PushEpoch.
func (m *Messenger) PopEpoch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.epochStack); n > 0 {
		m.epochStack = m.epochStack[:n-1]
	}
}

// CurrentEpoch returns the top of the epoch stack, or epoch.NoEpoch if
// nothing is pushed.
func (m *Messenger) CurrentEpoch() epoch.Epoch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentEpochLocked()
}

func (m *Messenger) currentEpochLocked() epoch.Epoch {
	if n := len(m.epochStack); n > 0 {
		return m.epochStack[n-1]
	}
	return epoch.NoEpoch
}

// SendMsg sends payload to dest under handlerID, stamped with whatever
// epoch is currently pushed (if any). It returns an event id that
// completes once the underlying transport send completes.
func (m *Messenger) SendMsg(dest int, handlerID registry.HandlerID, payload []byte) (event.ID, error) {
	e := m.CurrentEpoch()
	env := envelope.Init()
	env.Setup(uint64(dest), uint64(handlerID))
	if e != epoch.NoEpoch {
		env.SetEpoch(uint64(e))
	}
	env.Lock()
	wire := append(env.Marshal(), payload...)

	if e != epoch.NoEpoch && m.det != nil {
		m.det.Produce(e, dest, 1)
	}
	req, err := m.t.SendBytes(dest, transport.TagActiveMessage, wire)
	if err != nil {
		return "", err
	}
	m.met.IncActiveMessageSent()
	return m.ev.CreateTransportEvent(req, nil), nil
}

// SendPutMsg ships putPayload as a raw data transfer first, then sends
// a small envelope-only message referencing it by tag; the destination
// delivers the handler only once both have arrived — the two-message
// Put protocol.
func (m *Messenger) SendPutMsg(dest int, handlerID registry.HandlerID, putPayload []byte) (event.ID, error) {
	tag, err := m.SendData(dest, putPayload)
	if err != nil {
		return "", err
	}

	e := m.CurrentEpoch()
	env := envelope.Init()
	env.Setup(uint64(dest), uint64(handlerID))
	env.SetPut(tag, uint64(len(putPayload)))
	if e != epoch.NoEpoch {
		env.SetEpoch(uint64(e))
	}
	env.Lock()
	wire := env.Marshal()

	if e != epoch.NoEpoch && m.det != nil {
		m.det.Produce(e, dest, 1)
	}
	req, err := m.t.SendBytes(dest, transport.TagActiveMessage, wire)
	if err != nil {
		return "", err
	}
	m.met.IncActiveMessageSent()
	return m.ev.CreateTransportEvent(req, nil), nil
}

// BroadcastMsg sends payload to every other rank along the standard
// binomial tree rooted at this rank, delivering to itself directly
// (without a wire round trip) unless deliverToSelf is false. It
// returns a parent event that completes once every fan-out send has.
func (m *Messenger) BroadcastMsg(handlerID registry.HandlerID, payload []byte, deliverToSelf bool) (event.ID, error) {
	e := m.CurrentEpoch()
	env := envelope.Init()
	env.Setup(uint64(m.self), uint64(handlerID))
	env.SetType(envelope.BroadcastMsg)
	if e != epoch.NoEpoch {
		env.SetEpoch(uint64(e))
	}
	env.Lock()
	wire := append(env.Marshal(), payload...)

	parent := m.ev.CreateParentEvent()
	m.fanOutBroadcast(parent, m.self, m.self, e, wire)

	if deliverToSelf {
		m.deliverActiveMsg(m.self, env, payload)
	}
	return parent, nil
}

// fanOutBroadcast sends wire to this rank's children in the binomial
// tree rooted at root, attaching each send's transport event to parent.
// Used only by the originating BroadcastMsg call, whose caller holds
// the returned parent event and may want to know when the whole
// fan-out has completed.
func (m *Messenger) fanOutBroadcast(parent event.ID, from, root int, e epoch.Epoch, wire []byte) {
	c1, c2, has1, has2 := binomialChildren(from, root, m.numNodes)
	if has1 {
		m.sendBroadcastHop(parent, c1, e, wire)
	}
	if has2 {
		m.sendBroadcastHop(parent, c2, e, wire)
	}
}

func (m *Messenger) sendBroadcastHop(parent event.ID, dest int, e epoch.Epoch, wire []byte) {
	if e != epoch.NoEpoch && m.det != nil {
		m.det.Produce(e, dest, 1)
	}
	req, err := m.t.SendBytes(dest, transport.TagActiveMessage, wire)
	if err != nil {
		m.log.Errorf("broadcast hop to rank %d failed: %v", dest, err)
		return
	}
	m.met.IncBroadcastFanout()
	child := m.ev.CreateTransportEvent(req, nil)
	m.ev.AddChild(parent, child)
}

// sendBroadcastHopNoEvent forwards wire to dest without creating an
// event record, for interior re-forwarding where nothing awaits
// completion.
func (m *Messenger) sendBroadcastHopNoEvent(dest int, e epoch.Epoch, wire []byte) {
	if e != epoch.NoEpoch && m.det != nil {
		m.det.Produce(e, dest, 1)
	}
	if _, err := m.t.SendBytes(dest, transport.TagActiveMessage, wire); err != nil {
		m.log.Errorf("broadcast hop to rank %d failed: %v", dest, err)
		return
	}
	m.met.IncBroadcastFanout()
}

// binomialChildren computes the two children `from` owns in the
// binomial spanning tree rooted at root over n ranks, matching the
// reference rel_node/abs_child formula exactly: child i is only valid
// when its absolute index falls within [0, n).
func binomialChildren(from, root, n int) (c1, c2 int, has1, has2 bool) {
	rel := (from - root + n) % n
	abs1 := rel*2 + 1
	abs2 := rel*2 + 2
	if abs1 < n {
		c1, has1 = (abs1+root)%n, true
	}
	if abs2 < n {
		c2, has2 = (abs2+root)%n, true
	}
	return
}

// SendData posts a raw, untyped byte transfer to dest and returns a tag
// the destination uses with RecvDataMsg to retrieve it, the substrate
// the Put protocol is built from. Unlike SendMsg this never touches
// termination counters: it is a transport-level primitive, not a
// dispatched handler invocation.
func (m *Messenger) SendData(dest int, data []byte) (uint64, error) {
	m.mu.Lock()
	m.dataSeq++
	tag := m.dataSeq
	m.mu.Unlock()

	wire := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(wire[0:8], tag)
	copy(wire[8:], data)
	if _, err := m.t.SendBytes(dest, transport.TagPut, wire); err != nil {
		return 0, err
	}
	m.met.AddPutDataBytes(len(data))
	return tag, nil
}

// RecvDataMsg posts a continuation invoked once the raw data transfer
// tagged tag arrives, whether it already has (buffered) or arrives
// later.
func (m *Messenger) RecvDataMsg(tag uint64, cb func(data []byte)) {
	m.mu.Lock()
	if data, ok := m.dataBuffered[tag]; ok {
		delete(m.dataBuffered, tag)
		m.mu.Unlock()
		cb(data)
		return
	}
	m.dataPending[tag] = cb
	m.mu.Unlock()
}

func (m *Messenger) onPutData(_ int, _ uint32, wire []byte) {
	tag := binary.BigEndian.Uint64(wire[0:8])
	data := wire[8:]

	m.mu.Lock()
	cb, ok := m.dataPending[tag]
	if ok {
		delete(m.dataPending, tag)
	} else {
		cp := make([]byte, len(data))
		copy(cp, data)
		m.dataBuffered[tag] = cp
	}
	m.mu.Unlock()

	if ok {
		cb(data)
	}
}

// onActiveMsg is the receive path: unmarshal the envelope, forward
// along the binomial tree if this is a broadcast still in flight, then
// deliver (directly, or once the Put payload arrives).
func (m *Messenger) onActiveMsg(src int, _ uint32, wire []byte) {
	env, off, err := envelope.Unmarshal(wire)
	if err != nil {
		m.log.Errorf("active message from rank %d: %v", src, err)
		return
	}
	payload := wire[off:]

	if env.Type().Has(envelope.BroadcastMsg) {
		root := int(env.Dest())
		var e epoch.Epoch
		if env.HasEpochSet() {
			e = epoch.Epoch(env.Epoch())
		}
		// Forwarding further down the tree is fire-and-forget: nothing
		// awaits completion of an interior hop, so it needs no event
		// bookkeeping the way the originating BroadcastMsg call does.
		c1, c2, has1, has2 := binomialChildren(m.self, root, m.numNodes)
		if has1 {
			m.sendBroadcastHopNoEvent(c1, e, wire)
		}
		if has2 {
			m.sendBroadcastHopNoEvent(c2, e, wire)
		}
	}

	if env.Type().Has(envelope.PutMsg) {
		tag, _ := env.Put()
		m.RecvDataMsg(tag, func(data []byte) {
			m.deliverActiveMsg(src, env, data)
		})
		return
	}

	m.deliverActiveMsg(src, env, payload)
}

// deliverActiveMsg looks up and invokes the registered handler, then
// records a termination consume for the message's epoch (if any). An
// id with no handler registered yet is buffered for replay — whether
// that id is merely not-yet-registered or will never be registered is
// not decidable at delivery time, so unlike a true precondition
// violation this never aborts; it simply waits.
func (m *Messenger) deliverActiveMsg(src int, env *envelope.Envelope, payload []byte) {
	id := registry.HandlerID(env.HandlerID())
	fn, ok := m.reg.GetHandler(id, "")
	if !ok {
		m.reg.BufferPending(id, payload)
		return
	}
	m.met.IncActiveMessageReceived()
	fn(payload)
	if env.HasEpochSet() && m.det != nil {
		m.det.Consume(epoch.Epoch(env.Epoch()), src, 1)
	}
}
