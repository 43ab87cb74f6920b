// Package vcontext implements VirtualContextManager: construction of
// location-managed virtual entities (locally, on a named node, or via
// a caller-supplied placement function), the fixed virtual-dispatch
// trampoline with per-entity FIFO message buffering until construction
// completes, and the three-step migration protocol. Handlers are
// explicitly registered Go closures rather than template-instantiated
// function pointers, since Go has no template instantiation to hang a
// handler id off of at compile time.
//
// Construction on a remote node comes in two modes. The plain
// MakeVirtualNode round-trips: the caller blocks behind onReady until
// the remote rank has actually built the instance and replied with its
// proxy. MakeVirtualNodeImmediate skips the round trip: the proxy is
// computed synchronously from (target, requester, seq), so the caller
// can address it before the remote rank has necessarily finished
// building it, or even seen the construct request at all. That gap is
// exactly what dispatch's per-entity FIFO buffering exists for.
package vcontext

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/vtrt-project/vtrt/internal/location"
	"github.com/vtrt-project/vtrt/internal/log"
	"github.com/vtrt-project/vtrt/internal/metrics"
	"github.com/vtrt-project/vtrt/internal/transport"
)

// ConstructorID identifies a registered constructor/deserializer. All
// ranks must call RegisterConstructor the same number of times in the
// same order at startup, the same collective discipline
// internal/registry's handler ids rely on, since a remote construct or
// migrate message only ever carries the numeric id.
type ConstructorID uint64

// ConstructorFunc builds a new instance from either user-supplied
// construction arguments or, when reused as the migration deserializer,
// from a previously serialized instance's bytes.
type ConstructorFunc func(args []byte) any

// SubHandlerID identifies a registered virtual message sub-handler,
// collectively numbered the same way as ConstructorID.
type SubHandlerID uint64

// SubHandlerFunc is a user handler dispatched against a constructed
// instance and a message payload.
type SubHandlerFunc func(inst any, payload []byte)

type entry struct {
	instance    any
	proxy       Proxy
	ctor        ConstructorID
	constructed bool
	pending     [][]byte
}

// Manager is the per-rank VirtualContextManager.
type Manager struct {
	self location.NodeID
	loc  *location.Manager
	t    transport.Transport
	log  log.Logger
	met  *metrics.Metrics

	mu          sync.Mutex
	nextID      uint32
	holder      map[Proxy]*entry
	ctors       []ConstructorFunc
	subHandlers []SubHandlerFunc
	corrSeq     uint64
	pendingCtor map[uint64]func(Proxy)
	nextImmSeq  uint32
}

// New builds a Manager bound to loc/t. loc must already be constructed
// for this rank (VirtualContextManager is initialized after
// LocationManager).
func New(self location.NodeID, loc *location.Manager, t transport.Transport, logger log.Logger) *Manager {
	m := &Manager{
		self:        self,
		loc:         loc,
		t:           t,
		log:         logger.WithPrefix("vcontext"),
		nextID:      1,
		holder:      make(map[Proxy]*entry),
		pendingCtor: make(map[uint64]func(Proxy)),
	}
	t.SetHandler(transport.TagVirtualConstruct, m.onVirtualConstruct)
	t.SetHandler(transport.TagVirtualConstructReply, m.onVirtualConstructReply)
	t.SetHandler(transport.TagVirtualConstructImmediate, m.onVirtualConstructImmediate)
	t.SetHandler(transport.TagVirtualMigrate, m.onVirtualMigrate)
	return m
}

// SetMetrics wires m in so constructions (by placement) and migrations
// are observed; nil (the default) disables metrics.
func (m *Manager) SetMetrics(met *metrics.Metrics) {
	m.met = met
}

// RegisterConstructor adds fn to the collectively-numbered constructor
// table and returns its id.
func (m *Manager) RegisterConstructor(fn ConstructorFunc) ConstructorID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := ConstructorID(len(m.ctors))
	m.ctors = append(m.ctors, fn)
	return id
}

// RegisterSubHandler adds fn to the collectively-numbered sub-handler
// table and returns its id.
func (m *Manager) RegisterSubHandler(fn SubHandlerFunc) SubHandlerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := SubHandlerID(len(m.subHandlers))
	m.subHandlers = append(m.subHandlers, fn)
	return id
}

// MakeVirtual constructs a new, non-migratable instance locally and
// registers it with LocationManager homed at self.
func (m *Manager) MakeVirtual(ctor ConstructorID, args []byte) (Proxy, error) {
	return m.constructLocal(ctor, args, false, false, "local")
}

// MakeVirtualMigratable is MakeVirtual for an instance that may later
// be moved with Migrate.
func (m *Manager) MakeVirtualMigratable(ctor ConstructorID, args []byte) (Proxy, error) {
	return m.constructLocal(ctor, args, false, true, "local")
}

func (m *Manager) constructLocal(ctor ConstructorID, args []byte, isCollection, migratable bool, placement string) (Proxy, error) {
	m.mu.Lock()
	if int(ctor) >= len(m.ctors) {
		m.mu.Unlock()
		return NoProxy, fmt.Errorf("vcontext: unregistered constructor %d", ctor)
	}
	fn := m.ctors[ctor]
	id := m.nextID
	m.nextID++
	m.mu.Unlock()

	inst := fn(args)
	proxy := MakeProxy(id, m.self, isCollection, migratable)

	m.mu.Lock()
	m.holder[proxy] = &entry{instance: inst, proxy: proxy, ctor: ctor, constructed: true}
	m.mu.Unlock()

	m.loc.RegisterEntity(proxy.EntityID(), m.self, m.makeArrival(proxy))
	m.met.IncVirtualConstruct(placement)
	return proxy, nil
}

// MakeVirtualNode constructs an instance on node (locally if
// node == self, else by round-tripping a construct request), invoking
// onReady with the resulting proxy once construction completes.
func (m *Manager) MakeVirtualNode(ctor ConstructorID, node location.NodeID, args []byte, onReady func(Proxy)) error {
	return m.makeVirtualNode(ctor, node, args, false, false, onReady)
}

// MakeVirtualNodeMigratable is MakeVirtualNode for a migratable instance.
func (m *Manager) MakeVirtualNodeMigratable(ctor ConstructorID, node location.NodeID, args []byte, onReady func(Proxy)) error {
	return m.makeVirtualNode(ctor, node, args, false, true, onReady)
}

// MakeVirtualNodeCollectionElement is MakeVirtualNode for an instance
// that is an element of a CollectionManager-owned collection: the
// proxy's Collection bit is set, and the element is migratable since a
// load-balancer rebalance is the entire reason collections track their
// element proxies by index.
func (m *Manager) MakeVirtualNodeCollectionElement(ctor ConstructorID, node location.NodeID, args []byte, onReady func(Proxy)) error {
	return m.makeVirtualNode(ctor, node, args, true, true, onReady)
}

func (m *Manager) makeVirtualNode(ctor ConstructorID, node location.NodeID, args []byte, isCollection, migratable bool, onReady func(Proxy)) error {
	if node == m.self {
		proxy, err := m.constructLocal(ctor, args, isCollection, migratable, "local")
		if err != nil {
			return err
		}
		onReady(proxy)
		return nil
	}
	return m.constructRemote(ctor, node, args, isCollection, migratable, onReady)
}

// MapFunc resolves a caller-chosen seed to a placement node, the
// seed→core resolution MakeVirtualMap applies.
type MapFunc func(seed uint64, numNodes int) location.NodeID

// MakeVirtualMap resolves node = mapFn(seed, numNodes) and constructs
// there, locally or remotely as MakeVirtualNode does.
func (m *Manager) MakeVirtualMap(ctor ConstructorID, seed uint64, mapFn MapFunc, args []byte, onReady func(Proxy)) error {
	node := mapFn(seed, m.t.Size())
	return m.MakeVirtualNode(ctor, node, args, onReady)
}

func (m *Manager) constructRemote(ctor ConstructorID, node location.NodeID, args []byte, isCollection, migratable bool, onReady func(Proxy)) error {
	m.mu.Lock()
	m.corrSeq++
	corr := m.corrSeq
	m.pendingCtor[corr] = onReady
	m.mu.Unlock()

	wire := make([]byte, 18+len(args))
	binary.BigEndian.PutUint64(wire[0:8], corr)
	binary.BigEndian.PutUint64(wire[8:16], uint64(ctor))
	if isCollection {
		wire[16] = 1
	}
	if migratable {
		wire[17] = 1
	}
	copy(wire[18:], args)

	if _, err := m.t.SendBytes(int(node), transport.TagVirtualConstruct, wire); err != nil {
		m.mu.Lock()
		delete(m.pendingCtor, corr)
		m.mu.Unlock()
		return fmt.Errorf("vcontext: construct request to node %d failed: %w", node, err)
	}
	return nil
}

func (m *Manager) onVirtualConstruct(src int, _ uint32, wire []byte) {
	corr := binary.BigEndian.Uint64(wire[0:8])
	ctor := ConstructorID(binary.BigEndian.Uint64(wire[8:16]))
	isCollection := wire[16] != 0
	migratable := wire[17] != 0
	args := wire[18:]

	proxy, err := m.constructLocal(ctor, args, isCollection, migratable, "remote")
	if err != nil {
		m.log.Errorf("remote construct request from rank %d failed: %v", src, err)
		return
	}

	reply := make([]byte, 16)
	binary.BigEndian.PutUint64(reply[0:8], corr)
	binary.BigEndian.PutUint64(reply[8:16], uint64(proxy))
	if _, err := m.t.SendBytes(src, transport.TagVirtualConstructReply, reply); err != nil {
		m.log.Errorf("construct reply to rank %d failed: %v", src, err)
	}
}

// MakeVirtualNodeImmediate is MakeVirtualNode's immediate-mode
// counterpart: it returns a usable proxy synchronously instead of
// taking onReady, addressed at node before node has necessarily
// finished constructing the instance — or received the construct
// request for it at all. Messages SendMsg'd to the proxy in the
// meantime are buffered by dispatch's per-entity FIFO until the
// instance is actually built. Construction on node == self is already
// synchronous, so this behaves exactly like MakeVirtual there.
func (m *Manager) MakeVirtualNodeImmediate(ctor ConstructorID, node location.NodeID, args []byte, migratable bool) (Proxy, error) {
	return m.makeVirtualNodeImmediate(ctor, node, args, false, migratable)
}

// MakeVirtualNodeCollectionElementImmediate is MakeVirtualNodeImmediate
// for an instance that is a collection element: always migratable, the
// proxy's Collection bit set.
func (m *Manager) MakeVirtualNodeCollectionElementImmediate(ctor ConstructorID, node location.NodeID, args []byte) (Proxy, error) {
	return m.makeVirtualNodeImmediate(ctor, node, args, true, true)
}

func (m *Manager) makeVirtualNodeImmediate(ctor ConstructorID, node location.NodeID, args []byte, isCollection, migratable bool) (Proxy, error) {
	if node == m.self {
		return m.constructLocal(ctor, args, isCollection, migratable, "local")
	}

	m.mu.Lock()
	if int(ctor) >= len(m.ctors) {
		m.mu.Unlock()
		return NoProxy, fmt.Errorf("vcontext: unregistered constructor %d", ctor)
	}
	seq := m.nextImmSeq
	m.nextImmSeq++
	m.mu.Unlock()

	proxy := MakeImmediateProxy(node, m.self, seq, isCollection, migratable)

	// node is already known authoritatively — it is not merely cached,
	// it is the literal destination this proxy was just minted for —
	// so SendMsg against it need not wait on a location round trip
	// that node itself cannot yet answer.
	m.loc.NoteKnownLocation(proxy.EntityID(), node)

	wire := make([]byte, 16+len(args))
	binary.BigEndian.PutUint64(wire[0:8], uint64(proxy))
	binary.BigEndian.PutUint64(wire[8:16], uint64(ctor))
	copy(wire[16:], args)

	if _, err := m.t.SendBytes(int(node), transport.TagVirtualConstructImmediate, wire); err != nil {
		return NoProxy, fmt.Errorf("vcontext: immediate construct request to node %d failed: %w", node, err)
	}
	m.met.IncVirtualConstruct("immediate")
	return proxy, nil
}

// onVirtualConstructImmediate handles an immediate-mode construct
// request. The proxy arrives in the wire rather than being allocated
// here, so this rank registers it — resident, not yet constructed —
// before running the constructor, the same two-step sequence a
// same-rank caller racing its own immediate construction would see:
// registration makes the entity routable (and any message that beats
// the constructor here lands in dispatch's FIFO) strictly before the
// constructor itself runs.
func (m *Manager) onVirtualConstructImmediate(src int, _ uint32, wire []byte) {
	proxy := Proxy(binary.BigEndian.Uint64(wire[0:8]))
	ctor := ConstructorID(binary.BigEndian.Uint64(wire[8:16]))
	args := wire[16:]

	m.mu.Lock()
	if int(ctor) >= len(m.ctors) {
		m.mu.Unlock()
		m.log.Errorf("immediate construct request from rank %d: unregistered constructor %d", src, ctor)
		return
	}
	fn := m.ctors[ctor]
	m.holder[proxy] = &entry{proxy: proxy, ctor: ctor, constructed: false}
	m.mu.Unlock()
	m.loc.RegisterEntity(proxy.EntityID(), m.self, m.makeArrival(proxy))

	inst := fn(args)

	m.mu.Lock()
	ent := m.holder[proxy]
	ent.instance = inst
	ent.constructed = true
	m.mu.Unlock()
	m.drainPending(proxy)
	m.met.IncVirtualConstruct("immediate-remote")
}

func (m *Manager) onVirtualConstructReply(_ int, _ uint32, wire []byte) {
	corr := binary.BigEndian.Uint64(wire[0:8])
	proxy := Proxy(binary.BigEndian.Uint64(wire[8:16]))

	m.mu.Lock()
	cb, ok := m.pendingCtor[corr]
	delete(m.pendingCtor, corr)
	m.mu.Unlock()
	if ok && cb != nil {
		cb(proxy)
	}
}

// SendMsg routes payload to proxy's sub-handler sub, via LocationManager.
func (m *Manager) SendMsg(proxy Proxy, sub SubHandlerID, payload []byte) {
	wire := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(wire[0:8], uint64(sub))
	copy(wire[8:], payload)
	m.loc.RouteMsg(proxy.Node(), proxy.EntityID(), wire)
}

func (m *Manager) makeArrival(p Proxy) location.ArrivalFunc {
	return func(payload []byte) { m.dispatch(p, payload) }
}

// dispatch implements the virtualMsgHandler trampoline: execute
// immediately on an already-constructed instance, else buffer in the
// entity's per-entity FIFO queue for the next drainPending call.
func (m *Manager) dispatch(p Proxy, wire []byte) {
	sub := SubHandlerID(binary.BigEndian.Uint64(wire[0:8]))
	rest := wire[8:]

	m.mu.Lock()
	ent, ok := m.holder[p]
	if !ok {
		m.mu.Unlock()
		m.log.Errorf("virtual dispatch: unknown proxy %d", uint64(p))
		return
	}
	if !ent.constructed {
		ent.pending = append(ent.pending, wire)
		m.mu.Unlock()
		return
	}
	inst := ent.instance
	m.mu.Unlock()
	m.invoke(sub, inst, rest)
}

func (m *Manager) invoke(sub SubHandlerID, inst any, payload []byte) {
	m.mu.Lock()
	if int(sub) >= len(m.subHandlers) {
		m.mu.Unlock()
		m.log.Errorf("virtual dispatch: unregistered sub-handler %d", sub)
		return
	}
	fn := m.subHandlers[sub]
	m.mu.Unlock()
	fn(inst, payload)
}

// IsResident reports whether p's instance is held locally on this rank.
func (m *Manager) IsResident(p Proxy) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ent, ok := m.holder[p]
	return ok && ent.constructed
}

func (m *Manager) drainPending(p Proxy) {
	m.mu.Lock()
	ent, ok := m.holder[p]
	if !ok {
		m.mu.Unlock()
		return
	}
	msgs := ent.pending
	ent.pending = nil
	inst := ent.instance
	m.mu.Unlock()

	for _, wire := range msgs {
		sub := SubHandlerID(binary.BigEndian.Uint64(wire[0:8]))
		m.invoke(sub, inst, wire[8:])
	}
}

// Migrate implements three-step migration: serialize the instance,
// mark it emigrated with LocationManager, and ship the
// serialized bytes to dest, where onVirtualMigrate deserializes (by
// re-invoking the same constructor the entity was built with, treating
// serialized state as construction args) and calls EntityImmigrated.
func (m *Manager) Migrate(p Proxy, dest location.NodeID, serialize func(inst any) []byte) error {
	if !p.IsMigratable() {
		return fmt.Errorf("vcontext: proxy %d is not migratable", uint64(p))
	}
	m.mu.Lock()
	ent, ok := m.holder[p]
	if !ok || !ent.constructed {
		m.mu.Unlock()
		return fmt.Errorf("vcontext: proxy %d is not locally resident", uint64(p))
	}
	inst := ent.instance
	ctor := ent.ctor
	delete(m.holder, p)
	m.mu.Unlock()

	state := serialize(inst)
	wire := make([]byte, 16+len(state))
	binary.BigEndian.PutUint64(wire[0:8], uint64(p))
	binary.BigEndian.PutUint64(wire[8:16], uint64(ctor))
	copy(wire[16:], state)

	m.loc.EntityEmigrated(p.EntityID(), dest)

	if _, err := m.t.SendBytes(int(dest), transport.TagVirtualMigrate, wire); err != nil {
		return fmt.Errorf("vcontext: migrate send to node %d failed: %w", dest, err)
	}
	m.met.IncVirtualMigrate()
	return nil
}

func (m *Manager) onVirtualMigrate(_ int, _ uint32, wire []byte) {
	proxy := Proxy(binary.BigEndian.Uint64(wire[0:8]))
	ctor := ConstructorID(binary.BigEndian.Uint64(wire[8:16]))
	state := wire[16:]

	m.mu.Lock()
	if int(ctor) >= len(m.ctors) {
		m.mu.Unlock()
		m.log.Errorf("migrate: unregistered constructor %d for proxy %d", ctor, uint64(proxy))
		return
	}
	fn := m.ctors[ctor]
	m.mu.Unlock()

	inst := fn(state)

	m.mu.Lock()
	m.holder[proxy] = &entry{instance: inst, proxy: proxy, ctor: ctor, constructed: true}
	m.mu.Unlock()

	m.loc.EntityImmigrated(proxy.EntityID(), proxy.Node(), m.makeArrival(proxy))
}
