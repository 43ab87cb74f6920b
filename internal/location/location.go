// Package location implements LocationManager: a per-entity home node
// plus a bounded LRU cache of last-known locations, used to route
// entity-addressed messages without every rank tracking every entity's
// exact position. The cache is a latency optimization only — the home
// node is always the fallback authority, so a cold or evicted cache
// entry costs an extra hop, never correctness.
package location

import (
	"encoding/binary"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vtrt-project/vtrt/internal/log"
	"github.com/vtrt-project/vtrt/internal/metrics"
	"github.com/vtrt-project/vtrt/internal/transport"
)

// NodeID identifies a rank. NoNode is the null result returned for an
// entity that has never been registered anywhere (L1).
type NodeID int32

const NoNode NodeID = -1

// EntityID identifies a managed (typically virtual) entity.
type EntityID uint64

// ArrivalFunc is invoked with the raw payload of a message routed to a
// locally resident entity.
type ArrivalFunc func(payload []byte)

// maxForwardHops bounds the store-and-forward chain a stale cache entry
// can trigger before a route falls back to asking the home node: a
// bounded forwarding chain is allowed before a home lookup is
// mandatory.
const maxForwardHops = 3

type residentEntity struct {
	home    NodeID
	arrival ArrivalFunc
}

type pendingLookup struct {
	cb func(NodeID)
}

// Manager is the per-rank LocationManager. It is not safe for concurrent
// use by more than one goroutine without relying on its own internal
// lock, matching the comm-thread-only access rule the rest of the
// runtime follows.
type Manager struct {
	self            NodeID
	smallMsgMaxSize int
	t               transport.Transport
	log             log.Logger
	met             *metrics.Metrics

	mu       sync.Mutex
	resident map[EntityID]*residentEntity
	// directory holds the authoritative current location of every
	// entity this rank is home for, once it has emigrated elsewhere.
	// Unlike cache it is never evicted or cleared: per L3, ClearCache
	// must cost latency only, and the home's own bookkeeping is the
	// fallback every other rank's cache miss eventually lands on.
	directory map[EntityID]NodeID
	cache     *lru.Cache[EntityID, NodeID]
	pending   map[EntityID][]pendingLookup
	// unresolved stashes routed payloads that arrived for an entity at
	// its own home before that home had registered it resident —
	// immediate-mode construction lets a message addressed to a proxy
	// outrace the construct request that will register it. Drained in
	// order by RegisterEntity once the entity actually shows up.
	unresolved map[EntityID][][]byte
}

// NewManager builds a LocationManager bound to t, installing handlers
// for the reserved location-request/reply/route tags. cacheSize bounds
// the LRU; smallMsgMaxSize is the eager-vs-authoritative threshold used
// by RouteMsg.
func NewManager(self NodeID, cacheSize, smallMsgMaxSize int, t transport.Transport, logger log.Logger) (*Manager, error) {
	cache, err := lru.New[EntityID, NodeID](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("location: creating cache: %w", err)
	}
	m := &Manager{
		self:            self,
		smallMsgMaxSize: smallMsgMaxSize,
		t:               t,
		log:             logger.WithPrefix("location"),
		resident:        make(map[EntityID]*residentEntity),
		directory:       make(map[EntityID]NodeID),
		cache:           cache,
		pending:         make(map[EntityID][]pendingLookup),
		unresolved:      make(map[EntityID][][]byte),
	}
	t.SetHandler(transport.TagLocationRequest, m.onLocationRequest)
	t.SetHandler(transport.TagLocationReply, m.onLocationReply)
	t.SetHandler(transport.TagLocationRoute, m.onLocationRoute)
	return m, nil
}

// SetMetrics wires m in so cache hits/misses and forwarded route hops
// are observed; nil (the default) disables metrics.
func (m *Manager) SetMetrics(met *metrics.Metrics) {
	m.met = met
}

// RegisterEntity records E as locally resident, with an optional arrival
// callback invoked by RouteMsg/the route handler for directly or
// forwarded-delivered messages. Any payloads stashed in unresolved
// because they arrived before this call are delivered now, in the
// order they arrived.
func (m *Manager) RegisterEntity(id EntityID, home NodeID, arrival ArrivalFunc) {
	m.mu.Lock()
	m.resident[id] = &residentEntity{home: home, arrival: arrival}
	if home == m.self {
		m.directory[id] = m.self
	}
	stashed := m.unresolved[id]
	delete(m.unresolved, id)
	m.mu.Unlock()

	if arrival != nil {
		for _, payload := range stashed {
			arrival(payload)
		}
	}
}

// NoteKnownLocation seeds the cache with id's current node, for a caller
// that already knows it authoritatively out-of-band — the requester of
// an immediate-mode construction, or a third party the proxy was
// forwarded to — bypassing the round-trip GetLocation lookup that the
// entity's own home cannot yet answer.
func (m *Manager) NoteKnownLocation(id EntityID, node NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Add(id, node)
}

// UnregisterEntity drops local residency for id.
func (m *Manager) UnregisterEntity(id EntityID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resident, id)
}

// EntityEmigrated drops local residence for id and records newNode as
// its current location in the cache. It does not notify other ranks;
// per L2, a subsequent local RouteMsg must no longer deliver locally.
func (m *Manager) EntityEmigrated(id EntityID, newNode NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	home := NoNode
	if st, ok := m.resident[id]; ok {
		home = st.home
	}
	delete(m.resident, id)
	m.cache.Add(id, newNode)
	if home == m.self {
		m.directory[id] = newNode
	}
}

// EntityImmigrated marks id as locally resident on this rank, the
// receiving end of a migration.
func (m *Manager) EntityImmigrated(id EntityID, home NodeID, arrival ArrivalFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resident[id] = &residentEntity{home: home, arrival: arrival}
	m.cache.Remove(id)
	if home == m.self {
		m.directory[id] = m.self
	}
}

// ClearCache drops every cached location. Per L3 this affects latency
// only: any subsequent route that misses the cache falls back to home.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Purge()
}

// GetLocation resolves id's current node. If id is locally resident or
// cached, cb fires synchronously before GetLocation returns (P4). L1:
// for the home rank on a never-registered entity, cb fires with NoNode
// immediately rather than round-tripping a request to itself. Otherwise
// a location request is sent to home and cb fires once the reply
// arrives.
func (m *Manager) GetLocation(home NodeID, id EntityID, cb func(NodeID)) {
	m.mu.Lock()
	if _, ok := m.resident[id]; ok {
		m.mu.Unlock()
		cb(m.self)
		return
	}
	if home == m.self {
		node, ok := m.directory[id]
		m.mu.Unlock()
		if ok {
			cb(node)
		} else {
			cb(NoNode)
		}
		return
	}
	if node, ok := m.cache.Get(id); ok {
		m.mu.Unlock()
		m.met.IncLocationCacheHit()
		cb(node)
		return
	}
	m.pending[id] = append(m.pending[id], pendingLookup{cb: cb})
	m.mu.Unlock()
	m.met.IncLocationCacheMiss()

	if _, err := m.t.SendBytes(int(home), transport.TagLocationRequest, encodeEntity(id)); err != nil {
		m.mu.Lock()
		cbs := m.pending[id]
		delete(m.pending, id)
		m.mu.Unlock()
		for _, p := range cbs {
			p.cb(NoNode)
		}
	}
}

// RouteMsg delivers payload to id, whose home is home: directly if
// locally resident, eagerly to the cached node if payload is small
// enough, or via an authoritative home lookup otherwise. Failure to
// resolve id anywhere logs and drops the message rather than
// returning an error, since the route was initiated fire-and-forget by
// the caller.
func (m *Manager) RouteMsg(home NodeID, id EntityID, payload []byte) {
	m.mu.Lock()
	if st, ok := m.resident[id]; ok {
		arrival := st.arrival
		m.mu.Unlock()
		if arrival != nil {
			arrival(payload)
		}
		return
	}
	node, cached := m.directory[id]
	if !cached {
		node, cached = m.cache.Get(id)
	}
	m.mu.Unlock()

	if cached && len(payload) <= m.smallMsgMaxSize {
		m.met.IncLocationRouteHop()
		m.sendRoute(node, home, id, payload, maxForwardHops)
		return
	}

	m.GetLocation(home, id, func(n NodeID) {
		if n == NoNode {
			m.log.Errorf("routeMsg: entity %d unknown at home %d", id, home)
			return
		}
		m.sendRoute(n, home, id, payload, maxForwardHops)
	})
}

func (m *Manager) sendRoute(dst, home NodeID, id EntityID, payload []byte, ttl byte) {
	wire := encodeRoute(id, home, m.self, ttl, payload)
	if _, err := m.t.SendBytes(int(dst), transport.TagLocationRoute, wire); err != nil {
		m.log.Errorf("routeMsg: send to rank %d failed: %v", dst, err)
	}
}

func (m *Manager) sendLocationUpdate(dst int, id EntityID, node NodeID) {
	if _, err := m.t.SendBytes(dst, transport.TagLocationReply, encodeReply(id, node)); err != nil {
		m.log.Errorf("location update to rank %d failed: %v", dst, err)
	}
}

func (m *Manager) onLocationRequest(src int, _ uint32, payload []byte) {
	id := decodeEntity(payload)
	m.mu.Lock()
	var node NodeID
	if _, ok := m.resident[id]; ok {
		node = m.self
	} else if n, ok := m.directory[id]; ok {
		node = n
	} else if n, ok := m.cache.Get(id); ok {
		node = n
	} else {
		node = NoNode
	}
	m.mu.Unlock()
	m.sendLocationUpdate(src, id, node)
}

func (m *Manager) onLocationReply(_ int, _ uint32, payload []byte) {
	id, node := decodeReply(payload)
	m.mu.Lock()
	cbs := m.pending[id]
	delete(m.pending, id)
	if node != NoNode {
		m.cache.Add(id, node)
	}
	m.mu.Unlock()
	for _, p := range cbs {
		p.cb(node)
	}
}

// onLocationRoute handles an incoming routed application message: it
// either delivers locally, forwards along the cache, or falls back to
// home once ttl is exhausted or the cache has nothing useful to say.
func (m *Manager) onLocationRoute(_ int, _ uint32, data []byte) {
	id, home, originalSender, ttl, payload := decodeRoute(data)

	m.mu.Lock()
	if st, ok := m.resident[id]; ok {
		arrival := st.arrival
		m.mu.Unlock()
		if arrival != nil {
			arrival(payload)
		}
		m.sendLocationUpdate(int(originalSender), id, m.self)
		return
	}
	node, cached := m.directory[id]
	if !cached {
		node, cached = m.cache.Get(id)
	}
	m.mu.Unlock()

	if cached && ttl > 0 && node != m.self {
		m.met.IncLocationRouteHop()
		m.sendRouteFrom(node, home, id, originalSender, payload, ttl-1)
		return
	}

	if home == m.self {
		// Not actually unknown in the L1 sense — just not registered
		// yet: an immediate-mode construct request to this rank can
		// still be in flight behind this very message. Stash it rather
		// than answer NoNode; RegisterEntity drains it once the entity
		// shows up.
		m.mu.Lock()
		m.unresolved[id] = append(m.unresolved[id], payload)
		m.mu.Unlock()
		return
	}
	m.sendRouteFrom(home, home, id, originalSender, payload, maxForwardHops)
}

func (m *Manager) sendRouteFrom(dst, home NodeID, id EntityID, originalSender NodeID, payload []byte, ttl byte) {
	wire := encodeRoute(id, home, originalSender, ttl, payload)
	if _, err := m.t.SendBytes(int(dst), transport.TagLocationRoute, wire); err != nil {
		m.log.Errorf("routeMsg: forward to rank %d failed: %v", dst, err)
	}
}

func encodeEntity(id EntityID) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

func decodeEntity(b []byte) EntityID {
	return EntityID(binary.BigEndian.Uint64(b))
}

func encodeReply(id EntityID, node NodeID) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf[0:8], uint64(id))
	binary.BigEndian.PutUint32(buf[8:12], uint32(node))
	return buf
}

func decodeReply(b []byte) (EntityID, NodeID) {
	id := EntityID(binary.BigEndian.Uint64(b[0:8]))
	node := NodeID(int32(binary.BigEndian.Uint32(b[8:12])))
	return id, node
}

// route wire format: entity(8) | home(4) | originalSender(4) | ttl(1) | payload...
func encodeRoute(id EntityID, home, originalSender NodeID, ttl byte, payload []byte) []byte {
	buf := make([]byte, 17+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], uint64(id))
	binary.BigEndian.PutUint32(buf[8:12], uint32(home))
	binary.BigEndian.PutUint32(buf[12:16], uint32(originalSender))
	buf[16] = ttl
	copy(buf[17:], payload)
	return buf
}

func decodeRoute(b []byte) (id EntityID, home, originalSender NodeID, ttl byte, payload []byte) {
	id = EntityID(binary.BigEndian.Uint64(b[0:8]))
	home = NodeID(int32(binary.BigEndian.Uint32(b[8:12])))
	originalSender = NodeID(int32(binary.BigEndian.Uint32(b[12:16])))
	ttl = b[16]
	payload = b[17:]
	return
}
