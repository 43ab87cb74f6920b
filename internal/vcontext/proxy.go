package vcontext

import "github.com/vtrt-project/vtrt/internal/location"

// Proxy is the 64-bit virtual-entity identifier: three capability bits,
// a home node, and a local id (Collection, Migratable, Immediate, Node,
// ID, from high bit to low).
type Proxy uint64

// NoProxy is the zero value: never a valid constructed proxy, since
// local ids are allocated starting at 1.
const NoProxy Proxy = 0

const (
	idBits   = 30
	nodeBits = 31

	idMask    = uint64(1)<<idBits - 1
	nodeShift = idBits
	nodeMask  = (uint64(1)<<nodeBits - 1) << nodeShift

	// immediateBit marks a proxy whose id field was never assigned by
	// its home node: it packs (requester, seq) rather than a
	// home-local sequence number, per MakeImmediateProxy.
	immediateBit  = uint64(1) << (nodeShift + nodeBits)
	migratableBit = uint64(1) << (nodeShift + nodeBits + 1)
	collectionBit = uint64(1) << (nodeShift + nodeBits + 2)

	// Layout of the id field when immediateBit is set: a requester
	// node (wide enough for any rank count this runtime targets) and a
	// sequence number the requester assigns, unique among the
	// immediate-mode proxies it has itself requested.
	immediateRequesterBits = 16
	immediateSeqBits       = idBits - immediateRequesterBits

	immediateSeqMask      = uint64(1)<<immediateSeqBits - 1
	immediateRequesterShift = immediateSeqBits
	immediateRequesterMask  = (uint64(1)<<immediateRequesterBits - 1) << immediateRequesterShift
)

// MakeProxy packs a local id, home node, and capability bits into a Proxy.
func MakeProxy(id uint32, node location.NodeID, isCollection, isMigratable bool) Proxy {
	p := uint64(id) & idMask
	p |= (uint64(uint32(node)) << nodeShift) & nodeMask
	if isCollection {
		p |= collectionBit
	}
	if isMigratable {
		p |= migratableBit
	}
	return Proxy(p)
}

// MakeImmediateProxy builds a proxy for an entity under construction on
// target, identified synchronously by (target, requester, seq) instead
// of a local id target assigns once construction finishes: the caller
// can use the result right away, racing the construct request already
// in flight to target.
func MakeImmediateProxy(target, requester location.NodeID, seq uint32, isCollection, isMigratable bool) Proxy {
	id := (uint64(uint32(requester)) << immediateRequesterShift) & immediateRequesterMask
	id |= uint64(seq) & immediateSeqMask

	p := id & idMask
	p |= (uint64(uint32(target)) << nodeShift) & nodeMask
	p |= immediateBit
	if isCollection {
		p |= collectionBit
	}
	if isMigratable {
		p |= migratableBit
	}
	return Proxy(p)
}

// IsImmediate reports whether p was built by MakeImmediateProxy, so its
// id field holds (requester, seq) rather than a home-assigned sequence.
func (p Proxy) IsImmediate() bool { return uint64(p)&immediateBit != 0 }

// ImmediateRequester returns the node that requested p's construction.
// Valid only when IsImmediate is true.
func (p Proxy) ImmediateRequester() location.NodeID {
	return location.NodeID(int32(uint32((uint64(p) & immediateRequesterMask) >> immediateRequesterShift)))
}

// ImmediateSeq returns the requester-assigned sequence number
// distinguishing p from that requester's other immediate-mode
// proxies. Valid only when IsImmediate is true.
func (p Proxy) ImmediateSeq() uint32 {
	return uint32(uint64(p) & immediateSeqMask)
}

// IsCollection reports whether p identifies an element of a collection
// rather than a standalone virtual context.
func (p Proxy) IsCollection() bool { return uint64(p)&collectionBit != 0 }

// IsMigratable reports whether p's entity may be emigrated elsewhere.
func (p Proxy) IsMigratable() bool { return uint64(p)&migratableBit != 0 }

// Node returns p's home node, the rank that constructed it.
func (p Proxy) Node() location.NodeID {
	return location.NodeID(int32(uint32((uint64(p) & nodeMask) >> nodeShift)))
}

// ID returns p's node-local identifier.
func (p Proxy) ID() uint32 { return uint32(uint64(p) & idMask) }

// EntityID views p as the location.EntityID it is registered under: a
// virtual proxy's home/cache bookkeeping is just LocationManager's
// bookkeeping keyed by the proxy's bits, so no separate identifier
// space is needed.
func (p Proxy) EntityID() location.EntityID { return location.EntityID(p) }
