// Package envelope implements the fixed-size header prefixed to every
// active message. It is the only contract between
// transport and dispatch: every type-dependent behavior downstream is
// decided from these bits, so the header's layout is fixed-size and its
// wire encoding is identical on every rank.
package envelope

import (
	"encoding/binary"
	"sync/atomic"
)

// TypeFlags is a bit set of the message kinds a single envelope may
// combine. Multiple bits may be set simultaneously (e.g. a broadcast
// carrying an epoch).
type TypeFlags uint16

const (
	NormalMsg TypeFlags = 1 << iota
	PipeMsg
	PutMsg
	TermMsg
	BroadcastMsg
	HasEpoch
	HasTag
	CallbackMsg
	PackedPut
)

// Has reports whether all of want's bits are set in f.
func (f TypeFlags) Has(want TypeFlags) bool { return f&want == want }

// Uninitialized is the sentinel value for Dest and HandlerID.
const Uninitialized uint64 = ^uint64(0)

// WireSize is the fixed size, in bytes, of the base envelope as it
// travels on the wire: type_flags(2) + dest(8) + handler(8) + ref(4) +
// group_or_pipe(8) + priority(4) + priority_level(1) + pad(1) = 36,
// followed by the optional extended fields, present only when the
// corresponding flag bit is set.
const WireSize = 36

// Envelope is the in-memory representation of a message header. The
// in-memory struct need not match the wire's bit-packing byte-for-byte;
// only the wire encoding produced by Marshal/Unmarshal must be identical
// across ranks. Locking and ref-counting are enforced here in
// memory only — once Marshal has been called the bytes are immutable.
type Envelope struct {
	typeFlags     TypeFlags
	dest          uint64
	handlerID     uint64
	refCount      int32
	groupOrPipeID uint64
	priority      uint32
	priorityLevel uint8

	// extended fields, valid only when the matching flag is set.
	epoch   uint64
	tag     uint64
	putPtr  uint64
	putSize uint64

	locked uint32 // atomic bool; 0 = unlocked, 1 = locked
}

// Init returns a fresh, unlocked Normal envelope with Dest/HandlerID
// unset.
func Init() *Envelope {
	return &Envelope{
		typeFlags: NormalMsg,
		dest:      Uninitialized,
		handlerID: Uninitialized,
	}
}

func (e *Envelope) assertUnlocked() {
	if atomic.LoadUint32(&e.locked) != 0 {
		panic("envelope: setter called on a locked (already-sent) envelope")
	}
}

// Lock marks the envelope as sent; every subsequent setter call panics.
func (e *Envelope) Lock() { atomic.StoreUint32(&e.locked, 1) }

// IsLocked reports whether the envelope has been sent.
func (e *Envelope) IsLocked() bool { return atomic.LoadUint32(&e.locked) != 0 }

// Setup stamps dest and handler in one call.
func (e *Envelope) Setup(dest, handlerID uint64) {
	e.assertUnlocked()
	e.dest = dest
	e.handlerID = handlerID
}

// SetDest sets the destination rank (or broadcast root).
func (e *Envelope) SetDest(dest uint64) {
	e.assertUnlocked()
	e.dest = dest
}

// Dest returns the destination rank (or broadcast root).
func (e *Envelope) Dest() uint64 { return e.dest }

// SetHandler sets the handler id to invoke on delivery.
func (e *Envelope) SetHandler(id uint64) {
	e.assertUnlocked()
	e.handlerID = id
}

// HandlerID returns the handler id to invoke on delivery.
func (e *Envelope) HandlerID() uint64 { return e.handlerID }

// SetType sets (ORs in) the given type bits.
func (e *Envelope) SetType(bits TypeFlags) {
	e.assertUnlocked()
	e.checkI1(e.typeFlags | bits)
	e.typeFlags |= bits
}

// ClearType clears the given type bits.
func (e *Envelope) ClearType(bits TypeFlags) {
	e.assertUnlocked()
	e.typeFlags &^= bits
}

// Type returns the current type bits.
func (e *Envelope) Type() TypeFlags { return e.typeFlags }

// checkI1 enforces invariant I1 (PutMsg ⇒ not BroadcastMsg). PipeMsg and
// BroadcastMsg are likewise mutually exclusive, since a pipe address is
// a single destination with no tree topology to broadcast over.
func (e *Envelope) checkI1(next TypeFlags) {
	if next.Has(PutMsg) && next.Has(BroadcastMsg) {
		panic("envelope: PutMsg and BroadcastMsg are mutually exclusive (I1)")
	}
	if next.Has(PipeMsg) && next.Has(BroadcastMsg) {
		panic("envelope: PipeMsg and BroadcastMsg are mutually exclusive")
	}
}

// SetGroupOrPipeID sets the group id (or pipe id, if PipeMsg is set).
func (e *Envelope) SetGroupOrPipeID(id uint64) {
	e.assertUnlocked()
	e.groupOrPipeID = id
}

// GroupID returns the group id. Panics if PipeMsg is set (I3).
func (e *Envelope) GroupID() uint64 {
	if e.typeFlags.Has(PipeMsg) {
		panic("envelope: GroupID called on a pipe-addressed envelope")
	}
	return e.groupOrPipeID
}

// PipeID returns the pipe id. Panics if PipeMsg is not set (I3).
func (e *Envelope) PipeID() uint64 {
	if !e.typeFlags.Has(PipeMsg) {
		panic("envelope: PipeID called on a non-pipe envelope")
	}
	return e.groupOrPipeID
}

// SetPriority sets the optional priority fields.
func (e *Envelope) SetPriority(priority uint32, level uint8) {
	e.assertUnlocked()
	e.priority = priority
	e.priorityLevel = level
}

// Priority returns the optional priority fields.
func (e *Envelope) Priority() (uint32, uint8) { return e.priority, e.priorityLevel }

// SetEpoch stamps the extended epoch field and sets HasEpoch.
func (e *Envelope) SetEpoch(epoch uint64) {
	e.assertUnlocked()
	e.epoch = epoch
	e.typeFlags |= HasEpoch
}

// Epoch returns the extended epoch field. Panics if HasEpoch is unset (I3).
func (e *Envelope) Epoch() uint64 {
	if !e.typeFlags.Has(HasEpoch) {
		panic("envelope: Epoch called without HasEpoch set")
	}
	return e.epoch
}

// HasEpochSet reports whether an epoch has been stamped.
func (e *Envelope) HasEpochSet() bool { return e.typeFlags.Has(HasEpoch) }

// SetTag stamps the extended tag field and sets HasTag.
func (e *Envelope) SetTag(tag uint64) {
	e.assertUnlocked()
	e.tag = tag
	e.typeFlags |= HasTag
}

// Tag returns the extended tag field. Panics if HasTag is unset (I3).
func (e *Envelope) Tag() uint64 {
	if !e.typeFlags.Has(HasTag) {
		panic("envelope: Tag called without HasTag set")
	}
	return e.tag
}

// SetPut stamps the extended put-ptr/put-size fields and sets PutMsg.
func (e *Envelope) SetPut(ptr, size uint64) {
	e.assertUnlocked()
	e.checkI1(e.typeFlags | PutMsg)
	e.putPtr = ptr
	e.putSize = size
	e.typeFlags |= PutMsg
}

// Put returns the extended put-ptr/put-size fields. Panics if PutMsg is
// unset (I3).
func (e *Envelope) Put() (ptr, size uint64) {
	if !e.typeFlags.Has(PutMsg) {
		panic("envelope: Put called without PutMsg set")
	}
	return e.putPtr, e.putSize
}

// Ref increments the ref count; ref>=1 means the runtime shares
// ownership of the message until it is dereffed back to 0.
func (e *Envelope) Ref() int32 { return atomic.AddInt32(&e.refCount, 1) }

// Deref decrements the ref count and returns the result. Per invariant
// I2, a caller observing 0 must not retain a pointer to the message
// afterwards — it becomes eligible for deallocation.
func (e *Envelope) Deref() int32 { return atomic.AddInt32(&e.refCount, -1) }

// RefCount returns the current ref count without modifying it.
func (e *Envelope) RefCount() int32 { return atomic.LoadInt32(&e.refCount) }

// InitRecv resets the local ref count to 0 and asserts the message
// arrived locked: a message that crossed the wire is, by construction,
// already sent/immutable.
func (e *Envelope) InitRecv() {
	if !e.IsLocked() {
		panic("envelope: InitRecv called on an envelope that did not arrive locked")
	}
	atomic.StoreInt32(&e.refCount, 0)
}

// Marshal writes the wire layout: the bit-packed fixed header, followed
// by any extended fields whose flag is set, in the fixed order HasEpoch,
// HasTag, PutMsg. The wire format is interpreted identically
// on every rank regardless of in-memory struct layout.
func (e *Envelope) Marshal() []byte {
	buf := make([]byte, WireSize, WireSize+24)
	binary.BigEndian.PutUint16(buf[0:2], uint16(e.typeFlags))
	binary.BigEndian.PutUint64(buf[2:10], e.dest)
	binary.BigEndian.PutUint64(buf[10:18], e.handlerID)
	binary.BigEndian.PutUint32(buf[18:22], uint32(e.RefCount()))
	binary.BigEndian.PutUint64(buf[22:30], e.groupOrPipeID)
	binary.BigEndian.PutUint32(buf[30:34], e.priority)
	buf[34] = e.priorityLevel
	buf[35] = 0 // padding

	if e.typeFlags.Has(HasEpoch) {
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], e.epoch)
		buf = append(buf, tmp[:]...)
	}
	if e.typeFlags.Has(HasTag) {
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], e.tag)
		buf = append(buf, tmp[:]...)
	}
	if e.typeFlags.Has(PutMsg) {
		var tmp [16]byte
		binary.BigEndian.PutUint64(tmp[0:8], e.putPtr)
		binary.BigEndian.PutUint64(tmp[8:16], e.putSize)
		buf = append(buf, tmp[:]...)
	}
	return buf
}

// Unmarshal parses the wire layout produced by Marshal and returns a
// new, locked, zero-ref Envelope (as InitRecv would), plus the number of
// header bytes consumed so the caller can locate the payload that follows.
func Unmarshal(buf []byte) (*Envelope, int, error) {
	if len(buf) < WireSize {
		return nil, 0, errShortBuffer
	}
	e := &Envelope{
		typeFlags:     TypeFlags(binary.BigEndian.Uint16(buf[0:2])),
		dest:          binary.BigEndian.Uint64(buf[2:10]),
		handlerID:     binary.BigEndian.Uint64(buf[10:18]),
		refCount:      int32(binary.BigEndian.Uint32(buf[18:22])),
		groupOrPipeID: binary.BigEndian.Uint64(buf[22:30]),
		priority:      binary.BigEndian.Uint32(buf[30:34]),
		priorityLevel: buf[34],
	}
	off := WireSize
	if e.typeFlags.Has(HasEpoch) {
		if len(buf) < off+8 {
			return nil, 0, errShortBuffer
		}
		e.epoch = binary.BigEndian.Uint64(buf[off : off+8])
		off += 8
	}
	if e.typeFlags.Has(HasTag) {
		if len(buf) < off+8 {
			return nil, 0, errShortBuffer
		}
		e.tag = binary.BigEndian.Uint64(buf[off : off+8])
		off += 8
	}
	if e.typeFlags.Has(PutMsg) {
		if len(buf) < off+16 {
			return nil, 0, errShortBuffer
		}
		e.putPtr = binary.BigEndian.Uint64(buf[off : off+8])
		e.putSize = binary.BigEndian.Uint64(buf[off+8 : off+16])
		off += 16
	}
	e.locked = 1
	e.InitRecv()
	return e, off, nil
}

var errShortBuffer = shortBufferError{}

type shortBufferError struct{}

func (shortBufferError) Error() string { return "envelope: buffer too short to contain a header" }
