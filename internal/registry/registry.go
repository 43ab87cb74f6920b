// Package registry maps handler ids to active-message handler
// functions. Collective registration must produce identical ids on
// every rank given the same call order; non-collective registration
// produces ids valid only on the generating rank.
package registry

import (
	"fmt"
	"sync"
)

// HandlerID identifies a registered handler function.
type HandlerID uint64

// idKind is embedded in the low bits of a HandlerID so dispatch can
// reconstruct the calling convention without a side table: the auto id
// scheme embeds auto vs functor vs VC-handler directly in the id.
type idKind uint64

const (
	kindCollective idKind = iota
	kindLocal
	kindAuto
	kindFunctor
	kindVCHandler
)

const kindBits = 3
const kindMask = (1 << kindBits) - 1

func makeID(seq uint64, kind idKind) HandlerID {
	return HandlerID(seq<<kindBits | uint64(kind)&kindMask)
}

// Kind returns the calling-convention tag embedded in a HandlerID.
func (id HandlerID) Kind() string {
	switch idKind(uint64(id) & kindMask) {
	case kindCollective:
		return "collective"
	case kindLocal:
		return "local"
	case kindAuto:
		return "auto"
	case kindFunctor:
		return "functor"
	case kindVCHandler:
		return "vc-handler"
	default:
		return "unknown"
	}
}

// HandlerFunc is the shape of a registered active-message handler. msg
// is the opaque payload past the envelope header.
type HandlerFunc func(msg []byte)

type entry struct {
	fn  HandlerFunc
	tag string
}

// Registry is process-local. A collective Register call made in the
// same order on every rank yields the same HandlerID everywhere;
// RegisterLocal ids are only meaningful on the rank that produced them.
type Registry struct {
	mu sync.RWMutex

	collectiveSeq uint64
	localSeq      uint64

	handlers map[HandlerID]entry

	// pending buffers messages that arrived for a handler id before it
	// was registered.
	pending map[HandlerID][][]byte
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		handlers: make(map[HandlerID]entry),
		pending:  make(map[HandlerID][][]byte),
	}
}

// RegisterActiveHandler registers fn with a collectively-consistent id:
// callers on every rank must call this (or any Register* variant that
// consumes the collective sequence) in the same order.
func (r *Registry) RegisterActiveHandler(fn HandlerFunc, tag string) HandlerID {
	return r.registerCollective(fn, tag, kindCollective)
}

// RegisterAuto registers an auto-generated typed entry point trampoline.
func (r *Registry) RegisterAuto(fn HandlerFunc, tag string) HandlerID {
	return r.registerCollective(fn, tag, kindAuto)
}

// RegisterFunctor registers a functor-style (stateful callable) handler.
func (r *Registry) RegisterFunctor(fn HandlerFunc, tag string) HandlerID {
	return r.registerCollective(fn, tag, kindFunctor)
}

// RegisterVCHandler registers a virtual-context sub-handler trampoline.
func (r *Registry) RegisterVCHandler(fn HandlerFunc, tag string) HandlerID {
	return r.registerCollective(fn, tag, kindVCHandler)
}

func (r *Registry) registerCollective(fn HandlerFunc, tag string, kind idKind) HandlerID {
	r.mu.Lock()
	seq := r.collectiveSeq
	r.collectiveSeq++
	id := makeID(seq, kind)
	r.handlers[id] = entry{fn: fn, tag: tag}
	r.mu.Unlock()

	r.drainPending(id)
	return id
}

// RegisterNewHandler registers fn with a node-local id, valid only on
// this rank.
func (r *Registry) RegisterNewHandler(fn HandlerFunc, tag string) HandlerID {
	r.mu.Lock()
	seq := r.localSeq
	r.localSeq++
	id := makeID(seq, kindLocal)
	r.handlers[id] = entry{fn: fn, tag: tag}
	r.mu.Unlock()

	r.drainPending(id)
	return id
}

// GetHandler returns the function registered for id, and whether it was
// found. An unmatched tag (if tag != "") is treated as not found.
func (r *Registry) GetHandler(id HandlerID, tag string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.handlers[id]
	if !ok {
		return nil, false
	}
	if tag != "" && e.tag != tag {
		return nil, false
	}
	return e.fn, true
}

// SwapHandler atomically replaces the function registered for id.
func (r *Registry) SwapHandler(id HandlerID, fn HandlerFunc, tag string) error {
	r.mu.Lock()
	if _, ok := r.handlers[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("registry: swap on unregistered handler %v", id)
	}
	r.handlers[id] = entry{fn: fn, tag: tag}
	r.mu.Unlock()

	r.drainPending(id)
	return nil
}

// Unregister removes id from the registry.
func (r *Registry) Unregister(id HandlerID, tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.handlers[id]; ok && (tag == "" || e.tag == tag) {
		delete(r.handlers, id)
	}
}

// BufferPending stores msg for replay once id is registered. Called by
// ActiveMessenger when a message arrives before its handler exists.
func (r *Registry) BufferPending(id HandlerID, msg []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[id] = append(r.pending[id], msg)
}

// drainPending replays and clears buffered messages for id, in
// FIFO arrival order, after acquiring its own lock (fn must not be held
// with r.mu already write-locked when calling this).
func (r *Registry) drainPending(id HandlerID) {
	r.mu.Lock()
	msgs := r.pending[id]
	delete(r.pending, id)
	fn, ok := r.handlers[id]
	r.mu.Unlock()

	if !ok {
		return
	}
	for _, m := range msgs {
		fn.fn(m)
	}
}
