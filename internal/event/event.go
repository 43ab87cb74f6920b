// Package event implements completion handles: a transport event per
// outstanding non-blocking send, and parent
// (composite) events that aggregate children and fire a continuation
// when every child has terminated. Decoupling transport completion from
// user continuations is what lets Put's two-message protocol, broadcast
// fan-out, and arbitrary send+RDMA composites share one completion model.
package event

import (
	"sync"

	"github.com/google/uuid"
)

// ID identifies an outstanding event.
type ID string

// newID mints a fresh event id. uuid gives us collision-free ids without
// a central counter, which matters once events are created from many
// goroutines (worker threads handing off comm work).
func newID() ID { return ID(uuid.NewString()) }

// Pollable abstracts the transport's "is this send done yet" query, so
// Manager doesn't need to import the transport package.
type Pollable interface {
	// Test returns true once the underlying send/recv has completed.
	Test() bool
}

// Action is a continuation invoked when an event (transport or parent)
// terminates.
type Action func()

type transportEvent struct {
	poll Pollable
	// onComplete drops the managed shared-message ref, if any, when the
	// transport event completes.
	onComplete func()
	done       bool
}

type parentEvent struct {
	children []ID
	action   Action
}

// Manager owns every live event on a rank. Every method takes the
// Manager's own mutex, so it may be called from more than one
// goroutine.
type Manager struct {
	mu        sync.Mutex
	transport map[ID]*transportEvent
	parent    map[ID]*parentEvent
	done      map[ID]bool
}

// NewManager returns an empty event Manager.
func NewManager() *Manager {
	return &Manager{
		transport: make(map[ID]*transportEvent),
		parent:    make(map[ID]*parentEvent),
		done:      make(map[ID]bool),
	}
}

// CreateTransportEvent wraps a Pollable non-blocking send/recv. onComplete,
// if non-nil, is invoked exactly once when the event first completes (used
// to drop a shared-message ref).
func (m *Manager) CreateTransportEvent(poll Pollable, onComplete func()) ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := newID()
	m.transport[id] = &transportEvent{poll: poll, onComplete: onComplete}
	return id
}

// CreateParentEvent creates a composite event with no children yet.
func (m *Manager) CreateParentEvent() ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := newID()
	m.parent[id] = &parentEvent{}
	return id
}

// AddChild attaches child to parent's child list. Must be called before
// the parent is polled to termination.
func (m *Manager) AddChild(parent, child ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.parent[parent]
	if !ok {
		panic("event: AddChild on unknown parent event")
	}
	p.children = append(p.children, child)
}

// AttachAction sets the continuation fired when parent event id
// terminates. Only parent events hold a continuation: on a transport
// event that has not yet completed the action is not recorded and never
// fires. If id (of either kind) has already terminated, the action fires
// immediately (there is no later poll that would otherwise ever invoke
// it).
func (m *Manager) AttachAction(id ID, action Action) {
	m.mu.Lock()
	if p, ok := m.parent[id]; ok {
		p.action = action
	}
	alreadyDone := m.done[id]
	m.mu.Unlock()

	if alreadyDone && action != nil {
		action()
	}
}

// Poll advances id's completion state by querying its transport
// Pollable(s) and returns whether id is now terminated. Polling a
// transport event whose send has completed invokes onComplete exactly
// once. Polling a parent polls every child transitively; any
// continuations that newly fire as a result run after the lock is
// released, so they may safely call back into the Manager.
func (m *Manager) Poll(id ID) bool {
	m.mu.Lock()
	var fired []Action
	result := m.pollLocked(id, &fired)
	m.mu.Unlock()

	for _, a := range fired {
		a()
	}
	return result
}

func (m *Manager) pollLocked(id ID, fired *[]Action) bool {
	if m.done[id] {
		return true
	}
	if te, ok := m.transport[id]; ok {
		if !te.done && te.poll.Test() {
			te.done = true
			if te.onComplete != nil {
				te.onComplete()
			}
		}
		if te.done {
			m.done[id] = true
		}
		return te.done
	}
	if pe, ok := m.parent[id]; ok {
		allDone := true
		for _, c := range pe.children {
			if !m.pollLocked(c, fired) {
				allDone = false
			}
		}
		if allDone {
			m.done[id] = true
			if pe.action != nil {
				*fired = append(*fired, pe.action)
				pe.action = nil
			}
		}
		return allDone
	}
	// Unknown id: treat as already-retired (terminated).
	return true
}

// IsTerminated reports whether id (and, if a parent, every descendant)
// has completed, without forcing additional transport progress beyond
// what Poll already observed.
func (m *Manager) IsTerminated(id ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done[id]
}
