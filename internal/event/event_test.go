package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakePollable struct{ ready bool }

func (f *fakePollable) Test() bool { return f.ready }

func TestTransportEventCompletion(t *testing.T) {
	m := NewManager()
	p := &fakePollable{}
	var completed bool
	id := m.CreateTransportEvent(p, func() { completed = true })

	assert.False(t, m.Poll(id))
	assert.False(t, m.IsTerminated(id))

	p.ready = true
	assert.True(t, m.Poll(id))
	assert.True(t, completed)
	assert.True(t, m.IsTerminated(id))

	// onComplete fires exactly once.
	completed = false
	assert.True(t, m.Poll(id))
	assert.False(t, completed)
}

func TestParentEventWaitsForAllChildren(t *testing.T) {
	m := NewManager()
	p1 := &fakePollable{}
	p2 := &fakePollable{}
	c1 := m.CreateTransportEvent(p1, nil)
	c2 := m.CreateTransportEvent(p2, nil)

	parent := m.CreateParentEvent()
	m.AddChild(parent, c1)
	m.AddChild(parent, c2)

	var fired bool
	m.AttachAction(parent, func() { fired = true })

	assert.False(t, m.Poll(parent))
	p1.ready = true
	assert.False(t, m.Poll(parent))
	assert.False(t, fired)

	p2.ready = true
	assert.True(t, m.Poll(parent))
	assert.True(t, fired)
}

func TestAttachActionOnAlreadyTerminatedFiresImmediately(t *testing.T) {
	m := NewManager()
	p := &fakePollable{ready: true}
	id := m.CreateTransportEvent(p, nil)
	m.Poll(id)

	var fired bool
	m.AttachAction(id, func() { fired = true })
	assert.True(t, fired)
}
