package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectiveRegistrationIsDeterministicAcrossCallOrder(t *testing.T) {
	// Two independent registries standing in for two ranks: the same
	// call order must produce the same ids.
	r1 := New()
	r2 := New()

	a1 := r1.RegisterActiveHandler(func([]byte) {}, "a")
	b1 := r1.RegisterActiveHandler(func([]byte) {}, "b")

	a2 := r2.RegisterActiveHandler(func([]byte) {}, "a")
	b2 := r2.RegisterActiveHandler(func([]byte) {}, "b")

	assert.Equal(t, a1, a2)
	assert.Equal(t, b1, b2)
	assert.NotEqual(t, a1, b1)
}

func TestGetHandlerUnknown(t *testing.T) {
	r := New()
	_, ok := r.GetHandler(HandlerID(999), "")
	assert.False(t, ok)
}

func TestSwapHandler(t *testing.T) {
	r := New()
	var calledOld, calledNew bool
	id := r.RegisterActiveHandler(func([]byte) { calledOld = true }, "")

	require.NoError(t, r.SwapHandler(id, func([]byte) { calledNew = true }, ""))

	fn, ok := r.GetHandler(id, "")
	require.True(t, ok)
	fn(nil)
	assert.False(t, calledOld)
	assert.True(t, calledNew)
}

func TestSwapUnregisteredFails(t *testing.T) {
	r := New()
	err := r.SwapHandler(HandlerID(42), func([]byte) {}, "")
	assert.Error(t, err)
}

func TestPendingMessagesReplayOnRegister(t *testing.T) {
	r := New()
	id := HandlerID(123)
	r.BufferPending(id, []byte("m1"))
	r.BufferPending(id, []byte("m2"))

	var got [][]byte
	r.handlers[id] = entry{fn: func(m []byte) { got = append(got, m) }}
	r.drainPending(id)

	require.Len(t, got, 2)
	assert.Equal(t, []byte("m1"), got[0])
	assert.Equal(t, []byte("m2"), got[1])
}

func TestHandlerIDKindTag(t *testing.T) {
	r := New()
	id := r.RegisterActiveHandler(func([]byte) {}, "")
	assert.Equal(t, "collective", id.Kind())

	local := r.RegisterNewHandler(func([]byte) {}, "")
	assert.Equal(t, "local", local.Kind())
}
