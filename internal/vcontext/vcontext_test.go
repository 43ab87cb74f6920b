package vcontext

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vtrt-project/vtrt/internal/location"
	"github.com/vtrt-project/vtrt/internal/log"
	"github.com/vtrt-project/vtrt/internal/transport"
)

type rankFixture struct {
	t   *transport.Local
	loc *location.Manager
	m   *Manager
}

func newFixtures(t *testing.T, size int) ([]*transport.Local, []*rankFixture) {
	t.Helper()
	fleet := transport.NewLocalFleet(size)
	out := make([]*rankFixture, size)
	for i, tr := range fleet {
		loc, err := location.NewManager(location.NodeID(i), 64, 1<<20, tr, log.New())
		require.NoError(t, err)
		f := &rankFixture{t: tr, loc: loc}
		f.m = New(location.NodeID(i), loc, tr, log.New())
		out[i] = f
	}
	return fleet, out
}

func drain(fleet []*transport.Local) {
	for round := 0; round < 10; round++ {
		progressed := false
		for _, tr := range fleet {
			if tr.Poll() {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

type counter struct {
	n int
}

func counterCtor(args []byte) any {
	return &counter{}
}

func TestMakeVirtualRegistersLocallyAndDispatches(t *testing.T) {
	_, ranks := newFixtures(t, 1)
	r := ranks[0]
	ctor := r.m.RegisterConstructor(counterCtor)
	sub := r.m.RegisterSubHandler(func(inst any, payload []byte) {
		inst.(*counter).n++
	})

	proxy, err := r.m.MakeVirtual(ctor, nil)
	require.NoError(t, err)
	assert.Equal(t, location.NodeID(0), proxy.Node())

	r.m.SendMsg(proxy, sub, nil)
	r.m.SendMsg(proxy, sub, nil)

	got := r.m.holder[proxy].instance.(*counter)
	assert.Equal(t, 2, got.n)
}

func TestMakeVirtualNodeLocalInvokesOnReadySynchronously(t *testing.T) {
	_, ranks := newFixtures(t, 1)
	r := ranks[0]
	ctor := r.m.RegisterConstructor(counterCtor)

	var got Proxy
	err := r.m.MakeVirtualNode(ctor, location.NodeID(0), nil, func(p Proxy) { got = p })
	require.NoError(t, err)
	assert.NotEqual(t, NoProxy, got)
}

func TestMakeVirtualNodeRemoteConstructsOnTargetAndReplies(t *testing.T) {
	fleet, ranks := newFixtures(t, 2)
	ctor0 := ranks[0].m.RegisterConstructor(counterCtor)
	ctor1 := ranks[1].m.RegisterConstructor(counterCtor)
	assert.Equal(t, ctor0, ctor1, "collective registration must agree across ranks")

	var got Proxy
	err := ranks[0].m.MakeVirtualNode(ctor0, location.NodeID(1), nil, func(p Proxy) { got = p })
	require.NoError(t, err)

	drain(fleet)

	require.NotEqual(t, NoProxy, got)
	assert.Equal(t, location.NodeID(1), got.Node(), "remote construct homes the entity at the constructing rank")
	_, resident := ranks[1].m.holder[got]
	assert.True(t, resident)
}

func TestMakeVirtualMapResolvesPlacementViaMapFunc(t *testing.T) {
	fleet, ranks := newFixtures(t, 3)
	ctor := ranks[0].m.RegisterConstructor(counterCtor)
	ranks[1].m.RegisterConstructor(counterCtor)
	ranks[2].m.RegisterConstructor(counterCtor)

	mapFn := func(seed uint64, numNodes int) location.NodeID {
		return location.NodeID(seed % uint64(numNodes))
	}

	var got Proxy
	err := ranks[0].m.MakeVirtualMap(ctor, 2, mapFn, nil, func(p Proxy) { got = p })
	require.NoError(t, err)
	drain(fleet)

	require.NotEqual(t, NoProxy, got)
	assert.Equal(t, location.NodeID(2), got.Node())
}

func TestSendMsgRoutesAcrossRanksViaLocationManager(t *testing.T) {
	fleet, ranks := newFixtures(t, 2)
	ctor := ranks[1].m.RegisterConstructor(counterCtor)
	var hits int
	sub := ranks[1].m.RegisterSubHandler(func(inst any, payload []byte) { hits++ })

	proxy, err := ranks[1].m.MakeVirtual(ctor, nil)
	require.NoError(t, err)

	ranks[0].m.SendMsg(proxy, sub, []byte("hi"))
	drain(fleet)

	assert.Equal(t, 1, hits)
}

func TestDispatchBuffersUntilConstructedThenDrainsInFIFOOrder(t *testing.T) {
	_, ranks := newFixtures(t, 1)
	r := ranks[0]
	var order []int
	sub := r.m.RegisterSubHandler(func(inst any, payload []byte) {
		order = append(order, int(payload[0]))
	})

	proxy := MakeProxy(1, location.NodeID(0), false, false)
	r.m.holder[proxy] = &entry{proxy: proxy, constructed: false}

	r.m.dispatch(proxy, encodeVirtualMsg(sub, []byte{1}))
	r.m.dispatch(proxy, encodeVirtualMsg(sub, []byte{2}))
	assert.Empty(t, order, "messages must stay buffered before construction completes")

	r.m.holder[proxy].instance = &counter{}
	r.m.holder[proxy].constructed = true
	r.m.drainPending(proxy)

	assert.Equal(t, []int{1, 2}, order)
}

func TestMakeVirtualNodeImmediateReturnsProxySynchronouslyAndConstructsOnTarget(t *testing.T) {
	fleet, ranks := newFixtures(t, 2)
	ctor0 := ranks[0].m.RegisterConstructor(counterCtor)
	ctor1 := ranks[1].m.RegisterConstructor(counterCtor)
	assert.Equal(t, ctor0, ctor1, "collective registration must agree across ranks")

	proxy, err := ranks[0].m.MakeVirtualNodeImmediate(ctor0, location.NodeID(1), nil, false)
	require.NoError(t, err)

	assert.True(t, proxy.IsImmediate())
	assert.Equal(t, location.NodeID(1), proxy.Node())
	assert.Equal(t, location.NodeID(0), proxy.ImmediateRequester())

	_, residentBeforeDrain := ranks[1].m.holder[proxy]
	assert.False(t, residentBeforeDrain, "target hasn't processed the construct request yet")

	drain(fleet)

	ent, ok := ranks[1].m.holder[proxy]
	require.True(t, ok)
	assert.True(t, ent.constructed)
}

func TestImmediateModeMessageFromThirdPartyBuffersUntilConstructionCompletes(t *testing.T) {
	fleet, ranks := newFixtures(t, 3)
	ctor0 := ranks[0].m.RegisterConstructor(counterCtor)
	ranks[1].m.RegisterConstructor(counterCtor)
	ranks[2].m.RegisterConstructor(counterCtor)

	sub := ranks[1].m.RegisterSubHandler(func(inst any, payload []byte) {
		inst.(*counter).n += int(payload[0])
	})

	// Rank 2 already knows, out-of-band, what proxy rank 0's first
	// immediate construction on rank 1 will get — the layout is
	// deterministic from (target, requester, seq) — and addresses it
	// before rank 0 has even sent the construct request.
	proxy := MakeImmediateProxy(location.NodeID(1), location.NodeID(0), 0, false, false)
	ranks[2].m.loc.NoteKnownLocation(proxy.EntityID(), location.NodeID(1))
	ranks[2].m.SendMsg(proxy, sub, []byte{5})

	proxyFromCtor, err := ranks[0].m.MakeVirtualNodeImmediate(ctor0, location.NodeID(1), nil, false)
	require.NoError(t, err)
	require.Equal(t, proxy, proxyFromCtor, "rank 0's first immediate construct must assign the seq rank 2 guessed")

	drain(fleet)

	ent, ok := ranks[1].m.holder[proxy]
	require.True(t, ok)
	require.True(t, ent.constructed)
	assert.Equal(t, 5, ent.instance.(*counter).n, "rank 2's pre-construction message must still be delivered, not dropped")
}

func TestMigrateMovesEntityAndNewHomeDispatches(t *testing.T) {
	fleet, ranks := newFixtures(t, 2)
	ctor := ranks[0].m.RegisterConstructor(func(args []byte) any {
		c := &counter{}
		if len(args) == 8 {
			c.n = int(args[0])
		}
		return c
	})
	ranks[1].m.RegisterConstructor(func(args []byte) any {
		c := &counter{}
		if len(args) == 8 {
			c.n = int(args[0])
		}
		return c
	})
	sub0 := ranks[0].m.RegisterSubHandler(func(inst any, payload []byte) { inst.(*counter).n++ })
	sub1 := ranks[1].m.RegisterSubHandler(func(inst any, payload []byte) { inst.(*counter).n++ })
	assert.Equal(t, sub0, sub1)

	proxy, err := ranks[0].m.MakeVirtualMigratable(ctor, nil)
	require.NoError(t, err)
	assert.True(t, proxy.IsMigratable())

	err = ranks[0].m.Migrate(proxy, location.NodeID(1), func(inst any) []byte {
		return make([]byte, 8)
	})
	require.NoError(t, err)
	drain(fleet)

	_, stillLocal := ranks[0].m.holder[proxy]
	assert.False(t, stillLocal)
	_, onNewHome := ranks[1].m.holder[proxy]
	assert.True(t, onNewHome)

	ranks[0].m.SendMsg(proxy, sub0, nil)
	drain(fleet)
	assert.Equal(t, 1, ranks[1].m.holder[proxy].instance.(*counter).n)
}

func TestMigrateOfNonMigratableProxyFails(t *testing.T) {
	_, ranks := newFixtures(t, 2)
	ctor := ranks[0].m.RegisterConstructor(counterCtor)
	proxy, err := ranks[0].m.MakeVirtual(ctor, nil)
	require.NoError(t, err)

	err = ranks[0].m.Migrate(proxy, location.NodeID(1), func(inst any) []byte { return nil })
	assert.Error(t, err)
}

func encodeVirtualMsg(sub SubHandlerID, payload []byte) []byte {
	wire := make([]byte, 8+len(payload))
	wire[7] = byte(sub)
	copy(wire[8:], payload)
	return wire
}
