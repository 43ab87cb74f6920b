package collection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vtrt-project/vtrt/internal/location"
	"github.com/vtrt-project/vtrt/internal/log"
	"github.com/vtrt-project/vtrt/internal/transport"
	"github.com/vtrt-project/vtrt/internal/vcontext"
)

type testElement struct {
	idx Index
	sum int
}

func elementCtor(args []byte) any {
	return &testElement{}
}

type rankFixture struct {
	t   *transport.Local
	loc *location.Manager
	vc  *vcontext.Manager
}

func newFixtures(t *testing.T, size int) ([]*transport.Local, []*rankFixture) {
	t.Helper()
	fleet := transport.NewLocalFleet(size)
	out := make([]*rankFixture, size)
	for i, tr := range fleet {
		loc, err := location.NewManager(location.NodeID(i), 64, 1<<20, tr, log.New())
		require.NoError(t, err)
		out[i] = &rankFixture{
			t:   tr,
			loc: loc,
			vc:  vcontext.New(location.NodeID(i), loc, tr, log.New()),
		}
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

func roundRobin(idx Index, numNodes int) location.NodeID {
	return location.NodeID(idx[0] % int64(numNodes))
}

func TestRangeEachVisitsEveryIndexInOrder(t *testing.T) {
	var seen []Index
	Range{Lo: Index{0, 0}, Hi: Index{2, 3}}.Each(func(idx Index) {
		cp := make(Index, len(idx))
		copy(cp, idx)
		seen = append(seen, cp)
	})
	require.Len(t, seen, 6)
	assert.Equal(t, Index{0, 0}, seen[0])
	assert.Equal(t, Index{0, 2}, seen[2])
	assert.Equal(t, Index{1, 0}, seen[3])
	assert.Equal(t, Index{1, 2}, seen[5])
}

func TestConstructPlacesEachIndexPerMapFunc(t *testing.T) {
	fleet, ranks := newFixtures(t, 3)
	ctors := make([]vcontext.ConstructorID, 3)
	for i := range ranks {
		ctors[i] = ranks[i].vc.RegisterConstructor(elementCtor)
	}

	mgrs := make([]*Manager, 3)
	for i := range ranks {
		mgrs[i] = New(ranks[i].vc, location.NodeID(i), ctors[i], roundRobin, log.New())
	}

	for i := range mgrs {
		err := mgrs[i].Construct(Range{Lo: Index{0}, Hi: Index{6}}, 3, nil)
		require.NoError(t, err)
	}
	drain(fleet)

	assert.ElementsMatch(t, []Index{{0}, {3}}, mgrs[0].OwnedIndices())
	assert.ElementsMatch(t, []Index{{1}, {4}}, mgrs[1].OwnedIndices())
	assert.ElementsMatch(t, []Index{{2}, {5}}, mgrs[2].OwnedIndices())

	for i := int64(0); i < 6; i++ {
		p, ok := mgrs[0].Lookup(Index{i})
		assert.True(t, ok, "index %d should resolve on every rank", i)
		assert.Equal(t, location.NodeID(i%3), p.Node())
	}
}

func TestBroadcastInvokesOwnedElementsOnlyOnEachRank(t *testing.T) {
	fleet, ranks := newFixtures(t, 2)
	var hits [2]int
	ctors := make([]vcontext.ConstructorID, 2)
	subs := make([]vcontext.SubHandlerID, 2)
	for i := range ranks {
		i := i
		ctors[i] = ranks[i].vc.RegisterConstructor(elementCtor)
		subs[i] = ranks[i].vc.RegisterSubHandler(func(inst any, payload []byte) { hits[i]++ })
	}
	require.Equal(t, subs[0], subs[1])

	mgrs := make([]*Manager, 2)
	for i := range ranks {
		mgrs[i] = New(ranks[i].vc, location.NodeID(i), ctors[i], roundRobin, log.New())
		require.NoError(t, mgrs[i].Construct(Range{Lo: Index{0}, Hi: Index{4}}, 2, nil))
	}
	drain(fleet)

	mgrs[0].Broadcast(subs[0], nil)
	drain(fleet)

	assert.Equal(t, 2, hits[0], "rank 0 owns indices 0 and 2")
	assert.Equal(t, 0, hits[1], "broadcast only runs on the owning rank's elements")
}

func TestLocalReduceSumsOwnedElementValues(t *testing.T) {
	fleet, ranks := newFixtures(t, 2)
	ctor := ranks[0].vc.RegisterConstructor(elementCtor)
	ranks[1].vc.RegisterConstructor(elementCtor)

	mgr := New(ranks[0].vc, location.NodeID(0), ctor, roundRobin, log.New())
	require.NoError(t, mgr.Construct(Range{Lo: Index{0}, Hi: Index{4}}, 2, nil))
	drain(fleet)

	total := mgr.LocalReduce(0, Plus, func(idx Index) uint64 { return uint64(idx[0]) + 10 })
	assert.Equal(t, uint64(10+12), total, "rank 0 owns indices 0 and 2: (0+10)+(2+10)")
}

func TestRebalanceMigratesOwnedElementAndUpdatesLocalOwnership(t *testing.T) {
	fleet, ranks := newFixtures(t, 2)
	ctor0 := ranks[0].vc.RegisterConstructor(elementCtor)
	ranks[1].vc.RegisterConstructor(elementCtor)

	mgr := New(ranks[0].vc, location.NodeID(0), ctor0, roundRobin, log.New())
	require.NoError(t, mgr.Construct(Range{Lo: Index{0}, Hi: Index{2}}, 2, nil))
	drain(fleet)

	require.Contains(t, mgr.OwnedIndices(), Index{0})

	err := mgr.Rebalance(Index{0}, location.NodeID(1), func(inst any) []byte { return nil })
	require.NoError(t, err)
	drain(fleet)

	assert.NotContains(t, mgr.OwnedIndices(), Index{0})

	p, ok := mgr.Lookup(Index{0})
	require.True(t, ok)
	assert.False(t, ranks[0].vc.IsResident(p), "element should have left rank 0 after rebalance")
	assert.True(t, ranks[1].vc.IsResident(p), "element should now be resident on rank 1")
}
