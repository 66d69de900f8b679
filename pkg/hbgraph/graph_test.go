package hbgraph_test

import (
	"testing"

	"github.com/nsg-ethz/hbrace/pkg/hbevent"
	"github.com/nsg-ethz/hbrace/pkg/hbgraph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertLinksPredecessorByTag(t *testing.T) {
	g := hbgraph.New()

	hostSend := hbevent.NewHostSend(1, 100, 101, nil, 1)
	hostEid := g.Insert(hostSend)

	packetHandle := hbevent.NewPacketHandle(5, 101, nil, 2)
	phEid := g.Insert(packetHandle)

	assert.True(t, g.Reachable(hostEid, phEid))
	assert.False(t, g.Reachable(phEid, hostEid))
	assert.True(t, g.Ordered(hostEid, phEid))
}

func TestInsertResolvesOutOfOrderArrival(t *testing.T) {
	// A consumer (here standing in for a synthetic controller edge)
	// can be inserted before its producer is emitted; the edge must
	// still be formed once the producer arrives.
	g := hbgraph.New()

	consumer := hbevent.NewMessageHandle(1, 50, 1, nil)
	consumerEid := g.Insert(consumer)

	producer := hbevent.NewMessageSend(1, 10, 50, 1, nil)
	producerEid := g.Insert(producer)

	assert.True(t, g.Reachable(producerEid, consumerEid))
}

func TestPredecessorWhitelistViolationStillAddsEdge(t *testing.T) {
	g := hbgraph.New()

	// HostHandle's only legal predecessor is HbPacketSend; feed it a
	// HostSend instead to trigger the warning path.
	bogus := hbevent.NewHostSend(1, 7, 8, nil, 0)
	bogusEid := g.Insert(bogus)

	hostHandle := hbevent.NewHostHandle(1, 8, nil, 0)
	hhEid := g.Insert(hostHandle)

	assert.True(t, g.Reachable(bogusEid, hhEid), "edge must still be added despite the violation")
	assert.Equal(t, 1, g.Violations())
}

func TestAncestorsAndCommonAncestor(t *testing.T) {
	g := hbgraph.New()

	root := hbevent.NewHostSend(1, 1, 2, nil, 0)
	rootEid := g.Insert(root)

	a := hbevent.NewPacketHandle(5, 2, nil, 0)
	aEid := g.Insert(a)
	hbevent.AppendPidOut(a, 3)
	// re-publish the newly appended out tag is not automatic; for this
	// test we model the fork explicitly via a second consumer of root's
	// pid_out below.

	bSend := hbevent.NewPacketSend(5, 2, 4, nil, 1)
	bEid := g.Insert(bSend)

	ancestorsOfB := g.Ancestors(bEid)
	require.Contains(t, ancestorsOfB, rootEid)
	require.Contains(t, ancestorsOfB, bEid)

	assert.True(t, g.HasCommonAncestor(aEid, bEid))
}

func TestOrderedFalseForConcurrentEvents(t *testing.T) {
	g := hbgraph.New()

	e1 := g.Insert(hbevent.NewMessageHandle(1, 1, 1, nil))
	e2 := g.Insert(hbevent.NewMessageHandle(2, 2, 1, nil))

	assert.False(t, g.Ordered(e1, e2))
}
