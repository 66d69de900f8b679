package race

import (
	"encoding/binary"
	"testing"

	"github.com/nsg-ethz/hbrace/pkg/hbevent"
	"github.com/nsg-ethz/hbrace/pkg/hbgraph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ofFlowMod builds a minimal OpenFlow-1.0 flow_mod byte string with a
// 40-byte ofp_match followed by cookie/command/.../priority, matching
// the wire layout race.OpenFlowOracle decodes.
func ofFlowMod(wildcards uint32, tpDst uint16, priority uint16, command uint16, cookie uint64) []byte {
	const matchLen = 40
	b := make([]byte, matchLen+16)
	binary.BigEndian.PutUint32(b[0:4], wildcards)
	binary.BigEndian.PutUint16(b[30:32], tpDst)
	binary.BigEndian.PutUint64(b[matchLen:matchLen+8], cookie)
	binary.BigEndian.PutUint16(b[matchLen+8:matchLen+10], command)
	binary.BigEndian.PutUint16(b[matchLen+14:matchLen+16], priority)
	return b
}

func addMessageHandle(g *hbgraph.Graph, dpid hbevent.DPID, midIn hbevent.MID, ops ...hbevent.Operation) hbevent.EID {
	e := hbevent.NewMessageHandle(dpid, midIn, 14, nil)
	for _, op := range ops {
		hbevent.AppendOperation(e, op)
	}
	return g.Insert(e)
}

// TestEmptyTraceHasNoRaces covers the §8 boundary behaviour "empty
// trace -> zero races, zero ops".
func TestEmptyTraceHasNoRaces(t *testing.T) {
	g := hbgraph.New()
	r := New(g, false)
	report := r.DetectAll()
	assert.Equal(t, 0, report.TotalOps)
	assert.Empty(t, report.RacesHarmful)
	assert.Empty(t, report.RacesCommute)
}

// TestSingleWriteHasNoRaces covers "single write only -> zero races".
func TestSingleWriteHasNoRaces(t *testing.T) {
	g := hbgraph.New()
	addMessageHandle(g, 1, 1, hbevent.NewFlowTableWrite(nil, []byte{1}))
	r := New(g, false)
	report := r.DetectAll()
	assert.Equal(t, 1, report.TotalOps)
	assert.Empty(t, report.RacesHarmful)
	assert.Empty(t, report.RacesCommute)
}

// TestDifferentDpidsNeverRace covers "two writes on different dpids,
// concurrent -> not a race" (filter predicate 3).
func TestDifferentDpidsNeverRace(t *testing.T) {
	g := hbgraph.New()
	addMessageHandle(g, 1, 1, hbevent.NewFlowTableWrite(nil, []byte{1}))
	addMessageHandle(g, 2, 2, hbevent.NewFlowTableWrite(nil, []byte{1}))
	r := New(g, false)
	report := r.DetectAll()
	assert.Empty(t, report.RacesHarmful)
	assert.Empty(t, report.RacesCommute)
}

// TestOrderedWritesNeverRace covers "two writes on same dpid with a
// directed path between their handles -> not a race" (filter
// predicate 4): a's MessageSend feeds b's MessageHandle, giving the
// graph an hb edge a -> b.
func TestOrderedWritesNeverRace(t *testing.T) {
	g := hbgraph.New()
	a := hbevent.NewMessageHandle(1, 1, 14, nil)
	hbevent.AppendOperation(a, hbevent.NewFlowTableWrite(nil, []byte{1}))
	hbevent.AppendMidOut(a, 2)
	g.Insert(a)

	send := hbevent.NewMessageSend(1, 2, 3, 14, nil)
	g.Insert(send)

	b := hbevent.NewMessageHandle(1, 3, 14, nil)
	hbevent.AppendOperation(b, hbevent.NewFlowTableWrite(nil, []byte{1}))
	g.Insert(b)

	r := New(g, false)
	report := r.DetectAll()
	assert.Empty(t, report.RacesHarmful)
	assert.Empty(t, report.RacesCommute)
}

// TestConcurrentOverlappingWritesIsHarmful models scenario S2: two
// concurrent FLOW_MODs on the same dpid with an overlapping match and
// conflicting command race harmfully.
func TestConcurrentOverlappingWritesIsHarmful(t *testing.T) {
	g := hbgraph.New()
	// A wildcards tp_dst (so it overlaps anything B sets there); same
	// priority, different cookie -- neither a delete nor an identical
	// add, so the final table state depends on write order.
	fmA := ofFlowMod(wTpDst, 0, 10, ofCmdAdd, 1)
	fmB := ofFlowMod(0, 443, 10, ofCmdAdd, 2)
	a := addMessageHandle(g, 1, 1, hbevent.NewFlowTableWrite(nil, fmA))
	b := addMessageHandle(g, 1, 2, hbevent.NewFlowTableWrite(nil, fmB))

	r := New(g, false)
	report := r.DetectAll()
	require.Len(t, report.RacesHarmful, 1)
	assert.Empty(t, report.RacesCommute)
	assert.ElementsMatch(t, []hbevent.EID{a, b}, []hbevent.EID{report.RacesHarmful[0].EventA, report.RacesHarmful[0].EventB})
	assert.True(t, report.RacingEventsHarmful[a])
	assert.True(t, report.RacingEventsHarmful[b])
}

// TestFilterRWSuppressesPairsWithNoCommonAncestor models scenario S4's
// filter_rw=true branch: an r/w pair with no shared ancestor is
// suppressed and counted as filtered rather than reported.
func TestFilterRWSuppressesPairsWithNoCommonAncestor(t *testing.T) {
	g := hbgraph.New()
	read := hbevent.NewMessageHandle(1, 1, 14, nil)
	hbevent.AppendOperation(read, hbevent.NewFlowTableRead(nil, []byte{1}, nil, 0, 0, 0))
	g.Insert(read)

	write := hbevent.NewMessageHandle(1, 2, 14, nil)
	hbevent.AppendOperation(write, hbevent.NewFlowTableWrite(nil, []byte{1}))
	g.Insert(write)

	r := New(g, true)
	report := r.DetectAll()
	assert.Empty(t, report.RacesHarmful)
	assert.Empty(t, report.RacesCommute)
	assert.Equal(t, 1, report.Filtered)
}

// TestFilterRWKeepsPairsWithCommonAncestor models scenario S4's
// common-ancestor branch: the read and write share a HostSend
// ancestor, so the race survives the filter.
func TestFilterRWKeepsPairsWithCommonAncestor(t *testing.T) {
	// Both the read and the write consume the same HostSend pid_out
	// directly (a common ancestor), with no edge between them, so
	// they're HB-unordered but share an ancestor.
	g := hbgraph.New()
	hs := hbevent.NewHostSend(1, 10, 11, nil, 1)
	g.Insert(hs)

	read := hbevent.NewPacketHandle(1, 11, nil, 1)
	hbevent.AppendOperation(read, hbevent.NewFlowTableRead(nil, []byte{1}, nil, 0, 0, 0))
	g.Insert(read)

	write := hbevent.NewPacketHandle(1, 11, nil, 1)
	hbevent.AppendOperation(write, hbevent.NewFlowTableWrite(nil, []byte{1}))
	g.Insert(write)

	r := New(g, true)
	report := r.DetectAll()
	assert.Equal(t, 0, report.Filtered)
	assert.Equal(t, 1, len(report.RacesHarmful)+len(report.RacesCommute))
}

// TestDetectIncrementalRestrictsToGivenEvent covers the incremental
// mode note: only pairs containing the named event are considered.
func TestDetectIncrementalRestrictsToGivenEvent(t *testing.T) {
	g := hbgraph.New()
	fmA := ofFlowMod(wTpDst, 0, 10, ofCmdAdd, 1)
	fmB := ofFlowMod(0, 443, 10, ofCmdAdd, 2)
	a := addMessageHandle(g, 1, 1, hbevent.NewFlowTableWrite(nil, fmA))
	b := addMessageHandle(g, 1, 2, hbevent.NewFlowTableWrite(nil, fmB))
	addMessageHandle(g, 2, 3, hbevent.NewFlowTableWrite(nil, fmA))

	r := New(g, false)
	report := r.DetectIncremental(a)
	require.Len(t, report.RacesHarmful, 1)
	assert.ElementsMatch(t, []hbevent.EID{a, b}, []hbevent.EID{report.RacesHarmful[0].EventA, report.RacesHarmful[0].EventB})
}

// TestDetectionIsIdempotent covers the §8 law "running the Race
// Detector twice on the same HB Graph yields identical sets".
func TestDetectionIsIdempotent(t *testing.T) {
	g := hbgraph.New()
	overlap := make([]byte, 56)
	addMessageHandle(g, 1, 1, hbevent.NewFlowTableWrite(nil, overlap))
	addMessageHandle(g, 1, 2, hbevent.NewFlowTableWrite(nil, overlap))

	r := New(g, false)
	first := r.DetectAll()
	second := r.DetectAll()
	assert.Equal(t, first.RacesHarmful, second.RacesHarmful)
	assert.Equal(t, first.RacesCommute, second.RacesCommute)
}
