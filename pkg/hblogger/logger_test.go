package hblogger_test

import (
	"encoding/base64"
	"testing"

	"github.com/nsg-ethz/hbrace/pkg/hbevent"
	"github.com/nsg-ethz/hbrace/pkg/hbgraph"
	"github.com/nsg-ethz/hbrace/pkg/hblogger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	events []hbevent.Event
}

func (f *fakeSink) WriteEvent(e hbevent.Event) error {
	f.events = append(f.events, e)
	return nil
}

func findEvent[T hbevent.Event](events []hbevent.Event) (T, bool) {
	var zero T
	for _, e := range events {
		if v, ok := e.(T); ok {
			return v, true
		}
	}
	return zero, false
}

// TestPacketInQueuesMessageSendUntilHandleEnds models scenario S1: a
// switch receives a data-plane packet and, while still handling it,
// sends a PACKET_IN to the controller. Both events must only reach
// the sink once the handle's End arrives, with the PacketHandle
// recording the PACKET_IN's mid as a successor.
func TestPacketInQueuesMessageSendUntilHandleEnds(t *testing.T) {
	g := hbgraph.New()
	sink := &fakeSink{}
	l := hblogger.New(g, sink)

	pkt := &hblogger.Packet{Bytes: []byte("pkt")}
	l.Handle(&hblogger.SwitchPacketHandleBegin{Dpid: 1, Packet: pkt, InPort: 2})
	require.Empty(t, sink.events, "begin must not be written until matching end")

	msg := &hblogger.Msg{Bytes: []byte("packet-in"), Type: 10}
	l.Handle(&hblogger.SwitchMessageSend{Dpid: 1, Msg: msg})
	require.Empty(t, sink.events, "queued successor must not be written until handle ends")

	l.Handle(&hblogger.SwitchPacketHandleEnd{Dpid: 1})
	require.Len(t, sink.events, 2)

	ph, ok := findEvent[*hbevent.PacketHandle](sink.events)
	require.True(t, ok)
	ms, ok := findEvent[*hbevent.MessageSend](sink.events)
	require.True(t, ok)

	require.Len(t, ph.MidOut, 1)
	assert.Equal(t, ph.MidOut[0], ms.MidIn)
	assert.True(t, g.Reachable(ph.EID(), ms.EID()))
}

// TestBufferPutGetLinksPacketHandleToMessageHandle models the
// controller buffering scenario: a packet is buffered while a switch
// handles it (BufferPut), and later retrieved from the buffer while
// handling an unrelated controller message (BufferGet). The two
// handles must end up linked by the shared packet tag.
func TestBufferPutGetLinksPacketHandleToMessageHandle(t *testing.T) {
	g := hbgraph.New()
	sink := &fakeSink{}
	l := hblogger.New(g, sink)

	pkt := &hblogger.Packet{Bytes: []byte("buffered")}
	l.Handle(&hblogger.SwitchPacketHandleBegin{Dpid: 1, Packet: pkt, InPort: 1})
	l.Handle(&hblogger.SwitchBufferPut{Dpid: 1, Packet: pkt, InPort: 1})
	l.Handle(&hblogger.SwitchPacketHandleEnd{Dpid: 1})

	ph, ok := findEvent[*hbevent.PacketHandle](sink.events)
	require.True(t, ok)
	require.Len(t, ph.PidOut, 1)
	bufferedTag := ph.PidOut[0]
	require.Len(t, ph.Operations, 1)
	assert.Equal(t, hbevent.OpBufferPut, ph.Operations[0].Kind)

	msg := &hblogger.Msg{Bytes: []byte("flow-mod"), Type: 14}
	l.Handle(&hblogger.SwitchMessageHandleBegin{Dpid: 1, Msg: msg})
	l.Handle(&hblogger.SwitchBufferGet{Dpid: 1, Packet: pkt, InPort: 1})
	l.Handle(&hblogger.SwitchMessageHandleEnd{Dpid: 1})

	mh, ok := findEvent[*hbevent.MessageHandle](sink.events)
	require.True(t, ok)
	require.NotNil(t, mh.PidIn)
	assert.Equal(t, bufferedTag, *mh.PidIn)
	assert.True(t, g.Reachable(ph.EID(), mh.EID()))
	require.Len(t, mh.Operations, 1)
	assert.Equal(t, hbevent.OpBufferGet, mh.Operations[0].Kind)
}

// TestPacketUpdatePreservesTagAcrossRewrite models the simulator
// rewriting a packet object (e.g. TTL decrement) mid-handle: the new
// object must keep the old one's tag, so a later buffer retrieval of
// the rewritten object still resolves to the original PacketHandle's
// pid.
func TestPacketUpdatePreservesTagAcrossRewrite(t *testing.T) {
	g := hbgraph.New()
	l := hblogger.New(g, &fakeSink{})

	oldPkt := &hblogger.Packet{Bytes: []byte("before")}
	l.Handle(&hblogger.SwitchPacketHandleBegin{Dpid: 1, Packet: oldPkt, InPort: 1})
	l.Handle(&hblogger.SwitchPacketUpdateBegin{Dpid: 1, Packet: oldPkt})

	newPkt := &hblogger.Packet{Bytes: []byte("after")}
	l.Handle(&hblogger.SwitchPacketUpdateEnd{Dpid: 1, New: newPkt})
	l.Handle(&hblogger.SwitchPacketHandleEnd{Dpid: 1})

	ph, ok := findEvent[*hbevent.PacketHandle](g.Events())
	require.True(t, ok)

	msg := &hblogger.Msg{Bytes: []byte("flow-mod"), Type: 14}
	l.Handle(&hblogger.SwitchMessageHandleBegin{Dpid: 1, Msg: msg})
	l.Handle(&hblogger.SwitchBufferGet{Dpid: 1, Packet: newPkt, InPort: 1})
	l.Handle(&hblogger.SwitchMessageHandleEnd{Dpid: 1})

	mh, ok := findEvent[*hbevent.MessageHandle](g.Events())
	require.True(t, ok)
	require.NotNil(t, mh.PidIn)
	assert.Equal(t, ph.PidIn, *mh.PidIn, "the rewritten packet must keep the original's tag")
}

// TestUnmatchedMessageSendIsQueuedForControllerAdapter models the
// switch-side half of cross-process matching: a message sent to the
// controller is queued by base64 payload until the adapter claims it.
func TestUnmatchedMessageSendIsQueuedForControllerAdapter(t *testing.T) {
	g := hbgraph.New()
	l := hblogger.New(g, &fakeSink{})

	msg := &hblogger.Msg{Bytes: []byte("packet-in-payload"), Type: 10}
	l.Handle(&hblogger.SwitchMessageSend{Dpid: 5, Msg: msg})

	b64 := base64.StdEncoding.EncodeToString(msg.Bytes)
	_, ok := l.TakeUnmatchedMessageSend(5, "not-the-right-payload")
	assert.False(t, ok)

	tag, ok := l.TakeUnmatchedMessageSend(5, b64)
	require.True(t, ok)
	assert.NotZero(t, tag)

	_, ok = l.TakeUnmatchedMessageSend(5, b64)
	assert.False(t, ok, "a matched entry must only be claimable once")
}

// TestEmitControllerEdgeLinksAcrossTheControlPlane models §4.3: a
// synthetic HbControllerHandle/HbControllerSend pair links the
// switch's outgoing message to the switch's later incoming reply.
func TestEmitControllerEdgeLinksAcrossTheControlPlane(t *testing.T) {
	g := hbgraph.New()
	sink := &fakeSink{}
	l := hblogger.New(g, sink)

	outMsg := &hblogger.Msg{Bytes: []byte("packet-in"), Type: 10}
	l.Handle(&hblogger.SwitchMessageSend{Dpid: 1, Msg: outMsg})
	ms, ok := findEvent[*hbevent.MessageSend](sink.events)
	require.True(t, ok)

	inMsg := &hblogger.Msg{Bytes: []byte("flow-mod"), Type: 14}
	l.Handle(&hblogger.SwitchMessageHandleBegin{Dpid: 1, Msg: inMsg})
	l.Handle(&hblogger.SwitchMessageHandleEnd{Dpid: 1})
	mh, ok := findEvent[*hbevent.MessageHandle](sink.events)
	require.True(t, ok)

	l.EmitControllerEdge(ms.MidOut, mh.MidIn)

	assert.True(t, g.Reachable(ms.EID(), mh.EID()))
}

// TestHandlePanicIsRecovered models §7 class 6: a malformed sequence
// (End with no Begin) must not crash the caller.
func TestHandlePanicIsRecovered(t *testing.T) {
	g := hbgraph.New()
	l := hblogger.New(g, &fakeSink{})

	assert.NotPanics(t, func() {
		l.Handle(&hblogger.SwitchPacketHandleEnd{Dpid: 99})
	})
}
