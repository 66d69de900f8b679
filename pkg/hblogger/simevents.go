package hblogger

import "github.com/nsg-ethz/hbrace/pkg/hbevent"

// SimEvent is the closed set of raw instrumentation events the
// simulator (switches, hosts and the data-plane patch panel) feeds
// into the Logger. Unlike hbevent.Event these are not yet linked or
// tagged: the Logger is what turns them into HB events.
type SimEvent interface {
	isSimEvent()
}

type base struct{}

func (base) isSimEvent() {}

// Packet is the identity the registry tags: the simulator passes the
// same *Packet pointer to every sim event that refers to the same
// in-flight packet, the way hb_logger.py tags a packet by its
// interpreter object id. Bytes is the wire encoding, carried along for
// the trace only.
type Packet struct {
	Bytes []byte
}

// Msg is the identity-bearing counterpart of Packet for OpenFlow
// messages.
type Msg struct {
	Bytes []byte
	Type  uint8
}

// SwitchPacketHandleBegin/End bracket a switch's processing of a
// data-plane packet.
type SwitchPacketHandleBegin struct {
	base
	Dpid   hbevent.DPID
	Packet *Packet
	InPort uint32
}

type SwitchPacketHandleEnd struct {
	base
	Dpid hbevent.DPID
}

// SwitchMessageHandleBegin/End bracket a switch's processing of an
// OpenFlow message received from the controller.
type SwitchMessageHandleBegin struct {
	base
	Dpid hbevent.DPID
	Msg  *Msg
}

type SwitchMessageHandleEnd struct {
	base
	Dpid hbevent.DPID
}

// SwitchMessageSend is a switch sending an OpenFlow message to the
// controller.
type SwitchMessageSend struct {
	base
	Dpid hbevent.DPID
	Msg  *Msg
}

// SwitchPacketSend is a switch forwarding a packet out a data-plane
// port.
type SwitchPacketSend struct {
	base
	Dpid    hbevent.DPID
	Packet  *Packet
	OutPort uint32
}

// SwitchFlowTableRead/Write/EntryExpiry are operations nested inside
// whichever handle event is currently open for their dpid (or, for
// EntryExpiry, possibly bracketing their own async handle — see
// SwitchAsyncFlowExpiryBegin/End).
type SwitchFlowTableRead struct {
	base
	Dpid             hbevent.DPID
	FlowTable        []byte
	FlowMod          []byte
	Packet           []byte
	InPort           uint32
	TouchedFlowBytes uint64
	TouchedFlowNow   float64
}

type SwitchFlowTableWrite struct {
	base
	Dpid      hbevent.DPID
	FlowTable []byte
	FlowMod   []byte
}

type SwitchFlowTableEntryExpiry struct {
	base
	Dpid      hbevent.DPID
	FlowTable []byte
	Removed   []byte
}

// SwitchBufferPut/Get mark a packet being stashed into, or retrieved
// from, the switch's packet-in buffer.
type SwitchBufferPut struct {
	base
	Dpid   hbevent.DPID
	Packet *Packet
	InPort uint32
}

type SwitchBufferGet struct {
	base
	Dpid   hbevent.DPID
	Packet *Packet
	InPort uint32
}

// SwitchPacketUpdateBegin/End bracket an in-place rewrite of a packet
// object the registry is already tracking (e.g. a TTL decrement).
// Old and New are distinct identities; the tag carries over from Old
// to New so downstream pid matching survives the rewrite.
type SwitchPacketUpdateBegin struct {
	base
	Dpid   hbevent.DPID
	Packet *Packet
}

type SwitchPacketUpdateEnd struct {
	base
	Dpid hbevent.DPID
	New  *Packet
}

// SwitchAsyncFlowExpiryBegin/End bracket a flow-table entry expiring
// on its own, outside of any packet or message handle.
type SwitchAsyncFlowExpiryBegin struct {
	base
	Dpid hbevent.DPID
}

type SwitchAsyncFlowExpiryEnd struct {
	base
	Dpid hbevent.DPID
}

// HostPacketHandleBegin/End bracket a host's processing of an
// incoming data-plane packet.
type HostPacketHandleBegin struct {
	base
	Hid    hbevent.HID
	Packet *Packet
	InPort uint32
}

type HostPacketHandleEnd struct {
	base
	Hid hbevent.HID
}

// HostPacketSend is a host sending a data-plane packet.
type HostPacketSend struct {
	base
	Hid     hbevent.HID
	Packet  *Packet
	OutPort uint32
}
