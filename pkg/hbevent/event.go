// Package hbevent defines the HB Event data model (§3): a closed set
// of tagged event variants produced by the HB Logger (C2) and the
// Controller Adapter (C3), stored in the HB Graph (C4) and consumed by
// the Race Detector (C5).
//
// Each kind is its own Go type rather than one shared base class with
// optional fields, per the design note in §9 ("avoid shared
// base-class sprawl"); Event is the closed interface all of them
// satisfy, and Kind is the discriminant written to the trace file.
package hbevent

import (
	"time"

	"github.com/nsg-ethz/hbrace/pkg/registry"
)

// PID is a packet identifier tag (stable per packet lineage).
type PID = registry.Tag

// MID is a message identifier tag (stable per OpenFlow message
// lineage).
type MID = registry.Tag

// DPID is a switch datapath id, assigned by the simulator.
type DPID uint64

// HID is a host identifier, assigned by the simulator.
type HID uint64

// EID is a monotonic event id, assigned in emission order and never
// reused.
type EID uint64

// Kind names an HB event variant; it is the "type" discriminant in
// the newline-delimited JSON trace (§6).
type Kind string

const (
	KindPacketHandle     Kind = "HbPacketHandle"
	KindPacketSend       Kind = "HbPacketSend"
	KindMessageHandle    Kind = "HbMessageHandle"
	KindMessageSend      Kind = "HbMessageSend"
	KindHostHandle       Kind = "HbHostHandle"
	KindHostSend         Kind = "HbHostSend"
	KindAsyncFlowExpiry  Kind = "HbAsyncFlowExpiry"
	KindControllerHandle Kind = "HbControllerHandle"
	KindControllerSend   Kind = "HbControllerSend"
)

// Base carries the attributes common to every HB event.
type Base struct {
	Type Kind          `json:"type"`
	Eid  EID           `json:"eid"`
	T    time.Duration `json:"t,omitempty"`
}

// Event is the closed sum type over all HB event kinds.
type Event interface {
	EID() EID
	Kind() Kind
	setEID(EID)
	setT(time.Duration)
}

func (b *Base) EID() EID          { return b.Eid }
func (b *Base) Kind() Kind        { return b.Type }
func (b *Base) setEID(id EID)     { b.Eid = id }
func (b *Base) setT(t time.Duration) { b.T = t }

// SetT stamps e with t, a monotonic-clock reading relative to its
// owning Graph's start time (§3). The stamp is carried in the trace
// record; no edge or ordering query reads it. Called once, by the HB
// Graph, at insertion time, the same as SetEID.
func SetT(e Event, t time.Duration) { e.setT(t) }

// SetEID assigns the event's eid. Called exactly once, by the HB
// Graph, at insertion time (§3 invariant: eid assigned in insertion
// order, never reused).
func SetEID(e Event, id EID) { e.setEID(id) }

// PacketHandle is a switch's handling of an incoming data-plane
// packet: dpid, pid_in, packet, in_port, pid_out[], operations[].
type PacketHandle struct {
	Base
	Dpid       DPID        `json:"dpid"`
	PidIn      PID         `json:"pid_in"`
	Packet     []byte      `json:"packet,omitempty"`
	InPort     uint32      `json:"in_port"`
	PidOut     []PID       `json:"pid_out,omitempty"`
	Operations []Operation `json:"operations,omitempty"`
	// MidOut accumulates the mid_in tag of any HbMessageSend emitted
	// as a successor of this handle (e.g. a PACKET_IN sent to the
	// controller while handling the packet, per S1). Not listed among
	// the "key attributes" in §3's summary table, but required
	// by the predecessor whitelist (§4.4: HbMessageSend <- HbPacketHandle)
	// and by scenario S1.
	MidOut []MID `json:"mid_out,omitempty"`
}

// NewPacketHandle starts a PacketHandle event. eid is assigned later
// by the graph.
func NewPacketHandle(dpid DPID, pidIn PID, packet []byte, inPort uint32) *PacketHandle {
	return &PacketHandle{Base: Base{Type: KindPacketHandle}, Dpid: dpid, PidIn: pidIn, Packet: packet, InPort: inPort}
}

// PacketSend is a switch forwarding a packet out a data-plane port:
// dpid, pid_in, pid_out, packet, out_port.
type PacketSend struct {
	Base
	Dpid    DPID   `json:"dpid"`
	PidIn   PID    `json:"pid_in"`
	PidOut  PID    `json:"pid_out"`
	Packet  []byte `json:"packet,omitempty"`
	OutPort uint32 `json:"out_port"`
}

func NewPacketSend(dpid DPID, pidIn, pidOut PID, packet []byte, outPort uint32) *PacketSend {
	return &PacketSend{Base: Base{Type: KindPacketSend}, Dpid: dpid, PidIn: pidIn, PidOut: pidOut, Packet: packet, OutPort: outPort}
}

// MessageHandle is a switch's handling of an incoming OpenFlow
// message from the controller: dpid, mid_in, msg_type, msg,
// operations[], pid_in? (set on a BufferGet), mid_out[], pid_out[].
type MessageHandle struct {
	Base
	Dpid       DPID        `json:"dpid"`
	MidIn      MID         `json:"mid_in"`
	MsgType    uint8       `json:"msg_type"`
	Msg        []byte      `json:"msg,omitempty"`
	Operations []Operation `json:"operations,omitempty"`
	PidIn      *PID        `json:"pid_in,omitempty"`
	MidOut     []MID       `json:"mid_out,omitempty"`
	PidOut     []PID       `json:"pid_out,omitempty"`
}

func NewMessageHandle(dpid DPID, midIn MID, msgType uint8, msg []byte) *MessageHandle {
	return &MessageHandle{Base: Base{Type: KindMessageHandle}, Dpid: dpid, MidIn: midIn, MsgType: msgType, Msg: msg}
}

// MessageSend is a switch sending an OpenFlow message to the
// controller: dpid, mid_in, mid_out, msg_type, msg.
type MessageSend struct {
	Base
	Dpid    DPID   `json:"dpid"`
	MidIn   MID    `json:"mid_in"`
	MidOut  MID    `json:"mid_out"`
	MsgType uint8  `json:"msg_type"`
	Msg     []byte `json:"msg,omitempty"`
}

func NewMessageSend(dpid DPID, midIn, midOut MID, msgType uint8, msg []byte) *MessageSend {
	return &MessageSend{Base: Base{Type: KindMessageSend}, Dpid: dpid, MidIn: midIn, MidOut: midOut, MsgType: msgType, Msg: msg}
}

// HostHandle is a host's handling of an incoming data-plane packet:
// hid, pid_in, packet, in_port, pid_out[].
type HostHandle struct {
	Base
	Hid    HID    `json:"hid"`
	PidIn  PID    `json:"pid_in"`
	Packet []byte `json:"packet,omitempty"`
	InPort uint32 `json:"in_port"`
	PidOut []PID  `json:"pid_out,omitempty"`
}

func NewHostHandle(hid HID, pidIn PID, packet []byte, inPort uint32) *HostHandle {
	return &HostHandle{Base: Base{Type: KindHostHandle}, Hid: hid, PidIn: pidIn, Packet: packet, InPort: inPort}
}

// HostSend is a host sending a data-plane packet: hid, pid_in,
// pid_out, packet, out_port.
type HostSend struct {
	Base
	Hid     HID    `json:"hid"`
	PidIn   PID    `json:"pid_in"`
	PidOut  PID    `json:"pid_out"`
	Packet  []byte `json:"packet,omitempty"`
	OutPort uint32 `json:"out_port"`
}

func NewHostSend(hid HID, pidIn, pidOut PID, packet []byte, outPort uint32) *HostSend {
	return &HostSend{Base: Base{Type: KindHostSend}, Hid: hid, PidIn: pidIn, PidOut: pidOut, Packet: packet, OutPort: outPort}
}

// AsyncFlowExpiry is a switch noticing, outside of any packet or
// message handle, that a flow-table entry has expired: dpid, mid_out,
// operations[] (the FlowTableEntryExpiry operation(s) that triggered
// it).
type AsyncFlowExpiry struct {
	Base
	Dpid       DPID        `json:"dpid"`
	MidOut     MID         `json:"mid_out"`
	Operations []Operation `json:"operations,omitempty"`
}

func NewAsyncFlowExpiry(dpid DPID, midOut MID) *AsyncFlowExpiry {
	return &AsyncFlowExpiry{Base: Base{Type: KindAsyncFlowExpiry}, Dpid: dpid, MidOut: midOut}
}

// NewAsyncFlowExpiryStarted begins an AsyncFlowExpiry handle whose
// mid_out is not yet known; it is filled in by AppendMidOut once the
// switch emits the FLOW_REMOVED message that the expiry triggers.
func NewAsyncFlowExpiryStarted(dpid DPID) *AsyncFlowExpiry {
	return &AsyncFlowExpiry{Base: Base{Type: KindAsyncFlowExpiry}, Dpid: dpid}
}

// ControllerHandle is the synthetic "controller received a
// switch-to-controller message" half of a cross-process HB edge:
// mid_in, mid_out.
type ControllerHandle struct {
	Base
	MidIn  MID `json:"mid_in"`
	MidOut MID `json:"mid_out"`
}

func NewControllerHandle(midIn, midOut MID) *ControllerHandle {
	return &ControllerHandle{Base: Base{Type: KindControllerHandle}, MidIn: midIn, MidOut: midOut}
}

// ControllerSend is the synthetic "controller replied" half of a
// cross-process HB edge: mid_in, mid_out.
type ControllerSend struct {
	Base
	MidIn  MID `json:"mid_in"`
	MidOut MID `json:"mid_out"`
}

func NewControllerSend(midIn, midOut MID) *ControllerSend {
	return &ControllerSend{Base: Base{Type: KindControllerSend}, MidIn: midIn, MidOut: midOut}
}
