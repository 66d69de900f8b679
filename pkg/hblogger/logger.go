// Package hblogger implements the HB Logger (C2): it consumes the raw
// instrumentation events a simulator run produces (pkg/hblogger
// SimEvent), links them into HB events via the two object registries
// (pkg/registry), and emits the completed events to a trace sink and
// the HB Graph (pkg/hbgraph).
//
// The state machine mirrors hb_logger.py's switch/host
// "started event" bracketing (§4.2): a *Begin event opens a pending
// handle for its dpid/hid; operations and successor events that arrive
// before the matching *End are queued against it; *End flushes the
// handle and its queued successors, in order.
package hblogger

import (
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/nsg-ethz/hbrace/pkg/hbevent"
	"github.com/nsg-ethz/hbrace/pkg/hbgraph"
	"github.com/nsg-ethz/hbrace/pkg/registry"
	"github.com/sirupsen/logrus"
)

var llog = logrus.WithField("component", "hblogger.Logger")

// TraceSink receives every completed HB event, in emission order, for
// durable storage (§5). pkg/trace implements this.
type TraceSink interface {
	WriteEvent(e hbevent.Event) error
}

// ControllerMatcher is satisfied by pkg/ctladapter. The Logger calls
// it whenever a switch-side MessageHandle begins, in case a
// controller-instrumentation line for it already arrived.
type ControllerMatcher interface {
	MatchPendingMessageOut(dpid hbevent.DPID, midIn hbevent.MID, b64Msg string) bool
}

type pendingMsg struct {
	Tag hbevent.MID
	B64 string
}

// Logger turns SimEvents into linked HB events.
type Logger struct {
	mu sync.Mutex

	pids *registry.Registry
	mids *registry.Registry

	graph *hbgraph.Graph
	trace TraceSink
	ctl   ControllerMatcher

	startedSwitch   map[hbevent.DPID]hbevent.Event
	newSwitchEvents map[hbevent.DPID][]hbevent.Event
	startedHost     map[hbevent.HID]hbevent.Event
	newHostEvents   map[hbevent.HID][]hbevent.Event

	pendingPacketUpdate map[hbevent.DPID]registry.Tag

	unmatchedMessageSend   map[hbevent.DPID][]pendingMsg
	unmatchedMessageHandle map[hbevent.DPID][]pendingMsg
}

// New creates a Logger that feeds graph and, if non-nil, trace.
func New(graph *hbgraph.Graph, trace TraceSink) *Logger {
	return &Logger{
		pids:                   registry.New(),
		mids:                   registry.New(),
		graph:                  graph,
		trace:                  trace,
		startedSwitch:          make(map[hbevent.DPID]hbevent.Event),
		newSwitchEvents:        make(map[hbevent.DPID][]hbevent.Event),
		startedHost:            make(map[hbevent.HID]hbevent.Event),
		newHostEvents:          make(map[hbevent.HID][]hbevent.Event),
		pendingPacketUpdate:    make(map[hbevent.DPID]registry.Tag),
		unmatchedMessageSend:   make(map[hbevent.DPID][]pendingMsg),
		unmatchedMessageHandle: make(map[hbevent.DPID][]pendingMsg),
	}
}

// SetControllerMatcher wires in the controller adapter. Agent
// construction sets this once both the Logger and the Adapter exist,
// breaking what would otherwise be an import cycle between the two
// packages.
func (l *Logger) SetControllerMatcher(m ControllerMatcher) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ctl = m
}

// Handle dispatches a single simulator event. It never panics out to
// the caller (§7 class 6): a malformed or out-of-protocol event is
// logged and dropped rather than taking down the whole ingestion
// pipeline.
func (l *Logger) Handle(ev SimEvent) {
	defer func() {
		if r := recover(); r != nil {
			llog.WithField("panic", r).Error("recovered while handling simulator event")
		}
	}()

	// Note: handleMessageHandleBegin releases l.mu before calling out to
	// the controller matcher (pkg/ctladapter), since that call chain can
	// loop back into EmitControllerEdge/TakeUnmatched* on this same
	// Logger; every other branch here locks for its own duration only,
	// never across a call into another package.
	switch v := ev.(type) {
	case *SwitchPacketHandleBegin:
		l.handlePacketHandleBegin(v)
	case *SwitchPacketHandleEnd:
		l.lockedFinishSwitchEvent(v.Dpid)
	case *SwitchMessageHandleBegin:
		l.handleMessageHandleBegin(v)
	case *SwitchMessageHandleEnd:
		l.lockedFinishSwitchEvent(v.Dpid)
	case *SwitchMessageSend:
		l.handleMessageSend(v)
	case *SwitchPacketSend:
		l.handlePacketSend(v)
	case *SwitchFlowTableRead:
		l.lockedAddOperationToSwitch(v.Dpid, hbevent.NewFlowTableRead(v.FlowTable, v.FlowMod, v.Packet, v.InPort, v.TouchedFlowBytes, v.TouchedFlowNow))
	case *SwitchFlowTableWrite:
		l.lockedAddOperationToSwitch(v.Dpid, hbevent.NewFlowTableWrite(v.FlowTable, v.FlowMod))
	case *SwitchFlowTableEntryExpiry:
		l.lockedAddOperationToSwitch(v.Dpid, hbevent.NewFlowTableEntryExpiry(v.FlowTable, v.Removed))
	case *SwitchBufferPut:
		l.handleBufferPut(v)
	case *SwitchBufferGet:
		l.handleBufferGet(v)
	case *SwitchPacketUpdateBegin:
		l.handlePacketUpdateBegin(v)
	case *SwitchPacketUpdateEnd:
		l.handlePacketUpdateEnd(v)
	case *SwitchAsyncFlowExpiryBegin:
		l.mu.Lock()
		l.startSwitchEvent(v.Dpid, hbevent.NewAsyncFlowExpiryStarted(v.Dpid))
		l.mu.Unlock()
	case *SwitchAsyncFlowExpiryEnd:
		l.lockedFinishSwitchEvent(v.Dpid)
	case *HostPacketHandleBegin:
		l.handleHostPacketHandleBegin(v)
	case *HostPacketHandleEnd:
		l.mu.Lock()
		l.finishHostEvent(v.Hid)
		l.mu.Unlock()
	case *HostPacketSend:
		l.handleHostPacketSend(v)
	default:
		llog.WithField("type", fmt.Sprintf("%T", ev)).Warn("unhandled simulator event type")
	}
}

func (l *Logger) lockedFinishSwitchEvent(dpid hbevent.DPID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finishSwitchEvent(dpid)
}

func (l *Logger) lockedAddOperationToSwitch(dpid hbevent.DPID, op hbevent.Operation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addOperationToSwitch(dpid, op)
}

func (l *Logger) writeEvent(e hbevent.Event) {
	l.graph.Insert(e)
	if l.trace == nil {
		return
	}
	if err := l.trace.WriteEvent(e); err != nil {
		llog.WithError(err).Error("writing event to trace sink")
	}
}

//
// Switch started-event bookkeeping
//

func (l *Logger) startSwitchEvent(dpid hbevent.DPID, e hbevent.Event) {
	l.flushNewSwitchEvents(dpid)
	if _, exists := l.startedSwitch[dpid]; exists {
		panic(fmt.Sprintf("hblogger: switch event already started for dpid %d", dpid))
	}
	l.startedSwitch[dpid] = e
}

func (l *Logger) finishSwitchEvent(dpid hbevent.DPID) {
	e, ok := l.startedSwitch[dpid]
	if !ok {
		panic(fmt.Sprintf("hblogger: finish called with no started switch event for dpid %d", dpid))
	}
	l.writeEvent(e)
	delete(l.startedSwitch, dpid)
	l.flushNewSwitchEvents(dpid)
}

func (l *Logger) flushNewSwitchEvents(dpid hbevent.DPID) {
	for _, e := range l.newSwitchEvents[dpid] {
		l.writeEvent(e)
	}
	delete(l.newSwitchEvents, dpid)
}

func (l *Logger) addOperationToSwitch(dpid hbevent.DPID, op hbevent.Operation) {
	if e, ok := l.startedSwitch[dpid]; ok {
		hbevent.AppendOperation(e, op)
		return
	}
	llog.WithField("dpid", dpid).Info("ignoring switch operation with no started handle")
}

func (l *Logger) addSuccessorToSwitch(dpid hbevent.DPID, succ hbevent.Event, midIn *hbevent.MID, pidIn *hbevent.PID) {
	if e, ok := l.startedSwitch[dpid]; ok {
		if midIn != nil {
			hbevent.AppendMidOut(e, *midIn)
		}
		if pidIn != nil {
			hbevent.AppendPidOut(e, *pidIn)
		}
		l.newSwitchEvents[dpid] = append(l.newSwitchEvents[dpid], succ)
		return
	}
	llog.WithField("dpid", dpid).Info("writing switch event with no associated begin event")
	l.writeEvent(succ)
}

//
// Host started-event bookkeeping
//

func (l *Logger) startHostEvent(hid hbevent.HID, e hbevent.Event) {
	l.flushNewHostEvents(hid)
	if _, exists := l.startedHost[hid]; exists {
		panic(fmt.Sprintf("hblogger: host event already started for hid %d", hid))
	}
	l.startedHost[hid] = e
}

func (l *Logger) finishHostEvent(hid hbevent.HID) {
	e, ok := l.startedHost[hid]
	if !ok {
		panic(fmt.Sprintf("hblogger: finish called with no started host event for hid %d", hid))
	}
	l.writeEvent(e)
	delete(l.startedHost, hid)
	l.flushNewHostEvents(hid)
}

func (l *Logger) flushNewHostEvents(hid hbevent.HID) {
	for _, e := range l.newHostEvents[hid] {
		l.writeEvent(e)
	}
	delete(l.newHostEvents, hid)
}

func (l *Logger) addSuccessorToHost(hid hbevent.HID, succ hbevent.Event, pidIn *hbevent.PID) {
	if e, ok := l.startedHost[hid]; ok {
		if pidIn != nil {
			hbevent.AppendPidOut(e, *pidIn)
		}
		l.newHostEvents[hid] = append(l.newHostEvents[hid], succ)
		return
	}
	llog.WithField("hid", hid).Info("writing host event with no associated begin event")
	l.writeEvent(succ)
}

//
// Switch event handlers
//

func (l *Logger) handlePacketHandleBegin(ev *SwitchPacketHandleBegin) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pidIn := l.pids.GetTag(ev.Packet)
	e := hbevent.NewPacketHandle(ev.Dpid, pidIn, ev.Packet.Bytes, ev.InPort)
	l.startSwitchEvent(ev.Dpid, e)
}

func (l *Logger) handleMessageHandleBegin(ev *SwitchMessageHandleBegin) {
	l.mu.Lock()
	midIn := l.mids.GetTag(ev.Msg)
	e := hbevent.NewMessageHandle(ev.Dpid, midIn, ev.Msg.Type, ev.Msg.Bytes)
	l.startSwitchEvent(ev.Dpid, e)
	l.mu.Unlock()

	// Released before calling out: the matcher may loop back into
	// EmitControllerEdge/TakeUnmatched* on this Logger.
	b64 := base64.StdEncoding.EncodeToString(ev.Msg.Bytes)
	matched := false
	if l.ctl != nil {
		matched = l.ctl.MatchPendingMessageOut(ev.Dpid, midIn, b64)
	}
	if !matched {
		l.mu.Lock()
		l.unmatchedMessageHandle[ev.Dpid] = append(l.unmatchedMessageHandle[ev.Dpid], pendingMsg{Tag: midIn, B64: b64})
		l.mu.Unlock()
	}
}

func (l *Logger) handleMessageSend(ev *SwitchMessageSend) {
	l.mu.Lock()
	defer l.mu.Unlock()

	midIn := l.mids.NewTag(ev.Msg)
	midOut := l.mids.NewTag(ev.Msg)
	// The message leaves the simulator's control-plane process here;
	// we can never match it against another in-process object, so stop
	// tracking its identity.
	l.mids.RemoveObj(ev.Msg)

	e := hbevent.NewMessageSend(ev.Dpid, midIn, midOut, ev.Msg.Type, ev.Msg.Bytes)
	l.addSuccessorToSwitch(ev.Dpid, e, &midIn, nil)

	b64 := base64.StdEncoding.EncodeToString(ev.Msg.Bytes)
	l.unmatchedMessageSend[ev.Dpid] = append(l.unmatchedMessageSend[ev.Dpid], pendingMsg{Tag: midOut, B64: b64})
}

func (l *Logger) handlePacketSend(ev *SwitchPacketSend) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pidIn := l.pids.NewTag(ev.Packet)
	pidOut := l.pids.NewTag(ev.Packet)
	e := hbevent.NewPacketSend(ev.Dpid, pidIn, pidOut, ev.Packet.Bytes, ev.OutPort)
	l.addSuccessorToSwitch(ev.Dpid, e, nil, &pidIn)
}

func (l *Logger) handleBufferPut(ev *SwitchBufferPut) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.startedSwitch[ev.Dpid]
	if !ok {
		llog.WithField("dpid", ev.Dpid).Info("ignoring BufferPut with no started handle")
		return
	}
	if _, isPH := e.(*hbevent.PacketHandle); !isPH {
		llog.WithField("dpid", ev.Dpid).Warn("BufferPut on a started event that is not a PacketHandle")
		return
	}
	pidOut := l.pids.NewTag(ev.Packet)
	hbevent.AppendPidOut(e, pidOut)
	hbevent.AppendOperation(e, hbevent.NewBufferPut())
}

func (l *Logger) handleBufferGet(ev *SwitchBufferGet) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.startedSwitch[ev.Dpid]
	if !ok {
		llog.WithField("dpid", ev.Dpid).Info("ignoring BufferGet with no started handle")
		return
	}
	if _, isMH := e.(*hbevent.MessageHandle); !isMH {
		llog.WithField("dpid", ev.Dpid).Warn("BufferGet on a started event that is not a MessageHandle")
		return
	}
	pidIn := l.pids.GetTag(ev.Packet)
	hbevent.SetBufferedPidIn(e, pidIn)
	hbevent.AppendOperation(e, hbevent.NewBufferGet())
}

func (l *Logger) handlePacketUpdateBegin(ev *SwitchPacketUpdateBegin) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pendingPacketUpdate[ev.Dpid] = l.pids.GetTag(ev.Packet)
}

func (l *Logger) handlePacketUpdateEnd(ev *SwitchPacketUpdateEnd) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tag, ok := l.pendingPacketUpdate[ev.Dpid]
	if !ok {
		panic(fmt.Sprintf("hblogger: PacketUpdateEnd with no matching PacketUpdateBegin for dpid %d", ev.Dpid))
	}
	l.pids.ReplaceObj(tag, ev.New)
	delete(l.pendingPacketUpdate, ev.Dpid)
}

//
// Host event handlers
//

func (l *Logger) handleHostPacketHandleBegin(ev *HostPacketHandleBegin) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pidIn := l.pids.GetTag(ev.Packet)
	e := hbevent.NewHostHandle(ev.Hid, pidIn, ev.Packet.Bytes, ev.InPort)
	l.startHostEvent(ev.Hid, e)
}

func (l *Logger) handleHostPacketSend(ev *HostPacketSend) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pidIn := l.pids.NewTag(ev.Packet)
	pidOut := l.pids.NewTag(ev.Packet)
	e := hbevent.NewHostSend(ev.Hid, pidIn, pidOut, ev.Packet.Bytes, ev.OutPort)
	l.addSuccessorToHost(ev.Hid, e, &pidIn)
}

//
// Controller-adapter surface: called by pkg/ctladapter to resolve and
// emit cross-process HB edges (§4.3).
//

// TakeUnmatchedMessageSend removes and returns the mid_out tag queued
// for dpid whose base64 payload equals b64Msg, if any.
func (l *Logger) TakeUnmatchedMessageSend(dpid hbevent.DPID, b64Msg string) (hbevent.MID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return takeUnmatched(l.unmatchedMessageSend, dpid, b64Msg)
}

// TakeUnmatchedMessageHandle removes and returns the mid_in tag queued
// for dpid whose base64 payload equals b64Msg, if any.
func (l *Logger) TakeUnmatchedMessageHandle(dpid hbevent.DPID, b64Msg string) (hbevent.MID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return takeUnmatched(l.unmatchedMessageHandle, dpid, b64Msg)
}

// UnmatchedMessageSendDpids lists dpids with at least one queued,
// unmatched HbMessageSend -- used to guess a dpid for a swid seen for
// the first time.
func (l *Logger) UnmatchedMessageSendDpids() []hbevent.DPID {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]hbevent.DPID, 0, len(l.unmatchedMessageSend))
	for dpid := range l.unmatchedMessageSend {
		out = append(out, dpid)
	}
	return out
}

// UnmatchedMessageHandleDpids is the HbMessageHandle counterpart of
// UnmatchedMessageSendDpids.
func (l *Logger) UnmatchedMessageHandleDpids() []hbevent.DPID {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]hbevent.DPID, 0, len(l.unmatchedMessageHandle))
	for dpid := range l.unmatchedMessageHandle {
		out = append(out, dpid)
	}
	return out
}

func takeUnmatched(m map[hbevent.DPID][]pendingMsg, dpid hbevent.DPID, b64Msg string) (hbevent.MID, bool) {
	list := m[dpid]
	for i, p := range list {
		if p.B64 == b64Msg {
			m[dpid] = append(list[:i:i], list[i+1:]...)
			return p.Tag, true
		}
	}
	return 0, false
}

// NewUnusedMidTag hands out a fresh tag bound to no object, used for
// the intermediate node of a synthetic controller edge.
func (l *Logger) NewUnusedMidTag() hbevent.MID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mids.GenerateUnusedTag()
}

// EmitControllerEdge records the synthetic HbControllerHandle/
// HbControllerSend pair that links a switch-to-controller message
// (midOut) to a controller-to-switch message (midIn), per §4.3.
func (l *Logger) EmitControllerEdge(midOut, midIn hbevent.MID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tmp := l.mids.GenerateUnusedTag()
	l.writeEvent(hbevent.NewControllerHandle(midOut, tmp))
	l.writeEvent(hbevent.NewControllerSend(tmp, midIn))
	llog.WithFields(logrus.Fields{"mid_out": midOut, "mid_in": midIn}).Debug("added controller hb edge")
}
