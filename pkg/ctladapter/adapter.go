// Package ctladapter implements the Controller Adapter (C3): it reads
// the controller process's stdout, recognizes the two instrumentation
// markers it prints for every OpenFlow message it receives and sends,
// and resolves them into switch-tagged mids so the Logger (pkg/
// hblogger) can stitch a cross-process HB edge across the
// switch-controller-switch round trip (§4.3).
//
// The controller only knows its own per-connection switch id (swid),
// not the simulator's dpid, so the adapter also carries the swid<->
// dpid discovery state: the first successful match for a swid binds
// it to a dpid for the rest of the run.
package ctladapter

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/nsg-ethz/hbrace/pkg/hbevent"
	"github.com/nsg-ethz/hbrace/pkg/hblogger"
	"github.com/sirupsen/logrus"
)

var alog = logrus.WithField("component", "ctladapter.Adapter")

// Markers the controller's stdout is instrumented to print, one line
// each, for every OpenFlow message it handles or emits.
const (
	MsgInToken  = "HappensBefore-MessageIn"
	MsgOutToken = "HappensBefore-MessageOut"
)

type msginKey struct {
	swid int
	b64  string
}

type msgoutLine struct {
	inSwid  int
	inB64   string
	outSwid int
	outB64  string
}

// Adapter parses controller instrumentation lines and emits HB edges
// through logger.
type Adapter struct {
	mu     sync.Mutex
	logger *hblogger.Logger

	msgInToken  string
	msgOutToken string

	swidToDpid map[int]hbevent.DPID
	dpidToSwid map[hbevent.DPID]int

	controllerMsginToMidOut map[msginKey]hbevent.MID
	unmatchedLinesMsgout    []msgoutLine
}

// New creates an Adapter bound to logger, recognizing the default
// MsgInToken/MsgOutToken markers. The caller is expected to also call
// logger.SetControllerMatcher(adapter) so handle-begin events can
// resolve against lines already read.
func New(logger *hblogger.Logger) *Adapter {
	return NewWithTokens(logger, MsgInToken, MsgOutToken)
}

// NewWithTokens creates an Adapter recognizing custom instrumentation
// markers, per the agent's ControllerHBMsgInToken/OutToken config
// (§6) for controllers instrumented with different marker strings.
func NewWithTokens(logger *hblogger.Logger, msgInToken, msgOutToken string) *Adapter {
	return &Adapter{
		logger:                  logger,
		msgInToken:              msgInToken,
		msgOutToken:             msgOutToken,
		swidToDpid:              make(map[int]hbevent.DPID),
		dpidToSwid:              make(map[hbevent.DPID]int),
		controllerMsginToMidOut: make(map[msginKey]hbevent.MID),
	}
}

// ParseLine inspects a line of controller stdout for an HB
// instrumentation marker and, if found, processes it. Lines with
// neither marker are ignored (most controller log output).
func (a *Adapter) ParseLine(line string) error {
	if idx := strings.Index(line, a.msgInToken); idx >= 0 {
		fields, err := extractFields(line, idx+len(a.msgInToken))
		if err != nil {
			return err
		}
		if len(fields) < 2 {
			return fmt.Errorf("ctladapter: MessageIn line has %d fields, want 2: %q", len(fields), line)
		}
		swid, err := strconv.Atoi(fields[0])
		if err != nil {
			return fmt.Errorf("ctladapter: MessageIn swid: %w", err)
		}
		a.ControllerAckIn(swid, fields[1])
		return nil
	}
	if idx := strings.Index(line, a.msgOutToken); idx >= 0 {
		fields, err := extractFields(line, idx+len(a.msgOutToken))
		if err != nil {
			return err
		}
		if len(fields) < 4 {
			return fmt.Errorf("ctladapter: MessageOut line has %d fields, want 4: %q", len(fields), line)
		}
		inSwid, err := strconv.Atoi(fields[0])
		if err != nil {
			return fmt.Errorf("ctladapter: MessageOut in-swid: %w", err)
		}
		outSwid, err := strconv.Atoi(fields[2])
		if err != nil {
			return fmt.Errorf("ctladapter: MessageOut out-swid: %w", err)
		}
		a.ControllerAckOut(inSwid, fields[1], outSwid, fields[3])
		return nil
	}
	return nil
}

// extractFields pulls the "[a:b:c]" payload following a marker out of
// line and splits it on ':'.
func extractFields(line string, from int) ([]string, error) {
	rest := line[from:]
	start := strings.IndexByte(rest, '[')
	if start < 0 {
		return nil, fmt.Errorf("ctladapter: no data block in line: %q", line)
	}
	end := strings.IndexByte(rest, ']')
	if end < start {
		return nil, fmt.Errorf("ctladapter: unterminated data block in line: %q", line)
	}
	return strings.Split(rest[start+1:end], ":"), nil
}

// Run reads lines one by one -- in production a scanner over a
// subprocess stdout pipe -- dispatching each line to ParseLine on the
// caller's goroutine, until the scanner is exhausted; it takes no
// context and only stops at the end of input or a read error. A
// malformed line's error is logged and does not stop the scan (§7
// class 6).
func (a *Adapter) Run(lines *bufio.Scanner) error {
	for lines.Scan() {
		if err := a.ParseLine(lines.Text()); err != nil {
			alog.WithError(err).Warn("discarding unparseable controller instrumentation line")
		}
	}
	if err := lines.Err(); err != nil {
		return fmt.Errorf("ctladapter: reading controller output: %w", err)
	}
	return nil
}

// NewScanner is a small convenience wrapper so callers don't need
// their own bufio import just to build the *bufio.Scanner Run wants.
func NewScanner(r io.Reader) *bufio.Scanner {
	return bufio.NewScanner(r)
}

// ControllerAckIn records that the controller has received (and so,
// in the simulator's clock, already read out of the switch's send
// queue) the PACKET_IN/etc. the switch tagged mid_out. It must already
// be queued by the Logger as an unmatched MessageSend -- the
// controller cannot print this line before the switch sends the
// message.
func (a *Adapter) ControllerAckIn(swid int, b64Msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	midOut, ok := a.findControllerPacketInLocked(swid, b64Msg)
	if !ok {
		panic(fmt.Sprintf("ctladapter: controller MessageIn for swid=%d with no matching queued MessageSend", swid))
	}
	a.controllerMsginToMidOut[msginKey{swid, b64Msg}] = midOut
}

// ControllerAckOut records the controller's reply to a previously
// acked message (e.g. a FLOW_MOD following a PACKET_IN). If the
// switch hasn't handled the reply yet, the line is queued and
// resolved later from MatchPendingMessageOut.
func (a *Adapter) ControllerAckOut(inSwid int, inB64Msg string, outSwid int, outB64Msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	midOut, ok := a.findControllerPacketInLocked(inSwid, inB64Msg)
	if !ok {
		panic(fmt.Sprintf("ctladapter: controller MessageOut for in-swid=%d with no matching queued MessageSend", inSwid))
	}
	midIn, ok := a.findControllerPacketOutLocked(outSwid, outB64Msg)
	if !ok {
		a.unmatchedLinesMsgout = append(a.unmatchedLinesMsgout, msgoutLine{inSwid: inSwid, inB64: inB64Msg, outSwid: outSwid, outB64: outB64Msg})
		return
	}
	a.logger.EmitControllerEdge(midOut, midIn)
}

// MatchPendingMessageOut implements hblogger.ControllerMatcher: called
// when a switch-side MessageHandle begins, in case a MessageOut line
// naming it already arrived and is waiting in unmatchedLinesMsgout.
func (a *Adapter) MatchPendingMessageOut(dpid hbevent.DPID, midIn hbevent.MID, outB64Msg string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	swid, swidKnown := a.dpidToSwid[dpid]
	matchedIdx := -1

	if !swidKnown {
		for i, line := range a.unmatchedLinesMsgout {
			if line.outB64 == outB64Msg {
				swid = line.outSwid
				a.dpidToSwid[dpid] = swid
				a.swidToDpid[swid] = dpid
				matchedIdx = i
				break
			}
		}
	}
	if matchedIdx < 0 {
		for i, line := range a.unmatchedLinesMsgout {
			if line.outB64 == outB64Msg {
				matchedIdx = i
				break
			}
		}
	}
	if matchedIdx < 0 {
		return false
	}

	line := a.unmatchedLinesMsgout[matchedIdx]
	a.unmatchedLinesMsgout = append(a.unmatchedLinesMsgout[:matchedIdx:matchedIdx], a.unmatchedLinesMsgout[matchedIdx+1:]...)

	midOut, ok := a.findControllerPacketInLocked(line.inSwid, line.inB64)
	if !ok {
		panic(fmt.Sprintf("ctladapter: matched MessageOut line for in-swid=%d with no cached MessageIn ack", line.inSwid))
	}
	a.logger.EmitControllerEdge(midOut, midIn)
	alog.WithFields(logrus.Fields{"dpid": dpid, "swid": swid}).Debug("matched queued controller MessageOut line")
	return true
}

// findControllerPacketInLocked resolves the mid_out tag a switch used
// to send swid the message b64Msg -- from the ack cache if we've
// already resolved it, otherwise from the Logger's unmatched-send
// queue, discovering the swid<->dpid binding along the way if needed.
// a.mu must be held.
func (a *Adapter) findControllerPacketInLocked(swid int, b64Msg string) (hbevent.MID, bool) {
	if mid, ok := a.controllerMsginToMidOut[msginKey{swid, b64Msg}]; ok {
		return mid, true
	}
	if dpid, ok := a.swidToDpid[swid]; ok {
		return a.logger.TakeUnmatchedMessageSend(dpid, b64Msg)
	}
	for _, dpid := range a.logger.UnmatchedMessageSendDpids() {
		if _, bound := a.dpidToSwid[dpid]; bound {
			continue
		}
		if mid, ok := a.logger.TakeUnmatchedMessageSend(dpid, b64Msg); ok {
			a.swidToDpid[swid] = dpid
			a.dpidToSwid[dpid] = swid
			return mid, true
		}
	}
	return 0, false
}

// findControllerPacketOutLocked resolves the mid_in tag a switch will
// use to receive swid's reply b64Msg. a.mu must be held.
func (a *Adapter) findControllerPacketOutLocked(swid int, b64Msg string) (hbevent.MID, bool) {
	if dpid, ok := a.swidToDpid[swid]; ok {
		return a.logger.TakeUnmatchedMessageHandle(dpid, b64Msg)
	}
	for _, dpid := range a.logger.UnmatchedMessageHandleDpids() {
		if _, bound := a.dpidToSwid[dpid]; bound {
			continue
		}
		if mid, ok := a.logger.TakeUnmatchedMessageHandle(dpid, b64Msg); ok {
			a.swidToDpid[swid] = dpid
			a.dpidToSwid[dpid] = swid
			return mid, true
		}
	}
	return 0, false
}
