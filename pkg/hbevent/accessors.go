package hbevent

// Dpid returns the switch datapath id carried by e, if any.
func Dpid(e Event) (DPID, bool) {
	switch v := e.(type) {
	case *PacketHandle:
		return v.Dpid, true
	case *PacketSend:
		return v.Dpid, true
	case *MessageHandle:
		return v.Dpid, true
	case *MessageSend:
		return v.Dpid, true
	case *AsyncFlowExpiry:
		return v.Dpid, true
	}
	return 0, false
}

// Hid returns the host id carried by e, if any.
func Hid(e Event) (HID, bool) {
	switch v := e.(type) {
	case *HostHandle:
		return v.Hid, true
	case *HostSend:
		return v.Hid, true
	}
	return 0, false
}

// InMid returns the event's mid_in predecessor link, if it has one.
func InMid(e Event) (MID, bool) {
	switch v := e.(type) {
	case *MessageHandle:
		return v.MidIn, true
	case *MessageSend:
		return v.MidIn, true
	case *ControllerHandle:
		return v.MidIn, true
	case *ControllerSend:
		return v.MidIn, true
	}
	return 0, false
}

// InPid returns the event's pid_in predecessor link, if it has one.
func InPid(e Event) (PID, bool) {
	switch v := e.(type) {
	case *PacketHandle:
		return v.PidIn, true
	case *PacketSend:
		return v.PidIn, true
	case *HostHandle:
		return v.PidIn, true
	case *HostSend:
		return v.PidIn, true
	case *MessageHandle:
		if v.PidIn != nil {
			return *v.PidIn, true
		}
	}
	return 0, false
}

// OutMids returns the mid_out successor link(s) of e.
func OutMids(e Event) []MID {
	switch v := e.(type) {
	case *PacketHandle:
		return v.MidOut
	case *MessageHandle:
		return v.MidOut
	case *MessageSend:
		return []MID{v.MidOut}
	case *AsyncFlowExpiry:
		if v.MidOut == 0 {
			return nil
		}
		return []MID{v.MidOut}
	case *ControllerHandle:
		return []MID{v.MidOut}
	case *ControllerSend:
		return []MID{v.MidOut}
	}
	return nil
}

// OutPids returns the pid_out successor link(s) of e.
func OutPids(e Event) []PID {
	switch v := e.(type) {
	case *PacketHandle:
		return v.PidOut
	case *PacketSend:
		return []PID{v.PidOut}
	case *MessageHandle:
		return v.PidOut
	case *HostHandle:
		return v.PidOut
	case *HostSend:
		return []PID{v.PidOut}
	}
	return nil
}

// Operations returns the operations nested inside a handle event, if
// e is a handle kind; nil otherwise.
func Operations(e Event) []Operation {
	switch v := e.(type) {
	case *PacketHandle:
		return v.Operations
	case *MessageHandle:
		return v.Operations
	case *AsyncFlowExpiry:
		return v.Operations
	}
	return nil
}

// AppendOperation appends op to e's operations list. e must be a
// handle kind (*PacketHandle, *MessageHandle or *AsyncFlowExpiry); it
// panics otherwise, since the caller (hblogger) is expected to have
// already checked which kind is currently started.
func AppendOperation(e Event, op Operation) {
	switch v := e.(type) {
	case *PacketHandle:
		v.Operations = append(v.Operations, op)
	case *MessageHandle:
		v.Operations = append(v.Operations, op)
	case *AsyncFlowExpiry:
		v.Operations = append(v.Operations, op)
	default:
		panic("hbevent: AppendOperation called on a non-handle event")
	}
}

// AppendPidOut appends a pid_out successor tag to a handle event
// (*PacketHandle, *MessageHandle) or a host handle
// (*HostHandle). Used for BufferPut's extra pid_out and for the
// pid_out accumulated as successor events are queued.
func AppendPidOut(e Event, pid PID) {
	switch v := e.(type) {
	case *PacketHandle:
		v.PidOut = append(v.PidOut, pid)
	case *MessageHandle:
		v.PidOut = append(v.PidOut, pid)
	case *HostHandle:
		v.PidOut = append(v.PidOut, pid)
	default:
		panic("hbevent: AppendPidOut called on an event with no pid_out[] field")
	}
}

// AppendMidOut appends (or, for single-valued kinds, assigns) a
// mid_out successor tag to a started handle event. Accepts
// *MessageHandle (list), *PacketHandle (list, see event.go) and
// *AsyncFlowExpiry (single), the three kinds the predecessor
// whitelist allows to precede an HbMessageSend.
func AppendMidOut(e Event, mid MID) {
	switch v := e.(type) {
	case *MessageHandle:
		v.MidOut = append(v.MidOut, mid)
	case *PacketHandle:
		v.MidOut = append(v.MidOut, mid)
	case *AsyncFlowExpiry:
		v.MidOut = mid
	default:
		panic("hbevent: AppendMidOut called on an event with no mid_out field")
	}
}

// SetBufferedPidIn overwrites a *MessageHandle's pid_in with the tag
// of a packet retrieved from the switch's buffer (BufferGet), per the
// §3 invariant: "For every HbMessageHandle(e) with a BufferGet
// operation, pid_in is overwritten to the buffered packet's tag."
func SetBufferedPidIn(e Event, pid PID) {
	if v, ok := e.(*MessageHandle); ok {
		v.PidIn = &pid
		return
	}
	panic("hbevent: SetBufferedPidIn called on a non-MessageHandle event")
}
