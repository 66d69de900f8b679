package hbevent

import (
	"encoding/json"
	"fmt"
)

type typeSniff struct {
	Type Kind `json:"type"`
}

// DecodeLine decodes one newline-delimited JSON trace record (§6)
// into its concrete Event type, dispatching on the "type" field.
func DecodeLine(line []byte) (Event, error) {
	var sniff typeSniff
	if err := json.Unmarshal(line, &sniff); err != nil {
		return nil, fmt.Errorf("hbevent: sniffing type: %w", err)
	}
	var e Event
	switch sniff.Type {
	case KindPacketHandle:
		e = &PacketHandle{}
	case KindPacketSend:
		e = &PacketSend{}
	case KindMessageHandle:
		e = &MessageHandle{}
	case KindMessageSend:
		e = &MessageSend{}
	case KindHostHandle:
		e = &HostHandle{}
	case KindHostSend:
		e = &HostSend{}
	case KindAsyncFlowExpiry:
		e = &AsyncFlowExpiry{}
	case KindControllerHandle:
		e = &ControllerHandle{}
	case KindControllerSend:
		e = &ControllerSend{}
	default:
		return nil, fmt.Errorf("hbevent: unknown event type %q", sniff.Type)
	}
	if err := json.Unmarshal(line, e); err != nil {
		return nil, fmt.Errorf("hbevent: decoding %s: %w", sniff.Type, err)
	}
	return e, nil
}

// EncodeLine encodes e as one newline-delimited JSON trace record.
func EncodeLine(e Event) ([]byte, error) {
	return json.Marshal(e)
}
