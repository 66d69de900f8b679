package hbevent_test

import (
	"testing"

	"github.com/nsg-ethz/hbrace/pkg/hbevent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ph := hbevent.NewPacketHandle(7, 1, []byte("pkt"), 3)
	hbevent.SetEID(ph, 42)
	ph.Operations = append(ph.Operations, hbevent.NewFlowTableWrite([]byte("table"), []byte("mod")))

	line, err := hbevent.EncodeLine(ph)
	require.NoError(t, err)

	decoded, err := hbevent.DecodeLine(line)
	require.NoError(t, err)

	got, ok := decoded.(*hbevent.PacketHandle)
	require.True(t, ok)
	assert.Equal(t, hbevent.EID(42), got.EID())
	assert.Equal(t, hbevent.DPID(7), got.Dpid)
	assert.Equal(t, hbevent.PID(1), got.PidIn)
	require.Len(t, got.Operations, 1)
	assert.True(t, got.Operations[0].IsWrite())
}

func TestDecodeLineUnknownType(t *testing.T) {
	_, err := hbevent.DecodeLine([]byte(`{"type":"NotARealKind"}`))
	assert.Error(t, err)
}

func TestAccessorsAcrossKinds(t *testing.T) {
	mh := hbevent.NewMessageHandle(1, 10, 14, []byte("msg"))
	dpid, ok := hbevent.Dpid(mh)
	assert.True(t, ok)
	assert.Equal(t, hbevent.DPID(1), dpid)

	mid, ok := hbevent.InMid(mh)
	assert.True(t, ok)
	assert.Equal(t, hbevent.MID(10), mid)

	hbevent.AppendMidOut(mh, 99)
	assert.Equal(t, []hbevent.MID{99}, hbevent.OutMids(mh))

	hbevent.SetBufferedPidIn(mh, 5)
	pid, ok := hbevent.InPid(mh)
	assert.True(t, ok)
	assert.Equal(t, hbevent.PID(5), pid)
}
