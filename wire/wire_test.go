package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pithecene-io/virtsnd/status"
)

func TestHeader_PCMRoundTrip(t *testing.T) {
	h := PCMHeader(CmdPCMOpen, "Speaker", DirPlayback)
	h.DomainID = 3
	h.DomainName = "guest-audio"

	buf, err := h.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, buf, HeaderSize)

	var got Header
	require.NoError(t, got.UnmarshalBinary(buf))
	require.Equal(t, CmdPCMOpen, got.Cmd)
	require.Equal(t, uint32(3), got.DomainID)
	require.Equal(t, "guest-audio", got.DomainName)
	require.Equal(t, "Speaker", got.PCM.PCMID)
	require.Equal(t, DirPlayback, got.PCM.Direction)
	require.Equal(t, MsgTypePCM, got.Type())
}

func TestHeader_KctlRoundTrip(t *testing.T) {
	h := KctlHeader(CmdKctlSet, "Master Playback Volume")
	h.DomainName = "guest-audio"

	buf, err := h.MarshalBinary()
	require.NoError(t, err)

	var got Header
	require.NoError(t, got.UnmarshalBinary(buf))
	require.Equal(t, "Master Playback Volume", got.Kctl.ControlID)
	require.Empty(t, got.PCM.PCMID)
	require.Equal(t, MsgTypeKctl, got.Type())
}

func TestHeader_CfgLeavesDescriptorEmpty(t *testing.T) {
	h := Header{Cmd: CmdCfgDomain, DomainName: "guest-audio"}

	buf, err := h.MarshalBinary()
	require.NoError(t, err)

	var got Header
	require.NoError(t, got.UnmarshalBinary(buf))
	require.Empty(t, got.PCM.PCMID)
	require.Empty(t, got.Kctl.ControlID)
}

func TestHeader_SizeMismatchRejected(t *testing.T) {
	var h Header
	err := h.UnmarshalBinary(make([]byte, HeaderSize-1))
	require.ErrorIs(t, err, status.ErrSizeMismatch)

	err = h.UnmarshalBinary(make([]byte, HeaderSize+1))
	require.ErrorIs(t, err, status.ErrSizeMismatch)
}

func TestHeader_UnknownTypeClassRejected(t *testing.T) {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf, 0x0900|0x01)

	var h Header
	require.ErrorIs(t, h.UnmarshalBinary(buf), status.ErrInvalidArgument)
}

func TestHeader_OverlongNameTruncatedWithNUL(t *testing.T) {
	long := make([]byte, DomainNameLen+10)
	for i := range long {
		long[i] = 'x'
	}
	h := Header{Cmd: CmdCfgHDA, DomainName: string(long)}

	buf, err := h.MarshalBinary()
	require.NoError(t, err)

	var got Header
	require.NoError(t, got.UnmarshalBinary(buf))
	require.Len(t, got.DomainName, DomainNameLen-1)
}

func TestHeader_ByteLayout(t *testing.T) {
	h := PCMHeader(CmdPCMTrigger, "Mic", DirCapture)
	h.DomainID = 7

	buf, err := h.MarshalBinary()
	require.NoError(t, err)

	require.Equal(t, uint32(CmdPCMTrigger), binary.LittleEndian.Uint32(buf[0:]))
	require.Equal(t, uint32(7), binary.LittleEndian.Uint32(buf[4:]))
	// Descriptor union starts after the fixed identity fields.
	require.Equal(t, byte('M'), buf[8+DomainNameLen])
	require.Equal(t, uint32(DirCapture),
		binary.LittleEndian.Uint32(buf[8+DomainNameLen+PCMIDLen:]))
}

func TestValidPCMID(t *testing.T) {
	require.True(t, ValidPCMID("Speaker"))
	require.False(t, ValidPCMID(""))
	require.False(t, ValidPCMID("((null))"))

	long := make([]byte, PCMIDLen)
	for i := range long {
		long[i] = 'a'
	}
	require.False(t, ValidPCMID(string(long)))
	require.True(t, ValidPCMID(string(long[:PCMIDLen-1])))
}

func TestTriggerRunning(t *testing.T) {
	running := []int32{TriggerStart, TriggerPauseRelease, TriggerResume}
	stopped := []int32{TriggerStop, TriggerPausePush, TriggerSuspend}

	for _, cmd := range running {
		require.True(t, TriggerRunning(cmd), "cmd %d", cmd)
	}
	for _, cmd := range stopped {
		require.False(t, TriggerRunning(cmd), "cmd %d", cmd)
	}
}

func TestDMAConfig_RoundTrip(t *testing.T) {
	c := DMAConfig{
		Addr:          0x4000_0000,
		Size:          32768,
		Pages:         8,
		Offset:        4096,
		StreamPosAddr: 0x4001_0000,
		StreamPosSize: 16,
	}

	buf, err := c.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, buf, DMAConfigSize)

	var got DMAConfig
	require.NoError(t, got.UnmarshalBinary(buf))
	require.Equal(t, c, got)
}

func TestResourceDesc_RoundTrip(t *testing.T) {
	r := ResourceDesc{
		Type:     ResTopology,
		Name:     "guest-audio.tplg",
		PhysAddr: 0x4002_0000,
		Size:     8192,
		Ret:      status.CodeSizeMismatch,
	}

	buf, err := r.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, buf, ResourceDescSize)

	var got ResourceDesc
	require.NoError(t, got.UnmarshalBinary(buf))
	require.Equal(t, r, got)
}

func TestHwParams_NegativeStatusPreserved(t *testing.T) {
	res := PCMResult{Ret: status.CodePermissionDenied}
	buf, err := res.MarshalBinary()
	require.NoError(t, err)

	var got PCMResult
	require.NoError(t, got.UnmarshalBinary(buf))
	require.Equal(t, status.CodePermissionDenied, got.Ret)
}

func TestKctlNotify_RoundTripAndPeek(t *testing.T) {
	n := KctlNotify{
		MsgType:   CmdKctlNotify,
		ControlID: "Master Playback Switch",
	}
	n.Value.Value[0] = 1

	buf, err := n.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, buf, InboxSize)

	kind, err := InboxMsgType(buf)
	require.NoError(t, err)
	require.Equal(t, uint32(CmdKctlNotify), kind)

	var got KctlNotify
	require.NoError(t, got.UnmarshalBinary(buf))
	require.Equal(t, "Master Playback Switch", got.ControlID)
	require.Equal(t, byte(1), got.Value.Value[0])
}

func TestInboxMsgType_ShortBuffer(t *testing.T) {
	_, err := InboxMsgType([]byte{1, 2})
	require.ErrorIs(t, err, status.ErrSizeMismatch)
}
