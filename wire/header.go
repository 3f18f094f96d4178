package wire

import (
	"encoding/binary"

	"github.com/pithecene-io/virtsnd/status"
)

// Envelope header layout:
//
//	offset  size  field
//	0       4     command code
//	4       4     domain id
//	8       32    domain name (NUL padded)
//	40      68    descriptor union (pcm | kcontrol)
//
// The descriptor union width is the widest member: the PCM descriptor
// (64-byte pcm id + 4-byte direction).
const (
	HeaderSize = 4 + 4 + DomainNameLen + descSize
	descOff    = 4 + 4 + DomainNameLen
	descSize   = PCMIDLen + 4
)

// PCMDesc targets one (pcm id, direction) substream.
type PCMDesc struct {
	PCMID     string
	Direction int32
}

// KctlDesc targets one mixer control by its control id.
type KctlDesc struct {
	ControlID string
}

// Header is the decoded form of the fixed envelope header. Exactly one of
// PCM/Kctl is meaningful, selected by the command's type class; CFG commands
// use neither.
type Header struct {
	Cmd        uint32
	DomainID   uint32
	DomainName string
	PCM        PCMDesc
	Kctl       KctlDesc
}

// Type returns the command's type class (MsgTypePCM, MsgTypeKctl, MsgTypeCfg).
func (h *Header) Type() uint32 {
	return h.Cmd & MsgTypeMask
}

// MarshalBinary encodes the header into its fixed wire layout.
func (h *Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], h.Cmd)
	binary.LittleEndian.PutUint32(buf[4:], h.DomainID)
	putFixed(buf[8:8+DomainNameLen], h.DomainName)

	desc := buf[descOff:]
	switch h.Type() {
	case MsgTypePCM:
		putFixed(desc[:PCMIDLen], h.PCM.PCMID)
		binary.LittleEndian.PutUint32(desc[PCMIDLen:], uint32(h.PCM.Direction))
	case MsgTypeKctl:
		putFixed(desc[:ControlIDLen], h.Kctl.ControlID)
	}
	return buf, nil
}

// UnmarshalBinary decodes a fixed envelope header. A buffer whose length does
// not match the protocol header size is rejected with ErrSizeMismatch; the
// channel drops that message only and continues.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if err := checkSize("header", len(buf), HeaderSize); err != nil {
		return err
	}
	h.Cmd = binary.LittleEndian.Uint32(buf[0:])
	h.DomainID = binary.LittleEndian.Uint32(buf[4:])
	h.DomainName = fixedString(buf[8 : 8+DomainNameLen])

	desc := buf[descOff:]
	switch h.Type() {
	case MsgTypePCM:
		h.PCM.PCMID = fixedString(desc[:PCMIDLen])
		h.PCM.Direction = int32(binary.LittleEndian.Uint32(desc[PCMIDLen:]))
	case MsgTypeKctl:
		h.Kctl.ControlID = fixedString(desc[:ControlIDLen])
	case MsgTypeCfg:
	default:
		return status.Errorf(status.ErrInvalidArgument, "header", "")
	}
	return nil
}

// PCMHeader builds an envelope for a PCM command targeting one substream.
func PCMHeader(cmd uint32, pcmID string, direction int32) Header {
	return Header{Cmd: cmd, PCM: PCMDesc{PCMID: pcmID, Direction: direction}}
}

// KctlHeader builds an envelope for a mixer-control command.
func KctlHeader(cmd uint32, controlID string) Header {
	return Header{Cmd: cmd, Kctl: KctlDesc{ControlID: controlID}}
}
