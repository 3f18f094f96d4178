// Package wire implements the fixed-layout message format exchanged between
// the frontend and backend audio domains.
//
// Every message starts with a fixed-size envelope header carrying the command
// code, the sender's domain identity, and a command-specific descriptor. The
// command and notification channels carry the header together with fixed-size
// payload buffers; all sizes are validated on receipt.
//
// The layout is little-endian and byte-for-byte stable: both domains decode
// each other's buffers without any negotiation.
package wire

import (
	"bytes"

	"github.com/pithecene-io/virtsnd/status"
)

// Fixed field widths of the wire format.
const (
	DomainNameLen   = 32
	PCMIDLen        = 64
	ControlIDLen    = 44
	ResourceNameLen = 64
	KctlValueLen    = 512
)

// Command type classes. The high byte of a command code selects the handler
// class; the low byte is the opcode within the class.
const (
	MsgTypeMask uint32 = 0xff00

	MsgTypePCM  uint32 = 0x0100
	MsgTypeKctl uint32 = 0x0200
	MsgTypeCfg  uint32 = 0x0300
)

// Command codes.
const (
	CmdPCMOpen     = MsgTypePCM | 0x01
	CmdPCMClose    = MsgTypePCM | 0x02
	CmdPCMHwParams = MsgTypePCM | 0x03
	CmdPCMPrepare  = MsgTypePCM | 0x04
	CmdPCMTrigger  = MsgTypePCM | 0x05

	CmdKctlSet = MsgTypeKctl | 0x01
	// CmdKctlNotify is not a request: it marks unsolicited control-change
	// notifications pushed on the inbox path.
	CmdKctlNotify = MsgTypeKctl | 0x02

	CmdCfgHDA      = MsgTypeCfg | 0x01
	CmdCfgResInfo  = MsgTypeCfg | 0x02
	CmdCfgResDesc  = MsgTypeCfg | 0x03
	CmdCfgFreeResc = MsgTypeCfg | 0x04
	CmdCfgDomain   = MsgTypeCfg | 0x05
)

// Stream directions.
const (
	DirPlayback int32 = 0
	DirCapture  int32 = 1
)

// Trigger commands, mirroring the host audio stack's trigger opcodes.
const (
	TriggerStop         int32 = 0
	TriggerStart        int32 = 1
	TriggerPausePush    int32 = 3
	TriggerPauseRelease int32 = 4
	TriggerSuspend      int32 = 5
	TriggerResume       int32 = 6
)

// Resource types for the two-phase resource transfer.
const (
	ResTopology uint32 = 0
	ResFirmware uint32 = 1
	ResLibrary  uint32 = 2
)

// TriggerRunning reports whether a trigger command leaves the stream running.
func TriggerRunning(cmd int32) bool {
	switch cmd {
	case TriggerStart, TriggerPauseRelease, TriggerResume:
		return true
	}
	return false
}

// nullPCMID is the sentinel the host audio stack reports for substreams that
// have no usable pcm id. Such substreams never cross the domain boundary.
const nullPCMID = "((null))"

// ValidPCMID reports whether a pcm id may appear in an envelope descriptor.
func ValidPCMID(id string) bool {
	return id != "" && id != nullPCMID && len(id) < PCMIDLen
}

// putFixed copies s into a fixed-width, NUL-padded field.
// Overlong values are truncated with the final byte forced to NUL.
func putFixed(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	dst[len(dst)-1] = 0
}

// fixedString reads a NUL-terminated string from a fixed-width field.
func fixedString(src []byte) string {
	if i := bytes.IndexByte(src, 0); i >= 0 {
		return string(src[:i])
	}
	return string(src)
}

// checkSize validates a fixed payload length.
func checkSize(op string, got, want int) error {
	if got != want {
		return status.Errorf(status.ErrSizeMismatch, op, "")
	}
	return nil
}
