package wire

import (
	"encoding/binary"
)

// Payload sizes are fixed per opcode and validated on receipt.
const (
	PCMResultSize    = 4
	HwParamsSize     = 56
	TriggerSize      = 4
	DMAConfigSize    = 48
	ResourceInfoSize = 4 + ResourceNameLen + 8 + 4
	ResourceDescSize = 4 + ResourceNameLen + 8 + 8 + 4
	DomainInfoSize   = 8
	HDAConfigSize    = 32
	KctlValueSize    = KctlValueLen
	KctlResultSize   = 4

	// InboxSize is the fixed size of every buffer posted on the inbox path:
	// the widest pushed notification (a kcontrol change).
	InboxSize = 4 + ControlIDLen + KctlValueLen
)

// PCMResult is the reply payload of every PCM command: the backend's status.
type PCMResult struct {
	Ret int32
}

func (r *PCMResult) MarshalBinary() ([]byte, error) {
	buf := make([]byte, PCMResultSize)
	binary.LittleEndian.PutUint32(buf, uint32(r.Ret))
	return buf, nil
}

func (r *PCMResult) UnmarshalBinary(buf []byte) error {
	if err := checkSize("pcm_result", len(buf), PCMResultSize); err != nil {
		return err
	}
	r.Ret = int32(binary.LittleEndian.Uint32(buf))
	return nil
}

// HwParams carries the negotiated hardware parameters of a stream.
type HwParams struct {
	Access               uint32
	Direction            uint32
	SampleValidBytes     uint32
	BufferFmt            uint32
	Rate                 uint32
	Channels             uint32
	HostPeriodBytes      uint32
	BufferBytes          uint32
	BufferSize           uint32
	SampleContainerBytes uint32
	FrameFmt             uint32
	FrameSubfmt          uint32
	PeriodSize           uint32
	Periods              uint32
}

func (p *HwParams) fields() []*uint32 {
	return []*uint32{
		&p.Access, &p.Direction, &p.SampleValidBytes, &p.BufferFmt,
		&p.Rate, &p.Channels, &p.HostPeriodBytes, &p.BufferBytes,
		&p.BufferSize, &p.SampleContainerBytes, &p.FrameFmt,
		&p.FrameSubfmt, &p.PeriodSize, &p.Periods,
	}
}

func (p *HwParams) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HwParamsSize)
	for i, f := range p.fields() {
		binary.LittleEndian.PutUint32(buf[i*4:], *f)
	}
	return buf, nil
}

func (p *HwParams) UnmarshalBinary(buf []byte) error {
	if err := checkSize("hw_params", len(buf), HwParamsSize); err != nil {
		return err
	}
	for i, f := range p.fields() {
		*f = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return nil
}

// Trigger carries a stream trigger command.
type Trigger struct {
	Cmd int32
}

func (t *Trigger) MarshalBinary() ([]byte, error) {
	buf := make([]byte, TriggerSize)
	binary.LittleEndian.PutUint32(buf, uint32(t.Cmd))
	return buf, nil
}

func (t *Trigger) UnmarshalBinary(buf []byte) error {
	if err := checkSize("trigger", len(buf), TriggerSize); err != nil {
		return err
	}
	t.Cmd = int32(binary.LittleEndian.Uint32(buf))
	return nil
}

// DMAConfig describes a stream's DMA buffer and its position descriptor
// region, both as guest-physical addresses remapped by the backend.
type DMAConfig struct {
	Addr          uint64
	Size          uint64
	Pages         uint32
	Offset        uint64
	StreamPosAddr uint64
	StreamPosSize uint64
}

func (c *DMAConfig) MarshalBinary() ([]byte, error) {
	buf := make([]byte, DMAConfigSize)
	binary.LittleEndian.PutUint64(buf[0:], c.Addr)
	binary.LittleEndian.PutUint64(buf[8:], c.Size)
	binary.LittleEndian.PutUint32(buf[16:], c.Pages)
	binary.LittleEndian.PutUint64(buf[24:], c.Offset)
	binary.LittleEndian.PutUint64(buf[32:], c.StreamPosAddr)
	binary.LittleEndian.PutUint64(buf[40:], c.StreamPosSize)
	return buf, nil
}

func (c *DMAConfig) UnmarshalBinary(buf []byte) error {
	if err := checkSize("dma_conf", len(buf), DMAConfigSize); err != nil {
		return err
	}
	c.Addr = binary.LittleEndian.Uint64(buf[0:])
	c.Size = binary.LittleEndian.Uint64(buf[8:])
	c.Pages = binary.LittleEndian.Uint32(buf[16:])
	c.Offset = binary.LittleEndian.Uint64(buf[24:])
	c.StreamPosAddr = binary.LittleEndian.Uint64(buf[32:])
	c.StreamPosSize = binary.LittleEndian.Uint64(buf[40:])
	return nil
}

// ResourceInfo is the first phase of a resource transfer: the caller names a
// resource, the backend fills in its size.
type ResourceInfo struct {
	Type uint32
	Name string
	Size uint64
	Ret  int32
}

func (r *ResourceInfo) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ResourceInfoSize)
	binary.LittleEndian.PutUint32(buf[0:], r.Type)
	putFixed(buf[4:4+ResourceNameLen], r.Name)
	binary.LittleEndian.PutUint64(buf[4+ResourceNameLen:], r.Size)
	binary.LittleEndian.PutUint32(buf[12+ResourceNameLen:], uint32(r.Ret))
	return buf, nil
}

func (r *ResourceInfo) UnmarshalBinary(buf []byte) error {
	if err := checkSize("res_info", len(buf), ResourceInfoSize); err != nil {
		return err
	}
	r.Type = binary.LittleEndian.Uint32(buf[0:])
	r.Name = fixedString(buf[4 : 4+ResourceNameLen])
	r.Size = binary.LittleEndian.Uint64(buf[4+ResourceNameLen:])
	r.Ret = int32(binary.LittleEndian.Uint32(buf[12+ResourceNameLen:]))
	return nil
}

// ResourceDesc is the second phase of a resource transfer: the caller supplies
// a destination region and the size it expects; the backend copies the bytes
// and reports status.
type ResourceDesc struct {
	Type     uint32
	Name     string
	PhysAddr uint64
	Size     uint64
	Ret      int32
}

func (r *ResourceDesc) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ResourceDescSize)
	binary.LittleEndian.PutUint32(buf[0:], r.Type)
	putFixed(buf[4:4+ResourceNameLen], r.Name)
	binary.LittleEndian.PutUint64(buf[4+ResourceNameLen:], r.PhysAddr)
	binary.LittleEndian.PutUint64(buf[12+ResourceNameLen:], r.Size)
	binary.LittleEndian.PutUint32(buf[20+ResourceNameLen:], uint32(r.Ret))
	return buf, nil
}

func (r *ResourceDesc) UnmarshalBinary(buf []byte) error {
	if err := checkSize("res_desc", len(buf), ResourceDescSize); err != nil {
		return err
	}
	r.Type = binary.LittleEndian.Uint32(buf[0:])
	r.Name = fixedString(buf[4 : 4+ResourceNameLen])
	r.PhysAddr = binary.LittleEndian.Uint64(buf[4+ResourceNameLen:])
	r.Size = binary.LittleEndian.Uint64(buf[12+ResourceNameLen:])
	r.Ret = int32(binary.LittleEndian.Uint32(buf[20+ResourceNameLen:]))
	return nil
}

// DomainInfo is the reply of a domain registration: the id assigned to the
// registering frontend.
type DomainInfo struct {
	DomainID uint32
	Ret      int32
}

func (d *DomainInfo) MarshalBinary() ([]byte, error) {
	buf := make([]byte, DomainInfoSize)
	binary.LittleEndian.PutUint32(buf[0:], d.DomainID)
	binary.LittleEndian.PutUint32(buf[4:], uint32(d.Ret))
	return buf, nil
}

func (d *DomainInfo) UnmarshalBinary(buf []byte) error {
	if err := checkSize("domain_info", len(buf), DomainInfoSize); err != nil {
		return err
	}
	d.DomainID = binary.LittleEndian.Uint32(buf[0:])
	d.Ret = int32(binary.LittleEndian.Uint32(buf[4:]))
	return nil
}

// HDAConfig is the reply of the read-only HDA capability query.
type HDAConfig struct {
	ResourceLength uint32
	PPCap          uint32
	SPBCap         uint32
	MLCap          uint32
	GTSCap         uint32
	DRSMCap        uint32
	CpStreams      uint32
	PbStreams      uint32
}

func (c *HDAConfig) fields() []*uint32 {
	return []*uint32{
		&c.ResourceLength, &c.PPCap, &c.SPBCap, &c.MLCap,
		&c.GTSCap, &c.DRSMCap, &c.CpStreams, &c.PbStreams,
	}
}

func (c *HDAConfig) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HDAConfigSize)
	for i, f := range c.fields() {
		binary.LittleEndian.PutUint32(buf[i*4:], *f)
	}
	return buf, nil
}

func (c *HDAConfig) UnmarshalBinary(buf []byte) error {
	if err := checkSize("hda_cfg", len(buf), HDAConfigSize); err != nil {
		return err
	}
	for i, f := range c.fields() {
		*f = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return nil
}

// KctlValue carries a mixer-control value as an opaque fixed-size blob.
// The core forwards it without interpreting the contents.
type KctlValue struct {
	Value [KctlValueLen]byte
}

func (v *KctlValue) MarshalBinary() ([]byte, error) {
	buf := make([]byte, KctlValueSize)
	copy(buf, v.Value[:])
	return buf, nil
}

func (v *KctlValue) UnmarshalBinary(buf []byte) error {
	if err := checkSize("kctl_value", len(buf), KctlValueSize); err != nil {
		return err
	}
	copy(v.Value[:], buf)
	return nil
}

// KctlResult is the reply payload of a mixer-control set request.
type KctlResult struct {
	Ret int32
}

func (r *KctlResult) MarshalBinary() ([]byte, error) {
	buf := make([]byte, KctlResultSize)
	binary.LittleEndian.PutUint32(buf, uint32(r.Ret))
	return buf, nil
}

func (r *KctlResult) UnmarshalBinary(buf []byte) error {
	if err := checkSize("kctl_result", len(buf), KctlResultSize); err != nil {
		return err
	}
	r.Ret = int32(binary.LittleEndian.Uint32(buf))
	return nil
}

// KctlNotify is an unsolicited backend-to-frontend control change pushed on
// the inbox path. MsgType occupies the header slot of the inbox buffer so the
// receiver can discriminate notification kinds.
type KctlNotify struct {
	MsgType   uint32
	ControlID string
	Value     KctlValue
}

func (n *KctlNotify) MarshalBinary() ([]byte, error) {
	buf := make([]byte, InboxSize)
	binary.LittleEndian.PutUint32(buf[0:], n.MsgType)
	putFixed(buf[4:4+ControlIDLen], n.ControlID)
	copy(buf[4+ControlIDLen:], n.Value.Value[:])
	return buf, nil
}

func (n *KctlNotify) UnmarshalBinary(buf []byte) error {
	if err := checkSize("kctl_notify", len(buf), InboxSize); err != nil {
		return err
	}
	n.MsgType = binary.LittleEndian.Uint32(buf[0:])
	n.ControlID = fixedString(buf[4 : 4+ControlIDLen])
	copy(n.Value.Value[:], buf[4+ControlIDLen:])
	return nil
}

// InboxMsgType peeks at the notification kind of an inbox buffer without a
// full decode.
func InboxMsgType(buf []byte) (uint32, error) {
	if len(buf) < 4 {
		return 0, checkSize("inbox", len(buf), InboxSize)
	}
	return binary.LittleEndian.Uint32(buf[0:]), nil
}
