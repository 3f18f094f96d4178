package backend

import (
	"errors"

	"github.com/pithecene-io/virtsnd/status"
	"github.com/pithecene-io/virtsnd/wire"
)

// handleKctl runs one mixer-control write and writes the status reply.
func (s *Service) handleKctl(hdr *wire.Header, payload, reply []byte) int {
	err := s.kctlSet(hdr, payload)
	if err != nil {
		if errors.Is(err, status.ErrPermissionDenied) {
			s.met.IncPermissionDenial()
		}
		s.log.Warn("kctl command failed", map[string]any{
			"control_id": hdr.Kctl.ControlID, "domain_id": hdr.DomainID,
			"error": err.Error(),
		})
	}
	res := wire.KctlResult{Ret: status.Code(err)}
	b, _ := res.MarshalBinary()
	return copy(reply, b)
}

func (s *Service) kctlSet(hdr *wire.Header, payload []byte) error {
	if hdr.Cmd != wire.CmdKctlSet {
		return status.Errorf(status.ErrInvalidArgument, "kctl", hdr.Kctl.ControlID)
	}
	var v wire.KctlValue
	if err := v.UnmarshalBinary(payload); err != nil {
		return err
	}
	return s.kctls.Set(hdr.DomainID, hdr.Kctl.ControlID, &v)
}

// handleCfg routes configuration commands: capability queries, resource
// transfers, and domain registration.
func (s *Service) handleCfg(c *Client, hdr *wire.Header, payload, reply []byte) int {
	switch hdr.Cmd {
	case wire.CmdCfgDomain:
		return s.cfgDomain(c, hdr, reply)
	case wire.CmdCfgHDA:
		return s.cfgHDA(reply)
	case wire.CmdCfgResInfo:
		return s.cfgResInfo(payload, reply)
	case wire.CmdCfgResDesc:
		return s.cfgResDesc(hdr, payload, reply)
	case wire.CmdCfgFreeResc:
		// The guest released its destination region; nothing is retained on
		// this side, so the ack is unconditional.
		res := wire.PCMResult{Ret: status.CodeOK}
		b, _ := res.MarshalBinary()
		return copy(reply, b)
	default:
		s.met.IncDecodeError()
		return 0
	}
}

// cfgDomain registers the requesting frontend under its configured domain
// name and binds the connection to the assigned id.
func (s *Service) cfgDomain(c *Client, hdr *wire.Header, reply []byte) int {
	d, err := s.table.DomainByName(hdr.DomainName)
	info := wire.DomainInfo{Ret: status.Code(err)}
	if err == nil {
		info.DomainID = d.ID
		s.mu.Lock()
		c.domainID = d.ID
		c.registered = true
		s.mu.Unlock()
		s.log.Info("domain registered", map[string]any{
			"domain_name": d.Name, "domain_id": d.ID,
		})
	} else {
		s.log.Warn("domain registration rejected", map[string]any{
			"domain_name": hdr.DomainName,
		})
	}
	b, _ := info.MarshalBinary()
	return copy(reply, b)
}

func (s *Service) cfgHDA(reply []byte) int {
	b, _ := s.hda.MarshalBinary()
	return copy(reply, b)
}

// cfgResInfo answers the first phase of a resource transfer with the blob's
// current size.
func (s *Service) cfgResInfo(payload, reply []byte) int {
	var req wire.ResourceInfo
	if err := req.UnmarshalBinary(payload); err != nil {
		s.met.IncDecodeError()
		return 0
	}
	size, err := s.res.Info(req.Type, req.Name)
	req.Size = size
	req.Ret = status.Code(err)
	b, _ := req.MarshalBinary()
	return copy(reply, b)
}

// cfgResDesc answers the second phase: the blob is re-resolved, its size is
// checked against what the guest allocated, and the bytes are copied into
// the guest region. A blob that changed size since the info phase fails
// SizeMismatch instead of truncating.
func (s *Service) cfgResDesc(hdr *wire.Header, payload, reply []byte) int {
	var req wire.ResourceDesc
	if err := req.UnmarshalBinary(payload); err != nil {
		s.met.IncDecodeError()
		return 0
	}
	req.Ret = status.Code(s.copyResource(hdr.DomainID, &req))
	b, _ := req.MarshalBinary()
	return copy(reply, b)
}

func (s *Service) copyResource(domainID uint32, req *wire.ResourceDesc) error {
	size, err := s.res.Info(req.Type, req.Name)
	if err != nil {
		return err
	}
	if size != req.Size {
		return status.Errorf(status.ErrSizeMismatch, "res_desc", req.Name)
	}
	region, err := s.xlate.MapRegion(domainID, req.PhysAddr, req.Size)
	if err != nil {
		return err
	}
	defer func() {
		if uerr := s.xlate.UnmapRegion(domainID, req.PhysAddr); uerr != nil {
			s.log.Warn("resource unmap failed", map[string]any{
				"name": req.Name, "error": uerr.Error(),
			})
		}
	}()
	return s.res.ReadInto(req.Type, req.Name, region)
}
