package backend

import (
	"errors"

	"github.com/pithecene-io/virtsnd/audio"
	"github.com/pithecene-io/virtsnd/posn"
	"github.com/pithecene-io/virtsnd/status"
	"github.com/pithecene-io/virtsnd/wire"
)

// pageSize is the DMA scatter-table page granularity.
const pageSize = 4096

// handlePCM runs one PCM command and writes the status reply.
func (s *Service) handlePCM(hdr *wire.Header, payload, reply []byte) int {
	err := s.dispatchPCM(hdr, payload)
	if err != nil {
		if errors.Is(err, status.ErrPermissionDenied) {
			s.met.IncPermissionDenial()
		}
		s.log.Warn("pcm command failed", map[string]any{
			"cmd": hdr.Cmd, "pcm_id": hdr.PCM.PCMID,
			"domain_id": hdr.DomainID, "error": err.Error(),
		})
	}
	res := wire.PCMResult{Ret: status.Code(err)}
	b, _ := res.MarshalBinary()
	return copy(reply, b)
}

func (s *Service) dispatchPCM(hdr *wire.Header, payload []byte) error {
	if !wire.ValidPCMID(hdr.PCM.PCMID) {
		return status.Errorf(status.ErrInvalidArgument, "pcm", hdr.PCM.PCMID)
	}
	switch hdr.Cmd {
	case wire.CmdPCMOpen:
		return s.pcmOpen(hdr)
	case wire.CmdPCMClose:
		return s.pcmClose(hdr)
	case wire.CmdPCMHwParams:
		return s.pcmHwParams(hdr, payload)
	case wire.CmdPCMPrepare:
		return s.pcmPrepare(hdr, payload)
	case wire.CmdPCMTrigger:
		return s.pcmTrigger(hdr, payload)
	default:
		return status.Errorf(status.ErrInvalidArgument, "pcm", hdr.PCM.PCMID)
	}
}

// pcmOpen admits a stream: the requesting domain must own it per the
// topology table, and no other session may hold it. The guest buffer and
// position record bind later, at prepare.
func (s *Service) pcmOpen(hdr *wire.Header) error {
	key := sessionKey{hdr.PCM.PCMID, hdr.PCM.Direction}

	owner, err := s.table.PCMOwner(key.pcmID, key.direction)
	if err != nil {
		return err
	}
	if owner != hdr.DomainID {
		return status.Errorf(status.ErrPermissionDenied, "pcm_open", key.pcmID)
	}

	sub, ok := s.dev.Lookup(key.pcmID, key.direction)
	if !ok {
		return status.Errorf(status.ErrNotFound, "pcm_open", key.pcmID)
	}

	s.mu.Lock()
	if _, exists := s.sessions[key]; exists {
		s.mu.Unlock()
		return status.Errorf(status.ErrBusy, "pcm_open", key.pcmID)
	}
	// Reserve the slot before dropping the lock so concurrent opens of the
	// same stream fail Busy instead of double-opening.
	sess := &session{key: key, domainID: hdr.DomainID, sub: sub}
	s.sessions[key] = sess
	s.mu.Unlock()

	if err := sub.Open(); err != nil {
		s.mu.Lock()
		delete(s.sessions, key)
		s.mu.Unlock()
		return status.Wrap(errOrInvalid(err), "pcm_open", key.pcmID, err)
	}

	s.log.Info("stream opened", map[string]any{
		"pcm_id": key.pcmID, "direction": key.direction, "domain_id": hdr.DomainID,
	})
	return nil
}

// errOrInvalid keeps an already classified error's kind and downgrades raw
// driver errors to InvalidArgument.
func errOrInvalid(err error) error {
	var pe *status.ProtocolError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return status.ErrInvalidArgument
}

// lookupSession resolves an owned session. Commands on an unknown stream
// fail NoSuchStream; commands from a domain that does not hold the session
// fail PermissionDenied.
func (s *Service) lookupSession(hdr *wire.Header) (*session, error) {
	key := sessionKey{hdr.PCM.PCMID, hdr.PCM.Direction}
	s.mu.Lock()
	sess, ok := s.sessions[key]
	s.mu.Unlock()
	if !ok {
		return nil, status.Errorf(status.ErrNoSuchStream, "pcm", key.pcmID)
	}
	if sess.domainID != hdr.DomainID {
		return nil, status.Errorf(status.ErrPermissionDenied, "pcm", key.pcmID)
	}
	return sess, nil
}

// pcmHwParams applies the negotiated parameters. The guest buffer is not
// bound yet; that happens at prepare.
func (s *Service) pcmHwParams(hdr *wire.Header, payload []byte) error {
	sess, err := s.lookupSession(hdr)
	if err != nil {
		return err
	}
	var p wire.HwParams
	if err := p.UnmarshalBinary(payload); err != nil {
		return err
	}
	if err := sess.sub.HwParams(&p); err != nil {
		return status.Wrap(status.ErrInvalidArgument, "pcm_hw_params", sess.key.pcmID, err)
	}
	return nil
}

func (s *Service) remapDMA(sess *session) error {
	dv, ok := sess.sub.(audio.DMAView)
	if !ok {
		return nil
	}
	native := dv.PageAddrs()
	pages := int(sess.dma.Pages)
	if pages == 0 || pages > len(native) {
		pages = len(native)
	}
	remapped := make([]uint64, len(native))
	copy(remapped, native)
	for i := 0; i < pages; i++ {
		gpa := sess.dma.Addr + sess.dma.Offset + uint64(i)*pageSize
		hpa, err := s.xlate.GuestToHost(sess.domainID, gpa)
		if err != nil {
			return status.Wrap(status.ErrInvalidAddress, "pcm_prepare", sess.key.pcmID, err)
		}
		remapped[i] = hpa
	}
	if sess.nativePages == nil {
		sess.nativePages = native
	}
	dv.SetPageAddrs(remapped)
	return nil
}

// pcmPrepare binds the guest's buffer and position record, then readies the
// stream. The scatter table remaps onto the guest pages with the native
// entries saved for restore; the position record is zeroed so the frontend
// starts from a clean counter pair. A re-prepare releases the previous
// binding first, so a fresh buffer can be bound.
func (s *Service) pcmPrepare(hdr *wire.Header, payload []byte) error {
	sess, err := s.lookupSession(hdr)
	if err != nil {
		return err
	}
	var dma wire.DMAConfig
	if err := dma.UnmarshalBinary(payload); err != nil {
		return err
	}

	s.unbindDMA(sess)
	sess.dma = dma
	if err := s.remapDMA(sess); err != nil {
		return err
	}
	region, err := s.xlate.MapRegion(hdr.DomainID, dma.StreamPosAddr, dma.StreamPosSize)
	if err != nil {
		return status.Wrap(status.ErrInvalidAddress, "pcm_prepare", sess.key.pcmID, err)
	}
	pos, err := posn.New(region)
	if err != nil {
		return status.Wrap(status.ErrInvalidAddress, "pcm_prepare", sess.key.pcmID, err)
	}
	pos.Reset()
	sess.posMu.Lock()
	sess.pos = pos
	sess.posMu.Unlock()

	if err := sess.sub.Prepare(); err != nil {
		return status.Wrap(status.ErrInvalidArgument, "pcm_prepare", sess.key.pcmID, err)
	}
	return nil
}

// unbindDMA releases a session's guest binding: the native scatter entries
// come back and the position mapping is dropped. The position pointer is
// cleared under posMu first, so no publisher can be writing the region when
// it is unmapped. Safe when nothing is bound.
func (s *Service) unbindDMA(sess *session) {
	if sess.nativePages != nil {
		if dv, ok := sess.sub.(audio.DMAView); ok {
			dv.SetPageAddrs(sess.nativePages)
		}
		sess.nativePages = nil
	}
	sess.posMu.Lock()
	bound := sess.pos != nil
	sess.pos = nil
	sess.posMu.Unlock()
	if bound {
		if err := s.xlate.UnmapRegion(sess.domainID, sess.dma.StreamPosAddr); err != nil {
			s.log.Warn("position unmap failed", map[string]any{
				"pcm_id": sess.key.pcmID, "error": err.Error(),
			})
		}
	}
}

func (s *Service) pcmTrigger(hdr *wire.Header, payload []byte) error {
	sess, err := s.lookupSession(hdr)
	if err != nil {
		return err
	}
	var t wire.Trigger
	if err := t.UnmarshalBinary(payload); err != nil {
		return err
	}
	if err := sess.sub.Trigger(t.Cmd); err != nil {
		return status.Wrap(status.ErrInvalidArgument, "pcm_trigger", sess.key.pcmID, err)
	}
	s.mu.Lock()
	sess.running = wire.TriggerRunning(t.Cmd)
	s.mu.Unlock()
	return nil
}

func (s *Service) pcmClose(hdr *wire.Header) error {
	sess, err := s.lookupSession(hdr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.sessions, sess.key)
	s.mu.Unlock()
	return s.closeSession(sess)
}

// closeSession tears down one session: the guest binding is released and
// the substream closed. The session must already be removed from the table.
func (s *Service) closeSession(sess *session) error {
	s.unbindDMA(sess)
	if err := sess.sub.Close(); err != nil {
		return status.Wrap(status.ErrInvalidArgument, "pcm_close", sess.key.pcmID, err)
	}
	return nil
}

// NotifyStreamUpdate publishes a stream's hardware position and wakes its
// owning frontend. The host audio stack calls this at every period
// boundary; streams that are not running are ignored.
func (s *Service) NotifyStreamUpdate(pcmID string, direction int32) {
	key := sessionKey{pcmID, direction}
	s.mu.Lock()
	sess, ok := s.sessions[key]
	running := ok && sess.running
	s.mu.Unlock()
	if !running {
		return
	}

	ptr, err := sess.sub.Pointer()
	if err != nil {
		s.log.Warn("pointer read failed", map[string]any{
			"pcm_id": pcmID, "error": err.Error(),
		})
		return
	}
	// Publish under posMu: a concurrent close clears the binding under
	// the same lock, so the record is never written after its unmap.
	sess.posMu.Lock()
	published := sess.pos != nil
	if published {
		sess.pos.Publish(ptr)
	}
	sess.posMu.Unlock()
	if !published {
		return
	}
	s.met.IncPositionPublish()

	if c := s.clientByDomain(sess.domainID); c != nil {
		c.ch.CmdRx.Interrupt()
	}
}
