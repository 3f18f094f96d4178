package frontend

import (
	"context"

	"github.com/pithecene-io/virtsnd/status"
	"github.com/pithecene-io/virtsnd/wire"
)

// FetchResource pulls one blob from the backend with the two-phase transfer:
// the info request reports the size, the descriptor request has the backend
// copy the bytes into a freshly allocated guest region. The region is
// released before returning; the caller gets a private copy.
func (d *Device) FetchResource(ctx context.Context, typ uint32, name string) ([]byte, error) {
	size, err := d.ResourceInfo(ctx, typ, name)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}

	gpa, region, err := d.alloc.Alloc(size)
	if err != nil {
		return nil, status.Wrap(status.ErrInvalidAddress, "res_desc", name, err)
	}
	defer func() {
		_ = d.alloc.Free(gpa)
	}()

	req := wire.ResourceDesc{Type: typ, Name: name, PhysAddr: gpa, Size: size}
	payload, _ := req.MarshalBinary()
	hdr := wire.Header{Cmd: wire.CmdCfgResDesc}
	rx, err := d.cfgCall(ctx, hdr, payload, wire.ResourceDescSize)
	if err != nil {
		return nil, err
	}
	var resp wire.ResourceDesc
	if err := resp.UnmarshalBinary(rx); err != nil {
		return nil, err
	}
	if rerr := status.FromCode(resp.Ret); rerr != nil {
		return nil, status.Errorf(rerr, "res_desc", name)
	}

	out := make([]byte, size)
	copy(out, region)

	freeHdr := wire.Header{Cmd: wire.CmdCfgFreeResc}
	d.identify(&freeHdr)
	if err := d.reqs.post(freeHdr, payload, wire.PCMResultSize); err != nil {
		d.log.Warn("resource release not sent", map[string]any{
			"name": name, "error": err.Error(),
		})
	}
	return out, nil
}

// ResourceInfo asks the backend for a blob's size, the first transfer phase.
func (d *Device) ResourceInfo(ctx context.Context, typ uint32, name string) (uint64, error) {
	req := wire.ResourceInfo{Type: typ, Name: name}
	payload, _ := req.MarshalBinary()
	hdr := wire.Header{Cmd: wire.CmdCfgResInfo}
	rx, err := d.cfgCall(ctx, hdr, payload, wire.ResourceInfoSize)
	if err != nil {
		return 0, err
	}
	var resp wire.ResourceInfo
	if err := resp.UnmarshalBinary(rx); err != nil {
		return 0, err
	}
	if rerr := status.FromCode(resp.Ret); rerr != nil {
		return 0, status.Errorf(rerr, "res_info", name)
	}
	return resp.Size, nil
}

// FetchTopology pulls the domain's own topology blob, named by the backend's
// domain table at registration time.
func (d *Device) FetchTopology(ctx context.Context, name string) ([]byte, error) {
	return d.FetchResource(ctx, wire.ResTopology, name)
}
