// Package shmem provides the byte regions shared between domains: position
// descriptor records and resource transfer destinations.
//
// An anonymous region serves endpoints in one address space; on Linux a
// file-backed mapping (see MapFile) lets two processes share the same bytes.
package shmem

import "github.com/pithecene-io/virtsnd/status"

// Region is a contiguous shared byte range.
type Region struct {
	b       []byte
	unmapFn func() error
}

// NewAnon allocates a private region of the given size.
func NewAnon(size int) (*Region, error) {
	if size <= 0 {
		return nil, status.Errorf(status.ErrInvalidArgument, "shmem", "non-positive size")
	}
	return &Region{b: make([]byte, size)}, nil
}

// Bytes exposes the underlying region.
func (r *Region) Bytes() []byte {
	return r.b
}

// Size returns the region length in bytes.
func (r *Region) Size() int {
	return len(r.b)
}

// Close releases the mapping, if any.
func (r *Region) Close() error {
	r.b = nil
	if r.unmapFn != nil {
		fn := r.unmapFn
		r.unmapFn = nil
		return fn()
	}
	return nil
}
