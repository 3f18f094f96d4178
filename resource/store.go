// Package resource serves firmware, library, and topology blobs to guest
// domains over the two-phase transfer protocol: the guest first asks for the
// size, allocates a region, then asks for the blob to be copied in.
package resource

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pithecene-io/virtsnd/status"
	"github.com/pithecene-io/virtsnd/wire"
)

type resKey struct {
	typ  uint32
	name string
}

// Store holds the loadable blobs, keyed by (type, name).
type Store struct {
	mu    sync.RWMutex
	blobs map[resKey][]byte
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{blobs: make(map[resKey][]byte)}
}

func subdir(typ uint32) string {
	switch typ {
	case wire.ResFirmware:
		return "firmware"
	case wire.ResLibrary:
		return "library"
	case wire.ResTopology:
		return "topology"
	default:
		return ""
	}
}

// Open loads every blob under dir. Each resource type reads from its own
// subdirectory; missing subdirectories are skipped.
func Open(dir string) (*Store, error) {
	s := NewStore()
	for _, typ := range []uint32{wire.ResFirmware, wire.ResLibrary, wire.ResTopology} {
		sub := filepath.Join(dir, subdir(typ))
		entries, err := os.ReadDir(sub)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, status.Wrap(status.ErrInvalidArgument, "resource_open", sub, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			b, err := os.ReadFile(filepath.Join(sub, e.Name()))
			if err != nil {
				return nil, status.Wrap(status.ErrInvalidArgument, "resource_open", e.Name(), err)
			}
			s.Put(typ, e.Name(), b)
		}
	}
	return s, nil
}

// Put registers or replaces a blob.
func (s *Store) Put(typ uint32, name string, data []byte) {
	s.mu.Lock()
	s.blobs[resKey{typ, name}] = data
	s.mu.Unlock()
}

// Info reports the size of a blob. Phase one of a transfer.
func (s *Store) Info(typ uint32, name string) (uint64, error) {
	s.mu.RLock()
	b, ok := s.blobs[resKey{typ, name}]
	s.mu.RUnlock()
	if !ok {
		return 0, status.Errorf(status.ErrNotFound, "resource_info", name)
	}
	return uint64(len(b)), nil
}

// ReadInto copies a blob into dst. Phase two of a transfer: the blob is
// re-resolved, and a size that no longer matches the region fails with
// SizeMismatch rather than truncating. The call is idempotent.
func (s *Store) ReadInto(typ uint32, name string, dst []byte) error {
	s.mu.RLock()
	b, ok := s.blobs[resKey{typ, name}]
	s.mu.RUnlock()
	if !ok {
		return status.Errorf(status.ErrNotFound, "resource_desc", name)
	}
	if len(b) != len(dst) {
		return status.Errorf(status.ErrSizeMismatch, "resource_desc", name)
	}
	copy(dst, b)
	return nil
}
