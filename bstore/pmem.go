// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package bstore

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/gaissmai/bptree/oid"
)

// PMemStore is an append-only block allocator over a persistent-memory
// region, realized here as a regular file mmap'd with unix.Mmap — the
// same mechanism a real PMem-aware build would use over a DAX mount.
// Writes go directly into the mapped byte slice; Msync is the
// best-effort flush to the backing medium (there is no WAL, so a
// crash between Msync calls can lose the most recent batch).
type PMemStore struct {
	f         *os.File
	blockSize uint16
	next      atomic.Uint64

	mu   sync.RWMutex // guards data against Close unmapping it mid-read/write
	data []byte
}

// OpenPMemStore opens path, truncates it to sizeBytes, and mmaps the
// whole region read/write.
func OpenPMemStore(path string, blockSize uint16, sizeBytes int64) (*PMemStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "bstore: open pmem store %q", path)
	}

	if sizeBytes <= 0 {
		f.Close()
		return nil, errors.New("bstore: pmem store requires a positive storage size")
	}

	if err := f.Truncate(sizeBytes); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "bstore: truncate pmem store %q to %d bytes", path, sizeBytes)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(sizeBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "bstore: mmap pmem store")
	}

	return &PMemStore{f: f, blockSize: blockSize, data: data}, nil
}

func (s *PMemStore) BlockSize() uint16       { return s.blockSize }
func (s *PMemStore) StorageType() oid.Medium { return oid.PMem }
func (s *PMemStore) NextBlockOffset() uint64 { return s.next.Load() }

func (s *PMemStore) ReadObject(o oid.OID) ([]byte, error) {
	if o.Medium() != oid.PMem {
		return nil, errors.Errorf("bstore: pmem store asked to read %s medium OID", o.Medium())
	}

	offset, size := o.OffsetSize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if uint64(offset)+uint64(size) > uint64(len(s.data)) {
		return nil, errors.Errorf("bstore: object range [%d,%d) exceeds mapped size %d", offset, offset+size, len(s.data))
	}

	buf := make([]byte, size)
	copy(buf, s.data[offset:offset+size])
	return buf, nil
}

// WriteBatch copies each item's payload directly into the mapping at
// its pre-assigned offset, then issues one Msync over the whole
// mapping and advances the append pointer.
func (s *PMemStore) WriteBatch(items []Item, newOffset uint64) error {
	s.mu.RLock()
	for _, it := range items {
		if it.OID.Medium() != oid.PMem {
			s.mu.RUnlock()
			return errors.Errorf("bstore: pmem store asked to write %s medium OID", it.OID.Medium())
		}
		offset, size := it.OID.OffsetSize()
		if uint64(offset)+uint64(size) > uint64(len(s.data)) {
			s.mu.RUnlock()
			return errors.Errorf("bstore: item range [%d,%d) exceeds mapped size %d", offset, offset+size, len(s.data))
		}
		copy(s.data[offset:offset+size], it.Payload)
	}
	err := unix.Msync(s.data, unix.MS_SYNC)
	s.mu.RUnlock()

	if err != nil {
		return errors.Wrap(err, "bstore: msync pmem store")
	}

	s.next.Store(newOffset)
	return nil
}

func (s *PMemStore) Remove(oid.OID) error { return nil }

func (s *PMemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := unix.Msync(s.data, unix.MS_SYNC); err != nil {
		return errors.Wrap(err, "bstore: final msync on close")
	}
	if err := unix.Munmap(s.data); err != nil {
		return errors.Wrap(err, "bstore: munmap pmem store")
	}
	return errors.Wrap(s.f.Close(), "bstore: close pmem store file")
}
