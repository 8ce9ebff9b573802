// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package bstore

import (
	"os"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/gaissmai/bptree/oid"
)

// FileStore is an append-only block allocator over a regular file.
// Every write begins at the current append pointer; the pointer
// advances in whole blocks, rounding each item's serialized size up
// to the next block boundary. There is no header, no index, and no
// free list — removed objects simply leak their blocks until the
// file is discarded, matching the best-effort, non-transactional
// persistence this index provides.
type FileStore struct {
	f         *os.File
	blockSize uint16
	next      atomic.Uint64
}

// OpenFileStore opens (creating if necessary) path as a block file
// with the given block size. sizeBytes pre-truncates the file so
// later writes never need to grow it one page at a time; a zero
// sizeBytes leaves the file to grow organically.
func OpenFileStore(path string, blockSize uint16, sizeBytes int64) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "bstore: open file store %q", path)
	}

	if sizeBytes > 0 {
		if err := f.Truncate(sizeBytes); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "bstore: truncate file store %q to %d bytes", path, sizeBytes)
		}
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "bstore: stat file store")
	}

	fs := &FileStore{f: f, blockSize: blockSize}
	// The append pointer always starts at offset 0, whatever is
	// already on disk: re-opening an existing populated file without
	// an external catalog of live OIDs has no way to know the true
	// append point, so new batches overwrite from the start of the
	// file. This core does not specify a durable-reopen bootstrap.
	_ = fi
	return fs, nil
}

func (s *FileStore) BlockSize() uint16       { return s.blockSize }
func (s *FileStore) StorageType() oid.Medium { return oid.File }
func (s *FileStore) NextBlockOffset() uint64 { return s.next.Load() }

func (s *FileStore) ReadObject(o oid.OID) ([]byte, error) {
	if o.Medium() != oid.File {
		return nil, errors.Errorf("bstore: file store asked to read %s medium OID", o.Medium())
	}

	offset, size := o.OffsetSize()
	buf := make([]byte, size)
	if _, err := s.f.ReadAt(buf, int64(offset)); err != nil {
		return nil, errors.Wrapf(err, "bstore: read object at offset %d size %d", offset, size)
	}
	return buf, nil
}

// WriteBatch appends each item's payload at the offset already
// recorded in its OID (computed by the caller via PrepareOffsets and
// baked into the item's OID before this call), then advances the
// append pointer to newOffset.
func (s *FileStore) WriteBatch(items []Item, newOffset uint64) error {
	for _, it := range items {
		if it.OID.Medium() != oid.File {
			return errors.Errorf("bstore: file store asked to write %s medium OID", it.OID.Medium())
		}
		offset, size := it.OID.OffsetSize()
		if int(size) != len(it.Payload) {
			return errors.Errorf("bstore: item OID size %d does not match payload length %d", size, len(it.Payload))
		}
		if _, err := s.f.WriteAt(it.Payload, int64(offset)); err != nil {
			return errors.Wrapf(err, "bstore: write object at offset %d", offset)
		}
	}

	if err := s.f.Sync(); err != nil {
		return errors.Wrap(err, "bstore: fsync after batch write")
	}

	s.next.Store(newOffset)
	return nil
}

func (s *FileStore) Remove(oid.OID) error { return nil }

func (s *FileStore) Close() error {
	return errors.Wrap(s.f.Close(), "bstore: close file store")
}
