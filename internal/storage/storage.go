// Package storage implements the local data-file + index-file pair that
// backs the file-backed segments the background reader streams from
// (component B). It is a minimal, local-only package: no S3/GCS
// backend is reachable from this engine (StorageManager, out of scope, owns
// that resolution), so only a local-file shape survives: Create/Open,
// append-only writes, offset reads, a full index read, Stat, and Close.
package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/shuffleio/mergeengine/mergeerrors"
)

// Pair is an open (data file, index file) pair for one partition, the
// local-storage side of the StorageManager collaborator contract.
type Pair struct {
	DataPath  string
	IndexPath string

	data  *os.File
	index *os.File
}

// Create creates a fresh data/index pair at the given paths, truncating any
// existing content. Used when a partition starts its merge.
func Create(dataPath, indexPath string) (*Pair, error) {
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o777); err != nil {
		return nil, mergeerrors.E(mergeerrors.Internal, err, "storage: mkdir")
	}
	data, err := os.OpenFile(dataPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return nil, mergeerrors.E(mergeerrors.Internal, err, "storage: create data file")
	}
	index, err := os.OpenFile(indexPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		_ = data.Close()
		return nil, mergeerrors.E(mergeerrors.Internal, err, "storage: create index file")
	}
	return &Pair{DataPath: dataPath, IndexPath: indexPath, data: data, index: index}, nil
}

// Open opens an existing data/index pair for reading, e.g. when a reader
// resolves a partition whose merge has already produced output.
func Open(dataPath, indexPath string) (*Pair, error) {
	data, err := os.Open(dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, mergeerrors.E(mergeerrors.NotExist, err, "storage: open data file")
		}
		return nil, mergeerrors.E(mergeerrors.Internal, err, "storage: open data file")
	}
	index, err := os.Open(indexPath)
	if err != nil {
		_ = data.Close()
		if os.IsNotExist(err) {
			return nil, mergeerrors.E(mergeerrors.NotExist, err, "storage: open index file")
		}
		return nil, mergeerrors.E(mergeerrors.Internal, err, "storage: open index file")
	}
	return &Pair{DataPath: dataPath, IndexPath: indexPath, data: data, index: index}, nil
}

// AppendData appends b to the data file, returning the offset it was
// written at. The data file is append-only on the writer side.
//
// In production this engine only reads data/index pairs: the actual flush
// to disk is the external BufferManager's job. AppendData, AppendIndex, and
// Stat exist so tests can simulate that flush collaborator directly against
// a Pair rather than needing a BufferManager fake.
func (p *Pair) AppendData(b []byte) (offset int64, err error) {
	off, err := p.data.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, mergeerrors.E(mergeerrors.Internal, err, "storage: seek data file")
	}
	if _, err := p.data.Write(b); err != nil {
		return 0, mergeerrors.E(mergeerrors.Internal, err, "storage: write data file")
	}
	return off, nil
}

// AppendIndex appends an already-encoded index record to the index file.
func (p *Pair) AppendIndex(b []byte) error {
	if _, err := p.index.Seek(0, io.SeekEnd); err != nil {
		return mergeerrors.E(mergeerrors.Internal, err, "storage: seek index file")
	}
	if _, err := p.index.Write(b); err != nil {
		return mergeerrors.E(mergeerrors.Internal, err, "storage: write index file")
	}
	return nil
}

// ReadAt reads length bytes at offset from the data file, analogous to the
// teacher's File.OffsetReader but synchronous: used by the blockfile reader
// to fetch file-backed segment data one chunk at a time.
func (p *Pair) ReadAt(offset int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := p.data.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, mergeerrors.E(mergeerrors.Internal, err, "storage: read data file")
	}
	return buf, nil
}

// ReadIndex reads and returns the full current contents of the index file.
// Callers decode it with collab.DecodeIndex.
func (p *Pair) ReadIndex() ([]byte, error) {
	if _, err := p.index.Seek(0, io.SeekStart); err != nil {
		return nil, mergeerrors.E(mergeerrors.Internal, err, "storage: seek index file")
	}
	b, err := io.ReadAll(p.index)
	if err != nil {
		return nil, mergeerrors.E(mergeerrors.Internal, err, "storage: read index file")
	}
	return b, nil
}

// Stat reports the current size of the data file.
func (p *Pair) Stat() (size int64, err error) {
	info, err := p.data.Stat()
	if err != nil {
		return 0, mergeerrors.E(mergeerrors.Internal, err, "storage: stat data file")
	}
	return info.Size(), nil
}

// Close closes both underlying file descriptors and returns the first error;
// if both closes fail, the second error is discarded — mirrors the merge
// driver's swallow-secondary-errors contract at the storage layer.
func (p *Pair) Close(context.Context) error {
	err := p.data.Close()
	if e := p.index.Close(); e != nil && err == nil {
		err = e
	}
	return err
}
