// Package metadata implements the file registry behind the cache: a
// transactional key-value store of upload records keyed by content
// hash. The production implementation persists to a single JSON file
// with fsync and atomic replacement; an in-memory variant backs tests.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/maresync/distcache/internal/cache"
)

// registryFilename is the on-disk name of the registry below the data
// directory.
const registryFilename = "registry.json"

// FileStore is a MetadataStore persisted as a JSON file. All access is
// serialized; commits replace the file atomically after fsync so a
// crash never leaves a torn registry.
type FileStore struct {
	path string

	mu      sync.Mutex
	records map[string]cache.FileRecord // keyed by uppercased hash
}

// OpenFileStore loads (or creates) the registry below dir.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	s := &FileStore{
		path:    filepath.Join(dir, registryFilename),
		records: make(map[string]cache.FileRecord),
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	var records []cache.FileRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	for _, r := range records {
		s.records[strings.ToUpper(r.Hash)] = r
	}
	return s, nil
}

// Put inserts or replaces a record. This is the upload subsystem's
// entry point and takes effect immediately.
func (s *FileStore) Put(rec cache.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Hash = strings.ToUpper(rec.Hash)
	s.records[rec.Hash] = rec
	return s.flushLocked()
}

// Get returns the record for hash.
func (s *FileStore) Get(hash string) (cache.FileRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[strings.ToUpper(hash)]
	return rec, ok
}

// Len returns the number of records.
func (s *FileStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Begin implements cache.MetadataStore. The transaction operates on a
// snapshot; staged mutations apply on Commit.
func (s *FileStore) Begin(ctx context.Context) (cache.MetadataTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make([]cache.FileRecord, 0, len(s.records))
	for _, r := range s.records {
		snapshot = append(snapshot, r)
	}
	return &fileTx{
		store:    s,
		snapshot: snapshot,
		sizes:    make(map[string]int64),
		deletes:  make(map[string]struct{}),
	}, nil
}

// apply merges staged mutations and persists.
func (s *FileStore) apply(deletes map[string]struct{}, sizes map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for hash := range deletes {
		delete(s.records, hash)
	}
	for hash, size := range sizes {
		if rec, ok := s.records[hash]; ok {
			rec.Size = size
			s.records[hash] = rec
		}
	}
	return s.flushLocked()
}

// flushLocked writes the registry to disk via a staged sibling and an
// atomic rename, with fsync for durability.
func (s *FileStore) flushLocked() error {
	records := make([]cache.FileRecord, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create registry temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write registry: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync registry: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close registry temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}

// fileTx stages mutations against a FileStore snapshot.
type fileTx struct {
	store    *FileStore
	snapshot []cache.FileRecord
	sizes    map[string]int64
	deletes  map[string]struct{}
}

// List implements cache.MetadataTx.
func (t *fileTx) List() []cache.FileRecord {
	out := make([]cache.FileRecord, len(t.snapshot))
	copy(out, t.snapshot)
	return out
}

// Delete implements cache.MetadataTx.
func (t *fileTx) Delete(hash string) {
	hash = strings.ToUpper(hash)
	t.deletes[hash] = struct{}{}
	delete(t.sizes, hash)
}

// SetSize implements cache.MetadataTx.
func (t *fileTx) SetSize(hash string, size int64) {
	hash = strings.ToUpper(hash)
	if _, gone := t.deletes[hash]; gone {
		return
	}
	t.sizes[hash] = size
}

// Commit implements cache.MetadataTx. Staged mutations are flushed and
// cleared, so further staging continues from a clean slate.
func (t *fileTx) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.store.apply(t.deletes, t.sizes); err != nil {
		return err
	}
	t.deletes = make(map[string]struct{})
	t.sizes = make(map[string]int64)
	return nil
}
