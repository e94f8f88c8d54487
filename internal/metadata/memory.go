package metadata

import (
	"context"
	"strings"
	"sync"

	"github.com/maresync/distcache/internal/cache"
)

// MemStore is an in-memory MetadataStore used by tests and by
// deployments that rebuild the registry on startup.
type MemStore struct {
	mu      sync.Mutex
	records map[string]cache.FileRecord
	commits int
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]cache.FileRecord)}
}

// Put inserts or replaces a record.
func (s *MemStore) Put(rec cache.FileRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Hash = strings.ToUpper(rec.Hash)
	s.records[rec.Hash] = rec
}

// Get returns the record for hash.
func (s *MemStore) Get(hash string) (cache.FileRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[strings.ToUpper(hash)]
	return rec, ok
}

// Len returns the number of records.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Commits returns how many transaction commits have been applied.
func (s *MemStore) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// Begin implements cache.MetadataStore.
func (s *MemStore) Begin(ctx context.Context) (cache.MetadataTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make([]cache.FileRecord, 0, len(s.records))
	for _, r := range s.records {
		snapshot = append(snapshot, r)
	}
	return &memTx{
		store:    s,
		snapshot: snapshot,
		sizes:    make(map[string]int64),
		deletes:  make(map[string]struct{}),
	}, nil
}

func (s *MemStore) apply(deletes map[string]struct{}, sizes map[string]int64) {
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
	s.commits++
}

type memTx struct {
	store    *MemStore
	snapshot []cache.FileRecord
	sizes    map[string]int64
	deletes  map[string]struct{}
}

func (t *memTx) List() []cache.FileRecord {
	out := make([]cache.FileRecord, len(t.snapshot))
	copy(out, t.snapshot)
	return out
}

func (t *memTx) Delete(hash string) {
	hash = strings.ToUpper(hash)
	t.deletes[hash] = struct{}{}
	delete(t.sizes, hash)
}

func (t *memTx) SetSize(hash string, size int64) {
	hash = strings.ToUpper(hash)
	if _, gone := t.deletes[hash]; gone {
		return
	}
	t.sizes[hash] = size
}

func (t *memTx) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.store.apply(t.deletes, t.sizes)
	t.deletes = make(map[string]struct{})
	t.sizes = make(map[string]int64)
	return nil
}
