package cache

import (
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/tidwall/btree"
)

const shardCount = 32

type shard struct {
	mu      sync.RWMutex
	records *btree.Map[string, FileRecord]
}

// Store maps absolute paths to FileRecords. It is safe for concurrent use:
// keys are spread over independently locked shards so that workers touching
// different files rarely contend.
type Store struct {
	shards [shardCount]shard
}

// NewStore returns an empty store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i].records = btree.NewMap[string, FileRecord](0)
	}
	return s
}

// NewStoreFrom returns a store seeded with records. Later duplicates win.
func NewStoreFrom(records []FileRecord) *Store {
	s := NewStore()
	for _, record := range records {
		s.Upsert(record)
	}
	return s
}

func (s *Store) shardFor(path string) *shard {
	return &s.shards[xxhash.Sum64String(path)%shardCount]
}

// Get returns the record stored for path.
func (s *Store) Get(path string) (FileRecord, bool) {
	path = filepath.Clean(path)
	sh := s.shardFor(path)
	sh.mu.RLock()
	record, ok := sh.records.Get(path)
	sh.mu.RUnlock()
	return record, ok
}

// Upsert inserts or replaces the record for record.Path.
func (s *Store) Upsert(record FileRecord) {
	record.Path = filepath.Clean(record.Path)
	sh := s.shardFor(record.Path)
	sh.mu.Lock()
	sh.records.Set(record.Path, record)
	sh.mu.Unlock()
}

// Delete removes the record for path and reports whether one existed.
func (s *Store) Delete(path string) bool {
	path = filepath.Clean(path)
	sh := s.shardFor(path)
	sh.mu.Lock()
	_, ok := sh.records.Delete(path)
	sh.mu.Unlock()
	return ok
}

// Len returns the number of records.
func (s *Store) Len() int {
	total := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		total += sh.records.Len()
		sh.mu.RUnlock()
	}
	return total
}

// Snapshot returns every record sorted by path.
func (s *Store) Snapshot() []FileRecord {
	records := make([]FileRecord, 0, s.Len())
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		sh.records.Scan(func(_ string, record FileRecord) bool {
			records = append(records, record)
			return true
		})
		sh.mu.RUnlock()
	}
	slices.SortFunc(records, func(a, b FileRecord) int {
		return strings.Compare(a.Path, b.Path)
	})
	return records
}

// Paths returns every stored path, sorted.
func (s *Store) Paths() []string {
	snapshot := s.Snapshot()
	paths := make([]string, len(snapshot))
	for i, record := range snapshot {
		paths[i] = record.Path
	}
	return paths
}
