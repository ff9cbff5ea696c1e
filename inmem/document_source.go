package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/influxdata/agency/kit/platform/errors"
)

// DocumentSource holds the current revision of each document of a shard and
// serves as the authoritative source for revision tree rebuilds.
type DocumentSource struct {
	mu   sync.RWMutex
	revs map[string]uint64
}

// NewDocumentSource returns an empty source.
func NewDocumentSource() *DocumentSource {
	return &DocumentSource{revs: make(map[string]uint64)}
}

// Put sets the revision of key and returns the revision it replaced, if any.
func (s *DocumentSource) Put(key string, rev uint64) (prev uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok = s.revs[key]
	s.revs[key] = rev
	return prev, ok
}

// Delete removes key and returns its last revision.
func (s *DocumentSource) Delete(key string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev, ok := s.revs[key]
	delete(s.revs, key)
	return rev, ok
}

// Truncate removes every document.
func (s *DocumentSource) Truncate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revs = make(map[string]uint64)
}

// Len returns the number of documents.
func (s *DocumentSource) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.revs)
}

// ForEachRevision calls fn for every document in key order.
func (s *DocumentSource) ForEachRevision(ctx context.Context, fn func(key string, rev uint64) error) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.revs))
	for k := range s.revs {
		keys = append(keys, k)
	}
	revs := make(map[string]uint64, len(s.revs))
	for k, v := range s.revs {
		revs[k] = v
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	for i, k := range keys {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return &errors.Error{Code: errors.ETimeout, Op: "inmem.ForEachRevision", Err: err}
			}
		}
		if err := fn(k, revs[k]); err != nil {
			return err
		}
	}
	return nil
}
