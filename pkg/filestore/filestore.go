// Package filestore deduplicates file bytes by content hash before they are
// attached to a snapshot.
package filestore

import (
	"context"
	"sync"

	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/domain"
)

// Sweeper removes persisted contents that no file references anymore and
// reports the hashes it removed.
type Sweeper interface {
	DeleteOrphanContents(ctx context.Context) ([]string, error)
}

// Store is a content-addressed cache of FileContent values. Identical bytes always
// resolve to the same *FileContent, so every snapshot referencing them shares one row.
type Store struct {
	mu     sync.Mutex
	known  map[string]*domain.FileContent
	staged map[string]*domain.FileContent
}

// New creates an empty store.
func New() *Store {
	return &Store{
		known:  make(map[string]*domain.FileContent),
		staged: make(map[string]*domain.FileContent),
	}
}

// Hash returns the content address of data.
func (s *Store) Hash(data []byte) string {
	return domain.HashContent(data)
}

// Put hashes data and stores it.
func (s *Store) Put(data []byte) *domain.FileContent {
	return s.Store(domain.HashContent(data), data)
}

// Store inserts content under hash unless it is already known, in which case the
// existing reference is returned. New contents are staged for the next commit.
func (s *Store) Store(hash string, data []byte) *domain.FileContent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.known[hash]; ok {
		return c
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c := &domain.FileContent{ID: hash, Content: buf}
	s.known[hash] = c
	s.staged[hash] = c
	return c
}

// Adopt registers contents that were loaded from persistence. They are not staged.
func (s *Store) Adopt(contents ...*domain.FileContent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range contents {
		if existing, ok := s.known[c.ID]; ok && existing != c {
			continue
		}
		s.known[c.ID] = c
	}
}

// Lookup returns the content for hash, if known.
func (s *Store) Lookup(hash string) (*domain.FileContent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.known[hash]
	return c, ok
}

// Staged returns the contents created since the last MarkPersisted.
func (s *Store) Staged() []*domain.FileContent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.FileContent, 0, len(s.staged))
	for _, c := range s.staged {
		out = append(out, c)
	}
	return out
}

// MarkPersisted clears the staging set after a successful commit.
func (s *Store) MarkPersisted(contents []*domain.FileContent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range contents {
		delete(s.staged, c.ID)
	}
}

// DeleteOrphans runs the reference-counted sweep and evicts the removed hashes.
func (s *Store) DeleteOrphans(ctx context.Context, sweeper Sweeper) (int, error) {
	removed, err := sweeper.DeleteOrphanContents(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range removed {
		if _, pending := s.staged[h]; pending {
			continue
		}
		delete(s.known, h)
	}
	return len(removed), nil
}

// Reset forgets every cached and staged content.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.known = make(map[string]*domain.FileContent)
	s.staged = make(map[string]*domain.FileContent)
}

// Discard drops staged contents that will never be persisted.
func (s *Store) Discard(contents []*domain.FileContent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range contents {
		if _, ok := s.staged[c.ID]; !ok {
			continue
		}
		delete(s.staged, c.ID)
		delete(s.known, c.ID)
	}
}
