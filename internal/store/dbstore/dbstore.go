// Package dbstore is the reference DatabaseStore implementation: a
// per-document hierarchical structured-data store, list/push/read by path.
package dbstore

import (
	"context"
	"strings"
	"sync"

	"github.com/gravitational/trace"

	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

// Store is an in-process DatabaseStore: one ordered list per (docId, path).
type Store struct {
	mu   sync.RWMutex
	docs map[string]map[string][]any
}

// New returns an empty in-process DatabaseStore.
func New() *Store {
	return &Store{docs: make(map[string]map[string][]any)}
}

var _ store.DatabaseStore = (*Store)(nil)

func key(path string) string {
	return strings.Trim(path, "/")
}

func (s *Store) Push(ctx context.Context, docId, path string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docId]
	if !ok {
		doc = make(map[string][]any)
		s.docs[docId] = doc
	}
	doc[key(path)] = append(doc[key(path)], value)
	return nil
}

func (s *Store) List(ctx context.Context, docId, path string) ([]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[docId]
	if !ok {
		return nil, nil
	}
	out := make([]any, len(doc[key(path)]))
	copy(out, doc[key(path)])
	return out, nil
}

func (s *Store) Read(ctx context.Context, docId, path string) (any, error) {
	items, err := s.List(ctx, docId, path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(items) == 0 {
		return nil, trace.NotFound("path %q not found in document %q", path, docId)
	}
	return items[len(items)-1], nil
}
