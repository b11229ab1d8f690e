// Package crdtstore is the reference CRDTStore implementation: an
// append-only update log per document plus periodic snapshot compaction.
package crdtstore

import (
	"context"
	"sync"

	"github.com/gravitational/trace"

	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

type docLog struct {
	mu       sync.Mutex
	updates  [][]byte
	snapshot []byte
	hasSnap  bool
}

// Store is an in-process CRDTStore. A persistent backend would replace the
// in-memory map with append-to-file/compact-on-snapshot logic; the contract
// is identical either way.
type Store struct {
	mu   sync.RWMutex
	docs map[string]*docLog
}

// New returns an empty in-process CRDTStore.
func New() *Store {
	return &Store{docs: make(map[string]*docLog)}
}

var _ store.CRDTStore = (*Store)(nil)

func (s *Store) doc(docId string) *docLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[docId]
	if !ok {
		d = &docLog{}
		s.docs[docId] = d
	}
	return d
}

func (s *Store) AppendUpdate(ctx context.Context, docId string, update []byte) error {
	if len(update) == 0 {
		return trace.BadParameter("empty update")
	}
	d := s.doc(docId)
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(update))
	copy(cp, update)
	d.updates = append(d.updates, cp)
	return nil
}

func (s *Store) LoadUpdates(ctx context.Context, docId string) ([][]byte, error) {
	d := s.doc(docId)
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.updates))
	copy(out, d.updates)
	return out, nil
}

// Snapshot compacts the update log: state replaces all previously recorded
// updates, matching how a room flushes on last-client-leaves eviction.
func (s *Store) Snapshot(ctx context.Context, docId string, state []byte) error {
	d := s.doc(docId)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snapshot = append([]byte(nil), state...)
	d.hasSnap = true
	d.updates = nil
	return nil
}

func (s *Store) LoadSnapshot(ctx context.Context, docId string) ([]byte, bool, error) {
	d := s.doc(docId)
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasSnap {
		return nil, false, nil
	}
	return append([]byte(nil), d.snapshot...), true, nil
}
