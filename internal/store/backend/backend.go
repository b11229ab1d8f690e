// Package backend defines the minimal key/value contract every StorageFacade
// reference implementation is built on, following the same layering the
// teacher uses in lib/services/local: typed services embed a narrow
// Backend and marshal/unmarshal their own resource types around it.
package backend

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
)

// NoLimit means "no limit on range size".
const NoLimit = 0

// Item is one key/value record. Expires is zero for records that never expire.
type Item struct {
	Key     []byte
	Value   []byte
	Expires time.Time
	ID      int64
}

// GetResult is the result of a range read.
type GetResult struct {
	Items []Item
}

// Backend is the narrow key/value contract shared by AuthStore, MetaStore and
// DatabaseStore reference implementations. A distributed backend (etcd,
// postgres, ...) can satisfy this without callers changing.
type Backend interface {
	// Get returns a single item by exact key.
	Get(ctx context.Context, key []byte) (*Item, error)
	// Put creates or overwrites an item, returns its assigned revision ID.
	Put(ctx context.Context, item Item) (int64, error)
	// CompareAndSwap atomically replaces expected with replaceWith, only
	// succeeding if the stored value under replaceWith.Key equals expected.Value.
	// Used by MetaStore.CreateAction to enforce the idempotent-key insert race.
	CompareAndSwap(ctx context.Context, expected, replaceWith Item) (*Item, error)
	// Create creates an item, failing with trace.AlreadyExists if the key exists.
	Create(ctx context.Context, item Item) (int64, error)
	// Delete removes an item by exact key.
	Delete(ctx context.Context, key []byte) error
	// GetRange returns all items in [startKey, endKey).
	GetRange(ctx context.Context, startKey, endKey []byte, limit int) (*GetResult, error)
	// DeleteRange removes all items in [startKey, endKey).
	DeleteRange(ctx context.Context, startKey, endKey []byte) error
}

// Key joins path components into a backend key using a separator byte, the
// same approach lib/services/local uses to build hierarchical keys.
func Key(parts ...string) []byte {
	var buf bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			buf.WriteByte('/')
		}
		buf.WriteString(p)
	}
	return buf.Bytes()
}

// RangeEnd returns the exclusive end key for a prefix range scan.
func RangeEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	// all 0xff: unbounded
	return []byte{0xff, 0xff, 0xff, 0xff}
}

// Memory is an in-process Backend, the reference implementation used by the
// bootstrap/standalone deployment mode.
type Memory struct {
	mu      sync.RWMutex
	items   map[string]Item
	nextID  int64
	cleanup *time.Ticker
	done    chan struct{}
}

// NewMemory constructs a Memory backend and starts its expiry sweep.
func NewMemory() *Memory {
	m := &Memory{
		items:   make(map[string]Item),
		cleanup: time.NewTicker(30 * time.Second),
		done:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Close stops the background expiry sweep.
func (m *Memory) Close() error {
	close(m.done)
	m.cleanup.Stop()
	return nil
}

func (m *Memory) sweep() {
	for {
		select {
		case <-m.done:
			return
		case now := <-m.cleanup.C:
			m.mu.Lock()
			for k, v := range m.items {
				if !v.Expires.IsZero() && now.After(v.Expires) {
					delete(m.items, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *Memory) isLive(item Item, now time.Time) bool {
	return item.Expires.IsZero() || now.After(item.Expires) == false
}

func (m *Memory) Get(_ context.Context, key []byte) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[string(key)]
	if !ok || !m.isLive(item, time.Now()) {
		return nil, trace.NotFound("key %q not found", key)
	}
	cp := item
	return &cp, nil
}

func (m *Memory) Put(_ context.Context, item Item) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	item.ID = m.nextID
	m.items[string(item.Key)] = item
	return item.ID, nil
}

func (m *Memory) Create(_ context.Context, item Item) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.items[string(item.Key)]; ok && m.isLive(existing, time.Now()) {
		return 0, trace.AlreadyExists("key %q already exists", item.Key)
	}
	m.nextID++
	item.ID = m.nextID
	m.items[string(item.Key)] = item
	return item.ID, nil
}

func (m *Memory) CompareAndSwap(_ context.Context, expected, replaceWith Item) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.items[string(expected.Key)]
	if !ok || !m.isLive(existing, time.Now()) {
		return nil, trace.CompareFailed("key %q does not exist", expected.Key)
	}
	if !bytes.Equal(existing.Value, expected.Value) {
		cp := existing
		return &cp, trace.CompareFailed("key %q has unexpected value", expected.Key)
	}
	m.nextID++
	replaceWith.ID = m.nextID
	m.items[string(replaceWith.Key)] = replaceWith
	return nil, nil
}

func (m *Memory) Delete(_ context.Context, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[string(key)]; !ok {
		return trace.NotFound("key %q not found", key)
	}
	delete(m.items, string(key))
	return nil
}

func (m *Memory) GetRange(_ context.Context, startKey, endKey []byte, limit int) (*GetResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	var out []Item
	for k, v := range m.items {
		kb := []byte(k)
		if bytes.Compare(kb, startKey) >= 0 && bytes.Compare(kb, endKey) < 0 && m.isLive(v, now) {
			out = append(out, v)
		}
	}
	// stable order for deterministic pagination
	sortItems(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return &GetResult{Items: out}, nil
}

func (m *Memory) DeleteRange(_ context.Context, startKey, endKey []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.items {
		kb := []byte(k)
		if bytes.Compare(kb, startKey) >= 0 && bytes.Compare(kb, endKey) < 0 {
			delete(m.items, k)
		}
	}
	return nil
}

func sortItems(items []Item) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && bytes.Compare(items[j-1].Key, items[j].Key) > 0; j-- {
			items[j-1], items[j] = items[j], items[j-1]
		}
	}
}
