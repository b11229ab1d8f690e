// Package busstore is the reference MessageBusStore implementation: an
// in-process online/offline table with "online-preferred, offline-fallback"
// semantics. A distributed implementation must preserve the same
// at-most-once-offline / at-least-once-online contract; this reference is
// explicitly single-process.
package busstore

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cloudillo/cloudillo-sub008/internal/store"
)

var log = logrus.WithFields(logrus.Fields{"component": "MessageBus"})

type sink func(msgType string, payload any)

// Store is an in-process MessageBusStore.
type Store struct {
	mu      sync.RWMutex
	online  map[string]map[int64]sink
	nextId  int64
	offline func(idTag, msgType string, payload any)
}

// New returns an empty in-process MessageBusStore.
func New() *Store {
	return &Store{online: make(map[string]map[int64]sink)}
}

var _ store.MessageBusStore = (*Store)(nil)

func (s *Store) RegisterOnline(idTag string, fn func(msgType string, payload any)) func() {
	s.mu.Lock()
	if s.online[idTag] == nil {
		s.online[idTag] = make(map[int64]sink)
	}
	s.nextId++
	id := s.nextId
	s.online[idTag][id] = fn
	s.mu.Unlock()

	log.Debugf("registered online sink %v for %v", id, idTag)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.online[idTag], id)
		if len(s.online[idTag]) == 0 {
			delete(s.online, idTag)
		}
	}
}

func (s *Store) SetOfflineHandler(handler func(idTag, msgType string, payload any)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = handler
}

// Publish delivers to every online sink for idTag. With zero online sinks,
// the offline handler (if any) is invoked exactly once.
func (s *Store) Publish(idTag, msgType string, payload any) {
	s.mu.RLock()
	sinks := s.online[idTag]
	offline := s.offline
	s.mu.RUnlock()

	if len(sinks) == 0 {
		if offline != nil {
			offline(idTag, msgType, payload)
		}
		return
	}
	for _, fn := range sinks {
		fn(msgType, payload)
	}
}
