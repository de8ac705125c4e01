package server

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSessionNotFound is returned when no session exists for an id.
var ErrSessionNotFound = errors.New("session not found")

// Store persists sessions keyed by their opaque id.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, sess *Session, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

type memoryEntry struct {
	sess      Session
	expiresAt time.Time
}

// InMemoryStore keeps sessions in process memory.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]memoryEntry
	now      func() time.Time
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]memoryEntry),
		now:      time.Now,
	}
}

// Get retrieves a copy of a session by ID.
func (s *InMemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	entry, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	sess := entry.sess
	return &sess, nil
}

// Save stores or replaces a session.
func (s *InMemoryStore) Save(_ context.Context, sess *Session, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = memoryEntry{sess: *sess, expiresAt: s.now().Add(ttl)}
	return nil
}

// Delete removes a session.
func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// RemoveExpired drops every session whose TTL has elapsed.
func (s *InMemoryStore) RemoveExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, entry := range s.sessions {
		if now.After(entry.expiresAt) {
			delete(s.sessions, id)
		}
	}
}

// StartCleanup periodically evicts expired sessions until stop is closed.
func (s *InMemoryStore) StartCleanup(every time.Duration, stop <-chan struct{}) {
	if every <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RemoveExpired()
			case <-stop:
				return
			}
		}
	}()
}
