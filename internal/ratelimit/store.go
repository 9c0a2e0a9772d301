package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store persists attempt records. Get returns (nil, nil) for an unknown key.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Set(ctx context.Context, key string, rec Record) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore keeps records in process memory. A background sweep evicts
// records whose last attempt is older than maxAge, so memory stays bounded
// even when callers never come back.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	maxAge  time.Duration
	nowFunc func() time.Time // injectable clock for testing

	stop      chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore creates a store and starts its sweep, which runs every
// interval. Call Close to stop it.
func NewMemoryStore(interval, maxAge time.Duration) *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]Record),
		maxAge:  maxAge,
		nowFunc: time.Now,
		stop:    make(chan struct{}),
	}
	go s.cleanupLoop(interval)
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = rec
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// MaxAge is how long a record survives without a new attempt.
func (s *MemoryStore) MaxAge() time.Duration {
	return s.maxAge
}

// Close stops the sweep. It is safe to call more than once.
func (s *MemoryStore) Close() {
	s.closeOnce.Do(func() { close(s.stop) })
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stop:
			return
		}
	}
}

// cleanup evicts records whose last attempt is older than maxAge.
func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	for key, rec := range s.records {
		if now.Sub(rec.LastAttempt) > s.maxAge {
			delete(s.records, key)
		}
	}
}

// len returns the number of tracked keys (used in tests).
func (s *MemoryStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
