package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrRunNotFound is returned for unknown or expired run IDs.
	ErrRunNotFound = errors.New("run not found")
)

// Store is an in-memory run store with TTL support. It hands out clones so
// readers never observe a run mid-update.
type Store struct {
	runs           map[string]*Run
	idempotencyMap map[string]string // idempotency_key -> run_id
	mu             sync.RWMutex
	logger         *zap.Logger
	stopCleanup    chan struct{}
	stopOnce       sync.Once
}

// NewStore creates a new run store and starts its cleanup loop
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		runs:           make(map[string]*Run),
		idempotencyMap: make(map[string]string),
		logger:         logger,
		stopCleanup:    make(chan struct{}),
	}

	go s.cleanupLoop(time.Hour)

	return s
}

func (s *Store) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanupExpired removes expired runs
func (s *Store) cleanupExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for runID, run := range s.runs {
		if run.IsExpired() {
			s.forgetKey(run)
			delete(s.runs, runID)
			deleted++
		}
	}

	if deleted > 0 {
		s.logger.Info("Cleaned up expired runs", zap.Int("count", deleted))
	}
}

// Stop stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// Save saves a run to the store
func (s *Store) Save(run *Run) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = run.Clone()
	if run.IdempotencyKey != "" {
		s.idempotencyMap[run.IdempotencyKey] = run.ID
	}
}

// SaveIfAbsent saves run unless a live run already holds its idempotency
// key, in which case the existing run is returned.
func (s *Store) SaveIfAbsent(run *Run) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.IdempotencyKey != "" {
		if id, ok := s.idempotencyMap[run.IdempotencyKey]; ok {
			if existing, ok := s.runs[id]; ok && !existing.IsExpired() {
				return existing.Clone(), true
			}
		}
		s.idempotencyMap[run.IdempotencyKey] = run.ID
	}
	s.runs[run.ID] = run.Clone()
	return run, false
}

// Get retrieves a run by ID
func (s *Store) Get(runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok || run.IsExpired() {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run.Clone(), nil
}

// Update applies fn to the stored run under the store lock and returns the
// updated copy.
func (s *Store) Update(runID string, fn func(*Run)) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	fn(run)
	return run.Clone(), nil
}

// Delete removes a run from the store
func (s *Store) Delete(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run, ok := s.runs[runID]; ok {
		s.forgetKey(run)
	}
	delete(s.runs, runID)
}

// forgetKey drops run's idempotency mapping unless a newer run took it over.
func (s *Store) forgetKey(run *Run) {
	if run.IdempotencyKey != "" && s.idempotencyMap[run.IdempotencyKey] == run.ID {
		delete(s.idempotencyMap, run.IdempotencyKey)
	}
}

// List returns all live runs
func (s *Store) List() []*Run {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*Run, 0, len(s.runs))
	for _, run := range s.runs {
		if !run.IsExpired() {
			runs = append(runs, run.Clone())
		}
	}
	return runs
}
