package governance

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansa/internal/model"
)

// WindowStore persists window snapshots so status lookups survive eviction
// from memory and restarts. Saves are upserts keyed by window ID.
type WindowStore interface {
	SaveWindow(ctx context.Context, w model.DecisionWindow) error
	GetWindow(ctx context.Context, id uuid.UUID) (model.DecisionWindow, error)
	GetWindowByRequest(ctx context.Context, requestID uuid.UUID) (model.DecisionWindow, error)
}

// MemoryWindowStore is a WindowStore backed by a map.
type MemoryWindowStore struct {
	mu        sync.RWMutex
	windows   map[uuid.UUID]model.DecisionWindow
	byRequest map[uuid.UUID]uuid.UUID
}

// NewMemoryWindowStore returns an empty store.
func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{
		windows:   make(map[uuid.UUID]model.DecisionWindow),
		byRequest: make(map[uuid.UUID]uuid.UUID),
	}
}

func (s *MemoryWindowStore) SaveWindow(_ context.Context, w model.DecisionWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[w.ID] = w.Clone()
	s.byRequest[w.Request.ID] = w.ID
	return nil
}

func (s *MemoryWindowStore) GetWindow(_ context.Context, id uuid.UUID) (model.DecisionWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[id]
	if !ok {
		return model.DecisionWindow{}, fmt.Errorf("window %s: %w", id, model.ErrNotFound)
	}
	return w.Clone(), nil
}

func (s *MemoryWindowStore) GetWindowByRequest(ctx context.Context, requestID uuid.UUID) (model.DecisionWindow, error) {
	s.mu.RLock()
	id, ok := s.byRequest[requestID]
	s.mu.RUnlock()
	if !ok {
		return model.DecisionWindow{}, fmt.Errorf("request %s: %w", requestID, model.ErrNotFound)
	}
	return s.GetWindow(ctx, id)
}
