// Package memory provides in-process implementations of the domain stores,
// used by paper trading and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/riskpilot/internal/domain"
)

// PositionStore is an in-memory implementation of domain.PositionStore.
type PositionStore struct {
	mu   sync.RWMutex
	data map[string]*domain.ManagedPosition
	now  func() time.Time
}

// NewPositionStore creates an empty in-memory position store.
func NewPositionStore() *PositionStore {
	return &PositionStore{
		data: make(map[string]*domain.ManagedPosition),
		now:  time.Now,
	}
}

// Create adds a new position. A duplicate id is a validation error.
func (s *PositionStore) Create(_ context.Context, pos domain.ManagedPosition) error {
	if pos.ID == "" {
		return fmt.Errorf("memory: create position: empty id: %w", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[pos.ID]; exists {
		return fmt.Errorf("memory: create position %q: duplicate id: %w", pos.ID, domain.ErrValidation)
	}
	now := s.now().UTC()
	if pos.CreatedAt.IsZero() {
		pos.CreatedAt = now
	}
	pos.UpdatedAt = now
	c := clone(pos)
	s.data[pos.ID] = &c
	return nil
}

// Get retrieves a position by id.
func (s *PositionStore) Get(_ context.Context, id string) (domain.ManagedPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.data[id]
	if !ok {
		return domain.ManagedPosition{}, fmt.Errorf("memory: get position %q: %w", id, domain.ErrNotFound)
	}
	return clone(*p), nil
}

// ListByStatus returns positions in any of the given statuses, oldest first.
// No statuses means all positions.
func (s *PositionStore) ListByStatus(_ context.Context, statuses ...domain.PositionStatus) ([]domain.ManagedPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[domain.PositionStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	result := make([]domain.ManagedPosition, 0, len(s.data))
	for _, p := range s.data {
		if len(want) > 0 && !want[p.Status] {
			continue
		}
		result = append(result, clone(*p))
	}
	sortByCreated(result)
	return result, nil
}

// ListClosed returns closed positions whose ClosedAt falls in the window.
func (s *PositionStore) ListClosed(_ context.Context, opts domain.ListOpts) ([]domain.ManagedPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.ManagedPosition
	for _, p := range s.data {
		if p.Status != domain.StatusClosed || p.ClosedAt == nil {
			continue
		}
		if opts.Since != nil && p.ClosedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !p.ClosedAt.Before(*opts.Until) {
			continue
		}
		result = append(result, clone(*p))
	}
	sortByCreated(result)
	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// Update applies patch to the stored position and returns the result.
func (s *PositionStore) Update(_ context.Context, id string, patch domain.PositionPatch) (domain.ManagedPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.data[id]
	if !ok {
		return domain.ManagedPosition{}, fmt.Errorf("memory: update position %q: %w", id, domain.ErrNotFound)
	}
	if p.Status == domain.StatusClosed && !patch.OnlyRealizedPL() {
		return domain.ManagedPosition{}, fmt.Errorf("memory: update position %q: %w", id, domain.ErrPositionImmutable)
	}

	updated := clone(*p)
	patch.Apply(&updated)
	updated.UpdatedAt = s.now().UTC()
	s.data[id] = &updated
	return clone(updated), nil
}

func sortByCreated(ps []domain.ManagedPosition) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
}

func clone(p domain.ManagedPosition) domain.ManagedPosition {
	if p.ClosedPrice != nil {
		v := *p.ClosedPrice
		p.ClosedPrice = &v
	}
	if p.ClosedAt != nil {
		v := *p.ClosedAt
		p.ClosedAt = &v
	}
	if p.RealizedPL != nil {
		v := *p.RealizedPL
		p.RealizedPL = &v
	}
	return p
}
