package memory

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/alanyoungcy/riskpilot/internal/domain"
)

// AuditStore keeps the audit log in a slice.
type AuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

// NewAuditStore creates an empty in-memory audit log.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

// Log appends an entry.
func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, domain.AuditEntry{
		ID:         int64(len(s.entries) + 1),
		Event:      event,
		PositionID: domain.AuditPositionID(detail),
		Detail:     maps.Clone(detail),
		CreatedAt:  time.Now().UTC(),
	})
	return nil
}

// List returns entries newest first.
func (s *AuditStore) List(_ context.Context, q domain.AuditQuery) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	opts := q.ListOpts
	result := make([]domain.AuditEntry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if q.Event != "" && e.Event != q.Event {
			continue
		}
		if q.PositionID != "" && e.PositionID != q.PositionID {
			continue
		}
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !e.CreatedAt.Before(*opts.Until) {
			continue
		}
		result = append(result, e)
	}
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
