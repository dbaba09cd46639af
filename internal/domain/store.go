package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists managed positions. Update rejects every change to
// a closed position except a RealizedPL backfill with ErrPositionImmutable.
type PositionStore interface {
	Create(ctx context.Context, pos ManagedPosition) error
	Get(ctx context.Context, id string) (ManagedPosition, error)
	ListByStatus(ctx context.Context, statuses ...PositionStatus) ([]ManagedPosition, error)
	Update(ctx context.Context, id string, patch PositionPatch) (ManagedPosition, error)
}

// ClosedLister lists closed positions in a time window, for archiving.
type ClosedLister interface {
	ListClosed(ctx context.Context, opts ListOpts) ([]ManagedPosition, error)
}

// AuditEntry is a single audit log row. PositionID is taken from the
// "position_id" detail key when present.
type AuditEntry struct {
	ID         int64
	Event      string
	PositionID string
	Detail     map[string]any
	CreatedAt  time.Time
}

// AuditQuery filters an audit listing. Empty fields match everything.
type AuditQuery struct {
	ListOpts
	Event      string
	PositionID string
}

// AuditStore persists an append-only audit log, listed newest first.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, q AuditQuery) ([]AuditEntry, error)
}

// AuditPositionID extracts the position id recorded in detail.
func AuditPositionID(detail map[string]any) string {
	id, _ := detail["position_id"].(string)
	return id
}
