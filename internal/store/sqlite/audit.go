package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/riskpilot/internal/domain"
)

// AuditStore implements domain.AuditStore on the same database as the
// position store.
type AuditStore struct {
	db  *sql.DB
	now func() time.Time
}

// Audit returns the audit log sharing this store's database.
func (s *PositionStore) Audit() *AuditStore {
	return &AuditStore{db: s.db, now: s.now}
}

// Log appends an audit entry; detail is stored as JSON text.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("sqlite: marshal audit detail: %w", err)
	}
	positionID := sql.NullString{String: domain.AuditPositionID(detail)}
	positionID.Valid = positionID.String != ""
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (event, position_id, detail, created_at) VALUES (?, ?, ?, ?)`,
		event, positionID, string(detailJSON), s.now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("sqlite: log audit event %s: %w", event, err)
	}
	return nil
}

// List returns audit entries newest first.
func (s *AuditStore) List(ctx context.Context, q domain.AuditQuery) ([]domain.AuditEntry, error) {
	query := `SELECT id, event, COALESCE(position_id, ''), detail, created_at FROM audit_log WHERE 1=1`
	var args []any
	opts := q.ListOpts
	if q.Event != "" {
		query += ` AND event = ?`
		args = append(args, q.Event)
	}
	if q.PositionID != "" {
		query += ` AND position_id = ?`
		args = append(args, q.PositionID)
	}
	if opts.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, opts.Since.UTC().Format(timeLayout))
	}
	if opts.Until != nil {
		query += ` AND created_at < ?`
		args = append(args, opts.Until.UTC().Format(timeLayout))
	}
	query += ` ORDER BY id DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e         domain.AuditEntry
			detail    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Event, &e.PositionID, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
		}
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal audit detail: %w", err)
			}
		}
		if e.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: parse audit time: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	return entries, nil
}

var _ domain.AuditStore = (*AuditStore)(nil)
