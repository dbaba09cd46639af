// Package sqlite implements domain.PositionStore on an embedded SQLite
// database (modernc.org/sqlite, no cgo) for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alanyoungcy/riskpilot/internal/domain"
)

//go:embed schema.sql
var schema string

const timeLayout = time.RFC3339Nano

// PositionStore implements domain.PositionStore using SQLite.
type PositionStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*PositionStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases shared and serialises
	// writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &PositionStore{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *PositionStore) Close() error {
	return s.db.Close()
}

// Ping checks the database handle.
func (s *PositionStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const selectCols = `id, symbol, quantity, side, entry_price, entry_order_id,
	stop_loss_pct, take_profit_pct, trailing_stop,
	stop_loss_price, take_profit_price,
	status, current_price, unrealized_pl, unrealized_pl_pct,
	closed_price, closed_reason, exit_order_id, closed_at, realized_pl,
	strategy, notes, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (domain.ManagedPosition, error) {
	var (
		p                   domain.ManagedPosition
		side, status        string
		closedPrice, realPL sql.NullFloat64
		closedAt            sql.NullString
		createdAt, updated  string
	)
	err := row.Scan(
		&p.ID, &p.Symbol, &p.Quantity, &side, &p.EntryPrice, &p.EntryOrderID,
		&p.StopLossPct, &p.TakeProfitPct, &p.TrailingStop,
		&p.StopLossPrice, &p.TakeProfitPrice,
		&status, &p.CurrentPrice, &p.UnrealizedPL, &p.UnrealizedPLPct,
		&closedPrice, &p.ClosedReason, &p.ExitOrderID, &closedAt, &realPL,
		&p.Strategy, &p.Notes, &createdAt, &updated,
	)
	if err != nil {
		return domain.ManagedPosition{}, err
	}
	p.Side = domain.PositionSide(side)
	p.Status = domain.PositionStatus(status)
	if closedPrice.Valid {
		p.ClosedPrice = &closedPrice.Float64
	}
	if realPL.Valid {
		p.RealizedPL = &realPL.Float64
	}
	if closedAt.Valid {
		t, err := time.Parse(timeLayout, closedAt.String)
		if err != nil {
			return domain.ManagedPosition{}, fmt.Errorf("parse closed_at: %w", err)
		}
		p.ClosedAt = &t
	}
	if p.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return domain.ManagedPosition{}, fmt.Errorf("parse created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return domain.ManagedPosition{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return p, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.ManagedPosition) error {
	now := s.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	const query = `INSERT INTO managed_positions (` + selectCols + `) VALUES (
		?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.Symbol, p.Quantity, string(p.Side), p.EntryPrice, p.EntryOrderID,
		p.StopLossPct, p.TakeProfitPct, p.TrailingStop,
		p.StopLossPrice, p.TakeProfitPrice,
		string(p.Status), p.CurrentPrice, p.UnrealizedPL, p.UnrealizedPLPct,
		nullFloat(p.ClosedPrice), p.ClosedReason, p.ExitOrderID, nullTime(p.ClosedAt), nullFloat(p.RealizedPL),
		p.Strategy, p.Notes, p.CreatedAt.UTC().Format(timeLayout), now.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create position %s: %w", p.ID, err)
	}
	return nil
}

// Get retrieves a position by id.
func (s *PositionStore) Get(ctx context.Context, id string) (domain.ManagedPosition, error) {
	p, err := scanPosition(s.db.QueryRowContext(ctx,
		`SELECT `+selectCols+` FROM managed_positions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ManagedPosition{}, fmt.Errorf("sqlite: get position %s: %w", id, domain.ErrNotFound)
		}
		return domain.ManagedPosition{}, fmt.Errorf("sqlite: get position %s: %w", id, err)
	}
	return p, nil
}

// ListByStatus returns positions in any of the given statuses, oldest first.
func (s *PositionStore) ListByStatus(ctx context.Context, statuses ...domain.PositionStatus) ([]domain.ManagedPosition, error) {
	query := `SELECT ` + selectCols + ` FROM managed_positions`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(", ?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at ASC, id ASC`
	return s.query(ctx, "list positions by status", query, args...)
}

// ListClosed returns closed positions with closed_at in the window.
func (s *PositionStore) ListClosed(ctx context.Context, opts domain.ListOpts) ([]domain.ManagedPosition, error) {
	query := `SELECT ` + selectCols + ` FROM managed_positions WHERE status = 'closed'`
	var args []any
	if opts.Since != nil {
		query += ` AND closed_at >= ?`
		args = append(args, opts.Since.UTC().Format(timeLayout))
	}
	if opts.Until != nil {
		query += ` AND closed_at < ?`
		args = append(args, opts.Until.UTC().Format(timeLayout))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, opts.Offset)
		}
	}
	return s.query(ctx, "list closed positions", query, args...)
}

func (s *PositionStore) query(ctx context.Context, op, query string, args ...any) ([]domain.ManagedPosition, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %s: %w", op, err)
	}
	defer rows.Close()

	var positions []domain.ManagedPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %s: scan: %w", op, err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: %s: %w", op, err)
	}
	return positions, nil
}

// Update applies patch inside a transaction. Closed rows accept only a
// realized P&L backfill.
func (s *PositionStore) Update(ctx context.Context, id string, patch domain.PositionPatch) (domain.ManagedPosition, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ManagedPosition{}, fmt.Errorf("sqlite: update position %s: begin: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	p, err := scanPosition(tx.QueryRowContext(ctx,
		`SELECT `+selectCols+` FROM managed_positions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ManagedPosition{}, fmt.Errorf("sqlite: update position %s: %w", id, domain.ErrNotFound)
		}
		return domain.ManagedPosition{}, fmt.Errorf("sqlite: update position %s: %w", id, err)
	}
	if p.Status == domain.StatusClosed && !patch.OnlyRealizedPL() {
		return domain.ManagedPosition{}, fmt.Errorf("sqlite: update position %s: %w", id, domain.ErrPositionImmutable)
	}
	patch.Apply(&p)
	p.UpdatedAt = s.now().UTC()

	const query = `UPDATE managed_positions SET
		status = ?, current_price = ?, unrealized_pl = ?, unrealized_pl_pct = ?,
		stop_loss_price = ?, closed_price = ?, closed_reason = ?, exit_order_id = ?,
		closed_at = ?, realized_pl = ?, updated_at = ?
		WHERE id = ?`
	if _, err := tx.ExecContext(ctx, query,
		string(p.Status), p.CurrentPrice, p.UnrealizedPL, p.UnrealizedPLPct,
		p.StopLossPrice, nullFloat(p.ClosedPrice), p.ClosedReason, p.ExitOrderID,
		nullTime(p.ClosedAt), nullFloat(p.RealizedPL), p.UpdatedAt.Format(timeLayout),
		id,
	); err != nil {
		return domain.ManagedPosition{}, fmt.Errorf("sqlite: update position %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.ManagedPosition{}, fmt.Errorf("sqlite: update position %s: commit: %w", id, err)
	}
	return p, nil
}
