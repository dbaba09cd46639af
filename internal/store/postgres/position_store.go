package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/riskpilot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, symbol, quantity, side, entry_price, entry_order_id,
	stop_loss_pct, take_profit_pct, trailing_stop,
	stop_loss_price, take_profit_price,
	status, current_price, unrealized_pl, unrealized_pl_pct,
	closed_price, closed_reason, exit_order_id, closed_at, realized_pl,
	strategy, notes, created_at, updated_at`

func scanPosition(row pgx.Row) (domain.ManagedPosition, error) {
	var p domain.ManagedPosition
	var side, status string

	err := row.Scan(
		&p.ID, &p.Symbol, &p.Quantity, &side, &p.EntryPrice, &p.EntryOrderID,
		&p.StopLossPct, &p.TakeProfitPct, &p.TrailingStop,
		&p.StopLossPrice, &p.TakeProfitPrice,
		&status, &p.CurrentPrice, &p.UnrealizedPL, &p.UnrealizedPLPct,
		&p.ClosedPrice, &p.ClosedReason, &p.ExitOrderID, &p.ClosedAt, &p.RealizedPL,
		&p.Strategy, &p.Notes, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.ManagedPosition{}, err
	}
	p.Side = domain.PositionSide(side)
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.ManagedPosition, error) {
	var positions []domain.ManagedPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.ManagedPosition) error {
	const query = `
		INSERT INTO managed_positions (
			id, symbol, quantity, side, entry_price, entry_order_id,
			stop_loss_pct, take_profit_pct, trailing_stop,
			stop_loss_price, take_profit_price,
			status, current_price, unrealized_pl, unrealized_pl_pct,
			closed_price, closed_reason, exit_order_id, closed_at, realized_pl,
			strategy, notes, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, $19, $20,
			$21, $22, COALESCE($23, NOW()), NOW()
		)`

	var createdAt any
	if !p.CreatedAt.IsZero() {
		createdAt = p.CreatedAt
	}
	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Symbol, p.Quantity, string(p.Side), p.EntryPrice, p.EntryOrderID,
		p.StopLossPct, p.TakeProfitPct, p.TrailingStop,
		p.StopLossPrice, p.TakeProfitPrice,
		string(p.Status), p.CurrentPrice, p.UnrealizedPL, p.UnrealizedPLPct,
		p.ClosedPrice, p.ClosedReason, p.ExitOrderID, p.ClosedAt, p.RealizedPL,
		p.Strategy, p.Notes, createdAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Get retrieves a single position by its ID.
func (s *PositionStore) Get(ctx context.Context, id string) (domain.ManagedPosition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM managed_positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ManagedPosition{}, fmt.Errorf("postgres: get position %s: %w", id, domain.ErrNotFound)
		}
		return domain.ManagedPosition{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListByStatus returns positions in any of the given statuses, oldest first.
// No statuses means all positions.
func (s *PositionStore) ListByStatus(ctx context.Context, statuses ...domain.PositionStatus) ([]domain.ManagedPosition, error) {
	query := `SELECT ` + positionSelectCols + ` FROM managed_positions`
	var args []any
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, names)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions by status: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions: %w", err)
	}
	return positions, nil
}

// ListClosed returns closed positions with closed_at in the window.
func (s *PositionStore) ListClosed(ctx context.Context, opts domain.ListOpts) ([]domain.ManagedPosition, error) {
	query := `SELECT ` + positionSelectCols + ` FROM managed_positions WHERE status = 'closed'`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND closed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND closed_at < $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY created_at ASC, id ASC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}

// Update applies patch under a row lock. Closed rows accept only a
// realized P&L backfill.
func (s *PositionStore) Update(ctx context.Context, id string, patch domain.PositionPatch) (domain.ManagedPosition, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.ManagedPosition{}, fmt.Errorf("postgres: update position %s: begin: %w", id, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	p, err := scanPosition(tx.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM managed_positions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ManagedPosition{}, fmt.Errorf("postgres: update position %s: %w", id, domain.ErrNotFound)
		}
		return domain.ManagedPosition{}, fmt.Errorf("postgres: update position %s: lock row: %w", id, err)
	}
	if p.Status == domain.StatusClosed && !patch.OnlyRealizedPL() {
		return domain.ManagedPosition{}, fmt.Errorf("postgres: update position %s: %w", id, domain.ErrPositionImmutable)
	}
	patch.Apply(&p)

	const query = `
		UPDATE managed_positions SET
			status            = $2,
			current_price     = $3,
			unrealized_pl     = $4,
			unrealized_pl_pct = $5,
			stop_loss_price   = $6,
			closed_price      = $7,
			closed_reason     = $8,
			exit_order_id     = $9,
			closed_at         = $10,
			realized_pl       = $11,
			updated_at        = NOW()
		WHERE id = $1
		RETURNING updated_at`

	if err := tx.QueryRow(ctx, query,
		id, string(p.Status), p.CurrentPrice, p.UnrealizedPL, p.UnrealizedPLPct,
		p.StopLossPrice, p.ClosedPrice, p.ClosedReason, p.ExitOrderID, p.ClosedAt, p.RealizedPL,
	).Scan(&p.UpdatedAt); err != nil {
		return domain.ManagedPosition{}, fmt.Errorf("postgres: update position %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.ManagedPosition{}, fmt.Errorf("postgres: update position %s: commit: %w", id, err)
	}
	return p, nil
}
