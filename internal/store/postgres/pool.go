package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/cricket-auction/internal/store"
)

const playerColumns = `id, tournament_id, pool_id, name, role, nationality, base_price, status, sold_price, sold_to, position`

// PoolRepo implements store.PoolRepository with sqlx.
type PoolRepo struct {
	db *sqlx.DB
}

// NewPoolRepo returns a new PoolRepo.
func NewPoolRepo(db *sqlx.DB) *PoolRepo {
	return &PoolRepo{db: db}
}

func (r *PoolRepo) GetByID(ctx context.Context, tournamentID, poolID string) (*store.Pool, error) {
	var p store.Pool
	err := r.db.GetContext(ctx, &p,
		`SELECT id, tournament_id, name, position, completed FROM pools WHERE tournament_id = $1 AND id = $2`,
		tournamentID, poolID)
	if err != nil {
		return nil, notFound(err, "pool", poolID)
	}
	return &p, nil
}

func (r *PoolRepo) List(ctx context.Context, tournamentID string) ([]store.Pool, error) {
	var pools []store.Pool
	err := r.db.SelectContext(ctx, &pools,
		`SELECT id, tournament_id, name, position, completed FROM pools
		 WHERE tournament_id = $1 ORDER BY position ASC, id ASC`, tournamentID)
	if err != nil {
		return nil, fmt.Errorf("listing pools: %w", err)
	}
	return pools, nil
}

func (r *PoolRepo) AvailablePlayers(ctx context.Context, tournamentID, poolID string) ([]store.Player, error) {
	if _, err := r.GetByID(ctx, tournamentID, poolID); err != nil {
		return nil, err
	}
	var players []store.Player
	err := r.db.SelectContext(ctx, &players,
		`SELECT `+playerColumns+` FROM players
		 WHERE tournament_id = $1 AND pool_id = $2 AND status = 'Available'
		 ORDER BY position ASC, seq ASC`, tournamentID, poolID)
	if err != nil {
		return nil, fmt.Errorf("listing available players: %w", err)
	}
	return players, nil
}

func (r *PoolRepo) MarkCompleted(ctx context.Context, tournamentID, poolID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE pools SET completed = TRUE WHERE tournament_id = $1 AND id = $2`, tournamentID, poolID)
	if err != nil {
		return fmt.Errorf("marking pool completed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("pool %s: %w", poolID, store.ErrNotFound)
	}
	return nil
}
