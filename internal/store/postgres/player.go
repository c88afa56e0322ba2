package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/cricket-auction/internal/store"
)

// PlayerRepo implements store.PlayerRepository with sqlx.
type PlayerRepo struct {
	db *sqlx.DB
}

// NewPlayerRepo returns a new PlayerRepo.
func NewPlayerRepo(db *sqlx.DB) *PlayerRepo {
	return &PlayerRepo{db: db}
}

func (r *PlayerRepo) GetByID(ctx context.Context, tournamentID, playerID string) (*store.Player, error) {
	var p store.Player
	err := r.db.GetContext(ctx, &p,
		`SELECT `+playerColumns+` FROM players WHERE tournament_id = $1 AND id = $2`, tournamentID, playerID)
	if err != nil {
		return nil, notFound(err, "player", playerID)
	}
	return &p, nil
}

func (r *PlayerRepo) MarkSold(ctx context.Context, tournamentID, playerID, teamID string, price int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE players SET status = 'Sold', sold_price = $1, sold_to = $2
		 WHERE tournament_id = $3 AND id = $4 AND status = 'Available'`,
		price, teamID, tournamentID, playerID,
	)
	if err != nil {
		return fmt.Errorf("marking player sold: %w", err)
	}
	return r.checkTransition(ctx, result, tournamentID, playerID)
}

func (r *PlayerRepo) MarkUnsold(ctx context.Context, tournamentID, playerID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE players SET status = 'Unsold'
		 WHERE tournament_id = $1 AND id = $2 AND status = 'Available'`,
		tournamentID, playerID,
	)
	if err != nil {
		return fmt.Errorf("marking player unsold: %w", err)
	}
	return r.checkTransition(ctx, result, tournamentID, playerID)
}

// checkTransition tells a missing player apart from one already resolved
// when a conditional update touched no rows.
func (r *PlayerRepo) checkTransition(ctx context.Context, result interface{ RowsAffected() (int64, error) }, tournamentID, playerID string) error {
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}
	p, err := r.GetByID(ctx, tournamentID, playerID)
	if err != nil {
		return err
	}
	return fmt.Errorf("player %s is %s: %w", playerID, p.Status, store.ErrNotAvailable)
}
