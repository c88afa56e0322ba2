package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/cricket-auction/internal/store"
)

// TournamentRepo implements store.TournamentRepository with sqlx.
type TournamentRepo struct {
	db *sqlx.DB
}

// NewTournamentRepo returns a new TournamentRepo.
func NewTournamentRepo(db *sqlx.DB) *TournamentRepo {
	return &TournamentRepo{db: db}
}

func (r *TournamentRepo) GetByID(ctx context.Context, id string) (*store.Tournament, error) {
	var t store.Tournament
	err := r.db.GetContext(ctx, &t, `SELECT id, name, admin_id, created_at FROM tournaments WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "tournament", id)
	}
	return &t, nil
}

// notFound maps sql.ErrNoRows onto store.ErrNotFound.
func notFound(err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
	}
	return fmt.Errorf("getting %s %s: %w", kind, id, err)
}
