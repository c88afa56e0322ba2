package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/cricket-auction/internal/store"
)

// TeamRepo implements store.TeamRepository with sqlx.
type TeamRepo struct {
	db *sqlx.DB
}

// NewTeamRepo returns a new TeamRepo.
func NewTeamRepo(db *sqlx.DB) *TeamRepo {
	return &TeamRepo{db: db}
}

func (r *TeamRepo) GetByID(ctx context.Context, tournamentID, teamID string) (*store.Team, error) {
	var t store.Team
	err := r.db.GetContext(ctx, &t,
		`SELECT id, tournament_id, name, purse FROM teams WHERE tournament_id = $1 AND id = $2`,
		tournamentID, teamID)
	if err != nil {
		return nil, notFound(err, "team", teamID)
	}
	if err := r.db.SelectContext(ctx, &t.Roster,
		`SELECT player_id FROM team_players WHERE tournament_id = $1 AND team_id = $2 ORDER BY added_at ASC`,
		tournamentID, teamID); err != nil {
		return nil, fmt.Errorf("loading roster: %w", err)
	}
	return &t, nil
}

func (r *TeamRepo) List(ctx context.Context, tournamentID string) ([]store.Team, error) {
	var teams []store.Team
	err := r.db.SelectContext(ctx, &teams,
		`SELECT id, tournament_id, name, purse FROM teams WHERE tournament_id = $1 ORDER BY name ASC`, tournamentID)
	if err != nil {
		return nil, fmt.Errorf("listing teams: %w", err)
	}

	var rows []struct {
		TeamID   string `db:"team_id"`
		PlayerID string `db:"player_id"`
	}
	if err := r.db.SelectContext(ctx, &rows,
		`SELECT team_id, player_id FROM team_players WHERE tournament_id = $1 ORDER BY added_at ASC`,
		tournamentID); err != nil {
		return nil, fmt.Errorf("loading rosters: %w", err)
	}
	index := make(map[string]int, len(teams))
	for i := range teams {
		index[teams[i].ID] = i
	}
	for _, row := range rows {
		if i, ok := index[row.TeamID]; ok {
			teams[i].Roster = append(teams[i].Roster, row.PlayerID)
		}
	}
	return teams, nil
}

func (r *TeamRepo) DebitPurse(ctx context.Context, tournamentID, teamID string, amount int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE teams SET purse = purse - $1 WHERE tournament_id = $2 AND id = $3 AND purse >= $1`,
		amount, tournamentID, teamID,
	)
	if err != nil {
		return fmt.Errorf("debiting purse: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}
	t, err := r.GetByID(ctx, tournamentID, teamID)
	if err != nil {
		return err
	}
	return fmt.Errorf("team %s has %d, needs %d: %w", teamID, t.Purse, amount, store.ErrInsufficientPurse)
}

func (r *TeamRepo) CreditPurse(ctx context.Context, tournamentID, teamID string, amount int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE teams SET purse = purse + $1 WHERE tournament_id = $2 AND id = $3`,
		amount, tournamentID, teamID,
	)
	if err != nil {
		return fmt.Errorf("crediting purse: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("team %s: %w", teamID, store.ErrNotFound)
	}
	return nil
}

func (r *TeamRepo) AddToRoster(ctx context.Context, tournamentID, teamID, playerID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO team_players (tournament_id, team_id, player_id) VALUES ($1, $2, $3)`,
		tournamentID, teamID, playerID,
	)
	if err != nil {
		return fmt.Errorf("adding player %s to roster: %w", playerID, err)
	}
	return nil
}
