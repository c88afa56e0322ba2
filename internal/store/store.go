package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a tournament, pool, player or team does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientPurse is returned by DebitPurse when the team cannot afford the amount.
	ErrInsufficientPurse = errors.New("insufficient purse")
	// ErrNotAvailable is returned when a player has already been sold or marked unsold.
	ErrNotAvailable = errors.New("player is not available")
)

// PlayerStatus is the auction outcome of a player.
type PlayerStatus string

const (
	StatusAvailable PlayerStatus = "Available"
	StatusSold      PlayerStatus = "Sold"
	StatusUnsold    PlayerStatus = "Unsold"
)

// Tournament is the owner of pools, players and teams.
type Tournament struct {
	ID        string    `db:"id" bson:"_id" yaml:"id"`
	Name      string    `db:"name" bson:"name" yaml:"name"`
	AdminID   string    `db:"admin_id" bson:"admin_id" yaml:"admin_id"`
	CreatedAt time.Time `db:"created_at" bson:"created_at" yaml:"-"`
}

// Pool is a named, ordered batch of players auctioned together.
type Pool struct {
	ID           string `db:"id" bson:"_id" yaml:"id" json:"id"`
	TournamentID string `db:"tournament_id" bson:"tournament_id" yaml:"-" json:"tournamentId"`
	Name         string `db:"name" bson:"name" yaml:"name" json:"name"`
	Position     int    `db:"position" bson:"position" yaml:"position" json:"position"`
	Completed    bool   `db:"completed" bson:"completed" yaml:"completed" json:"completed"`
}

// Player is a cricketer up for auction.
type Player struct {
	ID           string       `db:"id" bson:"_id" yaml:"id" json:"id"`
	TournamentID string       `db:"tournament_id" bson:"tournament_id" yaml:"-" json:"tournamentId"`
	PoolID       string       `db:"pool_id" bson:"pool_id" yaml:"-" json:"poolId"`
	Name         string       `db:"name" bson:"name" yaml:"name" json:"name"`
	Role         string       `db:"role" bson:"role" yaml:"role" json:"role"`
	Nationality  string       `db:"nationality" bson:"nationality" yaml:"nationality" json:"nationality"`
	BasePrice    int64        `db:"base_price" bson:"base_price" yaml:"base_price" json:"basePrice"`
	Status       PlayerStatus `db:"status" bson:"status" yaml:"status" json:"status"`
	SoldPrice    *int64       `db:"sold_price" bson:"sold_price,omitempty" yaml:"-" json:"soldPrice,omitempty"`
	SoldTo       *string      `db:"sold_to" bson:"sold_to,omitempty" yaml:"-" json:"soldTo,omitempty"`
	Position     int          `db:"position" bson:"position" yaml:"position" json:"position"`
}

// Team is a franchise spending from a fixed purse.
type Team struct {
	ID           string   `db:"id" bson:"_id" yaml:"id" json:"id"`
	TournamentID string   `db:"tournament_id" bson:"tournament_id" yaml:"-" json:"tournamentId"`
	Name         string   `db:"name" bson:"name" yaml:"name" json:"name"`
	Purse        int64    `db:"purse" bson:"purse" yaml:"purse" json:"purse"`
	Roster       []string `db:"-" bson:"roster,omitempty" yaml:"-" json:"roster"`
}

// TournamentRepository reads tournaments.
type TournamentRepository interface {
	GetByID(ctx context.Context, id string) (*Tournament, error)
}

// PoolRepository reads pools and their remaining players.
type PoolRepository interface {
	GetByID(ctx context.Context, tournamentID, poolID string) (*Pool, error)
	List(ctx context.Context, tournamentID string) ([]Pool, error)
	// AvailablePlayers returns the pool's players with status Available in
	// stored order. The first element is the next player up.
	AvailablePlayers(ctx context.Context, tournamentID, poolID string) ([]Player, error)
	MarkCompleted(ctx context.Context, tournamentID, poolID string) error
}

// PlayerRepository records auction outcomes. MarkSold and MarkUnsold only
// transition players that are still Available.
type PlayerRepository interface {
	GetByID(ctx context.Context, tournamentID, playerID string) (*Player, error)
	MarkSold(ctx context.Context, tournamentID, playerID, teamID string, price int64) error
	MarkUnsold(ctx context.Context, tournamentID, playerID string) error
}

// TeamRepository manages purses and rosters.
type TeamRepository interface {
	GetByID(ctx context.Context, tournamentID, teamID string) (*Team, error)
	List(ctx context.Context, tournamentID string) ([]Team, error)
	// DebitPurse subtracts amount only if the purse covers it, otherwise it
	// returns ErrInsufficientPurse and leaves the purse untouched.
	DebitPurse(ctx context.Context, tournamentID, teamID string, amount int64) error
	// CreditPurse returns amount to the purse.
	CreditPurse(ctx context.Context, tournamentID, teamID string, amount int64) error
	AddToRoster(ctx context.Context, tournamentID, teamID, playerID string) error
}
