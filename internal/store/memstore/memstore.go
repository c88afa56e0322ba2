// Package memstore is an in-process store driver. It backs local runs
// (optionally seeded from a YAML file) and the auction and gateway tests.
package memstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"github.com/jensholdgaard/cricket-auction/internal/clock"
	"github.com/jensholdgaard/cricket-auction/internal/config"
	"github.com/jensholdgaard/cricket-auction/internal/event"
	"github.com/jensholdgaard/cricket-auction/internal/store"
)

func init() {
	store.Register("memory", open)
}

func open(_ context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	db := New(clk)
	if cfg.SeedFile != "" {
		if err := db.LoadSeedFile(cfg.SeedFile); err != nil {
			return nil, err
		}
	}
	return db.Repositories(), nil
}

// DB holds every record in memory behind a single lock.
type DB struct {
	mu    sync.RWMutex
	clock clock.Clock

	tournaments map[string]*store.Tournament
	pools       map[key]*store.Pool
	players     map[key]*store.Player
	teams       map[key]*store.Team
	events      []event.Event

	// insertion counters keep stored order stable for equal positions.
	seq      int
	playerAt map[key]int
}

type key struct{ tournament, id string }

// New returns an empty DB.
func New(clk clock.Clock) *DB {
	return &DB{
		clock:       clk,
		tournaments: make(map[string]*store.Tournament),
		pools:       make(map[key]*store.Pool),
		players:     make(map[key]*store.Player),
		teams:       make(map[key]*store.Team),
		playerAt:    make(map[key]int),
	}
}

// Repositories exposes db through the store interfaces.
func (db *DB) Repositories() *store.Repositories {
	return &store.Repositories{
		Tournaments: TournamentRepo{db},
		Pools:       PoolRepo{db},
		Players:     PlayerRepo{db},
		Teams:       TeamRepo{db},
		Events:      EventStore{db},
		Closer:      store.CloserFunc(func() error { return nil }),
		Ping:        func(context.Context) error { return nil },
	}
}

// PutTournament inserts or replaces a tournament.
func (db *DB) PutTournament(t store.Tournament) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = db.clock.Now().UTC()
	}
	db.tournaments[t.ID] = &t
}

// PutPool inserts or replaces a pool.
func (db *DB) PutPool(p store.Pool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.pools[key{p.TournamentID, p.ID}] = &p
}

// PutPlayer inserts or replaces a player. Players without a status are Available.
func (db *DB) PutPlayer(p store.Player) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if p.Status == "" {
		p.Status = store.StatusAvailable
	}
	k := key{p.TournamentID, p.ID}
	if _, ok := db.playerAt[k]; !ok {
		db.seq++
		db.playerAt[k] = db.seq
	}
	db.players[k] = &p
}

// PutTeam inserts or replaces a team.
func (db *DB) PutTeam(t store.Team) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t.Roster = append([]string(nil), t.Roster...)
	db.teams[key{t.TournamentID, t.ID}] = &t
}

// seed is the YAML layout accepted by LoadSeedFile.
type seed struct {
	Tournaments []struct {
		store.Tournament `yaml:",inline"`
		Pools            []struct {
			store.Pool `yaml:",inline"`
			Players    []store.Player `yaml:"players"`
		} `yaml:"pools"`
		Teams []store.Team `yaml:"teams"`
	} `yaml:"tournaments"`
}

// LoadSeedFile populates db from a YAML seed file.
func (db *DB) LoadSeedFile(path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("reading seed file: %w", err)
	}
	var s seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("parsing seed file: %w", err)
	}
	for _, t := range s.Tournaments {
		db.PutTournament(t.Tournament)
		for i, p := range t.Pools {
			pool := p.Pool
			pool.TournamentID = t.ID
			if pool.Position == 0 {
				pool.Position = i + 1
			}
			db.PutPool(pool)
			for j, pl := range p.Players {
				pl.TournamentID = t.ID
				pl.PoolID = pool.ID
				if pl.Position == 0 {
					pl.Position = j + 1
				}
				db.PutPlayer(pl)
			}
		}
		for _, team := range t.Teams {
			team.TournamentID = t.ID
			db.PutTeam(team)
		}
	}
	return nil
}

// TournamentRepo implements store.TournamentRepository.
type TournamentRepo struct{ db *DB }

func (r TournamentRepo) GetByID(_ context.Context, id string) (*store.Tournament, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	t, ok := r.db.tournaments[id]
	if !ok {
		return nil, fmt.Errorf("tournament %s: %w", id, store.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

// PoolRepo implements store.PoolRepository.
type PoolRepo struct{ db *DB }

func (r PoolRepo) GetByID(_ context.Context, tournamentID, poolID string) (*store.Pool, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	p, ok := r.db.pools[key{tournamentID, poolID}]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", poolID, store.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (r PoolRepo) List(_ context.Context, tournamentID string) ([]store.Pool, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var pools []store.Pool
	for k, p := range r.db.pools {
		if k.tournament == tournamentID {
			pools = append(pools, *p)
		}
	}
	sort.SliceStable(pools, func(i, j int) bool {
		if pools[i].Position != pools[j].Position {
			return pools[i].Position < pools[j].Position
		}
		return pools[i].ID < pools[j].ID
	})
	return pools, nil
}

func (r PoolRepo) AvailablePlayers(_ context.Context, tournamentID, poolID string) ([]store.Player, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	if _, ok := r.db.pools[key{tournamentID, poolID}]; !ok {
		return nil, fmt.Errorf("pool %s: %w", poolID, store.ErrNotFound)
	}
	var players []store.Player
	for k, p := range r.db.players {
		if k.tournament == tournamentID && p.PoolID == poolID && p.Status == store.StatusAvailable {
			players = append(players, *p)
		}
	}
	sort.SliceStable(players, func(i, j int) bool {
		if players[i].Position != players[j].Position {
			return players[i].Position < players[j].Position
		}
		return r.db.playerAt[key{tournamentID, players[i].ID}] < r.db.playerAt[key{tournamentID, players[j].ID}]
	})
	return players, nil
}

func (r PoolRepo) MarkCompleted(_ context.Context, tournamentID, poolID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	p, ok := r.db.pools[key{tournamentID, poolID}]
	if !ok {
		return fmt.Errorf("pool %s: %w", poolID, store.ErrNotFound)
	}
	p.Completed = true
	return nil
}

// PlayerRepo implements store.PlayerRepository.
type PlayerRepo struct{ db *DB }

func (r PlayerRepo) GetByID(_ context.Context, tournamentID, playerID string) (*store.Player, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	p, ok := r.db.players[key{tournamentID, playerID}]
	if !ok {
		return nil, fmt.Errorf("player %s: %w", playerID, store.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (r PlayerRepo) MarkSold(_ context.Context, tournamentID, playerID, teamID string, price int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	p, err := r.available(tournamentID, playerID)
	if err != nil {
		return err
	}
	p.Status = store.StatusSold
	p.SoldPrice = &price
	p.SoldTo = &teamID
	return nil
}

func (r PlayerRepo) MarkUnsold(_ context.Context, tournamentID, playerID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	p, err := r.available(tournamentID, playerID)
	if err != nil {
		return err
	}
	p.Status = store.StatusUnsold
	return nil
}

// available must be called with the write lock held.
func (r PlayerRepo) available(tournamentID, playerID string) (*store.Player, error) {
	p, ok := r.db.players[key{tournamentID, playerID}]
	if !ok {
		return nil, fmt.Errorf("player %s: %w", playerID, store.ErrNotFound)
	}
	if p.Status != store.StatusAvailable {
		return nil, fmt.Errorf("player %s is %s: %w", playerID, p.Status, store.ErrNotAvailable)
	}
	return p, nil
}

// TeamRepo implements store.TeamRepository.
type TeamRepo struct{ db *DB }

func (r TeamRepo) GetByID(_ context.Context, tournamentID, teamID string) (*store.Team, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	t, ok := r.db.teams[key{tournamentID, teamID}]
	if !ok {
		return nil, fmt.Errorf("team %s: %w", teamID, store.ErrNotFound)
	}
	cp := *t
	cp.Roster = append([]string(nil), t.Roster...)
	return &cp, nil
}

func (r TeamRepo) List(_ context.Context, tournamentID string) ([]store.Team, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var teams []store.Team
	for k, t := range r.db.teams {
		if k.tournament == tournamentID {
			cp := *t
			cp.Roster = append([]string(nil), t.Roster...)
			teams = append(teams, cp)
		}
	}
	sort.Slice(teams, func(i, j int) bool { return teams[i].Name < teams[j].Name })
	return teams, nil
}

func (r TeamRepo) DebitPurse(_ context.Context, tournamentID, teamID string, amount int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.teams[key{tournamentID, teamID}]
	if !ok {
		return fmt.Errorf("team %s: %w", teamID, store.ErrNotFound)
	}
	if t.Purse < amount {
		return fmt.Errorf("team %s has %d, needs %d: %w", teamID, t.Purse, amount, store.ErrInsufficientPurse)
	}
	t.Purse -= amount
	return nil
}

func (r TeamRepo) CreditPurse(_ context.Context, tournamentID, teamID string, amount int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.teams[key{tournamentID, teamID}]
	if !ok {
		return fmt.Errorf("team %s: %w", teamID, store.ErrNotFound)
	}
	t.Purse += amount
	return nil
}

func (r TeamRepo) AddToRoster(_ context.Context, tournamentID, teamID, playerID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.teams[key{tournamentID, teamID}]
	if !ok {
		return fmt.Errorf("team %s: %w", teamID, store.ErrNotFound)
	}
	t.Roster = append(t.Roster, playerID)
	return nil
}

// EventStore implements event.Store in memory.
type EventStore struct{ db *DB }

func (s EventStore) Append(_ context.Context, events ...event.Event) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, e := range events {
		if e.Version > 0 {
			for _, existing := range s.db.events {
				if existing.AggregateID == e.AggregateID && existing.Version == e.Version {
					return fmt.Errorf("event (aggregate=%s, version=%d) already exists", e.AggregateID, e.Version)
				}
			}
		}
	}
	for _, e := range events {
		if e.ID == "" {
			e.ID = ulid.Make().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.db.clock.Now().UTC()
		}
		s.db.events = append(s.db.events, e)
	}
	return nil
}

func (s EventStore) Load(_ context.Context, aggregateID string) ([]event.Event, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var result []event.Event
	for _, e := range s.db.events {
		if e.AggregateID == aggregateID {
			result = append(result, e)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Version < result[j].Version })
	return result, nil
}

func (s EventStore) LoadByType(_ context.Context, eventType event.Type) ([]event.Event, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var result []event.Event
	for _, e := range s.db.events {
		if e.Type == eventType {
			result = append(result, e)
		}
	}
	return result, nil
}
