package auction

import (
	"sort"
	"sync"

	"github.com/jensholdgaard/cricket-auction/internal/money"
	"github.com/jensholdgaard/cricket-auction/internal/store"
)

// NoPool is the pool name reported before any pool has been started.
const NoPool = "None"

// PlayerSummary is the part of a player shown to viewers.
type PlayerSummary struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Role        string       `json:"role"`
	Nationality string       `json:"nationality"`
	BasePrice   money.Amount `json:"basePrice"`
}

func summarize(p store.Player) PlayerSummary {
	return PlayerSummary{
		ID:          p.ID,
		Name:        p.Name,
		Role:        p.Role,
		Nationality: p.Nationality,
		BasePrice:   money.Amount(p.BasePrice),
	}
}

// AuctionState is the snapshot of one tournament's live auction. It is
// replaced wholesale on every accepted command.
type AuctionState struct {
	TournamentID    string          `json:"tournamentId"`
	CurrentPoolID   string          `json:"currentPoolId,omitempty"`
	CurrentPoolName string          `json:"currentPoolName"`
	CurrentPlayer   *PlayerSummary  `json:"currentPlayer"`
	CurrentBid      money.Amount    `json:"currentBid"`
	UpcomingPlayers []PlayerSummary `json:"upcomingPlayers"`
	Log             []string        `json:"log"`
	Version         int             `json:"version"`
}

// DefaultState is the state of a tournament whose auction has not started.
func DefaultState(tournamentID string) AuctionState {
	return AuctionState{
		TournamentID:    tournamentID,
		CurrentPoolName: NoPool,
		UpcomingPlayers: []PlayerSummary{},
		Log:             []string{},
	}
}

// Active reports whether a player is currently up for bid.
func (s AuctionState) Active() bool { return s.CurrentPlayer != nil }

// Clone returns a deep copy of s.
func (s AuctionState) Clone() AuctionState {
	out := s
	if s.CurrentPlayer != nil {
		p := *s.CurrentPlayer
		out.CurrentPlayer = &p
	}
	out.UpcomingPlayers = append(make([]PlayerSummary, 0, len(s.UpcomingPlayers)), s.UpcomingPlayers...)
	out.Log = append(make([]string, 0, len(s.Log)), s.Log...)
	return out
}

// Table maps tournaments to their current AuctionState. It is safe for
// concurrent use; callers serialize read-modify-write cycles per tournament.
type Table struct {
	mu     sync.RWMutex
	states map[string]AuctionState
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{states: make(map[string]AuctionState)}
}

// Get returns a copy of the tournament's state, or DefaultState if the
// tournament has no auction yet.
func (t *Table) Get(tournamentID string) AuctionState {
	t.mu.RLock()
	s, ok := t.states[tournamentID]
	t.mu.RUnlock()
	if !ok {
		return DefaultState(tournamentID)
	}
	return s.Clone()
}

// Replace overwrites the tournament's state. It does not notify anyone.
func (t *Table) Replace(tournamentID string, s AuctionState) {
	s = s.Clone()
	s.TournamentID = tournamentID
	t.mu.Lock()
	t.states[tournamentID] = s
	t.mu.Unlock()
}

// Tournaments returns the ids of all tournaments with a stored state.
func (t *Table) Tournaments() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.states))
	for id := range t.states {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
