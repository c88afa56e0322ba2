package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/cricket-auction/internal/money"
	"github.com/jensholdgaard/cricket-auction/internal/purse"
	"github.com/jensholdgaard/cricket-auction/internal/store"
)

// Errors returned by auction operations.
var (
	ErrNotFound          = store.ErrNotFound
	ErrInsufficientFunds = store.ErrInsufficientPurse
	ErrInvalid           = errors.New("invalid command")
	ErrNoActivePlayer    = errors.New("no player is up for auction")
	ErrPlayerNotActive   = errors.New("player is not the current player")
	ErrPoolFinished      = fmt.Errorf("pool already finished: %w", ErrNotFound)
)

// DefaultPreviewSize is the number of upcoming players shown to viewers.
const DefaultPreviewSize = 5

// Machine computes auction transitions. It reads and writes the store but
// never touches the state table; a returned non-nil state must be committed
// by the caller even when an error is returned alongside it, since the
// store already reflects it.
type Machine struct {
	pools       store.PoolRepository
	players     store.PlayerRepository
	teams       store.TeamRepository
	purse       *purse.Manager
	previewSize int
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewMachine returns a Machine over the given repositories.
func NewMachine(repos *store.Repositories, purses *purse.Manager, previewSize int, logger *slog.Logger, tp trace.TracerProvider) *Machine {
	if previewSize < 0 {
		previewSize = DefaultPreviewSize
	}
	return &Machine{
		pools:       repos.Pools,
		players:     repos.Players,
		teams:       repos.Teams,
		purse:       purses,
		previewSize: previewSize,
		logger:      logger,
		tracer:      tp.Tracer("github.com/jensholdgaard/cricket-auction/internal/auction"),
	}
}

// StartPool puts the first available player of the pool up for auction and
// resets the log. An exhausted pool is marked completed and reported with
// ErrPoolFinished together with the idle state to commit.
func (m *Machine) StartPool(ctx context.Context, cur AuctionState, poolID string) (*AuctionState, error) {
	ctx, span := m.tracer.Start(ctx, "Machine.StartPool",
		trace.WithAttributes(
			attribute.String("tournament_id", cur.TournamentID),
			attribute.String("pool_id", poolID),
		),
	)
	defer span.End()

	pool, err := m.pools.GetByID(ctx, cur.TournamentID, poolID)
	if err != nil {
		return nil, fmt.Errorf("loading pool %s: %w", poolID, err)
	}
	available, err := m.pools.AvailablePlayers(ctx, cur.TournamentID, poolID)
	if err != nil {
		return nil, fmt.Errorf("loading players of pool %s: %w", poolID, err)
	}

	next := DefaultState(cur.TournamentID)
	next.CurrentPoolID = pool.ID
	next.CurrentPoolName = pool.Name

	if len(available) == 0 {
		if err := m.pools.MarkCompleted(ctx, cur.TournamentID, pool.ID); err != nil {
			return nil, fmt.Errorf("completing pool %s: %w", poolID, err)
		}
		next.Log = []string{fmt.Sprintf("%s pool already finished", pool.Name)}
		return &next, fmt.Errorf("%s: %w", pool.Name, ErrPoolFinished)
	}

	m.setCurrent(&next, available)
	next.Log = []string{fmt.Sprintf("Auction started for pool %s. First up: %s", pool.Name, next.CurrentPlayer.Name)}
	return &next, nil
}

// AdjustBid moves the bid by increment, never below the base price.
func (m *Machine) AdjustBid(cur AuctionState, increment money.Amount) (*AuctionState, error) {
	if !cur.Active() {
		return nil, ErrNoActivePlayer
	}
	return m.SetBid(cur, cur.CurrentBid.Add(increment))
}

// SetBid sets the bid to amount, never below the base price. A decrease
// above the base price is accepted.
func (m *Machine) SetBid(cur AuctionState, amount money.Amount) (*AuctionState, error) {
	if !cur.Active() {
		return nil, ErrNoActivePlayer
	}
	next := cur.Clone()
	next.CurrentBid = max(cur.CurrentPlayer.BasePrice, amount)
	return &next, nil
}

// Sell awards the current player to the team for price and advances to the
// next available player of the pool.
func (m *Machine) Sell(ctx context.Context, cur AuctionState, playerID, teamID string, price money.Amount) (*AuctionState, error) {
	ctx, span := m.tracer.Start(ctx, "Machine.Sell",
		trace.WithAttributes(
			attribute.String("tournament_id", cur.TournamentID),
			attribute.String("player_id", playerID),
			attribute.String("team_id", teamID),
			attribute.Int64("price", int64(price)),
		),
	)
	defer span.End()

	if price <= 0 {
		return nil, fmt.Errorf("price must be positive: %w", ErrInvalid)
	}
	if err := requireCurrent(cur, playerID); err != nil {
		return nil, err
	}
	tid := cur.TournamentID

	team, err := m.purse.Check(ctx, tid, teamID, price)
	if err != nil {
		return nil, err
	}
	if err := m.purse.Debit(ctx, tid, teamID, playerID, price); err != nil {
		return nil, err
	}
	if err := m.players.MarkSold(ctx, tid, playerID, teamID, int64(price)); err != nil {
		if rerr := m.purse.Refund(ctx, tid, teamID, playerID, price); rerr != nil {
			m.logger.ErrorContext(ctx, "failed to refund purse after failed sale",
				slog.String("team_id", teamID),
				slog.String("player_id", playerID),
				slog.Any("error", rerr),
			)
		}
		return nil, soldErr(playerID, err)
	}
	if err := m.teams.AddToRoster(ctx, tid, teamID, playerID); err != nil {
		m.logger.ErrorContext(ctx, "failed to add player to roster",
			slog.String("team_id", teamID),
			slog.String("player_id", playerID),
			slog.Any("error", err),
		)
	}

	line := fmt.Sprintf("%s sold to %s for %s.", cur.CurrentPlayer.Name, team.Name, price)
	return m.advance(ctx, cur, line)
}

// MarkUnsold records that nobody bought the current player and advances to
// the next available player of the pool.
func (m *Machine) MarkUnsold(ctx context.Context, cur AuctionState, playerID string) (*AuctionState, error) {
	ctx, span := m.tracer.Start(ctx, "Machine.MarkUnsold",
		trace.WithAttributes(
			attribute.String("tournament_id", cur.TournamentID),
			attribute.String("player_id", playerID),
		),
	)
	defer span.End()

	if err := requireCurrent(cur, playerID); err != nil {
		return nil, err
	}
	if err := m.players.MarkUnsold(ctx, cur.TournamentID, playerID); err != nil {
		return nil, soldErr(playerID, err)
	}

	line := fmt.Sprintf("%s went unsold.", cur.CurrentPlayer.Name)
	return m.advance(ctx, cur, line)
}

// Preview re-reads the upcoming players of an active state from the store.
func (m *Machine) Preview(ctx context.Context, cur AuctionState) (AuctionState, error) {
	next := cur.Clone()
	if !cur.Active() || cur.CurrentPoolID == "" {
		return next, nil
	}
	available, err := m.pools.AvailablePlayers(ctx, cur.TournamentID, cur.CurrentPoolID)
	if err != nil {
		return next, fmt.Errorf("loading players of pool %s: %w", cur.CurrentPoolID, err)
	}
	next.UpcomingPlayers = m.preview(available, cur.CurrentPlayer.ID)
	return next, nil
}

// advance moves to the next available player, re-reading the pool so a
// stale preview is never trusted. The outcome line is appended to the log
// with the next player or the end of the pool.
func (m *Machine) advance(ctx context.Context, cur AuctionState, line string) (*AuctionState, error) {
	next := cur.Clone()
	next.CurrentPlayer = nil
	next.CurrentBid = 0
	next.UpcomingPlayers = []PlayerSummary{}

	available, err := m.pools.AvailablePlayers(ctx, cur.TournamentID, cur.CurrentPoolID)
	if err != nil {
		next.Log = append(next.Log, line)
		return &next, fmt.Errorf("advancing pool %s: %w", cur.CurrentPoolID, err)
	}
	if len(available) == 0 {
		next.Log = append(next.Log, fmt.Sprintf("%s %s pool finished.", line, cur.CurrentPoolName))
		if err := m.pools.MarkCompleted(ctx, cur.TournamentID, cur.CurrentPoolID); err != nil {
			return &next, fmt.Errorf("completing pool %s: %w", cur.CurrentPoolID, err)
		}
		return &next, nil
	}

	m.setCurrent(&next, available)
	next.Log = append(next.Log, fmt.Sprintf("%s Next up: %s", line, next.CurrentPlayer.Name))
	return &next, nil
}

func (m *Machine) setCurrent(s *AuctionState, available []store.Player) {
	first := summarize(available[0])
	s.CurrentPlayer = &first
	s.CurrentBid = first.BasePrice
	s.UpcomingPlayers = m.preview(available, first.ID)
}

func (m *Machine) preview(available []store.Player, currentID string) []PlayerSummary {
	out := make([]PlayerSummary, 0, m.previewSize)
	for _, p := range available {
		if len(out) == m.previewSize {
			break
		}
		if p.ID == currentID {
			continue
		}
		out = append(out, summarize(p))
	}
	return out
}

func requireCurrent(cur AuctionState, playerID string) error {
	if !cur.Active() {
		return ErrNoActivePlayer
	}
	if cur.CurrentPlayer.ID != playerID {
		return fmt.Errorf("%s: %w", playerID, ErrPlayerNotActive)
	}
	return nil
}

func soldErr(playerID string, err error) error {
	if errors.Is(err, store.ErrNotAvailable) {
		return fmt.Errorf("%s: %w", playerID, ErrPlayerNotActive)
	}
	return fmt.Errorf("recording result for %s: %w", playerID, err)
}
