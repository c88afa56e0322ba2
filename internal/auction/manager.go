package auction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/cricket-auction/internal/broadcast"
	"github.com/jensholdgaard/cricket-auction/internal/event"
	"github.com/jensholdgaard/cricket-auction/internal/money"
	"github.com/jensholdgaard/cricket-auction/internal/purse"
	"github.com/jensholdgaard/cricket-auction/internal/store"
	"github.com/jensholdgaard/cricket-auction/internal/telemetry"
)

// DefaultMaxLogLines bounds the log kept in each state.
const DefaultMaxLogLines = 500

// Broadcaster delivers snapshots to a tournament's subscribers.
type Broadcaster interface {
	Join(sub broadcast.Subscriber, tournamentID string, snapshot broadcast.Message)
	Broadcast(tournamentID string, msg broadcast.Message)
}

// Options tunes a Manager.
type Options struct {
	PreviewSize int
	// MaxLogLines keeps only the newest lines of the log. Zero disables the cap.
	MaxLogLines int
}

// Manager runs auction commands one at a time per tournament, commits the
// resulting state to the table and broadcasts it while still holding the
// tournament's lock, so subscribers see snapshots in acceptance order.
type Manager struct {
	table   *Table
	machine *Machine
	events  event.Store
	hub     Broadcaster
	opts    Options

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	logger   *slog.Logger
	tracer   trace.Tracer
	commands metric.Int64Counter
}

// NewManager creates a new auction Manager.
func NewManager(repos *store.Repositories, purses *purse.Manager, hub Broadcaster, logger *slog.Logger, tp trace.TracerProvider, mp metric.MeterProvider, opts Options) *Manager {
	meter := mp.Meter("github.com/jensholdgaard/cricket-auction/internal/auction")
	commands, _ := meter.Int64Counter("auction.commands",
		metric.WithDescription("Auction commands by outcome."))

	return &Manager{
		table:    NewTable(),
		machine:  NewMachine(repos, purses, opts.PreviewSize, logger, tp),
		events:   repos.Events,
		hub:      hub,
		opts:     opts,
		locks:    make(map[string]*sync.Mutex),
		logger:   logger,
		tracer:   tp.Tracer("github.com/jensholdgaard/cricket-auction/internal/auction"),
		commands: commands,
	}
}

// Snapshot returns the tournament's current state.
func (m *Manager) Snapshot(tournamentID string) AuctionState {
	return m.table.Get(tournamentID)
}

// Join subscribes sub to the tournament and sends it the current state.
func (m *Manager) Join(ctx context.Context, sub broadcast.Subscriber, tournamentID string) {
	_, span := m.tracer.Start(ctx, "Manager.Join",
		trace.WithAttributes(attribute.String("tournament_id", tournamentID)),
	)
	defer span.End()

	unlock := m.lock(tournamentID)
	defer unlock()

	m.hub.Join(sub, tournamentID, StateMessage(m.table.Get(tournamentID)))
}

// StartPool starts auctioning the pool's available players.
func (m *Manager) StartPool(ctx context.Context, tournamentID, poolID string) (AuctionState, error) {
	data := event.TransitionData{Command: "start_pool", PoolID: poolID}
	return m.run(ctx, "StartPool", tournamentID, event.PoolStarted, data, func(ctx context.Context, cur AuctionState) (*AuctionState, error) {
		return m.machine.StartPool(ctx, cur, poolID)
	})
}

// AdjustBid moves the current bid by increment, floored at the base price.
func (m *Manager) AdjustBid(ctx context.Context, tournamentID string, increment money.Amount) (AuctionState, error) {
	data := event.TransitionData{Command: "adjust_bid", Amount: int64(increment)}
	return m.run(ctx, "AdjustBid", tournamentID, event.BidAdjusted, data, func(_ context.Context, cur AuctionState) (*AuctionState, error) {
		return m.machine.AdjustBid(cur, increment)
	})
}

// SetBid sets the current bid, floored at the base price.
func (m *Manager) SetBid(ctx context.Context, tournamentID string, amount money.Amount) (AuctionState, error) {
	data := event.TransitionData{Command: "set_bid", Amount: int64(amount)}
	return m.run(ctx, "SetBid", tournamentID, event.BidAdjusted, data, func(_ context.Context, cur AuctionState) (*AuctionState, error) {
		return m.machine.SetBid(cur, amount)
	})
}

// Sell sells the current player to the team.
func (m *Manager) Sell(ctx context.Context, tournamentID, playerID, teamID string, price money.Amount) (AuctionState, error) {
	data := event.TransitionData{Command: "sell", PlayerID: playerID, TeamID: teamID, Amount: int64(price)}
	return m.run(ctx, "Sell", tournamentID, event.PlayerSold, data, func(ctx context.Context, cur AuctionState) (*AuctionState, error) {
		return m.machine.Sell(ctx, cur, playerID, teamID, price)
	})
}

// MarkUnsold passes on the current player.
func (m *Manager) MarkUnsold(ctx context.Context, tournamentID, playerID string) (AuctionState, error) {
	data := event.TransitionData{Command: "unsold", PlayerID: playerID}
	return m.run(ctx, "MarkUnsold", tournamentID, event.PlayerUnsold, data, func(ctx context.Context, cur AuctionState) (*AuctionState, error) {
		return m.machine.MarkUnsold(ctx, cur, playerID)
	})
}

// Recover rebuilds the state of every tournament that has auction events
// from its latest snapshot. It is used on leader startup after a failover.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Recover")
	defer span.End()

	var ids []string
	seen := make(map[string]struct{})
	for _, typ := range []event.Type{event.PoolStarted, event.PoolFinished} {
		evts, err := m.events.LoadByType(ctx, typ)
		if err != nil {
			return 0, fmt.Errorf("loading %s events: %w", typ, err)
		}
		for _, e := range evts {
			if _, ok := seen[e.AggregateID]; !ok {
				seen[e.AggregateID] = struct{}{}
				ids = append(ids, e.AggregateID)
			}
		}
	}

	recovered := 0
	for _, id := range ids {
		if m.recoverOne(ctx, id) {
			recovered++
		}
	}

	m.logger.InfoContext(ctx, "auction recovery complete",
		slog.Int("tournaments", len(ids)),
		slog.Int("recovered", recovered),
	)
	return recovered, nil
}

// recoverOne installs the replayed state for id unless a command has
// already been committed there since this manager started.
func (m *Manager) recoverOne(ctx context.Context, id string) bool {
	unlock := m.lock(id)
	defer unlock()

	if cur := m.table.Get(id); cur.Version > 0 {
		m.logger.WarnContext(ctx, "skipping recovery of live auction",
			slog.String("tournament_id", id),
			slog.Int("version", cur.Version),
		)
		return false
	}

	state, err := m.replay(ctx, id)
	if err != nil {
		m.logger.WarnContext(ctx, "failed to replay auction during recovery",
			slog.String("tournament_id", id),
			slog.Any("error", err),
		)
		return false
	}
	m.table.Replace(id, state)

	m.logger.InfoContext(ctx, "recovered auction",
		slog.String("tournament_id", id),
		slog.String("pool", state.CurrentPoolName),
		slog.Int("version", state.Version),
	)
	return true
}

// Replay rebuilds a state from a tournament's event history. The latest
// event carries the full snapshot.
func Replay(events []event.Event) (AuctionState, error) {
	if len(events) == 0 {
		return AuctionState{}, fmt.Errorf("no events to replay")
	}
	last := events[len(events)-1]

	var d event.TransitionData
	if err := json.Unmarshal(last.Data, &d); err != nil {
		return AuctionState{}, fmt.Errorf("unmarshalling %s event: %w", last.Type, err)
	}
	state := DefaultState(last.AggregateID)
	if err := json.Unmarshal(d.Snapshot, &state); err != nil {
		return AuctionState{}, fmt.Errorf("unmarshalling snapshot: %w", err)
	}
	state.Version = last.Version
	if state.UpcomingPlayers == nil {
		state.UpcomingPlayers = []PlayerSummary{}
	}
	if state.Log == nil {
		state.Log = []string{}
	}
	return state, nil
}

func (m *Manager) replay(ctx context.Context, tournamentID string) (AuctionState, error) {
	evts, err := m.events.Load(ctx, tournamentID)
	if err != nil {
		return AuctionState{}, fmt.Errorf("loading events: %w", err)
	}
	state, err := Replay(evts)
	if err != nil {
		return AuctionState{}, err
	}
	// Players may have changed in the store since the snapshot was taken.
	return m.machine.Preview(ctx, state)
}

type transition func(ctx context.Context, cur AuctionState) (*AuctionState, error)

func (m *Manager) run(ctx context.Context, command, tournamentID string, typ event.Type, data event.TransitionData, fn transition) (AuctionState, error) {
	ctx, span := m.tracer.Start(ctx, "Manager."+command,
		trace.WithAttributes(attribute.String("tournament_id", tournamentID)),
	)
	defer span.End()

	unlock := m.lock(tournamentID)
	defer unlock()

	cur := m.table.Get(tournamentID)
	next, err := fn(ctx, cur)

	outcome := "ok"
	switch {
	case err != nil && next != nil:
		outcome = "partial"
	case err != nil:
		outcome = "rejected"
	}
	m.commands.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("outcome", outcome),
	))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	logger := telemetry.LogWithTrace(ctx, m.logger)
	if next == nil {
		logger.InfoContext(ctx, "auction command rejected",
			slog.String("command", command),
			slog.String("tournament_id", tournamentID),
			slog.Any("error", err),
		)
		return cur, err
	}

	committed := m.commit(ctx, tournamentID, cur, *next, typ, data)

	logger.InfoContext(ctx, "auction command applied",
		slog.String("command", command),
		slog.String("tournament_id", tournamentID),
		slog.String("pool", committed.CurrentPoolName),
		slog.Int64("current_bid", int64(committed.CurrentBid)),
		slog.Int("version", committed.Version),
	)
	return committed, err
}

// commit must be called with the tournament's lock held.
func (m *Manager) commit(ctx context.Context, tournamentID string, cur, next AuctionState, typ event.Type, data event.TransitionData) AuctionState {
	next.TournamentID = tournamentID
	next.Version = cur.Version + 1
	if limit := m.opts.MaxLogLines; limit > 0 && len(next.Log) > limit {
		next.Log = next.Log[len(next.Log)-limit:]
	}

	m.table.Replace(tournamentID, next)
	m.hub.Broadcast(tournamentID, StateMessage(next))

	if !next.Active() && typ != event.BidAdjusted {
		typ = event.PoolFinished
	}
	snapshot, _ := json.Marshal(next)
	data.Snapshot = snapshot
	payload, _ := json.Marshal(data)
	if err := m.events.Append(ctx, event.Event{
		AggregateID: tournamentID,
		Type:        typ,
		Data:        payload,
		Version:     next.Version,
	}); err != nil {
		telemetry.LogWithTrace(ctx, m.logger).ErrorContext(ctx, "failed to persist auction event",
			slog.String("tournament_id", tournamentID),
			slog.String("type", string(typ)),
			slog.Any("error", err),
		)
	}
	return next
}

func (m *Manager) lock(tournamentID string) (unlock func()) {
	m.mu.Lock()
	l, ok := m.locks[tournamentID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[tournamentID] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// StateMessage wraps a state as an auction_state_update message.
func StateMessage(s AuctionState) broadcast.Message {
	return broadcast.Message{Event: broadcast.EventStateUpdate, Data: s}
}

// IsPoolFinished reports whether err or state signals the end of a pool.
func IsPoolFinished(s AuctionState, err error) bool {
	return errors.Is(err, ErrPoolFinished) || (s.CurrentPoolID != "" && !s.Active())
}
