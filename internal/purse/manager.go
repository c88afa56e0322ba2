// Package purse debits team purses for auction sales. A purse is checked
// before it is debited and never goes below zero.
package purse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/cricket-auction/internal/event"
	"github.com/jensholdgaard/cricket-auction/internal/money"
	"github.com/jensholdgaard/cricket-auction/internal/store"
)

// ErrNegativeAmount is returned for debits or refunds below zero.
var ErrNegativeAmount = errors.New("purse: amount must not be negative")

// Manager handles purse operations.
type Manager struct {
	teams  store.TeamRepository
	events event.Store
	logger *slog.Logger
	tracer trace.Tracer
}

// NewManager returns a new purse Manager.
func NewManager(teams store.TeamRepository, events event.Store, logger *slog.Logger, tp trace.TracerProvider) *Manager {
	return &Manager{
		teams:  teams,
		events: events,
		logger: logger,
		tracer: tp.Tracer("github.com/jensholdgaard/cricket-auction/internal/purse"),
	}
}

// Check returns the team when its remaining purse covers amount. It reads
// only; nothing is reserved.
func (m *Manager) Check(ctx context.Context, tournamentID, teamID string, amount money.Amount) (*store.Team, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Check",
		trace.WithAttributes(
			attribute.String("team_id", teamID),
			attribute.Int64("amount", int64(amount)),
		),
	)
	defer span.End()

	if amount < 0 {
		return nil, ErrNegativeAmount
	}
	team, err := m.teams.GetByID(ctx, tournamentID, teamID)
	if err != nil {
		return nil, err
	}
	if team.Purse < int64(amount) {
		return team, fmt.Errorf("%s has %s left, needs %s: %w",
			team.Name, money.Amount(team.Purse), amount, store.ErrInsufficientPurse)
	}
	return team, nil
}

// Debit takes amount from the team's purse for playerID.
func (m *Manager) Debit(ctx context.Context, tournamentID, teamID, playerID string, amount money.Amount) error {
	ctx, span := m.tracer.Start(ctx, "Manager.Debit",
		trace.WithAttributes(
			attribute.String("team_id", teamID),
			attribute.String("player_id", playerID),
			attribute.Int64("amount", int64(amount)),
		),
	)
	defer span.End()

	if amount < 0 {
		return ErrNegativeAmount
	}
	if err := m.teams.DebitPurse(ctx, tournamentID, teamID, int64(amount)); err != nil {
		return fmt.Errorf("debiting purse: %w", err)
	}

	m.record(ctx, event.PurseDebited, tournamentID, teamID, playerID, amount)

	m.logger.InfoContext(ctx, "purse debited",
		slog.String("tournament_id", tournamentID),
		slog.String("team_id", teamID),
		slog.String("player_id", playerID),
		slog.Int64("amount", int64(amount)),
	)
	return nil
}

// Refund returns a debit that could not be completed.
func (m *Manager) Refund(ctx context.Context, tournamentID, teamID, playerID string, amount money.Amount) error {
	ctx, span := m.tracer.Start(ctx, "Manager.Refund",
		trace.WithAttributes(
			attribute.String("team_id", teamID),
			attribute.Int64("amount", int64(amount)),
		),
	)
	defer span.End()

	if amount < 0 {
		return ErrNegativeAmount
	}
	if err := m.teams.CreditPurse(ctx, tournamentID, teamID, int64(amount)); err != nil {
		return fmt.Errorf("refunding purse: %w", err)
	}

	m.record(ctx, event.PurseRefunded, tournamentID, teamID, playerID, amount)

	m.logger.WarnContext(ctx, "purse refunded",
		slog.String("tournament_id", tournamentID),
		slog.String("team_id", teamID),
		slog.String("player_id", playerID),
		slog.Int64("amount", int64(amount)),
	)
	return nil
}

func (m *Manager) record(ctx context.Context, typ event.Type, tournamentID, teamID, playerID string, amount money.Amount) {
	data, _ := json.Marshal(event.PurseChangeData{
		TournamentID: tournamentID,
		TeamID:       teamID,
		PlayerID:     playerID,
		Amount:       int64(amount),
	})
	evt := event.Event{
		AggregateID: teamID,
		Type:        typ,
		Data:        data,
	}
	if err := m.events.Append(ctx, evt); err != nil {
		m.logger.ErrorContext(ctx, "failed to append purse event",
			slog.String("type", string(typ)),
			slog.Any("error", err),
		)
	}
}
