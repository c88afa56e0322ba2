// Package gateway is the only entry point that drives the auction: it
// authorizes and validates commands from HTTP handlers and live
// connections, then publishes collaborator events next to the state
// snapshots.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/cricket-auction/internal/auction"
	"github.com/jensholdgaard/cricket-auction/internal/auth"
	"github.com/jensholdgaard/cricket-auction/internal/broadcast"
	"github.com/jensholdgaard/cricket-auction/internal/money"
	"github.com/jensholdgaard/cricket-auction/internal/store"
)

// Errors returned by the gateway in addition to the auction errors.
var (
	ErrForbidden  = errors.New("forbidden")
	ErrValidation = errors.New("invalid request")
	ErrNotLeader  = errors.New("this replica is not the leader")
)

// Leadership reports whether this replica may run commands.
type Leadership interface {
	IsLeader() bool
}

// Followers serves viewers on replicas that do not lead.
type Followers interface {
	JoinCached(ctx context.Context, sub broadcast.Subscriber, tournamentID string)
	Snapshot(ctx context.Context, tournamentID string) broadcast.Message
}

// Groups manages subscriber membership.
type Groups interface {
	Leave(subID string)
	LeaveGroup(subID, tournamentID string)
}

// Gateway authorizes commands and hands them to the auction manager.
type Gateway struct {
	auctions    *auction.Manager
	tournaments store.TournamentRepository
	pools       store.PoolRepository
	teams       store.TeamRepository
	fanout      auction.Broadcaster
	groups      Groups
	leadership  Leadership
	followers   Followers
	logger      *slog.Logger
	tracer      trace.Tracer
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLeadership rejects commands while l reports a follower.
func WithLeadership(l Leadership) Option {
	return func(g *Gateway) { g.leadership = l }
}

// WithFollowers serves joins from f while this replica does not lead.
func WithFollowers(f Followers) Option {
	return func(g *Gateway) { g.followers = f }
}

// New returns a Gateway. fanout must be the same Broadcaster the manager
// uses so collaborator events interleave correctly with snapshots.
func New(auctions *auction.Manager, repos *store.Repositories, fanout auction.Broadcaster, groups Groups, logger *slog.Logger, tp trace.TracerProvider, opts ...Option) *Gateway {
	g := &Gateway{
		auctions:    auctions,
		tournaments: repos.Tournaments,
		pools:       repos.Pools,
		teams:       repos.Teams,
		fanout:      fanout,
		groups:      groups,
		logger:      logger,
		tracer:      tp.Tracer("github.com/jensholdgaard/cricket-auction/internal/gateway"),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// StartPool starts auctioning a pool and returns a message for the admin.
func (g *Gateway) StartPool(ctx context.Context, p auth.Principal, tournamentID, poolID string) (string, error) {
	ctx, span := g.tracer.Start(ctx, "Gateway.StartPool", g.attrs(p, tournamentID))
	defer span.End()

	if err := requireAdmin(p); err != nil {
		return "", err
	}
	if err := requireIDs(tournamentID, poolID); err != nil {
		return "", err
	}
	if err := g.authorize(ctx, p, tournamentID); err != nil {
		return "", err
	}

	state, err := g.auctions.StartPool(ctx, tournamentID, poolID)
	if errors.Is(err, auction.ErrPoolFinished) {
		g.publishPools(ctx, tournamentID)
	}
	if err != nil {
		return "", err
	}

	msg := fmt.Sprintf("Pool %s started", state.CurrentPoolName)
	g.fanout.Broadcast(tournamentID, broadcast.Message{
		Event: broadcast.EventNotification,
		Data:  broadcast.Notification{Message: msg, Type: "info"},
	})
	return msg, nil
}

// Sell sells the current player to a team for price.
func (g *Gateway) Sell(ctx context.Context, p auth.Principal, tournamentID, playerID, teamID string, price money.Price) error {
	ctx, span := g.tracer.Start(ctx, "Gateway.Sell", g.attrs(p, tournamentID))
	defer span.End()

	if err := requireAdmin(p); err != nil {
		return err
	}
	if err := requireIDs(tournamentID, playerID, teamID); err != nil {
		return err
	}
	amount, err := price.Amount()
	if err != nil {
		return fmt.Errorf("%w: price: %v", ErrValidation, err)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: price must be positive", ErrValidation)
	}
	if err := g.authorize(ctx, p, tournamentID); err != nil {
		return err
	}

	state, err := g.auctions.Sell(ctx, tournamentID, playerID, teamID, amount)
	if err != nil {
		return err
	}
	g.publishSquads(ctx, tournamentID)
	if auction.IsPoolFinished(state, nil) {
		g.publishPools(ctx, tournamentID)
	}
	return nil
}

// MarkUnsold passes on the current player.
func (g *Gateway) MarkUnsold(ctx context.Context, p auth.Principal, tournamentID, playerID string) error {
	ctx, span := g.tracer.Start(ctx, "Gateway.MarkUnsold", g.attrs(p, tournamentID))
	defer span.End()

	if err := requireAdmin(p); err != nil {
		return err
	}
	if err := requireIDs(tournamentID, playerID); err != nil {
		return err
	}
	if err := g.authorize(ctx, p, tournamentID); err != nil {
		return err
	}

	state, err := g.auctions.MarkUnsold(ctx, tournamentID, playerID)
	if err != nil {
		return err
	}
	if auction.IsPoolFinished(state, nil) {
		g.publishPools(ctx, tournamentID)
	}
	return nil
}

// AdjustBid moves the current bid by increment.
func (g *Gateway) AdjustBid(ctx context.Context, p auth.Principal, tournamentID string, increment money.Amount) error {
	ctx, span := g.tracer.Start(ctx, "Gateway.AdjustBid", g.attrs(p, tournamentID))
	defer span.End()

	if err := g.bidPreconditions(ctx, p, tournamentID); err != nil {
		return err
	}
	_, err := g.auctions.AdjustBid(ctx, tournamentID, increment)
	return err
}

// SetBid sets the current bid to amount.
func (g *Gateway) SetBid(ctx context.Context, p auth.Principal, tournamentID string, amount money.Amount) error {
	ctx, span := g.tracer.Start(ctx, "Gateway.SetBid", g.attrs(p, tournamentID))
	defer span.End()

	if err := g.bidPreconditions(ctx, p, tournamentID); err != nil {
		return err
	}
	_, err := g.auctions.SetBid(ctx, tournamentID, amount)
	return err
}

// Join subscribes sub to a tournament. It needs no authentication.
func (g *Gateway) Join(ctx context.Context, sub broadcast.Subscriber, tournamentID string) error {
	ctx, span := g.tracer.Start(ctx, "Gateway.Join",
		trace.WithAttributes(attribute.String("tournament_id", tournamentID)))
	defer span.End()

	if err := requireIDs(tournamentID); err != nil {
		return err
	}
	if _, err := g.tournaments.GetByID(ctx, tournamentID); err != nil {
		return err
	}
	if !g.isLeader() && g.followers != nil {
		g.followers.JoinCached(ctx, sub, tournamentID)
		return nil
	}
	g.auctions.Join(ctx, sub, tournamentID)
	return nil
}

// Leave removes sub from one tournament.
func (g *Gateway) Leave(sub broadcast.Subscriber, tournamentID string) {
	g.groups.LeaveGroup(sub.ID(), tournamentID)
}

// Disconnect removes sub from every tournament.
func (g *Gateway) Disconnect(sub broadcast.Subscriber) {
	g.groups.Leave(sub.ID())
}

// Snapshot returns the tournament's current auction_state_update message.
func (g *Gateway) Snapshot(ctx context.Context, tournamentID string) (broadcast.Message, error) {
	if err := requireIDs(tournamentID); err != nil {
		return broadcast.Message{}, err
	}
	if _, err := g.tournaments.GetByID(ctx, tournamentID); err != nil {
		return broadcast.Message{}, err
	}
	if !g.isLeader() && g.followers != nil {
		return g.followers.Snapshot(ctx, tournamentID), nil
	}
	return auction.StateMessage(g.auctions.Snapshot(tournamentID)), nil
}

func (g *Gateway) bidPreconditions(ctx context.Context, p auth.Principal, tournamentID string) error {
	if err := requireAdmin(p); err != nil {
		return err
	}
	if err := requireIDs(tournamentID); err != nil {
		return err
	}
	return g.authorize(ctx, p, tournamentID)
}

// authorize checks that p administers the tournament and that this
// replica may run commands.
func (g *Gateway) authorize(ctx context.Context, p auth.Principal, tournamentID string) error {
	if !g.isLeader() {
		return ErrNotLeader
	}
	t, err := g.tournaments.GetByID(ctx, tournamentID)
	if err != nil {
		return err
	}
	if t.AdminID != p.Subject && p.TournamentID != tournamentID {
		return fmt.Errorf("%w: %s does not administer %s", ErrForbidden, p.Subject, tournamentID)
	}
	return nil
}

func (g *Gateway) isLeader() bool {
	return g.leadership == nil || g.leadership.IsLeader()
}

func (g *Gateway) publishSquads(ctx context.Context, tournamentID string) {
	teams, err := g.teams.List(ctx, tournamentID)
	if err != nil {
		g.logger.ErrorContext(ctx, "failed to load teams for squad update",
			slog.String("tournament_id", tournamentID),
			slog.Any("error", err),
		)
		return
	}
	g.fanout.Broadcast(tournamentID, broadcast.Message{Event: broadcast.EventSquadUpdate, Data: teams})
}

func (g *Gateway) publishPools(ctx context.Context, tournamentID string) {
	pools, err := g.pools.List(ctx, tournamentID)
	if err != nil {
		g.logger.ErrorContext(ctx, "failed to load pools for pools update",
			slog.String("tournament_id", tournamentID),
			slog.Any("error", err),
		)
		return
	}
	g.fanout.Broadcast(tournamentID, broadcast.Message{Event: broadcast.EventPoolsUpdate, Data: pools})
}

func (g *Gateway) attrs(p auth.Principal, tournamentID string) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("tournament_id", tournamentID),
		attribute.String("subject", p.Subject),
		attribute.String("role", string(p.Role)),
	)
}

func requireAdmin(p auth.Principal) error {
	if !p.IsAdmin() {
		return fmt.Errorf("%w: admin role required", ErrForbidden)
	}
	return nil
}

func requireIDs(ids ...string) error {
	for _, id := range ids {
		if id == "" {
			return fmt.Errorf("%w: missing identifier", ErrValidation)
		}
	}
	return nil
}
