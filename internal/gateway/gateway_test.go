package gateway_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/cricket-auction/internal/auction"
	"github.com/jensholdgaard/cricket-auction/internal/auth"
	"github.com/jensholdgaard/cricket-auction/internal/broadcast"
	"github.com/jensholdgaard/cricket-auction/internal/clock"
	"github.com/jensholdgaard/cricket-auction/internal/gateway"
	"github.com/jensholdgaard/cricket-auction/internal/money"
	"github.com/jensholdgaard/cricket-auction/internal/purse"
	"github.com/jensholdgaard/cricket-auction/internal/store"
	"github.com/jensholdgaard/cricket-auction/internal/store/memstore"
)

var (
	testTP = noop.NewTracerProvider()
	testMP = metricnoop.NewMeterProvider()

	admin     = auth.Principal{Subject: "admin-1", Role: auth.RoleAdmin}
	delegated = auth.Principal{Subject: "ops", Role: auth.RoleAdmin, TournamentID: "ipl"}
	stranger  = auth.Principal{Subject: "admin-2", Role: auth.RoleAdmin}
	team      = auth.Principal{Subject: "admin-1", Role: auth.RoleTeam}
)

type recorder struct {
	id string

	mu   sync.Mutex
	msgs []broadcast.Message
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Send(msg broadcast.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return true
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Event)
	}
	return out
}

// countingTournaments counts store reads to prove validation runs first.
type countingTournaments struct {
	store.TournamentRepository
	calls atomic.Int32
}

func (c *countingTournaments) GetByID(ctx context.Context, id string) (*store.Tournament, error) {
	c.calls.Add(1)
	return c.TournamentRepository.GetByID(ctx, id)
}

type follower struct{ joined, snapshots int }

func (f *follower) JoinCached(context.Context, broadcast.Subscriber, string) { f.joined++ }

func (f *follower) Snapshot(_ context.Context, tid string) broadcast.Message {
	f.snapshots++
	return auction.StateMessage(auction.DefaultState(tid))
}

type leadership struct{ leader bool }

func (l leadership) IsLeader() bool { return l.leader }

type fixture struct {
	gw     *gateway.Gateway
	mgr    *auction.Manager
	repos  *store.Repositories
	counts *countingTournaments
	sub    *recorder
}

func newFixture(t *testing.T, opts ...gateway.Option) *fixture {
	t.Helper()
	db := memstore.New(clock.Real{})
	db.PutTournament(store.Tournament{ID: "ipl", Name: "IPL", AdminID: "admin-1"})
	db.PutPool(store.Pool{ID: "p", TournamentID: "ipl", Name: "Marquee", Position: 1})
	db.PutPool(store.Pool{ID: "e", TournamentID: "ipl", Name: "Empty", Position: 2})
	db.PutPlayer(store.Player{ID: "a", TournamentID: "ipl", PoolID: "p", Name: "A", BasePrice: 2_000_000})
	db.PutTeam(store.Team{ID: "x", TournamentID: "ipl", Name: "TeamX", Purse: 100_000_000})

	repos := db.Repositories()
	counts := &countingTournaments{TournamentRepository: repos.Tournaments}
	repos.Tournaments = counts

	logger := slog.Default()
	hub := broadcast.NewHub(logger, testMP)
	mgr := auction.NewManager(repos, purse.NewManager(repos.Teams, repos.Events, logger, testTP), hub,
		logger, testTP, testMP, auction.Options{PreviewSize: 5})
	gw := gateway.New(mgr, repos, hub, hub, logger, testTP, opts...)

	sub := &recorder{id: "viewer"}
	if err := gw.Join(context.Background(), sub, "ipl"); err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	return &fixture{gw: gw, mgr: mgr, repos: repos, counts: counts, sub: sub}
}

func lakhs(v int64) money.Price {
	return money.Price{Value: decimal.NewFromInt(v), Unit: "Lakhs"}
}

func TestGateway_StartPool(t *testing.T) {
	f := newFixture(t)

	msg, err := f.gw.StartPool(context.Background(), admin, "ipl", "p")
	if err != nil {
		t.Fatalf("StartPool() error: %v", err)
	}
	if msg != "Pool Marquee started" {
		t.Errorf("message = %q", msg)
	}
	got := f.sub.events()
	want := []string{broadcast.EventStateUpdate, broadcast.EventStateUpdate, broadcast.EventNotification}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("events[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestGateway_StartPool_EmptyPublishesPools(t *testing.T) {
	f := newFixture(t)

	_, err := f.gw.StartPool(context.Background(), admin, "ipl", "e")
	if !errors.Is(err, auction.ErrPoolFinished) {
		t.Fatalf("StartPool() error = %v, want ErrPoolFinished", err)
	}
	got := f.sub.events()
	if got[len(got)-1] != broadcast.EventPoolsUpdate {
		t.Errorf("events = %v, want a trailing pools_update", got)
	}
}

func TestGateway_Authorization(t *testing.T) {
	tests := []struct {
		name    string
		p       auth.Principal
		wantErr error
	}{
		{name: "tournament admin", p: admin},
		{name: "admin scoped by claim", p: delegated},
		{name: "admin of another tournament", p: stranger, wantErr: gateway.ErrForbidden},
		{name: "team role", p: team, wantErr: gateway.ErrForbidden},
		{name: "anonymous", p: auth.Anonymous, wantErr: gateway.ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.gw.StartPool(context.Background(), tt.p, "ipl", "p")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("StartPool() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil && f.mgr.Snapshot("ipl").Version != 0 {
				t.Error("rejected command reached the state machine")
			}
		})
	}
}

func TestGateway_ValidationBeforeStore(t *testing.T) {
	tests := []struct {
		name string
		call func(g *gateway.Gateway) error
	}{
		{name: "bad unit", call: func(g *gateway.Gateway) error {
			return g.Sell(context.Background(), admin, "ipl", "a", "x", money.Price{Value: decimal.NewFromInt(1), Unit: "Dollars"})
		}},
		{name: "negative price", call: func(g *gateway.Gateway) error {
			return g.Sell(context.Background(), admin, "ipl", "a", "x", lakhs(-5))
		}},
		{name: "zero price", call: func(g *gateway.Gateway) error {
			return g.Sell(context.Background(), admin, "ipl", "a", "x", lakhs(0))
		}},
		{name: "missing team", call: func(g *gateway.Gateway) error {
			return g.Sell(context.Background(), admin, "ipl", "a", "", lakhs(1))
		}},
		{name: "missing player", call: func(g *gateway.Gateway) error {
			return g.MarkUnsold(context.Background(), admin, "ipl", "")
		}},
		{name: "missing pool", call: func(g *gateway.Gateway) error {
			_, err := g.StartPool(context.Background(), admin, "ipl", "")
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			before := f.counts.calls.Load()
			if err := tt.call(f.gw); !errors.Is(err, gateway.ErrValidation) {
				t.Fatalf("error = %v, want ErrValidation", err)
			}
			if f.counts.calls.Load() != before {
				t.Error("store was read before validation failed")
			}
		})
	}
}

func TestGateway_SellPublishesSquadsAndPools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.gw.StartPool(ctx, admin, "ipl", "p")

	if err := f.gw.Sell(ctx, admin, "ipl", "a", "x", lakhs(25)); err != nil {
		t.Fatalf("Sell() error: %v", err)
	}
	tm, _ := f.repos.Teams.GetByID(ctx, "ipl", "x")
	if tm.Purse != 100_000_000-2_500_000 {
		t.Errorf("Purse = %d, want %d", tm.Purse, 100_000_000-2_500_000)
	}

	got := f.sub.events()
	tail := got[len(got)-3:]
	want := []string{broadcast.EventStateUpdate, broadcast.EventSquadUpdate, broadcast.EventPoolsUpdate}
	for i := range want {
		if tail[i] != want[i] {
			t.Fatalf("events = %v, want tail %v", got, want)
		}
	}
}

func TestGateway_Bids(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.gw.StartPool(ctx, admin, "ipl", "p")

	if err := f.gw.AdjustBid(ctx, admin, "ipl", 500_000); err != nil {
		t.Fatal(err)
	}
	if err := f.gw.SetBid(ctx, admin, "ipl", 1); err != nil {
		t.Fatal(err)
	}
	if got := f.mgr.Snapshot("ipl").CurrentBid; got != 2_000_000 {
		t.Errorf("CurrentBid = %d, want floor 2000000", got)
	}
	if err := f.gw.AdjustBid(ctx, team, "ipl", 1); !errors.Is(err, gateway.ErrForbidden) {
		t.Errorf("AdjustBid() by team error = %v, want ErrForbidden", err)
	}
}

func TestGateway_Join(t *testing.T) {
	f := newFixture(t)
	if err := f.gw.Join(context.Background(), &recorder{id: "x"}, "nope"); !errors.Is(err, auction.ErrNotFound) {
		t.Errorf("Join() unknown tournament error = %v, want ErrNotFound", err)
	}
	if err := f.gw.Join(context.Background(), &recorder{id: "x"}, ""); !errors.Is(err, gateway.ErrValidation) {
		t.Errorf("Join() empty id error = %v, want ErrValidation", err)
	}

	f.gw.Leave(f.sub, "ipl")
	_, _ = f.gw.StartPool(context.Background(), admin, "ipl", "p")
	if n := len(f.sub.events()); n != 1 {
		t.Errorf("after Leave got %d messages, want only the join snapshot", n)
	}
}

func TestGateway_Follower(t *testing.T) {
	fol := &follower{}
	f := newFixture(t, gateway.WithLeadership(leadership{leader: false}), gateway.WithFollowers(fol))
	ctx := context.Background()

	if fol.joined != 1 {
		t.Errorf("follower joins = %d, want 1", fol.joined)
	}
	if _, err := f.gw.StartPool(ctx, admin, "ipl", "p"); !errors.Is(err, gateway.ErrNotLeader) {
		t.Errorf("StartPool() error = %v, want ErrNotLeader", err)
	}
	if _, err := f.gw.Snapshot(ctx, "ipl"); err != nil || fol.snapshots != 1 {
		t.Errorf("Snapshot() error = %v, follower snapshots = %d", err, fol.snapshots)
	}
}

func TestGateway_Snapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.gw.StartPool(ctx, admin, "ipl", "p")

	msg, err := f.gw.Snapshot(ctx, "ipl")
	if err != nil {
		t.Fatal(err)
	}
	s, ok := msg.Data.(auction.AuctionState)
	if !ok || s.CurrentPlayer == nil || s.CurrentPlayer.ID != "a" {
		t.Errorf("Snapshot() = %+v", msg)
	}
	if _, err := f.gw.Snapshot(ctx, "nope"); !errors.Is(err, auction.ErrNotFound) {
		t.Errorf("Snapshot() unknown error = %v, want ErrNotFound", err)
	}
}
