package httpapi_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/cricket-auction/internal/auction"
	"github.com/jensholdgaard/cricket-auction/internal/auth"
	"github.com/jensholdgaard/cricket-auction/internal/broadcast"
	"github.com/jensholdgaard/cricket-auction/internal/clock"
	"github.com/jensholdgaard/cricket-auction/internal/gateway"
	"github.com/jensholdgaard/cricket-auction/internal/health"
	"github.com/jensholdgaard/cricket-auction/internal/httpapi"
	"github.com/jensholdgaard/cricket-auction/internal/money"
	"github.com/jensholdgaard/cricket-auction/internal/purse"
	"github.com/jensholdgaard/cricket-auction/internal/store"
	"github.com/jensholdgaard/cricket-auction/internal/store/memstore"
)

const secret = "test-secret"

type leadership bool

func (l leadership) IsLeader() bool { return bool(l) }

type server struct {
	*httptest.Server
	repos    *store.Repositories
	verifier *auth.Verifier
}

func newServer(t *testing.T, opts ...gateway.Option) *server {
	t.Helper()
	db := memstore.New(clock.Real{})
	db.PutTournament(store.Tournament{ID: "ipl", Name: "IPL", AdminID: "admin-1"})
	db.PutPool(store.Pool{ID: "p", TournamentID: "ipl", Name: "Marquee", Position: 1})
	db.PutPool(store.Pool{ID: "e", TournamentID: "ipl", Name: "Empty", Position: 2})
	db.PutPlayer(store.Player{ID: "a", TournamentID: "ipl", PoolID: "p", Name: "A", BasePrice: 1_000_000})
	db.PutPlayer(store.Player{ID: "b", TournamentID: "ipl", PoolID: "p", Name: "B", BasePrice: 2_000_000})
	db.PutTeam(store.Team{ID: "x", TournamentID: "ipl", Name: "TeamX", Purse: 10_000_000})
	db.PutTeam(store.Team{ID: "y", TournamentID: "ipl", Name: "TeamY", Purse: 500_000})
	repos := db.Repositories()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tp, mp := noop.NewTracerProvider(), metricnoop.NewMeterProvider()
	hub := broadcast.NewHub(logger, mp)
	mgr := auction.NewManager(repos, purse.NewManager(repos.Teams, repos.Events, logger, tp), hub,
		logger, tp, mp, auction.Options{PreviewSize: 5})

	hc := health.NewHandler(clock.Real{})
	hc.SetReady(true)

	verifier := auth.NewVerifier(secret)
	router := httpapi.NewRouter(httpapi.Deps{
		Gateway:  gateway.New(mgr, repos, hub, hub, logger, tp, opts...),
		Verifier: verifier,
		Health:   hc,
		Logger:   logger,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &server{Server: srv, repos: repos, verifier: verifier}
}

func (s *server) token(t *testing.T, p auth.Principal) string {
	t.Helper()
	tok, err := s.verifier.Issue(p, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *server) do(t *testing.T, method, path, token, body string) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (s *server) state(t *testing.T) auction.AuctionState {
	t.Helper()
	resp, err := http.Get(s.URL + "/api/tournaments/ipl/auction")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st auction.AuctionState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	return st
}

var adminPrincipal = auth.Principal{Subject: "admin-1", Role: auth.RoleAdmin}

func TestHealthRoutes(t *testing.T) {
	s := newServer(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(s.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestSnapshot(t *testing.T) {
	s := newServer(t)

	st := s.state(t)
	assert.Equal(t, "ipl", st.TournamentID)
	assert.Equal(t, auction.NoPool, st.CurrentPoolName)
	assert.Nil(t, st.CurrentPlayer)
	assert.Empty(t, st.Log)

	code, body := s.do(t, http.MethodGet, "/api/tournaments/nope/auction", "", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", body["error"])
}

func TestAuctionFlow(t *testing.T) {
	s := newServer(t)
	tok := s.token(t, adminPrincipal)

	code, body := s.do(t, http.MethodPost, "/api/tournaments/ipl/pools/p/start", tok, "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "Pool Marquee started", body["message"])

	st := s.state(t)
	require.NotNil(t, st.CurrentPlayer)
	assert.Equal(t, "a", st.CurrentPlayer.ID)
	assert.Equal(t, money.Amount(1_000_000), st.CurrentBid)

	code, _ = s.do(t, http.MethodPost, "/api/tournaments/ipl/bid", tok, `{"increment":{"value":5,"unit":"Lakhs"}}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, money.Amount(1_500_000), s.state(t).CurrentBid)

	code, _ = s.do(t, http.MethodPost, "/api/tournaments/ipl/bid", tok, `{"increment":{"value":-2,"unit":"Lakhs"}}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, money.Amount(1_300_000), s.state(t).CurrentBid)

	code, _ = s.do(t, http.MethodPost, "/api/tournaments/ipl/bid", tok, `{"newBid":3000000}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, money.Amount(3_000_000), s.state(t).CurrentBid)

	code, body = s.do(t, http.MethodPost, "/api/tournaments/ipl/sell", tok,
		`{"playerId":"a","teamId":"x","price":{"value":0.3,"unit":"Crores"}}`)
	require.Equal(t, http.StatusOK, code, body)

	team, err := s.repos.Teams.GetByID(t.Context(), "ipl", "x")
	require.NoError(t, err)
	assert.Equal(t, int64(7_000_000), team.Purse)
	assert.Equal(t, []string{"a"}, team.Roster)

	st = s.state(t)
	require.NotNil(t, st.CurrentPlayer)
	assert.Equal(t, "b", st.CurrentPlayer.ID)

	code, _ = s.do(t, http.MethodPost, "/api/tournaments/ipl/players/b/unsold", tok, "")
	require.Equal(t, http.StatusOK, code)

	st = s.state(t)
	assert.Nil(t, st.CurrentPlayer)
	require.NotEmpty(t, st.Log)
	assert.Contains(t, st.Log[len(st.Log)-1], "Marquee pool finished.")
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		path     string
		token    func(s *server, t *testing.T) string
		anon     bool
		body     string
		started  bool
		opts     []gateway.Option
		wantCode int
		wantErr  string
	}{
		{
			name:     "bad token",
			method:   http.MethodPost,
			path:     "/api/tournaments/ipl/pools/p/start",
			token:    func(*server, *testing.T) string { return "garbage" },
			wantCode: http.StatusUnauthorized,
			wantErr:  "unauthenticated",
		},
		{
			name:     "anonymous start",
			method:   http.MethodPost,
			path:     "/api/tournaments/ipl/pools/p/start",
			anon:     true,
			wantCode: http.StatusForbidden,
			wantErr:  "forbidden",
		},
		{
			name:   "admin of another tournament",
			method: http.MethodPost,
			path:   "/api/tournaments/ipl/pools/p/start",
			token: func(s *server, t *testing.T) string {
				return s.token(t, auth.Principal{Subject: "admin-2", Role: auth.RoleAdmin})
			},
			wantCode: http.StatusForbidden,
			wantErr:  "forbidden",
		},
		{
			name:     "unknown pool",
			method:   http.MethodPost,
			path:     "/api/tournaments/ipl/pools/zzz/start",
			wantCode: http.StatusNotFound,
			wantErr:  "not_found",
		},
		{
			name:     "bid without active player",
			method:   http.MethodPost,
			path:     "/api/tournaments/ipl/bid",
			body:     `{"increment":500000}`,
			wantCode: http.StatusConflict,
			wantErr:  "conflict",
		},
		{
			name:     "bid with both fields",
			method:   http.MethodPost,
			path:     "/api/tournaments/ipl/bid",
			body:     `{"increment":1,"newBid":1}`,
			started:  true,
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid_request",
		},
		{
			name:     "bid with neither field",
			method:   http.MethodPost,
			path:     "/api/tournaments/ipl/bid",
			body:     `{}`,
			started:  true,
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid_request",
		},
		{
			name:     "bid with unknown unit",
			method:   http.MethodPost,
			path:     "/api/tournaments/ipl/bid",
			body:     `{"newBid":{"value":1,"unit":"Dollars"}}`,
			started:  true,
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid_request",
		},
		{
			name:     "malformed body",
			method:   http.MethodPost,
			path:     "/api/tournaments/ipl/sell",
			body:     `{"playerId":`,
			started:  true,
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid_request",
		},
		{
			name:     "zero price",
			method:   http.MethodPost,
			path:     "/api/tournaments/ipl/sell",
			body:     `{"playerId":"a","teamId":"x","price":{"value":0,"unit":"Lakhs"}}`,
			started:  true,
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid_request",
		},
		{
			name:     "sell player not up",
			method:   http.MethodPost,
			path:     "/api/tournaments/ipl/sell",
			body:     `{"playerId":"b","teamId":"x","price":{"value":20,"unit":"Lakhs"}}`,
			started:  true,
			wantCode: http.StatusConflict,
			wantErr:  "conflict",
		},
		{
			name:     "sell beyond purse",
			method:   http.MethodPost,
			path:     "/api/tournaments/ipl/sell",
			body:     `{"playerId":"a","teamId":"y","price":{"value":10,"unit":"Lakhs"}}`,
			started:  true,
			wantCode: http.StatusUnprocessableEntity,
			wantErr:  "insufficient_funds",
		},
		{
			name:     "sell to unknown team",
			method:   http.MethodPost,
			path:     "/api/tournaments/ipl/sell",
			body:     `{"playerId":"a","teamId":"zzz","price":{"value":10,"unit":"Lakhs"}}`,
			started:  true,
			wantCode: http.StatusNotFound,
			wantErr:  "not_found",
		},
		{
			name:     "follower replica",
			method:   http.MethodPost,
			path:     "/api/tournaments/ipl/pools/p/start",
			opts:     []gateway.Option{gateway.WithLeadership(leadership(false))},
			wantCode: http.StatusServiceUnavailable,
			wantErr:  "not_leader",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newServer(t, tt.opts...)
			admin := s.token(t, adminPrincipal)
			if tt.started {
				code, _ := s.do(t, http.MethodPost, "/api/tournaments/ipl/pools/p/start", admin, "")
				require.Equal(t, http.StatusOK, code)
			}

			tok := admin
			switch {
			case tt.anon:
				tok = ""
			case tt.token != nil:
				tok = tt.token(s, t)
			}

			code, body := s.do(t, tt.method, tt.path, tok, tt.body)
			assert.Equal(t, tt.wantCode, code, body)
			assert.Equal(t, tt.wantErr, body["error"])
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestEmptyPoolIsNotFound(t *testing.T) {
	s := newServer(t)
	tok := s.token(t, adminPrincipal)

	code, body := s.do(t, http.MethodPost, "/api/tournaments/ipl/pools/e/start", tok, "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", body["error"])

	st := s.state(t)
	assert.Equal(t, "Empty", st.CurrentPoolName)
	assert.Equal(t, []string{"Empty pool already finished"}, st.Log)
}

func TestSnapshotFromFollower(t *testing.T) {
	s := newServer(t, gateway.WithLeadership(leadership(false)))
	st := s.state(t)
	assert.Equal(t, auction.NoPool, st.CurrentPoolName)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err      error
		wantCode int
		wantName string
	}{
		{err: money.ErrFractional, wantCode: http.StatusBadRequest, wantName: "invalid_request"},
		{err: auction.ErrInvalid, wantCode: http.StatusBadRequest, wantName: "invalid_request"},
		{err: auth.ErrUnauthenticated, wantCode: http.StatusUnauthorized, wantName: "unauthenticated"},
		{err: auction.ErrPoolFinished, wantCode: http.StatusNotFound, wantName: "not_found"},
		{err: auction.ErrInsufficientFunds, wantCode: http.StatusUnprocessableEntity, wantName: "insufficient_funds"},
		{err: auction.ErrNoActivePlayer, wantCode: http.StatusConflict, wantName: "conflict"},
		{err: gateway.ErrNotLeader, wantCode: http.StatusServiceUnavailable, wantName: "not_leader"},
		{err: io.ErrUnexpectedEOF, wantCode: http.StatusInternalServerError, wantName: "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			code, name := httpapi.Classify(tt.err)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantName, name)
		})
	}
}
