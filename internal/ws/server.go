// Package ws serves the live auction over persistent websocket
// connections.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/jensholdgaard/cricket-auction/internal/auth"
	"github.com/jensholdgaard/cricket-auction/internal/broadcast"
	"github.com/jensholdgaard/cricket-auction/internal/config"
	"github.com/jensholdgaard/cricket-auction/internal/gateway"
	"github.com/jensholdgaard/cricket-auction/internal/httpapi"
	"github.com/jensholdgaard/cricket-auction/internal/money"
)

// Inbound event names.
const (
	EventJoin      = "join_tournament"
	EventLeave     = "leave_tournament"
	EventUpdateBid = "admin_update_bid"
)

// ErrRateLimited is replied when a connection sends faster than allowed.
var ErrRateLimited = errors.New("too many messages")

// Gateway is the part of the command gateway a connection drives.
type Gateway interface {
	Join(ctx context.Context, sub broadcast.Subscriber, tournamentID string) error
	Leave(sub broadcast.Subscriber, tournamentID string)
	Disconnect(sub broadcast.Subscriber)
	AdjustBid(ctx context.Context, p auth.Principal, tournamentID string, increment money.Amount) error
	SetBid(ctx context.Context, p auth.Principal, tournamentID string, amount money.Amount) error
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type tournamentData struct {
	TournamentID string `json:"tournamentId"`
}

type bidData struct {
	TournamentID string          `json:"tournamentId"`
	NewBid       json.RawMessage `json:"newBid"`
	Increment    json.RawMessage `json:"increment"`
}

// ErrorData is the payload of an error reply.
type ErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Server upgrades HTTP requests and runs their connections.
type Server struct {
	gw       Gateway
	verifier *auth.Verifier
	cfg      config.AuctionConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[string]*Conn
	wg    sync.WaitGroup
}

// NewServer returns a Server. An empty origins list accepts any origin.
func NewServer(gw Gateway, verifier *auth.Verifier, cfg config.AuctionConfig, origins []string, logger *slog.Logger) *Server {
	return &Server{
		gw:       gw,
		verifier: verifier,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(origins) == 0 {
					return true
				}
				return slices.Contains(origins, r.Header.Get("Origin"))
			},
		},
		logger: logger,
		conns:  make(map[string]*Conn),
	}
}

// ServeHTTP authenticates the request, upgrades it and blocks until the
// connection ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, err := s.verifier.FromRequest(r)
	if err != nil {
		code, _ := httpapi.Classify(err)
		http.Error(w, err.Error(), code)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WarnContext(r.Context(), "websocket upgrade failed", slog.Any("error", err))
		return
	}

	c := newConn(ulid.Make().String(), ws, p, s.cfg.SendBuffer,
		rate.NewLimiter(rate.Limit(s.cfg.InboundRate), s.cfg.InboundBurst))
	s.track(c)
	defer s.untrack(c)

	s.logger.InfoContext(r.Context(), "connection opened",
		slog.String("conn_id", c.id),
		slog.String("subject", p.Subject),
		slog.String("role", string(p.Role)),
	)

	ctx := context.WithoutCancel(r.Context())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writeLoop(ctx, c)
	}()
	s.readLoop(ctx, c)

	c.Close()
	s.gw.Disconnect(c)
	s.logger.InfoContext(ctx, "connection closed", slog.String("conn_id", c.id))
}

// Count returns the number of open connections.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown closes every connection and waits for the writers to finish or
// ctx to expire. http.Server.Shutdown does not track hijacked connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.id] = c
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.id)
}

func (s *Server) readLoop(ctx context.Context, c *Conn) {
	c.ws.SetReadLimit(s.cfg.MaxMessageLen)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.DebugContext(ctx, "connection read failed",
					slog.String("conn_id", c.id),
					slog.Any("error", err),
				)
			}
			return
		}
		if !c.limiter.Allow() {
			s.reply(ctx, c, ErrRateLimited)
			continue
		}

		var in inbound
		if err := json.Unmarshal(raw, &in); err != nil {
			s.reply(ctx, c, fmt.Errorf("%w: %v", gateway.ErrValidation, err))
			continue
		}
		if err := s.dispatch(ctx, c, in); err != nil {
			s.reply(ctx, c, err)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, c *Conn, in inbound) error {
	switch in.Event {
	case EventJoin:
		var d tournamentData
		if err := unmarshal(in.Data, &d); err != nil {
			return err
		}
		return s.gw.Join(ctx, c, d.TournamentID)

	case EventLeave:
		var d tournamentData
		if err := unmarshal(in.Data, &d); err != nil {
			return err
		}
		s.gw.Leave(c, d.TournamentID)
		return nil

	case EventUpdateBid:
		var d bidData
		if err := unmarshal(in.Data, &d); err != nil {
			return err
		}
		if (len(d.NewBid) == 0) == (len(d.Increment) == 0) {
			return fmt.Errorf("%w: exactly one of newBid and increment is required", gateway.ErrValidation)
		}
		if len(d.Increment) > 0 {
			inc, err := money.ParseSignedJSON(d.Increment)
			if err != nil {
				return err
			}
			return s.gw.AdjustBid(ctx, c.principal, d.TournamentID, inc)
		}
		amount, err := money.ParseJSON(d.NewBid)
		if err != nil {
			return err
		}
		return s.gw.SetBid(ctx, c.principal, d.TournamentID, amount)

	default:
		return fmt.Errorf("%w: unknown event %q", gateway.ErrValidation, in.Event)
	}
}

// reply sends err to c alone.
func (s *Server) reply(ctx context.Context, c *Conn, err error) {
	code, name := httpapi.Classify(err)
	msg := err.Error()
	switch {
	case errors.Is(err, ErrRateLimited):
		name = "rate_limited"
	case code == http.StatusInternalServerError:
		s.logger.ErrorContext(ctx, "connection command failed",
			slog.String("conn_id", c.id),
			slog.Any("error", err),
		)
		msg = "internal error"
	}
	c.Send(broadcast.Message{Event: broadcast.EventError, Data: ErrorData{Message: msg, Code: name}})
}

func (s *Server) writeLoop(ctx context.Context, c *Conn) {
	ping := time.NewTicker(s.cfg.PongTimeout * 9 / 10)
	defer func() {
		ping.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				s.logger.DebugContext(ctx, "connection write failed",
					slog.String("conn_id", c.id),
					slog.Any("error", err),
				)
				c.Close()
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.cfg.WriteTimeout))
			return
		}
	}
}

func unmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing data", gateway.ErrValidation)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", gateway.ErrValidation, err)
	}
	return nil
}
