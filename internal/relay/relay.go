// Package relay shares broadcasts between replicas through redis pub/sub
// and caches the latest snapshot of each tournament, so any replica can
// serve viewers while only the leader runs commands.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jensholdgaard/cricket-auction/internal/auction"
	"github.com/jensholdgaard/cricket-auction/internal/broadcast"
)

const (
	channelPrefix  = "auction:events:"
	snapshotPrefix = "auction:snapshot:"
	queueSize      = 256
)

// Local is the in-process fan-out the relay wraps.
type Local interface {
	Join(sub broadcast.Subscriber, tournamentID string, snapshot broadcast.Message)
	Broadcast(tournamentID string, msg broadcast.Message)
}

// Envelope is the payload published for every broadcast.
type Envelope struct {
	Origin  string          `json:"origin"`
	Message json.RawMessage `json:"message"`
}

// Channel returns the pub/sub channel of a tournament.
func Channel(tournamentID string) string { return channelPrefix + tournamentID }

// SnapshotKey returns the key holding a tournament's latest snapshot.
func SnapshotKey(tournamentID string) string { return snapshotPrefix + tournamentID }

type outbound struct {
	tournamentID string
	event        string
	payload      []byte
	data         []byte
}

// Relay satisfies auction.Broadcaster. Broadcasts are delivered locally
// first and then published in order by a single goroutine.
type Relay struct {
	client redis.UniversalClient
	local  Local
	origin string
	ttl    time.Duration
	queue  chan outbound
	logger *slog.Logger
}

// New returns a Relay over client. Call Run to start publishing and
// receiving.
func New(client redis.UniversalClient, local Local, ttl time.Duration, logger *slog.Logger) *Relay {
	return &Relay{
		client: client,
		local:  local,
		origin: ulid.Make().String(),
		ttl:    ttl,
		queue:  make(chan outbound, queueSize),
		logger: logger,
	}
}

// Connect opens a redis client and checks it is reachable.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return client, nil
}

// Origin identifies this replica in published envelopes.
func (r *Relay) Origin() string { return r.origin }

// Join delivers the local snapshot through the wrapped fan-out.
func (r *Relay) Join(sub broadcast.Subscriber, tournamentID string, snapshot broadcast.Message) {
	r.local.Join(sub, tournamentID, snapshot)
}

// JoinCached subscribes sub using the snapshot cached in redis. Followers
// use it since they hold no auction state of their own.
func (r *Relay) JoinCached(ctx context.Context, sub broadcast.Subscriber, tournamentID string) {
	r.local.Join(sub, tournamentID, r.Snapshot(ctx, tournamentID))
}

// Snapshot returns the cached auction_state_update for the tournament, or
// the default state if nothing is cached.
func (r *Relay) Snapshot(ctx context.Context, tournamentID string) broadcast.Message {
	raw, err := r.client.Get(ctx, SnapshotKey(tournamentID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.WarnContext(ctx, "failed to read cached snapshot",
				slog.String("tournament_id", tournamentID),
				slog.Any("error", err),
			)
		}
		return auction.StateMessage(auction.DefaultState(tournamentID))
	}
	return broadcast.Message{Event: broadcast.EventStateUpdate, Data: json.RawMessage(raw)}
}

// Broadcast delivers msg locally and queues it for the other replicas.
func (r *Relay) Broadcast(tournamentID string, msg broadcast.Message) {
	r.local.Broadcast(tournamentID, msg)

	out, err := r.encode(tournamentID, msg)
	if err != nil {
		r.logger.Error("failed to encode relay envelope",
			slog.String("tournament_id", tournamentID),
			slog.Any("error", err),
		)
		return
	}
	select {
	case r.queue <- out:
	default:
		r.logger.Warn("relay queue full, dropping message",
			slog.String("tournament_id", tournamentID),
			slog.String("event", msg.Event),
		)
	}
}

// Run publishes queued messages and re-broadcasts messages from other
// replicas until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ps := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer ps.Close()

	// Wait for the subscription so nothing published after Run starts is missed.
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to relay channels: %w", err)
	}
	r.logger.InfoContext(ctx, "relay started", slog.String("origin", r.origin))

	incoming := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case out := <-r.queue:
			r.publish(ctx, out)
		case m, ok := <-incoming:
			if !ok {
				return nil
			}
			r.receive(ctx, m)
		}
	}
}

func (r *Relay) encode(tournamentID string, msg broadcast.Message) (outbound, error) {
	rawMsg, err := json.Marshal(msg)
	if err != nil {
		return outbound{}, err
	}
	payload, err := json.Marshal(Envelope{Origin: r.origin, Message: rawMsg})
	if err != nil {
		return outbound{}, err
	}
	out := outbound{tournamentID: tournamentID, event: msg.Event, payload: payload}
	if msg.Event == broadcast.EventStateUpdate {
		if out.data, err = json.Marshal(msg.Data); err != nil {
			return outbound{}, err
		}
	}
	return out, nil
}

func (r *Relay) publish(ctx context.Context, out outbound) {
	if out.data != nil {
		if err := r.client.Set(ctx, SnapshotKey(out.tournamentID), out.data, r.ttl).Err(); err != nil {
			r.logger.ErrorContext(ctx, "failed to cache snapshot",
				slog.String("tournament_id", out.tournamentID),
				slog.Any("error", err),
			)
		}
	}
	if err := r.client.Publish(ctx, Channel(out.tournamentID), out.payload).Err(); err != nil {
		r.logger.ErrorContext(ctx, "failed to publish relay message",
			slog.String("tournament_id", out.tournamentID),
			slog.String("event", out.event),
			slog.Any("error", err),
		)
	}
}

func (r *Relay) receive(ctx context.Context, m *redis.Message) {
	tournamentID := strings.TrimPrefix(m.Channel, channelPrefix)
	msg, origin, err := Decode([]byte(m.Payload))
	if err != nil {
		r.logger.WarnContext(ctx, "dropping malformed relay message",
			slog.String("channel", m.Channel),
			slog.Any("error", err),
		)
		return
	}
	if origin == r.origin {
		return
	}
	r.local.Broadcast(tournamentID, msg)
}

// Decode unpacks an envelope. The message data stays raw JSON.
func Decode(payload []byte) (broadcast.Message, string, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return broadcast.Message{}, "", fmt.Errorf("decoding envelope: %w", err)
	}
	var inner struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(env.Message, &inner); err != nil {
		return broadcast.Message{}, "", fmt.Errorf("decoding message: %w", err)
	}
	if inner.Event == "" {
		return broadcast.Message{}, "", fmt.Errorf("message without event")
	}
	return broadcast.Message{Event: inner.Event, Data: inner.Data}, env.Origin, nil
}
