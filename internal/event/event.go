package event

import (
	"context"
	"encoding/json"
	"time"
)

// Type identifies an event kind.
type Type string

const (
	PoolStarted  Type = "auction.pool_started"
	PoolFinished Type = "auction.pool_finished"
	BidAdjusted  Type = "auction.bid_adjusted"
	PlayerSold   Type = "auction.player_sold"
	PlayerUnsold Type = "auction.player_unsold"

	PurseDebited  Type = "purse.debited"
	PurseRefunded Type = "purse.refunded"
)

// Event represents a single domain event. Auction events use the
// tournament ID as the aggregate; purse events use the team ID.
type Event struct {
	ID          string          `json:"id" db:"id" bson:"_id"`
	AggregateID string          `json:"aggregate_id" db:"aggregate_id" bson:"aggregate_id"`
	Type        Type            `json:"type" db:"type" bson:"type"`
	Data        json.RawMessage `json:"data" db:"data" bson:"data"`
	Version     int             `json:"version" db:"version" bson:"version"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at" bson:"created_at"`
}

// TransitionData is the payload of every auction.* event. Snapshot holds
// the full auction state after the transition, so the latest event of a
// tournament is enough to rebuild its state.
type TransitionData struct {
	Command  string          `json:"command"`
	PoolID   string          `json:"pool_id,omitempty"`
	PlayerID string          `json:"player_id,omitempty"`
	TeamID   string          `json:"team_id,omitempty"`
	Amount   int64           `json:"amount,omitempty"`
	Snapshot json.RawMessage `json:"snapshot"`
}

// PurseChangeData is the payload for purse events.
type PurseChangeData struct {
	TournamentID string `json:"tournament_id"`
	TeamID       string `json:"team_id"`
	PlayerID     string `json:"player_id"`
	Amount       int64  `json:"amount"`
}

// Store persists and retrieves events.
type Store interface {
	// Append persists one or more events atomically. Auction events must
	// carry a version unique per tournament; purse events use version 0.
	Append(ctx context.Context, events ...Event) error
	// Load returns all events for an aggregate, ordered by version.
	Load(ctx context.Context, aggregateID string) ([]Event, error)
	// LoadByType returns events filtered by type, oldest first.
	LoadByType(ctx context.Context, eventType Type) ([]Event, error)
}
