package mongostore

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/jensholdgaard/cricket-auction/internal/clock"
	"github.com/jensholdgaard/cricket-auction/internal/event"
)

// EventStore implements event.Store on the events collection.
type EventStore struct {
	coll  *mongo.Collection
	clock clock.Clock
}

// eventDoc stores Data as a string so the audit payload stays byte-for-byte
// what the service wrote.
type eventDoc struct {
	ID          string     `bson:"_id"`
	AggregateID string     `bson:"aggregate_id"`
	Type        event.Type `bson:"type"`
	Data        string     `bson:"data"`
	Version     int        `bson:"version"`
	CreatedAt   int64      `bson:"created_at"`
}

func (s *EventStore) Append(ctx context.Context, events ...event.Event) error {
	if len(events) == 0 {
		return nil
	}
	docs := make([]any, 0, len(events))
	for _, e := range events {
		if e.ID == "" {
			e.ID = ulid.Make().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.clock.Now().UTC()
		}
		docs = append(docs, eventDoc{
			ID:          e.ID,
			AggregateID: e.AggregateID,
			Type:        e.Type,
			Data:        string(e.Data),
			Version:     e.Version,
			CreatedAt:   e.CreatedAt.UnixNano(),
		})
	}
	if _, err := s.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true)); err != nil {
		return fmt.Errorf("inserting events: %w", err)
	}
	return nil
}

func (s *EventStore) Load(ctx context.Context, aggregateID string) ([]event.Event, error) {
	opts := options.Find().SetSort(bson.D{{Key: "version", Value: 1}, {Key: "created_at", Value: 1}})
	return s.find(ctx, bson.M{"aggregate_id": aggregateID}, opts)
}

func (s *EventStore) LoadByType(ctx context.Context, eventType event.Type) ([]event.Event, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	return s.find(ctx, bson.M{"type": eventType}, opts)
}

func (s *EventStore) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]event.Event, error) {
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	var docs []eventDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding events: %w", err)
	}
	events := make([]event.Event, 0, len(docs))
	for _, d := range docs {
		events = append(events, event.Event{
			ID:          d.ID,
			AggregateID: d.AggregateID,
			Type:        d.Type,
			Data:        []byte(d.Data),
			Version:     d.Version,
			CreatedAt:   unixNano(d.CreatedAt),
		})
	}
	return events, nil
}

func unixNano(n int64) time.Time { return time.Unix(0, n).UTC() }
