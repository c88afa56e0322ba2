package postgres_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jensholdgaard/cricket-auction/internal/clock"
	"github.com/jensholdgaard/cricket-auction/internal/event"
	"github.com/jensholdgaard/cricket-auction/internal/store/postgres"
)

func TestEventStore_AppendAndLoad(t *testing.T) {
	db := newTestDB(t)
	es := postgres.NewEventStore(db, clock.Real{})
	ctx := context.Background()

	events := []event.Event{
		{AggregateID: "ipl", Type: event.PoolStarted, Data: json.RawMessage(`{"pool_id":"marquee"}`), Version: 1},
		{AggregateID: "ipl", Type: event.PlayerSold, Data: json.RawMessage(`{"player_id":"a","amount":1500000}`), Version: 2},
	}

	if err := es.Append(ctx, events...); err != nil {
		t.Fatalf("Append: %v", err)
	}

	loaded, err := es.Load(ctx, "ipl")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("Load returned %d events, want 2", len(loaded))
	}
	if loaded[0].Version != 1 || loaded[1].Version != 2 {
		t.Errorf("versions = [%d, %d], want [1, 2]", loaded[0].Version, loaded[1].Version)
	}
	if loaded[0].Type != event.PoolStarted {
		t.Errorf("event[0].Type = %q, want %q", loaded[0].Type, event.PoolStarted)
	}
	if loaded[0].ID == "" {
		t.Error("expected generated event ID")
	}
}

func TestEventStore_LoadByType(t *testing.T) {
	db := newTestDB(t)
	es := postgres.NewEventStore(db, clock.Real{})
	ctx := context.Background()

	events := []event.Event{
		{AggregateID: "t1", Type: event.PoolStarted, Data: json.RawMessage(`{}`), Version: 1},
		{AggregateID: "t1", Type: event.BidAdjusted, Data: json.RawMessage(`{}`), Version: 2},
		{AggregateID: "t2", Type: event.PoolStarted, Data: json.RawMessage(`{}`), Version: 1},
	}
	if err := es.Append(ctx, events...); err != nil {
		t.Fatalf("Append: %v", err)
	}

	started, err := es.LoadByType(ctx, event.PoolStarted)
	if err != nil {
		t.Fatalf("LoadByType: %v", err)
	}
	if len(started) != 2 {
		t.Fatalf("LoadByType(PoolStarted) returned %d, want 2", len(started))
	}
}

func TestEventStore_UniqueAggregateVersion(t *testing.T) {
	db := newTestDB(t)
	es := postgres.NewEventStore(db, clock.Real{})
	ctx := context.Background()

	e := event.Event{AggregateID: "dup", Type: event.BidAdjusted, Data: json.RawMessage(`{}`), Version: 1}
	if err := es.Append(ctx, e); err != nil {
		t.Fatalf("first Append: %v", err)
	}
	if err := es.Append(ctx, e); err == nil {
		t.Fatal("expected error for duplicate aggregate_id + version")
	}

	// Purse events are unversioned and may repeat.
	purse := event.Event{AggregateID: "team-x", Type: event.PurseDebited, Data: json.RawMessage(`{}`)}
	if err := es.Append(ctx, purse, purse); err != nil {
		t.Fatalf("Append unversioned: %v", err)
	}
}

func TestEventStore_LoadEmpty(t *testing.T) {
	db := newTestDB(t)
	es := postgres.NewEventStore(db, clock.Real{})

	loaded, err := es.Load(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("expected empty slice, got %d events", len(loaded))
	}
}
