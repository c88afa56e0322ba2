// Package mongostore provides a store.Driver backed by a MongoDB document
// store. Each record type lives in its own collection keyed by tournament_id,
// so no operation depends on positional updates inside a tournament document.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/jensholdgaard/cricket-auction/internal/clock"
	"github.com/jensholdgaard/cricket-auction/internal/config"
	"github.com/jensholdgaard/cricket-auction/internal/store"
)

func init() {
	store.Register("mongo", open)
}

// Collections groups the collections used by the driver.
type Collections struct {
	Tournaments *mongo.Collection
	Pools       *mongo.Collection
	Players     *mongo.Collection
	Teams       *mongo.Collection
	Events      *mongo.Collection
}

// NewCollections binds the collections of db.
func NewCollections(db *mongo.Database) Collections {
	return Collections{
		Tournaments: db.Collection("tournaments"),
		Pools:       db.Collection("pools"),
		Players:     db.Collection("players"),
		Teams:       db.Collection("teams"),
		Events:      db.Collection("events"),
	}
}

func open(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	client, err := Connect(ctx, cfg.MongoURI)
	if err != nil {
		return nil, err
	}
	cols := NewCollections(client.Database(cfg.MongoDatabase))
	if err := EnsureIndexes(ctx, cols); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	repos := NewRepositories(cols, clk)
	repos.Closer = store.CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return client.Disconnect(ctx)
	})
	repos.Ping = func(ctx context.Context) error { return client.Ping(ctx, nil) }
	return repos, nil
}

// Connect opens a client and verifies the deployment is reachable.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}
	return client, nil
}

// EnsureIndexes creates the lookup and uniqueness indexes the driver relies on.
func EnsureIndexes(ctx context.Context, cols Collections) error {
	models := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{cols.Players, mongo.IndexModel{Keys: bson.D{{Key: "tournament_id", Value: 1}, {Key: "pool_id", Value: 1}, {Key: "status", Value: 1}, {Key: "position", Value: 1}}}},
		{cols.Pools, mongo.IndexModel{Keys: bson.D{{Key: "tournament_id", Value: 1}, {Key: "position", Value: 1}}}},
		{cols.Teams, mongo.IndexModel{Keys: bson.D{{Key: "tournament_id", Value: 1}, {Key: "name", Value: 1}}}},
		{cols.Events, mongo.IndexModel{
			Keys: bson.D{{Key: "aggregate_id", Value: 1}, {Key: "version", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"version": bson.M{"$gt": 0}}),
		}},
		{cols.Events, mongo.IndexModel{Keys: bson.D{{Key: "type", Value: 1}, {Key: "created_at", Value: 1}}}},
	}
	for _, m := range models {
		if _, err := m.coll.Indexes().CreateOne(ctx, m.model); err != nil {
			return fmt.Errorf("creating index on %s: %w", m.coll.Name(), err)
		}
	}
	return nil
}

// NewRepositories wires every mongo repository onto cols. Closer and Ping
// are left for the caller that owns the client.
func NewRepositories(cols Collections, clk clock.Clock) *store.Repositories {
	return &store.Repositories{
		Tournaments: &TournamentRepo{coll: cols.Tournaments},
		Pools:       &PoolRepo{pools: cols.Pools, players: cols.Players},
		Players:     &PlayerRepo{coll: cols.Players},
		Teams:       &TeamRepo{coll: cols.Teams},
		Events:      &EventStore{coll: cols.Events, clock: clk},
	}
}

// findOne decodes the single document matching filter into v.
func findOne(ctx context.Context, coll *mongo.Collection, filter bson.M, v any, kind, id string) error {
	err := coll.FindOne(ctx, filter).Decode(v)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("finding %s %s: %w", kind, id, err)
	}
	return nil
}

// TournamentRepo implements store.TournamentRepository.
type TournamentRepo struct {
	coll *mongo.Collection
}

func (r *TournamentRepo) GetByID(ctx context.Context, id string) (*store.Tournament, error) {
	var t store.Tournament
	if err := findOne(ctx, r.coll, bson.M{"_id": id}, &t, "tournament", id); err != nil {
		return nil, err
	}
	return &t, nil
}

// PoolRepo implements store.PoolRepository.
type PoolRepo struct {
	pools   *mongo.Collection
	players *mongo.Collection
}

func (r *PoolRepo) GetByID(ctx context.Context, tournamentID, poolID string) (*store.Pool, error) {
	var p store.Pool
	if err := findOne(ctx, r.pools, bson.M{"_id": poolID, "tournament_id": tournamentID}, &p, "pool", poolID); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PoolRepo) List(ctx context.Context, tournamentID string) ([]store.Pool, error) {
	opts := options.Find().SetSort(bson.D{{Key: "position", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := r.pools.Find(ctx, bson.M{"tournament_id": tournamentID}, opts)
	if err != nil {
		return nil, fmt.Errorf("listing pools: %w", err)
	}
	pools := []store.Pool{}
	if err := cur.All(ctx, &pools); err != nil {
		return nil, fmt.Errorf("decoding pools: %w", err)
	}
	return pools, nil
}

func (r *PoolRepo) AvailablePlayers(ctx context.Context, tournamentID, poolID string) ([]store.Player, error) {
	if _, err := r.GetByID(ctx, tournamentID, poolID); err != nil {
		return nil, err
	}
	filter := bson.M{"tournament_id": tournamentID, "pool_id": poolID, "status": store.StatusAvailable}
	opts := options.Find().SetSort(bson.D{{Key: "position", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := r.players.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("listing available players: %w", err)
	}
	players := []store.Player{}
	if err := cur.All(ctx, &players); err != nil {
		return nil, fmt.Errorf("decoding players: %w", err)
	}
	return players, nil
}

func (r *PoolRepo) MarkCompleted(ctx context.Context, tournamentID, poolID string) error {
	res, err := r.pools.UpdateOne(ctx,
		bson.M{"_id": poolID, "tournament_id": tournamentID},
		bson.M{"$set": bson.M{"completed": true}},
	)
	if err != nil {
		return fmt.Errorf("marking pool completed: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("pool %s: %w", poolID, store.ErrNotFound)
	}
	return nil
}

// PlayerRepo implements store.PlayerRepository.
type PlayerRepo struct {
	coll *mongo.Collection
}

func (r *PlayerRepo) GetByID(ctx context.Context, tournamentID, playerID string) (*store.Player, error) {
	var p store.Player
	if err := findOne(ctx, r.coll, bson.M{"_id": playerID, "tournament_id": tournamentID}, &p, "player", playerID); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PlayerRepo) MarkSold(ctx context.Context, tournamentID, playerID, teamID string, price int64) error {
	return r.transition(ctx, tournamentID, playerID, bson.M{
		"status":     store.StatusSold,
		"sold_price": price,
		"sold_to":    teamID,
	})
}

func (r *PlayerRepo) MarkUnsold(ctx context.Context, tournamentID, playerID string) error {
	return r.transition(ctx, tournamentID, playerID, bson.M{"status": store.StatusUnsold})
}

// transition applies set only while the player is still Available.
func (r *PlayerRepo) transition(ctx context.Context, tournamentID, playerID string, set bson.M) error {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": playerID, "tournament_id": tournamentID, "status": store.StatusAvailable},
		bson.M{"$set": set},
	)
	if err != nil {
		return fmt.Errorf("updating player %s: %w", playerID, err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	p, err := r.GetByID(ctx, tournamentID, playerID)
	if err != nil {
		return err
	}
	return fmt.Errorf("player %s is %s: %w", playerID, p.Status, store.ErrNotAvailable)
}

// TeamRepo implements store.TeamRepository.
type TeamRepo struct {
	coll *mongo.Collection
}

func (r *TeamRepo) GetByID(ctx context.Context, tournamentID, teamID string) (*store.Team, error) {
	var t store.Team
	if err := findOne(ctx, r.coll, bson.M{"_id": teamID, "tournament_id": tournamentID}, &t, "team", teamID); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TeamRepo) List(ctx context.Context, tournamentID string) ([]store.Team, error) {
	opts := options.Find().SetSort(bson.D{{Key: "name", Value: 1}})
	cur, err := r.coll.Find(ctx, bson.M{"tournament_id": tournamentID}, opts)
	if err != nil {
		return nil, fmt.Errorf("listing teams: %w", err)
	}
	teams := []store.Team{}
	if err := cur.All(ctx, &teams); err != nil {
		return nil, fmt.Errorf("decoding teams: %w", err)
	}
	return teams, nil
}

func (r *TeamRepo) DebitPurse(ctx context.Context, tournamentID, teamID string, amount int64) error {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": teamID, "tournament_id": tournamentID, "purse": bson.M{"$gte": amount}},
		bson.M{"$inc": bson.M{"purse": -amount}},
	)
	if err != nil {
		return fmt.Errorf("debiting purse: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	t, err := r.GetByID(ctx, tournamentID, teamID)
	if err != nil {
		return err
	}
	return fmt.Errorf("team %s has %d, needs %d: %w", teamID, t.Purse, amount, store.ErrInsufficientPurse)
}

func (r *TeamRepo) CreditPurse(ctx context.Context, tournamentID, teamID string, amount int64) error {
	return r.update(ctx, tournamentID, teamID, bson.M{"$inc": bson.M{"purse": amount}})
}

func (r *TeamRepo) AddToRoster(ctx context.Context, tournamentID, teamID, playerID string) error {
	return r.update(ctx, tournamentID, teamID, bson.M{"$addToSet": bson.M{"roster": playerID}})
}

func (r *TeamRepo) update(ctx context.Context, tournamentID, teamID string, update bson.M) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": teamID, "tournament_id": tournamentID}, update)
	if err != nil {
		return fmt.Errorf("updating team %s: %w", teamID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("team %s: %w", teamID, store.ErrNotFound)
	}
	return nil
}
