// Package metadata implements the durable, upsert-oriented per-database
// statistics store (§4.1): a single MongoDB collection, connected to
// with its own dedicated *mongo.Client so that tenant-database eviction
// and metadata persistence never share a socket.
package metadata

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// CollectionName is the single collection every Store writes to.
const CollectionName = "connection_metadata"

// Priority default applied to a freshly-created record (§3 invariant 5).
const defaultPriority = 500

// Logger is the subset of logging this package needs. It is defined
// locally (rather than imported from the root package) so this package
// stays leaf-level; the root polymongo.Logger implementations satisfy it
// structurally.
type Logger interface {
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
	Debug(msg string, fields ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Debug(string, ...any) {}

// Record is the persisted ConnectionMetadata document of §3.
type Record struct {
	DBName         string    `bson:"dbName"`
	LastUsed       time.Time `bson:"lastUsed"`
	UseCount       int64     `bson:"useCount"`
	Priority       int       `bson:"priority"`
	HasActiveWatch bool      `bson:"hasActiveWatch"`
	// IdleTime is persisted for parity with the original schema but is
	// never read back by any decision path in this package or the cache
	// — it is advisory only (§9 open question).
	IdleTime  int64     `bson:"idleTime"`
	CreatedAt time.Time `bson:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// Store is the durable metadata store.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	coll   *mongo.Collection
	logger Logger
}

// New constructs a Store bound to no connection yet; call Init before use.
func New(logger Logger) *Store {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Store{logger: logger}
}

// Init establishes the store's own dedicated connection to the metadata
// database and ensures the collection's indexes exist: unique on
// dbName, ascending on priority, descending on lastUsed.
func (s *Store) Init(ctx context.Context, uri string, dbName string) error {
	clientOpts := options.Client().ApplyURI(uri)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return fmt.Errorf("metadata store: connect failed: %w", err)
	}

	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		return fmt.Errorf("metadata store: ping failed: %w", err)
	}

	db := client.Database(dbName)
	coll := db.Collection(CollectionName)

	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "dbName", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "priority", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "lastUsed", Value: -1}},
		},
	}

	if _, err := coll.Indexes().CreateMany(ctx, indexModels); err != nil {
		_ = client.Disconnect(ctx)
		return fmt.Errorf("metadata store: index creation failed: %w", err)
	}

	s.client = client
	s.db = db
	s.coll = coll

	s.logger.Info("metadata store initialized",
		"database", dbName,
		"collection", CollectionName)

	return nil
}

// Get returns the record for dbName, creating it with defaults
// (useCount=0, priority=MEDIUM, hasActiveWatch=false, lastUsed=now) if
// absent. Upsert semantics: a concurrent creator never produces two
// documents for the same dbName (unique index on dbName backstops the
// upsert race).
func (s *Store) Get(ctx context.Context, dbName string) (*Record, error) {
	now := time.Now()

	filter := bson.D{{Key: "dbName", Value: dbName}}
	update := bson.D{
		{Key: "$setOnInsert", Value: bson.D{
			{Key: "dbName", Value: dbName},
			{Key: "useCount", Value: int64(0)},
			{Key: "priority", Value: defaultPriority},
			{Key: "hasActiveWatch", Value: false},
			{Key: "idleTime", Value: int64(0)},
			{Key: "lastUsed", Value: now},
			{Key: "createdAt", Value: now},
			{Key: "updatedAt", Value: now},
		}},
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var record Record
	err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&record)
	if err != nil {
		return nil, fmt.Errorf("metadata store: get %q: %w", dbName, err)
	}

	return &record, nil
}

// Update performs a partial upsert (no read-modify-write) of patch onto
// the record for dbName, stamping updatedAt.
func (s *Store) Update(ctx context.Context, dbName string, patch bson.M) error {
	set := bson.M{}
	for k, v := range patch {
		set[k] = v
	}
	set["updatedAt"] = time.Now()

	filter := bson.D{{Key: "dbName", Value: dbName}}
	update := bson.D{
		{Key: "$set", Value: set},
		{Key: "$setOnInsert", Value: bson.D{
			{Key: "dbName", Value: dbName},
			{Key: "createdAt", Value: time.Now()},
		}},
	}

	opts := options.UpdateOne().SetUpsert(true)

	if _, err := s.coll.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("metadata store: update %q: %w", dbName, err)
	}
	return nil
}

// IncrementUseCount performs the atomic {$inc: useCount, $set: lastUsed,
// idleTime=0} upsert. Callers that must not let a failure here break a
// user query (the cache's fire-and-forget activity tracking) are
// responsible for logging and swallowing the returned error themselves.
func (s *Store) IncrementUseCount(ctx context.Context, dbName string) error {
	now := time.Now()

	filter := bson.D{{Key: "dbName", Value: dbName}}
	update := bson.D{
		{Key: "$inc", Value: bson.D{{Key: "useCount", Value: int64(1)}}},
		{Key: "$set", Value: bson.D{
			{Key: "lastUsed", Value: now},
			{Key: "idleTime", Value: int64(0)},
			{Key: "updatedAt", Value: now},
		}},
		{Key: "$setOnInsert", Value: bson.D{
			{Key: "dbName", Value: dbName},
			{Key: "priority", Value: defaultPriority},
			{Key: "hasActiveWatch", Value: false},
			{Key: "createdAt", Value: now},
		}},
	}

	opts := options.UpdateOne().SetUpsert(true)

	if _, err := s.coll.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("metadata store: increment use count %q: %w", dbName, err)
	}
	return nil
}

// SetPriority is a thin wrapper over Update.
func (s *Store) SetPriority(ctx context.Context, dbName string, priority int) error {
	return s.Update(ctx, dbName, bson.M{"priority": priority})
}

// SetWatchStatus is a thin wrapper over Update.
func (s *Store) SetWatchStatus(ctx context.Context, dbName string, active bool) error {
	return s.Update(ctx, dbName, bson.M{"hasActiveWatch": active})
}

// Ping verifies connectivity to the metadata store's client without
// touching any collection, so health checks don't leave behind a synthetic
// record the way a probe Get/Update would.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("metadata store: ping: %w", err)
	}
	return nil
}

// GetAll performs a full scan of every persisted record. Used only by
// Orchestrator.Stats and admin listing.
func (s *Store) GetAll(ctx context.Context) ([]*Record, error) {
	cursor, err := s.coll.Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("metadata store: get all: %w", err)
	}
	defer cursor.Close(ctx)

	var records []*Record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("metadata store: decode all: %w", err)
	}
	return records, nil
}

// Delete removes the persisted record for dbName. This is the explicit
// admin operation §3 reserves: it never closes a live connection.
func (s *Store) Delete(ctx context.Context, dbName string) error {
	filter := bson.D{{Key: "dbName", Value: dbName}}
	if _, err := s.coll.DeleteOne(ctx, filter); err != nil {
		return fmt.Errorf("metadata store: delete %q: %w", dbName, err)
	}
	return nil
}

// Close closes the metadata store's dedicated connection.
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("metadata store: close: %w", err)
	}
	return nil
}
