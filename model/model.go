// Package model implements the proxy/chaining surface §9's Design Notes
// describe: a schema-bound Proxy whose .Db(name) selects a tenant
// database for the next terminal call only, grounded on the teacher's
// Collection type in the deleted collection.go (method-table wrapping a
// *mongo.Collection) but generalized to resolve its *mongo.Database lazily,
// per call, through a Resolver instead of holding one connection forever.
package model

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/cloudresty/go-polymongo/filter"
	"github.com/cloudresty/go-polymongo/mongoid"
	"github.com/cloudresty/go-polymongo/pipeline"
	"github.com/cloudresty/go-polymongo/update"
)

// WatchStream is the minimal shape a change-stream cursor must satisfy to
// be registered with the cache — kept distinct from the cache package's
// identical interface so neither package imports the other's types.
type WatchStream interface {
	Close(ctx context.Context) error
}

// WatchHandle is returned by a successful Watch call; closing it closes
// the underlying change stream and releases its eviction protection.
type WatchHandle interface {
	Close(ctx context.Context) error
}

// Resolver is implemented by *polymongo.Orchestrator. It is the seam that
// lets this package resolve a tenant database without importing the root
// package (which would cycle back through model.Proxy).
type Resolver interface {
	// Connection returns the driver-native *mongo.Database for dbName,
	// opening it on a cache miss.
	Connection(ctx context.Context, dbName string) (any, error)
	// RegisterWatch pins stream against eviction for as long as it stays
	// open, returning false if dbName has no live connection to pin against.
	RegisterWatch(ctx context.Context, dbName string, stream WatchStream) (WatchHandle, bool)
}

// Proxy is the schema-bound, per-call chaining handle of §9: New returns
// one bound to a collection name and a default database; Db clones it
// with a different selected database. Because Db returns a new value
// rather than mutating the receiver, the selection never outlives the
// single chained call — "resets to null after each terminal operation"
// falls out of Go's value semantics for free, with no explicit reset step
// needed.
type Proxy struct {
	resolver   Resolver
	collection string
	defaultDB  string
	selected   string
}

// New constructs a Proxy bound to collectionName, defaulting to
// defaultDB when no .Db(...) call precedes a terminal operation.
func New(resolver Resolver, collectionName, defaultDB string) *Proxy {
	return &Proxy{resolver: resolver, collection: collectionName, defaultDB: defaultDB}
}

// Db returns a clone of p selecting dbName for its next terminal
// operation only. The receiver p is left untouched.
func (p Proxy) Db(dbName string) *Proxy {
	p.selected = dbName
	return &p
}

func (p *Proxy) targetDB() string {
	if p.selected != "" {
		return p.selected
	}
	return p.defaultDB
}

func (p *Proxy) collectionHandle(ctx context.Context) (*mongo.Collection, error) {
	dbName := p.targetDB()
	conn, err := p.resolver.Connection(ctx, dbName)
	if err != nil {
		return nil, err
	}
	db, ok := conn.(*mongo.Database)
	if !ok {
		return nil, fmt.Errorf("polymongo: resolver returned %T, expected *mongo.Database", conn)
	}
	return db.Collection(p.collection), nil
}

// InsertOneResult mirrors the driver's own, narrowed to the fields callers
// actually need.
type InsertOneResult struct {
	InsertedID any
}

// InsertOne inserts doc, stamping created_at/updated_at and generating a
// ULID _id when the caller didn't supply one — the same enhancement the
// teacher's Collection.InsertOne applies before calling the driver.
func (p *Proxy) InsertOne(ctx context.Context, doc bson.M) (*InsertOneResult, error) {
	col, err := p.collectionHandle(ctx)
	if err != nil {
		return nil, err
	}

	enhanced := enhanceDocument(doc)
	res, err := col.InsertOne(ctx, enhanced)
	if err != nil {
		return nil, fmt.Errorf("polymongo: insertOne on %q: %w", p.collection, err)
	}
	return &InsertOneResult{InsertedID: res.InsertedID}, nil
}

// InsertManyResult mirrors the driver's InsertManyResult.
type InsertManyResult struct {
	InsertedIDs []any
}

// InsertMany inserts docs, applying the same per-document enhancement as
// InsertOne.
func (p *Proxy) InsertMany(ctx context.Context, docs []bson.M) (*InsertManyResult, error) {
	col, err := p.collectionHandle(ctx)
	if err != nil {
		return nil, err
	}

	enhanced := make([]any, len(docs))
	for i, d := range docs {
		enhanced[i] = enhanceDocument(d)
	}

	res, err := col.InsertMany(ctx, enhanced)
	if err != nil {
		return nil, fmt.Errorf("polymongo: insertMany on %q: %w", p.collection, err)
	}
	return &InsertManyResult{InsertedIDs: res.InsertedIDs}, nil
}

// FindOne returns a single document matching f decoded into out.
func (p *Proxy) FindOne(ctx context.Context, f *filter.Builder, out any) error {
	col, err := p.collectionHandle(ctx)
	if err != nil {
		return err
	}
	if f == nil {
		f = filter.New()
	}
	if err := col.FindOne(ctx, f.Build()).Decode(out); err != nil {
		return fmt.Errorf("polymongo: findOne on %q: %w", p.collection, err)
	}
	return nil
}

// FindByID is FindOne keyed by the ULID/ObjectID _id convention.
func (p *Proxy) FindByID(ctx context.Context, id string, out any) error {
	return p.FindOne(ctx, filter.Eq("_id", id), out)
}

// QueryOptions narrows the driver's find options to the handful the
// proxy exposes. Sort accepts a bson.D or a map[string]int (see SortAsc/
// SortDesc/SortMultiple); Projection is built from Include/Exclude
// fragments combined by Projection.
type QueryOptions struct {
	Sort       SortSpec
	Limit      int64
	Skip       int64
	Projection []ProjectionSpec
}

// Find returns every document matching f, decoded into out (a pointer to
// a slice).
func (p *Proxy) Find(ctx context.Context, f *filter.Builder, out any, opts ...QueryOptions) error {
	col, err := p.collectionHandle(ctx)
	if err != nil {
		return err
	}
	if f == nil {
		f = filter.New()
	}

	findOpts := options.Find()
	if len(opts) > 0 {
		o := opts[0]
		if o.Sort != nil {
			findOpts.SetSort(convertSortSpec(o.Sort))
		}
		if o.Limit > 0 {
			findOpts.SetLimit(o.Limit)
		}
		if o.Skip > 0 {
			findOpts.SetSkip(o.Skip)
		}
		if len(o.Projection) > 0 {
			findOpts.SetProjection(Projection(o.Projection...))
		}
	}

	cursor, err := col.Find(ctx, f.Build(), findOpts)
	if err != nil {
		return fmt.Errorf("polymongo: find on %q: %w", p.collection, err)
	}
	defer cursor.Close(ctx)
	if err := cursor.All(ctx, out); err != nil {
		return fmt.Errorf("polymongo: find decode on %q: %w", p.collection, err)
	}
	return nil
}

// UpdateResult mirrors the driver's UpdateResult.
type UpdateResult struct {
	MatchedCount  int64
	ModifiedCount int64
	UpsertedCount int64
	UpsertedID    any
}

// UpdateOne applies upd (built with the update package) to the first
// document matching f, setting $set.updated_at to the current time (a
// value the caller's update puts there is overwritten).
func (p *Proxy) UpdateOne(ctx context.Context, f *filter.Builder, upd *update.Builder, upsert bool) (*UpdateResult, error) {
	col, err := p.collectionHandle(ctx)
	if err != nil {
		return nil, err
	}
	if f == nil {
		f = filter.New()
	}
	if upd == nil {
		upd = update.New()
	}

	uopts := options.UpdateOne()
	if upsert {
		uopts.SetUpsert(true)
	}

	res, err := col.UpdateOne(ctx, f.Build(), addUpdatedAt(upd.Build()), uopts)
	if err != nil {
		return nil, fmt.Errorf("polymongo: updateOne on %q: %w", p.collection, err)
	}
	return &UpdateResult{
		MatchedCount:  res.MatchedCount,
		ModifiedCount: res.ModifiedCount,
		UpsertedCount: res.UpsertedCount,
		UpsertedID:    res.UpsertedID,
	}, nil
}

// UpdateMany applies upd (built with the update package) to every
// document matching f.
func (p *Proxy) UpdateMany(ctx context.Context, f *filter.Builder, upd *update.Builder) (*UpdateResult, error) {
	col, err := p.collectionHandle(ctx)
	if err != nil {
		return nil, err
	}
	if f == nil {
		f = filter.New()
	}
	if upd == nil {
		upd = update.New()
	}

	res, err := col.UpdateMany(ctx, f.Build(), addUpdatedAt(upd.Build()))
	if err != nil {
		return nil, fmt.Errorf("polymongo: updateMany on %q: %w", p.collection, err)
	}
	return &UpdateResult{
		MatchedCount:  res.MatchedCount,
		ModifiedCount: res.ModifiedCount,
		UpsertedCount: res.UpsertedCount,
		UpsertedID:    res.UpsertedID,
	}, nil
}

// ReplaceOne replaces the first document matching f with replacement,
// re-stamping created_at/updated_at the same way InsertOne does.
func (p *Proxy) ReplaceOne(ctx context.Context, f *filter.Builder, replacement bson.M, upsert bool) (*UpdateResult, error) {
	col, err := p.collectionHandle(ctx)
	if err != nil {
		return nil, err
	}
	if f == nil {
		f = filter.New()
	}

	ropts := options.Replace()
	if upsert {
		ropts.SetUpsert(true)
	}

	enhanced := enhanceReplacementDocument(replacement)
	res, err := col.ReplaceOne(ctx, f.Build(), enhanced, ropts)
	if err != nil {
		return nil, fmt.Errorf("polymongo: replaceOne on %q: %w", p.collection, err)
	}
	return &UpdateResult{
		MatchedCount:  res.MatchedCount,
		ModifiedCount: res.ModifiedCount,
		UpsertedCount: res.UpsertedCount,
		UpsertedID:    res.UpsertedID,
	}, nil
}

// DeleteResult mirrors the driver's DeleteResult.
type DeleteResult struct {
	DeletedCount int64
}

// DeleteOne deletes the first document matching f.
func (p *Proxy) DeleteOne(ctx context.Context, f *filter.Builder) (*DeleteResult, error) {
	col, err := p.collectionHandle(ctx)
	if err != nil {
		return nil, err
	}
	if f == nil {
		f = filter.New()
	}
	res, err := col.DeleteOne(ctx, f.Build())
	if err != nil {
		return nil, fmt.Errorf("polymongo: deleteOne on %q: %w", p.collection, err)
	}
	return &DeleteResult{DeletedCount: res.DeletedCount}, nil
}

// DeleteMany deletes every document matching f.
func (p *Proxy) DeleteMany(ctx context.Context, f *filter.Builder) (*DeleteResult, error) {
	col, err := p.collectionHandle(ctx)
	if err != nil {
		return nil, err
	}
	if f == nil {
		f = filter.New()
	}
	res, err := col.DeleteMany(ctx, f.Build())
	if err != nil {
		return nil, fmt.Errorf("polymongo: deleteMany on %q: %w", p.collection, err)
	}
	return &DeleteResult{DeletedCount: res.DeletedCount}, nil
}

// CountDocuments counts documents matching f.
func (p *Proxy) CountDocuments(ctx context.Context, f *filter.Builder) (int64, error) {
	col, err := p.collectionHandle(ctx)
	if err != nil {
		return 0, err
	}
	if f == nil {
		f = filter.New()
	}
	count, err := col.CountDocuments(ctx, f.Build())
	if err != nil {
		return 0, fmt.Errorf("polymongo: countDocuments on %q: %w", p.collection, err)
	}
	return count, nil
}

// Distinct returns the distinct values of field among documents matching f.
func (p *Proxy) Distinct(ctx context.Context, field string, f *filter.Builder) ([]any, error) {
	col, err := p.collectionHandle(ctx)
	if err != nil {
		return nil, err
	}
	if f == nil {
		f = filter.New()
	}
	res := col.Distinct(ctx, field, f.Build())
	if res.Err() != nil {
		return nil, fmt.Errorf("polymongo: distinct on %q: %w", p.collection, res.Err())
	}
	var values []any
	if err := res.Decode(&values); err != nil {
		return nil, fmt.Errorf("polymongo: distinct decode on %q: %w", p.collection, err)
	}
	return values, nil
}

// Aggregate runs pl (built with the pipeline package) and decodes every
// result document into out (a pointer to a slice).
func (p *Proxy) Aggregate(ctx context.Context, pl *pipeline.Builder, out any) error {
	col, err := p.collectionHandle(ctx)
	if err != nil {
		return err
	}
	if pl == nil {
		pl = pipeline.New()
	}
	cursor, err := col.Aggregate(ctx, pl.Build())
	if err != nil {
		return fmt.Errorf("polymongo: aggregate on %q: %w", p.collection, err)
	}
	defer cursor.Close(ctx)
	if err := cursor.All(ctx, out); err != nil {
		return fmt.Errorf("polymongo: aggregate decode on %q: %w", p.collection, err)
	}
	return nil
}

// Watch opens a change stream against this collection and registers it
// with the resolver's cache so the underlying connection is protected
// from idle/LRU eviction for as long as the returned handle stays open —
// the proxy-level entrypoint for §4.4's watch-stream stickiness.
func (p *Proxy) Watch(ctx context.Context, pipelineStages []bson.M) (*mongo.ChangeStream, WatchHandle, error) {
	col, err := p.collectionHandle(ctx)
	if err != nil {
		return nil, nil, err
	}
	if pipelineStages == nil {
		pipelineStages = []bson.M{}
	}
	stream, err := col.Watch(ctx, pipelineStages)
	if err != nil {
		return nil, nil, fmt.Errorf("polymongo: watch on %q: %w", p.collection, err)
	}

	handle, ok := p.resolver.RegisterWatch(ctx, p.targetDB(), changeStreamAdapter{stream})
	if !ok {
		_ = stream.Close(ctx)
		return nil, nil, fmt.Errorf("polymongo: watch on %q: no live connection to pin against", p.collection)
	}
	return stream, handle, nil
}

type changeStreamAdapter struct {
	stream *mongo.ChangeStream
}

func (c changeStreamAdapter) Close(ctx context.Context) error {
	return c.stream.Close(ctx)
}

// enhanceDocument stamps created_at/updated_at and generates a ULID _id
// when doc doesn't already have one, grounded on the teacher's
// Client.enhanceDocument in the deleted client.go.
func enhanceDocument(doc bson.M) bson.M {
	out := bson.M{}
	for k, v := range doc {
		out[k] = v
	}
	if _, ok := out["_id"]; !ok {
		out["_id"] = mongoid.NewULID()
	}
	now := time.Now().UTC()
	if _, ok := out["created_at"]; !ok {
		out["created_at"] = now
	}
	out["updated_at"] = now
	return out
}

// enhanceReplacementDocument re-stamps updated_at on every replace and
// preserves created_at if the caller supplied one, otherwise stamps it.
func enhanceReplacementDocument(doc bson.M) bson.M {
	out := bson.M{}
	for k, v := range doc {
		out[k] = v
	}
	now := time.Now().UTC()
	if _, ok := out["created_at"]; !ok {
		out["created_at"] = now
	}
	out["updated_at"] = now
	return out
}

// addUpdatedAt injects $set.updated_at into upd without clobbering other
// $set fields the caller supplied.
func addUpdatedAt(upd bson.M) bson.M {
	out := bson.M{}
	for k, v := range upd {
		out[k] = v
	}
	set, _ := out["$set"].(bson.M)
	if set == nil {
		set = bson.M{}
	} else {
		clone := bson.M{}
		for k, v := range set {
			clone[k] = v
		}
		set = clone
	}
	set["updated_at"] = time.Now().UTC()
	out["$set"] = set
	return out
}
