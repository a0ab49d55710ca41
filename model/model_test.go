package model

import (
	"context"
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/cloudresty/go-polymongo/pipeline"
	"github.com/cloudresty/go-polymongo/update"
)

// recordingResolver captures the dbName each Connection/RegisterWatch call
// was made with, returning errNotConnected so collectionHandle always
// fails after recording — enough to test Db's chaining/reset semantics
// without a live MongoDB.
type recordingResolver struct {
	lastDBName string
}

var errNotConnected = errors.New("no real connection in this fake")

func (r *recordingResolver) Connection(ctx context.Context, dbName string) (any, error) {
	r.lastDBName = dbName
	return nil, errNotConnected
}

func (r *recordingResolver) RegisterWatch(ctx context.Context, dbName string, stream WatchStream) (WatchHandle, bool) {
	r.lastDBName = dbName
	return nil, false
}

func TestDbSelectsDatabaseForNextCallOnly(t *testing.T) {
	resolver := &recordingResolver{}
	base := New(resolver, "widgets", "default-db")

	scoped := base.Db("tenant-a")
	_ = scoped.FindOne(context.Background(), nil, &struct{}{})
	if resolver.lastDBName != "tenant-a" {
		t.Fatalf("expected resolver to be called with tenant-a, got %q", resolver.lastDBName)
	}

	_ = base.FindOne(context.Background(), nil, &struct{}{})
	if resolver.lastDBName != "default-db" {
		t.Fatalf("expected base proxy unaffected by scoped.Db, resolver called with %q", resolver.lastDBName)
	}
}

func TestDbReturnsIndependentClone(t *testing.T) {
	resolver := &recordingResolver{}
	base := New(resolver, "widgets", "default-db")

	a := base.Db("tenant-a")
	b := base.Db("tenant-b")

	if a.targetDB() != "tenant-a" {
		t.Errorf("expected a.targetDB() = tenant-a, got %s", a.targetDB())
	}
	if b.targetDB() != "tenant-b" {
		t.Errorf("expected b.targetDB() = tenant-b, got %s", b.targetDB())
	}
	if base.targetDB() != "default-db" {
		t.Errorf("expected base.targetDB() unchanged, got %s", base.targetDB())
	}
}

func TestTargetDBFallsBackToDefault(t *testing.T) {
	resolver := &recordingResolver{}
	p := New(resolver, "widgets", "default-db")
	if p.targetDB() != "default-db" {
		t.Errorf("expected default-db, got %s", p.targetDB())
	}
}

func TestEnhanceDocumentGeneratesIDAndTimestamps(t *testing.T) {
	doc := bson.M{"name": "widget"}
	out := enhanceDocument(doc)

	if _, ok := out["_id"]; !ok {
		t.Error("expected _id to be generated")
	}
	if _, ok := out["created_at"]; !ok {
		t.Error("expected created_at to be stamped")
	}
	if _, ok := out["updated_at"]; !ok {
		t.Error("expected updated_at to be stamped")
	}
	if _, ok := doc["_id"]; ok {
		t.Error("expected original doc to be left untouched")
	}
}

func TestEnhanceDocumentPreservesSuppliedID(t *testing.T) {
	doc := bson.M{"_id": "explicit-id", "name": "widget"}
	out := enhanceDocument(doc)
	if out["_id"] != "explicit-id" {
		t.Errorf("expected supplied _id to be preserved, got %v", out["_id"])
	}
}

func TestUpdateOneWithBuildersResolvesDefaultDB(t *testing.T) {
	resolver := &recordingResolver{}
	p := New(resolver, "widgets", "default-db")

	_, err := p.UpdateOne(context.Background(), nil, update.Set("name", "renamed"), false)
	if !errors.Is(err, errNotConnected) {
		t.Fatalf("expected the fake resolver's error to surface, got %v", err)
	}
	if resolver.lastDBName != "default-db" {
		t.Fatalf("expected default-db, got %q", resolver.lastDBName)
	}
}

func TestAggregateWithPipelineBuilderSurfacesResolverError(t *testing.T) {
	resolver := &recordingResolver{}
	p := New(resolver, "widgets", "default-db")

	var out []bson.M
	err := p.Aggregate(context.Background(), pipeline.New().Match(nil).Limit(10), &out)
	if !errors.Is(err, errNotConnected) {
		t.Fatalf("expected the fake resolver's error to surface, got %v", err)
	}
}

func TestAddUpdatedAtPreservesExistingSetFields(t *testing.T) {
	upd := bson.M{"$set": bson.M{"name": "new-name"}}
	out := addUpdatedAt(upd)

	set, ok := out["$set"].(bson.M)
	if !ok {
		t.Fatalf("expected $set to remain a map, got %T", out["$set"])
	}
	if set["name"] != "new-name" {
		t.Errorf("expected name field preserved, got %v", set["name"])
	}
	if _, ok := set["updated_at"]; !ok {
		t.Error("expected updated_at injected into $set")
	}
}
