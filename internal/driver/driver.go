// Package driver narrows the MongoDB driver surface the connection
// cache depends on to a small interface, the same wrapping style the
// teacher uses in client.go/database.go to keep *mongo.Client behind its
// own Client/Database types. Keeping it this small lets internal/cache
// be exercised against an in-memory fake instead of a live MongoDB.
package driver

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"
)

// Connection is a single open, ready-checkable driver session bound to
// one physical database.
type Connection interface {
	// Ping verifies the connection is live.
	Ping(ctx context.Context) error
	// Disconnect tears the connection down. Idempotent.
	Disconnect(ctx context.Context) error
	// Database returns the driver-native handle for query forwarding
	// (model.Proxy type-asserts this back to *mongo.Database). Opaque to
	// the cache, which never calls query methods on it.
	Database() any
}

// Opener opens new Connections. The real implementation dials MongoDB;
// tests substitute a fake that never touches the network.
type Opener interface {
	Open(ctx context.Context, uri string, dbName string) (Connection, error)
}

// MongoOpener is the production Opener, grounded on the teacher's
// Client.connect (client.go): build options from the URI, mongo.Connect,
// then Ping to confirm readiness before handing the connection back.
type MongoOpener struct {
	ConnectTimeout time.Duration
	AppName        string
	// ReadPreference and WriteConcern are named modes ("primary",
	// "majority", ...); empty means leave the driver's own default.
	ReadPreference string
	WriteConcern   string
}

func (o MongoOpener) Open(ctx context.Context, uri string, dbName string) (Connection, error) {
	timeout := o.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	opts := options.Client().ApplyURI(uri)
	if o.AppName != "" {
		opts.SetAppName(o.AppName)
	}
	if rp := readPreferenceFromName(o.ReadPreference); rp != nil {
		opts.SetReadPreference(rp)
	}
	if wc := writeConcernFromName(o.WriteConcern); wc != nil {
		opts.SetWriteConcern(wc)
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("driver: connect %q: %w", dbName, err)
	}

	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("driver: ping %q: %w", dbName, err)
	}

	return &mongoConnection{client: client, db: client.Database(dbName)}, nil
}

type mongoConnection struct {
	client *mongo.Client
	db     *mongo.Database
}

func (c *mongoConnection) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

func (c *mongoConnection) Disconnect(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

func (c *mongoConnection) Database() any {
	return c.db
}

// readPreferenceFromName maps the named modes of config.ReadPreference to a
// driver readpref.ReadPref, grounded on the teacher's buildClientOptions
// switch in client.go.
func readPreferenceFromName(name string) *readpref.ReadPref {
	switch name {
	case "primaryPreferred":
		return readpref.PrimaryPreferred()
	case "secondary":
		return readpref.Secondary()
	case "secondaryPreferred":
		return readpref.SecondaryPreferred()
	case "nearest":
		return readpref.Nearest()
	case "primary":
		return readpref.Primary()
	default:
		return nil
	}
}

func writeConcernFromName(name string) *writeconcern.WriteConcern {
	switch name {
	case "majority":
		return writeconcern.Majority()
	case "acknowledged":
		return writeconcern.W1()
	case "journaled":
		return &writeconcern.WriteConcern{Journal: func() *bool { b := true; return &b }()}
	default:
		return nil
	}
}
