package polymongo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cloudresty/go-polymongo/internal/cache"
	"github.com/cloudresty/go-polymongo/internal/driver"
	"github.com/cloudresty/go-polymongo/internal/eviction"
	"github.com/cloudresty/go-polymongo/internal/metadata"
	"github.com/cloudresty/go-polymongo/model"
)

// Orchestrator holds one connection cache, one metadata store, and the
// resolved configuration — the public surface of §4.5, adapted from the
// teacher's *Client construction/connect/close lifecycle in client.go but
// generalized to many tenant databases instead of one.
type Orchestrator struct {
	cfg    Config
	logger Logger

	initMu      sync.Mutex
	initDone    bool
	initErr     error
	initPending chan struct{}

	cache *cache.Cache
	store *metadata.Store

	closed   bool
	closedMu sync.RWMutex
}

// New constructs an Orchestrator from functional Options. Construction
// never touches the network; the first operation requiring I/O triggers
// lazy initialization (ensureInitialized).
func New(opts ...Option) (*Orchestrator, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = newEmitLogger()
	}

	if err := validateMongoURI(cfg.MongoURI); err != nil {
		return nil, err
	}
	cfg.MongoURI = stripURIPathAndQuery(cfg.MongoURI)
	if !isValidEvictionType(cfg.EvictionType) {
		return nil, fmt.Errorf("polymongo: invalid eviction type %q", cfg.EvictionType)
	}
	if cfg.MaxConnections < 0 {
		return nil, fmt.Errorf("polymongo: maxConnections must not be negative")
	}

	return &Orchestrator{cfg: *cfg, logger: cfg.Logger}, nil
}

// NewFromEnv constructs an Orchestrator from POLYMONGO_* environment
// variables, the same convenience role the teacher's NewClientFromEnv
// plays.
func NewFromEnv() (*Orchestrator, error) {
	return New(FromEnv())
}

// NewFromEnvWithPrefix is NewFromEnv with a custom environment prefix.
func NewFromEnvWithPrefix(prefix string) (*Orchestrator, error) {
	return New(FromEnvWithPrefix(prefix))
}

// ensureInitialized is the idempotent, concurrency-safe lazy init of
// §4.5: concurrent callers observe the same in-flight initialization and
// all resolve together; on failure the in-flight marker is cleared so the
// next caller may retry.
func (o *Orchestrator) ensureInitialized(ctx context.Context) error {
	o.initMu.Lock()
	if o.initDone {
		o.initMu.Unlock()
		return nil
	}
	if o.initPending != nil {
		pending := o.initPending
		o.initMu.Unlock()
		select {
		case <-pending:
		case <-ctx.Done():
			return ctx.Err()
		}
		o.initMu.Lock()
		defer o.initMu.Unlock()
		if o.initDone {
			return nil
		}
		return o.initErr
	}

	pending := make(chan struct{})
	o.initPending = pending
	o.initMu.Unlock()

	err := o.doInit(ctx)

	o.initMu.Lock()
	defer o.initMu.Unlock()
	close(pending)
	o.initPending = nil
	if err != nil {
		o.initErr = err
		return err
	}
	o.initDone = true
	return nil
}

func (o *Orchestrator) doInit(ctx context.Context) error {
	store := metadata.New(o.logger)
	if err := store.Init(ctx, o.cfg.MongoURI, o.cfg.MetadataDB); err != nil {
		o.logger.Error("metadata store initialization failed", "error", err)
		return fmt.Errorf("%w: %v", ErrMetadataInitFailed, err)
	}

	opener := driver.MongoOpener{
		ConnectTimeout: 10 * time.Second,
		AppName:        o.cfg.AppName,
		ReadPreference: string(o.cfg.ReadPreference),
		WriteConcern:   string(o.cfg.WriteConcern),
	}

	o.cache = cache.New(cache.Config{
		BaseURI:          o.cfg.MongoURI,
		MaxConnections:   o.cfg.MaxConnections,
		CacheConnections: o.cfg.CacheConnections,
		DisconnectOnIdle: o.cfg.DisconnectOnIdle,
		IdleTimeout:      o.cfg.IdleTimeout,
		EvictionType:     eviction.Type(o.cfg.EvictionType),
	}, opener, store, o.logger)
	o.store = store

	o.logger.Info("orchestrator initialized",
		"metadataDB", o.cfg.MetadataDB, "evictionType", string(o.cfg.EvictionType))
	return nil
}

func (o *Orchestrator) checkNotClosed() error {
	o.closedMu.RLock()
	defer o.closedMu.RUnlock()
	if o.closed {
		return ErrNotInitialized
	}
	return nil
}

// Get returns the live connection for dbName, opening one on a miss. The
// returned value is the driver-native *mongo.Database (type-asserted by
// model.Proxy); most callers should go through WrapModel instead of
// calling Get directly.
func (o *Orchestrator) Get(ctx context.Context, dbName string) (any, error) {
	if err := o.checkNotClosed(); err != nil {
		return nil, err
	}
	if err := o.ensureInitialized(ctx); err != nil {
		return nil, err
	}

	conn, err := o.cache.Get(ctx, dbName)
	if err != nil {
		return nil, adaptCacheError(err, dbName, o.cfg.MaxConnections)
	}
	return conn.Database(), nil
}

// Open is an explicit prewarm; identical to Get.
func (o *Orchestrator) Open(ctx context.Context, dbName string) (any, error) {
	return o.Get(ctx, dbName)
}

// Close closes every open connection then the metadata store, and marks
// the orchestrator so subsequent operations fail with ErrNotInitialized.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.closedMu.Lock()
	if o.closed {
		o.closedMu.Unlock()
		return nil
	}
	o.closed = true
	o.closedMu.Unlock()

	if o.cache != nil {
		if err := o.cache.CloseAll(ctx); err != nil {
			o.logger.Error("failed to close all cached connections", "error", err)
		}
	}
	if o.store != nil {
		if err := o.store.Close(ctx); err != nil {
			return fmt.Errorf("polymongo: failed to close metadata store: %w", err)
		}
	}
	return nil
}

// SetPriority persists the new priority for dbName and, if the connection
// is resident, updates the live entry too.
func (o *Orchestrator) SetPriority(ctx context.Context, dbName string, priority int) error {
	if err := o.checkNotClosed(); err != nil {
		return err
	}
	if err := validateDatabaseName(dbName); err != nil {
		return err
	}
	if err := validatePriority(priority); err != nil {
		return err
	}
	if err := o.ensureInitialized(ctx); err != nil {
		return err
	}

	if err := o.store.SetPriority(ctx, dbName, priority); err != nil {
		return err
	}
	o.cache.SetPriority(dbName, priority)
	return nil
}

// DatabaseStats is one row of Stats()'s aggregate snapshot: cache-resident
// state joined with the persisted metadata record and, under LRU, the
// connection's current score.
type DatabaseStats struct {
	DBName         string
	Resident       bool
	Priority       int
	WatchCount     int
	UseCount       int64
	LastActivity   time.Time
	HasActiveWatch bool
	Score          *float64
}

// Stats aggregates cache counters, live map enumeration, persisted
// metadata, and (under LRU) each connection's current score, sorted
// ascending by priority then descending by score (or idle time if no
// score) — exactly the ordering §4.5 specifies.
func (o *Orchestrator) Stats(ctx context.Context) (Counters, []DatabaseStats, error) {
	if err := o.checkNotClosed(); err != nil {
		return Counters{}, nil, err
	}
	if err := o.ensureInitialized(ctx); err != nil {
		return Counters{}, nil, err
	}

	counters := o.cache.Counters()
	snapshots := o.cache.Snapshot()
	liveByName := make(map[string]cache.Snapshot, len(snapshots))
	for _, s := range snapshots {
		liveByName[s.DBName] = s
	}

	records, err := o.store.GetAll(ctx)
	if err != nil {
		return Counters{}, nil, err
	}

	rows := make([]DatabaseStats, 0, len(records))
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		seen[r.DBName] = true
		row := DatabaseStats{
			DBName:         r.DBName,
			Priority:       r.Priority,
			UseCount:       r.UseCount,
			LastActivity:   r.LastUsed,
			HasActiveWatch: r.HasActiveWatch,
		}
		if snap, resident := liveByName[r.DBName]; resident {
			row.Resident = true
			row.WatchCount = snap.WatchCount
			row.Score = snap.Score
			row.LastActivity = snap.LastActivity
			row.UseCount = snap.UseCount
		}
		rows = append(rows, row)
	}
	for _, s := range snapshots {
		if seen[s.DBName] {
			continue
		}
		rows = append(rows, DatabaseStats{
			DBName:       s.DBName,
			Resident:     true,
			Priority:     s.Priority,
			WatchCount:   s.WatchCount,
			UseCount:     s.UseCount,
			LastActivity: s.LastActivity,
			Score:        s.Score,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Priority != rows[j].Priority {
			return rows[i].Priority < rows[j].Priority
		}
		if rows[i].Score != nil && rows[j].Score != nil {
			return *rows[i].Score > *rows[j].Score
		}
		return rows[i].LastActivity.After(rows[j].LastActivity)
	})

	return counters, rows, nil
}

// Counters re-exports the cache package's counter snapshot type so
// callers need not import internal/cache.
type Counters = cache.Counters

// HealthCheck pings the metadata store's dedicated connection, mirroring
// the teacher's Client.HealthCheck()/performHealthCheck pattern — useful
// for an orchestrator embedded in a larger service's readiness probe.
func (o *Orchestrator) HealthCheck(ctx context.Context) error {
	if err := o.checkNotClosed(); err != nil {
		return err
	}
	if err := o.ensureInitialized(ctx); err != nil {
		return err
	}
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := o.store.Ping(checkCtx); err != nil {
		return fmt.Errorf("polymongo: health check failed: %w", err)
	}
	return nil
}

// DeleteMetadata removes the persisted record for dbName — the explicit
// admin operation §3 reserves; it never closes a live connection.
func (o *Orchestrator) DeleteMetadata(ctx context.Context, dbName string) error {
	if err := o.checkNotClosed(); err != nil {
		return err
	}
	if err := validateDatabaseName(dbName); err != nil {
		return err
	}
	if err := o.ensureInitialized(ctx); err != nil {
		return err
	}
	return o.store.Delete(ctx, dbName)
}

// ListDatabases returns every persisted metadata record, promoting the
// original project's "all database stats" dashboard feature to a public
// admin call.
func (o *Orchestrator) ListDatabases(ctx context.Context) ([]*metadata.Record, error) {
	if err := o.checkNotClosed(); err != nil {
		return nil, err
	}
	if err := o.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	return o.store.GetAll(ctx)
}

// WrapModel returns a per-(schema-collection) proxy whose .Db(name)
// chaining resolves per terminal call against this orchestrator's cache,
// realizing §9's proxy pattern: every terminal operation executes against
// getConnection(selectedDB ?? defaultDB).
func (o *Orchestrator) WrapModel(collectionName string) *model.Proxy {
	return model.New(&orchestratorResolver{o: o}, collectionName, o.cfg.DefaultDB)
}

// orchestratorResolver adapts *Orchestrator to model.Resolver without the
// model package importing the root package (avoiding an import cycle).
type orchestratorResolver struct {
	o *Orchestrator
}

func (r *orchestratorResolver) Connection(ctx context.Context, dbName string) (any, error) {
	return r.o.Get(ctx, dbName)
}

func (r *orchestratorResolver) RegisterWatch(ctx context.Context, dbName string, stream model.WatchStream) (model.WatchHandle, bool) {
	if err := r.o.ensureInitialized(ctx); err != nil {
		return nil, false
	}
	return r.o.cache.RegisterWatchStream(dbName, watchStreamAdapter{stream})
}

// watchStreamAdapter satisfies cache.WatchStream via model.WatchStream —
// both are the single-method {Close(ctx) error} shape, kept as distinct
// named interfaces in each package so neither imports the other's types.
type watchStreamAdapter struct {
	stream model.WatchStream
}

func (w watchStreamAdapter) Close(ctx context.Context) error {
	return w.stream.Close(ctx)
}

func adaptCacheError(err error, dbName string, maxConnections int) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, cache.ErrMaxConnectionsExceeded):
		return &MaxConnectionsExceededError{DBName: dbName, MaxConnections: maxConnections}
	case errors.Is(err, cache.ErrConnectionFailed):
		return &ConnectionFailedError{DBName: dbName, Err: err}
	case errors.Is(err, cache.ErrInvalidDatabaseName):
		return &InvalidDatabaseNameError{Name: dbName, Reason: err.Error()}
	default:
		return err
	}
}
