// Package cache implements the connection-cache lifecycle of §4.4: the
// heart of the engine. It owns the in-memory map of live connections,
// opens and tears down physical connections, tracks activity and watch
// streams, schedules idle timers, and enforces the max-connections
// invariant by invoking an eviction strategy.
package cache

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cloudresty/go-polymongo/internal/driver"
	"github.com/cloudresty/go-polymongo/internal/eviction"
	"github.com/cloudresty/go-polymongo/internal/metadata"
	"github.com/cloudresty/go-polymongo/internal/metrics"
	"github.com/cloudresty/go-polymongo/internal/scoring"
)

// Sentinel errors. The root package adapts these into its public,
// richer error types (errors.go) — duplicated here rather than imported
// because internal/cache must not import the root package (it would
// cycle back through Orchestrator).
var (
	ErrInvalidDatabaseName  = errors.New("cache: invalid database name")
	ErrMaxConnectionsExceeded = errors.New("cache: max connections exceeded")
	ErrConnectionFailed       = errors.New("cache: connection failed")
)

var dbNameForbidden = regexp.MustCompile(`[/\\." $*<>:|?]`)

// ValidateDBName enforces §6: non-empty after trim, ≤64 chars, none of
// / \ . " $ * < > : | ?
func ValidateDBName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: must not be empty", ErrInvalidDatabaseName)
	}
	if len(name) > 64 {
		return fmt.Errorf("%w: must be at most 64 characters", ErrInvalidDatabaseName)
	}
	if dbNameForbidden.MatchString(name) {
		return fmt.Errorf(`%w: must not contain any of / \ . " $ * < > : | ?`, ErrInvalidDatabaseName)
	}
	return nil
}

// Logger is the subset of logging this package needs.
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

// Store is the subset of *metadata.Store the cache needs: hydrating a
// freshly-opened connection's priority/use-count and persisting activity.
// Narrowed to an interface, the same way internal/driver.Opener is, so
// this package can be unit-tested against a fake without a live MongoDB.
type Store interface {
	Get(ctx context.Context, dbName string) (*metadata.Record, error)
	IncrementUseCount(ctx context.Context, dbName string) error
	SetPriority(ctx context.Context, dbName string, priority int) error
	SetWatchStatus(ctx context.Context, dbName string, active bool) error
}

// WatchStream is a change-stream cursor whose liveness pins its
// connection. The cache only ever needs to close it.
type WatchStream interface {
	Close(ctx context.Context) error
}

// WatchHandle is returned by RegisterWatchStream. Closing it closes the
// underlying stream and unregisters it from the cache — this realizes
// §4.4's "subscribe to the stream's close event" in Go, since there is
// no ambient event emitter on mongo.ChangeStream to subscribe to.
type WatchHandle struct {
	cache  *Cache
	dbName string
	stream WatchStream
	once   sync.Once
}

// Close closes the underlying stream and unregisters it. Idempotent.
func (h *WatchHandle) Close(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		err = h.stream.Close(ctx)
		h.cache.unregisterWatchStream(h.dbName, h.stream)
	})
	return err
}

// connState is the lifecycle state of a live connection.
type connState int

const (
	stateConnected connState = iota
	stateClosed
)

// connectionInfo is the live, in-memory ConnectionInfo of §3.
type connectionInfo struct {
	dbName string
	conn   driver.Connection
	state  connState

	createdAt time.Time

	mu           sync.Mutex
	watchStreams map[WatchStream]struct{}
	lastActivity time.Time
	priority     int
	useCount     int64
	idleTimer    *time.Timer
}

func (ci *connectionInfo) watchCount() int {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return len(ci.watchStreams)
}

func (ci *connectionInfo) candidate(dbName string) eviction.Candidate {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return eviction.Candidate{
		DBName:       dbName,
		Priority:     ci.priority,
		WatchCount:   len(ci.watchStreams),
		LastActivity: ci.lastActivity,
		CreatedAt:    ci.createdAt,
		UseCount:     ci.useCount,
	}
}

// Config bundles the cache's construction-time settings.
type Config struct {
	BaseURI          string
	MaxConnections   int
	CacheConnections bool
	DisconnectOnIdle bool
	IdleTimeout      time.Duration
	EvictionType     eviction.Type
}

// Counters are the three monotonic counters of §4.4.
type Counters struct {
	Hits      int64
	Misses    int64
	Evictions int64
}

// Snapshot is a point-in-time view of one live connection, used by
// Orchestrator.Stats.
type Snapshot struct {
	DBName       string
	Priority     int
	WatchCount   int
	UseCount     int64
	LastActivity time.Time
	CreatedAt    time.Time
	Score        *float64
}

// Cache is the connection cache of §4.4.
type Cache struct {
	cfg      Config
	opener   driver.Opener
	store    Store
	strategy eviction.Strategy
	logger   Logger

	mu   sync.RWMutex
	live map[string]*connectionInfo

	inflight singleflight.Group
	keyed    keyedMutex

	enforceMu sync.Mutex

	mu2       sync.Mutex // guards the three counters below
	hits      int64
	misses    int64
	evictions int64

	closed bool
}

// New constructs a Cache. The cache does not connect anything until Get
// is called.
func New(cfg Config, opener driver.Opener, store Store, logger Logger) *Cache {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Cache{
		cfg:      cfg,
		opener:   opener,
		store:    store,
		strategy: eviction.New(cfg.EvictionType, cfg.IdleTimeout),
		logger:   logger,
		live:     make(map[string]*connectionInfo),
	}
}

// Get is the central operation of §4.4: validate, fast-path hit, or
// enforce the cap and open on miss.
func (c *Cache) Get(ctx context.Context, dbName string) (driver.Connection, error) {
	if err := ValidateDBName(dbName); err != nil {
		return nil, err
	}

	if c.cfg.CacheConnections {
		c.mu.RLock()
		entry, ok := c.live[dbName]
		c.mu.RUnlock()

		if ok && entry.state == stateConnected {
			c.addHit()
			c.recordActivity(dbName, entry)
			return entry.conn, nil
		}
	}

	c.addMiss()

	if err := c.enforceMax(ctx); err != nil {
		return nil, err
	}

	return c.createConnection(ctx, dbName)
}

// Open is an explicit prewarm; identical to Get.
func (c *Cache) Open(ctx context.Context, dbName string) (driver.Connection, error) {
	return c.Get(ctx, dbName)
}

// createConnection is the miss path (§4.4), single-flighted per dbName
// so two concurrent misses on the same database never both dial.
func (c *Cache) createConnection(ctx context.Context, dbName string) (driver.Connection, error) {
	v, err, _ := c.inflight.Do(dbName, func() (any, error) {
		unlock := c.keyed.Lock(dbName)
		defer unlock()

		// Re-check residency: another goroutine may have populated the
		// entry while we waited for the keyed lock (e.g. a racing Open).
		c.mu.RLock()
		entry, ok := c.live[dbName]
		c.mu.RUnlock()
		if ok && entry.state == stateConnected {
			if c.cfg.CacheConnections {
				c.recordActivity(dbName, entry)
				return entry.conn, nil
			}
			// CacheConnections is false: every Get is a miss, so the
			// stale entry is torn down and replaced rather than reused,
			// preserving §3 invariant 1 (at most one live entry per name).
			if err := c.teardown(ctx, dbName, entry); err != nil {
				c.logger.Warn("failed to tear down stale connection before reopening",
					"dbName", dbName, "error", err)
			}
		}

		uri := c.cfg.BaseURI + "/" + dbName
		conn, err := c.opener.Open(ctx, uri, dbName)
		if err != nil {
			metrics.ConnectionErrorsTotal.Inc()
			return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		}

		record, err := c.store.Get(ctx, dbName)
		if err != nil {
			c.logger.Warn("failed to hydrate metadata on open",
				"dbName", dbName, "error", err)
			record = &metadata.Record{DBName: dbName, Priority: 500}
		}

		now := time.Now()
		entry = &connectionInfo{
			dbName:       dbName,
			conn:         conn,
			state:        stateConnected,
			createdAt:    now,
			watchStreams: make(map[WatchStream]struct{}),
			lastActivity: now,
			priority:     record.Priority,
			useCount:     record.UseCount,
		}

		c.mu.Lock()
		c.live[dbName] = entry
		c.mu.Unlock()

		c.armIdleTimerLocked(dbName, entry)
		metrics.LiveConnections.Inc()

		c.logger.Debug("opened connection", "dbName", dbName)
		return conn, nil
	})

	if err != nil {
		return nil, err
	}
	return v.(driver.Connection), nil
}

// recordActivity updates lastActivity, fires a background use-count
// increment (never propagated to the caller), and slides the idle timer.
func (c *Cache) recordActivity(dbName string, entry *connectionInfo) {
	entry.mu.Lock()
	entry.lastActivity = time.Now()
	entry.useCount++
	hasTimer := entry.idleTimer != nil
	entry.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.store.IncrementUseCount(ctx, dbName); err != nil {
			c.logger.Warn("failed to persist use count increment",
				"dbName", dbName, "error", err)
		}
	}()

	if hasTimer {
		c.rearmIdleTimer(dbName, entry)
	}
}

// armIdleTimerLocked arms the idle timer on a freshly-created entry iff
// all four conditions of §4.4 hold. Caller must hold the keyed lock for
// dbName (only called from createConnection's single-flighted section).
func (c *Cache) armIdleTimerLocked(dbName string, entry *connectionInfo) {
	entry.mu.Lock()
	watchEmpty := len(entry.watchStreams) == 0
	priority := entry.priority
	entry.mu.Unlock()

	if c.cfg.DisconnectOnIdle && c.cfg.EvictionType == eviction.Timeout && priority != -1 && watchEmpty {
		c.scheduleIdleTimer(dbName, entry)
	}
}

func (c *Cache) scheduleIdleTimer(dbName string, entry *connectionInfo) {
	entry.mu.Lock()
	if entry.idleTimer != nil {
		entry.idleTimer.Stop()
	}
	entry.idleTimer = time.AfterFunc(c.cfg.IdleTimeout, func() {
		c.onIdleTimerFired(dbName)
	})
	entry.mu.Unlock()
}

func (c *Cache) rearmIdleTimer(dbName string, entry *connectionInfo) {
	entry.mu.Lock()
	watchEmpty := len(entry.watchStreams) == 0
	entry.mu.Unlock()
	if !watchEmpty {
		return
	}
	c.scheduleIdleTimer(dbName, entry)
}

// onIdleTimerFired re-checks eligibility before closing — state may have
// changed between schedule and fire (§4.4's essential double-check).
func (c *Cache) onIdleTimerFired(dbName string) {
	c.mu.RLock()
	entry, ok := c.live[dbName]
	c.mu.RUnlock()
	if !ok {
		return // gone already; no-op
	}

	now := time.Now()
	cand := entry.candidate(dbName)
	if !c.strategy.ShouldEvict(cand, now) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Close(ctx, dbName); err != nil {
		c.logger.Warn("idle-timer eviction failed", "dbName", dbName, "error", err)
	}
}

// enforceMax is the admission invariant of §4.4/§8 property 2, serialized
// with itself to prevent double-eviction.
func (c *Cache) enforceMax(ctx context.Context) error {
	if c.cfg.MaxConnections <= 0 {
		return nil
	}

	c.enforceMu.Lock()
	defer c.enforceMu.Unlock()

	candidates, watching := c.snapshotCandidates()
	active := len(candidates)
	unwatchedActive := active - watching

	// Admitting one more unwatched connection must not push the
	// unwatched-connected count above the cap. See §9's open question:
	// the naive "active - max + 1 - watching" arithmetic can under-evict
	// when watching is large; this formula instead targets the
	// unwatched count directly. §8 property 2 holds after a successful
	// return only when the strategy supplies every needed victim from
	// the unwatched connections: if it returns at least one victim but
	// fewer than needed (priority -1 entries are never chosen, the
	// timeout strategy only picks idle ones, and LRU's fallback pass can
	// pick watched ones), those victims are closed and admission
	// proceeds; only an empty selection fails.
	if unwatchedActive+1 <= c.cfg.MaxConnections {
		return nil
	}

	needed := unwatchedActive + 1 - c.cfg.MaxConnections
	if needed < 1 {
		needed = 1
	}

	victims := c.strategy.SelectForEviction(time.Now(), candidates, needed)
	if len(victims) == 0 {
		return fmt.Errorf("%w", ErrMaxConnectionsExceeded)
	}

	for _, v := range victims {
		if err := c.Close(ctx, v); err != nil {
			c.logger.Warn("enforceMax eviction failed", "dbName", v, "error", err)
		}
	}
	return nil
}

func (c *Cache) snapshotCandidates() ([]eviction.Candidate, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	candidates := make([]eviction.Candidate, 0, len(c.live))
	watching := 0
	for name, entry := range c.live {
		if entry.state != stateConnected {
			continue
		}
		cand := entry.candidate(name)
		candidates = append(candidates, cand)
		if cand.WatchCount > 0 {
			watching++
		}
	}
	return candidates, watching
}

// Close tears a single connection down: every watch stream is closed
// sequentially (awaiting each), the idle timer is cancelled, the
// connection is disconnected, and the map entry is removed regardless of
// teardown errors. Idempotent: closing an absent dbName is a logged
// no-op.
func (c *Cache) Close(ctx context.Context, dbName string) error {
	unlock := c.keyed.Lock(dbName)
	defer unlock()

	c.mu.RLock()
	entry, ok := c.live[dbName]
	c.mu.RUnlock()
	if !ok {
		c.logger.Debug("close on absent connection is a no-op", "dbName", dbName)
		return nil
	}

	return c.teardown(ctx, dbName, entry)
}

// teardown performs the actual close logic. Callers must already hold
// the per-dbName keyed lock — either via Close, or via createConnection's
// single-flighted section when replacing a stale entry under
// CacheConnections=false.
func (c *Cache) teardown(ctx context.Context, dbName string, entry *connectionInfo) error {
	entry.mu.Lock()
	streams := make([]WatchStream, 0, len(entry.watchStreams))
	for s := range entry.watchStreams {
		streams = append(streams, s)
	}
	entry.watchStreams = make(map[WatchStream]struct{})
	if entry.idleTimer != nil {
		entry.idleTimer.Stop()
		entry.idleTimer = nil
	}
	entry.mu.Unlock()

	for _, s := range streams {
		if err := s.Close(ctx); err != nil {
			c.logger.Error("failed to close watch stream during teardown",
				"dbName", dbName, "error", err)
		}
		metrics.ActiveWatchStreams.Dec()
	}

	if err := entry.conn.Disconnect(ctx); err != nil {
		c.logger.Error("failed to disconnect connection", "dbName", dbName, "error", err)
	}

	entry.state = stateClosed

	c.mu.Lock()
	delete(c.live, dbName)
	c.mu.Unlock()

	c.addEviction()
	metrics.LiveConnections.Dec()
	c.logger.Debug("closed connection", "dbName", dbName)
	return nil
}

// CloseAll closes every live entry concurrently and awaits all of them.
func (c *Cache) CloseAll(ctx context.Context) error {
	c.mu.RLock()
	names := make([]string, 0, len(c.live))
	for name := range c.live {
		names = append(names, name)
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			if err := c.Close(ctx, n); err != nil {
				c.logger.Error("closeAll: failed to close connection", "dbName", n, "error", err)
			}
		}(name)
	}
	wg.Wait()

	c.closed = true
	return nil
}

// SetPriority updates the live entry's priority (if resident); the
// metadata store write is the caller's (Orchestrator's) responsibility
// so both persistence and in-memory state are adjusted atomically from
// the caller's point of view.
func (c *Cache) SetPriority(dbName string, priority int) {
	c.mu.RLock()
	entry, ok := c.live[dbName]
	c.mu.RUnlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.priority = priority
	entry.mu.Unlock()
}

// RegisterWatchStream adds stream to dbName's watch set, cancels any
// pending idle timer, and returns a handle whose Close both closes the
// stream and unregisters it.
func (c *Cache) RegisterWatchStream(dbName string, stream WatchStream) (*WatchHandle, bool) {
	c.mu.RLock()
	entry, ok := c.live[dbName]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	entry.mu.Lock()
	entry.watchStreams[stream] = struct{}{}
	if entry.idleTimer != nil {
		entry.idleTimer.Stop()
		entry.idleTimer = nil
	}
	entry.mu.Unlock()
	metrics.ActiveWatchStreams.Inc()

	return &WatchHandle{cache: c, dbName: dbName, stream: stream}, true
}

// unregisterWatchStream removes stream from dbName's watch set; if the
// set becomes empty and the timeout policy with DisconnectOnIdle is in
// effect, the idle timer is rearmed.
func (c *Cache) unregisterWatchStream(dbName string, stream WatchStream) {
	c.mu.RLock()
	entry, ok := c.live[dbName]
	c.mu.RUnlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	delete(entry.watchStreams, stream)
	empty := len(entry.watchStreams) == 0
	entry.mu.Unlock()
	metrics.ActiveWatchStreams.Dec()

	if empty && c.cfg.DisconnectOnIdle && c.cfg.EvictionType == eviction.Timeout {
		c.rearmIdleTimer(dbName, entry)
	}
}

// Counters returns the three monotonic counters.
func (c *Cache) Counters() Counters {
	c.mu2.Lock()
	defer c.mu2.Unlock()
	return Counters{Hits: c.hits, Misses: c.misses, Evictions: c.evictions}
}

func (c *Cache) addHit() {
	c.mu2.Lock()
	c.hits++
	c.mu2.Unlock()
	metrics.CacheHitsTotal.Inc()
}

func (c *Cache) addMiss() {
	c.mu2.Lock()
	c.misses++
	c.mu2.Unlock()
	metrics.CacheMissesTotal.Inc()
}

func (c *Cache) addEviction() {
	c.mu2.Lock()
	c.evictions++
	c.mu2.Unlock()
	metrics.CacheEvictionsTotal.Inc()
}

// Snapshot returns a point-in-time view of every live connection,
// scoring each under LRU when applicable, for Orchestrator.Stats.
func (c *Cache) Snapshot() []Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	out := make([]Snapshot, 0, len(c.live))
	for name, entry := range c.live {
		entry.mu.Lock()
		snap := Snapshot{
			DBName:       name,
			Priority:     entry.priority,
			WatchCount:   len(entry.watchStreams),
			UseCount:     entry.useCount,
			LastActivity: entry.lastActivity,
			CreatedAt:    entry.createdAt,
		}
		entry.mu.Unlock()

		if c.cfg.EvictionType == eviction.LRU {
			s := scoreFor(now, snap)
			snap.Score = &s
		}
		out = append(out, snap)
	}
	return out
}

func scoreFor(now time.Time, snap Snapshot) float64 {
	return scoring.Score(scoring.Input{
		Now:          now,
		CreatedAt:    snap.CreatedAt,
		LastActivity: snap.LastActivity,
		UseCount:     snap.UseCount,
		Priority:     snap.Priority,
	})
}

// keyedMutex serializes operations per string key without holding a
// single global lock for unrelated keys.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Lock acquires the per-key lock and returns an unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
