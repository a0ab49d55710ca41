package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudresty/go-polymongo/internal/driver"
	"github.com/cloudresty/go-polymongo/internal/eviction"
	"github.com/cloudresty/go-polymongo/internal/metadata"
)

// fakeConn is an in-memory driver.Connection that never touches the
// network, the same role the teacher's own unit tests give a stub
// *mongo.Client substitute in mongodb_test.go.
type fakeConn struct {
	dbName       string
	disconnected int32
}

func (c *fakeConn) Ping(context.Context) error { return nil }

func (c *fakeConn) Disconnect(context.Context) error {
	atomic.AddInt32(&c.disconnected, 1)
	return nil
}

func (c *fakeConn) Database() any { return c.dbName }

// fakeOpener counts Open calls per dbName so tests can assert single-flight
// coalescing and miss semantics without any I/O.
type fakeOpener struct {
	mu    sync.Mutex
	opens map[string]int
	delay time.Duration
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{opens: make(map[string]int)}
}

func (o *fakeOpener) Open(ctx context.Context, uri string, dbName string) (driver.Connection, error) {
	o.mu.Lock()
	o.opens[dbName]++
	o.mu.Unlock()

	if o.delay > 0 {
		time.Sleep(o.delay)
	}
	return &fakeConn{dbName: dbName}, nil
}

func (o *fakeOpener) openCount(dbName string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[dbName]
}

// fakeStream is a WatchStream whose Close is observable.
type fakeStream struct {
	closed int32
}

func (s *fakeStream) Close(context.Context) error {
	atomic.AddInt32(&s.closed, 1)
	return nil
}

// fakeStore is an in-memory Store, mirroring fakeOpener's role for the
// driver surface: it lets every cache test run without a live MongoDB.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]*metadata.Record
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*metadata.Record)}
}

func (s *fakeStore) recordLocked(dbName string) *metadata.Record {
	r, ok := s.records[dbName]
	if !ok {
		now := time.Now()
		r = &metadata.Record{DBName: dbName, Priority: 500, CreatedAt: now, UpdatedAt: now}
		s.records[dbName] = r
	}
	return r
}

func (s *fakeStore) Get(ctx context.Context, dbName string) (*metadata.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.recordLocked(dbName)
	clone := *r
	return &clone, nil
}

func (s *fakeStore) IncrementUseCount(ctx context.Context, dbName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.recordLocked(dbName)
	r.UseCount++
	r.LastUsed = time.Now()
	return nil
}

func (s *fakeStore) SetPriority(ctx context.Context, dbName string, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(dbName).Priority = priority
	return nil
}

func (s *fakeStore) SetWatchStatus(ctx context.Context, dbName string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(dbName).HasActiveWatch = active
	return nil
}

func newTestCache(t *testing.T, cfg Config) (*Cache, *fakeOpener) {
	t.Helper()
	opener := newFakeOpener()
	return New(cfg, opener, newFakeStore(), nil), opener
}

func TestGetIsMissThenHitWhenCaching(t *testing.T) {
	c, opener := newTestCache(t, Config{
		BaseURI:          "mongodb://localhost:27017",
		MaxConnections:   0,
		CacheConnections: true,
		EvictionType:     eviction.Manual,
	})
	ctx := context.Background()

	if _, err := c.Get(ctx, "tenant1"); err != nil {
		t.Fatalf("first Get failed: %v", err)
	}
	if _, err := c.Get(ctx, "tenant1"); err != nil {
		t.Fatalf("second Get failed: %v", err)
	}

	if got := opener.openCount("tenant1"); got != 1 {
		t.Errorf("expected exactly 1 dial when caching, got %d", got)
	}
	counters := c.Counters()
	if counters.Hits != 1 || counters.Misses != 1 {
		t.Errorf("expected 1 hit and 1 miss, got %+v", counters)
	}
}

func TestGetAlwaysMissesWhenNotCaching(t *testing.T) {
	c, opener := newTestCache(t, Config{
		BaseURI:          "mongodb://localhost:27017",
		MaxConnections:   0,
		CacheConnections: false,
		EvictionType:     eviction.Manual,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.Get(ctx, "tenant2"); err != nil {
			t.Fatalf("Get #%d failed: %v", i, err)
		}
	}

	if got := opener.openCount("tenant2"); got != 3 {
		t.Errorf("expected 3 dials when not caching, got %d", got)
	}

	c.mu.RLock()
	_, resident := c.live["tenant2"]
	c.mu.RUnlock()
	if !resident {
		t.Error("expected the last opened connection to remain resident")
	}
}

func TestConcurrentMissesCoalesceViaSingleFlight(t *testing.T) {
	c, opener := newTestCache(t, Config{
		BaseURI:          "mongodb://localhost:27017",
		MaxConnections:   0,
		CacheConnections: true,
		EvictionType:     eviction.Manual,
	})
	opener.delay = 50 * time.Millisecond
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(ctx, "hotdb"); err != nil {
				t.Errorf("concurrent Get failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := opener.openCount("hotdb"); got != 1 {
		t.Errorf("expected single-flight to coalesce to 1 dial, got %d", got)
	}
}

func TestEnforceMaxEvictsLeastValuableUnderLRU(t *testing.T) {
	c, _ := newTestCache(t, Config{
		BaseURI:          "mongodb://localhost:27017",
		MaxConnections:   2,
		CacheConnections: true,
		EvictionType:     eviction.LRU,
	})
	ctx := context.Background()

	if _, err := c.Get(ctx, "old"); err != nil {
		t.Fatalf("Get(old) failed: %v", err)
	}
	// Backdate "old"'s activity so it scores worst and gets evicted first.
	c.mu.RLock()
	oldEntry := c.live["old"]
	c.mu.RUnlock()
	oldEntry.mu.Lock()
	oldEntry.lastActivity = time.Now().Add(-time.Hour)
	oldEntry.createdAt = time.Now().Add(-time.Hour)
	oldEntry.mu.Unlock()

	if _, err := c.Get(ctx, "mid"); err != nil {
		t.Fatalf("Get(mid) failed: %v", err)
	}
	if _, err := c.Get(ctx, "new"); err != nil {
		t.Fatalf("Get(new) failed: %v", err)
	}

	c.mu.RLock()
	_, oldStillThere := c.live["old"]
	_, midStillThere := c.live["mid"]
	_, newStillThere := c.live["new"]
	liveCount := len(c.live)
	c.mu.RUnlock()

	if oldStillThere {
		t.Error("expected 'old' to be evicted to honor MaxConnections")
	}
	if !midStillThere || !newStillThere {
		t.Error("expected 'mid' and 'new' to remain resident")
	}
	if liveCount > 2 {
		t.Errorf("expected at most 2 live connections, got %d", liveCount)
	}
}

func TestWatchedConnectionProtectedFromEviction(t *testing.T) {
	c, _ := newTestCache(t, Config{
		BaseURI:          "mongodb://localhost:27017",
		MaxConnections:   1,
		CacheConnections: true,
		EvictionType:     eviction.LRU,
	})
	ctx := context.Background()

	if _, err := c.Get(ctx, "watched"); err != nil {
		t.Fatalf("Get(watched) failed: %v", err)
	}
	handle, ok := c.RegisterWatchStream("watched", &fakeStream{})
	if !ok {
		t.Fatal("expected RegisterWatchStream to succeed on resident connection")
	}
	defer handle.Close(ctx)

	if _, err := c.Get(ctx, "other"); err != nil {
		t.Fatalf("Get(other) failed: %v", err)
	}

	c.mu.RLock()
	_, watchedStillThere := c.live["watched"]
	c.mu.RUnlock()
	if !watchedStillThere {
		t.Error("watched connection must never be evicted, even over MaxConnections")
	}
}

func TestNeverCloseProtectedFromEviction(t *testing.T) {
	c, _ := newTestCache(t, Config{
		BaseURI:          "mongodb://localhost:27017",
		MaxConnections:   1,
		CacheConnections: true,
		EvictionType:     eviction.LRU,
	})
	ctx := context.Background()

	if _, err := c.Get(ctx, "protected"); err != nil {
		t.Fatalf("Get(protected) failed: %v", err)
	}
	c.SetPriority("protected", -1)

	if _, err := c.Get(ctx, "other"); !errors.Is(err, ErrMaxConnectionsExceeded) {
		t.Fatalf("expected Get(other) to fail with ErrMaxConnectionsExceeded when the only resident entry has priority -1, got %v", err)
	}

	c.mu.RLock()
	_, protectedStillThere := c.live["protected"]
	c.mu.RUnlock()
	if !protectedStillThere {
		t.Error("priority -1 connection must never be evicted")
	}
}

func TestIdleTimerClosesConnectionAfterTimeout(t *testing.T) {
	c, _ := newTestCache(t, Config{
		BaseURI:          "mongodb://localhost:27017",
		MaxConnections:   0,
		CacheConnections: true,
		DisconnectOnIdle: true,
		IdleTimeout:      50 * time.Millisecond,
		EvictionType:     eviction.Timeout,
	})
	ctx := context.Background()

	if _, err := c.Get(ctx, "idledb"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.RLock()
		_, present := c.live["idledb"]
		c.mu.RUnlock()
		if !present {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expected idle connection to be closed by its idle timer")
}

func TestIdleTimerDoesNotFireWhileActivityContinues(t *testing.T) {
	c, _ := newTestCache(t, Config{
		BaseURI:          "mongodb://localhost:27017",
		MaxConnections:   0,
		CacheConnections: true,
		DisconnectOnIdle: true,
		IdleTimeout:      80 * time.Millisecond,
		EvictionType:     eviction.Timeout,
	})
	ctx := context.Background()

	if _, err := c.Get(ctx, "busydb"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	stop := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(stop) {
		if _, err := c.Get(ctx, "busydb"); err != nil {
			t.Fatalf("repeat Get failed: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	c.mu.RLock()
	_, present := c.live["busydb"]
	c.mu.RUnlock()
	if !present {
		t.Error("connection under continuous activity must not be idle-evicted")
	}
}

func TestCloseIsIdempotentAndClosesWatchStreams(t *testing.T) {
	c, _ := newTestCache(t, Config{
		BaseURI:          "mongodb://localhost:27017",
		MaxConnections:   0,
		CacheConnections: true,
		EvictionType:     eviction.Manual,
	})
	ctx := context.Background()

	if _, err := c.Get(ctx, "closeme"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	stream := &fakeStream{}
	handle, ok := c.RegisterWatchStream("closeme", stream)
	if !ok {
		t.Fatal("expected RegisterWatchStream to succeed")
	}
	_ = handle

	if err := c.Close(ctx, "closeme"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if atomic.LoadInt32(&stream.closed) != 1 {
		t.Error("expected watch stream to be closed by Close")
	}
	if err := c.Close(ctx, "closeme"); err != nil {
		t.Fatalf("second Close must be a no-op, got error: %v", err)
	}
}

func TestCloseAllClosesEveryLiveConnection(t *testing.T) {
	c, _ := newTestCache(t, Config{
		BaseURI:          "mongodb://localhost:27017",
		MaxConnections:   0,
		CacheConnections: true,
		EvictionType:     eviction.Manual,
	})
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		if _, err := c.Get(ctx, name); err != nil {
			t.Fatalf("Get(%s) failed: %v", name, err)
		}
	}
	if err := c.CloseAll(ctx); err != nil {
		t.Fatalf("CloseAll failed: %v", err)
	}

	c.mu.RLock()
	n := len(c.live)
	c.mu.RUnlock()
	if n != 0 {
		t.Errorf("expected 0 live connections after CloseAll, got %d", n)
	}
}

func TestGetHydratesPriorityFromStoreOnOpen(t *testing.T) {
	store := newFakeStore()
	store.SetPriority(context.Background(), "pinned", -1)

	c := New(Config{
		BaseURI:          "mongodb://localhost:27017",
		MaxConnections:   0,
		CacheConnections: true,
		EvictionType:     eviction.Manual,
	}, newFakeOpener(), store, nil)
	ctx := context.Background()

	if _, err := c.Get(ctx, "pinned"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	c.mu.RLock()
	entry := c.live["pinned"]
	c.mu.RUnlock()
	entry.mu.Lock()
	priority := entry.priority
	entry.mu.Unlock()
	if priority != -1 {
		t.Errorf("expected hydrated priority -1, got %d", priority)
	}
}

func TestRecordActivityPersistsUseCountToStore(t *testing.T) {
	store := newFakeStore()
	c := New(Config{
		BaseURI:          "mongodb://localhost:27017",
		MaxConnections:   0,
		CacheConnections: true,
		EvictionType:     eviction.Manual,
	}, newFakeOpener(), store, nil)
	ctx := context.Background()

	if _, err := c.Get(ctx, "active"); err != nil {
		t.Fatalf("first Get failed: %v", err)
	}
	if _, err := c.Get(ctx, "active"); err != nil {
		t.Fatalf("second Get failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		count := store.records["active"].UseCount
		store.mu.Unlock()
		if count >= 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("expected at least one persisted use-count increment")
}
