package loccache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/vicinity/internal/broadcast"
	"github.com/onnwee/vicinity/internal/geo"
	"github.com/onnwee/vicinity/internal/profile"
)

var sanFrancisco = geo.Point{Lat: 37.7749, Lng: -122.4194}

// fakeClock is a manually advanced clock for freshness tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// capturePublisher records published broadcast payloads.
type capturePublisher struct {
	mu       sync.Mutex
	messages []broadcast.CacheUpdate
}

func (p *capturePublisher) Publish(ctx context.Context, t broadcast.MessageType, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u, ok := payload.(broadcast.CacheUpdate); ok {
		p.messages = append(p.messages, u)
	}
	return nil
}

func (p *capturePublisher) all() []broadcast.CacheUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]broadcast.CacheUpdate, len(p.messages))
	copy(out, p.messages)
	return out
}

func profiles(ids ...string) []profile.Profile {
	out := make([]profile.Profile, len(ids))
	for i, id := range ids {
		out[i] = profile.Profile{ID: id}
	}
	return out
}

// First get misses, put stores, second get hits with the same entities,
// hit count 1, freshness fresh.
func TestGetPutRoundTrip(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{Now: clock.Now})

	if got := c.Get(sanFrancisco, 1609); got != nil {
		t.Fatalf("initial get should miss, got %v", got)
	}

	c.Put(context.Background(), sanFrancisco, 1609, profiles("a", "b", "c"), 12)

	got := c.Get(sanFrancisco, 1609)
	if len(got) != 3 {
		t.Fatalf("got %d entities, want 3", len(got))
	}
	if hc := c.HitCount(sanFrancisco, 1609); hc != 1 {
		t.Errorf("hit count = %d, want 1", hc)
	}
	if f := c.FreshnessOf(sanFrancisco, 1609); f != FreshnessFresh {
		t.Errorf("freshness = %s, want fresh", f)
	}

	stats := c.Stats()
	if stats.Misses != 1 || stats.Hits != 1 {
		t.Errorf("stats = %+v, want 1 miss and 1 hit", stats)
	}
}

// Putting the same query twice leaves exactly one entry holding the
// deduplicated entity set.
func TestPutIdempotent(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{Now: clock.Now})

	c.Put(context.Background(), sanFrancisco, 1609, profiles("a", "b"), 12)
	c.Put(context.Background(), sanFrancisco, 1609, profiles("a", "b"), 12)

	if c.Len() != 1 {
		t.Fatalf("cache holds %d entries, want 1", c.Len())
	}
	if got := c.Get(sanFrancisco, 1609); len(got) != 2 {
		t.Errorf("got %d entities, want deduplicated 2", len(got))
	}
}

// Two puts with overlapping bounds and disjoint entity sets collapse into a
// single entry under the newer key, holding the union.
func TestPutMergesOverlappingEntries(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{Now: clock.Now})
	ctx := context.Background()

	first := sanFrancisco
	second := geo.Point{Lat: 37.7799, Lng: -122.4194} // ~550m north, heavy overlap at 1609m

	c.Put(ctx, first, 1609, profiles("a", "b"), 12)
	c.Put(ctx, second, 1609, profiles("c", "d"), 12)

	if c.Len() != 1 {
		t.Fatalf("cache holds %d entries, want 1 after merge", c.Len())
	}

	// The surviving entry lives under the newer key.
	got := c.Get(second, 1609)
	if len(got) != 4 {
		t.Fatalf("merged entry holds %d entities, want union of 4", len(got))
	}
	ids := make(map[string]bool)
	for _, p := range got {
		ids[p.ID] = true
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		if !ids[id] {
			t.Errorf("entity %s missing from merged entry", id)
		}
	}

	// The older key must be gone.
	if c.HitCount(first, 1609) != 0 {
		t.Error("older key should have been removed by the merge")
	}
	if got := c.Get(first, 1609); got != nil {
		t.Errorf("older key should miss, got %v", got)
	}
}

// Freshness only ever moves forward: fresh, then stale, then expired.
func TestFreshnessMonotonic(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{
		Now:         clock.Now,
		StaleAfter:  time.Minute,
		ExpireAfter: 5 * time.Minute,
	})

	c.Put(context.Background(), sanFrancisco, 1609, profiles("a"), 12)

	steps := []struct {
		advance time.Duration
		want    Freshness
	}{
		{advance: 0, want: FreshnessFresh},
		{advance: 30 * time.Second, want: FreshnessFresh},
		{advance: 31 * time.Second, want: FreshnessStale},
		{advance: 3 * time.Minute, want: FreshnessStale},
		{advance: time.Minute, want: FreshnessExpired},
		{advance: time.Hour, want: FreshnessExpired},
	}

	for i, step := range steps {
		clock.Advance(step.advance)
		if f := c.FreshnessOf(sanFrancisco, 1609); f != step.want {
			t.Fatalf("step %d: freshness = %s, want %s", i, f, step.want)
		}
	}
}

func TestExpiredEntryIsAMiss(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{Now: clock.Now, StaleAfter: time.Minute, ExpireAfter: 2 * time.Minute})

	c.Put(context.Background(), sanFrancisco, 1609, profiles("a"), 12)
	clock.Advance(3 * time.Minute)

	if c.Has(sanFrancisco, 1609) {
		t.Error("expired entry should not count as present")
	}
	if got := c.Get(sanFrancisco, 1609); got != nil {
		t.Errorf("expired entry should miss, got %v", got)
	}
}

// Inserting past the cap evicts the entry with the lowest value score:
// hit count weighted by freshness over age.
func TestEvictionUnderPressure(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{Now: clock.Now, MaxEntries: 3})
	ctx := context.Background()

	// Far enough apart that nothing overlaps.
	points := []geo.Point{
		{Lat: 10, Lng: 10},
		{Lat: 20, Lng: 20},
		{Lat: 30, Lng: 30},
	}
	for i, p := range points {
		c.Put(ctx, p, 1000, profiles("p"+string(rune('a'+i))), 10)
	}

	// Distinct hit counts: 3, 1, 2. The middle entry scores lowest.
	for i := 0; i < 3; i++ {
		c.Get(points[0], 1000)
	}
	c.Get(points[1], 1000)
	for i := 0; i < 2; i++ {
		c.Get(points[2], 1000)
	}

	c.Put(ctx, geo.Point{Lat: 40, Lng: 40}, 1000, profiles("new"), 10)

	if c.Len() != 3 {
		t.Fatalf("cache holds %d entries, want exactly maxEntries 3", c.Len())
	}
	if got := c.Get(points[1], 1000); got != nil {
		t.Error("lowest-scored entry should have been evicted")
	}
	if got := c.Get(points[0], 1000); got == nil {
		t.Error("highest-scored entry should have survived")
	}
	if stats := c.Stats(); stats.Evictions != 1 {
		t.Errorf("evictions = %d, want 1", stats.Evictions)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{Now: clock.Now, StaleAfter: time.Minute, ExpireAfter: 2 * time.Minute})
	ctx := context.Background()

	c.Put(ctx, geo.Point{Lat: 10, Lng: 10}, 1000, profiles("a"), 10)
	clock.Advance(90 * time.Second)
	c.Put(ctx, geo.Point{Lat: 20, Lng: 20}, 1000, profiles("b"), 10)
	clock.Advance(time.Minute) // first is now 2m30s old, second 1m old

	if removed := c.Sweep(); removed != 1 {
		t.Fatalf("sweep removed %d entries, want 1", removed)
	}
	if c.Len() != 1 {
		t.Errorf("cache holds %d entries after sweep, want 1", c.Len())
	}
}

func TestClearResetsEverything(t *testing.T) {
	clock := newFakeClock()
	store := NewMemorySnapshotStore()
	pub := &capturePublisher{}
	c := New(Options{Now: clock.Now, Store: store, Publisher: pub})
	ctx := context.Background()

	c.Put(ctx, sanFrancisco, 1609, profiles("a"), 12)
	c.Get(sanFrancisco, 1609)
	c.persist(ctx)

	c.Clear(ctx)

	if c.Len() != 0 {
		t.Errorf("cache holds %d entries after clear", c.Len())
	}
	if stats := c.Stats(); stats.Hits != 0 || stats.Misses != 0 || stats.Evictions != 0 {
		t.Errorf("counters not reset: %+v", stats)
	}
	if _, ok, _ := store.Load(ctx); ok {
		t.Error("persisted snapshot should be removed on clear")
	}

	msgs := pub.all()
	if len(msgs) == 0 || msgs[len(msgs)-1].Action != broadcast.CacheActionClear {
		t.Error("clear should broadcast a clear action")
	}
}

func TestPutBroadcastsFinalizedEntry(t *testing.T) {
	clock := newFakeClock()
	pub := &capturePublisher{}
	c := New(Options{Now: clock.Now, Publisher: pub})

	c.Put(context.Background(), sanFrancisco, 1609, profiles("a", "b"), 12)

	msgs := pub.all()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	u := msgs[0]
	if u.Action != broadcast.CacheActionSet || u.Entry == nil {
		t.Fatalf("unexpected broadcast: %+v", u)
	}
	if len(u.Entry.Entities) != 2 {
		t.Errorf("broadcast entry holds %d entities, want 2", len(u.Entry.Entities))
	}
	if u.Entry.Key == "" {
		t.Error("broadcast entry missing key")
	}
}

func TestApplyRemote(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{Now: clock.Now})

	entry := broadcast.CacheEntry{
		Key:       geo.CacheKey(sanFrancisco, 1609, geo.DefaultKeyPrecision),
		Center:    sanFrancisco,
		RadiusM:   1609,
		Timestamp: clock.Now(),
		Entities:  profiles("a", "b"),
		Bounds:    geo.BoundsForRadius(sanFrancisco, 1609),
	}

	c.ApplyRemote(broadcast.CacheUpdate{Action: broadcast.CacheActionSet, Key: entry.Key, Entry: &entry})
	if got := c.Get(sanFrancisco, 1609); len(got) != 2 {
		t.Fatalf("remote set not applied, got %v", got)
	}

	c.ApplyRemote(broadcast.CacheUpdate{Action: broadcast.CacheActionDelete, Key: entry.Key})
	if c.Len() != 0 {
		t.Error("remote delete not applied")
	}

	c.ApplyRemote(broadcast.CacheUpdate{Action: broadcast.CacheActionSet, Key: entry.Key, Entry: &entry})
	c.ApplyRemote(broadcast.CacheUpdate{Action: broadcast.CacheActionClear})
	if c.Len() != 0 {
		t.Error("remote clear not applied")
	}
}

func TestSnapshotRestore(t *testing.T) {
	clock := newFakeClock()
	store := NewMemorySnapshotStore()
	ctx := context.Background()

	first := New(Options{Now: clock.Now, Store: store})
	first.Put(ctx, sanFrancisco, 1609, profiles("a", "b", "c"), 12)
	first.persist(ctx)

	second := New(Options{Now: clock.Now, Store: store})
	if got := second.Get(sanFrancisco, 1609); len(got) != 3 {
		t.Fatalf("restored cache returned %d entities, want 3", len(got))
	}
}

func TestSnapshotRestoreIgnoresStale(t *testing.T) {
	clock := newFakeClock()
	store := NewMemorySnapshotStore()
	ctx := context.Background()

	first := New(Options{Now: clock.Now, Store: store, ExpireAfter: 5 * time.Minute})
	first.Put(ctx, sanFrancisco, 1609, profiles("a"), 12)
	first.persist(ctx)

	clock.Advance(10 * time.Minute)

	second := New(Options{Now: clock.Now, Store: store, ExpireAfter: 5 * time.Minute})
	if second.Len() != 0 {
		t.Errorf("stale snapshot should be ignored, cache holds %d entries", second.Len())
	}
}

// A broken snapshot store must never break the cache itself.
type failingStore struct{}

func (failingStore) Load(ctx context.Context) ([]byte, bool, error) {
	return nil, false, context.DeadlineExceeded
}
func (failingStore) Save(ctx context.Context, data []byte) error { return context.DeadlineExceeded }
func (failingStore) Delete(ctx context.Context) error            { return context.DeadlineExceeded }

func TestPersistenceFailuresAreSwallowed(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{Now: clock.Now, Store: failingStore{}})
	ctx := context.Background()

	c.Put(ctx, sanFrancisco, 1609, profiles("a"), 12)
	c.persist(ctx)
	c.Clear(ctx)

	// Still fully operational in memory.
	c.Put(ctx, sanFrancisco, 1609, profiles("b"), 12)
	if got := c.Get(sanFrancisco, 1609); len(got) != 1 {
		t.Errorf("cache should keep working memory-only, got %v", got)
	}
}

func TestAnalytics(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{Now: clock.Now, StaleAfter: time.Minute, ExpireAfter: 10 * time.Minute})
	ctx := context.Background()

	c.Get(sanFrancisco, 1609) // miss
	c.Put(ctx, sanFrancisco, 1609, profiles("a"), 12)
	c.Get(sanFrancisco, 1609) // hit
	c.Get(sanFrancisco, 1609) // hit

	clock.Advance(2 * time.Minute)
	c.Put(ctx, geo.Point{Lat: 10, Lng: 10}, 1000, profiles("b"), 10)

	a := c.Analytics()
	if a.Entries != 2 {
		t.Errorf("entries = %d, want 2", a.Entries)
	}
	// 5 counted operations: 1 miss, 2 hits, 2 puts.
	if want := 2.0 / 5.0; a.HitRate != want {
		t.Errorf("hit rate = %v, want %v", a.HitRate, want)
	}
	if want := 1.0 / 5.0; a.MissRate != want {
		t.Errorf("miss rate = %v, want %v", a.MissRate, want)
	}
	if a.StaleEntries != 1 || a.FreshEntries != 1 {
		t.Errorf("freshness buckets = %d fresh / %d stale, want 1/1", a.FreshEntries, a.StaleEntries)
	}
	if a.AvgEntryAgeSeconds != 60 {
		t.Errorf("avg entry age = %v, want 60", a.AvgEntryAgeSeconds)
	}
	if a.MemoryBytes <= 0 {
		t.Error("memory estimate should be positive for a non-empty cache")
	}
}
