package loccache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/vicinity/internal/broadcast"
	"github.com/onnwee/vicinity/internal/geo"
	"github.com/onnwee/vicinity/internal/profile"
)

// Tuning defaults. All of these are configuration; see config.Config.
const (
	DefaultMaxEntries        = 50
	DefaultStaleAfter        = 2 * time.Minute
	DefaultExpireAfter       = 10 * time.Minute
	DefaultOverlapThreshold  = 0.2
	DefaultPersistInterval   = 30 * time.Second
	DefaultAnalyticsInterval = time.Minute
)

// Publisher is the slice of the broadcast coordinator the cache needs to
// mirror its mutations to sibling instances.
type Publisher interface {
	Publish(ctx context.Context, t broadcast.MessageType, payload any) error
}

// Options configures a Cache. Zero values fall back to the defaults above.
type Options struct {
	// KeyPrecision is the coordinate rounding applied when deriving keys.
	KeyPrecision int
	// MaxEntries caps the cache; the lowest-value entry is evicted beyond it.
	MaxEntries int
	// StaleAfter and ExpireAfter are the two freshness thresholds.
	StaleAfter  time.Duration
	ExpireAfter time.Duration
	// OverlapThreshold is the bounds overlap ratio above which entries merge.
	OverlapThreshold float64
	// PersistInterval is how often the snapshot is written to the store.
	PersistInterval time.Duration
	// AnalyticsInterval is how often the analytics view is recomputed.
	AnalyticsInterval time.Duration
	// Store persists snapshots. Nil disables persistence.
	Store SnapshotStore
	// Publisher mirrors mutations to peers. Nil disables broadcasting.
	Publisher Publisher
	// Metrics, when set, receives counters and the periodic analytics view.
	Metrics *Metrics
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Now overrides the clock for tests.
	Now func() time.Time
}

// Analytics is the read-only derived view of cache behavior. It is
// recomputed on an interval rather than per operation to bound overhead.
type Analytics struct {
	Entries            int     `json:"entries"`
	HitRate            float64 `json:"hit_rate"`
	MissRate           float64 `json:"miss_rate"`
	EvictionRate       float64 `json:"eviction_rate"`
	AvgEntryAgeSeconds float64 `json:"avg_entry_age_seconds"`
	FreshEntries       int     `json:"fresh_entries"`
	StaleEntries       int     `json:"stale_entries"`
	ExpiredEntries     int     `json:"expired_entries"`
	MemoryBytes        int     `json:"memory_bytes"`
}

// Stats holds the raw operation counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// Cache is the location cache. A cache miss is a normal return path, never an
// error; persistence failures are logged and swallowed so the cache degrades
// to memory-only operation instead of surfacing storage problems to callers.
type Cache struct {
	precision        int
	maxEntries       int
	staleAfter       time.Duration
	expireAfter      time.Duration
	overlapThreshold float64
	persistInterval  time.Duration
	analyticsEvery   time.Duration
	store            SnapshotStore
	publisher        Publisher
	metrics          *Metrics
	logger           *slog.Logger
	now              func() time.Time

	mu        sync.Mutex
	entries   map[string]*Entry
	hits      uint64
	misses    uint64
	evictions uint64
	ops       uint64
}

// New creates a cache and attempts to warm it from the snapshot store.
// A stale or unreadable snapshot is ignored; restore is best effort.
func New(opts Options) *Cache {
	if opts.KeyPrecision <= 0 {
		opts.KeyPrecision = geo.DefaultKeyPrecision
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.ExpireAfter <= 0 {
		opts.ExpireAfter = DefaultExpireAfter
	}
	if opts.OverlapThreshold <= 0 {
		opts.OverlapThreshold = DefaultOverlapThreshold
	}
	if opts.PersistInterval <= 0 {
		opts.PersistInterval = DefaultPersistInterval
	}
	if opts.AnalyticsInterval <= 0 {
		opts.AnalyticsInterval = DefaultAnalyticsInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Cache{
		precision:        opts.KeyPrecision,
		maxEntries:       opts.MaxEntries,
		staleAfter:       opts.StaleAfter,
		expireAfter:      opts.ExpireAfter,
		overlapThreshold: opts.OverlapThreshold,
		persistInterval:  opts.PersistInterval,
		analyticsEvery:   opts.AnalyticsInterval,
		store:            opts.Store,
		publisher:        opts.Publisher,
		metrics:          opts.Metrics,
		logger:           opts.Logger,
		now:              opts.Now,
		entries:          make(map[string]*Entry),
	}
	c.restore()
	return c
}

// Bind subscribes the cache to cache_update broadcasts from sibling
// instances. Remote mutations are applied directly to the map, without
// re-running the overlap merge; two instances writing overlapping but not
// identical bounds can briefly hold duplicate coverage until the next local
// Put. That gap is accepted.
func (c *Cache) Bind(coord *broadcast.Coordinator) {
	coord.Handle(broadcast.TypeCacheUpdate, func(env broadcast.Envelope, payload any) {
		if u, ok := payload.(broadcast.CacheUpdate); ok {
			c.ApplyRemote(u)
		}
	})
}

// Has reports whether a non-expired entry exists for the query, recording a
// hit or miss as a side effect.
func (c *Cache) Has(center geo.Point, radiusMeters float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ops++
	if _, ok := c.lookupLocked(center, radiusMeters); !ok {
		c.countMissLocked()
		return false
	}
	c.countHitLocked()
	return true
}

// Get returns the cached entities for the query, or nil on a miss. A hit
// increments the entry's hit count.
func (c *Cache) Get(center geo.Point, radiusMeters float64) []profile.Profile {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ops++
	e, ok := c.lookupLocked(center, radiusMeters)
	if !ok {
		c.countMissLocked()
		return nil
	}

	e.HitCount++
	c.countHitLocked()

	out := make([]profile.Profile, len(e.Entities))
	copy(out, e.Entities)
	return out
}

// lookupLocked finds the live entry for a query, treating expired entries as
// absent. Caller holds c.mu.
func (c *Cache) lookupLocked(center geo.Point, radiusMeters float64) (*Entry, bool) {
	key := geo.CacheKey(center, radiusMeters, c.precision)
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if e.FreshnessAt(c.now(), c.staleAfter, c.expireAfter) == FreshnessExpired {
		delete(c.entries, key)
		return nil, false
	}
	return e, true
}

// Put stores a query result. Existing entries whose bounds overlap the new
// one beyond the configured ratio are merged into it (entities deduplicated
// by ID, most recent copy winning) and removed, so at most one entry covers
// any sub-region. The finalized entry is mirrored to peers.
func (c *Cache) Put(ctx context.Context, center geo.Point, radiusMeters float64, entities []profile.Profile, zoom int) {
	now := c.now()
	key := geo.CacheKey(center, radiusMeters, c.precision)
	bounds := geo.BoundsForRadius(center, radiusMeters)

	c.mu.Lock()
	c.ops++

	merged := make([]profile.Profile, len(entities))
	copy(merged, entities)

	for k, e := range c.entries {
		if geo.OverlapRatio(bounds, e.Bounds) >= c.overlapThreshold {
			merged = profile.MergeByID(e.Entities, merged)
			delete(c.entries, k)
		}
	}

	for len(c.entries) >= c.maxEntries {
		c.evictLowestLocked(now)
	}

	entry := &Entry{
		Key:       key,
		Center:    center,
		RadiusM:   radiusMeters,
		Timestamp: now,
		Entities:  merged,
		Bounds:    bounds,
		Zoom:      zoom,
	}
	c.entries[key] = entry
	wire := entryToWire(entry)
	c.mu.Unlock()

	c.broadcast(ctx, broadcast.CacheUpdate{
		Action:    broadcast.CacheActionSet,
		Key:       key,
		Entry:     &wire,
		Timestamp: now,
	})
}

// Clear empties the cache, resets the counters, removes the persisted
// snapshot, and tells peers to do the same.
func (c *Cache) Clear(ctx context.Context) {
	now := c.now()

	c.mu.Lock()
	c.entries = make(map[string]*Entry)
	c.hits, c.misses, c.evictions, c.ops = 0, 0, 0, 0
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Delete(ctx); err != nil {
			c.logger.Warn("failed to remove cache snapshot", "error", err)
		}
	}

	c.broadcast(ctx, broadcast.CacheUpdate{
		Action:    broadcast.CacheActionClear,
		Timestamp: now,
	})
}

// ApplyRemote applies a peer's mutation directly into the local map. No
// merge, no re-broadcast: broadcasting only ever originates from Put and
// Clear, which keeps update cycles impossible.
func (c *Cache) ApplyRemote(u broadcast.CacheUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch u.Action {
	case broadcast.CacheActionSet:
		if u.Entry == nil {
			return
		}
		e := entryFromWire(*u.Entry)
		c.entries[e.Key] = &e
	case broadcast.CacheActionDelete:
		delete(c.entries, u.Key)
	case broadcast.CacheActionClear:
		c.entries = make(map[string]*Entry)
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns the raw operation counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Evictions: c.evictions}
}

// HitCount returns the hit count of the entry covering the query, or 0.
func (c *Cache) HitCount(center geo.Point, radiusMeters float64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := geo.CacheKey(center, radiusMeters, c.precision)
	if e, ok := c.entries[key]; ok {
		return e.HitCount
	}
	return 0
}

// FreshnessOf returns the current freshness of the entry covering the query.
// Returns FreshnessExpired when no entry exists.
func (c *Cache) FreshnessOf(center geo.Point, radiusMeters float64) Freshness {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := geo.CacheKey(center, radiusMeters, c.precision)
	e, ok := c.entries[key]
	if !ok {
		return FreshnessExpired
	}
	return e.FreshnessAt(c.now(), c.staleAfter, c.expireAfter)
}

// Run drives the cache's background maintenance: the expiry sweep on the
// stale threshold interval, snapshot persistence, and analytics recompute.
// It blocks until the context is cancelled, writing one final snapshot on
// the way out.
func (c *Cache) Run(ctx context.Context) error {
	sweepTicker := time.NewTicker(c.staleAfter)
	defer sweepTicker.Stop()
	persistTicker := time.NewTicker(c.persistInterval)
	defer persistTicker.Stop()
	analyticsTicker := time.NewTicker(c.analyticsEvery)
	defer analyticsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.persist(context.Background())
			return ctx.Err()
		case <-sweepTicker.C:
			c.Sweep()
		case <-persistTicker.C:
			c.persist(ctx)
		case <-analyticsTicker.C:
			a := c.Analytics()
			if c.metrics != nil {
				c.metrics.observeAnalytics(a)
			}
		}
	}
}

// Sweep deletes every entry whose freshness has reached expired.
// Returns the number of entries removed.
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if e.FreshnessAt(now, c.staleAfter, c.expireAfter) == FreshnessExpired {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Analytics computes the derived view of cache behavior.
func (c *Cache) Analytics() Analytics {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	a := Analytics{Entries: len(c.entries)}

	if c.ops > 0 {
		total := float64(c.ops)
		a.HitRate = float64(c.hits) / total
		a.MissRate = float64(c.misses) / total
		a.EvictionRate = float64(c.evictions) / total
	}

	var ageSum float64
	for _, e := range c.entries {
		ageSum += now.Sub(e.Timestamp).Seconds()
		switch e.FreshnessAt(now, c.staleAfter, c.expireAfter) {
		case FreshnessFresh:
			a.FreshEntries++
		case FreshnessStale:
			a.StaleEntries++
		case FreshnessExpired:
			a.ExpiredEntries++
		}
	}
	if len(c.entries) > 0 {
		a.AvgEntryAgeSeconds = ageSum / float64(len(c.entries))
	}

	if data, err := encodeSnapshot(c.snapshotLocked(now)); err == nil {
		a.MemoryBytes = len(data)
	}

	return a
}

// evictLowestLocked removes the entry with the lowest value score.
// Caller holds c.mu.
func (c *Cache) evictLowestLocked(now time.Time) {
	var victim string
	lowest := 0.0
	first := true
	for k, e := range c.entries {
		score := e.valueScore(now, c.staleAfter, c.expireAfter)
		if first || score < lowest {
			victim = k
			lowest = score
			first = false
		}
	}
	if first {
		return
	}
	delete(c.entries, victim)
	c.evictions++
	if c.metrics != nil {
		c.metrics.evictions.Inc()
	}
}

func (c *Cache) countHitLocked() {
	c.hits++
	if c.metrics != nil {
		c.metrics.hits.Inc()
	}
}

func (c *Cache) countMissLocked() {
	c.misses++
	if c.metrics != nil {
		c.metrics.misses.Inc()
	}
}

// broadcast mirrors a mutation to peers. Failures are logged, never
// propagated: the bus is best effort.
func (c *Cache) broadcast(ctx context.Context, u broadcast.CacheUpdate) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, broadcast.TypeCacheUpdate, u); err != nil {
		c.logger.Warn("cache update broadcast failed", "error", err)
	}
}

// snapshotLocked builds the persistable view. Caller holds c.mu.
func (c *Cache) snapshotLocked(now time.Time) snapshot {
	s := snapshot{SavedAt: now, Entries: make([]Entry, 0, len(c.entries))}
	for _, e := range c.entries {
		s.Entries = append(s.Entries, *e)
	}
	return s
}

// persist writes the snapshot to the store. Best effort.
func (c *Cache) persist(ctx context.Context) {
	if c.store == nil {
		return
	}

	now := c.now()
	c.mu.Lock()
	s := c.snapshotLocked(now)
	c.mu.Unlock()

	data, err := encodeSnapshot(s)
	if err != nil {
		c.logger.Warn("failed to encode cache snapshot", "error", err)
		return
	}
	if err := c.store.Save(ctx, data); err != nil {
		c.logger.Warn("failed to persist cache snapshot", "error", err)
	}
}

// restore warms the cache from a persisted snapshot, skipping snapshots past
// the expiry window and entries that expired while persisted.
func (c *Cache) restore() {
	if c.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, ok, err := c.store.Load(ctx)
	if err != nil {
		c.logger.Warn("failed to load cache snapshot", "error", err)
		return
	}
	if !ok {
		return
	}

	s, err := decodeSnapshot(data)
	if err != nil {
		c.logger.Warn("failed to decode cache snapshot", "error", err)
		return
	}

	now := c.now()
	if now.Sub(s.SavedAt) > c.expireAfter {
		c.logger.Info("ignoring stale cache snapshot", "saved_at", s.SavedAt)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	restored := 0
	for i := range s.Entries {
		e := s.Entries[i]
		if e.FreshnessAt(now, c.staleAfter, c.expireAfter) == FreshnessExpired {
			continue
		}
		c.entries[e.Key] = &e
		restored++
	}
	if restored > 0 {
		c.logger.Info("restored cache snapshot", "entries", restored)
	}
}

func entryToWire(e *Entry) broadcast.CacheEntry {
	return broadcast.CacheEntry{
		Key:       e.Key,
		Center:    e.Center,
		RadiusM:   e.RadiusM,
		Timestamp: e.Timestamp,
		Entities:  e.Entities,
		Bounds:    e.Bounds,
		HitCount:  e.HitCount,
		Zoom:      e.Zoom,
	}
}

func entryFromWire(w broadcast.CacheEntry) Entry {
	return Entry{
		Key:       w.Key,
		Center:    w.Center,
		RadiusM:   w.RadiusM,
		Timestamp: w.Timestamp,
		Entities:  w.Entities,
		Bounds:    w.Bounds,
		HitCount:  w.HitCount,
		Zoom:      w.Zoom,
	}
}
