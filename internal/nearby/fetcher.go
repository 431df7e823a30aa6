package nearby

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/vicinity/internal/broadcast"
	"github.com/onnwee/vicinity/internal/geo"
	"github.com/onnwee/vicinity/internal/loccache"
	"github.com/onnwee/vicinity/internal/profile"
)

// Defaults for the fetcher's timing and limits.
const (
	// DefaultDebounce is how long a burst of requests is allowed to settle
	// before a single query fires.
	DefaultDebounce = 500 * time.Millisecond

	// DefaultMaxResults caps how many profiles a query returns.
	DefaultMaxResults = 50

	// DefaultMaxRetries caps transient-failure retries per query.
	DefaultMaxRetries = 3

	// DefaultRetryBase is the first retry delay; each retry doubles it.
	DefaultRetryBase = 250 * time.Millisecond

	// DefaultSelfHealInterval is how often the held result set is force
	// refreshed and purged of dead entries.
	DefaultSelfHealInterval = 2 * time.Minute

	// DefaultHeartbeatWindow is how recently a profile's presence must
	// have been observed to survive a self-heal purge.
	DefaultHeartbeatWindow = 3 * time.Minute

	// DefaultLocationMaxAge is how old a held profile's location may be
	// before a self-heal purge drops it.
	DefaultLocationMaxAge = 10 * time.Minute
)

// ErrQueryFailed wraps the final error after the retry budget is exhausted.
var ErrQueryFailed = errors.New("nearby query failed")

// EntityCache is the slice of the location cache the fetcher consults.
type EntityCache interface {
	Get(center geo.Point, radiusMeters float64) []profile.Profile
	FreshnessOf(center geo.Point, radiusMeters float64) loccache.Freshness
	Put(ctx context.Context, center geo.Point, radiusMeters float64, entities []profile.Profile, zoom int)
}

// HeartbeatSource reports when a profile's presence was last observed.
type HeartbeatSource interface {
	LastHeartbeat(profileID string) (time.Time, bool)
}

// Result is one delivery to subscribers: either a profile list or a terminal
// error with a Retry handle.
type Result struct {
	Center       geo.Point
	RadiusMeters float64
	Profiles     []profile.Profile
	FromCache    bool
	Err          error
	// Retry re-issues the failed request, bypassing the debounce window.
	// Nil unless Err is set.
	Retry func()
}

// Options configures a Fetcher.
type Options struct {
	Cache      EntityCache
	Querier    Querier
	Heartbeats HeartbeatSource

	Debounce         time.Duration
	MaxResults       int
	MaxRetries       int
	RetryBase        time.Duration
	SelfHealInterval time.Duration
	HeartbeatWindow  time.Duration
	LocationMaxAge   time.Duration

	// OnlineOnly restricts queries to profiles with live presence. In this
	// mode the self-heal loop also purges held profiles whose heartbeat has
	// lapsed; otherwise lapsed profiles stay held until their location ages
	// out.
	OnlineOnly bool

	Logger  *slog.Logger
	Metrics *Metrics
	Now     func() time.Time
}

// Fetcher coordinates nearby queries. Requests go through a trailing-edge
// debounce so a burst of viewport changes costs one query; each fired query
// carries a generation number, and a query's result is dropped if a newer
// generation fired while it was in flight, so delayed retries can never
// clobber fresher data.
type Fetcher struct {
	cache      EntityCache
	querier    Querier
	heartbeats HeartbeatSource

	debounce         time.Duration
	maxResults       int
	maxRetries       int
	retryBase        time.Duration
	selfHealInterval time.Duration
	heartbeatWindow  time.Duration
	locationMaxAge   time.Duration
	onlineOnly       bool

	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	generation atomic.Uint64

	mu            sync.Mutex
	pending       *query
	debounceTimer *time.Timer
	current       query
	hasQuery      bool
	held          []profile.Profile
	subscribers   []func(Result)
	closed        bool
}

type query struct {
	center  geo.Point
	radiusM float64
	zoom    int
}

// NewFetcher creates a fetcher. Cache and Heartbeats may be nil; Querier is
// required.
func NewFetcher(opts Options) *Fetcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultRetryBase
	}
	if opts.SelfHealInterval <= 0 {
		opts.SelfHealInterval = DefaultSelfHealInterval
	}
	if opts.HeartbeatWindow <= 0 {
		opts.HeartbeatWindow = DefaultHeartbeatWindow
	}
	if opts.LocationMaxAge <= 0 {
		opts.LocationMaxAge = DefaultLocationMaxAge
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Fetcher{
		cache:            opts.Cache,
		querier:          opts.Querier,
		heartbeats:       opts.Heartbeats,
		debounce:         opts.Debounce,
		maxResults:       opts.MaxResults,
		maxRetries:       opts.MaxRetries,
		retryBase:        opts.RetryBase,
		selfHealInterval: opts.SelfHealInterval,
		heartbeatWindow:  opts.HeartbeatWindow,
		locationMaxAge:   opts.LocationMaxAge,
		onlineOnly:       opts.OnlineOnly,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
		now:              opts.Now,
	}
}

// Subscribe registers a callback invoked on every delivery. Callbacks run on
// the fetcher's goroutines and must not block.
func (f *Fetcher) Subscribe(fn func(Result)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers = append(f.subscribers, fn)
}

// Held returns a copy of the currently held result set.
func (f *Fetcher) Held() []profile.Profile {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]profile.Profile, len(f.held))
	copy(out, f.held)
	return out
}

// Request asks for the profiles around center. The request is debounced:
// only the last request of a burst fires, after the debounce window settles.
func (f *Fetcher) Request(center geo.Point, radiusMeters float64, zoom int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}

	if f.pending != nil && f.metrics != nil {
		f.metrics.collapsed.Inc()
	}
	f.pending = &query{center: center, radiusM: radiusMeters, zoom: zoom}
	if f.debounceTimer != nil {
		f.debounceTimer.Stop()
	}
	f.debounceTimer = time.AfterFunc(f.debounce, f.fire)
}

// fire launches the pending query at a fresh generation.
func (f *Fetcher) fire() {
	f.mu.Lock()
	if f.closed || f.pending == nil {
		f.mu.Unlock()
		return
	}
	q := *f.pending
	f.pending = nil
	f.current = q
	f.hasQuery = true
	f.mu.Unlock()

	gen := f.generation.Add(1)
	go f.fetch(q, gen, false)
}

// fetch resolves one query: cache first, then the backend with retries. The
// result only lands if gen is still the newest generation.
func (f *Fetcher) fetch(q query, gen uint64, bypassCache bool) {
	if f.cache != nil && !bypassCache {
		switch f.cache.FreshnessOf(q.center, q.radiusM) {
		case loccache.FreshnessFresh:
			f.deliver(q, gen, Result{
				Center:       q.center,
				RadiusMeters: q.radiusM,
				Profiles:     f.cache.Get(q.center, q.radiusM),
				FromCache:    true,
			})
			return
		case loccache.FreshnessStale:
			// Serve the stale copy immediately, then revalidate.
			f.deliver(q, gen, Result{
				Center:       q.center,
				RadiusMeters: q.radiusM,
				Profiles:     f.cache.Get(q.center, q.radiusM),
				FromCache:    true,
			})
		}
	}

	profiles, err := f.queryWithRetry(q)
	if err != nil {
		f.deliver(q, gen, Result{
			Center:       q.center,
			RadiusMeters: q.radiusM,
			Err:          err,
			Retry: func() {
				newGen := f.generation.Add(1)
				go f.fetch(q, newGen, true)
			},
		})
		return
	}

	if gen != f.generation.Load() {
		// A newer request fired while this one was in flight, most
		// likely during a retry backoff. Its result wins.
		f.logger.Debug("dropping superseded nearby result",
			slog.Uint64("generation", gen))
		if f.metrics != nil {
			f.metrics.superseded.Inc()
		}
		return
	}

	if f.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		f.cache.Put(ctx, q.center, q.radiusM, profiles, q.zoom)
		cancel()
	}

	f.deliver(q, gen, Result{
		Center:       q.center,
		RadiusMeters: q.radiusM,
		Profiles:     profiles,
	})
}

// queryWithRetry runs the backend query with exponential backoff, up to the
// retry cap.
func (f *Fetcher) queryWithRetry(q query) ([]profile.Profile, error) {
	var lastErr error
	backoff := f.retryBase
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
			if f.metrics != nil {
				f.metrics.retries.Inc()
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		profiles, err := f.querier.QueryNearby(ctx, q.center, q.radiusM, f.maxResults, f.onlineOnly)
		cancel()
		if err == nil {
			if f.metrics != nil {
				f.metrics.queries.Inc()
			}
			if len(profiles) > f.maxResults {
				profiles = profiles[:f.maxResults]
			}
			return profiles, nil
		}

		lastErr = err
		f.logger.Warn("nearby query attempt failed",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}

	if f.metrics != nil {
		f.metrics.failures.Inc()
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrQueryFailed, f.maxRetries+1, lastErr)
}

// deliver lands a result, updating the held set on success, unless a newer
// generation has already fired.
func (f *Fetcher) deliver(q query, gen uint64, r Result) {
	if gen != f.generation.Load() {
		return
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	if r.Err == nil {
		f.held = make([]profile.Profile, len(r.Profiles))
		copy(f.held, r.Profiles)
	}
	subs := make([]func(Result), len(f.subscribers))
	copy(subs, f.subscribers)
	f.mu.Unlock()

	for _, fn := range subs {
		fn(r)
	}
}

// Bind subscribes the fetcher to location updates on the coordinator, so
// point moves reach held profiles without a requery.
func (f *Fetcher) Bind(coord *broadcast.Coordinator) {
	coord.Handle(broadcast.TypeLocationUpdate, func(env broadcast.Envelope, payload any) {
		if u, ok := payload.(broadcast.LocationUpdate); ok {
			f.ApplyLocationUpdate(u)
		}
	})
}

// ApplyLocationUpdate moves a held profile to its new position. Profiles not
// currently held are ignored; the next query will pick them up. Out-of-order
// updates never move a location backwards in time.
func (f *Fetcher) ApplyLocationUpdate(u broadcast.LocationUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.held {
		if f.held[i].ID != u.ProfileID {
			continue
		}
		if u.Timestamp.Before(f.held[i].LocationUpdatedAt) {
			return
		}
		f.held[i].Lat = u.Lat
		f.held[i].Lng = u.Lng
		if u.AccuracyM > 0 {
			f.held[i].AccuracyM = u.AccuracyM
		}
		f.held[i].LocationUpdatedAt = u.Timestamp
		return
	}
}

// Run drives the self-heal loop: on each interval the held set is purged of
// profiles whose location has gone stale (and, in online-only mode, of
// profiles whose presence heartbeat has timed out), and the current query is
// re-fetched past the cache. Blocks until the context is cancelled.
func (f *Fetcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.selfHealInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.close()
			return ctx.Err()
		case <-ticker.C:
			f.selfHeal()
		}
	}
}

// selfHeal purges dead entries from the held set and forces a refresh.
func (f *Fetcher) selfHeal() {
	now := f.now()

	f.mu.Lock()
	kept := f.held[:0]
	purged := 0
	for _, p := range f.held {
		if !p.LocationUpdatedAt.IsZero() && now.Sub(p.LocationUpdatedAt) > f.locationMaxAge {
			purged++
			continue
		}
		if f.onlineOnly && f.heartbeats != nil {
			if at, ok := f.heartbeats.LastHeartbeat(p.ID); ok && now.Sub(at) > f.heartbeatWindow {
				purged++
				continue
			}
		}
		kept = append(kept, p)
	}
	f.held = kept
	hasQuery := f.hasQuery
	q := f.current
	f.mu.Unlock()

	if purged > 0 {
		f.logger.Debug("self-heal purged held profiles", slog.Int("purged", purged))
		if f.metrics != nil {
			f.metrics.purged.Add(float64(purged))
		}
	}

	if hasQuery {
		gen := f.generation.Add(1)
		go f.fetch(q, gen, true)
	}
}

func (f *Fetcher) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	if f.debounceTimer != nil {
		f.debounceTimer.Stop()
		f.debounceTimer = nil
	}
	f.pending = nil
}
