package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/onnwee/vicinity/internal/profile"
)

// Timing defaults for coordination.
const (
	// DefaultMasterWindow is how long a freshly started instance waits for
	// an older master to object before settling into the master role.
	DefaultMasterWindow = 100 * time.Millisecond

	// DefaultSyncInterval is how often the master polls the sync source.
	// Pending outgoing messages are retained for twice this long to serve
	// as the local side of conflict resolution.
	DefaultSyncInterval = 30 * time.Second
)

// Handler processes a received broadcast message. The payload has already
// been decoded to the concrete type for the envelope's message type.
type Handler func(env Envelope, payload any)

// SyncSource is polled by the master instance for backend changes, which are
// then rebroadcast as peer_sync so non-master instances never poll directly.
type SyncSource interface {
	ChangesSince(ctx context.Context, since time.Time) ([]profile.Profile, error)
}

// pendingMessage is a recently published payload held briefly to supply the
// local side of a future conflict resolution. It is not a durable queue.
type pendingMessage struct {
	data      json.RawMessage
	expiresAt time.Time
}

// Options configures a Coordinator.
type Options struct {
	// InstanceID identifies this instance on the bus. Random UUID if empty.
	InstanceID string
	// MasterWindow overrides DefaultMasterWindow when positive.
	MasterWindow time.Duration
	// SyncInterval overrides DefaultSyncInterval when positive.
	SyncInterval time.Duration
	// SyncSource, when set, is polled while this instance is master.
	SyncSource SyncSource
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Metrics, when set, records bus activity.
	Metrics *Metrics
	// Now overrides the clock for tests.
	Now func() time.Time
}

// Coordinator is the per-instance endpoint on the broadcast bus. It owns the
// per-type version counters, the master election state, and the short-lived
// pending set used for conflict resolution. Election is best effort: two
// simultaneous masters are an accepted race whose only cost is duplicate
// sync-source polling.
type Coordinator struct {
	instanceID   string
	channel      Channel
	logger       *slog.Logger
	metrics      *Metrics
	now          func() time.Time
	masterWindow time.Duration
	syncInterval time.Duration
	syncSource   SyncSource

	mu          sync.Mutex
	handlers    map[MessageType][]Handler
	strategies  map[MessageType]Strategy
	outVersions map[MessageType]uint64
	seen        map[MessageType]map[string]uint64
	pending     map[MessageType][]pendingMessage
	master      bool
	startedAt   time.Time
	lastSync    time.Time
	closed      bool
}

// NewCoordinator creates a coordinator over the given channel. Standard
// conflict strategies are pre-registered for cache, presence, and location
// updates. Call Run to start processing.
func NewCoordinator(channel Channel, opts Options) *Coordinator {
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.New().String()
	}
	if opts.MasterWindow <= 0 {
		opts.MasterWindow = DefaultMasterWindow
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = DefaultSyncInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Coordinator{
		instanceID:   opts.InstanceID,
		channel:      channel,
		logger:       opts.Logger.With("instance_id", opts.InstanceID),
		metrics:      opts.Metrics,
		now:          opts.Now,
		masterWindow: opts.MasterWindow,
		syncInterval: opts.SyncInterval,
		syncSource:   opts.SyncSource,
		handlers:     make(map[MessageType][]Handler),
		strategies:   make(map[MessageType]Strategy),
		outVersions:  make(map[MessageType]uint64),
		seen:         make(map[MessageType]map[string]uint64),
		pending:      make(map[MessageType][]pendingMessage),
		master:       true,
		startedAt:    opts.Now(),
	}

	c.strategies[TypeCacheUpdate] = CacheStrategy{}
	c.strategies[TypePresenceUpdate] = PresenceStrategy{}
	c.strategies[TypeLocationUpdate] = LocationStrategy{}

	return c
}

// InstanceID returns this coordinator's identity on the bus.
func (c *Coordinator) InstanceID() string {
	return c.instanceID
}

// IsMaster reports whether this instance currently holds the master role.
func (c *Coordinator) IsMaster() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.master
}

// Handle registers a handler for a message type. Handlers run on the bus
// goroutine and must not block.
func (c *Coordinator) Handle(t MessageType, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = append(c.handlers[t], h)
}

// RegisterStrategy replaces the conflict strategy for a message type.
// Types without a strategy skip conflict resolution entirely.
func (c *Coordinator) RegisterStrategy(t MessageType, s Strategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategies[t] = s
}

// Publish serializes and broadcasts a payload under the given type. The
// envelope's version is strictly greater than any previous message of the
// same type from this instance. Payloads of types with a registered strategy
// are retained in the pending set for 2x the sync interval.
func (c *Coordinator) Publish(ctx context.Context, t MessageType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", t, err)
	}
	return c.publishRaw(ctx, t, data, nil)
}

func (c *Coordinator) publishRaw(ctx context.Context, t MessageType, data json.RawMessage, res *Resolution) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.outVersions[t]++
	env := Envelope{
		Type:       t,
		Data:       data,
		Timestamp:  c.now(),
		InstanceID: c.instanceID,
		Version:    c.outVersions[t],
		Resolution: res,
	}
	if _, ok := c.strategies[t]; ok {
		c.rememberPendingLocked(t, data)
	}
	c.mu.Unlock()

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling %s envelope: %w", t, err)
	}
	if err := c.channel.Publish(ctx, raw); err != nil {
		return fmt.Errorf("publishing %s: %w", t, err)
	}
	if c.metrics != nil {
		c.metrics.published.WithLabelValues(string(t)).Inc()
	}
	return nil
}

// rememberPendingLocked appends a payload to the pending set and prunes
// expired entries. Caller holds c.mu.
func (c *Coordinator) rememberPendingLocked(t MessageType, data json.RawMessage) {
	now := c.now()
	kept := c.pending[t][:0]
	for _, p := range c.pending[t] {
		if p.expiresAt.After(now) {
			kept = append(kept, p)
		}
	}
	c.pending[t] = append(kept, pendingMessage{
		data:      data,
		expiresAt: now.Add(2 * c.syncInterval),
	})
}

// takePendingLocked returns the most recent unexpired pending payload for a
// type, or nil. Caller holds c.mu.
func (c *Coordinator) takePendingLocked(t MessageType) json.RawMessage {
	now := c.now()
	for i := len(c.pending[t]) - 1; i >= 0; i-- {
		if c.pending[t][i].expiresAt.After(now) {
			return c.pending[t][i].data
		}
	}
	return nil
}

// Run announces this instance on the bus and processes messages until the
// context is cancelled. It blocks; run it in a goroutine.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.announce(ctx); err != nil {
		c.logger.Warn("master announcement failed", "error", err)
	}
	c.setMasterMetric()

	// After the election window, log the settled role once.
	electionTimer := time.NewTimer(c.masterWindow)
	defer electionTimer.Stop()

	syncTicker := time.NewTicker(c.syncInterval)
	defer syncTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()

		case <-electionTimer.C:
			if c.IsMaster() {
				c.logger.Info("assuming master role")
			}

		case <-syncTicker.C:
			c.pollSyncSource(ctx)

		case raw, ok := <-c.channel.Messages():
			if !ok {
				c.shutdown()
				return nil
			}
			c.dispatch(ctx, raw)
		}
	}
}

// announce claims the master role on the bus.
func (c *Coordinator) announce(ctx context.Context) error {
	return c.Publish(ctx, TypeMasterCheck, MasterCheck{StartedAt: c.startedAt})
}

// shutdown flushes the newest pending payload per type, best effort, and
// closes the channel. Peers may or may not see the flush; it is advisory.
func (c *Coordinator) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	flush := make(map[MessageType]json.RawMessage, len(c.pending))
	now := c.now()
	for t, msgs := range c.pending {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].expiresAt.After(now) {
				flush[t] = msgs[i].data
				break
			}
		}
	}
	versions := make(map[MessageType]uint64, len(flush))
	for t := range flush {
		c.outVersions[t]++
		versions[t] = c.outVersions[t]
	}
	instanceID := c.instanceID
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for t, data := range flush {
		env := Envelope{
			Type:       t,
			Data:       data,
			Timestamp:  now,
			InstanceID: instanceID,
			Version:    versions[t],
		}
		raw, err := json.Marshal(env)
		if err != nil {
			continue
		}
		_ = c.channel.Publish(ctx, raw)
	}

	if err := c.channel.Close(); err != nil {
		c.logger.Warn("closing broadcast channel", "error", err)
	}
}

// pollSyncSource runs one master sync poll, rebroadcasting backend changes
// to peers. Non-master instances skip it.
func (c *Coordinator) pollSyncSource(ctx context.Context) {
	c.mu.Lock()
	isMaster := c.master
	since := c.lastSync
	if since.IsZero() {
		since = c.startedAt
	}
	c.mu.Unlock()

	if !isMaster || c.syncSource == nil {
		return
	}

	pollCtx, cancel := context.WithTimeout(ctx, c.syncInterval/2)
	defer cancel()

	changes, err := c.syncSource.ChangesSince(pollCtx, since)
	if err != nil {
		c.logger.Warn("sync source poll failed", "error", err)
		return
	}

	now := c.now()
	c.mu.Lock()
	c.lastSync = now
	c.mu.Unlock()

	if len(changes) == 0 {
		return
	}
	if err := c.Publish(ctx, TypePeerSync, PeerSync{Since: since, Profiles: changes}); err != nil {
		c.logger.Warn("peer sync broadcast failed", "error", err)
	}
}

// dispatch decodes and routes one incoming payload.
func (c *Coordinator) dispatch(ctx context.Context, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Warn("dropping malformed broadcast envelope", "error", err)
		if c.metrics != nil {
			c.metrics.decodeErrors.Inc()
		}
		return
	}

	// Our own messages come back on some transports; ignore them.
	if env.InstanceID == c.instanceID {
		return
	}
	if c.metrics != nil {
		c.metrics.received.WithLabelValues(string(env.Type)).Inc()
	}

	if !c.admitVersion(env) {
		if c.metrics != nil {
			c.metrics.staleDropped.WithLabelValues(string(env.Type)).Inc()
		}
		return
	}

	payload, err := DecodePayload(env.Type, env.Data)
	if err != nil {
		c.logger.Warn("dropping undecodable broadcast payload",
			"type", env.Type, "error", err)
		if c.metrics != nil {
			c.metrics.decodeErrors.Inc()
		}
		return
	}

	if env.Type == TypeMasterCheck {
		c.handleMasterCheck(ctx, env, payload.(MasterCheck))
		return
	}

	// Resolve against our own pending writes of the same type, if any.
	env, payload = c.resolveConflict(ctx, env, payload)

	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers[env.Type]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(env, payload)
	}
}

// admitVersion enforces per-type, per-sender monotonic versions. Messages at
// or below the last seen version are stale and must not reach handlers.
func (c *Coordinator) admitVersion(env Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	byInstance, ok := c.seen[env.Type]
	if !ok {
		byInstance = make(map[string]uint64)
		c.seen[env.Type] = byInstance
	}
	if last, ok := byInstance[env.InstanceID]; ok && env.Version <= last {
		return false
	}
	byInstance[env.InstanceID] = env.Version
	return true
}

// handleMasterCheck yields the master role to any peer that started earlier,
// breaking ties on instance ID. A sitting master re-announces so newcomers
// learn about it within their election window.
func (c *Coordinator) handleMasterCheck(ctx context.Context, env Envelope, check MasterCheck) {
	c.mu.Lock()
	peerOlder := check.StartedAt.Before(c.startedAt) ||
		(check.StartedAt.Equal(c.startedAt) && env.InstanceID < c.instanceID)
	wasMaster := c.master
	peerNewer := !peerOlder
	if peerOlder && c.master {
		c.master = false
	}
	c.mu.Unlock()

	if peerOlder && wasMaster {
		c.logger.Info("yielding master role", "to_instance", env.InstanceID)
		c.setMasterMetric()
		return
	}
	if peerNewer && wasMaster {
		if err := c.announce(ctx); err != nil {
			c.logger.Warn("master re-announcement failed", "error", err)
		}
	}
}

// resolveConflict merges the remote payload with a pending local payload of
// the same type, when a strategy is registered. The merged result replaces
// the remote payload for handler delivery and is re-broadcast as a
// conflict_resolution carrying both originals.
func (c *Coordinator) resolveConflict(ctx context.Context, env Envelope, payload any) (Envelope, any) {
	c.mu.Lock()
	strategy, ok := c.strategies[env.Type]
	var local json.RawMessage
	if ok {
		local = c.takePendingLocked(env.Type)
	}
	c.mu.Unlock()

	if !ok || local == nil {
		return env, payload
	}

	merged, err := strategy.Resolve(local, env.Data)
	if err != nil {
		c.logger.Warn("conflict resolution failed, using remote payload",
			"type", env.Type, "strategy", strategy.Name(), "error", err)
		return env, payload
	}

	if c.metrics != nil {
		c.metrics.conflictsResolved.WithLabelValues(string(env.Type)).Inc()
	}

	resolution := ConflictResolution{
		OfType: env.Type,
		Merged: merged,
		Local:  local,
		Remote: env.Data,
	}
	if err := c.Publish(ctx, TypeConflictResolution, resolution); err != nil {
		c.logger.Warn("conflict resolution broadcast failed", "error", err)
	}

	mergedPayload, err := DecodePayload(env.Type, merged)
	if err != nil {
		c.logger.Warn("merged payload undecodable, using remote payload",
			"type", env.Type, "error", err)
		return env, payload
	}

	env.Data = merged
	env.Resolution = &Resolution{Strategy: strategy.Name()}
	return env, mergedPayload
}

func (c *Coordinator) setMasterMetric() {
	if c.metrics == nil {
		return
	}
	if c.IsMaster() {
		c.metrics.masterRole.Set(1)
	} else {
		c.metrics.masterRole.Set(0)
	}
}
