package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/vicinity/internal/broadcast"
	"github.com/onnwee/vicinity/internal/geo"
	"github.com/onnwee/vicinity/internal/nearby"
)

// SubscribeHandlers upgrades clients onto the realtime nearby socket. Each
// connection gets its own debounced fetcher, so a client panning its map
// sends viewport frames as fast as it likes and the backend sees one query
// per settled viewport.
type SubscribeHandlers struct {
	cache      nearby.EntityCache
	querier    nearby.Querier
	heartbeats nearby.HeartbeatSource

	debounce         time.Duration
	maxResults       int
	maxRetries       int
	selfHealInterval time.Duration
	onlineOnly       bool

	logger   *slog.Logger
	metrics  *nearby.Metrics
	upgrader websocket.Upgrader

	mu     sync.Mutex
	active map[*nearby.Fetcher]struct{}
}

// SubscribeConfig configures the subscription socket.
type SubscribeConfig struct {
	Cache      nearby.EntityCache
	Querier    nearby.Querier
	Heartbeats nearby.HeartbeatSource

	Debounce         time.Duration
	MaxResults       int
	MaxRetries       int
	SelfHealInterval time.Duration
	OnlineOnly       bool

	Logger  *slog.Logger
	Metrics *nearby.Metrics

	// CheckOrigin overrides the upgrader's origin policy. Nil keeps the
	// gorilla default (same-origin only).
	CheckOrigin func(r *http.Request) bool
}

// NewSubscribeHandlers creates the subscription socket handler.
func NewSubscribeHandlers(cfg SubscribeConfig) *SubscribeHandlers {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SubscribeHandlers{
		cache:            cfg.Cache,
		querier:          cfg.Querier,
		heartbeats:       cfg.Heartbeats,
		debounce:         cfg.Debounce,
		maxResults:       cfg.MaxResults,
		maxRetries:       cfg.MaxRetries,
		selfHealInterval: cfg.SelfHealInterval,
		onlineOnly:       cfg.OnlineOnly,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		active: make(map[*nearby.Fetcher]struct{}),
	}
}

// Bind fans location updates from the coordinator out to every live
// connection's fetcher, so held result sets move without a requery. Peer
// sync batches, relayed by the master instance's backend poll, go through
// the same path.
func (h *SubscribeHandlers) Bind(coord *broadcast.Coordinator) {
	coord.Handle(broadcast.TypeLocationUpdate, func(env broadcast.Envelope, payload any) {
		if update, ok := payload.(broadcast.LocationUpdate); ok {
			h.ApplyLocationUpdate(update)
		}
	})
	coord.Handle(broadcast.TypePeerSync, func(env broadcast.Envelope, payload any) {
		if sync, ok := payload.(broadcast.PeerSync); ok {
			h.ApplyPeerSync(sync)
		}
	})
}

// ApplyPeerSync applies a batch of backend changes to every active fetcher.
func (h *SubscribeHandlers) ApplyPeerSync(sync broadcast.PeerSync) {
	for _, p := range sync.Profiles {
		h.ApplyLocationUpdate(broadcast.LocationUpdate{
			ProfileID: p.ID,
			Lat:       p.Lat,
			Lng:       p.Lng,
			AccuracyM: p.AccuracyM,
			Timestamp: p.LocationUpdatedAt,
		})
	}
}

// ApplyLocationUpdate moves a profile in every active fetcher's held set.
func (h *SubscribeHandlers) ApplyLocationUpdate(update broadcast.LocationUpdate) {
	h.mu.Lock()
	fetchers := make([]*nearby.Fetcher, 0, len(h.active))
	for f := range h.active {
		fetchers = append(fetchers, f)
	}
	h.mu.Unlock()

	for _, f := range fetchers {
		f.ApplyLocationUpdate(update)
	}
}

func (h *SubscribeHandlers) track(f *nearby.Fetcher) {
	h.mu.Lock()
	h.active[f] = struct{}{}
	h.mu.Unlock()
}

func (h *SubscribeHandlers) untrack(f *nearby.Fetcher) {
	h.mu.Lock()
	delete(h.active, f)
	h.mu.Unlock()
}

// viewportFrame is the inbound message moving the client's viewport.
type viewportFrame struct {
	Type    string  `json:"type"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	RadiusM float64 `json:"radius_m"`
	Zoom    int     `json:"zoom,omitempty"`
}

// resultFrame is the outbound message carrying a nearby result or error.
type resultFrame struct {
	Type      string        `json:"type"`
	Profiles  []ProfileView `json:"profiles,omitempty"`
	FromCache bool          `json:"from_cache,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Subscribe handles GET /subscribe, upgrading to a WebSocket.
func (h *SubscribeHandlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var writeMu sync.Mutex
	send := func(frame resultFrame) {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(frame); err != nil {
			cancel()
		}
	}

	fetcher := nearby.NewFetcher(nearby.Options{
		Cache:            h.cache,
		Querier:          h.querier,
		Heartbeats:       h.heartbeats,
		Debounce:         h.debounce,
		MaxResults:       h.maxResults,
		MaxRetries:       h.maxRetries,
		SelfHealInterval: h.selfHealInterval,
		OnlineOnly:       h.onlineOnly,
		Logger:           h.logger,
		Metrics:          h.metrics,
	})
	fetcher.Subscribe(func(res nearby.Result) {
		if res.Err != nil {
			send(resultFrame{Type: "nearby_error", Error: res.Err.Error()})
			return
		}
		views := make([]ProfileView, 0, len(res.Profiles))
		for _, p := range res.Profiles {
			views = append(views, ViewOf(p))
		}
		send(resultFrame{Type: "nearby_result", Profiles: views, FromCache: res.FromCache})
	})
	h.track(fetcher)
	defer h.untrack(fetcher)
	go fetcher.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var frame viewportFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("subscription socket closed", slog.String("error", err.Error()))
			}
			return
		}

		if frame.Type != "viewport" {
			continue
		}
		if frame.Lat < -90 || frame.Lat > 90 || frame.Lng < -180 || frame.Lng > 180 || frame.RadiusM <= 0 {
			send(resultFrame{Type: "nearby_error", Error: "invalid viewport"})
			continue
		}

		fetcher.Request(geo.Point{Lat: frame.Lat, Lng: frame.Lng}, frame.RadiusM, frame.Zoom)
	}
}
