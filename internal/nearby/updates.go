package nearby

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/vicinity/internal/broadcast"
)

// Update stream reconnect tuning.
const (
	updateStreamBaseDelay    = time.Second
	updateStreamMaxDelay     = 30 * time.Second
	updateStreamJitterFactor = 0.3
)

// UpdateHandler receives decoded location updates from the stream.
type UpdateHandler func(broadcast.LocationUpdate)

// UpdateStream is a resilient WebSocket client for the realtime location
// feed. It reconnects with exponential backoff and jitter, and hands each
// decoded location update to the handler.
type UpdateStream struct {
	url     string
	handler UpdateHandler
	logger  *slog.Logger

	mu          sync.Mutex
	rng         *rand.Rand // protected by mu
	conn        *websocket.Conn
	isConnected bool

	// reconnectCount tracks consecutive reconnection attempts (atomic)
	reconnectCount int64
}

// NewUpdateStream creates a stream client for the given WebSocket URL.
func NewUpdateStream(url string, handler UpdateHandler, logger *slog.Logger) *UpdateStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &UpdateStream{
		url:     url,
		handler: handler,
		logger:  logger,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run starts the stream and blocks until the context is cancelled. It will
// automatically reconnect with exponential backoff on connection failures.
func (s *UpdateStream) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("location update stream stopping")
			s.close()
			return ctx.Err()
		default:
		}

		if err := s.connect(ctx); err != nil {
			attempt := atomic.LoadInt64(&s.reconnectCount) + 1
			s.logger.Warn("location stream connection failed",
				slog.String("error", err.Error()),
				slog.Int64("attempt", attempt))

			delay := s.computeBackoff()
			atomic.AddInt64(&s.reconnectCount, 1)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
				continue
			}
		}

		atomic.StoreInt64(&s.reconnectCount, 0)
		s.readLoop(ctx)
	}
}

func (s *UpdateStream) connect(ctx context.Context) error {
	s.logger.Info("connecting to location update stream", slog.String("url", s.url))

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.isConnected = true
	s.mu.Unlock()

	s.logger.Info("connected to location update stream")
	return nil
}

// readLoop reads messages until the connection closes. Frames that do not
// decode as a location update are logged and skipped, not fatal.
func (s *UpdateStream) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			s.logger.Warn("location stream connection closed",
				slog.String("error", err.Error()))
			s.close()
			return
		}

		var update broadcast.LocationUpdate
		if err := json.Unmarshal(payload, &update); err != nil {
			s.logger.Warn("skipping malformed location update",
				slog.String("error", err.Error()))
			continue
		}
		if update.ProfileID == "" {
			continue
		}
		if s.handler != nil {
			s.handler(update)
		}
	}
}

func (s *UpdateStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.isConnected = false
}

// computeBackoff calculates the next reconnection delay with exponential
// backoff and jitter.
func (s *UpdateStream) computeBackoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	reconnectCount := atomic.LoadInt64(&s.reconnectCount)
	shift := uint(reconnectCount)
	if shift > 30 {
		shift = 30
	}
	backoff := float64(updateStreamBaseDelay) * float64(uint64(1)<<shift)
	if backoff > float64(updateStreamMaxDelay) {
		backoff = float64(updateStreamMaxDelay)
	}

	// Jitter range: [delay*(1-jitter/2), delay*(1+jitter/2)]
	jitter := (s.rng.Float64() - 0.5) * updateStreamJitterFactor
	backoff = backoff * (1 + jitter)

	return time.Duration(backoff)
}

// IsConnected returns whether the stream is currently connected.
func (s *UpdateStream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isConnected
}
