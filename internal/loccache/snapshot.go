package loccache

import (
	"context"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

// DefaultSnapshotKey is the storage key under which the cache snapshot is
// persisted.
const DefaultSnapshotKey = "vicinity:loccache:snapshot"

// snapshot is the persisted form of the cache: a best-effort warm start, not
// a source of truth. A snapshot older than the expiry window is ignored
// wholesale on restore.
type snapshot struct {
	SavedAt time.Time `cbor:"saved_at"`
	Entries []Entry   `cbor:"entries"`
}

func encodeSnapshot(s snapshot) ([]byte, error) {
	return cbor.Marshal(s)
}

func decodeSnapshot(data []byte) (snapshot, error) {
	var s snapshot
	err := cbor.Unmarshal(data, &s)
	return s, err
}

// SnapshotStore is the durable key-value collaborator the cache persists
// through. Implementations are best effort: any of these may fail or be
// absent, and the cache must keep operating memory-only when they do.
type SnapshotStore interface {
	// Load returns the stored snapshot bytes, or ok=false when absent.
	Load(ctx context.Context) (data []byte, ok bool, err error)
	// Save stores the snapshot bytes, replacing any previous snapshot.
	Save(ctx context.Context, data []byte) error
	// Delete removes the stored snapshot.
	Delete(ctx context.Context) error
}

// RedisSnapshotStore persists snapshots under a single Redis key with a TTL,
// so an abandoned deployment's snapshot ages out on its own.
type RedisSnapshotStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisSnapshotStore creates a store writing to the given key. A zero ttl
// stores snapshots without expiry.
func NewRedisSnapshotStore(client *redis.Client, key string, ttl time.Duration) *RedisSnapshotStore {
	if key == "" {
		key = DefaultSnapshotKey
	}
	return &RedisSnapshotStore{client: client, key: key, ttl: ttl}
}

// Load implements SnapshotStore.
func (s *RedisSnapshotStore) Load(ctx context.Context) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Save implements SnapshotStore.
func (s *RedisSnapshotStore) Save(ctx context.Context, data []byte) error {
	return s.client.Set(ctx, s.key, data, s.ttl).Err()
}

// Delete implements SnapshotStore.
func (s *RedisSnapshotStore) Delete(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}

// MemorySnapshotStore is an in-memory SnapshotStore for tests and for
// deployments without Redis.
type MemorySnapshotStore struct {
	mu   sync.Mutex
	data []byte
	ok   bool
}

// NewMemorySnapshotStore creates an empty in-memory store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{}
}

// Load implements SnapshotStore.
func (s *MemorySnapshotStore) Load(ctx context.Context) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ok {
		return nil, false, nil
	}
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out, true, nil
}

// Save implements SnapshotStore.
func (s *MemorySnapshotStore) Save(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make([]byte, len(data))
	copy(s.data, data)
	s.ok = true
	return nil
}

// Delete implements SnapshotStore.
func (s *MemorySnapshotStore) Delete(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	s.ok = false
	return nil
}
