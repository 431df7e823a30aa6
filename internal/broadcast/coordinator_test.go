package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/vicinity/internal/profile"
)

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// sendEnvelope publishes a hand-built envelope from a bare test endpoint.
func sendEnvelope(t *testing.T, ch Channel, env Envelope) {
	t.Helper()
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := ch.Publish(context.Background(), raw); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestLoopbackChannelFanOut(t *testing.T) {
	hub := NewLoopbackHub()
	a := hub.Channel()
	b := hub.Channel()
	c := hub.Channel()
	defer a.Close()
	defer b.Close()
	defer c.Close()

	if err := a.Publish(context.Background(), []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for name, ep := range map[string]*LoopbackChannel{"b": b, "c": c} {
		select {
		case msg := <-ep.Messages():
			if string(msg) != "hello" {
				t.Errorf("endpoint %s received %q", name, msg)
			}
		case <-time.After(time.Second):
			t.Fatalf("endpoint %s did not receive the message", name)
		}
	}

	// The sender must not hear its own message.
	select {
	case msg := <-a.Messages():
		t.Errorf("sender received its own message %q", msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestLoopbackChannelClosed(t *testing.T) {
	hub := NewLoopbackHub()
	a := hub.Channel()
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Publish(context.Background(), []byte("x")); err != ErrChannelClosed {
		t.Errorf("publish after close error = %v, want ErrChannelClosed", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("double close error = %v", err)
	}
}

// A message of version V followed by V or V-1 for the same type must be
// dropped without invoking any handler.
func TestVersionRejection(t *testing.T) {
	hub := NewLoopbackHub()
	coord := NewCoordinator(hub.Channel(), Options{InstanceID: "local"})

	var mu sync.Mutex
	var received []LocationUpdate
	coord.Handle(TypeLocationUpdate, func(env Envelope, payload any) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, payload.(LocationUpdate))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = coord.Run(ctx) }()

	peer := hub.Channel()
	defer peer.Close()

	update := func(lat float64) json.RawMessage {
		data, _ := json.Marshal(LocationUpdate{ProfileID: "u1", Lat: lat, Timestamp: time.Now()})
		return data
	}
	env := func(version uint64, lat float64) Envelope {
		return Envelope{
			Type:       TypeLocationUpdate,
			Data:       update(lat),
			Timestamp:  time.Now(),
			InstanceID: "peer",
			Version:    version,
		}
	}

	sendEnvelope(t, peer, env(2, 1))
	if !waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}) {
		t.Fatal("first message was not delivered")
	}

	// Same version and an older version must both be ignored.
	sendEnvelope(t, peer, env(2, 2))
	sendEnvelope(t, peer, env(1, 3))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	count := len(received)
	mu.Unlock()
	if count != 1 {
		t.Fatalf("stale messages reached handlers: %d deliveries, want 1", count)
	}

	// A strictly newer version goes through.
	sendEnvelope(t, peer, env(3, 4))
	if !waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}) {
		t.Fatal("newer message was not delivered")
	}
}

func TestPublishVersionsIncrease(t *testing.T) {
	hub := NewLoopbackHub()
	coord := NewCoordinator(hub.Channel(), Options{InstanceID: "local"})
	observer := hub.Channel()
	defer observer.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := coord.Publish(ctx, TypeLocationUpdate, LocationUpdate{ProfileID: "u1"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var last uint64
	for i := 0; i < 3; i++ {
		select {
		case raw := <-observer.Messages():
			var env Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if env.Version <= last {
				t.Fatalf("version %d not strictly greater than previous %d", env.Version, last)
			}
			last = env.Version
		case <-time.After(time.Second):
			t.Fatal("missing published message")
		}
	}
}

// A later-started instance yields the master role to an earlier one.
func TestMasterElectionYield(t *testing.T) {
	hub := NewLoopbackHub()
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	older := NewCoordinator(hub.Channel(), Options{
		InstanceID: "older",
		Now:        func() time.Time { return t0 },
	})
	newer := NewCoordinator(hub.Channel(), Options{
		InstanceID: "newer",
		Now:        func() time.Time { return t0.Add(50 * time.Millisecond) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = older.Run(ctx) }()
	go func() { _ = newer.Run(ctx) }()

	if !waitFor(t, time.Second, func() bool { return !newer.IsMaster() }) {
		t.Error("later-started instance should yield the master role")
	}
	if !older.IsMaster() {
		t.Error("earlier-started instance should keep the master role")
	}
}

func TestMasterElectionTieBreaksOnInstanceID(t *testing.T) {
	hub := NewLoopbackHub()
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return t0 }

	a := NewCoordinator(hub.Channel(), Options{InstanceID: "aaa", Now: now})
	b := NewCoordinator(hub.Channel(), Options{InstanceID: "bbb", Now: now})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()
	go func() { _ = b.Run(ctx) }()

	if !waitFor(t, time.Second, func() bool { return !b.IsMaster() }) {
		t.Error("higher instance ID should yield on a start-time tie")
	}
	if !a.IsMaster() {
		t.Error("lower instance ID should keep the master role on a tie")
	}
}

// A remote message conflicting with a pending local write is merged by the
// registered strategy before reaching handlers, and the merge is re-broadcast
// as a conflict_resolution message.
func TestConflictResolution(t *testing.T) {
	hub := NewLoopbackHub()
	coord := NewCoordinator(hub.Channel(), Options{InstanceID: "local"})

	var mu sync.Mutex
	var delivered []LocationUpdate
	coord.Handle(TypeLocationUpdate, func(env Envelope, payload any) {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, payload.(LocationUpdate))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = coord.Run(ctx) }()

	peer := hub.Channel()
	defer peer.Close()

	// Drain the master announcement so later reads see only what we expect.
	select {
	case <-peer.Messages():
	case <-time.After(time.Second):
		t.Fatal("missing master announcement")
	}

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// Local pending write: older position.
	if err := coord.Publish(ctx, TypeLocationUpdate, LocationUpdate{
		ProfileID: "u1", Lat: 1, Timestamp: base,
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-peer.Messages(): // our own location update, not under test
	case <-time.After(time.Second):
		t.Fatal("missing local publish")
	}

	// Conflicting remote write: newer position, should win the merge.
	remoteData, _ := json.Marshal(LocationUpdate{ProfileID: "u1", Lat: 2, Timestamp: base.Add(time.Second)})
	sendEnvelope(t, peer, Envelope{
		Type:       TypeLocationUpdate,
		Data:       remoteData,
		Timestamp:  base.Add(time.Second),
		InstanceID: "peer",
		Version:    1,
	})

	if !waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	}) {
		t.Fatal("merged payload was not delivered")
	}
	mu.Lock()
	got := delivered[0]
	mu.Unlock()
	if got.Lat != 2 {
		t.Errorf("merged.Lat = %v, want the newer remote position 2", got.Lat)
	}

	// The merge is re-broadcast as a conflict_resolution carrying originals.
	select {
	case raw := <-peer.Messages():
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Type != TypeConflictResolution {
			t.Fatalf("rebroadcast type = %s, want conflict_resolution", env.Type)
		}
		var res ConflictResolution
		if err := json.Unmarshal(env.Data, &res); err != nil {
			t.Fatalf("unmarshal resolution: %v", err)
		}
		if res.OfType != TypeLocationUpdate {
			t.Errorf("resolution.OfType = %s, want location_update", res.OfType)
		}
		if len(res.Local) == 0 || len(res.Remote) == 0 {
			t.Error("resolution should carry both original payloads")
		}
	case <-time.After(time.Second):
		t.Fatal("missing conflict_resolution broadcast")
	}
}

// Messages from types without a pending local write pass through untouched.
func TestNoConflictWithoutPending(t *testing.T) {
	hub := NewLoopbackHub()
	coord := NewCoordinator(hub.Channel(), Options{InstanceID: "local"})

	var mu sync.Mutex
	var delivered []PresenceUpdate
	coord.Handle(TypePresenceUpdate, func(env Envelope, payload any) {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, payload.(PresenceUpdate))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = coord.Run(ctx) }()

	peer := hub.Channel()
	defer peer.Close()

	data, _ := json.Marshal(PresenceUpdate{ProfileID: "u1", Status: "away", LastUpdate: time.Now()})
	sendEnvelope(t, peer, Envelope{
		Type:       TypePresenceUpdate,
		Data:       data,
		InstanceID: "peer",
		Version:    1,
	})

	if !waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1 && delivered[0].Status == "away"
	}) {
		t.Fatal("remote payload was not delivered unmodified")
	}
}

type stubSyncSource struct {
	mu       sync.Mutex
	calls    int
	profiles []profile.Profile
}

func (s *stubSyncSource) ChangesSince(ctx context.Context, since time.Time) ([]profile.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.profiles, nil
}

func (s *stubSyncSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// The master instance polls the sync source on the sync interval and
// rebroadcasts changes as peer_sync, so peers never poll the backend.
func TestMasterSyncRebroadcast(t *testing.T) {
	hub := NewLoopbackHub()
	source := &stubSyncSource{profiles: []profile.Profile{{ID: "u1"}}}
	coord := NewCoordinator(hub.Channel(), Options{
		InstanceID:   "master",
		SyncInterval: 30 * time.Millisecond,
		SyncSource:   source,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = coord.Run(ctx) }()

	peer := hub.Channel()
	defer peer.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw := <-peer.Messages():
			var env Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if env.Type != TypePeerSync {
				continue
			}
			var ps PeerSync
			if err := json.Unmarshal(env.Data, &ps); err != nil {
				t.Fatalf("unmarshal peer_sync: %v", err)
			}
			if len(ps.Profiles) != 1 || ps.Profiles[0].ID != "u1" {
				t.Errorf("unexpected peer_sync payload: %+v", ps)
			}
			if source.callCount() == 0 {
				t.Error("sync source was never polled")
			}
			return
		case <-deadline:
			t.Fatal("no peer_sync broadcast observed")
		}
	}
}
