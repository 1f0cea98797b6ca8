package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		Homeserver:         "https://example.org",
		UserID:             string(testUserID),
		PollTimeoutMS:      50,
		RetryDelaySecs:     1,
		CompactEveryCycles: 500,
	}
	require.NoError(t, cfg.PostProcess())
	return cfg
}

func newTestEngine(t *testing.T, cfg *Config) (*Engine, *fakeStore, *fakeClient, *fakeCrypto) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	store := newFakeStore()
	client := &fakeClient{}
	crypto := &fakeCrypto{}
	engine := New(cfg, client, store, crypto, zerolog.Nop())
	return engine, store, client, crypto
}

func drainEvents(engine *Engine) []Event {
	var events []Event
	for {
		select {
		case ev := <-engine.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestBootstrapFreshStore(t *testing.T) {
	engine, store, client, crypto := newTestEngine(t, nil)
	store.created = true

	require.NoError(t, engine.Bootstrap(context.Background(), "token"))

	assert.Equal(t, StateDisconnected, engine.State())
	assert.Equal(t, 1, crypto.identityCalls)
	assert.True(t, client.HasCredentials())
	published, _ := store.KeysPublished(context.Background())
	assert.False(t, published)
}

func TestBootstrapRejectsBadInput(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, nil)
	require.Error(t, engine.Bootstrap(context.Background(), ""))

	cfg := testConfig(t)
	cfg.UserID = "not-a-user-id"
	engine, _, _, _ = newTestEngine(t, cfg)
	require.Error(t, engine.Bootstrap(context.Background(), "token"))
}

func TestBootstrapCacheFromFuture(t *testing.T) {
	engine, store, _, _ := newTestEngine(t, nil)
	store.openErr = ErrCacheFromFuture

	err := engine.Bootstrap(context.Background(), "token")
	require.ErrorIs(t, err, ErrCacheFromFuture)
	assert.Equal(t, StateFatal, engine.State())
}

func TestBootstrapEmitsRestoredRoomList(t *testing.T) {
	engine, store, _, _ := newTestEngine(t, nil)
	roomID := id.RoomID("!restored:example.org")
	store.rooms[roomID] = &StoredRoom{ID: roomID}

	require.NoError(t, engine.Bootstrap(context.Background(), "token"))

	events := drainEvents(engine)
	require.Len(t, events, 1)
	ready, ok := events[0].(RoomListReady)
	require.True(t, ok)
	assert.Equal(t, []id.RoomID{roomID}, ready.Rooms)
}

func TestInitialSyncFlow(t *testing.T) {
	engine, store, client, _ := newTestEngine(t, nil)
	store.created = true
	roomID := id.RoomID("!first:example.org")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.syncFn = func(reqCtx context.Context, since string, timeout time.Duration) (*SyncResponse, error) {
		if since == "" {
			return &SyncResponse{
				NextBatch: "s1",
				Rooms: SyncRooms{Join: map[id.RoomID]JoinedRoomUpdate{
					roomID: joinUpdate(
						makeMessage("$1", "@alice:example.org", "hello 1", 1000),
						makeMessage("$2", "@alice:example.org", "hello 2", 2000),
						makeMessage("$3", "@alice:example.org", "hello 3", 3000),
					),
				}},
			}, nil
		}
		cancel()
		return nil, context.Canceled
	}

	require.NoError(t, engine.Bootstrap(ctx, "token"))
	err := engine.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// First request has no cursor and no server-side wait; the follow-up
	// long-polls from the new cursor.
	require.GreaterOrEqual(t, client.syncCallCount(), 2)
	assert.Equal(t, syncCall{since: "", timeout: 0}, client.syncCalls[0])
	assert.Equal(t, "s1", client.syncCalls[1].since)
	assert.Equal(t, 50*time.Millisecond, client.syncCalls[1].timeout)

	assert.Equal(t, "s1", store.getCursor())
	assert.Len(t, store.events[roomID], 3)
	tl := engine.Registry().Timeline(roomID)
	require.NotNil(t, tl)
	assert.Equal(t, 3, tl.Len())
	assert.Equal(t, "hello 3", tl.LastMessage().Summary)

	var sawRoomList bool
	for _, ev := range drainEvents(engine) {
		if _, ok := ev.(RoomListReady); ok {
			sawRoomList = true
		}
	}
	assert.True(t, sawRoomList)
}

func TestInitialSyncRetriesIdenticalRequest(t *testing.T) {
	engine, store, client, _ := newTestEngine(t, nil)
	store.created = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls int
	var mu sync.Mutex
	client.syncFn = func(reqCtx context.Context, since string, timeout time.Duration) (*SyncResponse, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		switch {
		case n <= 2:
			return nil, httpError(504)
		case n == 3:
			return &SyncResponse{NextBatch: "s1"}, nil
		default:
			cancel()
			return nil, context.Canceled
		}
	}

	require.NoError(t, engine.Bootstrap(ctx, "token"))
	_ = engine.Run(ctx)

	require.GreaterOrEqual(t, client.syncCallCount(), 3)
	// The rejected request is reissued unchanged: still no cursor.
	for i := 0; i < 3; i++ {
		assert.Equal(t, "", client.syncCalls[i].since)
		assert.Equal(t, time.Duration(0), client.syncCalls[i].timeout)
	}
	assert.Equal(t, "s1", store.getCursor())
}

func TestInitialSyncProtocolErrorIsFatal(t *testing.T) {
	engine, store, client, _ := newTestEngine(t, nil)
	store.created = true
	client.syncFn = func(context.Context, string, time.Duration) (*SyncResponse, error) {
		return nil, httpError(400)
	}

	ctx := context.Background()
	require.NoError(t, engine.Bootstrap(ctx, "token"))
	require.NoError(t, engine.Run(ctx))

	assert.Equal(t, StateFatal, engine.State())
	var loginRequired bool
	for _, ev := range drainEvents(engine) {
		if _, ok := ev.(LoginRequired); ok {
			loginRequired = true
		}
	}
	assert.True(t, loginRequired)
}

func TestAuthErrorHaltsIncrementalLoop(t *testing.T) {
	engine, store, client, _ := newTestEngine(t, nil)
	store.setCursor("s1")
	client.syncFn = func(context.Context, string, time.Duration) (*SyncResponse, error) {
		return nil, mautrix.MUnknownToken
	}

	ctx := context.Background()
	require.NoError(t, engine.Bootstrap(ctx, "token"))
	require.NoError(t, engine.Run(ctx))

	assert.Equal(t, StateFatal, engine.State())
	assert.Equal(t, 1, client.syncCallCount())
}

func TestStaleResponseDiscarded(t *testing.T) {
	engine, store, client, _ := newTestEngine(t, nil)
	store.setCursor("s1")
	roomID := id.RoomID("!stale:example.org")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.syncFn = func(reqCtx context.Context, since string, timeout time.Duration) (*SyncResponse, error) {
		if since == "s1" {
			// Another writer advanced the cursor while this response was on
			// the wire.
			store.setCursor("s2")
			return &SyncResponse{
				NextBatch: "stale",
				Rooms: SyncRooms{Join: map[id.RoomID]JoinedRoomUpdate{
					roomID: joinUpdate(makeMessage("$old", "@alice:example.org", "stale", 1000)),
				}},
			}, nil
		}
		cancel()
		return nil, context.Canceled
	}

	require.NoError(t, engine.Bootstrap(ctx, "token"))
	_ = engine.Run(ctx)

	assert.Nil(t, engine.Registry().Timeline(roomID))
	assert.Equal(t, "s2", store.getCursor())
}

func TestCompactionEveryNCycles(t *testing.T) {
	cfg := testConfig(t)
	cfg.CompactEveryCycles = 2
	require.NoError(t, cfg.PostProcess())
	engine, store, client, _ := newTestEngine(t, cfg)
	store.setCursor("s0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls int
	var mu sync.Mutex
	client.syncFn = func(reqCtx context.Context, since string, timeout time.Duration) (*SyncResponse, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n > 4 {
			cancel()
			return nil, context.Canceled
		}
		return &SyncResponse{NextBatch: "s" + string(rune('0'+n))}, nil
	}

	require.NoError(t, engine.Bootstrap(ctx, "token"))
	_ = engine.Run(ctx)

	assert.Equal(t, 2, store.compactCount())
}

func TestStoreFullTriggersCompactAndRetry(t *testing.T) {
	engine, store, client, _ := newTestEngine(t, nil)
	store.setCursor("s1")
	var failures int
	store.saveCursorErr = func() error {
		if failures == 0 {
			failures++
			return ErrStoreFull
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls int
	var mu sync.Mutex
	client.syncFn = func(reqCtx context.Context, since string, timeout time.Duration) (*SyncResponse, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return &SyncResponse{NextBatch: "s2"}, nil
		}
		cancel()
		return nil, context.Canceled
	}

	require.NoError(t, engine.Bootstrap(ctx, "token"))
	_ = engine.Run(ctx)

	assert.Equal(t, 1, store.compactCount())
	assert.Equal(t, "s2", store.getCursor())
}

func TestKeyReplenishmentDrivenBySyncCounts(t *testing.T) {
	engine, store, client, crypto := newTestEngine(t, nil)
	store.setCursor("s1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls int
	var mu sync.Mutex
	client.syncFn = func(reqCtx context.Context, since string, timeout time.Duration) (*SyncResponse, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return &SyncResponse{
				NextBatch:                "s2",
				DeviceOTKCount:           &mautrix.OTKCount{SignedCurve25519: 20},
				DeviceUnusedFallbackKeys: []id.KeyAlgorithm{id.KeyAlgorithmSignedCurve25519},
			}, nil
		}
		cancel()
		return nil, context.Canceled
	}

	require.NoError(t, engine.Bootstrap(ctx, "token"))
	_ = engine.Run(ctx)

	require.Equal(t, []int{30}, crypto.otkRequests)
	require.Len(t, client.uploadReqs, 1)
	assert.Len(t, client.uploadReqs[0].OneTimeKeys, 30)
}

func TestExhaustedKeyPoolTriggersReplenishment(t *testing.T) {
	engine, store, client, crypto := newTestEngine(t, nil)
	store.setCursor("s1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls int
	var mu sync.Mutex
	client.syncFn = func(reqCtx context.Context, since string, timeout time.Duration) (*SyncResponse, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			// Pool completely drained: the server reports an explicit zero.
			return &SyncResponse{
				NextBatch:      "s2",
				DeviceOTKCount: &mautrix.OTKCount{},
			}, nil
		}
		cancel()
		return nil, context.Canceled
	}

	require.NoError(t, engine.Bootstrap(ctx, "token"))
	_ = engine.Run(ctx)

	require.Equal(t, []int{OneTimeKeyWatermark}, crypto.otkRequests)
	require.Len(t, client.uploadReqs, 1)
	assert.Len(t, client.uploadReqs[0].OneTimeKeys, OneTimeKeyWatermark)
}

func TestConnectivityLossAbandonsInflightPoll(t *testing.T) {
	engine, store, client, _ := newTestEngine(t, nil)
	store.setCursor("s1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	firstPoll := make(chan struct{})
	var calls int
	var mu sync.Mutex
	client.syncFn = func(reqCtx context.Context, since string, timeout time.Duration) (*SyncResponse, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			close(firstPoll)
			<-reqCtx.Done()
			return nil, reqCtx.Err()
		}
		cancel()
		return nil, context.Canceled
	}

	require.NoError(t, engine.Bootstrap(ctx, "token"))
	done := make(chan struct{})
	go func() {
		_ = engine.Run(ctx)
		close(done)
	}()

	<-firstPoll
	engine.onConnectivity(false)
	require.Eventually(t, func() bool {
		return engine.State() == StateDisconnected
	}, time.Second, 5*time.Millisecond)

	engine.onConnectivity(true)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not resume after connectivity restore")
	}
	assert.Equal(t, 2, client.syncCallCount())
}

func TestLogoutStopsBlockedPoll(t *testing.T) {
	engine, store, client, _ := newTestEngine(t, nil)
	store.setCursor("s1")

	polling := make(chan struct{})
	client.syncFn = func(reqCtx context.Context, since string, timeout time.Duration) (*SyncResponse, error) {
		close(polling)
		<-reqCtx.Done()
		return nil, reqCtx.Err()
	}

	ctx := context.Background()
	require.NoError(t, engine.Bootstrap(ctx, "token"))
	done := make(chan struct{})
	go func() {
		_ = engine.Run(ctx)
		close(done)
	}()

	<-polling
	engine.Logout()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after logout")
	}
	// Cursor untouched: no cache write after logout began.
	assert.Equal(t, "s1", store.getCursor())
}

func TestRunRequiresBootstrap(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, nil)
	require.Error(t, engine.Run(context.Background()))
}
