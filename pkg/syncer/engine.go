// Package syncer keeps a local Matrix account continuously synchronized
// with its homeserver: initial state bootstrap, an indefinite long-poll
// loop, per-room timeline reconciliation against locally queued messages,
// and the lifecycle of end-to-end encryption pre-keys.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// State is the engine's position in its lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateBootstrapping
	StateInitialSync
	StateSyncing
	StateRetryBackoff
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateBootstrapping:
		return "bootstrapping"
	case StateInitialSync:
		return "initial_sync"
	case StateSyncing:
		return "syncing"
	case StateRetryBackoff:
		return "retry_backoff"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// initialSyncRetryInterval spaces the unbounded retries of the initial
// sync while the server is warming up. Deliberately constant: a gateway
// timeout during startup is expected, not a failure to back off from.
const initialSyncRetryInterval = 1 * time.Second

const eventBufferSize = 64

// Engine owns the bootstrap sequence and the indefinite poll loop. It is a
// single logical sequential process: at most one sync request is in flight
// at any time, enforced by the run loop rather than by locking, and all
// cache writes related to sync state happen on that same loop.
type Engine struct {
	cfg    *Config
	client Client
	store  Store
	crypto SessionCrypto
	log    zerolog.Logger

	registry *Registry
	keys     *KeyManager
	monitor  *Monitor

	events chan Event

	mu           sync.Mutex
	state        State
	reqCancel    context.CancelFunc
	offline      bool
	bootstrapped bool

	// connCh carries connectivity transitions onto the run loop.
	connCh   chan bool
	stopChan chan struct{}
	stopOnce sync.Once

	cyclesSinceCompact int
}

func New(cfg *Config, client Client, store Store, crypto SessionCrypto, log zerolog.Logger) *Engine {
	e := &Engine{
		cfg:      cfg,
		client:   client,
		store:    store,
		crypto:   crypto,
		log:      log.With().Str("component", "syncer").Logger(),
		events:   make(chan Event, eventBufferSize),
		connCh:   make(chan bool, 4),
		stopChan: make(chan struct{}),
	}
	userID := id.UserID(cfg.UserID)
	e.registry = NewRegistry(client, store, crypto, userID, e.emit, log)
	e.keys = NewKeyManager(client, store, crypto, userID, id.DeviceID(cfg.DeviceID), log)
	e.monitor = NewMonitor(client, cfg.connectivityInterval, e.onConnectivity, log)
	return e
}

// Events is the outbound notification stream consumed by the presentation
// layer. Notifications are dropped, not blocked on, when the consumer
// falls behind.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Registry exposes the room timeline registry for read access and sends.
func (e *Engine) Registry() *Registry {
	return e.registry
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(next State) {
	e.mu.Lock()
	prev := e.state
	e.state = next
	e.mu.Unlock()
	if prev != next {
		e.log.Debug().Stringer("from", prev).Stringer("to", next).Msg("Sync state transition")
	}
}

// Bootstrap validates the account, configures credentials, and opens the
// cache. A freshly created store gets a brand-new crypto identity; an older
// store is migrated inside Store.Open; a store from a newer version fails
// permanently. Persistence failures here are fatal and never retried.
func (e *Engine) Bootstrap(ctx context.Context, accessToken string) error {
	userID := id.UserID(e.cfg.UserID)
	if !strings.HasPrefix(string(userID), "@") || !strings.Contains(string(userID), ":") {
		return fmt.Errorf("invalid user id %q", userID)
	}
	if accessToken == "" {
		return fmt.Errorf("access token is required")
	}
	e.setState(StateBootstrapping)
	e.client.SetCredentials(userID, accessToken)

	created, err := e.store.Open(ctx)
	if err != nil {
		e.setState(StateFatal)
		if errors.Is(err, ErrCacheFromFuture) {
			return fmt.Errorf("cache for %s: %w", userID, err)
		}
		return fmt.Errorf("failed to open cache for %s: %w", userID, err)
	}
	if created {
		e.log.Info().Str("user_id", userID.String()).Msg("Fresh store, establishing new crypto identity")
		if err := e.crypto.CreateIdentity(ctx); err != nil {
			e.setState(StateFatal)
			return fmt.Errorf("failed to create crypto identity: %w", err)
		}
		if err := e.store.SetKeysPublished(ctx, false); err != nil {
			e.setState(StateFatal)
			return fmt.Errorf("failed to initialize key state: %w", err)
		}
	}

	roomIDs, err := e.registry.RestoreFromStore(ctx)
	if err != nil {
		e.setState(StateFatal)
		return fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}
	if len(roomIDs) > 0 {
		e.emit(RoomListReady{Rooms: roomIDs})
	}
	e.keys.RestoreRotationDeadline(ctx)

	e.mu.Lock()
	e.bootstrapped = true
	e.mu.Unlock()
	e.setState(StateDisconnected)
	return nil
}

// Run drives the sync loop until the context is canceled or Logout is
// called. Bootstrap must have succeeded first.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	ready := e.bootstrapped
	e.mu.Unlock()
	if !ready {
		return fmt.Errorf("engine not bootstrapped")
	}

	e.monitor.Start()
	defer e.monitor.Stop()
	defer e.keys.Stop()

	// A persisted cursor means the initial sync already happened in some
	// earlier process life; resume incrementally from it.
	if _, err := e.store.LoadCursor(ctx); err == nil {
		e.setState(StateSyncing)
	} else if errors.Is(err, ErrNoCursor) {
		e.setState(StateInitialSync)
	} else {
		e.fatalLoginRequired("sync cursor unreadable: " + err.Error())
	}

	for {
		if e.stopping() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch e.State() {
		case StateInitialSync:
			e.runInitialSync(ctx)
		case StateSyncing:
			e.runIncrementalSync(ctx)
		case StateRetryBackoff:
			e.waitRetry(ctx)
		case StateDisconnected:
			e.waitReconnect(ctx)
		case StateFatal:
			return nil
		default:
			return fmt.Errorf("unexpected engine state %s", e.State())
		}
	}
}

// Logout abandons any in-flight request, disarms all timers and stops the
// loop. No cache write happens after it begins.
func (e *Engine) Logout() {
	e.stopOnce.Do(func() {
		e.log.Info().Msg("Logout requested, stopping sync loop")
		close(e.stopChan)
		e.mu.Lock()
		if e.reqCancel != nil {
			e.reqCancel()
		}
		e.mu.Unlock()
		e.keys.Stop()
	})
}

// SendMessage queues a message in the room's timeline and hands it to the
// transport. See Registry.SendPending.
func (e *Engine) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (string, error) {
	return e.registry.SendPending(ctx, roomID, content)
}

// runInitialSync issues one poll with a zero timeout and no cursor,
// retrying the identical request indefinitely while the server looks like
// it is still warming up. Any real rejection is terminal.
func (e *Engine) runInitialSync(ctx context.Context) {
	if err := e.keys.UploadInitialKeys(ctx); err != nil {
		// Isolated: a failed key upload must not block the account from
		// syncing. The first incremental cycle retries.
		e.log.Warn().Err(err).Msg("Initial key upload failed")
	}

	for {
		if e.stopping() || ctx.Err() != nil {
			return
		}
		resp, err := e.syncOnce(ctx, "", 0)
		if err == nil {
			if procErr := e.processSyncResponse(ctx, resp); procErr != nil {
				e.handleProcessingError(procErr)
				return
			}
			e.emit(RoomListReady{Rooms: e.registry.RoomIDs()})
			e.log.Info().Str("cursor", resp.NextBatch).Msg("Initial sync complete")
			e.setState(StateSyncing)
			return
		}
		switch ClassifyRPCError(err) {
		case ErrClassTransient:
			// Server still warming up. Reissue the identical request with
			// no cursor change and no backoff growth.
			e.log.Debug().Err(err).Msg("Initial sync hit transient error, retrying")
			if !e.sleep(ctx, initialSyncRetryInterval) {
				return
			}
		case ErrClassCanceled:
			e.handleCanceled()
			return
		default:
			e.fatalLoginRequired("initial sync rejected: " + err.Error())
			return
		}
	}
}

// runIncrementalSync performs one long-poll cycle against the persisted
// cursor and processes the result.
func (e *Engine) runIncrementalSync(ctx context.Context) {
	since, err := e.store.LoadCursor(ctx)
	if err != nil {
		// Never infer a cursor: syncing from the wrong position silently
		// loses events. Local state cannot be trusted anymore.
		e.fatalLoginRequired("sync cursor unavailable: " + err.Error())
		return
	}

	resp, err := e.syncOnce(ctx, since, e.cfg.pollTimeout)
	if err != nil {
		switch ClassifyRPCError(err) {
		case ErrClassCanceled:
			e.handleCanceled()
		case ErrClassTransient:
			e.log.Debug().Err(err).Msg("Transient sync error, retrying immediately")
		case ErrClassAuth:
			e.fatalLoginRequired("access token rejected by server")
		default:
			e.log.Warn().Err(err).Dur("retry_in", e.cfg.retryDelay).Msg("Sync cycle failed, rescheduling")
			e.setState(StateRetryBackoff)
		}
		return
	}

	// Duplicate/stale guard: if another cycle already advanced the cursor
	// past this request's snapshot, this response raced a slow network and
	// must not be applied.
	if current, cerr := e.store.LoadCursor(ctx); cerr == nil && current != since {
		e.log.Warn().
			Str("request_cursor", since).
			Str("store_cursor", current).
			Msg("Discarding stale sync response")
		return
	}
	if e.stopping() {
		// Logout began while the poll was in flight; drop the response
		// rather than writing to the cache mid-shutdown.
		return
	}

	if resp.HasOTKCounts() {
		if kerr := e.keys.EnsureOneTimeKeys(ctx, resp.DeviceOTKCount, resp.DeviceUnusedFallbackKeys); kerr != nil {
			// Key trouble is isolated to this concern; the sync cycle
			// itself proceeds.
			e.log.Warn().Err(kerr).Msg("Pre-key replenishment failed")
		}
	}
	if procErr := e.processSyncResponse(ctx, resp); procErr != nil {
		e.handleProcessingError(procErr)
		return
	}

	e.cyclesSinceCompact++
	if e.cyclesSinceCompact >= e.cfg.CompactEveryCycles {
		if cerr := e.store.Compact(ctx); cerr != nil {
			e.log.Warn().Err(cerr).Msg("Periodic cache compaction failed")
		} else {
			e.log.Info().Int("cycles", e.cyclesSinceCompact).Msg("Compacted cache")
		}
		e.cyclesSinceCompact = 0
	}
}

// processSyncResponse persists the batch, feeds the registry, and advances
// the cursor. Writes that hit a full store get one compact-and-retry.
func (e *Engine) processSyncResponse(ctx context.Context, resp *SyncResponse) error {
	err := e.writeWithCompact(ctx, func(ctx context.Context) error {
		return e.registry.ApplyBatch(ctx, resp.Rooms)
	})
	if err != nil {
		return err
	}
	return e.writeWithCompact(ctx, func(ctx context.Context) error {
		return e.store.SaveCursor(ctx, resp.NextBatch)
	})
}

// writeWithCompact runs a cache write, reacting to a full store with one
// compaction followed by a single retry.
func (e *Engine) writeWithCompact(ctx context.Context, write func(context.Context) error) error {
	err := write(ctx)
	if !errors.Is(err, ErrStoreFull) {
		return err
	}
	e.log.Warn().Msg("Store full, compacting and retrying write")
	if cerr := e.store.Compact(ctx); cerr != nil {
		return fmt.Errorf("compaction after full store failed: %w", cerr)
	}
	return write(ctx)
}

func (e *Engine) handleProcessingError(err error) {
	if errors.Is(err, ErrStoreCorrupt) || errors.Is(err, ErrCacheFromFuture) {
		e.fatalLoginRequired("local store unusable: " + err.Error())
		return
	}
	e.log.Error().Err(err).Dur("retry_in", e.cfg.retryDelay).Msg("Failed to process sync response, rescheduling")
	e.setState(StateRetryBackoff)
}

// handleCanceled distinguishes a request abandoned for connectivity loss
// from one canceled by shutdown.
func (e *Engine) handleCanceled() {
	e.mu.Lock()
	offline := e.offline
	e.mu.Unlock()
	if offline {
		e.log.Info().Msg("Sync abandoned, waiting for connectivity")
		e.setState(StateDisconnected)
	}
}

// syncOnce issues a single poll, tracking the request's cancel func so a
// connectivity loss or logout can abandon it.
func (e *Engine) syncOnce(ctx context.Context, since string, timeout time.Duration) (*SyncResponse, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.reqCancel = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.reqCancel = nil
		e.mu.Unlock()
		cancel()
	}()
	return e.client.Sync(reqCtx, since, timeout, e.cfg.Presence)
}

func (e *Engine) waitRetry(ctx context.Context) {
	timer := time.NewTimer(e.cfg.retryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		e.setState(StateSyncing)
	case connected := <-e.connCh:
		if connected {
			e.setState(StateSyncing)
		} else {
			e.setState(StateDisconnected)
		}
	case <-ctx.Done():
	case <-e.stopChan:
	}
}

func (e *Engine) waitReconnect(ctx context.Context) {
	select {
	case connected := <-e.connCh:
		if connected {
			e.log.Info().Msg("Connectivity restored, resuming sync")
			e.setState(StateSyncing)
		}
	case <-ctx.Done():
	case <-e.stopChan:
	}
}

// onConnectivity marshals monitor signals onto the run loop. On loss the
// in-flight request is abandoned immediately.
func (e *Engine) onConnectivity(connected bool) {
	e.mu.Lock()
	e.offline = !connected
	cancel := e.reqCancel
	e.mu.Unlock()
	if !connected && cancel != nil {
		cancel()
	}
	select {
	case e.connCh <- connected:
	default:
	}
}

// fatalLoginRequired is the single terminal "drop to login" signal.
func (e *Engine) fatalLoginRequired(reason string) {
	e.log.Error().Str("reason", reason).Msg("Sync loop halted, login required")
	e.setState(StateFatal)
	e.emit(LoginRequired{Reason: reason})
}

func (e *Engine) stopping() bool {
	select {
	case <-e.stopChan:
		return true
	default:
		return false
	}
}

// sleep waits for d, returning false if the engine stopped meanwhile.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-e.stopChan:
		return false
	}
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.log.Warn().Type("event", ev).Msg("Event buffer full, dropping notification")
	}
}
