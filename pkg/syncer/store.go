package syncer

import (
	"context"
	"errors"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var (
	// ErrStoreFull is returned by Store writes when the underlying database
	// has no space left. The engine reacts with Compact plus one retry.
	ErrStoreFull = errors.New("local store is full")
	// ErrCacheFromFuture is returned by Store.Open when the on-disk schema
	// version is newer than this build understands. Fatal: downgrading
	// would corrupt state written by the newer version.
	ErrCacheFromFuture = errors.New("cache was written by a newer version")
	// ErrNoCursor is returned by LoadCursor when no sync cursor has been
	// persisted yet.
	ErrNoCursor = errors.New("no sync cursor in store")
	// ErrStoreCorrupt is returned when persisted state fails to parse. The
	// local state can no longer be trusted; the only recovery is a fresh
	// login.
	ErrStoreCorrupt = errors.New("local store is corrupt")
)

// StoredRoom is the durable snapshot of one room timeline.
type StoredRoom struct {
	ID             id.RoomID
	Membership     event.Membership
	Encrypted      bool
	UnreadCount    int
	HighlightCount int
	Events         []*event.Event
	Pending        []*PendingMessage
}

// Store is the persistent cache contract. All durable copies of the sync
// cursor, room state and key lifecycle flags live behind it; in-memory
// structures are caches of this state and must be reconstructable from it.
type Store interface {
	// Open prepares the store for this account, running schema migrations
	// for older stores. It reports whether the store was freshly created
	// and fails with ErrCacheFromFuture for stores from a newer version.
	Open(ctx context.Context) (created bool, err error)
	Close() error

	LoadCursor(ctx context.Context) (string, error)
	SaveCursor(ctx context.Context, cursor string) error

	// SaveRoom upserts room metadata (membership, flags, counters).
	SaveRoom(ctx context.Context, room *StoredRoom) error
	// AppendEvents appends to the room's durable event log, ignoring
	// events already present (dedup by event id).
	AppendEvents(ctx context.Context, roomID id.RoomID, events []*event.Event) error
	DeleteRoom(ctx context.Context, roomID id.RoomID) error
	LoadRooms(ctx context.Context) ([]*StoredRoom, error)

	SavePending(ctx context.Context, msg *PendingMessage) error
	DeletePending(ctx context.Context, roomID id.RoomID, txnID string) error

	KeysPublished(ctx context.Context) (bool, error)
	SetKeysPublished(ctx context.Context, published bool) error
	FallbackDeadline(ctx context.Context) (time.Time, error)
	SetFallbackDeadline(ctx context.Context, deadline time.Time) error

	// Compact drops timeline data past the retention horizon. Invoked
	// every compactEvery sync cycles and whenever a write hits
	// ErrStoreFull.
	Compact(ctx context.Context) error
}
