package syncer

import (
	"time"

	"maunium.net/go/mautrix/id"
)

// Event is a tagged notification emitted to the presentation layer. All
// variants flow through a single channel so consumers see changes in the
// order the engine applied them.
type Event interface {
	isSyncEvent()
}

// RoomListReady fires once the initial room list is available, either
// restored from the cache at bootstrap or delivered by the initial sync.
type RoomListReady struct {
	Rooms []id.RoomID
}

// LastMessageChanged fires when a room's last-message preview changes.
type LastMessageChanged struct {
	RoomID    id.RoomID
	Summary   string
	Sender    id.UserID
	Timestamp time.Time
}

// EventsStored fires after a batch of events is merged into a room
// timeline. FirstIndex and Count describe the appended range.
type EventsStored struct {
	RoomID     id.RoomID
	FirstIndex int
	Count      int
}

// LoginRequired is the single terminal "drop to login" signal, emitted for
// authentication failures and unrecoverable local state.
type LoginRequired struct {
	Reason string
}

// NotificationMessage fires for a message the server flagged as
// notification-worthy (highlight count increased).
type NotificationMessage struct {
	RoomID  id.RoomID
	Summary string
}

func (RoomListReady) isSyncEvent()       {}
func (LastMessageChanged) isSyncEvent()  {}
func (EventsStored) isSyncEvent()        {}
func (LoginRequired) isSyncEvent()       {}
func (NotificationMessage) isSyncEvent() {}
