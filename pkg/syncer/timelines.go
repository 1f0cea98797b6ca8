package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// lastMessageScanCap bounds the backward scan when recomputing a room's
// last-message preview. Rooms with thousands of consecutive non-message
// events (state floods) would otherwise make every merge O(history).
const lastMessageScanCap = 1000

// joinedRoomSummary is the synthetic preview shown when the newest relevant
// timeline entry is the local user joining the room.
const joinedRoomSummary = "You joined this room"

// PendingMessage is a locally authored event not yet acknowledged by the
// server. It is owned exclusively by its room's timeline until the server
// echoes an event with a matching transaction id.
type PendingMessage struct {
	TxnID   string
	RoomID  id.RoomID
	Sender  id.UserID
	Content *event.MessageEventContent
	// Encrypted holds the wire payload for encrypted rooms. Content keeps
	// the plaintext for local display.
	Encrypted json.RawMessage
	QueuedAt  time.Time
}

// LastMessage is the cached preview of a room's most recent message.
type LastMessage struct {
	Summary   string
	Sender    id.UserID
	Timestamp time.Time
}

// Timeline is the in-memory event log of one room. It is created the first
// time a room id appears in any sync batch (or on restore from cache) and
// destroyed when the server confirms the account left the room.
type Timeline struct {
	roomID     id.RoomID
	membership event.Membership
	encrypted  bool

	events   []*event.Event
	eventIDs map[id.EventID]struct{}

	pending      map[string]*PendingMessage
	pendingOrder []string

	// sessionIndexes tracks the next expected ratchet index per inbound
	// group session, handed to the crypto module on decryption.
	sessionIndexes map[id.SessionID]uint
	undecrypted    int

	lastMessage    *LastMessage
	unreadCount    int
	highlightCount int
}

// Len returns the number of confirmed timeline entries.
func (tl *Timeline) Len() int {
	return len(tl.events)
}

// LastMessage returns the cached last-message preview, or nil if the room
// has no displayable message yet.
func (tl *Timeline) LastMessage() *LastMessage {
	return tl.lastMessage
}

// PendingCount returns the number of locally queued unconfirmed messages.
func (tl *Timeline) PendingCount() int {
	return len(tl.pending)
}

// Encrypted reports whether the room has end-to-end encryption enabled.
func (tl *Timeline) Encrypted() bool {
	return tl.encrypted
}

// UnreadCounts returns the server-reported notification and highlight
// counters for this room.
func (tl *Timeline) UnreadCounts() (notifications, highlights int) {
	return tl.unreadCount, tl.highlightCount
}

// Registry owns one Timeline per known room and reconciles server-delivered
// events with locally queued outgoing messages. It depends on the crypto
// module and the cache, but never on the sync engine driving it.
type Registry struct {
	client Client
	store  Store
	crypto SessionCrypto
	userID id.UserID
	emit   func(Event)
	log    zerolog.Logger

	mu    sync.Mutex
	rooms map[id.RoomID]*Timeline
}

func NewRegistry(client Client, store Store, crypto SessionCrypto, userID id.UserID, emit func(Event), log zerolog.Logger) *Registry {
	if emit == nil {
		emit = func(Event) {}
	}
	return &Registry{
		client: client,
		store:  store,
		crypto: crypto,
		userID: userID,
		emit:   emit,
		log:    log.With().Str("component", "timelines").Logger(),
		rooms:  make(map[id.RoomID]*Timeline),
	}
}

// Timeline returns the timeline for a room, or nil if the room is unknown.
func (r *Registry) Timeline(roomID id.RoomID) *Timeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[roomID]
}

// RoomIDs returns the ids of all known rooms.
func (r *Registry) RoomIDs() []id.RoomID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]id.RoomID, 0, len(r.rooms))
	for roomID := range r.rooms {
		ids = append(ids, roomID)
	}
	return ids
}

// RestoreFromStore rebuilds all timelines from the durable cache. Called
// once during bootstrap, before the first sync cycle.
func (r *Registry) RestoreFromStore(ctx context.Context) ([]id.RoomID, error) {
	rooms, err := r.store.LoadRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rooms from store: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]id.RoomID, 0, len(rooms))
	for _, stored := range rooms {
		tl := r.newTimeline(stored.ID)
		tl.membership = stored.Membership
		tl.encrypted = stored.Encrypted
		tl.unreadCount = stored.UnreadCount
		tl.highlightCount = stored.HighlightCount
		for _, evt := range stored.Events {
			if evt == nil || evt.ID == "" {
				continue
			}
			if _, dup := tl.eventIDs[evt.ID]; dup {
				continue
			}
			tl.events = append(tl.events, evt)
			tl.eventIDs[evt.ID] = struct{}{}
		}
		for _, msg := range stored.Pending {
			if _, dup := tl.pending[msg.TxnID]; dup {
				continue
			}
			tl.pending[msg.TxnID] = msg
			tl.pendingOrder = append(tl.pendingOrder, msg.TxnID)
		}
		tl.lastMessage = r.computeLastMessage(tl)
		r.rooms[stored.ID] = tl
		ids = append(ids, stored.ID)
	}
	r.log.Info().Int("rooms", len(ids)).Msg("Restored room timelines from cache")
	return ids, nil
}

// ApplyBatch applies one sync batch of room updates. Applying the same
// batch twice yields the same state as applying it once: event merge dedups
// by event id, room creation is ensure-style, and room removal tolerates
// already-removed rooms.
func (r *Registry) ApplyBatch(ctx context.Context, rooms SyncRooms) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := 0
	for roomID, update := range rooms.Join {
		added, err := r.applyJoined(ctx, roomID, update)
		if err != nil {
			return err
		}
		events += added
	}
	for roomID, update := range rooms.Invite {
		if err := r.applyInvited(ctx, roomID, update); err != nil {
			return err
		}
	}
	for roomID := range rooms.Leave {
		if err := r.applyLeft(ctx, roomID); err != nil {
			return err
		}
	}
	if !rooms.Empty() {
		r.log.Debug().
			Int("joined", len(rooms.Join)).
			Int("invited", len(rooms.Invite)).
			Int("left", len(rooms.Leave)).
			Int("events", events).
			Msg("Applied room batch")
	}
	return nil
}

func (r *Registry) applyJoined(ctx context.Context, roomID id.RoomID, update JoinedRoomUpdate) (int, error) {
	tl := r.ensureTimeline(roomID)
	tl.membership = event.MembershipJoin
	for _, evt := range update.State.Events {
		if evt != nil && evt.Type == event.StateEncryption {
			tl.encrypted = true
		}
	}

	prevHighlights := tl.highlightCount
	prevSummary := ""
	if tl.lastMessage != nil {
		prevSummary = tl.lastMessage.Summary
	}

	firstIndex := len(tl.events)
	added := r.mergeEvents(ctx, tl, update.Timeline.Events)
	tl.unreadCount = update.UnreadNotifications.NotificationCount
	tl.highlightCount = update.UnreadNotifications.HighlightCount
	tl.lastMessage = r.computeLastMessage(tl)

	if err := r.persistRoom(ctx, tl); err != nil {
		return 0, err
	}
	if len(added) > 0 {
		if err := r.store.AppendEvents(ctx, roomID, added); err != nil {
			return 0, err
		}
		r.emit(EventsStored{RoomID: roomID, FirstIndex: firstIndex, Count: len(added)})
	}

	if tl.lastMessage != nil && tl.lastMessage.Summary != prevSummary {
		r.emit(LastMessageChanged{
			RoomID:    roomID,
			Summary:   tl.lastMessage.Summary,
			Sender:    tl.lastMessage.Sender,
			Timestamp: tl.lastMessage.Timestamp,
		})
	}
	if tl.highlightCount > prevHighlights && tl.lastMessage != nil {
		r.emit(NotificationMessage{RoomID: roomID, Summary: tl.lastMessage.Summary})
	}
	return len(added), nil
}

func (r *Registry) applyInvited(ctx context.Context, roomID id.RoomID, update InvitedRoomUpdate) error {
	tl := r.ensureTimeline(roomID)
	tl.membership = event.MembershipInvite
	for _, evt := range update.InviteState.Events {
		if evt != nil && evt.Type == event.StateEncryption {
			tl.encrypted = true
		}
	}
	// Invited rooms get a timeline but no event merge until joined.
	return r.persistRoom(ctx, tl)
}

func (r *Registry) applyLeft(ctx context.Context, roomID id.RoomID) error {
	if _, known := r.rooms[roomID]; known {
		delete(r.rooms, roomID)
		r.log.Info().Str("room_id", roomID.String()).Msg("Left room, destroying timeline")
	}
	if err := r.store.DeleteRoom(ctx, roomID); err != nil {
		return fmt.Errorf("failed to delete room %s from store: %w", roomID, err)
	}
	return nil
}

func (r *Registry) ensureTimeline(roomID id.RoomID) *Timeline {
	tl, ok := r.rooms[roomID]
	if !ok {
		tl = r.newTimeline(roomID)
		r.rooms[roomID] = tl
	}
	return tl
}

func (r *Registry) newTimeline(roomID id.RoomID) *Timeline {
	return &Timeline{
		roomID:         roomID,
		eventIDs:       make(map[id.EventID]struct{}),
		pending:        make(map[string]*PendingMessage),
		sessionIndexes: make(map[id.SessionID]uint),
	}
}

// mergeEvents appends server events in server order, rejecting duplicates
// by event id and promoting pending messages whose transaction id is echoed
// back. Returns the events actually appended.
func (r *Registry) mergeEvents(ctx context.Context, tl *Timeline, events []*event.Event) []*event.Event {
	var added []*event.Event
	for _, evt := range events {
		if evt == nil || evt.ID == "" {
			continue
		}
		if txnID := evt.Unsigned.TransactionID; txnID != "" {
			r.promotePending(ctx, tl, txnID)
		}
		if _, dup := tl.eventIDs[evt.ID]; dup {
			continue
		}
		if evt.Type == event.EventEncrypted {
			evt = r.decryptEvent(tl, evt)
		}
		if evt.Type == event.StateEncryption {
			tl.encrypted = true
		}
		tl.events = append(tl.events, evt)
		tl.eventIDs[evt.ID] = struct{}{}
		added = append(added, evt)
	}
	return added
}

// promotePending converts a locally queued message into a confirmed
// timeline entry. The echoed server event carries the authoritative
// ordering position; the pending copy is simply dropped so exactly one
// entry remains.
func (r *Registry) promotePending(ctx context.Context, tl *Timeline, txnID string) {
	if _, ok := tl.pending[txnID]; !ok {
		return
	}
	delete(tl.pending, txnID)
	for i, queued := range tl.pendingOrder {
		if queued == txnID {
			tl.pendingOrder = append(tl.pendingOrder[:i], tl.pendingOrder[i+1:]...)
			break
		}
	}
	if err := r.store.DeletePending(ctx, tl.roomID, txnID); err != nil {
		r.log.Warn().Err(err).Str("txn_id", txnID).Msg("Failed to delete promoted pending message")
	}
	r.log.Debug().Str("room_id", tl.roomID.String()).Str("txn_id", txnID).Msg("Promoted pending message")
}

// decryptEvent decrypts an m.room.encrypted event, or returns the original
// event when decryption fails. A failure is recorded but never halts the
// merge: the missing session key is expected to arrive later.
func (r *Registry) decryptEvent(tl *Timeline, evt *event.Event) *event.Event {
	var sessionID id.SessionID
	if evt.Content.Raw != nil {
		if sid, ok := evt.Content.Raw["session_id"].(string); ok {
			sessionID = id.SessionID(sid)
		}
	}
	index := tl.sessionIndexes[sessionID]
	decrypted, err := r.crypto.DecryptEvent(index, evt)
	if err != nil {
		tl.undecrypted++
		r.log.Debug().Err(err).
			Str("room_id", tl.roomID.String()).
			Str("event_id", evt.ID.String()).
			Msg("Failed to decrypt event, keeping encrypted form")
		return evt
	}
	tl.sessionIndexes[sessionID] = index + 1
	if decrypted.ID == "" {
		decrypted.ID = evt.ID
	}
	if decrypted.Sender == "" {
		decrypted.Sender = evt.Sender
	}
	if decrypted.Timestamp == 0 {
		decrypted.Timestamp = evt.Timestamp
	}
	return decrypted
}

// computeLastMessage scans backward from the newest event, skipping
// non-message events. A self-join membership event anywhere in the scanned
// window takes priority over ordinary messages.
func (r *Registry) computeLastMessage(tl *Timeline) *LastMessage {
	var newest *LastMessage
	scanned := 0
	for i := len(tl.events) - 1; i >= 0 && scanned < lastMessageScanCap; i-- {
		evt := tl.events[i]
		scanned++
		if evt.Type == event.StateMember && evt.StateKey != nil && id.UserID(*evt.StateKey) == r.userID {
			if member := asMember(evt); member != nil && member.Membership == event.MembershipJoin {
				return &LastMessage{
					Summary:   joinedRoomSummary,
					Sender:    r.userID,
					Timestamp: eventTime(evt),
				}
			}
		}
		if newest == nil && evt.Type == event.EventMessage {
			if msg := asMessage(evt); msg != nil && msg.Body != "" {
				newest = &LastMessage{
					Summary:   msg.Body,
					Sender:    evt.Sender,
					Timestamp: eventTime(evt),
				}
			}
		}
	}
	return newest
}

// SendPending queues a locally authored message. The message is stored and
// locally visible before any network call; the eventual sync echo promotes
// it to a confirmed entry. For encrypted rooms the content is wrapped via
// the room's group session first, and a session failure aborts the send.
func (r *Registry) SendPending(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (string, error) {
	r.mu.Lock()
	tl := r.rooms[roomID]
	if tl == nil {
		r.mu.Unlock()
		return "", fmt.Errorf("cannot send to unknown room %s", roomID)
	}
	encrypted := tl.encrypted
	r.mu.Unlock()

	msg := &PendingMessage{
		TxnID:    "nettle-" + uuid.NewString(),
		RoomID:   roomID,
		Sender:   r.userID,
		Content:  content,
		QueuedAt: time.Now(),
	}
	evtType := event.EventMessage
	var wire any = content
	if encrypted {
		ciphertext, err := r.crypto.EncryptGroupMessage(roomID, content)
		if err != nil {
			return "", fmt.Errorf("failed to encrypt message for %s: %w", roomID, err)
		}
		msg.Encrypted = ciphertext
		evtType = event.EventEncrypted
		wire = ciphertext
	}

	r.mu.Lock()
	tl.pending[msg.TxnID] = msg
	tl.pendingOrder = append(tl.pendingOrder, msg.TxnID)
	r.mu.Unlock()
	if err := r.store.SavePending(ctx, msg); err != nil {
		// Roll back by transaction id: another send may have queued behind
		// this one while the store call was in flight.
		r.mu.Lock()
		delete(tl.pending, msg.TxnID)
		for i, queued := range tl.pendingOrder {
			if queued == msg.TxnID {
				tl.pendingOrder = append(tl.pendingOrder[:i], tl.pendingOrder[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
		return "", fmt.Errorf("failed to persist pending message: %w", err)
	}

	if _, err := r.client.SendMessageEvent(ctx, roomID, evtType, msg.TxnID, wire); err != nil {
		// The pending entry stays queued; the message is not lost, just
		// unconfirmed. Callers surface this as a transient notification.
		r.log.Warn().Err(err).Str("room_id", roomID.String()).Str("txn_id", msg.TxnID).Msg("Failed to send pending message")
		return msg.TxnID, err
	}
	return msg.TxnID, nil
}

func (r *Registry) persistRoom(ctx context.Context, tl *Timeline) error {
	err := r.store.SaveRoom(ctx, &StoredRoom{
		ID:             tl.roomID,
		Membership:     tl.membership,
		Encrypted:      tl.encrypted,
		UnreadCount:    tl.unreadCount,
		HighlightCount: tl.highlightCount,
	})
	if err != nil {
		return fmt.Errorf("failed to save room %s: %w", tl.roomID, err)
	}
	return nil
}

func asMessage(evt *event.Event) *event.MessageEventContent {
	if msg, ok := evt.Content.Parsed.(*event.MessageEventContent); ok {
		return msg
	}
	if err := evt.Content.ParseRaw(evt.Type); err != nil {
		return nil
	}
	msg, _ := evt.Content.Parsed.(*event.MessageEventContent)
	return msg
}

func asMember(evt *event.Event) *event.MemberEventContent {
	if member, ok := evt.Content.Parsed.(*event.MemberEventContent); ok {
		return member
	}
	if err := evt.Content.ParseRaw(evt.Type); err != nil {
		return nil
	}
	member, _ := evt.Content.Parsed.(*event.MemberEventContent)
	return member
}

func eventTime(evt *event.Event) time.Time {
	if evt.Timestamp <= 0 {
		return time.Now()
	}
	return time.UnixMilli(evt.Timestamp)
}
