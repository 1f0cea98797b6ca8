package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

type syncCall struct {
	since    string
	timeout  time.Duration
	presence string
}

type sendCall struct {
	roomID  id.RoomID
	evtType event.Type
	txnID   string
	content any
}

type fakeClient struct {
	mu sync.Mutex

	userID id.UserID
	token  string

	syncFn    func(ctx context.Context, since string, timeout time.Duration) (*SyncResponse, error)
	syncCalls []syncCall

	uploadFn   func(req *UploadKeysRequest) (*mautrix.RespUploadKeys, error)
	uploadReqs []*UploadKeysRequest

	claimErr  error
	claimReqs []*mautrix.ReqClaimKeys

	versionsErr   error
	versionsCalls int

	sendErr   error
	sendCalls []sendCall
}

func (c *fakeClient) SetCredentials(userID id.UserID, accessToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.token = accessToken
}

func (c *fakeClient) HasCredentials() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != ""
}

func (c *fakeClient) Sync(ctx context.Context, since string, timeout time.Duration, presence string) (*SyncResponse, error) {
	c.mu.Lock()
	c.syncCalls = append(c.syncCalls, syncCall{since: since, timeout: timeout, presence: presence})
	fn := c.syncFn
	c.mu.Unlock()
	if fn == nil {
		return &SyncResponse{NextBatch: since}, nil
	}
	return fn(ctx, since, timeout)
}

func (c *fakeClient) syncCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.syncCalls)
}

func (c *fakeClient) UploadKeys(ctx context.Context, req *UploadKeysRequest) (*mautrix.RespUploadKeys, error) {
	c.mu.Lock()
	c.uploadReqs = append(c.uploadReqs, req)
	fn := c.uploadFn
	c.mu.Unlock()
	if fn == nil {
		return &mautrix.RespUploadKeys{
			OneTimeKeyCounts: mautrix.OTKCount{SignedCurve25519: OneTimeKeyWatermark},
		}, nil
	}
	return fn(req)
}

func (c *fakeClient) ClaimKeys(ctx context.Context, req *mautrix.ReqClaimKeys) (*mautrix.RespClaimKeys, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claimReqs = append(c.claimReqs, req)
	if c.claimErr != nil {
		return nil, c.claimErr
	}
	return &mautrix.RespClaimKeys{}, nil
}

func (c *fakeClient) Versions(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versionsCalls++
	return c.versionsErr
}

func (c *fakeClient) setVersionsErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versionsErr = err
}

func (c *fakeClient) SendMessageEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, txnID string, content any) (id.EventID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendCalls = append(c.sendCalls, sendCall{roomID: roomID, evtType: evtType, txnID: txnID, content: content})
	if c.sendErr != nil {
		return "", c.sendErr
	}
	return id.EventID(fmt.Sprintf("$sent-%d", len(c.sendCalls))), nil
}

var _ Client = (*fakeClient)(nil)

type fakeStore struct {
	mu sync.Mutex

	created bool
	openErr error

	cursor    string
	hasCursor bool

	rooms   map[id.RoomID]*StoredRoom
	events  map[id.RoomID][]*event.Event
	pending map[id.RoomID]map[string]*PendingMessage

	keysPublished    bool
	fallbackDeadline time.Time

	compactCalls int

	saveCursorErr  func() error
	appendErr      func() error
	savePendingErr error
	savePendingFn  func(msg *PendingMessage) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rooms:   make(map[id.RoomID]*StoredRoom),
		events:  make(map[id.RoomID][]*event.Event),
		pending: make(map[id.RoomID]map[string]*PendingMessage),
	}
}

func (s *fakeStore) Open(ctx context.Context) (bool, error) {
	if s.openErr != nil {
		return false, s.openErr
	}
	return s.created, nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) LoadCursor(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasCursor {
		return "", ErrNoCursor
	}
	return s.cursor, nil
}

func (s *fakeStore) SaveCursor(ctx context.Context, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveCursorErr != nil {
		if err := s.saveCursorErr(); err != nil {
			return err
		}
	}
	s.cursor = cursor
	s.hasCursor = true
	return nil
}

func (s *fakeStore) setCursor(cursor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = cursor
	s.hasCursor = true
}

func (s *fakeStore) getCursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *fakeStore) SaveRoom(ctx context.Context, room *StoredRoom) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *room
	copied.Events = nil
	copied.Pending = nil
	s.rooms[room.ID] = &copied
	return nil
}

func (s *fakeStore) AppendEvents(ctx context.Context, roomID id.RoomID, events []*event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		if err := s.appendErr(); err != nil {
			return err
		}
	}
	for _, evt := range events {
		dup := false
		for _, existing := range s.events[roomID] {
			if existing.ID == evt.ID {
				dup = true
				break
			}
		}
		if !dup {
			s.events[roomID] = append(s.events[roomID], evt)
		}
	}
	return nil
}

func (s *fakeStore) DeleteRoom(ctx context.Context, roomID id.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
	delete(s.events, roomID)
	delete(s.pending, roomID)
	return nil
}

func (s *fakeStore) LoadRooms(ctx context.Context) ([]*StoredRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rooms []*StoredRoom
	for roomID, room := range s.rooms {
		copied := *room
		copied.Events = append([]*event.Event(nil), s.events[roomID]...)
		for _, msg := range s.pending[roomID] {
			copied.Pending = append(copied.Pending, msg)
		}
		rooms = append(rooms, &copied)
	}
	return rooms, nil
}

func (s *fakeStore) SavePending(ctx context.Context, msg *PendingMessage) error {
	s.mu.Lock()
	fn := s.savePendingFn
	s.mu.Unlock()
	// Runs without the lock so a hook can re-enter the registry.
	if fn != nil {
		if err := fn(msg); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.savePendingErr != nil {
		return s.savePendingErr
	}
	if s.pending[msg.RoomID] == nil {
		s.pending[msg.RoomID] = make(map[string]*PendingMessage)
	}
	s.pending[msg.RoomID][msg.TxnID] = msg
	return nil
}

func (s *fakeStore) DeletePending(ctx context.Context, roomID id.RoomID, txnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending[roomID], txnID)
	return nil
}

func (s *fakeStore) KeysPublished(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keysPublished, nil
}

func (s *fakeStore) SetKeysPublished(ctx context.Context, published bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keysPublished = published
	return nil
}

func (s *fakeStore) FallbackDeadline(ctx context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallbackDeadline, nil
}

func (s *fakeStore) SetFallbackDeadline(ctx context.Context, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallbackDeadline = deadline
	return nil
}

func (s *fakeStore) Compact(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compactCalls++
	return nil
}

func (s *fakeStore) compactCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactCalls
}

var _ Store = (*fakeStore)(nil)

type fakeCrypto struct {
	mu sync.Mutex

	identityCalls int
	otkRequests   []int
	fallbackCalls int
	fallbackErr   error
	forgetCalls   int
	publishCalls  int

	encryptFn func(roomID id.RoomID, content *event.MessageEventContent) (json.RawMessage, error)
	decryptFn func(sessionIndex uint, evt *event.Event) (*event.Event, error)
}

func (c *fakeCrypto) CreateIdentity(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identityCalls++
	return nil
}

func (c *fakeCrypto) GenerateOneTimeKeys(n int) (map[id.KeyID]mautrix.OneTimeKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.otkRequests = append(c.otkRequests, n)
	keys := make(map[id.KeyID]mautrix.OneTimeKey, n)
	for i := 0; i < n; i++ {
		keys[id.KeyID(fmt.Sprintf("signed_curve25519:otk%d", i))] = mautrix.OneTimeKey{}
	}
	return keys, nil
}

func (c *fakeCrypto) GenerateFallbackKey() (id.KeyID, mautrix.OneTimeKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fallbackErr != nil {
		return "", mautrix.OneTimeKey{}, c.fallbackErr
	}
	c.fallbackCalls++
	return id.KeyID(fmt.Sprintf("signed_curve25519:fb%d", c.fallbackCalls)), mautrix.OneTimeKey{}, nil
}

func (c *fakeCrypto) ForgetOldFallbackKey() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgetCalls++
}

func (c *fakeCrypto) forgetCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forgetCalls
}

func (c *fakeCrypto) MarkKeysPublished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishCalls++
}

func (c *fakeCrypto) EncryptGroupMessage(roomID id.RoomID, content *event.MessageEventContent) (json.RawMessage, error) {
	if c.encryptFn != nil {
		return c.encryptFn(roomID, content)
	}
	return json.RawMessage(`{"algorithm":"m.megolm.v1.aes-sha2","ciphertext":"fake"}`), nil
}

func (c *fakeCrypto) DecryptEvent(sessionIndex uint, evt *event.Event) (*event.Event, error) {
	if c.decryptFn != nil {
		return c.decryptFn(sessionIndex, evt)
	}
	return evt, nil
}

var _ SessionCrypto = (*fakeCrypto)(nil)

func httpError(status int) error {
	return mautrix.HTTPError{Response: &http.Response{StatusCode: status}}
}

func respError(status int, respErr mautrix.RespError) error {
	return mautrix.HTTPError{
		Response:  &http.Response{StatusCode: status},
		RespError: &respErr,
	}
}

func makeMessage(evtID, sender, body string, ts int64) *event.Event {
	return &event.Event{
		ID:        id.EventID(evtID),
		Sender:    id.UserID(sender),
		Type:      event.EventMessage,
		Timestamp: ts,
		Content: event.Content{
			Parsed: &event.MessageEventContent{MsgType: event.MsgText, Body: body},
		},
	}
}

func makeMember(evtID, target string, membership event.Membership, ts int64) *event.Event {
	stateKey := target
	return &event.Event{
		ID:        id.EventID(evtID),
		Sender:    id.UserID(target),
		Type:      event.StateMember,
		StateKey:  &stateKey,
		Timestamp: ts,
		Content: event.Content{
			Parsed: &event.MemberEventContent{Membership: membership},
		},
	}
}

func makeEncrypted(evtID, sender, sessionID string, ts int64) *event.Event {
	return &event.Event{
		ID:        id.EventID(evtID),
		Sender:    id.UserID(sender),
		Type:      event.EventEncrypted,
		Timestamp: ts,
		Content: event.Content{
			Raw: map[string]any{
				"algorithm":  "m.megolm.v1.aes-sha2",
				"session_id": sessionID,
				"ciphertext": "opaque",
			},
		},
	}
}

func joinUpdate(events ...*event.Event) JoinedRoomUpdate {
	return JoinedRoomUpdate{Timeline: TimelineChunk{Events: events}}
}
