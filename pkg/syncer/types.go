package syncer

import (
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// SyncResponse is the subset of a /sync response that the engine consumes.
// The RPC layer decodes the raw response directly into this struct so that
// device_unused_fallback_key_types is available alongside the OTK counts.
// The count field is a pointer: a server reporting an exhausted pool sends
// an explicit zero, which must stay distinguishable from the field being
// absent.
type SyncResponse struct {
	NextBatch                string            `json:"next_batch"`
	DeviceOTKCount           *mautrix.OTKCount `json:"device_one_time_keys_count"`
	DeviceUnusedFallbackKeys []id.KeyAlgorithm `json:"device_unused_fallback_key_types"`
	Rooms                    SyncRooms         `json:"rooms"`
}

// HasOTKCounts reports whether the server included key count information in
// this response. A present-but-zero count means the pool is fully exhausted
// and must trigger replenishment; only a missing field is skipped.
func (r *SyncResponse) HasOTKCounts() bool {
	return r.DeviceOTKCount != nil || len(r.DeviceUnusedFallbackKeys) > 0
}

// UploadKeysRequest is the /keys/upload payload. Defined here rather than
// reusing the stock request type because that type has no fallback_keys
// field; the RPC layer posts this struct raw.
type UploadKeysRequest struct {
	OneTimeKeys  map[id.KeyID]mautrix.OneTimeKey `json:"one_time_keys,omitempty"`
	FallbackKeys map[id.KeyID]mautrix.OneTimeKey `json:"fallback_keys,omitempty"`
}

type SyncRooms struct {
	Join   map[id.RoomID]JoinedRoomUpdate  `json:"join,omitempty"`
	Invite map[id.RoomID]InvitedRoomUpdate `json:"invite,omitempty"`
	Leave  map[id.RoomID]LeftRoomUpdate    `json:"leave,omitempty"`
}

// Empty reports whether the batch carries no room changes at all.
func (r *SyncRooms) Empty() bool {
	return len(r.Join) == 0 && len(r.Invite) == 0 && len(r.Leave) == 0
}

type JoinedRoomUpdate struct {
	State               EventChunk    `json:"state"`
	Timeline            TimelineChunk `json:"timeline"`
	UnreadNotifications UnreadCounts  `json:"unread_notifications"`
}

type InvitedRoomUpdate struct {
	InviteState EventChunk `json:"invite_state"`
}

type LeftRoomUpdate struct {
	State    EventChunk    `json:"state"`
	Timeline TimelineChunk `json:"timeline"`
}

type EventChunk struct {
	Events []*event.Event `json:"events"`
}

type TimelineChunk struct {
	Events    []*event.Event `json:"events"`
	Limited   bool           `json:"limited"`
	PrevBatch string         `json:"prev_batch"`
}

type UnreadCounts struct {
	HighlightCount    int `json:"highlight_count"`
	NotificationCount int `json:"notification_count"`
}
