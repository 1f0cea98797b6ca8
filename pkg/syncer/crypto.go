package syncer

import (
	"context"
	"encoding/json"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// SessionCrypto is the opaque end-to-end encryption module. The engine
// drives its key lifecycle and hands it events to decrypt, but never looks
// inside the ratchet.
type SessionCrypto interface {
	// CreateIdentity establishes a brand-new device identity. Called once
	// when Bootstrap finds a freshly created store.
	CreateIdentity(ctx context.Context) error

	// GenerateOneTimeKeys produces n new signed one-time keys, keyed by
	// their upload key id. The keys stay unpublished until
	// MarkKeysPublished is called.
	GenerateOneTimeKeys(n int) (map[id.KeyID]mautrix.OneTimeKey, error)

	// GenerateFallbackKey produces a new fallback key, replacing the
	// current one. The previous fallback key remains usable until
	// ForgetOldFallbackKey.
	GenerateFallbackKey() (id.KeyID, mautrix.OneTimeKey, error)

	// ForgetOldFallbackKey drops the previous fallback key. Invoked by the
	// rotation timer five minutes after a new fallback key was uploaded.
	ForgetOldFallbackKey()

	// MarkKeysPublished flags all generated keys as uploaded so they are
	// never regenerated, even if the upload response reported an error.
	MarkKeysPublished()

	// EncryptGroupMessage wraps plaintext content into an m.room.encrypted
	// payload using the room's outbound group session.
	EncryptGroupMessage(roomID id.RoomID, content *event.MessageEventContent) (json.RawMessage, error)

	// DecryptEvent decrypts an m.room.encrypted event. sessionIndex is the
	// next expected ratchet index for the event's inbound session.
	DecryptEvent(sessionIndex uint, evt *event.Event) (*event.Event, error)
}
