package syncer

import (
	"context"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Client is the homeserver RPC surface the engine depends on. The real
// implementation lives in pkg/matrixrpc; tests substitute fakes.
type Client interface {
	// SetCredentials configures the access token used for all subsequent
	// requests. Called once during Bootstrap and again on token refresh.
	SetCredentials(userID id.UserID, accessToken string)
	// HasCredentials reports whether an access token is configured. The
	// connectivity monitor only probes while this is true.
	HasCredentials() bool

	// Sync performs one /sync long poll. An empty since means an initial
	// sync from the start of the account's stream. timeout is the
	// server-side wait; zero asks the server to respond immediately.
	Sync(ctx context.Context, since string, timeout time.Duration, presence string) (*SyncResponse, error)

	// UploadKeys publishes one-time and fallback pre-keys. The request is
	// the engine's own type so fallback keys ride along.
	UploadKeys(ctx context.Context, req *UploadKeysRequest) (*mautrix.RespUploadKeys, error)
	ClaimKeys(ctx context.Context, req *mautrix.ReqClaimKeys) (*mautrix.RespClaimKeys, error)

	// Versions is the cheap reachability probe used by the connectivity
	// monitor. Only the error matters.
	Versions(ctx context.Context) error

	// SendMessageEvent sends a room event with a client-generated
	// transaction id, so the server's sync echo can be matched back to the
	// pending entry that produced it.
	SendMessageEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, txnID string, content any) (id.EventID, error)
}
