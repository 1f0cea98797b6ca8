// Package matrixrpc implements the syncer.Client contract on top of the
// mautrix HTTP client.
package matrixrpc

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nettle-im/nettle/pkg/syncer"
)

// HTTPClient is a thin authenticated wrapper around mautrix.Client. It
// exists so the engine can be tested against fakes and so the sync request
// can be decoded into the engine's own response type (the stock helper
// drops device_unused_fallback_key_types).
type HTTPClient struct {
	mau *mautrix.Client

	mu    sync.Mutex
	token string
}

func NewHTTPClient(homeserverURL string, log zerolog.Logger) (*HTTPClient, error) {
	cli, err := mautrix.NewClient(homeserverURL, "", "")
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client for %s: %w", homeserverURL, err)
	}
	cli.Log = log.With().Str("component", "matrixrpc").Logger()
	return &HTTPClient{mau: cli}, nil
}

func (c *HTTPClient) SetCredentials(userID id.UserID, accessToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = accessToken
	c.mau.UserID = userID
	c.mau.AccessToken = accessToken
}

func (c *HTTPClient) HasCredentials() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != ""
}

func (c *HTTPClient) Sync(ctx context.Context, since string, timeout time.Duration, presence string) (*syncer.SyncResponse, error) {
	query := map[string]string{
		"timeout": strconv.FormatInt(timeout.Milliseconds(), 10),
	}
	if since != "" {
		query["since"] = since
	}
	if presence != "" {
		query["set_presence"] = presence
	}
	url := c.mau.BuildURLWithQuery(mautrix.ClientURLPath{"v3", "sync"}, query)
	var resp syncer.SyncResponse
	if _, err := c.mau.MakeRequest(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadKeys posts the raw payload instead of going through the stock
// helper, whose request type cannot carry fallback keys.
func (c *HTTPClient) UploadKeys(ctx context.Context, req *syncer.UploadKeysRequest) (*mautrix.RespUploadKeys, error) {
	url := c.mau.BuildClientURL("v3", "keys", "upload")
	var resp mautrix.RespUploadKeys
	if _, err := c.mau.MakeRequest(ctx, http.MethodPost, url, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) ClaimKeys(ctx context.Context, req *mautrix.ReqClaimKeys) (*mautrix.RespClaimKeys, error) {
	return c.mau.ClaimKeys(ctx, req)
}

func (c *HTTPClient) Versions(ctx context.Context) error {
	_, err := c.mau.Versions(ctx)
	return err
}

func (c *HTTPClient) SendMessageEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, txnID string, content any) (id.EventID, error) {
	resp, err := c.mau.SendMessageEvent(ctx, roomID, evtType, content, mautrix.ReqSendEvent{TransactionID: txnID})
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

var _ syncer.Client = (*HTTPClient)(nil)
