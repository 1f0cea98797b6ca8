package syncer

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// OneTimeKeyWatermark is the target minimum count of unused one-time keys
// held server-side for the primary algorithm.
const OneTimeKeyWatermark = 50

// fallbackForgetDelay is the grace window between uploading a new fallback
// key and forgetting the previous one, so messages encrypted against the
// old key while the upload was in flight can still be decrypted.
const fallbackForgetDelay = 5 * time.Minute

// keyAlgorithm is the primary pre-key algorithm.
const keyAlgorithm = id.KeyAlgorithmSignedCurve25519

// KeyManager generates, uploads, counts and prunes one-time and fallback
// pre-keys. The engine drives it before the first sync and after every
// incremental batch that carries key counts.
type KeyManager struct {
	client   Client
	store    Store
	crypto   SessionCrypto
	userID   id.UserID
	deviceID id.DeviceID
	log      zerolog.Logger

	// forgetDelay is fallbackForgetDelay unless shortened by tests.
	forgetDelay time.Duration

	rotationMu    sync.Mutex
	rotationTimer *time.Timer
}

func NewKeyManager(client Client, store Store, crypto SessionCrypto, userID id.UserID, deviceID id.DeviceID, log zerolog.Logger) *KeyManager {
	return &KeyManager{
		client:      client,
		store:       store,
		crypto:      crypto,
		userID:      userID,
		deviceID:    deviceID,
		log:         log.With().Str("component", "keys").Logger(),
		forgetDelay: fallbackForgetDelay,
	}
}

// EnsureOneTimeKeys tops the server-side one-time key pool back up to the
// watermark and keeps exactly one unused fallback key marked server-side.
// A nil counts means the server did not report a pool size; the top-up is
// skipped then and only the fallback key is considered. An explicit zero
// count is full exhaustion and generates the entire watermark.
//
// Keys are marked published locally on any upload outcome except an
// outright transport failure. Re-generating keys the server may already
// hold would loop forever; losing a few keys the server never received is
// the accepted cost (the fallback key covers the gap).
func (km *KeyManager) EnsureOneTimeKeys(ctx context.Context, counts *mautrix.OTKCount, unusedFallback []id.KeyAlgorithm) error {
	count := 0
	haveCount := counts != nil
	if haveCount {
		count = counts.SignedCurve25519
	}

	if haveCount && count > 2*OneTimeKeyWatermark {
		// Runaway generation guard: claim one of our own keys back so the
		// server-side pool shrinks instead of growing without bound.
		return km.claimSurplusKey(ctx, count)
	}

	req := &UploadKeysRequest{}
	if haveCount && count < OneTimeKeyWatermark {
		need := OneTimeKeyWatermark - count
		otks, err := km.crypto.GenerateOneTimeKeys(need)
		if err != nil {
			return fmt.Errorf("failed to generate one-time keys: %w", err)
		}
		req.OneTimeKeys = otks
	}

	fallbackGenerated := false
	if !slices.Contains(unusedFallback, keyAlgorithm) {
		fbID, fbKey, err := km.crypto.GenerateFallbackKey()
		if err != nil {
			if len(req.OneTimeKeys) == 0 {
				return fmt.Errorf("failed to generate fallback key: %w", err)
			}
			km.log.Warn().Err(err).Msg("Failed to generate fallback key, uploading one-time keys only")
		} else {
			req.FallbackKeys = map[id.KeyID]mautrix.OneTimeKey{fbID: fbKey}
			fallbackGenerated = true
		}
	}

	if len(req.OneTimeKeys) == 0 && len(req.FallbackKeys) == 0 {
		return nil
	}

	resp, err := km.client.UploadKeys(ctx, req)
	if err != nil && ClassifyRPCError(err) != ErrClassProtocol && ClassifyRPCError(err) != ErrClassAuth {
		// Transport never delivered the request; the keys stay unpublished
		// and the next cycle retries with the same material.
		return fmt.Errorf("key upload failed: %w", err)
	}

	// The server at least saw the request. Mark everything published so we
	// never regenerate these keys, even if the response was an error.
	km.crypto.MarkKeysPublished()
	if serr := km.store.SetKeysPublished(ctx, true); serr != nil {
		km.log.Warn().Err(serr).Msg("Failed to persist key publication flag")
	}
	if err != nil {
		return fmt.Errorf("key upload rejected: %w", err)
	}

	if fallbackGenerated {
		km.armFallbackRotation(ctx, time.Now().Add(km.forgetDelay))
	}
	km.log.Info().
		Int("uploaded", len(req.OneTimeKeys)).
		Bool("fallback", fallbackGenerated).
		Int("server_count", resp.OneTimeKeyCounts.SignedCurve25519).
		Msg("Uploaded pre-keys")
	return nil
}

// UploadInitialKeys publishes pre-keys once at bootstrap. A 404 means the
// server does not support key upload and is success-with-no-op.
func (km *KeyManager) UploadInitialKeys(ctx context.Context) error {
	err := km.EnsureOneTimeKeys(ctx, &mautrix.OTKCount{}, nil)
	if err != nil && isNotFound(err) {
		km.log.Info().Msg("Server does not support key upload, skipping")
		return nil
	}
	return err
}

// claimSurplusKey trims the server-side pool by claiming (and discarding)
// one of our own keys.
func (km *KeyManager) claimSurplusKey(ctx context.Context, count int) error {
	km.log.Warn().Int("count", count).Msg("One-time key count exceeds twice the watermark, claiming one to trim")
	req := &mautrix.ReqClaimKeys{
		OneTimeKeys: map[id.UserID]map[id.DeviceID]id.KeyAlgorithm{
			km.userID: {km.deviceID: keyAlgorithm},
		},
	}
	if _, err := km.client.ClaimKeys(ctx, req); err != nil {
		return fmt.Errorf("failed to claim surplus key: %w", err)
	}
	return nil
}

// armFallbackRotation schedules forgetting the previous fallback key. At
// most one rotation timer is outstanding at a time; re-arming replaces the
// existing deadline.
func (km *KeyManager) armFallbackRotation(ctx context.Context, deadline time.Time) {
	km.rotationMu.Lock()
	if km.rotationTimer != nil {
		km.rotationTimer.Stop()
	}
	km.rotationTimer = time.AfterFunc(time.Until(deadline), km.rotateFallback)
	km.rotationMu.Unlock()
	if err := km.store.SetFallbackDeadline(ctx, deadline); err != nil {
		km.log.Warn().Err(err).Msg("Failed to persist fallback rotation deadline")
	}
}

func (km *KeyManager) rotateFallback() {
	km.crypto.ForgetOldFallbackKey()
	if err := km.store.SetFallbackDeadline(context.Background(), time.Time{}); err != nil {
		km.log.Warn().Err(err).Msg("Failed to clear fallback rotation deadline")
	}
	km.log.Info().Msg("Forgot previous fallback key")
}

// RestoreRotationDeadline re-arms a rotation deadline persisted before a
// restart. A deadline already in the past fires immediately.
func (km *KeyManager) RestoreRotationDeadline(ctx context.Context) {
	deadline, err := km.store.FallbackDeadline(ctx)
	if err != nil {
		km.log.Warn().Err(err).Msg("Failed to load fallback rotation deadline")
		return
	}
	if deadline.IsZero() {
		return
	}
	if !deadline.After(time.Now()) {
		km.rotateFallback()
		return
	}
	km.rotationMu.Lock()
	if km.rotationTimer != nil {
		km.rotationTimer.Stop()
	}
	km.rotationTimer = time.AfterFunc(time.Until(deadline), km.rotateFallback)
	km.rotationMu.Unlock()
	km.log.Info().Time("deadline", deadline).Msg("Restored fallback rotation deadline")
}

// Stop disarms the rotation timer. Called on logout.
func (km *KeyManager) Stop() {
	km.rotationMu.Lock()
	defer km.rotationMu.Unlock()
	if km.rotationTimer != nil {
		km.rotationTimer.Stop()
		km.rotationTimer = nil
	}
}
