// Package syncstore persists the sync engine's durable state (cursor, room
// timelines, pending messages, key lifecycle flags) in a sqlite database.
package syncstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nettle-im/nettle/pkg/syncer"
)

// schemaVersion is bumped whenever the schema changes. Opening a store with
// a higher persisted version fails permanently: state written by a newer
// build must not be touched by an older one.
const schemaVersion = 2

// compactRetainEvents is how many of the newest events per room survive
// compaction. Matches the last-message scan cap so compaction can never
// drop an event the preview logic might still want.
const compactRetainEvents = 1000

const (
	stateKeyCursor           = "cursor"
	stateKeyKeysPublished    = "keys_published"
	stateKeyFallbackDeadline = "fallback_deadline_ms"
	stateKeySchemaVersion    = "_schema_version"
)

// SQLStore implements syncer.Store on a per-account slice of a sqlite
// database.
type SQLStore struct {
	path      string
	accountID string
	log       zerolog.Logger
	db        *dbutil.Database
}

func NewSQLStore(path string, accountID id.UserID, log zerolog.Logger) *SQLStore {
	return &SQLStore{
		path:      path,
		accountID: accountID.String(),
		log:       log.With().Str("component", "syncstore").Logger(),
	}
}

func (s *SQLStore) Open(ctx context.Context) (bool, error) {
	db, err := dbutil.NewWithDialect(s.path, "sqlite3")
	if err != nil {
		return false, fmt.Errorf("failed to open store at %s: %w", s.path, err)
	}
	db.Log = dbutil.ZeroLogger(s.log)
	s.db = db

	if err := s.ensureSchema(ctx); err != nil {
		return false, err
	}

	version, hasVersion, err := s.loadSchemaVersion(ctx)
	if err != nil {
		return false, err
	}
	created := false
	if !hasVersion {
		var roomCount int
		_ = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM room WHERE account_id=$1`, s.accountID).Scan(&roomCount)
		if roomCount == 0 {
			created = true
			version = schemaVersion
		} else {
			// Pre-versioning store from the first release.
			version = 1
		}
	}
	switch {
	case version > schemaVersion:
		return false, fmt.Errorf("%w: store has schema %d, this build understands %d",
			syncer.ErrCacheFromFuture, version, schemaVersion)
	case version < schemaVersion:
		s.log.Info().Int("from", version).Int("to", schemaVersion).Msg("Migrating store schema")
		if err := s.migrate(ctx, version); err != nil {
			return false, fmt.Errorf("store migration from %d failed: %w", version, err)
		}
	}
	if err := s.setStateValue(ctx, stateKeySchemaVersion, strconv.Itoa(schemaVersion)); err != nil {
		return false, err
	}
	if created {
		s.log.Info().Str("account_id", s.accountID).Msg("Created fresh store")
	}
	return created, nil
}

func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sync_state (
			account_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT,
			updated_ts BIGINT NOT NULL,
			PRIMARY KEY (account_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS room (
			account_id TEXT NOT NULL,
			room_id TEXT NOT NULL,
			membership TEXT NOT NULL DEFAULT 'join',
			encrypted BOOLEAN NOT NULL DEFAULT FALSE,
			unread_count INTEGER NOT NULL DEFAULT 0,
			highlight_count INTEGER NOT NULL DEFAULT 0,
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL,
			PRIMARY KEY (account_id, room_id)
		)`,
		`CREATE TABLE IF NOT EXISTS room_event (
			account_id TEXT NOT NULL,
			room_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			event_json BLOB NOT NULL,
			ts BIGINT NOT NULL,
			created_ts BIGINT NOT NULL,
			PRIMARY KEY (account_id, event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS pending_message (
			account_id TEXT NOT NULL,
			room_id TEXT NOT NULL,
			txn_id TEXT NOT NULL,
			content_json BLOB NOT NULL,
			encrypted_json BLOB,
			queued_ts BIGINT NOT NULL,
			PRIMARY KEY (account_id, txn_id)
		)`,
		`CREATE INDEX IF NOT EXISTS room_event_room_idx
			ON room_event (account_id, room_id, ts)`,
		`CREATE INDEX IF NOT EXISTS pending_message_room_idx
			ON pending_message (account_id, room_id)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure store schema: %w", err)
		}
	}
	return nil
}

// migrate upgrades an older on-disk schema in place.
func (s *SQLStore) migrate(ctx context.Context, from int) error {
	if from < 2 {
		// v1 rooms had no encryption flag (SQLite has no IF NOT EXISTS on
		// ALTER, so probe pragma_table_info first).
		var hasEncrypted int
		_ = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM pragma_table_info('room') WHERE name='encrypted'`).Scan(&hasEncrypted)
		if hasEncrypted == 0 {
			if _, err := s.db.Exec(ctx, `ALTER TABLE room ADD COLUMN encrypted BOOLEAN NOT NULL DEFAULT FALSE`); err != nil {
				return fmt.Errorf("failed to add encrypted column: %w", err)
			}
		}
	}
	return nil
}

func (s *SQLStore) loadSchemaVersion(ctx context.Context) (int, bool, error) {
	value, err := s.stateValue(ctx, stateKeySchemaVersion)
	if err != nil {
		return 0, false, err
	}
	if value == "" {
		return 0, false, nil
	}
	version, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("%w: schema version %q", syncer.ErrStoreCorrupt, value)
	}
	return version, true, nil
}

func (s *SQLStore) stateValue(ctx context.Context, key string) (string, error) {
	var value sql.NullString
	err := s.db.QueryRow(ctx,
		`SELECT value FROM sync_state WHERE account_id=$1 AND key=$2`,
		s.accountID, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value.String, nil
}

func (s *SQLStore) setStateValue(ctx context.Context, key, value string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sync_state (account_id, key, value, updated_ts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, key) DO UPDATE SET
			value=excluded.value,
			updated_ts=excluded.updated_ts
	`, s.accountID, key, value, time.Now().UnixMilli())
	return wrapFullError(err)
}

func (s *SQLStore) LoadCursor(ctx context.Context) (string, error) {
	cursor, err := s.stateValue(ctx, stateKeyCursor)
	if err != nil {
		return "", err
	}
	if cursor == "" {
		return "", syncer.ErrNoCursor
	}
	return cursor, nil
}

func (s *SQLStore) SaveCursor(ctx context.Context, cursor string) error {
	return s.setStateValue(ctx, stateKeyCursor, cursor)
}

func (s *SQLStore) SaveRoom(ctx context.Context, room *syncer.StoredRoom) error {
	nowMS := time.Now().UnixMilli()
	_, err := s.db.Exec(ctx, `
		INSERT INTO room (account_id, room_id, membership, encrypted, unread_count, highlight_count, created_ts, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (account_id, room_id) DO UPDATE SET
			membership=excluded.membership,
			encrypted=excluded.encrypted,
			unread_count=excluded.unread_count,
			highlight_count=excluded.highlight_count,
			updated_ts=excluded.updated_ts
	`, s.accountID, room.ID.String(), string(room.Membership), room.Encrypted,
		room.UnreadCount, room.HighlightCount, nowMS)
	return wrapFullError(err)
}

func (s *SQLStore) AppendEvents(ctx context.Context, roomID id.RoomID, events []*event.Event) error {
	nowMS := time.Now().UnixMilli()
	for _, evt := range events {
		if evt == nil || evt.ID == "" {
			continue
		}
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("failed to serialize event %s: %w", evt.ID, err)
		}
		_, err = s.db.Exec(ctx, `
			INSERT OR IGNORE INTO room_event (account_id, room_id, event_id, event_json, ts, created_ts)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, s.accountID, roomID.String(), evt.ID.String(), payload, evt.Timestamp, nowMS)
		if err != nil {
			return wrapFullError(err)
		}
	}
	return nil
}

func (s *SQLStore) DeleteRoom(ctx context.Context, roomID id.RoomID) error {
	queries := []string{
		`DELETE FROM room_event WHERE account_id=$1 AND room_id=$2`,
		`DELETE FROM pending_message WHERE account_id=$1 AND room_id=$2`,
		`DELETE FROM room WHERE account_id=$1 AND room_id=$2`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query, s.accountID, roomID.String()); err != nil {
			return wrapFullError(err)
		}
	}
	return nil
}

func (s *SQLStore) LoadRooms(ctx context.Context) ([]*syncer.StoredRoom, error) {
	rows, err := s.db.Query(ctx, `
		SELECT room_id, membership, encrypted, unread_count, highlight_count
		FROM room WHERE account_id=$1
	`, s.accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []*syncer.StoredRoom
	for rows.Next() {
		room := &syncer.StoredRoom{}
		var roomID, membership string
		if err := rows.Scan(&roomID, &membership, &room.Encrypted, &room.UnreadCount, &room.HighlightCount); err != nil {
			return nil, err
		}
		room.ID = id.RoomID(roomID)
		room.Membership = event.Membership(membership)
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, room := range rooms {
		if room.Events, err = s.loadRoomEvents(ctx, room.ID); err != nil {
			return nil, err
		}
		if room.Pending, err = s.loadRoomPending(ctx, room.ID); err != nil {
			return nil, err
		}
	}
	return rooms, nil
}

func (s *SQLStore) loadRoomEvents(ctx context.Context, roomID id.RoomID) ([]*event.Event, error) {
	// rowid order is insertion order, which is the server-delivered order.
	rows, err := s.db.Query(ctx, `
		SELECT event_json FROM room_event
		WHERE account_id=$1 AND room_id=$2
		ORDER BY rowid ASC
	`, s.accountID, roomID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var evt event.Event
		if err := json.Unmarshal(payload, &evt); err != nil {
			return nil, fmt.Errorf("%w: event in %s: %v", syncer.ErrStoreCorrupt, roomID, err)
		}
		events = append(events, &evt)
	}
	return events, rows.Err()
}

func (s *SQLStore) loadRoomPending(ctx context.Context, roomID id.RoomID) ([]*syncer.PendingMessage, error) {
	rows, err := s.db.Query(ctx, `
		SELECT txn_id, content_json, encrypted_json, queued_ts FROM pending_message
		WHERE account_id=$1 AND room_id=$2
		ORDER BY queued_ts ASC
	`, s.accountID, roomID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []*syncer.PendingMessage
	for rows.Next() {
		msg := &syncer.PendingMessage{RoomID: roomID}
		var contentJSON []byte
		var encryptedJSON []byte
		var queuedMS int64
		if err := rows.Scan(&msg.TxnID, &contentJSON, &encryptedJSON, &queuedMS); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(contentJSON, &msg.Content); err != nil {
			return nil, fmt.Errorf("%w: pending message %s: %v", syncer.ErrStoreCorrupt, msg.TxnID, err)
		}
		msg.Encrypted = encryptedJSON
		msg.Sender = id.UserID(s.accountID)
		msg.QueuedAt = time.UnixMilli(queuedMS)
		pending = append(pending, msg)
	}
	return pending, rows.Err()
}

func (s *SQLStore) SavePending(ctx context.Context, msg *syncer.PendingMessage) error {
	contentJSON, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("failed to serialize pending message %s: %w", msg.TxnID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO pending_message (account_id, room_id, txn_id, content_json, encrypted_json, queued_ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, txn_id) DO UPDATE SET
			content_json=excluded.content_json,
			encrypted_json=excluded.encrypted_json,
			queued_ts=excluded.queued_ts
	`, s.accountID, msg.RoomID.String(), msg.TxnID, contentJSON, []byte(msg.Encrypted), msg.QueuedAt.UnixMilli())
	return wrapFullError(err)
}

func (s *SQLStore) DeletePending(ctx context.Context, roomID id.RoomID, txnID string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM pending_message WHERE account_id=$1 AND room_id=$2 AND txn_id=$3`,
		s.accountID, roomID.String(), txnID)
	return wrapFullError(err)
}

func (s *SQLStore) KeysPublished(ctx context.Context) (bool, error) {
	value, err := s.stateValue(ctx, stateKeyKeysPublished)
	if err != nil {
		return false, err
	}
	return value == "1", nil
}

func (s *SQLStore) SetKeysPublished(ctx context.Context, published bool) error {
	value := "0"
	if published {
		value = "1"
	}
	return s.setStateValue(ctx, stateKeyKeysPublished, value)
}

func (s *SQLStore) FallbackDeadline(ctx context.Context) (time.Time, error) {
	value, err := s.stateValue(ctx, stateKeyFallbackDeadline)
	if err != nil || value == "" {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: fallback deadline %q", syncer.ErrStoreCorrupt, value)
	}
	if ms == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}

func (s *SQLStore) SetFallbackDeadline(ctx context.Context, deadline time.Time) error {
	ms := int64(0)
	if !deadline.IsZero() {
		ms = deadline.UnixMilli()
	}
	return s.setStateValue(ctx, stateKeyFallbackDeadline, strconv.FormatInt(ms, 10))
}

// Compact drops everything past the retention horizon: per room, only the
// newest compactRetainEvents events survive.
func (s *SQLStore) Compact(ctx context.Context) error {
	result, err := s.db.Exec(ctx, `
		DELETE FROM room_event
		WHERE account_id=$1 AND rowid NOT IN (
			SELECT re.rowid FROM room_event re
			WHERE re.account_id=$1 AND re.room_id=room_event.room_id
			ORDER BY re.rowid DESC LIMIT $2
		)
	`, s.accountID, compactRetainEvents)
	if err != nil {
		return fmt.Errorf("failed to compact event log: %w", err)
	}
	if dropped, err := result.RowsAffected(); err == nil && dropped > 0 {
		s.log.Info().Int64("dropped", dropped).Msg("Compacted room event log")
	}
	return nil
}

// wrapFullError maps SQLITE_FULL onto the engine's distinguished store-full
// condition so it can compact and retry instead of treating the write as a
// generic failure.
func wrapFullError(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrFull {
		return fmt.Errorf("%w: %v", syncer.ErrStoreFull, err)
	}
	return err
}

var _ syncer.Store = (*SQLStore)(nil)
