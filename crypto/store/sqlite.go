// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix/id"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/weft-im/weft/lib/codec"
	"github.com/weft-im/weft/lib/sqlitepool"
)

// schema is the complete crypto store schema. It is applied with
// CREATE TABLE IF NOT EXISTS on every connection, so opening an
// existing store is a no-op and a fresh file gets the full layout.
const schema = `
CREATE TABLE IF NOT EXISTS account (
    one               INTEGER PRIMARY KEY CHECK (one = 1),
    pickle            BLOB    NOT NULL,
    server_otk_count  INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS device (
    user_id       TEXT NOT NULL,
    device_id     TEXT NOT NULL,
    identity_key  TEXT NOT NULL,
    signing_key   TEXT NOT NULL,
    display_name  TEXT NOT NULL DEFAULT '',
    trust         INTEGER NOT NULL DEFAULT 0,
    deleted       INTEGER NOT NULL DEFAULT 0,
    first_seen    INTEGER NOT NULL,
    PRIMARY KEY (user_id, device_id)
);

CREATE TABLE IF NOT EXISTS cross_signing_key (
    user_id  TEXT NOT NULL,
    usage    TEXT NOT NULL,
    key      TEXT NOT NULL,
    PRIMARY KEY (user_id, usage)
);

CREATE TABLE IF NOT EXISTS key_signature (
    signer_user  TEXT NOT NULL,
    signer_key   TEXT NOT NULL,
    target_user  TEXT NOT NULL,
    target_key   TEXT NOT NULL,
    signature    TEXT NOT NULL,
    PRIMARY KEY (signer_user, signer_key, target_user, target_key)
);

CREATE TABLE IF NOT EXISTS pairwise_session (
    sender_key  TEXT NOT NULL,
    session_id  TEXT NOT NULL,
    pickle      BLOB NOT NULL,
    created_at  INTEGER NOT NULL,
    last_used   INTEGER NOT NULL,
    PRIMARY KEY (sender_key, session_id)
);

CREATE TABLE IF NOT EXISTS message_hash (
    hash      BLOB PRIMARY KEY,
    event_id  TEXT NOT NULL DEFAULT '',
    seen_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS outbound_group_session (
    room_id         TEXT PRIMARY KEY,
    session_id      TEXT NOT NULL,
    pickle          BLOB NOT NULL,
    created_at      INTEGER NOT NULL,
    message_count   INTEGER NOT NULL DEFAULT 0,
    shared_with     BLOB,
    rotate_pending  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS inbound_group_session (
    room_id           TEXT NOT NULL,
    sender_key        TEXT NOT NULL,
    session_id        TEXT NOT NULL,
    pickle            BLOB NOT NULL,
    first_known_index INTEGER NOT NULL,
    floor             INTEGER NOT NULL,
    forwarded         INTEGER NOT NULL DEFAULT 0,
    created_at        INTEGER NOT NULL,
    PRIMARY KEY (room_id, sender_key, session_id)
);

CREATE TABLE IF NOT EXISTS key_request (
    request_id        TEXT NOT NULL,
    room_id           TEXT NOT NULL,
    session_id        TEXT NOT NULL,
    sender_key        TEXT NOT NULL,
    requester_user    TEXT NOT NULL,
    requester_device  TEXT NOT NULL,
    outgoing          INTEGER NOT NULL,
    state             TEXT NOT NULL,
    created_at        INTEGER NOT NULL,
    PRIMARY KEY (room_id, session_id, requester_user, requester_device, outgoing)
);

CREATE TABLE IF NOT EXISTS queued_event (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    room_id     TEXT NOT NULL,
    sender_key  TEXT NOT NULL,
    session_id  TEXT NOT NULL,
    event_id    TEXT NOT NULL DEFAULT '',
    envelope    BLOB NOT NULL,
    arrived_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS queued_event_session
    ON queued_event (room_id, sender_key, session_id, id);
`

// SQLite is the production Store, one database file per local device.
// Every Put is a single-row write inside SQLite's implicit
// transaction, which is the commit point for "advance ratchet +
// persist" (the pool runs synchronous=FULL, see lib/sqlitepool).
type SQLite struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

var _ Store = (*SQLite)(nil)

// SQLiteConfig holds the parameters for opening a SQLite crypto store.
type SQLiteConfig struct {
	// Path is the database file path. The parent directory must
	// exist. ":memory:" is supported for tests.
	Path string

	// PoolSize is the connection pool size. Defaults to 4.
	PoolSize int

	// Logger receives operational messages. Nil means no logging.
	Logger *slog.Logger
}

// OpenSQLite opens (creating if needed) a SQLite crypto store.
func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	if cfg.Path == ":memory:" {
		// Each in-memory connection is a separate database; the pool
		// must not hand out more than one.
		poolSize = 1
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("crypto store: %w", err)
	}
	return &SQLite{pool: pool, logger: logger}, nil
}

// Close closes the underlying pool.
func (s *SQLite) Close() error {
	return s.pool.Close()
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

func (s *SQLite) GetAccount(ctx context.Context) (*Account, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var account *Account
	err = sqlitex.Execute(conn, "SELECT pickle, server_otk_count, updated_at FROM account WHERE one = 1", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			account = &Account{
				Pickle:         columnBlob(stmt, 0),
				ServerOTKCount: int(stmt.ColumnInt64(1)),
				UpdatedAt:      fromMillis(stmt.ColumnInt64(2)),
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("crypto store: get account: %w", err)
	}
	return account, nil
}

func (s *SQLite) PutAccount(ctx context.Context, account *Account) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO account (one, pickle, server_otk_count, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT (one) DO UPDATE SET pickle = excluded.pickle,
			server_otk_count = excluded.server_otk_count, updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{account.Pickle, account.ServerOTKCount, millis(account.UpdatedAt)},
		})
	if err != nil {
		return fmt.Errorf("crypto store: put account: %w", err)
	}
	return nil
}

func deviceFromRow(stmt *sqlite.Stmt) *Device {
	return &Device{
		UserID:      id.UserID(stmt.ColumnText(0)),
		DeviceID:    id.DeviceID(stmt.ColumnText(1)),
		IdentityKey: id.Curve25519(stmt.ColumnText(2)),
		SigningKey:  id.Ed25519(stmt.ColumnText(3)),
		DisplayName: stmt.ColumnText(4),
		Trust:       TrustState(stmt.ColumnInt64(5)),
		Deleted:     stmt.ColumnInt64(6) != 0,
		FirstSeen:   fromMillis(stmt.ColumnInt64(7)),
	}
}

const deviceColumns = "user_id, device_id, identity_key, signing_key, display_name, trust, deleted, first_seen"

func (s *SQLite) GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*Device, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var device *Device
	err = sqlitex.Execute(conn, "SELECT "+deviceColumns+" FROM device WHERE user_id = ? AND device_id = ?", &sqlitex.ExecOptions{
		Args: []any{string(userID), string(deviceID)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			device = deviceFromRow(stmt)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("crypto store: get device: %w", err)
	}
	return device, nil
}

func (s *SQLite) GetUserDevices(ctx context.Context, userID id.UserID) ([]*Device, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var devices []*Device
	err = sqlitex.Execute(conn, "SELECT "+deviceColumns+" FROM device WHERE user_id = ? ORDER BY device_id", &sqlitex.ExecOptions{
		Args: []any{string(userID)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			devices = append(devices, deviceFromRow(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("crypto store: get user devices: %w", err)
	}
	return devices, nil
}

func (s *SQLite) PutDevice(ctx context.Context, device *Device) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO device (user_id, device_id, identity_key, signing_key, display_name, trust, deleted, first_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, device_id) DO UPDATE SET
			identity_key = excluded.identity_key, signing_key = excluded.signing_key,
			display_name = excluded.display_name, trust = excluded.trust,
			deleted = excluded.deleted, first_seen = excluded.first_seen`,
		&sqlitex.ExecOptions{
			Args: []any{
				string(device.UserID), string(device.DeviceID),
				string(device.IdentityKey), string(device.SigningKey),
				device.DisplayName, int64(device.Trust), boolInt(device.Deleted),
				millis(device.FirstSeen),
			},
		})
	if err != nil {
		return fmt.Errorf("crypto store: put device: %w", err)
	}
	return nil
}

func (s *SQLite) GetCrossSigningKeys(ctx context.Context, userID id.UserID) (map[string]CrossSigningKey, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	keys := make(map[string]CrossSigningKey)
	err = sqlitex.Execute(conn, "SELECT usage, key FROM cross_signing_key WHERE user_id = ?", &sqlitex.ExecOptions{
		Args: []any{string(userID)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			usage := stmt.ColumnText(0)
			keys[usage] = CrossSigningKey{
				UserID: userID,
				Usage:  usage,
				Key:    id.Ed25519(stmt.ColumnText(1)),
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("crypto store: get cross-signing keys: %w", err)
	}
	return keys, nil
}

func (s *SQLite) PutCrossSigningKey(ctx context.Context, key *CrossSigningKey) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO cross_signing_key (user_id, usage, key) VALUES (?, ?, ?)
		ON CONFLICT (user_id, usage) DO UPDATE SET key = excluded.key`,
		&sqlitex.ExecOptions{
			Args: []any{string(key.UserID), key.Usage, string(key.Key)},
		})
	if err != nil {
		return fmt.Errorf("crypto store: put cross-signing key: %w", err)
	}
	return nil
}

func (s *SQLite) PutSignature(ctx context.Context, signature *KeySignature) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO key_signature (signer_user, signer_key, target_user, target_key, signature)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (signer_user, signer_key, target_user, target_key)
			DO UPDATE SET signature = excluded.signature`,
		&sqlitex.ExecOptions{
			Args: []any{
				string(signature.SignerUserID), string(signature.SignerKey),
				string(signature.TargetUserID), string(signature.TargetKey),
				signature.Signature,
			},
		})
	if err != nil {
		return fmt.Errorf("crypto store: put signature: %w", err)
	}
	return nil
}

func (s *SQLite) IsSignedBy(ctx context.Context, signerUserID id.UserID, signerKey id.Ed25519, targetUserID id.UserID, targetKey id.Ed25519) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	found := false
	err = sqlitex.Execute(conn, `
		SELECT 1 FROM key_signature
		WHERE signer_user = ? AND signer_key = ? AND target_user = ? AND target_key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(signerUserID), string(signerKey), string(targetUserID), string(targetKey)},
			ResultFunc: func(*sqlite.Stmt) error {
				found = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("crypto store: is signed by: %w", err)
	}
	return found, nil
}

func (s *SQLite) GetPairwiseSession(ctx context.Context, senderKey id.Curve25519, sessionID id.SessionID) (*PairwiseSession, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var session *PairwiseSession
	err = sqlitex.Execute(conn, `
		SELECT pickle, created_at, last_used FROM pairwise_session
		WHERE sender_key = ? AND session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(senderKey), string(sessionID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				session = &PairwiseSession{
					SenderKey: senderKey,
					SessionID: sessionID,
					Pickle:    columnBlob(stmt, 0),
					CreatedAt: fromMillis(stmt.ColumnInt64(1)),
					LastUsed:  fromMillis(stmt.ColumnInt64(2)),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("crypto store: get pairwise session: %w", err)
	}
	return session, nil
}

func (s *SQLite) GetPairwiseSessions(ctx context.Context, senderKey id.Curve25519) ([]*PairwiseSession, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var sessions []*PairwiseSession
	err = sqlitex.Execute(conn, `
		SELECT session_id, pickle, created_at, last_used FROM pairwise_session
		WHERE sender_key = ? ORDER BY last_used DESC`,
		&sqlitex.ExecOptions{
			Args: []any{string(senderKey)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				sessions = append(sessions, &PairwiseSession{
					SenderKey: senderKey,
					SessionID: id.SessionID(stmt.ColumnText(0)),
					Pickle:    columnBlob(stmt, 1),
					CreatedAt: fromMillis(stmt.ColumnInt64(2)),
					LastUsed:  fromMillis(stmt.ColumnInt64(3)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("crypto store: get pairwise sessions: %w", err)
	}
	return sessions, nil
}

func (s *SQLite) PutPairwiseSession(ctx context.Context, session *PairwiseSession) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO pairwise_session (sender_key, session_id, pickle, created_at, last_used)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (sender_key, session_id) DO UPDATE SET
			pickle = excluded.pickle, last_used = excluded.last_used`,
		&sqlitex.ExecOptions{
			Args: []any{
				string(session.SenderKey), string(session.SessionID),
				session.Pickle, millis(session.CreatedAt), millis(session.LastUsed),
			},
		})
	if err != nil {
		return fmt.Errorf("crypto store: put pairwise session: %w", err)
	}
	return nil
}

func (s *SQLite) HasMessageHash(ctx context.Context, hash []byte) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	found := false
	err = sqlitex.Execute(conn, "SELECT 1 FROM message_hash WHERE hash = ?", &sqlitex.ExecOptions{
		Args: []any{hash},
		ResultFunc: func(*sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("crypto store: has message hash: %w", err)
	}
	return found, nil
}

func (s *SQLite) PutMessageHash(ctx context.Context, hash []byte, eventID string, seenAt time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO message_hash (hash, event_id, seen_at) VALUES (?, ?, ?)
		ON CONFLICT (hash) DO NOTHING`,
		&sqlitex.ExecOptions{
			Args: []any{hash, eventID, millis(seenAt)},
		})
	if err != nil {
		return fmt.Errorf("crypto store: put message hash: %w", err)
	}
	return nil
}

func (s *SQLite) GetOutboundGroupSession(ctx context.Context, roomID id.RoomID) (*OutboundGroupSession, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var session *OutboundGroupSession
	var decodeErr error
	err = sqlitex.Execute(conn, `
		SELECT session_id, pickle, created_at, message_count, shared_with, rotate_pending
		FROM outbound_group_session WHERE room_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(roomID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				session = &OutboundGroupSession{
					RoomID:        roomID,
					SessionID:     id.SessionID(stmt.ColumnText(0)),
					Pickle:        columnBlob(stmt, 1),
					CreatedAt:     fromMillis(stmt.ColumnInt64(2)),
					MessageCount:  uint32(stmt.ColumnInt64(3)),
					RotatePending: stmt.ColumnInt64(5) != 0,
				}
				if shared := columnBlob(stmt, 4); len(shared) > 0 {
					decodeErr = codec.Unmarshal(shared, &session.SharedWith)
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("crypto store: get outbound group session: %w", err)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("crypto store: decoding shared device set: %w", decodeErr)
	}
	return session, nil
}

func (s *SQLite) PutOutboundGroupSession(ctx context.Context, session *OutboundGroupSession) error {
	shared, err := codec.Marshal(session.SharedWith)
	if err != nil {
		return fmt.Errorf("crypto store: encoding shared device set: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO outbound_group_session
			(room_id, session_id, pickle, created_at, message_count, shared_with, rotate_pending)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (room_id) DO UPDATE SET
			session_id = excluded.session_id, pickle = excluded.pickle,
			created_at = excluded.created_at, message_count = excluded.message_count,
			shared_with = excluded.shared_with, rotate_pending = excluded.rotate_pending`,
		&sqlitex.ExecOptions{
			Args: []any{
				string(session.RoomID), string(session.SessionID), session.Pickle,
				millis(session.CreatedAt), int64(session.MessageCount), shared,
				boolInt(session.RotatePending),
			},
		})
	if err != nil {
		return fmt.Errorf("crypto store: put outbound group session: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteOutboundGroupSession(ctx context.Context, roomID id.RoomID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM outbound_group_session WHERE room_id = ?", &sqlitex.ExecOptions{
		Args: []any{string(roomID)},
	})
	if err != nil {
		return fmt.Errorf("crypto store: delete outbound group session: %w", err)
	}
	return nil
}

const inboundColumns = "room_id, sender_key, session_id, pickle, first_known_index, floor, forwarded, created_at"

func inboundFromRow(stmt *sqlite.Stmt) *InboundGroupSession {
	return &InboundGroupSession{
		RoomID:          id.RoomID(stmt.ColumnText(0)),
		SenderKey:       id.Curve25519(stmt.ColumnText(1)),
		SessionID:       id.SessionID(stmt.ColumnText(2)),
		Pickle:          columnBlob(stmt, 3),
		FirstKnownIndex: uint32(stmt.ColumnInt64(4)),
		Floor:           uint32(stmt.ColumnInt64(5)),
		Forwarded:       stmt.ColumnInt64(6) != 0,
		CreatedAt:       fromMillis(stmt.ColumnInt64(7)),
	}
}

func (s *SQLite) GetInboundGroupSession(ctx context.Context, roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) (*InboundGroupSession, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var session *InboundGroupSession
	err = sqlitex.Execute(conn, `
		SELECT `+inboundColumns+` FROM inbound_group_session
		WHERE room_id = ? AND sender_key = ? AND session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(roomID), string(senderKey), string(sessionID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				session = inboundFromRow(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("crypto store: get inbound group session: %w", err)
	}
	return session, nil
}

func (s *SQLite) ListInboundGroupSessions(ctx context.Context) ([]*InboundGroupSession, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var sessions []*InboundGroupSession
	err = sqlitex.Execute(conn, "SELECT "+inboundColumns+" FROM inbound_group_session ORDER BY room_id, session_id", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			sessions = append(sessions, inboundFromRow(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("crypto store: list inbound group sessions: %w", err)
	}
	return sessions, nil
}

func (s *SQLite) PutInboundGroupSession(ctx context.Context, session *InboundGroupSession) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO inbound_group_session
			(room_id, sender_key, session_id, pickle, first_known_index, floor, forwarded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (room_id, sender_key, session_id) DO UPDATE SET
			pickle = excluded.pickle, floor = excluded.floor, forwarded = excluded.forwarded`,
		&sqlitex.ExecOptions{
			Args: []any{
				string(session.RoomID), string(session.SenderKey), string(session.SessionID),
				session.Pickle, int64(session.FirstKnownIndex), int64(session.Floor),
				boolInt(session.Forwarded), millis(session.CreatedAt),
			},
		})
	if err != nil {
		return fmt.Errorf("crypto store: put inbound group session: %w", err)
	}
	return nil
}

const requestColumns = "request_id, room_id, session_id, sender_key, requester_user, requester_device, outgoing, state, created_at"

func requestFromRow(stmt *sqlite.Stmt) *KeyRequest {
	return &KeyRequest{
		RequestID:         stmt.ColumnText(0),
		RoomID:            id.RoomID(stmt.ColumnText(1)),
		SessionID:         id.SessionID(stmt.ColumnText(2)),
		SenderKey:         id.Curve25519(stmt.ColumnText(3)),
		RequesterUserID:   id.UserID(stmt.ColumnText(4)),
		RequesterDeviceID: id.DeviceID(stmt.ColumnText(5)),
		Outgoing:          stmt.ColumnInt64(6) != 0,
		State:             RequestState(stmt.ColumnText(7)),
		CreatedAt:         fromMillis(stmt.ColumnInt64(8)),
	}
}

func (s *SQLite) GetKeyRequest(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, requesterUserID id.UserID, requesterDeviceID id.DeviceID, outgoing bool) (*KeyRequest, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var request *KeyRequest
	err = sqlitex.Execute(conn, `
		SELECT `+requestColumns+` FROM key_request
		WHERE room_id = ? AND session_id = ? AND requester_user = ? AND requester_device = ? AND outgoing = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(roomID), string(sessionID), string(requesterUserID), string(requesterDeviceID), boolInt(outgoing)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				request = requestFromRow(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("crypto store: get key request: %w", err)
	}
	return request, nil
}

func (s *SQLite) ListKeyRequests(ctx context.Context, state RequestState) ([]*KeyRequest, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var requests []*KeyRequest
	err = sqlitex.Execute(conn, "SELECT "+requestColumns+" FROM key_request WHERE state = ? ORDER BY created_at", &sqlitex.ExecOptions{
		Args: []any{string(state)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			requests = append(requests, requestFromRow(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("crypto store: list key requests: %w", err)
	}
	return requests, nil
}

func (s *SQLite) PutKeyRequest(ctx context.Context, request *KeyRequest) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO key_request
			(request_id, room_id, session_id, sender_key, requester_user, requester_device, outgoing, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (room_id, session_id, requester_user, requester_device, outgoing) DO UPDATE SET
			request_id = excluded.request_id, sender_key = excluded.sender_key,
			state = excluded.state, created_at = excluded.created_at`,
		&sqlitex.ExecOptions{
			Args: []any{
				request.RequestID, string(request.RoomID), string(request.SessionID),
				string(request.SenderKey), string(request.RequesterUserID),
				string(request.RequesterDeviceID), boolInt(request.Outgoing),
				string(request.State), millis(request.CreatedAt),
			},
		})
	if err != nil {
		return fmt.Errorf("crypto store: put key request: %w", err)
	}
	return nil
}

func (s *SQLite) PutQueuedEvent(ctx context.Context, event *QueuedEvent) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO queued_event (room_id, sender_key, session_id, event_id, envelope, arrived_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				string(event.RoomID), string(event.SenderKey), string(event.SessionID),
				event.EventID, event.Envelope, millis(event.ArrivedAt),
			},
		})
	if err != nil {
		return fmt.Errorf("crypto store: put queued event: %w", err)
	}
	event.ID = conn.LastInsertRowID()
	return nil
}

const queuedColumns = "id, room_id, sender_key, session_id, event_id, envelope, arrived_at"

func queuedFromRow(stmt *sqlite.Stmt) *QueuedEvent {
	return &QueuedEvent{
		ID:        stmt.ColumnInt64(0),
		RoomID:    id.RoomID(stmt.ColumnText(1)),
		SenderKey: id.Curve25519(stmt.ColumnText(2)),
		SessionID: id.SessionID(stmt.ColumnText(3)),
		EventID:   stmt.ColumnText(4),
		Envelope:  columnBlob(stmt, 5),
		ArrivedAt: fromMillis(stmt.ColumnInt64(6)),
	}
}

func (s *SQLite) ListQueuedEvents(ctx context.Context, roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) ([]*QueuedEvent, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var events []*QueuedEvent
	err = sqlitex.Execute(conn, `
		SELECT `+queuedColumns+` FROM queued_event
		WHERE room_id = ? AND sender_key = ? AND session_id = ? ORDER BY id`,
		&sqlitex.ExecOptions{
			Args: []any{string(roomID), string(senderKey), string(sessionID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				events = append(events, queuedFromRow(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("crypto store: list queued events: %w", err)
	}
	return events, nil
}

func (s *SQLite) CountQueuedEvents(ctx context.Context, roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	count := 0
	err = sqlitex.Execute(conn, `
		SELECT COUNT(*) FROM queued_event
		WHERE room_id = ? AND sender_key = ? AND session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(roomID), string(senderKey), string(sessionID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = int(stmt.ColumnInt64(0))
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("crypto store: count queued events: %w", err)
	}
	return count, nil
}

func (s *SQLite) DeleteQueuedEvent(ctx context.Context, eventID int64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM queued_event WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{eventID},
	})
	if err != nil {
		return fmt.Errorf("crypto store: delete queued event: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteQueuedEventsBefore(ctx context.Context, cutoff time.Time) ([]*QueuedEvent, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("crypto store: begin expiry transaction: %w", err)
	}
	defer endTransaction(&err)

	var dropped []*QueuedEvent
	err = sqlitex.Execute(conn, "SELECT "+queuedColumns+" FROM queued_event WHERE arrived_at < ? ORDER BY id", &sqlitex.ExecOptions{
		Args: []any{millis(cutoff)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			dropped = append(dropped, queuedFromRow(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("crypto store: list expired queued events: %w", err)
	}

	err = sqlitex.Execute(conn, "DELETE FROM queued_event WHERE arrived_at < ?", &sqlitex.ExecOptions{
		Args: []any{millis(cutoff)},
	})
	if err != nil {
		return nil, fmt.Errorf("crypto store: delete expired queued events: %w", err)
	}
	return dropped, nil
}

func columnBlob(stmt *sqlite.Stmt, col int) []byte {
	blob := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, blob)
	return blob
}

func boolInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}
