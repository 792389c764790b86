package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
)

// maxSessionState bounds a decompressed session blob.
const maxSessionState = 64 << 20

// SessionStore keeps suspended sessions between HTTP exchanges. State
// blobs are opaque to the store and compressed with zstd.
type SessionStore interface {
	// Put stores state under id until ttl elapses, replacing any
	// previous state.
	Put(ctx context.Context, id, deviceID string, state []byte, ttl time.Duration) error

	// Get returns the device and state of a live session.
	// Returns ErrSessionNotFound if absent or expired.
	Get(ctx context.Context, id string) (deviceID string, state []byte, err error)

	// Delete removes a session; a missing one is not an error.
	Delete(ctx context.Context, id string) error

	// DeleteExpired removes every expired session.
	DeleteExpired(ctx context.Context) (int64, error)
}

// SQLiteSessionStore implements SessionStore using SQLite.
type SQLiteSessionStore struct {
	db  *sql.DB
	now func() time.Time
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewSQLiteSessionStore creates a session store. The zstd encoder and
// decoder are shared; EncodeAll and DecodeAll are safe for concurrent use.
func NewSQLiteSessionStore(db *sql.DB) (*SQLiteSessionStore, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxSessionState))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &SQLiteSessionStore{db: db, now: time.Now, enc: enc, dec: dec}, nil
}

// Put stores a compressed session.
func (s *SQLiteSessionStore) Put(ctx context.Context, id, deviceID string, state []byte, ttl time.Duration) error {
	compressed := s.enc.EncodeAll(state, nil)
	expires := s.now().Add(ttl).UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, device_id, state, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			device_id = excluded.device_id,
			state = excluded.state,
			expires_at = excluded.expires_at`,
		id, deviceID, compressed, expires)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// Get loads and decompresses a session.
func (s *SQLiteSessionStore) Get(ctx context.Context, id string) (string, []byte, error) {
	var (
		deviceID   string
		compressed []byte
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT device_id, state FROM sessions WHERE id = ? AND expires_at > ?",
		id, s.now().UnixMilli(),
	).Scan(&deviceID, &compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, ErrSessionNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("querying session: %w", err)
	}
	state, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return "", nil, fmt.Errorf("decompressing session %s: %w", id, err)
	}
	return deviceID, state, nil
}

// Delete removes a session.
func (s *SQLiteSessionStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteExpired prunes expired sessions.
func (s *SQLiteSessionStore) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at <= ?", s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}
