package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/nerrad567/gray-logic-acs/internal/cwmp/session"
)

// OperationRepository stores asynchronous operations awaiting a
// TransferComplete.
type OperationRepository interface {
	// Load returns a device's pending operations keyed by command key.
	Load(ctx context.Context, deviceID string) (map[string]*session.Operation, error)

	// Save writes back the operations a session touched: keys present in
	// ops are stored, the others are removed.
	Save(ctx context.Context, deviceID string, ops map[string]*session.Operation, touched map[string]struct{}) error
}

// SQLiteOperationRepository implements OperationRepository using SQLite.
type SQLiteOperationRepository struct {
	db *sql.DB
}

// NewSQLiteOperationRepository creates a new SQLite-backed operation repository.
func NewSQLiteOperationRepository(db *sql.DB) *SQLiteOperationRepository {
	return &SQLiteOperationRepository{db: db}
}

// Load returns pending operations.
func (r *SQLiteOperationRepository) Load(ctx context.Context, deviceID string) (map[string]*session.Operation, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT command_key, data FROM operations WHERE device_id = ?", deviceID)
	if err != nil {
		return nil, fmt.Errorf("querying operations: %w", err)
	}
	defer rows.Close()

	ops := make(map[string]*session.Operation)
	for rows.Next() {
		var key, data string
		if err := rows.Scan(&key, &data); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		var op session.Operation
		if err := json.Unmarshal([]byte(data), &op); err != nil {
			return nil, fmt.Errorf("unmarshalling operation %s: %w", key, err)
		}
		ops[key] = &op
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating operations: %w", err)
	}
	return ops, nil
}

// Save writes touched operations in one transaction.
func (r *SQLiteOperationRepository) Save(ctx context.Context, deviceID string, ops map[string]*session.Operation, touched map[string]struct{}) error {
	if len(touched) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	for _, key := range slices.Sorted(maps.Keys(touched)) {
		id := OperationID(deviceID, key)
		op, ok := ops[key]
		if !ok {
			if _, err := tx.ExecContext(ctx, "DELETE FROM operations WHERE id = ?", id); err != nil {
				return fmt.Errorf("deleting operation %s: %w", key, err)
			}
			continue
		}
		data, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("marshalling operation %s: %w", key, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO operations (id, device_id, command_key, timestamp, data)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET timestamp = excluded.timestamp, data = excluded.data`,
			id, deviceID, key, op.Timestamp, string(data))
		if err != nil {
			return fmt.Errorf("saving operation %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
