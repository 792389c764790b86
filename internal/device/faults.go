package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// FaultRepository stores session faults.
type FaultRepository interface {
	// List returns the faults of a device, or of every device when
	// deviceID is empty, oldest first.
	List(ctx context.Context, deviceID string) ([]Fault, error)

	// Get returns a fault by ID. Returns ErrFaultNotFound if absent.
	Get(ctx context.Context, id string) (*Fault, error)

	// Save records f under FaultID(f.DeviceID, f.Channel). A fault that
	// replaces an earlier one on the same channel has its Retries set to
	// the earlier count plus one.
	Save(ctx context.Context, f *Fault) error

	// Delete removes a fault. Returns ErrFaultNotFound if absent.
	Delete(ctx context.Context, id string) error

	// Clear removes the fault of a channel, if any.
	Clear(ctx context.Context, deviceID, channel string) error
}

// SQLiteFaultRepository implements FaultRepository using SQLite.
type SQLiteFaultRepository struct {
	db *sql.DB
}

// NewSQLiteFaultRepository creates a new SQLite-backed fault repository.
func NewSQLiteFaultRepository(db *sql.DB) *SQLiteFaultRepository {
	return &SQLiteFaultRepository{db: db}
}

const faultColumns = `id, device_id, channel, code, message, detail, timestamp, retries, provisions`

// List returns stored faults.
func (r *SQLiteFaultRepository) List(ctx context.Context, deviceID string) ([]Fault, error) {
	query := `SELECT ` + faultColumns + ` FROM faults`
	var args []any
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY timestamp, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying faults: %w", err)
	}
	defer rows.Close()

	var faults []Fault
	for rows.Next() {
		f, err := scanFault(rows)
		if err != nil {
			return nil, err
		}
		faults = append(faults, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating faults: %w", err)
	}
	return faults, nil
}

// Get returns a fault by ID.
func (r *SQLiteFaultRepository) Get(ctx context.Context, id string) (*Fault, error) {
	f, err := scanFault(r.db.QueryRowContext(ctx, `SELECT `+faultColumns+` FROM faults WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFaultNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Save upserts a fault and bumps its retry count.
func (r *SQLiteFaultRepository) Save(ctx context.Context, f *Fault) error {
	f.ID = FaultID(f.DeviceID, f.Channel)

	var detail any
	if f.Detail != nil {
		raw, err := json.Marshal(f.Detail)
		if err != nil {
			return fmt.Errorf("marshalling fault detail: %w", err)
		}
		detail = string(raw)
	}
	provisions, err := json.Marshal(f.Provisions)
	if err != nil {
		return fmt.Errorf("marshalling fault provisions: %w", err)
	}
	if f.Provisions == nil {
		provisions = []byte("[]")
	}

	err = r.db.QueryRowContext(ctx, `
		INSERT INTO faults (id, device_id, channel, code, message, detail, timestamp, retries, provisions)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			message = excluded.message,
			detail = excluded.detail,
			timestamp = excluded.timestamp,
			retries = faults.retries + 1,
			provisions = excluded.provisions
		RETURNING retries`,
		f.ID, f.DeviceID, f.Channel, f.Code, f.Message, detail, f.Timestamp, string(provisions),
	).Scan(&f.Retries)
	if err != nil {
		return fmt.Errorf("saving fault: %w", err)
	}
	return nil
}

// Delete removes a fault by ID.
func (r *SQLiteFaultRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM faults WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting fault: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrFaultNotFound
	}
	return nil
}

// Clear removes the fault of a channel.
func (r *SQLiteFaultRepository) Clear(ctx context.Context, deviceID, channel string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM faults WHERE id = ?", FaultID(deviceID, channel)); err != nil {
		return fmt.Errorf("clearing fault: %w", err)
	}
	return nil
}

func scanFault(scanner rowScanner) (*Fault, error) {
	var (
		f          Fault
		detail     sql.NullString
		provisions string
	)
	if err := scanner.Scan(&f.ID, &f.DeviceID, &f.Channel, &f.Code, &f.Message,
		&detail, &f.Timestamp, &f.Retries, &provisions); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning fault: %w", err)
	}
	if detail.Valid {
		if err := json.Unmarshal([]byte(detail.String), &f.Detail); err != nil {
			return nil, fmt.Errorf("unmarshalling fault detail: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(provisions), &f.Provisions); err != nil {
		return nil, fmt.Errorf("unmarshalling fault provisions: %w", err)
	}
	return &f, nil
}
