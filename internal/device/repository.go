package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-acs/internal/cwmp/devicedata"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/path"
)

// latest reads the newest revision of a versioned map.
const latest = math.MaxInt

// Repository defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByID retrieves a device summary by its identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// List retrieves every device summary, most recent Inform first.
	List(ctx context.Context) ([]Device, error)

	// Fetch loads the stored parameter tree into revision 0 of a new
	// DeviceData whose paths are interned with in.
	// Returns ErrDeviceNotFound if the device does not exist.
	Fetch(ctx context.Context, id string, in *path.Interner) (*devicedata.DeviceData, error)

	// Save writes the paths whose latest revision differs from revision 0
	// and refreshes the device summary. The device is created if needed.
	Save(ctx context.Context, id string, data *devicedata.DeviceData) error

	// Parameters lists stored parameters whose path starts with prefix.
	Parameters(ctx context.Context, id, prefix string) ([]Parameter, error)

	// Delete removes a device with everything stored about it.
	// Returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const deviceColumns = `id, manufacturer, oui, product_class, serial_number,
	registered_at, last_inform, created_at, updated_at`

// GetByID retrieves a device by its identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = ?`

	d, err := scanDeviceRow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	tags, err := queryStringList(ctx, r.db,
		"SELECT tag FROM device_tags WHERE device_id = ? ORDER BY tag", "querying device tags", id)
	if err != nil {
		return nil, err
	}
	d.Tags = tags
	return d, nil
}

// List retrieves all devices.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY last_inform DESC, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDeviceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}

	tags, err := allDeviceTags(ctx, r.db)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		devices[i].Tags = tags[devices[i].ID]
	}
	return devices, nil
}

// Fetch loads a device's parameter tree.
func (r *SQLiteRepository) Fetch(ctx context.Context, id string, in *path.Interner) (*devicedata.DeviceData, error) {
	var exists int
	err := r.db.QueryRowContext(ctx, "SELECT 1 FROM devices WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT path, timestamp, attributes FROM device_parameters WHERE device_id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("querying parameters: %w", err)
	}
	defer rows.Close()

	data := devicedata.New()
	for rows.Next() {
		prm, err := scanParameter(rows)
		if err != nil {
			return nil, err
		}
		p, err := in.Parse(prm.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPath, prm.Path, err)
		}
		if p, err = data.Paths.Add(p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPath, prm.Path, err)
		}
		if prm.Timestamp != 0 {
			data.Timestamps.Set(p, prm.Timestamp, 0)
		}
		if prm.Attributes != nil {
			data.Attributes.Set(p, *prm.Attributes, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating parameters: %w", err)
	}
	return data, nil
}

// Save persists the changes a session made to a device.
func (r *SQLiteRepository) Save(ctx context.Context, id string, data *devicedata.DeviceData) error {
	if id == "" {
		return fmt.Errorf("device id is required")
	}
	changed := changedPaths(data)
	d := summarize(id, data)
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	_, err = tx.ExecContext(ctx, `
		INSERT INTO devices (id, manufacturer, oui, product_class, serial_number,
			registered_at, last_inform, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			manufacturer = excluded.manufacturer,
			oui = excluded.oui,
			product_class = excluded.product_class,
			serial_number = excluded.serial_number,
			registered_at = excluded.registered_at,
			last_inform = excluded.last_inform,
			updated_at = excluded.updated_at`,
		d.ID, d.Manufacturer, d.OUI, d.ProductClass, d.SerialNumber,
		unixMilli(d.RegisteredAt), unixMilli(d.LastInform), now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting device: %w", err)
	}

	if len(changed) > 0 {
		upsert, err := tx.PrepareContext(ctx, `
			INSERT INTO device_parameters (device_id, path, timestamp, attributes)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(device_id, path) DO UPDATE SET
				timestamp = excluded.timestamp,
				attributes = excluded.attributes`)
		if err != nil {
			return fmt.Errorf("preparing parameter upsert: %w", err)
		}
		defer upsert.Close()
		remove, err := tx.PrepareContext(ctx,
			"DELETE FROM device_parameters WHERE device_id = ? AND path = ?")
		if err != nil {
			return fmt.Errorf("preparing parameter delete: %w", err)
		}
		defer remove.Close()

		for _, p := range changed {
			ts, tsOK := data.Timestamps.Get(p, latest)
			attrs, attrsOK := data.Attributes.Get(p, latest)
			if !tsOK && !attrsOK {
				if _, err := remove.ExecContext(ctx, id, p.String()); err != nil {
					return fmt.Errorf("deleting parameter %s: %w", p, err)
				}
				continue
			}
			var tsArg, attrsArg any
			if tsOK {
				tsArg = ts
			}
			if attrsOK {
				raw, err := json.Marshal(attrs)
				if err != nil {
					return fmt.Errorf("marshalling attributes of %s: %w", p, err)
				}
				attrsArg = string(raw)
			}
			if _, err := upsert.ExecContext(ctx, id, p.String(), tsArg, attrsArg); err != nil {
				return fmt.Errorf("saving parameter %s: %w", p, err)
			}
		}
	}

	if err := replaceTags(ctx, tx, id, d.Tags); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Parameters lists stored parameters under prefix.
func (r *SQLiteRepository) Parameters(ctx context.Context, id, prefix string) ([]Parameter, error) {
	query := "SELECT path, timestamp, attributes FROM device_parameters WHERE device_id = ?"
	args := []any{id}
	if prefix != "" {
		query += ` AND path LIKE ? ESCAPE '\'`
		args = append(args, likeEscape(prefix)+"%")
	}
	query += " ORDER BY path"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying parameters: %w", err)
	}
	defer rows.Close()

	var params []Parameter
	for rows.Next() {
		prm, err := scanParameter(rows)
		if err != nil {
			return nil, err
		}
		params = append(params, *prm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating parameters: %w", err)
	}
	return params, nil
}

// Delete removes a device by ID together with its faults, operations,
// tasks and suspended sessions.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	result, err := tx.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}
	for _, table := range []string{"faults", "operations", "tasks", "sessions"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE device_id = ?", id); err != nil { //nolint:gosec // table names are constants
			return fmt.Errorf("deleting %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// changedPaths returns, in insertion order, every path whose timestamp
// or attributes differ between revision 0 and the latest revision.
func changedPaths(data *devicedata.DeviceData) []*path.Path {
	seen := make(map[*path.Path]struct{})
	var out []*path.Path
	add := func(p *path.Path) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	for c := range data.Timestamps.Diff() {
		add(c.Key)
	}
	for c := range data.Attributes.Diff() {
		add(c.Key)
	}
	return out
}

// summaryPaths parses the fixed paths the summary is read from. Lookups
// go through DeviceData.Paths, which compares paths by value.
var summaryPaths = path.NewInterner()

// summarize derives the device summary from its parameter tree.
func summarize(id string, data *devicedata.DeviceData) *Device {
	d := &Device{
		ID:           id,
		Manufacturer: stringParam(data, "DeviceID.Manufacturer"),
		OUI:          stringParam(data, "DeviceID.OUI"),
		ProductClass: stringParam(data, "DeviceID.ProductClass"),
		SerialNumber: stringParam(data, "DeviceID.SerialNumber"),
		RegisteredAt: timeParam(data, "Events.Registered"),
		LastInform:   timeParam(data, "Events.Inform"),
	}
	for _, p := range data.Paths.Find(summaryPaths.MustParse("Tags.*"), false, true, 0) {
		if p.Wildcard() != 0 {
			continue
		}
		if v, ok := valueParam(data, p); ok && v.Raw == true {
			d.Tags = append(d.Tags, p.Segment(1).Name())
		}
	}
	return d
}

func valueParam(data *devicedata.DeviceData, p *path.Path) (devicedata.Value, bool) {
	stored := data.Paths.Get(p)
	if stored == nil {
		return devicedata.Value{}, false
	}
	attrs, ok := data.Attributes.Get(stored, latest)
	if !ok || attrs.Value == nil {
		return devicedata.Value{}, false
	}
	return attrs.Value.Value, true
}

func stringParam(data *devicedata.DeviceData, name string) string {
	v, ok := valueParam(data, summaryPaths.MustParse(name))
	if !ok {
		return ""
	}
	s, _ := v.Raw.(string)
	return s
}

func timeParam(data *devicedata.DeviceData, name string) time.Time {
	v, ok := valueParam(data, summaryPaths.MustParse(name))
	if !ok {
		return time.Time{}
	}
	ms, ok := v.Raw.(int64)
	if !ok {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeviceRow(scanner rowScanner) (*Device, error) {
	var (
		d                    Device
		registered, inform   int64
		createdAt, updatedAt string
	)
	if err := scanner.Scan(&d.ID, &d.Manufacturer, &d.OUI, &d.ProductClass, &d.SerialNumber,
		&registered, &inform, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if registered != 0 {
		d.RegisteredAt = time.UnixMilli(registered).UTC()
	}
	if inform != 0 {
		d.LastInform = time.UnixMilli(inform).UTC()
	}
	var err error
	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &d, nil
}

func scanParameter(scanner rowScanner) (*Parameter, error) {
	var (
		prm   Parameter
		ts    sql.NullInt64
		attrs sql.NullString
	)
	if err := scanner.Scan(&prm.Path, &ts, &attrs); err != nil {
		return nil, fmt.Errorf("scanning parameter: %w", err)
	}
	prm.Timestamp = ts.Int64
	if attrs.Valid {
		var a devicedata.Attributes
		if err := json.Unmarshal([]byte(attrs.String), &a); err != nil {
			return nil, fmt.Errorf("unmarshalling attributes of %s: %w", prm.Path, err)
		}
		prm.Attributes = &a
	}
	return &prm, nil
}

// likeEscape escapes LIKE wildcards; parameter names often contain "_".
func likeEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
