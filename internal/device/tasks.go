package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// TaskRepository stores queued tasks.
type TaskRepository interface {
	// Create validates and stores t, assigning an ID when empty.
	Create(ctx context.Context, t *Task) error

	// Get returns a task by ID. Returns ErrTaskNotFound if absent.
	Get(ctx context.Context, id string) (*Task, error)

	// ListByDevice returns a device's tasks that have not expired by now
	// (Unix ms), oldest first.
	ListByDevice(ctx context.Context, deviceID string, now int64) ([]Task, error)

	// Delete removes a task. Returns ErrTaskNotFound if absent.
	Delete(ctx context.Context, id string) error

	// DeleteExpired removes tasks whose expiry is before now.
	DeleteExpired(ctx context.Context, now int64) (int64, error)
}

// SQLiteTaskRepository implements TaskRepository using SQLite.
type SQLiteTaskRepository struct {
	db *sql.DB
}

// NewSQLiteTaskRepository creates a new SQLite-backed task repository.
func NewSQLiteTaskRepository(db *sql.DB) *SQLiteTaskRepository {
	return &SQLiteTaskRepository{db: db}
}

const taskColumns = `id, device_id, name, args, timestamp, expiry`

// Create stores a new task.
func (r *SQLiteTaskRepository) Create(ctx context.Context, t *Task) error {
	if err := ValidateTask(t); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = GenerateID()
	}
	args, err := json.Marshal(t.Args)
	if err != nil {
		return fmt.Errorf("marshalling task args: %w", err)
	}
	var expiry any
	if t.Expiry != nil {
		expiry = *t.Expiry
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.DeviceID, string(t.Name), string(args), t.Timestamp, expiry)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// Get returns a task by ID.
func (r *SQLiteTaskRepository) Get(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListByDevice returns pending tasks of a device.
func (r *SQLiteTaskRepository) ListByDevice(ctx context.Context, deviceID string, now int64) ([]Task, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE device_id = ? AND (expiry IS NULL OR expiry >= ?)
		ORDER BY timestamp, id`, deviceID, now)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tasks: %w", err)
	}
	return tasks, nil
}

// Delete removes a task by ID.
func (r *SQLiteTaskRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// DeleteExpired prunes expired tasks.
func (r *SQLiteTaskRepository) DeleteExpired(ctx context.Context, now int64) (int64, error) {
	result, err := r.db.ExecContext(ctx, "DELETE FROM tasks WHERE expiry IS NOT NULL AND expiry < ?", now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired tasks: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func scanTask(scanner rowScanner) (*Task, error) {
	var (
		t      Task
		name   string
		args   string
		expiry sql.NullInt64
	)
	if err := scanner.Scan(&t.ID, &t.DeviceID, &name, &args, &t.Timestamp, &expiry); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning task: %w", err)
	}
	t.Name = TaskName(name)
	if err := json.Unmarshal([]byte(args), &t.Args); err != nil {
		return nil, fmt.Errorf("unmarshalling task args: %w", err)
	}
	if expiry.Valid {
		t.Expiry = &expiry.Int64
	}
	return &t, nil
}
