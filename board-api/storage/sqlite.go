package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aryabyte21/taskboard/domain"
)

// SQLStore keeps tasks in a SQLite database.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens (and migrates) the database at path. ":memory:" is accepted.
func NewSQLStore(path string) (*SQLStore, error) {
	if path != ":memory:" {
		if strings.HasPrefix(path, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(home, path[1:])
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// a second connection to ":memory:" would see an empty database
	db.SetMaxOpenConns(1)

	s := &SQLStore{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tasks table when missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'todo',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate tasks: %w", err)
	}
	return nil
}

const taskColumns = "id, title, description, status, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (domain.Task, error) {
	var (
		t         domain.Task
		status    string
		createdAt int64
		updatedAt int64
	)
	if err := r.Scan(&t.ID, &t.Title, &t.Description, &status, &createdAt, &updatedAt); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.Status(status)
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	t.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return t, nil
}

// ListTasks returns every task, newest first.
func (s *SQLStore) ListTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+taskColumns+" FROM tasks ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// GetTask loads a single task.
func (s *SQLStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, err
}

// CreateTask inserts a new task built from a validated input.
func (s *SQLStore) CreateTask(ctx context.Context, in domain.TaskInput) (domain.Task, error) {
	t := newTask(in)
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO tasks ("+taskColumns+") VALUES (?, ?, ?, ?, ?, ?)",
		t.ID, t.Title, t.Description, string(t.Status), t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano())
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// UpdateTask merges the set fields of in into the stored task.
func (s *SQLStore) UpdateTask(ctx context.Context, id string, in domain.TaskInput) (domain.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	cur, err := scanTask(tx.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Task{}, err
	}

	t := touch(cur, in)
	_, err = tx.ExecContext(ctx,
		"UPDATE tasks SET title = ?, description = ?, status = ?, updated_at = ? WHERE id = ?",
		t.Title, t.Description, string(t.Status), t.UpdatedAt.UnixNano(), id)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// DeleteTask removes a task.
func (s *SQLStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }
