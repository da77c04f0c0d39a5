package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// New opens the database, applies pragmas and initializes the schema.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteStore) Close() error                   { return s.db.Close() }

// --- Users ---

func (s *SQLiteStore) GetUser(ctx context.Context, name string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, pass_hash, disabled, created_at FROM users WHERE name = ?`, name)
	var u User
	var disabled int
	var created int64
	if err := row.Scan(&u.Name, &u.PassHash, &disabled, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Disabled = disabled != 0
	u.CreatedAt = time.Unix(created, 0)
	return &u, nil
}

func (s *SQLiteStore) UpsertUser(ctx context.Context, u *User) error {
	created := u.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (name, pass_hash, disabled, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET pass_hash = excluded.pass_hash, disabled = excluded.disabled`,
		u.Name, u.PassHash, boolInt(u.Disabled), created.Unix())
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetUserDisabled(ctx context.Context, name string, disabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET disabled = ? WHERE name = ?`, boolInt(disabled), name)
	if err != nil {
		return fmt.Errorf("set user disabled: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteUser(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, pass_hash, disabled, created_at FROM users ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		var disabled int
		var created int64
		if err := rows.Scan(&u.Name, &u.PassHash, &disabled, &created); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Disabled = disabled != 0
		u.CreatedAt = time.Unix(created, 0)
		users = append(users, &u)
	}
	return users, rows.Err()
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, user string) (string, error) {
	id := uuid.NewString()
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_name, created_at, last_seen) VALUES (?, ?, ?, ?)`,
		id, user, now, now)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) TouchSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_seen = ? WHERE id = ?`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SessionExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("session exists: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) DeleteSessionsForUser(ctx context.Context, user string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_name = ?`, user)
	if err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PurgeSessions(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE last_seen < ?`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return res.RowsAffected()
}

// --- Settings ---

func (s *SQLiteStore) GetSettings(ctx context.Context, user string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM settings WHERE user_name = ?`, user)
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetSetting(ctx context.Context, user, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (user_name, key, value) VALUES (?, ?, ?)
		ON CONFLICT(user_name, key) DO UPDATE SET value = excluded.value`,
		user, key, value)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

// --- Task runs ---

func (s *SQLiteStore) GetTaskLastRun(ctx context.Context, name string) (time.Time, bool, error) {
	var last int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_run FROM task_runs WHERE name = ?`, name).Scan(&last)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get task last run: %w", err)
	}
	return time.Unix(last, 0), true, nil
}

func (s *SQLiteStore) SetTaskLastRun(ctx context.Context, name string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (name, last_run) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET last_run = excluded.last_run`,
		name, at.Unix())
	if err != nil {
		return fmt.Errorf("set task last run: %w", err)
	}
	return nil
}

// --- KV ---

func (s *SQLiteStore) GetKV(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get kv: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) SetKV(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("set kv: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
