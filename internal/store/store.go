package store

import (
	"context"
	"time"
)

// Store is the persistence interface for habgate. It backs the user
// directory, cookie sessions, per-user settings, scheduler last-run
// times and a small kv side table.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// User directory
	GetUser(ctx context.Context, name string) (*User, error)
	UpsertUser(ctx context.Context, u *User) error
	SetUserDisabled(ctx context.Context, name string, disabled bool) error
	DeleteUser(ctx context.Context, name string) error
	ListUsers(ctx context.Context) ([]*User, error)

	// Cookie sessions
	CreateSession(ctx context.Context, user string) (string, error)
	TouchSession(ctx context.Context, id string) error
	SessionExists(ctx context.Context, id string) (bool, error)
	DeleteSessionsForUser(ctx context.Context, user string) error
	PurgeSessions(ctx context.Context, before time.Time) (int64, error)

	// Per-user client settings (whitelisted primitives)
	GetSettings(ctx context.Context, user string) (map[string]string, error)
	SetSetting(ctx context.Context, user, key, value string) error

	// Background task last-run persistence
	GetTaskLastRun(ctx context.Context, name string) (time.Time, bool, error)
	SetTaskLastRun(ctx context.Context, name string, at time.Time) error

	// KV side table
	GetKV(ctx context.Context, key string) (string, error)
	SetKV(ctx context.Context, key, value string) error
}

// User is one entry of the user directory. PassHash is a bcrypt hash
// of the passphrase; it also feeds the cookie HMAC so a passphrase
// change invalidates outstanding cookies.
type User struct {
	Name      string
	PassHash  string
	Disabled  bool
	CreatedAt time.Time
}
