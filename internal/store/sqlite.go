// Package store persists bot definitions and bot state in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Driver names as registered with database/sql.
const (
	DriverModernc = "sqlite"  // modernc.org/sqlite, pure Go
	DriverCgo     = "sqlite3" // github.com/mattn/go-sqlite3, needs cgo
)

// Options configures Open.
type Options struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

// Bot is a registered bot definition.
type Bot struct {
	Name      string
	Owner     string
	Source    string
	CreatedAt time.Time
	UpdatedAt time.Time
	LastSaid  string
}

// State is a bot's persisted state blob and its version. Version 0 means
// no state has been written yet.
type State struct {
	Data    []byte
	Version int64
}

// SQLite is the bot store. It is safe for concurrent use.
type SQLite struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// Open creates or opens the database at opts.Path.
func Open(opts Options, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Driver == "" {
		opts.Driver = DriverModernc
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	dsn, err := dataSourceName(opts)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(opts.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db, path: opts.Path, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("store opened", zap.String("driver", opts.Driver), zap.String("path", opts.Path))
	return s, nil
}

func dataSourceName(opts Options) (string, error) {
	ms := opts.BusyTimeout.Milliseconds()
	switch opts.Driver {
	case DriverModernc:
		return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
			opts.Path, ms), nil
	case DriverCgo:
		return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL", opts.Path, ms), nil
	default:
		return "", fmt.Errorf("unknown sqlite driver %q", opts.Driver)
	}
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		owner TEXT NOT NULL,
		source TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		last_said TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS bot_state (
		bot_name TEXT NOT NULL UNIQUE,
		data BLOB NOT NULL,
		version INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

// CreateBot inserts a new bot. A taken name is ErrConflict.
func (s *SQLite) CreateBot(ctx context.Context, b Bot) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO bots (name, owner, source, created_at, updated_at, last_said)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO NOTHING`,
		b.Name, b.Owner, b.Source, b.CreatedAt.UnixNano(), b.UpdatedAt.UnixNano(), b.LastSaid)
	if err != nil {
		return fmt.Errorf("insert bot %s: %w", b.Name, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("insert bot %s: %w", b.Name, err)
	} else if n == 0 {
		return fmt.Errorf("bot %s: %w", b.Name, ErrConflict)
	}
	s.logger.Debug("bot created", zap.String("bot", b.Name))
	return nil
}

// UpdateBot replaces a bot's owner and source.
func (s *SQLite) UpdateBot(ctx context.Context, name, owner, source string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bots SET owner = ?, source = ?, updated_at = ? WHERE name = ?`,
		owner, source, at.UnixNano(), name)
	if err != nil {
		return fmt.Errorf("update bot %s: %w", name, err)
	}
	return affected(res, name)
}

// DeleteBot removes a bot together with its state.
func (s *SQLite) DeleteBot(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete bot %s: %w", name, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM bots WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete bot %s: %w", name, err)
	}
	if err := affected(res, name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bot_state WHERE bot_name = ?`, name); err != nil {
		return fmt.Errorf("delete state of %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete bot %s: %w", name, err)
	}
	s.logger.Debug("bot deleted", zap.String("bot", name))
	return nil
}

const botColumns = `name, owner, source, created_at, updated_at, last_said`

// GetBot returns one bot.
func (s *SQLite) GetBot(ctx context.Context, name string) (*Bot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE name = ?`, name)
	b, err := scanBot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bot %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get bot %s: %w", name, err)
	}
	return b, nil
}

// BotExists reports whether a bot is registered under name.
func (s *SQLite) BotExists(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM bots WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("bot exists %s: %w", name, err)
	}
	return true, nil
}

// ListBots returns all bots in registration order.
func (s *SQLite) ListBots(ctx context.Context) ([]Bot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+botColumns+` FROM bots ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	var bots []Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("list bots: %w", err)
		}
		bots = append(bots, *b)
	}
	return bots, rows.Err()
}

// SetLastSaid records the last thing a bot said.
func (s *SQLite) SetLastSaid(ctx context.Context, name, said string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE bots SET last_said = ? WHERE name = ?`, said, name)
	if err != nil {
		return fmt.Errorf("set last said %s: %w", name, err)
	}
	return affected(res, name)
}

// LoadState returns a bot's state, or an empty State at version 0.
func (s *SQLite) LoadState(ctx context.Context, name string) (State, error) {
	var st State
	err := s.db.QueryRowContext(ctx,
		`SELECT data, version FROM bot_state WHERE bot_name = ?`, name).Scan(&st.Data, &st.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("load state %s: %w", name, err)
	}
	return st, nil
}

// SaveState writes data if the stored version still equals version, and
// returns the new version. Otherwise it returns ErrStateConflict.
func (s *SQLite) SaveState(ctx context.Context, name string, data []byte, version int64) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if version == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO bot_state (bot_name, data, version) VALUES (?, ?, 1)
			ON CONFLICT(bot_name) DO NOTHING`, name, data)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE bot_state SET data = ?, version = version + 1 WHERE bot_name = ? AND version = ?`,
			data, name, version)
	}
	if err != nil {
		return 0, fmt.Errorf("save state %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("save state %s: %w", name, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("save state %s at version %d: %w", name, version, ErrStateConflict)
	}
	return version + 1, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBot(sc scanner) (*Bot, error) {
	var (
		b                Bot
		created, updated int64
	)
	if err := sc.Scan(&b.Name, &b.Owner, &b.Source, &created, &updated, &b.LastSaid); err != nil {
		return nil, err
	}
	b.CreatedAt = time.Unix(0, created)
	b.UpdatedAt = time.Unix(0, updated)
	return &b, nil
}

func affected(res sql.Result, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("bot %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("bot %s: %w", name, ErrNotFound)
	}
	return nil
}
