package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/speech-relay/internal/config"
	_ "modernc.org/sqlite"
)

// SQLiteStore wraps a SQLite-backed history document store.
type SQLiteStore struct {
	db       *sql.DB
	maxBytes int
	log      *slog.Logger
	clock    func() time.Time
}

// OpenSQLite opens (and creates if needed) the database at cfg.Path.
func OpenSQLite(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{
		db:       db,
		maxBytes: cfg.MaxDocumentBytes,
		log:      log.With(slog.String("component", "history"), slog.String("driver", "sqlite")),
		clock:    time.Now,
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.log.Info("history store opened", slog.String("path", cfg.Path))
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS chats (
    user_id TEXT PRIMARY KEY,
    chat_history BLOB NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS users (
    user_id TEXT PRIMARY KEY,
    visits INTEGER NOT NULL DEFAULT 0,
    last_visited TIMESTAMP,
    premium INTEGER NOT NULL DEFAULT 0
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init history schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, userID string) ([]Message, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT chat_history FROM chats WHERE user_id = ?`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return decode(data)
}

func (s *SQLiteStore) Set(ctx context.Context, userID string, messages []Message) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	data, err := encode(messages, s.maxBytes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chats(user_id, chat_history, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET chat_history=excluded.chat_history, updated_at=excluded.updated_at`,
		userID, data, s.clock().UTC())
	if err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Touch(ctx context.Context, userID string) (Profile, error) {
	if userID == "" {
		return Profile{}, ErrEmptyUserID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(user_id, visits, last_visited) VALUES(?, 1, ?)
		 ON CONFLICT(user_id) DO UPDATE SET visits=users.visits+1, last_visited=excluded.last_visited`,
		userID, s.clock().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return Profile{}, fmt.Errorf("touch user: %w", err)
	}
	return s.Profile(ctx, userID)
}

func (s *SQLiteStore) Profile(ctx context.Context, userID string) (Profile, error) {
	if userID == "" {
		return Profile{}, ErrEmptyUserID
	}
	p := Profile{UserID: userID}
	var (
		last    sql.NullString
		premium int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT visits, last_visited, premium FROM users WHERE user_id = ?`, userID).
		Scan(&p.Visits, &last, &premium)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("load profile: %w", err)
	}
	if last.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, last.String); err == nil {
			p.LastVisited = ts
		}
	}
	p.Premium = premium != 0
	return p, nil
}

func (s *SQLiteStore) SetPremium(ctx context.Context, userID string, premium bool) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	flag := 0
	if premium {
		flag = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(user_id, premium) VALUES(?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET premium=excluded.premium`,
		userID, flag)
	if err != nil {
		return fmt.Errorf("set premium: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases underlying resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
