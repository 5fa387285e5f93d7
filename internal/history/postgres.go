package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loqalabs/speech-relay/internal/config"
)

// PostgresSchema creates the history tables when they do not exist.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS chats (
    user_id      TEXT PRIMARY KEY,
    chat_history JSONB NOT NULL DEFAULT '[]',
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS users (
    user_id      TEXT PRIMARY KEY,
    visits       INTEGER NOT NULL DEFAULT 0,
    last_visited TIMESTAMPTZ,
    premium      BOOLEAN NOT NULL DEFAULT false
);
`

// PostgresStore keeps history in PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool     *pgxpool.Pool
	maxBytes int
	log      *slog.Logger
	clock    func() time.Time
}

func OpenPostgres(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres history: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres history: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres history: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, PostgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres history: migrate: %w", err)
	}
	s := &PostgresStore{
		pool:     pool,
		maxBytes: cfg.MaxDocumentBytes,
		log:      log.With(slog.String("component", "history"), slog.String("driver", "postgres")),
		clock:    time.Now,
	}
	s.log.Info("history store opened")
	return s, nil
}

func (s *PostgresStore) Get(ctx context.Context, userID string) ([]Message, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT chat_history FROM chats WHERE user_id = $1`, userID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres history: get: %w", err)
	}
	return decode(data)
}

func (s *PostgresStore) Set(ctx context.Context, userID string, messages []Message) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	data, err := encode(messages, s.maxBytes)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO chats (user_id, chat_history, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET chat_history = EXCLUDED.chat_history, updated_at = EXCLUDED.updated_at`,
		userID, data, s.clock().UTC())
	if err != nil {
		return fmt.Errorf("postgres history: set: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM chats WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("postgres history: delete: %w", err)
	}
	return nil
}

func (s *PostgresStore) Touch(ctx context.Context, userID string) (Profile, error) {
	if userID == "" {
		return Profile{}, ErrEmptyUserID
	}
	p := Profile{UserID: userID}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (user_id, visits, last_visited) VALUES ($1, 1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET visits = users.visits + 1, last_visited = EXCLUDED.last_visited
		 RETURNING visits, last_visited, premium`,
		userID, s.clock().UTC()).Scan(&p.Visits, &p.LastVisited, &p.Premium)
	if err != nil {
		return p, fmt.Errorf("postgres history: touch: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) Profile(ctx context.Context, userID string) (Profile, error) {
	if userID == "" {
		return Profile{}, ErrEmptyUserID
	}
	p := Profile{UserID: userID}
	var last *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT visits, last_visited, premium FROM users WHERE user_id = $1`, userID).
		Scan(&p.Visits, &last, &p.Premium)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("postgres history: profile: %w", err)
	}
	if last != nil {
		p.LastVisited = *last
	}
	return p, nil
}

func (s *PostgresStore) SetPremium(ctx context.Context, userID string, premium bool) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (user_id, premium) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET premium = EXCLUDED.premium`,
		userID, premium)
	if err != nil {
		return fmt.Errorf("postgres history: set premium: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
