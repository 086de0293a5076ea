package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/baibot/bai/internal/logger"
)

// PostgresStore shares in-flight state between several bot replicas.
type PostgresStore struct {
	conn *sql.DB
}

// NewPostgresStore connects to dsn and creates the state table if needed.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{conn: conn}
	if err := s.initTable(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	logger.InfoMsg("Dedup database connection established successfully")
	return s, nil
}

func (s *PostgresStore) initTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS dispatch_state (
		chat_id BIGINT NOT NULL,
		message_id BIGINT NOT NULL,
		kind VARCHAR(16) NOT NULL,
		started_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		PRIMARY KEY (chat_id, message_id)
	);

	CREATE INDEX IF NOT EXISTS idx_dispatch_state_started_at ON dispatch_state(started_at);
	`
	_, err := s.conn.Exec(query)
	return err
}

func (s *PostgresStore) Admit(ctx context.Context, key Key, kind Kind) (bool, error) {
	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO dispatch_state (chat_id, message_id, kind, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chat_id, message_id) DO NOTHING`,
		key.ChatID, key.MessageID, string(kind), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to admit %s: %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read admit result: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) Release(ctx context.Context, key Key) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM dispatch_state WHERE chat_id = $1 AND message_id = $2`,
		key.ChatID, key.MessageID)
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM dispatch_state WHERE started_at < $1`,
		time.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep dispatch state: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read sweep result: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM dispatch_state`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count dispatch state: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
