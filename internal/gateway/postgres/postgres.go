// Package postgres implements gateway.Tables directly on a PostgreSQL
// database for self-hosted deployments. Realtime delivery is layered on top
// by the nats package.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/zrchat/zrchat-client/internal/gateway"
	"github.com/zrchat/zrchat-client/internal/model"
	"github.com/zrchat/zrchat-client/pkg/logger"
)

// Store is a pgx connection pool serving the chat tables.
type Store struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
}

var (
	_ gateway.Tables = (*Store)(nil)
	_ gateway.Pinger = (*Store)(nil)
)

// New opens a pool on dsn and verifies the connection.
func New(ctx context.Context, dsn string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewNop()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool, logger: log.Named("postgres")}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping implements gateway.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", gateway.ErrUnavailable, err)
	}
	return nil
}

// Migrate creates the chat schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			name        TEXT,
			email       TEXT UNIQUE,
			avatar_url  TEXT,
			is_online   BOOLEAN NOT NULL DEFAULT FALSE,
			whatsapp    TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS groups (
			id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			name        TEXT NOT NULL,
			avatar_url  TEXT,
			created_by  UUID REFERENCES users(id)
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id               UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			is_group         BOOLEAN NOT NULL DEFAULT FALSE,
			group_id         UUID REFERENCES groups(id) ON DELETE SET NULL,
			is_archived      BOOLEAN NOT NULL DEFAULT FALSE,
			last_message_at  TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS participants (
			conversation_id  UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			user_id          UUID NOT NULL REFERENCES users(id),
			unread_count     INTEGER NOT NULL DEFAULT 0,
			last_seen        TIMESTAMPTZ,
			PRIMARY KEY (conversation_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id               UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			conversation_id  UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id        UUID NOT NULL REFERENCES users(id),
			text             TEXT,
			image_url        TEXT,
			audio_url        TEXT,
			video_url        TEXT,
			sent_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			is_read          BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_participants_user ON participants(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, sent_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// mapErr translates driver errors into gateway sentinels.
func mapErr(ctx context.Context, err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr):
		switch pgErr.Code {
		case "42501":
			return fmt.Errorf("%w: %s", gateway.ErrPermission, pgErr.Message)
		case "23503":
			return fmt.Errorf("%w: %s", gateway.ErrNotFound, pgErr.Message)
		}
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return fmt.Errorf("%w: %v", gateway.ErrUnavailable, err)
}

// Query implements gateway.Tables.
func (s *Store) Query(ctx context.Context, table string, filter gateway.Filter, order gateway.Order) ([]model.Row, error) {
	if filter.Empty() {
		return nil, nil
	}
	sql, args, err := buildSelect(table, filter, order)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, mapErr(ctx, err))
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, mapErr(ctx, err))
	}
	out := make([]model.Row, len(maps))
	for i, m := range maps {
		out[i] = normalize(m)
	}
	return out, nil
}

// Insert implements gateway.Tables.
func (s *Store) Insert(ctx context.Context, table string, row model.Row) (model.Row, error) {
	sql, args, err := buildInsert(table, row)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, mapErr(ctx, err))
	}
	m, err := pgx.CollectOneRow(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, mapErr(ctx, err))
	}
	return normalize(m), nil
}

// Update implements gateway.Tables.
func (s *Store) Update(ctx context.Context, table string, filter gateway.Filter, patch model.Row) error {
	if filter.Empty() || len(patch) == 0 {
		return nil
	}
	sql, args, err := buildUpdate(table, filter, patch)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", table, mapErr(ctx, err))
	}
	s.logger.Debug("rows updated", zap.String("table", table), zap.Int64("rows", tag.RowsAffected()))
	return nil
}

// Delete implements gateway.Tables.
func (s *Store) Delete(ctx context.Context, table string, filter gateway.Filter) error {
	if filter.Empty() {
		return nil
	}
	sql, args, err := buildDelete(table, filter)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("delete %s: %w", table, mapErr(ctx, err))
	}
	return nil
}
