package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Postgres stores entries in the coach_conversations table.
type Postgres struct {
	pool *pgxpool.Pool
}

// Open connects a pool and verifies it with a ping.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("journal database url is empty")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse journal database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open journal pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping journal database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Migrate applies pending schema migrations through goose.
func (p *Postgres) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(p.pool)
	defer db.Close()
	return migrate(ctx, db)
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(embedded, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("journal migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("journal migrations: %w", err)
	}
	return nil
}

const insertEntrySQL = `INSERT INTO coach_conversations
	(channel_id, request_id, input_chars, outcome, audio_chunks, started_at, finished_at, error)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

func (p *Postgres) Record(ctx context.Context, e Entry) error {
	_, err := p.pool.Exec(ctx, insertEntrySQL,
		e.ChannelID, e.RequestID, e.InputChars, e.Outcome, e.AudioChunks, e.StartedAt, e.FinishedAt, e.Error)
	if err != nil {
		return fmt.Errorf("record conversation: %w", err)
	}
	return nil
}

// Recent returns up to limit entries for a channel, newest first.
func (p *Postgres) Recent(ctx context.Context, channelID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := p.pool.Query(ctx, `SELECT channel_id, request_id, input_chars, outcome, audio_chunks, started_at, finished_at, error
		FROM coach_conversations WHERE channel_id = $1 ORDER BY started_at DESC, id DESC LIMIT $2`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		err := row.Scan(&e.ChannelID, &e.RequestID, &e.InputChars, &e.Outcome, &e.AudioChunks, &e.StartedAt, &e.FinishedAt, &e.Error)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan conversations: %w", err)
	}
	return entries, nil
}

// Ping reports whether the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	if p != nil && p.pool != nil {
		p.pool.Close()
	}
}
