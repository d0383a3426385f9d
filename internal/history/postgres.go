package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlHistory = `
CREATE TABLE IF NOT EXISTS transcription_history (
    id           UUID         PRIMARY KEY,
    title        TEXT         NOT NULL,
    text         TEXT         NOT NULL,
    raw_text     TEXT         NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    provider     TEXT         NOT NULL DEFAULT '',
    model        TEXT         NOT NULL DEFAULT '',
    language     TEXT         NOT NULL DEFAULT '',
    duration_ns  BIGINT       NOT NULL DEFAULT 0,
    audio_path   TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_transcription_history_created_at
    ON transcription_history (created_at DESC);
`

const selectColumns = `id, title, text, raw_text, created_at, provider, model, language, duration_ns, audio_path`

// PostgresStore keeps history in the transcription_history table.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts options
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn, verifies the connection and runs
// [Migrate].
func NewPostgresStore(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, opts: newOptions(opts)}, nil
}

// Migrate creates the history table if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlHistory); err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Add(ctx context.Context, e Entry) (Entry, error) {
	e = prepare(e, s.opts.now())

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("history: add: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	const insert = `
		INSERT INTO transcription_history
		    (id, title, text, raw_text, created_at, provider, model, language, duration_ns, audio_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	if _, err := tx.Exec(ctx, insert,
		e.ID, e.Title, e.Text, e.RawText, e.CreatedAt,
		e.Provider, e.Model, e.Language, e.Duration.Nanoseconds(), e.AudioPath,
	); err != nil {
		return Entry{}, fmt.Errorf("history: add: %w", err)
	}

	const evict = `
		DELETE FROM transcription_history
		WHERE  id IN (
		    SELECT id FROM transcription_history
		    ORDER  BY created_at DESC, id
		    OFFSET $1
		)
		RETURNING audio_path`
	rows, err := tx.Query(ctx, evict, s.opts.limit)
	if err != nil {
		return Entry{}, fmt.Errorf("history: evict: %w", err)
	}
	evicted, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return Entry{}, fmt.Errorf("history: evict: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Entry{}, fmt.Errorf("history: add: %w", err)
	}
	for _, path := range evicted {
		removeAudio(s.opts.log, path)
	}
	return e, nil
}

func (s *PostgresStore) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	q := `SELECT ` + selectColumns + ` FROM transcription_history`
	var args []any
	if opts.Query != "" {
		args = append(args, opts.Query)
		q += ` WHERE strpos(lower(text), lower($1)) > 0 OR strpos(lower(title), lower($1)) > 0`
	}
	q += ` ORDER BY created_at DESC, id`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (Entry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+selectColumns+` FROM transcription_history WHERE id = $1`, id)
	if err != nil {
		return Entry{}, fmt.Errorf("history: get: %w", err)
	}
	return collectOne(rows, "get")
}

func (s *PostgresStore) UpdateText(ctx context.Context, id uuid.UUID, text string) (Entry, error) {
	const q = `
		UPDATE transcription_history
		SET    text = $2, title = $3
		WHERE  id = $1
		RETURNING ` + selectColumns
	rows, err := s.pool.Query(ctx, q, id, text, Title(text))
	if err != nil {
		return Entry{}, fmt.Errorf("history: update: %w", err)
	}
	return collectOne(rows, "update")
}

func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	var path string
	err := s.pool.QueryRow(ctx, `DELETE FROM transcription_history WHERE id = $1 RETURNING audio_path`, id).Scan(&path)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("history: delete: %w", err)
	}
	removeAudio(s.opts.log, path)
	return nil
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `DELETE FROM transcription_history RETURNING audio_path`)
	if err != nil {
		return fmt.Errorf("history: clear: %w", err)
	}
	paths, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("history: clear: %w", err)
	}
	for _, p := range paths {
		removeAudio(s.opts.log, p)
	}
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanEntry(row pgx.CollectableRow) (Entry, error) {
	var (
		e          Entry
		durationNS int64
	)
	if err := row.Scan(
		&e.ID, &e.Title, &e.Text, &e.RawText, &e.CreatedAt,
		&e.Provider, &e.Model, &e.Language, &durationNS, &e.AudioPath,
	); err != nil {
		return Entry{}, err
	}
	e.Duration = time.Duration(durationNS)
	return e, nil
}

func collectOne(rows pgx.Rows, op string) (Entry, error) {
	e, err := pgx.CollectExactlyOneRow(rows, scanEntry)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("history: %s: %w", op, err)
	}
	return e, nil
}
