package history

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// testDSN skips the test unless MURMUR_TEST_POSTGRES_DSN is set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("MURMUR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MURMUR_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newPostgresStore returns a store on a freshly dropped table.
func newPostgresStore(t *testing.T, opts ...Option) *PostgresStore {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS transcription_history`); err != nil {
		t.Fatalf("drop: %v", err)
	}
	pool.Close()

	s, err := NewPostgresStore(ctx, dsn, append([]Option{WithClock(tick())}, opts...)...)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresStore(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t, WithLimit(2))

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	a, err := s.Add(ctx, Entry{Text: "alpha transcript", Provider: "bigasr", Duration: 1500 * time.Millisecond})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	b, _ := s.Add(ctx, Entry{Text: "beta"})

	got, err := s.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Text != a.Text || got.Provider != "bigasr" || got.Duration != a.Duration || !got.CreatedAt.Equal(a.CreatedAt) {
		t.Errorf("Get = %+v, want %+v", got, a)
	}

	list, _ := s.List(ctx, ListOptions{})
	if len(list) != 2 || list[0].ID != b.ID {
		t.Errorf("List = %+v, want newest first", list)
	}
	found, _ := s.List(ctx, ListOptions{Query: "ALPHA", Limit: 5})
	if len(found) != 1 || found[0].ID != a.ID {
		t.Errorf("List(query) = %+v", found)
	}

	s.Add(ctx, Entry{Text: "gamma"})
	if _, err := s.Get(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("oldest entry not evicted: %v", err)
	}

	updated, err := s.UpdateText(ctx, b.ID, "beta corrected")
	if err != nil || updated.Title != "beta corrected" {
		t.Errorf("UpdateText = %+v, %v", updated, err)
	}
	if _, err := s.UpdateText(ctx, uuid.New(), "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateText(unknown) err = %v", err)
	}

	if err := s.Delete(ctx, b.ID); err != nil {
		t.Errorf("Delete: %v", err)
	}
	if err := s.Delete(ctx, b.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete err = %v", err)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if list, _ := s.List(ctx, ListOptions{}); len(list) != 0 {
		t.Errorf("List after Clear = %+v", list)
	}
}
