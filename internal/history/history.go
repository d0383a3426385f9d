// Package history keeps the most recent transcriptions.
//
// Two [Store] implementations exist: [FileStore] writes a JSON file, the
// default for single-user CLI use, and [PostgresStore] keeps entries in a
// PostgreSQL table for the server. Both hold at most a configured number of
// entries, newest first, and delete the audio file of every entry they evict
// or remove.
package history

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultLimit is the number of entries kept when no limit is configured.
const DefaultLimit = 100

// titleLen is the maximum rune length of [Title].
const titleLen = 50

// ErrNotFound is returned when no entry has the requested id.
var ErrNotFound = errors.New("history: entry not found")

// Entry is one stored transcription.
type Entry struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	RawText   string    `json:"raw_text,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	Language  string    `json:"language,omitempty"`

	// Duration is the length of the transcribed audio.
	Duration time.Duration `json:"duration"`

	// AudioPath is the saved recording, if any.
	AudioPath string `json:"audio_path,omitempty"`
}

// ListOptions filters [Store.List].
type ListOptions struct {
	// Limit caps the number of entries returned. Zero means all.
	Limit int

	// Query keeps only entries whose text or title contains it, ignoring
	// case.
	Query string
}

// Store persists history entries. Implementations are safe for concurrent
// use.
type Store interface {
	// Add stores e as the newest entry, assigning ID, CreatedAt and Title
	// when unset, and evicts the oldest entries beyond the limit.
	Add(ctx context.Context, e Entry) (Entry, error)

	// List returns entries newest first.
	List(ctx context.Context, opts ListOptions) ([]Entry, error)

	Get(ctx context.Context, id uuid.UUID) (Entry, error)

	// UpdateText replaces the text of an entry and regenerates its title.
	UpdateText(ctx context.Context, id uuid.UUID, text string) (Entry, error)

	// Delete removes an entry and its audio file.
	Delete(ctx context.Context, id uuid.UUID) error

	// Clear removes every entry and audio file.
	Clear(ctx context.Context) error

	Close() error
}

// Title derives a display title from text: whitespace-normalised and cut to
// 50 runes with an ellipsis.
func Title(text string) string {
	clean := strings.ReplaceAll(strings.TrimSpace(text), "\n", " ")
	r := []rune(clean)
	if len(r) <= titleLen {
		return clean
	}
	return string(r[:titleLen-3]) + "..."
}

// prepare fills the generated fields of a new entry.
func prepare(e Entry, now time.Time) Entry {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.Title == "" {
		e.Title = Title(e.Text)
	}
	return e
}

func matches(e Entry, query string) bool {
	if query == "" {
		return true
	}
	q := strings.ToLower(query)
	return strings.Contains(strings.ToLower(e.Text), q) || strings.Contains(strings.ToLower(e.Title), q)
}

// removeAudio deletes a saved recording. Failures are logged, not returned,
// so a missing file never blocks removing its entry.
func removeAudio(log *slog.Logger, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("history: remove audio", "path", path, "err", err)
	}
}

// Stats summarises a set of entries.
type Stats struct {
	Total         int            `json:"total"`
	TotalDuration time.Duration  `json:"total_duration"`
	ByProvider    map[string]int `json:"by_provider"`
	ByModel       map[string]int `json:"by_model"`
	Today         int            `json:"today"`
	ThisWeek      int            `json:"this_week"`
	ThisMonth     int            `json:"this_month"`
}

// Summarize computes [Stats] for entries relative to now. Weeks start on
// Sunday, in now's location.
func Summarize(entries []Entry, now time.Time) Stats {
	s := Stats{
		Total:      len(entries),
		ByProvider: map[string]int{},
		ByModel:    map[string]int{},
	}
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	week := today.AddDate(0, 0, -int(today.Weekday()))
	month := time.Date(y, m, 1, 0, 0, 0, 0, now.Location())

	for _, e := range entries {
		s.TotalDuration += e.Duration
		if e.Provider != "" {
			s.ByProvider[e.Provider]++
		}
		if e.Model != "" {
			s.ByModel[e.Model]++
		}
		if !e.CreatedAt.Before(today) {
			s.Today++
		}
		if !e.CreatedAt.Before(week) {
			s.ThisWeek++
		}
		if !e.CreatedAt.Before(month) {
			s.ThisMonth++
		}
	}
	return s
}
