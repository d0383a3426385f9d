package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Option configures a store.
type Option func(*options)

type options struct {
	limit int
	log   *slog.Logger
	now   func() time.Time
}

// WithLimit sets the maximum number of entries kept. Default: [DefaultLimit].
func WithLimit(n int) Option {
	return func(o *options) { o.limit = n }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithClock overrides time.Now for generated timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func newOptions(opts []Option) options {
	o := options{limit: DefaultLimit, log: slog.Default(), now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	if o.limit <= 0 {
		o.limit = DefaultLimit
	}
	return o
}

// FileStore keeps history in a JSON file. The file is re-read on every call
// so several processes may share it; writes replace it atomically.
type FileStore struct {
	path string
	opts options
	mu   sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store backed by path. The parent directory is
// created if needed; the file itself is created on the first write.
func NewFileStore(path string, opts ...Option) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("history: file path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history: create dir: %w", err)
	}
	return &FileStore{path: path, opts: newOptions(opts)}, nil
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Add(_ context.Context, e Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return Entry{}, err
	}
	e = prepare(e, s.opts.now())
	entries = append([]Entry{e}, entries...)

	var evicted []Entry
	if len(entries) > s.opts.limit {
		evicted = entries[s.opts.limit:]
		entries = entries[:s.opts.limit]
	}
	if err := s.save(entries); err != nil {
		return Entry{}, err
	}
	for _, old := range evicted {
		removeAudio(s.opts.log, old.AudioPath)
	}
	return e, nil
}

func (s *FileStore) List(_ context.Context, opts ListOptions) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !matches(e, opts.Query) {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

func (s *FileStore) Get(_ context.Context, id uuid.UUID) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return Entry{}, err
	}
	i := index(entries, id)
	if i < 0 {
		return Entry{}, ErrNotFound
	}
	return entries[i], nil
}

func (s *FileStore) UpdateText(_ context.Context, id uuid.UUID, text string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return Entry{}, err
	}
	i := index(entries, id)
	if i < 0 {
		return Entry{}, ErrNotFound
	}
	entries[i].Text = text
	entries[i].Title = Title(text)
	if err := s.save(entries); err != nil {
		return Entry{}, err
	}
	return entries[i], nil
}

func (s *FileStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	i := index(entries, id)
	if i < 0 {
		return ErrNotFound
	}
	removed := entries[i]
	if err := s.save(slices.Delete(entries, i, i+1)); err != nil {
		return err
	}
	removeAudio(s.opts.log, removed.AudioPath)
	return nil
}

func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	if err := s.save([]Entry{}); err != nil {
		return err
	}
	for _, e := range entries {
		removeAudio(s.opts.log, e.AudioPath)
	}
	return nil
}

// Ping reports whether the history file is readable.
func (s *FileStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.load()
	return err
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }

// load reads all entries. A missing file is an empty history.
func (s *FileStore) load() ([]Entry, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: read %s: %w", s.path, err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("history: parse %s: %w", s.path, err)
	}
	return entries, nil
}

// save writes entries to a temp file and renames it over the old one.
func (s *FileStore) save(entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("history: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("history: write: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("history: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("history: write: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("history: write: %w", err)
	}
	return nil
}

func index(entries []Entry, id uuid.UUID) int {
	return slices.IndexFunc(entries, func(e Entry) bool { return e.ID == id })
}
