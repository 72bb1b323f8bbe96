// Package history keeps the list of recently produced artifacts.
//
// Entries are stored newest first under a single key and capped at
// MaxEntries. Kinds are re-derived from the filename on every Load, and a
// corrected list is written back.
package history

import (
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/hurricanerix/loom/internal/comfy"
	"github.com/hurricanerix/loom/internal/logging"
	"github.com/hurricanerix/loom/internal/media"
	"github.com/hurricanerix/loom/internal/storage"
)

const (
	// MaxEntries is the number of entries kept
	MaxEntries = 50
	// storageKey is where the list lives in the store
	storageKey = "history/entries"
)

// Entry is one remembered artifact.
type Entry struct {
	media.Artifact
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// Store persists history entries in a storage.Store.
type Store struct {
	mu     sync.Mutex
	kv     storage.Store
	logger *logging.Logger
	now    func() time.Time
}

// NewStore creates a Store over kv.
func NewStore(kv storage.Store, logger *logging.Logger) *Store {
	return &Store{
		kv:     kv,
		logger: logging.OrDiscard(logger),
		now:    time.Now,
	}
}

// Append records artifacts. Each one is put at the front in turn, so the
// last artifact of a batch ends up first. The list is then cut to
// MaxEntries.
func (s *Store) Append(artifacts []media.Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.read()
	ts := s.now()
	for _, a := range artifacts {
		e := Entry{Artifact: a, ID: uuid.NewString(), Timestamp: ts}
		e.Reclassify()
		entries = append([]Entry{e}, entries...)
	}
	if len(entries) > MaxEntries {
		entries = entries[:MaxEntries]
	}
	return s.write(entries)
}

// Load returns the entries, newest first. Entries whose kind no longer
// matches their extension are corrected and the list is rewritten.
func (s *Store) Load() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.read()
	changed := false
	for i := range entries {
		if entries[i].Reclassify() {
			changed = true
		}
	}
	if changed {
		s.logger.Info("Corrected media kind of stored history entries")
		if err := s.write(entries); err != nil {
			return entries, err
		}
	}
	return entries, nil
}

// Clear removes every entry.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Delete(storageKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

// read loads the stored list. Missing or unreadable data yields an empty
// list.
func (s *Store) read() []Entry {
	data, err := s.kv.Get(storageKey)
	if errors.Is(err, storage.ErrNotFound) {
		return []Entry{}
	}
	if err != nil {
		s.logger.Warn("Failed to read history, starting empty: %v", err)
		return []Entry{}
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		s.logger.Warn("Stored history is corrupt, starting empty: %v", err)
		return []Entry{}
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries
}

func (s *Store) write(entries []Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	if err := s.kv.Put(storageKey, data); err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	return nil
}

// Rebase returns copies of entries whose URLs point at the server at base.
func Rebase(entries []Entry, base string) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		e.URL = comfy.ViewURL(base, e.Name, e.Subfolder)
		out[i] = e
	}
	return out
}
