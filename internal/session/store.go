// Package session holds the in-memory state of every open document: its
// content, its version counter and a bounded history of committed
// operations.
package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"collabtext/internal/ot"
)

const (
	DefaultHistoryLimit  = 1000
	DefaultHistoryRetain = 500
)

// ErrUnknownDocument is returned for operations on a document with no
// session.
var ErrUnknownDocument = errors.New("document not found")

// Options configures a Store.
type Options struct {
	// HistoryLimit is the history length that triggers trimming.
	HistoryLimit int
	// HistoryRetain is how many of the newest operations survive a trim.
	HistoryRetain int
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
	// Now stamps commits. If nil, time.Now is used.
	Now func() time.Time
}

// Store owns every Document. Documents are independent of each other:
// commits to different documents never contend on a shared lock.
type Store struct {
	opts   Options
	logger *slog.Logger

	mu   sync.RWMutex
	docs map[string]*Document
}

func NewStore(opts Options) *Store {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.HistoryRetain <= 0 || opts.HistoryRetain > opts.HistoryLimit {
		opts.HistoryRetain = opts.HistoryLimit / 2
		if opts.HistoryRetain == 0 {
			opts.HistoryRetain = 1
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{opts: opts, logger: logger, docs: make(map[string]*Document)}
}

// Get returns the live session for id, if any.
func (s *Store) Get(id string) (*Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	return d, ok
}

// GetOrCreate returns the session for id, creating an empty one at
// version 0 if needed.
func (s *Store) GetOrCreate(id string) *Document {
	d, _ := s.Restore(Snapshot{DocumentID: id})
	return d
}

// Restore returns the session for snap.DocumentID, creating it from snap
// if none exists. The boolean reports whether a session was created. A
// restored session has no history: edits against versions before
// snap.Version are stale.
func (s *Store) Restore(snap Snapshot) (*Document, bool) {
	if d, ok := s.Get(snap.DocumentID); ok {
		return d, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[snap.DocumentID]; ok {
		return d, false
	}
	d := &Document{
		id:      snap.DocumentID,
		content: snap.Content,
		version: snap.Version,
		limit:   s.opts.HistoryLimit,
		retain:  s.opts.HistoryRetain,
		now:     s.opts.Now,
	}
	s.docs[snap.DocumentID] = d
	s.logger.Debug("document session created",
		"document_id", snap.DocumentID,
		"version", snap.Version,
	)
	return d, true
}

// Snapshot returns the current state of document id.
func (s *Store) Snapshot(id string) (Snapshot, bool) {
	d, ok := s.Get(id)
	if !ok {
		return Snapshot{}, false
	}
	return d.Snapshot(), true
}

// Commit applies op to document id without reconciliation.
func (s *Store) Commit(id string, op ot.Op) (Commit, error) {
	d, ok := s.Get(id)
	if !ok {
		return Commit{}, errors.Wrap(ErrUnknownDocument, id)
	}
	return d.Commit(op)
}

// EvictIf removes document id if cond, evaluated while the document is
// locked, returns true. Holders of the evicted Document get ErrEvicted from
// then on.
func (s *Store) EvictIf(id string, cond func() bool) bool {
	d, ok := s.Get(id)
	if !ok {
		return false
	}
	// Lock order is document, then store.
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.evicted || !cond() {
		return false
	}
	d.evicted = true
	s.mu.Lock()
	if s.docs[id] == d {
		delete(s.docs, id)
	}
	s.mu.Unlock()
	s.logger.Debug("document session evicted", "document_id", id, "version", d.version)
	return true
}

// IDs returns the ids of all live sessions, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
