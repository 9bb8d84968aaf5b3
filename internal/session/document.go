package session

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"collabtext/internal/ot"
	"collabtext/internal/resolver"
)

// ErrEvicted is returned when a caller holds a Document that has since been
// removed from its Store.
var ErrEvicted = errors.New("document session evicted")

// Snapshot is the state a joining client bootstraps from.
type Snapshot struct {
	DocumentID string
	Content    string
	Version    int
}

// Commit describes one successfully applied operation.
type Commit struct {
	DocumentID string
	Op         ot.Op // as applied, after transformation
	Version    int   // version after the commit
	Content    string
	At         time.Time
}

// Document is the live state of one document. All mutation goes through
// Submit, which serializes commits for the document.
type Document struct {
	id string

	mu      sync.Mutex // protects the fields below
	content string
	version int
	history []ot.Op // history[i] has version index version-len(history)+i
	evicted bool

	limit  int
	retain int
	now    func() time.Time
}

func (d *Document) ID() string { return d.id }

// Snapshot returns the current content and version.
func (d *Document) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

func (d *Document) snapshotLocked() Snapshot {
	return Snapshot{DocumentID: d.id, Content: d.content, Version: d.version}
}

// View runs fn with the current snapshot while no commit can happen. It
// reports false, without calling fn, if the document has been evicted.
func (d *Document) View(fn func(Snapshot)) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.evicted {
		return false
	}
	fn(d.snapshotLocked())
	return true
}

// Submit reconciles op, issued against clientVersion, with the history and
// commits it. onCommit runs before the lock is released, so commits and
// their callbacks are observed in the same order.
func (d *Document) Submit(clientVersion int, op ot.Op, onCommit func(Commit)) (Commit, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.evicted {
		return Commit{}, ErrEvicted
	}
	resolved, err := resolver.Resolve(window{d}, clientVersion, op)
	if err != nil {
		return Commit{}, err
	}
	c, err := d.commitLocked(resolved)
	if err != nil {
		return Commit{}, err
	}
	if onCommit != nil {
		onCommit(c)
	}
	return c, nil
}

// Commit applies op as is, with no reconciliation.
func (d *Document) Commit(op ot.Op) (Commit, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.evicted {
		return Commit{}, ErrEvicted
	}
	return d.commitLocked(op)
}

func (d *Document) commitLocked(op ot.Op) (Commit, error) {
	content, err := ot.Apply(d.content, op)
	if err != nil {
		return Commit{}, err
	}
	d.content = content
	d.version++
	d.history = append(d.history, op)
	if len(d.history) > d.limit {
		d.history = append([]ot.Op(nil), d.history[len(d.history)-d.retain:]...)
	}
	return Commit{
		DocumentID: d.id,
		Op:         op,
		Version:    d.version,
		Content:    content,
		At:         d.now(),
	}, nil
}

// History returns a copy of the retained operations and the version index
// of the first one.
func (d *Document) History() ([]ot.Op, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ot.Op(nil), d.history...), d.version - len(d.history)
}

// window exposes a locked Document to the resolver.
type window struct{ d *Document }

func (w window) Version() int { return w.d.version }
func (w window) Oldest() int  { return w.d.version - len(w.d.history) }
func (w window) Since(v int) []ot.Op {
	return w.d.history[v-w.Oldest():]
}
