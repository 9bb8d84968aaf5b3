// Package archive hands committed operations and comments to durable
// collaborators. Nothing in the sync path waits on an archive write.
package archive

import (
	"context"
	"time"

	"collabtext/internal/ot"
	"collabtext/internal/protocol"
)

type EventKind string

const (
	KindOperation EventKind = "operation"
	KindComment   EventKind = "comment"
)

// Event is one thing worth persisting.
type Event struct {
	Kind       EventKind         `json:"kind"`
	DocumentID string            `json:"documentId"`
	Version    int               `json:"version,omitempty"`
	Operation  *ot.Op            `json:"operation,omitempty"`
	UserID     string            `json:"userId,omitempty"`
	Comment    *protocol.Comment `json:"comment,omitempty"`
	At         time.Time         `json:"at"`

	// Content is the document text after an operation. Snapshot stores use
	// it; it is not published.
	Content string `json:"-"`
}

// Snapshot is a persisted document state.
type Snapshot struct {
	Content string
	Version int
}

// Sink stores events. Record may be retried with the same event.
type Sink interface {
	Name() string
	Record(ctx context.Context, ev Event) error
}

// Loader restores a document that has no live session.
type Loader interface {
	Load(ctx context.Context, documentID string) (Snapshot, bool, error)
}

// Loaders tries each loader in turn and returns the snapshot with the
// highest version.
type Loaders []Loader

func (ls Loaders) Load(ctx context.Context, documentID string) (Snapshot, bool, error) {
	var (
		best  Snapshot
		found bool
	)
	for _, l := range ls {
		snap, ok, err := l.Load(ctx, documentID)
		if err != nil {
			return Snapshot{}, false, err
		}
		if ok && (!found || snap.Version > best.Version) {
			best, found = snap, true
		}
	}
	return best, found, nil
}
