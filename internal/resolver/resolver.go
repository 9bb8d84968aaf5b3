// Package resolver reconciles an edit issued against a stale document
// version with the operations committed since that version.
package resolver

import (
	"github.com/pkg/errors"

	"collabtext/internal/ot"
)

var (
	// ErrStaleVersion means the history needed to reconcile the edit has
	// been trimmed. The client has to refetch a snapshot.
	ErrStaleVersion = errors.New("stale version")
	// ErrInvalidVersion means the client claims a version the document has
	// not reached.
	ErrInvalidVersion = errors.New("invalid version")
)

// History is the read view of a document's committed operations.
type History interface {
	// Version is the number of operations ever committed.
	Version() int
	// Oldest is the version index of the oldest retained operation.
	Oldest() int
	// Since returns the retained operations with index >= version, in commit
	// order. version must be within [Oldest, Version].
	Since(version int) []ot.Op
}

// Resolve rewrites op, issued by a client that had seen clientVersion, so it
// can be committed on top of h.
func Resolve(h History, clientVersion int, op ot.Op) (ot.Op, error) {
	current := h.Version()
	switch {
	case clientVersion < 0 || clientVersion > current:
		return op, errors.Wrapf(ErrInvalidVersion, "client version %d, document version %d", clientVersion, current)
	case clientVersion == current:
		return op, nil
	case clientVersion < h.Oldest():
		return op, errors.Wrapf(ErrStaleVersion, "client version %d, oldest retained %d", clientVersion, h.Oldest())
	}
	return ot.TransformAll(h.Since(clientVersion), op), nil
}
