// Package ot implements the edit primitive used by collabtext and the
// pairwise transform that reconciles two concurrently issued edits.
//
// Positions and lengths count Unicode code points, not bytes.
package ot

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Kind names the two edit primitives. The string values are the wire
// values of the "type" field.
type Kind string

const (
	Insert Kind = "insert"
	Delete Kind = "delete"
)

var (
	// ErrOutOfRange is returned by Apply when an operation addresses text
	// beyond the end of the content.
	ErrOutOfRange = errors.New("operation out of range")
	// ErrInvalidOp is returned by Validate for malformed operations.
	ErrInvalidOp = errors.New("invalid operation")
)

// Op is a single insert or delete at a character offset. Ops are values:
// Transform returns a rewritten copy and never touches its arguments.
type Op struct {
	Kind     Kind   `json:"type"`
	Position int    `json:"position"`
	Content  string `json:"content,omitempty"` // Insert only
	Length   int    `json:"length,omitempty"`  // Delete only
}

// NewInsert returns an op inserting s at pos.
func NewInsert(pos int, s string) Op {
	return Op{Kind: Insert, Position: pos, Content: s}
}

// NewDelete returns an op removing n characters starting at pos.
func NewDelete(pos, n int) Op {
	return Op{Kind: Delete, Position: pos, Length: n}
}

// Validate checks the op's shape without reference to any content.
func (op Op) Validate() error {
	switch op.Kind {
	case Insert, Delete:
	default:
		return errors.Wrapf(ErrInvalidOp, "unknown type %q", op.Kind)
	}
	if op.Position < 0 {
		return errors.Wrapf(ErrInvalidOp, "negative position %d", op.Position)
	}
	if op.Kind == Delete && op.Length < 0 {
		return errors.Wrapf(ErrInvalidOp, "negative length %d", op.Length)
	}
	return nil
}

// Len is the number of characters the op inserts or removes.
func (op Op) Len() int {
	if op.Kind == Insert {
		return utf8.RuneCountInString(op.Content)
	}
	return op.Length
}

func (op Op) String() string {
	if op.Kind == Insert {
		return fmt.Sprintf("i,%d,%s", op.Position, op.Content)
	}
	return fmt.Sprintf("d,%d,%d", op.Position, op.Length)
}

// Apply returns content with op applied. It fails with ErrOutOfRange if the
// op's position, or position+length for a delete, lies past the end of
// content.
func Apply(content string, op Op) (string, error) {
	if err := op.Validate(); err != nil {
		return "", err
	}
	start, ok := byteOffset(content, op.Position)
	if !ok {
		return "", errors.Wrapf(ErrOutOfRange, "%s: position beyond %d", op, utf8.RuneCountInString(content))
	}
	switch op.Kind {
	case Insert:
		return content[:start] + op.Content + content[start:], nil
	default:
		n, ok := byteOffset(content[start:], op.Length)
		if !ok {
			return "", errors.Wrapf(ErrOutOfRange, "%s: range beyond %d", op, utf8.RuneCountInString(content))
		}
		return content[:start] + content[start+n:], nil
	}
}

// byteOffset returns the byte index of the n-th code point of s. n may equal
// the number of code points, addressing the end of s.
func byteOffset(s string, n int) (int, bool) {
	i := 0
	for off := range s {
		if i == n {
			return off, true
		}
		i++
	}
	if i == n {
		return len(s), true
	}
	return 0, false
}
