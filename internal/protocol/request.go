// Package protocol defines the JSON messages exchanged with editors. Every
// message is an object with a "type" field; Decode turns a raw request into
// one of the Request variants below.
package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"

	"collabtext/internal/ot"
	"collabtext/internal/presence"
)

// Request types.
const (
	TypeJoinDocument      = "join_document"
	TypeLeaveDocument     = "leave_document"
	TypeDocumentOperation = "document_operation"
	TypeCursorUpdate      = "cursor_update"
	TypeTypingStart       = "typing_start"
	TypeTypingStop        = "typing_stop"
	TypeAddComment        = "add_comment"
)

var (
	ErrInvalidFormat  = errors.New("invalid message format")
	ErrUnknownRequest = errors.New("unknown message type")
)

// Request is one of Join, Leave, Edit, Cursor, Typing or AddComment.
type Request interface {
	Type() string
	Document() string
}

type Join struct {
	DocumentID string
	UserID     string
	UserName   string
}

type Leave struct {
	DocumentID string
}

type Edit struct {
	DocumentID string
	Operation  ot.Op
	Version    int // last version the client had seen
}

type Cursor struct {
	DocumentID string
	Position   int
	Selection  *presence.Range
}

type Typing struct {
	DocumentID string
	Active     bool
}

// CommentBody is what the client sends; the server fills in the rest.
type CommentBody struct {
	Text      string          `json:"text"`
	Position  *int            `json:"position,omitempty"`
	Selection *presence.Range `json:"selection,omitempty"`
}

type AddComment struct {
	DocumentID string
	Comment    CommentBody
}

func (Join) Type() string       { return TypeJoinDocument }
func (Leave) Type() string      { return TypeLeaveDocument }
func (Edit) Type() string       { return TypeDocumentOperation }
func (Cursor) Type() string     { return TypeCursorUpdate }
func (AddComment) Type() string { return TypeAddComment }
func (r Typing) Type() string {
	if r.Active {
		return TypeTypingStart
	}
	return TypeTypingStop
}

func (r Join) Document() string       { return r.DocumentID }
func (r Leave) Document() string      { return r.DocumentID }
func (r Edit) Document() string       { return r.DocumentID }
func (r Cursor) Document() string     { return r.DocumentID }
func (r Typing) Document() string     { return r.DocumentID }
func (r AddComment) Document() string { return r.DocumentID }

// envelope is the union of all request fields.
type envelope struct {
	Type       string          `json:"type"`
	DocumentID string          `json:"documentId"`
	UserID     string          `json:"userId"`
	UserName   string          `json:"userName"`
	Operation  *ot.Op          `json:"operation"`
	Version    *int            `json:"version"`
	Position   *int            `json:"position"`
	Selection  *presence.Range `json:"selection"`
	Comment    *CommentBody    `json:"comment"`
}

// Decode parses and validates one request. It returns an error wrapping
// ErrInvalidFormat for anything that is not a well formed envelope, and
// ErrUnknownRequest for a well formed envelope of an unknown type.
func Decode(data []byte) (Request, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(ErrInvalidFormat, err.Error())
	}
	switch env.Type {
	case TypeJoinDocument, TypeLeaveDocument, TypeDocumentOperation, TypeCursorUpdate,
		TypeTypingStart, TypeTypingStop, TypeAddComment:
	case "":
		return nil, errors.Wrap(ErrInvalidFormat, "missing type")
	default:
		return nil, errors.Wrapf(ErrUnknownRequest, "%q", env.Type)
	}
	if env.DocumentID == "" {
		return nil, errors.Wrap(ErrInvalidFormat, "missing documentId")
	}

	switch env.Type {
	case TypeJoinDocument:
		if env.UserID == "" {
			return nil, errors.Wrap(ErrInvalidFormat, "missing userId")
		}
		name := env.UserName
		if name == "" {
			name = env.UserID
		}
		return Join{DocumentID: env.DocumentID, UserID: env.UserID, UserName: name}, nil
	case TypeLeaveDocument:
		return Leave{DocumentID: env.DocumentID}, nil
	case TypeDocumentOperation:
		if env.Operation == nil || env.Version == nil {
			return nil, errors.Wrap(ErrInvalidFormat, "missing operation or version")
		}
		return Edit{DocumentID: env.DocumentID, Operation: *env.Operation, Version: *env.Version}, nil
	case TypeCursorUpdate:
		if env.Position == nil {
			return nil, errors.Wrap(ErrInvalidFormat, "missing position")
		}
		return Cursor{DocumentID: env.DocumentID, Position: *env.Position, Selection: env.Selection}, nil
	case TypeTypingStart, TypeTypingStop:
		return Typing{DocumentID: env.DocumentID, Active: env.Type == TypeTypingStart}, nil
	default:
		if env.Comment == nil || env.Comment.Text == "" {
			return nil, errors.Wrap(ErrInvalidFormat, "missing comment text")
		}
		return AddComment{DocumentID: env.DocumentID, Comment: *env.Comment}, nil
	}
}
