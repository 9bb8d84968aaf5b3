package protocol

import (
	"encoding/json"
	"time"

	"collabtext/internal/ot"
	"collabtext/internal/presence"
)

// Server message types.
const (
	TypeDocumentState = "document_state"
	TypeActiveUsers   = "active_users"
	TypeUserJoined    = "user_joined"
	TypeUserLeft      = "user_left"
	TypeOperationAck  = "operation_ack"
	TypeCommentAdded  = "comment_added"
	TypeError         = "error"
)

// Error codes carried by Error messages.
const (
	CodeInvalidFormat    = "invalid_format"
	CodeUnknownRequest   = "unknown_request"
	CodeUnknownDocument  = "unknown_document"
	CodeOutOfRange       = "out_of_range"
	CodeStaleVersion     = "stale_version"
	CodeInvalidVersion   = "invalid_version"
	CodeInvalidOperation = "invalid_operation"
	CodeAlreadyJoined    = "already_joined"
	CodeRateLimited      = "rate_limited"
	CodeInternal         = "internal"
)

// Message is implemented by every server message.
type Message interface {
	MessageType() string
}

type DocumentState struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId"`
	Content    string `json:"content"`
	Version    int    `json:"version"`
}

// CursorInfo is a member's last cursor, when known.
type CursorInfo struct {
	Position  int             `json:"position"`
	Selection *presence.Range `json:"selection,omitempty"`
}

type User struct {
	UserID   string      `json:"userId"`
	UserName string      `json:"userName"`
	Cursor   *CursorInfo `json:"cursor,omitempty"`
	Typing   bool        `json:"typing,omitempty"`
}

type ActiveUsers struct {
	Type  string `json:"type"`
	Users []User `json:"users"`
}

// UserEvent is user_joined, user_left, typing_start or typing_stop.
type UserEvent struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type OperationApplied struct {
	Type      string `json:"type"`
	Operation ot.Op  `json:"operation"`
	Version   int    `json:"version"`
	UserID    string `json:"userId"`
}

type OperationAck struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
}

type CursorMoved struct {
	Type      string          `json:"type"`
	UserID    string          `json:"userId"`
	UserName  string          `json:"userName"`
	Position  int             `json:"position"`
	Selection *presence.Range `json:"selection"`
}

// Comment is a comment with its server-assigned id and timestamp.
type Comment struct {
	ID         string          `json:"id"`
	DocumentID string          `json:"documentId"`
	UserID     string          `json:"userId"`
	UserName   string          `json:"userName"`
	Text       string          `json:"text"`
	Position   *int            `json:"position,omitempty"`
	Selection  *presence.Range `json:"selection,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

type CommentAdded struct {
	Type    string  `json:"type"`
	Comment Comment `json:"comment"`
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (m DocumentState) MessageType() string    { return m.Type }
func (m ActiveUsers) MessageType() string      { return m.Type }
func (m UserEvent) MessageType() string        { return m.Type }
func (m OperationApplied) MessageType() string { return m.Type }
func (m OperationAck) MessageType() string     { return m.Type }
func (m CursorMoved) MessageType() string      { return m.Type }
func (m CommentAdded) MessageType() string     { return m.Type }
func (m Error) MessageType() string            { return m.Type }

func NewDocumentState(documentID, content string, version int) DocumentState {
	return DocumentState{Type: TypeDocumentState, DocumentID: documentID, Content: content, Version: version}
}

func NewActiveUsers(users []User) ActiveUsers {
	if users == nil {
		users = []User{}
	}
	return ActiveUsers{Type: TypeActiveUsers, Users: users}
}

func NewUserJoined(userID, userName string) UserEvent {
	return UserEvent{Type: TypeUserJoined, UserID: userID, UserName: userName}
}

func NewUserLeft(userID, userName string) UserEvent {
	return UserEvent{Type: TypeUserLeft, UserID: userID, UserName: userName}
}

func NewTyping(active bool, userID, userName string) UserEvent {
	t := TypeTypingStop
	if active {
		t = TypeTypingStart
	}
	return UserEvent{Type: t, UserID: userID, UserName: userName}
}

func NewOperationApplied(op ot.Op, version int, userID string) OperationApplied {
	return OperationApplied{Type: TypeDocumentOperation, Operation: op, Version: version, UserID: userID}
}

func NewOperationAck(version int) OperationAck {
	return OperationAck{Type: TypeOperationAck, Version: version}
}

func NewCursorMoved(userID, userName string, position int, selection *presence.Range) CursorMoved {
	return CursorMoved{Type: TypeCursorUpdate, UserID: userID, UserName: userName, Position: position, Selection: selection}
}

func NewCommentAdded(c Comment) CommentAdded {
	return CommentAdded{Type: TypeCommentAdded, Comment: c}
}

func NewError(code, message string) Error {
	return Error{Type: TypeError, Message: message, Code: code}
}

// Encode serializes a server message.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}
