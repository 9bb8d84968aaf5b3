package protocol_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/ot"
	"collabtext/internal/presence"
	"collabtext/internal/protocol"
)

func TestDecodeRequests(t *testing.T) {
	pos := 4
	tests := []struct {
		in   string
		want protocol.Request
	}{
		{
			`{"type":"join_document","documentId":"d","userId":"u","userName":"Ann"}`,
			protocol.Join{DocumentID: "d", UserID: "u", UserName: "Ann"},
		},
		{
			`{"type":"join_document","documentId":"d","userId":"u"}`,
			protocol.Join{DocumentID: "d", UserID: "u", UserName: "u"},
		},
		{
			`{"type":"leave_document","documentId":"d"}`,
			protocol.Leave{DocumentID: "d"},
		},
		{
			`{"type":"document_operation","documentId":"d","version":3,"operation":{"type":"insert","position":2,"content":"hi"}}`,
			protocol.Edit{DocumentID: "d", Version: 3, Operation: ot.NewInsert(2, "hi")},
		},
		{
			`{"type":"document_operation","documentId":"d","version":0,"operation":{"type":"delete","position":1,"length":2}}`,
			protocol.Edit{DocumentID: "d", Version: 0, Operation: ot.NewDelete(1, 2)},
		},
		{
			`{"type":"cursor_update","documentId":"d","position":7,"selection":{"start":7,"end":9}}`,
			protocol.Cursor{DocumentID: "d", Position: 7, Selection: &presence.Range{Start: 7, End: 9}},
		},
		{
			`{"type":"typing_start","documentId":"d"}`,
			protocol.Typing{DocumentID: "d", Active: true},
		},
		{
			`{"type":"typing_stop","documentId":"d"}`,
			protocol.Typing{DocumentID: "d"},
		},
		{
			`{"type":"add_comment","documentId":"d","comment":{"text":"nice","position":4}}`,
			protocol.AddComment{DocumentID: "d", Comment: protocol.CommentBody{Text: "nice", Position: &pos}},
		},
	}
	for _, tt := range tests {
		got, err := protocol.Decode([]byte(tt.in))
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, "d", got.Document())
	}
}

func TestDecodeErrors(t *testing.T) {
	for _, in := range []string{
		`not json`,
		`[1,2]`,
		`{"documentId":"d"}`,
		`{"type":"leave_document"}`,
		`{"type":"join_document","documentId":"d"}`,
		`{"type":"document_operation","documentId":"d","version":1}`,
		`{"type":"document_operation","documentId":"d","operation":{"type":"insert","position":0}}`,
		`{"type":"cursor_update","documentId":"d"}`,
		`{"type":"add_comment","documentId":"d"}`,
		`{"type":"add_comment","documentId":"d","comment":{"position":1}}`,
		`{"type":"join_document","documentId":7,"userId":"u"}`,
	} {
		_, err := protocol.Decode([]byte(in))
		assert.ErrorIs(t, err, protocol.ErrInvalidFormat, in)
	}

	_, err := protocol.Decode([]byte(`{"type":"dance","documentId":"d"}`))
	assert.ErrorIs(t, err, protocol.ErrUnknownRequest)
}

func TestEncodeShapes(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	tests := []struct {
		msg  protocol.Message
		want string
	}{
		{protocol.NewDocumentState("d", "abc", 3), `{"type":"document_state","documentId":"d","content":"abc","version":3}`},
		{protocol.NewActiveUsers(nil), `{"type":"active_users","users":[]}`},
		{protocol.NewUserJoined("u", "Ann"), `{"type":"user_joined","userId":"u","userName":"Ann"}`},
		{protocol.NewUserLeft("u", "Ann"), `{"type":"user_left","userId":"u","userName":"Ann"}`},
		{protocol.NewTyping(true, "u", "Ann"), `{"type":"typing_start","userId":"u","userName":"Ann"}`},
		{protocol.NewTyping(false, "u", "Ann"), `{"type":"typing_stop","userId":"u","userName":"Ann"}`},
		{protocol.NewOperationAck(4), `{"type":"operation_ack","version":4}`},
		{
			protocol.NewOperationApplied(ot.NewDelete(1, 2), 5, "u"),
			`{"type":"document_operation","operation":{"type":"delete","position":1,"length":2},"version":5,"userId":"u"}`,
		},
		{
			protocol.NewCursorMoved("u", "Ann", 3, nil),
			`{"type":"cursor_update","userId":"u","userName":"Ann","position":3,"selection":null}`,
		},
		{
			protocol.NewCommentAdded(protocol.Comment{ID: "c1", DocumentID: "d", UserID: "u", UserName: "Ann", Text: "hi", Timestamp: ts}),
			`{"type":"comment_added","comment":{"id":"c1","documentId":"d","userId":"u","userName":"Ann","text":"hi","timestamp":"2024-05-06T07:08:09Z"}}`,
		},
		{protocol.NewError(protocol.CodeUnknownRequest, "Unknown message type"), `{"type":"error","message":"Unknown message type","code":"unknown_request"}`},
	}
	for _, tt := range tests {
		b, err := protocol.Encode(tt.msg)
		require.NoError(t, err)
		assert.JSONEq(t, tt.want, string(b))

		var probe struct{ Type string }
		require.NoError(t, json.Unmarshal(b, &probe))
		assert.Equal(t, tt.msg.MessageType(), probe.Type)
	}
}
