package bolt_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/archive"
	"collabtext/internal/archive/bolt"
	"collabtext/internal/ot"
	"collabtext/internal/protocol"
)

func openStore(t *testing.T) (*bolt.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collabtext.db")
	s, err := bolt.Open(path)
	require.NoError(t, err)
	return s, path
}

func record(t *testing.T, s *bolt.Store, doc string, version int, op ot.Op, content string) {
	t.Helper()
	require.NoError(t, s.Record(context.Background(), archive.Event{
		Kind: archive.KindOperation, DocumentID: doc, Version: version, Operation: &op, Content: content,
	}))
}

func TestRecordAndLoad(t *testing.T) {
	s, path := openStore(t)
	ctx := context.Background()

	_, ok, err := s.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.False(t, ok)

	record(t, s, "doc1", 1, ot.NewInsert(0, "a"), "a")
	record(t, s, "doc1", 2, ot.NewInsert(1, "b"), "ab")
	record(t, s, "doc1", 3, ot.NewDelete(0, 1), "b")
	// A retried older write must not roll the snapshot back.
	record(t, s, "doc1", 2, ot.NewInsert(1, "b"), "ab")
	record(t, s, "doc2", 1, ot.NewInsert(0, "z"), "z")

	snap, ok, err := s.Load(ctx, "doc1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, archive.Snapshot{Content: "b", Version: 3}, snap)

	ops, err := s.Operations("doc1", 2)
	require.NoError(t, err)
	assert.Equal(t, []ot.Op{ot.NewInsert(1, "b"), ot.NewDelete(0, 1)}, ops)

	ops, err = s.Operations("nope", 0)
	require.NoError(t, err)
	assert.Empty(t, ops)

	// Survives a reopen.
	require.NoError(t, s.Close())
	s, err = bolt.Open(path)
	require.NoError(t, err)
	defer s.Close()
	snap, ok, err = s.Load(ctx, "doc2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, archive.Snapshot{Content: "z", Version: 1}, snap)
}

func TestRecordComment(t *testing.T) {
	s, _ := openStore(t)
	defer s.Close()

	c := protocol.Comment{ID: "c1", DocumentID: "doc1", UserID: "u1", UserName: "Ann", Text: "hi"}
	require.NoError(t, s.Record(context.Background(), archive.Event{Kind: archive.KindComment, DocumentID: "doc1", Comment: &c}))
	assert.Error(t, s.Record(context.Background(), archive.Event{Kind: archive.KindComment}))
	assert.Error(t, s.Record(context.Background(), archive.Event{Kind: "bogus"}))
}
