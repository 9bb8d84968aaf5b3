package session_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/ot"
	"collabtext/internal/resolver"
	"collabtext/internal/session"
)

func replay(t *testing.T, ops []ot.Op) string {
	t.Helper()
	s := ""
	for _, op := range ops {
		var err error
		s, err = ot.Apply(s, op)
		require.NoError(t, err)
	}
	return s
}

func TestGetOrCreate(t *testing.T) {
	s := session.NewStore(session.Options{})
	_, ok := s.Get("doc1")
	assert.False(t, ok)

	d := s.GetOrCreate("doc1")
	assert.Equal(t, session.Snapshot{DocumentID: "doc1"}, d.Snapshot())
	assert.Same(t, d, s.GetOrCreate("doc1"))
	assert.Equal(t, 1, s.Len())
}

func TestCommitVersionAndHistory(t *testing.T) {
	s := session.NewStore(session.Options{})
	d := s.GetOrCreate("doc1")

	for i, op := range []ot.Op{
		ot.NewInsert(0, "hello"),
		ot.NewInsert(5, " world"),
		ot.NewDelete(0, 1),
	} {
		c, err := s.Commit("doc1", op)
		require.NoError(t, err)
		assert.Equal(t, i+1, c.Version)
		assert.Equal(t, op, c.Op)
	}

	snap, ok := s.Snapshot("doc1")
	require.True(t, ok)
	assert.Equal(t, "ello world", snap.Content)
	assert.Equal(t, 3, snap.Version)

	history, oldest := d.History()
	assert.Equal(t, 0, oldest)
	assert.Equal(t, snap.Content, replay(t, history))
}

func TestCommitUnknownDocument(t *testing.T) {
	s := session.NewStore(session.Options{})
	_, err := s.Commit("missing", ot.NewInsert(0, "x"))
	assert.ErrorIs(t, err, session.ErrUnknownDocument)
}

func TestCommitOutOfRangeLeavesStateUntouched(t *testing.T) {
	s := session.NewStore(session.Options{})
	d := s.GetOrCreate("doc1")
	_, err := d.Commit(ot.NewInsert(0, "abc"))
	require.NoError(t, err)

	_, err = d.Commit(ot.NewDelete(2, 5))
	assert.ErrorIs(t, err, ot.ErrOutOfRange)
	assert.Equal(t, session.Snapshot{DocumentID: "doc1", Content: "abc", Version: 1}, d.Snapshot())
	history, _ := d.History()
	assert.Len(t, history, 1)
}

func TestHistoryTrimming(t *testing.T) {
	s := session.NewStore(session.Options{})
	d := s.GetOrCreate("doc1")
	for i := 0; i < 1001; i++ {
		_, err := d.Commit(ot.NewInsert(0, "x"))
		require.NoError(t, err)
	}
	history, oldest := d.History()
	assert.Len(t, history, 500)
	assert.Equal(t, 501, oldest)

	snap := d.Snapshot()
	assert.Equal(t, 1001, snap.Version)
	assert.Len(t, snap.Content, 1001)

	for i := 0; i < 600; i++ {
		_, err := d.Commit(ot.NewInsert(0, "y"))
		require.NoError(t, err)
		history, _ = d.History()
		assert.LessOrEqual(t, len(history), 1000)
		assert.GreaterOrEqual(t, len(history), 500)
	}
	history, oldest = d.History()
	assert.Equal(t, d.Snapshot().Version, oldest+len(history))
	assert.Equal(t, ot.NewInsert(0, "y"), history[len(history)-1])
}

func TestCustomHistoryBounds(t *testing.T) {
	s := session.NewStore(session.Options{HistoryLimit: 4, HistoryRetain: 2})
	d := s.GetOrCreate("doc1")
	for i := 0; i < 5; i++ {
		_, err := d.Commit(ot.NewInsert(i, fmt.Sprint(i)))
		require.NoError(t, err)
	}
	history, oldest := d.History()
	assert.Equal(t, []ot.Op{ot.NewInsert(3, "3"), ot.NewInsert(4, "4")}, history)
	assert.Equal(t, 3, oldest)
}

func TestSubmitTransformsStaleEdit(t *testing.T) {
	s := session.NewStore(session.Options{})
	d := s.GetOrCreate("doc1")

	_, err := d.Submit(0, ot.NewInsert(0, "hello"), nil)
	require.NoError(t, err)

	var seen session.Commit
	c, err := d.Submit(0, ot.NewInsert(0, "X"), func(c session.Commit) { seen = c })
	require.NoError(t, err)
	assert.Equal(t, ot.NewInsert(5, "X"), c.Op)
	assert.Equal(t, 2, c.Version)
	assert.Equal(t, "helloX", c.Content)
	assert.Equal(t, c, seen)
}

func TestSubmitDeleteThenStaleInsert(t *testing.T) {
	s := session.NewStore(session.Options{})
	d, created := s.Restore(session.Snapshot{DocumentID: "doc1", Content: "hello world", Version: 5})
	require.True(t, created)

	c, err := d.Submit(5, ot.NewDelete(0, 5), nil)
	require.NoError(t, err)
	assert.Equal(t, " world", c.Content)

	c, err = d.Submit(5, ot.NewInsert(11, "!"), nil)
	require.NoError(t, err)
	assert.Equal(t, ot.NewInsert(6, "!"), c.Op)
	assert.Equal(t, " world!", c.Content)
	assert.Equal(t, 7, c.Version)
}

func TestSubmitRejections(t *testing.T) {
	s := session.NewStore(session.Options{})
	d, _ := s.Restore(session.Snapshot{DocumentID: "doc1", Content: "abc", Version: 500})

	_, err := d.Submit(3, ot.NewInsert(0, "x"), nil)
	assert.ErrorIs(t, err, resolver.ErrStaleVersion)

	_, err = d.Submit(501, ot.NewInsert(0, "x"), nil)
	assert.ErrorIs(t, err, resolver.ErrInvalidVersion)

	called := false
	_, err = d.Submit(500, ot.NewInsert(9, "x"), func(session.Commit) { called = true })
	assert.ErrorIs(t, err, ot.ErrOutOfRange)
	assert.False(t, called)
	assert.Equal(t, 500, d.Snapshot().Version)
}

func TestEvictIf(t *testing.T) {
	s := session.NewStore(session.Options{})
	d := s.GetOrCreate("doc1")

	assert.False(t, s.EvictIf("doc1", func() bool { return false }))
	assert.True(t, s.EvictIf("doc1", func() bool { return true }))
	assert.False(t, s.EvictIf("doc1", func() bool { return true }))

	_, err := d.Commit(ot.NewInsert(0, "x"))
	assert.ErrorIs(t, err, session.ErrEvicted)
	assert.False(t, d.View(func(session.Snapshot) { t.Fatal("view on evicted document") }))

	fresh := s.GetOrCreate("doc1")
	assert.NotSame(t, d, fresh)
	assert.Equal(t, 0, fresh.Snapshot().Version)
}

func TestConcurrentCommitsAreSerialized(t *testing.T) {
	s := session.NewStore(session.Options{})
	docs := []*session.Document{s.GetOrCreate("a"), s.GetOrCreate("b")}

	const writers, edits = 8, 50
	var wg sync.WaitGroup
	for _, d := range docs {
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(d *session.Document) {
				defer wg.Done()
				for i := 0; i < edits; i++ {
					_, err := d.Submit(0, ot.NewInsert(0, "x"), nil)
					assert.NoError(t, err)
				}
			}(d)
		}
	}
	wg.Wait()

	for _, d := range docs {
		snap := d.Snapshot()
		assert.Equal(t, writers*edits, snap.Version)
		history, oldest := d.History()
		assert.Equal(t, 0, oldest)
		assert.Equal(t, snap.Content, replay(t, history))
	}
	assert.Equal(t, []string{"a", "b"}, s.IDs())
}
