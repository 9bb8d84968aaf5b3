package resolver_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/ot"
	"collabtext/internal/resolver"
)

// window is a History whose first retained op has index oldest.
type window struct {
	oldest int
	ops    []ot.Op
}

func (w window) Version() int { return w.oldest + len(w.ops) }
func (w window) Oldest() int  { return w.oldest }
func (w window) Since(v int) []ot.Op {
	return w.ops[v-w.oldest:]
}

func TestResolveCurrent(t *testing.T) {
	h := window{ops: []ot.Op{ot.NewInsert(0, "hello")}}
	op := ot.NewInsert(5, "!")
	got, err := resolver.Resolve(h, 1, op)
	require.NoError(t, err)
	assert.Equal(t, op, got)
}

func TestResolveStale(t *testing.T) {
	h := window{ops: []ot.Op{ot.NewInsert(0, "hello")}}
	got, err := resolver.Resolve(h, 0, ot.NewInsert(0, "X"))
	require.NoError(t, err)
	assert.Equal(t, ot.NewInsert(5, "X"), got)
}

func TestResolveFoldsInCommitOrder(t *testing.T) {
	h := window{oldest: 5, ops: []ot.Op{
		ot.NewDelete(0, 5),
		ot.NewInsert(0, ">>"),
	}}
	got, err := resolver.Resolve(h, 5, ot.NewInsert(11, "!"))
	require.NoError(t, err)
	assert.Equal(t, ot.NewInsert(8, "!"), got)

	got, err = resolver.Resolve(h, 6, ot.NewInsert(6, "!"))
	require.NoError(t, err)
	assert.Equal(t, ot.NewInsert(8, "!"), got)
}

func TestResolveTrimmedHistory(t *testing.T) {
	h := window{oldest: 500, ops: make([]ot.Op, 500)}
	_, err := resolver.Resolve(h, 3, ot.NewInsert(0, "x"))
	assert.ErrorIs(t, err, resolver.ErrStaleVersion)

	_, err = resolver.Resolve(h, 500, ot.NewInsert(0, "x"))
	assert.NoError(t, err)
}

func TestResolveFutureVersion(t *testing.T) {
	h := window{ops: []ot.Op{ot.NewInsert(0, "a")}}
	_, err := resolver.Resolve(h, 2, ot.NewInsert(0, "x"))
	assert.ErrorIs(t, err, resolver.ErrInvalidVersion)

	_, err = resolver.Resolve(h, -1, ot.NewInsert(0, "x"))
	assert.ErrorIs(t, err, resolver.ErrInvalidVersion)
}
