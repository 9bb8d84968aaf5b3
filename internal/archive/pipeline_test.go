package archive_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"collabtext/internal/archive"
	"collabtext/internal/metrics"
	"collabtext/internal/ot"
)

type memorySink struct {
	name     string
	failures int // fail this many times before succeeding
	block    chan struct{}

	mu     sync.Mutex
	events []archive.Event
	calls  int
}

func (s *memorySink) Name() string { return s.name }

func (s *memorySink) Record(ctx context.Context, ev archive.Event) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return errors.New("transient")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *memorySink) versions() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Version
	}
	return out
}

func opEvent(v int) archive.Event {
	op := ot.NewInsert(0, "x")
	return archive.Event{Kind: archive.KindOperation, DocumentID: "doc1", Version: v, Operation: &op}
}

func TestPipelineDeliversInOrderToAllSinks(t *testing.T) {
	defer goleak.VerifyNone(t)

	a, b := &memorySink{name: "a"}, &memorySink{name: "b", failures: 2}
	p := archive.NewPipeline([]archive.Sink{a, b}, archive.PipelineOptions{MaxRetry: 5 * time.Second})
	for v := 1; v <= 5; v++ {
		require.True(t, p.Enqueue(opEvent(v)))
	}
	require.NoError(t, p.Close(context.Background()))

	assert.Equal(t, []int{1, 2, 3, 4, 5}, a.versions())
	assert.Equal(t, []int{1, 2, 3, 4, 5}, b.versions())
	assert.False(t, p.Enqueue(opEvent(6)))
}

func TestPipelineDropsWhenFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := metrics.New()
	s := &memorySink{name: "slow", block: make(chan struct{})}
	p := archive.NewPipeline([]archive.Sink{s}, archive.PipelineOptions{QueueSize: 1, Metrics: m})

	// The worker holds at most one event in the blocked sink and the queue
	// holds one more, so the third enqueue at the latest is dropped.
	require.True(t, p.Enqueue(opEvent(1)))
	accepted := 1
	for v := 2; p.Enqueue(opEvent(v)); v++ {
		accepted++
	}
	assert.LessOrEqual(t, accepted, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ArchiveDropped))

	close(s.block)
	require.NoError(t, p.Close(context.Background()))
	assert.Contains(t, s.versions(), 1)
}

func TestPipelineGivesUpAfterMaxRetry(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := metrics.New()
	s := &memorySink{name: "broken", failures: 1 << 30}
	p := archive.NewPipeline([]archive.Sink{s}, archive.PipelineOptions{MaxRetry: 100 * time.Millisecond, Metrics: m})
	require.True(t, p.Enqueue(opEvent(1)))
	require.NoError(t, p.Close(context.Background()))

	assert.Empty(t, s.versions())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ArchiveErrors.WithLabelValues("broken")))
}

func TestPipelineCloseDeadline(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := &memorySink{name: "stuck", block: make(chan struct{})}
	p := archive.NewPipeline([]archive.Sink{s}, archive.PipelineOptions{})
	require.True(t, p.Enqueue(opEvent(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)
}

type fixedLoader struct {
	snap archive.Snapshot
	ok   bool
	err  error
}

func (l fixedLoader) Load(context.Context, string) (archive.Snapshot, bool, error) {
	return l.snap, l.ok, l.err
}

func TestLoadersPickNewest(t *testing.T) {
	ls := archive.Loaders{
		fixedLoader{snap: archive.Snapshot{Content: "old", Version: 2}, ok: true},
		fixedLoader{},
		fixedLoader{snap: archive.Snapshot{Content: "new", Version: 9}, ok: true},
	}
	snap, ok, err := ls.Load(context.Background(), "doc1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", snap.Content)

	_, ok, err = archive.Loaders{fixedLoader{}}.Load(context.Background(), "doc1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = archive.Loaders{fixedLoader{err: errors.New("boom")}}.Load(context.Background(), "doc1")
	assert.Error(t, err)
}
