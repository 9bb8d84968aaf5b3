package archive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"collabtext/internal/metrics"
)

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	// QueueSize bounds the number of events waiting to be written.
	QueueSize int
	// MaxRetry bounds the time spent retrying one write to one sink.
	MaxRetry time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Pipeline writes events to every sink from a single goroutine, in the
// order they were enqueued.
type Pipeline struct {
	sinks  []Sink
	opts   PipelineOptions
	logger *slog.Logger
	queue  chan Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex // guards closed and sends on queue
	closed bool
}

func NewPipeline(sinks []Sink, opts PipelineOptions) *Pipeline {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		sinks:  sinks,
		opts:   opts,
		logger: logger,
		queue:  make(chan Event, opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Enqueue never blocks. It reports false if the event was dropped because
// the queue is full or the pipeline is closed.
func (p *Pipeline) Enqueue(ev Event) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- ev:
		return true
	default:
		p.opts.Metrics.ArchiveDrop()
		p.logger.Warn("archive queue full, dropping event",
			"document_id", ev.DocumentID,
			"kind", ev.Kind,
			"version", ev.Version,
		)
		return false
	}
}

// Close stops accepting events and waits for queued ones to be written. If
// ctx expires first, pending retries are abandoned.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.cancel()
		<-p.done
		return ctx.Err()
	}
}

func (p *Pipeline) run() {
	defer close(p.done)
	defer p.cancel()
	for ev := range p.queue {
		for _, s := range p.sinks {
			p.write(s, ev)
		}
	}
}

func (p *Pipeline) write(s Sink, ev Event) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = p.opts.MaxRetry

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		return s.Record(p.ctx, ev)
	}, backoff.WithContext(b, p.ctx))
	if err != nil {
		p.opts.Metrics.ArchiveError(s.Name())
		p.logger.Error("archive write failed",
			"sink", s.Name(),
			"document_id", ev.DocumentID,
			"kind", ev.Kind,
			"attempts", attempt,
			"error", err,
		)
	}
}
