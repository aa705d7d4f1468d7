// Package prefetch runs content generation ahead of the session cursor.
//
// The pipeline keeps a small window of upcoming cards generating in the
// background so playback never waits on the network for the next card.
// Delivery is strictly in session order: results are handed out head-first
// regardless of which background task finished first.
package prefetch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/gakuon/internal/card"
	"github.com/MrWong99/gakuon/internal/content"
	"github.com/MrWong99/gakuon/internal/observe"
)

// Generator produces content for one card. Implemented by
// [content.Manager].
type Generator interface {
	GetOrGenerate(ctx context.Context, c card.Card, force bool) (*content.CardMetadata, error)
}

// task is one in-flight generation. done is closed when meta/err are set.
type task struct {
	card card.Card
	done chan struct{}
	meta *content.CardMetadata
	err  error
}

// Pipeline prefetches card content within a fixed window ahead of the
// consumer. It is not safe for concurrent consumers; the single review
// session drives it.
type Pipeline struct {
	gen     Generator
	window  int
	logger  *slog.Logger
	metrics *observe.Metrics
	group   *errgroup.Group

	// inflight counts submitted generations that have not finished yet,
	// including ones whose queue entry was dropped.
	inflight atomic.Int64

	mu    sync.Mutex
	queue []*task
}

// Option is a functional option for New.
type Option func(*Pipeline)

// WithMetrics overrides the instrument set used for queue-depth telemetry.
// Defaults to the global [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = met }
}

// New creates a pipeline generating at most window cards ahead.
func New(gen Generator, window int, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	group := &errgroup.Group{}
	group.SetLimit(window)
	p := &Pipeline{gen: gen, window: window, logger: logger, group: group}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// EnsureFilled submits generation tasks for the cards at and after cursor
// until the window is full. Cards already queued are not resubmitted.
// Returns the number of tasks newly submitted.
func (p *Pipeline) EnsureFilled(ctx context.Context, ordered []card.Card, cursor int) int {
	p.mu.Lock()
	queued := make(map[int64]bool, len(p.queue))
	for _, t := range p.queue {
		queued[t.card.ID] = true
	}

	// The queue must stay monotonic in session order: after backward
	// navigation the cursor sits before cards that are still queued, and
	// appending an earlier card behind them would leave it undeliverable
	// (Take only pops the head). Resume submission after the current tail.
	start := cursor
	if n := len(p.queue); n > 0 {
		if tail := orderedIndex(ordered, p.queue[n-1].card.ID); tail >= start {
			start = tail + 1
		}
	}

	var fresh []*task
	for i := start; i < len(ordered) && len(p.queue) < p.window; i++ {
		c := ordered[i]
		if queued[c.ID] {
			continue
		}
		t := &task{card: c, done: make(chan struct{})}
		p.queue = append(p.queue, t)
		queued[c.ID] = true
		fresh = append(fresh, t)
	}
	p.mu.Unlock()

	if len(fresh) > 0 {
		p.metrics.PrefetchQueueDepth.Add(ctx, int64(len(fresh)))
	}
	for _, t := range fresh {
		p.inflight.Add(1)
		p.group.Go(func() error {
			defer p.inflight.Add(-1)
			defer close(t.done)
			t.meta, t.err = p.gen.GetOrGenerate(ctx, t.card, false)
			if t.err != nil {
				p.logger.Warn("prefetch failed", "card", t.card.ID, "error", t.err)
			}
			return nil
		})
	}
	return len(fresh)
}

// orderedIndex returns the position of cardID in ordered, or -1.
func orderedIndex(ordered []card.Card, cardID int64) int {
	for i, c := range ordered {
		if c.ID == cardID {
			return i
		}
	}
	return -1
}

// Take waits for and removes the head task's result, but only when the head
// is the requested card. Returns ok=false without blocking when the queue is
// empty or its head is a different card; callers then generate directly,
// leaving the queue intact for forward navigation.
func (p *Pipeline) Take(ctx context.Context, cardID int64) (*content.CardMetadata, bool, error) {
	p.mu.Lock()
	if len(p.queue) == 0 || p.queue[0].card.ID != cardID {
		p.mu.Unlock()
		return nil, false, nil
	}
	head := p.queue[0]
	p.mu.Unlock()

	select {
	case <-head.done:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}

	p.mu.Lock()
	if len(p.queue) > 0 && p.queue[0] == head {
		p.queue = p.queue[1:]
		p.metrics.PrefetchQueueDepth.Add(ctx, -1)
	}
	p.mu.Unlock()

	return head.meta, true, head.err
}

// Drop removes the queued task for cardID if present. Used when a card's
// cached result must not be served again (forced regeneration).
func (p *Pipeline) Drop(cardID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, t := range p.queue {
		if t.card.ID == cardID {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			p.metrics.PrefetchQueueDepth.Add(context.Background(), -1)
			return
		}
	}
}

// Pending returns the number of tasks currently queued.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Busy reports whether any submitted generation is still running.
func (p *Pipeline) Busy() bool {
	return p.inflight.Load() > 0
}

// Wait blocks until all submitted background tasks have finished, then
// discards undelivered results. Call on session teardown so provider
// requests are not abandoned mid-flight.
func (p *Pipeline) Wait() {
	p.group.Wait()

	p.mu.Lock()
	n := len(p.queue)
	p.queue = nil
	p.mu.Unlock()
	if n > 0 {
		p.metrics.PrefetchQueueDepth.Add(context.Background(), -int64(n))
	}
}
