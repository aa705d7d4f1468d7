package prefetch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/gakuon/internal/card"
	"github.com/MrWong99/gakuon/internal/content"
	"github.com/MrWong99/gakuon/internal/observe"
)

// blockingGen is a Generator whose per-card completion is released by the
// test. Results arrive in whatever order the test chooses.
type blockingGen struct {
	mu      sync.Mutex
	gates   map[int64]chan struct{}
	errs    map[int64]error
	started []int64
}

func newBlockingGen() *blockingGen {
	return &blockingGen{gates: make(map[int64]chan struct{}), errs: make(map[int64]error)}
}

func (g *blockingGen) gate(cardID int64) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[cardID]
	if !ok {
		ch = make(chan struct{})
		g.gates[cardID] = ch
	}
	return ch
}

// release lets the generation for cardID finish.
func (g *blockingGen) release(cardID int64) {
	close(g.gate(cardID))
}

func (g *blockingGen) GetOrGenerate(ctx context.Context, c card.Card, _ bool) (*content.CardMetadata, error) {
	g.mu.Lock()
	g.started = append(g.started, c.ID)
	g.mu.Unlock()

	select {
	case <-g.gate(c.ID):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	g.mu.Lock()
	err := g.errs[c.ID]
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &content.CardMetadata{
		Version: content.SchemaVersion,
		Content: map[string]string{"id": c.DeckName},
	}, nil
}

func (g *blockingGen) startedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.started)
}

func cards(ids ...int64) []card.Card {
	out := make([]card.Card, len(ids))
	for i, id := range ids {
		out[i] = card.Card{ID: id}
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestTake_DeliversInOrderDespiteCompletionOrder(t *testing.T) {
	gen := newBlockingGen()
	p := New(gen, 2, quietLogger())
	ctx := context.Background()
	ordered := cards(1, 2, 3)

	if n := p.EnsureFilled(ctx, ordered, 0); n != 2 {
		t.Fatalf("EnsureFilled() = %d, want 2", n)
	}

	// Card 2 finishes first; the consumer must still receive card 1 first.
	gen.release(2)

	takeDone := make(chan struct{})
	var meta1 *content.CardMetadata
	go func() {
		defer close(takeDone)
		m, ok, err := p.Take(ctx, 1)
		if !ok || err != nil {
			t.Errorf("Take(1) = ok=%v err=%v", ok, err)
		}
		meta1 = m
	}()

	select {
	case <-takeDone:
		t.Fatal("Take(1) returned before card 1 finished generating")
	case <-time.After(50 * time.Millisecond):
	}

	gen.release(1)
	select {
	case <-takeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Take(1) did not return after release")
	}
	if meta1 == nil {
		t.Fatal("Take(1) returned nil metadata")
	}

	if m, ok, err := p.Take(ctx, 2); !ok || err != nil || m == nil {
		t.Fatalf("Take(2) = %v/%v/%v", m, ok, err)
	}
	p.Wait()
}

func TestTake_HeadMismatchDoesNotBlock(t *testing.T) {
	gen := newBlockingGen()
	p := New(gen, 2, quietLogger())
	ctx := context.Background()

	p.EnsureFilled(ctx, cards(1, 2), 0)

	// Asking for a card that is not at the head (backwards navigation)
	// returns immediately and leaves the queue untouched.
	if _, ok, err := p.Take(ctx, 2); ok || err != nil {
		t.Fatalf("Take(2) = ok=%v err=%v, want miss", ok, err)
	}
	if p.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2", p.Pending())
	}

	gen.release(1)
	gen.release(2)
	p.Wait()
}

func TestEnsureFilled_RespectsWindow(t *testing.T) {
	gen := newBlockingGen()
	p := New(gen, 2, quietLogger())
	ctx := context.Background()
	ordered := cards(1, 2, 3, 4)

	p.EnsureFilled(ctx, ordered, 0)
	if gen.startedCount() > 2 {
		t.Fatalf("started %d generations, want at most 2", gen.startedCount())
	}

	// Resubmission is a no-op while the window is full.
	if n := p.EnsureFilled(ctx, ordered, 0); n != 0 {
		t.Errorf("second EnsureFilled() = %d, want 0", n)
	}

	// Consuming the head frees a slot for card 3.
	gen.release(1)
	if _, ok, err := p.Take(ctx, 1); !ok || err != nil {
		t.Fatalf("Take(1) failed: %v", err)
	}
	if n := p.EnsureFilled(ctx, ordered, 1); n != 1 {
		t.Errorf("EnsureFilled() after take = %d, want 1", n)
	}

	gen.release(2)
	gen.release(3)
	p.Wait()
}

func TestTake_DeliversPerCardError(t *testing.T) {
	gen := newBlockingGen()
	genErr := errors.New("provider down")
	gen.errs[1] = genErr
	p := New(gen, 2, quietLogger())
	ctx := context.Background()

	p.EnsureFilled(ctx, cards(1, 2), 0)
	gen.release(1)
	gen.release(2)

	_, ok, err := p.Take(ctx, 1)
	if !ok || !errors.Is(err, genErr) {
		t.Fatalf("Take(1) = ok=%v err=%v, want the generation error", ok, err)
	}

	// The failure of card 1 must not poison card 2.
	if m, ok, err := p.Take(ctx, 2); !ok || err != nil || m == nil {
		t.Fatalf("Take(2) = %v/%v/%v", m, ok, err)
	}
	p.Wait()
}

func TestDrop_RemovesQueuedCard(t *testing.T) {
	gen := newBlockingGen()
	p := New(gen, 3, quietLogger())
	ctx := context.Background()

	p.EnsureFilled(ctx, cards(1, 2, 3), 0)
	p.Drop(2)
	if p.Pending() != 2 {
		t.Fatalf("Pending() = %d, want 2", p.Pending())
	}

	gen.release(1)
	gen.release(2)
	gen.release(3)

	if _, ok, _ := p.Take(ctx, 1); !ok {
		t.Fatal("Take(1) missed")
	}
	// Card 2 was dropped, so card 3 is now behind the head.
	if _, ok, _ := p.Take(ctx, 3); !ok {
		t.Fatal("Take(3) missed after drop")
	}
	p.Wait()
}

func TestEnsureFilled_BackwardNavigationKeepsQueueOrdered(t *testing.T) {
	gen := newBlockingGen()
	p := New(gen, 2, quietLogger())
	ctx := context.Background()
	ordered := cards(1, 2, 3)

	p.EnsureFilled(ctx, ordered, 0)
	gen.release(1)
	gen.release(2)
	if _, ok, _ := p.Take(ctx, 1); !ok {
		t.Fatal("Take(1) missed")
	}
	if _, ok, _ := p.Take(ctx, 2); !ok {
		t.Fatal("Take(2) missed")
	}
	p.EnsureFilled(ctx, ordered, 2)

	// Navigating back to card 1 must not queue it behind card 3, where it
	// could never be delivered.
	if n := p.EnsureFilled(ctx, ordered, 0); n != 0 {
		t.Errorf("EnsureFilled() after backward navigation = %d, want 0", n)
	}
	if p.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", p.Pending())
	}
	if _, ok, err := p.Take(ctx, 1); ok || err != nil {
		t.Fatalf("Take(1) = ok=%v err=%v, want miss (direct generation)", ok, err)
	}

	// Moving forward again, card 3 is still deliverable from the head.
	gen.release(3)
	if m, ok, err := p.Take(ctx, 3); !ok || err != nil || m == nil {
		t.Fatalf("Take(3) = %v/%v/%v", m, ok, err)
	}
	p.Wait()
}

func TestBusy_TracksInFlightGenerations(t *testing.T) {
	gen := newBlockingGen()
	p := New(gen, 2, quietLogger())
	ctx := context.Background()

	if p.Busy() {
		t.Fatal("Busy() before any submission")
	}
	p.EnsureFilled(ctx, cards(1), 0)
	if !p.Busy() {
		t.Fatal("Busy() = false with a generation in flight")
	}

	// Dropping the queue entry does not finish the background call.
	p.Drop(1)
	if !p.Busy() {
		t.Fatal("Busy() = false after Drop while the call still runs")
	}

	gen.release(1)
	p.Wait()
	if p.Busy() {
		t.Fatal("Busy() = true after Wait")
	}
}

func TestPipeline_RecordsQueueDepth(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	gen := newBlockingGen()
	p := New(gen, 2, quietLogger(), WithMetrics(met))
	ctx := context.Background()

	p.EnsureFilled(ctx, cards(1, 2), 0)
	if got := queueDepth(t, reader); got != 2 {
		t.Errorf("queue depth after fill = %d, want 2", got)
	}

	gen.release(1)
	if _, ok, _ := p.Take(ctx, 1); !ok {
		t.Fatal("Take(1) missed")
	}
	if got := queueDepth(t, reader); got != 1 {
		t.Errorf("queue depth after take = %d, want 1", got)
	}

	gen.release(2)
	p.Wait()
	if got := queueDepth(t, reader); got != 0 {
		t.Errorf("queue depth after teardown = %d, want 0", got)
	}
}

// queueDepth reads the current value of the prefetch depth gauge.
func queueDepth(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "gakuon.prefetch.queue_depth" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	t.Fatal("gakuon.prefetch.queue_depth not recorded")
	return 0
}

func TestTake_ContextCancelled(t *testing.T) {
	gen := newBlockingGen()
	p := New(gen, 1, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())

	p.EnsureFilled(ctx, cards(1), 0)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, _, err := p.Take(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("Take() error = %v, want context.Canceled", err)
	}
	p.Wait()
}
