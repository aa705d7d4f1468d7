// Package app wires all gakuon subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, the Learn/Serve/TestCard operations execute one of the
// application modes, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithInput, etc.). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/gakuon/internal/anki"
	"github.com/MrWong99/gakuon/internal/card"
	"github.com/MrWong99/gakuon/internal/config"
	"github.com/MrWong99/gakuon/internal/content"
	"github.com/MrWong99/gakuon/internal/health"
	"github.com/MrWong99/gakuon/internal/history"
	"github.com/MrWong99/gakuon/internal/observe"
	"github.com/MrWong99/gakuon/internal/prefetch"
	"github.com/MrWong99/gakuon/internal/session"
	"github.com/MrWong99/gakuon/internal/web"
	"github.com/MrWong99/gakuon/pkg/audio"
	"github.com/MrWong99/gakuon/pkg/provider/llm"
	"github.com/MrWong99/gakuon/pkg/provider/tts"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM    llm.Provider
	TTS    tts.Provider
	Player audio.Player
}

// Store is the full flashcard-store surface the application uses. Implemented
// by [anki.Client]; tests inject fakes.
type Store interface {
	content.Store
	web.CardStore
	Ping(ctx context.Context) error
	Sync(ctx context.Context) error
}

// App owns all subsystem lifetimes and orchestrates the gakuon pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems — initialised in New, torn down in Shutdown.
	store   Store
	content *content.Manager
	history *history.Store
	sorter  *card.Sorter
	metrics *observe.Metrics

	// input/out default to the terminal; tests inject scripted replacements.
	input session.ActionSource
	out   io.Writer

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a card store instead of connecting to AnkiConnect.
func WithStore(s Store) Option {
	return func(a *App) { a.store = s }
}

// WithHistory injects a history store instead of opening one from config.
func WithHistory(h *history.Store) Option {
	return func(a *App) { a.history = h }
}

// WithInput injects an action source instead of opening the raw keyboard.
func WithInput(in session.ActionSource) Option {
	return func(a *App) { a.input = in }
}

// WithOutput redirects session rendering away from stdout.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithMetrics injects a metrics handle instead of using the global provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: the AnkiConnect connection is
// verified, the content manager is assembled, and the history database is
// opened, so a broken setup surfaces at startup instead of mid-session.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		sorter:    card.NewSorter(),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Metrics ───────────────────────────────────────────────────────
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 2. Card store ────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 3. Content manager ───────────────────────────────────────────────
	if providers.LLM == nil {
		return nil, fmt.Errorf("app: providers.llm is required — configure one under providers.llm")
	}
	if providers.TTS == nil {
		slog.Warn("no TTS provider configured — decks with audio fields will fail to generate")
	}
	a.content = content.NewManager(a.store, providers.LLM, providers.TTS, cfg, slog.Default(),
		content.WithMetrics(a.metrics))

	// ── 4. Review history ────────────────────────────────────────────────
	if err := a.initHistory(); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	return a, nil
}

// initStore connects to AnkiConnect unless a store was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	client, err := anki.NewClient(a.cfg.Anki.Host)
	if err != nil {
		return err
	}
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("anki-connect unreachable at %s: %w", a.cfg.Anki.Host, err)
	}
	a.store = client
	slog.Info("connected to anki-connect", "host", a.cfg.Anki.Host)
	return nil
}

// initHistory opens the local SQLite review log when a path is configured.
func (a *App) initHistory() error {
	if a.history != nil || a.cfg.History.Path == "" {
		return nil
	}

	store, err := history.Open(a.cfg.History.Path)
	if err != nil {
		return err
	}
	a.history = store
	a.closers = append(a.closers, store.Close)
	slog.Info("review history enabled", "path", a.cfg.History.Path)
	return nil
}

// ─── Learn ───────────────────────────────────────────────────────────────────

// Learn runs one interactive review session over the due cards of deckName.
// An empty deckName falls back to session.default_deck from the config.
func (a *App) Learn(ctx context.Context, deckName string) (session.Summary, error) {
	deckName, err := a.resolveDeck(deckName)
	if err != nil {
		return session.Summary{}, err
	}
	if a.providers.Player == nil {
		return session.Summary{}, fmt.Errorf("app: learn needs an audio player — install ffplay")
	}

	cards, err := a.dueCardsOrdered(ctx, deckName)
	if err != nil {
		return session.Summary{}, err
	}

	// Cards from subdecks without a deck config cannot be generated; drop
	// them up front instead of failing mid-session.
	reviewable := cards[:0]
	for _, c := range cards {
		if _, ok := a.content.DeckConfigFor(c.DeckName); !ok {
			slog.Warn("skipping card without deck config", "card", c.ID, "deck", c.DeckName)
			continue
		}
		reviewable = append(reviewable, c)
	}
	if skipped := len(cards) - len(reviewable); skipped > 0 {
		fmt.Fprintf(a.output(), "Skipping %d card(s) from decks without a deck config.\n", skipped)
	}
	cards = reviewable

	if len(cards) == 0 {
		fmt.Fprintf(a.output(), "No cards due in %q — nothing to review.\n", deckName)
		return session.Summary{}, nil
	}

	input := a.input
	if input == nil {
		kb, err := session.OpenKeyboard(os.Stdin)
		if err != nil {
			return session.Summary{}, fmt.Errorf("app: open keyboard: %w", err)
		}
		defer kb.Close()
		input = kb
	}

	a.metrics.ActiveSessions.Add(ctx, 1)
	defer a.metrics.ActiveSessions.Add(ctx, -1)

	pipeline := prefetch.New(a.content, a.cfg.Session.PrefetchWindow, slog.Default(),
		prefetch.WithMetrics(a.metrics))
	ctrl := session.NewController(cards, a.content, a.store, pipeline, a.providers.Player, input, a.output(), session.Options{
		Recorder: a.recorder(),
	})

	slog.Info("review session starting", "deck", deckName, "cards", len(cards))
	summary, err := ctrl.Run(ctx)

	// Note fields and answers changed; trigger a collection sync so other
	// devices see them. Advisory only.
	if summary.Answered > 0 {
		if serr := a.store.Sync(context.WithoutCancel(ctx)); serr != nil {
			slog.Warn("collection sync failed", "err", serr)
		}
	}
	return summary, err
}

// resolveDeck applies the configured default and verifies a deck config
// exists, so the session fails before fetching anything from Anki.
func (a *App) resolveDeck(deckName string) (string, error) {
	if deckName == "" {
		deckName = a.cfg.Session.DefaultDeck
	}
	if deckName == "" {
		return "", fmt.Errorf("app: no deck named and session.default_deck is unset")
	}
	if _, ok := a.content.DeckConfigFor(deckName); !ok {
		return "", fmt.Errorf("app: no deck config matches %q — add one under decks", deckName)
	}
	return deckName, nil
}

// dueCardsOrdered fetches the due cards of a deck and applies the configured
// session ordering.
func (a *App) dueCardsOrdered(ctx context.Context, deckName string) ([]card.Card, error) {
	cards, err := a.store.DueCards(ctx, deckName)
	if err != nil {
		return nil, fmt.Errorf("app: fetch due cards for %q: %w", deckName, err)
	}
	ordered, err := a.sorter.Order(cards, a.cfg.Session.QueueOrder, a.cfg.Session.ReviewOrder, a.cfg.Session.NewCardOrder)
	if err != nil {
		return nil, fmt.Errorf("app: order cards: %w", err)
	}
	return ordered, nil
}

// recorder returns the history store as a session recorder, or nil when
// history is disabled. A typed-nil *history.Store inside the interface would
// defeat the controller's nil check.
func (a *App) recorder() session.Recorder {
	if a.history == nil {
		return nil
	}
	return a.history
}

func (a *App) output() io.Writer {
	if a.out != nil {
		return a.out
	}
	return os.Stdout
}

// ─── Serve ───────────────────────────────────────────────────────────────────

// Serve runs the HTTP facade on server.listen_addr until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		return fmt.Errorf("app: server.listen_addr is required for serve")
	}

	checkers := []health.Checker{
		{Name: "anki", Check: a.store.Ping},
	}
	srv := web.NewServer(a.store, a.content, a.sorter, a.cfg, a.metrics, slog.Default(), checkers...)
	if a.history != nil {
		srv.AttachReviewLog(a.history)
	}

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()
	slog.Info("http facade listening", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("app: http shutdown: %w", err)
	}
	return ctx.Err()
}

// ─── TestCard ────────────────────────────────────────────────────────────────

// TestCard generates content for the first due card of deckName and prints
// the result. It exists so a new deck config can be exercised end to end
// without starting a session.
func (a *App) TestCard(ctx context.Context, deckName string) error {
	deckName, err := a.resolveDeck(deckName)
	if err != nil {
		return err
	}

	cards, err := a.dueCardsOrdered(ctx, deckName)
	if err != nil {
		return err
	}
	if len(cards) == 0 {
		return fmt.Errorf("app: no cards due in %q", deckName)
	}

	c := cards[0]
	deck, _ := a.content.DeckConfigFor(c.DeckName)

	start := time.Now()
	meta, err := a.content.GetOrGenerate(ctx, c, true)
	if err != nil {
		return fmt.Errorf("app: generate card %d: %w", c.ID, err)
	}

	out := a.output()
	fmt.Fprintf(out, "Card %d (%s) generated in %s:\n", c.ID, c.DeckName, time.Since(start).Round(time.Millisecond))
	for _, name := range deck.ResponseFields.Names() {
		fc, _ := deck.ResponseFields.Get(name)
		marker := " "
		if _, ok := meta.Audio[name]; ok {
			marker = "♪"
		}
		fmt.Fprintf(out, "  %s %s: %s\n", marker, fc.Description, meta.Content[name])
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes all subsystems in creation order. Safe to call more than
// once; only the first call does work.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
