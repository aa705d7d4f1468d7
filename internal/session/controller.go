package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/gakuon/internal/card"
	"github.com/MrWong99/gakuon/internal/config"
	"github.com/MrWong99/gakuon/internal/content"
	"github.com/MrWong99/gakuon/internal/history"
	"github.com/MrWong99/gakuon/pkg/audio"
)

// ContentSource is what the controller needs from the content manager.
type ContentSource interface {
	GetOrGenerate(ctx context.Context, c card.Card, force bool) (*content.CardMetadata, error)
	MaterializeAudio(ctx context.Context, deck *config.DeckConfig, meta *content.CardMetadata) ([]content.Clip, error)
	DeckConfigFor(deckName string) (*config.DeckConfig, bool)
}

// Answerer submits review ratings to the flashcard store.
type Answerer interface {
	AnswerCard(ctx context.Context, cardID int64, ease int) error
}

// Prefetcher runs generation ahead of the cursor. Implemented by
// prefetch.Pipeline.
type Prefetcher interface {
	EnsureFilled(ctx context.Context, ordered []card.Card, cursor int) int
	Take(ctx context.Context, cardID int64) (*content.CardMetadata, bool, error)
	Drop(cardID int64)
	Busy() bool
	Wait()
}

// Recorder appends answered reviews to the local history log.
type Recorder interface {
	Record(ctx context.Context, r history.Review) error
}

// Controller runs one interactive review session over a fixed, pre-ordered
// set of cards.
type Controller struct {
	cards    []card.Card
	cursor   int
	content  ContentSource
	answerer Answerer
	prefetch Prefetcher
	player   audio.Player
	input    ActionSource
	recorder Recorder
	out      io.Writer
	logger   *slog.Logger
	autoPlay bool

	playMu     sync.Mutex
	playCancel context.CancelFunc
	playDone   chan struct{}
}

// Options configures optional controller behavior.
type Options struct {
	// Recorder, when set, receives every submitted answer.
	Recorder Recorder

	// DisableAutoPlay turns off the automatic playback on card entry.
	DisableAutoPlay bool

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// NewController builds a session over cards, already ordered for review.
func NewController(cards []card.Card, cs ContentSource, answerer Answerer, pf Prefetcher, player audio.Player, input ActionSource, out io.Writer, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cards:    cards,
		content:  cs,
		answerer: answerer,
		prefetch: pf,
		player:   player,
		input:    input,
		recorder: opts.Recorder,
		out:      out,
		logger:   logger,
		autoPlay: !opts.DisableAutoPlay,
	}
}

// Summary is what happened during a session.
type Summary struct {
	Total    int
	Answered int
	Skipped  int
	Quit     bool
}

// Run drives the session until every card is answered or skipped, the user
// quits, or ctx is cancelled.
func (c *Controller) Run(ctx context.Context) (Summary, error) {
	summary := Summary{Total: len(c.cards)}
	defer c.stopPlayback()
	// Background generations are drained rather than abandoned, which can
	// hold up a quit by one provider round-trip; tell the user why.
	defer func() {
		if c.prefetch.Busy() {
			renderPrefetchDrain(c.out)
		}
		c.prefetch.Wait()
	}()

	renderHelp(c.out)

	for c.cursor < len(c.cards) {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		cur := c.cards[c.cursor]
		c.prefetch.EnsureFilled(ctx, c.cards, c.cursor)

		meta, err := c.obtain(ctx, cur, false)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return summary, err
			}
			c.logger.Error("content unavailable", "card", cur.ID, "error", err)
			renderGenerationFailure(c.out, cur, err)
		}

		deck, _ := c.content.DeckConfigFor(cur.DeckName)
		if meta != nil {
			renderCard(c.out, c.cursor, len(c.cards), cur, deck, meta)
			if c.autoPlay {
				c.startPlayback(ctx, deck, meta, false)
			}
		}

		move, err := c.actionLoop(ctx, cur, deck, meta, &summary)
		if err != nil {
			return summary, err
		}
		switch move {
		case moveQuit:
			summary.Quit = true
			return summary, nil
		case moveNext:
			c.cursor++
		case movePrevious:
			if c.cursor > 0 {
				c.cursor--
			}
		}
	}

	renderSummary(c.out, summary)
	return summary, nil
}

type move int

const (
	moveNext move = iota
	movePrevious
	moveQuit
)

// actionLoop handles user actions for the current card until one of them
// moves the cursor.
func (c *Controller) actionLoop(ctx context.Context, cur card.Card, deck *config.DeckConfig, meta *content.CardMetadata, summary *Summary) (move, error) {
	shown := time.Now()
	for {
		action, err := c.input.NextAction(ctx)
		if err != nil {
			return moveQuit, err
		}
		c.logger.Debug("action", "card", cur.ID, "action", action.String())

		switch {
		case action == ActionQuit:
			return moveQuit, nil

		case action == ActionNext:
			c.stopPlayback()
			summary.Skipped++
			return moveNext, nil

		case action == ActionPrevious:
			c.stopPlayback()
			return movePrevious, nil

		case action.IsRating():
			c.stopPlayback()
			if err := c.rate(ctx, cur, action.Ease(), time.Since(shown)); err != nil {
				// The card stays current so the user can retry or skip.
				renderRatingFailure(c.out, cur, err)
				continue
			}
			summary.Answered++
			return moveNext, nil

		case action == ActionPlayAll && meta != nil:
			c.startPlayback(ctx, deck, meta, false)

		case action == ActionPlayPrimary && meta != nil:
			c.startPlayback(ctx, deck, meta, true)

		case action == ActionStop:
			c.stopPlayback()

		case action == ActionRegenerate:
			c.stopPlayback()
			c.prefetch.Drop(cur.ID)
			fresh, err := c.obtain(ctx, cur, true)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return moveQuit, err
				}
				c.logger.Error("regeneration failed", "card", cur.ID, "error", err)
				renderGenerationFailure(c.out, cur, err)
				continue
			}
			meta = fresh
			renderCard(c.out, c.cursor, len(c.cards), cur, deck, meta)
			if c.autoPlay {
				c.startPlayback(ctx, deck, meta, false)
			}

		case action == ActionHelp:
			renderHelp(c.out)
		}
	}
}

// obtain fetches content for a card, preferring the prefetched result when
// the card is at the pipeline head.
func (c *Controller) obtain(ctx context.Context, cur card.Card, force bool) (*content.CardMetadata, error) {
	if !force {
		if meta, ok, err := c.prefetch.Take(ctx, cur.ID); ok {
			return meta, err
		} else if err != nil {
			return nil, err
		}
	}
	return c.content.GetOrGenerate(ctx, cur, force)
}

func (c *Controller) rate(ctx context.Context, cur card.Card, ease int, took time.Duration) error {
	if err := c.answerer.AnswerCard(ctx, cur.ID, ease); err != nil {
		c.logger.Error("answer rejected", "card", cur.ID, "ease", ease, "error", err)
		return err
	}
	c.logger.Info("card answered", "card", cur.ID, "ease", ease)
	if c.recorder != nil {
		r := history.Review{
			CardID:         cur.ID,
			DeckName:       cur.DeckName,
			Ease:           ease,
			ReviewedAt:     time.Now().UTC(),
			AnswerDuration: took,
		}
		if err := c.recorder.Record(ctx, r); err != nil {
			// History is advisory; a write failure must not block the session.
			c.logger.Warn("history write failed", "card", cur.ID, "error", err)
		}
	}
	return nil
}

// startPlayback plays the card's clips in the background, cancelling any
// playback still running. primaryOnly limits playback to the first clip.
func (c *Controller) startPlayback(ctx context.Context, deck *config.DeckConfig, meta *content.CardMetadata, primaryOnly bool) {
	if deck == nil || c.player == nil {
		return
	}
	c.stopPlayback()

	playCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.playMu.Lock()
	c.playCancel = cancel
	c.playDone = done
	c.playMu.Unlock()

	go func() {
		defer close(done)
		defer cancel()

		clips, err := c.content.MaterializeAudio(playCtx, deck, meta)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Warn("audio unavailable", "error", err)
			}
			return
		}
		defer content.RemoveClips(clips)

		if primaryOnly && len(clips) > 1 {
			clips = clips[:1]
		}
		for _, clip := range clips {
			if err := c.player.Play(playCtx, clip.Path); err != nil {
				if !errors.Is(err, context.Canceled) {
					c.logger.Warn("playback failed", "clip", clip.Field, "error", err)
				}
				return
			}
		}
	}()
}

// stopPlayback cancels running playback and waits for the player to let go
// of the clip files.
func (c *Controller) stopPlayback() {
	c.playMu.Lock()
	cancel, done := c.playCancel, c.playDone
	c.playCancel, c.playDone = nil, nil
	c.playMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
