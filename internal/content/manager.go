// Package content generates, validates, and caches per-card study content.
//
// Generated content lives on the note itself, inside a dedicated metadata
// field, so a card only ever pays the generation cost once. Regeneration is
// explicit: a force flag bypasses the cached copy.
package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/gakuon/internal/card"
	"github.com/MrWong99/gakuon/internal/config"
	"github.com/MrWong99/gakuon/internal/observe"
	"github.com/MrWong99/gakuon/pkg/provider/llm"
	"github.com/MrWong99/gakuon/pkg/provider/tts"
)

// maxGenerationAttempts bounds how many model completions are tried before
// a card's generation fails for good.
const maxGenerationAttempts = 5

// Store is the subset of the flashcard store the manager needs: metadata
// persistence and media storage.
type Store interface {
	UpdateNoteField(ctx context.Context, noteID int64, field, value string) error
	StoreMedia(ctx context.Context, filename string, data []byte) error
	RetrieveMedia(ctx context.Context, filename string) ([]byte, error)
}

// Manager coordinates content generation for cards. It is safe for
// concurrent use; generation for the same card is serialized so that a
// prefetch worker and an interactive regenerate never race on one card.
type Manager struct {
	store   Store
	llm     llm.Provider
	tts     tts.Provider
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observe.Metrics

	mu        sync.Mutex
	cardLocks map[int64]*sync.Mutex

	// memo caches metadata per card for the life of the process. Card
	// structs are snapshots from session start, so once new content is
	// written to the note the snapshot's metadata field is stale; the memo
	// keeps revisited cards from regenerating.
	memo map[int64]*CardMetadata
}

// Option is a functional option for NewManager.
type Option func(*Manager)

// WithMetrics overrides the instrument set used for cache and generation
// telemetry. Defaults to the global [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// NewManager wires a content manager from its collaborators.
func NewManager(store Store, llmProvider llm.Provider, ttsProvider tts.Provider, cfg *config.Config, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:     store,
		llm:       llmProvider,
		tts:       ttsProvider,
		cfg:       cfg,
		logger:    logger,
		cardLocks: make(map[int64]*sync.Mutex),
		memo:      make(map[int64]*CardMetadata),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// cardLock returns the mutex serializing work on one card. A plain keyed
// mutex instead of request deduplication: a forced regenerate must produce
// fresh content even when a cached read is in flight, so concurrent calls
// queue up rather than share a result.
func (m *Manager) cardLock(cardID int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.cardLocks[cardID]
	if !ok {
		lock = &sync.Mutex{}
		m.cardLocks[cardID] = lock
	}
	return lock
}

// GetOrGenerate returns the card's generated content, producing and
// persisting it first when the cached copy is absent, stale, or force is
// set. The returned metadata is what ended up stored on the note.
func (m *Manager) GetOrGenerate(ctx context.Context, c card.Card, force bool) (*CardMetadata, error) {
	deck, ok := m.cfg.FindDeckConfig(c.DeckName)
	if !ok {
		return nil, classify(ClassConfig, c.ID, "lookup deck config",
			fmt.Errorf("no deck config matches %q", c.DeckName))
	}

	lock := m.cardLock(c.ID)
	lock.Lock()
	defer lock.Unlock()

	if !force {
		if meta := m.memoized(c.ID); meta != nil && m.metadataComplete(deck, meta) {
			m.logger.Debug("content memo hit", "card", c.ID)
			m.metrics.RecordCacheLookup(ctx, true)
			return meta, nil
		}
		meta, err := DecodeMetadata(c.Field(m.cfg.Anki.MetadataField))
		if err == nil && m.metadataComplete(deck, meta) {
			m.logger.Debug("content cache hit", "card", c.ID)
			m.metrics.RecordCacheLookup(ctx, true)
			m.memoize(c.ID, meta)
			return meta, nil
		}
		if err != nil && !errors.Is(err, ErrNoMetadata) {
			m.logger.Warn("stored metadata unreadable, regenerating", "card", c.ID, "error", err)
		}
		m.metrics.RecordCacheLookup(ctx, false)
	}

	meta, err := m.generate(ctx, deck, c)
	if err != nil {
		return nil, err
	}
	m.memoize(c.ID, meta)
	return meta, nil
}

func (m *Manager) memoized(cardID int64) *CardMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memo[cardID]
}

func (m *Manager) memoize(cardID int64, meta *CardMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memo[cardID] = meta
}

// metadataComplete reports whether cached metadata still satisfies the
// deck's current schema. A schema change (new required field, new audio
// field) invalidates the cache.
func (m *Manager) metadataComplete(deck *config.DeckConfig, meta *CardMetadata) bool {
	for _, name := range deck.ResponseFields.RequiredFields() {
		if meta.Content[name] == "" {
			return false
		}
	}
	for _, name := range deck.ResponseFields.AudioFields() {
		if meta.Audio[name] == "" {
			return false
		}
	}
	return true
}

func (m *Manager) generate(ctx context.Context, deck *config.DeckConfig, c card.Card) (meta *CardMetadata, err error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "content.generate",
		trace.WithAttributes(
			attribute.Int64("card.id", c.ID),
			attribute.String("deck", c.DeckName),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "generation failed")
		}
		span.End()
	}()

	prompt, err := BuildPrompt(deck, c)
	if err != nil {
		return nil, err
	}
	systemPrompt := BuildSystemPrompt(deck)

	var (
		fields  map[string]string
		lastErr error
	)
	for attempt := 1; attempt <= maxGenerationAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 1 {
			m.metrics.GenerationRetries.Add(ctx, 1)
		}

		callStart := time.Now()
		resp, err := m.llm.Complete(ctx, llm.CompletionRequest{
			Prompt:       prompt,
			SystemPrompt: systemPrompt,
			JSONOnly:     true,
		})
		m.metrics.CompletionDuration.Record(ctx, time.Since(callStart).Seconds(),
			metric.WithAttributes(attribute.String("provider", m.llm.Name())))
		if err != nil {
			m.metrics.RecordProviderRequest(ctx, m.llm.Name(), "llm", "error")
			m.metrics.RecordProviderError(ctx, m.llm.Name(), "llm")
			lastErr = classify(ClassTransport, c.ID, "complete", err)
			m.logger.Warn("completion failed", "card", c.ID, "attempt", attempt, "error", err)
			continue
		}
		m.metrics.RecordProviderRequest(ctx, m.llm.Name(), "llm", "ok")

		fields, err = ParseResponse(deck, c.ID, resp.Content)
		if err != nil {
			lastErr = err
			m.logger.Warn("model output rejected", "card", c.ID, "attempt", attempt, "error", err)
			fields = nil
			continue
		}

		m.logger.Debug("completion accepted",
			"card", c.ID, "attempt", attempt,
			"prompt_tokens", resp.Usage.PromptTokens,
			"completion_tokens", resp.Usage.CompletionTokens)
		break
	}
	if fields == nil {
		return nil, fmt.Errorf("content: card %d: giving up after %d attempts: %w", c.ID, maxGenerationAttempts, lastErr)
	}

	// Audio synthesis failures are not retried: a provider that just
	// produced one clip will not recover by being asked again immediately.
	audio := make(map[string]string)
	for _, name := range deck.ResponseFields.AudioFields() {
		text := fields[name]
		if text == "" {
			continue
		}
		fc, _ := deck.ResponseFields.Get(name)
		synthStart := time.Now()
		clip, err := m.tts.Synthesize(ctx, text, m.resolveVoice(fc, deck))
		m.metrics.SynthesisDuration.Record(ctx, time.Since(synthStart).Seconds(),
			metric.WithAttributes(attribute.String("provider", m.tts.Name())))
		if err != nil {
			m.metrics.RecordProviderRequest(ctx, m.tts.Name(), "tts", "error")
			m.metrics.RecordProviderError(ctx, m.tts.Name(), "tts")
			return nil, classify(ClassTransport, c.ID, "synthesize "+name, err)
		}
		m.metrics.RecordProviderRequest(ctx, m.tts.Name(), "tts", "ok")
		filename := audioFilename(c.ID, name)
		if err := m.store.StoreMedia(ctx, filename, clip); err != nil {
			return nil, classify(ClassTransport, c.ID, "store media "+name, err)
		}
		audio[name] = filename
	}

	meta = &CardMetadata{
		Version:     SchemaVersion,
		GeneratedAt: time.Now().UTC(),
		Content:     fields,
		Audio:       audio,
	}
	encoded, err := EncodeMetadata(meta)
	if err != nil {
		return nil, classify(ClassConfig, c.ID, "encode metadata", err)
	}
	if err := m.store.UpdateNoteField(ctx, c.NoteID, m.cfg.Anki.MetadataField, encoded); err != nil {
		return nil, classify(ClassTransport, c.ID, "persist metadata", err)
	}

	m.metrics.GenerationDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("deck", deck.Name)))
	m.logger.Info("content generated", "card", c.ID, "deck", c.DeckName,
		"audio_clips", len(audio), "took", time.Since(start).Round(time.Millisecond))
	return meta, nil
}

// resolveVoice picks the TTS voice for a field: field override, then deck
// override, then the session default.
func (m *Manager) resolveVoice(fc config.ResponseFieldConfig, deck *config.DeckConfig) tts.VoiceProfile {
	id := fc.Voice
	if id == "" {
		id = deck.Voice
	}
	if id == "" {
		id = m.cfg.Session.TTSVoice
	}
	return tts.VoiceProfile{ID: id, Locale: fc.Locale}
}

// audioFilename is the media-folder name for one card field's clip. Stable
// so a regenerate overwrites the previous clip instead of leaking files.
func audioFilename(cardID int64, field string) string {
	return fmt.Sprintf("gakuon-%d-%s.mp3", cardID, field)
}

// Clip is one playable audio file materialized on local disk.
type Clip struct {
	// Field is the response field the clip was synthesized from.
	Field string

	// Path is the local file path. The caller owns the file and removes it
	// when done.
	Path string
}

// MaterializeAudio copies the card's audio clips out of the store's media
// folder into local temp files, in schema order, ready for playback.
// Callers remove the files via [RemoveClips] when done with them.
func (m *Manager) MaterializeAudio(ctx context.Context, deck *config.DeckConfig, meta *CardMetadata) ([]Clip, error) {
	var clips []Clip
	for _, name := range deck.ResponseFields.AudioFields() {
		filename := meta.Audio[name]
		if filename == "" {
			continue
		}
		data, err := m.store.RetrieveMedia(ctx, filename)
		if err != nil {
			RemoveClips(clips)
			return nil, classify(ClassTransport, 0, "retrieve media "+filename, err)
		}
		f, err := os.CreateTemp("", "gakuon-*.mp3")
		if err != nil {
			RemoveClips(clips)
			return nil, fmt.Errorf("content: create temp clip: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(f.Name())
			RemoveClips(clips)
			return nil, fmt.Errorf("content: write temp clip: %w", err)
		}
		if err := f.Close(); err != nil {
			os.Remove(f.Name())
			RemoveClips(clips)
			return nil, fmt.Errorf("content: close temp clip: %w", err)
		}
		clips = append(clips, Clip{Field: name, Path: f.Name()})
	}
	return clips, nil
}

// RemoveClips deletes the files behind clips, ignoring files already gone.
func RemoveClips(clips []Clip) {
	for _, c := range clips {
		os.Remove(c.Path)
	}
}

// DeckConfigFor exposes the manager's deck config lookup so session-level
// code resolves configs the same way generation does.
func (m *Manager) DeckConfigFor(deckName string) (*config.DeckConfig, bool) {
	return m.cfg.FindDeckConfig(deckName)
}
