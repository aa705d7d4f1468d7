// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (OpenAI, ElevenLabs, ...)
// and turns one text fragment into one encoded audio clip. Study content is
// synthesised field by field ahead of playback and persisted into the
// flashcard store's media collection, so a simple request/response call is
// all that is needed — no streaming.
//
// Implementations must be safe for concurrent use; prefetching may synthesise
// several cards' audio in parallel.
package tts

import "context"

// VoiceProfile describes the voice used to synthesise one field.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier (e.g., "alloy", an
	// ElevenLabs voice UUID).
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Locale is a BCP 47 tag hinting the language of the text (e.g.,
	// "ja-JP"). Providers that select pronunciation by voice alone may
	// ignore it.
	Locale string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 0 = provider default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes.
	Metadata map[string]string
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts text into a single encoded audio clip (MP3 unless
	// the implementation documents otherwise) using the given voice.
	// Returns an error on transport failure or if ctx is cancelled; callers
	// treat all Synthesize errors as a generation failure for the affected
	// card, without automatic retry.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) ([]byte, error)

	// ListVoices returns the voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)

	// Name identifies the provider in logs and telemetry (e.g. "openai").
	Name() string
}
