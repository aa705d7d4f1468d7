// Package config provides the configuration schema, loader, and provider
// registry for gakuon.
package config

import (
	"path"

	"github.com/MrWong99/gakuon/internal/card"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for gakuon.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Anki      AnkiConfig      `yaml:"anki"`
	Providers ProvidersConfig `yaml:"providers"`
	Session   SessionConfig   `yaml:"session"`
	History   HistoryConfig   `yaml:"history"`
	Decks     []DeckConfig    `yaml:"decks"`
}

// ServerConfig holds settings for the serve facade and logging.
type ServerConfig struct {
	// ListenAddr is the TCP address the serve facade listens on (e.g., ":8766").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AnkiConfig describes how to reach the AnkiConnect endpoint.
type AnkiConfig struct {
	// Host is the AnkiConnect URL, e.g. "http://127.0.0.1:8765".
	Host string `yaml:"host"`

	// MetadataField is the note field gakuon uses to persist generated
	// content metadata. The field must exist on every note type reviewed
	// through gakuon. Defaults to "Gakuon".
	MetadataField string `yaml:"metadata_field"`
}

// ProvidersConfig declares which provider implementation to use for each
// generation stage. Each entry selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai",
	// "anthropic", "elevenlabs").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o",
	// "tts-1").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`

	// Fallbacks are additional backends tried in order when this one fails
	// or its circuit breaker is open. Fallback entries cannot themselves
	// declare fallbacks.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// SessionConfig holds the review-session ordering and prefetch policy.
type SessionConfig struct {
	// DefaultDeck is reviewed when no deck is named on the command line.
	DefaultDeck string `yaml:"default_deck"`

	// QueueOrder controls bucket concatenation. Defaults to
	// learning_review_new.
	QueueOrder card.QueueOrder `yaml:"queue_order"`

	// ReviewOrder controls ordering within the learning and review buckets.
	// Defaults to due_date_random.
	ReviewOrder card.ReviewOrder `yaml:"review_order"`

	// NewCardOrder controls ordering within the new-card bucket. Defaults
	// to deck.
	NewCardOrder card.NewCardOrder `yaml:"new_card_order"`

	// PrefetchWindow is how many upcoming cards keep generation running
	// ahead of consumption. Defaults to 2.
	PrefetchWindow int `yaml:"prefetch_window"`

	// TTSVoice is the session-wide default voice ID; deck and field
	// settings override it.
	TTSVoice string `yaml:"tts_voice"`
}

// HistoryConfig configures the local review-history database.
type HistoryConfig struct {
	// Path is the SQLite database file. Empty disables history recording.
	Path string `yaml:"path"`
}

// DeckConfig is the per-deck content specification: how to build the
// generation prompt and what structured fields to expect back.
type DeckConfig struct {
	// Name is a unique human-readable identifier for this deck config.
	Name string `yaml:"name"`

	// Pattern matches deck names, using path.Match syntax with "::" treated
	// like any other characters (e.g., "Japanese::*"). An empty pattern
	// matches only the exact Name.
	Pattern string `yaml:"pattern"`

	// Prompt is the generation prompt template. Placeholders use the
	// ${name} form and must all be mapped in Fields.
	Prompt string `yaml:"prompt"`

	// Fields maps placeholder names to card field names.
	Fields map[string]string `yaml:"fields"`

	// ResponseFields is the ordered schema of fields expected back from the
	// model. Order matters: the first audio-bearing field is the one played
	// by the "play primary" action.
	ResponseFields ResponseFields `yaml:"response_fields"`

	// Voice overrides the session-wide TTS voice for this deck.
	Voice string `yaml:"voice"`
}

// Matches reports whether d applies to the given deck name.
func (d DeckConfig) Matches(deckName string) bool {
	if d.Pattern == "" {
		return d.Name == deckName
	}
	ok, err := path.Match(d.Pattern, deckName)
	return err == nil && ok
}

// FindDeckConfig returns the first deck config matching deckName, or false
// when none matches. First match wins, so order deck entries from specific
// to general.
func (c *Config) FindDeckConfig(deckName string) (*DeckConfig, bool) {
	for i := range c.Decks {
		if c.Decks[i].Matches(deckName) {
			return &c.Decks[i], true
		}
	}
	return nil, false
}

// ResponseFieldConfig describes one expected response field.
type ResponseFieldConfig struct {
	// Description is shown to the model and to the user as the field label.
	Description string `yaml:"description"`

	// Required marks fields that must be non-empty for the generated
	// content to be valid.
	Required bool `yaml:"required"`

	// Audio marks fields whose text is synthesised to speech.
	Audio bool `yaml:"audio"`

	// Voice overrides the deck/session TTS voice for this field.
	Voice string `yaml:"voice"`

	// Locale hints the language of this field's text (BCP 47).
	Locale string `yaml:"locale"`
}
