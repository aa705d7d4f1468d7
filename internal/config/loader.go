package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/gakuon/internal/card"
)

// Defaults applied by Validate when the corresponding setting is absent.
const (
	DefaultAnkiHost       = "http://127.0.0.1:8765"
	DefaultMetadataField  = "Gakuon"
	DefaultPrefetchWindow = 2
)

// placeholderRe matches ${name} placeholders in prompt templates.
var placeholderRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// PromptPlaceholders returns the distinct placeholder names referenced in
// this deck's prompt template, in order of first appearance.
func (d DeckConfig) PromptPlaceholders() []string {
	var names []string
	seen := make(map[string]bool)
	for _, m := range placeholderRe.FindAllStringSubmatch(d.Prompt, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values, applying
// defaults for absent settings. It returns a joined error listing all
// validation failures found.
//
// Prompt placeholder mapping is checked here: a placeholder without a field
// mapping is a configuration defect and must never surface as a runtime
// generation error.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Anki defaults.
	if cfg.Anki.Host == "" {
		cfg.Anki.Host = DefaultAnkiHost
	}
	if cfg.Anki.MetadataField == "" {
		cfg.Anki.MetadataField = DefaultMetadataField
	}

	// Session ordering policy.
	if cfg.Session.QueueOrder == "" {
		cfg.Session.QueueOrder = card.QueueOrderLearningReviewNew
	} else if !cfg.Session.QueueOrder.IsValid() {
		errs = append(errs, fmt.Errorf("session.queue_order %q is invalid", cfg.Session.QueueOrder))
	}
	if cfg.Session.ReviewOrder == "" {
		cfg.Session.ReviewOrder = card.ReviewOrderDueDateRandom
	} else if !cfg.Session.ReviewOrder.IsValid() {
		errs = append(errs, fmt.Errorf("session.review_order %q is invalid", cfg.Session.ReviewOrder))
	}
	if cfg.Session.NewCardOrder == "" {
		cfg.Session.NewCardOrder = card.NewCardOrderDeck
	} else if !cfg.Session.NewCardOrder.IsValid() {
		errs = append(errs, fmt.Errorf("session.new_card_order %q is invalid", cfg.Session.NewCardOrder))
	}
	if cfg.Session.PrefetchWindow < 0 {
		errs = append(errs, fmt.Errorf("session.prefetch_window %d must not be negative", cfg.Session.PrefetchWindow))
	} else if cfg.Session.PrefetchWindow == 0 {
		cfg.Session.PrefetchWindow = DefaultPrefetchWindow
	}

	// Provider fallback chains.
	for kind, entry := range map[string]ProviderEntry{"llm": cfg.Providers.LLM, "tts": cfg.Providers.TTS} {
		for i, fb := range entry.Fallbacks {
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d].name is required", kind, i))
			}
			if len(fb.Fallbacks) > 0 {
				errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d] must not declare nested fallbacks", kind, i))
			}
		}
	}

	// Decks.
	deckNamesSeen := make(map[string]int, len(cfg.Decks))
	for i, deck := range cfg.Decks {
		prefix := fmt.Sprintf("decks[%d]", i)
		if deck.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := deckNamesSeen[deck.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of decks[%d]", prefix, deck.Name, prev))
			}
			deckNamesSeen[deck.Name] = i
		}
		if deck.Pattern != "" {
			if _, err := path.Match(deck.Pattern, "probe"); err != nil {
				errs = append(errs, fmt.Errorf("%s.pattern %q is not a valid pattern: %v", prefix, deck.Pattern, err))
			}
		}
		if deck.Prompt == "" {
			errs = append(errs, fmt.Errorf("%s.prompt is required", prefix))
		}
		if deck.ResponseFields.Len() == 0 {
			errs = append(errs, fmt.Errorf("%s.response_fields must not be empty", prefix))
		}

		// Every placeholder in the prompt must have a field mapping.
		for _, ph := range deck.PromptPlaceholders() {
			if _, ok := deck.Fields[ph]; !ok {
				errs = append(errs, fmt.Errorf("%s.prompt references ${%s} but %s.fields has no mapping for it", prefix, ph, prefix))
			}
		}
		// Unused mappings are tolerated but suspicious enough to reject
		// when they shadow nothing at all: an empty target field name is
		// always a mistake.
		for ph, target := range deck.Fields {
			if target == "" {
				errs = append(errs, fmt.Errorf("%s.fields[%s] maps to an empty card field name", prefix, ph))
			}
		}
	}

	return errors.Join(errs...)
}
