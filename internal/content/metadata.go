package content

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SchemaVersion is the current metadata layout version. Metadata persisted
// with an older version is treated as absent and regenerated.
const SchemaVersion = 2

// CardMetadata is the generated content persisted on the note, serialized
// as base64-wrapped JSON inside a dedicated note field. Base64 keeps the
// flashcard editor from mangling the JSON with HTML markup.
type CardMetadata struct {
	// Version is the schema version the metadata was written with.
	Version int `json:"version"`

	// GeneratedAt is when the content was produced.
	GeneratedAt time.Time `json:"generatedAt"`

	// Content maps response field names to generated text.
	Content map[string]string `json:"content"`

	// Audio maps response field names to media filenames in the
	// collection's media folder. Only audio-marked fields have entries.
	Audio map[string]string `json:"audio,omitempty"`
}

// ErrNoMetadata is returned by DecodeMetadata when the field is empty or
// carries an older schema version.
var ErrNoMetadata = errors.New("content: no usable metadata")

// EncodeMetadata serializes meta for storage in a note field.
func EncodeMetadata(meta *CardMetadata) (string, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("content: encode metadata: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeMetadata parses a note field value written by EncodeMetadata.
// Returns [ErrNoMetadata] for empty fields and for metadata written with an
// older schema version; both cases mean "generate fresh content".
func DecodeMetadata(fieldValue string) (*CardMetadata, error) {
	trimmed := strings.TrimSpace(stripHTML(fieldValue))
	if trimmed == "" {
		return nil, ErrNoMetadata
	}
	data, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("content: decode metadata base64: %w", err)
	}
	var meta CardMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("content: decode metadata json: %w", err)
	}
	if meta.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: schema version %d", ErrNoMetadata, meta.Version)
	}
	return &meta, nil
}

// stripHTML removes the minimal markup the flashcard editor injects into
// plain-text fields (break tags and non-breaking spaces). The metadata field
// never legitimately contains angle brackets.
func stripHTML(s string) string {
	replacer := strings.NewReplacer("<br>", "", "<br/>", "", "<br />", "", "&nbsp;", "", "<div>", "", "</div>", "")
	return replacer.Replace(s)
}
