package content

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/gakuon/internal/card"
	"github.com/MrWong99/gakuon/internal/config"
)

// BuildPrompt expands a deck's prompt template with the card's field values.
// Placeholder-to-field mappings are validated at config load time, so a
// missing mapping here is a programming error; a mapped field absent from
// the card is a store inconsistency.
func BuildPrompt(deck *config.DeckConfig, c card.Card) (string, error) {
	prompt := deck.Prompt
	for _, ph := range deck.PromptPlaceholders() {
		fieldName, ok := deck.Fields[ph]
		if !ok {
			return "", classify(ClassConfig, c.ID, "build prompt",
				fmt.Errorf("placeholder ${%s} has no field mapping", ph))
		}
		value, ok := c.Fields[fieldName]
		if !ok {
			return "", classify(ClassStoreInconsistency, c.ID, "build prompt",
				fmt.Errorf("card has no field %q (mapped from ${%s})", fieldName, ph))
		}
		prompt = strings.ReplaceAll(prompt, "${"+ph+"}", value)
	}
	return prompt, nil
}

// BuildSystemPrompt describes the expected response schema to the model:
// one JSON object whose keys are exactly the configured response fields.
func BuildSystemPrompt(deck *config.DeckConfig) string {
	var b strings.Builder
	b.WriteString("You generate study content for a flashcard review session. ")
	b.WriteString("Respond with a single JSON object containing exactly these keys:\n")
	for _, name := range deck.ResponseFields.Names() {
		fc, _ := deck.ResponseFields.Get(name)
		b.WriteString("- \"")
		b.WriteString(name)
		b.WriteString("\": ")
		b.WriteString(fc.Description)
		if fc.Required {
			b.WriteString(" (required, must not be empty)")
		}
		if fc.Locale != "" {
			b.WriteString(" (language: ")
			b.WriteString(fc.Locale)
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	b.WriteString("All values must be plain strings without markup.")
	return b.String()
}

// ParseResponse extracts and validates the generated content from a model
// response. Surrounding prose is tolerated: the first balanced JSON object
// in the text is decoded. All configured fields must decode to strings and
// required fields must be non-empty.
func ParseResponse(deck *config.DeckConfig, cardID int64, raw string) (map[string]string, error) {
	objText, ok := extractObject(raw)
	if !ok {
		return nil, classify(ClassValidation, cardID, "parse response",
			fmt.Errorf("no JSON object found in model output"))
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(objText), &decoded); err != nil {
		return nil, classify(ClassValidation, cardID, "parse response", err)
	}

	out := make(map[string]string, deck.ResponseFields.Len())
	for _, name := range deck.ResponseFields.Names() {
		fc, _ := deck.ResponseFields.Get(name)
		v, present := decoded[name]
		if !present {
			if fc.Required {
				return nil, classify(ClassValidation, cardID, "parse response",
					fmt.Errorf("required field %q missing", name))
			}
			out[name] = ""
			continue
		}
		s, isString := v.(string)
		if !isString {
			return nil, classify(ClassValidation, cardID, "parse response",
				fmt.Errorf("field %q is %T, want string", name, v))
		}
		if fc.Required && strings.TrimSpace(s) == "" {
			return nil, classify(ClassValidation, cardID, "parse response",
				fmt.Errorf("required field %q is empty", name))
		}
		out[name] = s
	}
	return out, nil
}

// extractObject returns the first balanced top-level JSON object in s.
// Brace counting ignores braces inside string literals.
func extractObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
