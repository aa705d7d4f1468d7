package session

import (
	"fmt"
	"io"
	"strings"

	"github.com/MrWong99/gakuon/internal/card"
	"github.com/MrWong99/gakuon/internal/config"
	"github.com/MrWong99/gakuon/internal/content"
)

// Raw mode leaves the terminal without output post-processing, so every
// line break has to be an explicit \r\n.
const eol = "\r\n"

func renderCard(w io.Writer, index, total int, c card.Card, deck *config.DeckConfig, meta *content.CardMetadata) {
	fmt.Fprintf(w, "%s━━━ Card %d/%d · %s (%s)%s", eol, index+1, total, c.DeckName, c.Queue, eol)

	if deck != nil {
		for _, name := range deck.ResponseFields.Names() {
			value := meta.Content[name]
			if value == "" {
				continue
			}
			label := name
			if fc, ok := deck.ResponseFields.Get(name); ok && fc.Description != "" {
				label = fc.Description
			}
			marker := " "
			if meta.Audio[name] != "" {
				marker = "♪"
			}
			fmt.Fprintf(w, " %s %s: %s%s", marker, label, indentContinuations(value), eol)
		}
	}
	fmt.Fprintf(w, "   [1] again  [2] hard  [3] good  [4] easy%s", eol)
}

func renderGenerationFailure(w io.Writer, c card.Card, err error) {
	fmt.Fprintf(w, "%s！ Card %d has no content: %v%s", eol, c.ID, err, eol)
	fmt.Fprintf(w, "   [r] retry  [n] skip  [q] quit%s", eol)
}

func renderRatingFailure(w io.Writer, c card.Card, err error) {
	fmt.Fprintf(w, "！ Answer for card %d was rejected: %v%s", c.ID, err, eol)
}

func renderHelp(w io.Writer) {
	fmt.Fprintf(w, "%skeys: [space] play all  [p] play primary  [s] stop  [1-4] rate  [r] regenerate  [n] skip  [b] back  [h] help  [q] quit%s", eol, eol)
}

func renderPrefetchDrain(w io.Writer) {
	fmt.Fprintf(w, "%sWaiting for background generation to finish…%s", eol, eol)
}

func renderSummary(w io.Writer, s Summary) {
	fmt.Fprintf(w, "%sSession done: %d answered, %d skipped of %d cards.%s", eol, s.Answered, s.Skipped, s.Total, eol)
}

// indentContinuations keeps multi-line field values aligned under the label.
func indentContinuations(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "\n", eol+"      ")
}
