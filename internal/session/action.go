// Package session drives the interactive review loop: one card at a time,
// content playback, user actions, and answer submission.
package session

import "fmt"

// Action is one user command inside a review session.
type Action int

const (
	// ActionNone is the zero value and never emitted by an input source.
	ActionNone Action = iota

	// ActionPlayAll plays every audio clip of the current card in schema
	// order.
	ActionPlayAll

	// ActionPlayPrimary plays only the first audio clip.
	ActionPlayPrimary

	// ActionStop cancels any running playback.
	ActionStop

	// ActionNext moves to the next card without answering.
	ActionNext

	// ActionPrevious moves back to the previous card.
	ActionPrevious

	// ActionRate1 through ActionRate4 submit an answer (again, hard, good,
	// easy) and advance.
	ActionRate1
	ActionRate2
	ActionRate3
	ActionRate4

	// ActionRegenerate discards the card's cached content and generates a
	// fresh version.
	ActionRegenerate

	// ActionHelp reprints the key bindings.
	ActionHelp

	// ActionQuit ends the session.
	ActionQuit
)

// String returns the action name for logs.
func (a Action) String() string {
	switch a {
	case ActionPlayAll:
		return "play_all"
	case ActionPlayPrimary:
		return "play_primary"
	case ActionStop:
		return "stop"
	case ActionNext:
		return "next"
	case ActionPrevious:
		return "previous"
	case ActionRate1, ActionRate2, ActionRate3, ActionRate4:
		return fmt.Sprintf("rate_%d", a.Ease())
	case ActionRegenerate:
		return "regenerate"
	case ActionHelp:
		return "help"
	case ActionQuit:
		return "quit"
	}
	return "none"
}

// IsRating reports whether a submits an answer.
func (a Action) IsRating() bool {
	return a >= ActionRate1 && a <= ActionRate4
}

// Ease returns the answer ease (1–4) for rating actions and 0 otherwise.
func (a Action) Ease() int {
	if !a.IsRating() {
		return 0
	}
	return int(a-ActionRate1) + 1
}
