// Package card defines the reviewable card model and the due-set ordering
// policy used to build a review session.
package card

// QueueBucket identifies which scheduling queue a card currently sits in.
// The values match the queue numbers reported by the flashcard store.
type QueueBucket int

const (
	QueueNew      QueueBucket = 0
	QueueLearning QueueBucket = 1
	QueueReview   QueueBucket = 2
)

// String returns the lowercase bucket name.
func (q QueueBucket) String() string {
	switch q {
	case QueueNew:
		return "new"
	case QueueLearning:
		return "learning"
	case QueueReview:
		return "review"
	}
	return "unknown"
}

// Card is one reviewable unit fetched from the flashcard store.
// Cards are never mutated locally; scheduling state belongs to the store.
type Card struct {
	// ID is the store-assigned card identifier, stable across a session.
	ID int64

	// NoteID groups sibling cards generated from the same note.
	NoteID int64

	// DeckName is the full deck path (e.g., "Japanese::Core::N5").
	DeckName string

	// ModelName is the note type the card was generated from.
	ModelName string

	// Queue is the scheduling bucket assigned by the store.
	Queue QueueBucket

	// Due is the store's due ordinal; smaller means more due. For new cards
	// this is the gather position instead of a date-derived value.
	Due int

	// Interval is the current review interval in days. Zero for new cards.
	Interval int

	// Factor is the ease factor in permille (e.g., 2500 = 250%).
	Factor int

	// Reps and Lapses are lifetime answer counters, carried for display only.
	Reps   int
	Lapses int

	// Fields maps field names to their raw text values.
	Fields map[string]string
}

// Field returns the named field's value, or "" if the card has no such field.
func (c Card) Field(name string) string {
	return c.Fields[name]
}
