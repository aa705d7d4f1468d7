package card

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
)

// QueueOrder controls how the three queue buckets are concatenated into the
// final session order.
type QueueOrder string

const (
	QueueOrderLearningReviewNew QueueOrder = "learning_review_new"
	QueueOrderReviewLearningNew QueueOrder = "review_learning_new"
	QueueOrderNewLearningReview QueueOrder = "new_learning_review"
	QueueOrderMixed             QueueOrder = "mixed"
)

// IsValid reports whether q is a recognised queue order.
func (q QueueOrder) IsValid() bool {
	switch q {
	case QueueOrderLearningReviewNew, QueueOrderReviewLearningNew,
		QueueOrderNewLearningReview, QueueOrderMixed:
		return true
	}
	return false
}

// ReviewOrder controls the ordering applied within the learning and review
// buckets.
type ReviewOrder string

const (
	ReviewOrderDueDateRandom       ReviewOrder = "due_date_random"
	ReviewOrderDueDateDeck         ReviewOrder = "due_date_deck"
	ReviewOrderDeckDueDate         ReviewOrder = "deck_due_date"
	ReviewOrderAscendingIntervals  ReviewOrder = "ascending_intervals"
	ReviewOrderDescendingIntervals ReviewOrder = "descending_intervals"
	ReviewOrderAscendingEase       ReviewOrder = "ascending_ease"
	ReviewOrderDescendingEase      ReviewOrder = "descending_ease"
	ReviewOrderRelativeOverdueness ReviewOrder = "relative_overdueness"
)

// IsValid reports whether r is a recognised review order.
func (r ReviewOrder) IsValid() bool {
	switch r {
	case ReviewOrderDueDateRandom, ReviewOrderDueDateDeck, ReviewOrderDeckDueDate,
		ReviewOrderAscendingIntervals, ReviewOrderDescendingIntervals,
		ReviewOrderAscendingEase, ReviewOrderDescendingEase,
		ReviewOrderRelativeOverdueness:
		return true
	}
	return false
}

// NewCardOrder controls the ordering applied within the new-card bucket.
type NewCardOrder string

const (
	NewCardOrderDeck               NewCardOrder = "deck"
	NewCardOrderDeckRandomNotes    NewCardOrder = "deck_random_notes"
	NewCardOrderAscendingPosition  NewCardOrder = "ascending_position"
	NewCardOrderDescendingPosition NewCardOrder = "descending_position"
	NewCardOrderRandomNotes        NewCardOrder = "random_notes"
	NewCardOrderRandomCards        NewCardOrder = "random_cards"
)

// IsValid reports whether n is a recognised new-card order.
func (n NewCardOrder) IsValid() bool {
	switch n {
	case NewCardOrderDeck, NewCardOrderDeckRandomNotes,
		NewCardOrderAscendingPosition, NewCardOrderDescendingPosition,
		NewCardOrderRandomNotes, NewCardOrderRandomCards:
		return true
	}
	return false
}

// Sorter orders a due set according to the three-axis session policy.
// It performs no I/O and holds no state beyond its random source, so a
// Sorter with a fixed seed produces fully deterministic output.
type Sorter struct {
	rng *rand.Rand

	// dueCutoff is the due ordinal treated as "now" for relative
	// overdueness. Zero means derive it from the card set (max due + 1).
	dueCutoff int
}

// SorterOption is a functional option for NewSorter.
type SorterOption func(*Sorter)

// WithRand injects the random source used for the random ordering axes and
// tie-breaks. Tests pass a seeded source for reproducibility.
func WithRand(r *rand.Rand) SorterOption {
	return func(s *Sorter) { s.rng = r }
}

// WithDueCutoff fixes the due ordinal treated as the current day when
// computing relative overdueness. Without it the cutoff is derived from the
// most distant due value in the review bucket.
func WithDueCutoff(due int) SorterOption {
	return func(s *Sorter) { s.dueCutoff = due }
}

// NewSorter returns a Sorter. Without options it uses a system-seeded
// random source.
func NewSorter(opts ...SorterOption) *Sorter {
	s := &Sorter{}
	for _, o := range opts {
		o(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return s
}

// Order partitions cards into new/learning/review buckets, sorts each bucket
// by its configured policy, and concatenates them per queueOrder. The input
// slice is not modified; the result contains every input card exactly once.
func (s *Sorter) Order(cards []Card, queueOrder QueueOrder, reviewOrder ReviewOrder, newOrder NewCardOrder) ([]Card, error) {
	if !queueOrder.IsValid() {
		return nil, fmt.Errorf("card: invalid queue order %q", queueOrder)
	}
	if !reviewOrder.IsValid() {
		return nil, fmt.Errorf("card: invalid review order %q", reviewOrder)
	}
	if !newOrder.IsValid() {
		return nil, fmt.Errorf("card: invalid new card order %q", newOrder)
	}

	var newCards, learning, review []Card
	for _, c := range cards {
		switch c.Queue {
		case QueueLearning:
			learning = append(learning, c)
		case QueueReview:
			review = append(review, c)
		default:
			newCards = append(newCards, c)
		}
	}

	s.sortReviewBucket(learning, reviewOrder)
	s.sortReviewBucket(review, reviewOrder)
	s.sortNewBucket(newCards, newOrder)

	out := make([]Card, 0, len(cards))
	switch queueOrder {
	case QueueOrderReviewLearningNew:
		out = append(out, review...)
		out = append(out, learning...)
		out = append(out, newCards...)
	case QueueOrderNewLearningReview:
		out = append(out, newCards...)
		out = append(out, learning...)
		out = append(out, review...)
	case QueueOrderMixed:
		out = append(out, learning...)
		out = append(out, review...)
		out = append(out, newCards...)
		s.rng.Shuffle(len(out), func(i, j int) {
			out[i], out[j] = out[j], out[i]
		})
	default: // learning_review_new
		out = append(out, learning...)
		out = append(out, review...)
		out = append(out, newCards...)
	}
	return out, nil
}

// sortReviewBucket sorts learning/review cards in place. All orderings break
// remaining ties by card ID so the result is total; the random axes draw a
// per-card key from the sorter's source instead.
func (s *Sorter) sortReviewBucket(cards []Card, order ReviewOrder) {
	switch order {
	case ReviewOrderDueDateRandom:
		key := s.randKeys(cards, func(c Card) int64 { return c.ID })
		slices.SortStableFunc(cards, func(a, b Card) int {
			if d := a.Due - b.Due; d != 0 {
				return d
			}
			return cmpUint64(key[a.ID], key[b.ID])
		})
	case ReviewOrderDueDateDeck:
		slices.SortStableFunc(cards, func(a, b Card) int {
			if d := a.Due - b.Due; d != 0 {
				return d
			}
			if d := strings.Compare(a.DeckName, b.DeckName); d != 0 {
				return d
			}
			return cmpInt64(a.ID, b.ID)
		})
	case ReviewOrderDeckDueDate:
		slices.SortStableFunc(cards, func(a, b Card) int {
			if d := strings.Compare(a.DeckName, b.DeckName); d != 0 {
				return d
			}
			if d := a.Due - b.Due; d != 0 {
				return d
			}
			return cmpInt64(a.ID, b.ID)
		})
	case ReviewOrderAscendingIntervals:
		s.sortByIntThen(cards, func(c Card) int { return c.Interval }, false)
	case ReviewOrderDescendingIntervals:
		s.sortByIntThen(cards, func(c Card) int { return c.Interval }, true)
	case ReviewOrderAscendingEase:
		s.sortByIntThen(cards, func(c Card) int { return c.Factor }, false)
	case ReviewOrderDescendingEase:
		s.sortByIntThen(cards, func(c Card) int { return c.Factor }, true)
	case ReviewOrderRelativeOverdueness:
		cutoff := s.dueCutoff
		if cutoff == 0 {
			for _, c := range cards {
				if c.Due >= cutoff {
					cutoff = c.Due + 1
				}
			}
		}
		slices.SortStableFunc(cards, func(a, b Card) int {
			oa, ob := overdueness(a, cutoff), overdueness(b, cutoff)
			switch {
			case oa > ob: // most overdue first
				return -1
			case oa < ob:
				return 1
			}
			return cmpInt64(a.ID, b.ID)
		})
	}
}

// sortNewBucket sorts new cards in place per the gather order.
func (s *Sorter) sortNewBucket(cards []Card, order NewCardOrder) {
	switch order {
	case NewCardOrderDeck:
		slices.SortStableFunc(cards, func(a, b Card) int {
			if d := strings.Compare(a.DeckName, b.DeckName); d != 0 {
				return d
			}
			if d := a.Due - b.Due; d != 0 {
				return d
			}
			return cmpInt64(a.ID, b.ID)
		})
	case NewCardOrderDeckRandomNotes:
		key := s.randKeys(cards, func(c Card) int64 { return c.NoteID })
		slices.SortStableFunc(cards, func(a, b Card) int {
			if d := strings.Compare(a.DeckName, b.DeckName); d != 0 {
				return d
			}
			if d := cmpUint64(key[a.NoteID], key[b.NoteID]); d != 0 {
				return d
			}
			return cmpInt64(a.ID, b.ID)
		})
	case NewCardOrderAscendingPosition:
		slices.SortStableFunc(cards, func(a, b Card) int {
			if d := a.Due - b.Due; d != 0 {
				return d
			}
			return cmpInt64(a.ID, b.ID)
		})
	case NewCardOrderDescendingPosition:
		slices.SortStableFunc(cards, func(a, b Card) int {
			if d := b.Due - a.Due; d != 0 {
				return d
			}
			return cmpInt64(a.ID, b.ID)
		})
	case NewCardOrderRandomNotes:
		// Siblings of the same note stay adjacent; note groups are shuffled.
		key := s.randKeys(cards, func(c Card) int64 { return c.NoteID })
		slices.SortStableFunc(cards, func(a, b Card) int {
			if d := cmpUint64(key[a.NoteID], key[b.NoteID]); d != 0 {
				return d
			}
			return cmpInt64(a.ID, b.ID)
		})
	case NewCardOrderRandomCards:
		s.rng.Shuffle(len(cards), func(i, j int) {
			cards[i], cards[j] = cards[j], cards[i]
		})
	}
}

// sortByIntThen sorts by an integer attribute with ID tie-break.
func (s *Sorter) sortByIntThen(cards []Card, attr func(Card) int, desc bool) {
	slices.SortStableFunc(cards, func(a, b Card) int {
		d := attr(a) - attr(b)
		if desc {
			d = -d
		}
		if d != 0 {
			return d
		}
		return cmpInt64(a.ID, b.ID)
	})
}

// randKeys draws one random key per distinct group value, so sorting by the
// key shuffles groups while keeping group members adjacent.
func (s *Sorter) randKeys(cards []Card, group func(Card) int64) map[int64]uint64 {
	keys := make(map[int64]uint64, len(cards))
	for _, c := range cards {
		g := group(c)
		if _, ok := keys[g]; !ok {
			keys[g] = s.rng.Uint64()
		}
	}
	return keys
}

// overdueness is (cutoff - due) / interval: how far past due a card is,
// normalised by its own interval. Cards with no interval count as interval 1.
func overdueness(c Card, cutoff int) float64 {
	iv := c.Interval
	if iv < 1 {
		iv = 1
	}
	return float64(cutoff-c.Due) / float64(iv)
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
