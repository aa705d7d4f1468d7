// Package history keeps a local log of submitted answers in SQLite.
// The flashcard store owns scheduling; this log only feeds statistics.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Registers the sqlite driver
)

// Review is one submitted answer.
type Review struct {
	CardID     int64
	DeckName   string
	Ease       int
	ReviewedAt time.Time

	// AnswerDuration is how long the card was on screen before rating.
	AnswerDuration time.Duration
}

// DeckStats summarizes the reviews recorded for one deck.
type DeckStats struct {
	DeckName string
	Reviews  int
	Again    int
}

// Store wraps the SQLite connection holding the review log.
type Store struct {
	conn *sql.DB
}

// Open opens (creating if needed) the review log at dsn and applies the
// schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: connect: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}
	return &Store{conn: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Record appends one review to the log.
func (s *Store) Record(ctx context.Context, r Review) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO reviews (card_id, deck_name, ease, reviewed_at, answer_ms)
		VALUES (?, ?, ?, ?, ?)
	`, r.CardID, r.DeckName, r.Ease, r.ReviewedAt, r.AnswerDuration.Milliseconds())
	if err != nil {
		return fmt.Errorf("history: record review for card %d: %w", r.CardID, err)
	}
	return nil
}

// RecentReviews returns the latest reviews, newest first.
func (s *Store) RecentReviews(ctx context.Context, limit int) ([]Review, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT card_id, deck_name, ease, reviewed_at, answer_ms
		FROM reviews ORDER BY reviewed_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query recent reviews: %w", err)
	}
	defer rows.Close()

	var out []Review
	for rows.Next() {
		var r Review
		var answerMs int64
		if err := rows.Scan(&r.CardID, &r.DeckName, &r.Ease, &r.ReviewedAt, &answerMs); err != nil {
			return nil, fmt.Errorf("history: scan review: %w", err)
		}
		r.AnswerDuration = time.Duration(answerMs) * time.Millisecond
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate reviews: %w", err)
	}
	return out, nil
}

// StatsByDeck aggregates review counts per deck since a cutoff time.
func (s *Store) StatsByDeck(ctx context.Context, since time.Time) ([]DeckStats, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT deck_name, COUNT(*), SUM(CASE WHEN ease = 1 THEN 1 ELSE 0 END)
		FROM reviews WHERE reviewed_at >= ?
		GROUP BY deck_name ORDER BY deck_name
	`, since)
	if err != nil {
		return nil, fmt.Errorf("history: query deck stats: %w", err)
	}
	defer rows.Close()

	var out []DeckStats
	for rows.Next() {
		var st DeckStats
		if err := rows.Scan(&st.DeckName, &st.Reviews, &st.Again); err != nil {
			return nil, fmt.Errorf("history: scan deck stats: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate deck stats: %w", err)
	}
	return out, nil
}
