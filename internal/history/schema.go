package history

const schema = `
-- One row per submitted answer. The flashcard store keeps the scheduling
-- truth; this log exists for local statistics only.
CREATE TABLE IF NOT EXISTS reviews (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    card_id INTEGER NOT NULL,
    deck_name TEXT NOT NULL,
    ease INTEGER NOT NULL,
    reviewed_at DATETIME NOT NULL,
    answer_ms INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_reviews_reviewed_at ON reviews(reviewed_at);
CREATE INDEX IF NOT EXISTS idx_reviews_deck ON reviews(deck_name);
`
