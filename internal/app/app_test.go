package app_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/gakuon/internal/app"
	"github.com/MrWong99/gakuon/internal/card"
	"github.com/MrWong99/gakuon/internal/config"
	"github.com/MrWong99/gakuon/internal/session"
	audiomock "github.com/MrWong99/gakuon/pkg/audio/mock"
	llmmock "github.com/MrWong99/gakuon/pkg/provider/llm/mock"
	ttsmock "github.com/MrWong99/gakuon/pkg/provider/tts/mock"
)

const goodResponse = `{"sentence": "猫が寝ている。", "translation": "The cat is sleeping."}`

// testConfig returns a minimal config with one matching deck for tests.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: ":0",
			LogLevel:   config.LogInfo,
		},
		Anki: config.AnkiConfig{
			Host:          "http://127.0.0.1:8765",
			MetadataField: "Gakuon",
		},
		Session: config.SessionConfig{
			DefaultDeck:    "Japanese::N5",
			QueueOrder:     card.QueueOrderLearningReviewNew,
			ReviewOrder:    card.ReviewOrderDueDateDeck,
			NewCardOrder:   card.NewCardOrderDeck,
			PrefetchWindow: 2,
			TTSVoice:       "alloy",
		},
		Decks: []config.DeckConfig{
			{
				Name:    "jp",
				Pattern: "Japanese::*",
				Prompt:  "Write a sentence using ${expression}.",
				Fields:  map[string]string{"expression": "Expression"},
				ResponseFields: config.NewResponseFields(
					config.ResponseFieldEntry{Name: "sentence", Config: config.ResponseFieldConfig{
						Description: "Example sentence", Required: true, Audio: true, Locale: "ja-JP",
					}},
					config.ResponseFieldEntry{Name: "translation", Config: config.ResponseFieldConfig{
						Description: "English translation", Required: true,
					}},
				),
			},
		},
	}
}

// testProviders returns providers with mock LLM/TTS and a no-op player.
func testProviders() *app.Providers {
	return &app.Providers{
		LLM:    &llmmock.Provider{Responses: []string{goodResponse}},
		TTS:    &ttsmock.Provider{},
		Player: &audiomock.Player{},
	}
}

func testCards(n int) []card.Card {
	cards := make([]card.Card, 0, n)
	for i := range n {
		cards = append(cards, card.Card{
			ID:       int64(11 + i),
			NoteID:   int64(101 + i),
			DeckName: "Japanese::N5",
			Queue:    card.QueueReview,
			Due:      100 + i,
			Fields:   map[string]string{"Expression": fmt.Sprintf("word-%d", i)},
		})
	}
	return cards
}

// fakeStore implements app.Store in memory.
type fakeStore struct {
	mu       sync.Mutex
	cards    []card.Card
	media    map[string][]byte
	notes    map[int64]map[string]string
	answered []int // eases in submission order
	synced   bool
}

func newFakeStore(cards []card.Card) *fakeStore {
	return &fakeStore{
		cards: cards,
		media: make(map[string][]byte),
		notes: make(map[int64]map[string]string),
	}
}

func (s *fakeStore) Ping(context.Context) error { return nil }

func (s *fakeStore) Sync(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced = true
	return nil
}

func (s *fakeStore) DeckNames(context.Context) ([]string, error) {
	return []string{"Japanese::N5"}, nil
}

func (s *fakeStore) DueCards(_ context.Context, deckName string) ([]card.Card, error) {
	var out []card.Card
	for _, c := range s.cards {
		if c.DeckName == deckName {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) CardsInfo(_ context.Context, ids []int64) ([]card.Card, error) {
	var out []card.Card
	for _, id := range ids {
		for _, c := range s.cards {
			if c.ID == id {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func (s *fakeStore) AnswerCard(_ context.Context, cardID int64, ease int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answered = append(s.answered, ease)
	return nil
}

func (s *fakeStore) UpdateNoteField(_ context.Context, noteID int64, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notes[noteID] == nil {
		s.notes[noteID] = make(map[string]string)
	}
	s.notes[noteID][field] = value
	return nil
}

func (s *fakeStore) StoreMedia(_ context.Context, filename string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media[filename] = data
	return nil
}

func (s *fakeStore) RetrieveMedia(_ context.Context, filename string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media[filename], nil
}

// scriptedInput replays a fixed action sequence, then quits.
type scriptedInput struct {
	mu      sync.Mutex
	actions []session.Action
}

func (s *scriptedInput) NextAction(context.Context) (session.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.actions) == 0 {
		return session.ActionQuit, nil
	}
	a := s.actions[0]
	s.actions = s.actions[1:]
	return a, nil
}

func newTestApp(t *testing.T, store *fakeStore, providers *app.Providers, input session.ActionSource, out *strings.Builder) *app.App {
	t.Helper()
	application, err := app.New(
		context.Background(),
		testConfig(),
		providers,
		app.WithStore(store),
		app.WithInput(input),
		app.WithOutput(out),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	return application
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	var out strings.Builder
	application := newTestApp(t, newFakeStore(nil), testProviders(), &scriptedInput{}, &out)
	if application == nil {
		t.Fatal("New() returned nil app")
	}
}

func TestNew_RequiresLLM(t *testing.T) {
	t.Parallel()

	providers := testProviders()
	providers.LLM = nil
	_, err := app.New(context.Background(), testConfig(), providers, app.WithStore(newFakeStore(nil)))
	if err == nil {
		t.Fatal("New() without an LLM provider should fail")
	}
}

func TestLearn_AnswersAllCards(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testCards(2))
	var out strings.Builder
	input := &scriptedInput{actions: []session.Action{session.ActionRate3, session.ActionRate2}}
	application := newTestApp(t, store, testProviders(), input, &out)

	summary, err := application.Learn(context.Background(), "Japanese::N5")
	if err != nil {
		t.Fatalf("Learn() returned error: %v", err)
	}
	if summary.Answered != 2 || summary.Quit {
		t.Errorf("summary = %+v, want 2 answered without quit", summary)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.answered) != 2 || store.answered[0] != 3 || store.answered[1] != 2 {
		t.Errorf("answered eases = %v, want [3 2]", store.answered)
	}
	if !store.synced {
		t.Error("expected a collection sync after answering")
	}
}

func TestLearn_NoCardsDue(t *testing.T) {
	t.Parallel()

	var out strings.Builder
	application := newTestApp(t, newFakeStore(nil), testProviders(), &scriptedInput{}, &out)

	summary, err := application.Learn(context.Background(), "")
	if err != nil {
		t.Fatalf("Learn() returned error: %v", err)
	}
	if summary.Total != 0 {
		t.Errorf("summary.Total = %d, want 0", summary.Total)
	}
	if !strings.Contains(out.String(), "No cards due") {
		t.Errorf("output %q should mention there is nothing to review", out.String())
	}
}

func TestLearn_UnknownDeckFails(t *testing.T) {
	t.Parallel()

	var out strings.Builder
	application := newTestApp(t, newFakeStore(nil), testProviders(), &scriptedInput{}, &out)

	if _, err := application.Learn(context.Background(), "Geography::Capitals"); err == nil {
		t.Fatal("Learn() with an unconfigured deck should fail")
	}
}

func TestTestCard_PrintsGeneratedContent(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testCards(1))
	providers := testProviders()
	var out strings.Builder
	application := newTestApp(t, store, providers, &scriptedInput{}, &out)

	if err := application.TestCard(context.Background(), ""); err != nil {
		t.Fatalf("TestCard() returned error: %v", err)
	}

	got := out.String()
	for _, want := range []string{"Example sentence", "猫が寝ている。", "English translation"} {
		if !strings.Contains(got, want) {
			t.Errorf("TestCard output missing %q:\n%s", want, got)
		}
	}

	// The generated metadata must have been written back to the note.
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.notes[101]["Gakuon"] == "" {
		t.Error("metadata field was not persisted to the note")
	}
}

func TestApp_ShutdownIdempotent(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.History.Path = t.TempDir() + "/history.db"

	application, err := app.New(context.Background(), cfg, testProviders(), app.WithStore(newFakeStore(nil)))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	if err := application.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown() returned error: %v", err)
	}
	if err := application.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown() returned error: %v", err)
	}
}
