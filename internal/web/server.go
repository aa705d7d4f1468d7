// Package web exposes the review system over HTTP: deck and card queries,
// answering, regeneration, audio retrieval, and a websocket event stream.
//
// The facade serves remote clients (a phone on the same network, a browser
// tab) that drive reviews without the interactive terminal session.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/gakuon/internal/card"
	"github.com/MrWong99/gakuon/internal/config"
	"github.com/MrWong99/gakuon/internal/content"
	"github.com/MrWong99/gakuon/internal/health"
	"github.com/MrWong99/gakuon/internal/history"
	"github.com/MrWong99/gakuon/internal/observe"
)

// CardStore is the flashcard store surface the facade needs.
type CardStore interface {
	DeckNames(ctx context.Context) ([]string, error)
	DueCards(ctx context.Context, deckName string) ([]card.Card, error)
	CardsInfo(ctx context.Context, ids []int64) ([]card.Card, error)
	AnswerCard(ctx context.Context, cardID int64, ease int) error
	RetrieveMedia(ctx context.Context, filename string) ([]byte, error)
}

// ContentService produces and caches generated card content.
type ContentService interface {
	GetOrGenerate(ctx context.Context, c card.Card, force bool) (*content.CardMetadata, error)
	DeckConfigFor(deckName string) (*config.DeckConfig, bool)
}

// ReviewLog is the read side of the local review history. Implemented by
// [history.Store].
type ReviewLog interface {
	StatsByDeck(ctx context.Context, since time.Time) ([]history.DeckStats, error)
	RecentReviews(ctx context.Context, limit int) ([]history.Review, error)
}

// Server is the HTTP facade. Build one with NewServer and mount
// [Server.Handler].
type Server struct {
	store   CardStore
	content ContentService
	sorter  *card.Sorter
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observe.Metrics
	hub     *Hub
	health  *health.Handler
	reviews ReviewLog
}

// NewServer wires the facade from its collaborators.
func NewServer(store CardStore, cs ContentService, sorter *card.Sorter, cfg *config.Config, metrics *observe.Metrics, logger *slog.Logger, checkers ...health.Checker) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:   store,
		content: cs,
		sorter:  sorter,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		hub:     NewHub(logger),
		health:  health.New(checkers...),
	}
}

// Hub returns the event hub so session code can publish review events to
// connected websocket clients.
func (s *Server) Hub() *Hub {
	return s.hub
}

// AttachReviewLog enables the /api/stats and /api/reviews read endpoints.
// Without it those endpoints answer 404, matching a config without a
// history path.
func (s *Server) AttachReviewLog(log ReviewLog) {
	s.reviews = log
}

// Handler returns the mux with all routes registered and the observability
// middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/decks", s.listDecks)
	mux.HandleFunc("GET /api/decks/{deck}/cards", s.listDueCards)
	mux.HandleFunc("GET /api/cards/{id}", s.getCard)
	mux.HandleFunc("POST /api/cards/{id}/answer", s.answerCard)
	mux.HandleFunc("POST /api/cards/{id}/regenerate", s.regenerateCard)
	mux.HandleFunc("GET /api/cards/{id}/audio/{field}", s.getAudio)
	mux.HandleFunc("GET /api/stats", s.getStats)
	mux.HandleFunc("GET /api/reviews", s.listReviews)
	mux.HandleFunc("GET /ws", s.hub.Serve)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.health.Register(mux)
	return observe.Middleware(s.metrics)(mux)
}

type deckResponse struct {
	Name       string `json:"name"`
	Configured bool   `json:"configured"`
}

func (s *Server) listDecks(w http.ResponseWriter, r *http.Request) {
	names, err := s.store.DeckNames(r.Context())
	if err != nil {
		s.fail(w, r, http.StatusBadGateway, "store unavailable", err)
		return
	}
	out := make([]deckResponse, 0, len(names))
	for _, name := range names {
		_, configured := s.cfg.FindDeckConfig(name)
		out = append(out, deckResponse{Name: name, Configured: configured})
	}
	writeJSON(w, http.StatusOK, out)
}

type cardResponse struct {
	ID       int64  `json:"id"`
	NoteID   int64  `json:"noteId"`
	DeckName string `json:"deckName"`
	Queue    string `json:"queue"`
	Due      int    `json:"due"`
	Interval int    `json:"interval"`
}

func (s *Server) listDueCards(w http.ResponseWriter, r *http.Request) {
	deckName := r.PathValue("deck")
	cards, err := s.store.DueCards(r.Context(), deckName)
	if err != nil {
		s.fail(w, r, http.StatusBadGateway, "store unavailable", err)
		return
	}

	ordered, err := s.sorter.Order(cards,
		s.cfg.Session.QueueOrder, s.cfg.Session.ReviewOrder, s.cfg.Session.NewCardOrder)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "ordering failed", err)
		return
	}

	out := make([]cardResponse, 0, len(ordered))
	for _, c := range ordered {
		out = append(out, cardResponse{
			ID:       c.ID,
			NoteID:   c.NoteID,
			DeckName: c.DeckName,
			Queue:    c.Queue.String(),
			Due:      c.Due,
			Interval: c.Interval,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type cardContentResponse struct {
	cardResponse
	Content     map[string]string `json:"content"`
	AudioFields []string          `json:"audioFields"`
	GeneratedAt time.Time         `json:"generatedAt"`
}

func (s *Server) getCard(w http.ResponseWriter, r *http.Request) {
	s.serveCardContent(w, r, false)
}

func (s *Server) regenerateCard(w http.ResponseWriter, r *http.Request) {
	s.serveCardContent(w, r, true)
}

func (s *Server) serveCardContent(w http.ResponseWriter, r *http.Request, force bool) {
	c, ok := s.lookupCard(w, r)
	if !ok {
		return
	}

	meta, err := s.content.GetOrGenerate(r.Context(), c, force)
	if err != nil {
		var genErr *content.GenerationError
		status := http.StatusBadGateway
		if errors.As(err, &genErr) && genErr.Class == content.ClassConfig {
			status = http.StatusUnprocessableEntity
		}
		s.fail(w, r, status, "generation failed", err)
		return
	}

	audioFields := make([]string, 0, len(meta.Audio))
	if deck, ok := s.content.DeckConfigFor(c.DeckName); ok {
		for _, name := range deck.ResponseFields.AudioFields() {
			if meta.Audio[name] != "" {
				audioFields = append(audioFields, name)
			}
		}
	}

	if force {
		s.hub.Publish(Event{Type: EventRegenerated, CardID: c.ID, Deck: c.DeckName})
	}
	writeJSON(w, http.StatusOK, cardContentResponse{
		cardResponse: cardResponse{
			ID: c.ID, NoteID: c.NoteID, DeckName: c.DeckName,
			Queue: c.Queue.String(), Due: c.Due, Interval: c.Interval,
		},
		Content:     meta.Content,
		AudioFields: audioFields,
		GeneratedAt: meta.GeneratedAt,
	})
}

type answerRequest struct {
	Ease int `json:"ease"`
}

func (s *Server) answerCard(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupCard(w, r)
	if !ok {
		return
	}

	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Ease < 1 || req.Ease > 4 {
		s.fail(w, r, http.StatusBadRequest, "ease must be between 1 and 4", nil)
		return
	}

	if err := s.store.AnswerCard(r.Context(), c.ID, req.Ease); err != nil {
		s.fail(w, r, http.StatusConflict, "answer rejected", err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordCardReviewed(r.Context(), req.Ease)
	}
	s.hub.Publish(Event{Type: EventAnswered, CardID: c.ID, Deck: c.DeckName, Ease: req.Ease})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getAudio(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupCard(w, r)
	if !ok {
		return
	}
	field := r.PathValue("field")

	meta, err := s.content.GetOrGenerate(r.Context(), c, false)
	if err != nil {
		s.fail(w, r, http.StatusBadGateway, "generation failed", err)
		return
	}
	filename := meta.Audio[field]
	if filename == "" {
		s.fail(w, r, http.StatusNotFound, "no audio for field "+field, nil)
		return
	}

	data, err := s.store.RetrieveMedia(r.Context(), filename)
	if err != nil {
		s.fail(w, r, http.StatusBadGateway, "media unavailable", err)
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

type deckStatsResponse struct {
	Deck    string `json:"deck"`
	Reviews int    `json:"reviews"`
	Again   int    `json:"again"`
}

// getStats summarizes the local review log per deck. ?days=N bounds the
// window (default 30).
func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	if s.reviews == nil {
		s.fail(w, r, http.StatusNotFound, "review history disabled", nil)
		return
	}
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(w, r, http.StatusBadRequest, "days must be a positive integer", err)
			return
		}
		days = n
	}

	stats, err := s.reviews.StatsByDeck(r.Context(), time.Now().AddDate(0, 0, -days))
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "stats query failed", err)
		return
	}
	out := make([]deckStatsResponse, 0, len(stats))
	for _, st := range stats {
		out = append(out, deckStatsResponse{Deck: st.DeckName, Reviews: st.Reviews, Again: st.Again})
	}
	writeJSON(w, http.StatusOK, out)
}

type reviewResponse struct {
	CardID     int64     `json:"cardId"`
	Deck       string    `json:"deck"`
	Ease       int       `json:"ease"`
	ReviewedAt time.Time `json:"reviewedAt"`
	AnswerMs   int64     `json:"answerMs"`
}

// listReviews returns the most recent entries of the local review log.
func (s *Server) listReviews(w http.ResponseWriter, r *http.Request) {
	if s.reviews == nil {
		s.fail(w, r, http.StatusNotFound, "review history disabled", nil)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			s.fail(w, r, http.StatusBadRequest, "limit must be in 1..500", err)
			return
		}
		limit = n
	}

	reviews, err := s.reviews.RecentReviews(r.Context(), limit)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, "history query failed", err)
		return
	}
	out := make([]reviewResponse, 0, len(reviews))
	for _, rv := range reviews {
		out = append(out, reviewResponse{
			CardID:     rv.CardID,
			Deck:       rv.DeckName,
			Ease:       rv.Ease,
			ReviewedAt: rv.ReviewedAt,
			AnswerMs:   rv.AnswerDuration.Milliseconds(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// lookupCard resolves the {id} path value into a full card, writing the
// error response itself on failure.
func (s *Server) lookupCard(w http.ResponseWriter, r *http.Request) (card.Card, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, "invalid card id", err)
		return card.Card{}, false
	}
	cards, err := s.store.CardsInfo(r.Context(), []int64{id})
	if err != nil {
		s.fail(w, r, http.StatusBadGateway, "store unavailable", err)
		return card.Card{}, false
	}
	if len(cards) == 0 || cards[0].ID == 0 {
		s.fail(w, r, http.StatusNotFound, "card not found", nil)
		return card.Card{}, false
	}
	return cards[0], true
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, msg string, err error) {
	if err != nil {
		observe.Logger(r.Context(), s.logger).Error(msg,
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
