// Package anki implements a client for the AnkiConnect HTTP API.
//
// AnkiConnect exposes a single POST endpoint taking an envelope of
// {action, version, params} and answering {result, error}. The client wraps
// the actions gakuon needs: card discovery, card info, answering, note field
// updates, and media storage.
package anki

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/gakuon/internal/card"
)

// protocolVersion is the AnkiConnect API version this client speaks.
const protocolVersion = 6

// ErrMediaNotFound is returned by RetrieveMedia when the named file does not
// exist in the collection's media folder.
var ErrMediaNotFound = errors.New("anki: media file not found")

// Client talks to a single AnkiConnect endpoint. It is safe for concurrent
// use.
type Client struct {
	host       string
	httpClient *http.Client
}

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client. Useful for tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-request timeout on the default HTTP client.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// NewClient creates a client for the AnkiConnect endpoint at host, e.g.
// "http://127.0.0.1:8765".
func NewClient(host string, opts ...ClientOption) (*Client, error) {
	if host == "" {
		return nil, errors.New("anki: host must not be empty")
	}
	c := &Client{
		host:       strings.TrimRight(host, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// invoke performs one AnkiConnect call and decodes the result into out.
// Pass a nil out to discard the result.
func (c *Client) invoke(ctx context.Context, action string, params, out any) error {
	body, err := json.Marshal(request{Action: action, Version: protocolVersion, Params: params})
	if err != nil {
		return fmt.Errorf("anki: encode %s request: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("anki: create %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("anki: %s: %w", action, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("anki: %s: unexpected status %d: %s", action, res.StatusCode, strings.TrimSpace(string(data)))
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("anki: read %s response: %w", action, err)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *string         `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("anki: decode %s response: %w", action, err)
	}
	if envelope.Error != nil && *envelope.Error != "" {
		return fmt.Errorf("anki: %s failed: %s", action, *envelope.Error)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("anki: decode %s result: %w", action, err)
		}
	}
	return nil
}

// Ping verifies the endpoint is reachable and speaks the expected protocol
// version.
func (c *Client) Ping(ctx context.Context) error {
	var version int
	if err := c.invoke(ctx, "version", nil, &version); err != nil {
		return err
	}
	if version < protocolVersion {
		return fmt.Errorf("anki: endpoint speaks version %d, need at least %d", version, protocolVersion)
	}
	return nil
}

// DeckNames returns the names of all decks in the collection.
func (c *Client) DeckNames(ctx context.Context) ([]string, error) {
	var names []string
	if err := c.invoke(ctx, "deckNames", nil, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// FindCards returns the IDs of cards matching an Anki search query.
func (c *Client) FindCards(ctx context.Context, query string) ([]int64, error) {
	var ids []int64
	if err := c.invoke(ctx, "findCards", findCardsParams{Query: query}, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// CardsInfo fetches full card details for the given card IDs.
func (c *Client) CardsInfo(ctx context.Context, ids []int64) ([]card.Card, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var infos []cardInfo
	if err := c.invoke(ctx, "cardsInfo", cardsParams{Cards: ids}, &infos); err != nil {
		return nil, err
	}
	cards := make([]card.Card, 0, len(infos))
	for _, info := range infos {
		cards = append(cards, toCard(info))
	}
	return cards, nil
}

// AreDue reports, per card ID, whether the card is currently due for review.
func (c *Client) AreDue(ctx context.Context, ids []int64) ([]bool, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var due []bool
	if err := c.invoke(ctx, "areDue", cardsParams{Cards: ids}, &due); err != nil {
		return nil, err
	}
	if len(due) != len(ids) {
		return nil, fmt.Errorf("anki: areDue returned %d results for %d cards", len(due), len(ids))
	}
	return due, nil
}

// DueCards returns the cards in deckName that are due for review or new,
// filtered through areDue so that learning cards whose step has not elapsed
// yet are excluded.
func (c *Client) DueCards(ctx context.Context, deckName string) ([]card.Card, error) {
	query := fmt.Sprintf("deck:%q (is:due OR is:new)", deckName)
	ids, err := c.FindCards(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cards, err := c.CardsInfo(ctx, ids)
	if err != nil {
		return nil, err
	}

	infoIDs := make([]int64, len(cards))
	for i, cd := range cards {
		infoIDs[i] = cd.ID
	}
	due, err := c.AreDue(ctx, infoIDs)
	if err != nil {
		return nil, err
	}

	out := cards[:0]
	for i, cd := range cards {
		if cd.Queue == card.QueueNew || due[i] {
			out = append(out, cd)
		}
	}
	return out, nil
}

// AnswerCard submits a review rating for a card. Ease must be 1 (again)
// through 4 (easy).
func (c *Client) AnswerCard(ctx context.Context, cardID int64, ease int) error {
	if ease < 1 || ease > 4 {
		return fmt.Errorf("anki: ease %d out of range [1,4]", ease)
	}
	var results []bool
	params := answerCardsParams{Answers: []cardAnswer{{CardID: cardID, Ease: ease}}}
	if err := c.invoke(ctx, "answerCards", params, &results); err != nil {
		return err
	}
	if len(results) != 1 || !results[0] {
		return fmt.Errorf("anki: card %d could not be answered (not in review state?)", cardID)
	}
	return nil
}

// NoteFields returns the current field values of a note.
func (c *Client) NoteFields(ctx context.Context, noteID int64) (map[string]string, error) {
	var infos []noteInfo
	if err := c.invoke(ctx, "notesInfo", notesInfoParams{Notes: []int64{noteID}}, &infos); err != nil {
		return nil, err
	}
	if len(infos) == 0 || infos[0].NoteID == 0 {
		return nil, fmt.Errorf("anki: note %d not found", noteID)
	}
	fields := make(map[string]string, len(infos[0].Fields))
	for name, f := range infos[0].Fields {
		fields[name] = f.Value
	}
	return fields, nil
}

// UpdateNoteField overwrites a single field of a note.
func (c *Client) UpdateNoteField(ctx context.Context, noteID int64, field, value string) error {
	params := updateNoteFieldsParams{Note: noteFieldsUpdate{
		ID:     noteID,
		Fields: map[string]string{field: value},
	}}
	return c.invoke(ctx, "updateNoteFields", params, nil)
}

// StoreMedia writes data into the collection's media folder under filename,
// replacing any existing file of that name.
func (c *Client) StoreMedia(ctx context.Context, filename string, data []byte) error {
	params := storeMediaParams{
		Filename: filename,
		Data:     base64.StdEncoding.EncodeToString(data),
	}
	return c.invoke(ctx, "storeMediaFile", params, nil)
}

// RetrieveMedia reads a file from the collection's media folder. Returns
// [ErrMediaNotFound] when the file does not exist.
func (c *Client) RetrieveMedia(ctx context.Context, filename string) ([]byte, error) {
	// AnkiConnect answers false instead of a string when the file is
	// missing, so decode into a raw value first.
	var result json.RawMessage
	if err := c.invoke(ctx, "retrieveMediaFile", retrieveMediaParams{Filename: filename}, &result); err != nil {
		return nil, err
	}
	if string(result) == "false" {
		return nil, fmt.Errorf("%w: %q", ErrMediaNotFound, filename)
	}
	var encoded string
	if err := json.Unmarshal(result, &encoded); err != nil {
		return nil, fmt.Errorf("anki: decode retrieveMediaFile result: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("anki: decode media %q: %w", filename, err)
	}
	return data, nil
}

// Sync triggers a collection sync with AnkiWeb.
func (c *Client) Sync(ctx context.Context) error {
	return c.invoke(ctx, "sync", nil, nil)
}

// toCard converts an AnkiConnect cardInfo into the domain card type.
// Queue 1 (learning) and 3 (day relearning) both map to the learning bucket.
func toCard(info cardInfo) card.Card {
	var bucket card.QueueBucket
	switch info.Queue {
	case 0:
		bucket = card.QueueNew
	case 1, 3:
		bucket = card.QueueLearning
	default:
		bucket = card.QueueReview
	}
	fields := make(map[string]string, len(info.Fields))
	for name, f := range info.Fields {
		fields[name] = f.Value
	}
	return card.Card{
		ID:        info.CardID,
		NoteID:    info.NoteID,
		DeckName:  info.DeckName,
		ModelName: info.ModelName,
		Queue:     bucket,
		Due:       info.Due,
		Interval:  info.Interval,
		Factor:    info.Factor,
		Reps:      info.Reps,
		Lapses:    info.Lapses,
		Fields:    fields,
	}
}
