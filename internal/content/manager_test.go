package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/gakuon/internal/card"
	"github.com/MrWong99/gakuon/internal/config"
	"github.com/MrWong99/gakuon/internal/observe"
	"github.com/MrWong99/gakuon/pkg/provider/llm"
	llmmock "github.com/MrWong99/gakuon/pkg/provider/llm/mock"
	ttsmock "github.com/MrWong99/gakuon/pkg/provider/tts/mock"
)

// fakeStore is an in-memory Store double.
type fakeStore struct {
	mu          sync.Mutex
	noteFields  map[int64]map[string]string
	media       map[string][]byte
	updateErr   error
	storeErr    error
	retrieveErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		noteFields: make(map[int64]map[string]string),
		media:      make(map[string][]byte),
	}
}

func (s *fakeStore) UpdateNoteField(_ context.Context, noteID int64, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	if s.noteFields[noteID] == nil {
		s.noteFields[noteID] = make(map[string]string)
	}
	s.noteFields[noteID][field] = value
	return nil
}

func (s *fakeStore) StoreMedia(_ context.Context, filename string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr != nil {
		return s.storeErr
	}
	s.media[filename] = data
	return nil
}

func (s *fakeStore) RetrieveMedia(_ context.Context, filename string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retrieveErr != nil {
		return nil, s.retrieveErr
	}
	data, ok := s.media[filename]
	if !ok {
		return nil, fmt.Errorf("no media %q", filename)
	}
	return data, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{
		Anki: config.AnkiConfig{MetadataField: "Gakuon"},
		Decks: []config.DeckConfig{{
			Name:    "jp",
			Pattern: "Japanese::*",
			Prompt:  "Make a sentence with ${word}.",
			Fields:  map[string]string{"word": "Expression"},
			ResponseFields: config.NewResponseFields(
				config.ResponseFieldEntry{Name: "sentence", Config: config.ResponseFieldConfig{Description: "s", Required: true, Audio: true, Locale: "ja-JP"}},
				config.ResponseFieldEntry{Name: "translation", Config: config.ResponseFieldConfig{Description: "t", Required: true}},
			),
		}},
	}
	cfg.Session.TTSVoice = "alloy"
	return cfg
}

func testCard() card.Card {
	return card.Card{
		ID:       11,
		NoteID:   101,
		DeckName: "Japanese::Core",
		Fields:   map[string]string{"Expression": "猫"},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

const goodResponse = `{"sentence": "猫が寝ている。", "translation": "The cat is sleeping."}`

func TestGetOrGenerate_Generates(t *testing.T) {
	store := newFakeStore()
	llmp := &llmmock.Provider{Responses: []string{goodResponse}}
	ttsp := &ttsmock.Provider{Audio: []byte("clip")}
	mgr := NewManager(store, llmp, ttsp, testConfig(), quietLogger())

	meta, err := mgr.GetOrGenerate(context.Background(), testCard(), false)
	if err != nil {
		t.Fatalf("GetOrGenerate() error: %v", err)
	}
	if meta.Content["sentence"] != "猫が寝ている。" {
		t.Errorf("sentence = %q", meta.Content["sentence"])
	}
	if meta.Audio["sentence"] != "gakuon-11-sentence.mp3" {
		t.Errorf("audio filename = %q", meta.Audio["sentence"])
	}
	if _, ok := meta.Audio["translation"]; ok {
		t.Error("non-audio field got a clip")
	}

	// Prompt assembly: placeholder substituted, schema in system prompt.
	if llmp.CallCount() != 1 {
		t.Fatalf("Complete called %d times, want 1", llmp.CallCount())
	}
	req := llmp.Calls[0].Req
	if req.Prompt != "Make a sentence with 猫." {
		t.Errorf("prompt = %q", req.Prompt)
	}
	if !req.JSONOnly {
		t.Error("JSONOnly not set")
	}
	if !strings.Contains(req.SystemPrompt, `"sentence"`) || !strings.Contains(req.SystemPrompt, `"translation"`) {
		t.Errorf("system prompt missing schema: %q", req.SystemPrompt)
	}

	// Voice resolution falls back to the session default, locale from the field.
	if ttsp.CallCount() != 1 {
		t.Fatalf("Synthesize called %d times, want 1", ttsp.CallCount())
	}
	voice := ttsp.Calls[0].Voice
	if voice.ID != "alloy" || voice.Locale != "ja-JP" {
		t.Errorf("voice = %+v", voice)
	}

	// Metadata persisted on the note and readable back.
	stored := store.noteFields[101]["Gakuon"]
	if stored == "" {
		t.Fatal("metadata not persisted")
	}
	back, err := DecodeMetadata(stored)
	if err != nil {
		t.Fatalf("DecodeMetadata(stored) error: %v", err)
	}
	if back.Content["translation"] != "The cat is sleeping." {
		t.Errorf("round-tripped translation = %q", back.Content["translation"])
	}
	if string(store.media["gakuon-11-sentence.mp3"]) != "clip" {
		t.Error("clip not stored in media folder")
	}
}

func TestGetOrGenerate_CacheHit(t *testing.T) {
	store := newFakeStore()
	llmp := &llmmock.Provider{Responses: []string{goodResponse}}
	ttsp := &ttsmock.Provider{}
	mgr := NewManager(store, llmp, ttsp, testConfig(), quietLogger())

	meta := &CardMetadata{
		Version: SchemaVersion,
		Content: map[string]string{"sentence": "cached", "translation": "cached too"},
		Audio:   map[string]string{"sentence": "gakuon-11-sentence.mp3"},
	}
	encoded, err := EncodeMetadata(meta)
	if err != nil {
		t.Fatalf("EncodeMetadata() error: %v", err)
	}
	c := testCard()
	c.Fields["Gakuon"] = encoded

	got, err := mgr.GetOrGenerate(context.Background(), c, false)
	if err != nil {
		t.Fatalf("GetOrGenerate() error: %v", err)
	}
	if got.Content["sentence"] != "cached" {
		t.Errorf("sentence = %q, want cached copy", got.Content["sentence"])
	}
	if llmp.CallCount() != 0 || ttsp.CallCount() != 0 {
		t.Errorf("providers called on cache hit (llm=%d tts=%d)", llmp.CallCount(), ttsp.CallCount())
	}
}

func TestGetOrGenerate_ForceBypassesCache(t *testing.T) {
	store := newFakeStore()
	llmp := &llmmock.Provider{Responses: []string{goodResponse}}
	mgr := NewManager(store, llmp, &ttsmock.Provider{}, testConfig(), quietLogger())

	meta := &CardMetadata{
		Version: SchemaVersion,
		Content: map[string]string{"sentence": "cached", "translation": "cached too"},
		Audio:   map[string]string{"sentence": "old.mp3"},
	}
	encoded, _ := EncodeMetadata(meta)
	c := testCard()
	c.Fields["Gakuon"] = encoded

	got, err := mgr.GetOrGenerate(context.Background(), c, true)
	if err != nil {
		t.Fatalf("GetOrGenerate(force) error: %v", err)
	}
	if got.Content["sentence"] != "猫が寝ている。" {
		t.Errorf("sentence = %q, want fresh content", got.Content["sentence"])
	}
	if llmp.CallCount() != 1 {
		t.Errorf("Complete called %d times, want 1", llmp.CallCount())
	}
}

func TestGetOrGenerate_StaleSchemaRegenerates(t *testing.T) {
	store := newFakeStore()
	llmp := &llmmock.Provider{Responses: []string{goodResponse}}
	mgr := NewManager(store, llmp, &ttsmock.Provider{}, testConfig(), quietLogger())

	// Metadata written before the audio field was added to the schema.
	meta := &CardMetadata{
		Version: SchemaVersion,
		Content: map[string]string{"sentence": "cached", "translation": "cached too"},
	}
	encoded, _ := EncodeMetadata(meta)
	c := testCard()
	c.Fields["Gakuon"] = encoded

	if _, err := mgr.GetOrGenerate(context.Background(), c, false); err != nil {
		t.Fatalf("GetOrGenerate() error: %v", err)
	}
	if llmp.CallCount() != 1 {
		t.Errorf("Complete called %d times, want regeneration", llmp.CallCount())
	}
}

func TestGetOrGenerate_RetriesInvalidOutputThenSucceeds(t *testing.T) {
	store := newFakeStore()
	llmp := &llmmock.Provider{Responses: []string{
		"not json at all",
		`{"sentence": "", "translation": "empty required field"}`,
		"Sure! Here is the content:\n" + goodResponse,
	}}
	mgr := NewManager(store, llmp, &ttsmock.Provider{}, testConfig(), quietLogger())

	meta, err := mgr.GetOrGenerate(context.Background(), testCard(), false)
	if err != nil {
		t.Fatalf("GetOrGenerate() error: %v", err)
	}
	if llmp.CallCount() != 3 {
		t.Errorf("Complete called %d times, want 3", llmp.CallCount())
	}
	if meta.Content["sentence"] != "猫が寝ている。" {
		t.Errorf("sentence = %q (prose around the JSON must be tolerated)", meta.Content["sentence"])
	}
}

func TestGetOrGenerate_AttemptBound(t *testing.T) {
	store := newFakeStore()
	llmp := &llmmock.Provider{Responses: []string{"still not json"}}
	mgr := NewManager(store, llmp, &ttsmock.Provider{}, testConfig(), quietLogger())

	_, err := mgr.GetOrGenerate(context.Background(), testCard(), false)
	if err == nil {
		t.Fatal("expected failure after exhausting attempts")
	}
	if llmp.CallCount() != maxGenerationAttempts {
		t.Errorf("Complete called %d times, want %d", llmp.CallCount(), maxGenerationAttempts)
	}
	var genErr *GenerationError
	if !errors.As(err, &genErr) || genErr.Class != ClassValidation {
		t.Errorf("error = %v, want validation class", err)
	}
}

func TestGetOrGenerate_TTSFailureNotRetried(t *testing.T) {
	store := newFakeStore()
	llmp := &llmmock.Provider{Responses: []string{goodResponse}}
	ttsp := &ttsmock.Provider{SynthesizeErr: errors.New("voice service down")}
	mgr := NewManager(store, llmp, ttsp, testConfig(), quietLogger())

	_, err := mgr.GetOrGenerate(context.Background(), testCard(), false)
	var genErr *GenerationError
	if !errors.As(err, &genErr) || genErr.Class != ClassTransport {
		t.Fatalf("error = %v, want transport class", err)
	}
	if llmp.CallCount() != 1 || ttsp.CallCount() != 1 {
		t.Errorf("calls llm=%d tts=%d, want 1 each (no audio retry)", llmp.CallCount(), ttsp.CallCount())
	}
	if store.noteFields[101] != nil {
		t.Error("metadata persisted despite failed generation")
	}
}

func TestGetOrGenerate_MissingCardField(t *testing.T) {
	mgr := NewManager(newFakeStore(), &llmmock.Provider{}, &ttsmock.Provider{}, testConfig(), quietLogger())

	c := testCard()
	delete(c.Fields, "Expression")

	_, err := mgr.GetOrGenerate(context.Background(), c, false)
	var genErr *GenerationError
	if !errors.As(err, &genErr) || genErr.Class != ClassStoreInconsistency {
		t.Fatalf("error = %v, want store inconsistency", err)
	}
}

func TestGetOrGenerate_NoDeckConfig(t *testing.T) {
	mgr := NewManager(newFakeStore(), &llmmock.Provider{}, &ttsmock.Provider{}, testConfig(), quietLogger())

	c := testCard()
	c.DeckName = "Korean::Core"

	_, err := mgr.GetOrGenerate(context.Background(), c, false)
	var genErr *GenerationError
	if !errors.As(err, &genErr) || genErr.Class != ClassConfig {
		t.Fatalf("error = %v, want config class", err)
	}
}

func TestGetOrGenerate_MemoSurvivesStaleSnapshot(t *testing.T) {
	store := newFakeStore()
	llmp := &llmmock.Provider{Responses: []string{goodResponse}}
	mgr := NewManager(store, llmp, &ttsmock.Provider{}, testConfig(), quietLogger())

	// The card snapshot never learns about the metadata written to the
	// note, so a revisit must hit the in-process memo instead.
	if _, err := mgr.GetOrGenerate(context.Background(), testCard(), false); err != nil {
		t.Fatalf("first GetOrGenerate() error: %v", err)
	}
	if _, err := mgr.GetOrGenerate(context.Background(), testCard(), false); err != nil {
		t.Fatalf("second GetOrGenerate() error: %v", err)
	}
	if llmp.CallCount() != 1 {
		t.Errorf("Complete called %d times, want 1 (memo miss)", llmp.CallCount())
	}
}

// gatedLLM wraps a provider so the test controls when Complete returns and
// can observe whether calls ever overlap.
type gatedLLM struct {
	inner   llm.Provider
	entered chan struct{}
	release chan struct{}

	mu        sync.Mutex
	active    int
	maxActive int
}

func newGatedLLM(inner llm.Provider) *gatedLLM {
	return &gatedLLM{inner: inner, entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *gatedLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	g.mu.Lock()
	g.active++
	if g.active > g.maxActive {
		g.maxActive = g.active
	}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.active--
		g.mu.Unlock()
	}()

	g.entered <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.inner.Complete(ctx, req)
}

func (g *gatedLLM) Name() string { return "gated" }

func TestGetOrGenerate_ForceQueuesBehindConcurrentRead(t *testing.T) {
	const freshResponse = `{"sentence": "犬が走る。", "translation": "The dog runs."}`
	store := newFakeStore()
	inner := &llmmock.Provider{Responses: []string{goodResponse, freshResponse}}
	gate := newGatedLLM(inner)
	mgr := NewManager(store, gate, &ttsmock.Provider{}, testConfig(), quietLogger())
	ctx := context.Background()

	readResult := make(chan *CardMetadata, 1)
	readErr := make(chan error, 1)
	go func() {
		m, err := mgr.GetOrGenerate(ctx, testCard(), false)
		readResult <- m
		readErr <- err
	}()
	// The read now holds the card lock inside its completion call.
	<-gate.entered

	forceDone := make(chan struct{})
	var forced *CardMetadata
	var forcedErr error
	go func() {
		defer close(forceDone)
		forced, forcedErr = mgr.GetOrGenerate(ctx, testCard(), true)
	}()

	// The forced regenerate must queue behind the in-flight read instead of
	// piggybacking on its result.
	select {
	case <-forceDone:
		t.Fatal("forced call returned while the read still held the card")
	case <-time.After(50 * time.Millisecond):
	}

	gate.release <- struct{}{}
	<-gate.entered
	gate.release <- struct{}{}

	select {
	case <-forceDone:
	case <-time.After(2 * time.Second):
		t.Fatal("forced call did not finish after release")
	}
	if err := <-readErr; err != nil {
		t.Fatalf("read error: %v", err)
	}
	read := <-readResult
	if forcedErr != nil {
		t.Fatalf("forced error: %v", forcedErr)
	}

	if gate.maxActive != 1 {
		t.Errorf("completions overlapped: %d concurrent calls for one card", gate.maxActive)
	}
	if read.Content["sentence"] != "猫が寝ている。" {
		t.Errorf("read sentence = %q, want the first completion", read.Content["sentence"])
	}
	if forced.Content["sentence"] != "犬が走る。" {
		t.Errorf("forced sentence = %q, want the second completion", forced.Content["sentence"])
	}

	// The forced result is what both the note and the memo now hold.
	stored, err := DecodeMetadata(store.noteFields[101]["Gakuon"])
	if err != nil {
		t.Fatalf("DecodeMetadata(stored) error: %v", err)
	}
	if stored.Content["sentence"] != "犬が走る。" {
		t.Errorf("persisted sentence = %q, want the forced result", stored.Content["sentence"])
	}
	again, err := mgr.GetOrGenerate(ctx, testCard(), false)
	if err != nil {
		t.Fatalf("follow-up GetOrGenerate() error: %v", err)
	}
	if again.Content["sentence"] != "犬が走る。" {
		t.Errorf("memoized sentence = %q, want the forced result", again.Content["sentence"])
	}
	if inner.CallCount() != 2 {
		t.Errorf("Complete called %d times, want 2", inner.CallCount())
	}
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m, ok := findMetric(rm, name)
	if !ok {
		t.Fatalf("metric %s not recorded", name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %s: unexpected data type %T", name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func histogramCount(t *testing.T, rm metricdata.ResourceMetrics, name string) uint64 {
	t.Helper()
	m, ok := findMetric(rm, name)
	if !ok {
		t.Fatalf("metric %s not recorded", name)
	}
	h, ok := m.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric %s: unexpected data type %T", name, m.Data)
	}
	var total uint64
	for _, dp := range h.DataPoints {
		total += dp.Count
	}
	return total
}

func TestGetOrGenerate_RecordsTelemetry(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	store := newFakeStore()
	llmp := &llmmock.Provider{Responses: []string{"not json", goodResponse}}
	mgr := NewManager(store, llmp, &ttsmock.Provider{}, testConfig(), quietLogger(), WithMetrics(met))

	// First call: one rejected completion, one accepted, one synthesis.
	if _, err := mgr.GetOrGenerate(context.Background(), testCard(), false); err != nil {
		t.Fatalf("GetOrGenerate() error: %v", err)
	}
	// Second call is a memo hit.
	if _, err := mgr.GetOrGenerate(context.Background(), testCard(), false); err != nil {
		t.Fatalf("second GetOrGenerate() error: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if got := counterValue(t, rm, "gakuon.cache.lookups"); got != 2 {
		t.Errorf("cache lookups = %d, want 2 (one miss, one hit)", got)
	}
	if got := counterValue(t, rm, "gakuon.generation.retries"); got != 1 {
		t.Errorf("generation retries = %d, want 1", got)
	}
	if got := counterValue(t, rm, "gakuon.provider.requests"); got != 3 {
		t.Errorf("provider requests = %d, want 3 (two llm, one tts)", got)
	}
	if got := histogramCount(t, rm, "gakuon.completion.duration"); got != 2 {
		t.Errorf("completion observations = %d, want 2", got)
	}
	if got := histogramCount(t, rm, "gakuon.synthesis.duration"); got != 1 {
		t.Errorf("synthesis observations = %d, want 1", got)
	}
	if got := histogramCount(t, rm, "gakuon.generation.duration"); got != 1 {
		t.Errorf("generation observations = %d, want 1", got)
	}
}

func TestMaterializeAudio(t *testing.T) {
	store := newFakeStore()
	store.media["gakuon-11-sentence.mp3"] = []byte("clip-bytes")
	cfg := testConfig()
	mgr := NewManager(store, &llmmock.Provider{}, &ttsmock.Provider{}, cfg, quietLogger())

	deck := &cfg.Decks[0]
	meta := &CardMetadata{
		Version: SchemaVersion,
		Content: map[string]string{"sentence": "s", "translation": "t"},
		Audio:   map[string]string{"sentence": "gakuon-11-sentence.mp3"},
	}

	clips, err := mgr.MaterializeAudio(context.Background(), deck, meta)
	if err != nil {
		t.Fatalf("MaterializeAudio() error: %v", err)
	}
	defer RemoveClips(clips)

	if len(clips) != 1 || clips[0].Field != "sentence" {
		t.Fatalf("clips = %+v, want one sentence clip", clips)
	}
}
