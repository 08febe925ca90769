package memory

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func tempDB(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// #region fake-embedder
type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	dim   int
	err   error
	short bool
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	n := len(texts)
	if f.short {
		n--
	}
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, f.dim)
		v[0] = float32(len(texts[i]))
		out[i] = v
	}
	return out, nil
}

// #endregion fake-embedder

func TestAppendAndListRecent(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, text := range []string{"first note", "second note", "third note"} {
		_, err := s.AppendFragment(ctx, Fragment{
			Text:      text,
			Tags:      []string{"note"},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AppendFragment: %v", err)
		}
	}

	frags, err := s.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(frags) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(frags))
	}
	if frags[0].Text != "third note" || frags[1].Text != "second note" {
		t.Fatalf("expected newest first, got %q, %q", frags[0].Text, frags[1].Text)
	}
	if frags[0].Trust != DefaultTrust {
		t.Errorf("expected default trust %.2f, got %.2f", DefaultTrust, frags[0].Trust)
	}
	if len(frags[0].Tags) != 1 || frags[0].Tags[0] != "note" {
		t.Errorf("unexpected tags: %v", frags[0].Tags)
	}
	if frags[0].HasEmbedding() {
		t.Error("fresh fragment should not have an embedding")
	}
}

func TestAppendRejectsEmptyText(t *testing.T) {
	s := tempDB(t)
	if _, err := s.Append(context.Background(), "   ", nil, 0); err == nil {
		t.Fatal("expected error for empty text")
	}
}

func TestAppendKeepsSourceAndTrust(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	f, err := s.AppendFragment(ctx, Fragment{Text: "seeded", Source: "seed.yaml", Trust: 0.9})
	if err != nil {
		t.Fatalf("AppendFragment: %v", err)
	}
	got, err := s.Get(ctx, f.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Source != "seed.yaml" {
		t.Errorf("expected source seed.yaml, got %q", got.Source)
	}
	if got.Trust != 0.9 {
		t.Errorf("expected trust 0.9, got %.2f", got.Trust)
	}
}

func TestBackfillEmbeddings(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	for _, text := range []string{"alpha", "beta gamma"} {
		if _, err := s.Append(ctx, text, nil, 0); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	frags, _ := s.ListRecent(ctx, 10)

	emb := &fakeEmbedder{dim: 4}
	n, err := s.BackfillEmbeddings(ctx, frags, emb)
	if err != nil {
		t.Fatalf("BackfillEmbeddings: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 embedded, got %d", n)
	}
	for _, f := range frags {
		if len(f.Embedding) != 4 {
			t.Fatalf("expected in-place vector of len 4, got %d", len(f.Embedding))
		}
	}

	stored, _ := s.ListRecent(ctx, 10)
	for _, f := range stored {
		if !f.HasEmbedding() {
			t.Fatalf("fragment %s not persisted with embedding", f.ID)
		}
		if f.Embedding[0] != float32(len(f.Text)) {
			t.Errorf("vector round-trip mismatch for %q: %v", f.Text, f.Embedding)
		}
	}

	// Second pass has nothing to do.
	n, err = s.BackfillEmbeddings(ctx, stored, emb)
	if err != nil || n != 0 {
		t.Fatalf("expected no-op backfill, got n=%d err=%v", n, err)
	}
	if emb.calls != 1 {
		t.Errorf("expected a single embed call, got %d", emb.calls)
	}
}

func TestBackfillDoesNotOverwrite(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	f, _ := s.Append(ctx, "stable", nil, 0)
	if err := s.SetEmbedding(ctx, f.ID, []float32{9, 9}); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}
	if err := s.SetEmbedding(ctx, f.ID, []float32{1, 1}); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}
	got, _ := s.Get(ctx, f.ID)
	if got.Embedding[0] != 9 {
		t.Fatalf("expected first vector to win, got %v", got.Embedding)
	}
}

func TestBackfillErrors(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	s.Append(ctx, "one", nil, 0)
	s.Append(ctx, "two", nil, 0)
	frags, _ := s.ListRecent(ctx, 10)

	boom := errors.New("backend down")
	if _, err := s.BackfillEmbeddings(ctx, frags, &fakeEmbedder{dim: 2, err: boom}); !errors.Is(err, boom) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if _, err := s.BackfillEmbeddings(ctx, frags, &fakeEmbedder{dim: 2, short: true}); err == nil {
		t.Fatal("expected count mismatch error")
	}
}

func TestConcurrentBackfill(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.Append(ctx, "shared fragment text", nil, 0)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			frags, err := s.ListRecent(ctx, 10)
			if err != nil {
				t.Errorf("ListRecent: %v", err)
				return
			}
			if _, err := s.BackfillEmbeddings(ctx, frags, &fakeEmbedder{dim: 3}); err != nil {
				t.Errorf("BackfillEmbeddings: %v", err)
			}
		}()
	}
	wg.Wait()

	frags, _ := s.ListRecent(ctx, 10)
	for _, f := range frags {
		if len(f.Embedding) != 3 {
			t.Fatalf("expected embedding len 3, got %d", len(f.Embedding))
		}
	}
}

func TestRecordAndListOutcomes(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	card := OutcomeCard{
		Task:      "what dosage should I take?",
		Plan:      PlanRecord{Mode: "thoughtful", Steps: []string{"retrieve_broaden", "direct_answer"}},
		Outcome:   OutcomeWin,
		Lesson:    "Used 2 fragments; mode=thoughtful.",
		Citations: []string{"a", "b"},
		Signals:   SignalsRecord{Uncertainty: 0.1, Novelty: 0.5, Stability: 0.8, ValueAtRisk: 0.61},
	}
	saved, err := s.RecordOutcome(ctx, card)
	if err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if saved.ID == "" {
		t.Fatal("expected generated id")
	}

	cards, err := s.ListOutcomes(ctx, 10)
	if err != nil {
		t.Fatalf("ListOutcomes: %v", err)
	}
	if len(cards) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(cards))
	}
	got := cards[0]
	if got.Plan.Mode != "thoughtful" || len(got.Plan.Steps) != 2 {
		t.Errorf("plan round-trip mismatch: %+v", got.Plan)
	}
	if got.Signals.ValueAtRisk != 0.61 {
		t.Errorf("signals round-trip mismatch: %+v", got.Signals)
	}
	if len(got.Citations) != 2 {
		t.Errorf("citations round-trip mismatch: %v", got.Citations)
	}
}

func TestLessons(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	s.Append(ctx, "plain note", []string{"note"}, 0)
	s.Append(ctx, "Lesson: mode=fast U=0.10", []string{"lesson", "policy"}, 0)

	lessons, err := s.Lessons(ctx, 5)
	if err != nil {
		t.Fatalf("Lessons: %v", err)
	}
	if len(lessons) != 1 || lessons[0].Text != "Lesson: mode=fast U=0.10" {
		t.Fatalf("unexpected lessons: %+v", lessons)
	}
}

func TestVectorEncodingRoundTrip(t *testing.T) {
	v := []float32{0.5, -1.25, 3}
	got := decodeVector(encodeVector(v))
	if len(got) != len(v) {
		t.Fatalf("expected len %d, got %d", len(v), len(got))
	}
	for i := range v {
		if got[i] != v[i] {
			t.Fatalf("index %d: expected %f, got %f", i, v[i], got[i])
		}
	}
	if decodeVector(nil) != nil {
		t.Fatal("expected nil for empty blob")
	}
}
