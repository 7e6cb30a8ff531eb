package fusion

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"deepresearch/internal/config"
	"deepresearch/internal/ledger"
)

// fakeEmbedder returns fixed embeddings keyed by text so dense rankings
// are deterministic in tests.
type fakeEmbedder struct {
	vectors map[string][]float64
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		if v, ok := f.vectors[t]; ok {
			out[i] = v
		} else {
			out[i] = []float64{0, 0, 1}
		}
	}
	return out, nil
}

func openTestLedger(t *testing.T) *ledger.DB {
	t.Helper()
	db, err := ledger.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test ledger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func ingest(t *testing.T, db *ledger.DB, sessionID, url, content string, embedding []float64) string {
	t.Helper()
	id, _, err := db.InsertChunk(ledger.Chunk{
		SessionID: sessionID,
		URL:       url,
		Content:   content,
		Embedding: embedding,
	})
	if err != nil {
		t.Fatalf("ingesting chunk: %v", err)
	}
	return id
}

func TestRetrieveFusesMethods(t *testing.T) {
	db := openTestLedger(t)
	sid, _ := db.CreateSession("q")

	// Lexically strong for the question, dense-neutral.
	lexID := ingest(t, db, sid, "https://a.com",
		"electric sedan pricing information for buyers", []float64{0, 1, 0})
	// Dense-strong (matches the question embedding), lexically unrelated.
	denseID := ingest(t, db, sid, "https://b.com",
		"unrelated words entirely different vocabulary", []float64{1, 0, 0})
	// Irrelevant on all methods.
	ingest(t, db, sid, "https://c.com", "gardening tips compost soil", []float64{0, 0.2, 0.9})

	emb := &fakeEmbedder{vectors: map[string][]float64{
		"electric sedan pricing": {1, 0.1, 0},
	}}
	r := New(db, emb, config.Fusion{K: 60, TopK: 10})

	got, err := r.Retrieve(context.Background(), "electric sedan pricing", sid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) < 2 {
		t.Fatalf("expected at least 2 fused results, got %d", len(got))
	}

	found := map[string]bool{}
	for _, c := range got {
		found[c.SourceID] = true
	}
	if !found[lexID] || !found[denseID] {
		t.Errorf("fusion missed a contributing method: lex=%v dense=%v", found[lexID], found[denseID])
	}
}

func TestRetrieveDeterministic(t *testing.T) {
	db := openTestLedger(t)
	sid, _ := db.CreateSession("q")
	ingest(t, db, sid, "https://a.com", "solar panel efficiency ratings overview", nil)
	ingest(t, db, sid, "https://b.com", "solar panel installation cost guide", nil)
	ingest(t, db, sid, "https://c.com", "solar panel efficiency comparison data", nil)

	r := New(db, nil, config.Fusion{K: 60, TopK: 10})

	first, err := r.Retrieve(context.Background(), "solar panel efficiency", sid)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := r.Retrieve(context.Background(), "solar panel efficiency", sid)
		if err != nil {
			t.Fatal(err)
		}
		var a, b []string
		for _, c := range first {
			a = append(a, c.SourceID)
		}
		for _, c := range again {
			b = append(b, c.SourceID)
		}
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("retrieval order not deterministic: %v vs %v", a, b)
		}
	}
}

func TestRetrieveSessionScoped(t *testing.T) {
	db := openTestLedger(t)
	s1, _ := db.CreateSession("q1")
	s2, _ := db.CreateSession("q2")
	ingest(t, db, s1, "https://a.com", "solar panel efficiency ratings", nil)
	leaked := ingest(t, db, s2, "https://b.com", "solar panel efficiency ratings", nil)

	r := New(db, nil, config.Fusion{K: 60, TopK: 10})
	got, err := r.Retrieve(context.Background(), "solar panel efficiency", s1)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range got {
		if c.SourceID == leaked {
			t.Fatal("cross-session chunk leaked into retrieval")
		}
		if c.SessionID != s1 {
			t.Fatalf("chunk from wrong session: %s", c.SessionID)
		}
	}
}

func TestRetrieveEmptyLedger(t *testing.T) {
	db := openTestLedger(t)
	sid, _ := db.CreateSession("q")
	r := New(db, nil, config.Fusion{})
	got, err := r.Retrieve(context.Background(), "anything", sid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for empty ledger, got %d", len(got))
	}
}

func TestSortScoredTieBreak(t *testing.T) {
	results := []scored{
		{id: "src_b", score: 0.5},
		{id: "src_a", score: 0.5},
		{id: "src_c", score: 0.9},
	}
	got := sortScored(results, 10)
	want := []string{"src_c", "src_a", "src_b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestGraphLookup(t *testing.T) {
	db := openTestLedger(t)
	sid, _ := db.CreateSession("q")
	srcID := ingest(t, db, sid, "https://a.com", "Acme acquired Widgets Inc in March 2024.", nil)
	if err := db.InsertEdge(ledger.Edge{
		SessionID: sid, Subject: "Acme", Relation: "acquired", Object: "Widgets Inc", ChunkID: srcID,
	}); err != nil {
		t.Fatal(err)
	}

	r := New(db, nil, config.Fusion{})
	facts, err := r.Lookup(context.Background(), "Which company did Acme acquire?", sid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(facts) == 0 {
		t.Fatal("expected a graph fact")
	}
	if facts[0].Object != "Widgets Inc" {
		t.Errorf("unexpected fact: %+v", facts[0])
	}
	if facts[0].Chunk.SourceID != srcID {
		t.Error("fact missing provenance chunk")
	}
}

func TestGraphRankingContributes(t *testing.T) {
	db := openTestLedger(t)
	sid, _ := db.CreateSession("q")
	graphID := ingest(t, db, sid, "https://a.com", "completely unrelated filler text here", nil)
	db.InsertEdge(ledger.Edge{SessionID: sid, Subject: "Frobnitz", Relation: "made_by", Object: "Acme", ChunkID: graphID})
	ingest(t, db, sid, "https://b.com", "other filler content without entities", nil)

	r := New(db, nil, config.Fusion{K: 60, TopK: 10})
	got, err := r.Retrieve(context.Background(), "Who makes Frobnitz?", sid)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, c := range got {
		if c.SourceID == graphID {
			found = true
		}
	}
	if !found {
		t.Error("graph-linked chunk missing from fused results")
	}
}

func TestExtractEntities(t *testing.T) {
	got := extractEntities("What company acquired Widgets Inc and The Acme Corporation?")
	want := map[string]bool{"Widgets Inc": true, "Acme Corporation": true}
	for _, e := range got {
		delete(want, e)
	}
	if len(want) != 0 {
		t.Errorf("missing entities %v in %v", want, got)
	}
}

func TestCosine(t *testing.T) {
	if got := cosine([]float64{1, 0}, []float64{1, 0}); got < 0.999 {
		t.Errorf("identical vectors should score ~1, got %f", got)
	}
	if got := cosine([]float64{1, 0}, []float64{0, 1}); got != 0 {
		t.Errorf("orthogonal vectors should score 0, got %f", got)
	}
	if got := cosine([]float64{1, 0}, []float64{1}); got != 0 {
		t.Errorf("mismatched lengths should score 0, got %f", got)
	}
}
