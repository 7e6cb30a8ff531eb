package ledger

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func openTestLedger(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test ledger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestSession(t *testing.T, db *DB) string {
	t.Helper()
	id, err := db.CreateSession("what is the capital of France?")
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	return id
}

func TestSessionLifecycle(t *testing.T) {
	db := openTestLedger(t)
	id := newTestSession(t, db)

	s, err := db.GetSession(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s == nil {
		t.Fatal("expected session")
	}
	if s.Status != SessionPlanning {
		t.Errorf("expected planning status, got %s", s.Status)
	}
	if s.Report != nil {
		t.Error("expected no report on a fresh session")
	}

	if err := db.UpdateOutline(id, []string{"Background", "Findings"}); err != nil {
		t.Fatalf("updating outline: %v", err)
	}
	s, _ = db.GetSession(id)
	if len(s.Outline) != 2 || s.Outline[0] != "Background" {
		t.Errorf("unexpected outline: %v", s.Outline)
	}

	if err := db.SetReport(id, "# Report\n\nDone."); err != nil {
		t.Fatalf("setting report: %v", err)
	}
	s, _ = db.GetSession(id)
	if s.Report == nil || s.Status != SessionComplete {
		t.Error("expected completed session with report")
	}
}

func TestSessionImmutableAfterReport(t *testing.T) {
	db := openTestLedger(t)
	id := newTestSession(t, db)
	if err := db.SetReport(id, "final"); err != nil {
		t.Fatal(err)
	}

	if err := db.UpdateOutline(id, []string{"New Section"}); err == nil {
		t.Error("expected outline update to fail after report is set")
	}
	if err := db.SetReport(id, "overwritten"); err == nil {
		t.Error("expected second SetReport to fail")
	}
	s, _ := db.GetSession(id)
	if *s.Report != "final" {
		t.Errorf("report was mutated: %q", *s.Report)
	}
}

func TestGetSessionMissing(t *testing.T) {
	db := openTestLedger(t)
	s, err := db.GetSession("ses_missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != nil {
		t.Error("expected nil for missing session")
	}
}

func TestVectorRefinement(t *testing.T) {
	db := openTestLedger(t)
	sid := newTestSession(t, db)

	vid, err := db.InsertVector(sid, "Pricing", "Model X price", []string{"Model X price"})
	if err != nil {
		t.Fatalf("inserting vector: %v", err)
	}

	v, _ := db.GetVector(vid)
	if v.Status != VectorPending || v.Refinements != 0 {
		t.Errorf("unexpected initial state: %s/%d", v.Status, v.Refinements)
	}
	if v.CurrentQuery() != "Model X price" {
		t.Errorf("unexpected current query: %q", v.CurrentQuery())
	}

	n, err := db.RefineVector(vid, "Model X price 2026")
	if err != nil {
		t.Fatalf("refining: %v", err)
	}
	if n != 1 {
		t.Errorf("expected refinement count 1, got %d", n)
	}

	v, _ = db.GetVector(vid)
	if len(v.Queries) != 2 || v.CurrentQuery() != "Model X price 2026" {
		t.Errorf("refined query not appended: %v", v.Queries)
	}
	if v.Status != VectorPending {
		t.Errorf("expected pending after refine, got %s", v.Status)
	}
}

func TestVectorQueriesDefaultToTopic(t *testing.T) {
	db := openTestLedger(t)
	sid := newTestSession(t, db)
	vid, err := db.InsertVector(sid, "S", "some topic", nil)
	if err != nil {
		t.Fatal(err)
	}
	v, _ := db.GetVector(vid)
	if v.CurrentQuery() != "some topic" {
		t.Errorf("expected topic as default query, got %q", v.CurrentQuery())
	}
}

func TestDeleteUnverifiedVectorsPreservesVerified(t *testing.T) {
	db := openTestLedger(t)
	sid := newTestSession(t, db)

	verified, _ := db.InsertVector(sid, "A", "kept topic", nil)
	doomed, _ := db.InsertVector(sid, "B", "stale topic", nil)
	db.UpdateVectorStatus(verified, VectorVerified)

	// Evidence tagged to the doomed vector must survive untagged.
	srcID, _, err := db.InsertChunk(Chunk{
		SessionID: sid, VectorID: &doomed, URL: "https://e.com/a", Content: "evidence text",
	})
	if err != nil {
		t.Fatal(err)
	}

	removed, err := db.DeleteUnverifiedVectors(sid)
	if err != nil {
		t.Fatalf("deleting unverified: %v", err)
	}
	if len(removed) != 1 || removed[0] != doomed {
		t.Errorf("expected [%s] removed, got %v", doomed, removed)
	}

	vectors, _ := db.GetVectorsForSession(sid)
	if len(vectors) != 1 || vectors[0].ID != verified {
		t.Errorf("verified vector not preserved: %v", vectors)
	}

	c, _ := db.GetChunk(srcID)
	if c == nil {
		t.Fatal("chunk deleted along with vector")
	}
	if c.VectorID != nil {
		t.Error("expected vector tag cleared on orphaned chunk")
	}
}

func TestRecordConflicts(t *testing.T) {
	db := openTestLedger(t)
	sid := newTestSession(t, db)
	vid, _ := db.InsertVector(sid, "S", "t", nil)

	err := db.RecordConflicts(vid, []Conflict{
		{SourceA: "src_1", SourceB: "src_2", Description: "price differs"},
	})
	if err != nil {
		t.Fatalf("recording conflicts: %v", err)
	}
	err = db.RecordConflicts(vid, []Conflict{
		{SourceA: "src_3", SourceB: "src_4", Description: "date differs"},
	})
	if err != nil {
		t.Fatal(err)
	}

	v, _ := db.GetVector(vid)
	if len(v.Conflicts) != 2 {
		t.Fatalf("expected 2 conflicts, got %d", len(v.Conflicts))
	}
	if v.Conflicts[0].Description != "price differs" {
		t.Errorf("unexpected first conflict: %+v", v.Conflicts[0])
	}
}

func TestInsertChunkIdempotent(t *testing.T) {
	db := openTestLedger(t)
	sid := newTestSession(t, db)

	first, created, err := db.InsertChunk(Chunk{
		SessionID: sid, URL: "https://e.com/page", Content: "identical content",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Error("expected created=true on first insert")
	}

	second, created, err := db.InsertChunk(Chunk{
		SessionID: sid, URL: "https://e.com/page", Content: "identical content",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created {
		t.Error("expected created=false on duplicate insert")
	}
	if second != first {
		t.Errorf("duplicate insert minted new source id: %s vs %s", first, second)
	}

	chunks, _ := db.GetChunksForSession(sid)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}
}

func TestInsertChunkDifferentContentSameURL(t *testing.T) {
	db := openTestLedger(t)
	sid := newTestSession(t, db)

	a, _, _ := db.InsertChunk(Chunk{SessionID: sid, URL: "https://e.com/p", Content: "part one"})
	b, _, _ := db.InsertChunk(Chunk{SessionID: sid, URL: "https://e.com/p", Content: "part two"})
	if a == b {
		t.Error("distinct content from same URL must get distinct source ids")
	}
}

func TestInsertChunkRejectsMissingProvenance(t *testing.T) {
	db := openTestLedger(t)
	sid := newTestSession(t, db)

	cases := []Chunk{
		{SessionID: sid, URL: "", Content: "text"},
		{SessionID: sid, URL: "https://e.com", Content: "   "},
		{SessionID: "", URL: "https://e.com", Content: "text"},
	}
	for i, c := range cases {
		if _, _, err := db.InsertChunk(c); err == nil {
			t.Errorf("case %d: expected rejection of chunk without provenance", i)
		}
	}
}

func TestChunkEmbeddingBackfill(t *testing.T) {
	db := openTestLedger(t)
	sid := newTestSession(t, db)
	srcID, _, _ := db.InsertChunk(Chunk{SessionID: sid, URL: "https://e.com", Content: "text"})

	if err := db.SetChunkEmbedding(srcID, []float64{0.1, 0.2, 0.3}); err != nil {
		t.Fatalf("setting embedding: %v", err)
	}
	c, _ := db.GetChunk(srcID)
	if len(c.Embedding) != 3 || c.Embedding[1] != 0.2 {
		t.Errorf("embedding not stored: %v", c.Embedding)
	}
	if c.Content != "text" {
		t.Error("content changed by embedding backfill")
	}
}

func TestConcurrentChunkAppend(t *testing.T) {
	db := openTestLedger(t)
	sid := newTestSession(t, db)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _, err := db.InsertChunk(Chunk{
				SessionID: sid,
				URL:       fmt.Sprintf("https://e.com/%d", n),
				Content:   fmt.Sprintf("content %d", n),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent append failed: %v", err)
		}
	}

	chunks, _ := db.GetChunksForSession(sid)
	if len(chunks) != writers {
		t.Errorf("expected %d chunks, got %d (lost writes)", writers, len(chunks))
	}
}

func TestGraphEdges(t *testing.T) {
	db := openTestLedger(t)
	sid := newTestSession(t, db)
	srcID, _, _ := db.InsertChunk(Chunk{SessionID: sid, URL: "https://e.com", Content: "Acme acquired Widgets Inc in 2024."})

	err := db.InsertEdge(Edge{SessionID: sid, Subject: "Acme", Relation: "acquired", Object: "Widgets Inc", ChunkID: srcID})
	if err != nil {
		t.Fatalf("inserting edge: %v", err)
	}

	edges, err := db.GetEdgesForEntity(sid, "acme")
	if err != nil {
		t.Fatalf("querying edges: %v", err)
	}
	if len(edges) != 1 || edges[0].Object != "Widgets Inc" {
		t.Errorf("unexpected edges: %v", edges)
	}
	if edges[0].ChunkID != srcID {
		t.Error("edge lost chunk provenance")
	}
}

func TestGraphEdgeValidation(t *testing.T) {
	db := openTestLedger(t)
	sid := newTestSession(t, db)
	srcID, _, _ := db.InsertChunk(Chunk{SessionID: sid, URL: "https://e.com", Content: "text"})

	bad := []Edge{
		{SessionID: sid, Subject: "", Relation: "r", Object: "o", ChunkID: srcID},
		{SessionID: sid, Subject: "s", Relation: "", Object: "o", ChunkID: srcID},
		{SessionID: sid, Subject: "s", Relation: "r", Object: "o", ChunkID: ""},
	}
	for i, e := range bad {
		if err := db.InsertEdge(e); err == nil {
			t.Errorf("case %d: expected invalid edge to be rejected", i)
		}
	}
}

func TestGraphSessionScoping(t *testing.T) {
	db := openTestLedger(t)
	s1 := newTestSession(t, db)
	s2 := newTestSession(t, db)

	c1, _, _ := db.InsertChunk(Chunk{SessionID: s1, URL: "https://a.com", Content: "a"})
	c2, _, _ := db.InsertChunk(Chunk{SessionID: s2, URL: "https://b.com", Content: "b"})
	db.InsertEdge(Edge{SessionID: s1, Subject: "X", Relation: "is", Object: "one", ChunkID: c1})
	db.InsertEdge(Edge{SessionID: s2, Subject: "X", Relation: "is", Object: "two", ChunkID: c2})

	edges, _ := db.GetEdgesForEntity(s1, "X")
	if len(edges) != 1 || edges[0].Object != "one" {
		t.Errorf("cross-session leakage in graph query: %v", edges)
	}
}
