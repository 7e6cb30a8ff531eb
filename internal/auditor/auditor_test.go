package auditor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"deepresearch/internal/config"
	"deepresearch/internal/ledger"
)

type fakeProvider struct {
	response string
	err      error
}

func (f *fakeProvider) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return f.response, f.err
}

func (f *fakeProvider) IsConfigured() bool { return true }

func openTestLedger(t *testing.T) *ledger.DB {
	t.Helper()
	db, err := ledger.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test ledger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func makeVector(t *testing.T, db *ledger.DB, topic string) *ledger.Vector {
	t.Helper()
	sid, err := db.CreateSession(topic)
	if err != nil {
		t.Fatal(err)
	}
	vid, err := db.InsertVector(sid, "Section", topic, nil)
	if err != nil {
		t.Fatal(err)
	}
	v, err := db.GetVector(vid)
	if err != nil || v == nil {
		t.Fatalf("loading vector: %v", err)
	}
	return v
}

func addChunk(t *testing.T, db *ledger.DB, v *ledger.Vector, url, content, published string) string {
	t.Helper()
	c := ledger.Chunk{SessionID: v.SessionID, VectorID: &v.ID, URL: url, Content: content}
	if published != "" {
		c.Published = &published
	}
	id, _, err := db.InsertChunk(c)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestAuditNoEvidenceInsufficient(t *testing.T) {
	db := openTestLedger(t)
	v := makeVector(t, db, "widget manufacturing process")

	a := New(db, nil, config.Audit{FreshnessDays: 365})
	verdict, err := a.Audit(context.Background(), v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict.Status != VerdictInsufficient {
		t.Fatalf("expected insufficient, got %q", verdict.Status)
	}
	if verdict.RefinedQuery == "" || verdict.RefinedQuery == v.CurrentQuery() {
		t.Errorf("refined query must differ from the last query: %q", verdict.RefinedQuery)
	}
}

func TestAuditOffTopicEvidenceInsufficient(t *testing.T) {
	db := openTestLedger(t)
	v := makeVector(t, db, "widget manufacturing process")
	addChunk(t, db, v, "https://a.com", "Banana bread needs ripe bananas and flour.", "")

	a := New(db, nil, config.Audit{FreshnessDays: 365})
	verdict, err := a.Audit(context.Background(), v)
	if err != nil {
		t.Fatal(err)
	}
	if verdict.Status != VerdictInsufficient {
		t.Errorf("expected insufficient for off-topic evidence, got %q", verdict.Status)
	}
}

func TestAuditStaleSourceOutdated(t *testing.T) {
	db := openTestLedger(t)
	v := makeVector(t, db, "Model X price")
	stale := addChunk(t, db, v, "https://a.com/2021/05/model-x",
		"The Model X price is $79,990 as announced this spring.", "2021-05-01")

	a := New(db, nil, config.Audit{FreshnessDays: 365})
	a.now = func() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) }

	verdict, err := a.Audit(context.Background(), v)
	if err != nil {
		t.Fatal(err)
	}
	if verdict.Status != VerdictOutdated {
		t.Fatalf("expected outdated, got %q (%s)", verdict.Status, verdict.Reason)
	}
	if len(verdict.StaleSourceIDs) != 1 || verdict.StaleSourceIDs[0] != stale {
		t.Errorf("expected stale source %s, got %v", stale, verdict.StaleSourceIDs)
	}
	if !strings.Contains(verdict.RefinedQuery, "2026") && !strings.Contains(verdict.RefinedQuery, "latest") {
		t.Errorf("refined query must bias toward recency: %q", verdict.RefinedQuery)
	}
}

func TestAuditFreshSourcePasses(t *testing.T) {
	db := openTestLedger(t)
	v := makeVector(t, db, "Model X price")
	addChunk(t, db, v, "https://a.com/news",
		"The Model X price was cut to $74,990 last month.", "2026-06-15")

	a := New(db, nil, config.Audit{FreshnessDays: 365})
	a.now = func() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) }

	verdict, err := a.Audit(context.Background(), v)
	if err != nil {
		t.Fatal(err)
	}
	if verdict.Status != VerdictReady {
		t.Errorf("expected ready with fresh evidence and no provider, got %q (%s)", verdict.Status, verdict.Reason)
	}
}

func TestAuditUndatedEvidenceNotStale(t *testing.T) {
	db := openTestLedger(t)
	v := makeVector(t, db, "Model X price")
	addChunk(t, db, v, "https://a.com/page", "The Model X price starts at $74,990.", "")

	a := New(db, nil, config.Audit{FreshnessDays: 365})
	verdict, err := a.Audit(context.Background(), v)
	if err != nil {
		t.Fatal(err)
	}
	if verdict.Status == VerdictOutdated {
		t.Error("undated evidence must not trigger an outdated verdict")
	}
}

func TestAuditSufficiencyVerdicts(t *testing.T) {
	db := openTestLedger(t)
	v := makeVector(t, db, "widget manufacturing process")
	addChunk(t, db, v, "https://a.com", "The widget manufacturing process uses injection molding in three stages.", "")

	provider := &fakeProvider{response: `{"sufficient": true, "reason": "covers the process"}`}
	a := New(db, provider, config.Audit{FreshnessDays: 365})
	verdict, err := a.Audit(context.Background(), v)
	if err != nil {
		t.Fatal(err)
	}
	if verdict.Status != VerdictReady {
		t.Errorf("expected ready, got %q", verdict.Status)
	}

	provider.response = fmt.Sprintf(`{"sufficient": false, "reason": "missing stage detail", "refined_query": %q}`, v.CurrentQuery())
	verdict, err = a.Audit(context.Background(), v)
	if err != nil {
		t.Fatal(err)
	}
	if verdict.Status != VerdictInsufficient {
		t.Fatalf("expected insufficient, got %q", verdict.Status)
	}
	if verdict.RefinedQuery == v.CurrentQuery() {
		t.Error("refined query identical to last query must be rewritten")
	}
}

func TestAuditUnparseableResponseInsufficient(t *testing.T) {
	db := openTestLedger(t)
	v := makeVector(t, db, "widget manufacturing process")
	addChunk(t, db, v, "https://a.com", "The widget manufacturing process uses injection molding.", "")

	a := New(db, &fakeProvider{response: "cannot comply"}, config.Audit{FreshnessDays: 365})
	verdict, err := a.Audit(context.Background(), v)
	if err != nil {
		t.Fatal(err)
	}
	if verdict.Status != VerdictInsufficient {
		t.Errorf("unparseable audit must degrade to insufficient, got %q", verdict.Status)
	}
	if verdict.RefinedQuery == "" || verdict.RefinedQuery == v.CurrentQuery() {
		t.Errorf("expected topic-derived refined query, got %q", verdict.RefinedQuery)
	}
}

func TestAuditConflictsFiltered(t *testing.T) {
	db := openTestLedger(t)
	v := makeVector(t, db, "widget manufacturing process")
	a1 := addChunk(t, db, v, "https://a.com", "The widget manufacturing process takes two days.", "")
	b1 := addChunk(t, db, v, "https://b.com", "The widget manufacturing process takes two weeks.", "")

	provider := &fakeProvider{response: fmt.Sprintf(`{
		"sufficient": true,
		"conflicts": [
			{"source_a": %q, "source_b": %q, "description": "production time differs"},
			{"source_a": "src_bogus00", "source_b": %q, "description": "fabricated"}
		]
	}`, a1, b1, b1)}
	a := New(db, provider, config.Audit{FreshnessDays: 365})

	verdict, err := a.Audit(context.Background(), v)
	if err != nil {
		t.Fatal(err)
	}
	if len(verdict.Conflicts) != 1 {
		t.Fatalf("expected 1 verified conflict, got %d", len(verdict.Conflicts))
	}
	if verdict.Conflicts[0].SourceA != a1 || verdict.Conflicts[0].SourceB != b1 {
		t.Errorf("unexpected conflict: %+v", verdict.Conflicts[0])
	}
}

func TestPublicationSignalFromURL(t *testing.T) {
	c := ledger.Chunk{URL: "https://news.example.com/2024/03/15/article"}
	ts, ok := publicationSignal(c)
	if !ok {
		t.Fatal("expected a date signal from the URL path")
	}
	if ts.Year() != 2024 || ts.Month() != 3 {
		t.Errorf("unexpected parsed date: %v", ts)
	}

	if _, ok := publicationSignal(ledger.Chunk{URL: "https://example.com/about"}); ok {
		t.Error("expected no signal for a dateless URL")
	}
}

func TestTimeSensitive(t *testing.T) {
	if !timeSensitive("Model X price") {
		t.Error("price topics are time sensitive")
	}
	if timeSensitive("history of the roman aqueducts") {
		t.Error("historical topics are not time sensitive")
	}
}
