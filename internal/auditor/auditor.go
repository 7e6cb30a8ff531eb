// Package auditor validates gathered evidence per research vector. The
// verdict is an enumerated struct, never free text: coverage is checked
// first, then freshness, then LLM-graded sufficiency.
package auditor

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"deepresearch/internal/config"
	"deepresearch/internal/ledger"
	"deepresearch/internal/llm"
)

// Verdict statuses.
const (
	VerdictReady        = "ready"
	VerdictInsufficient = "insufficient"
	VerdictOutdated     = "outdated"
)

// Verdict is the auditor's structured decision for one vector.
type Verdict struct {
	Status         string
	Reason         string
	RefinedQuery   string // set on non-ready verdicts, always differs from the last query
	StaleSourceIDs []string
	Conflicts      []ledger.Conflict
	ReplanHint     string // non-empty when evidence contradicts a planning assumption
}

const auditMaxTokens = 768

// Auditor grades vector evidence against topic coverage, freshness, and
// sufficiency.
type Auditor struct {
	db            *ledger.DB
	provider      llm.Provider
	freshnessDays int
	now           func() time.Time
}

// New creates an Auditor. provider may be nil; sufficiency then passes on
// coverage alone.
func New(db *ledger.DB, provider llm.Provider, cfg config.Audit) *Auditor {
	days := cfg.FreshnessDays
	if days <= 0 {
		days = 365
	}
	return &Auditor{db: db, provider: provider, freshnessDays: days, now: time.Now}
}

// Audit returns a verdict for the vector's current evidence. Checks run in
// order; the first failing check decides the verdict.
func (a *Auditor) Audit(ctx context.Context, vector *ledger.Vector) (*Verdict, error) {
	chunks, err := a.db.GetChunksForVector(vector.ID)
	if err != nil {
		return nil, fmt.Errorf("loading evidence for %s: %w", vector.ID, err)
	}

	if v := a.checkCoverage(vector, chunks); v != nil {
		return v, nil
	}
	if v := a.checkFreshness(vector, chunks); v != nil {
		return v, nil
	}
	return a.checkSufficiency(ctx, vector, chunks)
}

// checkCoverage requires at least one chunk plausibly about the topic.
func (a *Auditor) checkCoverage(vector *ledger.Vector, chunks []ledger.Chunk) *Verdict {
	topicTokens := tokenize(vector.Topic)
	covered := false
	for _, c := range chunks {
		if overlaps(topicTokens, tokenize(c.Content+" "+c.Title+" "+c.Heading)) {
			covered = true
			break
		}
	}
	if covered {
		return nil
	}

	reason := "no evidence ingested for topic"
	if len(chunks) > 0 {
		reason = "ingested evidence does not address the topic"
	}
	return &Verdict{
		Status:       VerdictInsufficient,
		Reason:       reason,
		RefinedQuery: a.refineForCoverage(vector),
	}
}

// checkFreshness rejects time-sensitive vectors whose dated evidence is
// uniformly older than the freshness window. Undated chunks are not
// treated as stale.
func (a *Auditor) checkFreshness(vector *ledger.Vector, chunks []ledger.Chunk) *Verdict {
	if !timeSensitive(vector.Topic + " " + vector.CurrentQuery()) {
		return nil
	}

	cutoff := a.now().AddDate(0, 0, -a.freshnessDays)
	var stale []string
	dated := 0
	for _, c := range chunks {
		ts, ok := publicationSignal(c)
		if !ok {
			continue
		}
		dated++
		if ts.Before(cutoff) {
			stale = append(stale, c.SourceID)
		}
	}
	if dated == 0 || len(stale) < dated {
		return nil
	}

	return &Verdict{
		Status:         VerdictOutdated,
		Reason:         fmt.Sprintf("all %d dated sources older than %d days", dated, a.freshnessDays),
		RefinedQuery:   a.refineForRecency(vector),
		StaleSourceIDs: stale,
	}
}

// checkSufficiency asks the LLM whether the evidence answers the topic,
// and collects conflicts and replan hints on the way.
func (a *Auditor) checkSufficiency(ctx context.Context, vector *ledger.Vector, chunks []ledger.Chunk) (*Verdict, error) {
	if a.provider == nil {
		return &Verdict{Status: VerdictReady}, nil
	}

	prompt := buildAuditPrompt(vector, chunks)
	response, err := a.provider.Complete(ctx, prompt, auditMaxTokens)
	if err != nil {
		return nil, fmt.Errorf("auditing vector %s: %w", vector.ID, err)
	}

	parsed := llm.ParseJSONResponse(response)
	if parsed == nil {
		log.Printf("Audit response unparseable for %s, treating as insufficient", vector.ID)
		return &Verdict{
			Status:       VerdictInsufficient,
			Reason:       "audit response unparseable",
			RefinedQuery: a.refineForCoverage(vector),
		}, nil
	}

	verdict := &Verdict{
		Conflicts:  parseConflicts(parsed, chunks),
		ReplanHint: llm.GetString(parsed, "replan_hint", ""),
	}
	if sufficient, _ := parsed["sufficient"].(bool); sufficient {
		verdict.Status = VerdictReady
		return verdict, nil
	}

	verdict.Status = VerdictInsufficient
	verdict.Reason = llm.GetString(parsed, "reason", "evidence judged insufficient")
	verdict.RefinedQuery = a.ensureDiffers(llm.GetString(parsed, "refined_query", ""), vector)
	return verdict, nil
}

func buildAuditPrompt(vector *ledger.Vector, chunks []ledger.Chunk) string {
	var sb strings.Builder
	sb.WriteString("You are auditing research evidence. Decide if it answers the question.\n\n")
	sb.WriteString("Question: " + vector.Topic + "\n\nEvidence:\n")
	for i, c := range chunks {
		if i >= 8 {
			break
		}
		content := c.Content
		if len(content) > 600 {
			content = content[:600]
		}
		sb.WriteString(fmt.Sprintf("[%s] %s\n%s\n\n", c.SourceID, c.URL, content))
	}
	sb.WriteString(`Respond with JSON only:
{
  "sufficient": true or false,
  "reason": "why, one sentence",
  "refined_query": "a more specific search query if insufficient",
  "conflicts": [{"source_a": "src_id", "source_b": "src_id", "description": "what they disagree on"}],
  "replan_hint": "only if the evidence contradicts the research framing itself, e.g. the subject was renamed"
}`)
	return sb.String()
}

// parseConflicts keeps only conflicts whose source ids resolve to the
// vector's evidence.
func parseConflicts(parsed map[string]any, chunks []ledger.Chunk) []ledger.Conflict {
	known := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		known[c.SourceID] = true
	}
	var conflicts []ledger.Conflict
	for _, obj := range llm.GetObjectList(parsed, "conflicts") {
		c := ledger.Conflict{
			SourceA:     llm.GetString(obj, "source_a", ""),
			SourceB:     llm.GetString(obj, "source_b", ""),
			Description: llm.GetString(obj, "description", ""),
		}
		if !known[c.SourceA] || !known[c.SourceB] || c.Description == "" {
			continue
		}
		conflicts = append(conflicts, c)
	}
	return conflicts
}

// refineForCoverage builds a more specific query from the topic and the
// refinement count, guaranteed to differ from the last query.
func (a *Auditor) refineForCoverage(vector *ledger.Vector) string {
	qualifiers := []string{"details", "explained", "overview", "analysis"}
	q := vector.Topic + " " + qualifiers[vector.Refinements%len(qualifiers)]
	return a.ensureDiffers(q, vector)
}

// refineForRecency biases the query toward fresh results.
func (a *Auditor) refineForRecency(vector *ledger.Vector) string {
	year := fmt.Sprintf("%d", a.now().Year())
	q := vector.CurrentQuery()
	if !strings.Contains(q, year) {
		return q + " " + year
	}
	return a.ensureDiffers(q+" latest", vector)
}

// ensureDiffers guarantees the refined query is non-empty and not the
// vector's last query, since re-issuing the same query cannot make
// progress.
func (a *Auditor) ensureDiffers(refined string, vector *ledger.Vector) string {
	refined = strings.TrimSpace(refined)
	last := vector.CurrentQuery()
	if refined == "" || refined == last {
		refined = vector.Topic + fmt.Sprintf(" specifics %d", vector.Refinements+1)
	}
	if refined == last {
		refined = refined + " more"
	}
	return refined
}

var recencyMarkers = []string{
	"latest", "current", "price", "pricing", "recent", "news", "today",
	"now", "202", "release", "version", "update",
}

// timeSensitive reports whether the topic's answer can go stale.
func timeSensitive(text string) bool {
	t := strings.ToLower(text)
	for _, m := range recencyMarkers {
		if strings.Contains(t, m) {
			return true
		}
	}
	return false
}

var urlDatePattern = regexp.MustCompile(`/(20\d{2})[/-](\d{1,2})(?:[/-](\d{1,2}))?`)

// publicationSignal extracts the best available publication date for a
// chunk: the stored published field first, then a date embedded in the
// URL path.
func publicationSignal(c ledger.Chunk) (time.Time, bool) {
	if c.Published != nil && *c.Published != "" {
		if ts, err := dateparse.ParseAny(*c.Published); err == nil {
			return ts, true
		}
	}
	if m := urlDatePattern.FindStringSubmatch(c.URL); m != nil {
		day := m[3]
		if day == "" {
			day = "1"
		}
		if ts, err := dateparse.ParseAny(fmt.Sprintf("%s-%s-%s", m[1], m[2], day)); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func tokenize(s string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?:;\"'()-")
		if len(w) > 2 {
			tokens[w] = struct{}{}
		}
	}
	return tokens
}

// overlaps reports whether at least a third of topic tokens appear in the
// candidate token set.
func overlaps(topic, text map[string]struct{}) bool {
	if len(topic) == 0 {
		return true
	}
	matches := 0
	for t := range topic {
		if _, ok := text[t]; ok {
			matches++
		}
	}
	return matches*3 >= len(topic)
}
