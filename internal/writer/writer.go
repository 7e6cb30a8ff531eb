// Package writer synthesizes the final report strictly from ledger
// evidence, section by section. Every factual claim carries a [source_id]
// citation, and every citation is verified against the ledger before the
// report is returned.
package writer

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"

	"deepresearch/internal/fusion"
	"deepresearch/internal/ledger"
	"deepresearch/internal/llm"
)

const (
	sectionMaxTokens = 1024
	maxSectionChunks = 8
	maxChunkChars    = 900
	maxSectionFacts  = 6
)

// Retriever is the retrieval dependency; satisfied by fusion.Retriever.
// Retrieve is the fused ranking; Lookup is the graph-only path for
// relationships around named entities.
type Retriever interface {
	Retrieve(ctx context.Context, question, sessionID string) ([]ledger.Chunk, error)
	Lookup(ctx context.Context, entityQuery, sessionID string) ([]fusion.Fact, error)
}

// Writer produces the cited report for a finished research session.
type Writer struct {
	db        *ledger.DB
	provider  llm.Provider
	retriever Retriever
}

// New creates a Writer.
func New(db *ledger.DB, provider llm.Provider, retriever Retriever) *Writer {
	return &Writer{db: db, provider: provider, retriever: retriever}
}

// Write renders the report for a session whose vectors are all verified or
// exhausted. Sections are written in outline order; sections without
// evidence state the gap instead of omitting it.
func (w *Writer) Write(ctx context.Context, sessionID string) (string, error) {
	session, err := w.db.GetSession(sessionID)
	if err != nil {
		return "", err
	}
	if session == nil {
		return "", fmt.Errorf("session %s not found", sessionID)
	}

	vectors, err := w.db.GetVectorsForSession(sessionID)
	if err != nil {
		return "", err
	}
	bySection := make(map[string][]ledger.Vector)
	for _, v := range vectors {
		bySection[v.Section] = append(bySection[v.Section], v)
	}

	var report strings.Builder
	report.WriteString("# " + session.Query + "\n")

	for _, section := range session.Outline {
		body, err := w.writeSection(ctx, session, section, bySection[section])
		if err != nil {
			return "", err
		}
		report.WriteString("\n## " + section + "\n\n" + body + "\n")
	}

	report.WriteString("\n" + w.sourcesAppendix(sessionID))
	return report.String(), nil
}

// writeSection generates one section's prose from its vectors' evidence.
func (w *Writer) writeSection(ctx context.Context, session *ledger.Session, section string, vectors []ledger.Vector) (string, error) {
	chunks, allowed, err := w.sectionEvidence(ctx, session, section, vectors)
	if err != nil {
		return "", err
	}

	var parts []string
	if len(chunks) == 0 {
		parts = append(parts, "No supporting evidence could be gathered for this section.")
	} else {
		facts := w.sectionFacts(ctx, session.ID, vectors, allowed)
		prompt := buildSectionPrompt(session.Query, section, vectors, chunks, facts)
		response, err := w.provider.Complete(ctx, prompt, sectionMaxTokens)
		if err != nil {
			return "", fmt.Errorf("writing section %q: %w", section, err)
		}
		prose, dropped := w.enforceCitations(response, allowed)
		if strings.TrimSpace(prose) == "" {
			prose = "The gathered evidence did not support any verifiable claims for this section."
		}
		parts = append(parts, prose)
		if dropped > 0 {
			log.Printf("Section %q: dropped %d claims with unverifiable citations", section, dropped)
		}
	}

	if gaps := gapStatements(vectors); gaps != "" {
		parts = append(parts, gaps)
	}
	if conflicts := conflictStatements(vectors, allowed); conflicts != "" {
		parts = append(parts, conflicts)
	}
	return strings.Join(parts, "\n\n"), nil
}

// sectionEvidence returns the fused, section-scoped chunk set plus the set
// of source ids the section may cite. Only chunks tagged to the section's
// own vectors are eligible.
func (w *Writer) sectionEvidence(ctx context.Context, session *ledger.Session, section string, vectors []ledger.Vector) ([]ledger.Chunk, map[string]ledger.Chunk, error) {
	allowed := make(map[string]ledger.Chunk)
	for _, v := range vectors {
		chunks, err := w.db.GetChunksForVector(v.ID)
		if err != nil {
			return nil, nil, err
		}
		for _, c := range chunks {
			allowed[c.SourceID] = c
		}
	}
	if len(allowed) == 0 {
		return nil, allowed, nil
	}

	// Fused ranking over the session, filtered down to this section's
	// evidence.
	question := section
	if len(vectors) > 0 {
		question = section + " " + vectors[0].Topic
	}
	var ordered []ledger.Chunk
	fused, err := w.retriever.Retrieve(ctx, question, session.ID)
	if err != nil {
		log.Printf("Fused retrieval failed for section %q, using ingestion order: %v", section, err)
	}
	seen := make(map[string]bool)
	for _, c := range fused {
		if _, ok := allowed[c.SourceID]; ok && !seen[c.SourceID] {
			ordered = append(ordered, c)
			seen[c.SourceID] = true
		}
	}
	for id, c := range allowed {
		if !seen[id] {
			ordered = append(ordered, c)
		}
	}
	if len(ordered) > maxSectionChunks {
		ordered = ordered[:maxSectionChunks]
	}
	return ordered, allowed, nil
}

// sectionFacts pulls entity relationships around the section's topics
// through the graph-only lookup, restricted to sources the section may
// cite. Best effort; a lookup failure only costs the prompt its facts.
func (w *Writer) sectionFacts(ctx context.Context, sessionID string, vectors []ledger.Vector, allowed map[string]ledger.Chunk) []fusion.Fact {
	var facts []fusion.Fact
	seen := make(map[string]bool)
	for _, v := range vectors {
		matched, err := w.retriever.Lookup(ctx, v.Topic, sessionID)
		if err != nil {
			log.Printf("Graph lookup failed for %q: %v", v.Topic, err)
			continue
		}
		for _, f := range matched {
			if _, ok := allowed[f.Chunk.SourceID]; !ok {
				continue
			}
			key := f.Subject + "|" + f.Relation + "|" + f.Object
			if seen[key] {
				continue
			}
			seen[key] = true
			facts = append(facts, f)
			if len(facts) >= maxSectionFacts {
				return facts
			}
		}
	}
	return facts
}

func buildSectionPrompt(query, section string, vectors []ledger.Vector, chunks []ledger.Chunk, facts []fusion.Fact) string {
	var sb strings.Builder
	sb.WriteString("You are writing one section of a research report. Use ONLY the evidence below; you have no other knowledge.\n\n")
	sb.WriteString("Report question: " + query + "\n")
	sb.WriteString("Section: " + section + "\n")
	for _, v := range vectors {
		sb.WriteString("Covers: " + v.Topic + "\n")
	}
	sb.WriteString("\nEvidence:\n")
	for _, c := range chunks {
		content := c.Content
		if len(content) > maxChunkChars {
			content = content[:maxChunkChars]
		}
		sb.WriteString(fmt.Sprintf("[%s] (%s) %s\n\n", c.SourceID, c.URL, content))
	}
	if len(facts) > 0 {
		sb.WriteString("Known relationships (each backed by the cited source):\n")
		for _, f := range facts {
			sb.WriteString(fmt.Sprintf("- %s %s %s [%s]\n", f.Subject, f.Relation, f.Object, f.Chunk.SourceID))
		}
		sb.WriteString("\n")
	}
	sb.WriteString(`Rules:
- Every factual claim must end with its citation in the form [` + "src_xxxxxxxx" + `], using ids from the evidence above.
- Never state a fact that is not in the evidence.
- If the evidence is thin, say so briefly rather than padding.
- Plain markdown prose, no headings.`)
	return sb.String()
}

var citationPattern = regexp.MustCompile(`\[(src_[0-9a-fA-F]{8})\]`)

// enforceCitations removes lines whose citations do not resolve to the
// section's evidence set, returning the cleaned prose and the number of
// dropped claims. Lines without citations pass through; they carry no
// factual claim the ledger can vouch for or against.
func (w *Writer) enforceCitations(prose string, allowed map[string]ledger.Chunk) (string, int) {
	var kept []string
	dropped := 0
	for _, line := range strings.Split(prose, "\n") {
		bad := false
		for _, m := range citationPattern.FindAllStringSubmatch(line, -1) {
			if _, ok := allowed[m[1]]; !ok {
				bad = true
				break
			}
		}
		if bad {
			dropped++
			continue
		}
		kept = append(kept, line)
	}
	out := strings.TrimSpace(strings.Join(kept, "\n"))
	if dropped > 0 {
		note := fmt.Sprintf("(%d statement(s) were removed because their sources could not be verified in the evidence ledger.)", dropped)
		if out == "" {
			out = note
		} else {
			out = out + "\n\n" + note
		}
	}
	return out, dropped
}

// gapStatements names each exhausted vector explicitly instead of letting
// its topic silently disappear from the report.
func gapStatements(vectors []ledger.Vector) string {
	var lines []string
	for _, v := range vectors {
		if v.Status == ledger.VectorExhausted {
			lines = append(lines, fmt.Sprintf("Insufficient evidence was found for: %s.", v.Topic))
		}
	}
	return strings.Join(lines, "\n")
}

// conflictStatements surfaces audit-detected disagreements, naming both
// sources. Conflicts referencing evidence outside this section are skipped.
func conflictStatements(vectors []ledger.Vector, allowed map[string]ledger.Chunk) string {
	var lines []string
	for _, v := range vectors {
		for _, c := range v.Conflicts {
			if _, okA := allowed[c.SourceA]; !okA {
				continue
			}
			if _, okB := allowed[c.SourceB]; !okB {
				continue
			}
			lines = append(lines, fmt.Sprintf("Note: sources [%s] and [%s] disagree: %s.",
				c.SourceA, c.SourceB, strings.TrimSuffix(c.Description, ".")))
		}
	}
	return strings.Join(lines, "\n")
}

// sourcesAppendix lists every cited source URL once.
func (w *Writer) sourcesAppendix(sessionID string) string {
	chunks, err := w.db.GetChunksForSession(sessionID)
	if err != nil {
		log.Printf("Skipping sources appendix: %v", err)
		return ""
	}
	if len(chunks) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Sources\n\n")
	seen := make(map[string]bool)
	for _, c := range chunks {
		if seen[c.URL] {
			continue
		}
		seen[c.URL] = true
		title := c.Title
		if title == "" {
			title = c.URL
		}
		sb.WriteString(fmt.Sprintf("- [%s] %s (%s)\n", c.SourceID, title, c.URL))
	}
	return sb.String()
}

// VerifyCitations checks that every citation token in a report resolves to
// a ledger chunk with non-empty content. Returns the dead ids, if any.
func VerifyCitations(db *ledger.DB, sessionID, report string) ([]string, error) {
	chunks, err := db.GetChunksForSession(sessionID)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		if strings.TrimSpace(c.Content) != "" {
			known[c.SourceID] = true
		}
	}

	var dead []string
	seen := make(map[string]bool)
	for _, m := range citationPattern.FindAllStringSubmatch(report, -1) {
		id := m[1]
		if !known[id] && !seen[id] {
			dead = append(dead, id)
			seen[id] = true
		}
	}
	return dead, nil
}
