// Package fusion merges dense similarity search, lexical keyword search,
// and entity-graph lookups over the evidence ledger into one ranked,
// deduplicated list per question.
package fusion

import (
	"context"
	"log"
	"math"
	"regexp"
	"sort"
	"strings"

	"deepresearch/internal/config"
	"deepresearch/internal/ledger"
	"deepresearch/internal/llm"
)

// Retriever performs fused retrieval over one session's ledger. Only chunks
// scoped to the queried session are ever eligible.
type Retriever struct {
	db       *ledger.DB
	embedder llm.Embedder
	k        int // reciprocal-rank fusion constant
	topK     int // per-method candidate depth
}

// Fact is a graph-only lookup result: the matched relationship plus its
// provenance chunk.
type Fact struct {
	Subject  string
	Relation string
	Object   string
	Chunk    ledger.Chunk
}

// New creates a Retriever. embedder may be nil, in which case the dense
// method contributes nothing.
func New(db *ledger.DB, embedder llm.Embedder, cfg config.Fusion) *Retriever {
	k := cfg.K
	if k <= 0 {
		k = 60
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 10
	}
	return &Retriever{db: db, embedder: embedder, k: k, topK: topK}
}

// Retrieve returns the fused, ranked evidence list for a question. Each
// chunk's fused score is the sum of 1/(k+rank) across contributing methods;
// ties break on source id so the ranking is deterministic.
func (r *Retriever) Retrieve(ctx context.Context, question, sessionID string) ([]ledger.Chunk, error) {
	chunks, err := r.db.GetChunksForSession(sessionID)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	byID := make(map[string]ledger.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.SourceID] = c
	}

	// Method order is fixed; each produces a ranked list of source ids.
	rankings := [][]string{
		r.denseRanking(ctx, question, chunks),
		r.lexicalRanking(question, chunks),
		r.graphRanking(question, sessionID),
	}

	scores := make(map[string]float64)
	for _, ranking := range rankings {
		seen := make(map[string]struct{}, len(ranking))
		for rank, id := range ranking {
			// Dedup within a method keeps the best rank.
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			scores[id] += 1.0 / float64(r.k+rank+1)
		}
	}

	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return ids[i] < ids[j]
	})

	if len(ids) > r.topK {
		ids = ids[:r.topK]
	}

	fused := make([]ledger.Chunk, 0, len(ids))
	for _, id := range ids {
		fused = append(fused, byID[id])
	}
	return fused, nil
}

// Lookup is the graph-only path for explicitly structural questions: it
// returns directly matched relationships with their provenance chunks, no
// fusion.
func (r *Retriever) Lookup(ctx context.Context, entityQuery, sessionID string) ([]Fact, error) {
	var facts []Fact
	for _, entity := range extractEntities(entityQuery) {
		edges, err := r.db.GetEdgesForEntity(sessionID, entity)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			chunk, err := r.db.GetChunk(e.ChunkID)
			if err != nil {
				return nil, err
			}
			if chunk == nil {
				continue
			}
			facts = append(facts, Fact{
				Subject:  e.Subject,
				Relation: e.Relation,
				Object:   e.Object,
				Chunk:    *chunk,
			})
		}
	}
	return facts, nil
}

// denseRanking ranks chunks by cosine similarity between the question
// embedding and stored chunk embeddings.
func (r *Retriever) denseRanking(ctx context.Context, question string, chunks []ledger.Chunk) []string {
	if r.embedder == nil {
		return nil
	}
	embeddings, err := r.embedder.Embed(ctx, []string{question})
	if err != nil || len(embeddings) == 0 {
		log.Printf("Dense retrieval skipped: %v", err)
		return nil
	}
	query := embeddings[0]

	var results []scored
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		sim := cosine(query, c.Embedding)
		if sim <= 0 {
			continue
		}
		results = append(results, scored{c.SourceID, sim})
	}
	return sortScored(results, r.topK)
}

// lexicalRanking ranks chunks by query-token overlap, normalized by chunk
// length so short focused chunks are not drowned out.
func (r *Retriever) lexicalRanking(question string, chunks []ledger.Chunk) []string {
	queryTokens := tokenize(question)
	if len(queryTokens) == 0 {
		return nil
	}

	var results []scored
	for _, c := range chunks {
		chunkTokens := tokenize(c.Content + " " + c.Heading + " " + c.Title)
		if len(chunkTokens) == 0 {
			continue
		}
		matches := 0
		for t := range queryTokens {
			if _, ok := chunkTokens[t]; ok {
				matches++
			}
		}
		if matches == 0 {
			continue
		}
		score := float64(matches) / math.Sqrt(float64(len(chunkTokens)))
		results = append(results, scored{c.SourceID, score})
	}
	return sortScored(results, r.topK)
}

// graphRanking ranks chunks by how many question entities their extracted
// edges touch.
func (r *Retriever) graphRanking(question, sessionID string) []string {
	entities := extractEntities(question)
	if len(entities) == 0 {
		return nil
	}

	hits := make(map[string]int)
	for _, entity := range entities {
		edges, err := r.db.GetEdgesForEntity(sessionID, entity)
		if err != nil {
			log.Printf("Graph retrieval skipped for %q: %v", entity, err)
			continue
		}
		for _, e := range edges {
			hits[e.ChunkID]++
		}
	}
	if len(hits) == 0 {
		return nil
	}

	ids := make([]string, 0, len(hits))
	for id := range hits {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if hits[ids[i]] != hits[ids[j]] {
			return hits[ids[i]] > hits[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > r.topK {
		ids = ids[:r.topK]
	}
	return ids
}

type scored struct {
	id    string
	score float64
}

// sortScored orders by score descending with source-id tie-break and
// truncates to limit.
func sortScored(results []scored, limit int) []string {
	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].id < results[j].id
	})
	if len(results) > limit {
		results = results[:limit]
	}
	ids := make([]string, len(results))
	for i, s := range results {
		ids[i] = s.id
	}
	return ids
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "have": true, "has": true,
	"had": true, "do": true, "does": true, "did": true, "will": true,
	"would": true, "could": true, "should": true, "can": true, "to": true,
	"of": true, "in": true, "for": true, "on": true, "with": true, "at": true,
	"by": true, "from": true, "as": true, "and": true, "but": true, "or": true,
	"not": true, "what": true, "which": true, "who": true, "how": true,
	"this": true, "that": true, "these": true, "those": true, "it": true,
	"its": true, "about": true,
}

func tokenize(s string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?:;\"'()-[]|")
		if len(w) > 2 && !stopWords[w] {
			tokens[w] = struct{}{}
		}
	}
	return tokens
}

var entityPattern = regexp.MustCompile(`\b[A-Z][a-zA-Z0-9]*(?:\s+[A-Z][a-zA-Z0-9]*)*\b`)

var entityNoise = map[string]bool{
	"The": true, "A": true, "An": true, "What": true, "Which": true,
	"Who": true, "How": true, "When": true, "Where": true, "Why": true,
	"Is": true, "Are": true, "Does": true, "Did": true, "I": true,
}

// extractEntities pulls capitalized word runs out of a question as graph
// lookup candidates.
func extractEntities(question string) []string {
	var entities []string
	seen := make(map[string]struct{})
	for _, m := range entityPattern.FindAllString(question, -1) {
		m = strings.TrimSpace(m)
		if m == "" || entityNoise[m] {
			continue
		}
		// Strip a leading noise word from multi-word matches ("The Acme" -> "Acme").
		words := strings.Fields(m)
		for len(words) > 0 && entityNoise[words[0]] {
			words = words[1:]
		}
		if len(words) == 0 {
			continue
		}
		entity := strings.Join(words, " ")
		if _, ok := seen[entity]; ok {
			continue
		}
		seen[entity] = struct{}{}
		entities = append(entities, entity)
	}
	return entities
}
