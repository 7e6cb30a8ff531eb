// Package executor runs the acquisition loop for a single research vector:
// search, relevance filtering, fetch, parse, and ingestion into the
// evidence ledger. Every attempted URL gets an explicit outcome code.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"

	"deepresearch/internal/config"
	"deepresearch/internal/fetch"
	"deepresearch/internal/ledger"
	"deepresearch/internal/llm"
	"deepresearch/internal/parse"
	"deepresearch/internal/search"
)

// Outcome codes per attempted URL.
const (
	OutcomeIngested    = "ingested"
	OutcomeFetchFailed = "fetch_failed"
	OutcomeFilteredOut = "filtered_out"
	OutcomeParseEmpty  = "parse_empty"
)

// ErrLedgerWrite marks evidence-store failures. Unlike fetch or parse
// trouble, a ledger that cannot accept writes means no forward progress
// for the whole session, so callers treat it as fatal.
var ErrLedgerWrite = errors.New("evidence ledger write failed")

// URLOutcome records what happened to one candidate URL.
type URLOutcome struct {
	URL     string
	Outcome string
	Chunks  int
}

// Result summarizes one acquisition pass for a vector.
type Result struct {
	VectorID     string
	Query        string
	Candidates   int
	URLs         []URLOutcome
	Ingested     int // chunks written to the ledger
	NoCandidates bool
}

const (
	maxEntityChunks  = 4
	entityMaxContent = 1200
	entityMaxTokens  = 512
)

// Executor acquires evidence for vectors. One Executor is shared by all of
// a session's concurrent vector workers; the failed-domain set short-
// circuits repeat fetches against hosts that already failed this run.
type Executor struct {
	db       *ledger.DB
	searcher search.Searcher
	fetcher  fetch.Fetcher
	parser   parse.Parser
	embedder llm.Embedder
	provider llm.Provider

	maxFetch       int
	relevanceFloor float64

	mu            sync.Mutex
	failedDomains map[string]bool
}

// New creates an Executor. embedder and provider may be nil; embedding and
// entity extraction are then skipped.
func New(db *ledger.DB, searcher search.Searcher, fetcher fetch.Fetcher, parser parse.Parser,
	embedder llm.Embedder, provider llm.Provider, cfg config.Acquire) *Executor {
	maxFetch := cfg.MaxFetch
	if maxFetch <= 0 {
		maxFetch = 3
	}
	return &Executor{
		db:             db,
		searcher:       searcher,
		fetcher:        fetcher,
		parser:         parser,
		embedder:       embedder,
		provider:       provider,
		maxFetch:       maxFetch,
		relevanceFloor: cfg.RelevanceFloor,
		failedDomains:  make(map[string]bool),
	}
}

// Execute runs one acquisition pass for the vector's current query.
// Search-collaborator failure and ledger write failure (wrapped in
// ErrLedgerWrite) are returned as errors; per-URL fetch and parse
// failures are recorded in the result.
func (e *Executor) Execute(ctx context.Context, vector *ledger.Vector) (*Result, error) {
	query := vector.CurrentQuery()
	result := &Result{VectorID: vector.ID, Query: query}

	candidates, err := e.searcher.Search(ctx, query, e.maxFetch*3)
	if err != nil {
		return nil, fmt.Errorf("searching %q: %w", query, err)
	}
	result.Candidates = len(candidates)
	if len(candidates) == 0 {
		result.NoCandidates = true
		log.Printf("No search results for vector %s query %q", vector.ID, query)
		return result, nil
	}

	selected, rejected := e.filter(candidates, vector.Topic)
	for _, c := range rejected {
		result.URLs = append(result.URLs, URLOutcome{URL: c.URL, Outcome: OutcomeFilteredOut})
	}

	for _, c := range selected {
		outcome, err := e.acquire(ctx, vector, c)
		if err != nil {
			return nil, err
		}
		result.URLs = append(result.URLs, outcome)
		result.Ingested += outcome.Chunks
	}

	log.Printf("Vector %s: %d candidates, %d fetched, %d chunks ingested",
		vector.ID, result.Candidates, len(selected), result.Ingested)
	return result, nil
}

// filter scores candidates by snippet relevance to the vector topic and
// keeps those above the floor, capped at maxFetch. Domains that already
// failed this run are rejected up front.
func (e *Executor) filter(candidates []search.Candidate, topic string) (selected, rejected []search.Candidate) {
	topicTokens := tokenize(topic)
	for _, c := range candidates {
		if len(selected) >= e.maxFetch {
			rejected = append(rejected, c)
			continue
		}
		if e.isFailedDomain(c.URL) {
			rejected = append(rejected, c)
			continue
		}
		if relevance(topicTokens, c.Title+" "+c.Snippet) < e.relevanceFloor {
			rejected = append(rejected, c)
			continue
		}
		selected = append(selected, c)
	}
	return selected, rejected
}

// acquire fetches, parses, and ingests one candidate URL. The only error
// it returns is a ledger write failure; everything else is an outcome.
func (e *Executor) acquire(ctx context.Context, vector *ledger.Vector, c search.Candidate) (URLOutcome, error) {
	page, err := e.fetcher.Fetch(ctx, c.URL)
	if err != nil {
		e.markFailedDomain(c.URL)
		log.Printf("Fetch failed for %s: %v", c.URL, err)
		return URLOutcome{URL: c.URL, Outcome: OutcomeFetchFailed}, nil
	}

	chunks := e.parser.Parse(page.Content, page.ContentType)
	if len(chunks) == 0 {
		return URLOutcome{URL: c.URL, Outcome: OutcomeParseEmpty}, nil
	}

	title := page.Title
	if title == "" {
		title = c.Title
	}

	var created []ledger.Chunk
	ingested := 0
	for _, ch := range chunks {
		record := ledger.Chunk{
			SessionID: vector.SessionID,
			VectorID:  &vector.ID,
			URL:       c.URL,
			Title:     title,
			Heading:   ch.Heading,
			Kind:      ch.Kind,
			Position:  ch.Index,
			Content:   ch.Text,
		}
		if c.Published != "" {
			record.Published = &c.Published
		}
		id, isNew, err := e.db.InsertChunk(record)
		if err != nil {
			return URLOutcome{}, fmt.Errorf("%w: storing chunk %d from %s: %w",
				ErrLedgerWrite, ch.Index, c.URL, err)
		}
		ingested++
		if isNew {
			record.SourceID = id
			created = append(created, record)
		}
	}

	e.embed(ctx, created)
	e.extractEntities(ctx, vector.SessionID, created)

	return URLOutcome{URL: c.URL, Outcome: OutcomeIngested, Chunks: ingested}, nil
}

// embed backfills embeddings for freshly created chunks. Best effort.
func (e *Executor) embed(ctx context.Context, chunks []ledger.Chunk) {
	if e.embedder == nil || len(chunks) == 0 {
		return
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	embeddings, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		log.Printf("Embedding skipped: %v", err)
		return
	}
	for i, c := range chunks {
		if i >= len(embeddings) {
			break
		}
		if err := e.db.SetChunkEmbedding(c.SourceID, embeddings[i]); err != nil {
			log.Printf("Storing embedding for %s: %v", c.SourceID, err)
		}
	}
}

// extractEntities asks the LLM for subject/relation/object triples in a
// bounded number of chunks and writes them to the entity graph with chunk
// provenance. Best effort; failures only cost graph recall.
func (e *Executor) extractEntities(ctx context.Context, sessionID string, chunks []ledger.Chunk) {
	if e.provider == nil {
		return
	}
	if len(chunks) > maxEntityChunks {
		chunks = chunks[:maxEntityChunks]
	}
	for _, c := range chunks {
		content := c.Content
		if len(content) > entityMaxContent {
			content = content[:entityMaxContent]
		}
		prompt := fmt.Sprintf(`Extract factual entity relationships from this text.

Text:
%s

Respond with JSON only:
{"entities": [{"subject": "Entity A", "relation": "verb_phrase", "object": "Entity B"}]}

At most 5 relationships. Only relationships stated in the text. Empty list if none.`, content)

		response, err := e.provider.Complete(ctx, prompt, entityMaxTokens)
		if err != nil {
			log.Printf("Entity extraction skipped for %s: %v", c.SourceID, err)
			return
		}
		parsed := llm.ParseJSONResponse(response)
		if parsed == nil {
			continue
		}
		for _, obj := range llm.GetObjectList(parsed, "entities") {
			edge := ledger.Edge{
				SessionID: sessionID,
				Subject:   llm.GetString(obj, "subject", ""),
				Relation:  llm.GetString(obj, "relation", ""),
				Object:    llm.GetString(obj, "object", ""),
				ChunkID:   c.SourceID,
			}
			if err := e.db.InsertEdge(edge); err != nil {
				log.Printf("Skipping edge from %s: %v", c.SourceID, err)
			}
		}
	}
}

func (e *Executor) isFailedDomain(rawURL string) bool {
	domain := domainOf(rawURL)
	if domain == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failedDomains[domain]
}

func (e *Executor) markFailedDomain(rawURL string) {
	domain := domainOf(rawURL)
	if domain == "" {
		return
	}
	e.mu.Lock()
	e.failedDomains[domain] = true
	e.mu.Unlock()
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// relevance scores text against topic tokens as the matched fraction.
func relevance(topicTokens map[string]struct{}, text string) float64 {
	if len(topicTokens) == 0 {
		return 1
	}
	textTokens := tokenize(text)
	matches := 0
	for t := range topicTokens {
		if _, ok := textTokens[t]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(topicTokens))
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
