// Package planner decomposes a research question into an ordered outline
// and a set of atomic research vectors, and revises the outline mid-run
// when acquired evidence invalidates a planning assumption.
package planner

import (
	"context"
	"fmt"
	"log"
	"strings"

	"deepresearch/internal/ledger"
	"deepresearch/internal/llm"
	"deepresearch/internal/search"
)

const (
	preSearchLimit = 5
	maxQueries     = 3
	planMaxTokens  = 1024
)

// Vector is a planned research sub-question, not yet persisted.
type Vector struct {
	Section string
	Topic   string
	Queries []string // broad to specific
}

// Plan is the planner's output: an ordered outline plus the vectors that
// will research it.
type Plan struct {
	Outline []string
	Vectors []Vector
}

// Planner drives outline and vector generation through the LLM, using a
// light pre-search to ground terminology.
type Planner struct {
	provider llm.Provider
	searcher search.Searcher
}

// New creates a Planner. searcher may be nil, in which case planning runs
// from the query text alone.
func New(provider llm.Provider, searcher search.Searcher) *Planner {
	return &Planner{provider: provider, searcher: searcher}
}

// Plan produces an outline and research vectors for a user query. The
// pre-search only normalizes terminology; zero results degrade the plan,
// they never fail it.
func (p *Planner) Plan(ctx context.Context, query string) (*Plan, error) {
	grounding := p.preSearch(ctx, query)

	prompt := buildPlanPrompt(query, grounding)
	response, err := p.provider.Complete(ctx, prompt, planMaxTokens)
	if err != nil {
		return nil, fmt.Errorf("planning %q: %w", query, err)
	}

	plan := parsePlan(response)
	if plan == nil {
		log.Printf("Plan response unparseable, falling back to single-section outline")
		return fallbackPlan(query), nil
	}
	return plan, nil
}

// Replan revises a session's outline after evidence contradicted a
// planning assumption. Sections already verified are preserved verbatim;
// everything else may be added, removed, or retitled.
func (p *Planner) Replan(ctx context.Context, session *ledger.Session, verified []ledger.Vector, evidenceSummary string) (*Plan, error) {
	prompt := buildReplanPrompt(session, verified, evidenceSummary)
	response, err := p.provider.Complete(ctx, prompt, planMaxTokens)
	if err != nil {
		return nil, fmt.Errorf("replanning session %s: %w", session.ID, err)
	}

	plan := parsePlan(response)
	if plan == nil {
		log.Printf("Replan response unparseable, keeping existing outline")
		plan = &Plan{Outline: session.Outline}
	}
	return preserveVerified(plan, verified), nil
}

// preSearch fetches a handful of results to ground the plan in current
// terminology. Failures and empty results are non-fatal.
func (p *Planner) preSearch(ctx context.Context, query string) []search.Candidate {
	if p.searcher == nil {
		return nil
	}
	results, err := p.searcher.Search(ctx, query, preSearchLimit)
	if err != nil {
		log.Printf("Pre-search failed, planning from query alone: %v", err)
		return nil
	}
	return results
}

func buildPlanPrompt(query string, results []search.Candidate) string {
	var sb strings.Builder
	sb.WriteString("You are a research planner. Decompose the question into a report outline and atomic research questions.\n\n")
	sb.WriteString("Question: " + query + "\n")

	if len(results) > 0 {
		sb.WriteString("\nSearch context (for terminology only):\n")
		for _, r := range results {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", r.Title, r.Snippet))
		}
	}

	sb.WriteString(`
Respond with JSON only:
{
  "outline": ["Section Title", ...],
  "vectors": [
    {"section": "Section Title", "topic": "one atomic sub-question", "queries": ["broad query", "more specific query"]}
  ]
}

Rules:
- 2 to 5 sections, each with 1 or 2 vectors.
- Each vector's topic must be answerable independently.
- Queries are ordered broad to specific, at most 3 per vector.`)
	return sb.String()
}

func buildReplanPrompt(session *ledger.Session, verified []ledger.Vector, evidenceSummary string) string {
	var sb strings.Builder
	sb.WriteString("You are revising a research outline because new evidence contradicts an assumption.\n\n")
	sb.WriteString("Original question: " + session.Query + "\n")
	sb.WriteString("Current outline:\n")
	for _, s := range session.Outline {
		sb.WriteString("- " + s + "\n")
	}
	if len(verified) > 0 {
		sb.WriteString("\nAlready verified (keep these sections unchanged):\n")
		for _, v := range verified {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", v.Section, v.Topic))
		}
	}
	sb.WriteString("\nNew evidence:\n" + evidenceSummary + "\n")
	sb.WriteString(`
Respond with JSON only, same shape as the original plan:
{"outline": [...], "vectors": [{"section": ..., "topic": ..., "queries": [...]}]}

Only include vectors for sections that are NOT in the verified list.`)
	return sb.String()
}

// parsePlan converts the LLM response into a Plan. Returns nil when the
// response is unusable so callers can fall back.
func parsePlan(response string) *Plan {
	parsed := llm.ParseJSONResponse(response)
	if parsed == nil {
		return nil
	}

	outline := llm.GetStringList(parsed, "outline")
	if len(outline) == 0 {
		return nil
	}

	plan := &Plan{Outline: outline}
	for _, obj := range llm.GetObjectList(parsed, "vectors") {
		section := llm.GetString(obj, "section", "")
		topic := llm.GetString(obj, "topic", "")
		if section == "" || topic == "" {
			continue
		}
		queries := llm.GetStringList(obj, "queries")
		if len(queries) == 0 {
			queries = []string{topic}
		}
		if len(queries) > maxQueries {
			queries = queries[:maxQueries]
		}
		plan.Vectors = append(plan.Vectors, Vector{Section: section, Topic: topic, Queries: queries})
	}

	if len(plan.Vectors) == 0 {
		return nil
	}
	return plan
}

// fallbackPlan builds a minimal single-section plan straight from the
// query. The outline must never come back empty.
func fallbackPlan(query string) *Plan {
	return &Plan{
		Outline: []string{"Findings"},
		Vectors: []Vector{{Section: "Findings", Topic: query, Queries: []string{query}}},
	}
}

// preserveVerified forces verified sections back into a revised plan and
// drops any new vectors that would shadow them.
func preserveVerified(plan *Plan, verified []ledger.Vector) *Plan {
	if len(verified) == 0 {
		return plan
	}

	keep := make(map[string]bool, len(verified))
	for _, v := range verified {
		keep[v.Section] = true
	}

	inOutline := make(map[string]bool, len(plan.Outline))
	for _, s := range plan.Outline {
		inOutline[s] = true
	}
	// Verified sections the model dropped go back in front, in their
	// original order.
	var restored []string
	for _, v := range verified {
		if !inOutline[v.Section] && !containsString(restored, v.Section) {
			restored = append(restored, v.Section)
		}
	}
	plan.Outline = append(restored, plan.Outline...)

	var vectors []Vector
	for _, v := range plan.Vectors {
		if keep[v.Section] {
			continue
		}
		vectors = append(vectors, v)
	}
	plan.Vectors = vectors
	return plan
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
