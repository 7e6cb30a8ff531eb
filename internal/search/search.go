// Package search provides the keyword search collaborator: ranked candidate
// URLs with snippets for a query.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Candidate is one ranked search result.
type Candidate struct {
	URL       string
	Title     string
	Snippet   string
	Rank      int
	Published string // YYYY-MM-DD or empty
	Source    string
}

// Searcher is the search collaborator contract.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Candidate, error)
}

// MetaClient queries a SearxNG-compatible JSON search endpoint, optionally
// merging configured feeds for recency-flavored queries.
type MetaClient struct {
	endpoint string
	feeds    *FeedSource
	client   *http.Client
}

// NewMetaClient creates a search client for the given endpoint. feeds may
// be nil.
func NewMetaClient(endpoint string, feeds *FeedSource) *MetaClient {
	return &MetaClient{
		endpoint: endpoint,
		feeds:    feeds,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Search issues the query and returns ranked candidates. An empty result
// set is not an error; the auditor handles it as insufficient evidence.
func (c *MetaClient) Search(ctx context.Context, query string, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = 10
	}

	candidates, err := c.searchEndpoint(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	if c.feeds != nil && wantsRecency(query) {
		candidates = mergeCandidates(candidates, c.feeds.Entries(query), limit)
	}

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (c *MetaClient) searchEndpoint(ctx context.Context, query string, limit int) ([]Candidate, error) {
	params := url.Values{
		"q":      {query},
		"format": {"json"},
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned %d", resp.StatusCode)
	}

	var result struct {
		Results []struct {
			URL           string `json:"url"`
			Title         string `json:"title"`
			Content       string `json:"content"`
			PublishedDate string `json:"publishedDate"`
			Engine        string `json:"engine"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	var candidates []Candidate
	for _, r := range result.Results {
		if len(candidates) >= limit {
			break
		}
		if r.URL == "" || r.Title == "" {
			continue
		}

		var pubDate string
		if r.PublishedDate != "" {
			if t, err := time.Parse(time.RFC3339, r.PublishedDate); err == nil {
				pubDate = t.Format("2006-01-02")
			}
		}

		candidates = append(candidates, Candidate{
			URL:       r.URL,
			Title:     strings.TrimSpace(r.Title),
			Snippet:   strings.TrimSpace(r.Content),
			Rank:      len(candidates) + 1,
			Published: pubDate,
			Source:    r.Engine,
		})
	}

	log.Printf("Search returned %d candidates for: %s", len(candidates), query)
	return candidates, nil
}

// wantsRecency reports whether the query is biased toward fresh results,
// which is when feed entries are worth merging in.
func wantsRecency(query string) bool {
	q := strings.ToLower(query)
	for _, marker := range []string{"latest", "recent", "news", "current", "today"} {
		if strings.Contains(q, marker) {
			return true
		}
	}
	currentYear := fmt.Sprintf("%d", time.Now().Year())
	return strings.Contains(q, currentYear)
}

// mergeCandidates appends feed entries not already present by URL,
// re-ranking the combined list.
func mergeCandidates(base []Candidate, extra []Candidate, limit int) []Candidate {
	seen := make(map[string]struct{}, len(base))
	for _, c := range base {
		seen[c.URL] = struct{}{}
	}
	for _, c := range extra {
		if len(base) >= limit {
			break
		}
		if _, ok := seen[c.URL]; ok {
			continue
		}
		seen[c.URL] = struct{}{}
		base = append(base, c)
	}
	for i := range base {
		base[i].Rank = i + 1
	}
	return base
}
