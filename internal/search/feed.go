package search

import (
	"log"
	"net/url"
	"strings"

	"github.com/mmcdole/gofeed"

	"deepresearch/internal/config"
)

const maxPerFeed = 20

// FeedSource turns configured RSS/Atom feeds into search candidates for
// recency-biased queries. Entries are matched against the query by title
// token overlap.
type FeedSource struct {
	feeds  []config.Feed
	parser *gofeed.Parser
}

// NewFeedSource creates a FeedSource; returns nil when no feeds are
// configured.
func NewFeedSource(feeds []config.Feed) *FeedSource {
	if len(feeds) == 0 {
		return nil
	}
	return &FeedSource{feeds: feeds, parser: gofeed.NewParser()}
}

// Entries parses all feeds and returns entries whose titles overlap the
// query, newest first.
func (fs *FeedSource) Entries(query string) []Candidate {
	queryTokens := tokenize(query)
	var all []Candidate

	for _, fc := range fs.feeds {
		name := fc.Name
		if name == "" {
			name = sourceNameFromURL(fc.URL)
		}

		feed, err := fs.parser.ParseURL(fc.URL)
		if err != nil {
			log.Printf("Failed to parse feed %s: %v", fc.URL, err)
			continue
		}

		count := 0
		for _, item := range feed.Items {
			if count >= maxPerFeed {
				break
			}
			c := feedItemCandidate(item, name)
			if c == nil {
				continue
			}
			if !overlaps(tokenize(c.Title), queryTokens) {
				continue
			}
			all = append(all, *c)
			count++
		}
	}

	for i := range all {
		all[i].Rank = i + 1
	}
	return all
}

func feedItemCandidate(item *gofeed.Item, source string) *Candidate {
	itemURL := item.Link
	if itemURL == "" {
		itemURL = item.GUID
	}
	title := strings.TrimSpace(item.Title)
	if itemURL == "" || title == "" {
		return nil
	}

	var published string
	if item.PublishedParsed != nil {
		published = item.PublishedParsed.Format("2006-01-02")
	} else if item.UpdatedParsed != nil {
		published = item.UpdatedParsed.Format("2006-01-02")
	}

	snippet := item.Description
	if snippet == "" {
		snippet = item.Content
	}

	return &Candidate{
		URL:       itemURL,
		Title:     title,
		Snippet:   normalizeWhitespace(stripHTML(snippet)),
		Published: published,
		Source:    source,
	}
}

func tokenize(s string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?:;\"'()-[]")
		if len(w) > 2 {
			tokens[w] = struct{}{}
		}
	}
	return tokens
}

func overlaps(a, b map[string]struct{}) bool {
	for t := range a {
		if _, ok := b[t]; ok {
			return true
		}
	}
	return false
}

func stripHTML(text string) string {
	var result strings.Builder
	inTag := false
	for _, r := range text {
		if r == '<' {
			inTag = true
			result.WriteRune(' ')
			continue
		}
		if r == '>' {
			inTag = false
			continue
		}
		if !inTag {
			result.WriteRune(r)
		}
	}

	s := result.String()
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", `"`)
	s = strings.ReplaceAll(s, "&#39;", "'")
	return s
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func sourceNameFromURL(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil {
		return feedURL
	}
	host := strings.ToLower(u.Hostname())
	for _, prefix := range []string{"www.", "blog.", "blogs.", "rss.", "feeds."} {
		host = strings.TrimPrefix(host, prefix)
	}
	parts := strings.Split(host, ".")
	if len(parts) >= 2 {
		name := parts[len(parts)-2]
		return strings.ToUpper(name[:1]) + name[1:]
	}
	if host == "" {
		return feedURL
	}
	return strings.ToUpper(host[:1]) + host[1:]
}
