// Package fetch retrieves page content for candidate URLs via HTTP and
// readability extraction.
package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

// Page is the fetched, extracted content of one URL.
type Page struct {
	URL         string
	Title       string
	Content     string // normalized text; may be empty when nothing extractable
	ContentType string
}

// Fetcher is the page-fetching collaborator contract. A fetch error covers
// connection failures, HTTP errors, and timeouts; callers record it per URL
// and continue.
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string) (*Page, error)
}

// Client fetches pages over HTTP with readability extraction.
type Client struct {
	client *http.Client
}

// NewClient creates a page fetcher with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// Fetch retrieves and extracts a page. Extraction yielding no usable text
// is not an error; the returned Page has empty Content.
func (c *Client) Fetch(ctx context.Context, pageURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", pageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "deepresearch/1.0 (research agent)")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, &httpError{code: resp.StatusCode}
	}

	contentType := resp.Header.Get("Content-Type")
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	page := &Page{URL: pageURL, ContentType: contentType}

	// Plain text passes through untouched; everything else goes through
	// readability.
	if strings.HasPrefix(contentType, "text/plain") {
		page.Content = strings.TrimSpace(string(bodyBytes))
		return page, nil
	}

	parsedURL, _ := url.Parse(pageURL)
	article, err := readability.FromReader(strings.NewReader(string(bodyBytes)), parsedURL)
	if err != nil {
		return page, nil
	}

	page.Title = strings.TrimSpace(article.Title)
	text := strings.TrimSpace(article.TextContent)
	if len(text) > 100 {
		page.Content = text
	}
	return page, nil
}

type httpError struct {
	code int
}

func (e *httpError) Error() string {
	return http.StatusText(e.code)
}
