// Package pagefetch is the client for the page-acquisition provider: a
// hosted service that renders retailer pages and returns their content as
// markdown. It exposes the four capabilities the discovery pipeline uses:
// single scrape, batched scrape, broad search, and agentic browsing.
//
// Batch endpoints are not universal across providers; ScrapeBatch falls
// back to bounded per-URL scrapes when the provider answers 404/405, and
// remembers the answer for the life of the client.
package pagefetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/prix/safeurl"
)

// Page is one acquired page.
type Page struct {
	URL        string `json:"url"`
	FinalURL   string `json:"final_url,omitempty"`
	Title      string `json:"title,omitempty"`
	Markdown   string `json:"markdown,omitempty"`
	HTML       string `json:"html,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

// Config configures the client.
type Config struct {
	BaseURL   string        // provider endpoint, e.g. https://api.pagefetch.example
	APIKey    string
	Timeout   time.Duration // per-call HTTP timeout. Default: 90s.
	MaxBytes  int64         // max response size. Default: 16MB.
	UserAgent string
	// FallbackConcurrency bounds per-URL scrapes when batch is unsupported.
	FallbackConcurrency int
	// URLValidator validates target URLs before they are sent out.
	// Default: safeurl.ValidateURL.
	URLValidator func(string) error
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 90 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 16 * 1024 * 1024
	}
	if c.UserAgent == "" {
		c.UserAgent = "prix/1.0"
	}
	if c.FallbackConcurrency <= 0 {
		c.FallbackConcurrency = 4
	}
	if c.URLValidator == nil {
		c.URLValidator = safeurl.ValidateURL
	}
}

// ErrBatchUnsupported signals that the provider has no batch endpoint.
var ErrBatchUnsupported = errors.New("pagefetch: batch scrape unsupported by provider")

// HTTPError is a non-2xx answer from the provider.
type HTTPError struct {
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("pagefetch: http %d", e.Status)
}

// Client talks to one page-acquisition provider.
type Client struct {
	client *http.Client
	config Config

	batchUnsupported atomic.Bool
}

// New creates a Client. BaseURL and APIKey must be set by the caller;
// construction does not validate them so that wiring stays at the edge.
func New(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		client: &http.Client{Timeout: cfg.Timeout},
		config: cfg,
	}
}

type scrapeRequest struct {
	URL    string          `json:"url"`
	Render bool            `json:"render,omitempty"`
	Hints  json.RawMessage `json:"hints,omitempty"`
}

type scrapeResponse struct {
	Page *Page `json:"page"`
}

// ScrapeOptions carry per-store acquisition hints.
type ScrapeOptions struct {
	Render bool
	Hints  json.RawMessage // forwarded verbatim from the store's scrape_hints
}

// Scrape fetches one URL through the provider.
func (c *Client) Scrape(ctx context.Context, rawURL string, opts ScrapeOptions) (*Page, error) {
	if err := c.config.URLValidator(rawURL); err != nil {
		return nil, fmt.Errorf("pagefetch: target blocked: %w", err)
	}
	var out scrapeResponse
	err := c.post(ctx, "/v1/scrape", scrapeRequest{URL: rawURL, Render: opts.Render, Hints: opts.Hints}, &out)
	if err != nil {
		return nil, err
	}
	if out.Page == nil {
		return nil, fmt.Errorf("pagefetch: empty scrape response for %s", rawURL)
	}
	if out.Page.URL == "" {
		out.Page.URL = rawURL
	}
	return out.Page, nil
}

type batchRequest struct {
	URLs   []string `json:"urls"`
	Render bool     `json:"render,omitempty"`
}

type pagesResponse struct {
	Pages []*Page `json:"pages"`
}

// ScrapeBatch fetches several URLs in one provider call where supported,
// or with bounded per-URL scrapes otherwise. Pages keep the input order;
// URLs that fail individually in fallback mode are dropped, not fatal.
func (c *Client) ScrapeBatch(ctx context.Context, urls []string, opts ScrapeOptions) ([]*Page, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	for _, u := range urls {
		if err := c.config.URLValidator(u); err != nil {
			return nil, fmt.Errorf("pagefetch: target blocked: %w", err)
		}
	}

	if !c.batchUnsupported.Load() {
		var out pagesResponse
		err := c.post(ctx, "/v1/scrape/batch", batchRequest{URLs: urls, Render: opts.Render}, &out)
		switch {
		case err == nil:
			return out.Pages, nil
		case isUnsupported(err):
			c.batchUnsupported.Store(true)
		default:
			return nil, err
		}
	}

	return c.scrapeEach(ctx, urls, opts)
}

// scrapeEach is the batch fallback: individual scrapes with bounded
// concurrency. A single bad URL only costs its own slot.
func (c *Client) scrapeEach(ctx context.Context, urls []string, opts ScrapeOptions) ([]*Page, error) {
	slots := make([]*Page, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.FallbackConcurrency)

	for i, u := range urls {
		g.Go(func() error {
			p, err := c.Scrape(gctx, u, opts)
			if err != nil {
				// Leave the slot empty; tier-local failures must not
				// sink the rest of the batch.
				return nil
			}
			slots[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	pages := make([]*Page, 0, len(slots))
	for _, p := range slots {
		if p != nil {
			pages = append(pages, p)
		}
	}
	return pages, nil
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// Search runs a broad product search through the provider, returning
// result pages with content.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]*Page, error) {
	var out pagesResponse
	if err := c.post(ctx, "/v1/search", searchRequest{Query: query, Limit: limit}, &out); err != nil {
		return nil, err
	}
	return out.Pages, nil
}

type agentRequest struct {
	Objective string `json:"objective"`
	MaxSteps  int    `json:"max_steps,omitempty"`
}

// Agent runs the provider's agentic browsing mode against an objective.
// Slow and expensive; callers gate it behind explicit opt-in.
func (c *Client) Agent(ctx context.Context, objective string, maxSteps int) ([]*Page, error) {
	var out pagesResponse
	if err := c.post(ctx, "/v1/agent", agentRequest{Objective: objective, MaxSteps: maxSteps}, &out); err != nil {
		return nil, err
	}
	return out.Pages, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("pagefetch: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("pagefetch: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("pagefetch: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &HTTPError{Status: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBytes))
	if err != nil {
		return fmt.Errorf("pagefetch: read body: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("pagefetch: json decode: %w", err)
	}
	return nil
}

func isUnsupported(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status == http.StatusNotFound || he.Status == http.StatusMethodNotAllowed
	}
	return false
}
