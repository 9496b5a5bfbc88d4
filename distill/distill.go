// Package distill turns raw retailer pages into structured price findings.
//
// The extraction itself is delegated to a Gemini model: page content is
// reduced to markdown, batched into a single prompt per tier, and the model
// returns JSON findings. Everything the model claims is then re-checked
// against the raw page text (ValidatePrices) and grouped by product
// (GroupFindings) before anything reaches the caller.
package distill

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Block is one unit of source material for an extraction call: the page
// content (markdown or plain text) together with the URL it came from.
type Block struct {
	URL     string
	Content string
}

// Finding is one product offer the model extracted from the source blocks.
type Finding struct {
	Retailer    string   `json:"retailer"`
	Title       string   `json:"title"`
	Price       *float64 `json:"price"`
	Currency    string   `json:"currency,omitempty"`
	URL         string   `json:"url,omitempty"`
	ImageURL    string   `json:"image_url,omitempty"`
	InStock     *bool    `json:"in_stock,omitempty"`
	ProductCode string   `json:"product_code,omitempty"`
}

// Extraction is the result of one ExtractPrices call.
type Extraction struct {
	Findings    []Finding
	RawResponse string
	TokensIn    int
	TokensOut   int
}

// Product describes an item identified from a free-form description.
type Product struct {
	Name        string `json:"name"`
	Brand       string `json:"brand,omitempty"`
	Category    string `json:"category,omitempty"`
	ProductCode string `json:"product_code,omitempty"`
}

// Identification is the result of one IdentifyProduct call.
type Identification struct {
	Product     Product
	RawResponse string
	TokensIn    int
	TokensOut   int
}

// Config holds extractor settings.
type Config struct {
	// APIKey authenticates against the Gemini API. Required.
	APIKey string

	// Model names the generation model. Defaults to "gemini-2.5-flash".
	Model string

	// MaxBlockChars caps how much of a single page is sent to the model.
	// Defaults to 20000.
	MaxBlockChars int
}

func (c *Config) defaults() {
	if c.Model == "" {
		c.Model = "gemini-2.5-flash"
	}
	if c.MaxBlockChars <= 0 {
		c.MaxBlockChars = 20000
	}
}

// Extractor extracts structured product data from page content via Gemini.
type Extractor struct {
	client *genai.Client
	cfg    Config
}

// New creates an Extractor. The API key is required.
func New(ctx context.Context, cfg Config) (*Extractor, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("distill: api key is required")
	}
	cfg.defaults()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("distill: create client: %w", err)
	}

	return &Extractor{client: client, cfg: cfg}, nil
}

// Close releases the underlying client.
func (e *Extractor) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

// ExtractPrices asks the model for every offer of the queried product found
// in the source blocks. One call covers all blocks of a tier. Blocks with
// empty content are skipped; if nothing remains the call returns an empty
// extraction without touching the model.
func (e *Extractor) ExtractPrices(ctx context.Context, query string, blocks []Block) (*Extraction, error) {
	prompt := buildPricePrompt(query, blocks, e.cfg.MaxBlockChars)
	if prompt == "" {
		return &Extraction{}, nil
	}

	raw, in, out, err := e.generateJSON(ctx, prompt)
	if err != nil {
		return nil, err
	}

	findings, err := parseFindings(raw)
	if err != nil {
		return nil, fmt.Errorf("distill: parse findings: %w", err)
	}

	return &Extraction{
		Findings:    findings,
		RawResponse: raw,
		TokensIn:    in,
		TokensOut:   out,
	}, nil
}

// IdentifyProduct resolves a free-form description (or pasted product page
// text) into a canonical product name suitable as a search query.
func (e *Extractor) IdentifyProduct(ctx context.Context, description string) (*Identification, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, fmt.Errorf("distill: description is required")
	}
	if len(description) > e.cfg.MaxBlockChars {
		description = description[:e.cfg.MaxBlockChars]
	}

	raw, in, out, err := e.generateJSON(ctx, buildIdentifyPrompt(description))
	if err != nil {
		return nil, err
	}

	var p Product
	if err := json.Unmarshal([]byte(stripFences(raw)), &p); err != nil {
		return nil, fmt.Errorf("distill: parse product: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("distill: model returned no product name")
	}

	return &Identification{
		Product:     p,
		RawResponse: raw,
		TokensIn:    in,
		TokensOut:   out,
	}, nil
}

// generateJSON runs one JSON-mode generation and returns the raw text plus
// token usage.
func (e *Extractor) generateJSON(ctx context.Context, prompt string) (string, int, int, error) {
	resp, err := e.client.Models.GenerateContent(ctx, e.cfg.Model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
			Temperature:      genai.Ptr[float32](0),
		},
	)
	if err != nil {
		return "", 0, 0, fmt.Errorf("distill: generate: %w", err)
	}

	var in, out int
	if resp.UsageMetadata != nil {
		in = int(resp.UsageMetadata.PromptTokenCount)
		out = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", in, out, fmt.Errorf("distill: model returned empty response")
	}
	return text, in, out, nil
}

// buildPricePrompt assembles the extraction prompt. Each block becomes a
// numbered SOURCE section so the model can attribute findings to pages.
// Returns "" when no block has content.
func buildPricePrompt(query string, blocks []Block, maxChars int) string {
	var sb strings.Builder
	n := 0
	for _, b := range blocks {
		content := strings.TrimSpace(b.Content)
		if content == "" {
			continue
		}
		if len(content) > maxChars {
			content = content[:maxChars]
		}
		n++
		fmt.Fprintf(&sb, "SOURCE %d (%s):\n%s\n\n", n, b.URL, content)
	}
	if n == 0 {
		return ""
	}

	return fmt.Sprintf(`You are a price extraction engine. Below are %d web page sources. Extract every offer for the product %q.

Return a JSON array. Each element:
{
  "retailer": "store name, e.g. Walmart",
  "title": "product title as listed",
  "price": 19.99,
  "currency": "USD",
  "url": "direct product page URL",
  "image_url": "product image URL if present",
  "in_stock": true,
  "product_code": "UPC, model or SKU if present"
}

Rules:
- Only include offers for the queried product or close variants of it. Ignore accessories and unrelated items.
- "price" is the current selling price as a number. If a source shows no usable price, set "price" to null rather than guessing.
- Omit "in_stock" when availability is not stated.
- Never invent values. Every price must appear in a source.
- If no sources contain the product, return [].

%s`, n, query, sb.String())
}

func buildIdentifyPrompt(description string) string {
	return fmt.Sprintf(`Identify the single product described below.

Return a JSON object:
{
  "name": "canonical product name usable as a store search query",
  "brand": "manufacturer if identifiable",
  "category": "short category, e.g. power tools",
  "product_code": "UPC, model or SKU if present"
}

Keep "name" concise: brand plus model plus the one or two attributes needed to find the exact product. Do not invent codes.

DESCRIPTION:
%s`, description)
}

// parseFindings decodes the model response. Accepts a bare array, a fenced
// array, or an object wrapping the array under a "findings"/"results"/
// "offers" key, since models drift between these shapes.
func parseFindings(raw string) ([]Finding, error) {
	s := stripFences(raw)

	var findings []Finding
	if err := json.Unmarshal([]byte(s), &findings); err == nil {
		return findings, nil
	}

	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &wrapped); err != nil {
		return nil, fmt.Errorf("neither array nor object: %w", err)
	}
	for _, key := range []string{"findings", "results", "offers", "products"} {
		inner, ok := wrapped[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(inner, &findings); err != nil {
			return nil, fmt.Errorf("decode %q: %w", key, err)
		}
		return findings, nil
	}
	return nil, fmt.Errorf("object has no findings array")
}

// stripFences removes a markdown code fence around a JSON payload.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
