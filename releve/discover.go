package releve

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/prix/distill"
	"github.com/hazyhaar/prix/pagefetch"
	"github.com/hazyhaar/prix/releve/internal/store"
	"github.com/hazyhaar/prix/releve/internal/urltmpl"
)

// Discover runs the tiered pipeline for one query.
//
// Tier 1 fetches the candidate stores' templated search pages in a
// single batch. If that yields enough priced entries, or escalation is
// disabled, the pipeline stops before any tier-2 cost. Otherwise one
// broad search runs and both tiers merge. The agentic tier runs only
// when the caller opted in and the merge is still thin, and its output
// replaces the merge only when it is strictly richer.
//
// A tier that fails outright contributes an empty result and the
// pipeline continues; only cancellation stops it. On cancellation the
// most recent completed result comes back alongside the error so
// callers can keep the partial output.
func (s *Service) Discover(ctx context.Context, req DiscoverRequest) (*DiscoveryResult, error) {
	if s.fetcher == nil || s.structurer == nil {
		return nil, fmt.Errorf("discovery needs page fetch and structuring: %w", ErrNotConfigured)
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return nil, ErrEmptyQuery
	}
	mon := req.Monitor
	if mon == nil {
		mon = NopMonitor{}
	}
	cfg := s.cfg

	log := s.log.With("user_id", req.UserID, "query", req.Query)
	if req.JobID != "" {
		log = log.With("job_id", req.JobID)
	}

	mon.Event(ctx, Event{Type: EventSearching, Tier: SourceTier1, Message: "searching configured stores"})
	candidates := s.candidates(ctx, req, cfg, log)
	mon.Progress(ctx, 5)

	tier1, err := s.tier1(ctx, req, candidates, cfg, mon, log)
	if err != nil {
		return nil, err
	}
	mon.Event(ctx, Event{Type: EventResult, Tier: SourceTier1, Result: tier1})
	mon.Progress(ctx, 40)

	// The escalation decision comes before any tier-2 work, including
	// its checkpoint.
	if err := mon.Checkpoint(ctx); err != nil {
		return tier1, err
	}
	if tier1.Priced() >= cfg.Tier2MinResults || req.DisableEscalation {
		s.finish(ctx, req, tier1, mon, log)
		return tier1, nil
	}

	mon.Event(ctx, Event{Type: EventSearching, Tier: SourceTier2, Message: "searching the wider web"})
	tier2, err := s.tier2(ctx, req, cfg, mon, log)
	if err != nil {
		return tier1, err
	}
	mon.Event(ctx, Event{Type: EventResult, Tier: SourceTier2, Result: tier2})
	mon.Progress(ctx, 60)

	merged := Merge(tier1, tier2)
	s.learnStores(ctx, req.UserID, tier2.Entries, log)
	mon.Progress(ctx, 70)

	if req.AllowAgent && merged.Priced() < cfg.Tier3MinResults {
		if err := mon.Checkpoint(ctx); err != nil {
			return merged, err
		}
		mon.Event(ctx, Event{Type: EventSearching, Tier: SourceTier3, Message: "sending an agent to look"})
		tier3, err := s.tier3(ctx, req, cfg, mon, log)
		if err != nil {
			return merged, err
		}
		mon.Event(ctx, Event{Type: EventResult, Tier: SourceTier3, Result: tier3})
		if tier3.Priced() > merged.Priced() {
			merged = tier3
		}
		s.learnStores(ctx, req.UserID, tier3.Entries, log)
		mon.Progress(ctx, 85)
	}

	s.finish(ctx, req, merged, mon, log)
	return merged, nil
}

// finish persists prices for linked items and logs the outcome.
func (s *Service) finish(ctx context.Context, req DiscoverRequest, result *DiscoveryResult, mon Monitor, log *slog.Logger) {
	if req.ItemID != "" {
		recorded := s.persistPrices(ctx, req.ItemID, result)
		log.Debug("prices recorded", "item_id", req.ItemID, "count", recorded)
	}
	mon.Progress(ctx, 95)
	log.Info("discovery done", "source", result.Source, "entries", result.Count(), "priced", result.Priced())
}

// candidates resolves the tier-1 store list. Registry trouble degrades
// to an empty list rather than aborting the pipeline.
func (s *Service) candidates(ctx context.Context, req DiscoverRequest, cfg Config, log *slog.Logger) []*store.Candidate {
	cands, err := s.registry.Candidates(ctx, req.UserID, store.CandidateOptions{
		ShopLocal:     req.ShopLocal,
		MaxCandidates: cfg.MaxCandidates,
		LocalMin:      cfg.LocalMin,
		NationalExtra: cfg.NationalExtra,
	})
	if err != nil {
		log.Warn("tier failure", "tier", SourceTier1, "op", "candidates", "error", err)
		return nil
	}
	return cands
}

// tier1 fetches every candidate's templated search page in one batch
// and structures the pages. Fetch failure leaves the tier empty; only
// cancellation propagates.
func (s *Service) tier1(ctx context.Context, req DiscoverRequest, candidates []*store.Candidate, cfg Config, mon Monitor, log *slog.Logger) (*DiscoveryResult, error) {
	result := &DiscoveryResult{Query: req.Query, Source: SourceTier1}
	if len(candidates) == 0 {
		return result, nil
	}

	tc := urltmpl.Context{Zip: req.Zip, Lat: req.Lat, Lng: req.Lng}
	urls := make([]string, 0, len(candidates))
	for _, c := range candidates {
		tc.StoreID = c.LocationID
		u, ok := urltmpl.Generate(c.SearchURLTemplate, req.Query, tc)
		if !ok {
			continue
		}
		urls = append(urls, u)
	}
	if len(urls) == 0 {
		return result, nil
	}

	if err := mon.Checkpoint(ctx); err != nil {
		return nil, err
	}
	if err := s.waitBudget(ctx, req.UserID, ProviderPagefetch); err != nil {
		return nil, err
	}

	started := time.Now()
	pages, err := s.fetcher.ScrapeBatch(ctx, urls, pagefetch.ScrapeOptions{Render: true})
	s.recordCall(req.JobID, req.UserID, callRecord{
		provider:  ProviderPagefetch,
		operation: "scrape_batch",
		request:   map[string]any{"urls": len(urls)},
		response:  pageStats(pages),
		err:       err,
		started:   started,
	})
	if err != nil {
		log.Warn("tier failure", "tier", SourceTier1, "op", "scrape_batch", "error", err)
		return result, nil
	}
	mon.Progress(ctx, 20)

	entries, err := s.structureTier(ctx, req, SourceTier1, pages, cfg, mon, log, attributeToCandidates(candidates))
	if err != nil {
		return nil, err
	}
	result.Entries = entries
	// Single-input merge: dedup by store and sort, keeping the tier tag.
	return Merge(result), nil
}

// tier2 runs one broad search over the same query.
func (s *Service) tier2(ctx context.Context, req DiscoverRequest, cfg Config, mon Monitor, log *slog.Logger) (*DiscoveryResult, error) {
	result := &DiscoveryResult{Query: req.Query, Source: SourceTier2}

	if err := mon.Checkpoint(ctx); err != nil {
		return nil, err
	}
	if err := s.waitBudget(ctx, req.UserID, ProviderPagefetch); err != nil {
		return nil, err
	}

	started := time.Now()
	pages, err := s.fetcher.Search(ctx, req.Query, cfg.SearchLimit)
	s.recordCall(req.JobID, req.UserID, callRecord{
		provider:  ProviderPagefetch,
		operation: "search",
		request:   map[string]any{"query": req.Query, "limit": cfg.SearchLimit},
		response:  pageStats(pages),
		err:       err,
		started:   started,
	})
	if err != nil {
		log.Warn("tier failure", "tier", SourceTier2, "op", "search", "error", err)
		return result, nil
	}

	entries, err := s.structureTier(ctx, req, SourceTier2, pages, cfg, mon, log, attributeByHost)
	if err != nil {
		return nil, err
	}
	result.Entries = entries
	return Merge(result), nil
}

// tier3 drives the agentic capability. Gating is the caller's problem;
// this just runs the session and structures whatever pages it visited.
func (s *Service) tier3(ctx context.Context, req DiscoverRequest, cfg Config, mon Monitor, log *slog.Logger) (*DiscoveryResult, error) {
	result := &DiscoveryResult{Query: req.Query, Source: SourceTier3}

	if err := s.waitBudget(ctx, req.UserID, ProviderPagefetch); err != nil {
		return nil, err
	}

	objective := fmt.Sprintf("Find current retail prices for %q. Visit retailer product pages and capture each page that shows a price.", req.Query)
	started := time.Now()
	pages, err := s.fetcher.Agent(ctx, objective, cfg.AgentMaxSteps)
	s.recordCall(req.JobID, req.UserID, callRecord{
		provider:  ProviderPagefetch,
		operation: "agent",
		request:   map[string]any{"objective": objective, "max_steps": cfg.AgentMaxSteps},
		response:  pageStats(pages),
		err:       err,
		started:   started,
	})
	if err != nil {
		log.Warn("tier failure", "tier", SourceTier3, "op", "agent", "error", err)
		return result, nil
	}

	entries, err := s.structureTier(ctx, req, SourceTier3, pages, cfg, mon, log, attributeByHost)
	if err != nil {
		return nil, err
	}
	result.Entries = entries
	return Merge(result), nil
}

// structureTier turns fetched pages into grouped price entries: block
// prep, extraction, token validation, store attribution, grouping.
// Extraction failure leaves the tier empty; only cancellation
// propagates.
func (s *Service) structureTier(ctx context.Context, req DiscoverRequest, tier string, pages []*pagefetch.Page, cfg Config, mon Monitor, log *slog.Logger, resolve func(distill.Finding) string) ([]PriceEntry, error) {
	blocks, raw := buildBlocks(pages)
	if len(blocks) == 0 {
		return nil, nil
	}

	if err := mon.Checkpoint(ctx); err != nil {
		return nil, err
	}
	if err := s.waitBudget(ctx, req.UserID, ProviderGenAI); err != nil {
		return nil, err
	}

	started := time.Now()
	ext, err := s.structurer.ExtractPrices(ctx, req.Query, blocks)
	if err != nil {
		s.recordCall(req.JobID, req.UserID, callRecord{
			provider:  ProviderGenAI,
			operation: "extract_prices",
			request:   map[string]any{"query": req.Query, "blocks": len(blocks)},
			err:       err,
			started:   started,
			rawSource: raw,
		})
		log.Warn("tier failure", "tier", tier, "op", "extract_prices", "error", err)
		return nil, nil
	}

	tokens := distill.PriceTokens(raw)
	findings, rejected := distill.ValidatePrices(ext.Findings, tokens, cfg.PriceTolerance)
	for _, d := range rejected {
		log.Warn("price rejected by source check", "tier", tier, "retailer", d.Retailer, "claimed", d.Claimed, "url", d.URL)
	}
	s.recordCall(req.JobID, req.UserID, callRecord{
		provider:  ProviderGenAI,
		operation: "extract_prices",
		request:   map[string]any{"query": req.Query, "blocks": len(blocks)},
		response:  map[string]any{"findings": len(ext.Findings), "rejected": rejected},
		started:   started,
		tokensIn:  ext.TokensIn,
		tokensOut: ext.TokensOut,
		rawSource: raw,
	})

	for i := range findings {
		if name := resolve(findings[i]); name != "" {
			findings[i].Retailer = name
		}
	}

	return entriesFromGroups(distill.GroupFindings(findings), cfg.Currency), nil
}

// buildBlocks converts fetched pages into prompt blocks plus the
// joined raw text used for price-token validation. Pages without
// markdown fall back to HTML-to-text conversion.
func buildBlocks(pages []*pagefetch.Page) ([]distill.Block, string) {
	var blocks []distill.Block
	var raw strings.Builder
	for _, p := range pages {
		if p == nil {
			continue
		}
		content := strings.TrimSpace(p.Markdown)
		if content == "" && p.HTML != "" {
			content = strings.TrimSpace(distill.Markdown(p.HTML, p.URL))
		}
		if content == "" {
			continue
		}
		blocks = append(blocks, distill.Block{URL: pageURL(p), Content: content})
		if raw.Len() > 0 {
			raw.WriteString("\n\n")
		}
		raw.WriteString(content)
	}
	return blocks, raw.String()
}

func pageURL(p *pagefetch.Page) string {
	if p.FinalURL != "" {
		return p.FinalURL
	}
	return p.URL
}

// pageStats summarizes fetched pages for the audit log.
func pageStats(pages []*pagefetch.Page) map[string]any {
	if pages == nil {
		return nil
	}
	chars := 0
	for _, p := range pages {
		if p == nil {
			continue
		}
		chars += len(p.Markdown) + len(p.HTML)
	}
	return map[string]any{"pages": len(pages), "chars": chars}
}

// attributeToCandidates maps a finding to the candidate store that owns
// its product URL. The domain gates first; a store's URL pattern then
// confirms, so marketplace pages under a lookalike path never land on
// the wrong store.
func attributeToCandidates(candidates []*store.Candidate) func(distill.Finding) string {
	return func(f distill.Finding) string {
		if f.URL == "" {
			return ""
		}
		for _, c := range candidates {
			if !urltmpl.Match("", c.Domain, f.URL) {
				continue
			}
			if c.ProductURLPattern == "" || urltmpl.Match(c.ProductURLPattern, c.Domain, f.URL) {
				return c.Name
			}
		}
		return ""
	}
}

// attributeByHost fills a missing retailer from the URL host and
// otherwise keeps what the extractor said.
func attributeByHost(f distill.Finding) string {
	if strings.TrimSpace(f.Retailer) != "" {
		return ""
	}
	return urltmpl.Host(f.URL)
}

// entriesFromGroups flattens grouped findings into price entries, one
// per group with same-store variants folded under the primary.
func entriesFromGroups(groups []distill.Group, currency string) []PriceEntry {
	if len(groups) == 0 {
		return nil
	}
	entries := make([]PriceEntry, 0, len(groups))
	for _, g := range groups {
		p := g.Primary
		e := PriceEntry{
			StoreName:   strings.TrimSpace(p.Retailer),
			Price:       p.Price,
			Currency:    currencyOr(p.Currency, currency),
			ProductURL:  p.URL,
			ImageURL:    p.ImageURL,
			InStock:     p.InStock,
			Title:       p.Title,
			ProductCode: g.ProductCode(),
		}
		for _, o := range g.Others {
			e.OtherPrices = append(e.OtherPrices, OtherPrice{
				Title: o.Title,
				Price: o.Price,
				URL:   o.URL,
			})
		}
		entries = append(entries, e)
	}
	return entries
}

func currencyOr(c, fallback string) string {
	if c = strings.TrimSpace(c); c != "" {
		return c
	}
	return fallback
}
