package releve

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/prix/jobq"
	"github.com/hazyhaar/prix/pagefetch"
)

// The closed set of background job kinds. Handler's switch is the one
// place that dispatches on them; a new kind means a new case there and
// nowhere else.
const (
	KindDiscovery = "discovery"
	KindRefresh   = "refresh"
	KindIdentify  = "identify"
)

// DiscoveryInput is the payload for KindDiscovery jobs.
type DiscoveryInput struct {
	Query             string `json:"query"`
	Zip               string `json:"zip,omitempty"`
	Lat               string `json:"lat,omitempty"`
	Lng               string `json:"lng,omitempty"`
	ShopLocal         bool   `json:"shop_local,omitempty"`
	AllowAgent        bool   `json:"allow_agent,omitempty"`
	DisableEscalation bool   `json:"disable_escalation,omitempty"`
}

// RefreshInput is the payload for KindRefresh jobs: re-check an item's
// known vendor prices. ItemID falls back to the job's item linkage.
type RefreshInput struct {
	ItemID string `json:"item_id,omitempty"`
	Query  string `json:"query,omitempty"`
}

// RefreshOutput summarizes a refresh run.
type RefreshOutput struct {
	ItemID    string `json:"item_id"`
	Vendors   int    `json:"vendors"`
	Refreshed int    `json:"refreshed"`
}

// IdentifyInput is the payload for KindIdentify jobs.
type IdentifyInput struct {
	Description string `json:"description"`
}

// IdentifyOutput carries the structured product plus a query suited
// for a follow-up discovery job.
type IdentifyOutput struct {
	Product Product `json:"product"`
	Query   string  `json:"query"`
}

// Product mirrors the structurer's identification result.
type Product struct {
	Name        string `json:"name"`
	Brand       string `json:"brand,omitempty"`
	Category    string `json:"category,omitempty"`
	ProductCode string `json:"product_code,omitempty"`
}

// CreateJob validates the kind and payload and enqueues the job.
// Validation failures never reach the queue.
func (s *Service) CreateJob(ctx context.Context, nj jobq.NewJob) (*jobq.Job, error) {
	if s.jobs == nil {
		return nil, fmt.Errorf("job queue: %w", ErrNotConfigured)
	}
	if err := validateJobInput(nj); err != nil {
		return nil, err
	}
	return s.jobs.Create(ctx, nj)
}

func validateJobInput(nj jobq.NewJob) error {
	input := nj.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	switch nj.Kind {
	case KindDiscovery:
		var in DiscoveryInput
		if err := json.Unmarshal(input, &in); err != nil {
			return fmt.Errorf("releve: bad discovery input: %w", err)
		}
		if strings.TrimSpace(in.Query) == "" {
			return ErrEmptyQuery
		}
	case KindRefresh:
		var in RefreshInput
		if err := json.Unmarshal(input, &in); err != nil {
			return fmt.Errorf("releve: bad refresh input: %w", err)
		}
		if in.ItemID == "" && nj.ItemID == "" {
			return fmt.Errorf("releve: refresh needs an item id")
		}
	case KindIdentify:
		var in IdentifyInput
		if err := json.Unmarshal(input, &in); err != nil {
			return fmt.Errorf("releve: bad identify input: %w", err)
		}
		if strings.TrimSpace(in.Description) == "" {
			return fmt.Errorf("releve: identify needs a description")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownJobKind, nj.Kind)
	}
	return nil
}

// GetJob returns one job by id, nil when unknown.
func (s *Service) GetJob(ctx context.Context, id string) (*jobq.Job, error) {
	if s.jobs == nil {
		return nil, fmt.Errorf("job queue: %w", ErrNotConfigured)
	}
	return s.jobs.Get(ctx, id)
}

// ActiveJobs lists the user's pending and processing jobs. Never nil.
func (s *Service) ActiveJobs(ctx context.Context, userID string) ([]*jobq.Job, error) {
	if s.jobs == nil {
		return nil, fmt.Errorf("job queue: %w", ErrNotConfigured)
	}
	jobs, err := s.jobs.ListActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*jobq.Job{}
	}
	return jobs, nil
}

// UserJobs lists the user's jobs, newest first. Never nil.
func (s *Service) UserJobs(ctx context.Context, userID string, limit int) ([]*jobq.Job, error) {
	if s.jobs == nil {
		return nil, fmt.Errorf("job queue: %w", ErrNotConfigured)
	}
	jobs, err := s.jobs.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*jobq.Job{}
	}
	return jobs, nil
}

// CancelJob requests cooperative cancellation. Reports false when the
// job was already terminal.
func (s *Service) CancelJob(ctx context.Context, id string) (bool, error) {
	if s.jobs == nil {
		return false, fmt.Errorf("job queue: %w", ErrNotConfigured)
	}
	return s.jobs.RequestCancel(ctx, id)
}

// Handler returns the job executor for the runner. Unknown kinds fail
// the job permanently.
func (s *Service) Handler() jobq.Handler {
	return func(ctx context.Context, t *jobq.Task) (json.RawMessage, error) {
		switch t.Job.Kind {
		case KindDiscovery:
			return s.runDiscoveryJob(ctx, t)
		case KindRefresh:
			return s.runRefreshJob(ctx, t)
		case KindIdentify:
			return s.runIdentifyJob(ctx, t)
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownJobKind, t.Job.Kind)
		}
	}
}

func (s *Service) runDiscoveryJob(ctx context.Context, t *jobq.Task) (json.RawMessage, error) {
	var in DiscoveryInput
	if err := json.Unmarshal(t.Job.Input, &in); err != nil {
		return nil, fmt.Errorf("releve: bad discovery input: %w", err)
	}
	result, err := s.Discover(ctx, DiscoverRequest{
		UserID:            t.Job.UserID,
		Query:             in.Query,
		Zip:               in.Zip,
		Lat:               in.Lat,
		Lng:               in.Lng,
		ItemID:            t.Job.ItemID,
		ShopLocal:         in.ShopLocal,
		AllowAgent:        in.AllowAgent,
		DisableEscalation: in.DisableEscalation,
		JobID:             t.Job.ID,
		Monitor:           taskMonitor{t: t, log: s.log},
	})
	// Partial output survives cancellation; the runner stores it with
	// the cancelled status.
	return marshalResult(result), err
}

// runRefreshJob re-fetches an item's known product pages in one batch
// and records fresh validated prices.
func (s *Service) runRefreshJob(ctx context.Context, t *jobq.Task) (json.RawMessage, error) {
	if s.fetcher == nil || s.structurer == nil {
		return nil, fmt.Errorf("refresh needs page fetch and structuring: %w", ErrNotConfigured)
	}
	var in RefreshInput
	if err := json.Unmarshal(t.Job.Input, &in); err != nil {
		return nil, fmt.Errorf("releve: bad refresh input: %w", err)
	}
	itemID := in.ItemID
	if itemID == "" {
		itemID = t.Job.ItemID
	}
	if itemID == "" {
		return nil, fmt.Errorf("releve: refresh needs an item id")
	}

	vendors, err := s.registry.VendorPrices(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("load vendor prices: %w", err)
	}
	urls := make([]string, 0, len(vendors))
	for _, v := range vendors {
		if v.ProductURL != "" {
			urls = append(urls, v.ProductURL)
		}
	}
	out := RefreshOutput{ItemID: itemID, Vendors: len(vendors)}
	if len(urls) == 0 {
		return marshalJSON(out), nil
	}

	query := strings.TrimSpace(in.Query)
	if query == "" {
		query = "the product featured on each source page"
	}
	req := DiscoverRequest{
		UserID: t.Job.UserID,
		Query:  query,
		ItemID: itemID,
		JobID:  t.Job.ID,
	}
	mon := taskMonitor{t: t, log: s.log}

	if err := mon.Checkpoint(ctx); err != nil {
		return nil, err
	}
	if err := s.waitBudget(ctx, t.Job.UserID, ProviderPagefetch); err != nil {
		return nil, err
	}

	started := time.Now()
	pages, err := s.fetcher.ScrapeBatch(ctx, urls, pagefetch.ScrapeOptions{Render: true})
	s.recordCall(t.Job.ID, t.Job.UserID, callRecord{
		provider:  ProviderPagefetch,
		operation: "scrape_batch",
		request:   map[string]any{"urls": len(urls)},
		response:  pageStats(pages),
		err:       err,
		started:   started,
	})
	if err != nil {
		return nil, fmt.Errorf("refresh fetch: %w", err)
	}
	mon.Progress(ctx, 40)

	entries, err := s.structureTier(ctx, req, SourceRefresh, pages, s.cfg, mon, s.log, attributeByHost)
	if err != nil {
		return nil, err
	}
	mon.Progress(ctx, 80)

	result := &DiscoveryResult{Query: query, Source: SourceRefresh, Entries: entries}
	out.Refreshed = s.persistPrices(ctx, itemID, result)
	return marshalJSON(out), nil
}

func (s *Service) runIdentifyJob(ctx context.Context, t *jobq.Task) (json.RawMessage, error) {
	if s.structurer == nil {
		return nil, fmt.Errorf("identify needs structuring: %w", ErrNotConfigured)
	}
	var in IdentifyInput
	if err := json.Unmarshal(t.Job.Input, &in); err != nil {
		return nil, fmt.Errorf("releve: bad identify input: %w", err)
	}
	if strings.TrimSpace(in.Description) == "" {
		return nil, fmt.Errorf("releve: identify needs a description")
	}

	if err := t.Checkpoint(ctx); err != nil {
		return nil, err
	}
	if err := s.waitBudget(ctx, t.Job.UserID, ProviderGenAI); err != nil {
		return nil, err
	}
	t.Progress(ctx, 20)

	started := time.Now()
	id, err := s.structurer.IdentifyProduct(ctx, in.Description)
	rec := callRecord{
		provider:  ProviderGenAI,
		operation: "identify_product",
		request:   map[string]any{"chars": len(in.Description)},
		err:       err,
		started:   started,
	}
	if id != nil {
		rec.response = id.Product
		rec.tokensIn = id.TokensIn
		rec.tokensOut = id.TokensOut
	}
	s.recordCall(t.Job.ID, t.Job.UserID, rec)
	if err != nil {
		return nil, fmt.Errorf("identify: %w", err)
	}
	t.Progress(ctx, 90)

	out := IdentifyOutput{
		Product: Product{
			Name:        id.Product.Name,
			Brand:       id.Product.Brand,
			Category:    id.Product.Category,
			ProductCode: id.Product.ProductCode,
		},
		Query: id.Product.Name,
	}
	return marshalJSON(out), nil
}

// taskMonitor bridges pipeline signals to the claimed job row.
type taskMonitor struct {
	t   *jobq.Task
	log *slog.Logger
}

func (m taskMonitor) Progress(ctx context.Context, pct int) {
	m.t.Progress(ctx, pct)
}

func (m taskMonitor) Checkpoint(ctx context.Context) error {
	return m.t.Checkpoint(ctx)
}

func (m taskMonitor) Event(ctx context.Context, ev Event) {
	m.log.Debug("job event", "job_id", m.t.Job.ID, "type", ev.Type, "tier", ev.Tier)
}

func marshalResult(r *DiscoveryResult) json.RawMessage {
	if r == nil {
		return nil
	}
	return marshalJSON(r)
}

func marshalJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
