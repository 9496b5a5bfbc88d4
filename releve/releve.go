// Package releve runs tiered product price discovery. Templated store
// searches come first, one broad web search runs only when the
// templates fall short, and an agentic browse pass runs only on
// explicit opt-in when even the merge is thin. Each tier costs more
// than the one before it, so the pipeline short-circuits as early as
// its thresholds allow.
//
// The package owns the store registry with its per-user overlay, the
// item price book, and the background job kinds. Page acquisition and
// text structuring are injected capabilities; operations that need a
// missing capability fail fast with ErrNotConfigured.
package releve

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/prix/distill"
	"github.com/hazyhaar/prix/jobq"
	"github.com/hazyhaar/prix/observability"
	"github.com/hazyhaar/prix/pagefetch"
	"github.com/hazyhaar/prix/ratelimit"
	"github.com/hazyhaar/prix/releve/internal/store"
)

// Providers named in rate-limit buckets and audit records.
const (
	ProviderPagefetch = "pagefetch"
	ProviderGenAI     = "genai"
)

// PageFetcher is the page-acquisition capability. *pagefetch.Client
// implements it.
type PageFetcher interface {
	Scrape(ctx context.Context, rawURL string, opts pagefetch.ScrapeOptions) (*pagefetch.Page, error)
	ScrapeBatch(ctx context.Context, urls []string, opts pagefetch.ScrapeOptions) ([]*pagefetch.Page, error)
	Search(ctx context.Context, query string, limit int) ([]*pagefetch.Page, error)
	Agent(ctx context.Context, objective string, maxSteps int) ([]*pagefetch.Page, error)
}

// Structurer is the text-structuring capability. *distill.Extractor
// implements it.
type Structurer interface {
	ExtractPrices(ctx context.Context, query string, blocks []distill.Block) (*distill.Extraction, error)
	IdentifyProduct(ctx context.Context, description string) (*distill.Identification, error)
}

// Service wires the discovery pipeline to its collaborators.
type Service struct {
	registry   *store.Registry
	jobs       *jobq.Store
	fetcher    PageFetcher
	structurer Structurer
	audit      *observability.RequestLogger
	budget     *ratelimit.Budget
	log        *slog.Logger
	cfg        Config
}

// Option configures a Service.
type Option func(*Service)

// WithFetcher attaches the page-acquisition capability.
func WithFetcher(f PageFetcher) Option {
	return func(s *Service) { s.fetcher = f }
}

// WithStructurer attaches the text-structuring capability.
func WithStructurer(st Structurer) Option {
	return func(s *Service) { s.structurer = st }
}

// WithJobStore attaches the background job queue.
func WithJobStore(js *jobq.Store) Option {
	return func(s *Service) { s.jobs = js }
}

// WithAudit attaches the external-call audit log.
func WithAudit(a *observability.RequestLogger) Option {
	return func(s *Service) { s.audit = a }
}

// WithBudget attaches per-user rate limiting for paid capabilities.
func WithBudget(b *ratelimit.Budget) Option {
	return func(s *Service) { s.budget = b }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// New creates the discovery service over the given registry.
// Capabilities left unset make the operations that need them return
// ErrNotConfigured.
func New(registry *store.Registry, cfg Config, opts ...Option) *Service {
	cfg.defaults()
	s := &Service{
		registry: registry,
		cfg:      cfg,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// waitBudget blocks until the user's rate budget admits one more call
// to provider. No budget configured means no limit.
func (s *Service) waitBudget(ctx context.Context, userID, provider string) error {
	if s.budget == nil {
		return nil
	}
	return s.budget.Wait(ctx, userID, provider)
}

// callRecord carries everything one audit entry needs.
type callRecord struct {
	provider  string
	operation string
	request   any
	response  any
	err       error
	started   time.Time
	tokensIn  int
	tokensOut int
	rawSource string
}

// recordCall writes one external-call audit entry. No audit log, no
// entry; the call itself is never affected.
func (s *Service) recordCall(jobID, userID string, c callRecord) {
	if s.audit == nil {
		return
	}
	e := s.audit.NewEntry(c.provider, c.operation, c.request, c.response, c.err, time.Since(c.started))
	e.JobID = jobID
	e.UserID = userID
	e.TokensIn = int64(c.tokensIn)
	e.TokensOut = int64(c.tokensOut)
	e.RawSource = c.rawSource
	s.audit.LogAsync(e)
}
