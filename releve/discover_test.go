package releve

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/prix/dbopen"
	"github.com/hazyhaar/prix/distill"
	"github.com/hazyhaar/prix/jobq"
	"github.com/hazyhaar/prix/pagefetch"
	"github.com/hazyhaar/prix/releve/internal/store"
)

// fakeFetcher scripts the page-acquisition capability and counts calls
// per method so tests can assert which tiers actually ran.
type fakeFetcher struct {
	mu          sync.Mutex
	batchCalls  int
	searchCalls int
	agentCalls  int

	batchURLs   []string
	batchPages  []*pagefetch.Page
	batchErr    error
	searchPages []*pagefetch.Page
	searchErr   error
	agentPages  []*pagefetch.Page
	agentErr    error
}

func (f *fakeFetcher) Scrape(ctx context.Context, rawURL string, opts pagefetch.ScrapeOptions) (*pagefetch.Page, error) {
	return nil, errors.New("not scripted")
}

func (f *fakeFetcher) ScrapeBatch(ctx context.Context, urls []string, opts pagefetch.ScrapeOptions) ([]*pagefetch.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	f.batchURLs = append([]string(nil), urls...)
	return f.batchPages, f.batchErr
}

func (f *fakeFetcher) Search(ctx context.Context, query string, limit int) ([]*pagefetch.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	return f.searchPages, f.searchErr
}

func (f *fakeFetcher) Agent(ctx context.Context, objective string, maxSteps int) ([]*pagefetch.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agentCalls++
	return f.agentPages, f.agentErr
}

func (f *fakeFetcher) counts() (batch, search, agent int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batchCalls, f.searchCalls, f.agentCalls
}

// fakeStructurer pops one scripted extraction per call.
type fakeStructurer struct {
	mu        sync.Mutex
	calls     int
	responses []*distill.Extraction
	err       error
	identify  *distill.Identification
}

func (f *fakeStructurer) ExtractPrices(ctx context.Context, query string, blocks []distill.Block) (*distill.Extraction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return &distill.Extraction{}, nil
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r, nil
}

func (f *fakeStructurer) IdentifyProduct(ctx context.Context, description string) (*distill.Identification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.identify == nil {
		return nil, errors.New("not scripted")
	}
	return f.identify, nil
}

func (f *fakeStructurer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestRegistry(t *testing.T) *store.Registry {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	if err := jobq.ApplySchema(db); err != nil {
		t.Fatalf("apply jobs schema: %v", err)
	}
	return store.NewRegistry(db)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, reg *store.Registry, f *fakeFetcher, st *fakeStructurer, cfg Config) *Service {
	t.Helper()
	return New(reg, cfg,
		WithFetcher(f),
		WithStructurer(st),
		WithLogger(quietLogger()),
	)
}

func defaultStore(name, domain, pattern string) *store.Store {
	return &store.Store{
		Name:              name,
		Domain:            domain,
		SearchURLTemplate: "https://www." + domain + "/search?q={query}",
		ProductURLPattern: pattern,
		IsDefault:         true,
		IsActive:          true,
		Priority:          50,
	}
}

func seedStores(t *testing.T, reg *store.Registry, stores ...*store.Store) {
	t.Helper()
	for _, st := range stores {
		if err := reg.InsertStore(context.Background(), st); err != nil {
			t.Fatalf("seed %s: %v", st.Name, err)
		}
	}
}

func page(url, markdown string) *pagefetch.Page {
	return &pagefetch.Page{URL: url, FinalURL: url, Markdown: markdown, StatusCode: 200}
}

func extraction(findings ...distill.Finding) *distill.Extraction {
	return &distill.Extraction{Findings: findings, TokensIn: 120, TokensOut: 40}
}

func finding(retailer, title string, price float64, url string) distill.Finding {
	return distill.Finding{Retailer: retailer, Title: title, Price: &price, Currency: "USD", URL: url}
}

func prices(r *DiscoveryResult) []float64 {
	var out []float64
	for _, e := range r.Entries {
		if e.Price != nil {
			out = append(out, *e.Price)
		}
	}
	return out
}

func TestDiscoverFailsFastWithoutCapabilities(t *testing.T) {
	// WHAT: Missing fetcher or structurer is ErrNotConfigured before any work.
	// WHY: A half-configured deployment must not look like "no results".
	reg := newTestRegistry(t)
	svc := New(reg, Config{}, WithLogger(quietLogger()))

	_, err := svc.Discover(context.Background(), DiscoverRequest{UserID: "u1", Query: "drill"})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("got %v, want ErrNotConfigured", err)
	}
}

func TestDiscoverRejectsEmptyQuery(t *testing.T) {
	reg := newTestRegistry(t)
	svc := newTestService(t, reg, &fakeFetcher{}, &fakeStructurer{}, Config{})

	_, err := svc.Discover(context.Background(), DiscoverRequest{UserID: "u1", Query: "   "})
	if !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("got %v, want ErrEmptyQuery", err)
	}
}

func TestDiscoverRichTier1SkipsEscalation(t *testing.T) {
	// WHAT: Three priced tier-1 entries stop the pipeline cold: no search,
	// no agent, result tagged tier1 and sorted cheapest first.
	// WHY: The short-circuit is the whole cost model; a single wasted
	// search call per discovery would multiply spend.
	reg := newTestRegistry(t)
	seedStores(t, reg,
		defaultStore("Walmart", "walmart.com", `^/ip/`),
		defaultStore("Target", "target.com", `^/p/`),
		defaultStore("Home Depot", "homedepot.com", `^/p/`),
	)

	md := "DeWalt DCD771C2 drill kit $99.00 at Walmart. Target price $104.99. Home Depot deal $102.50."
	fetcher := &fakeFetcher{batchPages: []*pagefetch.Page{page("https://www.walmart.com/search?q=dewalt", md)}}
	structurer := &fakeStructurer{responses: []*distill.Extraction{extraction(
		finding("walmart", "DeWalt DCD771C2 Drill Kit", 99.00, "https://www.walmart.com/ip/123"),
		finding("target", "DeWalt DCD771C2 Drill Kit", 104.99, "https://www.target.com/p/456"),
		finding("home depot", "DeWalt DCD771C2 Drill Kit", 102.50, "https://www.homedepot.com/p/789"),
	)}}
	svc := newTestService(t, reg, fetcher, structurer, Config{})

	result, err := svc.Discover(context.Background(), DiscoverRequest{UserID: "u1", Query: "dewalt drill"})
	if err != nil {
		t.Fatal(err)
	}

	if result.Source != SourceTier1 {
		t.Errorf("got source %q, want tier1", result.Source)
	}
	if got := prices(result); len(got) != 3 || got[0] != 99.00 || got[1] != 102.50 || got[2] != 104.99 {
		t.Errorf("got prices %v, want ascending [99 102.5 104.99]", got)
	}
	// Attribution rewrites extractor names to registry names.
	if result.Entries[0].StoreName != "Walmart" {
		t.Errorf("got store %q, want Walmart", result.Entries[0].StoreName)
	}
	if batch, search, agent := fetcher.counts(); batch != 1 || search != 0 || agent != 0 {
		t.Errorf("got calls batch=%d search=%d agent=%d, want 1/0/0", batch, search, agent)
	}
	if structurer.callCount() != 1 {
		t.Errorf("got %d structuring calls, want 1", structurer.callCount())
	}
}

func TestDiscoverThresholdIsConfigurable(t *testing.T) {
	// WHAT: With Tier2MinResults lowered to 2, two priced entries out of
	// five stores already stop escalation.
	reg := newTestRegistry(t)
	seedStores(t, reg,
		defaultStore("Walmart", "walmart.com", `^/ip/`),
		defaultStore("Target", "target.com", `^/p/`),
		defaultStore("Home Depot", "homedepot.com", `^/p/`),
		defaultStore("Lowes", "lowes.com", `^/pd/`),
		defaultStore("Ace Hardware", "acehardware.com", `^/p/`),
	)

	md := "Ryobi kit: $179.00 at Home Depot, $149.99 at Walmart. Out of stock elsewhere."
	fetcher := &fakeFetcher{batchPages: []*pagefetch.Page{page("https://www.walmart.com/search?q=ryobi", md)}}
	structurer := &fakeStructurer{responses: []*distill.Extraction{extraction(
		finding("home depot", "Ryobi 18V Kit", 179.00, "https://www.homedepot.com/p/1"),
		finding("walmart", "Ryobi 18V Kit", 149.99, "https://www.walmart.com/ip/2"),
	)}}
	svc := newTestService(t, reg, fetcher, structurer, Config{Tier2MinResults: 2})

	result, err := svc.Discover(context.Background(), DiscoverRequest{UserID: "u1", Query: "ryobi 18v kit"})
	if err != nil {
		t.Fatal(err)
	}

	if got := prices(result); len(got) != 2 || got[0] != 149.99 || got[1] != 179.00 {
		t.Errorf("got prices %v, want [149.99 179]", got)
	}
	if _, search, _ := fetcher.counts(); search != 0 {
		t.Errorf("search ran %d times, want 0", search)
	}
}

func TestDiscoverDisableEscalationStopsAfterTier1(t *testing.T) {
	// WHAT: DisableEscalation keeps a thin tier-1 result as final.
	reg := newTestRegistry(t)
	seedStores(t, reg, defaultStore("Walmart", "walmart.com", `^/ip/`))

	fetcher := &fakeFetcher{batchPages: []*pagefetch.Page{
		page("https://www.walmart.com/search?q=x", "Gadget $19.99"),
	}}
	structurer := &fakeStructurer{responses: []*distill.Extraction{extraction(
		finding("walmart", "Gadget", 19.99, "https://www.walmart.com/ip/1"),
	)}}
	svc := newTestService(t, reg, fetcher, structurer, Config{})

	result, err := svc.Discover(context.Background(), DiscoverRequest{
		UserID: "u1", Query: "gadget", DisableEscalation: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Source != SourceTier1 || result.Count() != 1 {
		t.Errorf("got source=%q count=%d, want tier1/1", result.Source, result.Count())
	}
	if _, search, agent := fetcher.counts(); search != 0 || agent != 0 {
		t.Errorf("escalation ran anyway: search=%d agent=%d", search, agent)
	}
}

func TestDiscoverEscalatesAndMerges(t *testing.T) {
	// WHAT: One tier-1 entry escalates; merge dedups by store with tier 1
	// winning, sorts ascending, and tags the result merged.
	reg := newTestRegistry(t)
	seedStores(t, reg, defaultStore("Walmart", "walmart.com", `^/ip/`))

	fetcher := &fakeFetcher{
		batchPages: []*pagefetch.Page{
			page("https://www.walmart.com/search?q=m18", "Milwaukee M18 drill $19.99"),
		},
		searchPages: []*pagefetch.Page{
			page("https://www.target.com/p/m18", "Milwaukee M18 drill sale $17.99"),
			page("https://www.bhphotovideo.com/c/m18", "M18 drill $21.50. Walmart lists it at $18.00."),
		},
	}
	structurer := &fakeStructurer{responses: []*distill.Extraction{
		extraction(finding("walmart", "Milwaukee M18 Drill", 19.99, "https://www.walmart.com/ip/1")),
		extraction(
			finding("Target", "Milwaukee M18 Drill", 17.99, "https://www.target.com/p/m18"),
			finding("B&H Photo", "Milwaukee M18 Drill", 21.50, "https://www.bhphotovideo.com/c/m18"),
			finding("Walmart", "Milwaukee M18 Drill", 18.00, "https://www.walmart.com/ip/1"),
		),
	}}
	svc := newTestService(t, reg, fetcher, structurer, Config{})

	result, err := svc.Discover(context.Background(), DiscoverRequest{UserID: "u1", Query: "milwaukee m18 drill"})
	if err != nil {
		t.Fatal(err)
	}

	if result.Source != SourceMerged {
		t.Errorf("got source %q, want merged", result.Source)
	}
	if result.Count() != 3 {
		t.Fatalf("got %d entries, want 3: %+v", result.Count(), result.Entries)
	}
	if got := prices(result); got[0] != 17.99 || got[1] != 19.99 || got[2] != 21.50 {
		t.Errorf("got prices %v, want [17.99 19.99 21.5]", got)
	}
	// Tier 1's Walmart price survives the tier-2 duplicate.
	for _, e := range result.Entries {
		if strings.EqualFold(e.StoreName, "walmart") && *e.Price != 19.99 {
			t.Errorf("walmart price %v, want tier-1's 19.99", *e.Price)
		}
	}
	if _, search, _ := fetcher.counts(); search != 1 {
		t.Errorf("search ran %d times, want 1", search)
	}
	if structurer.callCount() != 2 {
		t.Errorf("got %d structuring calls, want 2", structurer.callCount())
	}
}

func TestDiscoverAgentNeverRunsWithoutOptIn(t *testing.T) {
	// WHAT: Zero results everywhere still does not trigger tier 3 unless
	// the caller opted in.
	// WHY: The agentic tier is the most expensive call in the system.
	reg := newTestRegistry(t)
	seedStores(t, reg, defaultStore("Walmart", "walmart.com", `^/ip/`))

	fetcher := &fakeFetcher{
		batchPages:  []*pagefetch.Page{page("https://www.walmart.com/search?q=x", "no such product")},
		searchPages: []*pagefetch.Page{page("https://example.com/x", "nothing here")},
	}
	structurer := &fakeStructurer{}
	svc := newTestService(t, reg, fetcher, structurer, Config{})

	result, err := svc.Discover(context.Background(), DiscoverRequest{UserID: "u1", Query: "obscure widget"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Count() != 0 {
		t.Errorf("got %d entries, want 0", result.Count())
	}
	if _, _, agent := fetcher.counts(); agent != 0 {
		t.Errorf("agent ran %d times, want 0", agent)
	}
}

func TestDiscoverAgentReplacesOnlyWhenStrictlyRicher(t *testing.T) {
	// WHAT: With opt-in and a thin merge, tier 3 runs; its result replaces
	// the merge only when it has strictly more priced entries.

	t.Run("richer", func(t *testing.T) {
		reg := newTestRegistry(t)
		fetcher := &fakeFetcher{
			searchPages: []*pagefetch.Page{page("https://www.acme.com/p/1", "Widget $30.00")},
			agentPages: []*pagefetch.Page{
				page("https://www.toolbarn.com/p/9", "Widget $24.99"),
				page("https://www.zoro.com/p/8", "Widget $26.00"),
			},
		}
		structurer := &fakeStructurer{responses: []*distill.Extraction{
			extraction(finding("Acme", "Widget", 30.00, "https://www.acme.com/p/1")),
			extraction(
				finding("Toolbarn", "Widget", 24.99, "https://www.toolbarn.com/p/9"),
				finding("Zoro", "Widget", 26.00, "https://www.zoro.com/p/8"),
			),
		}}
		svc := newTestService(t, reg, fetcher, structurer, Config{})

		result, err := svc.Discover(context.Background(), DiscoverRequest{
			UserID: "u1", Query: "widget", AllowAgent: true,
		})
		if err != nil {
			t.Fatal(err)
		}
		if result.Source != SourceTier3 || result.Count() != 2 {
			t.Errorf("got source=%q count=%d, want tier3/2", result.Source, result.Count())
		}
		if _, _, agent := fetcher.counts(); agent != 1 {
			t.Errorf("agent ran %d times, want 1", agent)
		}
	})

	t.Run("not richer", func(t *testing.T) {
		reg := newTestRegistry(t)
		fetcher := &fakeFetcher{
			searchPages: []*pagefetch.Page{page("https://www.acme.com/p/1", "Widget $30.00")},
			agentPages:  []*pagefetch.Page{page("https://www.toolbarn.com/p/9", "Widget $24.99")},
		}
		structurer := &fakeStructurer{responses: []*distill.Extraction{
			extraction(finding("Acme", "Widget", 30.00, "https://www.acme.com/p/1")),
			extraction(finding("Toolbarn", "Widget", 24.99, "https://www.toolbarn.com/p/9")),
		}}
		svc := newTestService(t, reg, fetcher, structurer, Config{})

		result, err := svc.Discover(context.Background(), DiscoverRequest{
			UserID: "u1", Query: "widget", AllowAgent: true,
		})
		if err != nil {
			t.Fatal(err)
		}
		// Equal count: the merge stays.
		if result.Source != SourceMerged || result.Count() != 1 {
			t.Errorf("got source=%q count=%d, want merged/1", result.Source, result.Count())
		}
		if *result.Entries[0].Price != 30.00 {
			t.Errorf("got price %v, want the merge's 30.00", *result.Entries[0].Price)
		}
	})
}

func TestDiscoverLearnsStoresFromTier2(t *testing.T) {
	// WHAT: A tier-2 result on an unknown domain registers that store
	// (learned, active, low priority) and enables it for the user; a
	// known domain is left alone.
	reg := newTestRegistry(t)
	seedStores(t, reg, defaultStore("Walmart", "walmart.com", `^/ip/`))
	ctx := context.Background()

	fetcher := &fakeFetcher{
		batchPages: []*pagefetch.Page{page("https://www.walmart.com/search?q=x", "nothing")},
		searchPages: []*pagefetch.Page{
			page("https://www.acmetools.com/p/77", "Stump grinder $450.00"),
			page("https://www.walmart.com/ip/5", "Stump grinder $470.00"),
		},
	}
	structurer := &fakeStructurer{responses: []*distill.Extraction{
		extraction(),
		extraction(
			finding("Acme Tools", "Stump Grinder", 450.00, "https://www.acmetools.com/p/77"),
			finding("Walmart", "Stump Grinder", 470.00, "https://www.walmart.com/ip/5"),
		),
	}}
	svc := newTestService(t, reg, fetcher, structurer, Config{LearnedPriority: 10})

	if _, err := svc.Discover(ctx, DiscoverRequest{UserID: "u1", Query: "stump grinder"}); err != nil {
		t.Fatal(err)
	}

	learned, err := reg.GetStoreByDomain(ctx, "acmetools.com")
	if err != nil {
		t.Fatal(err)
	}
	if learned == nil {
		t.Fatal("acmetools.com not learned")
	}
	if learned.Category != "learned" || !learned.IsActive || learned.Priority != 10 {
		t.Errorf("learned store misconfigured: %+v", learned)
	}
	if learned.SearchURLTemplate != "" {
		t.Error("learned store must not get a fabricated search template")
	}
	pref, err := reg.GetPreference(ctx, "u1", learned.ID)
	if err != nil {
		t.Fatal(err)
	}
	if pref == nil || !pref.Enabled {
		t.Errorf("learned store not enabled for the user: %+v", pref)
	}

	// The known domain stayed singular.
	views, err := reg.ListStoresForUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	walmarts := 0
	for _, v := range views {
		if v.Domain == "walmart.com" {
			walmarts++
		}
	}
	if walmarts != 1 {
		t.Errorf("walmart.com appears %d times, want 1", walmarts)
	}
}

func TestDiscoverNullsFabricatedPrices(t *testing.T) {
	// WHAT: A structured price with no supporting token in the page text
	// is nulled; the entry survives without it and does not count toward
	// escalation, so the search tier still runs.
	reg := newTestRegistry(t)
	seedStores(t, reg, defaultStore("Walmart", "walmart.com", `^/ip/`))

	fetcher := &fakeFetcher{
		batchPages: []*pagefetch.Page{
			page("https://www.walmart.com/search?q=m18", "Milwaukee M18 drill, currently unavailable"),
		},
		searchPages: []*pagefetch.Page{page("https://example.com/none", "no offers")},
	}
	structurer := &fakeStructurer{responses: []*distill.Extraction{
		extraction(finding("walmart", "Milwaukee M18 Drill", 999.99, "https://www.walmart.com/ip/1")),
		extraction(),
	}}
	svc := newTestService(t, reg, fetcher, structurer, Config{})

	result, err := svc.Discover(context.Background(), DiscoverRequest{UserID: "u1", Query: "milwaukee m18"})
	if err != nil {
		t.Fatal(err)
	}

	if result.Count() != 1 {
		t.Fatalf("got %d entries, want the nulled one kept: %+v", result.Count(), result.Entries)
	}
	if result.Entries[0].Price != nil {
		t.Errorf("fabricated price kept: %v", *result.Entries[0].Price)
	}
	if result.Priced() != 0 {
		t.Errorf("priced count %d, want 0", result.Priced())
	}
	if _, search, _ := fetcher.counts(); search != 1 {
		t.Errorf("search ran %d times, want 1 (nulled entries do not satisfy escalation)", search)
	}
}

func TestDiscoverTierFailureDegradesToEmptyTier(t *testing.T) {
	// WHAT: A tier-1 fetch failure logs, contributes nothing and the
	// pipeline continues into tier 2.
	reg := newTestRegistry(t)
	seedStores(t, reg, defaultStore("Walmart", "walmart.com", `^/ip/`))

	fetcher := &fakeFetcher{
		batchErr:    errors.New("pagefetch: http 503"),
		searchPages: []*pagefetch.Page{page("https://www.target.com/p/1", "Widget $12.00")},
	}
	structurer := &fakeStructurer{responses: []*distill.Extraction{
		extraction(finding("Target", "Widget", 12.00, "https://www.target.com/p/1")),
	}}
	svc := newTestService(t, reg, fetcher, structurer, Config{})

	result, err := svc.Discover(context.Background(), DiscoverRequest{UserID: "u1", Query: "widget"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Count() != 1 || *result.Entries[0].Price != 12.00 {
		t.Errorf("tier-2 result lost: %+v", result.Entries)
	}
}

func TestDiscoverCancellationKeepsPartialResult(t *testing.T) {
	// WHAT: Cancellation at the escalation checkpoint returns the tier-1
	// result alongside the cancellation error; tier 2 never starts.
	reg := newTestRegistry(t)
	seedStores(t, reg, defaultStore("Walmart", "walmart.com", `^/ip/`))

	fetcher := &fakeFetcher{
		batchPages: []*pagefetch.Page{page("https://www.walmart.com/search?q=x", "Widget $19.99")},
	}
	structurer := &fakeStructurer{responses: []*distill.Extraction{
		extraction(finding("walmart", "Widget", 19.99, "https://www.walmart.com/ip/1")),
	}}
	svc := newTestService(t, reg, fetcher, structurer, Config{})

	checkpoints := 0
	mon := MonitorFuncs{
		OnCheckpoint: func(ctx context.Context) error {
			checkpoints++
			// 1: before the tier-1 batch, 2: before structuring,
			// 3: the escalation decision.
			if checkpoints >= 3 {
				return jobq.ErrCancelled
			}
			return nil
		},
	}

	result, err := svc.Discover(context.Background(), DiscoverRequest{
		UserID: "u1", Query: "widget", Monitor: mon,
	})
	if !errors.Is(err, jobq.ErrCancelled) {
		t.Fatalf("got %v, want ErrCancelled", err)
	}
	if result == nil || result.Source != SourceTier1 || result.Count() != 1 {
		t.Errorf("partial result lost: %+v", result)
	}
	if _, search, _ := fetcher.counts(); search != 0 {
		t.Errorf("search ran %d times after cancellation", search)
	}
}

func TestDiscoverRecordsPricesForLinkedItem(t *testing.T) {
	// WHAT: With an item id on the request, every priced final entry
	// lands in the price book under its normalized vendor key.
	reg := newTestRegistry(t)
	seedStores(t, reg,
		defaultStore("Walmart", "walmart.com", `^/ip/`),
		defaultStore("Target", "target.com", `^/p/`),
		defaultStore("Home Depot", "homedepot.com", `^/p/`),
	)
	ctx := context.Background()

	md := "DeWalt drill $99.00 at Walmart, $104.99 at Target, $102.50 at Home Depot"
	fetcher := &fakeFetcher{batchPages: []*pagefetch.Page{page("https://www.walmart.com/search?q=d", md)}}
	structurer := &fakeStructurer{responses: []*distill.Extraction{extraction(
		finding("walmart", "DeWalt Drill", 99.00, "https://www.walmart.com/ip/1"),
		finding("target", "DeWalt Drill", 104.99, "https://www.target.com/p/2"),
		finding("home depot", "DeWalt Drill", 102.50, "https://www.homedepot.com/p/3"),
	)}}
	svc := newTestService(t, reg, fetcher, structurer, Config{})

	if _, err := svc.Discover(ctx, DiscoverRequest{UserID: "u1", Query: "dewalt drill", ItemID: "item_1"}); err != nil {
		t.Fatal(err)
	}

	best, err := svc.BestPrice(ctx, "item_1")
	if err != nil {
		t.Fatal(err)
	}
	if best == nil || best.VendorKey != "walmart" || best.CurrentPrice != 99.00 {
		t.Errorf("got best %+v, want walmart at 99.00", best)
	}
	all, err := svc.VendorPrices(ctx, "item_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("got %d vendor rows, want 3", len(all))
	}

	history, err := svc.PriceHistory(ctx, "item_1", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Errorf("got %d history rows, want 3", len(history))
	}
}

func TestDiscoverExpandsLocationInTemplates(t *testing.T) {
	// WHAT: Zip and per-user store location flow into the tier-1 URLs.
	reg := newTestRegistry(t)
	st := &store.Store{
		Name:              "Ace Hardware",
		Domain:            "acehardware.com",
		SearchURLTemplate: "https://www.acehardware.com/search?q={query}&zip={zip}&store={store_id}",
		IsDefault:         true,
		IsActive:          true,
		Priority:          50,
	}
	seedStores(t, reg, st)
	ctx := context.Background()

	if err := reg.UpsertPreference(ctx, &store.Preference{
		UserID: "u1", StoreID: st.ID, Enabled: true, LocationID: "0114",
	}); err != nil {
		t.Fatal(err)
	}

	fetcher := &fakeFetcher{batchPages: nil}
	structurer := &fakeStructurer{}
	svc := newTestService(t, reg, fetcher, structurer, Config{})

	if _, err := svc.Discover(ctx, DiscoverRequest{UserID: "u1", Query: "paint", Zip: "97214"}); err != nil {
		t.Fatal(err)
	}

	fetcher.mu.Lock()
	urls := fetcher.batchURLs
	fetcher.mu.Unlock()
	if len(urls) != 1 {
		t.Fatalf("got %d urls, want 1", len(urls))
	}
	if !strings.Contains(urls[0], "zip=97214") || !strings.Contains(urls[0], "store=0114") {
		t.Errorf("location not expanded: %s", urls[0])
	}
}
