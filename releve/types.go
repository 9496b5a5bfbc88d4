package releve

import "context"

// Source tags identifying which tier produced a result.
const (
	SourceTier1   = "tier1"
	SourceTier2   = "tier2"
	SourceTier3   = "tier3"
	SourceMerged  = "merged"
	SourceRefresh = "refresh"
)

// Event types emitted while discovery runs.
const (
	EventSearching = "searching"
	EventResult    = "result"
	EventComplete  = "complete"
	EventError     = "error"
)

// DiscoverRequest describes one discovery call. It travels by value and
// the pipeline never mutates the caller's copy.
type DiscoverRequest struct {
	UserID string `json:"user_id"`
	Query  string `json:"query"`

	// Location context substituted into store URL templates.
	Zip string `json:"zip,omitempty"`
	Lat string `json:"lat,omitempty"`
	Lng string `json:"lng,omitempty"`

	// ItemID links the run to the price book; priced entries of the
	// final result are recorded against it.
	ItemID string `json:"item_id,omitempty"`

	ShopLocal bool `json:"shop_local,omitempty"`

	// AllowAgent opts in to the tier-3 agentic pass. Without it the
	// agent never runs no matter how thin the results are.
	AllowAgent bool `json:"allow_agent,omitempty"`

	// DisableEscalation stops the pipeline after tier 1 regardless of
	// how many results it found.
	DisableEscalation bool `json:"disable_escalation,omitempty"`

	// JobID tags audit records when discovery runs inside a job.
	JobID string `json:"-"`

	// Monitor receives progress, checkpoints and events. Nil means no
	// monitoring and context-only cancellation.
	Monitor Monitor `json:"-"`
}

// PriceEntry is one store's offer in a DiscoveryResult.
type PriceEntry struct {
	StoreName string `json:"store_name"`

	// Price is nil when structuring produced no price or validation
	// rejected it against the raw source.
	Price       *float64     `json:"price"`
	Currency    string       `json:"currency,omitempty"`
	ProductURL  string       `json:"product_url,omitempty"`
	ImageURL    string       `json:"image_url,omitempty"`
	InStock     *bool        `json:"in_stock,omitempty"`
	Title       string       `json:"title,omitempty"`
	ProductCode string       `json:"product_code,omitempty"`
	OtherPrices []OtherPrice `json:"other_prices,omitempty"`
}

// OtherPrice is a same-store variant folded under a primary entry.
type OtherPrice struct {
	Title string   `json:"title,omitempty"`
	Price *float64 `json:"price"`
	URL   string   `json:"url,omitempty"`
}

// DiscoveryResult is a snapshot of one discovery pass. Results are
// never mutated after they are built; Merge constructs new ones.
type DiscoveryResult struct {
	Query   string       `json:"query"`
	Source  string       `json:"source"`
	Entries []PriceEntry `json:"entries"`
}

// Count reports the number of entries. Nil-safe.
func (r *DiscoveryResult) Count() int {
	if r == nil {
		return 0
	}
	return len(r.Entries)
}

// Priced reports how many entries carry a validated price. Escalation
// decisions count these, not raw entries.
func (r *DiscoveryResult) Priced() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, e := range r.Entries {
		if e.Price != nil {
			n++
		}
	}
	return n
}

// Event is one streamed pipeline signal.
type Event struct {
	Type    string           `json:"type"`
	Tier    string           `json:"tier,omitempty"`
	Message string           `json:"message,omitempty"`
	Result  *DiscoveryResult `json:"result,omitempty"`
}

// Monitor receives pipeline lifecycle signals. Checkpoint is where
// cooperative cancellation is observed: the pipeline calls it before
// every escalation and every external call, and a non-nil return stops
// the run there.
type Monitor interface {
	Progress(ctx context.Context, pct int)
	Checkpoint(ctx context.Context) error
	Event(ctx context.Context, ev Event)
}

// NopMonitor discards signals. Checkpoint still honors the context.
type NopMonitor struct{}

func (NopMonitor) Progress(context.Context, int) {}

func (NopMonitor) Event(context.Context, Event) {}

func (NopMonitor) Checkpoint(ctx context.Context) error { return ctx.Err() }

// MonitorFuncs adapts plain functions to Monitor. Nil fields no-op; a
// nil OnCheckpoint still honors the context.
type MonitorFuncs struct {
	OnProgress   func(ctx context.Context, pct int)
	OnCheckpoint func(ctx context.Context) error
	OnEvent      func(ctx context.Context, ev Event)
}

func (m MonitorFuncs) Progress(ctx context.Context, pct int) {
	if m.OnProgress != nil {
		m.OnProgress(ctx, pct)
	}
}

func (m MonitorFuncs) Checkpoint(ctx context.Context) error {
	if m.OnCheckpoint != nil {
		return m.OnCheckpoint(ctx)
	}
	return ctx.Err()
}

func (m MonitorFuncs) Event(ctx context.Context, ev Event) {
	if m.OnEvent != nil {
		m.OnEvent(ctx, ev)
	}
}
