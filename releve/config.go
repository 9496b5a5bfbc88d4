package releve

// Config tunes the discovery pipeline. Every threshold has a working
// default; the zero value is usable. The service copies the config at
// call time, so one request always runs under a single consistent set
// of values.
type Config struct {
	// Tier2MinResults is how many priced tier-1 entries stop escalation
	// to the broad-search tier. Default 3.
	Tier2MinResults int

	// Tier3MinResults is the merged priced-entry count below which the
	// agentic tier may run. The caller still has to opt in. Default 2.
	Tier3MinResults int

	// MaxCandidates caps the tier-1 candidate stores. Default 10.
	MaxCandidates int

	// LocalMin and NationalExtra shape the shop-local candidate mix.
	// Zero takes the registry defaults.
	LocalMin      int
	NationalExtra int

	// PriceTolerance is the relative slack allowed between a structured
	// price and the nearest raw source token. Default 0.01.
	PriceTolerance float64

	// SearchLimit caps tier-2 search results. Default 8.
	SearchLimit int

	// AgentMaxSteps bounds the tier-3 agentic session. Default 10.
	AgentMaxSteps int

	// LearnedPriority is assigned to stores learned from tier-2 and
	// tier-3 results. Default 10, well below curated defaults.
	LearnedPriority int

	// Currency tags entries whose source did not state one. Default USD.
	Currency string
}

func (c *Config) defaults() {
	if c.Tier2MinResults <= 0 {
		c.Tier2MinResults = 3
	}
	if c.Tier3MinResults <= 0 {
		c.Tier3MinResults = 2
	}
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = 10
	}
	if c.PriceTolerance <= 0 {
		c.PriceTolerance = 0.01
	}
	if c.SearchLimit <= 0 {
		c.SearchLimit = 8
	}
	if c.AgentMaxSteps <= 0 {
		c.AgentMaxSteps = 10
	}
	if c.LearnedPriority <= 0 {
		c.LearnedPriority = 10
	}
	if c.Currency == "" {
		c.Currency = "USD"
	}
}
