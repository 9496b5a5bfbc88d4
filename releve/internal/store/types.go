package store

// Store is one retail store in the registry.
type Store struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Domain            string `json:"domain"`
	Slug              string `json:"slug"`
	SearchURLTemplate string `json:"search_url_template"` // empty = not searchable by template
	ProductURLPattern string `json:"product_url_pattern"` // regex on URL path
	IsDefault         bool   `json:"is_default"`
	IsLocal           bool   `json:"is_local"`
	IsActive          bool   `json:"is_active"`
	Category          string `json:"category"`
	Priority          int    `json:"priority"` // higher = preferred
	ScrapeHints       string `json:"scrape_hints"`
	CreatedAt         int64  `json:"created_at"`
	UpdatedAt         int64  `json:"updated_at"`
}

// Preference is one user's overlay on one store.
type Preference struct {
	UserID           string `json:"user_id"`
	StoreID          string `json:"store_id"`
	Enabled          bool   `json:"enabled"`
	Favorite         bool   `json:"favorite"`
	PriorityOverride *int   `json:"priority_override,omitempty"`
	LocationID       string `json:"location_id"` // retailer branch id for {store_id}
	CreatedAt        int64  `json:"created_at"`
	UpdatedAt        int64  `json:"updated_at"`
}

// StoreView is a store merged with the requesting user's overlay. Without a
// preference row, Enabled mirrors IsDefault.
type StoreView struct {
	Store
	Enabled           bool   `json:"enabled"`
	Favorite          bool   `json:"favorite"`
	PriorityOverride  *int   `json:"priority_override,omitempty"`
	LocationID        string `json:"location_id,omitempty"`
	EffectivePriority int    `json:"effective_priority"`
	HasPreference     bool   `json:"has_preference"`
}

// Candidate is a store selected for a Tier-1 templated search.
type Candidate struct {
	Store
	Favorite          bool
	LocationID        string
	EffectivePriority int
}

// VendorPrice is the current price position of an item at one vendor.
// lowest_price <= current_price <= highest_price always holds.
type VendorPrice struct {
	ItemID        string   `json:"item_id"`
	VendorKey     string   `json:"vendor_key"`
	VendorName    string   `json:"vendor_name"`
	CurrentPrice  float64  `json:"current_price"`
	PreviousPrice *float64 `json:"previous_price,omitempty"`
	LowestPrice   float64  `json:"lowest_price"`
	HighestPrice  float64  `json:"highest_price"`
	Currency      string   `json:"currency"`
	InStock       bool     `json:"in_stock"`
	ProductURL    string   `json:"product_url"`
	Source        string   `json:"source"` // discovery tier that produced it
	CheckedAt     int64    `json:"checked_at"`
}

// Observation is one price sighting to record.
type Observation struct {
	ItemID     string
	VendorKey  string
	VendorName string
	Price      float64
	Currency   string
	InStock    bool
	ProductURL string
	Source     string
}

// HistoryEntry is one append-only price history row.
type HistoryEntry struct {
	ID         int64   `json:"id"`
	ItemID     string  `json:"item_id"`
	VendorKey  string  `json:"vendor_key"`
	Price      float64 `json:"price"`
	InStock    bool    `json:"in_stock"`
	Source     string  `json:"source"`
	CapturedAt int64   `json:"captured_at"`
}
