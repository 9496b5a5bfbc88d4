// Package catalog holds the curated retailer seed set.
//
// Populate bulk-inserts the catalog into a fresh registry and is safe to
// re-run: stores already present (by domain) are left untouched, so learned
// stores and operator edits survive restarts.
package catalog

import (
	"context"

	"github.com/hazyhaar/prix/releve/internal/store"
)

// StoreDef describes one seed retailer.
type StoreDef struct {
	Name              string
	Domain            string
	SearchURLTemplate string
	ProductURLPattern string
	Category          string
	Priority          int
	Default           bool
	ScrapeHints       string
}

// stores is the seed set. Templates carry {query} plus optional location
// tokens; patterns match product URL paths for result attribution.
var stores = []StoreDef{
	{
		Name:              "Walmart",
		Domain:            "walmart.com",
		SearchURLTemplate: "https://www.walmart.com/search?q={query}",
		ProductURLPattern: `^/ip/`,
		Category:          "general",
		Priority:          90,
		Default:           true,
		ScrapeHints:       `{"render":true}`,
	},
	{
		Name:              "Home Depot",
		Domain:            "homedepot.com",
		SearchURLTemplate: "https://www.homedepot.com/s/{query}",
		ProductURLPattern: `^/p/`,
		Category:          "home_improvement",
		Priority:          85,
		Default:           true,
		ScrapeHints:       `{"render":true,"wait_ms":1200}`,
	},
	{
		Name:              "Lowe's",
		Domain:            "lowes.com",
		SearchURLTemplate: "https://www.lowes.com/search?searchTerm={query}",
		ProductURLPattern: `^/pd/`,
		Category:          "home_improvement",
		Priority:          80,
		Default:           true,
	},
	{
		Name:              "Amazon",
		Domain:            "amazon.com",
		SearchURLTemplate: "https://www.amazon.com/s?k={query}",
		ProductURLPattern: `/dp/[A-Z0-9]{10}`,
		Category:          "general",
		Priority:          78,
		Default:           true,
	},
	{
		Name:              "Target",
		Domain:            "target.com",
		SearchURLTemplate: "https://www.target.com/s?searchTerm={query}",
		ProductURLPattern: `^/p/`,
		Category:          "general",
		Priority:          75,
		Default:           true,
	},
	{
		Name:              "Ace Hardware",
		Domain:            "acehardware.com",
		SearchURLTemplate: "https://www.acehardware.com/search?query={query}&zipCode={zip}",
		ProductURLPattern: `/\d{5,}$`,
		Category:          "home_improvement",
		Priority:          70,
		Default:           true,
	},
	{
		Name:              "Menards",
		Domain:            "menards.com",
		SearchURLTemplate: "https://www.menards.com/main/search.html?search={query}",
		ProductURLPattern: `-p-\d+\.htm`,
		Category:          "home_improvement",
		Priority:          65,
		Default:           true,
	},
	{
		Name:              "Harbor Freight",
		Domain:            "harborfreight.com",
		SearchURLTemplate: "https://www.harborfreight.com/search?q={query}",
		ProductURLPattern: `-\d+\.html$`,
		Category:          "tools",
		Priority:          60,
		Default:           true,
	},
	{
		Name:              "Best Buy",
		Domain:            "bestbuy.com",
		SearchURLTemplate: "https://www.bestbuy.com/site/searchpage.jsp?st={query}",
		ProductURLPattern: `\.p$`,
		Category:          "electronics",
		Priority:          55,
		Default:           true,
	},
	// Not defaults: specialty vendors users opt into.
	{
		Name:              "Grainger",
		Domain:            "grainger.com",
		SearchURLTemplate: "https://www.grainger.com/search?searchQuery={query}",
		ProductURLPattern: `^/product/`,
		Category:          "industrial",
		Priority:          40,
	},
	{
		Name:              "Northern Tool",
		Domain:            "northerntool.com",
		SearchURLTemplate: "https://www.northerntool.com/search?Ntt={query}",
		ProductURLPattern: `^/shop/tools/product`,
		Category:          "tools",
		Priority:          35,
	},
	{
		Name:              "Zoro",
		Domain:            "zoro.com",
		SearchURLTemplate: "https://www.zoro.com/search?q={query}",
		ProductURLPattern: `^/i/G\d+`,
		Category:          "industrial",
		Priority:          30,
	},
	{
		Name:              "Tractor Supply",
		Domain:            "tractorsupply.com",
		SearchURLTemplate: "https://www.tractorsupply.com/tsc/search/{query}",
		ProductURLPattern: `^/tsc/product/`,
		Category:          "farm_supply",
		Priority:          25,
	},
}

// Stores returns a copy of the seed definitions.
func Stores() []StoreDef {
	out := make([]StoreDef, len(stores))
	copy(out, stores)
	return out
}

// Populate inserts missing catalog stores into the registry. Returns the
// number inserted. Existing domains are skipped, insert races included.
func Populate(ctx context.Context, reg *store.Registry) (int, error) {
	var count int
	for _, def := range stores {
		existing, err := reg.GetStoreByDomain(ctx, def.Domain)
		if err != nil {
			return count, err
		}
		if existing != nil {
			continue
		}

		hints := def.ScrapeHints
		if hints == "" {
			hints = "{}"
		}
		st := &store.Store{
			Name:              def.Name,
			Domain:            def.Domain,
			SearchURLTemplate: def.SearchURLTemplate,
			ProductURLPattern: def.ProductURLPattern,
			IsDefault:         def.Default,
			IsActive:          true,
			Category:          def.Category,
			Priority:          def.Priority,
			ScrapeHints:       hints,
		}
		if err := reg.InsertStore(ctx, st); err != nil {
			if store.IsDuplicate(err) {
				continue
			}
			return count, err
		}
		count++
	}
	return count, nil
}
