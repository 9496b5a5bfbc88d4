package releve

import (
	"context"

	"github.com/hazyhaar/prix/releve/internal/store"
)

// persistPrices records each priced entry of a result in the price
// book. Individual failures are logged and skipped; the result itself
// is already final by the time prices land.
func (s *Service) persistPrices(ctx context.Context, itemID string, result *DiscoveryResult) int {
	recorded := 0
	for _, e := range result.Entries {
		if e.Price == nil || e.StoreName == "" {
			continue
		}
		inStock := true
		if e.InStock != nil {
			inStock = *e.InStock
		}
		obs := store.Observation{
			ItemID:     itemID,
			VendorKey:  NormalizeVendor(e.StoreName),
			VendorName: e.StoreName,
			Price:      *e.Price,
			Currency:   e.Currency,
			InStock:    inStock,
			ProductURL: e.ProductURL,
			Source:     result.Source,
		}
		if err := s.registry.RecordPrice(ctx, obs); err != nil {
			s.log.Warn("record price failed", "item_id", itemID, "vendor", obs.VendorKey, "error", err)
			continue
		}
		recorded++
	}
	return recorded
}

// BestPrice returns the lowest current vendor price for an item, or
// nil when nothing is recorded.
func (s *Service) BestPrice(ctx context.Context, itemID string) (*store.VendorPrice, error) {
	return s.registry.BestPrice(ctx, itemID)
}

// VendorPrices returns every vendor's current price record for an
// item, cheapest first. Never nil.
func (s *Service) VendorPrices(ctx context.Context, itemID string) ([]*store.VendorPrice, error) {
	prices, err := s.registry.VendorPrices(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if prices == nil {
		prices = []*store.VendorPrice{}
	}
	return prices, nil
}

// PriceHistory returns an item's append-only price trail, newest
// first. An empty vendorKey spans all vendors. Never nil.
func (s *Service) PriceHistory(ctx context.Context, itemID, vendorKey string, limit int) ([]*store.HistoryEntry, error) {
	entries, err := s.registry.History(ctx, itemID, vendorKey, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*store.HistoryEntry{}
	}
	return entries, nil
}
