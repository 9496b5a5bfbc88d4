package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/prix/dbopen"
)

// RecordPrice is the single write path for the price book. In one
// transaction it moves current to previous, widens the lowest/highest
// bounds, and appends a history row. The bounds only ever widen, so
// lowest <= current <= highest holds after every call.
func (r *Registry) RecordPrice(ctx context.Context, obs Observation) error {
	if obs.ItemID == "" || obs.VendorKey == "" {
		return fmt.Errorf("record price: item and vendor required")
	}
	if obs.Price < 0 {
		return fmt.Errorf("record price: negative price %.2f", obs.Price)
	}
	if obs.Currency == "" {
		obs.Currency = "USD"
	}
	now := time.Now().UnixMilli()

	return dbopen.RunTx(ctx, r.DB, func(tx *sql.Tx) error {
		var current, lowest, highest float64
		err := tx.QueryRowContext(ctx,
			`SELECT current_price, lowest_price, highest_price
			FROM vendor_prices WHERE item_id = ? AND vendor_key = ?`,
			obs.ItemID, obs.VendorKey).Scan(&current, &lowest, &highest)

		switch {
		case err == sql.ErrNoRows:
			_, err = tx.ExecContext(ctx,
				`INSERT INTO vendor_prices (item_id, vendor_key, vendor_name, current_price,
				previous_price, lowest_price, highest_price, currency, in_stock, product_url, source, checked_at)
				VALUES (?, ?, ?, ?, NULL, ?, ?, ?, ?, ?, ?, ?)`,
				obs.ItemID, obs.VendorKey, obs.VendorName, obs.Price,
				obs.Price, obs.Price, obs.Currency, obs.InStock, obs.ProductURL, obs.Source, now,
			)
			if err != nil {
				return fmt.Errorf("insert vendor price: %w", err)
			}
		case err != nil:
			return fmt.Errorf("read vendor price: %w", err)
		default:
			if obs.Price < lowest {
				lowest = obs.Price
			}
			if obs.Price > highest {
				highest = obs.Price
			}
			_, err = tx.ExecContext(ctx,
				`UPDATE vendor_prices SET vendor_name = ?, previous_price = ?, current_price = ?,
				lowest_price = ?, highest_price = ?, currency = ?, in_stock = ?,
				product_url = ?, source = ?, checked_at = ?
				WHERE item_id = ? AND vendor_key = ?`,
				obs.VendorName, current, obs.Price,
				lowest, highest, obs.Currency, obs.InStock,
				obs.ProductURL, obs.Source, now,
				obs.ItemID, obs.VendorKey,
			)
			if err != nil {
				return fmt.Errorf("update vendor price: %w", err)
			}
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO price_history (item_id, vendor_key, price, in_stock, source, captured_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			obs.ItemID, obs.VendorKey, obs.Price, obs.InStock, obs.Source, now,
		)
		if err != nil {
			return fmt.Errorf("append history: %w", err)
		}
		return nil
	})
}

// BestPrice returns the vendor with the lowest current price for an item.
// Returns nil, nil when the item has no recorded prices.
func (r *Registry) BestPrice(ctx context.Context, itemID string) (*VendorPrice, error) {
	row := r.DB.QueryRowContext(ctx,
		selectVendorPrice+` WHERE item_id = ? ORDER BY current_price ASC, vendor_key ASC LIMIT 1`,
		itemID)
	return scanVendorPrice(row)
}

// VendorPrices returns all vendor positions for an item, cheapest first.
func (r *Registry) VendorPrices(ctx context.Context, itemID string) ([]*VendorPrice, error) {
	rows, err := r.DB.QueryContext(ctx,
		selectVendorPrice+` WHERE item_id = ? ORDER BY current_price ASC, vendor_key ASC`,
		itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prices []*VendorPrice
	for rows.Next() {
		vp, err := scanVendorPriceRows(rows)
		if err != nil {
			return nil, err
		}
		prices = append(prices, vp)
	}
	return prices, rows.Err()
}

// History returns recent price observations for an item, newest first.
// An empty vendorKey spans all vendors.
func (r *Registry) History(ctx context.Context, itemID, vendorKey string, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, item_id, vendor_key, price, in_stock, source, captured_at
		FROM price_history WHERE item_id = ?`
	args := []any{itemID}
	if vendorKey != "" {
		q += ` AND vendor_key = ?`
		args = append(args, vendorKey)
	}
	q += ` ORDER BY captured_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var inStock int
		if err := rows.Scan(&h.ID, &h.ItemID, &h.VendorKey, &h.Price, &inStock, &h.Source, &h.CapturedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		h.InStock = inStock != 0
		entries = append(entries, &h)
	}
	return entries, rows.Err()
}

const selectVendorPrice = `SELECT item_id, vendor_key, vendor_name, current_price, previous_price,
	lowest_price, highest_price, currency, in_stock, product_url, source, checked_at
	FROM vendor_prices`

func scanVendorPrice(row *sql.Row) (*VendorPrice, error) {
	var vp VendorPrice
	var previous sql.NullFloat64
	var inStock int
	err := row.Scan(&vp.ItemID, &vp.VendorKey, &vp.VendorName, &vp.CurrentPrice, &previous,
		&vp.LowestPrice, &vp.HighestPrice, &vp.Currency, &inStock, &vp.ProductURL, &vp.Source, &vp.CheckedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan vendor price: %w", err)
	}
	fillVendorPrice(&vp, previous, inStock)
	return &vp, nil
}

func scanVendorPriceRows(rows *sql.Rows) (*VendorPrice, error) {
	var vp VendorPrice
	var previous sql.NullFloat64
	var inStock int
	err := rows.Scan(&vp.ItemID, &vp.VendorKey, &vp.VendorName, &vp.CurrentPrice, &previous,
		&vp.LowestPrice, &vp.HighestPrice, &vp.Currency, &inStock, &vp.ProductURL, &vp.Source, &vp.CheckedAt)
	if err != nil {
		return nil, fmt.Errorf("scan vendor price: %w", err)
	}
	fillVendorPrice(&vp, previous, inStock)
	return &vp, nil
}

func fillVendorPrice(vp *VendorPrice, previous sql.NullFloat64, inStock int) {
	if previous.Valid {
		p := previous.Float64
		vp.PreviousPrice = &p
	}
	vp.InStock = inStock != 0
}
