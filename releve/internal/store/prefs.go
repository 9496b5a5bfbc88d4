package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/prix/dbopen"
)

// UpsertPreference creates or rewrites one user×store overlay row.
func (r *Registry) UpsertPreference(ctx context.Context, p *Preference) error {
	now := time.Now().UnixMilli()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO store_prefs (user_id, store_id, enabled, favorite, priority_override, location_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, store_id) DO UPDATE SET
			enabled = excluded.enabled,
			favorite = excluded.favorite,
			priority_override = excluded.priority_override,
			location_id = excluded.location_id,
			updated_at = excluded.updated_at`,
		p.UserID, p.StoreID, p.Enabled, p.Favorite, nullableInt(p.PriorityOverride), p.LocationID,
		p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// GetPreference retrieves one overlay row. Returns nil, nil when absent.
func (r *Registry) GetPreference(ctx context.Context, userID, storeID string) (*Preference, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT user_id, store_id, enabled, favorite, priority_override, location_id, created_at, updated_at
		FROM store_prefs WHERE user_id = ? AND store_id = ?`, userID, storeID)

	p, err := scanPreference(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// ResetPreferences drops all of a user's overlay rows, returning them to the
// registry defaults. The count of removed rows is returned.
func (r *Registry) ResetPreferences(ctx context.Context, userID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM store_prefs WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("reset prefs: %w", err)
	}
	return res.RowsAffected()
}

// SetPriorities records an explicit store ordering for a user: the first
// store gets the highest priority override. Stores without an overlay row
// get one (enabled). Runs in a single transaction.
func (r *Registry) SetPriorities(ctx context.Context, userID string, storeIDs []string) error {
	now := time.Now().UnixMilli()
	return dbopen.RunTx(ctx, r.DB, func(tx *sql.Tx) error {
		for i, storeID := range storeIDs {
			override := len(storeIDs) - i
			_, err := tx.ExecContext(ctx,
				`INSERT INTO store_prefs (user_id, store_id, enabled, favorite, priority_override, location_id, created_at, updated_at)
				VALUES (?, ?, 1, 0, ?, '', ?, ?)
				ON CONFLICT(user_id, store_id) DO UPDATE SET
					priority_override = excluded.priority_override,
					updated_at = excluded.updated_at`,
				userID, storeID, override, now, now,
			)
			if err != nil {
				return fmt.Errorf("set priority %s: %w", storeID, err)
			}
		}
		return nil
	})
}

// ListStoresForUser returns all active stores with the user's overlay
// applied: favorites first, then effective priority, then name.
func (r *Registry) ListStoresForUser(ctx context.Context, userID string) ([]*StoreView, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+prefixedStoreColumns+`,
			p.enabled, p.favorite, p.priority_override, p.location_id,
			COALESCE(p.priority_override, s.priority) AS effective
		FROM stores s
		LEFT JOIN store_prefs p ON p.store_id = s.id AND p.user_id = ?
		WHERE s.is_active = 1
		ORDER BY COALESCE(p.favorite, 0) DESC, effective DESC, s.name ASC`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var views []*StoreView
	for rows.Next() {
		v, err := scanStoreView(rows)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

const prefixedStoreColumns = `s.id, s.name, s.domain, s.slug, s.search_url_template, s.product_url_pattern,
	s.is_default, s.is_local, s.is_active, s.category, s.priority, s.scrape_hints, s.created_at, s.updated_at`

func scanPreference(row *sql.Row) (*Preference, error) {
	var p Preference
	var enabled, favorite int
	var override sql.NullInt64
	err := row.Scan(&p.UserID, &p.StoreID, &enabled, &favorite, &override, &p.LocationID,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Enabled = enabled != 0
	p.Favorite = favorite != 0
	if override.Valid {
		v := int(override.Int64)
		p.PriorityOverride = &v
	}
	return &p, nil
}

func scanStoreView(rows *sql.Rows) (*StoreView, error) {
	var v StoreView
	var isDefault, isLocal, isActive int
	var enabled, favorite sql.NullInt64
	var override sql.NullInt64
	var locationID sql.NullString
	err := rows.Scan(
		&v.ID, &v.Name, &v.Domain, &v.Slug, &v.SearchURLTemplate, &v.ProductURLPattern,
		&isDefault, &isLocal, &isActive, &v.Category, &v.Priority, &v.ScrapeHints,
		&v.CreatedAt, &v.UpdatedAt,
		&enabled, &favorite, &override, &locationID, &v.EffectivePriority,
	)
	if err != nil {
		return nil, fmt.Errorf("scan store view: %w", err)
	}
	v.IsDefault = isDefault != 0
	v.IsLocal = isLocal != 0
	v.IsActive = isActive != 0
	v.HasPreference = enabled.Valid
	if enabled.Valid {
		v.Enabled = enabled.Int64 != 0
	} else {
		// No overlay row: defaults are on, everything else is off.
		v.Enabled = v.IsDefault
	}
	v.Favorite = favorite.Valid && favorite.Int64 != 0
	if override.Valid {
		o := int(override.Int64)
		v.PriorityOverride = &o
	}
	if locationID.Valid {
		v.LocationID = locationID.String
	}
	return &v, nil
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
