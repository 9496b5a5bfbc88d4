package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertStore adds a store to the registry. ID, slug, and timestamps fill in
// when empty. The domain must be unique; see IsDuplicate.
func (r *Registry) InsertStore(ctx context.Context, st *Store) error {
	now := time.Now().UnixMilli()
	if st.ID == "" {
		st.ID = r.newID()
	}
	if st.Slug == "" {
		st.Slug = Slugify(st.Name)
	}
	if st.ScrapeHints == "" {
		st.ScrapeHints = "{}"
	}
	if st.CreatedAt == 0 {
		st.CreatedAt = now
	}
	if st.UpdatedAt == 0 {
		st.UpdatedAt = now
	}

	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO stores (id, name, domain, slug, search_url_template, product_url_pattern,
		is_default, is_local, is_active, category, priority, scrape_hints, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.Name, st.Domain, st.Slug, st.SearchURLTemplate, st.ProductURLPattern,
		st.IsDefault, st.IsLocal, st.IsActive, st.Category, st.Priority, st.ScrapeHints,
		st.CreatedAt, st.UpdatedAt,
	)
	return err
}

// GetStore retrieves a store by ID. Returns nil, nil when absent.
func (r *Registry) GetStore(ctx context.Context, id string) (*Store, error) {
	row := r.DB.QueryRowContext(ctx, selectStore+` WHERE id = ?`, id)
	return scanStore(row)
}

// GetStoreByDomain retrieves a store by its canonical domain. Returns
// nil, nil when absent.
func (r *Registry) GetStoreByDomain(ctx context.Context, domain string) (*Store, error) {
	row := r.DB.QueryRowContext(ctx, selectStore+` WHERE domain = ?`, domain)
	return scanStore(row)
}

// ListStores returns the whole registry, preferred stores first.
func (r *Registry) ListStores(ctx context.Context) ([]*Store, error) {
	return r.listStores(ctx, selectStore+` ORDER BY priority DESC, name ASC`)
}

// ListDefaults returns the active default stores, preferred first.
func (r *Registry) ListDefaults(ctx context.Context) ([]*Store, error) {
	return r.listStores(ctx,
		selectStore+` WHERE is_default = 1 AND is_active = 1 ORDER BY priority DESC, name ASC`)
}

// UpdateStore rewrites a store row and bumps its updated_at.
func (r *Registry) UpdateStore(ctx context.Context, st *Store) error {
	st.UpdatedAt = time.Now().UnixMilli()
	_, err := r.DB.ExecContext(ctx,
		`UPDATE stores SET name=?, domain=?, slug=?, search_url_template=?, product_url_pattern=?,
		is_default=?, is_local=?, is_active=?, category=?, priority=?, scrape_hints=?, updated_at=?
		WHERE id=?`,
		st.Name, st.Domain, st.Slug, st.SearchURLTemplate, st.ProductURLPattern,
		st.IsDefault, st.IsLocal, st.IsActive, st.Category, st.Priority, st.ScrapeHints,
		st.UpdatedAt, st.ID,
	)
	return err
}

func (r *Registry) listStores(ctx context.Context, q string, args ...any) ([]*Store, error) {
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stores []*Store
	for rows.Next() {
		st, err := scanStoreRows(rows)
		if err != nil {
			return nil, err
		}
		stores = append(stores, st)
	}
	return stores, rows.Err()
}

const storeColumns = `id, name, domain, slug, search_url_template, product_url_pattern,
	is_default, is_local, is_active, category, priority, scrape_hints, created_at, updated_at`

const selectStore = `SELECT ` + storeColumns + ` FROM stores`

func scanStore(row *sql.Row) (*Store, error) {
	var st Store
	var isDefault, isLocal, isActive int
	err := row.Scan(
		&st.ID, &st.Name, &st.Domain, &st.Slug, &st.SearchURLTemplate, &st.ProductURLPattern,
		&isDefault, &isLocal, &isActive, &st.Category, &st.Priority, &st.ScrapeHints,
		&st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan store: %w", err)
	}
	st.IsDefault = isDefault != 0
	st.IsLocal = isLocal != 0
	st.IsActive = isActive != 0
	return &st, nil
}

func scanStoreRows(rows *sql.Rows) (*Store, error) {
	var st Store
	var isDefault, isLocal, isActive int
	err := rows.Scan(
		&st.ID, &st.Name, &st.Domain, &st.Slug, &st.SearchURLTemplate, &st.ProductURLPattern,
		&isDefault, &isLocal, &isActive, &st.Category, &st.Priority, &st.ScrapeHints,
		&st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan store: %w", err)
	}
	st.IsDefault = isDefault != 0
	st.IsLocal = isLocal != 0
	st.IsActive = isActive != 0
	return &st, nil
}
