package store

import (
	"context"
	"fmt"
)

// CandidateOptions tune candidate selection. Zero values take defaults.
type CandidateOptions struct {
	ShopLocal     bool
	MaxCandidates int // hard cap on the list, default 10
	LocalMin      int // local stores required before local-first kicks in, default 3
	NationalExtra int // national stores appended in local-first mode, default 2
}

func (o CandidateOptions) defaults() CandidateOptions {
	if o.MaxCandidates <= 0 {
		o.MaxCandidates = 10
	}
	if o.LocalMin <= 0 {
		o.LocalMin = 3
	}
	if o.NationalExtra <= 0 {
		o.NationalExtra = 2
	}
	return o
}

// Candidates resolves the stores to query for a user's templated search.
// Users with enabled preferences get those stores; everyone else gets the
// registry defaults minus anything they explicitly disabled. Only active
// stores with a search template qualify. With ShopLocal and enough local
// candidates, local stores come first with a couple of national ones kept
// for comparison.
func (r *Registry) Candidates(ctx context.Context, userID string, opts CandidateOptions) ([]*Candidate, error) {
	opts = opts.defaults()

	cands, err := r.preferredCandidates(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		cands, err = r.defaultCandidates(ctx, userID)
		if err != nil {
			return nil, err
		}
	}

	if opts.ShopLocal {
		cands = localFirst(cands, opts.LocalMin, opts.NationalExtra)
	}
	if len(cands) > opts.MaxCandidates {
		cands = cands[:opts.MaxCandidates]
	}
	return cands, nil
}

func (r *Registry) preferredCandidates(ctx context.Context, userID string) ([]*Candidate, error) {
	return r.listCandidates(ctx, `
		SELECT `+prefixedStoreColumns+`,
			p.favorite, p.location_id,
			COALESCE(p.priority_override, s.priority) AS effective
		FROM stores s
		JOIN store_prefs p ON p.store_id = s.id
		WHERE p.user_id = ? AND p.enabled = 1
			AND s.is_active = 1 AND s.search_url_template != ''
		ORDER BY p.favorite DESC, effective DESC, s.name ASC`,
		userID)
}

func (r *Registry) defaultCandidates(ctx context.Context, userID string) ([]*Candidate, error) {
	// Defaults still honor an explicit disable.
	return r.listCandidates(ctx, `
		SELECT `+prefixedStoreColumns+`,
			0, '', s.priority AS effective
		FROM stores s
		WHERE s.is_default = 1 AND s.is_active = 1 AND s.search_url_template != ''
			AND NOT EXISTS (
				SELECT 1 FROM store_prefs p
				WHERE p.store_id = s.id AND p.user_id = ? AND p.enabled = 0
			)
		ORDER BY effective DESC, s.name ASC`,
		userID)
}

func (r *Registry) listCandidates(ctx context.Context, q string, args ...any) ([]*Candidate, error) {
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cands []*Candidate
	for rows.Next() {
		var c Candidate
		var isDefault, isLocal, isActive, favorite int
		err := rows.Scan(
			&c.ID, &c.Name, &c.Domain, &c.Slug, &c.SearchURLTemplate, &c.ProductURLPattern,
			&isDefault, &isLocal, &isActive, &c.Category, &c.Priority, &c.ScrapeHints,
			&c.CreatedAt, &c.UpdatedAt,
			&favorite, &c.LocationID, &c.EffectivePriority,
		)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		c.IsDefault = isDefault != 0
		c.IsLocal = isLocal != 0
		c.IsActive = isActive != 0
		c.Favorite = favorite != 0
		cands = append(cands, &c)
	}
	return cands, rows.Err()
}

// localFirst reorders candidates local-first when at least localMin local
// stores are present, appending up to nationalExtra national stores for
// price comparison. Below the threshold the order is left alone: a "shop
// local" request with one local store should not collapse the search.
func localFirst(cands []*Candidate, localMin, nationalExtra int) []*Candidate {
	var locals, nationals []*Candidate
	for _, c := range cands {
		if c.IsLocal {
			locals = append(locals, c)
		} else {
			nationals = append(nationals, c)
		}
	}
	if len(locals) < localMin {
		return cands
	}
	if len(nationals) > nationalExtra {
		nationals = nationals[:nationalExtra]
	}
	return append(locals, nationals...)
}
