package releve

import (
	"context"
	"fmt"
	"strings"

	"github.com/hazyhaar/prix/releve/internal/store"
	"github.com/hazyhaar/prix/safeurl"
)

// Priority for stores users add by hand: above learned stores, below
// the curated defaults.
const customStorePriority = 50

// ListStores returns every registered store with the user's overlay
// applied. Never nil: surfaces serialize the result as a JSON array.
func (s *Service) ListStores(ctx context.Context, userID string) ([]*store.StoreView, error) {
	views, err := s.registry.ListStoresForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if views == nil {
		views = []*store.StoreView{}
	}
	return views, nil
}

// AddStoreInput describes a user-added store.
type AddStoreInput struct {
	Domain            string `json:"domain"`
	Name              string `json:"name,omitempty"`
	SearchURLTemplate string `json:"search_url_template,omitempty"`
	IsLocal           bool   `json:"is_local,omitempty"`
}

// AddStoreByDomain registers a custom store and enables it for the
// user. A domain that is already registered is enabled for the user
// instead of duplicated, whether it was there all along or won an
// insert race.
func (s *Service) AddStoreByDomain(ctx context.Context, userID string, in AddStoreInput) (*store.Store, error) {
	domain, err := safeurl.CanonicalDomain(in.Domain)
	if err != nil {
		return nil, err
	}
	if err := safeurl.ValidateDomain(domain); err != nil {
		return nil, err
	}

	existing, err := s.registry.GetStoreByDomain(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("lookup store: %w", err)
	}
	if existing != nil {
		if err := s.enableStore(ctx, userID, existing.ID, true); err != nil {
			return nil, err
		}
		return existing, nil
	}

	tmpl := strings.TrimSpace(in.SearchURLTemplate)
	if tmpl != "" && !strings.Contains(tmpl, "{query}") {
		return nil, fmt.Errorf("releve: search template must contain {query}")
	}

	st := &store.Store{
		Name:              displayName(in.Name, domain),
		Domain:            domain,
		SearchURLTemplate: tmpl,
		IsLocal:           in.IsLocal,
		IsActive:          true,
		Category:          "custom",
		Priority:          customStorePriority,
	}
	if err := s.registry.InsertStore(ctx, st); err != nil {
		if store.IsDuplicate(err) {
			winner, gerr := s.registry.GetStoreByDomain(ctx, domain)
			if gerr == nil && winner != nil {
				if err := s.enableStore(ctx, userID, winner.ID, true); err != nil {
					return nil, err
				}
				return winner, nil
			}
		}
		return nil, fmt.Errorf("create store: %w", err)
	}
	if err := s.enableStore(ctx, userID, st.ID, true); err != nil {
		return nil, err
	}
	return st, nil
}

// enableStore flips the user's preference to enabled, preserving any
// other overlay fields already set. User-added stores also become
// favorites so they rank ahead of the defaults.
func (s *Service) enableStore(ctx context.Context, userID, storeID string, favorite bool) error {
	p, err := s.registry.GetPreference(ctx, userID, storeID)
	if err != nil {
		return fmt.Errorf("load preference: %w", err)
	}
	if p == nil {
		p = &store.Preference{UserID: userID, StoreID: storeID}
	}
	p.Enabled = true
	if favorite {
		p.Favorite = true
	}
	if err := s.registry.UpsertPreference(ctx, p); err != nil {
		return fmt.Errorf("save preference: %w", err)
	}
	return nil
}

// PreferencePatch updates individual overlay fields; nil pointers leave
// a field alone. ClearPriorityOverride wins over PriorityOverride when
// both are set.
type PreferencePatch struct {
	Enabled               *bool   `json:"enabled,omitempty"`
	Favorite              *bool   `json:"favorite,omitempty"`
	PriorityOverride      *int    `json:"priority_override,omitempty"`
	ClearPriorityOverride bool    `json:"clear_priority_override,omitempty"`
	LocationID            *string `json:"location_id,omitempty"`
}

// UpdatePreference applies a patch to the user's overlay for one store.
// The store itself is never modified.
func (s *Service) UpdatePreference(ctx context.Context, userID, storeID string, patch PreferencePatch) (*store.Preference, error) {
	st, err := s.registry.GetStore(ctx, storeID)
	if err != nil {
		return nil, fmt.Errorf("lookup store: %w", err)
	}
	if st == nil {
		return nil, ErrStoreNotFound
	}

	p, err := s.registry.GetPreference(ctx, userID, storeID)
	if err != nil {
		return nil, fmt.Errorf("load preference: %w", err)
	}
	if p == nil {
		// First touch starts from the effective default so patching one
		// field does not silently disable a default store.
		p = &store.Preference{UserID: userID, StoreID: storeID, Enabled: st.IsDefault}
	}

	if patch.Enabled != nil {
		p.Enabled = *patch.Enabled
	}
	if patch.Favorite != nil {
		p.Favorite = *patch.Favorite
	}
	if patch.ClearPriorityOverride {
		p.PriorityOverride = nil
	} else if patch.PriorityOverride != nil {
		v := *patch.PriorityOverride
		p.PriorityOverride = &v
	}
	if patch.LocationID != nil {
		p.LocationID = *patch.LocationID
	}

	if err := s.registry.UpsertPreference(ctx, p); err != nil {
		return nil, fmt.Errorf("save preference: %w", err)
	}
	return p, nil
}

// ResetPreferences drops every preference the user has, returning them
// to registry defaults. Reports how many rows went away.
func (s *Service) ResetPreferences(ctx context.Context, userID string) (int64, error) {
	return s.registry.ResetPreferences(ctx, userID)
}

// ReorderStores rewrites the user's priority overrides to match the
// given order, first id ranked highest. Unknown ids fail the whole
// call before anything is written.
func (s *Service) ReorderStores(ctx context.Context, userID string, storeIDs []string) error {
	if len(storeIDs) == 0 {
		return nil
	}
	for _, id := range storeIDs {
		st, err := s.registry.GetStore(ctx, id)
		if err != nil {
			return fmt.Errorf("lookup store: %w", err)
		}
		if st == nil {
			return fmt.Errorf("%w: %s", ErrStoreNotFound, id)
		}
	}
	return s.registry.SetPriorities(ctx, userID, storeIDs)
}
