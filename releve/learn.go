package releve

import (
	"context"
	"log/slog"
	"strings"

	"github.com/hazyhaar/prix/releve/internal/store"
	"github.com/hazyhaar/prix/releve/internal/urltmpl"
	"github.com/hazyhaar/prix/safeurl"
)

// learnStores registers stores seen in tier-2 and tier-3 results whose
// domain the registry does not know yet, and enables them for the user
// who found them. Learning is best effort: every failure, including a
// lost insert race, is logged and swallowed so discovery output never
// depends on it.
func (s *Service) learnStores(ctx context.Context, userID string, entries []PriceEntry, log *slog.Logger) {
	for _, e := range entries {
		domain := urltmpl.Host(e.ProductURL)
		if domain == "" {
			continue
		}
		if err := safeurl.ValidateDomain(domain); err != nil {
			continue
		}

		existing, err := s.registry.GetStoreByDomain(ctx, domain)
		if err != nil {
			log.Debug("store learn lookup failed", "domain", domain, "error", err)
			continue
		}
		if existing != nil {
			continue
		}

		st := &store.Store{
			Name:     displayName(e.StoreName, domain),
			Domain:   domain,
			IsActive: true,
			Category: "learned",
			Priority: s.cfg.LearnedPriority,
		}
		if err := s.registry.InsertStore(ctx, st); err != nil {
			if !store.IsDuplicate(err) {
				log.Debug("store learn insert failed", "domain", domain, "error", err)
			}
			continue
		}
		log.Info("learned store", "domain", domain, "name", st.Name)

		pref := &store.Preference{UserID: userID, StoreID: st.ID, Enabled: true}
		if err := s.registry.UpsertPreference(ctx, pref); err != nil {
			log.Debug("store learn preference failed", "domain", domain, "error", err)
		}
	}
}

// displayName prefers the given name and falls back to the domain's
// first label.
func displayName(name, domain string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	if i := strings.IndexByte(domain, '.'); i > 0 {
		return domain[:i]
	}
	return domain
}
