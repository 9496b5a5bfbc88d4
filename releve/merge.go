package releve

import (
	"sort"
	"strings"
)

// Merge combines tier results into a fresh DiscoveryResult without
// touching its inputs. Entries are deduplicated by store name with the
// earliest tier winning, then sorted by ascending price with unpriced
// entries last. The output is deterministic for a given input order.
//
// A single non-nil input keeps its own source tag; combining more than
// one produces SourceMerged.
func Merge(results ...*DiscoveryResult) *DiscoveryResult {
	merged := &DiscoveryResult{Source: SourceMerged}

	seen := make(map[string]bool)
	live := 0
	for _, r := range results {
		if r == nil {
			continue
		}
		live++
		if merged.Query == "" {
			merged.Query = r.Query
		}
		if live == 1 {
			merged.Source = r.Source
		} else {
			merged.Source = SourceMerged
		}
		for _, e := range r.Entries {
			key := storeKey(e.StoreName)
			if key != "" && seen[key] {
				continue
			}
			if key != "" {
				seen[key] = true
			}
			merged.Entries = append(merged.Entries, e)
		}
	}

	sort.SliceStable(merged.Entries, func(i, j int) bool {
		a, b := merged.Entries[i], merged.Entries[j]
		switch {
		case a.Price == nil && b.Price == nil:
			return storeKey(a.StoreName) < storeKey(b.StoreName)
		case a.Price == nil:
			return false
		case b.Price == nil:
			return true
		case *a.Price != *b.Price:
			return *a.Price < *b.Price
		default:
			return storeKey(a.StoreName) < storeKey(b.StoreName)
		}
	})
	return merged
}

// storeKey is the dedup key for merge: case-insensitive, surrounding
// whitespace ignored. Nameless entries never dedup against each other.
func storeKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
