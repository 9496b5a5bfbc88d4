package distill

import (
	"regexp"
	"strings"
)

// Group collects every finding that resolves to the same product. Primary is
// the member with the lowest validated price; the rest are alternatives.
type Group struct {
	Key     string
	Primary Finding
	Others  []Finding
}

// add folds one finding into the group and returns the result. The receiver
// is left untouched. A finding without a price never displaces a priced
// primary, and on equal prices the earlier member wins.
func (g Group) add(f Finding) Group {
	if betterPrimary(f, g.Primary) {
		g.Others = append(append([]Finding(nil), g.Others...), g.Primary)
		g.Primary = f
		return g
	}
	g.Others = append(append([]Finding(nil), g.Others...), f)
	return g
}

func betterPrimary(f, cur Finding) bool {
	if f.Price == nil {
		return false
	}
	return cur.Price == nil || *f.Price < *cur.Price
}

// ProductCode returns the first product code any member carries. Retailers
// rarely all list the code, so one sighting is kept for the whole group.
func (g Group) ProductCode() string {
	if g.Primary.ProductCode != "" {
		return g.Primary.ProductCode
	}
	for _, f := range g.Others {
		if f.ProductCode != "" {
			return f.ProductCode
		}
	}
	return ""
}

// GroupFindings folds findings into product groups keyed by retailer plus
// normalized title, so the same listing surfacing several times at one store
// (pack sizes, seller variants, duplicate search hits) collapses into one
// entry while distinct stores never merge. Group order follows the first
// appearance of each key, so output is deterministic for a given input
// order. Findings with neither title nor retailer are dropped.
func GroupFindings(findings []Finding) []Group {
	byKey := make(map[string]Group)
	var order []string
	for _, f := range findings {
		key := groupKey(f)
		if key == "" {
			continue
		}
		g, ok := byKey[key]
		if !ok {
			order = append(order, key)
			byKey[key] = Group{Key: key, Primary: f}
			continue
		}
		byKey[key] = g.add(f)
	}

	groups := make([]Group, 0, len(order))
	for _, key := range order {
		groups = append(groups, byKey[key])
	}
	return groups
}

// groupKey scopes the title key to the retailer. Empty only when the
// finding carries neither.
func groupKey(f Finding) string {
	title := TitleKey(f.Title)
	retailer := strings.ToLower(strings.TrimSpace(f.Retailer))
	if title == "" && retailer == "" {
		return ""
	}
	return retailer + "|" + title
}

var (
	// domainTailRe strips " - walmart.com" style suffixes retailers append
	// to listing titles.
	domainTailRe = regexp.MustCompile(`\s*[|–-]\s*(?:[a-z0-9-]+\.)+(?:com|net|org|co|us|ca)\s*$`)
	// packSuffixRe strips pack-size decorations like "2-pack" or "24 ct".
	packSuffixRe = regexp.MustCompile(`\b\d+\s*-?\s*(?:pack|pk|count|ct|piece|pc)s?\b`)
	nonAlnumRe   = regexp.MustCompile(`[^a-z0-9]+`)

	fillerWords = map[string]bool{
		"new":       true,
		"premium":   true,
		"deluxe":    true,
		"genuine":   true,
		"official":  true,
		"original":  true,
		"authentic": true,
	}
)

// TitleKey reduces a product title to a grouping key: lowercase, retailer
// tails and pack-size suffixes stripped, filler words dropped, punctuation
// collapsed. Titles that differ only in listing decoration map to the same
// key.
func TitleKey(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	if s == "" {
		return ""
	}
	s = domainTailRe.ReplaceAllString(s, "")
	s = packSuffixRe.ReplaceAllString(s, " ")
	s = nonAlnumRe.ReplaceAllString(s, " ")

	words := strings.Fields(s)
	kept := make([]string, 0, len(words))
	for _, w := range words {
		if fillerWords[w] {
			continue
		}
		kept = append(kept, w)
	}
	if len(kept) == 0 {
		// Title was nothing but filler; better an odd key than an empty one.
		return strings.Join(words, " ")
	}
	return strings.Join(kept, " ")
}
