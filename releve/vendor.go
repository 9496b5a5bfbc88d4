package releve

import "strings"

var vendorAliases = map[string]string{
	"wallmart":              "walmart",
	"harborfreighttools":    "harborfreight",
	"northerntoolequipment": "northerntool",
}

// Suffix words dropped from the tail of a vendor name. TLD labels,
// legal forms and storefront qualifiers all collapse so "Wal-Mart",
// "walmart.com" and "Walmart Supercenter" share one key.
var vendorSuffixes = map[string]bool{
	"com": true, "net": true, "org": true, "us": true, "ca": true, "uk": true,
	"inc": true, "llc": true, "ltd": true, "corp": true, "co": true, "company": true,
	"supercenter": true, "superstore": true, "marketplace": true,
	"store": true, "stores": true, "shop": true, "online": true,
}

// NormalizeVendor reduces a store name or URL to a canonical vendor
// key. The function is idempotent: feeding its output back returns the
// same key, so price-book rows never split on repeated normalization.
func NormalizeVendor(name string) string {
	v := strings.ToLower(strings.TrimSpace(name))
	if v == "" {
		return ""
	}

	// URL forms: drop scheme, path and leading www.
	if i := strings.Index(v, "://"); i >= 0 {
		v = v[i+3:]
	}
	if i := strings.IndexAny(v, "/?#"); i >= 0 {
		v = v[:i]
	}
	v = strings.TrimPrefix(v, "www.")

	// Punctuation splits into words: "wal-mart" and "walmart.com" both
	// tokenize cleanly.
	var b strings.Builder
	for _, r := range v {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	words := strings.Fields(b.String())
	if len(words) == 0 {
		return ""
	}
	if words[0] == "the" && len(words) > 1 {
		words = words[1:]
	}
	for len(words) > 1 && vendorSuffixes[words[len(words)-1]] {
		words = words[:len(words)-1]
	}

	key := strings.Join(words, "")
	if alias, ok := vendorAliases[key]; ok {
		return alias
	}
	return key
}
