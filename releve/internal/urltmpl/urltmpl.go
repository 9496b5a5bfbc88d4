// Package urltmpl expands store search URL templates and attributes
// product URLs back to stores.
//
// Templates carry a {query} placeholder plus optional location tokens
// ({zip}, {lat}, {lng}, {store_id}) substituted from the caller's
// context. Attribution goes the other way: given a URL found in the
// wild, Match decides whether it belongs to a store, by product URL
// pattern when the store has one, by domain suffix otherwise.
package urltmpl

import (
	"net/url"
	"regexp"
	"strings"
	"sync"
)

// Context carries the optional per-request values substituted into
// location tokens. Empty fields collapse their tokens to nothing.
type Context struct {
	Zip     string
	Lat     string
	Lng     string
	StoreID string // retailer-specific branch id from the user's preference
}

// Generate expands template with the query and context tokens. All
// values are percent-encoded. ok is false when the template is empty,
// meaning the store is not configured for templated search.
func Generate(template, query string, tc Context) (string, bool) {
	template = strings.TrimSpace(template)
	if template == "" {
		return "", false
	}
	r := strings.NewReplacer(
		"{query}", url.QueryEscape(query),
		"{zip}", url.QueryEscape(tc.Zip),
		"{lat}", url.QueryEscape(tc.Lat),
		"{lng}", url.QueryEscape(tc.Lng),
		"{store_id}", url.QueryEscape(tc.StoreID),
	)
	return r.Replace(template), true
}

// Match reports whether rawURL belongs to the store described by
// pattern and domain. A non-empty pattern is a regex applied to the
// URL path; without one (or when it does not compile) the URL host
// must equal the domain or be a subdomain of it.
func Match(pattern, domain, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	if pattern != "" {
		if re := compile(pattern); re != nil {
			return re.MatchString(u.Path)
		}
	}

	host := strings.ToLower(u.Hostname())
	domain = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
	if host == "" || domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// Host returns the lowercased host of rawURL, without any www prefix.
// Empty when the URL does not parse.
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// compiled patterns are cached for the life of the process. Stores are
// few and their patterns rarely change.
var cache sync.Map // pattern string → cacheEntry

type cacheEntry struct {
	re *regexp.Regexp // nil when the pattern does not compile
}

func compile(pattern string) *regexp.Regexp {
	if v, ok := cache.Load(pattern); ok {
		return v.(cacheEntry).re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		re = nil
	}
	cache.Store(pattern, cacheEntry{re: re})
	return re
}
