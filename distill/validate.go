package distill

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Discrepancy records a model-claimed price that no token in the raw source
// text supported. The finding itself survives with a nulled price.
type Discrepancy struct {
	Retailer string  `json:"retailer"`
	Title    string  `json:"title"`
	Claimed  float64 `json:"claimed"`
	URL      string  `json:"url,omitempty"`
}

// priceTokenRe matches anything that plausibly denotes a price: a currency
// symbol followed by digits, a comma-grouped number, or a bare number with
// two decimals. A false positive only widens what validation accepts; it
// can never reject a real price.
var priceTokenRe = regexp.MustCompile(`[$€£]\s?\d+(?:,\d{3})*(?:\.\d{1,2})?|\b\d{1,3}(?:,\d{3})+(?:\.\d{1,2})?\b|\b\d+\.\d{2}\b`)

// PriceTokens extracts every price-like number from raw source text,
// deduplicated in first-seen order.
func PriceTokens(text string) []float64 {
	matches := priceTokenRe.FindAllString(text, -1)
	seen := make(map[float64]bool, len(matches))
	var tokens []float64
	for _, m := range matches {
		m = strings.TrimLeft(m, "$€£ ")
		m = strings.ReplaceAll(m, ",", "")
		v, err := strconv.ParseFloat(m, 64)
		if err != nil {
			continue
		}
		if seen[v] {
			continue
		}
		seen[v] = true
		tokens = append(tokens, v)
	}
	return tokens
}

// ValidatePrices cross-checks every claimed price against the price tokens
// of the raw source text. A price with no token within the relative
// tolerance is nulled and reported as a discrepancy; the rest of the finding
// is kept. Findings that already carry no price pass through untouched.
// The input slice is never modified.
func ValidatePrices(findings []Finding, tokens []float64, tolerance float64) ([]Finding, []Discrepancy) {
	if tolerance <= 0 {
		tolerance = 0.01
	}
	out := make([]Finding, len(findings))
	var bad []Discrepancy
	for i, f := range findings {
		out[i] = f
		if f.Price == nil || tokenNear(*f.Price, tokens, tolerance) {
			continue
		}
		out[i].Price = nil
		bad = append(bad, Discrepancy{
			Retailer: f.Retailer,
			Title:    f.Title,
			Claimed:  *f.Price,
			URL:      f.URL,
		})
	}
	return out, bad
}

func tokenNear(p float64, tokens []float64, tol float64) bool {
	for _, t := range tokens {
		if t == 0 {
			if p == 0 {
				return true
			}
			continue
		}
		if math.Abs(p-t)/t <= tol {
			return true
		}
	}
	return false
}
