package distill

import "testing"

func TestTitleKey(t *testing.T) {
	tests := []struct {
		name  string
		title string
		want  string
	}{
		{"lowercases", "DeWalt 20V MAX Drill", "dewalt 20v max drill"},
		{"strips dash domain tail", "DeWalt 20V MAX Drill - walmart.com", "dewalt 20v max drill"},
		{"strips pipe domain tail", "DeWalt 20V MAX Drill | homedepot.com", "dewalt 20v max drill"},
		{"strips pack suffix", "Duracell AA Batteries 24-Pack", "duracell aa batteries"},
		{"strips count suffix", "Duracell AA Batteries 24 ct", "duracell aa batteries"},
		{"drops filler words", "Genuine OEM Honda Oil Filter", "oem honda oil filter"},
		{"collapses punctuation", "3M-2090 Painter's Tape, 1.88\"", "3m 2090 painter s tape 1 88"},
		{"all filler keeps words", "New Premium", "new premium"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		if got := TitleKey(tt.title); got != tt.want {
			t.Errorf("%s: TitleKey(%q) = %q, want %q", tt.name, tt.title, got, tt.want)
		}
	}
}

// Retailers decorate the same product differently; the key must converge.
func TestTitleKeyConverges(t *testing.T) {
	titles := []string{
		"DEWALT 20V MAX Cordless Drill - walmart.com",
		"DeWalt 20v Max Cordless Drill | homedepot.com",
		"Genuine DeWALT 20V MAX cordless drill",
	}
	want := TitleKey(titles[0])
	for _, title := range titles[1:] {
		if got := TitleKey(title); got != want {
			t.Errorf("TitleKey(%q) = %q, want %q", title, got, want)
		}
	}
}

func TestGroupFindingsLowestPriceIsPrimary(t *testing.T) {
	findings := []Finding{
		{Retailer: "Walmart", Title: "Duracell AA Batteries 24-Pack", Price: fptr(18.99)},
		{Retailer: "Walmart", Title: "Duracell AA Batteries 16 ct", Price: fptr(12.97), ProductCode: "MN1500"},
		{Retailer: "Walmart", Title: "Duracell AA Batteries", Price: fptr(14.49)},
	}

	groups := GroupFindings(findings)
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}
	g := groups[0]
	if g.Primary.Price == nil || *g.Primary.Price != 12.97 {
		t.Errorf("primary price = %v, want 12.97", g.Primary.Price)
	}
	if len(g.Others) != 2 {
		t.Fatalf("got %d others, want 2", len(g.Others))
	}
	if g.ProductCode() != "MN1500" {
		t.Errorf("product code %q not preserved", g.ProductCode())
	}
}

// The same title at two stores stays two groups; store dedup belongs to the
// merge step downstream, not here.
func TestGroupFindingsNeverMergesAcrossStores(t *testing.T) {
	findings := []Finding{
		{Retailer: "Walmart", Title: "Sony WH-1000XM5", Price: fptr(349.99)},
		{Retailer: "Target", Title: "Sony WH-1000XM5", Price: fptr(329.99)},
	}

	groups := GroupFindings(findings)
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if groups[0].Primary.Retailer != "Walmart" || groups[1].Primary.Retailer != "Target" {
		t.Errorf("order = [%s, %s]", groups[0].Primary.Retailer, groups[1].Primary.Retailer)
	}
}

func TestGroupFindingsUnpricedNeverPrimary(t *testing.T) {
	findings := []Finding{
		{Retailer: "Walmart", Title: "Drill"},
		{Retailer: "Walmart", Title: "Drill", Price: fptr(89.00), URL: "https://walmart.com/ip/2"},
	}

	groups := GroupFindings(findings)
	if groups[0].Primary.Price == nil {
		t.Error("unpriced finding displaced a priced one")
	}
}

func TestGroupFindingsEqualPriceKeepsFirst(t *testing.T) {
	findings := []Finding{
		{Retailer: "Walmart", Title: "Drill", Price: fptr(89.00), URL: "https://walmart.com/ip/first"},
		{Retailer: "Walmart", Title: "Drill", Price: fptr(89.00), URL: "https://walmart.com/ip/second"},
	}

	groups := GroupFindings(findings)
	if groups[0].Primary.URL != "https://walmart.com/ip/first" {
		t.Errorf("tie should keep the earlier finding, got %s", groups[0].Primary.URL)
	}
}

func TestGroupFindingsOrderFollowsFirstAppearance(t *testing.T) {
	findings := []Finding{
		{Retailer: "Walmart", Title: "Drill", Price: fptr(99.00)},
		{Retailer: "Walmart", Title: "Impact Driver", Price: fptr(129.00)},
		{Retailer: "Walmart", Title: "DRILL", Price: fptr(94.98)},
	}

	groups := GroupFindings(findings)
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if groups[0].Key != "walmart|drill" || groups[1].Key != "walmart|impact driver" {
		t.Errorf("group order = [%s, %s]", groups[0].Key, groups[1].Key)
	}
	if len(groups[0].Others) != 1 {
		t.Errorf("case-variant title did not fold into the first group")
	}
}

func TestGroupFindingsKeyFallbacks(t *testing.T) {
	findings := []Finding{
		{Retailer: "Walmart", Price: fptr(10.00)},     // no title
		{Title: "Mystery Gadget", Price: fptr(12.00)}, // no retailer
		{Title: "", Retailer: "", Price: fptr(1.00)},  // nothing to key on, dropped
	}

	groups := GroupFindings(findings)
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if groups[0].Key != "walmart|" {
		t.Errorf("key = %q, want walmart|", groups[0].Key)
	}
	if groups[1].Key != "|mystery gadget" {
		t.Errorf("key = %q, want |mystery gadget", groups[1].Key)
	}
}
