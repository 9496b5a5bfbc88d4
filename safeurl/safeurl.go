// Package safeurl validates URLs and retailer domains before the engine
// touches them: SSRF prevention for fetch targets, canonicalization and
// sanity checks for user-supplied store domains, and bounded I/O helpers.
package safeurl

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
)

// MaxResponseBody is the default cap for HTTP response body reads (4 MiB).
// Retailer search pages routinely exceed 1 MiB of markup.
const MaxResponseBody int64 = 4 << 20

// ErrSSRF is returned when a URL targets a private/loopback address.
var ErrSSRF = errors.New("safeurl: URL targets a private or loopback address")

// ErrUnsafeScheme is returned when a URL uses a non-HTTP(S) scheme.
var ErrUnsafeScheme = errors.New("safeurl: only http and https schemes are allowed")

// ErrBadDomain is returned when a string cannot be a public retailer domain.
var ErrBadDomain = errors.New("safeurl: not a valid retailer domain")

// ValidateURL checks that rawURL uses http/https, has a hostname, and does
// not resolve to a private or loopback IP (SSRF prevention).
// DNS resolution is performed to catch rebinding via internal hostnames.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("safeurl: invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ErrUnsafeScheme
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("safeurl: URL has no host")
	}

	// Check literal IP first.
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return ErrSSRF
		}
		return nil
	}

	// Resolve hostname and check all addresses.
	addrs, err := net.LookupHost(host)
	if err != nil {
		// DNS failure: allow through, the host may be valid but temporarily
		// unresolvable. The caller gets a network error at connection time.
		return nil
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && isPrivateIP(ip) {
			return ErrSSRF
		}
	}
	return nil
}

// CanonicalDomain reduces user input ("https://www.Acme.com/tools", "WWW.ACME.COM")
// to a canonical registrable domain ("acme.com"). It rejects IP literals,
// single-label hosts, and anything that cannot name a public retailer.
func CanonicalDomain(input string) (string, error) {
	s := strings.TrimSpace(strings.ToLower(input))
	if s == "" {
		return "", ErrBadDomain
	}
	// Accept full URLs by extracting the host.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil || u.Hostname() == "" {
			return "", ErrBadDomain
		}
		s = u.Hostname()
	}
	// Strip any path/port fragments from bare input.
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	s = strings.TrimPrefix(s, "www.")
	s = strings.TrimSuffix(s, ".")

	if net.ParseIP(s) != nil {
		return "", ErrBadDomain
	}
	if !strings.Contains(s, ".") {
		return "", ErrBadDomain
	}
	if len(s) > 253 {
		return "", ErrBadDomain
	}
	for _, label := range strings.Split(s, ".") {
		if label == "" || len(label) > 63 {
			return "", ErrBadDomain
		}
		for _, r := range label {
			if !isDomainChar(r) {
				return "", fmt.Errorf("%w: character %q", ErrBadDomain, r)
			}
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return "", ErrBadDomain
		}
	}
	return s, nil
}

// ValidateDomain checks that input canonicalizes to a public retailer domain.
// Unlike ValidateURL it performs no DNS lookup: a store may be registered
// before its site is reachable from this host.
func ValidateDomain(input string) error {
	d, err := CanonicalDomain(input)
	if err != nil {
		return err
	}
	if d == "localhost" || strings.HasSuffix(d, ".localhost") ||
		strings.HasSuffix(d, ".local") || strings.HasSuffix(d, ".internal") {
		return ErrBadDomain
	}
	return nil
}

// LimitedReadAll reads at most maxBytes from r, erroring when exceeded.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	lr := io.LimitReader(r, maxBytes+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("safeurl: response exceeds %d bytes", maxBytes)
	}
	return data, nil
}

func isDomainChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-'
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	privateRanges := []struct {
		network string
	}{
		{"10.0.0.0/8"},
		{"172.16.0.0/12"},
		{"192.168.0.0/16"},
		{"fc00::/7"},
		{"169.254.0.0/16"},
		{"::1/128"},
	}
	for _, pr := range privateRanges {
		_, cidr, err := net.ParseCIDR(pr.network)
		if err != nil {
			continue
		}
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}
