package releve

import (
	"errors"
	"strconv"
	"strings"
)

var (
	// ErrNotConfigured means a capability the operation needs was never
	// attached to the service. Callers get it immediately, before any
	// partial work happens.
	ErrNotConfigured = errors.New("releve: capability not configured")

	// ErrEmptyQuery rejects discovery without a product query.
	ErrEmptyQuery = errors.New("releve: empty query")

	// ErrStoreNotFound reports an unknown store id.
	ErrStoreNotFound = errors.New("releve: store not found")

	// ErrUnknownJobKind rejects job kinds outside the closed set.
	ErrUnknownJobKind = errors.New("releve: unknown job kind")
)

// IsTransient reports whether err looks like a passing network or
// upstream failure worth a bounded retry. Configuration and validation
// errors are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConfigured) || errors.Is(err, ErrEmptyQuery) || errors.Is(err, ErrUnknownJobKind) {
		return false
	}
	msg := strings.ToLower(err.Error())
	if code := extractStatusCode(msg); code != 0 {
		return code == 429 || (code >= 500 && code < 600)
	}
	return isNetworkError(msg)
}

// extractStatusCode pulls an HTTP status out of an error message.
// Handles "http 503", "status 429" and their colon variants.
func extractStatusCode(msg string) int {
	for _, prefix := range []string{"http ", "http: ", "status ", "status: "} {
		idx := strings.Index(msg, prefix)
		if idx < 0 {
			continue
		}
		rest := strings.TrimSpace(msg[idx+len(prefix):])
		if sp := strings.IndexByte(rest, ' '); sp > 0 {
			rest = rest[:sp]
		}
		if code, err := strconv.Atoi(rest); err == nil && code >= 100 && code < 600 {
			return code
		}
	}
	return 0
}

func isNetworkError(msg string) bool {
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "dns") ||
		strings.Contains(msg, "eof") ||
		strings.Contains(msg, "tls handshake") ||
		strings.Contains(msg, "temporarily unavailable")
}
