package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// clientOrderIDMaxLen is the exchange-specific ceiling on client order id
// length used when no adapter-specific override is configured.
const clientOrderIDMaxLen = 36

var clientOrderIDDisallowed = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// CorrelationID builds the stable handle linking an event to its
// intent(s) and result(s): hl-<tx_hash>-<event_index>-<normalized_symbol>
// optionally suffixed with "-close" or "-open" for FLIP decomposition.
func CorrelationID(txHash string, eventIndex int, symbol string, suffix string) string {
	normalized := strings.ReplaceAll(symbol, "-", "_")
	base := fmt.Sprintf("hl-%s-%d-%s", txHash, eventIndex, normalized)
	if suffix == "" {
		return base
	}
	return base + "-" + suffix
}

// GenerateNonce returns 4 random bytes hex-encoded, the Go analog of the
// original source's secrets.token_hex(4).
func GenerateNonce() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// SanitizeClientOrderID strips characters outside [A-Za-z0-9_-] and, if
// the result exceeds maxLen, keeps the "hl-" prefix plus the tail of the
// cleaned string.
func SanitizeClientOrderID(value string, maxLen int) string {
	cleaned := clientOrderIDDisallowed.ReplaceAllString(value, "")
	if len(cleaned) <= maxLen {
		return cleaned
	}
	if maxLen > 3 {
		tail := cleaned[len(cleaned)-(maxLen-3):]
		return "hl-" + tail
	}
	return cleaned[:maxLen]
}

// BuildClientOrderID constructs and sanitizes a client order id from a
// correlation id, symbol, and nonce.
func BuildClientOrderID(correlationID, symbol, nonce string) string {
	normalized := strings.ReplaceAll(symbol, "-", "_")
	raw := fmt.Sprintf("%s-%s-%s", correlationID, normalized, nonce)
	return SanitizeClientOrderID(raw, clientOrderIDMaxLen)
}

// ParseCorrelationID splits a correlation id into its tx hash and event
// index components. Returns an error if the id does not start with the
// "hl" scheme marker.
func ParseCorrelationID(correlationID string) (txHash string, eventIndex int, err error) {
	parts := strings.Split(correlationID, "-")
	if len(parts) < 3 || parts[0] != "hl" {
		return "", 0, fmt.Errorf("malformed correlation id: %q", correlationID)
	}
	var idx int
	if _, err := fmt.Sscanf(parts[2], "%d", &idx); err != nil {
		return "", 0, fmt.Errorf("malformed correlation id event index: %q", correlationID)
	}
	return parts[1], idx, nil
}
