package heartbeat

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// sensitiveMarkers excludes credential-bearing keys from the hash.
var sensitiveMarkers = []string{"password", "secret", "token", "credential"}

// ConfigHash digests the effective configuration of a process into a
// stable fingerprint: SHA-256 over lexicographically sorted "key=value\n"
// pairs, hex-lowercase. Keys whose lowercased form contains a sensitive
// marker are skipped. Returns "NA" when the digest cannot be produced.
func ConfigHash(props map[string]string) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		if sensitive(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		if _, err := fmt.Fprintf(h, "%s=%s\n", k, props[k]); err != nil {
			return "NA"
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range sensitiveMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
