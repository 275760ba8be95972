package flows

import (
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/xkilldash9x/copilot-probe/internal/capture"
)

// ScanStorage looks for the cached token entry MSAL keeps in localStorage.
// Entries are visited in key order; the first one that contains scope (in its
// key or its value, per match) and whose value is JSON with a non-empty
// "secret" wins.
func ScanStorage(entries map[string]string, scope string, match StorageMatch) (capture.Credential, bool) {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := entries[k]
		haystack := k
		if match == MatchValue {
			haystack = v
		}
		if !strings.Contains(haystack, scope) {
			continue
		}
		if !gjson.Valid(v) {
			continue
		}
		if secret := gjson.Get(v, "secret"); secret.Type == gjson.String && secret.Str != "" {
			return capture.Credential(secret.Str), true
		}
	}
	return "", false
}
