package capture

import (
	"regexp"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Strategy pulls a credential out of a response body.
type Strategy func(body string) (Credential, bool)

var accessTokenRe = regexp.MustCompile(`"access_token"\s*:\s*"([^"]+)"`)

// DefaultStrategies tries a strict JSON parse first, then the regex fallback.
var DefaultStrategies = []Strategy{JSONStrategy, RegexStrategy}

// JSONStrategy parses body as a JSON object and returns a non-empty string
// access_token field.
func JSONStrategy(body string) (Credential, bool) {
	var payload map[string]interface{}
	if err := json.UnmarshalFromString(body, &payload); err != nil {
		return "", false
	}
	tok, ok := payload["access_token"].(string)
	if !ok || tok == "" {
		return "", false
	}
	return Credential(tok), true
}

// RegexStrategy scans the raw text, for bodies that are truncated or wrapped.
func RegexStrategy(body string) (Credential, bool) {
	m := accessTokenRe.FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	return Credential(m[1]), true
}

// Extract applies strategies in order; the first success wins.
func Extract(body string, strategies ...Strategy) (Credential, bool) {
	for _, s := range strategies {
		if cred, ok := s(body); ok {
			return cred, true
		}
	}
	return "", false
}
