package capture

import (
	"fmt"
	"regexp"
	"strings"
)

// Defaults used by DefaultMatcher.
const (
	DefaultTokenURLPattern = `login\.microsoftonline\.com/.+/oauth2/v2\.0/token`
	DefaultScopeMarker     = "substrate.office.com/sydney"
)

// DefaultBearerMarkers are the two spellings the identity platform uses.
var DefaultBearerMarkers = []string{`"token_type":"Bearer"`, `"tokenType":"Bearer"`}

// Matcher is the filter predicate applied to every ResponseEvent.
type Matcher struct {
	urlPattern  *regexp.Regexp
	bearer      []*regexp.Regexp
	scopeMarker string
}

// NewMatcher compiles a Matcher. Bearer markers are written as compact JSON
// fragments (`"token_type":"Bearer"`) and matched tolerant of whitespace
// around the colon.
func NewMatcher(urlPattern string, bearerMarkers []string, scopeMarker string) (*Matcher, error) {
	re, err := regexp.Compile(urlPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid token url pattern: %w", err)
	}
	if len(bearerMarkers) == 0 {
		return nil, fmt.Errorf("at least one bearer marker is required")
	}

	m := &Matcher{urlPattern: re, scopeMarker: scopeMarker}
	for _, marker := range bearerMarkers {
		parts := strings.Split(marker, ":")
		for i := range parts {
			parts[i] = regexp.QuoteMeta(strings.TrimSpace(parts[i]))
		}
		m.bearer = append(m.bearer, regexp.MustCompile(strings.Join(parts, `\s*:\s*`)))
	}
	return m, nil
}

// DefaultMatcher targets the Substrate (Copilot) token issued by the v2.0 endpoint.
func DefaultMatcher() *Matcher {
	m, err := NewMatcher(DefaultTokenURLPattern, DefaultBearerMarkers, DefaultScopeMarker)
	if err != nil {
		panic(err)
	}
	return m
}

// MatchURL reports whether url is the token endpoint. Sources use it to decide
// which response bodies are worth fetching at all.
func (m *Matcher) MatchURL(url string) bool {
	return m.urlPattern.MatchString(url)
}

// Match applies all three conditions: endpoint URL, bearer indicator and scope marker.
func (m *Matcher) Match(ev ResponseEvent) bool {
	if !m.MatchURL(ev.URL) {
		return false
	}
	if m.scopeMarker != "" && !strings.Contains(ev.Body, m.scopeMarker) {
		return false
	}
	for _, re := range m.bearer {
		if re.MatchString(ev.Body) {
			return true
		}
	}
	return false
}
