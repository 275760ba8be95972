// Package identity reads the claims of a captured Substrate token and builds
// the Copilot Chathub connection URL for it.
package identity

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrUserMismatch means the token was issued to a different account.
	ErrUserMismatch = errors.New("token is not for the requested user")
	// ErrMissingClaims means tid or oid is absent, so no Chathub URL can be built.
	ErrMissingClaims = errors.New("token is missing tenant or object id")
)

// parser inspects token contents without checking the signature.
var parser = new(jwt.Parser)

// Identity is the subset of token claims the CLI cares about.
type Identity struct {
	UPN        string
	UniqueName string
	TenantID   string
	ObjectID   string
	Audience   []string
	Scopes     string
	ExpiresAt  time.Time
	Claims     jwt.MapClaims
}

// Parse decodes token without verifying it.
func Parse(token string) (*Identity, error) {
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token unverified: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", parsed.Claims)
	}

	id := &Identity{
		UPN:        stringClaim(claims, "upn"),
		UniqueName: stringClaim(claims, "unique_name"),
		TenantID:   stringClaim(claims, "tid"),
		ObjectID:   stringClaim(claims, "oid"),
		Scopes:     stringClaim(claims, "scp"),
		Claims:     claims,
	}
	if aud, err := claims.GetAudience(); err == nil {
		id.Audience = aud
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	return id, nil
}

func stringClaim(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return s
}

// User returns the best display name for the signed-in account.
func (i *Identity) User() string {
	if i.UPN != "" {
		return i.UPN
	}
	return i.UniqueName
}

// VerifyUser checks that user is the upn or unique_name of the token.
// Comparison is case-insensitive, as account names are.
func (i *Identity) VerifyUser(user string) error {
	for _, candidate := range []string{i.UPN, i.UniqueName} {
		if candidate != "" && strings.EqualFold(candidate, user) {
			return nil
		}
	}
	return fmt.Errorf("%w: want %q, token has %q", ErrUserMismatch, user, i.User())
}

// Expired reports whether the token is past its expiry at now. Tokens without
// an exp claim never expire.
func (i *Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

const chathubBase = "wss://substrate.office.com/m365Copilot/Chathub/"

// Feature flags the Copilot surfaces send on connect.
var chathubVariants = map[string]string{
	"officeweb": "feature.includeExternal,feature.AssistantConnectorsContentSources,3S.BizChatWprBoostAssistant,3S.EnableMEFromSkillDiscovery,feature.EnableAuthErrorMessage,EnableRequestPlugins,feature.EnableSensitivityLabels,feature.IsEntityAnnotationsEnabled,EnableUnsupportedUrlDetector",
	"teamshub":  "feature.includeExternal,feature.AssistantConnectorsContentSources,3S.BizChatWprBoostAssistant,3S.EnableMEFromSkillDiscovery,feature.EnableAuthErrorMessage,feature.EnableRequestPlugins,3S.SKDS_EnablePluginManagement,EnableRequestPlugins,feature.EnableSensitivityLabels,feature.IsEntityAnnotationsEnabled,EnableUnsupportedUrlDetector",
}

// ChathubURL is the websocket URL for a new Copilot conversation.
type ChathubURL struct {
	URL             string
	SessionID       string
	ClientRequestID string
}

// BuildChathubURL builds the websocket URL for scenario with fresh session
// and client request ids.
func (i *Identity) BuildChathubURL(token, scenario string) (ChathubURL, error) {
	if i.TenantID == "" || i.ObjectID == "" {
		return ChathubURL{}, ErrMissingClaims
	}
	variants, ok := chathubVariants[scenario]
	if !ok {
		return ChathubURL{}, fmt.Errorf("no chathub variants for scenario %q", scenario)
	}

	out := ChathubURL{
		SessionID:       uuid.NewString(),
		ClientRequestID: uuid.NewString(),
	}
	// The service expects these parameters in this order and with literal commas.
	var b strings.Builder
	b.WriteString(chathubBase)
	b.WriteString(url.PathEscape(i.ObjectID + "@" + i.TenantID))
	fmt.Fprintf(&b, "?X-ClientRequestId=%s&X-SessionId=%s&access_token=%s", out.ClientRequestID, out.SessionID, url.QueryEscape(token))
	fmt.Fprintf(&b, "&X-variants=%s&source=%%22%s%%22&scenario=%s", variants, scenario, scenario)
	out.URL = b.String()
	return out, nil
}
