// Package ruleset holds the compiled, immutable upstream service table and
// the allowed-referrer list derived from it, plus the matching logic used
// to pick a rule and validate a referrer for an incoming request.
package ruleset

import (
	"net/url"
	"strings"

	"github.com/jf990/resource-proxy/internal/urlflex"
)

// CredentialKind identifies which credential acquisition policy a rule
// uses, per the Credential Broker contract.
type CredentialKind int

const (
	CredNone CredentialKind = iota
	CredUserLogin
	CredAppLogin
	CredStaticToken
)

// Credentials captures whichever credential variant a rule was
// configured with. Only the fields relevant to Kind are populated.
type Credentials struct {
	Kind CredentialKind

	// UserLogin
	Username       string
	Password       string
	TokenServiceURL string

	// AppLogin
	ClientID       string
	ClientSecret   string
	OAuth2Endpoint string

	// StaticToken
	AccessToken string
}

// ServiceRule is one compiled row of the upstream service table. All
// derived fields (Parsed, Rate, RatePeriodSeconds, UseRateMeter) are
// computed once at load time and treated as read-only afterward.
type ServiceRule struct {
	Index int

	URL    string
	Parsed urlflex.URLParts

	MatchAll bool

	Credentials Credentials

	RateLimit       int // requests per RateLimitPeriod minutes
	RateLimitPeriod int // minutes
	Rate            float64 // requests/sec
	RatePeriodSeconds float64
	UseRateMeter    bool

	HostRedirect    *urlflex.URLParts
	HostRedirectURL string

	Domain         string
	TokenParamName string
}

// RequestTargetParts derives the URLParts a ParsedRequest targets, for
// comparison against a rule's Parsed URLParts. The protocol comes from
// the flex parser's protocol hint; hostname/port/path come from parsing
// the proxy path as a bare "/host[:port]/path" string.
func RequestTargetParts(pr urlflex.ParsedRequest) urlflex.URLParts {
	parts := urlflex.ParseAndFixURLParts(pr.ProxyPath)
	parts.Protocol = pr.Protocol
	if parts.Protocol == "" {
		parts.Protocol = "*"
	}
	parts.Query = pr.Query
	return parts
}

// PartsMatch implements parsedUrlPartsMatch: domains, protocols and
// ports must match per the wildcard rules, and the path must satisfy the
// rule's MatchAll policy (equality vs. prefix).
func PartsMatch(request urlflex.URLParts, rule *ServiceRule) bool {
	if !urlflex.TestDomainsMatch(rule.Parsed.Hostname, request.Hostname) {
		return false
	}
	if !urlflex.TestProtocolsMatch(rule.Parsed.Protocol, request.Protocol) {
		return false
	}
	if !urlflex.TestPortsMatch(rule.Parsed.Port, request.Port) {
		return false
	}
	if rule.MatchAll {
		return request.Path == rule.Parsed.Path
	}
	return strings.HasPrefix(request.Path, rule.Parsed.Path)
}

// Table is the immutable, ordered rule list. Lookup iterates in
// configuration order and returns the first match; ordering is
// authoritative.
type Table struct {
	rules []ServiceRule
}

// NewTable freezes a compiled rule slice into a Table.
func NewTable(rules []ServiceRule) *Table {
	frozen := make([]ServiceRule, len(rules))
	copy(frozen, rules)
	return &Table{rules: frozen}
}

// Rules returns the underlying rule slice. Callers must not mutate it.
func (t *Table) Rules() []ServiceRule {
	return t.rules
}

// Match returns the first rule whose Parsed parts satisfy PartsMatch
// against the request's target parts.
func (t *Table) Match(request urlflex.URLParts) (*ServiceRule, bool) {
	for i := range t.rules {
		if PartsMatch(request, &t.rules[i]) {
			return &t.rules[i], true
		}
	}
	return nil, false
}

// MergeQuery implements the query-merge policy used when building the
// outbound URL: rule query parameters are applied over request query
// parameters, so the rule wins on any key collision.
func MergeQuery(ruleQuery, requestQuery string) string {
	ruleVals, _ := url.ParseQuery(ruleQuery)
	reqVals, _ := url.ParseQuery(requestQuery)

	merged := url.Values{}
	for k, v := range reqVals {
		merged[k] = v
	}
	for k, v := range ruleVals {
		merged[k] = v
	}
	return merged.Encode()
}

// BuildOutboundURL implements buildURLFromReferrerRequestAndInfo: the
// outbound URL is the rule's own host/protocol/port plus the request's
// trailing path (the portion of the request path beyond the rule's
// matched prefix) and the merged query string.
func BuildOutboundURL(rule *ServiceRule, request urlflex.URLParts) string {
	trailing := strings.TrimPrefix(request.Path, rule.Parsed.Path)
	path := rule.Parsed.Path + trailing

	host := rule.Parsed.Hostname
	if rule.Parsed.Port != "" && rule.Parsed.Port != "*" {
		host = host + ":" + rule.Parsed.Port
	}

	u := url.URL{
		Scheme: rule.Parsed.Protocol,
		Host:   host,
		Path:   path,
	}
	u.RawQuery = MergeQuery(rule.Parsed.Query, request.Query)
	return u.String()
}

func isConcrete(s string) bool {
	return s != "" && s != "*"
}

// GetBestMatchProtocol picks the most specific (non-"*") protocol among
// the referrer's, the request's and the redirect's. When exactly one of
// the three is concrete, that one wins outright; when more than one is
// concrete, the referrer's protocol breaks the tie, falling through to
// the request's and then the redirect's.
func GetBestMatchProtocol(referrerProtocol, requestProtocol, redirectProtocol string) string {
	return bestMatch(referrerProtocol, requestProtocol, redirectProtocol, "http")
}

// GetBestMatchPort picks the most specific (non-"*") port the same way
// GetBestMatchProtocol picks a protocol.
func GetBestMatchPort(referrerPort, requestPort, redirectPort string) string {
	return bestMatch(referrerPort, requestPort, redirectPort, "")
}

func bestMatch(referrer, request, redirect, fallback string) string {
	candidates := [3]string{referrer, request, redirect}
	count := 0
	for _, c := range candidates {
		if isConcrete(c) {
			count++
		}
	}
	switch count {
	case 0:
		return fallback
	case 1:
		for _, c := range candidates {
			if isConcrete(c) {
				return c
			}
		}
	}
	for _, c := range candidates {
		if isConcrete(c) {
			return c
		}
	}
	return fallback
}

// BuildRedirectedURL implements the host-redirect branch of the
// Dispatcher's outbound URL computation: the incoming proxy path's
// hostname is replaced with the redirect's hostname, and protocol/port
// are picked by GetBestMatchProtocol/GetBestMatchPort, while the
// incoming path and query are preserved unchanged. Only the protocol
// choice considers the referrer; the port choice is passed an empty
// referrer port.
func BuildRedirectedURL(rule *ServiceRule, request urlflex.URLParts, referrerProtocol string) string {
	redirect := rule.HostRedirect

	protocol := GetBestMatchProtocol(referrerProtocol, request.Protocol, redirect.Protocol)
	port := GetBestMatchPort("", request.Port, redirect.Port)

	host := redirect.Hostname
	if port != "" && port != "*" {
		host = host + ":" + port
	}

	u := url.URL{
		Scheme:   protocol,
		Host:     host,
		Path:     request.Path,
		RawQuery: request.Query,
	}
	return u.String()
}
