package ruleset

import (
	"strings"

	"github.com/jf990/resource-proxy/internal/urlflex"
)

// AllowedReferrer is one entry of the referrer allow-list. CanonicalKey
// is the serialized form used to index the rate meter once this entry
// has matched.
type AllowedReferrer struct {
	Protocol     string
	Hostname     string
	Path         string
	CanonicalKey string
}

// CanonicalizeReferrer builds the deterministic key used both as an
// AllowedReferrer's CanonicalKey and, later, as half of a rate-meter
// bucket key.
func CanonicalizeReferrer(protocol, hostname, path string) string {
	return protocol + "://" + hostname + path
}

// ReferrerList is the compiled allow-list plus the "accept any referrer"
// global flag.
type ReferrerList struct {
	entries  []AllowedReferrer
	matchAny bool
}

// NewReferrerList compiles raw referrer strings into AllowedReferrer
// entries. The literal "*" as a whole entry sets the global matchAny
// flag instead of becoming a regular entry.
func NewReferrerList(raw []string) *ReferrerList {
	rl := &ReferrerList{}
	for _, r := range raw {
		if r == "*" {
			rl.matchAny = true
			continue
		}
		parts := urlflex.ParseAndFixURLParts(r)
		rl.entries = append(rl.entries, AllowedReferrer{
			Protocol:     parts.Protocol,
			Hostname:     parts.Hostname,
			Path:         parts.Path,
			CanonicalKey: CanonicalizeReferrer(parts.Protocol, parts.Hostname, parts.Path),
		})
	}
	return rl
}

// MatchAny reports whether the list accepts any referrer.
func (rl *ReferrerList) MatchAny() bool {
	return rl.matchAny
}

// Entries returns the compiled allow-list. Callers must not mutate it.
func (rl *ReferrerList) Entries() []AllowedReferrer {
	return rl.entries
}

// Validate implements validatedReferrerFromReferrer: it returns the
// canonical key of the matched entry, or false when none match. A raw
// referrer of "*" matches nothing unless the global matchAny flag is
// set, in which case every referrer (including no referrer at all)
// resolves to the literal "*".
func (rl *ReferrerList) Validate(rawReferrer string) (string, bool) {
	if rl.matchAny {
		return "*", true
	}
	if rawReferrer == "*" || rawReferrer == "" {
		// A literal "*" or a missing Referer header both parse down to an
		// all-wildcard URLParts, which would otherwise match every entry
		// through the wildcard fallback in testProtocolsMatch/
		// testDomainsMatch. Neither is a referrer a client actually sent,
		// so absent the global flag both are rejected outright.
		return "", false
	}

	parts := urlflex.ParseAndFixURLParts(rawReferrer)
	for _, entry := range rl.entries {
		if !urlflex.TestProtocolsMatch(entry.Protocol, parts.Protocol) {
			continue
		}
		if entry.Path != "*" && !strings.HasPrefix(parts.Path, entry.Path) {
			continue
		}
		if !urlflex.TestDomainsMatch(entry.Hostname, parts.Hostname) {
			continue
		}
		return entry.CanonicalKey, true
	}
	return "", false
}
