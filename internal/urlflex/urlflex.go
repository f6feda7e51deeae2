// Package urlflex implements the proxy's tolerant URL parsing: splitting
// an incoming request line into the prefix the proxy listens on and the
// upstream target it encodes, and normalizing partial URLs into parts that
// can be compared against a wildcard rule.
package urlflex

import (
	"net/url"
	"strings"

	"golang.org/x/text/cases"
)

var fold = cases.Fold()

func foldEqual(a, b string) bool {
	return fold.String(a) == fold.String(b)
}

// URLParts is a decomposed URL where any field may be the literal "*"
// meaning "match any". Protocol is stored without its trailing colon.
type URLParts struct {
	Protocol string
	Hostname string
	Port     string
	Path     string
	Query    string
}

// ParsedRequest is what the flex parser extracts from the raw request
// line: the prefix the proxy owns, the encoded upstream path, the
// protocol hint (if any), and any query string carried alongside it.
type ParsedRequest struct {
	ListenPath string
	ProxyPath  string
	Protocol   string
	Query      string
}

type separator struct {
	token    string
	protocol string
}

// embeddedSeparators covers "/http/", "/https/" and "/*/" segments inside
// the path. They are tried before the query-style separators because a
// path segment is a stronger signal than a query character that could in
// principle appear elsewhere.
var embeddedSeparators = []separator{
	{"/http/", "http"},
	{"/https/", "https"},
	{"/*/", "*"},
}

// querySeparators covers the "?http://", "?https://", "&http://" and
// "&https://" forms. Order here doesn't matter for correctness since at
// most one such separator occurs in a well-formed request, but it's kept
// as an explicit ordered list per the "first match wins" design note
// rather than a map, so precedence is always legible at a glance.
var querySeparators = []separator{
	{"?https://", "https"},
	{"?http://", "http"},
	{"&https://", "https"},
	{"&http://", "http"},
}

// ParseURLRequest isolates the listen prefix and the upstream-encoded
// remainder of an incoming request line. listenURIs is the configured
// set of prefixes the proxy answers on. When mustMatch is true and no
// listen prefix can be found, it returns false.
func ParseURLRequest(incoming string, listenURIs []string, mustMatch bool) (ParsedRequest, bool) {
	if incoming == "" {
		return ParsedRequest{}, false
	}

	if sepIdx, sep, ok := firstSeparator(incoming, embeddedSeparators); ok {
		return splitAtSeparator(incoming, sepIdx, sep), true
	}
	if sepIdx, sep, ok := firstSeparator(incoming, querySeparators); ok {
		return splitAtSeparator(incoming, sepIdx, sep), true
	}

	return splitAtListenPrefix(incoming, listenURIs, mustMatch)
}

// firstSeparator returns the earliest occurring separator among cands,
// breaking ties by list order (the order embeddedSeparators/
// querySeparators are declared in is itself the precedence rule).
func firstSeparator(s string, cands []separator) (int, separator, bool) {
	bestIdx := -1
	var best separator
	for _, c := range cands {
		idx := strings.Index(s, c.token)
		if idx < 0 {
			continue
		}
		if bestIdx == -1 || idx < bestIdx {
			bestIdx = idx
			best = c
		}
	}
	if bestIdx == -1 {
		return 0, separator{}, false
	}
	return bestIdx, best, true
}

func splitAtSeparator(s string, idx int, sep separator) ParsedRequest {
	listenPath := s[:idx]
	after := s[idx+len(sep.token):]
	proxyPathRaw := "/" + after

	proxyPath, query := splitQuery(proxyPathRaw)
	return ParsedRequest{
		ListenPath: listenPath,
		ProxyPath:  proxyPath,
		Protocol:   sep.protocol,
		Query:      query,
	}
}

func splitAtListenPrefix(incoming string, listenURIs []string, mustMatch bool) (ParsedRequest, bool) {
	bestEnd := -1
	bestPrefix := ""
	for _, prefix := range listenURIs {
		if prefix == "" {
			continue
		}
		idx := strings.LastIndex(incoming, prefix)
		if idx < 0 {
			continue
		}
		end := idx + len(prefix)
		if end > bestEnd {
			bestEnd = end
			bestPrefix = incoming[:end]
		}
	}
	if bestEnd < 0 {
		if mustMatch {
			return ParsedRequest{}, false
		}
		bestEnd = 0
		bestPrefix = ""
	}

	remainder := incoming[bestEnd:]
	proxyPath, query := splitQuery(remainder)
	return ParsedRequest{
		ListenPath: bestPrefix,
		ProxyPath:  proxyPath,
		Protocol:   "*",
		Query:      query,
	}, true
}

func splitQuery(s string) (path, query string) {
	if idx := strings.Index(s, "?"); idx >= 0 {
		return s[:idx], s[idx+1:]
	}
	return s, ""
}

// Reconstruct rebuilds an encoded request line from a ParsedRequest in
// the embedded-protocol form. It exists mainly to exercise the stability
// property: reparsing its output must yield the same ListenPath,
// ProxyPath and Protocol.
func (p ParsedRequest) Reconstruct() string {
	listen := strings.TrimSuffix(p.ListenPath, "/")
	rest := strings.TrimPrefix(p.ProxyPath, "/")
	s := listen + "/" + p.Protocol + "/" + rest
	if p.Query != "" {
		s += "?" + p.Query
	}
	return s
}

// ParseAndFixURLParts normalizes a possibly partial URL (with or without
// a scheme, with or without a hostname already separated from the path)
// into URLParts. Empty fields default to the wildcard "*".
func ParseAndFixURLParts(raw string) URLParts {
	var parts URLParts

	if strings.Contains(raw, "://") {
		if u, err := url.Parse(raw); err == nil {
			parts.Protocol = strings.TrimSuffix(u.Scheme, ":")
			parts.Hostname = u.Hostname()
			parts.Port = u.Port()
			parts.Path = u.Path
			parts.Query = u.RawQuery
		}
	} else {
		path := raw
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		trimmed := strings.TrimPrefix(path, "/")
		if idx := strings.Index(trimmed, "/"); idx >= 0 {
			hostPart := trimmed[:idx]
			parts.Path = trimmed[idx:]
			parts.Hostname, parts.Port = splitHostPort(hostPart)
		} else {
			parts.Hostname, parts.Port = splitHostPort(trimmed)
		}
	}

	parts.Protocol = strings.TrimSuffix(parts.Protocol, ":")
	if parts.Protocol == "" {
		parts.Protocol = "*"
	}
	if parts.Hostname == "" {
		parts.Hostname = "*"
	}
	if parts.Port == "" {
		parts.Port = "*"
	}
	if parts.Path == "" {
		parts.Path = "*"
	}
	return parts
}

func splitHostPort(hostPart string) (host, port string) {
	if idx := strings.LastIndex(hostPart, ":"); idx >= 0 {
		return hostPart[:idx], hostPart[idx+1:]
	}
	return hostPart, ""
}

// TestDomainsMatch is true when either side is the whole wildcard "*".
// Otherwise it splits pattern and candidate on "." and requires equal
// segment counts; each pattern segment matches the corresponding
// candidate segment when it is "*" or equal case-insensitively.
func TestDomainsMatch(pattern, candidate string) bool {
	if pattern == "*" || candidate == "*" {
		return true
	}
	pSegs := strings.Split(pattern, ".")
	cSegs := strings.Split(candidate, ".")
	if len(pSegs) != len(cSegs) {
		return false
	}
	for i, ps := range pSegs {
		if ps == "*" {
			continue
		}
		if !foldEqual(ps, cSegs[i]) {
			return false
		}
	}
	return true
}

// TestProtocolsMatch is true when either side is the wildcard "*" or the
// two protocols are equal case-insensitively.
func TestProtocolsMatch(pattern, candidate string) bool {
	if pattern == "*" || candidate == "*" {
		return true
	}
	return foldEqual(pattern, candidate)
}

// TestPortsMatch is true when either side is the wildcard "*" or the two
// ports are equal.
func TestPortsMatch(pattern, candidate string) bool {
	if pattern == "*" || candidate == "*" {
		return true
	}
	return pattern == candidate
}
