package ruleset

import (
	"net/url"
	"testing"

	"github.com/jf990/resource-proxy/internal/urlflex"
)

func geoRule() ServiceRule {
	return ServiceRule{
		Index: 0,
		URL:   "https://geo.example.com/rest",
		Parsed: urlflex.URLParts{
			Protocol: "https",
			Hostname: "geo.example.com",
			Port:     "*",
			Path:     "/rest",
			Query:    "",
		},
	}
}

func TestPartsMatch_PrefixByDefault(t *testing.T) {
	rule := geoRule()
	request := urlflex.URLParts{Protocol: "https", Hostname: "geo.example.com", Port: "*", Path: "/rest/info/"}
	if !PartsMatch(request, &rule) {
		t.Fatalf("expected prefix match")
	}
}

func TestPartsMatch_MatchAllRequiresEquality(t *testing.T) {
	rule := geoRule()
	rule.MatchAll = true
	request := urlflex.URLParts{Protocol: "https", Hostname: "geo.example.com", Port: "*", Path: "/rest/info/"}
	if PartsMatch(request, &rule) {
		t.Fatalf("expected matchAll rule to reject a longer path")
	}
	request.Path = "/rest"
	if !PartsMatch(request, &rule) {
		t.Fatalf("expected matchAll rule to accept an exact path")
	}
}

func TestPartsMatch_WildcardHostname(t *testing.T) {
	rule := geoRule()
	rule.Parsed.Hostname = "*"
	request := urlflex.URLParts{Protocol: "https", Hostname: "anything.example.com", Port: "*", Path: "/rest/x"}
	if !PartsMatch(request, &rule) {
		t.Fatalf("expected wildcard hostname to match anything")
	}
}

func TestTable_Match_FirstRuleWins(t *testing.T) {
	specific := geoRule()
	specific.Index = 0
	wildcard := geoRule()
	wildcard.Index = 1
	wildcard.Parsed.Hostname = "*"

	table := NewTable([]ServiceRule{specific, wildcard})

	request := urlflex.URLParts{Protocol: "https", Hostname: "geo.example.com", Port: "*", Path: "/rest/x"}
	got, ok := table.Match(request)
	if !ok {
		t.Fatalf("expected a match")
	}
	if got.Index != 0 {
		t.Fatalf("expected the earlier rule to win, got index %d", got.Index)
	}
}

func TestTable_Match_NoneMatch(t *testing.T) {
	table := NewTable([]ServiceRule{geoRule()})
	request := urlflex.URLParts{Protocol: "https", Hostname: "other.example.com", Port: "*", Path: "/rest/x"}
	if _, ok := table.Match(request); ok {
		t.Fatalf("expected no match")
	}
}

func TestMergeQuery_RuleWinsOnCollision(t *testing.T) {
	got := MergeQuery("f=json&token=abc", "f=html&x=1")
	vals, err := url.ParseQuery(got)
	if err != nil {
		t.Fatalf("unexpected query parse error: %v", err)
	}
	if vals.Get("f") != "json" {
		t.Fatalf("expected rule's f=json to win, got %q", vals.Get("f"))
	}
	if vals.Get("x") != "1" {
		t.Fatalf("expected request's x=1 to survive, got %q", vals.Get("x"))
	}
	if vals.Get("token") != "abc" {
		t.Fatalf("expected rule's token to be present, got %q", vals.Get("token"))
	}
}

func TestBuildOutboundURL_TrailingPathAndMergedQuery(t *testing.T) {
	rule := geoRule()
	rule.Parsed.Port = ""
	request := urlflex.URLParts{Path: "/rest/info/", Query: "q=1"}

	got := BuildOutboundURL(&rule, request)
	want := "https://geo.example.com/rest/info/?q=1"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBuildOutboundURL_MatchAllScenario(t *testing.T) {
	// MatchAll does not change how the outbound URL is built: the rule's
	// path /rest is extended with the request's trailing /info/.
	rule := geoRule()
	rule.MatchAll = true
	rule.Parsed.Path = "/rest"
	request := urlflex.URLParts{Path: "/rest/info/", Query: ""}

	got := BuildOutboundURL(&rule, request)
	want := "https://geo.example.com/rest/info/"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestGetBestMatchProtocol_SingleConcreteWins(t *testing.T) {
	if got := GetBestMatchProtocol("*", "https", "*"); got != "https" {
		t.Fatalf("got %q", got)
	}
}

func TestGetBestMatchProtocol_AllWildcardFallsBack(t *testing.T) {
	if got := GetBestMatchProtocol("*", "*", "*"); got != "http" {
		t.Fatalf("got %q", got)
	}
}

func TestGetBestMatchProtocol_TieBreaksTowardReferrer(t *testing.T) {
	if got := GetBestMatchProtocol("https", "http", "*"); got != "https" {
		t.Fatalf("got %q", got)
	}
}

func TestBuildRedirectedURL_Scenario5(t *testing.T) {
	rule := geoRule()
	rule.HostRedirect = &urlflex.URLParts{
		Protocol: "https",
		Hostname: "redirect.example.com",
		Port:     "8443",
	}
	request := urlflex.URLParts{
		Protocol: "*",
		Hostname: "geo.example.com",
		Path:     "/path",
		Query:    "q=1",
	}

	got := BuildRedirectedURL(&rule, request, "*")
	want := "https://redirect.example.com:8443/path?q=1"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
