package urlflex

import "testing"

func TestParseURLRequest_EmbeddedProtocol(t *testing.T) {
	got, ok := ParseURLRequest("/proxy/http/geo.example.com/rest/info/", []string{"/proxy"}, true)
	if !ok {
		t.Fatalf("expected a match")
	}
	want := ParsedRequest{
		ListenPath: "/proxy",
		ProxyPath:  "/geo.example.com/rest/info/",
		Protocol:   "http",
		Query:      "",
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestParseURLRequest_QuerySeparator(t *testing.T) {
	got, ok := ParseURLRequest("/proxy?https://geo.example.com/rest?f=json", []string{"/proxy"}, true)
	if !ok {
		t.Fatalf("expected a match")
	}
	want := ParsedRequest{
		ListenPath: "/proxy",
		ProxyPath:  "/geo.example.com/rest",
		Protocol:   "https",
		Query:      "f=json",
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestParseURLRequest_AmpersandSeparator(t *testing.T) {
	got, ok := ParseURLRequest("/proxy&http://geo.example.com/rest", []string{"/proxy"}, true)
	if !ok {
		t.Fatalf("expected a match")
	}
	if got.Protocol != "http" || got.ProxyPath != "/geo.example.com/rest" {
		t.Fatalf("got %+v", got)
	}
}

func TestParseURLRequest_UnspecifiedProtocolSegment(t *testing.T) {
	got, ok := ParseURLRequest("/proxy/*/geo.example.com/path", []string{"/proxy"}, true)
	if !ok {
		t.Fatalf("expected a match")
	}
	if got.Protocol != "*" || got.ProxyPath != "/geo.example.com/path" {
		t.Fatalf("got %+v", got)
	}
}

func TestParseURLRequest_NoProtocolHint(t *testing.T) {
	got, ok := ParseURLRequest("/proxy/geo.example.com/path", []string{"/proxy"}, true)
	if !ok {
		t.Fatalf("expected a match")
	}
	want := ParsedRequest{
		ListenPath: "/proxy",
		ProxyPath:  "/geo.example.com/path",
		Protocol:   "*",
		Query:      "",
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestParseURLRequest_NoMatchMustMatch(t *testing.T) {
	if _, ok := ParseURLRequest("/other/host/path", []string{"/proxy"}, true); ok {
		t.Fatalf("expected no match")
	}
}

func TestParseURLRequest_EmptyInput(t *testing.T) {
	if _, ok := ParseURLRequest("", []string{"/proxy"}, true); ok {
		t.Fatalf("expected no match for empty input")
	}
}

func TestParseURLRequest_Stable(t *testing.T) {
	cases := []string{
		"/proxy/http/geo.example.com/rest/info/",
		"/proxy/https/a.b.c/x/y?q=1",
		"/proxy/*/host/path",
	}
	for _, c := range cases {
		first, ok := ParseURLRequest(c, []string{"/proxy"}, true)
		if !ok {
			t.Fatalf("expected a match for %q", c)
		}
		second, ok := ParseURLRequest(first.Reconstruct(), []string{"/proxy"}, true)
		if !ok {
			t.Fatalf("expected round-trip match for %q", first.Reconstruct())
		}
		if second.ListenPath != first.ListenPath || second.ProxyPath != first.ProxyPath || second.Protocol != first.Protocol {
			t.Fatalf("round trip mismatch: %+v vs %+v", first, second)
		}
	}
}

func TestTestDomainsMatch(t *testing.T) {
	cases := []struct {
		pattern, candidate string
		want               bool
	}{
		{"*.a.b", "x.a.b", true},
		{"*.a.b", "x.y.a.b", false},
		{"geo.example.com", "geo.example.com", true},
		{"geo.example.com", "GEO.EXAMPLE.COM", true},
		{"*", "anything.at.all", true},
	}
	for _, c := range cases {
		if got := TestDomainsMatch(c.pattern, c.candidate); got != c.want {
			t.Errorf("TestDomainsMatch(%q, %q) = %v, want %v", c.pattern, c.candidate, got, c.want)
		}
	}
}

func TestTestProtocolsMatch(t *testing.T) {
	cases := []struct {
		pattern, candidate string
		want               bool
	}{
		{"*", "https", true},
		{"https", "*", true},
		{"HTTPS", "https", true},
		{"http", "https", false},
	}
	for _, c := range cases {
		if got := TestProtocolsMatch(c.pattern, c.candidate); got != c.want {
			t.Errorf("TestProtocolsMatch(%q, %q) = %v, want %v", c.pattern, c.candidate, got, c.want)
		}
	}
}

func TestParseAndFixURLParts(t *testing.T) {
	parts := ParseAndFixURLParts("https://geo.example.com:8443/rest/info?f=json")
	if parts.Protocol != "https" || parts.Hostname != "geo.example.com" || parts.Port != "8443" || parts.Path != "/rest/info" || parts.Query != "f=json" {
		t.Fatalf("got %+v", parts)
	}

	noScheme := ParseAndFixURLParts("/geo.example.com/rest/info/")
	if noScheme.Hostname != "geo.example.com" || noScheme.Path != "/rest/info/" {
		t.Fatalf("got %+v", noScheme)
	}

	empty := ParseAndFixURLParts("")
	if empty.Protocol != "*" || empty.Hostname != "*" || empty.Port != "*" || empty.Path != "*" {
		t.Fatalf("got %+v", empty)
	}
}
