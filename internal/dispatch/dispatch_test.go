package dispatch

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jf990/resource-proxy/internal/credentials"
	"github.com/jf990/resource-proxy/internal/ruleset"
	"github.com/jf990/resource-proxy/internal/urlflex"
)

func newTestDispatcher(broker *credentials.Broker) *Dispatcher {
	return NewDispatcher(broker, zerolog.Nop(), time.Second)
}

func TestDispatch_DirectRuleStreamsResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/info/" {
			t.Errorf("unexpected upstream path %q", r.URL.Path)
		}
		w.Write([]byte("upstream body"))
	}))
	defer upstream.Close()

	u, _ := url.Parse(upstream.URL)
	rule := &ruleset.ServiceRule{
		Index:          0,
		URL:            upstream.URL + "/rest",
		Parsed:         urlflex.URLParts{Protocol: "http", Hostname: u.Hostname(), Port: u.Port(), Path: "/rest"},
		TokenParamName: "token",
	}

	d := newTestDispatcher(credentials.NewBroker(nil, "https://proxy.example.com"))
	target := urlflex.URLParts{Path: "/rest/info/", Query: ""}

	r := httptest.NewRequest(http.MethodGet, "/proxy/http/geo.example.com/rest/info/", nil)
	rec := httptest.NewRecorder()

	d.Dispatch(r.Context(), rec, r, rule, target, "")

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	if rec.Body.String() != "upstream body" {
		t.Fatalf("got body %q", rec.Body.String())
	}
}

func TestDispatch_InjectsStaticToken(t *testing.T) {
	var sawToken string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawToken = r.URL.Query().Get("token")
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	u, _ := url.Parse(upstream.URL)
	rule := &ruleset.ServiceRule{
		Index:          0,
		URL:            upstream.URL + "/rest",
		Parsed:         urlflex.URLParts{Protocol: "http", Hostname: u.Hostname(), Port: u.Port(), Path: "/rest"},
		TokenParamName: "token",
		Credentials:    ruleset.Credentials{Kind: ruleset.CredStaticToken, AccessToken: "secret-tok"},
	}

	d := newTestDispatcher(credentials.NewBroker(nil, "https://proxy.example.com"))
	target := urlflex.URLParts{Path: "/rest/info/", Query: ""}

	r := httptest.NewRequest(http.MethodGet, "/proxy/http/geo.example.com/rest/info/", nil)
	rec := httptest.NewRecorder()
	d.Dispatch(r.Context(), rec, r, rule, target, "")

	if sawToken != "secret-tok" {
		t.Fatalf("got token %q", sawToken)
	}
}

func TestDispatch_TokenOverwritesExistingQueryValue(t *testing.T) {
	var sawToken string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawToken = r.URL.Query().Get("token")
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	u, _ := url.Parse(upstream.URL)
	rule := &ruleset.ServiceRule{
		Index:          0,
		URL:            upstream.URL + "/rest",
		Parsed:         urlflex.URLParts{Protocol: "http", Hostname: u.Hostname(), Port: u.Port(), Path: "/rest"},
		TokenParamName: "token",
		Credentials:    ruleset.Credentials{Kind: ruleset.CredStaticToken, AccessToken: "fresh-tok"},
	}

	d := newTestDispatcher(credentials.NewBroker(nil, "https://proxy.example.com"))
	target := urlflex.URLParts{Path: "/rest/info/", Query: "token=stale-tok"}

	r := httptest.NewRequest(http.MethodGet, "/proxy/http/geo.example.com/rest/info/?token=stale-tok", nil)
	rec := httptest.NewRecorder()
	d.Dispatch(r.Context(), rec, r, rule, target, "")

	if sawToken != "fresh-tok" {
		t.Fatalf("expected the injected token to overwrite the stale one, got %q", sawToken)
	}
}

func TestDispatch_RewritesWMSContentType(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.ogc.wms_xml; charset=UTF-8")
		w.Write([]byte("<xml/>"))
	}))
	defer upstream.Close()

	u, _ := url.Parse(upstream.URL)
	rule := &ruleset.ServiceRule{
		Index:  0,
		URL:    upstream.URL + "/rest",
		Parsed: urlflex.URLParts{Protocol: "http", Hostname: u.Hostname(), Port: u.Port(), Path: "/rest"},
	}

	d := newTestDispatcher(credentials.NewBroker(nil, "https://proxy.example.com"))
	target := urlflex.URLParts{Path: "/rest", Query: ""}

	r := httptest.NewRequest(http.MethodGet, "/proxy/http/geo.example.com/rest", nil)
	rec := httptest.NewRecorder()
	d.Dispatch(r.Context(), rec, r, rule, target, "")

	got := rec.Header().Get("Content-Type")
	if got != "text/xml; charset=UTF-8" {
		t.Fatalf("got content-type %q", got)
	}
}

func TestDispatch_HostRedirect(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/path" || r.URL.Query().Get("q") != "1" {
			t.Errorf("unexpected upstream request %s", r.URL.String())
		}
		w.Write([]byte("redirected"))
	}))
	defer upstream.Close()
	u, _ := url.Parse(upstream.URL)

	rule := &ruleset.ServiceRule{
		Index: 0,
		HostRedirect: &urlflex.URLParts{
			Protocol: "http",
			Hostname: u.Hostname(),
			Port:     u.Port(),
		},
	}
	d := newTestDispatcher(credentials.NewBroker(nil, "https://proxy.example.com"))
	target := urlflex.URLParts{Protocol: "*", Hostname: "geo.example.com", Path: "/path", Query: "q=1"}

	r := httptest.NewRequest(http.MethodGet, "/proxy/geo.example.com/path?q=1", nil)
	rec := httptest.NewRecorder()
	d.Dispatch(r.Context(), rec, r, rule, target, "")

	if rec.Code != http.StatusOK || rec.Body.String() != "redirected" {
		t.Fatalf("got status %d body %q", rec.Code, rec.Body.String())
	}
}

func TestDispatch_TransportErrorProducesJSON500(t *testing.T) {
	rule := &ruleset.ServiceRule{
		Index:  0,
		Parsed: urlflex.URLParts{Protocol: "http", Hostname: "127.0.0.1", Port: "1", Path: "/rest"},
	}
	d := newTestDispatcher(credentials.NewBroker(nil, "https://proxy.example.com"))
	target := urlflex.URLParts{Path: "/rest/x", Query: ""}

	r := httptest.NewRequest(http.MethodGet, "/proxy/http/geo.example.com/rest/x", nil)
	rec := httptest.NewRecorder()
	d.Dispatch(r.Context(), rec, r, rule, target, "")

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("got status %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("got content-type %q", ct)
	}
}

func TestDispatch_Scenario6_InvalidatesAndRetriesExactlyOnce(t *testing.T) {
	var upstreamCalls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&upstreamCalls, 1) == 1 {
			w.WriteHeader(498)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	var tokenServiceCalls int32
	tokenService := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenServiceCalls, 1)
		w.Write([]byte(`{"token":"tok"}`))
	}))
	defer tokenService.Close()

	uu, _ := url.Parse(upstream.URL)
	rule := &ruleset.ServiceRule{
		Index:          0,
		URL:            upstream.URL + "/rest",
		Parsed:         urlflex.URLParts{Protocol: "http", Hostname: uu.Hostname(), Port: uu.Port(), Path: "/rest"},
		TokenParamName: "token",
		Credentials: ruleset.Credentials{
			Kind:            ruleset.CredUserLogin,
			Username:        "alice",
			Password:        "secret",
			TokenServiceURL: tokenService.URL,
		},
	}

	broker := credentials.NewBroker(nil, "https://proxy.example.com")
	d := newTestDispatcher(broker)
	target := urlflex.URLParts{Path: "/rest/x", Query: ""}

	r := httptest.NewRequest(http.MethodGet, "/proxy/http/geo.example.com/rest/x", nil)
	rec := httptest.NewRecorder()
	d.Dispatch(r.Context(), rec, r, rule, target, "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected the client to see a single 200, got %d", rec.Code)
	}
	if atomic.LoadInt32(&upstreamCalls) != 2 {
		t.Fatalf("expected exactly 2 upstream calls, got %d", upstreamCalls)
	}
	if atomic.LoadInt32(&tokenServiceCalls) != 2 {
		t.Fatalf("expected getToken to be called exactly twice, got %d", tokenServiceCalls)
	}
}
