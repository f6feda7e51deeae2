// Package status implements the two local, unauthenticated-except-for-
// referrer endpoints the proxy exposes about itself: a JSON liveness ping
// and an HTML status page with counters and a rate-meter snapshot.
package status

import (
	"encoding/json"
	"html/template"
	"net/http"
	"time"

	"github.com/jf990/resource-proxy/internal/ratelimit"
	"github.com/jf990/resource-proxy/internal/ruleset"
)

// PingResponse is the /ping body.
type PingResponse struct {
	Version  string `json:"version"`
	Referrer string `json:"referrer"`
	OK       bool   `json:"ok"`
}

// Ping writes the /ping response. It performs no referrer or rate check.
func Ping(w http.ResponseWriter, version, referrer string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(PingResponse{
		Version:  version,
		Referrer: referrer,
		OK:       true,
	})
}

// Counters is the set of atomically-updated request counters the front end
// tracks, snapshotted for display.
type Counters struct {
	Attempted uint64
	Valid     uint64
	Errors    uint64
}

// PageData is everything the status template needs.
type PageData struct {
	Version   string
	Uptime    time.Duration
	Counters  Counters
	Referrers []ruleset.AllowedReferrer
	MatchAny  bool
	Buckets   []ratelimit.BucketSnapshot
}

var pageTemplate = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head><title>resource-proxy status</title></head>
<body>
<h1>resource-proxy</h1>
<p>Version: {{.Version}}</p>
<p>Uptime: {{.Uptime}}</p>
<table border="1">
<tr><th>Attempted</th><th>Valid</th><th>Errors</th></tr>
<tr><td>{{.Counters.Attempted}}</td><td>{{.Counters.Valid}}</td><td>{{.Counters.Errors}}</td></tr>
</table>
<h2>Allowed referrers</h2>
{{if .MatchAny}}
<p>Any referrer is accepted.</p>
{{else}}
<ul>
{{range .Referrers}}<li>{{.CanonicalKey}}</li>
{{end}}
</ul>
{{end}}
<h2>Rate meter</h2>
<table border="1">
<tr><th>Referrer</th><th>Rule URL</th><th>Tokens</th><th>Capacity</th><th>Last use</th></tr>
{{range .Buckets}}<tr><td>{{.Referrer}}</td><td>{{.RuleURL}}</td><td>{{printf "%.2f" .Tokens}}</td><td>{{printf "%.0f" .Capacity}}</td><td>{{.LastUse}}</td></tr>
{{end}}
</table>
</body>
</html>
`))

// Page renders the /status HTML page.
func Page(w http.ResponseWriter, data PageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = pageTemplate.Execute(w, data)
}
