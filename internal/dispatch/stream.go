package dispatch

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"

	"golang.org/x/net/http/httpguts"
)

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// wmsContentType is the single response-body-adjacent rewrite this proxy
// performs: an OGC WMS server's XML capabilities response is served with a
// content type most HTTP clients don't recognize as XML.
const wmsContentType = "application/vnd.ogc.wms_xml"

// buildOutboundRequest clones the incoming request onto finalURL: method,
// body and headers (minus hop-by-hop) are preserved; Host is set to the
// upstream's; X-Forwarded-* headers record the original client and host.
func buildOutboundRequest(ctx context.Context, r *http.Request, finalURL string) (*http.Request, error) {
	outreq, err := http.NewRequestWithContext(ctx, r.Method, finalURL, r.Body)
	if err != nil {
		return nil, err
	}
	outreq.Header = r.Header.Clone()

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if prior := outreq.Header.Get("X-Forwarded-For"); prior != "" {
		outreq.Header.Set("X-Forwarded-For", prior+", "+ip)
	} else {
		outreq.Header.Set("X-Forwarded-For", ip)
	}
	outreq.Header.Set("X-Forwarded-Host", r.Host)
	outreq.Header.Set("X-Forwarded-Proto", scheme)

	upgradeHeader := getUpgradeHeader(r.Header)
	removeHopByHopHeaders(outreq.Header)
	if httpguts.HeaderValuesContainsToken(r.Header["Te"], "trailers") {
		outreq.Header.Set("Te", "trailers")
	}
	if upgradeHeader != "" {
		outreq.Header.Set("Connection", "upgrade")
		outreq.Header.Set("Upgrade", upgradeHeader)
	}

	outreq.Host = outreq.URL.Host
	outreq.Close = false
	return outreq, nil
}

// streamResponse rewrites the WMS content type, copies headers, and pipes
// the upstream response body to the client, flushing after every chunk
// for streamed (chunked or SSE) responses.
func streamResponse(w http.ResponseWriter, res *http.Response) {
	defer res.Body.Close()

	if ct := res.Header.Get("Content-Type"); strings.Contains(ct, wmsContentType) {
		res.Header.Set("Content-Type", strings.Replace(ct, wmsContentType, "text/xml", 1))
	}

	header := w.Header()
	copyHeader(header, res.Header, "")
	removeHopByHopHeaders(header)

	announcedTrailers := len(res.Trailer)
	if announcedTrailers > 0 {
		trailerKeys := make([]string, 0, len(res.Trailer))
		for k := range res.Trailer {
			trailerKeys = append(trailerKeys, k)
		}
		header.Add("Trailer", strings.Join(trailerKeys, ", "))
	}

	w.WriteHeader(res.StatusCode)

	stream := isStreaming(res)
	var fl http.Flusher
	if stream {
		if f, ok := w.(http.Flusher); ok {
			fl = f
			fl.Flush()
		} else {
			stream = false
		}
	}

	copyBuffer(w, res.Body, fl, stream)

	prefix := ""
	if announcedTrailers > 0 {
		prefix = http.TrailerPrefix
	}
	copyHeader(w.Header(), res.Trailer, prefix)
}

func copyBuffer(dst io.Writer, src io.Reader, fl http.Flusher, isStream bool) {
	buf := make([]byte, 32*1024)
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			if _, werr := dst.Write(buf[:nr]); werr != nil {
				return
			}
			if isStream {
				fl.Flush()
			}
		}
		if rerr != nil {
			return
		}
	}
}

func copyHeader(dst, src http.Header, prefix string) {
	for k, vv := range src {
		for _, v := range vv {
			key := k
			if prefix != "" {
				key = prefix + k
			}
			dst.Add(key, v)
		}
	}
}

func isStreaming(res *http.Response) bool {
	if strings.Contains(strings.ToLower(res.Header.Get("Content-Type")), "text/event-stream") {
		return true
	}
	return res.ContentLength == -1
}

func removeHopByHopHeaders(h http.Header) {
	for _, f := range h["Connection"] {
		for _, sf := range strings.Split(f, ",") {
			if sf = textproto.TrimString(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
	for _, f := range hopHeaders {
		h.Del(f)
	}
}

func getUpgradeHeader(h http.Header) string {
	if !httpguts.HeaderValuesContainsToken(h["Connection"], "Upgrade") {
		return ""
	}
	return h.Get("Upgrade")
}
