// Package dispatch implements the Dispatcher: it turns a matched rule and
// a parsed request into an outbound upstream call, injects credentials,
// retries once on an authentication-shaped upstream failure, and streams
// the upstream response back to the client.
package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/jf990/resource-proxy/internal/credentials"
	"github.com/jf990/resource-proxy/internal/ruleset"
	"github.com/jf990/resource-proxy/internal/urlflex"
)

type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID attaches a request-correlation ID to ctx. The engine sets
// this once per incoming request; it surfaces in the JSON error body's
// request_id field and in every log line the Dispatcher emits while
// handling that request.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// defaultTransport mirrors the pooling settings the teacher's proxy uses
// for its own default RoundTripper.
var defaultTransport http.RoundTripper = &http.Transport{
	MaxIdleConns:        1024,
	MaxIdleConnsPerHost: 1024,
	IdleConnTimeout:     90 * time.Second,
}

// Dispatcher owns the credential broker and the outbound transport used to
// reach upstream services.
type Dispatcher struct {
	Broker         *credentials.Broker
	Transport      http.RoundTripper
	Logger         zerolog.Logger
	RequestTimeout time.Duration
}

// NewDispatcher builds a Dispatcher using defaultTransport (a Transport
// field later set to nil also falls back to it); a zero timeout falls
// back to 30s.
func NewDispatcher(broker *credentials.Broker, logger zerolog.Logger, requestTimeout time.Duration) *Dispatcher {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &Dispatcher{
		Broker:         broker,
		Transport:      defaultTransport,
		Logger:         logger,
		RequestTimeout: requestTimeout,
	}
}

func (d *Dispatcher) transport() http.RoundTripper {
	if d.Transport != nil {
		return d.Transport
	}
	return defaultTransport
}

// isRetryableStatus reports the upstream responses that mean "your
// credential is stale"; the Dispatcher invalidates the cached token and
// retries once.
func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, 498, 499:
		return true
	default:
		return false
	}
}

// Dispatch computes the outbound URL for rule against target, attaches
// credentials, performs the upstream round trip (retrying once on a
// 401/403/498/499 after invalidating the cached token), and streams the
// result back to w. rawReferrer is the client's raw Referer header, used
// only to break protocol ties on a host-redirect rule; the redirect port
// is chosen from the request and redirect ports alone.
func (d *Dispatcher) Dispatch(ctx context.Context, w http.ResponseWriter, r *http.Request, rule *ruleset.ServiceRule, target urlflex.URLParts, rawReferrer string) {
	ctx, cancel := context.WithTimeout(ctx, d.RequestTimeout)
	defer cancel()

	outboundURL := d.buildOutboundURL(rule, target, rawReferrer)

	requestID := requestIDFromContext(ctx)
	log := d.Logger.With().Str("request_id", requestID).Logger()

	resp, err := d.attemptOnce(ctx, r, rule, outboundURL)
	if err != nil {
		log.Error().Err(err).Str("url", outboundURL).Msg("upstream transport error")
		writeTransportError(w, outboundURL, requestID, err)
		return
	}

	if isRetryableStatus(resp.StatusCode) && rule.Credentials.Kind != ruleset.CredNone {
		resp.Body.Close()
		log.Warn().Int("status", resp.StatusCode).Str("url", outboundURL).Msg("invalidating cached token after auth-shaped upstream response")
		d.Broker.Invalidate(rule.Index)

		retryResp, retryErr := d.attemptOnce(ctx, r, rule, outboundURL)
		if retryErr != nil {
			log.Error().Err(retryErr).Str("url", outboundURL).Msg("upstream transport error on retry")
			writeTransportError(w, outboundURL, requestID, retryErr)
			return
		}
		resp = retryResp
	}

	streamResponse(w, resp)
}

func (d *Dispatcher) buildOutboundURL(rule *ruleset.ServiceRule, target urlflex.URLParts, rawReferrer string) string {
	if rule.HostRedirect != nil {
		referrerProtocol := urlflex.ParseAndFixURLParts(rawReferrer).Protocol
		return ruleset.BuildRedirectedURL(rule, target, referrerProtocol)
	}
	return ruleset.BuildOutboundURL(rule, target)
}

func (d *Dispatcher) attemptOnce(ctx context.Context, r *http.Request, rule *ruleset.ServiceRule, outboundURL string) (*http.Response, error) {
	token, err := d.Broker.GetToken(ctx, rule)
	if err != nil {
		return nil, err
	}

	finalURL := outboundURL
	if token != "" {
		finalURL = attachToken(outboundURL, token, rule.TokenParamName)
	}

	outreq, err := buildOutboundRequest(ctx, r, finalURL)
	if err != nil {
		return nil, err
	}
	return d.transport().RoundTrip(outreq)
}

// attachToken injects token as the paramName query parameter,
// overwriting any existing value, per spec.
func attachToken(rawURL, token, paramName string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set(paramName, token)
	u.RawQuery = q.Encode()
	return u.String()
}

type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Details string `json:"details"`
		Message string `json:"message"`
	} `json:"error"`
	Request   string `json:"request"`
	RequestID string `json:"request_id,omitempty"`
}

func writeTransportError(w http.ResponseWriter, requestURL, requestID string, err error) {
	body := errorBody{Request: requestURL, RequestID: requestID}
	body.Error.Code = http.StatusInternalServerError
	body.Error.Details = err.Error()
	body.Error.Message = err.Error()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteJSONError is used by the front end for the non-transport error
// kinds (ReferrerDenied, NoRuleMatch, RateExceeded) that share the same
// body shape as a Dispatcher transport error. ctx carries the
// request-correlation ID set by WithRequestID, if any.
func WriteJSONError(ctx context.Context, w http.ResponseWriter, code int, message, requestURL string) {
	body := errorBody{Request: requestURL, RequestID: requestIDFromContext(ctx)}
	body.Error.Code = code
	body.Error.Details = message
	body.Error.Message = message

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
