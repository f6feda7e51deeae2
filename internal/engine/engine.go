// Package engine wires the URL flex parser, rule table, referrer matcher,
// rate meter, credential broker and dispatcher into the per-request
// pipeline, and owns the HTTP front end's listener lifecycle and config
// hot reload.
package engine

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jf990/resource-proxy/internal/config"
	"github.com/jf990/resource-proxy/internal/credentials"
	"github.com/jf990/resource-proxy/internal/dispatch"
	"github.com/jf990/resource-proxy/internal/ratelimit"
	"github.com/jf990/resource-proxy/internal/ruleset"
	"github.com/jf990/resource-proxy/internal/status"
	"github.com/jf990/resource-proxy/internal/urlflex"
)

// Version is the value reported by /ping and /status. It is a var, not a
// const, so it can be overridden at build time with -ldflags.
var Version = "dev"

// Engine holds the pieces of state that outlive a single config reload:
// the rate meter and credential broker keep their bucket/token state
// across a reload, only the compiled rule table and referrer list swap.
type Engine struct {
	cfg atomic.Value // *config.ProxyConfig

	meter      *ratelimit.Meter
	broker     *credentials.Broker
	dispatcher *dispatch.Dispatcher
	logger     zerolog.Logger

	startTime time.Time

	attempted uint64
	valid     uint64
	errored   uint64

	reapStop chan struct{}
}

// New builds an Engine around an already-compiled starting configuration,
// using the default operational tuning.
func New(initial *config.ProxyConfig, logger zerolog.Logger) *Engine {
	return NewWithTuning(initial, logger, config.DefaultTuning())
}

// NewWithTuning is New with the reaper interval and default upstream
// request timeout overridden by a loaded Tuning file.
func NewWithTuning(initial *config.ProxyConfig, logger zerolog.Logger, tuning config.Tuning) *Engine {
	meter := ratelimit.NewMeter(ratelimit.WithReapInterval(tuning.ReaperInterval))
	broker := credentials.NewBroker(nil, proxyReferer(initial))

	e := &Engine{
		meter:      meter,
		broker:     broker,
		dispatcher: dispatch.NewDispatcher(broker, logger, tuning.RequestTimeout),
		logger:     logger,
		startTime:  time.Now(),
		reapStop:   make(chan struct{}),
	}
	e.cfg.Store(initial)
	return e
}

func proxyReferer(cfg *config.ProxyConfig) string {
	scheme := "http"
	if cfg.UseHTTPS {
		scheme = "https"
	}
	return scheme + "://resource-proxy"
}

// Current returns the live configuration.
func (e *Engine) Current() *config.ProxyConfig {
	return e.cfg.Load().(*config.ProxyConfig)
}

// Reload atomically swaps in a newly compiled configuration. Rate meter
// buckets and cached tokens survive; only the rule table and referrer
// list are replaced, preserving the "rule list is frozen per generation"
// invariant.
func (e *Engine) Reload(next *config.ProxyConfig) {
	e.cfg.Store(next)
	e.logger.Info().Int("rules", len(next.Rules.Rules())).Msg("configuration reloaded")
}

// StartReaper begins the background idle-bucket sweep. Stop ends it.
func (e *Engine) StartReaper() {
	e.meter.StartReaper(e.reapStop)
}

// Stop ends the background reaper.
func (e *Engine) Stop() {
	close(e.reapStop)
}

// statusRecorder captures the status code streamed to the client so the
// engine can classify the request as valid or errored after the fact
// without the Dispatcher needing to know about counters.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// ServeHTTP is the single entry point for every incoming connection,
// implementing the Received -> RefValidated -> RuleMatched -> Admitted ->
// Authenticated -> Dispatched -> Streaming -> Done pipeline.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	atomic.AddUint64(&e.attempted, 1)
	cfg := e.Current()
	requestURL := r.URL.String()
	rawReferrer := r.Header.Get("Referer")
	ctx := dispatch.WithRequestID(r.Context(), uuid.NewString())

	if r.URL.Path == cfg.PingPath {
		status.Ping(w, Version, rawReferrer)
		atomic.AddUint64(&e.valid, 1)
		return
	}

	canonicalReferrer, refOK := cfg.Referrers.Validate(rawReferrer)

	if r.URL.Path == cfg.StatusPath {
		if !refOK {
			e.reject(ctx, w, http.StatusForbidden, "referrer not allowed", requestURL)
			return
		}
		e.renderStatus(w, cfg)
		atomic.AddUint64(&e.valid, 1)
		return
	}

	if !refOK {
		e.reject(ctx, w, http.StatusForbidden, "referrer not allowed", requestURL)
		return
	}

	parsedReq, ok := urlflex.ParseURLRequest(r.URL.RequestURI(), cfg.ListenURIs, cfg.MustMatch)
	if !ok {
		e.reject(ctx, w, http.StatusNotFound, "no listen prefix matched", requestURL)
		return
	}

	target := ruleset.RequestTargetParts(parsedReq)
	rule, matched := cfg.Rules.Match(target)
	if !matched {
		e.reject(ctx, w, http.StatusNotFound, "no upstream rule matched", requestURL)
		return
	}

	admitted, err := e.meter.IsUnderRate(canonicalReferrer, rule.Index, rule.URL, rule.UseRateMeter, rule.RateLimit, rule.Rate)
	if err != nil {
		e.logger.Error().Err(err).Msg("rate meter internal error")
		e.reject(ctx, w, http.StatusInternalServerError, err.Error(), requestURL)
		return
	}
	if !admitted {
		e.reject(ctx, w, 420, "rate limit exceeded", requestURL)
		return
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	e.dispatcher.Dispatch(ctx, rec, r, rule, target, rawReferrer)
	if rec.status >= 400 {
		atomic.AddUint64(&e.errored, 1)
	} else {
		atomic.AddUint64(&e.valid, 1)
	}
}

func (e *Engine) reject(ctx context.Context, w http.ResponseWriter, code int, message, requestURL string) {
	dispatch.WriteJSONError(ctx, w, code, message, requestURL)
	atomic.AddUint64(&e.errored, 1)
}

func (e *Engine) renderStatus(w http.ResponseWriter, cfg *config.ProxyConfig) {
	status.Page(w, status.PageData{
		Version: Version,
		Uptime:  time.Since(e.startTime),
		Counters: status.Counters{
			Attempted: atomic.LoadUint64(&e.attempted),
			Valid:     atomic.LoadUint64(&e.valid),
			Errors:    atomic.LoadUint64(&e.errored),
		},
		Referrers: cfg.Referrers.Entries(),
		MatchAny:  cfg.Referrers.MatchAny(),
		Buckets:   e.meter.DatabaseDump(),
	})
}
