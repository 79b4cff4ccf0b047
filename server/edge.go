package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/tollgate/pkg/cache"
	"github.com/haasonsaas/tollgate/pkg/config"
	"github.com/haasonsaas/tollgate/pkg/counter"
	"github.com/haasonsaas/tollgate/pkg/origin"
	"github.com/haasonsaas/tollgate/pkg/rules"
	"github.com/haasonsaas/tollgate/pkg/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	msgRateLimited        = "Rate limit exceeded. Try again later."
	msgLimiterUnavailable = "Rate limiter unavailable. Try again later."
	msgOriginUnavailable  = "Origin unavailable"
	msgOriginTimeout      = "Origin timed out"

	// unknownClient buckets every request that arrives without the trusted
	// client IP header.
	unknownClient = "0.0.0.0"

	cacheStatusHeader = "X-Tollgate-Cache"
)

// Edge sequences CORS, rate limiting, cache-aside and proxying for each request.
type Edge struct {
	rules     *rules.Table
	counter   *counter.Counter
	cache     cache.Store
	populator *cache.Populator
	origin    *origin.Client
	cors      corsPolicy

	failMode         config.FailMode
	clientIPHeader   string
	rateLimitTimeout time.Duration
	lookupTimeout    time.Duration
	cacheTTL         time.Duration
	now              func() time.Time
	logger           zerolog.Logger

	stats edgeCounters
}

type edgeCounters struct {
	rateLimited  atomic.Uint64
	failedOpen   atomic.Uint64
	failedClosed atomic.Uint64
	cacheHits    atomic.Uint64
	cacheMisses  atomic.Uint64
	cacheErrors  atomic.Uint64
	originErrors atomic.Uint64
}

// EdgeStats is the edge section of /v1/stats.
type EdgeStats struct {
	RateLimited  uint64 `json:"rate_limited"`
	FailedOpen   uint64 `json:"failed_open"`
	FailedClosed uint64 `json:"failed_closed"`
	CacheHits    uint64 `json:"cache_hits"`
	CacheMisses  uint64 `json:"cache_misses"`
	CacheErrors  uint64 `json:"cache_errors"`
	OriginErrors uint64 `json:"origin_errors"`
}

// EdgeOptions wires an Edge. Cache may be nil to disable caching.
type EdgeOptions struct {
	Rules            *rules.Table
	Counter          *counter.Counter
	Cache            cache.Store
	Populator        *cache.Populator
	Origin           *origin.Client
	AllowedOrigin    string
	FailMode         config.FailMode
	ClientIPHeader   string
	RateLimitTimeout time.Duration
	LookupTimeout    time.Duration
	CacheTTL         time.Duration
	Now              func() time.Time
	Logger           zerolog.Logger
}

func NewEdge(opts EdgeOptions) *Edge {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = cache.DefaultTTL
	}
	if opts.FailMode == "" {
		opts.FailMode = config.FailOpen
	}
	if opts.Cache != nil && opts.Populator == nil {
		opts.Populator = cache.NewPopulator(opts.Cache, 0, opts.Logger)
	}
	return &Edge{
		rules:            opts.Rules,
		counter:          opts.Counter,
		cache:            opts.Cache,
		populator:        opts.Populator,
		origin:           opts.Origin,
		cors:             corsPolicy{allowedOrigin: opts.AllowedOrigin},
		failMode:         opts.FailMode,
		clientIPHeader:   opts.ClientIPHeader,
		rateLimitTimeout: opts.RateLimitTimeout,
		lookupTimeout:    opts.LookupTimeout,
		cacheTTL:         opts.CacheTTL,
		now:              opts.Now,
		logger:           opts.Logger,
	}
}

func (e *Edge) registerRoutes(r *gin.Engine) {
	r.Any("/*path", e.handle)
}

func (e *Edge) handle(c *gin.Context) {
	r := c.Request

	if r.Method == http.MethodOptions {
		e.cors.apply(c.Writer.Header(), r)
		c.Status(http.StatusNoContent)
		c.Writer.WriteHeaderNow()
		return
	}

	if rule, ok := e.rules.MatchRateLimit(r.Method, r.URL.Path); ok {
		c.Set(ruleKeyContextKey, rule.Key)
		if !e.admit(c, rule) {
			return
		}
	}

	if e.cache != nil && e.rules.IsCacheableGET(r.Method, r.URL.Path) {
		e.serveCached(c)
		return
	}

	c.Set(cacheResultContextKey, "bypass")
	resp, ok := e.fetch(c)
	if !ok {
		return
	}
	e.write(c, resp.Status, resp.Header, resp.Body, "")
}

// admit runs the rate limit check and writes the rejection when the request
// may not proceed.
func (e *Edge) admit(c *gin.Context, rule rules.RateRule) bool {
	logger := requestLogger(c, e.logger)
	identity := clientIdentity(c.Request, e.clientIPHeader)

	ctx, span := otel.Tracer(telemetry.TracerName).Start(c.Request.Context(), "ratelimit.check")
	defer span.End()
	span.SetAttributes(attribute.String("ratelimit.rule", rule.Key))
	if e.rateLimitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.rateLimitTimeout)
		defer cancel()
	}

	decision, err := e.counter.Check(ctx, identity, rule.Key, rule.Limit, rule.Window)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "counter unavailable")
		if e.failMode == config.FailClosed {
			e.stats.failedClosed.Add(1)
			logger.Error().Err(err).Str("rule", rule.Key).Msg("rate limiter unavailable, rejecting")
			e.fail(c, http.StatusServiceUnavailable, msgLimiterUnavailable)
			return false
		}
		e.stats.failedOpen.Add(1)
		logger.Warn().Err(err).Str("rule", rule.Key).Msg("rate limiter unavailable, admitting")
		return true
	}

	span.SetAttributes(
		attribute.Bool("ratelimit.allowed", decision.Allowed),
		attribute.Int("ratelimit.count", decision.Count),
	)
	if decision.Allowed {
		return true
	}
	e.stats.rateLimited.Add(1)
	retry := decision.RetryAfter(e.now())
	c.Header("Retry-After", strconv.Itoa(int((retry+time.Second-1)/time.Second)))
	e.fail(c, http.StatusTooManyRequests, msgRateLimited)
	return false
}

func (e *Edge) serveCached(c *gin.Context) {
	key := cache.Key(c.Request)
	if entry, ok := e.lookup(c, key); ok {
		e.stats.cacheHits.Add(1)
		c.Set(cacheResultContextKey, "hit")
		e.write(c, entry.Status, entry.Header, entry.Body, "HIT")
		return
	}
	e.stats.cacheMisses.Add(1)
	c.Set(cacheResultContextKey, "miss")

	resp, ok := e.fetch(c)
	if !ok {
		return
	}
	if cache.Cacheable(resp.Status) {
		e.populator.Store(key, cache.NewEntry(resp.Status, resp.Header, resp.Body, e.now(), e.cacheTTL))
	}
	e.write(c, resp.Status, resp.Header, resp.Body, "MISS")
}

// lookup treats store errors as a miss.
func (e *Edge) lookup(c *gin.Context, key string) (*cache.Entry, bool) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(c.Request.Context(), "cache.lookup")
	defer span.End()
	if e.lookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.lookupTimeout)
		defer cancel()
	}

	entry, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		e.stats.cacheErrors.Add(1)
		span.RecordError(err)
		reqLogger := requestLogger(c, e.logger)
		reqLogger.Warn().Err(err).Str("cache_key", key).Msg("cache lookup failed")
		return nil, false
	}
	span.SetAttributes(attribute.Bool("cache.hit", ok))
	return entry, ok
}

func (e *Edge) fetch(c *gin.Context) (*origin.Response, bool) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(c.Request.Context(), "origin.fetch")
	defer span.End()

	resp, err := e.origin.Forward(c.Request.WithContext(ctx))
	if err != nil {
		e.stats.originErrors.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "origin fetch failed")
		reqLogger := requestLogger(c, e.logger)
		reqLogger.Error().Err(err).Msg("origin fetch failed")
		if errors.Is(err, origin.ErrOriginTimeout) {
			e.fail(c, http.StatusGatewayTimeout, msgOriginTimeout)
		} else {
			e.fail(c, http.StatusBadGateway, msgOriginUnavailable)
		}
		return nil, false
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.Status))
	return resp, true
}

// write copies the origin (or cached) response to the client with CORS applied.
func (e *Edge) write(c *gin.Context, status int, header http.Header, body []byte, cacheStatus string) {
	out := c.Writer.Header()
	for name, values := range header {
		if strings.EqualFold(name, requestIDHeader) {
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	if c.Request.Method != http.MethodHead {
		out.Set("Content-Length", strconv.Itoa(len(body)))
	}
	if cacheStatus != "" {
		out.Set(cacheStatusHeader, cacheStatus)
	}
	e.cors.apply(out, c.Request)

	c.Status(status)
	c.Writer.WriteHeaderNow()
	if len(body) > 0 && c.Request.Method != http.MethodHead {
		if _, err := c.Writer.Write(body); err != nil {
			reqLogger := requestLogger(c, e.logger)
			reqLogger.Debug().Err(err).Msg("client write failed")
		}
	}
}

func (e *Edge) fail(c *gin.Context, status int, message string) {
	e.cors.apply(c.Writer.Header(), c.Request)
	respondError(c, status, message, e.logger)
}

func (e *Edge) Stats() EdgeStats {
	return EdgeStats{
		RateLimited:  e.stats.rateLimited.Load(),
		FailedOpen:   e.stats.failedOpen.Load(),
		FailedClosed: e.stats.failedClosed.Load(),
		CacheHits:    e.stats.cacheHits.Load(),
		CacheMisses:  e.stats.cacheMisses.Load(),
		CacheErrors:  e.stats.cacheErrors.Load(),
		OriginErrors: e.stats.originErrors.Load(),
	}
}

// clientIdentity reads the trusted edge header. Only the first address of a
// comma-separated list is used.
func clientIdentity(r *http.Request, header string) string {
	if header == "" {
		return unknownClient
	}
	v := r.Header.Get(header)
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	if v = strings.TrimSpace(v); v == "" {
		return unknownClient
	}
	return v
}
