package main

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/tollgate/pkg/cache"
	"github.com/haasonsaas/tollgate/pkg/counter"
	"github.com/haasonsaas/tollgate/pkg/health"
	"github.com/haasonsaas/tollgate/pkg/rules"
	"github.com/rs/zerolog"
)

// adminAPI serves health, stats and the rule table on the admin listener.
type adminAPI struct {
	edge       *Edge
	token      string
	healthPath string
	components map[string]health.Pinger
	version    string
	logger     zerolog.Logger
}

func (a *adminAPI) registerRoutes(r *gin.Engine) {
	r.GET("/healthz", a.handleHealth)
	v1 := r.Group("/v1", a.requireAdmin)
	v1.GET("/stats", a.handleStats)
	v1.GET("/rules", a.handleRules)
}

func (a *adminAPI) requireAdmin(c *gin.Context) {
	if a.token == "" {
		c.Next()
		return
	}
	authz := c.GetHeader("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		respondError(c, http.StatusUnauthorized, "missing bearer token", a.logger)
		return
	}
	if !secureCompare(strings.TrimPrefix(authz, "Bearer "), a.token) {
		respondError(c, http.StatusUnauthorized, "invalid bearer token", a.logger)
		return
	}
	c.Next()
}

func (a *adminAPI) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := health.Check(ctx, a.edge.origin, a.healthPath, a.components)
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
		reqLogger := requestLogger(c, a.logger)
		reqLogger.Warn().Strs("issues", status.Issues).Msg("health check failed")
	}
	c.JSON(code, status)
}

type cacheStats struct {
	Enabled   bool                  `json:"enabled"`
	Populator *cache.PopulatorStats `json:"populator,omitempty"`
}

type statsResponse struct {
	Version   string        `json:"version"`
	Edge      EdgeStats     `json:"edge"`
	RateLimit counter.Stats `json:"rate_limit"`
	Cache     cacheStats    `json:"cache"`
}

func (a *adminAPI) handleStats(c *gin.Context) {
	resp := statsResponse{
		Version:   a.version,
		Edge:      a.edge.Stats(),
		RateLimit: a.edge.counter.Stats(),
		Cache:     cacheStats{Enabled: a.edge.cache != nil},
	}
	if a.edge.populator != nil {
		ps := a.edge.populator.Stats()
		resp.Cache.Populator = &ps
	}
	c.JSON(http.StatusOK, resp)
}

type ruleView struct {
	Method  string `json:"method"`
	Path    string `json:"path"`
	Prefix  bool   `json:"prefix"`
	Key     string `json:"key"`
	Limit   int    `json:"limit"`
	WindowS int    `json:"window_s"`
}

type rulesResponse struct {
	RateLimits []ruleView      `json:"rate_limits"`
	Cacheable  []rules.Matcher `json:"cacheable"`
}

func (a *adminAPI) handleRules(c *gin.Context) {
	c.JSON(http.StatusOK, describeRules(a.edge.rules))
}

func describeRules(t *rules.Table) rulesResponse {
	entries := t.Entries()
	resp := rulesResponse{
		RateLimits: make([]ruleView, 0, len(entries)),
		Cacheable:  t.Cacheable(),
	}
	for _, e := range entries {
		resp.RateLimits = append(resp.RateLimits, ruleView{
			Method:  e.Matcher.Method,
			Path:    e.Matcher.Path,
			Prefix:  e.Matcher.Prefix,
			Key:     e.Rule.Key,
			Limit:   e.Rule.Limit,
			WindowS: int(e.Rule.Window / time.Second),
		})
	}
	return resp
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
