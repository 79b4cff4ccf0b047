package main

import (
	"net/http"
	"strings"
)

const (
	corsAllowMethods = "GET,POST,PUT,PATCH,DELETE,OPTIONS"
	corsMaxAge       = "86400"
)

// corsPolicy allows exactly one browser origin.
type corsPolicy struct {
	allowedOrigin string
}

// apply sets the CORS response headers for r on h, replacing any CORS
// headers the origin sent.
func (p corsPolicy) apply(h http.Header, r *http.Request) {
	origin := p.allowedOrigin
	if reqOrigin := r.Header.Get("Origin"); reqOrigin == p.allowedOrigin {
		origin = reqOrigin
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", corsAllowMethods)
	allowHeaders := r.Header.Get("Access-Control-Request-Headers")
	if allowHeaders == "" {
		allowHeaders = "*"
	}
	h.Set("Access-Control-Allow-Headers", allowHeaders)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Max-Age", corsMaxAge)
	addVary(h, "Origin")
}

func addVary(h http.Header, field string) {
	for _, v := range h.Values("Vary") {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "*" || strings.EqualFold(part, field) {
				return
			}
		}
	}
	h.Add("Vary", field)
}
