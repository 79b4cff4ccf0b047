// Package rules holds the static route table that decides which requests are
// rate limited and which GET responses may be cached.
package rules

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Matcher tests a request method and path. A Prefix matcher uses strings.HasPrefix,
// otherwise the path must match exactly.
type Matcher struct {
	Method string `yaml:"method" json:"method"`
	Path   string `yaml:"path" json:"path"`
	Prefix bool   `yaml:"prefix" json:"prefix"`
}

// Matches reports whether method and path satisfy the matcher.
func (m Matcher) Matches(method, path string) bool {
	if !strings.EqualFold(m.Method, method) {
		return false
	}
	if m.Prefix {
		return strings.HasPrefix(path, m.Path)
	}
	return path == m.Path
}

// RateRule is the bucket a matching request is counted against.
type RateRule struct {
	Key    string        `json:"key"`
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`
}

// Entry pairs a matcher with the rule it selects.
type Entry struct {
	Matcher Matcher  `json:"matcher"`
	Rule    RateRule `json:"rule"`
}

// Table is evaluated top to bottom; the first matching entry wins.
type Table struct {
	limits    []Entry
	cacheable []Matcher
}

// New builds a table from ordered entries and cacheable matchers.
func New(limits []Entry, cacheable []Matcher) (*Table, error) {
	for i, e := range limits {
		if e.Rule.Key == "" {
			return nil, fmt.Errorf("rate limit entry %d: missing key", i)
		}
		if e.Rule.Limit < 1 {
			return nil, fmt.Errorf("rate limit %q: limit must be >= 1", e.Rule.Key)
		}
		if e.Rule.Window < time.Second {
			return nil, fmt.Errorf("rate limit %q: window must be >= 1s", e.Rule.Key)
		}
		if e.Matcher.Path == "" || e.Matcher.Method == "" {
			return nil, fmt.Errorf("rate limit %q: matcher needs method and path", e.Rule.Key)
		}
	}
	for i, m := range cacheable {
		if m.Path == "" {
			return nil, fmt.Errorf("cacheable entry %d: missing path", i)
		}
	}
	return &Table{
		limits:    append([]Entry(nil), limits...),
		cacheable: append([]Matcher(nil), cacheable...),
	}, nil
}

// MatchRateLimit returns the first rate rule matching the request.
func (t *Table) MatchRateLimit(method, path string) (RateRule, bool) {
	if t == nil {
		return RateRule{}, false
	}
	for _, e := range t.limits {
		if e.Matcher.Matches(method, path) {
			return e.Rule, true
		}
	}
	return RateRule{}, false
}

// IsCacheableGET reports whether a GET to path may be served from the cache.
func (t *Table) IsCacheableGET(method, path string) bool {
	if t == nil || method != http.MethodGet {
		return false
	}
	for _, m := range t.cacheable {
		if m.Matches(http.MethodGet, path) {
			return true
		}
	}
	return false
}

// MaxWindow is the longest window of any rule, used to bound idle bucket expiry.
func (t *Table) MaxWindow() time.Duration {
	var max time.Duration
	if t == nil {
		return max
	}
	for _, e := range t.limits {
		if e.Rule.Window > max {
			max = e.Rule.Window
		}
	}
	return max
}

// Entries returns a copy of the ordered rate limit entries.
func (t *Table) Entries() []Entry {
	if t == nil {
		return nil
	}
	return append([]Entry(nil), t.limits...)
}

// Cacheable returns a copy of the cacheable matchers.
func (t *Table) Cacheable() []Matcher {
	if t == nil {
		return nil
	}
	return append([]Matcher(nil), t.cacheable...)
}

func exact(method, path string) Matcher { return Matcher{Method: method, Path: path} }

func prefix(method, path string) Matcher { return Matcher{Method: method, Path: path, Prefix: true} }

func rule(key string, limit int, windowSec int) RateRule {
	return RateRule{Key: key, Limit: limit, Window: time.Duration(windowSec) * time.Second}
}

// Default returns the built-in route table.
func Default() *Table {
	inventory := rule("inventory", 120, 3600)
	return &Table{
		limits: []Entry{
			{exact(http.MethodPost, "/login"), rule("login", 10, 60)},
			{exact(http.MethodPost, "/create-character"), rule("create_character", 30, 3600)},
			{exact(http.MethodPost, "/add-dnd-info"), rule("add_dnd_info", 30, 3600)},
			{exact(http.MethodPost, "/upload-portrait"), rule("upload_portrait", 10, 3600)},
			{exact(http.MethodPost, "/update-character"), rule("update_character", 60, 3600)},
			{exact(http.MethodPost, "/update-character-currency"), rule("update_currency", 120, 3600)},
			{exact(http.MethodPost, "/add-inventory-item"), inventory},
			{exact(http.MethodPost, "/remove-inventory-item"), inventory},
			{prefix(http.MethodDelete, "/api/delete-character/"), rule("delete_character", 60, 3600)},
			{exact(http.MethodGet, "/api/check-auth"), rule("check_auth", 120, 60)},
		},
		cacheable: []Matcher{
			exact(http.MethodGet, "/get-races"),
			exact(http.MethodGet, "/get-classes"),
			exact(http.MethodGet, "/get-backgrounds"),
			exact(http.MethodGet, "/get-all-equipment"),
			exact(http.MethodGet, "/get-feats"),
			exact(http.MethodGet, "/get-spells"),
			prefix(http.MethodGet, "/get-class-details/"),
		},
	}
}

type fileRateLimit struct {
	Method  string   `yaml:"method"`
	Paths   []string `yaml:"paths"`
	Prefix  bool     `yaml:"prefix"`
	Key     string   `yaml:"key"`
	Limit   int      `yaml:"limit"`
	WindowS int      `yaml:"window_s"`
}

type fileTable struct {
	RateLimits []fileRateLimit `yaml:"rate_limits"`
	Cacheable  []Matcher       `yaml:"cacheable"`
}

// Load reads a rule table from a YAML file. An empty path returns the built-in table.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML rule table.
func Parse(data []byte) (*Table, error) {
	var ft fileTable
	if err := yaml.Unmarshal(data, &ft); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}

	var limits []Entry
	for _, rl := range ft.RateLimits {
		method := strings.ToUpper(strings.TrimSpace(rl.Method))
		r := rule(rl.Key, rl.Limit, rl.WindowS)
		for _, p := range rl.Paths {
			limits = append(limits, Entry{Matcher: Matcher{Method: method, Path: p, Prefix: rl.Prefix}, Rule: r})
		}
	}

	cacheable := make([]Matcher, 0, len(ft.Cacheable))
	for _, m := range ft.Cacheable {
		m.Method = http.MethodGet
		cacheable = append(cacheable, m)
	}

	return New(limits, cacheable)
}
