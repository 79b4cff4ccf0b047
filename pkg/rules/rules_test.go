package rules

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultMatchRateLimit(t *testing.T) {
	table := Default()

	tests := []struct {
		name       string
		method     string
		path       string
		wantKey    string
		wantLimit  int
		wantWindow time.Duration
		wantMatch  bool
	}{
		{name: "login", method: http.MethodPost, path: "/login", wantKey: "login", wantLimit: 10, wantWindow: time.Minute, wantMatch: true},
		{name: "login wrong method", method: http.MethodGet, path: "/login"},
		{name: "create character", method: http.MethodPost, path: "/create-character", wantKey: "create_character", wantLimit: 30, wantWindow: time.Hour, wantMatch: true},
		{name: "upload portrait", method: http.MethodPost, path: "/upload-portrait", wantKey: "upload_portrait", wantLimit: 10, wantWindow: time.Hour, wantMatch: true},
		{name: "currency", method: http.MethodPost, path: "/update-character-currency", wantKey: "update_currency", wantLimit: 120, wantWindow: time.Hour, wantMatch: true},
		{name: "add inventory", method: http.MethodPost, path: "/add-inventory-item", wantKey: "inventory", wantLimit: 120, wantWindow: time.Hour, wantMatch: true},
		{name: "remove inventory shares bucket", method: http.MethodPost, path: "/remove-inventory-item", wantKey: "inventory", wantLimit: 120, wantWindow: time.Hour, wantMatch: true},
		{name: "delete prefix", method: http.MethodDelete, path: "/api/delete-character/42", wantKey: "delete_character", wantLimit: 60, wantWindow: time.Hour, wantMatch: true},
		{name: "check auth", method: http.MethodGet, path: "/api/check-auth", wantKey: "check_auth", wantLimit: 120, wantWindow: time.Minute, wantMatch: true},
		{name: "exact is not prefix", method: http.MethodPost, path: "/login/extra"},
		{name: "unknown", method: http.MethodGet, path: "/get-races"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := table.MatchRateLimit(tt.method, tt.path)
			if ok != tt.wantMatch {
				t.Fatalf("MatchRateLimit() matched = %v, want %v", ok, tt.wantMatch)
			}
			if !ok {
				return
			}
			if got.Key != tt.wantKey || got.Limit != tt.wantLimit || got.Window != tt.wantWindow {
				t.Errorf("MatchRateLimit() = %+v, want key=%s limit=%d window=%v", got, tt.wantKey, tt.wantLimit, tt.wantWindow)
			}
		})
	}
}

func TestDefaultIsCacheableGET(t *testing.T) {
	table := Default()

	tests := []struct {
		method string
		path   string
		want   bool
	}{
		{http.MethodGet, "/get-races", true},
		{http.MethodGet, "/get-spells", true},
		{http.MethodGet, "/get-class-details/wizard", true},
		{http.MethodGet, "/get-class-details", false},
		{http.MethodHead, "/get-races", false},
		{http.MethodPost, "/get-races", false},
		{http.MethodGet, "/get-races/extra", false},
		{http.MethodGet, "/api/dashboard", false},
	}

	for _, tt := range tests {
		if got := table.IsCacheableGET(tt.method, tt.path); got != tt.want {
			t.Errorf("IsCacheableGET(%s, %s) = %v, want %v", tt.method, tt.path, got, tt.want)
		}
	}
}

func TestFirstMatchWins(t *testing.T) {
	table, err := New([]Entry{
		{Matcher: Matcher{Method: http.MethodPost, Path: "/api/", Prefix: true}, Rule: RateRule{Key: "broad", Limit: 1, Window: time.Second}},
		{Matcher: Matcher{Method: http.MethodPost, Path: "/api/login"}, Rule: RateRule{Key: "narrow", Limit: 5, Window: time.Second}},
	}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, ok := table.MatchRateLimit(http.MethodPost, "/api/login")
	if !ok || got.Key != "broad" {
		t.Fatalf("expected first entry to win, got %+v ok=%v", got, ok)
	}
}

func TestMaxWindow(t *testing.T) {
	if got := Default().MaxWindow(); got != time.Hour {
		t.Fatalf("MaxWindow() = %v, want 1h", got)
	}
}

func TestParse(t *testing.T) {
	data := []byte(`
rate_limits:
  - method: post
    paths: ["/a", "/b"]
    key: shared
    limit: 3
    window_s: 30
  - method: DELETE
    paths: ["/items/"]
    prefix: true
    key: delete
    limit: 1
    window_s: 60
cacheable:
  - path: /list
  - path: /details/
    prefix: true
`)
	table, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got, ok := table.MatchRateLimit(http.MethodPost, "/b"); !ok || got.Key != "shared" || got.Window != 30*time.Second {
		t.Errorf("unexpected /b match: %+v ok=%v", got, ok)
	}
	if got, ok := table.MatchRateLimit(http.MethodDelete, "/items/9"); !ok || got.Key != "delete" {
		t.Errorf("unexpected delete match: %+v ok=%v", got, ok)
	}
	if !table.IsCacheableGET(http.MethodGet, "/details/x") {
		t.Error("expected prefix cacheable match")
	}
	if table.IsCacheableGET(http.MethodGet, "/list/x") {
		t.Error("exact cacheable matcher should not match longer path")
	}
}

func TestParseRejectsInvalidRules(t *testing.T) {
	tests := map[string]string{
		"zero limit":  "rate_limits: [{method: POST, paths: [/a], key: k, limit: 0, window_s: 10}]",
		"zero window": "rate_limits: [{method: POST, paths: [/a], key: k, limit: 1, window_s: 0}]",
		"no key":      "rate_limits: [{method: POST, paths: [/a], limit: 1, window_s: 10}]",
		"bad yaml":    "rate_limits: [",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(data)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	table, err := Load("")
	if err != nil || table == nil {
		t.Fatalf("Load(\"\") = %v, %v", table, err)
	}

	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("cacheable: [{path: /only}]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	table, err = Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !table.IsCacheableGET(http.MethodGet, "/only") {
		t.Error("expected /only to be cacheable")
	}
	if _, ok := table.MatchRateLimit(http.MethodPost, "/login"); ok {
		t.Error("file table should replace the built-in table")
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
