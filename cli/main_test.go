package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestMatchBuiltInRules(t *testing.T) {
	tests := []struct {
		args []string
		want []string
	}{
		{args: []string{"match", "post", "/login"}, want: []string{"rate limit: login (10 per 1m0s)", "cacheable:  false"}},
		{args: []string{"match", "GET", "/get-class-details/bard"}, want: []string{"rate limit: none", "cacheable:  true"}},
		{args: []string{"match", "DELETE", "/api/delete-character/42"}, want: []string{"rate limit: delete_character (60 per 1h0m0s)"}},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			out, err := runCLI(t, tt.args...)
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			for _, want := range tt.want {
				if !strings.Contains(out, want) {
					t.Errorf("output %q missing %q", out, want)
				}
			}
		})
	}
}

func TestMatchRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	data := `
rate_limits:
  - method: GET
    paths: ["/search"]
    key: search
    limit: 5
    window_s: 10
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := runCLI(t, "match", "GET", "/search", "--rules-file", path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "rate limit: search (5 per 10s)") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestRulesCommandUsesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid bearer token"}`))
			return
		}
		w.Write([]byte(`{"rate_limits":[{"method":"POST","path":"/login","key":"login","limit":10,"window_s":60}],"cacheable":[{"method":"GET","path":"/get-class-details/","prefix":true}]}`))
	}))
	defer srv.Close()

	out, err := runCLI(t, "rules", "--admin", srv.URL, "--token", "s3cret")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"/login", "login", "1m0s", "GET /get-class-details/*"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	_, err = runCLI(t, "rules", "--admin", srv.URL, "--token", "wrong")
	if err == nil || !strings.Contains(err.Error(), "invalid bearer token") {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestStatusCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"healthy":false,"origin_reachable":false,"components":{"rate_limit_store":"ok"},"issues":["cannot reach origin"]}`))
		case "/v1/stats":
			w.Write([]byte(`{"version":"1.2.3","edge":{"cache_hits":3,"cache_misses":1},"rate_limit":{"allowed":10,"denied":1},"cache":{"enabled":true,"populator":{"written":1}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	out, err := runCLI(t, "status", "--admin", srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"UNHEALTHY", "cannot reach origin", "10 allowed, 1 denied", "75.0% hit rate", "1.2.3"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "tollgate version dev") {
		t.Fatalf("unexpected output %q", out)
	}
}
