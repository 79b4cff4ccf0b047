package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/haasonsaas/tollgate/pkg/rules"
	"github.com/spf13/cobra"
)

var (
	adminURL   string
	adminToken string
	Version    = "dev"
)

type healthStatus struct {
	Healthy         bool              `json:"healthy"`
	OriginReachable bool              `json:"origin_reachable"`
	Components      map[string]string `json:"components"`
	Issues          []string          `json:"issues"`
}

type stats struct {
	Version string `json:"version"`
	Edge    struct {
		RateLimited  uint64 `json:"rate_limited"`
		FailedOpen   uint64 `json:"failed_open"`
		FailedClosed uint64 `json:"failed_closed"`
		CacheHits    uint64 `json:"cache_hits"`
		CacheMisses  uint64 `json:"cache_misses"`
		CacheErrors  uint64 `json:"cache_errors"`
		OriginErrors uint64 `json:"origin_errors"`
	} `json:"edge"`
	RateLimit struct {
		Allowed uint64 `json:"allowed"`
		Denied  uint64 `json:"denied"`
		Errors  uint64 `json:"errors"`
		Swept   uint64 `json:"swept"`
	} `json:"rate_limit"`
	Cache struct {
		Enabled   bool `json:"enabled"`
		Populator *struct {
			Pending int64  `json:"pending"`
			Written uint64 `json:"written"`
			Failed  uint64 `json:"failed"`
		} `json:"populator"`
	} `json:"cache"`
}

type ruleRow struct {
	Method  string `json:"method"`
	Path    string `json:"path"`
	Prefix  bool   `json:"prefix"`
	Key     string `json:"key"`
	Limit   int    `json:"limit"`
	WindowS int    `json:"window_s"`
}

type ruleListing struct {
	RateLimits []ruleRow       `json:"rate_limits"`
	Cacheable  []rules.Matcher `json:"cacheable"`
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "tollgate",
		Short:         "Tollgate - edge proxy administration",
		Long:          "Inspect a running tollgate edge proxy and evaluate its rule table",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&adminURL, "admin", "a", envOr("TOLLGATE_ADMIN_URL", "http://127.0.0.1:9090"), "Tollgate admin API URL")
	rootCmd.PersistentFlags().StringVar(&adminToken, "token", os.Getenv("TOLLGATE_ADMIN_TOKEN"), "Admin bearer token")

	rootCmd.AddCommand(
		statusCmd(),
		rulesCmd(),
		matchCmd(),
		versionCmd(),
	)
	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show proxy health and traffic counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			var h healthStatus
			// /healthz answers 503 with a body when unhealthy
			if err := fetchJSON("/healthz", &h, http.StatusOK, http.StatusServiceUnavailable); err != nil {
				return err
			}
			var s stats
			if err := fetchJSON("/v1/stats", &s, http.StatusOK); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			healthy := "healthy"
			if !h.Healthy {
				healthy = "UNHEALTHY"
			}
			fmt.Fprintf(out, "Tollgate Status (%s)\n", s.Version)
			fmt.Fprintf(out, "====================\n\n")
			fmt.Fprintf(out, "Health:            %s\n", healthy)
			fmt.Fprintf(out, "Origin Reachable:  %v\n", h.OriginReachable)
			for name, state := range h.Components {
				fmt.Fprintf(out, "  %-16s %s\n", name+":", state)
			}
			for _, issue := range h.Issues {
				fmt.Fprintf(out, "  issue: %s\n", issue)
			}
			fmt.Fprintf(out, "\nRate Limit:        %d allowed, %d denied, %d store errors\n", s.RateLimit.Allowed, s.RateLimit.Denied, s.RateLimit.Errors)
			fmt.Fprintf(out, "Fail Open/Closed:  %d / %d\n", s.Edge.FailedOpen, s.Edge.FailedClosed)
			if s.Cache.Enabled {
				total := s.Edge.CacheHits + s.Edge.CacheMisses
				ratio := 0.0
				if total > 0 {
					ratio = float64(s.Edge.CacheHits) / float64(total) * 100
				}
				fmt.Fprintf(out, "Cache:             %d hits, %d misses (%.1f%% hit rate), %d errors\n", s.Edge.CacheHits, s.Edge.CacheMisses, ratio, s.Edge.CacheErrors)
				if p := s.Cache.Populator; p != nil {
					fmt.Fprintf(out, "Cache Writes:      %d written, %d failed, %d pending\n", p.Written, p.Failed, p.Pending)
				}
			} else {
				fmt.Fprintf(out, "Cache:             disabled\n")
			}
			fmt.Fprintf(out, "Origin Errors:     %d\n", s.Edge.OriginErrors)
			return nil
		},
	}
}

func rulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rules",
		Aliases: []string{"ls", "list"},
		Short:   "List the rule table loaded by the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			var listing ruleListing
			if err := fetchJSON("/v1/rules", &listing, http.StatusOK); err != nil {
				return err
			}
			printRules(cmd.OutOrStdout(), listing)
			return nil
		},
	}
}

func printRules(out io.Writer, listing ruleListing) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "METHOD\tPATH\tKEY\tLIMIT\tWINDOW")
	fmt.Fprintln(w, "------\t----\t---\t-----\t------")
	for _, r := range listing.RateLimits {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.Method, displayPath(r.Path, r.Prefix), r.Key, r.Limit, time.Duration(r.WindowS)*time.Second)
	}
	w.Flush()

	fmt.Fprintln(out, "\nCacheable:")
	for _, m := range listing.Cacheable {
		fmt.Fprintf(out, "  %s %s\n", m.Method, displayPath(m.Path, m.Prefix))
	}
}

func displayPath(path string, prefix bool) string {
	if prefix {
		return path + "*"
	}
	return path
}

func matchCmd() *cobra.Command {
	var rulesFile string
	cmd := &cobra.Command{
		Use:   "match METHOD PATH",
		Short: "Show which rate limit and cache rules apply to a request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := rules.Load(rulesFile)
			if err != nil {
				return err
			}
			method, path := strings.ToUpper(args[0]), args[1]
			out := cmd.OutOrStdout()
			if rule, ok := table.MatchRateLimit(method, path); ok {
				fmt.Fprintf(out, "rate limit: %s (%d per %s)\n", rule.Key, rule.Limit, rule.Window)
			} else {
				fmt.Fprintln(out, "rate limit: none")
			}
			fmt.Fprintf(out, "cacheable:  %v\n", table.IsCacheableGET(method, path))
			return nil
		},
	}
	cmd.Flags().StringVarP(&rulesFile, "rules-file", "r", "", "Evaluate against this rule file instead of the built-in table")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tollgate version %s\n", Version)
		},
	}
}

func fetchJSON(path string, out any, accept ...int) error {
	req, err := http.NewRequest(http.MethodGet, strings.TrimRight(adminURL, "/")+path, nil)
	if err != nil {
		return err
	}
	if adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to admin API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	ok := false
	for _, code := range accept {
		if resp.StatusCode == code {
			ok = true
		}
	}
	if !ok {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("admin API %s: %s (%d)", path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("admin API %s returned %d", path, resp.StatusCode)
	}
	return json.Unmarshal(body, out)
}
