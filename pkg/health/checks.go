package health

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Prober reports the HTTP status of the origin's health route.
type Prober interface {
	Probe(ctx context.Context, path string) (int, error)
}

// Pinger is any backing store that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthStatus struct {
	OriginReachable bool              `json:"origin_reachable"`
	Components      map[string]string `json:"components"`
	CheckedAt       time.Time         `json:"checked_at"`
	Healthy         bool              `json:"healthy"`
	Issues          []string          `json:"issues,omitempty"`
}

// Check probes the origin at healthPath and pings each named component.
func Check(ctx context.Context, origin Prober, healthPath string, components map[string]Pinger) *HealthStatus {
	status := &HealthStatus{
		Healthy:    true,
		Components: map[string]string{},
		Issues:     []string{},
		CheckedAt:  time.Now().UTC(),
	}

	code, err := origin.Probe(ctx, healthPath)
	switch {
	case err != nil:
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("cannot reach origin: %v", err))
	case code != 200:
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("origin unhealthy: %d", code))
	default:
		status.OriginReachable = true
	}

	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := components[name].Ping(ctx); err != nil {
			status.Components[name] = "down"
			status.Healthy = false
			status.Issues = append(status.Issues, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		status.Components[name] = "ok"
	}

	return status
}
