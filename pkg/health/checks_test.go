package health

import (
	"context"
	"errors"
	"testing"
)

type fakeProber struct {
	code int
	err  error
	path string
}

func (f *fakeProber) Probe(_ context.Context, path string) (int, error) {
	f.path = path
	return f.code, f.err
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestCheck(t *testing.T) {
	tests := []struct {
		name       string
		prober     *fakeProber
		components map[string]Pinger
		healthy    bool
		reachable  bool
		issues     int
	}{
		{
			name:       "all healthy",
			prober:     &fakeProber{code: 200},
			components: map[string]Pinger{"counter": fakePinger{}, "cache": fakePinger{}},
			healthy:    true,
			reachable:  true,
		},
		{
			name:      "origin down",
			prober:    &fakeProber{err: errors.New("connection refused")},
			healthy:   false,
			reachable: false,
			issues:    1,
		},
		{
			name:      "origin unhealthy status",
			prober:    &fakeProber{code: 500},
			healthy:   false,
			reachable: false,
			issues:    1,
		},
		{
			name:       "store down",
			prober:     &fakeProber{code: 200},
			components: map[string]Pinger{"counter": fakePinger{err: errors.New("redis: closed")}},
			healthy:    false,
			reachable:  true,
			issues:     1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := Check(context.Background(), tt.prober, "/health", tt.components)
			if status.Healthy != tt.healthy || status.OriginReachable != tt.reachable {
				t.Fatalf("unexpected status: %+v", status)
			}
			if len(status.Issues) != tt.issues {
				t.Fatalf("issues = %v, want %d", status.Issues, tt.issues)
			}
			if tt.prober.path != "/health" {
				t.Fatalf("probed %q", tt.prober.path)
			}
			for name := range tt.components {
				if status.Components[name] == "" {
					t.Errorf("component %s not reported", name)
				}
			}
		})
	}
}
