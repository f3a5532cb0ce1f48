package main

import (
	"testing"

	"geogram/internal/config"
)

func TestBuildStrategy(t *testing.T) {
	tests := []struct {
		name     string
		strategy string
		want     string
		wantErr  bool
	}{
		{name: "default", strategy: "", want: "priority"},
		{name: "priority", strategy: "priority", want: "priority"},
		{name: "quality", strategy: "quality", want: "quality"},
		{name: "failover", strategy: "failover", want: "failover"},
		{name: "unknown", strategy: "roundrobin", wantErr: true},
	}

	for _, tc := range tests {
		cfg := config.Default()
		cfg.Router.Strategy = tc.strategy
		got, err := buildStrategy(cfg)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error, got %v", tc.name, got.Name())
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if got.Name() != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got.Name())
		}
	}
}

func TestResolveDataDirCreatesDirectory(t *testing.T) {
	dir := t.TempDir() + "/nested/geogram"
	got, err := resolveDataDir(dir)
	if err != nil {
		t.Fatalf("resolve data dir: %v", err)
	}
	if got != dir {
		t.Fatalf("expected %q, got %q", dir, got)
	}
}
