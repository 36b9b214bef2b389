package config

import "testing"

func TestParseEndpointsValid(t *testing.T) {
	eps, err := ParseEndpoints("127.0.0.1:6379, 10.0.0.2:6380")
	if err != nil {
		t.Fatalf("ParseEndpoints: %v", err)
	}
	if len(eps) != 2 {
		t.Fatalf("got %d endpoints, want 2", len(eps))
	}
	if eps[0].Host != "127.0.0.1" || eps[0].Port != 6379 {
		t.Fatalf("got %+v", eps[0])
	}
	if eps[1].Host != "10.0.0.2" || eps[1].Port != 6380 {
		t.Fatalf("got %+v", eps[1])
	}
}

func TestParseEndpointsMissingPort(t *testing.T) {
	if _, err := ParseEndpoints("127.0.0.1"); err == nil {
		t.Fatal("expected error for endpoint missing a port")
	}
}

func TestParseEndpointsEmpty(t *testing.T) {
	if _, err := ParseEndpoints(""); err == nil {
		t.Fatal("expected error for empty endpoint list")
	}
}

func TestParseFlagsOverridesDefaults(t *testing.T) {
	cfg := Default()
	err := cfg.ParseFlags([]string{
		"-endpoints", "10.1.1.1:6379",
		"-max-tasks", "16",
		"-max-rows", "500",
		"-metrics-addr", ":9999",
		"-log-level", "debug",
	})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if len(cfg.Endpoints) != 1 || cfg.Endpoints[0].String() != "10.1.1.1:6379" {
		t.Fatalf("got %+v", cfg.Endpoints)
	}
	if cfg.MaxTasks != 16 {
		t.Fatalf("got MaxTasks=%d, want 16", cfg.MaxTasks)
	}
	if cfg.MaxRows != 500 {
		t.Fatalf("got MaxRows=%d, want 500", cfg.MaxRows)
	}
	if cfg.MetricsAddr != ":9999" {
		t.Fatalf("got MetricsAddr=%q", cfg.MetricsAddr)
	}
	if cfg.Log.Level != "DEBUG" {
		t.Fatalf("got Log.Level=%q, want DEBUG", cfg.Log.Level)
	}
}
