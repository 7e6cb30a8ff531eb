package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := parse(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.MaxRefinements != 3 {
		t.Errorf("expected max_refinements=3, got %d", cfg.Engine.MaxRefinements)
	}
	if cfg.Engine.Workers != 3 {
		t.Errorf("expected workers=3, got %d", cfg.Engine.Workers)
	}
	if cfg.Fusion.K != 60 {
		t.Errorf("expected fusion k=60, got %d", cfg.Fusion.K)
	}
	if cfg.Acquire.MaxFetch != 3 {
		t.Errorf("expected max_fetch=3, got %d", cfg.Acquire.MaxFetch)
	}
	if cfg.Audit.FreshnessDays != 365 {
		t.Errorf("expected freshness_days=365, got %d", cfg.Audit.FreshnessDays)
	}
}

func TestParseOverrides(t *testing.T) {
	data := []byte(`
engine:
  max_refinements: 5
  workers: 1
fusion:
  k: 10
acquire:
  relevance_floor: 0.5
`)
	cfg, err := parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.MaxRefinements != 5 {
		t.Errorf("expected max_refinements=5, got %d", cfg.Engine.MaxRefinements)
	}
	if cfg.Engine.Workers != 1 {
		t.Errorf("expected workers=1, got %d", cfg.Engine.Workers)
	}
	if cfg.Fusion.K != 10 {
		t.Errorf("expected fusion k=10, got %d", cfg.Fusion.K)
	}
	if cfg.Acquire.RelevanceFloor != 0.5 {
		t.Errorf("expected relevance_floor=0.5, got %f", cfg.Acquire.RelevanceFloor)
	}
	// untouched sections keep defaults
	if cfg.LLM.Provider != "ollama" {
		t.Errorf("expected provider=ollama, got %s", cfg.LLM.Provider)
	}
}

func TestDefaultConfigYAMLParses(t *testing.T) {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		t.Fatalf("embedded default.yaml does not parse: %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("expected port 8000, got %d", cfg.Server.Port)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestResolveConfigPathExplicit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("engine:\n  workers: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := ResolveConfigPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != path {
		t.Errorf("expected %s, got %s", path, got)
	}
}

func TestResolveConfigPathExplicitMissing(t *testing.T) {
	_, err := ResolveConfigPath(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Error("expected error for missing explicit config")
	}
}
