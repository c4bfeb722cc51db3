package cpconfig

import (
	"os"
	"testing"

	"github.com/command-post/engine/internal/cpfs"
)

func TestLoadTopology_MissingFileIsEmpty(t *testing.T) {
	paths := cpfs.NewPaths(t.TempDir())
	top, err := LoadTopology(paths)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 0 {
		t.Errorf("expected empty topology, got %+v", top)
	}
}

func TestLoadTopology_ParsesYAML(t *testing.T) {
	dir := t.TempDir()
	paths := cpfs.NewPaths(dir)
	if err := os.MkdirAll(paths.Root(), 0o755); err != nil {
		t.Fatal(err)
	}
	yaml := "worker-1:\n  role: worker\n  domain: backend\norchestrator:\n  role: orchestrator\n  domain: all\n"
	if err := os.WriteFile(paths.Topology(), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	top, err := LoadTopology(paths)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(top))
	}
	role, ok := top.RoleOf("worker-1")
	if !ok || role != "worker" {
		t.Errorf("expected worker-1 role=worker, got %q ok=%v", role, ok)
	}

	known := top.KnownAgentIDs()
	if _, ok := known["orchestrator"]; !ok {
		t.Errorf("expected orchestrator in known ids")
	}
}

func TestLoadConfig_MissingFileUsesEnvDefaults(t *testing.T) {
	paths := cpfs.NewPaths(t.TempDir())
	cfg, err := LoadConfig(paths)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MinQualityScore != 0.7 || cfg.MaxSnapshotRetries != 3 {
		t.Errorf("expected env-tag defaults, got %+v", cfg)
	}
}

func TestLoadConfig_EnvOverridesDefault(t *testing.T) {
	paths := cpfs.NewPaths(t.TempDir())
	t.Setenv("COMMAND_POST_MAX_SNAPSHOT_RETRIES", "9")

	cfg, err := LoadConfig(paths)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxSnapshotRetries != 9 {
		t.Errorf("expected env override to apply, got %d", cfg.MaxSnapshotRetries)
	}
}

func TestLoadConfig_YAMLOverridesEnvDefault(t *testing.T) {
	dir := t.TempDir()
	paths := cpfs.NewPaths(dir)
	if err := os.MkdirAll(paths.Root(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(paths.Config(), []byte("maxSnapshotRetries: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(paths)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxSnapshotRetries != 5 {
		t.Errorf("expected YAML value to override env default, got %d", cfg.MaxSnapshotRetries)
	}
	if cfg.MinQualityScore != 0.7 {
		t.Errorf("expected fields absent from YAML to keep their env default, got %v", cfg.MinQualityScore)
	}
}

func TestLoadConfig_ParsesYAML(t *testing.T) {
	dir := t.TempDir()
	paths := cpfs.NewPaths(dir)
	if err := os.MkdirAll(paths.Root(), 0o755); err != nil {
		t.Fatal(err)
	}
	yaml := "orchestratorId: orchestrator\nminQualityScore: 0.75\nmaxSnapshotRetries: 4\nlateralMessagingEnabled: true\n"
	if err := os.WriteFile(paths.Config(), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(paths)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OrchestratorID != "orchestrator" || cfg.MinQualityScore != 0.75 || cfg.MaxSnapshotRetries != 4 || !cfg.LateralMessagingEnabled {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestRoleOf_UnknownAgentIsNotOK(t *testing.T) {
	top := Topology{}
	_, ok := top.RoleOf("ghost")
	if ok {
		t.Error("expected not ok for unknown agent")
	}
}
