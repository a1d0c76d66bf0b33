package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeOverlay(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, ProjectFileName), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write overlay: %v", err)
	}
}

func TestLoadProjectOverlay_Missing(t *testing.T) {
	overlay, err := LoadProjectOverlay(t.TempDir())
	if err != nil {
		t.Fatalf("LoadProjectOverlay() error = %v", err)
	}
	if overlay != nil {
		t.Errorf("expected nil overlay, got %+v", overlay)
	}
}

func TestLoadProjectOverlay_Invalid(t *testing.T) {
	dir := t.TempDir()
	writeOverlay(t, dir, "plan_file: [unclosed")

	if _, err := LoadProjectOverlay(dir); err == nil {
		t.Error("expected parse error for malformed yaml")
	}
}

func TestResolveProject_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()

	s, err := cfg.ResolveProject(ProjectConfig{Name: "alpha", Dir: dir})
	if err != nil {
		t.Fatalf("ResolveProject() error = %v", err)
	}
	if s.PlanFile != filepath.Join(dir, "PLAN.md") {
		t.Errorf("PlanFile = %q", s.PlanFile)
	}
	if s.TestPlanFile != filepath.Join(dir, "TEST_PLAN.md") {
		t.Errorf("TestPlanFile = %q", s.TestPlanFile)
	}
	if s.PlanExplicit {
		t.Error("PlanExplicit should be false when using the global default")
	}

	// Mutating the resolved maps must not leak into the global config
	s.AutoMode.Commands["execute"] = "x"
	if _, ok := cfg.AutoMode.Commands["execute"]; ok {
		t.Error("resolved auto mode shares its map with the global config")
	}
}

func TestResolveProject_Overlay(t *testing.T) {
	dir := t.TempDir()
	writeOverlay(t, dir, `
plan_file: docs/ROADMAP.md
auto_mode:
  enabled: true
  require_confirmation: false
  designated_session: "%12"
  commands:
    review: "make test"
templates:
  agent:
    command: claude
`)

	cfg := Default()
	cfg.AutoMode.Commands["execute"] = "make build"

	s, err := cfg.ResolveProject(ProjectConfig{Name: "alpha", Dir: dir})
	if err != nil {
		t.Fatalf("ResolveProject() error = %v", err)
	}
	if s.PlanFile != filepath.Join(dir, "docs", "ROADMAP.md") {
		t.Errorf("PlanFile = %q", s.PlanFile)
	}
	if !s.PlanExplicit {
		t.Error("PlanExplicit should be true when the overlay names a plan")
	}
	if !s.AutoMode.Enabled || s.AutoMode.RequireConfirmation {
		t.Errorf("AutoMode flags not applied: %+v", s.AutoMode)
	}
	if !s.AutoMode.AutoAdvance {
		t.Error("AutoAdvance should be inherited from the global config")
	}
	if s.AutoMode.DesignatedSession != "%12" {
		t.Errorf("DesignatedSession = %q", s.AutoMode.DesignatedSession)
	}
	if s.AutoMode.Commands["execute"] != "make build" || s.AutoMode.Commands["review"] != "make test" {
		t.Errorf("Commands not merged: %v", s.AutoMode.Commands)
	}
	if _, ok := s.Templates["agent"]; !ok {
		t.Error("overlay template missing")
	}
	if _, ok := s.Templates["shell"]; !ok {
		t.Error("global template missing")
	}
}

func TestResolveProject_EntryOverridesOverlay(t *testing.T) {
	dir := t.TempDir()
	writeOverlay(t, dir, "plan_file: A.md\n")

	s, err := Default().ResolveProject(ProjectConfig{Name: "alpha", Dir: dir, PlanFile: "/abs/B.md"})
	if err != nil {
		t.Fatalf("ResolveProject() error = %v", err)
	}
	if s.PlanFile != "/abs/B.md" {
		t.Errorf("PlanFile = %q, want /abs/B.md", s.PlanFile)
	}
}

func TestResolveProject_InvalidOverlay(t *testing.T) {
	dir := t.TempDir()
	writeOverlay(t, dir, `
auto_mode:
  commands:
    done: "echo"
`)

	if _, err := Default().ResolveProject(ProjectConfig{Name: "alpha", Dir: dir}); err == nil {
		t.Error("expected validation error for a done command")
	}
}
