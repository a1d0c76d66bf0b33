package config

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ProjectFileName is the optional per-project overlay read from a project directory
const ProjectFileName = ".controlroom.yaml"

// ProjectOverlay holds per-project overrides. Unset fields inherit the global
// configuration.
type ProjectOverlay struct {
	PlanFile     string                    `yaml:"plan_file"`
	TestPlanFile string                    `yaml:"test_plan_file"`
	AutoMode     *AutoModeOverlay          `yaml:"auto_mode"`
	Templates    map[string]TemplateConfig `yaml:"templates"`
	Layouts      map[string]LayoutConfig   `yaml:"layouts"`
}

// AutoModeOverlay overrides individual auto mode fields. Map entries are
// merged key by key over the global maps.
type AutoModeOverlay struct {
	Enabled             *bool             `yaml:"enabled"`
	AutoAdvance         *bool             `yaml:"auto_advance"`
	RequireConfirmation *bool             `yaml:"require_confirmation"`
	DesignatedSession   *string           `yaml:"designated_session"`
	Commands            map[string]string `yaml:"commands"`
	StagePhases         map[string]string `yaml:"stage_phases"`
}

// ProjectSettings is the effective configuration for one project
type ProjectSettings struct {
	Name string
	Dir  string
	// PlanFile and TestPlanFile are absolute paths
	PlanFile     string
	TestPlanFile string
	// PlanExplicit reports whether the plan file was named by configuration
	// rather than taken from the global default
	PlanExplicit bool
	AutoMode     AutoModeConfig
	Templates    map[string]TemplateConfig
	Layouts      map[string]LayoutConfig
}

// LoadProjectOverlay reads {dir}/.controlroom.yaml. A missing file yields a
// nil overlay and no error.
func LoadProjectOverlay(dir string) (*ProjectOverlay, error) {
	data, err := os.ReadFile(filepath.Join(dir, ProjectFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read project config: %w", err)
	}

	var overlay ProjectOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", ProjectFileName, err)
	}
	return &overlay, nil
}

// ResolveProject merges the global configuration, the project entry and the
// project's overlay file into effective settings.
func (c *Config) ResolveProject(p ProjectConfig) (*ProjectSettings, error) {
	dir, err := filepath.Abs(p.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project dir: %w", err)
	}

	overlay, err := LoadProjectOverlay(dir)
	if err != nil {
		return nil, err
	}

	s := &ProjectSettings{
		Name:      p.Name,
		Dir:       dir,
		AutoMode:  cloneAutoMode(c.AutoMode),
		Templates: maps.Clone(c.Sessions.Templates),
		Layouts:   maps.Clone(c.Sessions.Layouts),
	}
	if s.Templates == nil {
		s.Templates = make(map[string]TemplateConfig)
	}
	if s.Layouts == nil {
		s.Layouts = make(map[string]LayoutConfig)
	}

	planFile, testFile := c.Plan.File, c.Plan.TestFile
	if overlay != nil {
		if overlay.PlanFile != "" {
			planFile = overlay.PlanFile
			s.PlanExplicit = true
		}
		if overlay.TestPlanFile != "" {
			testFile = overlay.TestPlanFile
		}
		overlay.applyAutoMode(&s.AutoMode)
		maps.Copy(s.Templates, overlay.Templates)
		maps.Copy(s.Layouts, overlay.Layouts)
	}
	if p.PlanFile != "" {
		planFile = p.PlanFile
		s.PlanExplicit = true
	}
	if p.TestPlanFile != "" {
		testFile = p.TestPlanFile
	}

	s.PlanFile = resolvePath(dir, planFile)
	if testFile != "" {
		s.TestPlanFile = resolvePath(dir, testFile)
	}

	merged := Config{
		AutoMode: s.AutoMode,
		Sessions: SessionsConfig{Templates: s.Templates, Layouts: s.Layouts},
	}
	var errs []ValidationError
	errs = append(errs, validateAutoMode("projects."+p.Name+".auto_mode", s.AutoMode)...)
	errs = append(errs, merged.validateSessions()...)
	if len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return s, nil
}

func (o *ProjectOverlay) applyAutoMode(a *AutoModeConfig) {
	if o.AutoMode == nil {
		return
	}
	m := o.AutoMode
	if m.Enabled != nil {
		a.Enabled = *m.Enabled
	}
	if m.AutoAdvance != nil {
		a.AutoAdvance = *m.AutoAdvance
	}
	if m.RequireConfirmation != nil {
		a.RequireConfirmation = *m.RequireConfirmation
	}
	if m.DesignatedSession != nil {
		a.DesignatedSession = *m.DesignatedSession
	}
	maps.Copy(a.Commands, m.Commands)
	maps.Copy(a.StagePhases, m.StagePhases)
}

func cloneAutoMode(a AutoModeConfig) AutoModeConfig {
	out := a
	out.Commands = make(map[string]string, len(a.Commands))
	maps.Copy(out.Commands, a.Commands)
	out.StagePhases = make(map[string]string, len(a.StagePhases))
	maps.Copy(out.StagePhases, a.StagePhases)
	return out
}

func resolvePath(dir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}
