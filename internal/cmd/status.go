package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/controlroom/internal/config"
	"github.com/Iron-Ham/controlroom/internal/orchestrator"
	"github.com/Iron-Ham/controlroom/internal/plan"
	"github.com/Iron-Ham/controlroom/internal/store"
	"github.com/Iron-Ham/controlroom/internal/util"
	"github.com/Iron-Ham/controlroom/internal/workflow"
)

const (
	phaseLabelWidth = 40
	maxTitleWidth   = 60
)

var statusCmd = &cobra.Command{
	Use:   "status [dir...]",
	Short: "Show plan progress and workflow stage",
	Long: `Parse each project's plan documents and print task progress by phase
along with the last recorded workflow stage.

Without arguments, reports on every configured project, or the current
directory when none are configured.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	out := cmd.OutOrStdout()

	projects, err := statusTargets(cfg, args)
	if err != nil {
		return err
	}

	var journal *store.Journal
	if cfg.Store.Path != "" {
		if _, err := os.Stat(cfg.Store.Path); err == nil {
			if journal, err = store.Open(cfg.Store.Path); err != nil {
				return err
			}
			defer func() { _ = journal.Close() }()
		}
	}

	if lock, ok := orchestrator.Running(config.ConfigDir()); ok {
		fmt.Fprintf(out, "Supervisor: running (pid %d on %s since %s)\n\n",
			lock.PID, lock.Hostname, lock.StartedAt.Format("2006-01-02 15:04:05"))
	} else {
		fmt.Fprint(out, "Supervisor: not running\n\n")
	}

	for i, pc := range projects {
		if i > 0 {
			fmt.Fprintln(out)
		}
		if err := printProjectStatus(cmd, out, cfg, pc, journal); err != nil {
			fmt.Fprintf(out, "%s: %v\n", pc.Name, err)
		}
	}
	return nil
}

func statusTargets(cfg *config.Config, args []string) ([]config.ProjectConfig, error) {
	if len(args) == 0 && len(cfg.Projects) > 0 {
		return cfg.Projects, nil
	}
	if len(args) == 0 {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		args = []string{cwd}
	}

	projects := make([]config.ProjectConfig, 0, len(args))
	for _, dir := range args {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
		}
		name := filepath.Base(abs)
		for _, p := range cfg.Projects {
			if pdir, _ := filepath.Abs(p.Dir); pdir == abs {
				name = p.Name
			}
		}
		projects = append(projects, config.ProjectConfig{Name: name, Dir: abs})
	}
	return projects, nil
}

func printProjectStatus(cmd *cobra.Command, out io.Writer, cfg *config.Config, pc config.ProjectConfig, journal *store.Journal) error {
	settings, err := cfg.ResolveProject(pc)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s  %s\n", settings.Name, settings.Dir)

	stage := workflow.StagePlanning
	if journal != nil {
		last, err := journal.LastTransition(commandContext(cmd), settings.Name)
		if err != nil {
			return err
		}
		if last != nil {
			stage = last.To
		}
	}
	fmt.Fprintf(out, "  Stage: %s\n", stage)

	path, err := orchestrator.LocatePlan(settings, cfg.Plan.Discovery)
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Fprintln(out, "  Plan:  (none)")
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	p, err := plan.Parse(path, data)
	if err != nil {
		fmt.Fprintf(out, "  Plan:  %s\n  Error: %v\n", relPath(settings.Dir, path), err)
		return nil
	}
	prog := p.Progress()
	fmt.Fprintf(out, "  Plan:  %s (%d/%d done)\n", relPath(settings.Dir, path), prog.Done(), prog.Total)
	for _, ph := range p.Phases {
		done := 0
		for _, t := range ph.Tasks {
			if t.Status.Done() {
				done++
			}
		}
		label := "Phase " + ph.ID
		if ph.Title != "" {
			label += ": " + ph.Title
		}
		label = util.TruncateANSI(label, phaseLabelWidth)
		fmt.Fprintf(out, "    %-*s %d/%d\n", phaseLabelWidth, label, done, len(ph.Tasks))
		for _, t := range ph.Tasks {
			if t.Status == plan.StatusInProgress || t.Status == plan.StatusBlocked {
				fmt.Fprintf(out, "      %s %s [%s]\n", t.ID, util.TruncateANSI(t.Title, maxTitleWidth), t.Status)
			}
		}
	}

	if settings.TestPlanFile == "" {
		return nil
	}
	data, err = os.ReadFile(settings.TestPlanFile)
	if err != nil {
		return nil
	}
	tp, err := plan.ParseTestPlan(settings.TestPlanFile, data)
	if err != nil {
		fmt.Fprintf(out, "  Tests: %s\n  Error: %v\n", relPath(settings.Dir, settings.TestPlanFile), err)
		return nil
	}
	passed := 0
	steps := tp.Steps()
	for _, s := range steps {
		if s.Status == plan.StepPassed {
			passed++
		}
	}
	fmt.Fprintf(out, "  Tests: %s (%d/%d passed)\n", relPath(settings.Dir, settings.TestPlanFile), passed, len(steps))
	return nil
}

func relPath(base, path string) string {
	if rel, err := filepath.Rel(base, path); err == nil {
		return rel
	}
	return path
}
