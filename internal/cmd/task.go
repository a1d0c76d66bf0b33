package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/controlroom/internal/config"
	"github.com/Iron-Ham/controlroom/internal/orchestrator"
	"github.com/Iron-Ham/controlroom/internal/plan"
	"github.com/Iron-Ham/controlroom/internal/plan/writequeue"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Edit task statuses in a plan document",
}

var taskSetCmd = &cobra.Command{
	Use:   "set <id> <status>",
	Short: "Set a task's status",
	Long: `Set a task's status marker in the project's plan document.

Statuses: pending, in_progress, complete, skipped, blocked`,
	Args: cobra.ExactArgs(2),
	RunE: runTaskSet,
}

var taskToggleCmd = &cobra.Command{
	Use:   "toggle <id>",
	Short: "Advance a task to its next status",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskToggle,
}

var stepCmd = &cobra.Command{
	Use:   "step",
	Short: "Edit step statuses in a test plan document",
}

var stepSetCmd = &cobra.Command{
	Use:   "set <id> <status>",
	Short: "Set a test step's status",
	Long: `Set a step's status marker in the project's test plan document.

Statuses: pending, in_progress, passed, failed`,
	Args: cobra.ExactArgs(2),
	RunE: runStepSet,
}

var editProject string

func init() {
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(stepCmd)
	taskCmd.AddCommand(taskSetCmd)
	taskCmd.AddCommand(taskToggleCmd)
	stepCmd.AddCommand(stepSetCmd)

	for _, c := range []*cobra.Command{taskCmd, stepCmd} {
		c.PersistentFlags().StringVarP(&editProject, "project", "p", "", "Project name or directory (default: current directory)")
	}
}

// editTarget resolves the project named by --project, a configured project
// name or a directory.
func editTarget() (*config.Config, *config.ProjectSettings, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	pc := config.ProjectConfig{Dir: editProject}
	for _, p := range cfg.Projects {
		if p.Name == editProject {
			pc = p
		}
	}
	if pc.Dir == "" {
		if pc.Dir, err = os.Getwd(); err != nil {
			return nil, nil, fmt.Errorf("failed to get current directory: %w", err)
		}
	}
	if pc.Name == "" {
		abs, _ := filepath.Abs(pc.Dir)
		pc.Name = filepath.Base(abs)
	}

	settings, err := cfg.ResolveProject(pc)
	if err != nil {
		return nil, nil, err
	}
	return cfg, settings, nil
}

func planPath() (string, error) {
	cfg, settings, err := editTarget()
	if err != nil {
		return "", err
	}
	path, err := orchestrator.LocatePlan(settings, cfg.Plan.Discovery)
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", fmt.Errorf("no plan document found in %s", settings.Dir)
	}
	return path, nil
}

func statusWord(s string) string {
	return strings.NewReplacer(" ", "_", "-", "_").Replace(strings.ToLower(strings.TrimSpace(s)))
}

func runTaskSet(cmd *cobra.Command, args []string) error {
	status := plan.TaskStatus(statusWord(args[1]))
	if !status.Valid() {
		return fmt.Errorf("invalid task status %q", args[1])
	}
	path, err := planPath()
	if err != nil {
		return err
	}

	q := writequeue.New()
	defer q.Close()
	p, err := writequeue.UpdateTaskStatusInFile(commandContext(cmd), q, path, args[0], status)
	if err != nil {
		return err
	}
	return printTask(cmd, p, args[0])
}

func runTaskToggle(cmd *cobra.Command, args []string) error {
	path, err := planPath()
	if err != nil {
		return err
	}

	q := writequeue.New()
	defer q.Close()
	p, err := writequeue.ToggleTaskStatusInFile(commandContext(cmd), q, path, args[0])
	if err != nil {
		return err
	}
	return printTask(cmd, p, args[0])
}

func printTask(cmd *cobra.Command, p *plan.Plan, id string) error {
	t, ok := p.Task(id)
	if !ok {
		return fmt.Errorf("task %s missing after update", id)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s [%s]\n", t.ID, t.Title, t.Status)
	return nil
}

func runStepSet(cmd *cobra.Command, args []string) error {
	status := plan.StepStatus(statusWord(args[1]))
	if !status.Valid() {
		return fmt.Errorf("invalid step status %q", args[1])
	}
	_, settings, err := editTarget()
	if err != nil {
		return err
	}
	if settings.TestPlanFile == "" {
		return fmt.Errorf("no test plan configured for %s", settings.Name)
	}

	q := writequeue.New()
	defer q.Close()
	tp, err := writequeue.UpdateStepStatusInFile(commandContext(cmd), q, settings.TestPlanFile, args[0], status)
	if err != nil {
		return err
	}
	s, _ := tp.Step(args[0])
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s [%s]\n", s.ID, s.Title, s.Status)
	return nil
}
