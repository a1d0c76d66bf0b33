package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/controlroom/internal/config"
	"github.com/Iron-Ham/controlroom/internal/event"
	"github.com/Iron-Ham/controlroom/internal/logging"
	"github.com/Iron-Ham/controlroom/internal/orchestrator"
)

var superviseCmd = &cobra.Command{
	Use:   "supervise",
	Short: "Run the supervisor until interrupted",
	Long: `Watch every configured project's plan documents, drive their workflows,
and keep the endpoint connection alive. Runs until SIGINT or SIGTERM.

Only one supervisor may run per config directory.`,
	Args: cobra.NoArgs,
	RunE: runSupervise,
}

var superviseEvents bool

func init() {
	rootCmd.AddCommand(superviseCmd)

	superviseCmd.Flags().BoolVar(&superviseEvents, "events", false, "Print every event as a JSON line on stdout")
}

func runSupervise(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if len(cfg.Projects) == 0 {
		return fmt.Errorf("no projects configured\nAdd entries under 'projects' in %s", config.ConfigFile())
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	names := make([]string, 0, len(cfg.Projects))
	for _, p := range cfg.Projects {
		names = append(names, p.Name)
	}
	lock, err := orchestrator.AcquireLock(config.ConfigDir(), names, logger)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	orch, err := orchestrator.New(cfg, orchestrator.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to start supervisor: %w", err)
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if superviseEvents {
		sub := orch.Subscribe()
		defer sub.Close()
		go printEvents(cmd.OutOrStdout(), sub.C())
	}

	logger.Info("supervisor started", "projects", names, "backend", cfg.Endpoint.Backend)
	fmt.Fprintf(cmd.ErrOrStderr(), "Supervising %d project(s). Press Ctrl+C to stop.\n", len(names))

	if err := orch.Run(ctx); err != nil {
		return err
	}
	logger.Info("supervisor stopped")
	return nil
}

type eventLine struct {
	Time  string `json:"time"`
	Type  string `json:"type"`
	Event any    `json:"event"`
}

func printEvents(w io.Writer, events <-chan event.Event) {
	enc := json.NewEncoder(w)
	for e := range events {
		_ = enc.Encode(eventLine{
			Time:  e.Timestamp().Format("2006-01-02T15:04:05.000Z07:00"),
			Type:  e.EventType(),
			Event: e,
		})
	}
}

// commandContext returns the command's context, or Background when the
// command was executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
