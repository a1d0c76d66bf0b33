package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/controlroom/internal/config"
	"github.com/Iron-Ham/controlroom/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View supervisor logs",
	Long: `View and filter the supervisor log.

Requires logging.dir to be set; otherwise the supervisor logs to stderr.

Examples:
  # Show the last 50 entries
  controlroom logs

  # Follow warnings for one project
  controlroom logs -f --level warn -p api

  # Entries from the last hour matching a pattern
  controlroom logs --since 1h --grep "dispatch|stage"`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

var (
	logsTail    int
	logsFollow  bool
	logsLevel   string
	logsProject string
	logsSession string
	logsSince   string
	logsGrep    string
)

const followInterval = 500 * time.Millisecond

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of entries to show (0 for all)")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVarP(&logsProject, "project", "p", "", "Only entries for this project")
	logsCmd.Flags().StringVarP(&logsSession, "session", "s", "", "Only entries for this session id")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Only entries newer than this duration (e.g. 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Only entries whose message matches this regex")
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Logging.Dir == "" {
		return fmt.Errorf("logging.dir is not set; the supervisor logs to stderr")
	}
	path := filepath.Join(cfg.Logging.Dir, logging.FileName)

	filter, err := logsFilter()
	if err != nil {
		return err
	}

	entries, err := logging.ReadFile(path, filter)
	if err != nil {
		return err
	}
	if logsTail > 0 && len(entries) > logsTail {
		entries = entries[len(entries)-logsTail:]
	}
	out := cmd.OutOrStdout()
	for _, e := range entries {
		fmt.Fprintln(out, e.Format())
	}

	if !logsFollow {
		return nil
	}
	return followLogs(commandContext(cmd), out, path, filter)
}

func logsFilter() (logging.Filter, error) {
	f := logging.Filter{
		Level:   logsLevel,
		Project: logsProject,
		Session: logsSession,
	}
	if logsSince != "" {
		d, err := time.ParseDuration(logsSince)
		if err != nil {
			return f, fmt.Errorf("invalid --since duration: %w", err)
		}
		f.Since = time.Now().Add(-d)
	}
	if logsGrep != "" {
		re, err := regexp.Compile(logsGrep)
		if err != nil {
			return f, fmt.Errorf("invalid --grep pattern: %w", err)
		}
		f.Pattern = re
	}
	return f, nil
}

// followLogs prints entries appended to path until ctx is done.
func followLogs(ctx context.Context, out io.Writer, path string, filter logging.Filter) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	offset := info.Size()
	var partial []byte

	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		if info, err := f.Stat(); err == nil && info.Size() < offset {
			// Truncated or replaced
			offset, partial = 0, nil
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			_ = f.Close()
			return err
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return err
		}
		offset += int64(len(data))

		data = append(partial, data...)
		end := bytes.LastIndexByte(data, '\n')
		if end < 0 {
			partial = data
			continue
		}
		partial = append([]byte(nil), data[end+1:]...)

		entries, err := logging.ReadEntries(bytes.NewReader(data[:end+1]), filter)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintln(out, e.Format())
		}
	}
}
