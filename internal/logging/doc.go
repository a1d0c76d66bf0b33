// Package logging writes and reads the supervisor's structured log.
//
// Entries are JSON lines produced by log/slog. Child loggers carry the
// project, session and component that produced an entry:
//
//	logger, err := logging.NewLogger(dir, logging.LevelInfo)
//	if err != nil {
//		return err
//	}
//	defer logger.Close()
//	logger.WithProject("api").WithComponent("watcher").Info("plan reloaded")
//
// [ReadFile] parses the file back for the logs command, applying a [Filter].
package logging
