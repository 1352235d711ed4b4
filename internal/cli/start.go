package cli

import (
	"errors"
	"fmt"

	"github.com/harun/deskchat/internal/daemon"
	"github.com/harun/deskchat/internal/logger"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:     "start",
	Aliases: []string{"serve"},
	Short:   "Start the deskchat daemon in the foreground",
	Long: `Start the deskchat daemon in the foreground.
The daemon serves the gateway until it receives SIGINT or SIGTERM, then
drains in-flight sends within chat.shutdown_timeout_seconds.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if isRunning(cfg.PIDPath()) {
		return fmt.Errorf("daemon is already running (PID file: %s)", cfg.PIDPath())
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSizeMB: cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			return err
		}
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	printf(cmd.OutOrStdout(), "deskchat listening on %s\n", d.Status().Addr)
	d.Wait()
	return nil
}

// isRunning reports whether the PID file names a live process.
func isRunning(pidFile string) bool {
	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return false
	}
	return daemon.ProcessAlive(pid)
}
