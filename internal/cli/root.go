package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/harun/deskchat/internal/config"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
	addr     string
	profile  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "deskchat",
	Short: "deskchat - conversation orchestration daemon",
	Long: `deskchat keeps chat threads on disk and drives model backends with a
bounded tool loop. The daemon serves JSON-RPC over HTTP and WebSocket;
the other commands talk to a running daemon.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.deskchat/deskchat.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "daemon address host:port (default from config)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "profile id (default from config)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig loads the config file and applies the global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = strings.ToLower(logLevel)
	}
	return cfg, nil
}

// profileID returns the --profile flag, falling back to the configured default.
func profileID(cfg *config.Config) string {
	if p := strings.TrimSpace(profile); p != "" {
		return p
	}
	return cfg.Chat.DefaultProfile
}

func printf(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format, args...)
}
