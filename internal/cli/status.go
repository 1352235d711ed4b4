package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/harun/deskchat/internal/daemon"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show whether the deskchat daemon is running and, when it is, its gateway status.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type gatewayStatus struct {
	UptimeSeconds int64    `json:"uptime_seconds"`
	Clients       int      `json:"clients"`
	Methods       []string `json:"methods"`
	Orchestrator  struct {
		Inflight        []string `json:"inflight"`
		BackgroundSends int      `json:"background_sends"`
		MaxSteps        int      `json:"max_steps"`
		ShuttingDown    bool     `json:"shutting_down"`
	} `json:"orchestrator"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	pidFile := cfg.PIDPath()

	if !isRunning(pidFile) {
		printf(out, "Status: stopped\n")
		return nil
	}

	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return err
	}
	printf(out, "Status: running\n")
	printf(out, "PID: %d\n", pid)

	client := newRPCClient(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var status gatewayStatus
	if err := client.Call(ctx, "gateway.status", nil, &status); err != nil {
		if info, statErr := os.Stat(pidFile); statErr == nil {
			printf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
		}
		return fmt.Errorf("gateway unreachable at %s: %w", client.addr, err)
	}

	printf(out, "Address: %s\n", client.addr)
	printf(out, "Uptime: %s\n", formatDuration(time.Duration(status.UptimeSeconds)*time.Second))
	printf(out, "Clients: %d\n", status.Clients)
	printf(out, "Inflight chats: %d\n", len(status.Orchestrator.Inflight))
	printf(out, "Background sends: %d\n", status.Orchestrator.BackgroundSends)
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
