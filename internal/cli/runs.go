package cli

import (
	"text/tabwriter"
	"time"

	"github.com/harun/deskchat/pkg/journal"
	"github.com/spf13/cobra"
)

var (
	runsChatID string
	runsLimit  int
	runsAll    bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent sends from the run journal",
	Args:  cobra.NoArgs,
	RunE:  runRuns,
}

func init() {
	runsCmd.Flags().StringVar(&runsChatID, "chat", "", "only runs of this chat")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs")
	runsCmd.Flags().BoolVar(&runsAll, "all-profiles", false, "include every profile")
	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string) error {
	params := map[string]interface{}{"chat_id": runsChatID, "limit": runsLimit}
	if runsAll {
		params["profile_id"] = ""
	}

	var result struct {
		Runs []journal.Run `json:"runs"`
	}
	if err := call(cmd, "runs.list", params, &result); err != nil {
		return err
	}

	if len(result.Runs) == 0 {
		printf(cmd.OutOrStdout(), "No runs\n")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	printf(w, "RUN\tCHAT\tMODE\tBACKEND\tSTATUS\tSTEPS\tSTARTED\tDURATION\tERROR\n")
	for _, r := range result.Runs {
		duration := "-"
		if r.EndedAt != nil {
			duration = r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		printf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.RunID, r.ChatID, r.Mode, r.Backend, r.Status, r.Steps,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), duration, r.Error)
	}
	return w.Flush()
}
