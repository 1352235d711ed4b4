package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/harun/deskchat/pkg/events"
	"github.com/harun/deskchat/pkg/thread"
	"github.com/spf13/cobra"
)

var sendStream bool

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <text>",
	Short: "Send a message to a chat and print the reply",
	Long: `Send a message to a chat and print the reply.
With --stream the reply is printed as it is generated; the send keeps
running in the daemon if this command is interrupted.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().BoolVar(&sendStream, "stream", false, "stream the reply over the gateway WebSocket")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	chatID := args[0]
	text := strings.Join(args[1:], " ")

	if !sendStream {
		var result struct {
			Thread *thread.Thread `json:"thread"`
		}
		if err := call(cmd, "chat.send", map[string]interface{}{"chat_id": chatID, "text": text}, &result); err != nil {
			return err
		}
		if result.Thread != nil {
			if last := result.Thread.Last(); last != nil {
				printf(cmd.OutOrStdout(), "%s\n", last.Text)
			}
		}
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	var failure string
	_, err = newRPCClient(cfg).streamSend(ctx, map[string]interface{}{
		"profile_id": profileID(cfg),
		"chat_id":    chatID,
		"text":       text,
	}, func(evt events.ChatStreamEvent) {
		if evt.Delta != "" {
			printf(out, "%s", evt.Delta)
		}
		if evt.Done {
			printf(out, "\n")
			failure = evt.Error
		}
	})
	if err != nil {
		if ctx.Err() == context.Canceled {
			printf(out, "\n")
			return nil
		}
		return err
	}
	if failure != "" {
		return fmt.Errorf("generation failed: %s", failure)
	}
	return nil
}
