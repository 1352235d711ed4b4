package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/harun/deskchat/pkg/thread"
	"github.com/spf13/cobra"
)

var (
	chatThinking string
	chatAgentID  string
	chatWorker   string
)

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "Manage chats of a profile",
}

var chatsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List chats, newest first",
	Args:  cobra.NoArgs,
	RunE:  runChatsList,
}

var chatsCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a chat",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runChatsCreate,
}

var chatsRenameCmd = &cobra.Command{
	Use:   "rename <chat-id> <title>",
	Short: "Rename a chat",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runChatsRename,
}

var chatsUpdateCmd = &cobra.Command{
	Use:   "update <chat-id>",
	Short: "Change thinking level, agent or worker of a chat",
	Long: `Change thinking level, agent or worker of a chat.
Only flags that are set are applied; an empty value clears the field.`,
	Args: cobra.ExactArgs(1),
	RunE: runChatsUpdate,
}

var chatsDeleteCmd = &cobra.Command{
	Use:   "delete <chat-id>",
	Short: "Delete a chat and its thread",
	Args:  cobra.ExactArgs(1),
	RunE:  runChatsDelete,
}

var chatsResetCmd = &cobra.Command{
	Use:   "reset <chat-id>",
	Short: "Clear the messages of a chat",
	Args:  cobra.ExactArgs(1),
	RunE:  runChatsReset,
}

var chatsShowCmd = &cobra.Command{
	Use:   "show <chat-id>",
	Short: "Print the thread of a chat",
	Args:  cobra.ExactArgs(1),
	RunE:  runChatsShow,
}

func init() {
	chatsUpdateCmd.Flags().StringVar(&chatThinking, "thinking", "", "thinking level (off, low, medium, high)")
	chatsUpdateCmd.Flags().StringVar(&chatAgentID, "agent", "", "agent id")
	chatsUpdateCmd.Flags().StringVar(&chatWorker, "worker", "", "worker name")

	chatsCmd.AddCommand(chatsListCmd, chatsCreateCmd, chatsRenameCmd, chatsUpdateCmd, chatsDeleteCmd, chatsResetCmd, chatsShowCmd)
	rootCmd.AddCommand(chatsCmd)
}

// call loads the config and issues one RPC. A missing profile_id is filled
// in from --profile or the configured default.
func call(cmd *cobra.Command, method string, params map[string]interface{}, out interface{}) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	if _, set := params["profile_id"]; !set {
		params["profile_id"] = profileID(cfg)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
	defer cancel()
	return newRPCClient(cfg).Call(ctx, method, params, out)
}

func runChatsList(cmd *cobra.Command, args []string) error {
	var idx thread.Index
	if err := call(cmd, "chats.list", nil, &idx); err != nil {
		return err
	}

	if len(idx.Chats) == 0 {
		printf(cmd.OutOrStdout(), "No chats\n")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	printf(w, "ID\tTITLE\tWORKER\tUPDATED\n")
	for _, c := range idx.Chats {
		printf(w, "%s\t%s\t%s\t%s\n", c.ID, c.Title, c.WorkerName(), formatMs(c.UpdatedAtMs))
	}
	return w.Flush()
}

func runChatsCreate(cmd *cobra.Command, args []string) error {
	var chat thread.Chat
	if err := call(cmd, "chats.create", map[string]interface{}{"title": strings.Join(args, " ")}, &chat); err != nil {
		return err
	}
	printf(cmd.OutOrStdout(), "%s\n", chat.ID)
	return nil
}

func runChatsRename(cmd *cobra.Command, args []string) error {
	var chat thread.Chat
	params := map[string]interface{}{"chat_id": args[0], "title": strings.Join(args[1:], " ")}
	if err := call(cmd, "chats.rename", params, &chat); err != nil {
		return err
	}
	printf(cmd.OutOrStdout(), "Renamed %s to %q\n", chat.ID, chat.Title)
	return nil
}

func runChatsUpdate(cmd *cobra.Command, args []string) error {
	params := map[string]interface{}{"chat_id": args[0]}
	for flag, key := range map[string]string{"thinking": "thinking", "agent": "agent_id", "worker": "worker"} {
		if cmd.Flags().Changed(flag) {
			v, _ := cmd.Flags().GetString(flag)
			params[key] = v
		}
	}
	if len(params) == 1 {
		return fmt.Errorf("nothing to update: set --thinking, --agent or --worker")
	}

	var chat thread.Chat
	if err := call(cmd, "chats.update", params, &chat); err != nil {
		return err
	}
	printf(cmd.OutOrStdout(), "Updated %s (worker %s)\n", chat.ID, chat.WorkerName())
	return nil
}

func runChatsDelete(cmd *cobra.Command, args []string) error {
	if err := call(cmd, "chats.delete", map[string]interface{}{"chat_id": args[0]}, nil); err != nil {
		return err
	}
	printf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
	return nil
}

func runChatsReset(cmd *cobra.Command, args []string) error {
	if err := call(cmd, "chat.reset", map[string]interface{}{"chat_id": args[0]}, nil); err != nil {
		return err
	}
	printf(cmd.OutOrStdout(), "Reset %s\n", args[0])
	return nil
}

func runChatsShow(cmd *cobra.Command, args []string) error {
	var t thread.Thread
	if err := call(cmd, "chat.thread", map[string]interface{}{"chat_id": args[0]}, &t); err != nil {
		return err
	}
	printThread(cmd, &t)
	return nil
}

func printThread(cmd *cobra.Command, t *thread.Thread) {
	out := cmd.OutOrStdout()
	for _, m := range t.Messages {
		printf(out, "[%s] %s\n%s\n\n", m.Role, formatMs(m.CreatedAtMs), m.Text)
	}
}

func formatMs(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}
