package toolloop

import (
	"strings"

	"github.com/harun/deskchat/pkg/backend"
	"github.com/harun/deskchat/pkg/thread"
)

// DefaultWindow is the number of log messages sent with each dispatch.
const DefaultWindow = 16

// ForcingInstruction is appended when auto-act is on and the newest user
// message asks for an action.
const ForcingInstruction = "AUTO-DO: This is an action request. Reply with a single tool JSON (exec/web_get) to actually do the work. Do not answer with a plan."

var actionKeywords = []string{
	"do it", "get it done", "fix", "install", "set up", "setup", "run",
	"execute", "create", "delete", "remove", "update", "build", "deploy",
}

// IsActionRequest reports whether text contains an action keyword. The match
// is a case-insensitive substring test, so "prune" matches "run".
func IsActionRequest(text string) bool {
	t := strings.ToLower(text)
	for _, kw := range actionKeywords {
		if strings.Contains(t, kw) {
			return true
		}
	}
	return false
}

// SystemPrompt builds the tool-calling system prompt.
func SystemPrompt(unrestrictedExec, autoAct bool) string {
	var b strings.Builder
	b.WriteString("You are Deskchat running locally. You can call tools when needed.\n\n")
	if autoAct {
		b.WriteString("AUTO-DO MODE: Enabled. For action requests, you MUST use tools (exec/web_get) rather than giving plans.\n")
		b.WriteString("If you claim you did something, it must be backed by tool output.\n\n")
	}

	b.WriteString("TOOL CALLS:\n")
	b.WriteString("When responding, you may return a single JSON object matching one of these shapes (no extra text):\n")
	b.WriteString(`- {"tool":"web_get","url":"https://example.com"}` + "\n")
	b.WriteString(`- {"tool":"exec","cmd":"<shell command>"}` + "\n")
	b.WriteString(`- {"tool":"final","text":"<final answer>"}` + "\n\n")
	if unrestrictedExec {
		b.WriteString("EXEC MODE: FULL EXEC AUTO is ENABLED. You may run any shell command you deem necessary. Be careful and prefer read-only commands.\n")
	} else {
		b.WriteString("EXEC MODE: restricted. Prefer web_get; avoid exec unless explicitly requested.\n")
	}
	return b.String()
}

// PromptOptions controls BuildMessages.
type PromptOptions struct {
	UnrestrictedExec bool
	AutoAct          bool
	// Log messages to include; zero means DefaultWindow
	Window int
	// Message left out of the window, typically the streaming placeholder
	SkipID string
}

// BuildMessages returns the system prompt, the newest Window log messages
// oldest-first with tool messages sent as user messages, and the forcing
// instruction when it applies.
func BuildMessages(messages []thread.Message, opts PromptOptions) []backend.Message {
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}

	history := make([]thread.Message, 0, len(messages))
	for _, m := range messages {
		if opts.SkipID != "" && m.ID == opts.SkipID {
			continue
		}
		history = append(history, m)
	}
	if len(history) > window {
		history = history[len(history)-window:]
	}

	out := make([]backend.Message, 0, len(history)+2)
	out = append(out, backend.Message{
		Role:    backend.RoleSystem,
		Content: SystemPrompt(opts.UnrestrictedExec, opts.AutoAct),
	})
	for _, m := range history {
		role := backend.RoleUser
		if m.Role == thread.RoleAssistant {
			role = backend.RoleAssistant
		}
		out = append(out, backend.Message{Role: role, Content: m.Text})
	}

	if opts.AutoAct {
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role != thread.RoleUser {
				continue
			}
			if IsActionRequest(messages[i].Text) {
				out = append(out, backend.Message{Role: backend.RoleUser, Content: ForcingInstruction, Synthetic: true})
			}
			break
		}
	}
	return out
}
