package toolloop

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/deskchat/internal/tracing"
	"github.com/harun/deskchat/pkg/backend"
	"github.com/harun/deskchat/pkg/toolexecutor"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultMaxSteps bounds the dispatches of one send.
const DefaultMaxSteps = 6

// ErrLoopExceeded is returned when every step produced a tool call.
var ErrLoopExceeded = errors.New("tool loop exceeded")

// DeniedExecMessage is fed back to the model when exec is disabled.
const DeniedExecMessage = "Tool denied: exec is disabled (Developer Mode off). Return a final answer without exec."

// StepFunc turns a message list into the model's full response text.
type StepFunc func(ctx context.Context, messages []backend.Message) (string, error)

// ExecRecord describes an exec tool run that happened.
type ExecRecord struct {
	Cmd    string
	Dir    string
	Output string
}

// ToolMessage is the text stored in the log for an exec run.
func (r ExecRecord) ToolMessage() string {
	return fmt.Sprintf("exec (cwd=%s):\n$ %s\n\n%s", r.Dir, r.Cmd, r.Output)
}

// Observer is told about side effects of the loop.
type Observer interface {
	ExecRecorded(ctx context.Context, rec ExecRecord)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, rec ExecRecord)

// ExecRecorded calls f.
func (f ObserverFunc) ExecRecorded(ctx context.Context, rec ExecRecord) {
	f(ctx, rec)
}

// Request is one run of the loop.
type Request struct {
	// Dispatch messages from BuildMessages
	Messages         []backend.Message
	UnrestrictedExec bool
	// Working directory for exec
	WorkingDir string
	ProfileID  string
	ChatID     string
}

// Outcome is the text a run ends with.
type Outcome struct {
	Text string
	// Text came from a final tool call rather than a plain answer
	Final bool
	Steps int
}

// Options configures a Loop.
type Options struct {
	MaxSteps int
}

// Loop executes tool calls between dispatches.
type Loop struct {
	tools    *toolexecutor.ToolExecutor
	maxSteps int
}

// New creates a loop running tools through te.
func New(te *toolexecutor.ToolExecutor, opts Options) (*Loop, error) {
	if te == nil {
		return nil, errors.New("tool executor is required")
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	return &Loop{tools: te, maxSteps: opts.MaxSteps}, nil
}

// MaxSteps returns the step bound.
func (l *Loop) MaxSteps() int {
	return l.maxSteps
}

// Run dispatches until a final or plain answer, or until the step bound.
// obs may be nil.
func (l *Loop) Run(ctx context.Context, req Request, step StepFunc, obs Observer) (Outcome, error) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	msgs := append([]backend.Message(nil), req.Messages...)
	execCtx := &toolexecutor.ExecutionContext{
		ProfileID:  req.ProfileID,
		ChatID:     req.ChatID,
		WorkingDir: req.WorkingDir,
	}
	if !req.UnrestrictedExec {
		execCtx.ToolPolicy = &toolexecutor.ToolPolicy{Allow: []string{"*"}, Deny: []string{toolexecutor.ToolExec}}
	}

	for i := 1; i <= l.maxSteps; i++ {
		content, call, err := l.dispatch(ctx, i, msgs, step)
		if err != nil {
			return Outcome{Steps: i}, err
		}

		switch c := call.(type) {
		case FinalCall:
			return Outcome{Text: c.Text, Final: true, Steps: i}, nil

		case WebGetCall:
			out := l.runTool(ctx, toolexecutor.ToolWebGet, map[string]interface{}{"url": c.URL}, execCtx)
			logger.Debug().Int("step", i).Str("url", c.URL).Msg("Tool step web_get")
			msgs = append(msgs,
				backend.Message{Role: backend.RoleAssistant, Content: content},
				backend.Message{Role: backend.RoleUser, Content: fmt.Sprintf("Tool result (web_get):\nURL: %s\n\n%s", c.URL, out.text)},
			)

		case ExecCall:
			out := l.runTool(ctx, toolexecutor.ToolExec, map[string]interface{}{"cmd": c.Cmd}, execCtx)
			if out.denied {
				logger.Info().Int("step", i).Msg("Exec denied, unrestricted exec is off")
				msgs = append(msgs,
					backend.Message{Role: backend.RoleAssistant, Content: content},
					backend.Message{Role: backend.RoleUser, Content: DeniedExecMessage},
				)
				continue
			}

			logger.Debug().Int("step", i).Str("cmd", c.Cmd).Msg("Tool step exec")
			if obs != nil {
				obs.ExecRecorded(ctx, ExecRecord{Cmd: c.Cmd, Dir: req.WorkingDir, Output: out.text})
			}
			msgs = append(msgs,
				backend.Message{Role: backend.RoleAssistant, Content: content},
				backend.Message{Role: backend.RoleUser, Content: fmt.Sprintf("Tool result (exec):\n$ %s\n\n%s", c.Cmd, out.text)},
			)

		default:
			return Outcome{Text: content, Steps: i}, nil
		}
	}

	logger.Warn().Int("max_steps", l.maxSteps).Msg("Tool loop exceeded")
	return Outcome{Steps: l.maxSteps}, ErrLoopExceeded
}

func (l *Loop) dispatch(ctx context.Context, i int, msgs []backend.Message, step StepFunc) (content string, call Call, err error) {
	ctx, span := tracing.StartSpan(ctx, "deskchat.toolloop", "toolloop.step",
		attribute.Int("toolloop.step", i),
		attribute.Int("toolloop.messages", len(msgs)),
	)
	defer func() { tracing.EndSpan(span, err) }()

	content, err = step(ctx, msgs)
	if err != nil {
		return "", nil, err
	}
	call = Decode(content)
	span.SetAttributes(attribute.String("toolloop.call", callName(call)))
	return content, call, nil
}

type toolOutput struct {
	text   string
	denied bool
}

func (l *Loop) runTool(ctx context.Context, name string, params map[string]interface{}, execCtx *toolexecutor.ExecutionContext) toolOutput {
	res := l.tools.Execute(ctx, name, params, execCtx)
	if res.Denied {
		return toolOutput{denied: true}
	}
	if !res.Success {
		return toolOutput{text: "[tool_error] " + res.Error}
	}
	return toolOutput{text: res.Output}
}

func callName(c Call) string {
	switch c.(type) {
	case ExecCall:
		return "exec"
	case WebGetCall:
		return "web_get"
	case FinalCall:
		return "final"
	}
	return "none"
}
