package toolloop

import (
	"encoding/json"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Call is a decoded model response: ExecCall, WebGetCall, FinalCall or
// Unrecognized.
type Call interface {
	isCall()
}

// ExecCall asks to run a shell command.
type ExecCall struct {
	Cmd string
}

// WebGetCall asks to fetch a URL.
type WebGetCall struct {
	URL string
}

// FinalCall carries the final answer.
type FinalCall struct {
	Text string
}

// Unrecognized is any response that is not exactly one tool call object. It
// is treated as a plain answer.
type Unrecognized struct {
	Raw string
}

func (ExecCall) isCall() {}
func (WebGetCall) isCall() {}
func (FinalCall) isCall() {}
func (Unrecognized) isCall() {}

const toolCallSchema = `{
  "type": "object",
  "required": ["tool"],
  "oneOf": [
    {"properties": {"tool": {"enum": ["exec"]}, "cmd": {"type": "string"}}, "required": ["cmd"]},
    {"properties": {"tool": {"enum": ["web_get"]}, "url": {"type": "string"}}, "required": ["url"]},
    {"properties": {"tool": {"enum": ["final"]}, "text": {"type": "string"}}, "required": ["text"]}
  ]
}`

var callSchema = func() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(toolCallSchema))
	if err != nil {
		panic(err)
	}
	return s
}()

type wireCall struct {
	Tool string `json:"tool"`
	Cmd  string `json:"cmd"`
	URL  string `json:"url"`
	Text string `json:"text"`
}

// Decode classifies a full response. The whole trimmed text must be a single
// tool call object; anything else is Unrecognized.
func Decode(text string) Call {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "{") {
		return Unrecognized{Raw: text}
	}

	res, err := callSchema.Validate(gojsonschema.NewStringLoader(s))
	if err != nil || !res.Valid() {
		return Unrecognized{Raw: text}
	}

	var w wireCall
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return Unrecognized{Raw: text}
	}

	switch w.Tool {
	case "exec":
		return ExecCall{Cmd: w.Cmd}
	case "web_get":
		return WebGetCall{URL: w.URL}
	case "final":
		return FinalCall{Text: w.Text}
	}
	return Unrecognized{Raw: text}
}
