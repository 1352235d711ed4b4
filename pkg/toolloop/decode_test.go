package toolloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Call
	}{
		{"exec", `{"tool":"exec","cmd":"ls -la"}`, ExecCall{Cmd: "ls -la"}},
		{"web_get", `{"tool":"web_get","url":"https://example.com"}`, WebGetCall{URL: "https://example.com"}},
		{"final", `{"tool":"final","text":"all done"}`, FinalCall{Text: "all done"}},
		{"surrounding whitespace", "\n  {\"tool\":\"final\",\"text\":\"x\"}  \n", FinalCall{Text: "x"}},
		{"extra fields ignored", `{"tool":"exec","cmd":"pwd","why":"because"}`, ExecCall{Cmd: "pwd"}},
		{"plain text", "Hello there", Unrecognized{}},
		{"unknown tool", `{"tool":"rm","path":"/"}`, Unrecognized{}},
		{"missing field", `{"tool":"exec"}`, Unrecognized{}},
		{"wrong type", `{"tool":"exec","cmd":3}`, Unrecognized{}},
		{"prose around json", `Sure: {"tool":"exec","cmd":"ls"}`, Unrecognized{}},
		{"trailing text", `{"tool":"exec","cmd":"ls"} ok`, Unrecognized{}},
		{"array", `[{"tool":"exec","cmd":"ls"}]`, Unrecognized{}},
		{"empty", "", Unrecognized{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := tt.want
			if _, ok := want.(Unrecognized); ok {
				want = Unrecognized{Raw: tt.in}
			}
			assert.Equal(t, want, Decode(tt.in))
		})
	}
}

func TestDecodeIsIdempotent(t *testing.T) {
	in := `{"tool":"final","text":"same"}`
	assert.Equal(t, Decode(in), Decode(in))
}
