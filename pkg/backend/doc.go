// Package backend adapts the model backends a chat can be routed to behind one
// interface.
//
// Kinds:
//
//   - chat (alias ollama): NDJSON streaming over HTTP in the Ollama wire format
//   - agent: an external agent CLI invoked once per turn, answering with a JSON
//     envelope; stale session-lock failures are retried
//   - openai: the OpenAI chat completions API or a compatible local server
//   - anthropic: the Anthropic messages API
//
// Complete returns the full response text. Stream returns a channel of chunks
// that is closed after a Done chunk or an error chunk; the producer stops when
// the request context is cancelled.
package backend
