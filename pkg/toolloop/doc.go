// Package toolloop runs the bounded dispatch/decode/execute cycle of one send.
//
// Each step hands the message list to a StepFunc and decodes the full
// response. A final call ends the loop with its text, a plain answer ends it
// with the response itself, and exec/web_get calls run the tool, append the
// call and its result to the message list, and dispatch again. The loop is
// bounded by MaxSteps; running out is ErrLoopExceeded.
//
// The loop is mode-agnostic: the sync path passes a blocking backend call, the
// streaming pipeline passes a function that drains a backend stream.
package toolloop
