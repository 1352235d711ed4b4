// Package orchestrator runs sends and chat management for a profile's chats.
//
// A send acquires the chat's inflight slot, durably appends the user message,
// serializes on the chat's worker and then runs the tool loop either inline
// (Send) or on a supervised background task that streams into the thread
// (SendStream). The inflight slot is released on every exit path.
package orchestrator
