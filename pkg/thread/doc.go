// Package thread persists chats as JSON documents: one index per profile
// (chats.json) and one message log per chat (chat_<id>.json).
//
// Invariants:
// - Profile and chat identifiers are validated and path-safe.
// - Every save is an atomic write-replace; readers never see a torn document.
// - Read-modify-write through UpdateIndex/UpdateThread is serialized per document.
// - Message ids within a log are unique and non-decreasing in creation order.
//
// Usage:
//
//	store, _ := thread.New("/tmp/deskchat/profiles")
//	_ = store.UpdateThread(ctx, "default", chatID, func(t *thread.Thread) error {
//		t.Append(thread.NewMessage(thread.RoleUser, "hello"))
//		return nil
//	})
package thread
