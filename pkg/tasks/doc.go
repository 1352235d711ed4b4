// Package tasks supervises background work such as streaming sends.
//
// Invariants:
// - Every task runs under a context cancelled by Close or Cancel.
// - A panicking task is recovered and reported through its handle.
// - WaitForActive and Close join running tasks.
//
// Usage:
//
//	sup := tasks.New()
//	defer sup.Close()
//	h := sup.Go(ctx, "stream:p1/c1", func(ctx context.Context) error { return nil })
//	err := h.Wait()
package tasks
