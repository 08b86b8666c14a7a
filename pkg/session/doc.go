// Package session models a conversation session and persists it.
//
// A Session owns an ordered item log (messages, tool calls, tool results),
// a metadata bag, lifecycle stats and optional fork lineage. Items are only
// ever appended, truncated or copied, never reordered.
//
// Invariants:
// - Session ids are validated and path-safe before touching storage.
// - Fork(i) copies items[0:i]; the origin is never mutated.
// - Serialize then deserialize reproduces items, metadata, stats and lineage.
//
// Usage:
//
//	store := session.NewMemoryStore()
//	s := session.New("s-1")
//	s.AddItems(session.NewUserMessage("hello"))
//	_ = store.Save(ctx, s)
//	loaded, _ := store.Load(ctx, "s-1")
package session
