// Package memory maintains the shared project memory log: a markdown file with
// one section per category that sibling agents append to.
//
// Invariants:
// - Every write is a read-modify-write under the exclusive file lock for the log.
// - Entries are appended to the end of their section; other sections are untouched.
// - External edits to the file are surfaced as memory_updated events by Watcher.
//
// Usage:
//
//	log := memory.NewLog(memory.Config{Store: store, Locker: locker, Path: "/repo/MEMORY.md"})
//	_ = log.Append(ctx, memory.Knowledge, "worker-1", "tests live next to sources")
//	text, _ := log.Read(ctx, memory.Knowledge)
package memory
