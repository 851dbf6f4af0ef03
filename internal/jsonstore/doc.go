// Package jsonstore provides a cache-aware, transactional snapshot store over
// a single JSON file.
//
// # Overview
//
// [Store] turns one JSON document into a typed snapshot surface. The document
// is held in memory as its decoded top-level entries together with the file
// modification time observed when it was read. Every [Store.GetState]
// compares the current mtime with the cached one and re-reads only when they
// differ, then materializes a fresh [Document] from a copy of the cached
// entries. Callers never share a snapshot with the store.
//
// A missing file reads as an empty document when errors are suppressed. Any
// other read failure, and any undecodable content, is reported so that a
// transaction never replaces a file it could not read.
//
// # Concurrency: Optimistic, Last Writer Wins
//
// Several processes may open the same file. There is no lock file: staleness
// is detected by mtime on every read and by [Store.Watch] notifications. Two
// processes that write without observing each other's change do not merge;
// the later write replaces the earlier one. Within a process, [Store.Write]
// transactions are serialized.
//
// # File Format
//
// A compact JSON object followed by a newline. Top-level key order is
// preserved across rewrites.
package jsonstore
