// Package storage holds the scheduled-message record collection.
//
// Store keeps every record in memory and writes each mutation through to a
// Backend:
//   - "file": one pretty-printed JSON array (data/messages.json)
//   - "sqlite": modernc.org/sqlite, one row per record
//   - "postgres": gorm + pgx, one row per record
//   - "memory": no persistence
//
// The in-memory copy is authoritative for the process lifetime. Backend load
// failures start an empty collection; write failures are logged and swallowed.
package storage
