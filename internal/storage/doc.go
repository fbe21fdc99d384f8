// Package storage persists benchmark results.
//
// Two drivers exist: "file" appends JSON lines, "sqlite" keeps a table in a
// SQLite database (pure Go driver, no cgo).
package storage
