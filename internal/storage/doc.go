package storage

// Package storage persists the run history: one record per debounced command
// run, with enough context to answer "what ran, when, and how did it go".
//
// It currently supports:
//   - "sqlite": a single-file database (modernc.org/sqlite, no cgo)
//   - "file": dependency-free append-only JSON Lines
//
// Storage is optional; with no driver configured every call returns
// ErrDisabled and the daemon runs history-less.
