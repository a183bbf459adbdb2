package storage

// Package storage persists job run history.
//
// It currently supports:
//   - Run record appends (one per invocation, including skips)
//   - Recent-run queries for the management API
