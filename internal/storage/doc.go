// Package storage persists dispatch history and the operator command log.
//
// It currently supports:
//   - Run appends and recent-run queries (panel history)
//   - Audit log appends (panel commands)
package storage
