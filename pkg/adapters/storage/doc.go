// Package storage provides pipeline, run and log storage implementations.
//
// Implementations:
//   - redis: Redis with JSON serialization; runs and logs expire after a TTL
//   - memory: in-process maps with deep copies, for tests and single-node use
package storage
